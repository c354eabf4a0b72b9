// Package audio handles clip audio: the growable sample buffer, the frame-count
// segmentation engine that places clip boundaries from VAD decisions, and the
// WAV encoding used for uploaded clips.
package audio
