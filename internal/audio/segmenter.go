package audio

import (
	"fmt"
	"sync"
)

// maxBackoffFrames caps how far a silence cut is moved back into the silent run.
const maxBackoffFrames = 5

// SegmenterState describes what the segmenter saw last
type SegmenterState int

const (
	StateIdle SegmenterState = iota
	StateSpeech
	StateSilence
)

func (s SegmenterState) String() string {
	switch s {
	case StateSpeech:
		return "speech"
	case StateSilence:
		return "silence"
	default:
		return "idle"
	}
}

// SegmentationConfig holds the clip boundary thresholds. All values count frames,
// one VAD decision per frame.
type SegmentationConfig struct {
	PreferredFrames    int // clip length after which a long silence cuts
	DesperateFrames    int // clip length after which a short silence cuts
	MaxFrames          int // hard upper bound on clip length
	ShortSilenceFrames int
	LongSilenceFrames  int
}

// Validate checks the threshold ordering
func (c SegmentationConfig) Validate() error {
	if c.PreferredFrames <= 0 {
		return fmt.Errorf("preferred length must be positive, got %d", c.PreferredFrames)
	}
	if c.DesperateFrames <= c.PreferredFrames {
		return fmt.Errorf("desperate length (%d) must be greater than preferred length (%d)",
			c.DesperateFrames, c.PreferredFrames)
	}
	if c.MaxFrames <= c.DesperateFrames {
		return fmt.Errorf("max length (%d) must be greater than desperate length (%d)",
			c.MaxFrames, c.DesperateFrames)
	}
	if c.ShortSilenceFrames < 0 || c.LongSilenceFrames < 0 {
		return fmt.Errorf("silence thresholds must not be negative")
	}
	if c.LongSilenceFrames < c.ShortSilenceFrames {
		return fmt.Errorf("long silence (%d) must not be shorter than short silence (%d)",
			c.LongSilenceFrames, c.ShortSilenceFrames)
	}
	return nil
}

// FramesFor converts a duration in seconds to a frame count for the given frame size.
func FramesFor(seconds float64, sampleRate, frameSize int) int {
	if frameSize <= 0 {
		return 0
	}
	return int(seconds * float64(sampleRate) / float64(frameSize))
}

// Segmenter decides clip boundaries from a stream of per-frame speech decisions.
// It only tracks counts; the caller owns the samples.
type Segmenter struct {
	config SegmentationConfig
	state  SegmenterState

	pastDecisions int // frames seen so far
	lastClipIndex int // frame index of the last boundary
	silenceRun    int // consecutive silent frames

	boundaries []int

	// Statistics
	speechFrames  uint64
	silenceFrames uint64
	silenceCuts   uint64
	maxCuts       uint64
	flushes       uint64

	mu sync.RWMutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State               string `json:"state"`
	Decisions           int    `json:"decisions"`
	FramesSinceLastClip int    `json:"frames_since_last_clip"`
	SilenceRun          int    `json:"silence_run"`
	Boundaries          int    `json:"boundaries"`
	SpeechFrames        uint64 `json:"speech_frames"`
	SilenceFrames       uint64 `json:"silence_frames"`
	SilenceCuts         uint64 `json:"silence_cuts"`
	MaxLengthCuts       uint64 `json:"max_length_cuts"`
	Flushes             uint64 `json:"flushes"`
}

// NewSegmenter creates a segmenter with validated thresholds
func NewSegmenter(config SegmentationConfig) (*Segmenter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmentation config: %w", err)
	}
	return &Segmenter{config: config}, nil
}

// ProcessFrame records one speech decision and reports whether a clip boundary
// was placed, and at which frame index.
func (s *Segmenter) ProcessFrame(isSpeech bool) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isSpeech {
		s.silenceRun = 0
		s.state = StateSpeech
		s.speechFrames++
	} else {
		if s.pastDecisions > 0 {
			s.silenceRun++
		}
		s.state = StateSilence
		s.silenceFrames++
	}

	since := s.pastDecisions - s.lastClipIndex
	boundary := -1

	switch {
	case since > s.config.PreferredFrames && s.silenceRun > s.config.LongSilenceFrames:
		boundary = s.pastDecisions - min(s.silenceRun/2, maxBackoffFrames)
		s.silenceCuts++
	case since > s.config.DesperateFrames && s.silenceRun > s.config.ShortSilenceFrames:
		boundary = s.pastDecisions - min(s.silenceRun/2, maxBackoffFrames)
		s.silenceCuts++
	case since >= s.config.MaxFrames:
		boundary = s.pastDecisions
		s.maxCuts++
	}

	if boundary >= 0 {
		s.markBoundary(boundary)
	}
	s.pastDecisions++

	return boundary >= 0, boundary
}

// Flush forces a boundary after the last processed frame. Used on pause and end.
func (s *Segmenter) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushes++
	s.markBoundary(s.pastDecisions)
	return s.pastDecisions
}

func (s *Segmenter) markBoundary(index int) {
	s.lastClipIndex = index
	s.silenceRun = 0
	s.boundaries = append(s.boundaries, index)
}

// Boundaries returns a copy of every boundary placed so far
func (s *Segmenter) Boundaries() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int, len(s.boundaries))
	copy(out, s.boundaries)
	return out
}

// Decisions returns the number of frames processed
func (s *Segmenter) Decisions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pastDecisions
}

// FramesSinceLastClip returns the frame distance to the last boundary
func (s *Segmenter) FramesSinceLastClip() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pastDecisions - s.lastClipIndex
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SegmenterStats{
		State:               s.state.String(),
		Decisions:           s.pastDecisions,
		FramesSinceLastClip: s.pastDecisions - s.lastClipIndex,
		SilenceRun:          s.silenceRun,
		Boundaries:          len(s.boundaries),
		SpeechFrames:        s.speechFrames,
		SilenceFrames:       s.silenceFrames,
		SilenceCuts:         s.silenceCuts,
		MaxLengthCuts:       s.maxCuts,
		Flushes:             s.flushes,
	}
}
