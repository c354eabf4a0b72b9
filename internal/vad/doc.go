// Package vad makes the per-frame speech decision. The speech probability comes
// from an upstream model; this package applies the threshold and keeps statistics.
package vad
