package audio

import (
	"fmt"
	"math"
	"sync"
)

// Buffer accumulates float32 samples for the clip currently being recorded.
// Capacity grows in fixed increments and never shrinks until HardReset.
type Buffer struct {
	sampleRate      int // Hz
	growthIncrement int // samples added per growth step
	initialCapacity int

	// Audio data storage
	samples     []float32 // len(samples) is the capacity in use
	sampleCount int       // valid samples at the front of samples
	frameCount  int       // frames appended since the last reset

	growths uint64 // number of reallocations

	mu sync.RWMutex
}

// TimeRange is the position of a clip inside the session, formatted as MM:SS.ffffff.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	SampleRate      int     `json:"sample_rate"`
	Samples         int     `json:"samples"`
	Frames          int     `json:"frames"`
	CapacitySamples int     `json:"capacity_samples"`
	DurationSeconds float64 `json:"duration_seconds"`
	Growths         uint64  `json:"growths"`
}

// NewBuffer creates a buffer that grows by allocationSeconds worth of samples at a time.
func NewBuffer(sampleRate int, allocationSeconds float64) *Buffer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	increment := int(float64(sampleRate) * allocationSeconds)
	if increment <= 0 {
		increment = sampleRate
	}

	return &Buffer{
		sampleRate:      sampleRate,
		growthIncrement: increment,
		initialCapacity: increment,
		samples:         make([]float32, increment),
	}
}

// Append copies frame to the end of the buffer and returns the new sample count.
func (b *Buffer) Append(frame []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.appendLocked(frame)
	b.frameCount++
	return b.sampleCount
}

func (b *Buffer) appendLocked(frame []float32) {
	needed := b.sampleCount + len(frame)
	if needed > len(b.samples) {
		capacity := len(b.samples)
		for capacity < needed {
			capacity += b.growthIncrement
		}
		grown := make([]float32, capacity)
		copy(grown, b.samples[:b.sampleCount])
		b.samples = grown
		b.growths++
	}

	copy(b.samples[b.sampleCount:], frame)
	b.sampleCount = needed
}

// GetAudioData returns a copy of the valid samples.
func (b *Buffer) GetAudioData() []float32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]float32, b.sampleCount)
	copy(out, b.samples[:b.sampleCount])
	return out
}

// Retain resets the counters and keeps tail as the beginning of the next clip.
// frames is the number of frames tail was made of.
func (b *Buffer) Retain(tail []float32, frames int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// tail may alias the backing array
	kept := make([]float32, len(tail))
	copy(kept, tail)

	b.sampleCount = 0
	b.frameCount = 0
	b.appendLocked(kept)
	b.frameCount = frames
}

// Reset discards the buffered samples but keeps the allocated capacity.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sampleCount = 0
	b.frameCount = 0
}

// HardReset discards the samples and returns the buffer to its initial capacity.
func (b *Buffer) HardReset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = make([]float32, b.initialCapacity)
	b.sampleCount = 0
	b.frameCount = 0
}

// Size returns the number of valid samples
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sampleCount
}

// FrameCount returns the number of frames appended since the last reset
func (b *Buffer) FrameCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frameCount
}

// Capacity returns the allocated capacity in samples
func (b *Buffer) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// SampleRate returns the sampling rate in Hz
func (b *Buffer) SampleRate() int {
	return b.sampleRate
}

// DurationSeconds returns the duration of the buffered audio
func (b *Buffer) DurationSeconds() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return float64(b.sampleCount) / float64(b.sampleRate)
}

// CalculateChunkTimestamps places the buffered audio at the end of totalRawSamples
// of session audio.
func (b *Buffer) CalculateChunkTimestamps(totalRawSamples int) TimeRange {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return ChunkTimestamps(totalRawSamples, b.sampleCount, b.sampleRate)
}

// GetStats returns buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		SampleRate:      b.sampleRate,
		Samples:         b.sampleCount,
		Frames:          b.frameCount,
		CapacitySamples: len(b.samples),
		DurationSeconds: float64(b.sampleCount) / float64(b.sampleRate),
		Growths:         b.growths,
	}
}

// ChunkTimestamps computes the range of a clip of clipSamples that ends at
// totalRawSamples. The start is clamped to zero.
func ChunkTimestamps(totalRawSamples, clipSamples, sampleRate int) TimeRange {
	if sampleRate <= 0 {
		return TimeRange{Start: FormatTimestamp(0), End: FormatTimestamp(0)}
	}
	duration := float64(clipSamples) / float64(sampleRate)
	start := math.Max(0, float64(totalRawSamples)/float64(sampleRate)-duration)

	return TimeRange{
		Start: FormatTimestamp(start),
		End:   FormatTimestamp(start + duration),
	}
}

// FormatTimestamp renders seconds as MM:SS.ffffff.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	micros := int64(math.Round(seconds * 1e6))
	minutes := micros / 60_000_000
	rest := micros % 60_000_000

	return fmt.Sprintf("%02d:%02d.%06d", minutes, rest/1_000_000, rest%1_000_000)
}
