package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultThreshold is the speech probability at or above which a frame counts as speech.
const DefaultThreshold float32 = 0.5

// Processor turns the per-frame speech probability reported by the upstream
// model into a speech/silence decision.
type Processor struct {
	threshold float32

	// Statistics
	totalFrames     uint64
	voiceFrames     uint64
	rejectedFrames  uint64
	probabilitySum  float64
	lastProbability float32
	lastProcessed   time.Time

	mu sync.RWMutex
}

// VADResult represents the result of voice activity detection
type VADResult struct {
	Probability float32   `json:"probability"` // Voice probability (0.0 - 1.0)
	HasVoice    bool      `json:"has_voice"`   // Whether voice was detected
	Confidence  float32   `json:"confidence"`  // Distance from the threshold scaled to 0-1
	FrameIndex  int       `json:"frame_index"`
	Timestamp   time.Time `json:"timestamp"`
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalFrames        uint64    `json:"total_frames"`
	VoiceFrames        uint64    `json:"voice_frames"`
	RejectedFrames     uint64    `json:"rejected_frames"`
	VoicePercentage    float64   `json:"voice_percentage"`
	AverageProbability float64   `json:"average_probability"`
	LastProbability    float32   `json:"last_probability"`
	LastProcessed      time.Time `json:"last_processed"`
	Threshold          float32   `json:"threshold"`
}

// NewProcessor creates a new VAD processor instance
func NewProcessor(threshold float32) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	return &Processor{threshold: threshold}, nil
}

// Classify decides whether a frame with the given probability is speech.
// Probabilities slightly outside [0, 1] are clamped; NaN is rejected.
func (p *Processor) Classify(probability float32) (*VADResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if math.IsNaN(float64(probability)) {
		p.rejectedFrames++
		return nil, fmt.Errorf("invalid speech probability: NaN")
	}
	probability = clamp(probability)

	hasVoice := probability >= p.threshold

	p.totalFrames++
	if hasVoice {
		p.voiceFrames++
	}
	p.probabilitySum += float64(probability)
	p.lastProbability = probability
	p.lastProcessed = time.Now()

	confidence := float32(math.Abs(float64(probability - p.threshold)))
	if confidence > 0.5 {
		confidence = 0.5
	}

	return &VADResult{
		Probability: probability,
		HasVoice:    hasVoice,
		Confidence:  confidence * 2,
		FrameIndex:  int(p.totalFrames - 1),
		Timestamp:   p.lastProcessed,
	}, nil
}

func clamp(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := ProcessorStats{
		TotalFrames:     p.totalFrames,
		VoiceFrames:     p.voiceFrames,
		RejectedFrames:  p.rejectedFrames,
		LastProbability: p.lastProbability,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
	if p.totalFrames > 0 {
		stats.VoicePercentage = float64(p.voiceFrames) / float64(p.totalFrames) * 100
		stats.AverageProbability = p.probabilitySum / float64(p.totalFrames)
	}
	return stats
}

// UpdateThreshold updates the voice detection threshold
func (p *Processor) UpdateThreshold(threshold float32) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.threshold = threshold
	return nil
}

// Reset clears the processor statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalFrames = 0
	p.voiceFrames = 0
	p.rejectedFrames = 0
	p.probabilitySum = 0
	p.lastProbability = 0
	p.lastProcessed = time.Time{}
}

// GetThreshold returns the current threshold
func (p *Processor) GetThreshold() float32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}
