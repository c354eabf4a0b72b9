package audio

import (
	"testing"
)

func testSegmentationConfig() SegmentationConfig {
	return SegmentationConfig{
		PreferredFrames:    10,
		DesperateFrames:    20,
		MaxFrames:          30,
		ShortSilenceFrames: 2,
		LongSilenceFrames:  6,
	}
}

// feed runs decisions through the segmenter and returns every boundary reported.
func feed(t *testing.T, s *Segmenter, decisions []bool) []int {
	t.Helper()
	var cuts []int
	for _, speech := range decisions {
		if ok, idx := s.ProcessFrame(speech); ok {
			cuts = append(cuts, idx)
		}
	}
	return cuts
}

func run(speech bool, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = speech
	}
	return out
}

func TestSegmentationConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SegmentationConfig)
		wantErr bool
	}{
		{"valid", func(*SegmentationConfig) {}, false},
		{"zero preferred", func(c *SegmentationConfig) { c.PreferredFrames = 0 }, true},
		{"desperate not above preferred", func(c *SegmentationConfig) { c.DesperateFrames = 10 }, true},
		{"max not above desperate", func(c *SegmentationConfig) { c.MaxFrames = 20 }, true},
		{"negative silence", func(c *SegmentationConfig) { c.ShortSilenceFrames = -1 }, true},
		{"long shorter than short", func(c *SegmentationConfig) { c.LongSilenceFrames = 1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testSegmentationConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSegmenterHardMaxBackstop(t *testing.T) {
	s, err := NewSegmenter(testSegmentationConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}

	cuts := feed(t, s, run(true, 31))

	if len(cuts) != 1 {
		t.Fatalf("Expected exactly one boundary, got %v", cuts)
	}
	if cuts[0] != 30 {
		t.Errorf("boundary = %d, want 30", cuts[0])
	}
}

func TestSegmenterLongSilenceBackoff(t *testing.T) {
	s, _ := NewSegmenter(testSegmentationConfig())

	decisions := append(run(true, 12), run(false, 7)...)
	cuts := feed(t, s, decisions)

	// silence starts at frame 12; the run reaches 7 at frame 18, backed off by 3
	if len(cuts) != 1 || cuts[0] != 15 {
		t.Fatalf("boundaries = %v, want [15]", cuts)
	}
	if got := s.GetStats().SilenceRun; got != 0 {
		t.Errorf("silence run after cut = %d, want 0", got)
	}
}

func TestSegmenterDesperateCut(t *testing.T) {
	s, _ := NewSegmenter(testSegmentationConfig())

	decisions := append(run(true, 21), run(false, 3)...)
	cuts := feed(t, s, decisions)

	if len(cuts) != 1 || cuts[0] != 22 {
		t.Fatalf("boundaries = %v, want [22]", cuts)
	}
}

func TestSegmenterBackoffIsCapped(t *testing.T) {
	s, _ := NewSegmenter(SegmentationConfig{
		PreferredFrames:    10,
		DesperateFrames:    40,
		MaxFrames:          60,
		ShortSilenceFrames: 12,
		LongSilenceFrames:  14,
	})

	decisions := append(run(true, 12), run(false, 15)...)
	cuts := feed(t, s, decisions)

	// run of 15 at frame 26; half of it exceeds the cap of 5
	if len(cuts) != 1 || cuts[0] != 21 {
		t.Fatalf("boundaries = %v, want [21]", cuts)
	}
}

func TestSegmenterLeadingSilence(t *testing.T) {
	s, _ := NewSegmenter(testSegmentationConfig())

	cuts := feed(t, s, run(false, 12))

	// the first silent frame does not count toward the run
	if len(cuts) != 1 || cuts[0] != 6 {
		t.Fatalf("boundaries = %v, want [6]", cuts)
	}
}

func TestSegmenterSpeechResetsSilenceRun(t *testing.T) {
	s, _ := NewSegmenter(testSegmentationConfig())

	var decisions []bool
	for i := 0; i < 5; i++ {
		decisions = append(decisions, run(true, 1)...)
		decisions = append(decisions, run(false, 5)...)
	}

	// short runs never pass the long threshold and the desperate length is not reached
	if cuts := feed(t, s, decisions[:20]); len(cuts) != 0 {
		t.Errorf("unexpected boundaries %v", cuts)
	}
}

func TestSegmenterFlush(t *testing.T) {
	s, _ := NewSegmenter(testSegmentationConfig())
	feed(t, s, run(true, 5))

	if idx := s.Flush(); idx != 5 {
		t.Errorf("Flush() = %d, want 5", idx)
	}
	if s.FramesSinceLastClip() != 0 {
		t.Errorf("FramesSinceLastClip() = %d, want 0", s.FramesSinceLastClip())
	}

	feed(t, s, run(true, 31))
	boundaries := s.Boundaries()
	if len(boundaries) != 2 || boundaries[1] != 35 {
		t.Errorf("boundaries = %v, want [5 35]", boundaries)
	}

	stats := s.GetStats()
	if stats.Flushes != 1 || stats.MaxLengthCuts != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFramesFor(t *testing.T) {
	tests := []struct {
		seconds   float64
		rate      int
		frameSize int
		want      int
	}{
		{1, 16000, 512, 31},
		{30, 16000, 1536, 312},
		{0.5, 8000, 160, 25},
		{1, 16000, 0, 0},
	}

	for _, tt := range tests {
		if got := FramesFor(tt.seconds, tt.rate, tt.frameSize); got != tt.want {
			t.Errorf("FramesFor(%v, %d, %d) = %d, want %d", tt.seconds, tt.rate, tt.frameSize, got, tt.want)
		}
	}
}
