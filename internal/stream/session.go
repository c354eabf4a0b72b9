package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/clip-upload-service/internal/audio"
	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/upload"
	"github.com/skypro1111/clip-upload-service/internal/vad"
)

// ErrSessionEnded is returned for frames that arrive after End
var ErrSessionEnded = errors.New("session has ended")

// State is the recording state of a session
type State string

const (
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateEnded     State = "ended"
)

// ResultStatus discriminates a Result
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// Result is returned by the session lifecycle operations instead of an error
type Result struct {
	Status      ResultStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	FailedFiles []string     `json:"failed_files,omitempty"`
}

// OK reports whether the operation succeeded
func (r Result) OK() bool {
	return r.Status == ResultSuccess
}

func success() Result {
	return Result{Status: ResultSuccess}
}

func failure(message string, failed []string) Result {
	return Result{Status: ResultError, Message: message, FailedFiles: failed}
}

// Session is the recording context of one audio stream: its buffer,
// segmenter, VAD decision and clip uploads.
type Session struct {
	ID         string
	StreamID   uint32
	BusinessID string
	Mode       string
	StartTime  time.Time
	PathPrefix string

	buffer    *audio.Buffer
	segmenter *audio.Segmenter
	vad       *vad.Processor
	uploads   *upload.Orchestrator
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// dispatch context for clip uploads, outlives individual packets
	ctx context.Context

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	frameLens    []int // lengths of the frames held in buffer, oldest first
	clipStart    int   // segmenter index of the first buffered frame
	totals       upload.Totals
	lastSequence uint32
	haveSequence bool
	endResult    *Result
}

// SessionInfo is the monitoring view of a session
type SessionInfo struct {
	ID           string               `json:"id"`
	StreamID     uint32               `json:"stream_id"`
	BusinessID   string               `json:"business_id,omitempty"`
	Mode         string               `json:"mode"`
	State        State                `json:"state"`
	PathPrefix   string               `json:"path_prefix"`
	StartTime    time.Time            `json:"start_time"`
	LastActivity time.Time            `json:"last_activity"`
	Duration     time.Duration        `json:"duration"`
	Buffer       audio.BufferStats    `json:"buffer"`
	Segmenter    audio.SegmenterStats `json:"segmenter"`
	VAD          vad.ProcessorStats   `json:"vad"`
	Clips        upload.Stats         `json:"clips"`
	Totals       upload.Totals        `json:"totals"`
}

// ProcessFrame feeds one captured frame through the pipeline: the samples
// are buffered, the probability becomes a speech decision, and a boundary
// from the segmenter turns the buffered frames before it into a clip.
// It never blocks on uploads.
func (s *Session) ProcessFrame(probability float32, samples []float32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processFrameLocked(probability, samples)
}

// AddFrame is ProcessFrame for sequenced frames; duplicates and frames
// older than the last accepted one are dropped.
func (s *Session) AddFrame(sequence uint32, probability float32, samples []float32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.haveSequence && sequence <= s.lastSequence {
		s.metrics.RecordFrameOutOfOrder()
		s.logger.Debug("Dropping out-of-order frame",
			slog.Uint64("sequence", uint64(sequence)),
			slog.Uint64("last_sequence", uint64(s.lastSequence)))
		return false, nil
	}

	cut, err := s.processFrameLocked(probability, samples)
	if err == nil {
		s.lastSequence = sequence
		s.haveSequence = true
	}
	return cut, err
}

func (s *Session) processFrameLocked(probability float32, samples []float32) (bool, error) {
	switch s.state {
	case StateEnded:
		return false, ErrSessionEnded
	case StatePaused:
		return false, nil
	}
	s.lastActivity = time.Now()

	result, err := s.vad.Classify(probability)
	if err != nil {
		return false, fmt.Errorf("classify frame: %w", err)
	}

	s.buffer.Append(samples)
	s.frameLens = append(s.frameLens, len(samples))
	s.totals.RawSamples += int64(len(samples))
	s.totals.RawFrames++
	s.metrics.RecordFrame(result.HasVoice)

	current := s.segmenter.Decisions()
	isBoundary, index := s.segmenter.ProcessFrame(result.HasVoice)
	if !isBoundary {
		return false, nil
	}

	cause := "silence"
	if index == current {
		cause = "max_length"
	}
	s.cutLocked(index, cause)
	return true, nil
}

// cutLocked turns the buffered frames before boundary into a clip and keeps
// the rest as the start of the next one.
func (s *Session) cutLocked(boundary int, cause string) {
	clipFrames := boundary - s.clipStart
	if clipFrames < 0 {
		clipFrames = 0
	}
	if clipFrames > len(s.frameLens) {
		clipFrames = len(s.frameLens)
	}

	clipSamples := 0
	for _, n := range s.frameLens[:clipFrames] {
		clipSamples += n
	}

	data := s.buffer.GetAudioData()
	clip := data[:clipSamples]
	tail := data[clipSamples:]
	tailFrames := len(s.frameLens) - clipFrames

	s.buffer.Retain(tail, tailFrames)
	s.frameLens = append(s.frameLens[:0], s.frameLens[clipFrames:]...)
	s.clipStart = boundary

	if clipSamples == 0 {
		return
	}

	rate := s.buffer.SampleRate()
	tr := audio.ChunkTimestamps(int(s.totals.RawSamples)-len(tail), clipSamples, rate)
	s.totals.InsertedSamples += int64(clipSamples)
	s.totals.InsertedFrames += int64(clipFrames)

	duration := float64(clipSamples) / float64(rate)
	s.metrics.RecordBoundary(cause, duration)

	rec := s.uploads.SubmitClip(s.ctx, clip, tr)
	s.logger.Debug("Clip cut",
		slog.String("file", rec.FileName),
		slog.String("cause", cause),
		slog.Int("boundary", boundary),
		slog.Int("frames", clipFrames),
		slog.String("start", tr.Start),
		slog.String("end", tr.End))
}

// flushLocked forces a boundary after the last processed frame
func (s *Session) flushLocked() {
	boundary := s.segmenter.Flush()
	s.cutLocked(boundary, "flush")
}

// Pause flushes the buffered audio as a clip and stops accepting frames
// until Resume. It waits for outstanding uploads and reports failures.
func (s *Session) Pause(ctx context.Context) Result {
	if res := s.HaltRecording(); !res.OK() {
		return res
	}
	return s.Settle(ctx)
}

// HaltRecording is the non-blocking half of Pause: the buffered audio is
// cut into a clip and later frames are ignored. Settle waits for the uploads.
func (s *Session) HaltRecording() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRecording {
		return failure(fmt.Sprintf("cannot pause a session that is %s", s.state), nil)
	}
	s.flushLocked()
	s.state = StatePaused
	s.lastActivity = time.Now()
	s.logger.Info("Session paused")
	return success()
}

// Resume starts accepting frames again after Pause
func (s *Session) Resume() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return failure(fmt.Sprintf("cannot resume a session that is %s", s.state), nil)
	}
	s.state = StateRecording
	s.lastActivity = time.Now()
	s.logger.Info("Session resumed")
	return success()
}

// End flushes the last clip, waits for every upload and writes the end
// marker. A failed end marker fails the session even if every clip landed.
func (s *Session) End(ctx context.Context) Result {
	if res := s.Close(); !res.OK() {
		return res
	}
	return s.Finish(ctx)
}

// Close is the non-blocking half of End: the last clip is cut and the
// session stops accepting frames. Finish completes the End.
func (s *Session) Close() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return failure("session has already ended", nil)
	}
	if s.state == StateRecording {
		s.flushLocked()
	}
	s.state = StateEnded
	s.lastActivity = time.Now()
	return success()
}

// Finish waits for the uploads of a closed session and writes its end marker
func (s *Session) Finish(ctx context.Context) Result {
	if err := s.uploads.WaitForAllOutstanding(ctx); err != nil {
		return s.finish(failure(err.Error(), nil))
	}
	if err := s.writeEndMarker(ctx); err != nil {
		s.logger.Error("End marker upload failed", slog.String("error", err.Error()))
		return s.finish(failure(err.Error(), failedNames(s.uploads.FailedClips())))
	}
	return s.finish(s.Settle(ctx))
}

// Retry re-uploads every failed clip. After End the end marker is written
// again so it reflects the new clip statuses.
func (s *Session) Retry(ctx context.Context) Result {
	s.mu.Lock()
	s.lastActivity = time.Now()
	ended := s.state == StateEnded
	s.mu.Unlock()

	still := s.uploads.RetryFailed(ctx)

	if ended {
		if err := s.writeEndMarker(ctx); err != nil {
			return s.finish(failure(err.Error(), still))
		}
	}

	var res Result
	if len(still) > 0 {
		res = failure(fmt.Sprintf("%d clips still failed", len(still)), still)
	} else {
		res = success()
	}
	if ended {
		return s.finish(res)
	}
	return res
}

// Settle waits for outstanding uploads and reports the clips that failed
func (s *Session) Settle(ctx context.Context) Result {
	if err := s.uploads.WaitForAllOutstanding(ctx); err != nil {
		return failure(err.Error(), nil)
	}
	if failed := failedNames(s.uploads.FailedClips()); len(failed) > 0 {
		return failure(fmt.Sprintf("%d clips failed to upload", len(failed)), failed)
	}
	return success()
}

func (s *Session) finish(res Result) Result {
	s.mu.Lock()
	s.endResult = &res
	s.mu.Unlock()
	return res
}

func (s *Session) writeEndMarker(ctx context.Context) error {
	s.mu.Lock()
	totals := s.totals
	s.mu.Unlock()

	marker := upload.NewEndMarker(s.ID, s.PathPrefix, s.uploads.Registry().Snapshot(), totals, time.Now())
	return s.uploads.WriteMarker(ctx, upload.EndMarkerName, marker)
}

// State returns the recording state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when the session last received a frame or command
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// EndResult returns the outcome of End, or of the latest Retry after End
func (s *Session) EndResult() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endResult == nil {
		return Result{}, false
	}
	return *s.endResult, true
}

// Totals returns the raw and inserted sample and frame counters
func (s *Session) Totals() upload.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// Clips returns the clip records without payloads
func (s *Session) Clips() []upload.ClipRecord {
	return s.uploads.Registry().Snapshot()
}

// Info returns the monitoring view of the session
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		ID:           s.ID,
		StreamID:     s.StreamID,
		BusinessID:   s.BusinessID,
		Mode:         s.Mode,
		State:        s.state,
		PathPrefix:   s.PathPrefix,
		StartTime:    s.StartTime,
		LastActivity: s.lastActivity,
		Duration:     time.Since(s.StartTime),
		Totals:       s.totals,
	}
	s.mu.Unlock()

	info.Buffer = s.buffer.GetStats()
	info.Segmenter = s.segmenter.GetStats()
	info.VAD = s.vad.GetStats()
	info.Clips = s.uploads.Stats()
	return info
}

func failedNames(records []upload.ClipRecord) []string {
	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, rec.FileName)
	}
	return names
}
