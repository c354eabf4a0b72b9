package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/clip-upload-service/internal/audio"
	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/observe"
	"github.com/skypro1111/clip-upload-service/internal/storage"
)

// ClipWriter performs one reliable storage write
type ClipWriter interface {
	WriteObject(ctx context.Context, obj storage.Object) error
}

// ProgressFunc receives the uploaded file names and the total clip count
type ProgressFunc func(successes []string, total int)

// Event is one clip lifecycle transition
type Event struct {
	SessionID string    `json:"session_id"`
	FileName  string    `json:"file_name"`
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	Attempt   int       `json:"attempt"`
	Bytes     int       `json:"bytes"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// EventRecorder persists clip lifecycle events
type EventRecorder interface {
	Record(ctx context.Context, ev Event) error
}

// Config contains orchestrator configuration
type Config struct {
	SessionID  string
	BusinessID string
	PathPrefix string
	SampleRate int
	Encoder    audio.Encoder
	Writer     ClipWriter
	Progress   ProgressFunc
	Events     EventRecorder
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Stats summarises the clips of a session
type Stats struct {
	Total       int `json:"total"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Pending     int `json:"pending"`
	Outstanding int `json:"outstanding"`
}

// Orchestrator turns finished clips into storage writes and tracks them
// until they settle.
type Orchestrator struct {
	config   Config
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	outstanding int
	idle        chan struct{}
}

// NewOrchestrator creates an orchestrator for one session
func NewOrchestrator(config Config) (*Orchestrator, error) {
	if config.Writer == nil {
		return nil, fmt.Errorf("writer cannot be nil")
	}
	if config.Encoder == nil {
		return nil, fmt.Errorf("encoder cannot be nil")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	idle := make(chan struct{})
	close(idle)

	return &Orchestrator{
		config:   config,
		registry: NewRegistry(),
		logger:   config.Logger.With(slog.String("session_id", config.SessionID)),
		metrics:  config.Metrics,
		idle:     idle,
	}, nil
}

// Registry returns the session's clip registry
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// SubmitClip registers a finished clip and dispatches it in the background.
// The caller must not reuse samples.
func (o *Orchestrator) SubmitClip(ctx context.Context, samples []float32, tr audio.TimeRange) ClipRecord {
	rec := o.registry.Register(tr, samples, o.config.Encoder.Extension(), o.key)

	o.track()
	o.metrics.AddUploadsInFlight(1)
	go func() {
		defer o.untrack()
		defer o.metrics.AddUploadsInFlight(-1)
		o.Dispatch(ctx, rec.Index)
	}()

	return rec
}

// Dispatch encodes a pending clip and writes it. Completion updates the
// registry and fires the progress callback whatever the outcome.
func (o *Orchestrator) Dispatch(ctx context.Context, index int) {
	rec, ok := o.registry.Get(index)
	if !ok || rec.Status != StatusPending {
		return
	}

	ctx, span := observe.StartSpan(ctx, "clip.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("clip.file", rec.FileName), attribute.Int("clip.samples", len(rec.Samples)))

	if body, err := o.encode(ctx, rec); err == nil {
		o.write(ctx, rec, body)
	}
	o.progress()
}

// encode turns the raw samples of a record into its upload body. On failure
// the record is marked failed with its samples kept, so a retry encodes again.
func (o *Orchestrator) encode(ctx context.Context, rec ClipRecord) ([]byte, error) {
	body, err := o.config.Encoder.Encode(rec.Samples, o.config.SampleRate)
	if err != nil {
		o.logger.Error("Failed to encode clip",
			slog.String("file", rec.FileName),
			slog.String("error", err.Error()))
		o.registry.MarkFailure(rec.Index, nil, "", err)
		o.record(ctx, rec, StatusFailure, 0, err)
		return nil, fmt.Errorf("encode %s: %w", rec.FileName, err)
	}
	o.registry.SetEncoded(rec.Index, body, o.config.Encoder.ContentType())
	o.metrics.RecordClipEncoded(len(body))
	return body, nil
}

// write uploads an encoded clip and records the outcome
func (o *Orchestrator) write(ctx context.Context, rec ClipRecord, body []byte) error {
	contentType := o.config.Encoder.ContentType()
	err := o.config.Writer.WriteObject(ctx, o.object(rec.Key, body, contentType))
	if err != nil {
		o.logger.Warn("Clip upload failed",
			slog.String("file", rec.FileName),
			slog.String("error", err.Error()))
		o.registry.MarkFailure(rec.Index, body, contentType, err)
		o.record(ctx, rec, StatusFailure, len(body), err)
		return err
	}

	o.logger.Debug("Clip uploaded",
		slog.String("file", rec.FileName),
		slog.String("key", rec.Key),
		slog.Int("bytes", len(body)))
	o.registry.MarkSuccess(rec.Index)
	o.record(ctx, rec, StatusSuccess, len(body), nil)
	return nil
}

// WaitForAllOutstanding blocks until every dispatched clip has settled
func (o *Orchestrator) WaitForAllOutstanding(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d outstanding uploads: %w", o.Outstanding(), ctx.Err())
	}
}

// Outstanding returns the number of dispatched clips that have not settled
func (o *Orchestrator) Outstanding() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outstanding
}

// FailedClips returns the failed clips that can be retried
func (o *Orchestrator) FailedClips() []ClipRecord {
	return o.registry.Failed()
}

// Successes returns the uploaded file names
func (o *Orchestrator) Successes() []string {
	return o.registry.Successes()
}

// RetryFailed re-uploads every retained failed clip concurrently and returns
// the file names that still failed. Clips that never encoded are encoded first.
func (o *Orchestrator) RetryFailed(ctx context.Context) []string {
	failed := o.registry.Failed()
	stillFailed := make([]string, 0, len(failed))
	if len(failed) == 0 {
		return stillFailed
	}
	o.metrics.RecordRetryPass()

	o.logger.Info("Retrying failed clips", slog.Int("count", len(failed)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, rec := range failed {
		g.Go(func() error {
			body := rec.Body
			if len(body) == 0 {
				var err error
				if body, err = o.encode(ctx, rec); err != nil {
					mu.Lock()
					stillFailed = append(stillFailed, rec.FileName)
					mu.Unlock()
					return err
				}
			}
			if err := o.write(ctx, rec, body); err != nil {
				mu.Lock()
				stillFailed = append(stillFailed, rec.FileName)
				mu.Unlock()
				return fmt.Errorf("retry %s: %w", rec.FileName, err)
			}
			o.progress()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Warn("Retry pass incomplete",
			slog.Int("still_failed", len(stillFailed)),
			slog.String("first_error", err.Error()))
	}

	return stillFailed
}

// WriteMarker uploads a JSON session marker synchronously. Markers are not
// registered as clips, so failures are returned to the caller.
func (o *Orchestrator) WriteMarker(ctx context.Context, name string, marker any) error {
	body, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := o.config.Writer.WriteObject(ctx, o.object(o.key(name), body, "application/json")); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// Stats returns clip counts by status
func (o *Orchestrator) Stats() Stats {
	st := Stats{Outstanding: o.Outstanding()}
	for _, rec := range o.registry.Snapshot() {
		st.Total++
		switch rec.Status {
		case StatusSuccess:
			st.Succeeded++
		case StatusFailure:
			st.Failed++
		default:
			st.Pending++
		}
	}
	return st
}

func (o *Orchestrator) key(name string) string {
	return storage.Key(o.config.PathPrefix, name)
}

func (o *Orchestrator) object(key string, body []byte, contentType string) storage.Object {
	meta := map[string]string{"session-id": o.config.SessionID}
	if o.config.BusinessID != "" {
		meta["business-id"] = o.config.BusinessID
	}
	return storage.Object{Key: key, Body: body, ContentType: contentType, Metadata: meta}
}

func (o *Orchestrator) progress() {
	if o.config.Progress != nil {
		o.config.Progress(o.registry.Successes(), o.registry.Len())
	}
}

func (o *Orchestrator) record(ctx context.Context, rec ClipRecord, status Status, size int, cause error) {
	if o.config.Events == nil {
		return
	}
	ev := Event{
		SessionID: o.config.SessionID,
		FileName:  rec.FileName,
		Key:       rec.Key,
		Status:    status,
		Bytes:     size,
		At:        time.Now(),
	}
	if cur, ok := o.registry.Get(rec.Index); ok {
		ev.Attempt = cur.Attempts
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := o.config.Events.Record(ctx, ev); err != nil {
		o.logger.Warn("Failed to record clip event", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) track() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outstanding == 0 {
		o.idle = make(chan struct{})
	}
	o.outstanding++
}

func (o *Orchestrator) untrack() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outstanding--
	if o.outstanding == 0 {
		close(o.idle)
	}
}
