package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/observe"
	"github.com/skypro1111/clip-upload-service/internal/storage"
)

// ErrNonRecoverable wraps failures the classifier decided not to retry
var ErrNonRecoverable = errors.New("non-recoverable write failure")

// Operation is one write attempt
type Operation func(ctx context.Context) error

// Action is what the writer does after a failed attempt
type Action int

const (
	ActionRetry Action = iota
	ActionRefreshThenRetry
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionRefreshThenRetry:
		return "refresh_then_retry"
	case ActionFail:
		return "fail"
	default:
		return "retry"
	}
}

// Classifier maps a failed attempt to the next action
type Classifier func(err error) Action

// ForegroundClassifier refreshes on expired credentials and retries everything else.
func ForegroundClassifier(err error) Action {
	if storage.IsExpiredCredentials(err) {
		return ActionRefreshThenRetry
	}
	return ActionRetry
}

// BackgroundClassifier refreshes on expired credentials, gives up on any other
// 4xx and retries 5xx and transport errors.
func BackgroundClassifier(err error) Action {
	if storage.IsExpiredCredentials(err) {
		return ActionRefreshThenRetry
	}
	if code := storage.StatusCode(err); code >= 400 && code < 500 {
		return ActionFail
	}
	return ActionRetry
}

// Refresher obtains fresh credentials for the execution context
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Policy is the retry budget of a writer
type Policy struct {
	MaxRetries     int           // retries after the first attempt
	Delay          time.Duration // fixed wait between attempts
	AttemptTimeout time.Duration // per-attempt deadline, 0 for none
}

// Config assembles a Writer. Name labels logs and metrics, e.g. "foreground".
type Config struct {
	Name       string
	Policy     Policy
	Refresher  Refresher
	Classifier Classifier
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Writer executes operations with retry and credential refresh
type Writer struct {
	name      string
	policy    Policy
	refresher Refresher
	classify  Classifier
	logger    *slog.Logger
	metrics   *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

// NewWriter creates a writer for one execution context
func NewWriter(cfg Config) *Writer {
	if cfg.Classifier == nil {
		cfg.Classifier = ForegroundClassifier
	}
	if cfg.Policy.MaxRetries < 0 {
		cfg.Policy.MaxRetries = 0
	}
	if cfg.Name == "" {
		cfg.Name = "foreground"
	}

	return &Writer{
		name:      cfg.Name,
		policy:    cfg.Policy,
		refresher: cfg.Refresher,
		classify:  cfg.Classifier,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		sleep:     sleepContext,
	}
}

// Write runs op until it succeeds, the classifier gives up, or the retry
// budget is exhausted.
func (w *Writer) Write(ctx context.Context, op Operation) error {
	ctx, span := observe.StartSpan(ctx, "storage.write")
	defer span.End()
	logger := observe.Logger(ctx, w.logger)

	start := time.Now()
	for attempt := 0; ; attempt++ {
		w.metrics.RecordUploadAttempt(w.name)

		err := w.attempt(ctx, op)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			w.metrics.RecordUploadSuccess(w.name, time.Since(start).Seconds())
			return nil
		}

		if attempt >= w.policy.MaxRetries {
			w.fail(span, "exhausted", start)
			return fmt.Errorf("write failed after %d attempts: %w", attempt+1, err)
		}

		action := w.classify(err)
		logger.Warn("Write attempt failed",
			slog.String("context", w.name),
			slog.Int("attempt", attempt+1),
			slog.String("action", action.String()),
			slog.String("error", err.Error()))

		switch action {
		case ActionFail:
			w.fail(span, "non_recoverable", start)
			return fmt.Errorf("%w: %w", ErrNonRecoverable, err)

		case ActionRefreshThenRetry:
			if w.refresher != nil {
				if rerr := w.refresher.Refresh(ctx); rerr != nil {
					// the next attempt will fail the same way and use up the budget
					logger.Warn("Credential refresh failed",
						slog.String("context", w.name),
						slog.String("error", rerr.Error()))
				}
			}
		}

		w.metrics.RecordUploadRetry(w.name)
		if err := w.sleep(ctx, w.policy.Delay); err != nil {
			w.fail(span, "cancelled", start)
			return fmt.Errorf("write cancelled during retry delay: %w", err)
		}
	}
}

func (w *Writer) attempt(ctx context.Context, op Operation) error {
	if w.policy.AttemptTimeout <= 0 {
		return op(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, w.policy.AttemptTimeout)
	defer cancel()
	return op(ctx)
}

func (w *Writer) fail(span trace.Span, reason string, start time.Time) {
	span.SetStatus(codes.Error, reason)
	w.metrics.RecordUploadFailure(w.name, reason, time.Since(start).Seconds())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
