package reliability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/clip-upload-service/internal/credentials"
	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/storage"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func noSleep(context.Context, time.Duration) error { return nil }

type countingRefresher struct {
	calls atomic.Int32
	err   error
}

func (r *countingRefresher) Refresh(context.Context) error {
	r.calls.Add(1)
	return r.err
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		foreground Action
		background Action
	}{
		{"expired token", &storage.StatusError{StatusCode: 403, Code: "ExpiredToken"}, ActionRefreshThenRetry, ActionRefreshThenRetry},
		{"missing credentials", storage.ErrExpiredCredentials, ActionRefreshThenRetry, ActionRefreshThenRetry},
		{"not found", &storage.StatusError{StatusCode: 404, Code: "NoSuchBucket"}, ActionRetry, ActionFail},
		{"bad request", &storage.StatusError{StatusCode: 400, Code: "InvalidArgument"}, ActionRetry, ActionFail},
		{"server error", &storage.StatusError{StatusCode: 503}, ActionRetry, ActionRetry},
		{"network", errors.New("connection reset"), ActionRetry, ActionRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ForegroundClassifier(tt.err); got != tt.foreground {
				t.Errorf("ForegroundClassifier() = %v, want %v", got, tt.foreground)
			}
			if got := BackgroundClassifier(tt.err); got != tt.background {
				t.Errorf("BackgroundClassifier() = %v, want %v", got, tt.background)
			}
		})
	}
}

func TestWriteSucceedsAfterTransientFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	w := NewWriter(Config{
		Name:    "foreground",
		Policy:  Policy{MaxRetries: 3, Delay: time.Second},
		Logger:  newLogger(),
		Metrics: m,
	})
	var slept []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	attempts := 0
	err := w.Write(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &storage.StatusError{StatusCode: 500}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != time.Second {
		t.Errorf("delays = %v, want two fixed 1s waits", slept)
	}
	if got := testutil.ToFloat64(m.UploadRetries.WithLabelValues("foreground")); got != 2 {
		t.Errorf("retries metric = %v, want 2", got)
	}
}

func TestWriteExhaustsBudget(t *testing.T) {
	w := NewWriter(Config{Policy: Policy{MaxRetries: 2}, Logger: newLogger()})
	w.sleep = noSleep

	attempts := 0
	cause := &storage.StatusError{StatusCode: 503}
	err := w.Write(context.Background(), func(context.Context) error {
		attempts++
		return cause
	})
	if err == nil {
		t.Fatal("Expected error but got none")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want maxRetries+1 = 3", attempts)
	}
	if storage.StatusCode(err) != 503 {
		t.Errorf("last error not wrapped: %v", err)
	}
}

func TestWriteRefreshesOnExpiry(t *testing.T) {
	refresher := &countingRefresher{}
	w := NewWriter(Config{
		Policy:     Policy{MaxRetries: 3},
		Refresher:  refresher,
		Classifier: ForegroundClassifier,
		Logger:     newLogger(),
	})
	w.sleep = noSleep

	attempts := 0
	err := w.Write(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return &storage.StatusError{StatusCode: 403, Code: "ExpiredToken"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", refresher.calls.Load())
	}
}

func TestWriteContinuesWhenRefreshFails(t *testing.T) {
	refresher := &countingRefresher{err: errors.New("identity endpoint down")}
	w := NewWriter(Config{Policy: Policy{MaxRetries: 2}, Refresher: refresher, Logger: newLogger()})
	w.sleep = noSleep

	attempts := 0
	err := w.Write(context.Background(), func(context.Context) error {
		attempts++
		return storage.ErrExpiredCredentials
	})
	if !errors.Is(err, storage.ErrExpiredCredentials) {
		t.Fatalf("Expected expired credentials error, got %v", err)
	}
	if attempts != 3 || refresher.calls.Load() != 2 {
		t.Errorf("attempts = %d refreshes = %d, want 3 and 2", attempts, refresher.calls.Load())
	}
}

func TestBackgroundWriteFailsFastOnClientError(t *testing.T) {
	w := NewWriter(Config{
		Name:       "background",
		Policy:     Policy{MaxRetries: 5},
		Classifier: BackgroundClassifier,
		Logger:     newLogger(),
	})
	w.sleep = noSleep

	attempts := 0
	err := w.Write(context.Background(), func(context.Context) error {
		attempts++
		return &storage.StatusError{StatusCode: 404, Code: "NoSuchBucket"}
	})
	if !errors.Is(err, ErrNonRecoverable) {
		t.Fatalf("Expected ErrNonRecoverable, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestWriteAttemptTimeout(t *testing.T) {
	w := NewWriter(Config{Policy: Policy{MaxRetries: 1, AttemptTimeout: 20 * time.Millisecond}, Logger: newLogger()})
	w.sleep = noSleep

	err := w.Write(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestWriteCancelledDuringDelay(t *testing.T) {
	w := NewWriter(Config{Policy: Policy{MaxRetries: 5, Delay: time.Hour}, Logger: newLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Write(ctx, func(context.Context) error { return errors.New("boom") })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Write did not return after cancellation")
	}
}

func TestStoreWriterUsesCurrentCredentials(t *testing.T) {
	blobs := storage.NewMemoryStore()
	blobs.RequireKey(func(id string) bool { return id == "fresh" })

	store := credentials.NewStore(&credentials.State{AccessKeyID: "stale", SecretKey: "s"})
	refresher := NewDirectRefresher(
		credentials.Static{State: credentials.State{AccessKeyID: "fresh", SecretKey: "s"}},
		store, newLogger(), nil)

	w := NewWriter(Config{Policy: Policy{MaxRetries: 2}, Refresher: refresher, Logger: newLogger()})
	w.sleep = noSleep

	sw := NewStoreWriter(w, blobs, store)
	if err := sw.WriteObject(context.Background(), storage.Object{Key: "a/1.wav", Body: []byte("x")}); err != nil {
		t.Fatalf("WriteObject failed: %v", err)
	}
	if blobs.Attempts("a/1.wav") != 2 {
		t.Errorf("attempts = %d, want 2", blobs.Attempts("a/1.wav"))
	}
	if refresher.Calls() != 1 {
		t.Errorf("refresh calls = %d, want 1", refresher.Calls())
	}
}

func TestStoreWriterWithoutCredentials(t *testing.T) {
	blobs := storage.NewMemoryStore()
	store := credentials.NewStore(nil)
	refresher := NewDirectRefresher(
		credentials.Static{State: credentials.State{AccessKeyID: "k", SecretKey: "s"}},
		store, newLogger(), nil)

	w := NewWriter(Config{Policy: Policy{MaxRetries: 1}, Refresher: refresher, Logger: newLogger()})
	w.sleep = noSleep

	if err := NewStoreWriter(w, blobs, store).WriteObject(context.Background(), storage.Object{Key: "k"}); err != nil {
		t.Fatalf("WriteObject failed: %v", err)
	}
	if blobs.Attempts("k") != 1 {
		t.Errorf("store saw %d attempts, want 1 after refresh", blobs.Attempts("k"))
	}
}

type slowSource struct {
	calls   atomic.Int32
	release chan struct{}
}

func (s *slowSource) Fetch(context.Context) (credentials.State, error) {
	s.calls.Add(1)
	<-s.release
	return credentials.State{AccessKeyID: "new", SecretKey: "s"}, nil
}

func TestDirectRefresherSharesConcurrentCalls(t *testing.T) {
	src := &slowSource{release: make(chan struct{})}
	store := credentials.NewStore(nil)
	r := NewDirectRefresher(src, store, newLogger(), nil)

	var hooked atomic.Int32
	r.OnRefresh(func(credentials.State) { hooked.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh failed: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	if got := src.calls.Load(); got != 1 {
		t.Errorf("source calls = %d, want 1", got)
	}
	if hooked.Load() != 1 {
		t.Errorf("hook calls = %d, want 1", hooked.Load())
	}
	if st, ok := store.Current(); !ok || st.AccessKeyID != "new" {
		t.Errorf("store = %+v, %v", st, ok)
	}
}
