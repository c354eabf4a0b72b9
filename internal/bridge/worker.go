package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/clip-upload-service/internal/credentials"
	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/reliability"
	"github.com/skypro1111/clip-upload-service/internal/storage"
)

// WorkerConfig contains background worker configuration
type WorkerConfig struct {
	Policy         reliability.Policy
	RefreshTimeout time.Duration
	Store          storage.BlobStore
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Worker performs uploads in the background context. It holds its own copy
// of the credentials and asks the foreground for a refresh when they expire.
type Worker struct {
	transport   Transport
	creds       *credentials.Store
	coordinator *reliability.RefreshCoordinator
	writer      *reliability.StoreWriter
	logger      *slog.Logger

	mu          sync.Mutex
	outstanding int
	wg          sync.WaitGroup
}

// NewWorker creates a worker bound to transport
func NewWorker(transport Transport, cfg WorkerConfig) *Worker {
	logger := cfg.Logger.With(slog.String("component", "bridge_worker"))
	creds := credentials.NewStore(nil)

	coordinator := reliability.NewRefreshCoordinator(func(ctx context.Context) error {
		return transport.Send(ctx, Message{Kind: KindRefreshRequest})
	}, cfg.RefreshTimeout, logger, cfg.Metrics)

	writer := reliability.NewWriter(reliability.Config{
		Name:       "background",
		Policy:     cfg.Policy,
		Refresher:  coordinator,
		Classifier: reliability.BackgroundClassifier,
		Logger:     logger,
		Metrics:    cfg.Metrics,
	})

	return &Worker{
		transport:   transport,
		creds:       creds,
		coordinator: coordinator,
		writer:      reliability.NewStoreWriter(writer, cfg.Store, creds),
		logger:      logger,
	}
}

// Run serves foreground messages until ctx ends or the transport closes.
// Uploads still in flight are waited for before it returns.
func (w *Worker) Run(ctx context.Context) error {
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.transport.Done():
			return ErrClosed
		case msg := <-w.transport.Messages():
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	switch msg.Kind {
	case KindConfigure:
		if msg.Credentials != nil {
			w.creds.Replace(*msg.Credentials)
			w.logger.Info("Credentials configured", slog.Time("expiry", msg.Credentials.Expiry))
		}

	case KindRefreshSuccess:
		// install before waking the waiters so their next attempt signs with it
		if msg.Credentials != nil {
			w.creds.Replace(*msg.Credentials)
		}
		w.coordinator.Resolve(nil)

	case KindRefreshError:
		w.coordinator.Resolve(errors.New("foreground refresh failed: " + msg.Error))

	case KindUploadRequest:
		if msg.Upload == nil {
			w.logger.Warn("Upload request without payload")
			return
		}
		w.upload(ctx, msg.Upload.object())

	case KindPing:
		w.reply(ctx, Message{Kind: KindPong})

	case KindDrainCheck:
		n := w.Outstanding()
		w.reply(ctx, Message{Kind: KindDrainStatus, Settled: n == 0, Outstanding: n})

	default:
		w.logger.Warn("Unexpected bridge message", slog.String("kind", string(msg.Kind)))
	}
}

func (w *Worker) upload(ctx context.Context, obj storage.Object) {
	w.mu.Lock()
	w.outstanding++
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		err := w.writer.WriteObject(ctx, obj)

		w.mu.Lock()
		w.outstanding--
		w.mu.Unlock()

		if err != nil {
			w.reply(ctx, Message{Kind: KindUploadError, Key: obj.Key, Error: err.Error()})
			return
		}
		w.reply(ctx, Message{Kind: KindUploadSuccess, Key: obj.Key})
	}()
}

func (w *Worker) reply(ctx context.Context, msg Message) {
	if err := w.transport.Send(ctx, msg); err != nil {
		w.logger.Error("Failed to send bridge reply",
			slog.String("kind", string(msg.Kind)),
			slog.String("error", err.Error()))
	}
}

// Outstanding returns the number of uploads not yet settled
func (w *Worker) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outstanding
}

// CredentialGeneration counts how many credential sets the worker has received
func (w *Worker) CredentialGeneration() uint64 {
	return w.creds.Generation()
}

// RefreshRequests returns how many refresh requests the worker sent
func (w *Worker) RefreshRequests() int {
	return w.coordinator.Requests()
}
