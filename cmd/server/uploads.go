package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/clip-upload-service/internal/bridge"
	"github.com/skypro1111/clip-upload-service/internal/config"
	"github.com/skypro1111/clip-upload-service/internal/credentials"
	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/reliability"
	"github.com/skypro1111/clip-upload-service/internal/server"
	"github.com/skypro1111/clip-upload-service/internal/storage"
	"github.com/skypro1111/clip-upload-service/internal/upload"
)

// uploadContext is the clip writer of the configured execution context
// together with whatever it needs torn down on shutdown.
type uploadContext struct {
	Writer upload.ClipWriter
	Health map[string]server.HealthCheck

	failed  chan struct{}
	closers []func()
	logger  *slog.Logger
}

// Failed is closed when a background context stops before shutdown
func (u *uploadContext) Failed() <-chan struct{} {
	return u.failed
}

// Close tears down in reverse order of setup
func (u *uploadContext) Close() {
	for i := len(u.closers) - 1; i >= 0; i-- {
		u.closers[i]()
	}
}

func newUploadContext(ctx context.Context, cfg *config.Config, blobs storage.BlobStore, creds *credentials.Store,
	refresher *reliability.DirectRefresher, logger *slog.Logger, m *metrics.Metrics) (*uploadContext, error) {

	policy := reliability.Policy{
		MaxRetries:     cfg.Upload.MaxRetries,
		Delay:          cfg.Upload.GetRetryDelay(),
		AttemptTimeout: cfg.Upload.GetAttemptTimeoutDuration(),
	}

	u := &uploadContext{
		Health: map[string]server.HealthCheck{},
		failed: make(chan struct{}),
		logger: logger,
	}

	if cfg.Upload.Context != config.ContextBackground {
		writer := reliability.NewWriter(reliability.Config{
			Name:       config.ContextForeground,
			Policy:     policy,
			Refresher:  refresher,
			Classifier: reliability.ForegroundClassifier,
			Logger:     logger,
			Metrics:    m,
		})
		u.Writer = reliability.NewStoreWriter(writer, blobs, creds)

		if _, err := refresher.Fetch(ctx); err != nil {
			logger.Warn("Initial credential fetch failed, retrying on first upload",
				slog.String("error", err.Error()))
		}
		logger.Info("Uploading in the foreground context",
			slog.Int("max_retries", policy.MaxRetries),
			slog.Duration("retry_delay", policy.Delay))
		return u, nil
	}

	fgTransport, bgTransport, err := u.transports(cfg.Bridge)
	if err != nil {
		u.Close()
		return nil, err
	}

	fg := bridge.NewForeground(fgTransport, refresher, logger)
	worker := bridge.NewWorker(bgTransport, bridge.WorkerConfig{
		Policy:         policy,
		RefreshTimeout: cfg.Credentials.GetRefreshTimeoutDuration(),
		Store:          blobs,
		Logger:         logger,
		Metrics:        m,
	})

	// the bridge outlives the service context so sessions can finish on shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return fg.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })

	stopping := make(chan struct{})
	go func() {
		err := g.Wait()
		select {
		case <-stopping:
		default:
			logger.Error("Background upload context stopped", slog.String("error", fmt.Sprint(err)))
			close(u.failed)
		}
	}()

	u.closers = append(u.closers, func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		if st, err := fg.DrainCheck(drainCtx); err != nil {
			logger.Warn("Drain check failed", slog.String("error", err.Error()))
		} else if !st.Settled {
			logger.Warn("Closing bridge with uploads in flight", slog.Int("outstanding", st.Outstanding))
		}

		close(stopping)
		cancel()
		fgTransport.Close()
		bgTransport.Close()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, bridge.ErrClosed) {
			logger.Warn("Bridge stopped with error", slog.String("error", err.Error()))
		}
	})

	u.Health["bridge"] = func(ctx context.Context) error {
		return fg.Ping(ctx)
	}

	state, err := refresher.Fetch(ctx)
	if err != nil {
		logger.Warn("Initial credential fetch failed, worker will request a refresh",
			slog.String("error", err.Error()))
	} else if err := fg.ConfigureCredentials(ctx, state); err != nil {
		u.Close()
		return nil, fmt.Errorf("configure worker credentials: %w", err)
	}

	u.Writer = fg
	logger.Info("Uploading in the background context",
		slog.String("transport", cfg.Bridge.Transport),
		slog.Int("max_retries", policy.MaxRetries),
		slog.Duration("retry_delay", policy.Delay))
	return u, nil
}

// transports connects both ends of the bridge: an in-process pipe, or two
// NATS connections, optionally to an embedded server.
func (u *uploadContext) transports(cfg config.BridgeConfig) (bridge.Transport, bridge.Transport, error) {
	if cfg.Transport != config.TransportNATS {
		fg, bg := bridge.NewPipe(cfg.BufferSize)
		return fg, bg, nil
	}

	url := cfg.NATSURL
	if cfg.Embedded {
		embedded, err := bridge.StartEmbedded("127.0.0.1", -1, u.logger)
		if err != nil {
			return nil, nil, err
		}
		u.closers = append(u.closers, embedded.Shutdown)
		url = embedded.ClientURL()
	}

	connect := func(side bridge.Side) (*bridge.NATSTransport, error) {
		return bridge.ConnectNATS(bridge.NATSConfig{
			URL:           url,
			SubjectPrefix: cfg.SubjectPrefix,
			Side:          side,
			Buffer:        cfg.BufferSize,
		}, u.logger)
	}

	fg, err := connect(bridge.SideForeground)
	if err != nil {
		return nil, nil, fmt.Errorf("connect foreground bridge: %w", err)
	}
	bg, err := connect(bridge.SideBackground)
	if err != nil {
		fg.Close()
		return nil, nil, fmt.Errorf("connect background bridge: %w", err)
	}

	u.Health["nats"] = func(context.Context) error {
		if !fg.Healthy() || !bg.Healthy() {
			return errors.New("NATS connection lost")
		}
		return nil
	}
	return fg, bg, nil
}
