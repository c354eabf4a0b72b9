package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/clip-upload-service/internal/audio"
	"github.com/skypro1111/clip-upload-service/internal/config"
	"github.com/skypro1111/clip-upload-service/internal/credentials"
	"github.com/skypro1111/clip-upload-service/internal/journal"
	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/observe"
	"github.com/skypro1111/clip-upload-service/internal/reliability"
	"github.com/skypro1111/clip-upload-service/internal/server"
	"github.com/skypro1111/clip-upload-service/internal/storage"
	"github.com/skypro1111/clip-upload-service/internal/stream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "clip-upload-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	frames, err := cfg.SegmentationFrames()
	if err != nil {
		return fmt.Errorf("invalid segmentation: %w", err)
	}

	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_streams", cfg.Server.MaxConcurrentStreams),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_size", cfg.Audio.FrameSize),
		slog.Int("preferred_frames", frames.Preferred),
		slog.Int("max_frames", frames.Max),
		slog.String("bucket", cfg.Storage.Bucket),
		slog.String("upload_context", cfg.Upload.Context),
		slog.String("journal_mode", cfg.Journal.RetentionMode),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(reg)

	shutdownTracing, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: serviceVersion,
		Enabled:        cfg.Telemetry.TracingEnabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	httpClient := storage.NewHTTPClient(cfg.Storage.GetTimeoutDuration(), cfg.Storage.EnableHTTP2)
	blobs, err := storage.NewS3Store(storage.S3Config{
		Bucket:       cfg.Storage.Bucket,
		Region:       cfg.Storage.Region,
		Endpoint:     cfg.Storage.Endpoint,
		UsePathStyle: cfg.Storage.UsePathStyle,
	}, httpClient, logger)
	if err != nil {
		return fmt.Errorf("create storage client: %w", err)
	}

	source, err := credentialSource(cfg.Credentials, logger)
	if err != nil {
		return err
	}
	creds := credentials.NewStore(nil)
	refresher := reliability.NewDirectRefresher(source, creds, logger, appMetrics)

	uploads, err := newUploadContext(ctx, cfg, blobs, creds, refresher, logger, appMetrics)
	if err != nil {
		return err
	}
	defer uploads.Close()

	journalStore, err := journal.Open(ctx, journal.Config{
		Path:          cfg.Journal.Path,
		RetentionMode: cfg.Journal.RetentionMode,
		MaxAgeDays:    cfg.Journal.MaxAgeDays,
	}, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journalStore.Close()
	if journalStore.Enabled() {
		go pruneJournal(ctx, journalStore, logger)
	}

	encoder, err := audio.NewEncoder(cfg.Audio.Format)
	if err != nil {
		return err
	}

	streamMgr, err := stream.NewManager(logger, stream.ManagerConfig{
		SampleRate:        cfg.Audio.SampleRate,
		AllocationSeconds: cfg.Audio.AllocationSeconds,
		Segmentation: audio.SegmentationConfig{
			PreferredFrames:    frames.Preferred,
			DesperateFrames:    frames.Desperate,
			MaxFrames:          frames.Max,
			ShortSilenceFrames: frames.ShortSilence,
			LongSilenceFrames:  frames.LongSilence,
		},
		VADThreshold: cfg.Segmentation.VADThreshold,
		Encoder:      encoder,
		Writer:       uploads.Writer,
		StorageURL:   blobs.URL(),
		Journal:      journalStore,
		Progress: func(sessionID string, successes []string, total int) {
			logger.Debug("Upload progress",
				slog.String("session_id", sessionID),
				slog.Int("uploaded", len(successes)),
				slog.Int("total", total))
		},
		Metrics: appMetrics,
		Timeout: cfg.Audio.GetStreamTimeoutDuration(),
	})
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}
	logger.Info("Session manager initialized",
		slog.Duration("stream_timeout", cfg.Audio.GetStreamTimeoutDuration()),
		slog.String("storage_url", blobs.URL()),
	)

	udpServer := server.NewUDPServer(&cfg.Server, logger, streamMgr, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		opts := server.HTTPServerOptions{
			Config:   cfg,
			Sessions: streamMgr,
			UDP:      udpServer,
			Metrics:  appMetrics,
			Gatherer: reg,
			Health:   uploads.Health,
		}
		if journalStore.Enabled() {
			opts.Journal = journalStore
		}
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, opts)
	}

	if err := udpServer.Start(); err != nil {
		return fmt.Errorf("start UDP server: %w", err)
	}
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("start HTTP server: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.UDPPort)),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-uploads.Failed():
		logger.Error("Upload context stopped unexpectedly")
	}

	logger.Info("Starting graceful shutdown...")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := udpServer.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	// ends every open session, which waits for its uploads and end marker
	streamMgr.Stop()

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
	)

	return nil
}

// credentialSource picks the identity endpoint, or static keys when none is configured
func credentialSource(cfg config.CredentialsConfig, logger *slog.Logger) (credentials.Source, error) {
	if cfg.Endpoint == "" {
		logger.Warn("No credential endpoint configured, using static credentials")
		return credentials.Static{State: credentials.State{
			AccessKeyID:  cfg.AccessKeyID,
			SecretKey:    cfg.SecretKey,
			SessionToken: cfg.SessionToken,
		}}, nil
	}

	provider, err := credentials.NewProvider(credentials.ProviderConfig{
		Endpoint:  cfg.Endpoint,
		AuthToken: cfg.AuthToken,
		Timeout:   cfg.GetTimeoutDuration(),
	}, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("create credential provider: %w", err)
	}
	return provider, nil
}

func pruneJournal(ctx context.Context, store *journal.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil {
				logger.Warn("Journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
