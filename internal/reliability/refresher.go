package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/skypro1111/clip-upload-service/internal/credentials"
	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/storage"
)

// DirectRefresher refreshes credentials in-process by calling the identity
// endpoint. Concurrent callers share one fetch.
type DirectRefresher struct {
	source  credentials.Source
	store   *credentials.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	group     singleflight.Group
	calls     atomic.Int64
	onRefresh func(credentials.State)
}

// NewDirectRefresher creates a refresher that writes fetched credentials into store
func NewDirectRefresher(source credentials.Source, store *credentials.Store, logger *slog.Logger, m *metrics.Metrics) *DirectRefresher {
	return &DirectRefresher{
		source:  source,
		store:   store,
		logger:  logger,
		metrics: m,
	}
}

// OnRefresh registers a hook called with every successfully fetched state
func (r *DirectRefresher) OnRefresh(fn func(credentials.State)) {
	r.onRefresh = fn
}

// Refresh fetches and installs fresh credentials
func (r *DirectRefresher) Refresh(ctx context.Context) error {
	_, err := r.Fetch(ctx)
	return err
}

// Fetch refreshes and returns the new credentials
func (r *DirectRefresher) Fetch(ctx context.Context) (credentials.State, error) {
	v, err, shared := r.group.Do("refresh", func() (interface{}, error) {
		r.calls.Add(1)
		state, err := r.source.Fetch(ctx)
		if err != nil {
			r.metrics.RecordCredentialRefresh("foreground", "error")
			return credentials.State{}, fmt.Errorf("refresh credentials: %w", err)
		}
		r.store.Replace(state)
		r.metrics.RecordCredentialRefresh("foreground", "success")
		r.logger.Info("Storage credentials refreshed", slog.Time("expiry", state.Expiry))
		if r.onRefresh != nil {
			r.onRefresh(state)
		}
		return state, nil
	})
	if shared {
		r.logger.Debug("Joined in-flight credential refresh")
	}
	if err != nil {
		return credentials.State{}, err
	}
	return v.(credentials.State), nil
}

// Calls returns how many fetches reached the source
func (r *DirectRefresher) Calls() int64 {
	return r.calls.Load()
}

// StoreWriter writes objects through a Writer, signing each attempt with the
// credentials current when the attempt starts.
type StoreWriter struct {
	writer *Writer
	blobs  storage.BlobStore
	creds  *credentials.Store
}

// NewStoreWriter joins a writer, a blob store and the context's credentials
func NewStoreWriter(writer *Writer, blobs storage.BlobStore, creds *credentials.Store) *StoreWriter {
	return &StoreWriter{writer: writer, blobs: blobs, creds: creds}
}

// WriteObject uploads obj with retry and refresh
func (s *StoreWriter) WriteObject(ctx context.Context, obj storage.Object) error {
	return s.writer.Write(ctx, func(ctx context.Context) error {
		state, ok := s.creds.Current()
		if !ok {
			return fmt.Errorf("%w: %w", storage.ErrExpiredCredentials, credentials.ErrNoCredentials)
		}
		return s.blobs.Put(ctx, obj, state)
	})
}
