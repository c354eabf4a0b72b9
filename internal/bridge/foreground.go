package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/skypro1111/clip-upload-service/internal/credentials"
	"github.com/skypro1111/clip-upload-service/internal/storage"
)

// CredentialFetcher returns fresh credentials, installing them locally
type CredentialFetcher interface {
	Fetch(ctx context.Context) (credentials.State, error)
}

// DrainStatus is the worker's answer to a drain check
type DrainStatus struct {
	Settled     bool `json:"settled"`
	Outstanding int  `json:"outstanding"`
}

// Foreground is the host side of the bridge. It answers the worker's refresh
// requests from the identity endpoint and forwards uploads to it.
type Foreground struct {
	transport Transport
	fetcher   CredentialFetcher
	logger    *slog.Logger

	mu      sync.Mutex
	uploads map[string]chan error
	pings   []chan struct{}
	drains  []chan DrainStatus
	served  int
}

// NewForeground creates the host side of a bridge
func NewForeground(transport Transport, fetcher CredentialFetcher, logger *slog.Logger) *Foreground {
	return &Foreground{
		transport: transport,
		fetcher:   fetcher,
		logger:    logger.With(slog.String("component", "bridge_foreground")),
		uploads:   make(map[string]chan error),
	}
}

// Run dispatches worker messages until ctx ends or the transport closes
func (f *Foreground) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.transport.Done():
			return ErrClosed
		case msg := <-f.transport.Messages():
			switch msg.Kind {
			case KindRefreshRequest:
				wg.Add(1)
				go func() {
					defer wg.Done()
					f.serveRefresh(ctx)
				}()
			case KindUploadSuccess:
				f.settleUpload(msg.Key, nil)
			case KindUploadError:
				f.settleUpload(msg.Key, fmt.Errorf("background upload of %s failed: %s", msg.Key, msg.Error))
			case KindPong:
				f.settlePings()
			case KindDrainStatus:
				f.settleDrains(DrainStatus{Settled: msg.Settled, Outstanding: msg.Outstanding})
			default:
				f.logger.Warn("Unexpected bridge message", slog.String("kind", string(msg.Kind)))
			}
		}
	}
}

func (f *Foreground) serveRefresh(ctx context.Context) {
	f.mu.Lock()
	f.served++
	f.mu.Unlock()

	state, err := f.fetcher.Fetch(ctx)
	reply := Message{Kind: KindRefreshSuccess, Credentials: &state}
	if err != nil {
		f.logger.Warn("Credential refresh for worker failed", slog.String("error", err.Error()))
		reply = Message{Kind: KindRefreshError, Error: err.Error()}
	}
	if err := f.transport.Send(ctx, reply); err != nil {
		f.logger.Error("Failed to answer refresh request", slog.String("error", err.Error()))
	}
}

// RefreshesServed returns how many refresh requests the worker sent
func (f *Foreground) RefreshesServed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.served
}

// ConfigureCredentials pushes credentials to the worker
func (f *Foreground) ConfigureCredentials(ctx context.Context, state credentials.State) error {
	return f.transport.Send(ctx, Message{Kind: KindConfigure, Credentials: &state})
}

// WriteObject asks the worker to upload obj and waits for the outcome
func (f *Foreground) WriteObject(ctx context.Context, obj storage.Object) error {
	ch := make(chan error, 1)

	f.mu.Lock()
	if _, busy := f.uploads[obj.Key]; busy {
		f.mu.Unlock()
		return fmt.Errorf("upload of %s already in flight", obj.Key)
	}
	f.uploads[obj.Key] = ch
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.uploads, obj.Key)
		f.mu.Unlock()
	}()

	if err := f.transport.Send(ctx, Message{Kind: KindUploadRequest, Upload: payloadFor(obj)}); err != nil {
		return fmt.Errorf("send upload request: %w", err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-f.transport.Done():
		return ErrClosed
	}
}

// Ping checks that the worker is alive
func (f *Foreground) Ping(ctx context.Context) error {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.pings = append(f.pings, ch)
	f.mu.Unlock()
	defer f.forgetPing(ch)

	if err := f.transport.Send(ctx, Message{Kind: KindPing}); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainCheck asks the worker whether every upload it accepted has settled
func (f *Foreground) DrainCheck(ctx context.Context) (DrainStatus, error) {
	ch := make(chan DrainStatus, 1)
	f.mu.Lock()
	f.drains = append(f.drains, ch)
	f.mu.Unlock()
	defer f.forgetDrain(ch)

	if err := f.transport.Send(ctx, Message{Kind: KindDrainCheck}); err != nil {
		return DrainStatus{}, fmt.Errorf("send drain check: %w", err)
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return DrainStatus{}, ctx.Err()
	}
}

// forgetPing drops a waiter that gave up before an answer arrived
func (f *Foreground) forgetPing(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := slices.Index(f.pings, ch); i >= 0 {
		f.pings = slices.Delete(f.pings, i, i+1)
	}
}

func (f *Foreground) forgetDrain(ch chan DrainStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := slices.Index(f.drains, ch); i >= 0 {
		f.drains = slices.Delete(f.drains, i, i+1)
	}
}

func (f *Foreground) settleUpload(key string, err error) {
	f.mu.Lock()
	ch, ok := f.uploads[key]
	f.mu.Unlock()
	if !ok {
		f.logger.Debug("Upload result without a waiter", slog.String("key", key))
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (f *Foreground) settlePings() {
	f.mu.Lock()
	pings := f.pings
	f.pings = nil
	f.mu.Unlock()
	for _, ch := range pings {
		ch <- struct{}{}
	}
}

func (f *Foreground) settleDrains(st DrainStatus) {
	f.mu.Lock()
	drains := f.drains
	f.drains = nil
	f.mu.Unlock()
	for _, ch := range drains {
		ch <- st
	}
}
