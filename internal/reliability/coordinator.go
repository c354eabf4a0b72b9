package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/clip-upload-service/internal/metrics"
)

// ErrRefreshTimeout is delivered to every waiter when no refresh response
// arrives in time.
var ErrRefreshTimeout = errors.New("credential refresh timed out")

// DefaultRefreshTimeout bounds one refresh round trip
const DefaultRefreshTimeout = 10 * time.Second

// RefreshCoordinator deduplicates credential refreshes in the background
// context. The first caller sends one request; callers arriving while it is
// in flight queue behind it and all of them receive the same outcome.
type RefreshCoordinator struct {
	request func(ctx context.Context) error
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	inFlight   bool
	generation uint64
	waiters    []chan error
	timer      *time.Timer
	requests   int
}

// NewRefreshCoordinator creates a coordinator. request must only send the
// refresh request; the outcome arrives later through Resolve.
func NewRefreshCoordinator(request func(ctx context.Context) error, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *RefreshCoordinator {
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	return &RefreshCoordinator{
		request: request,
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}
}

// Refresh blocks until the in-flight refresh resolves, starting one if none is pending
func (c *RefreshCoordinator) Refresh(ctx context.Context) error {
	ch := make(chan error, 1)

	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	first := !c.inFlight
	var gen uint64
	if first {
		c.inFlight = true
		c.generation++
		c.requests++
		gen = c.generation
		c.timer = time.AfterFunc(c.timeout, func() { c.expire(gen) })
	}
	c.mu.Unlock()

	if first {
		c.logger.Debug("Requesting credential refresh", slog.Uint64("generation", gen))
		if err := c.request(ctx); err != nil {
			c.resolve(gen, fmt.Errorf("send refresh request: %w", err))
		}
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve delivers a refresh response to every queued caller. nil means success.
func (c *RefreshCoordinator) Resolve(err error) {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.resolve(gen, err)
}

// Pending reports whether a refresh is in flight
func (c *RefreshCoordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Requests returns how many refresh requests were sent
func (c *RefreshCoordinator) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func (c *RefreshCoordinator) expire(gen uint64) {
	c.logger.Warn("Credential refresh timed out", slog.Duration("timeout", c.timeout))
	c.resolve(gen, ErrRefreshTimeout)
}

func (c *RefreshCoordinator) resolve(gen uint64, err error) {
	c.mu.Lock()
	if !c.inFlight || gen != c.generation {
		c.mu.Unlock()
		return
	}
	waiters := c.waiters
	c.waiters = nil
	c.inFlight = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	status := "success"
	switch {
	case errors.Is(err, ErrRefreshTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	c.metrics.RecordCredentialRefresh("background", status)
	c.metrics.RecordRefreshWaiters(len(waiters))

	for _, ch := range waiters {
		ch <- err
	}
}
