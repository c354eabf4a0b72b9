package reliability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/clip-upload-service/internal/credentials"
	"github.com/skypro1111/clip-upload-service/internal/storage"
)

func TestCoordinatorSingleRequestForConcurrentCallers(t *testing.T) {
	var sent atomic.Int32
	requested := make(chan struct{}, 1)
	c := NewRefreshCoordinator(func(context.Context) error {
		sent.Add(1)
		requested <- struct{}{}
		return nil
	}, time.Second, newLogger(), nil)

	const callers = 10
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { results <- c.Refresh(context.Background()) }()
	}

	<-requested
	// let the remaining callers queue up
	time.Sleep(50 * time.Millisecond)
	if !c.Pending() {
		t.Fatal("Expected refresh to be pending")
	}
	c.Resolve(nil)

	for i := 0; i < callers; i++ {
		if err := <-results; err != nil {
			t.Errorf("caller %d got %v", i, err)
		}
	}
	if sent.Load() != 1 {
		t.Errorf("requests sent = %d, want 1", sent.Load())
	}
	if c.Pending() {
		t.Error("refresh still pending after resolve")
	}
}

func TestCoordinatorErrorReachesEveryWaiter(t *testing.T) {
	requested := make(chan struct{}, 4)
	c := NewRefreshCoordinator(func(context.Context) error {
		requested <- struct{}{}
		return nil
	}, time.Second, newLogger(), nil)

	cause := errors.New("identity endpoint returned 500")
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Refresh(context.Background())
		}(i)
	}

	<-requested
	time.Sleep(30 * time.Millisecond)
	c.Resolve(cause)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, cause) {
			t.Errorf("waiter %d got %v, want %v", i, err, cause)
		}
	}
}

func TestCoordinatorTimeout(t *testing.T) {
	c := NewRefreshCoordinator(func(context.Context) error { return nil }, 30*time.Millisecond, newLogger(), nil)

	start := time.Now()
	err := c.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshTimeout) {
		t.Fatalf("Expected ErrRefreshTimeout, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("timeout fired early")
	}

	// a late response must not leak into the next round
	c.Resolve(nil)
	if c.Pending() {
		t.Error("late resolve started a refresh")
	}
}

func TestCoordinatorSendFailure(t *testing.T) {
	c := NewRefreshCoordinator(func(context.Context) error {
		return errors.New("transport closed")
	}, time.Second, newLogger(), nil)

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("Expected error but got none")
	}
	if c.Pending() {
		t.Error("failed send left refresh pending")
	}
}

func TestCoordinatorStartsNewRoundAfterResolve(t *testing.T) {
	requested := make(chan struct{}, 2)
	c := NewRefreshCoordinator(func(context.Context) error {
		requested <- struct{}{}
		return nil
	}, time.Second, newLogger(), nil)

	for round := 0; round < 2; round++ {
		done := make(chan error, 1)
		go func() { done <- c.Refresh(context.Background()) }()
		<-requested
		c.Resolve(nil)
		if err := <-done; err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
	if c.Requests() != 2 {
		t.Errorf("Requests() = %d, want 2", c.Requests())
	}
}

// N background writes failing with expired credentials trigger one refresh
// and all succeed afterwards.
func TestBackgroundWritersShareOneRefresh(t *testing.T) {
	blobs := storage.NewMemoryStore()
	blobs.RequireKey(func(id string) bool { return id == "fresh" })
	creds := credentials.NewStore(&credentials.State{AccessKeyID: "stale", SecretKey: "s"})

	var c *RefreshCoordinator
	c = NewRefreshCoordinator(func(context.Context) error {
		go func() {
			// foreground answers after a short round trip
			time.Sleep(50 * time.Millisecond)
			creds.Replace(credentials.State{AccessKeyID: "fresh", SecretKey: "s"})
			c.Resolve(nil)
		}()
		return nil
	}, time.Second, newLogger(), nil)

	w := NewWriter(Config{
		Name:       "background",
		Policy:     Policy{MaxRetries: 3, Delay: time.Millisecond},
		Refresher:  c,
		Classifier: BackgroundClassifier,
		Logger:     newLogger(),
	})
	sw := NewStoreWriter(w, blobs, creds)

	const writers = 6
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a'+i)) + ".wav"
			if err := sw.WriteObject(context.Background(), storage.Object{Key: key, Body: []byte{1}}); err != nil {
				t.Errorf("write %s failed: %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	if c.Requests() != 1 {
		t.Errorf("refresh requests = %d, want 1", c.Requests())
	}
	if len(blobs.Keys()) != writers {
		t.Errorf("stored %d objects, want %d", len(blobs.Keys()), writers)
	}
}
