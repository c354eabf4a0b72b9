package storage

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/skypro1111/clip-upload-service/internal/credentials"
)

// FailureFunc decides whether a write should be rejected. Returning nil accepts it.
type FailureFunc func(obj Object, creds credentials.State, attempt int) error

// MemoryStore keeps objects in memory. It backs the local development
// server and tests; Fail injects rejections.
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string]Object
	attempts map[string]int
	fail     FailureFunc
	validKey func(accessKeyID string) bool
}

// NewMemoryStore creates an empty store that accepts every write
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string]Object),
		attempts: make(map[string]int),
	}
}

// SetFailure installs a failure injector
func (m *MemoryStore) SetFailure(fn FailureFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// RequireKey rejects writes whose access key does not pass check with a 403
func (m *MemoryStore) RequireKey(check func(accessKeyID string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validKey = check
}

// Put stores obj unless a failure is injected
func (m *MemoryStore) Put(ctx context.Context, obj Object, creds credentials.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.attempts[obj.Key]++
	attempt := m.attempts[obj.Key]
	fail := m.fail
	validKey := m.validKey
	m.mu.Unlock()

	if validKey != nil && !validKey(creds.AccessKeyID) {
		return &StatusError{StatusCode: http.StatusForbidden, Code: "ExpiredToken", Message: "The provided token has expired."}
	}
	if fail != nil {
		if err := fail(obj, creds, attempt); err != nil {
			return err
		}
	}

	stored := obj
	stored.Body = append([]byte(nil), obj.Body...)

	m.mu.Lock()
	m.objects[obj.Key] = stored
	m.mu.Unlock()
	return nil
}

// Get returns a stored object
func (m *MemoryStore) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys returns the stored keys in sorted order
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Attempts returns how many writes were attempted for key
func (m *MemoryStore) Attempts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[key]
}
