package credentials

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrNoCredentials is returned when a write is attempted before any
// credentials were configured.
var ErrNoCredentials = errors.New("no storage credentials configured")

// State is one set of time-limited storage write credentials. It is never
// mutated; a refresh replaces it as a whole.
type State struct {
	AccessKeyID  string    `json:"AccessKeyId"`
	SecretKey    string    `json:"SecretKey"`
	SessionToken string    `json:"SessionToken"`
	Expiry       time.Time `json:"Expiration"`
}

// Valid reports whether the state carries a usable key pair
func (s State) Valid() bool {
	return s.AccessKeyID != "" && s.SecretKey != ""
}

// Expired reports whether the credentials are past their expiry at now.
// A zero expiry never expires.
func (s State) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && !now.Before(s.Expiry)
}

// Store holds the current credential state of one execution context.
// Readers take a snapshot; writers swap the whole state.
type Store struct {
	current    atomic.Pointer[State]
	generation atomic.Uint64
}

// NewStore creates a store, optionally seeded with initial credentials
func NewStore(initial *State) *Store {
	s := &Store{}
	if initial != nil {
		s.Replace(*initial)
	}
	return s
}

// Current returns a snapshot of the credentials and whether any are set
func (s *Store) Current() (State, bool) {
	st := s.current.Load()
	if st == nil {
		return State{}, false
	}
	return *st, true
}

// Replace swaps in a new credential state
func (s *Store) Replace(state State) {
	s.current.Store(&state)
	s.generation.Add(1)
}

// Generation counts how many times the credentials have been replaced
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}
