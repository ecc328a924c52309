// Package fallback implements the one-shot degrade from the remote backend to
// the local backend.
//
// The orchestrator is an explicit object owned and injected by the hosting
// application, never a package-level singleton. When the remote backend
// reports a missing relation the orchestrator swaps the active backend to the
// local one for the entire process and every kind, retries the failing call
// once against the new backend, and never swaps again. Recovery after the
// remote schema is provisioned requires an explicit Reset.
package fallback

import (
	"log"
	"sync"
)

// Switch is the one-shot primary/fallback holder shared by the entity store
// and the blob store, so both degrade with the same process-wide scope.
type Switch[T any] struct {
	mu        sync.Mutex
	remote    T
	local     T
	hasRemote bool
	tripped   bool
}

// NewSwitch builds a switch over a remote and a local backend. When hasRemote
// is false the local backend is active from the start and the switch can
// never trip.
func NewSwitch[T any](remote T, hasRemote bool, local T) *Switch[T] {
	return &Switch[T]{remote: remote, local: local, hasRemote: hasRemote}
}

// Active returns the currently active backend and whether it is the remote one.
func (s *Switch[T]) Active() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasRemote && !s.tripped {
		return s.remote, true
	}
	return s.local, false
}

// Local returns the local backend regardless of switch state.
func (s *Switch[T]) Local() T {
	return s.local
}

// Trip swaps the active backend to local and reports whether this call was
// the first observation. Subsequent calls are no-ops.
func (s *Switch[T]) Trip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasRemote || s.tripped {
		return false
	}
	s.tripped = true
	return true
}

// Tripped reports whether the switch has degraded to the local backend.
func (s *Switch[T]) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped
}

// Reset re-arms the remote backend. It is never invoked automatically; it
// exists for operators to recover after the remote schema is fixed.
func (s *Switch[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tripped {
		log.Printf("entitystore: fallback reset, remote backend active again")
	}
	s.tripped = false
}
