// Package handoff moves a single result from a radio or engine callback to
// the goroutine waiting on it.
package handoff

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyResolved is returned when a slot is resolved twice
var ErrAlreadyResolved = errors.New("handoff: slot already resolved")

// Slot is a write-once, read-many result cell. Resolve and Wait are safe to
// call from different goroutines.
type Slot[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	set   bool
}

// New returns an unresolved slot
func New[T any]() *Slot[T] {
	return &Slot[T]{done: make(chan struct{})}
}

// Resolve stores v and wakes every waiter. A second call leaves the first
// value in place and returns ErrAlreadyResolved.
func (s *Slot[T]) Resolve(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set {
		return ErrAlreadyResolved
	}
	s.value = v
	s.set = true
	close(s.done)
	return nil
}

// TryResolve is Resolve for callers that only care whether they won
func (s *Slot[T]) TryResolve(v T) bool {
	return s.Resolve(v) == nil
}

// Wait blocks until the slot is resolved or ctx ends
func (s *Slot[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		v, _ := s.Value()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the slot holds a value
func (s *Slot[T]) Done() <-chan struct{} {
	return s.done
}

// Value returns the stored value and whether one was stored
func (s *Slot[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set
}
