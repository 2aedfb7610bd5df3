// Package pending holds the ordered buffer of deferred broker effects that
// an outbox accumulates while a consumer runs.
package pending

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Add once the buffer has been sealed for drain.
	ErrClosed = errors.New("pending: buffer closed")
	// ErrNilAction is returned by Add for a nil action.
	ErrNilAction = errors.New("pending: nil action")
)

// Action is a deferred operation such as "publish this event". It carries no
// retry state; retries belong to the consume pipeline.
type Action func(ctx context.Context) error

// Buffer is an ordered, concurrency-safe list of actions.
//
// Producers call Add from any goroutine. The owner seals the buffer with
// Close before taking its Snapshot, so no action can be appended after the
// snapshot and then lost.
type Buffer struct {
	mu      sync.Mutex
	actions []Action
	closed  bool
}

// New returns an empty open buffer.
func New() *Buffer {
	return &Buffer{}
}

// Add appends action. It never blocks beyond the buffer mutex.
func (b *Buffer) Add(action Action) error {
	if action == nil {
		return ErrNilAction
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.actions = append(b.actions, action)
	return nil
}

// Snapshot returns a copy of the buffered actions in append order.
// The buffer itself is left untouched.
func (b *Buffer) Snapshot() []Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Action, len(b.actions))
	copy(out, b.actions)
	return out
}

// Clear drops every buffered action and returns how many were dropped.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.actions)
	b.actions = nil
	return n
}

// Close seals the buffer; later Add calls return ErrClosed.
// Calling Close more than once is harmless.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of buffered actions.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.actions)
}
