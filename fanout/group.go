// Package fanout starts a batch of operations at once and waits for all of
// them, reporting every failure.
//
// Unlike golang.org/x/sync/errgroup, a failing operation neither cancels its
// siblings nor hides their errors.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"go.uber.org/multierr"
)

// ErrPanicRecovered wraps the value of a panicking operation.
var ErrPanicRecovered = errors.New("fanout: panic recovered")

// Func is one operation in a group.
type Func func(ctx context.Context) error

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger used to report recovered panics.
func WithLogger(l *slog.Logger) Option {
	return func(g *Group) {
		if l != nil {
			g.logger = l
		}
	}
}

// Group tracks a set of concurrently running operations.
// The zero value is not usable; call New.
type Group struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
	logger *slog.Logger
}

// New returns a group sized for n operations. n is a capacity hint only.
func New(n int, opts ...Option) *Group {
	if n < 0 {
		n = 0
	}
	g := &Group{
		errs:   make([]error, 0, n),
		logger: slog.Default().With("component", "fanout"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Go starts fn in its own goroutine immediately.
func (g *Group) Go(ctx context.Context, fn Func) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("operation panicked", "panic", r, "stack", string(debug.Stack()))
				g.record(fmt.Errorf("%w: %v", ErrPanicRecovered, r))
			}
		}()
		if err := fn(ctx); err != nil {
			g.record(err)
		}
	}()
}

// AddAll starts every fn; none of them waits for another to be started.
func (g *Group) AddAll(ctx context.Context, fns ...Func) {
	for _, fn := range fns {
		g.Go(ctx, fn)
	}
}

// Await blocks until every started operation has returned. The result is
// nil when all succeeded, otherwise a multierr aggregate of every failure
// (use multierr.Errors to list them).
func (g *Group) Await() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return multierr.Combine(g.errs...)
}

func (g *Group) record(err error) {
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}

// Run starts every fn concurrently and waits for all of them.
//
// Example:
//
//	err := fanout.Run(ctx, []pending.Action{sendA, sendB})
func Run[F ~func(context.Context) error](ctx context.Context, fns []F, opts ...Option) error {
	g := New(len(fns), opts...)
	for _, fn := range fns {
		g.Go(ctx, Func(fn))
	}
	return g.Await()
}
