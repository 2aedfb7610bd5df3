package outbox

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/outbox/pending"
)

// Outbox errors.
// Use errors.Is to check for them; they may be wrapped with additional context.
//
// Example:
//
//	if err := oc.Publish(ctx, "orders.shipped", payload, nil); errors.Is(err, outbox.ErrOutboxClosed) {
//	    // the consumer kept producing after commit or rollback began
//	}
var (
	// ErrOutboxClosed is returned when an effect is requested after the
	// outbox has started committing or has been discarded, and when a commit
	// is attempted after a discard or a failed commit.
	ErrOutboxClosed = errors.New("outbox: closed")

	// ErrNoScheduler is returned by scheduling calls when the delivery has no
	// scheduler attached.
	ErrNoScheduler = errors.New("outbox: no scheduler available")

	// ErrNoReplyTo is returned by Respond when the inbound message carries no
	// reply_to metadata.
	ErrNoReplyTo = errors.New("outbox: message has no reply address")

	// ErrHandlerPanic wraps the value of a panicking handler.
	ErrHandlerPanic = errors.New("outbox: handler panicked")

	// ErrNilAction is returned by Add for a nil action.
	ErrNilAction = pending.ErrNilAction
)

// State is the lifecycle state of a ConsumeContext.
type State int32

const (
	// StateOpen accepts new effects.
	StateOpen State = iota
	// StateCommitting is dispatching the buffered effects.
	StateCommitting
	// StateCommitted finished dispatching every buffered effect.
	StateCommitted
	// StateFaulted means a buffered effect failed during commit. A faulted
	// outbox can still be discarded to cancel its scheduled messages.
	StateFaulted
	// StateDiscarded dropped its buffered effects.
	StateDiscarded
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateFaulted:
		return "faulted"
	case StateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}
