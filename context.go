package outbox

import (
	"context"
)

const (
	outboxContextKey contextKey = iota
)

// contextKey
type contextKey int

// ContextWithOutbox returns a context carrying oc.
func ContextWithOutbox(ctx context.Context, oc *ConsumeContext) context.Context {
	if oc == nil {
		return ctx
	}
	return context.WithValue(ctx, outboxContextKey, oc)
}

// FromContext returns the ConsumeContext stored in ctx by the Filter.
//
// Example:
//
//	func notifyShipping(ctx context.Context, order Order) error {
//	    oc, ok := outbox.FromContext(ctx)
//	    if !ok {
//	        return errors.New("not running inside a consumer")
//	    }
//	    return oc.Publish(ctx, "shipping.requested", encode(order), nil)
//	}
func FromContext(ctx context.Context) (*ConsumeContext, bool) {
	oc, ok := ctx.Value(outboxContextKey).(*ConsumeContext)
	return oc, ok
}
