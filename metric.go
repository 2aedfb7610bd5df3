package outbox

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

const instrumentationName = "github.com/rbaliyan/outbox"

// metrics holds the outbox counters. A nil *metrics records nothing.
type metrics struct {
	executed     metric.Int64Counter
	failed       metric.Int64Counter
	discarded    metric.Int64Counter
	compensation metric.Int64Counter
}

// newMetrics creates the outbox counters on mp, or on the global provider
// when mp is nil. Instruments that fail to register fall back to no-ops;
// the combined registration error is returned alongside.
func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var mErr error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name,
			metric.WithDescription(desc),
			metric.WithUnit("{action}"))
		if err != nil {
			mErr = multierr.Append(mErr, err)
			c, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter(name)
		}
		return c
	}

	m := &metrics{
		executed:     counter("outbox.actions.executed", "Buffered actions dispatched successfully"),
		failed:       counter("outbox.actions.failed", "Buffered actions that returned an error"),
		discarded:    counter("outbox.actions.discarded", "Buffered actions dropped on rollback"),
		compensation: counter("outbox.schedule.compensation_failures", "Scheduled message confirmations or cancellations that failed"),
	}
	return m, mErr
}

func (m *metrics) actionExecuted(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.executed.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *metrics) actionFailed(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *metrics) actionsDiscarded(ctx context.Context, event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.discarded.Add(ctx, int64(n), metric.WithAttributes(attribute.String("event", event)))
}

func (m *metrics) compensationFailed(ctx context.Context, op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.compensation.Add(ctx, int64(n), metric.WithAttributes(attribute.String("operation", op)))
}

func tracerFrom(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}
