package outbox

import (
	"log/slog"

	"github.com/rbaliyan/outbox/idempotency"
	"github.com/rbaliyan/outbox/poison"
	"github.com/rbaliyan/outbox/scheduler"
	"github.com/rbaliyan/outbox/transport"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DefaultSource is the source recorded on messages produced through an outbox.
const DefaultSource = "outbox"

// contextConfig configures a ConsumeContext and its SchedulerContext.
type contextConfig struct {
	logger         *slog.Logger
	source         string
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	// set by Filter so every context shares one set of instruments
	metrics *metrics
	tracer  trace.Tracer
}

func newContextConfig(opts ...ContextOption) *contextConfig {
	c := &contextConfig{source: DefaultSource}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = transport.Logger("outbox>consume")
	}
	if c.metrics == nil {
		var err error
		if c.metrics, err = newMetrics(c.meterProvider); err != nil {
			c.logger.Warn("failed to create outbox metrics", "error", err)
		}
	}
	if c.tracer == nil {
		c.tracer = tracerFrom(c.tracerProvider)
	}
	return c
}

// ContextOption configures a ConsumeContext.
type ContextOption func(*contextConfig)

// WithContextLogger sets the logger used for compensation warnings.
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(c *contextConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithContextSource sets the source recorded on outgoing messages.
func WithContextSource(source string) ContextOption {
	return func(c *contextConfig) {
		if source != "" {
			c.source = source
		}
	}
}

// WithContextMeterProvider sets the meter provider for outbox counters.
// Default: the global provider.
func WithContextMeterProvider(mp metric.MeterProvider) ContextOption {
	return func(c *contextConfig) {
		c.meterProvider = mp
	}
}

// WithContextTracerProvider sets the tracer provider for the commit span.
// Default: the global provider.
func WithContextTracerProvider(tp trace.TracerProvider) ContextOption {
	return func(c *contextConfig) {
		c.tracerProvider = tp
	}
}

func withInstruments(m *metrics, tracer trace.Tracer) ContextOption {
	return func(c *contextConfig) {
		c.metrics = m
		c.tracer = tracer
	}
}

// Options configures a Filter.
//
// Example:
//
//	f := outbox.NewFilter(
//	    outbox.WithConcurrentDelivery(true),
//	    outbox.WithLogger(logger),
//	)
type Options struct {
	// ConcurrentDelivery dispatches buffered actions concurrently on commit.
	// Default: false (sequential, in append order)
	ConcurrentDelivery bool

	// ConsumerType is reported to the delivery on consumed/faulted notifications.
	// Default: "outbox"
	ConsumerType string

	// Source is recorded on messages produced through the outbox.
	// Default: "outbox"
	Source string

	// Logger receives lifecycle and compensation logs.
	Logger *slog.Logger

	// MeterProvider for outbox counters. Default: the global provider.
	MeterProvider metric.MeterProvider

	// TracerProvider for the commit span. Default: the global provider.
	TracerProvider trace.TracerProvider
}

// DefaultOptions returns default filter options.
func DefaultOptions() *Options {
	return &Options{
		ConsumerType: "outbox",
		Source:       DefaultSource,
	}
}

// Option is a function that modifies Options.
type Option func(*Options)

// WithConcurrentDelivery selects concurrent dispatch of buffered actions.
func WithConcurrentDelivery(enabled bool) Option {
	return func(o *Options) {
		o.ConcurrentDelivery = enabled
	}
}

// WithConsumerType sets the consumer type reported on notifications.
func WithConsumerType(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.ConsumerType = name
		}
	}
}

// WithSource sets the source recorded on outgoing messages.
func WithSource(source string) Option {
	return func(o *Options) {
		if source != "" {
			o.Source = source
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Options) {
		o.MeterProvider = mp
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

// consumerConfig configures a Consumer.
type consumerConfig struct {
	filterOpts    []Option
	subscribeOpts []transport.SubscribeOption
	scheduler     scheduler.Scheduler
	observer      Observer
	store         idempotency.Store
	poison        *poison.Detector
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerConfig)

// WithFilterOptions passes options to the consumer's Filter.
func WithFilterOptions(opts ...Option) ConsumerOption {
	return func(c *consumerConfig) {
		c.filterOpts = append(c.filterOpts, opts...)
	}
}

// WithSubscribeOptions passes options to transport.Subscribe.
//
// Example:
//
//	c := outbox.NewConsumer(t, "orders.created", handler,
//	    outbox.WithSubscribeOptions(transport.WithWorkerGroup("billing")),
//	)
func WithSubscribeOptions(opts ...transport.SubscribeOption) ConsumerOption {
	return func(c *consumerConfig) {
		c.subscribeOpts = append(c.subscribeOpts, opts...)
	}
}

// WithConsumerScheduler attaches a scheduler to every delivery, enabling
// Schedule on the consume context.
func WithConsumerScheduler(s scheduler.Scheduler) ConsumerOption {
	return func(c *consumerConfig) {
		c.scheduler = s
	}
}

// WithConsumerObserver receives consumed/faulted notifications.
func WithConsumerObserver(o Observer) ConsumerOption {
	return func(c *consumerConfig) {
		c.observer = o
	}
}

// WithIdempotency skips messages whose ID the store has already seen and
// marks each message processed after a successful commit.
func WithIdempotency(store idempotency.Store) ConsumerOption {
	return func(c *consumerConfig) {
		c.store = store
	}
}

// WithPoisonDetector quarantines messages that keep failing. A quarantined
// message is acknowledged without running the handler until the quarantine
// expires.
func WithPoisonDetector(d *poison.Detector) ConsumerOption {
	return func(c *consumerConfig) {
		c.poison = d
	}
}

// WithRateLimiter bounds how fast messages are handed to the handler.
//
// Example:
//
//	outbox.WithRateLimiter(rate.NewLimiter(rate.Limit(100), 10))
func WithRateLimiter(l *rate.Limiter) ConsumerOption {
	return func(c *consumerConfig) {
		c.limiter = l
	}
}

// WithConsumerLogger sets the consumer's logger.
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}
