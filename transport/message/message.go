// Package message provides the Message type carried by every transport.
//
// It lives in its own package so codec and transport can both depend on it
// without an import cycle.
package message

import (
	"context"
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Well-known metadata keys.
const (
	// MetadataReplyTo names the event a response to this message should be published to.
	MetadataReplyTo = "reply_to"
	// MetadataCorrelationID links a response to the message it answers.
	MetadataCorrelationID = "correlation_id"
)

// Message is an event message that travels through a transport.
type Message interface {
	// ID returns the unique message identifier
	ID() string
	// Source returns the source that published this message
	Source() string
	// Payload returns the encoded message body
	Payload() []byte
	// Metadata returns optional key-value metadata
	Metadata() map[string]string
	// Timestamp returns when the message was created
	Timestamp() time.Time
	// RetryCount returns the number of times this message has been redelivered
	RetryCount() int
	// Context returns a context carrying the remote span, if any
	Context() context.Context
	// Ack acknowledges the message. Pass nil for success, or an error to request redelivery.
	Ack(error) error
}

type message struct {
	id         string
	source     string
	payload    []byte
	metadata   map[string]string
	timestamp  time.Time
	span       trace.SpanContext
	retryCount int
	ackFn      func(error) error
}

func (m *message) ID() string                  { return m.id }
func (m *message) Source() string              { return m.source }
func (m *message) Payload() []byte             { return m.payload }
func (m *message) Metadata() map[string]string { return m.metadata }
func (m *message) Timestamp() time.Time        { return m.timestamp }
func (m *message) RetryCount() int             { return m.retryCount }

func (m *message) Context() context.Context {
	return trace.ContextWithRemoteSpanContext(context.Background(), m.span)
}

func (m *message) Ack(err error) error {
	if m.ackFn != nil {
		return m.ackFn(err)
	}
	return nil
}

// Option customises a message built by New.
type Option func(*message)

// WithRetryCount sets the redelivery count.
func WithRetryCount(n int) Option {
	return func(m *message) { m.retryCount = n }
}

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) Option {
	return func(m *message) {
		if !ts.IsZero() {
			m.timestamp = ts
		}
	}
}

// WithSpanContext attaches a remote span for trace propagation.
func WithSpanContext(sc trace.SpanContext) Option {
	return func(m *message) { m.span = sc }
}

// WithAck sets the function invoked by Ack.
func WithAck(fn func(error) error) Option {
	return func(m *message) { m.ackFn = fn }
}

// New creates a message. Metadata is copied so callers may reuse their map.
func New(id, source string, payload []byte, metadata map[string]string, opts ...Option) Message {
	m := &message{
		id:        id,
		source:    source,
		payload:   payload,
		timestamp: time.Now(),
	}
	if metadata != nil {
		m.metadata = maps.Clone(metadata)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithAckFunc returns a copy of msg whose Ack calls fn.
// Transports use it to bind broker-specific acknowledgement to a decoded message.
func WithAckFunc(msg Message, fn func(error) error) Message {
	return &message{
		id:         msg.ID(),
		source:     msg.Source(),
		payload:    msg.Payload(),
		metadata:   msg.Metadata(),
		timestamp:  msg.Timestamp(),
		span:       trace.SpanContextFromContext(msg.Context()),
		retryCount: msg.RetryCount(),
		ackFn:      fn,
	}
}

var _ Message = (*message)(nil)
