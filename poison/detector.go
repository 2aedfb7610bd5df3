// Package poison quarantines messages that keep failing.
//
// A message whose handler fails Threshold times in a row is marked poison
// for QuarantineTime. While quarantined it is acknowledged without being
// handled, which stops a broker from redelivering it forever.
//
//	d := poison.NewDetector(poison.NewRedisStore(rdb), poison.WithThreshold(3))
//	c := outbox.NewConsumer(t, "orders.created", handler, outbox.WithPoisonDetector(d))
package poison

import (
	"context"
	"fmt"
	"time"
)

// Detector counts failures per message ID and quarantines repeat offenders.
type Detector struct {
	store          Store
	threshold      int
	quarantineTime time.Duration
}

// Options configures a Detector.
type Options struct {
	// Threshold is the number of failures that quarantine a message.
	Threshold int
	// QuarantineTime is how long a poison message stays quarantined.
	QuarantineTime time.Duration
}

// DefaultOptions returns a threshold of 5 and a one hour quarantine.
func DefaultOptions() *Options {
	return &Options{
		Threshold:      5,
		QuarantineTime: time.Hour,
	}
}

// Option configures a Detector
type Option func(*Options)

func WithThreshold(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Threshold = n
		}
	}
}

func WithQuarantineTime(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.QuarantineTime = d
		}
	}
}

// NewDetector creates a detector on store.
func NewDetector(store Store, opts ...Option) *Detector {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Detector{
		store:          store,
		threshold:      o.Threshold,
		quarantineTime: o.QuarantineTime,
	}
}

// Check reports whether messageID is quarantined.
func (d *Detector) Check(ctx context.Context, messageID string) (bool, error) {
	return d.store.IsPoison(ctx, messageID)
}

// RecordFailure counts a failure and reports whether the message is now
// quarantined. The failure count is reset when the message is quarantined.
func (d *Detector) RecordFailure(ctx context.Context, messageID string) (bool, error) {
	count, err := d.store.IncrementFailure(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("increment failure: %w", err)
	}
	if count < d.threshold {
		return false, nil
	}
	if err := d.store.MarkPoison(ctx, messageID, d.quarantineTime); err != nil {
		return false, fmt.Errorf("mark poison: %w", err)
	}
	return true, d.store.ClearFailures(ctx, messageID)
}

// RecordSuccess resets the failure count.
func (d *Detector) RecordSuccess(ctx context.Context, messageID string) error {
	return d.store.ClearFailures(ctx, messageID)
}

// Release lifts a quarantine early, e.g. after the cause was fixed.
func (d *Detector) Release(ctx context.Context, messageID string) error {
	if err := d.store.ClearPoison(ctx, messageID); err != nil {
		return err
	}
	return d.store.ClearFailures(ctx, messageID)
}

func (d *Detector) Threshold() int { return d.threshold }
