package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/outbox/idempotency"
	"github.com/rbaliyan/outbox/poison"
	"github.com/rbaliyan/outbox/scheduler"
	"github.com/rbaliyan/outbox/transport"
	"github.com/rbaliyan/outbox/transport/channel"
	"golang.org/x/time/rate"
)

func TestFilterCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	pub := NewRecordingPublisher(nil)
	obs := &RecordingObserver{}
	sched := scheduler.NewMemoryScheduler(pub)
	d := NewDelivery("orders", inboundMessage(nil), pub, WithScheduler(sched), WithObserver(obs))

	var handle ScheduledHandle
	f := NewFilter(WithConsumerType("billing"))
	err := f.Consume(ctx, d, func(ctx context.Context, oc *ConsumeContext) error {
		fromCtx, ok := FromContext(ctx)
		if !ok || fromCtx != oc {
			t.Error("handler context must carry the consume context")
		}
		var err error
		if handle, err = oc.ScheduleAfter(ctx, "orders.reminder", nil, time.Hour, nil); err != nil {
			return err
		}
		return oc.Publish(ctx, "orders.accepted", oc.Payload(), nil)
	})
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	if pub.Count() != 1 {
		t.Errorf("expected 1 published message, got %d", pub.Count())
	}
	stored, err := sched.Get(ctx, handle.ID)
	if err != nil || stored.Held {
		t.Errorf("expected confirmed scheduled message, got %+v err=%v", stored, err)
	}
	consumed := obs.ConsumedCalls()
	if len(consumed) != 1 || consumed[0].ConsumerType != "billing" {
		t.Errorf("unexpected consumed notifications: %+v", consumed)
	}
	if len(obs.FaultedCalls()) != 0 {
		t.Errorf("unexpected faulted notifications: %+v", obs.FaultedCalls())
	}
}

func TestFilterRollsBack(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	tests := []struct {
		name    string
		handler Handler
		pubFail bool
		wantErr error
	}{
		{
			name: "handler error",
			handler: func(ctx context.Context, oc *ConsumeContext) error {
				oc.Publish(ctx, "orders.accepted", nil, nil)
				return boom
			},
			wantErr: boom,
		},
		{
			name: "handler panic",
			handler: func(ctx context.Context, oc *ConsumeContext) error {
				oc.Publish(ctx, "orders.accepted", nil, nil)
				panic("unexpected")
			},
			wantErr: ErrHandlerPanic,
		},
		{
			name: "commit failure",
			handler: func(ctx context.Context, oc *ConsumeContext) error {
				return oc.Publish(ctx, "orders.accepted", nil, nil)
			},
			pubFail: true,
			wantErr: boom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := NewRecordingPublisher(nil)
			if tt.pubFail {
				pub.FailWith("orders.accepted", boom)
			}
			obs := &RecordingObserver{}
			sched := scheduler.NewMemoryScheduler(pub)
			d := NewDelivery("orders", inboundMessage(nil), pub, WithScheduler(sched), WithObserver(obs))

			f := NewFilter()
			err := f.Consume(ctx, d, func(ctx context.Context, oc *ConsumeContext) error {
				if _, err := oc.ScheduleAfter(ctx, "orders.reminder", nil, time.Hour, nil); err != nil {
					t.Fatalf("ScheduleAfter failed: %v", err)
				}
				return tt.handler(ctx, oc)
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			if pub.Count() != 0 {
				t.Errorf("nothing may be published on rollback, got %d", pub.Count())
			}
			if sched.Len() != 0 {
				t.Errorf("scheduled messages must be cancelled on rollback, %d left", sched.Len())
			}
			faulted := obs.FaultedCalls()
			if len(faulted) != 1 || !errors.Is(faulted[0].Err, tt.wantErr) {
				t.Errorf("unexpected faulted notifications: %+v", faulted)
			}
			if len(obs.ConsumedCalls()) != 0 {
				t.Errorf("unexpected consumed notifications: %+v", obs.ConsumedCalls())
			}
		})
	}
}

func TestFilterConcurrentDelivery(t *testing.T) {
	ctx := context.Background()
	pub := NewRecordingPublisher(nil)
	d := NewDelivery("orders", inboundMessage(nil), pub)

	f := NewFilter(WithConcurrentDelivery(true))
	err := f.Consume(ctx, d, func(ctx context.Context, oc *ConsumeContext) error {
		for _, name := range []string{"a", "b", "c", "d"} {
			if err := oc.Publish(ctx, name, nil, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if pub.Count() != 4 {
		t.Errorf("expected 4 published messages, got %d", pub.Count())
	}
}

// recordingTransport is a channel transport whose publishes are recorded.
type recordingTransport struct {
	*channel.Transport
	rec *RecordingPublisher
}

func newRecordingTransport() *recordingTransport {
	ch := channel.New()
	return &recordingTransport{Transport: ch, rec: NewRecordingPublisher(ch)}
}

func (t *recordingTransport) Publish(ctx context.Context, name string, msg transport.Message) error {
	return t.rec.Publish(ctx, name, msg)
}

func TestConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newRecordingTransport()
	defer tr.Close(context.Background())
	tr.RegisterEvent(ctx, "orders.created")
	tr.RegisterEvent(ctx, "orders.accepted")

	out, err := tr.Subscribe(ctx, "orders.accepted")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	c := NewConsumer(tr, "orders.created", func(ctx context.Context, oc *ConsumeContext) error {
		return oc.Publish(ctx, "orders.accepted", oc.Payload(), nil)
	})

	started := make(chan error, 1)
	go func() { started <- c.Start(ctx) }()

	in := inboundMessage(nil)
	deadline := time.After(2 * time.Second)
	for {
		// the consumer subscribes asynchronously; retry until it receives
		if err := tr.Transport.Publish(ctx, "orders.created", in); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		select {
		case msg := <-out.Messages():
			if string(msg.Payload()) != string(in.Payload()) {
				t.Errorf("payload mismatch: %q", msg.Payload())
			}
			cancel()
			if err := <-started; !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled from Start, got %v", err)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for the consumer")
		}
	}
}

func TestConsumerIdempotency(t *testing.T) {
	ctx := context.Background()
	tr := newRecordingTransport()
	defer tr.Close(ctx)
	tr.RegisterEvent(ctx, "orders.accepted")

	store := idempotency.NewMemoryStore(time.Hour)
	defer store.Close()

	fail := true
	c := NewConsumer(tr, "orders.created", func(ctx context.Context, oc *ConsumeContext) error {
		if err := oc.Publish(ctx, "orders.accepted", nil, nil); err != nil {
			return err
		}
		if fail {
			return errors.New("transient")
		}
		return nil
	}, WithIdempotency(store), WithRateLimiter(rate.NewLimiter(rate.Inf, 1)))

	in := inboundMessage(nil)

	if err := c.Handle(ctx, in); err == nil {
		t.Fatal("expected the first attempt to fail")
	}
	if dup, _ := store.IsDuplicate(ctx, in.ID()); dup {
		t.Fatal("a failed message must not be marked processed")
	}

	fail = false
	if err := c.Handle(ctx, in); err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}
	if err := c.Handle(ctx, in); err != nil {
		t.Fatalf("duplicate should be skipped without error, got %v", err)
	}

	if n := tr.rec.Count(); n != 1 {
		t.Errorf("expected exactly 1 published message, got %d", n)
	}
}

func TestConsumerRateLimitCancelled(t *testing.T) {
	tr := newRecordingTransport()
	defer tr.Close(context.Background())

	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	limiter.Allow() // use the only token

	c := NewConsumer(tr, "orders.created", func(ctx context.Context, oc *ConsumeContext) error {
		t.Error("handler must not run")
		return nil
	}, WithRateLimiter(limiter))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Handle(ctx, inboundMessage(nil)); err == nil {
		t.Error("expected rate limiter error")
	}
}

func TestConsumerPoisonQuarantine(t *testing.T) {
	ctx := context.Background()
	tr := newRecordingTransport()
	defer tr.Close(ctx)
	tr.RegisterEvent(ctx, "orders.accepted")

	detector := poison.NewDetector(poison.NewMemoryStore(), poison.WithThreshold(2))

	calls := 0
	c := NewConsumer(tr, "orders.created", func(ctx context.Context, oc *ConsumeContext) error {
		calls++
		if err := oc.Publish(ctx, "orders.accepted", nil, nil); err != nil {
			return err
		}
		return errors.New("always fails")
	}, WithPoisonDetector(detector))

	in := inboundMessage(nil)

	if err := c.Handle(ctx, in); err == nil {
		t.Fatal("first failure should be returned")
	}
	if err := c.Handle(ctx, in); err != nil {
		t.Fatalf("failure reaching the threshold should be swallowed, got %v", err)
	}
	if err := c.Handle(ctx, in); err != nil {
		t.Fatalf("quarantined message should be skipped, got %v", err)
	}

	if calls != 2 {
		t.Errorf("expected the handler to run twice, got %d", calls)
	}
	if n := tr.rec.Count(); n != 0 {
		t.Errorf("a failing handler must not publish, got %d", n)
	}
	if quarantined, _ := detector.Check(ctx, in.ID()); !quarantined {
		t.Error("expected the message to be quarantined")
	}
}

// ctxScheduler fails cancellation once its context is done, like a network
// backed scheduler would.
type ctxScheduler struct {
	*scheduler.MemoryScheduler
}

func (s ctxScheduler) Cancel(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryScheduler.Cancel(ctx, id)
}

func TestFilterRollbackAfterCancel(t *testing.T) {
	pub := NewRecordingPublisher(nil)
	mem := scheduler.NewMemoryScheduler(pub)
	obs := &RecordingObserver{}
	d := NewDelivery("orders", inboundMessage(nil), pub,
		WithScheduler(plainScheduler{ctxScheduler{mem}}), WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var id string
	err := NewFilter().Consume(ctx, d, func(ctx context.Context, oc *ConsumeContext) error {
		h, err := oc.ScheduleAfter(ctx, "orders.reminder", nil, time.Hour, nil)
		if err != nil {
			return err
		}
		id = h.ID
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if _, err := mem.Get(context.Background(), id); !errors.Is(err, scheduler.ErrNotFound) {
		t.Errorf("scheduled message must be cancelled on rollback, got %v", err)
	}
	if len(obs.FaultedCalls()) != 1 {
		t.Errorf("expected 1 faulted notification, got %d", len(obs.FaultedCalls()))
	}
}
