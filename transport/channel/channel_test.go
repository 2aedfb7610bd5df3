package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/outbox/transport"
	"github.com/rbaliyan/outbox/transport/message"
)

func testMessage(id, source, payload string) transport.Message {
	return message.New(id, source, []byte(payload), nil)
}

func drain(sub transport.Subscription, counter *int32, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case _, ok := <-sub.Messages():
			if !ok {
				return
			}
			atomic.AddInt32(counter, 1)
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestNewWithOptions(t *testing.T) {
	tr := New(
		WithBufferSize(42),
		WithTimeout(time.Second),
		WithErrorHandler(func(error) {}),
	)
	defer tr.Close(context.Background())

	if tr.bufferSize != 42 {
		t.Errorf("expected buffer size 42, got %d", tr.bufferSize)
	}
	if tr.timeout != time.Second {
		t.Errorf("expected timeout 1s, got %v", tr.timeout)
	}
}

func TestRegisterEvent(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	t.Run("register new event", func(t *testing.T) {
		if err := tr.RegisterEvent(ctx, "orders"); err != nil {
			t.Fatalf("RegisterEvent failed: %v", err)
		}
	})

	t.Run("register duplicate event returns error", func(t *testing.T) {
		err := tr.RegisterEvent(ctx, "orders")
		if !errors.Is(err, transport.ErrEventAlreadyExists) {
			t.Errorf("expected ErrEventAlreadyExists, got %v", err)
		}
	})

	t.Run("register on closed transport returns error", func(t *testing.T) {
		tr2 := New()
		tr2.Close(ctx)

		err := tr2.RegisterEvent(ctx, "orders")
		if !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	})
}

func TestUnregisterEvent(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "orders")
	sub, _ := tr.Subscribe(ctx, "orders")

	if err := tr.UnregisterEvent(ctx, "orders"); err != nil {
		t.Fatalf("UnregisterEvent failed: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected subscription channel to be closed")
	}
	if err := tr.UnregisterEvent(ctx, "orders"); !errors.Is(err, transport.ErrEventNotRegistered) {
		t.Errorf("expected ErrEventNotRegistered, got %v", err)
	}
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	t.Run("unregistered event", func(t *testing.T) {
		err := tr.Publish(ctx, "missing", testMessage("1", "src", "x"))
		if !errors.Is(err, transport.ErrEventNotRegistered) {
			t.Errorf("expected ErrEventNotRegistered, got %v", err)
		}
	})

	t.Run("no subscribers drops silently", func(t *testing.T) {
		tr.RegisterEvent(ctx, "quiet")
		if err := tr.Publish(ctx, "quiet", testMessage("1", "src", "x")); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("delivers payload", func(t *testing.T) {
		tr.RegisterEvent(ctx, "orders")
		sub, _ := tr.Subscribe(ctx, "orders")
		defer sub.Close(ctx)

		if err := tr.Publish(ctx, "orders", testMessage("1", "src", "hello")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case msg := <-sub.Messages():
			if string(msg.Payload()) != "hello" {
				t.Errorf("expected hello, got %s", msg.Payload())
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	})
}

func TestBroadcastMode(t *testing.T) {
	ctx := context.Background()
	tr := New(WithBufferSize(10))
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "broadcast")
	sub1, _ := tr.Subscribe(ctx, "broadcast")
	sub2, _ := tr.Subscribe(ctx, "broadcast")
	defer sub1.Close(ctx)
	defer sub2.Close(ctx)

	for i := range 3 {
		tr.Publish(ctx, "broadcast", testMessage(fmt.Sprint(i), "src", "b"))
	}

	var count1, count2 int32
	var wg sync.WaitGroup
	wg.Add(2)
	go drain(sub1, &count1, &wg)
	go drain(sub2, &count2, &wg)
	wg.Wait()

	if count1 != 3 || count2 != 3 {
		t.Errorf("expected 3 messages each, got %d and %d", count1, count2)
	}
}

func TestWorkerGroups(t *testing.T) {
	ctx := context.Background()
	tr := New(WithBufferSize(10))
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "tasks")

	subA1, _ := tr.Subscribe(ctx, "tasks", transport.WithWorkerGroup("a"))
	subA2, _ := tr.Subscribe(ctx, "tasks", transport.WithWorkerGroup("a"))
	subB1, _ := tr.Subscribe(ctx, "tasks", transport.WithWorkerGroup("b"))
	defer subA1.Close(ctx)
	defer subA2.Close(ctx)
	defer subB1.Close(ctx)

	for i := range 6 {
		tr.Publish(ctx, "tasks", testMessage(fmt.Sprint(i), "src", "w"))
	}

	var countA1, countA2, countB1 int32
	var wg sync.WaitGroup
	wg.Add(3)
	go drain(subA1, &countA1, &wg)
	go drain(subA2, &countA2, &wg)
	go drain(subB1, &countB1, &wg)
	wg.Wait()

	if countA1+countA2 != 6 {
		t.Errorf("group a expected 6 total messages, got %d (a1: %d, a2: %d)", countA1+countA2, countA1, countA2)
	}
	if countA1 != 3 || countA2 != 3 {
		t.Errorf("expected round-robin 3/3 in group a, got %d/%d", countA1, countA2)
	}
	if countB1 != 6 {
		t.Errorf("group b expected 6 messages, got %d", countB1)
	}
}

func TestPublishTimeout(t *testing.T) {
	ctx := context.Background()
	var errCount int32
	tr := New(
		WithBufferSize(0),
		WithTimeout(20*time.Millisecond),
		WithErrorHandler(func(error) { atomic.AddInt32(&errCount, 1) }),
	)
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "slow")
	sub, _ := tr.Subscribe(ctx, "slow")
	defer sub.Close(ctx)

	// Broadcast drops are reported through the error handler, not returned.
	if err := tr.Publish(ctx, "slow", testMessage("1", "src", "x")); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if atomic.LoadInt32(&errCount) != 1 {
		t.Errorf("expected 1 error callback, got %d", errCount)
	}
}

func TestSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "orders")
	sub, _ := tr.Subscribe(ctx, "orders")

	if err := sub.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	// Closed subscriber no longer counts.
	if err := tr.Publish(ctx, "orders", testMessage("1", "src", "x")); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	tr := New()

	tr.RegisterEvent(ctx, "orders")
	sub, _ := tr.Subscribe(ctx, "orders")
	defer sub.Close(ctx)

	h := tr.Health(ctx)
	if !h.IsHealthy() {
		t.Errorf("expected healthy, got %s", h.Status)
	}
	if h.Details["subscribers"] != 1 {
		t.Errorf("expected 1 subscriber, got %v", h.Details["subscribers"])
	}

	tr.Close(ctx)
	if tr.Health(ctx).IsHealthy() {
		t.Error("expected unhealthy after close")
	}
}
