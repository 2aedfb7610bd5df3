package transport

import (
	"testing"
	"time"
)

func TestApplySubscribeOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		o := ApplySubscribeOptions()
		if o.DeliveryMode != Broadcast {
			t.Errorf("expected Broadcast, got %v", o.DeliveryMode)
		}
		if o.StartFrom != StartFromBeginning {
			t.Errorf("expected StartFromBeginning, got %v", o.StartFrom)
		}
	})

	t.Run("worker group implies worker pool", func(t *testing.T) {
		o := ApplySubscribeOptions(WithWorkerGroup("billing"), WithBufferSize(8))
		if o.DeliveryMode != WorkerPool {
			t.Errorf("expected WorkerPool, got %v", o.DeliveryMode)
		}
		if o.WorkerGroup != "billing" {
			t.Errorf("expected billing, got %s", o.WorkerGroup)
		}
		if o.BufferSize != 8 {
			t.Errorf("expected 8, got %d", o.BufferSize)
		}
	})
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestJitter(t *testing.T) {
	d := 100 * time.Millisecond
	for range 50 {
		j := Jitter(d, 0.3)
		if j < 70*time.Millisecond || j > 130*time.Millisecond {
			t.Fatalf("jitter out of range: %v", j)
		}
	}
	if Jitter(d, 0) != d {
		t.Error("zero factor should return input")
	}
}

func TestBackoff(t *testing.T) {
	if got := Backoff(time.Second, 5*time.Second); got != 2*time.Second {
		t.Errorf("expected 2s, got %v", got)
	}
	if got := Backoff(4*time.Second, 5*time.Second); got != 5*time.Second {
		t.Errorf("expected cap 5s, got %v", got)
	}
}
