package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rbaliyan/outbox/transport"
	"github.com/redis/go-redis/v9"
)

type published struct {
	event string
	msg   transport.Message
}

// recordingPublisher records every publish and can be told to fail.
type recordingPublisher struct {
	mu   sync.Mutex
	got  []published
	fail error
}

func (p *recordingPublisher) Publish(ctx context.Context, name string, msg transport.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.got = append(p.got, published{event: name, msg: msg})
	return nil
}

func (p *recordingPublisher) setFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

func (p *recordingPublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.got...)
}

// harness exposes a backend's clock and poll step to the shared tests.
type harness struct {
	s      Scheduler
	c      Confirmer
	pub    *recordingPublisher
	setNow func(time.Time)
	poll   func(context.Context)
}

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newMemoryHarness(t *testing.T) *harness {
	pub := &recordingPublisher{}
	s := NewMemoryScheduler(pub)
	return &harness{
		s: s, c: s, pub: pub,
		setNow: func(now time.Time) { s.now = func() time.Time { return now } },
		poll:   s.processDue,
	}
}

func newRedisHarness(t *testing.T) *harness {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pub := &recordingPublisher{}
	s := NewRedisScheduler(client, pub, WithKeyPrefix("test:sched:"))
	return &harness{
		s: s, c: s, pub: pub,
		setNow: func(now time.Time) { s.now = func() time.Time { return now } },
		poll:   s.processDue,
	}
}

func newSQLHarness(t *testing.T) *harness {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "scheduler.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	pub := &recordingPublisher{}
	s := NewSQLScheduler(db, DialectSQLite, pub)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return &harness{
		s: s, c: s, pub: pub,
		setNow: func(now time.Time) { s.now = func() time.Time { return now } },
		poll:   s.processDue,
	}
}

var backends = []struct {
	name string
	new  func(t *testing.T) *harness
}{
	{"memory", newMemoryHarness},
	{"redis", newRedisHarness},
	{"sql", newSQLHarness},
}

func TestSchedulerDelivery(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			h := b.new(t)
			h.setNow(base)

			id, err := h.s.ScheduleAt(ctx, "orders.reminder", []byte("ping"), map[string]string{"k": "v"}, base.Add(time.Minute))
			if err != nil {
				t.Fatalf("ScheduleAt failed: %v", err)
			}

			h.poll(ctx)
			if n := len(h.pub.messages()); n != 0 {
				t.Fatalf("expected nothing delivered before due time, got %d", n)
			}

			h.setNow(base.Add(2 * time.Minute))
			h.poll(ctx)

			got := h.pub.messages()
			if len(got) != 1 {
				t.Fatalf("expected 1 delivery, got %d", len(got))
			}
			if got[0].event != "orders.reminder" {
				t.Errorf("expected orders.reminder, got %s", got[0].event)
			}
			if string(got[0].msg.Payload()) != "ping" {
				t.Errorf("expected payload ping, got %s", got[0].msg.Payload())
			}
			md := got[0].msg.Metadata()
			if md["k"] != "v" || md[MetadataScheduledID] != id || md[MetadataScheduledAt] == "" {
				t.Errorf("unexpected metadata: %v", md)
			}

			if _, err := h.s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected delivered message to be removed, got %v", err)
			}

			h.poll(ctx)
			if n := len(h.pub.messages()); n != 1 {
				t.Errorf("expected no redelivery, got %d deliveries", n)
			}
		})
	}
}

func TestSchedulerHeld(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			h := b.new(t)
			h.setNow(base)

			msg := Message{EventName: "orders.expire", Payload: []byte("x"), ScheduledAt: base, Held: true}
			if err := h.s.Schedule(ctx, msg); err != nil {
				t.Fatalf("Schedule failed: %v", err)
			}
			list, _ := h.s.List(ctx, Filter{})
			if len(list) != 1 || !list[0].Held {
				t.Fatalf("expected one held message, got %+v", list)
			}
			id := list[0].ID

			h.poll(ctx)
			if n := len(h.pub.messages()); n != 0 {
				t.Fatalf("held message must not be delivered, got %d", n)
			}

			if err := h.c.Confirm(ctx, id); err != nil {
				t.Fatalf("Confirm failed: %v", err)
			}
			if err := h.c.Confirm(ctx, id); err != nil {
				t.Fatalf("second Confirm should be a no-op, got %v", err)
			}
			got, err := h.s.Get(ctx, id)
			if err != nil || got.Held {
				t.Fatalf("expected confirmed message, got %+v err=%v", got, err)
			}

			h.poll(ctx)
			if n := len(h.pub.messages()); n != 1 {
				t.Errorf("expected delivery after confirm, got %d", n)
			}
		})
	}
}

func TestSchedulerConfirmUnknown(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			h := b.new(t)
			if err := h.c.Confirm(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSchedulerCancel(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			h := b.new(t)
			h.setNow(base)

			pendingID, _ := h.s.ScheduleAt(ctx, "e", nil, nil, base)
			heldMsg := Message{ID: "held-1", EventName: "e", ScheduledAt: base, Held: true}
			if err := h.s.Schedule(ctx, heldMsg); err != nil {
				t.Fatalf("Schedule failed: %v", err)
			}

			for _, id := range []string{pendingID, "held-1"} {
				if err := h.s.Cancel(ctx, id); err != nil {
					t.Errorf("Cancel(%s) failed: %v", id, err)
				}
				if _, err := h.s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound after cancel, got %v", err)
				}
			}

			if err := h.s.Cancel(ctx, pendingID); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound for second cancel, got %v", err)
			}

			h.poll(ctx)
			if n := len(h.pub.messages()); n != 0 {
				t.Errorf("cancelled messages must not be delivered, got %d", n)
			}
		})
	}
}

func TestSchedulerList(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			h := b.new(t)

			for i, ev := range []string{"a", "b", "a", "a"} {
				msg := Message{ID: ev + string(rune('0'+i)), EventName: ev, ScheduledAt: base.Add(time.Duration(3-i) * time.Minute)}
				if err := h.s.Schedule(ctx, msg); err != nil {
					t.Fatalf("Schedule failed: %v", err)
				}
			}

			all, err := h.s.List(ctx, Filter{})
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(all) != 4 {
				t.Fatalf("expected 4 messages, got %d", len(all))
			}
			for i := 1; i < len(all); i++ {
				if all[i].ScheduledAt.Before(all[i-1].ScheduledAt) {
					t.Fatalf("expected ascending order, got %v before %v", all[i-1].ScheduledAt, all[i].ScheduledAt)
				}
			}

			onlyA, _ := h.s.List(ctx, Filter{EventName: "a", Limit: 2})
			if len(onlyA) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(onlyA))
			}
			if onlyA[0].ID != "a3" || onlyA[1].ID != "a2" {
				t.Errorf("expected [a3 a2], got [%s %s]", onlyA[0].ID, onlyA[1].ID)
			}

			before, _ := h.s.List(ctx, Filter{Before: base.Add(90 * time.Second)})
			if len(before) != 2 {
				t.Errorf("expected 2 messages before cutoff, got %d", len(before))
			}
		})
	}
}

func TestSchedulerPublishFailureRetries(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			h := b.new(t)
			h.setNow(base)

			id, _ := h.s.ScheduleAt(ctx, "e", []byte("x"), nil, base)

			h.pub.setFail(errors.New("broker down"))
			h.poll(ctx)
			if _, err := h.s.Get(ctx, id); err != nil {
				t.Fatalf("message should survive a failed publish, got %v", err)
			}

			h.pub.setFail(nil)
			h.poll(ctx)
			if n := len(h.pub.messages()); n != 1 {
				t.Errorf("expected 1 delivery after recovery, got %d", n)
			}
		})
	}
}

func TestSchedulerStartStop(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewMemoryScheduler(pub, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	s.ScheduleAfter(ctx, "e", nil, nil, 0)

	deadline := time.After(2 * time.Second)
	for len(pub.messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := s.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("expected nil from Start after Stop, got %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop on stopped scheduler should be a no-op, got %v", err)
	}
}

func TestSQLPlaceholders(t *testing.T) {
	pg := NewSQLScheduler(nil, DialectPostgres, nil)
	got := pg.q("UPDATE {table} SET status = ? WHERE id = ? AND status = ?")
	want := "UPDATE scheduled_messages SET status = $1 WHERE id = $2 AND status = $3"
	if got != want {
		t.Errorf("postgres: got %q, want %q", got, want)
	}

	my := NewSQLScheduler(nil, DialectMySQL, nil).WithTable("jobs")
	if got := my.q("DELETE FROM {table} WHERE id = ?"); got != "DELETE FROM jobs WHERE id = ?" {
		t.Errorf("mysql: got %q", got)
	}
}

func TestMongoMessageStatus(t *testing.T) {
	held := toMongoMessage(&Message{ID: "1", Held: true})
	if held.Status != MongoStatusHeld {
		t.Errorf("expected held status, got %s", held.Status)
	}
	if !held.ToMessage().Held {
		t.Error("expected Held to round-trip")
	}

	pending := toMongoMessage(&Message{ID: "2"})
	if pending.Status != MongoStatusPending || pending.ToMessage().Held {
		t.Errorf("expected pending, got %s", pending.Status)
	}
}

// flakyClient fails the next HGet with hgetErr and runs afterHGet after
// every successful HGet.
type flakyClient struct {
	redis.Cmdable

	mu        sync.Mutex
	hgetErr   error
	afterHGet func()
}

func (c *flakyClient) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	c.mu.Lock()
	err := c.hgetErr
	c.hgetErr = nil
	hook := c.afterHGet
	c.mu.Unlock()

	if err != nil {
		cmd := redis.NewStringCmd(ctx, "hget", key, field)
		cmd.SetErr(err)
		return cmd
	}
	cmd := c.Cmdable.HGet(ctx, key, field)
	if hook != nil {
		hook()
	}
	return cmd
}

func newFlakyRedisScheduler(t *testing.T) (*RedisScheduler, *flakyClient, *recordingPublisher) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	flaky := &flakyClient{Cmdable: client}
	pub := &recordingPublisher{}
	s := NewRedisScheduler(flaky, pub, WithKeyPrefix("test:sched:"))
	s.now = func() time.Time { return base }
	return s, flaky, pub
}

func TestRedisSchedulerLoadErrorKeepsMessage(t *testing.T) {
	ctx := context.Background()
	s, flaky, pub := newFlakyRedisScheduler(t)

	id, err := s.ScheduleAt(ctx, "orders.reminder", []byte("ping"), nil, base.Add(-time.Second))
	if err != nil {
		t.Fatalf("ScheduleAt failed: %v", err)
	}

	flaky.mu.Lock()
	flaky.hgetErr = errors.New("i/o timeout")
	flaky.mu.Unlock()

	s.processDue(ctx)
	if n := len(pub.messages()); n != 0 {
		t.Fatalf("expected no delivery while the load fails, got %d", n)
	}
	if _, err := s.Get(ctx, id); err != nil {
		t.Fatalf("message must survive a failed load, got %v", err)
	}

	s.processDue(ctx)
	if n := len(pub.messages()); n != 1 {
		t.Fatalf("expected the message on the next poll, got %d deliveries", n)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected delivered message to be removed, got %v", err)
	}
}

func TestRedisSchedulerDropsCorruptMessage(t *testing.T) {
	ctx := context.Background()
	s, flaky, pub := newFlakyRedisScheduler(t)

	flaky.HSet(ctx, s.messagesKey(), "bad", "{not json")
	flaky.ZAdd(ctx, s.dueKey(), redis.Z{Score: score(base.Add(-time.Second)), Member: "bad"})

	s.processDue(ctx)
	if n := len(pub.messages()); n != 0 {
		t.Fatalf("corrupt message must not be delivered, got %d", n)
	}
	if n, _ := flaky.HLen(ctx, s.messagesKey()).Result(); n != 0 {
		t.Errorf("corrupt message should be removed, %d left", n)
	}
	if n, _ := flaky.ZCard(ctx, s.dueKey()).Result(); n != 0 {
		t.Errorf("corrupt message should leave the due set, %d left", n)
	}
}

func TestRedisSchedulerConfirmAfterCancel(t *testing.T) {
	ctx := context.Background()
	s, flaky, pub := newFlakyRedisScheduler(t)

	msg := newMessage("orders.reminder", nil, nil, base.Add(-time.Second))
	msg.Held = true
	if err := s.Schedule(ctx, msg); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	// cancel lands between Confirm's read and its write
	flaky.mu.Lock()
	flaky.afterHGet = func() {
		flaky.mu.Lock()
		flaky.afterHGet = nil
		flaky.mu.Unlock()
		if err := s.Cancel(ctx, msg.ID); err != nil {
			t.Errorf("Cancel failed: %v", err)
		}
	}
	flaky.mu.Unlock()

	if err := s.Confirm(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound confirming a cancelled message, got %v", err)
	}
	if _, err := s.Get(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Confirm must not restore a cancelled message, got %v", err)
	}

	s.processDue(ctx)
	if n := len(pub.messages()); n != 0 {
		t.Errorf("cancelled message must not be delivered, got %d", n)
	}
}
