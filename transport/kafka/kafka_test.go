package kafka

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rbaliyan/outbox/transport"
	"github.com/rbaliyan/outbox/transport/codec"
	"github.com/rbaliyan/outbox/transport/message"
)

type fakeAdmin struct {
	mu      sync.Mutex
	created map[string]*sarama.TopicDetail
	err     error
}

func (a *fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.created == nil {
		a.created = make(map[string]*sarama.TopicDetail)
	}
	a.created[topic] = detail
	return nil
}

func (a *fakeAdmin) Close() error { return nil }

// fakeSession records marked offsets.
type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32                        { return nil }
func (s *fakeSession) MemberID() string                                  { return "member" }
func (s *fakeSession) GenerationID() int32                               { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)           {}
func (s *fakeSession) Commit()                                           {}
func (s *fakeSession) ResetOffset(string, int32, int64, string)          {}
func (s *fakeSession) Context() context.Context                          { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) { s.mark(msg.Offset) }

func (s *fakeSession) mark(offset int64) {
	s.mu.Lock()
	s.marked = append(s.marked, offset)
	s.mu.Unlock()
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	topic string
	ch    chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return c.topic }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

// fakeGroup runs one session over a single claim fed by the test.
type fakeGroup struct {
	session *fakeSession
	claim   *fakeClaim
	closed  chan struct{}
	once    sync.Once
}

func newFakeGroup(topic string) *fakeGroup {
	return &fakeGroup{
		claim:  &fakeClaim{topic: topic, ch: make(chan *sarama.ConsumerMessage, 10)},
		closed: make(chan struct{}),
	}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	select {
	case <-g.closed:
		return sarama.ErrClosedConsumerGroup
	default:
	}
	handler.Setup(g.session)
	err := handler.ConsumeClaim(g.session, g.claim)
	handler.Cleanup(g.session)
	<-ctx.Done()
	return err
}

func (g *fakeGroup) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

func (g *fakeGroup) Errors() <-chan error      { return nil }
func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

func newTestTransport(t *testing.T, producer sarama.SyncProducer, group *fakeGroup, opts ...Option) (*Transport, *fakeAdmin) {
	t.Helper()
	admin := &fakeAdmin{}
	tr := newTransport(producer, admin, func(id string) (sarama.ConsumerGroup, error) {
		if group == nil {
			return nil, errors.New("no group")
		}
		return group, nil
	}, opts...)
	return tr, admin
}

func encoded(t *testing.T, payload string) (transport.Message, []byte) {
	t.Helper()
	msg := message.New(transport.NewID(), "test", []byte(payload), nil)
	data, err := codec.Default().Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return msg, data
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrClientRequired) {
		t.Errorf("expected ErrClientRequired, got %v", err)
	}
}

func TestRegisterEvent(t *testing.T) {
	ctx := context.Background()
	producer := mocks.NewSyncProducer(t, nil)
	tr, admin := newTestTransport(t, producer, nil, WithPartitions(3), WithRetention(time.Hour))
	defer tr.Close(ctx)

	if err := tr.RegisterEvent(ctx, "orders"); err != nil {
		t.Fatalf("RegisterEvent failed: %v", err)
	}
	detail := admin.created["outbox.orders"]
	if detail == nil || detail.NumPartitions != 3 {
		t.Fatalf("unexpected topic detail: %+v", detail)
	}
	if got := *detail.ConfigEntries["retention.ms"]; got != "3600000" {
		t.Errorf("unexpected retention %s", got)
	}
	if err := tr.RegisterEvent(ctx, "orders"); !errors.Is(err, transport.ErrEventAlreadyExists) {
		t.Errorf("expected ErrEventAlreadyExists, got %v", err)
	}

	admin.err = &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}
	if err := tr.RegisterEvent(ctx, "payments"); err != nil {
		t.Errorf("an existing topic must be accepted: %v", err)
	}

	admin.err = errors.New("broker down")
	if err := tr.RegisterEvent(ctx, "refunds"); err == nil {
		t.Fatal("expected error")
	}
	if err := tr.Publish(ctx, "refunds", message.New("1", "test", nil, nil)); !errors.Is(err, transport.ErrEventNotRegistered) {
		t.Errorf("a failed registration must not register the event, got %v", err)
	}
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	producer := mocks.NewSyncProducer(t, nil)
	var handled error
	tr, _ := newTestTransport(t, producer, nil, WithErrorHandler(func(err error) { handled = err }))
	tr.RegisterEvent(ctx, "orders")

	sent, _ := encoded(t, "hello")
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "outbox.orders" {
			return errors.New("unexpected topic " + pm.Topic)
		}
		key, _ := pm.Key.Encode()
		if string(key) != sent.ID() {
			return errors.New("message must be keyed by id")
		}
		return nil
	})
	if err := tr.Publish(ctx, "orders", sent); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	if err := tr.Publish(ctx, "orders", sent); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("expected ErrOutOfBrokers, got %v", err)
	}
	if handled == nil {
		t.Error("error handler was not called")
	}

	if err := tr.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := tr.Publish(ctx, "orders", sent); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestGroupFor(t *testing.T) {
	tr, _ := newTestTransport(t, mocks.NewSyncProducer(t, nil), nil, WithConsumerGroup("billing"))

	pool := transport.ApplySubscribeOptions(transport.WithDeliveryMode(transport.WorkerPool))
	if got := tr.groupFor("orders", pool); got != "billing-orders" {
		t.Errorf("unexpected worker pool group %s", got)
	}
	named := transport.ApplySubscribeOptions(transport.WithWorkerGroup("eu"))
	if got := tr.groupFor("orders", named); got != "billing-orders-eu" {
		t.Errorf("unexpected named group %s", got)
	}
	a := tr.groupFor("orders", transport.ApplySubscribeOptions())
	b := tr.groupFor("orders", transport.ApplySubscribeOptions())
	if a == b {
		t.Error("broadcast subscribers need distinct groups")
	}
}

func TestSubscribeAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := newFakeGroup("outbox.orders")
	group.session = &fakeSession{ctx: ctx}
	producer := mocks.NewSyncProducer(t, nil)
	tr, _ := newTestTransport(t, producer, group)
	tr.RegisterEvent(ctx, "orders")

	sub, err := tr.Subscribe(ctx, "orders")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sent, data := encoded(t, "hello")
	group.claim.ch <- &sarama.ConsumerMessage{Topic: "outbox.orders", Offset: 7, Value: data}
	group.claim.ch <- &sarama.ConsumerMessage{Topic: "outbox.orders", Offset: 8, Value: []byte("garbage")}
	_, data2 := encoded(t, "again")
	group.claim.ch <- &sarama.ConsumerMessage{Topic: "outbox.orders", Offset: 9, Value: data2}

	var got transport.Message
	select {
	case got = <-sub.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	if got.ID() != sent.ID() || string(got.Payload()) != "hello" {
		t.Errorf("unexpected message %s %q", got.ID(), got.Payload())
	}
	got.Ack(nil)

	select {
	case second := <-sub.Messages():
		// without a dead letter topic a nack leaves the offset unmarked
		second.Ack(errors.New("failed"))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second message")
	}

	marked := group.session.markedOffsets()
	slices.Sort(marked)
	if !slices.Equal(marked, []int64{7, 8}) {
		t.Errorf("expected offsets [7 8] marked, got %v", marked)
	}

	if err := sub.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected closed channel")
	}
}

func TestDeadLetter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := newFakeGroup("outbox.orders")
	group.session = &fakeSession{ctx: ctx}
	producer := mocks.NewSyncProducer(t, nil)
	tr, _ := newTestTransport(t, producer, group, WithDeadLetterTopic("outbox.dead"))
	defer tr.Close(ctx)
	tr.RegisterEvent(ctx, "orders")

	sub, _ := tr.Subscribe(ctx, "orders", transport.WithDeliveryMode(transport.WorkerPool))
	defer sub.Close(ctx)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "outbox.dead" {
			return errors.New("unexpected topic " + pm.Topic)
		}
		for _, h := range pm.Headers {
			if string(h.Key) == "x-error" && string(h.Value) == "failed" {
				return nil
			}
		}
		return errors.New("missing x-error header")
	})

	_, data := encoded(t, "hello")
	group.claim.ch <- &sarama.ConsumerMessage{Topic: "outbox.orders", Offset: 3, Value: data}

	select {
	case got := <-sub.Messages():
		got.Ack(errors.New("failed"))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	if marked := group.session.markedOffsets(); len(marked) != 1 || marked[0] != 3 {
		t.Errorf("a dead lettered record must be marked, got %v", marked)
	}
}

func TestSubscribeGroupError(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t, mocks.NewSyncProducer(t, nil), nil)
	tr.RegisterEvent(ctx, "orders")
	if _, err := tr.Subscribe(ctx, "orders"); err == nil {
		t.Error("expected consumer group error")
	}
}
