// Package kafka provides a transport on Apache Kafka using IBM/sarama.
//
// Every event is a topic. Publishing uses a synchronous producer keyed by
// message ID. Subscriptions are consumer groups:
//
//   - Broadcast subscribers get a private group
//   - WorkerPool subscribers share "<group>-<event>", or "<group>-<event>-<worker group>"
//
// Offsets are marked on positive Ack only, so auto-commit must stay
// disabled for at-least-once delivery.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/outbox/transport"
	"github.com/rbaliyan/outbox/transport/codec"
	"github.com/rbaliyan/outbox/transport/message"
	"go.uber.org/multierr"
)

var (
	ErrClientRequired    = errors.New("kafka client is required")
	ErrProducerFailed    = errors.New("failed to create kafka producer")
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery")
)

// Defaults
var (
	DefaultGroup       = "outbox"
	DefaultPartitions  = int32(1)
	DefaultReplication = int16(1)
)

const (
	defaultTopicPrefix = "outbox."
	minBackoff         = 100 * time.Millisecond
	maxConsumeBackoff  = 30 * time.Second
	maxSendBackoff     = 5 * time.Second
)

// topicAdmin is the part of sarama.ClusterAdmin used by the transport.
type topicAdmin interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// Transport implements transport.Transport using Kafka
type Transport struct {
	status      int32
	producer    sarama.SyncProducer
	admin       topicAdmin
	newGroup    func(groupID string) (sarama.ConsumerGroup, error)
	groupID     string
	topicPrefix string
	codec       codec.Codec
	events      sync.Map // map[string]struct{}
	logger      *slog.Logger
	onError     func(error)

	partitions      int32
	replication     int16
	retention       time.Duration
	sendTimeout     time.Duration
	deadLetterTopic string
}

// New creates a transport on an existing client. The client must have
// Producer.Return.Successes enabled and offset auto-commit disabled.
//
// Example:
//
//	cfg := sarama.NewConfig()
//	cfg.Producer.Return.Successes = true
//	cfg.Consumer.Offsets.AutoCommit.Enable = false
//	client, _ := sarama.NewClient([]string{"localhost:9092"}, cfg)
//	kt, _ := kafka.New(client, kafka.WithConsumerGroup("billing"))
func New(client sarama.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if client.Config().Consumer.Offsets.AutoCommit.Enable {
		return nil, ErrAutoCommitEnabled
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("kafka admin: %w", err)
	}

	newGroup := func(groupID string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroupFromClient(groupID, client)
	}
	return newTransport(producer, admin, newGroup, opts...), nil
}

func newTransport(producer sarama.SyncProducer, admin topicAdmin, newGroup func(string) (sarama.ConsumerGroup, error), opts ...Option) *Transport {
	t := &Transport{
		status:      1,
		producer:    producer,
		admin:       admin,
		newGroup:    newGroup,
		groupID:     DefaultGroup,
		topicPrefix: defaultTopicPrefix,
		codec:       codec.Default(),
		partitions:  DefaultPartitions,
		replication: DefaultReplication,
		logger:      transport.Logger("transport>kafka"),
		onError:     func(error) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) topicName(eventName string) string {
	return t.topicPrefix + eventName
}

// RegisterEvent creates the event topic. An existing topic is accepted.
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, loaded := t.events.LoadOrStore(name, struct{}{}); loaded {
		return transport.ErrEventAlreadyExists
	}

	detail := &sarama.TopicDetail{
		NumPartitions:     t.partitions,
		ReplicationFactor: t.replication,
	}
	if t.retention > 0 {
		retentionMs := strconv.FormatInt(t.retention.Milliseconds(), 10)
		detail.ConfigEntries = map[string]*string{"retention.ms": &retentionMs}
	}

	err := t.admin.CreateTopic(t.topicName(name), detail, false)
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
		err = nil
	}
	if err != nil {
		t.events.Delete(name)
		return fmt.Errorf("create topic: %w", err)
	}

	t.logger.Debug("registered event", "event", name, "topic", t.topicName(name))
	return nil
}

// UnregisterEvent forgets the event. The topic is kept.
func (t *Transport) UnregisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, ok := t.events.LoadAndDelete(name); !ok {
		return transport.ErrEventNotRegistered
	}
	t.logger.Debug("unregistered event", "event", name)
	return nil
}

// Publish sends the encoded message synchronously.
func (t *Transport) Publish(ctx context.Context, name string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, ok := t.events.Load(name); !ok {
		return transport.ErrEventNotRegistered
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	_, _, err = t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: t.topicName(name),
		Key:   sarama.StringEncoder(msg.ID()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte(t.codec.ContentType())},
		},
	})
	if err != nil {
		t.onError(err)
		return fmt.Errorf("kafka send: %w", err)
	}

	t.logger.Debug("published message", "event", name, "msg_id", msg.ID())
	return nil
}

func (t *Transport) groupFor(name string, opts *transport.SubscribeOptions) string {
	base := t.groupID + "-" + name
	if opts.DeliveryMode == transport.Broadcast {
		return base + "-" + transport.NewID()
	}
	if opts.WorkerGroup != "" {
		return base + "-" + opts.WorkerGroup
	}
	return base
}

// Subscribe joins a consumer group for the event topic.
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if _, ok := t.events.Load(name); !ok {
		return nil, transport.ErrEventNotRegistered
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	groupID := t.groupFor(name, subOpts)
	group, err := t.newGroup(groupID)
	if err != nil {
		return nil, fmt.Errorf("consumer group: %w", err)
	}

	bufSize := 100
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		id:              transport.NewID(),
		ch:              make(chan transport.Message, bufSize),
		closedCh:        make(chan struct{}),
		cancel:          cancel,
		group:           group,
		topic:           t.topicName(name),
		codec:           t.codec,
		logger:          t.logger.With("event", name, "group", groupID),
		sendTimeout:     t.sendTimeout,
		producer:        t.producer,
		deadLetterTopic: t.deadLetterTopic,
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx)
	}()

	t.logger.Debug("added subscriber", "event", name, "subscriber", sub.id, "group", groupID, "mode", subOpts.DeliveryMode)
	return sub, nil
}

// Close closes the producer and the admin client.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	err := multierr.Append(t.producer.Close(), t.admin.Close())
	t.logger.Debug("transport closed")
	return err
}

// Health reports whether the transport is open.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "kafka"},
	}
	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
	} else {
		result.Status = transport.HealthStatusHealthy
		result.Message = "kafka transport is healthy"
	}
	result.Latency = time.Since(start)
	return result
}

type subscription struct {
	id       string
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	group           sarama.ConsumerGroup
	topic           string
	codec           codec.Codec
	logger          *slog.Logger
	sendTimeout     time.Duration
	producer        sarama.SyncProducer
	deadLetterTopic string
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan transport.Message {
	return s.ch
}

func (s *subscription) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	close(s.closedCh)
	s.cancel()
	err := s.group.Close()
	s.wg.Wait()
	close(s.ch)
	return err
}

func (s *subscription) consumeLoop(ctx context.Context) {
	backoff := minBackoff
	for {
		err := s.group.Consume(ctx, []string{s.topic}, s)
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err == nil {
			// rebalance
			backoff = minBackoff
			continue
		}

		wait := transport.Jitter(backoff, 0.3)
		s.logger.Error("consume error, retrying with backoff", "error", err, "backoff", wait)
		if !s.sleep(wait) {
			return
		}
		backoff = transport.Backoff(backoff, maxConsumeBackoff)
	}
}

func (s *subscription) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (s *subscription) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim hands every record of a partition claim to the subscriber.
func (s *subscription) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-s.closedCh:
			return nil
		case <-session.Context().Done():
			return nil
		case rec, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !s.deliver(session, rec) {
				return nil
			}
		}
	}
}

func (s *subscription) deliver(session sarama.ConsumerGroupSession, rec *sarama.ConsumerMessage) bool {
	decoded, err := s.codec.Decode(rec.Value)
	if err != nil {
		s.logger.Error("failed to decode record",
			"error", err, "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
		s.deadLetter(rec, err)
		session.MarkMessage(rec, "")
		return true
	}

	ack := func(ackErr error) error {
		if ackErr == nil {
			session.MarkMessage(rec, "")
			return nil
		}
		if s.deadLetterTopic != "" {
			s.deadLetter(rec, ackErr)
			session.MarkMessage(rec, "")
		}
		return nil
	}

	msg := message.New(decoded.ID(), decoded.Source(), decoded.Payload(), decoded.Metadata(),
		message.WithTimestamp(decoded.Timestamp()),
		message.WithRetryCount(decoded.RetryCount()),
		message.WithAck(ack),
	)
	return s.send(msg)
}

// deadLetter copies rec to the dead letter topic. It is best effort.
func (s *subscription) deadLetter(rec *sarama.ConsumerMessage, cause error) {
	if s.deadLetterTopic == "" {
		return
	}
	_, _, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.deadLetterTopic,
		Key:   sarama.ByteEncoder(rec.Key),
		Value: sarama.ByteEncoder(rec.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("x-original-topic"), Value: []byte(rec.Topic)},
			{Key: []byte("x-error"), Value: []byte(cause.Error())},
			{Key: []byte("x-failed-at"), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	})
	if err != nil {
		s.logger.Warn("dead letter publish failed", "error", err, "offset", rec.Offset)
	}
}

func (s *subscription) send(msg transport.Message) bool {
	backoff := minBackoff
	for {
		if s.sendTimeout <= 0 {
			select {
			case <-s.closedCh:
				return false
			case s.ch <- msg:
				return true
			}
		}

		timer := time.NewTimer(s.sendTimeout)
		select {
		case <-s.closedCh:
			timer.Stop()
			return false
		case s.ch <- msg:
			timer.Stop()
			return true
		case <-timer.C:
		}

		wait := transport.Jitter(backoff, 0.3)
		s.logger.Warn("subscriber is slow, retrying send", "msg_id", msg.ID(), "backoff", wait)
		if !s.sleep(wait) {
			return false
		}
		backoff = transport.Backoff(backoff, maxSendBackoff)
	}
}

func (s *subscription) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.closedCh:
		return false
	case <-timer.C:
		return true
	}
}

var (
	_ transport.Transport         = (*Transport)(nil)
	_ transport.HealthChecker     = (*Transport)(nil)
	_ transport.Subscription      = (*subscription)(nil)
	_ sarama.ConsumerGroupHandler = (*subscription)(nil)
)
