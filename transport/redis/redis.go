// Package redis provides a transport on Redis Streams.
//
// Every event is a stream. Publishing appends an entry with XADD; every
// subscription reads through a consumer group so entries survive until they
// are acknowledged:
//
//   - Broadcast subscribers get a private group, destroyed on Close
//   - WorkerPool subscribers share the base group, or a named worker group
//
// A negative Ack leaves the entry pending. It is redelivered when the
// subscriber restarts, or claimed by another consumer when WithClaimInterval
// is set.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/outbox/transport"
	"github.com/rbaliyan/outbox/transport/codec"
	"github.com/rbaliyan/outbox/transport/message"
	"github.com/redis/go-redis/v9"
)

// Client is the subset of go-redis used by the transport. It is satisfied by
// *redis.Client, *redis.ClusterClient and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XGroupDestroy(ctx context.Context, stream, group string) *redis.IntCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// Defaults
var (
	DefaultGroup     = "outbox"
	DefaultBlockTime = 5 * time.Second
)

const (
	dataField      = "data"
	defaultPrefix  = "outbox"
	readBatch      = 10
	pendingBatch   = 100
	minReadBackoff = 100 * time.Millisecond
	maxReadBackoff = 30 * time.Second
	maxSendBackoff = 5 * time.Second
)

// Transport implements transport.Transport using Redis Streams
type Transport struct {
	status  int32
	client  Client
	groupID string
	codec   codec.Codec
	events  sync.Map // map[string]struct{}
	logger  *slog.Logger
	onError func(error)

	streamPrefix  string
	maxLen        int64
	maxAge        time.Duration
	blockTime     time.Duration
	sendTimeout   time.Duration
	claimInterval time.Duration
	claimMinIdle  time.Duration
}

// New creates a transport on an existing client. The client is not closed
// by Close.
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		status:       1,
		client:       client,
		groupID:      DefaultGroup,
		codec:        codec.Default(),
		streamPrefix: defaultPrefix,
		blockTime:    DefaultBlockTime,
		logger:       transport.Logger("transport>redis"),
		onError:      func(error) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) streamName(eventName string) string {
	return t.streamPrefix + ":" + eventName
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// RegisterEvent creates the event stream and the base consumer group.
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, loaded := t.events.LoadOrStore(name, struct{}{}); loaded {
		return transport.ErrEventAlreadyExists
	}

	stream := t.streamName(name)
	if err := t.client.XGroupCreateMkStream(ctx, stream, t.groupID, "$").Err(); err != nil && !isBusyGroup(err) {
		t.events.Delete(name)
		return fmt.Errorf("create group: %w", err)
	}

	t.logger.Debug("registered event", "event", name, "stream", stream)
	return nil
}

// UnregisterEvent forgets the event. The stream itself is kept.
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

// Publish appends the encoded message to the event stream.
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

	args := &redis.XAddArgs{
		Stream: t.streamName(name),
		Values: map[string]any{dataField: data},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if t.maxAge > 0 {
		args.MinID = fmt.Sprintf("%d-0", time.Now().Add(-t.maxAge).UnixMilli())
		args.Approx = true
	}

	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.onError(err)
		return fmt.Errorf("xadd: %w", err)
	}

	t.logger.Debug("published message", "event", name, "msg_id", msg.ID())
	return nil
}

// Subscribe starts reading the event stream through a consumer group chosen
// by the delivery mode.
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if _, ok := t.events.Load(name); !ok {
		return nil, transport.ErrEventNotRegistered
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	stream := t.streamName(name)
	subID := transport.NewID()

	startID := "0"
	if subOpts.StartFrom == transport.StartFromLatest {
		startID = "$"
	}

	group := t.groupID
	switch {
	case subOpts.DeliveryMode == transport.Broadcast:
		group = t.groupID + "-" + subID
	case subOpts.WorkerGroup != "":
		group = t.groupID + "-" + name + "-" + subOpts.WorkerGroup
	}
	if group != t.groupID {
		if err := t.client.XGroupCreateMkStream(ctx, stream, group, startID).Err(); err != nil && !isBusyGroup(err) {
			return nil, fmt.Errorf("create group: %w", err)
		}
	}

	bufSize := 100
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		id:           subID,
		ch:           make(chan transport.Message, bufSize),
		closedCh:     make(chan struct{}),
		client:       t.client,
		stream:       stream,
		group:        group,
		codec:        t.codec,
		cancel:       cancel,
		logger:       t.logger.With("stream", stream, "group", group),
		sendTimeout:  t.sendTimeout,
		claimMinIdle: t.claimMinIdle,
		isBroadcast:  subOpts.DeliveryMode == transport.Broadcast,
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx, t.blockTime)
	}()

	if t.claimInterval > 0 {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			sub.claimLoop(subCtx, t.claimInterval)
		}()
	}

	t.logger.Debug("added subscriber", "event", name, "subscriber", subID, "group", group, "mode", subOpts.DeliveryMode)
	return sub, nil
}

// Close stops accepting publishes and subscriptions.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.logger.Debug("transport closed")
	return nil
}

// Health pings Redis and reports per-event stream lengths.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "redis"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	if err := t.client.Ping(ctx).Err(); err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("ping failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}

	lengths := make(map[string]int64)
	t.events.Range(func(key, _ any) bool {
		name := key.(string)
		if n, err := t.client.XLen(ctx, t.streamName(name)).Result(); err == nil {
			lengths[name] = n
		}
		return true
	})

	result.Status = transport.HealthStatusHealthy
	result.Message = "redis transport is healthy"
	result.Latency = time.Since(start)
	result.Details["streams"] = lengths
	return result
}

// subscription reads one consumer group of one stream.
type subscription struct {
	id       string
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	client       Client
	stream       string
	group        string
	codec        codec.Codec
	logger       *slog.Logger
	sendTimeout  time.Duration
	claimMinIdle time.Duration
	isBroadcast  bool
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan transport.Message {
	return s.ch
}

// Close stops reading and, for broadcast subscribers, destroys the private group.
func (s *subscription) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	close(s.closedCh)
	s.cancel()
	s.wg.Wait()
	close(s.ch)

	if s.isBroadcast {
		return s.client.XGroupDestroy(ctx, s.stream, s.group).Err()
	}
	return nil
}

func (s *subscription) consumeLoop(ctx context.Context, blockTime time.Duration) {
	// entries left pending by an earlier run of this consumer
	if !s.drainPending(ctx) {
		return
	}

	backoff := minReadBackoff
	for {
		select {
		case <-s.closedCh:
			return
		default:
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.id,
			Streams:  []string{s.stream, ">"},
			Count:    readBatch,
			Block:    blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				backoff = minReadBackoff
				continue
			}
			if ctx.Err() != nil {
				return
			}
			wait := transport.Jitter(backoff, 0.3)
			s.logger.Error("read error, retrying with backoff", "error", err, "backoff", wait)
			if !s.sleep(wait) {
				return
			}
			backoff = transport.Backoff(backoff, maxReadBackoff)
			continue
		}
		backoff = minReadBackoff

		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				if !s.deliver(xmsg, 0) {
					return
				}
			}
		}
	}
}

// drainPending redelivers entries already owned by this consumer.
// It returns false when the subscription closed.
func (s *subscription) drainPending(ctx context.Context) bool {
	counts := s.deliveryCounts(ctx)
	lastID := "0"
	for {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.id,
			Streams:  []string{s.stream, lastID},
			Count:    readBatch,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				s.logger.Error("read pending error", "error", err)
			}
			return ctx.Err() == nil
		}

		delivered := 0
		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				if !s.deliver(xmsg, retries(counts[xmsg.ID])) {
					return false
				}
				lastID = xmsg.ID
				delivered++
			}
		}
		if delivered == 0 {
			return true
		}
	}
}

func (s *subscription) claimLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closedCh:
			return
		case <-ticker.C:
			if !s.claimOnce(ctx) {
				return
			}
		}
	}
}

// claimOnce takes over entries idle in other consumers for claimMinIdle.
func (s *subscription) claimOnce(ctx context.Context) bool {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  "-",
		End:    "+",
		Count:  pendingBatch,
		Idle:   s.claimMinIdle,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			s.logger.Error("pending lookup failed", "error", err)
		}
		return ctx.Err() == nil
	}

	counts := make(map[string]int64)
	var ids []string
	for _, p := range pending {
		if p.Consumer != s.id {
			ids = append(ids, p.ID)
			counts[p.ID] = p.RetryCount
		}
	}
	if len(ids) == 0 {
		return true
	}

	claimed, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.id,
		MinIdle:  s.claimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		s.logger.Error("claim failed", "error", err)
		return ctx.Err() == nil
	}

	s.logger.Info("claimed orphaned messages", "count", len(claimed))
	for _, xmsg := range claimed {
		if !s.deliver(xmsg, retries(counts[xmsg.ID])) {
			return false
		}
	}
	return true
}

func (s *subscription) deliveryCounts(ctx context.Context) map[string]int64 {
	counts := make(map[string]int64)
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   s.stream,
		Group:    s.group,
		Start:    "-",
		End:      "+",
		Count:    pendingBatch,
		Consumer: s.id,
	}).Result()
	if err != nil {
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

// retries converts a delivery count into a redelivery count.
func retries(deliveries int64) int {
	if deliveries <= 1 {
		return 0
	}
	return int(deliveries - 1)
}

// deliver decodes an entry and hands it to the subscriber. Entries that
// cannot be decoded are acknowledged and dropped. It returns false when the
// subscription closed.
func (s *subscription) deliver(xmsg redis.XMessage, retryCount int) bool {
	entryID := xmsg.ID
	ack := func(err error) error {
		if err != nil {
			return nil
		}
		return s.client.XAck(context.Background(), s.stream, s.group, entryID).Err()
	}

	data, ok := xmsg.Values[dataField].(string)
	if !ok {
		s.logger.Error("invalid entry format, dropping", "entry", entryID)
		ack(nil)
		return true
	}
	decoded, err := s.codec.Decode([]byte(data))
	if err != nil {
		s.logger.Error("failed to decode entry, dropping", "entry", entryID, "error", err)
		ack(nil)
		return true
	}

	msg := message.New(decoded.ID(), decoded.Source(), decoded.Payload(), decoded.Metadata(),
		message.WithTimestamp(decoded.Timestamp()),
		message.WithRetryCount(retryCount),
		message.WithAck(ack),
	)
	return s.send(msg, entryID)
}

func (s *subscription) send(msg transport.Message, entryID string) bool {
	backoff := minReadBackoff
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
		s.logger.Warn("subscriber is slow, retrying send", "entry", entryID, "backoff", wait)
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
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ transport.Subscription  = (*subscription)(nil)
)
