package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/outbox/transport"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: scheduled_messages

{
    "_id": string (message ID),
    "event_name": string,
    "payload": Binary,
    "metadata": object,
    "scheduled_at": ISODate,
    "created_at": ISODate,
    "status": string (held/pending/processing),
    "claimed_at": ISODate (set while processing)
}
*/

// MongoStatus is the lifecycle state of a scheduled document.
type MongoStatus string

const (
	// MongoStatusHeld waits for Confirm before it can become due.
	MongoStatusHeld MongoStatus = "held"
	// MongoStatusPending waits for its scheduled time.
	MongoStatusPending MongoStatus = "pending"
	// MongoStatusProcessing is claimed by a scheduler instance.
	MongoStatusProcessing MongoStatus = "processing"
)

// MongoMessage is the stored document.
type MongoMessage struct {
	ID          string            `bson:"_id"`
	EventName   string            `bson:"event_name"`
	Payload     []byte            `bson:"payload"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
	ScheduledAt time.Time         `bson:"scheduled_at"`
	CreatedAt   time.Time         `bson:"created_at"`
	Status      MongoStatus       `bson:"status"`
	ClaimedAt   *time.Time        `bson:"claimed_at,omitempty"`
}

// ToMessage converts the document to a Message.
func (m *MongoMessage) ToMessage() *Message {
	return &Message{
		ID:          m.ID,
		EventName:   m.EventName,
		Payload:     m.Payload,
		Metadata:    m.Metadata,
		ScheduledAt: m.ScheduledAt,
		CreatedAt:   m.CreatedAt,
		Held:        m.Status == MongoStatusHeld,
	}
}

func toMongoMessage(m *Message) *MongoMessage {
	status := MongoStatusPending
	if m.Held {
		status = MongoStatusHeld
	}
	return &MongoMessage{
		ID:          m.ID,
		EventName:   m.EventName,
		Payload:     m.Payload,
		Metadata:    m.Metadata,
		ScheduledAt: m.ScheduledAt,
		CreatedAt:   m.CreatedAt,
		Status:      status,
	}
}

// MongoScheduler stores scheduled messages in a MongoDB collection.
//
// Due messages are claimed one at a time with FindOneAndUpdate
// (pending -> processing), so several instances can share a collection.
// A claim that outlives StuckAfter is moved back to pending.
type MongoScheduler struct {
	collection *mongo.Collection
	pub        transport.Publisher
	opts       *Options
	now        func() time.Time

	poller
}

// NewMongoScheduler creates a scheduler using db.scheduled_messages.
func NewMongoScheduler(db *mongo.Database, pub transport.Publisher, opts ...Option) *MongoScheduler {
	return &MongoScheduler{
		collection: db.Collection("scheduled_messages"),
		pub:        pub,
		opts:       newOptions("scheduler>mongodb", opts...),
		now:        time.Now,
	}
}

// WithCollection sets a custom collection name.
func (s *MongoScheduler) WithCollection(name string) *MongoScheduler {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Collection returns the underlying MongoDB collection.
func (s *MongoScheduler) Collection() *mongo.Collection {
	return s.collection
}

// Indexes returns the indexes the polling queries rely on.
//
// Example:
//
//	_, err := collection.Indexes().CreateMany(ctx, s.Indexes())
func (s *MongoScheduler) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduled_at", Value: 1}}},
		{Keys: bson.D{{Key: "event_name", Value: 1}}},
	}
}

// EnsureIndexes creates the indexes returned by Indexes.
func (s *MongoScheduler) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Schedule adds a message for future delivery.
func (s *MongoScheduler) Schedule(ctx context.Context, msg Message) error {
	prepare(&msg)

	if _, err := s.collection.InsertOne(ctx, toMongoMessage(&msg)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("message already exists: %s", msg.ID)
		}
		return fmt.Errorf("insert: %w", err)
	}

	s.opts.Logger.Debug("scheduled message",
		"id", msg.ID, "event", msg.EventName, "scheduled_at", msg.ScheduledAt, "held", msg.Held)
	return nil
}

// ScheduleAt schedules a message for a specific time.
func (s *MongoScheduler) ScheduleAt(ctx context.Context, eventName string, payload []byte, metadata map[string]string, at time.Time) (string, error) {
	msg := newMessage(eventName, payload, metadata, at)
	if err := s.Schedule(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// ScheduleAfter schedules a message after a delay.
func (s *MongoScheduler) ScheduleAfter(ctx context.Context, eventName string, payload []byte, metadata map[string]string, delay time.Duration) (string, error) {
	return s.ScheduleAt(ctx, eventName, payload, metadata, s.now().Add(delay))
}

// Confirm releases a held message for delivery.
func (s *MongoScheduler) Confirm(ctx context.Context, id string) error {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": MongoStatusHeld},
		bson.M{"$set": bson.M{"status": MongoStatusPending}},
	)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	_, err = s.Get(ctx, id)
	return err
}

// Cancel removes a scheduled message.
func (s *MongoScheduler) Cancel(ctx context.Context, id string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}

	s.opts.Logger.Debug("cancelled scheduled message", "id", id)
	return nil
}

// Get retrieves a scheduled message by ID.
func (s *MongoScheduler) Get(ctx context.Context, id string) (*Message, error) {
	var doc MongoMessage
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return doc.ToMessage(), nil
}

// List returns scheduled messages matching the filter.
func (s *MongoScheduler) List(ctx context.Context, filter Filter) ([]*Message, error) {
	mongoFilter := bson.M{}
	if filter.EventName != "" {
		mongoFilter["event_name"] = filter.EventName
	}

	scheduled := bson.M{}
	if !filter.After.IsZero() {
		scheduled["$gt"] = filter.After
	}
	if !filter.Before.IsZero() {
		scheduled["$lt"] = filter.Before
	}
	if len(scheduled) > 0 {
		mongoFilter["scheduled_at"] = scheduled
	}

	opts := options.Find().SetSort(bson.D{{Key: "scheduled_at", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.collection.Find(ctx, mongoFilter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []*Message
	for cursor.Next(ctx) {
		var doc MongoMessage
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		messages = append(messages, doc.ToMessage())
	}
	return messages, cursor.Err()
}

// Start runs the polling loop. Stuck claims are recovered at start and
// once a minute afterwards.
func (s *MongoScheduler) Start(ctx context.Context) error {
	s.opts.Logger.Info("scheduler started",
		"poll_interval", s.opts.PollInterval,
		"batch_size", s.opts.BatchSize)

	lastRecovery := s.now()
	return s.run(ctx, s.opts.PollInterval, s.recoverStuck, func(ctx context.Context) {
		if s.now().Sub(lastRecovery) >= time.Minute {
			s.recoverStuck(ctx)
			lastRecovery = s.now()
		}
		s.processDue(ctx)
	})
}

// Stop stops the polling loop.
func (s *MongoScheduler) Stop(ctx context.Context) error {
	return s.stop(ctx)
}

func (s *MongoScheduler) processDue(ctx context.Context) {
	now := s.now()

	for range s.opts.BatchSize {
		msg, err := s.claimDue(ctx, now)
		if err != nil {
			if !errors.Is(err, mongo.ErrNoDocuments) {
				s.opts.Logger.Error("failed to claim due message", "error", err)
			}
			return
		}

		if err := deliver(ctx, s.pub, s.opts.Source, msg); err != nil {
			s.opts.Logger.Error("failed to publish scheduled message",
				"id", msg.ID, "event", msg.EventName, "error", err)
			s.release(ctx, msg.ID)
			continue
		}

		if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": msg.ID}); err != nil {
			s.opts.Logger.Error("failed to delete published message", "id", msg.ID, "error", err)
		}
		s.opts.Logger.Debug("delivered scheduled message", "id", msg.ID, "event", msg.EventName)
	}
}

// claimDue atomically moves the oldest due pending message to processing.
func (s *MongoScheduler) claimDue(ctx context.Context, now time.Time) (*Message, error) {
	filter := bson.M{
		"scheduled_at": bson.M{"$lte": now},
		"status":       MongoStatusPending,
	}
	update := bson.M{
		"$set": bson.M{
			"status":     MongoStatusProcessing,
			"claimed_at": s.now(),
		},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "scheduled_at", Value: 1}}).
		SetReturnDocument(options.After)

	var doc MongoMessage
	if err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, err
	}
	return doc.ToMessage(), nil
}

func (s *MongoScheduler) release(ctx context.Context, id string) {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": MongoStatusProcessing},
		bson.M{"$set": bson.M{"status": MongoStatusPending}, "$unset": bson.M{"claimed_at": ""}},
	)
	if err != nil {
		s.opts.Logger.Error("failed to release claim", "id", id, "error", err)
	}
}

// recoverStuck moves claims older than StuckAfter back to pending.
func (s *MongoScheduler) recoverStuck(ctx context.Context) {
	cutoff := s.now().Add(-s.opts.StuckAfter)
	result, err := s.collection.UpdateMany(ctx,
		bson.M{"status": MongoStatusProcessing, "claimed_at": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{"status": MongoStatusPending}, "$unset": bson.M{"claimed_at": ""}},
	)
	if err != nil {
		s.opts.Logger.Error("failed to recover stuck messages", "error", err)
		return
	}
	if result.ModifiedCount > 0 {
		s.opts.Logger.Warn("recovered stuck scheduled messages",
			"count", result.ModifiedCount, "stuck_after", s.opts.StuckAfter)
	}
}

var (
	_ Scheduler = (*MongoScheduler)(nil)
	_ Confirmer = (*MongoScheduler)(nil)
)
