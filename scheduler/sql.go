package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rbaliyan/outbox/transport"
)

/*
Schema (PostgreSQL shown; EnsureSchema creates an equivalent table):

CREATE TABLE scheduled_messages (
    id           VARCHAR(64) PRIMARY KEY,
    event_name   VARCHAR(255) NOT NULL,
    payload      BYTEA,
    metadata     TEXT,
    scheduled_at BIGINT NOT NULL,      -- Unix milliseconds
    created_at   BIGINT NOT NULL,
    status       VARCHAR(16) NOT NULL, -- held | pending | processing
    claimed_at   BIGINT
);

CREATE INDEX idx_scheduled_messages_due ON scheduled_messages(status, scheduled_at);
*/

// Dialect selects SQL placeholder and type syntax.
type Dialect string

// Supported dialects.
const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

func (d Dialect) placeholder(i int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (d Dialect) blobType() string {
	switch d {
	case DialectPostgres:
		return "BYTEA"
	case DialectMySQL:
		return "LONGBLOB"
	default:
		return "BLOB"
	}
}

// Row status values.
const (
	statusHeld       = "held"
	statusPending    = "pending"
	statusProcessing = "processing"
)

// SQLScheduler stores scheduled messages in a relational table through
// database/sql. The driver is chosen by the caller when opening db.
//
// Due messages are claimed with a conditional UPDATE (pending -> processing)
// so several schedulers can poll the same table. Claims older than
// StuckAfter are released back to pending.
//
// Example:
//
//	db, _ := sql.Open("postgres", dsn)
//	s := scheduler.NewSQLScheduler(db, scheduler.DialectPostgres, transport)
//	if err := s.EnsureSchema(ctx); err != nil { ... }
//	go s.Start(ctx)
type SQLScheduler struct {
	db      *sql.DB
	dialect Dialect
	table   string
	pub     transport.Publisher
	opts    *Options
	now     func() time.Time

	poller
}

// NewSQLScheduler creates a scheduler backed by the scheduled_messages table.
func NewSQLScheduler(db *sql.DB, dialect Dialect, pub transport.Publisher, opts ...Option) *SQLScheduler {
	return &SQLScheduler{
		db:      db,
		dialect: dialect,
		table:   "scheduled_messages",
		pub:     pub,
		opts:    newOptions("scheduler>sql", opts...),
		now:     time.Now,
	}
}

// WithTable sets a custom table name.
func (s *SQLScheduler) WithTable(table string) *SQLScheduler {
	if table != "" {
		s.table = table
	}
	return s
}

// EnsureSchema creates the table and index if they do not exist.
func (s *SQLScheduler) EnsureSchema(ctx context.Context) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	event_name VARCHAR(255) NOT NULL,
	payload %s,
	metadata TEXT,
	scheduled_at BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	status VARCHAR(16) NOT NULL,
	claimed_at BIGINT
)`, s.table, s.dialect.blobType())
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	if s.dialect == DialectMySQL {
		// MySQL has no CREATE INDEX IF NOT EXISTS.
		return nil
	}
	index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_due ON %s(status, scheduled_at)", s.table, s.table)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// q rewrites ? placeholders for the dialect.
func (s *SQLScheduler) q(query string) string {
	query = strings.ReplaceAll(query, "{table}", s.table)
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Schedule adds a message for future delivery.
func (s *SQLScheduler) Schedule(ctx context.Context, msg Message) error {
	prepare(&msg)

	var metadata []byte
	if len(msg.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(msg.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	status := statusPending
	if msg.Held {
		status = statusHeld
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO {table} (id, event_name, payload, metadata, scheduled_at, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.EventName, msg.Payload, nullString(metadata),
		msg.ScheduledAt.UnixMilli(), msg.CreatedAt.UnixMilli(), status,
	)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	s.opts.Logger.Debug("scheduled message",
		"id", msg.ID, "event", msg.EventName, "scheduled_at", msg.ScheduledAt, "held", msg.Held)
	return nil
}

// ScheduleAt schedules a message for a specific time.
func (s *SQLScheduler) ScheduleAt(ctx context.Context, eventName string, payload []byte, metadata map[string]string, at time.Time) (string, error) {
	msg := newMessage(eventName, payload, metadata, at)
	if err := s.Schedule(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// ScheduleAfter schedules a message after a delay.
func (s *SQLScheduler) ScheduleAfter(ctx context.Context, eventName string, payload []byte, metadata map[string]string, delay time.Duration) (string, error) {
	return s.ScheduleAt(ctx, eventName, payload, metadata, s.now().Add(delay))
}

// Confirm releases a held message for delivery.
func (s *SQLScheduler) Confirm(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE {table} SET status = ? WHERE id = ? AND status = ?`),
		statusPending, id, statusHeld)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Nothing updated: either already confirmed or unknown.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

// Cancel removes a scheduled message.
func (s *SQLScheduler) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {table} WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.opts.Logger.Debug("cancelled scheduled message", "id", id)
	return nil
}

const selectColumns = `id, event_name, payload, metadata, scheduled_at, created_at, status`

// Get retrieves a scheduled message by ID.
func (s *SQLScheduler) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+selectColumns+` FROM {table} WHERE id = ?`), id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// List returns scheduled messages matching the filter.
func (s *SQLScheduler) List(ctx context.Context, filter Filter) ([]*Message, error) {
	var (
		conds []string
		args  []any
	)
	if filter.EventName != "" {
		conds = append(conds, "event_name = ?")
		args = append(args, filter.EventName)
	}
	if !filter.Before.IsZero() {
		conds = append(conds, "scheduled_at < ?")
		args = append(args, filter.Before.UnixMilli())
	}
	if !filter.After.IsZero() {
		conds = append(conds, "scheduled_at > ?")
		args = append(args, filter.After.UnixMilli())
	}

	query := `SELECT ` + selectColumns + ` FROM {table}`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY scheduled_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Start runs the polling loop; stuck claims are released at start and on
// every poll.
func (s *SQLScheduler) Start(ctx context.Context) error {
	s.opts.Logger.Info("scheduler started",
		"poll_interval", s.opts.PollInterval,
		"batch_size", s.opts.BatchSize)
	return s.run(ctx, s.opts.PollInterval, s.recoverStuck, func(ctx context.Context) {
		s.recoverStuck(ctx)
		s.processDue(ctx)
	})
}

// Stop stops the polling loop.
func (s *SQLScheduler) Stop(ctx context.Context) error {
	return s.stop(ctx)
}

func (s *SQLScheduler) processDue(ctx context.Context) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		s.q(fmt.Sprintf(`SELECT id FROM {table} WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC LIMIT %d`, s.opts.BatchSize)),
		statusPending, now.UnixMilli())
	if err != nil {
		s.opts.Logger.Error("failed to query due messages", "error", err)
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			s.opts.Logger.Error("failed to scan due message", "error", err)
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			s.q(`UPDATE {table} SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`),
			statusProcessing, now.UnixMilli(), id, statusPending)
		if err != nil {
			s.opts.Logger.Error("failed to claim due message", "id", id, "error", err)
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // claimed elsewhere or cancelled
		}

		msg, err := s.Get(ctx, id)
		if err != nil {
			s.opts.Logger.Error("failed to load claimed message", "id", id, "error", err)
			continue
		}

		if err := deliver(ctx, s.pub, s.opts.Source, msg); err != nil {
			s.opts.Logger.Error("failed to publish scheduled message",
				"id", msg.ID, "event", msg.EventName, "error", err)
			s.release(ctx, id)
			continue
		}

		if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {table} WHERE id = ?`), id); err != nil {
			s.opts.Logger.Error("failed to delete delivered message", "id", id, "error", err)
		}
		s.opts.Logger.Debug("delivered scheduled message", "id", msg.ID, "event", msg.EventName)
	}
}

func (s *SQLScheduler) release(ctx context.Context, id string) {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE {table} SET status = ?, claimed_at = NULL WHERE id = ? AND status = ?`),
		statusPending, id, statusProcessing)
	if err != nil {
		s.opts.Logger.Error("failed to release claim", "id", id, "error", err)
	}
}

func (s *SQLScheduler) recoverStuck(ctx context.Context) {
	cutoff := s.now().Add(-s.opts.StuckAfter).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE {table} SET status = ?, claimed_at = NULL WHERE status = ? AND claimed_at < ?`),
		statusPending, statusProcessing, cutoff)
	if err != nil {
		s.opts.Logger.Error("failed to recover stuck messages", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.opts.Logger.Warn("recovered stuck scheduled messages", "count", n, "stuck_after", s.opts.StuckAfter)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		msg         Message
		metadata    sql.NullString
		scheduledAt int64
		createdAt   int64
		status      string
	)
	if err := row.Scan(&msg.ID, &msg.EventName, &msg.Payload, &metadata, &scheduledAt, &createdAt, &status); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	msg.ScheduledAt = time.UnixMilli(scheduledAt)
	msg.CreatedAt = time.UnixMilli(createdAt)
	msg.Held = status == statusHeld
	return &msg, nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

var (
	_ Scheduler = (*SQLScheduler)(nil)
	_ Confirmer = (*SQLScheduler)(nil)
)
