package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Dialect selects placeholder and upsert syntax for SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// execQuerier is satisfied by both *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TransactionalStore is a Store that can take part in the caller's database
// transaction, so the processed marker commits together with the handler's
// own writes.
type TransactionalStore interface {
	Store
	IsDuplicateTx(ctx context.Context, tx *sql.Tx, messageID string) (bool, error)
	MarkProcessedTx(ctx context.Context, tx *sql.Tx, messageID string) error
}

// SQLStore tracks processed IDs in a relational table. Expiry is stored as
// Unix milliseconds so the same schema works across dialects.
//
//	CREATE TABLE outbox_idempotency (
//	    message_id VARCHAR(255) PRIMARY KEY,
//	    expires_at BIGINT NOT NULL
//	);
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
	ttl     time.Duration
	sweep   time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// SQLOption configures an SQLStore.
type SQLOption func(*SQLStore)

// WithTable sets the table name. Default is "outbox_idempotency".
func WithTable(table string) SQLOption {
	return func(s *SQLStore) {
		if table != "" {
			s.table = table
		}
	}
}

// WithTTL sets how long IDs are remembered. Default is DefaultTTL.
func WithTTL(ttl time.Duration) SQLOption {
	return func(s *SQLStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithCleanupInterval sets how often expired rows are deleted.
// Zero disables the background cleanup. Default is one minute.
func WithCleanupInterval(d time.Duration) SQLOption {
	return func(s *SQLStore) {
		if d >= 0 {
			s.sweep = d
		}
	}
}

// NewSQLStore creates an SQL backed store. Call Close to stop the cleanup loop.
//
// Example:
//
//	db, _ := sql.Open("postgres", dsn)
//	store := idempotency.NewSQLStore(db, idempotency.DialectPostgres,
//	    idempotency.WithTable("billing_idempotency"),
//	)
//	defer store.Close()
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...SQLOption) *SQLStore {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		table:   "outbox_idempotency",
		ttl:     DefaultTTL,
		sweep:   time.Minute,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweep > 0 {
		go s.cleanupLoop()
	}
	return s
}

// EnsureSchema creates the table when it does not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		message_id VARCHAR(255) PRIMARY KEY,
		expires_at BIGINT NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// q rewrites ? placeholders for the dialect.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) upsert() string {
	if s.dialect == DialectMySQL {
		return fmt.Sprintf(`INSERT INTO %s (message_id, expires_at) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE expires_at = VALUES(expires_at)`, s.table)
	}
	return s.q(fmt.Sprintf(`INSERT INTO %s (message_id, expires_at) VALUES (?, ?)
		ON CONFLICT (message_id) DO UPDATE SET expires_at = excluded.expires_at`, s.table))
}

// IsDuplicate reports whether messageID is recorded and unexpired.
// It does not claim the ID; use IsDuplicateTx with MarkProcessedTx for
// exactly-once processing inside a transaction.
func (s *SQLStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	return s.isDuplicate(ctx, s.db, messageID)
}

func (s *SQLStore) IsDuplicateTx(ctx context.Context, tx *sql.Tx, messageID string) (bool, error) {
	return s.isDuplicate(ctx, tx, messageID)
}

func (s *SQLStore) isDuplicate(ctx context.Context, db execQuerier, messageID string) (bool, error) {
	query := s.q(fmt.Sprintf(`SELECT 1 FROM %s WHERE message_id = ? AND expires_at > ?`, s.table))
	var one int
	err := db.QueryRowContext(ctx, query, messageID, s.now().UnixMilli()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return true, nil
}

func (s *SQLStore) MarkProcessed(ctx context.Context, messageID string) error {
	return s.mark(ctx, s.db, messageID, s.ttl)
}

func (s *SQLStore) MarkProcessedWithTTL(ctx context.Context, messageID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.mark(ctx, s.db, messageID, ttl)
}

func (s *SQLStore) MarkProcessedTx(ctx context.Context, tx *sql.Tx, messageID string) error {
	return s.mark(ctx, tx, messageID, s.ttl)
}

func (s *SQLStore) mark(ctx context.Context, db execQuerier, messageID string, ttl time.Duration) error {
	expires := s.now().Add(ttl).UnixMilli()
	if _, err := db.ExecContext(ctx, s.upsert(), messageID, expires); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, messageID string) error {
	query := s.q(fmt.Sprintf(`DELETE FROM %s WHERE message_id = ?`, s.table))
	if _, err := s.db.ExecContext(ctx, query, messageID); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}

// DeleteExpired removes expired rows and returns how many were deleted.
func (s *SQLStore) DeleteExpired(ctx context.Context) (int64, error) {
	query := s.q(fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, s.table))
	res, err := s.db.ExecContext(ctx, query, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the cleanup loop. It does not close the database.
func (s *SQLStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *SQLStore) cleanupLoop() {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_, _ = s.DeleteExpired(context.Background())
		}
	}
}

var (
	_ Store              = (*SQLStore)(nil)
	_ TransactionalStore = (*SQLStore)(nil)
)
