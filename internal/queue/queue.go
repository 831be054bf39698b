package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// MemoryPath keeps the queue in process memory. Nothing survives a restart.
const MemoryPath = ":memory:"

// ErrPermanent marks a handler failure that will never succeed; the item is
// dropped instead of being rescheduled.
var ErrPermanent = errors.New("permanent delivery failure")

// Pending is a notification that could not be delivered during its own
// poll cycle and is waiting for another attempt.
type Pending struct {
	ID          int64
	Fingerprint string
	Service     string
	Number      string
	Payload     string
	Retries     int
	MaxRetries  int
	NextRetryAt time.Time
	CreatedAt   time.Time
	LastError   string
}

// Config holds queue configuration
type Config struct {
	Path           string        // SQLite file, or MemoryPath
	MaxRetries     int           // Maximum number of retries per item
	InitialBackoff time.Duration // Delay before the first retry
	MaxBackoff     time.Duration // Upper bound on the retry delay
	BackoffFactor  float64       // Multiplier for exponential backoff
}

// DefaultConfig returns an in-memory queue configuration.
func DefaultConfig() Config {
	return Config{
		Path:           MemoryPath,
		MaxRetries:     10,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     15 * time.Minute,
		BackoffFactor:  2.0,
	}
}

// Queue holds undelivered notifications. It is used from the poll loop
// only and is not safe for concurrent use.
type Queue struct {
	db     *sql.DB
	config Config
	now    func() time.Time
}

// New opens the queue database and creates its schema.
func New(cfg Config) (*Queue, error) {
	dsn := cfg.Path
	if cfg.Path != MemoryPath {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
		dsn = cfg.Path + "?_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	q := &Queue{
		db:     db,
		config: cfg,
		now:    time.Now,
	}

	if err := q.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	return q, nil
}

// initialize creates the database schema
func (q *Queue) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL,
		service TEXT NOT NULL,
		number TEXT NOT NULL,
		payload TEXT NOT NULL,
		retries INTEGER DEFAULT 0,
		max_retries INTEGER NOT NULL,
		next_retry_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_next_retry_at ON pending_deliveries(next_retry_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_fingerprint ON pending_deliveries(fingerprint);
	`

	_, err := q.db.Exec(schema)
	return err
}

// Enqueue stores an undelivered payload. A payload whose fingerprint is
// already queued is ignored.
func (q *Queue) Enqueue(p Pending, lastError string) error {
	now := q.now()
	nextRetry := now.Add(q.config.InitialBackoff)

	_, err := q.db.Exec(`
		INSERT OR IGNORE INTO pending_deliveries
			(fingerprint, service, number, payload, max_retries, next_retry_at, created_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Fingerprint, p.Service, p.Number, p.Payload, q.config.MaxRetries,
		nextRetry.UnixMilli(), now.UnixMilli(), lastError)
	if err != nil {
		return fmt.Errorf("failed to enqueue delivery: %w", err)
	}

	log.Debug().
		Str("fingerprint", p.Fingerprint).
		Time("next_retry", nextRetry).
		Msg("Delivery queued for retry")

	return nil
}

// GetPending returns items whose retry time has passed, oldest first.
func (q *Queue) GetPending(limit int) ([]Pending, error) {
	rows, err := q.db.Query(`
		SELECT id, fingerprint, service, number, payload, retries, max_retries,
		       next_retry_at, created_at, COALESCE(last_error, '')
		FROM pending_deliveries
		WHERE next_retry_at <= ? AND retries < max_retries
		ORDER BY next_retry_at ASC, id ASC
		LIMIT ?
	`, q.now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending deliveries: %w", err)
	}
	defer rows.Close()

	var items []Pending
	for rows.Next() {
		var p Pending
		var nextRetry, created int64
		err := rows.Scan(
			&p.ID,
			&p.Fingerprint,
			&p.Service,
			&p.Number,
			&p.Payload,
			&p.Retries,
			&p.MaxRetries,
			&nextRetry,
			&created,
			&p.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		p.NextRetryAt = time.UnixMilli(nextRetry)
		p.CreatedAt = time.UnixMilli(created)
		items = append(items, p)
	}

	return items, rows.Err()
}

// MarkSuccess removes a delivered (or abandoned) item from the queue.
func (q *Queue) MarkSuccess(id int64) error {
	_, err := q.db.Exec("DELETE FROM pending_deliveries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete delivery: %w", err)
	}
	return nil
}

// MarkFailed records a failed retry and schedules the next one.
func (q *Queue) MarkFailed(id int64, lastError string) error {
	var retries int
	err := q.db.QueryRow("SELECT retries FROM pending_deliveries WHERE id = ?", id).Scan(&retries)
	if err != nil {
		return fmt.Errorf("failed to get retry count: %w", err)
	}

	newRetries := retries + 1
	backoff := q.calculateBackoff(newRetries)
	nextRetry := q.now().Add(backoff)

	_, err = q.db.Exec(`
		UPDATE pending_deliveries
		SET retries = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?
	`, newRetries, nextRetry.UnixMilli(), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}

	log.Debug().
		Int64("id", id).
		Int("retries", newRetries).
		Dur("backoff", backoff).
		Msg("Delivery retry scheduled")

	return nil
}

// calculateBackoff computes exponential backoff duration
func (q *Queue) calculateBackoff(retries int) time.Duration {
	backoff := float64(q.config.InitialBackoff)
	for i := 0; i < retries; i++ {
		backoff *= q.config.BackoffFactor
	}

	if backoff > float64(q.config.MaxBackoff) {
		return q.config.MaxBackoff
	}

	return time.Duration(backoff)
}

// PurgeExpired removes items that have exhausted their retries. Their
// messages are lost; each one is logged.
func (q *Queue) PurgeExpired() (int64, error) {
	if err := q.logExpired(); err != nil {
		return 0, err
	}

	result, err := q.db.Exec(`DELETE FROM pending_deliveries WHERE retries >= max_retries`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired deliveries: %w", err)
	}

	count, _ := result.RowsAffected()
	return count, nil
}

// logExpired must release its rows before the purge runs on the same
// connection.
func (q *Queue) logExpired() error {
	rows, err := q.db.Query(`
		SELECT fingerprint, service, number, COALESCE(last_error, '')
		FROM pending_deliveries WHERE retries >= max_retries
	`)
	if err != nil {
		return fmt.Errorf("failed to list expired deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fp, service, number, lastErr string
		if err := rows.Scan(&fp, &service, &number, &lastErr); err != nil {
			return fmt.Errorf("failed to scan expired delivery: %w", err)
		}
		log.Error().
			Str("fingerprint", fp).
			Str("service", service).
			Str("number", number).
			Str("last_error", lastErr).
			Msg("Giving up on delivery")
	}
	return rows.Err()
}

// Stats returns queue statistics
type Stats struct {
	PendingCount  int64
	ExpiredCount  int64
	OldestPending *time.Time
	NextRetry     *time.Time
}

func (q *Queue) Stats() (*Stats, error) {
	stats := &Stats{}

	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM pending_deliveries WHERE retries < max_retries
	`).Scan(&stats.PendingCount)
	if err != nil {
		return nil, err
	}

	err = q.db.QueryRow(`
		SELECT COUNT(*) FROM pending_deliveries WHERE retries >= max_retries
	`).Scan(&stats.ExpiredCount)
	if err != nil {
		return nil, err
	}

	var oldest sql.NullInt64
	err = q.db.QueryRow(`
		SELECT MIN(created_at) FROM pending_deliveries WHERE retries < max_retries
	`).Scan(&oldest)
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64)
		stats.OldestPending = &t
	}

	var nextRetry sql.NullInt64
	err = q.db.QueryRow(`
		SELECT MIN(next_retry_at) FROM pending_deliveries WHERE retries < max_retries
	`).Scan(&nextRetry)
	if err != nil {
		return nil, err
	}
	if nextRetry.Valid {
		t := time.UnixMilli(nextRetry.Int64)
		stats.NextRetry = &t
	}

	return stats, nil
}

// Close closes the database connection
func (q *Queue) Close() error {
	return q.db.Close()
}
