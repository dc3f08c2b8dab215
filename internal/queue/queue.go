// Package queue persists traces whose submission exhausted its retries,
// so a later run can retransmit them without re-running verification.
// Backed by SQLite for durability.
package queue

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Entry is one queued submission: the already-built payload plus its
// idempotency token. Resubmitting an Entry must never re-run
// verification commands.
type Entry struct {
	ID        string
	Token     string
	Task      string
	Payload   []byte
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// RetryQueue is a SQLite-backed queue of failed submissions.
type RetryQueue struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// Open initializes the queue database at the given path, creating the
// parent directory and schema as needed.
func Open(path string, logger *zap.Logger) (*RetryQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	q := &RetryQueue{db: db, logger: logger}
	if err := q.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *RetryQueue) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS retry_queue (
		id TEXT PRIMARY KEY,
		idempotency_token TEXT NOT NULL UNIQUE,
		task TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_retry_queue_created ON retry_queue(created_at);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create retry_queue table: %w", err)
	}
	return nil
}

// Enqueue stores a failed submission. Re-enqueueing the same
// idempotency token updates the attempt count and error instead of
// duplicating the row.
func (q *RetryQueue) Enqueue(task string, payload []byte, token string, attempts int, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`
		INSERT INTO retry_queue (id, idempotency_token, task, payload, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_token) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error`,
		uuid.NewString(), token, task, payload, attempts, lastError)
	if err != nil {
		return fmt.Errorf("failed to enqueue trace: %w", err)
	}

	q.logger.Info("Trace queued for resubmission",
		zap.String("token", token),
		zap.Int("attempts", attempts))
	return nil
}

// Pending returns queued entries oldest-first, up to limit (<= 0 means
// all).
func (q *RetryQueue) Pending(limit int) ([]Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	query := `
		SELECT id, idempotency_token, task, payload, attempts, COALESCE(last_error, ''), created_at
		FROM retry_queue ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read retry queue: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Token, &e.Task, &e.Payload, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Remove deletes an entry after a successful resubmission.
func (q *RetryQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec(`DELETE FROM retry_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove queue entry: %w", err)
	}
	return nil
}

// Size returns the number of queued entries.
func (q *RetryQueue) Size() (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM retry_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return n, nil
}

// Close releases the underlying database.
func (q *RetryQueue) Close() error {
	return q.db.Close()
}
