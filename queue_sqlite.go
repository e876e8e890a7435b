package pinmark

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	sqliteBusyTimeout  = 5000 // milliseconds
	sqliteMaxOpenConns = 4
	sqlitePingRetries  = 5
	sqlitePingWait     = 100 * time.Millisecond
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS pending_operations (
	id          TEXT PRIMARY KEY,
	file_id     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	body        TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_operations_file ON pending_operations(file_id, created_at);
`

// SQLiteQueueStore is a QueueStore backed by a SQLite database file. It can be
// shared between processes on the same machine.
type SQLiteQueueStore struct {
	db *sql.DB
}

// OpenSQLiteQueueStore opens (creating if needed) the queue database at path.
func OpenSQLiteQueueStore(ctx context.Context, path string) (*SQLiteQueueStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, sqliteBusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	db.SetMaxOpenConns(sqliteMaxOpenConns)

	if err := pingWithRetry(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to queue database: %w", err)
	}
	if _, err := db.ExecContext(ctx, queueSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return &SQLiteQueueStore{db: db}, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB) error {
	wait := sqlitePingWait
	var err error
	for i := 0; i < sqlitePingRetries; i++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_BUSY
	}
	return false
}

// Close closes the underlying database.
func (s *SQLiteQueueStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteQueueStore) Enqueue(ctx context.Context, fileID string, op PendingOperation) error {
	op.FileID = fileID
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", op.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_operations (id, file_id, kind, body, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			retry_count = excluded.retry_count`,
		op.ID, fileID, string(op.Kind()), string(body), op.RetryCount, op.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", op.ID, err)
	}
	return nil
}

func (s *SQLiteQueueStore) ListPending(ctx context.Context, fileID string) ([]PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM pending_operations WHERE file_id = ? ORDER BY created_at, id`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list pending %s: %w", fileID, err)
	}
	defer rows.Close()

	var ops []PendingOperation
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("list pending %s: %w", fileID, err)
		}
		var op PendingOperation
		if err := json.Unmarshal([]byte(body), &op); err != nil {
			return nil, fmt.Errorf("list pending %s: %w", fileID, err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *SQLiteQueueStore) Get(ctx context.Context, opID string) (PendingOperation, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM pending_operations WHERE id = ?`, opID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingOperation{}, fmt.Errorf("operation %s: %w", opID, ErrNotFound)
	}
	if err != nil {
		return PendingOperation{}, fmt.Errorf("get operation %s: %w", opID, err)
	}
	var op PendingOperation
	if err := json.Unmarshal([]byte(body), &op); err != nil {
		return PendingOperation{}, fmt.Errorf("get operation %s: %w", opID, err)
	}
	return op, nil
}

func (s *SQLiteQueueStore) Remove(ctx context.Context, opID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, opID); err != nil {
		return fmt.Errorf("remove operation %s: %w", opID, err)
	}
	return nil
}

func (s *SQLiteQueueStore) ClearAll(ctx context.Context, fileID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("clear operations %s: %w", fileID, err)
	}
	return nil
}
