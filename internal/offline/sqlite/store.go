package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/deevus/portalkit/internal/offline"
	"github.com/deevus/portalkit/internal/offline/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

// Store is an offline.Store persisted in a SQLite database. Insertion order
// is kept by an autoincrement sequence column.
type Store struct {
	sqlDB *sql.DB
}

// Compile-time check that Store implements offline.Store.
var _ offline.Store = (*Store)(nil)

// Open opens (creating if needed) the queue database at path and applies
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Sync is sequential; a single connection avoids SQLITE_BUSY between
	// the queue and the CLI goroutines.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append inserts item at the tail of the queue.
func (s *Store) Append(ctx context.Context, item offline.QueuedRequest) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("queued request id is required")
	}

	header, err := encodeHeader(item.Header)
	if err != nil {
		return err
	}
	enqueuedAt := item.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO offline_queue (id, endpoint, method, header, payload, enqueued_at, retry_count, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Endpoint, item.Method, header, item.Payload,
		enqueuedAt.UTC().Format(timeFormat), item.RetryCount, item.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert queued request: %w", err)
	}
	return nil
}

// List returns every queued request in insertion order.
func (s *Store) List(ctx context.Context) ([]offline.QueuedRequest, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, endpoint, method, header, payload, enqueued_at, retry_count, last_error
FROM offline_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list queued requests: %w", err)
	}
	defer rows.Close()

	var items []offline.QueuedRequest
	for rows.Next() {
		var (
			item       offline.QueuedRequest
			header     string
			enqueuedAt string
		)
		if err := rows.Scan(&item.ID, &item.Endpoint, &item.Method, &header, &item.Payload,
			&enqueuedAt, &item.RetryCount, &item.LastError); err != nil {
			return nil, fmt.Errorf("scan queued request: %w", err)
		}
		if item.Header, err = decodeHeader(header); err != nil {
			return nil, fmt.Errorf("decode header for %s: %w", item.ID, err)
		}
		if item.EnqueuedAt, err = time.Parse(timeFormat, enqueuedAt); err != nil {
			return nil, fmt.Errorf("parse enqueued_at for %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued requests: %w", err)
	}
	return items, nil
}

// Update stores the retry bookkeeping of item.
func (s *Store) Update(ctx context.Context, item offline.QueuedRequest) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		"UPDATE offline_queue SET retry_count = ?, last_error = ? WHERE id = ?",
		item.RetryCount, item.LastError, item.ID,
	); err != nil {
		return fmt.Errorf("update queued request: %w", err)
	}
	return nil
}

// Delete removes the request with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM offline_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete queued request: %w", err)
	}
	return nil
}

// Clear removes every queued request.
func (s *Store) Clear(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(ctx, "DELETE FROM offline_queue")
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return int(n), nil
}

// Len returns the number of queued requests.
func (s *Store) Len(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM offline_queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued requests: %w", err)
	}
	return n, nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func encodeHeader(h http.Header) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	return string(b), nil
}

func decodeHeader(s string) (http.Header, error) {
	if s == "" {
		return nil, nil
	}
	var h http.Header
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, err
	}
	return h, nil
}
