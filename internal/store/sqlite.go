package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements Cache on a SQLite file so that validators survive across
// runs, the way a browser profile keeps its HTTP cache.
type SQLite struct {
	db      *sql.DB
	writeMu sync.Mutex // serialises writers to avoid SQLITE_BUSY
}

// NewSQLite opens (and creates if needed) the cache database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLite) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS validators (
		url TEXT PRIMARY KEY,
		last_modified TEXT NOT NULL DEFAULT '',
		etag TEXT NOT NULL DEFAULT '',
		stored_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the validators stored for key.
func (s *SQLite) Get(ctx context.Context, key string) (*Entry, error) {
	query := `SELECT last_modified, etag, stored_at FROM validators WHERE url = ?`

	var e Entry
	var storedAt int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&e.LastModified, &e.ETag, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan validator row: %w", err)
	}
	e.StoredAt = time.Unix(storedAt, 0)
	return &e, nil
}

// Put stores the validators for key. Lock contention is retried with a short
// backoff; other errors are returned as is.
func (s *SQLite) Put(ctx context.Context, key string, entry Entry) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.putOnce(ctx, key, entry)
		if err == nil {
			return nil
		}
		if !isConflict(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("validator write hit a locked database, retrying", "url", key, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("put validator for %s: %w", key, err)
}

func (s *SQLite) putOnce(ctx context.Context, key string, entry Entry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	query := `
	INSERT INTO validators (url, last_modified, etag, stored_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(url) DO UPDATE SET
		last_modified = excluded.last_modified,
		etag = excluded.etag,
		stored_at = excluded.stored_at`

	if _, err := s.db.ExecContext(ctx, query, key, entry.LastModified, entry.ETag, storedAt.Unix()); err != nil {
		return fmt.Errorf("upsert validator: %w", err)
	}
	return nil
}

// Purge removes entries stored before cutoff and returns how many were removed.
func (s *SQLite) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM validators WHERE stored_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge validators: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close cache database: %w", err)
	}
	return nil
}

// isConflict reports SQLITE_BUSY and "database is locked" errors, the two
// forms of lock contention that are worth another attempt.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
