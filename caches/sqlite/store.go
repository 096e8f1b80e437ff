// Package sqlite provides a SQLite-backed Store and TaskStore, suited to a single device
// that must keep its offline copy and deferred requests across restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
	"github.com/dgduncan/go-offline-cache/caches/internal/codec"
	"github.com/dgduncan/go-offline-cache/caches/sqlite/migrations"
)

// Store persists versions, entries and deferred tasks in SQLite.
type Store struct {
	sqlDB *sql.DB

	now func() time.Time
}

// Open opens a SQLite store at path and applies embedded migrations.
// The special path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, caches.ValidationError{Reason: "storage path is required"}
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a distinct database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, tag, key string) (*offlinecache.CacheEntry, error) {
	var payload []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT entry FROM offline_entries WHERE tag = ? AND key = ?`, tag, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return codec.DecodeEntry(payload)
}

func (s *Store) Set(ctx context.Context, tag, key string, v *offlinecache.CacheEntry) error {
	payload, err := codec.EncodeEntry(v)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO offline_entries (tag, key, entry, stored_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tag, key) DO UPDATE SET entry = excluded.entry, stored_at = excluded.stored_at`,
		tag, key, payload, codec.ToMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, tag string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO offline_versions (tag, committed_at) VALUES (?, ?)`,
		tag, codec.ToMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("commit version: %w", err)
	}
	return nil
}

func (s *Store) Versions(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT tag FROM offline_versions ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *Store) DeleteVersion(ctx context.Context, tag string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete version: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_versions WHERE tag = ?`, tag); err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_entries WHERE tag = ?`, tag); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SetCurrent(ctx context.Context, tag string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO offline_current (id, tag, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET tag = excluded.tag, updated_at = excluded.updated_at`,
		tag, codec.ToMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("set current: %w", err)
	}
	return nil
}

func (s *Store) Current(ctx context.Context) (string, error) {
	var tag string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT tag FROM offline_current WHERE id = 1`).Scan(&tag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get current: %w", err)
	}
	return tag, nil
}

func (s *Store) Append(ctx context.Context, t *offlinecache.DeferredTask) error {
	payload, err := codec.EncodeTask(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO offline_tasks (id, seq, payload) VALUES (?, ?, ?)`, t.ID, t.Seq, payload,
	); err != nil {
		return fmt.Errorf("append task: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*offlinecache.DeferredTask, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT payload FROM offline_tasks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*offlinecache.DeferredTask
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := codec.DecodeTask(payload)
		if err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) Update(ctx context.Context, t *offlinecache.DeferredTask) error {
	payload, err := codec.EncodeTask(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE offline_tasks SET payload = ? WHERE id = ?`, payload, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res)
}

func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM offline_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove task: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return caches.ErrNoCacheItem
	}
	return nil
}
