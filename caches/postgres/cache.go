package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"io"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
	"github.com/dgduncan/go-offline-cache/caches/internal/codec"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed fetch_entry.sql
	queryFetchEntry string
	//go:embed upsert_entry.sql
	queryUpsertEntry string
	//go:embed commit_version.sql
	queryCommitVersion string
	//go:embed list_versions.sql
	queryListVersions string
	//go:embed delete_entries.sql
	queryDeleteEntries string
	//go:embed delete_version.sql
	queryDeleteVersion string
	//go:embed set_current.sql
	querySetCurrent string
	//go:embed get_current.sql
	queryGetCurrent string
	//go:embed delete_orphans.sql
	queryDeleteOrphans string
	//go:embed insert_task.sql
	queryInsertTask string
	//go:embed list_tasks.sql
	queryListTasks string
	//go:embed update_task.sql
	queryUpdateTask string
	//go:embed delete_task.sql
	queryDeleteTask string
)

// DefaultPruneInterval is how often orphaned staging entries are looked for.
var DefaultPruneInterval = 10 * time.Minute

// DefaultOrphanTTL is the age after which entries of an uncommitted version are considered
// left behind by an interrupted install.
var DefaultOrphanTTL = time.Hour

// Config defines the configuration options for the PostgreSQL store implementation.
type Config struct {
	// PruneOrphans enables a background task deleting entries whose version was never
	// committed, eg. after the process crashed mid-install.
	PruneOrphans bool

	// PruneInterval defines the interval at which the prune task runs.
	// Shorter durations may impact database performance.
	PruneInterval time.Duration

	// OrphanTTL must exceed the longest install; younger staging entries are kept.
	OrphanTTL time.Duration

	Logger *slog.Logger
}

// Cache implements offlinecache.Store and offlinecache.TaskStore using PostgreSQL as the
// storage backend.
type Cache struct {
	db *sql.DB

	now func() time.Time
}

// Get retrieves an entry of version tag by its key.
// Returns caches.ErrNoCacheItem if the item doesn't exist.
func (p *Cache) Get(ctx context.Context, tag, k string) (*offlinecache.CacheEntry, error) {
	var response []byte
	if err := p.db.QueryRowContext(ctx, queryFetchEntry, tag, k).Scan(&response); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, err
	}

	return codec.DecodeEntry(response)
}

// Set stores an entry of version tag, replacing any previous value for k.
func (p *Cache) Set(ctx context.Context, tag, k string, v *offlinecache.CacheEntry) error {
	b, err := codec.EncodeEntry(v)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, queryUpsertEntry, tag, k, b, p.now().UTC())
	return err
}

func (p *Cache) Commit(ctx context.Context, tag string) error {
	_, err := p.db.ExecContext(ctx, queryCommitVersion, tag, p.now().UTC())
	return err
}

func (p *Cache) Versions(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, queryListVersions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// DeleteVersion removes the commit record and every entry of tag in one transaction.
func (p *Cache) DeleteVersion(ctx context.Context, tag string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, queryDeleteVersion, tag); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryDeleteEntries, tag); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Cache) SetCurrent(ctx context.Context, tag string) error {
	_, err := p.db.ExecContext(ctx, querySetCurrent, tag, p.now().UTC())
	return err
}

func (p *Cache) Current(ctx context.Context) (string, error) {
	var tag string
	if err := p.db.QueryRowContext(ctx, queryGetCurrent).Scan(&tag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return tag, nil
}

func (p *Cache) Append(ctx context.Context, t *offlinecache.DeferredTask) error {
	b, err := codec.EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, queryInsertTask, t.ID, t.Seq, b)
	return err
}

func (p *Cache) List(ctx context.Context) ([]*offlinecache.DeferredTask, error) {
	rows, err := p.db.QueryContext(ctx, queryListTasks)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*offlinecache.DeferredTask
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		t, err := codec.DecodeTask(payload)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (p *Cache) Update(ctx context.Context, t *offlinecache.DeferredTask) error {
	b, err := codec.EncodeTask(t)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, queryUpdateTask, t.ID, b)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Cache) Remove(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, queryDeleteTask, id)
	if err != nil {
		return err
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

func createTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, queryCreateTable)
	return err
}

func deleteOrphans(ctx context.Context, db *sql.DB, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, queryDeleteOrphans, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func pruneTask(ctx context.Context, db *sql.DB, interval, ttl time.Duration, now func() time.Time, logger *slog.Logger) {
	t := time.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "prune task stopped")
			return
		case <-t.C:
			n, err := deleteOrphans(ctx, db, now().UTC().Add(-ttl))
			if err != nil {
				logger.WarnContext(ctx, "error pruning orphaned entries", "error", err)
			} else if n > 0 {
				logger.InfoContext(ctx, "pruned orphaned entries", "count", n)
			}
			_ = t.Reset(interval)
		}
	}
}

// New creates a new PostgreSQL store with the provided configuration.
// It verifies the database connection, creates the necessary table structure, and
// optionally starts the prune task for orphaned entries, which stops with ctx.
//
// Returns an error if:
// - The database connection test fails
// - Table creation fails
// - Configuration validation fails
func New(ctx context.Context, db *sql.DB, config *Config) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationError{
			Reason: "nil db",
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	c := &Cache{
		db: db,

		now: time.Now,
	}

	if config != nil && config.PruneOrphans {
		interval := config.PruneInterval
		if interval <= 0 {
			interval = DefaultPruneInterval
		}
		ttl := config.OrphanTTL
		if ttl <= 0 {
			ttl = DefaultOrphanTTL
		}
		logger := config.Logger
		if logger == nil {
			logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		go pruneTask(ctx, db, interval, ttl, c.now, logger)
	}

	return c, nil
}
