package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/dgduncan/go-offline-cache/caches"
)

// Registry tracks every committed version held by the backing Store and which one is current.
//
// A version becomes visible only after all of its manifest entries have been written, so
// readers never observe a partially installed version. The current pointer is swapped
// atomically by Promote.
type Registry struct {
	store  Store
	// client follows redirects like a browser fetch of a manifest resource
	client *http.Client

	origin      *url.URL
	concurrency int

	logger  *slog.Logger
	now     func() time.Time
	metrics *metrics

	mu         sync.RWMutex
	versions   map[string]struct{}
	installing map[string]struct{}
	current    atomic.Pointer[string]
}

// NewRegistry restores the committed versions and current pointer from store. Manifest
// resources are fetched through network; nil uses http.DefaultTransport.
func NewRegistry(
	ctx context.Context,
	store Store,
	network http.RoundTripper,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) (*Registry, error) {
	if store == nil {
		return nil, caches.ValidationError{Reason: "nil store"}
	}
	if network == nil {
		network = http.DefaultTransport
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := DefaultConfig()
	if opts != nil {
		c = *opts
	}
	origin, err := c.originURL()
	if err != nil {
		return nil, err
	}
	concurrency := c.InstallConcurrency
	if concurrency <= 0 {
		concurrency = defaultInstallConcurrency
	}

	tags, err := store.Versions(ctx)
	if err != nil {
		return nil, errors.Join(ErrStorage, fmt.Errorf("list versions: %w", err))
	}
	current, err := store.Current(ctx)
	if err != nil {
		return nil, errors.Join(ErrStorage, fmt.Errorf("load current version: %w", err))
	}

	r := &Registry{
		store:       store,
		client:      &http.Client{Transport: network},
		origin:      origin,
		concurrency: concurrency,
		logger:      logger,
		now:         now,
		metrics:     newMetrics(),
		versions:    make(map[string]struct{}, len(tags)),
		installing:  make(map[string]struct{}),
	}
	for _, tag := range tags {
		r.versions[tag] = struct{}{}
	}

	if current != "" {
		if _, ok := r.versions[current]; ok {
			r.current.Store(&current)
		} else {
			logger.WarnContext(ctx, "persisted current version is not committed, ignoring", "version", current)
		}
	}

	return r, nil
}

// Current returns the current tag, or "" before the first Promote.
func (r *Registry) Current() string {
	if p := r.current.Load(); p != nil {
		return *p
	}
	return ""
}

// Has reports whether tag is a committed version.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.versions[tag]
	return ok
}

// Versions returns the committed tags in lexical order.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.versions))
	for tag := range r.versions {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

type manifestItem struct {
	id    Identity
	entry *CacheEntry
}

// Create fetches every manifest resource and commits them as version tag. Either all
// resources are stored and tag becomes visible, or the staged data is deleted and an
// *InstallError is returned.
func (r *Registry) Create(ctx context.Context, tag string, manifest []string) error {
	if tag == "" {
		return &InstallError{Tag: tag, Err: errors.New("empty version tag")}
	}

	r.mu.Lock()
	if _, ok := r.versions[tag]; ok {
		r.mu.Unlock()
		return ErrVersionExists
	}
	if _, ok := r.installing[tag]; ok {
		r.mu.Unlock()
		return ErrInstalling
	}
	r.installing[tag] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.installing, tag)
		r.mu.Unlock()
	}()

	r.logger.InfoContext(ctx, "installing version", "version", tag, "resources", len(manifest))

	if err := r.install(ctx, tag, manifest); err != nil {
		r.metrics.install(ctx, "failure")
		// leftovers of a previous crash or of this attempt must not survive
		if delErr := r.store.DeleteVersion(context.WithoutCancel(ctx), tag); delErr != nil {
			r.logger.WarnContext(ctx, "error deleting staged version", "version", tag, "error", delErr)
		}
		return &InstallError{Tag: tag, Err: err}
	}

	r.mu.Lock()
	r.versions[tag] = struct{}{}
	r.mu.Unlock()

	r.metrics.install(ctx, "success")
	r.logger.InfoContext(ctx, "version installed", "version", tag)
	return nil
}

func (r *Registry) install(ctx context.Context, tag string, manifest []string) error {
	items := make([]manifestItem, len(manifest))
	for i, ref := range manifest {
		id, err := ResolveIdentity(r.origin, ref)
		if err != nil {
			return err
		}
		items[i].id = id
	}

	// stale staging data from an interrupted attempt
	if err := r.store.DeleteVersion(ctx, tag); err != nil {
		return errors.Join(ErrStorage, err)
	}

	p := pool.New().
		WithMaxGoroutines(r.concurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for i := range items {
		p.Go(func(ctx context.Context) error {
			entry, err := r.fetch(ctx, items[i].id)
			if err != nil {
				return err
			}
			items[i].entry = entry
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	for _, item := range items {
		if err := r.store.Set(ctx, tag, item.id.Key(), item.entry); err != nil {
			return errors.Join(ErrStorage, fmt.Errorf("store %s: %w", item.id.URL, err))
		}
	}
	if err := r.store.Commit(ctx, tag); err != nil {
		return errors.Join(ErrStorage, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (r *Registry) fetch(ctx context.Context, id Identity) (*CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, id.Method, id.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Join(ErrNetwork, fmt.Errorf("fetch %s: %w", id.URL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", id.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(ErrNetwork, fmt.Errorf("read %s: %w", id.URL, err))
	}

	r.logger.DebugContext(ctx, "manifest resource fetched", "url", id.URL, "status", resp.StatusCode)

	return &CacheEntry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: r.now().UTC(),
	}, nil
}

// Promote makes tag the current version.
func (r *Registry) Promote(ctx context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.versions[tag]; !ok {
		return fmt.Errorf("promote %q: %w", tag, ErrUnknownVersion)
	}
	if err := r.store.SetCurrent(ctx, tag); err != nil {
		return errors.Join(ErrStorage, fmt.Errorf("promote %q: %w", tag, err))
	}

	t := tag
	r.current.Store(&t)
	r.logger.InfoContext(ctx, "version promoted", "version", tag)
	return nil
}

// EvictStale deletes every committed version other than the current one and returns the
// evicted tags. It refuses to run before a version has been promoted.
func (r *Registry) EvictStale(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.Current()
	if current == "" {
		return nil, ErrNoCurrentVersion
	}

	var (
		evicted []string
		errs    []error
	)
	for tag := range r.versions {
		if tag == current {
			continue
		}
		if err := r.store.DeleteVersion(ctx, tag); err != nil {
			errs = append(errs, fmt.Errorf("evict %q: %w", tag, err))
			continue
		}
		delete(r.versions, tag)
		evicted = append(evicted, tag)
		r.logger.InfoContext(ctx, "stale version evicted", "version", tag)
	}
	slices.Sort(evicted)

	if len(errs) > 0 {
		return evicted, errors.Join(ErrStorage, errors.Join(errs...))
	}
	return evicted, nil
}

// Get returns a copy of the entry stored for id under tag.
func (r *Registry) Get(ctx context.Context, tag string, id Identity) (CacheEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.versions[tag]; !ok {
		return CacheEntry{}, fmt.Errorf("%w: %w %q", ErrNotFound, ErrUnknownVersion, tag)
	}

	item, err := r.store.Get(ctx, tag, id.Key())
	if err != nil {
		if errors.Is(err, caches.ErrNoCacheItem) {
			return CacheEntry{}, ErrNotFound
		}
		return CacheEntry{}, errors.Join(ErrStorage, err)
	}
	return item.Clone(), nil
}

// Put stores entry for id under tag, replacing any previous entry.
func (r *Registry) Put(ctx context.Context, tag string, id Identity, entry CacheEntry) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.versions[tag]; !ok {
		return fmt.Errorf("put into %q: %w", tag, ErrUnknownVersion)
	}

	e := entry.Clone()
	if err := r.store.Set(ctx, tag, id.Key(), &e); err != nil {
		return errors.Join(ErrStorage, err)
	}
	return nil
}
