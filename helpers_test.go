package offlinecache_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches/local"
)

var errOffline = errors.New("network unreachable")

func testTime() time.Time {
	return time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// switchTransport forwards to http.DefaultTransport until it is taken offline.
type switchTransport struct {
	offline atomic.Bool
	calls   atomic.Int32
}

func (s *switchTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	if s.offline.Load() {
		if r.Body != nil {
			r.Body.Close()
		}
		return nil, errOffline
	}
	return http.DefaultTransport.RoundTrip(r)
}

// failingStore rejects writes once failSet is raised.
type failingStore struct {
	*local.BasicStore
	failSet atomic.Bool
}

func (f *failingStore) Set(ctx context.Context, tag, key string, v *offlinecache.CacheEntry) error {
	if f.failSet.Load() {
		return errors.New("disk full")
	}
	return f.BasicStore.Set(ctx, tag, key, v)
}

type fixture struct {
	store    *local.BasicStore
	tasks    *local.BasicTaskStore
	network  *switchTransport
	registry *offlinecache.Registry
	queue    *offlinecache.Queue
	client   *http.Client
}

// newFixture installs and promotes v1 from cfg.Manifest, then wires an intercepting client.
func newFixture(t *testing.T, cfg offlinecache.Config) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:   local.NewBasicStore(),
		tasks:   local.NewBasicTaskStore(),
		network: &switchTransport{},
	}

	now := testTime
	var err error
	f.registry, err = offlinecache.NewRegistry(ctx, f.store, f.network, &cfg, now, testLogger())
	require.NoError(t, err)
	f.queue, err = offlinecache.NewQueue(ctx, f.tasks, f.network, &cfg, now, testLogger())
	require.NoError(t, err)

	require.NoError(t, f.registry.Create(ctx, "v1", cfg.Manifest))
	require.NoError(t, f.registry.Promote(ctx, "v1"))

	f.client = &http.Client{
		Transport: offlinecache.New(f.registry, f.queue, &cfg, now, testLogger())(f.network),
	}
	return f
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// hangingTransport never answers; it returns once the request context is done.
var hangingTransport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
	<-r.Context().Done()
	return nil, r.Context().Err()
})

// ctxStore fails reads on a done context, as the database backends do.
type ctxStore struct {
	*local.BasicStore
}

func (s ctxStore) Get(ctx context.Context, tag, key string) (*offlinecache.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.BasicStore.Get(ctx, tag, key)
}

// ctxTaskStore fails writes on a done context.
type ctxTaskStore struct {
	*local.BasicTaskStore
}

func (s ctxTaskStore) Update(ctx context.Context, t *offlinecache.DeferredTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.BasicTaskStore.Update(ctx, t)
}

func (s ctxTaskStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.BasicTaskStore.Remove(ctx, id)
}
