package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
	"github.com/dgduncan/go-offline-cache/caches/internal/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.ErrorIs(t, err, caches.ErrValidation)
}

func TestStoreConformance(t *testing.T) {
	storetest.RunStore(t, openTemp(t), "")
}

func TestTaskStoreConformance(t *testing.T) {
	storetest.RunTaskStore(t, openTemp(t))
}

func TestInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()

	storetest.RunTaskStore(t, s)
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offline.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "v1", "GET#http://localhost:5000/", &offlinecache.CacheEntry{Status: 200, Body: []byte("ok")}))
	require.NoError(t, s.Commit(ctx, "v1"))
	require.NoError(t, s.SetCurrent(ctx, "v1"))
	require.NoError(t, s.Append(ctx, &offlinecache.DeferredTask{ID: "t1", Seq: 1, Method: "POST", URL: "http://localhost:5000/push_data"}))
	require.NoError(t, s.Close())

	// migrations must be idempotent across reopen
	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	cur, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", cur)

	got, err := s.Get(ctx, "v1", "GET#http://localhost:5000/")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got.Body))

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}
