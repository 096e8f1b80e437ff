// Package storetest runs the behaviour every Store and TaskStore backend must share.
package storetest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

// RunStore exercises s. It expects an empty backend and uses tags prefixed with prefix so
// shared integration databases do not collide.
func RunStore(t *testing.T, s offlinecache.Store, prefix string) {
	t.Helper()
	ctx := context.Background()

	v1, v2 := prefix+"v1", prefix+"v2"
	key := "GET#http://localhost:5000/"

	entry := &offlinecache.CacheEntry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte("<html></html>"),
		StoredAt: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, v1, key)
		assert.ErrorIs(t, err, caches.ErrNoCacheItem)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, v1, key, entry))

		got, err := s.Get(ctx, v1, key)
		require.NoError(t, err)
		assert.Equal(t, entry.Status, got.Status)
		assert.Equal(t, entry.Body, got.Body)
		assert.Equal(t, "text/html", got.Header.Get("Content-Type"))
		assert.True(t, entry.StoredAt.Equal(got.StoredAt))

		_, err = s.Get(ctx, v2, key)
		assert.ErrorIs(t, err, caches.ErrNoCacheItem, "versions must not share entries")
	})

	t.Run("set overwrites", func(t *testing.T) {
		replaced := &offlinecache.CacheEntry{Status: http.StatusOK, Body: []byte("new")}
		require.NoError(t, s.Set(ctx, v1, key, replaced))

		got, err := s.Get(ctx, v1, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), got.Body)
	})

	t.Run("commit and versions", func(t *testing.T) {
		require.NoError(t, s.Commit(ctx, v1))
		require.NoError(t, s.Commit(ctx, v1))
		require.NoError(t, s.Set(ctx, v2, key, entry))

		tags, err := s.Versions(ctx)
		require.NoError(t, err)
		assert.Contains(t, tags, v1)
		assert.NotContains(t, tags, v2, "uncommitted versions must not be listed")
	})

	t.Run("current", func(t *testing.T) {
		require.NoError(t, s.SetCurrent(ctx, v1))
		cur, err := s.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, v1, cur)
	})

	t.Run("delete version", func(t *testing.T) {
		require.NoError(t, s.DeleteVersion(ctx, v2))
		_, err := s.Get(ctx, v2, key)
		assert.ErrorIs(t, err, caches.ErrNoCacheItem)

		require.NoError(t, s.DeleteVersion(ctx, v1))
		_, err = s.Get(ctx, v1, key)
		assert.ErrorIs(t, err, caches.ErrNoCacheItem)

		tags, err := s.Versions(ctx)
		require.NoError(t, err)
		assert.NotContains(t, tags, v1)
	})
}

// RunTaskStore exercises ts. It expects an empty queue.
func RunTaskStore(t *testing.T, ts offlinecache.TaskStore) {
	t.Helper()
	ctx := context.Background()

	enqueued := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	tasks := []*offlinecache.DeferredTask{
		{ID: "task-b", Seq: 20, Method: http.MethodPost, URL: "http://localhost:5000/push_data", EnqueuedAt: enqueued},
		{ID: "task-a", Seq: 10, Method: http.MethodPost, URL: "http://localhost:5000/push_data",
			Header: http.Header{"Content-Type": []string{"application/json"}}, Body: []byte(`{"category":1}`), EnqueuedAt: enqueued},
		{ID: "task-c", Seq: 30, Method: http.MethodPost, URL: "http://localhost:5000/clear_notifications", EnqueuedAt: enqueued},
	}
	for _, task := range tasks {
		require.NoError(t, ts.Append(ctx, task))
	}

	listed, err := ts.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, []string{"task-a", "task-b", "task-c"}, []string{listed[0].ID, listed[1].ID, listed[2].ID})
	assert.Equal(t, []byte(`{"category":1}`), listed[0].Body)
	assert.Equal(t, "application/json", listed[0].Header.Get("Content-Type"))
	assert.True(t, enqueued.Equal(listed[0].EnqueuedAt))

	first := listed[0]
	first.Attempts = 2
	first.LastAttempt = enqueued.Add(time.Minute)
	require.NoError(t, ts.Update(ctx, first))

	require.NoError(t, ts.Remove(ctx, "task-b"))
	assert.ErrorIs(t, ts.Remove(ctx, "task-b"), caches.ErrNoCacheItem)

	listed, err = ts.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "task-a", listed[0].ID)
	assert.Equal(t, 2, listed[0].Attempts)
	assert.True(t, enqueued.Add(time.Minute).Equal(listed[0].LastAttempt))
	assert.Equal(t, "task-c", listed[1].ID)

	require.NoError(t, ts.Remove(ctx, "task-a"))
	require.NoError(t, ts.Remove(ctx, "task-c"))
}
