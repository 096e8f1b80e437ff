package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches/local"
)

func testTime() time.Time {
	return time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
}

func newTestAdmin(t *testing.T) (*admin, *http.ServeMux) {
	t.Helper()
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>dashboard</html>"))
	}))
	t.Cleanup(upstream.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := loadConfig(settings{Upstream: upstream.URL})
	require.NoError(t, err)
	cfg.Manifest = []string{"/"}

	registry, err := offlinecache.NewRegistry(ctx, local.NewBasicStore(), nil, &cfg, testTime, logger)
	require.NoError(t, err)
	queue, err := offlinecache.NewQueue(ctx, local.NewBasicTaskStore(), nil, &cfg, testTime, logger)
	require.NoError(t, err)
	controller, err := offlinecache.NewController("v1", registry, queue, &cfg, testTime, logger)
	require.NoError(t, err)

	a := &admin{controller: controller, registry: registry, queue: queue, logger: logger}
	mux := http.NewServeMux()
	a.routes(mux)
	return a, mux
}

func serve(mux *http.ServeMux, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestAdminActivate(t *testing.T) {
	t.Parallel()

	a, mux := newTestAdmin(t)

	rec := serve(mux, http.MethodPost, "/_offline/activate")
	assert.Equal(t, http.StatusConflict, rec.Code, "activation before install")

	require.NoError(t, a.controller.Install(context.Background()))

	rec = serve(mux, http.MethodPost, "/_offline/activate")
	require.Equal(t, http.StatusOK, rec.Code)

	var state map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "v1", state["version"])
	assert.Equal(t, "active", state["state"])
	assert.Equal(t, "v1", state["current"])

	rec = serve(mux, http.MethodGet, "/_offline/state")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"active"`)
}

func TestAdminQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, mux := newTestAdmin(t)
	require.NoError(t, a.queue.Enqueue(ctx, offlinecache.DeferredTask{
		Method: http.MethodPost,
		URL:    "http://localhost:5000/push_data",
	}))

	rec := serve(mux, http.MethodGet, "/_offline/queue")
	require.Equal(t, http.StatusOK, rec.Code)

	var tasks []taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, http.MethodPost, tasks[0].Method)
	assert.Nil(t, tasks[0].LastAttempt)

	rec = serve(mux, http.MethodDelete, "/_offline/queue/"+tasks[0].ID)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(mux, http.MethodDelete, "/_offline/queue/"+tasks[0].ID)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(mux, http.MethodGet, "/_offline/queue")
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestAdminOnlineDrains(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, mux := newTestAdmin(t)

	// nothing listens on port 1
	require.NoError(t, a.queue.Enqueue(ctx, offlinecache.DeferredTask{
		Method: http.MethodPost,
		URL:    "http://127.0.0.1:1/push_data",
	}))

	rec := serve(mux, http.MethodPost, "/_offline/online")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	pending, err := a.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestLoadConfigDefaultsOriginToUpstream(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig(settings{Upstream: "http://localhost:5000"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000", cfg.Origin)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestOpenBackendUnknown(t *testing.T) {
	t.Parallel()

	_, err := openBackend(context.Background(), settings{Store: "floppy"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)

	b, err := openBackend(context.Background(), settings{Store: "memory"}, nil)
	require.NoError(t, err)
	assert.NoError(t, b.close())
}
