package offlinecache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches/local"
)

// releaseServer serves the stylesheet of whichever release is currently deployed.
func releaseServer(t *testing.T, release *atomic.Value) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/static/css/style.css":
			w.Write([]byte(release.Load().(string)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

type lifecycleFixture struct {
	network  *switchTransport
	registry *offlinecache.Registry
	queue    *offlinecache.Queue
	cfg      offlinecache.Config
}

func newLifecycleFixture(t *testing.T, origin string) *lifecycleFixture {
	t.Helper()
	ctx := context.Background()

	f := &lifecycleFixture{network: &switchTransport{}, cfg: appConfig(origin)}

	var err error
	f.registry, err = offlinecache.NewRegistry(ctx, local.NewBasicStore(), f.network, &f.cfg, testTime, testLogger())
	require.NoError(t, err)
	f.queue, err = offlinecache.NewQueue(ctx, local.NewBasicTaskStore(), f.network, &f.cfg, testTime, testLogger())
	require.NoError(t, err)
	return f
}

func (f *lifecycleFixture) controller(t *testing.T, tag string) *offlinecache.Controller {
	t.Helper()

	c, err := offlinecache.NewController(tag, f.registry, f.queue, &f.cfg, testTime, testLogger())
	require.NoError(t, err)
	return c
}

func TestNewControllerValidation(t *testing.T) {
	t.Parallel()

	f := newLifecycleFixture(t, "http://localhost:5000")

	tests := []struct {
		name     string
		tag      string
		registry *offlinecache.Registry
		cfg      *offlinecache.Config
	}{
		{name: "missing tag", tag: "", registry: f.registry},
		{name: "missing registry", tag: "v1", registry: nil},
		{name: "relative manifest without origin", tag: "v1", registry: f.registry, cfg: &offlinecache.Config{
			Manifest: []string{"/static/css/style.css"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := offlinecache.NewController(tt.tag, tt.registry, nil, tt.cfg, nil, nil)
			assert.Error(t, err)
			assert.Nil(t, c)
		})
	}
}

func TestControllerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var release atomic.Value
	release.Store("v1 styles")
	server := releaseServer(t, &release)

	f := newLifecycleFixture(t, server.URL)
	c := f.controller(t, "v1")
	client := &http.Client{Transport: c.Transport(f.network)}

	assert.Equal(t, offlinecache.StateUninstalled, c.State())

	// not yet controlling: requests go straight to the network
	f.network.offline.Store(true)
	_, err := client.Get(server.URL + "/static/css/style.css")
	assert.ErrorIs(t, err, errOffline)
	f.network.offline.Store(false)

	err = c.Activate(ctx)
	assert.ErrorIs(t, err, offlinecache.ErrInvalidTransition)

	require.NoError(t, c.Install(ctx))
	assert.Equal(t, offlinecache.StateInstalled, c.State())
	assert.Empty(t, f.registry.Current(), "install alone never promotes")

	require.NoError(t, c.Install(ctx))
	assert.Equal(t, offlinecache.StateInstalled, c.State())

	require.NoError(t, c.Signal(ctx, offlinecache.SignalActivate))
	assert.Equal(t, offlinecache.StateActive, c.State())
	assert.Equal(t, "v1", f.registry.Current())

	require.NoError(t, c.Activate(ctx))

	f.network.offline.Store(true)
	resp, err := client.Get(server.URL + "/static/css/style.css")
	require.NoError(t, err)
	assert.Equal(t, "hit", resp.Header.Get(offlinecache.HeaderCache))
	assert.Equal(t, "v1 styles", readBody(t, resp))
}

func TestInstallFailureStaysInstalling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var release atomic.Value
	release.Store("v1 styles")
	server := releaseServer(t, &release)

	f := newLifecycleFixture(t, server.URL)
	f.cfg.Manifest = append(f.cfg.Manifest, "/static/js/missing.js")
	c := f.controller(t, "v1")

	err := c.Install(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, offlinecache.ErrInstall)
	assert.Equal(t, offlinecache.StateInstalling, c.State())
	assert.False(t, f.registry.Has("v1"))

	assert.ErrorIs(t, c.Activate(ctx), offlinecache.ErrInvalidTransition)
	assert.Empty(t, f.registry.Current())
}

func TestInstallReusesCommittedVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var release atomic.Value
	release.Store("v1 styles")
	server := releaseServer(t, &release)

	f := newLifecycleFixture(t, server.URL)
	require.NoError(t, f.registry.Create(ctx, "v1", f.cfg.Manifest))
	fetched := f.network.calls.Load()

	c := f.controller(t, "v1")
	require.NoError(t, c.Install(ctx))
	assert.Equal(t, offlinecache.StateInstalled, c.State())
	assert.Equal(t, fetched, f.network.calls.Load())
}

func TestVersionHandover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var release atomic.Value
	release.Store("v1 styles")
	server := releaseServer(t, &release)

	f := newLifecycleFixture(t, server.URL)

	old := f.controller(t, "v1")
	require.NoError(t, old.Install(ctx))
	require.NoError(t, old.Activate(ctx))
	oldClient := &http.Client{Transport: old.Transport(f.network)}

	release.Store("v2 styles")
	next := f.controller(t, "v2")
	require.NoError(t, next.Install(ctx))
	nextClient := &http.Client{Transport: next.Transport(f.network)}

	// the old version keeps serving while the new one waits
	require.NoError(t, old.Signal(ctx, offlinecache.SignalSuperseded))
	assert.Equal(t, offlinecache.StateActive, old.State())
	assert.Equal(t, []string{"v1", "v2"}, f.registry.Versions())

	f.network.offline.Store(true)
	resp, err := oldClient.Get(server.URL + "/static/css/style.css")
	require.NoError(t, err)
	assert.Equal(t, "v1 styles", readBody(t, resp))

	require.NoError(t, next.Signal(ctx, offlinecache.SignalActivate))
	assert.Equal(t, "v2", f.registry.Current())
	assert.Equal(t, []string{"v2"}, f.registry.Versions())

	resp, err = nextClient.Get(server.URL + "/static/css/style.css")
	require.NoError(t, err)
	assert.Equal(t, "v2 styles", readBody(t, resp))

	require.NoError(t, old.Signal(ctx, offlinecache.SignalSuperseded))
	assert.Equal(t, offlinecache.StateRedundant, old.State())

	// a redundant controller no longer intercepts
	_, err = oldClient.Get(server.URL + "/static/css/style.css")
	assert.ErrorIs(t, err, errOffline)
}

func TestSignalConnectivityRestored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	server := newReplayServer(t)
	f := newLifecycleFixture(t, server.URL)
	f.cfg.Manifest = nil
	c := f.controller(t, "v1")

	enqueueBodies(t, f.queue, server.URL+"/push_data", "a", "b")

	require.NoError(t, c.Signal(ctx, offlinecache.SignalConnectivityRestored))
	assert.Equal(t, []string{"a", "b"}, server.bodies())

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSignalConnectivityRestoredWakesRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	server := newReplayServer(t, "a")
	f := newLifecycleFixture(t, server.URL)
	f.cfg.Manifest = nil
	f.cfg.DrainInterval = time.Hour

	queue, err := offlinecache.NewQueue(ctx, local.NewBasicTaskStore(), f.network, &f.cfg, testTime, testLogger())
	require.NoError(t, err)
	c, err := offlinecache.NewController("v1", f.registry, queue, &f.cfg, testTime, testLogger())
	require.NoError(t, err)

	enqueueBodies(t, queue, server.URL+"/push_data", "a")

	// the inline drain fails while the server is still rejecting the task
	require.Error(t, c.Signal(ctx, offlinecache.SignalConnectivityRestored))
	<-server.hit

	server.mu.Lock()
	server.fail["a"] = false
	server.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go queue.Run(runCtx)

	select {
	case <-server.hit:
	case <-time.After(5 * time.Second):
		t.Fatal("background drain did not run after the signal")
	}
	assert.Equal(t, []string{"a", "a"}, server.bodies())

	assert.Eventually(t, func() bool {
		pending, err := queue.Pending(ctx)
		return err == nil && len(pending) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStateStrings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state offlinecache.State
		want  string
	}{
		{offlinecache.StateUninstalled, "uninstalled"},
		{offlinecache.StateInstalling, "installing"},
		{offlinecache.StateInstalled, "installed"},
		{offlinecache.StateActivating, "activating"},
		{offlinecache.StateActive, "active"},
		{offlinecache.StateRedundant, "redundant"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}

	assert.Equal(t, "connectivity-restored", offlinecache.SignalConnectivityRestored.String())
}
