package offlinecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// HeaderCache marks responses answered by the interceptor rather than the network.
	HeaderCache = "X-Offline-Cache"

	headerRange       = "Range"
	headerContentType = "Content-Type"
)

const (
	cacheHit         = "hit"
	cacheStale       = "stale"
	cacheUnavailable = "unavailable"
)

// Interceptor implements http.RoundTripper and answers every request of the application
// either from the current version of the Registry or from the network, according to the
// routing policy. Mutating requests that fail to reach the network are handed to the Queue.
type Interceptor struct {
	Wrapped http.RoundTripper

	registry *Registry
	queue    *Queue
	policy   RoutingPolicy
	hosts    map[string]struct{}

	logger  *slog.Logger
	now     func() time.Time
	metrics *metrics
}

// RoundTrip implements http.RoundTripper.
//
// Read requests never fail outward for CacheFirst and NetworkFirst: they resolve to a stored
// response, a fresh one, or a synthesized 503. Mutating requests return the network result
// unchanged; on a transport error they are additionally queued for replay.
func (c *Interceptor) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	if isMutatingMethod(r.Method) {
		return c.mutate(r)
	}
	if !isReadMethod(r.Method) || r.Header.Get(headerRange) != "" {
		return c.Wrapped.RoundTrip(r)
	}

	strategy := c.policy.Match(r.URL)
	id := IdentityOf(r)

	switch strategy {
	case CacheFirst:
		return c.cacheFirst(ctx, r, id)
	case NetworkOnly:
		c.logger.DebugContext(ctx, "network only", "url", id.URL)
		c.metrics.request(ctx, strategy, outcomeNetwork)
		return c.Wrapped.RoundTrip(r)
	default:
		return c.networkFirst(ctx, r, id)
	}
}

func (c *Interceptor) cacheFirst(ctx context.Context, r *http.Request, id Identity) (*http.Response, error) {
	tag := c.registry.Current()

	if entry, ok := c.lookup(context.WithoutCancel(ctx), tag, id); ok {
		c.logger.DebugContext(ctx, "cache entry found", "url", id.URL, "version", tag)
		c.metrics.request(ctx, CacheFirst, outcomeHit)
		return served(entry, r, cacheHit), nil
	}

	c.logger.DebugContext(ctx, "cache entry not found", "url", id.URL, "version", tag)

	resp, err := c.fetch(ctx, r, tag, id)
	if err != nil {
		c.logger.DebugContext(ctx, "network failure on cache miss", "url", id.URL, "error", err)
		c.metrics.request(ctx, CacheFirst, outcomeUnavailable)
		return unavailable(r), nil
	}

	c.metrics.request(ctx, CacheFirst, outcomeMiss)
	return resp, nil
}

func (c *Interceptor) networkFirst(ctx context.Context, r *http.Request, id Identity) (*http.Response, error) {
	tag := c.registry.Current()

	resp, err := c.fetch(ctx, r, tag, id)
	if err == nil {
		c.metrics.request(ctx, NetworkFirst, outcomeNetwork)
		return resp, nil
	}

	c.logger.DebugContext(ctx, "network failure, falling back to cache", "url", id.URL, "error", err)

	// a timed out request still resolves to the stored entry
	if entry, ok := c.lookup(context.WithoutCancel(ctx), tag, id); ok {
		c.metrics.request(ctx, NetworkFirst, outcomeStale)
		return served(entry, r, cacheStale), nil
	}

	c.metrics.request(ctx, NetworkFirst, outcomeUnavailable)
	return unavailable(r), nil
}

// fetch sends r to the network and writes an eligible response through to version tag.
// An error is returned only for network failures, including truncated bodies.
func (c *Interceptor) fetch(ctx context.Context, r *http.Request, tag string, id Identity) (*http.Response, error) {
	resp, err := c.Wrapped.RoundTrip(r)
	if err != nil {
		return nil, errors.Join(ErrNetwork, err)
	}

	if tag == "" || !c.cacheable(r, resp) {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, errors.Join(ErrNetwork, fmt.Errorf("read body: %w", err))
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	entry := CacheEntry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: c.now().UTC(),
	}
	if putErr := c.registry.Put(ctx, tag, id, entry); putErr != nil {
		c.logger.WarnContext(ctx, "error caching response", "url", id.URL, "version", tag, "error", putErr)
	} else {
		c.logger.DebugContext(ctx, "caching response", "url", id.URL, "version", tag)
	}

	return resp, nil
}

func (c *Interceptor) lookup(ctx context.Context, tag string, id Identity) (CacheEntry, bool) {
	if tag == "" {
		return CacheEntry{}, false
	}
	entry, err := c.registry.Get(ctx, tag, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.WarnContext(ctx, "error reading cache", "url", id.URL, "version", tag, "error", err)
		}
		return CacheEntry{}, false
	}
	return entry, true
}

// cacheable reports whether resp is a complete, successful same-origin response.
func (c *Interceptor) cacheable(r *http.Request, resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.StatusCode == http.StatusPartialContent {
		return false
	}
	if c.hosts == nil {
		return true
	}
	_, ok := c.hosts[normalizedHost(r.URL)]
	return ok
}

func (c *Interceptor) mutate(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	out := r
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
		out = r.Clone(ctx)
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
		out.ContentLength = int64(len(body))
	}

	resp, err := c.Wrapped.RoundTrip(out)
	if err == nil || c.queue == nil {
		return resp, err
	}

	task := DeferredTask{
		Method: strings.ToUpper(r.Method),
		URL:    NormalizeURL(r.URL),
		Header: r.Header.Clone(),
		Body:   body,
	}
	// the caller's request context is usually already done here
	if qErr := c.queue.Enqueue(context.WithoutCancel(ctx), task); qErr != nil {
		c.logger.WarnContext(ctx, "error deferring request", "url", task.URL, "error", qErr)
	} else {
		c.logger.DebugContext(ctx, "request deferred", "method", task.Method, "url", task.URL, "error", err)
		c.metrics.request(ctx, NetworkOnly, outcomeDeferred)
	}

	return resp, err
}

func served(entry CacheEntry, r *http.Request, marker string) *http.Response {
	resp := entry.Response(r)
	resp.Header.Set(HeaderCache, marker)
	return resp
}

func unavailable(r *http.Request) *http.Response {
	entry := CacheEntry{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{headerContentType: []string{"text/plain; charset=utf-8"}},
		Body:   []byte("offline: resource unavailable\n"),
	}
	return served(entry, r, cacheUnavailable)
}

// New creates a transport middleware that routes every request through the registry's
// current version and defers failed mutating requests to queue.
//
// If the 'now' function is nil, time.Now will be used as the default time provider.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
// A nil queue disables deferral; a nil opts uses DefaultConfig.
func New(
	registry *Registry,
	queue *Queue,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) func(http.RoundTripper) http.RoundTripper {
	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig()
	} else {
		c = *opts
	}

	m := newMetrics()
	policy := c.Policy()
	hosts := c.cacheableHosts()

	return func(rt http.RoundTripper) http.RoundTripper {
		if rt == nil {
			rt = http.DefaultTransport
		}
		return &Interceptor{
			Wrapped:  rt,
			registry: registry,
			queue:    queue,
			policy:   policy,
			hosts:    hosts,
			logger:   logger,
			now:      nowFunc,
			metrics:  m,
		}
	}
}
