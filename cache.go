package offlinecache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

// CacheEntry is a stored response. Entries are never patched: a refresh replaces the whole value.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy so callers never share header maps or body slices with a store.
func (e CacheEntry) Clone() CacheEntry {
	return CacheEntry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     bytes.Clone(e.Body),
		StoredAt: e.StoredAt,
	}
}

// Response rebuilds an *http.Response for r from the entry.
func (e CacheEntry) Response(r *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       r,
	}
}

// Store is a backend holding one key/value namespace per version tag, plus the committed
// version set and the persisted current pointer.
//
// Entries written with Set under a tag that has not been committed are staging data: the
// Registry never reads them and drops them when an install fails.
type Store interface {
	Get(ctx context.Context, tag, key string) (*CacheEntry, error)
	Set(ctx context.Context, tag, key string, v *CacheEntry) error

	// Commit records tag as a fully populated version.
	Commit(ctx context.Context, tag string) error
	// Versions lists committed tags.
	Versions(ctx context.Context) ([]string, error)
	// DeleteVersion removes every entry under tag and its commit record.
	DeleteVersion(ctx context.Context, tag string) error

	SetCurrent(ctx context.Context, tag string) error
	// Current returns the persisted current tag, or "" when none was ever set.
	Current(ctx context.Context) (string, error)
}

// DeferredTask is a mutating request captured after a network failure.
type DeferredTask struct {
	ID  string
	Seq int64

	Method string
	URL    string
	Header http.Header
	Body   []byte

	Attempts    int
	EnqueuedAt  time.Time
	LastAttempt time.Time
}

// Clone returns a deep copy of the task.
func (t DeferredTask) Clone() DeferredTask {
	c := t
	c.Header = t.Header.Clone()
	c.Body = bytes.Clone(t.Body)
	return c
}

// TaskStore persists the deferred queue. List must return tasks ordered by Seq ascending.
type TaskStore interface {
	Append(ctx context.Context, t *DeferredTask) error
	List(ctx context.Context) ([]*DeferredTask, error)
	Update(ctx context.Context, t *DeferredTask) error
	Remove(ctx context.Context, id string) error
}
