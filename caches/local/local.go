// Package local provides in-memory Store and TaskStore implementations. Nothing survives a
// restart; use it for tests or hosts that only need offline serving for a process lifetime.
package local

import (
	"context"
	"slices"
	"sort"
	"sync"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

type BasicStore struct {
	entries   map[string]map[string]offlinecache.CacheEntry
	committed map[string]struct{}
	current   string

	lock sync.RWMutex
}

func (bs *BasicStore) Get(_ context.Context, tag, key string) (*offlinecache.CacheEntry, error) {
	bs.lock.RLock()
	defer bs.lock.RUnlock()

	val, found := bs.entries[tag][key]
	if !found {
		return nil, caches.ErrNoCacheItem
	}

	e := val.Clone()
	return &e, nil
}

func (bs *BasicStore) Set(_ context.Context, tag, key string, item *offlinecache.CacheEntry) error {
	bs.lock.Lock()
	defer bs.lock.Unlock()

	version, ok := bs.entries[tag]
	if !ok {
		version = make(map[string]offlinecache.CacheEntry)
		bs.entries[tag] = version
	}
	version[key] = item.Clone()

	return nil
}

func (bs *BasicStore) Commit(_ context.Context, tag string) error {
	bs.lock.Lock()
	defer bs.lock.Unlock()

	bs.committed[tag] = struct{}{}
	return nil
}

func (bs *BasicStore) Versions(_ context.Context) ([]string, error) {
	bs.lock.RLock()
	defer bs.lock.RUnlock()

	tags := make([]string, 0, len(bs.committed))
	for tag := range bs.committed {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags, nil
}

func (bs *BasicStore) DeleteVersion(_ context.Context, tag string) error {
	bs.lock.Lock()
	defer bs.lock.Unlock()

	delete(bs.entries, tag)
	delete(bs.committed, tag)
	return nil
}

func (bs *BasicStore) SetCurrent(_ context.Context, tag string) error {
	bs.lock.Lock()
	defer bs.lock.Unlock()

	bs.current = tag
	return nil
}

func (bs *BasicStore) Current(_ context.Context) (string, error) {
	bs.lock.RLock()
	defer bs.lock.RUnlock()

	return bs.current, nil
}

// Len returns the number of entries held under tag, committed or not.
func (bs *BasicStore) Len(tag string) int {
	bs.lock.RLock()
	defer bs.lock.RUnlock()

	return len(bs.entries[tag])
}

func NewBasicStore() *BasicStore {
	return &BasicStore{
		entries:   make(map[string]map[string]offlinecache.CacheEntry),
		committed: make(map[string]struct{}),
	}
}

type BasicTaskStore struct {
	tasks map[string]offlinecache.DeferredTask

	lock sync.RWMutex
}

func (bq *BasicTaskStore) Append(_ context.Context, t *offlinecache.DeferredTask) error {
	bq.lock.Lock()
	defer bq.lock.Unlock()

	bq.tasks[t.ID] = t.Clone()
	return nil
}

func (bq *BasicTaskStore) List(_ context.Context) ([]*offlinecache.DeferredTask, error) {
	bq.lock.RLock()
	defer bq.lock.RUnlock()

	out := make([]*offlinecache.DeferredTask, 0, len(bq.tasks))
	for _, t := range bq.tasks {
		c := t.Clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (bq *BasicTaskStore) Update(_ context.Context, t *offlinecache.DeferredTask) error {
	bq.lock.Lock()
	defer bq.lock.Unlock()

	if _, ok := bq.tasks[t.ID]; !ok {
		return caches.ErrNoCacheItem
	}
	bq.tasks[t.ID] = t.Clone()
	return nil
}

func (bq *BasicTaskStore) Remove(_ context.Context, id string) error {
	bq.lock.Lock()
	defer bq.lock.Unlock()

	if _, ok := bq.tasks[id]; !ok {
		return caches.ErrNoCacheItem
	}
	delete(bq.tasks, id)
	return nil
}

func NewBasicTaskStore() *BasicTaskStore {
	return &BasicTaskStore{
		tasks: make(map[string]offlinecache.DeferredTask),
	}
}
