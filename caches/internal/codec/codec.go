// Package codec serializes cache entries and deferred tasks for the storage backends.
package codec

import (
	"bytes"
	"encoding/gob"

	"github.com/goccy/go-json"

	offlinecache "github.com/dgduncan/go-offline-cache"
)

// EncodeEntry gob-encodes a cache entry.
func EncodeEntry(e *offlinecache.CacheEntry) ([]byte, error) {
	var buff bytes.Buffer
	if err := gob.NewEncoder(&buff).Encode(e); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// DecodeEntry reverses EncodeEntry.
func DecodeEntry(b []byte) (*offlinecache.CacheEntry, error) {
	var e offlinecache.CacheEntry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// task is the JSON form of a deferred task, readable by operators inspecting a backend.
type task struct {
	ID          string              `json:"id"`
	Seq         int64               `json:"seq"`
	Method      string              `json:"method"`
	URL         string              `json:"url"`
	Header      map[string][]string `json:"header,omitempty"`
	Body        []byte              `json:"body,omitempty"`
	Attempts    int                 `json:"attempts"`
	EnqueuedAt  int64               `json:"enqueued_at"`
	LastAttempt int64               `json:"last_attempt,omitempty"`
}

// EncodeTask JSON-encodes a deferred task. Times are stored as unix milliseconds.
func EncodeTask(t *offlinecache.DeferredTask) ([]byte, error) {
	return json.Marshal(task{
		ID:          t.ID,
		Seq:         t.Seq,
		Method:      t.Method,
		URL:         t.URL,
		Header:      t.Header,
		Body:        t.Body,
		Attempts:    t.Attempts,
		EnqueuedAt:  ToMillis(t.EnqueuedAt),
		LastAttempt: ToMillis(t.LastAttempt),
	})
}

// DecodeTask reverses EncodeTask.
func DecodeTask(b []byte) (*offlinecache.DeferredTask, error) {
	var raw task
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return &offlinecache.DeferredTask{
		ID:          raw.ID,
		Seq:         raw.Seq,
		Method:      raw.Method,
		URL:         raw.URL,
		Header:      raw.Header,
		Body:        raw.Body,
		Attempts:    raw.Attempts,
		EnqueuedAt:  FromMillis(raw.EnqueuedAt),
		LastAttempt: FromMillis(raw.LastAttempt),
	}, nil
}
