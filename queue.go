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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dgduncan/go-offline-cache/caches"
)

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Replayed  int
	Discarded int
	Remaining int
}

// Queue holds mutating requests that could not reach the network and replays them in the
// order they were captured. Replays are serialized: one task is in flight at a time and a
// failure halts the drain so later mutations are never applied before earlier ones.
type Queue struct {
	store   TaskStore
	network http.RoundTripper

	maxAttempts int
	interval    time.Duration
	maxInterval time.Duration
	limiter     *rate.Limiter

	logger  *slog.Logger
	now     func() time.Time
	metrics *metrics

	notify chan struct{}

	drainMu sync.Mutex

	seqMu   sync.Mutex
	lastSeq int64
}

// NewQueue creates a queue persisted in store whose tasks are replayed through network.
// A nil network uses http.DefaultTransport.
func NewQueue(
	ctx context.Context,
	store TaskStore,
	network http.RoundTripper,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) (*Queue, error) {
	if store == nil {
		return nil, caches.ValidationError{Reason: "nil task store"}
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

	q := &Queue{
		store:       store,
		network:     network,
		maxAttempts: c.MaxReplayAttempts,
		interval:    c.DrainInterval,
		maxInterval: c.MaxDrainInterval,
		logger:      logger,
		now:         now,
		metrics:     newMetrics(),
		notify:      make(chan struct{}, 1),
	}
	if q.interval <= 0 {
		q.interval = defaultDrainInterval
	}
	if q.maxInterval < q.interval {
		q.maxInterval = q.interval
	}
	if c.ReplayInterval > 0 {
		q.limiter = rate.NewLimiter(rate.Every(c.ReplayInterval), 1)
	}

	tasks, err := store.List(ctx)
	if err != nil {
		return nil, errors.Join(ErrStorage, fmt.Errorf("list tasks: %w", err))
	}
	for _, t := range tasks {
		if t.Seq > q.lastSeq {
			q.lastSeq = t.Seq
		}
	}

	return q, nil
}

func (q *Queue) nextSeq() int64 {
	q.seqMu.Lock()
	defer q.seqMu.Unlock()

	seq := q.now().UnixNano()
	if seq <= q.lastSeq {
		seq = q.lastSeq + 1
	}
	q.lastSeq = seq
	return seq
}

// Enqueue appends task to the end of the queue. ID, Seq and EnqueuedAt are assigned here.
func (q *Queue) Enqueue(ctx context.Context, task DeferredTask) error {
	if strings.TrimSpace(task.Method) == "" || strings.TrimSpace(task.URL) == "" {
		return errors.New("deferred task requires method and url")
	}

	t := task.Clone()
	t.ID = uuid.NewString()
	t.Seq = q.nextSeq()
	t.Method = strings.ToUpper(t.Method)
	t.Attempts = 0
	t.EnqueuedAt = q.now().UTC()
	t.LastAttempt = time.Time{}

	if err := q.store.Append(ctx, &t); err != nil {
		return errors.Join(ErrStorage, fmt.Errorf("append task: %w", err))
	}

	q.metrics.queueEvent(ctx, "enqueued")
	q.logger.InfoContext(ctx, "task deferred", "task", t.ID, "method", t.Method, "url", t.URL)
	return nil
}

// Drain replays queued tasks oldest first. A successful (2xx) replay removes the task.
// The first failure increments that task's attempt counter and stops the drain; the
// remaining tasks wait for the next cycle.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	tasks, err := q.store.List(ctx)
	if err != nil {
		return DrainResult{}, errors.Join(ErrStorage, fmt.Errorf("list tasks: %w", err))
	}

	var res DrainResult
	for i, t := range tasks {
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				res.Remaining = len(tasks) - i
				return res, err
			}
		}
		if err := ctx.Err(); err != nil {
			res.Remaining = len(tasks) - i
			return res, err
		}

		replayErr := q.replay(ctx, t)

		// bookkeeping must land even when ctx ends mid-replay
		persistCtx := context.WithoutCancel(ctx)

		if replayErr == nil {
			if err := q.store.Remove(persistCtx, t.ID); err != nil {
				res.Remaining = len(tasks) - i
				return res, errors.Join(ErrStorage, fmt.Errorf("remove task %s: %w", t.ID, err))
			}
			res.Replayed++
			q.metrics.queueEvent(ctx, "replayed")
			q.logger.InfoContext(ctx, "task replayed", "task", t.ID, "method", t.Method, "url", t.URL)
			continue
		}

		res.Remaining = len(tasks) - i
		if err := ctx.Err(); err != nil {
			// stopped by the caller, not a failed replay
			q.logger.DebugContext(persistCtx, "drain cancelled", "task", t.ID, "error", err)
			return res, err
		}

		t.Attempts++
		t.LastAttempt = q.now().UTC()

		if q.maxAttempts > 0 && t.Attempts >= q.maxAttempts {
			if err := q.store.Remove(persistCtx, t.ID); err != nil {
				q.logger.WarnContext(ctx, "error discarding task", "task", t.ID, "error", err)
			} else {
				res.Discarded++
				res.Remaining--
				q.metrics.queueEvent(ctx, "discarded")
				q.logger.WarnContext(ctx, "task discarded after max attempts",
					"task", t.ID, "attempts", t.Attempts, "error", replayErr)
			}
		} else if err := q.store.Update(persistCtx, t); err != nil {
			q.logger.WarnContext(ctx, "error recording replay attempt", "task", t.ID, "error", err)
		}

		q.metrics.queueEvent(ctx, "failed")
		q.logger.DebugContext(ctx, "replay failed, halting drain", "task", t.ID, "attempts", t.Attempts, "error", replayErr)
		return res, &ReplayError{TaskID: t.ID, Attempts: t.Attempts, Err: replayErr}
	}

	return res, nil
}

func (q *Queue) replay(ctx context.Context, t *DeferredTask) error {
	var body io.Reader
	if len(t.Body) > 0 {
		body = bytes.NewReader(t.Body)
	}
	req, err := http.NewRequestWithContext(ctx, t.Method, t.URL, body)
	if err != nil {
		return err
	}
	for k, v := range t.Header {
		req.Header[k] = append([]string(nil), v...)
	}

	resp, err := q.network.RoundTrip(req)
	if err != nil {
		return errors.Join(ErrNetwork, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Discard removes a task without replaying it.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	if err := q.store.Remove(ctx, id); err != nil {
		if errors.Is(err, caches.ErrNoCacheItem) {
			return ErrNotFound
		}
		return errors.Join(ErrStorage, err)
	}

	q.metrics.queueEvent(ctx, "discarded")
	q.logger.InfoContext(ctx, "task discarded", "task", id)
	return nil
}

// Pending returns copies of the queued tasks in replay order.
func (q *Queue) Pending(ctx context.Context) ([]DeferredTask, error) {
	tasks, err := q.store.List(ctx)
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	out := make([]DeferredTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

// Notify signals that connectivity was restored. It never blocks.
func (q *Queue) Notify() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run drains the queue on every Notify and on a periodic timer until ctx is done. After a
// failed drain the timer backs off exponentially; a clean drain resets it.
func (q *Queue) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.interval
	b.MaxInterval = q.maxInterval

	timer := time.NewTimer(q.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}

		next := q.interval
		res, err := q.Drain(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			next = b.NextBackOff()
			if next == backoff.Stop {
				next = q.maxInterval
			}
			q.logger.WarnContext(ctx, "drain halted", "error", err, "remaining", res.Remaining, "retry_in", next.String())
		} else {
			b.Reset()
			if res.Replayed > 0 {
				q.logger.InfoContext(ctx, "queue drained", "replayed", res.Replayed)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}
