package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// State is a step of the version lifecycle.
type State int32

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	// StateRedundant is entered by an active controller once a newer version has become current.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Signal is a discrete event raised by the host runtime.
type Signal int

const (
	// SignalActivate asks an installed version to take over.
	SignalActivate Signal = iota
	// SignalConnectivityRestored triggers a drain of the deferred queue.
	SignalConnectivityRestored
	// SignalSuperseded tells an active version a newer one is being deployed.
	SignalSuperseded
)

func (s Signal) String() string {
	switch s {
	case SignalActivate:
		return "activate"
	case SignalConnectivityRestored:
		return "connectivity-restored"
	case SignalSuperseded:
		return "superseded"
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// Controller drives one version through install, activation and serving.
//
// Transitions are serialized; State may be read at any time. Several controllers may share a
// Registry: an older one stays active until a newer one has been promoted.
type Controller struct {
	tag      string
	manifest []string

	registry  *Registry
	queue     *Queue
	intercept func(http.RoundTripper) http.RoundTripper

	logger *slog.Logger

	transition sync.Mutex
	state      atomic.Int32
}

// NewController creates a controller for version tag. The manifest installed is opts.Manifest.
// A nil queue disables deferral of failed mutating requests.
func NewController(
	tag string,
	registry *Registry,
	queue *Queue,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) (*Controller, error) {
	if tag == "" {
		return nil, errors.New("version tag required")
	}
	if registry == nil {
		return nil, errors.New("registry required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := DefaultConfig()
	if opts != nil {
		c = *opts
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	manifest := make([]string, len(c.Manifest))
	copy(manifest, c.Manifest)

	return &Controller{
		tag:       tag,
		manifest:  manifest,
		registry:  registry,
		queue:     queue,
		intercept: New(registry, queue, &c, now, logger.With("version", tag)),
		logger:    logger.With("version", tag),
	}, nil
}

// Tag returns the version this controller manages.
func (c *Controller) Tag() string { return c.tag }

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) set(ctx context.Context, s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.InfoContext(ctx, "lifecycle transition", "from", prev.String(), "to", s.String())
	}
}

// Install materializes the version. A failed install leaves the controller in Installing so
// the host may retry; it is never promoted.
func (c *Controller) Install(ctx context.Context) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	if c.State() >= StateInstalled {
		return nil
	}

	c.set(ctx, StateInstalling)

	if c.registry.Has(c.tag) {
		c.logger.InfoContext(ctx, "version already installed")
		c.set(ctx, StateInstalled)
		return nil
	}

	if err := c.registry.Create(ctx, c.tag, c.manifest); err != nil {
		if errors.Is(err, ErrVersionExists) {
			c.set(ctx, StateInstalled)
			return nil
		}
		c.logger.WarnContext(ctx, "install failed", "error", err)
		return err
	}

	c.set(ctx, StateInstalled)
	return nil
}

// Activate promotes the installed version and evicts every other version. Eviction runs
// only after promotion succeeded; an eviction failure is logged and leaves the controller
// active since the new version is already current.
func (c *Controller) Activate(ctx context.Context) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	switch s := c.State(); s {
	case StateActive:
		return nil
	case StateInstalled:
	default:
		return fmt.Errorf("activate from %s: %w", s, ErrInvalidTransition)
	}

	c.set(ctx, StateActivating)

	if err := c.registry.Promote(ctx, c.tag); err != nil {
		c.set(ctx, StateInstalled)
		return err
	}

	evicted, err := c.registry.EvictStale(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "error evicting stale versions", "error", err)
	}

	c.set(ctx, StateActive)
	c.logger.InfoContext(ctx, "version active", "evicted", evicted)
	return nil
}

// Signal handles a host event.
func (c *Controller) Signal(ctx context.Context, sig Signal) error {
	c.logger.DebugContext(ctx, "signal received", "signal", sig.String(), "state", c.State().String())

	switch sig {
	case SignalActivate:
		return c.Activate(ctx)

	case SignalConnectivityRestored:
		if c.queue == nil {
			return nil
		}
		_, err := c.queue.Drain(ctx)
		// wake Run so a backed-off timer restarts from the base interval
		c.queue.Notify()
		return err

	case SignalSuperseded:
		c.transition.Lock()
		defer c.transition.Unlock()

		if c.State() != StateActive {
			return nil
		}
		if current := c.registry.Current(); current == "" || current == c.tag {
			// the newer version has not been promoted yet
			return nil
		}
		c.set(ctx, StateRedundant)
		return nil
	}

	return fmt.Errorf("unknown signal %d", int(sig))
}

// Transport returns a RoundTripper that routes through the interceptor while the controller
// is active and straight to next otherwise.
func (c *Controller) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &controllerTransport{c: c, next: next, intercepted: c.intercept(next)}
}

type controllerTransport struct {
	c           *Controller
	next        http.RoundTripper
	intercepted http.RoundTripper
}

func (t *controllerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.c.State() == StateActive {
		return t.intercepted.RoundTrip(r)
	}
	return t.next.RoundTrip(r)
}
