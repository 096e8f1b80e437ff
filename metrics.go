package offlinecache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/dgduncan/go-offline-cache"

// request outcomes
const (
	outcomeHit         = "hit"
	outcomeMiss        = "miss"
	outcomeStale       = "stale"
	outcomeUnavailable = "unavailable"
	outcomeNetwork     = "network"
	outcomeDeferred    = "deferred"
)

type metrics struct {
	requests metric.Int64Counter
	installs metric.Int64Counter
	queue    metric.Int64Counter
}

// newMetrics registers instruments on the global meter provider. Registration failures fall
// back to no-op instruments so recording never fails.
func newMetrics() *metrics {
	meter := otel.Meter(meterName)

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}

	return &metrics{
		requests: counter("offlinecache.requests", "Intercepted requests by strategy and outcome."),
		installs: counter("offlinecache.installs", "Version installs by result."),
		queue:    counter("offlinecache.queue.events", "Deferred queue events by kind."),
	}
}

func (m *metrics) request(ctx context.Context, s Strategy, outcome string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", s.String()),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) install(ctx context.Context, result string) {
	m.installs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *metrics) queueEvent(ctx context.Context, kind string) {
	m.queue.Add(ctx, 1, metric.WithAttributes(attribute.String("event", kind)))
}
