// Package warmcache is the Warm Cache: the hot-path source of truth for a
// room's flow document between Durable Store syncs (spec.md §5.1). It also
// carries the pending-changes list consumed by the sync debounce tick, short
// TTL cursor positions, and the cross-instance Pub/Sub fan-out that lets a
// broadcast reach participants connected to a different engine instance.
package warmcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	commandLatency     metric.Float64Histogram
	commandLatencyOnce sync.Once
)

// ensureInstruments lazily creates the shared meter instrument, so tests
// can construct a Cache via NewFromClient without a prior call to New.
func ensureInstruments() error {
	var err error
	commandLatencyOnce.Do(func() {
		meter := otel.Meter("warmcache-client")
		commandLatency, err = meter.Float64Histogram("warmcache.command.latency", metric.WithUnit("ms"))
	})
	return err
}

// Cache wraps a redis client with tracing and latency instrumentation.
type Cache struct {
	client *redis.Client
}

// New connects to the Warm Cache and verifies connectivity.
func New(dsn string) (*Cache, error) {
	if err := ensureInstruments(); err != nil {
		return nil, fmt.Errorf("failed to create warmcache.command.latency instrument: %w", err)
	}

	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse warm cache URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, span := otel.Tracer("warmcache-client").Start(context.Background(), "warmcache.ping")
	defer span.End()
	if err := client.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to ping warm cache")
		return nil, fmt.Errorf("failed to connect to warm cache: %w", err)
	}
	span.SetStatus(codes.Ok, "warm cache connected")

	return &Cache{client: client}, nil
}

// NewFromClient wraps an already-constructed client (used by tests against
// miniredis, and by any future cluster-mode client). Unlike New, it never
// fails, so it lazily ensures the shared instrument itself on first use via
// instrument rather than up front.
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) instrument(ctx context.Context, name string) (context.Context, func()) {
	_ = ensureInstruments()
	start := time.Now()
	ctx, span := otel.Tracer("warmcache-client").Start(ctx, name, trace.WithAttributes())
	return ctx, func() {
		commandLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("warmcache.command", name)))
		span.End()
	}
}
