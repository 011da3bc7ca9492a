// Package durable is the Durable Store: the authoritative, long-term home
// for each room's flow document. The Room Controller writes to it only on
// the sync-debounce tick or during finalization — the Warm Cache is the hot
// path's source of truth between those writes (see spec.md §5).
package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgxpgconn "github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	queryLatency      metric.Float64Histogram
	activeConnections metric.Int64UpDownCounter
)

// Store wraps a pgx connection pool with tracing and latency instrumentation
// matching the engine's other downstream adapters.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the durable store and verifies connectivity.
func New(dsn string) (*Store, error) {
	var err error

	meter := otel.Meter("durable-store")
	queryLatency, err = meter.Float64Histogram("durable.query.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create durable.query.latency instrument: %w", err)
	}
	activeConnections, err = meter.Int64UpDownCounter("durable.active.connections", metric.WithUnit("connections"))
	if err != nil {
		return nil, fmt.Errorf("failed to create durable.active.connections instrument: %w", err)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	config.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		_, span := otel.Tracer("durable-store").Start(ctx, "durable.connection.acquire")
		defer span.End()
		activeConnections.Add(ctx, 1)
		return true
	}
	config.AfterRelease = func(conn *pgx.Conn) bool {
		activeConnections.Add(context.Background(), -1)
		return true
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to durable store: %w", err)
	}

	ctx, span := otel.Tracer("durable-store").Start(context.Background(), "durable.ping")
	defer span.End()
	if err := pool.Ping(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to ping durable store")
		return nil, fmt.Errorf("failed to ping durable store: %w", err)
	}
	span.SetStatus(codes.Ok, "durable store connected")

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) queryRow(ctx context.Context, name, query string, args ...interface{}) pgx.Row {
	start := time.Now()
	ctx, span := otel.Tracer("durable-store").Start(ctx, name)
	defer func() {
		queryLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("durable.query", name)))
		span.End()
	}()
	return s.pool.QueryRow(ctx, query, args...)
}

func (s *Store) exec(ctx context.Context, name, query string, args ...interface{}) (pgxpgconn.CommandTag, error) {
	start := time.Now()
	ctx, span := otel.Tracer("durable-store").Start(ctx, name)
	defer func() {
		queryLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("durable.query", name)))
		span.End()
	}()
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "durable exec failed")
	}
	return tag, err
}
