package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// New creates a new PostgreSQL connection pool.
func New(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return open(ctx, dsn, nil)
}

// NewElevated creates the pool that runs with master credentials. Every
// statement on it passes through tracer so writes stay attributable to the
// acting user.
func NewElevated(ctx context.Context, dsn string, tracer pgx.QueryTracer) (*pgxpool.Pool, error) {
	if tracer == nil {
		return nil, fmt.Errorf("platform/db: elevated pool requires a query tracer")
	}
	return open(ctx, dsn, func(config *pgxpool.Config) {
		config.ConnConfig.Tracer = tracer
		config.ConnConfig.RuntimeParams["application_name"] = "tourdesk-elevated"
	})
}

func open(ctx context.Context, dsn string, configure func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	if configure != nil {
		configure(config)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping: %w", err)
	}

	return pool, nil
}
