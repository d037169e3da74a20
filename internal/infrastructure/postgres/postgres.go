// Package postgres provides a pgx connection pool for deployments that
// keep readings and notifications in PostgreSQL instead of SQLite.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botcareu/botcareu-core/internal/infrastructure/config"
)

const connectTimeout = 10 * time.Second

// ErrNoDSN is returned when Connect is called without a DSN.
var ErrNoDSN = errors.New("postgres: dsn is empty")

// Pool wraps pgxpool.Pool with health checking.
type Pool struct {
	*pgxpool.Pool
}

// Connect parses cfg.DSN, applies the pool size and verifies connectivity.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*Pool, error) {
	if cfg.DSN == "" {
		return nil, ErrNoDSN
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres not reachable: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck pings the database.
func (p *Pool) HealthCheck(ctx context.Context) error {
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// Close releases every pooled connection.
func (p *Pool) Close() error {
	p.Pool.Close()
	return nil
}
