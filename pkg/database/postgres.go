package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veridata-exchange/exchange-engine/pkg/config"
)

// DB wraps a pgxpool connection pool. It is also the production Transactor
// behind the repositories.
type DB struct {
	*pgxpool.Pool
}

// Connections are recycled on a fixed schedule; a protocol engine holds no
// long-lived sessions, so idle connections age out quickly.
const (
	connLifetime = time.Hour
	connIdleTime = 30 * time.Minute
)

// Connect opens a pool against the configured database and verifies it is
// reachable before handing it out.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	poolCfg.MaxConnLifetime = connLifetime
	poolCfg.MaxConnIdleTime = connIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}
