package database

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectPool opens a pgx pool for bulk loads. dsn may be a URL or a keyword/value string.
func ConnectPool(ctx context.Context, dsn string, maxConns int32, logger ectologger.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MaxConnIdleTime = 5 * time.Minute

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping pool: %w", err)
	}
	logger.WithContext(ctx).WithFields(map[string]any{"max_conns": config.MaxConns}).Info("Connected bulk load pool")
	return pool, nil
}
