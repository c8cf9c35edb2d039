package registry

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresCatalog mirrors registry entries into PostgreSQL.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

var _ Catalog = (*PostgresCatalog)(nil)

// NewPostgresCatalog connects, pings, and applies the schema.
func NewPostgresCatalog(ctx context.Context, dsn string) (*PostgresCatalog, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	c := &PostgresCatalog{pool: pool}
	if err := c.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return c, nil
}

func (c *PostgresCatalog) initSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Record upserts the entry into the table for its kind.
func (c *PostgresCatalog) Record(ctx context.Context, e Entry) error {
	var query string
	switch e.Kind {
	case KindSession:
		query = `
			INSERT INTO catalog_sessions (session_id, tool, prefix, filename, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id)
			DO UPDATE SET
				tool = EXCLUDED.tool,
				prefix = EXCLUDED.prefix,
				filename = EXCLUDED.filename,
				recorded_at = NOW()
		`
	case KindJob:
		query = `
			INSERT INTO catalog_jobs (job_id, tool, prefix, filename, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (job_id)
			DO UPDATE SET
				tool = EXCLUDED.tool,
				prefix = EXCLUDED.prefix,
				filename = EXCLUDED.filename,
				recorded_at = NOW()
		`
	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}

	if _, err := c.pool.Exec(ctx, query, e.ID, e.Tool, e.Prefix, e.Filename, e.CreatedAt); err != nil {
		return fmt.Errorf("record %s %s: %w", e.Kind, e.ID, err)
	}
	return nil
}

// Close releases database connections.
func (c *PostgresCatalog) Close() error {
	c.pool.Close()
	return nil
}
