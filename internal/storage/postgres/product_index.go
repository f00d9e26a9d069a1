// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "products"

// ProductIndexConfig controls the Postgres connection pool used for product rows.
type ProductIndexConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ProductIndex upserts parsed product records into Postgres.
type ProductIndex struct {
	pool  execCloser
	table string
}

// NewProductIndex creates a Postgres-backed ProductIndex using the provided config.
func NewProductIndex(ctx context.Context, cfg ProductIndexConfig) (*ProductIndex, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ProductIndex{
		pool:  pool,
		table: table,
	}, nil
}

// NewProductIndexWithPool constructs an index from an existing pool (primarily for testing).
func NewProductIndexWithPool(pool execCloser, table string) (*ProductIndex, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ProductIndex{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ProductIndex) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the products table when it does not exist.
func (s *ProductIndex) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	title      TEXT NOT NULL,
	code       BIGINT,
	price      DOUBLE PRECISION,
	guid       TEXT,
	payload    JSONB NOT NULL,
	indexed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Upsert inserts the product or replaces the existing row with the same id.
func (s *ProductIndex) Upsert(ctx context.Context, product crawler.Product) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("product index is not configured")
	}
	if product.ID == "" {
		return fmt.Errorf("product id is required")
	}
	payload, err := json.Marshal(product)
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	source_url,
	title,
	code,
	price,
	guid,
	payload
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)
ON CONFLICT (id) DO UPDATE SET
	source_url = EXCLUDED.source_url,
	title = EXCLUDED.title,
	code = EXCLUDED.code,
	price = EXCLUDED.price,
	guid = EXCLUDED.guid,
	payload = EXCLUDED.payload,
	indexed_at = now()`, s.table)

	args := []any{
		product.ID,
		product.SourceURL,
		product.Title,
		product.Code,
		product.Price,
		product.GUID,
		payload,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert product %s: %w", product.ID, err)
	}
	return nil
}

// poolConfig parses the DSN and applies the pool sizing overrides.
func poolConfig(cfg ProductIndexConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if poolCfg.MinConns > poolCfg.MaxConns {
		return nil, fmt.Errorf("min conns %d exceeds max conns %d", poolCfg.MinConns, poolCfg.MaxConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	return poolCfg, nil
}
