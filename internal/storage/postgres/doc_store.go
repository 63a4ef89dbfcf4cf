// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foofork/riptide/internal/core"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DocStoreConfig controls the Postgres connection pool used for document rows.
type DocStoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// DocStore writes extracted document records into Postgres.
type DocStore struct {
	pool  execCloser
	table string
}

// NewDocStore creates a Postgres-backed DocStore using the provided config.
func NewDocStore(ctx context.Context, cfg DocStoreConfig) (*DocStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
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
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DocStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewDocStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewDocStoreWithPool(pool execCloser, table string) (*DocStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DocStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *DocStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreDoc inserts a document record into Postgres.
func (s *DocStore) StoreDoc(ctx context.Context, record core.DocRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("doc store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(record.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	host,
	cache_key,
	content_hash,
	blob_uri,
	http_status,
	gate_decision,
	quality_score,
	headers,
	fetched_at,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.table)

	args := []any{
		record.ID,
		record.URL,
		record.Host,
		record.CacheKey,
		record.ContentHash,
		record.BlobURI,
		record.HTTPStatus,
		record.Gate,
		record.Quality,
		headersJSON,
		record.FetchedAt,
		record.DurationMs,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
