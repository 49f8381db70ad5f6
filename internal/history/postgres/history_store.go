// Package postgres provides the Postgres-backed download history.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pinfairy/mediafetch/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// HistoryStoreConfig controls the Postgres connection pool backing the
// history log.
type HistoryStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// HistoryStore appends and reads download history rows.
//
// Expected schema:
//
//	CREATE TABLE download_history (
//	    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
//	    caller_id TEXT NOT NULL,
//	    ts TIMESTAMPTZ NOT NULL,
//	    reference_kind TEXT NOT NULL,
//	    outcome TEXT NOT NULL,
//	    item_count INT NOT NULL
//	);
type HistoryStore struct {
	pool  querier
	table string
}

// NewHistoryStore connects a pool per the config.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "download_history"
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
	return &HistoryStore{pool: pool, table: table}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewHistoryStoreWithPool(pool querier, table string) (*HistoryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "download_history"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &HistoryStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Append inserts one history row.
func (s *HistoryStore) Append(ctx context.Context, rec pipeline.HistoryRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("history store is not configured")
	}
	query := fmt.Sprintf(`INSERT INTO %s (caller_id, ts, reference_kind, outcome, item_count)
VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		rec.CallerID,
		rec.Timestamp,
		string(rec.ReferenceKind),
		rec.Outcome,
		rec.ItemCount,
	); err != nil {
		return fmt.Errorf("insert history row: %w", err)
	}
	return nil
}

// Recent returns up to limit rows for callerID, newest first.
func (s *HistoryStore) Recent(ctx context.Context, callerID string, limit int) ([]pipeline.HistoryRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("history store is not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT caller_id, ts, reference_kind, outcome, item_count
FROM %s WHERE caller_id = $1 ORDER BY ts DESC LIMIT $2`, s.table)
	rows, err := s.pool.Query(ctx, query, callerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history rows: %w", err)
	}
	defer rows.Close()

	var out []pipeline.HistoryRecord
	for rows.Next() {
		var (
			rec  pipeline.HistoryRecord
			kind string
		)
		if err := rows.Scan(&rec.CallerID, &rec.Timestamp, &kind, &rec.Outcome, &rec.ItemCount); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.ReferenceKind = pipeline.ReferenceKind(kind)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}
