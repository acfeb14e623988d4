package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
	"github.com/ellisisland/reconciler/pkg/logging"
	"github.com/ellisisland/reconciler/pkg/models"
)

// SQLSTATE 57014 (query_canceled) is raised for statement_timeout and for
// cancellation after a context deadline.
const sqlStateQueryCanceled = "57014"

func classifyTimeout(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateQueryCanceled {
		return pgErr.Code, true
	}
	if pgconn.Timeout(err) {
		return "", true
	}
	return "", false
}

// Adapter is a PostgreSQL warehouse session backed by pgxpool.
type Adapter struct {
	config    *Config
	pool      *pgxpool.Pool
	logger    *zap.Logger
	ownedPool bool
}

// NewAdapter creates a pool from cfg. The adapter owns the pool.
func NewAdapter(ctx context.Context, cfg *Config, logger *zap.Logger) (*Adapter, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %s", logging.SanitizeError(err))
	}
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %s", logging.SanitizeError(err))
	}
	a := newAdapter(cfg, pool, true, logger)
	a.logger.Debug("postgres pool created",
		zap.String("dsn", logging.SanitizeDSN(cfg.ConnectionString())),
		zap.Int32("max_conns", poolConfig.MaxConns))
	return a, nil
}

// NewAdapterFromPool wraps an existing pool, which Close leaves open.
func NewAdapterFromPool(pool *pgxpool.Pool, logger *zap.Logger) *Adapter {
	return newAdapter(nil, pool, false, logger)
}

func newAdapter(cfg *Config, pool *pgxpool.Pool, owned bool, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{config: cfg, pool: pool, logger: logger.Named("postgres"), ownedPool: owned}
}

// Ping verifies connectivity and, when configured, that the session landed
// on the expected database.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if a.config == nil {
		return nil
	}
	var currentDB string
	if err := a.pool.QueryRow(ctx, "SELECT current_database()").Scan(&currentDB); err != nil {
		return fmt.Errorf("failed to get current database name: %w", err)
	}
	if !strings.EqualFold(currentDB, a.config.Database) {
		return fmt.Errorf("connected to wrong database: expected %q but connected to %q", a.config.Database, currentDB)
	}
	return nil
}

// Query implements warehouse.Conn.
func (a *Adapter) Query(ctx context.Context, query string, timeout time.Duration) (warehouse.Rows, error) {
	qctx, cancel := warehouse.WithTimeout(ctx, timeout)
	rows, err := a.pool.Query(qctx, query)
	if err != nil {
		cancel()
		a.logger.Debug("query failed",
			zap.String("query", logging.SanitizeQuery(query)),
			zap.String("error", logging.SanitizeError(err)))
		return nil, warehouse.ClassifyTimeout(err, classifyTimeout, query, timeout)
	}
	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	return &pgRows{rows: rows, cancel: cancel, columns: cols, query: query, timeout: timeout}, nil
}

// Close releases the pool when the adapter created it.
func (a *Adapter) Close() error {
	if a.ownedPool && a.pool != nil {
		a.pool.Close()
	}
	return nil
}

type pgRows struct {
	rows    pgx.Rows
	cancel  context.CancelFunc
	columns []string
	query   string
	timeout time.Duration
}

func (r *pgRows) Columns() []string { return r.columns }

func (r *pgRows) Next() bool { return r.rows.Next() }

func (r *pgRows) Row() (models.Row, error) {
	values, err := r.rows.Values()
	if err != nil {
		return nil, fmt.Errorf("read row values: %w", err)
	}
	return warehouse.NormalizeRow(values), nil
}

func (r *pgRows) Err() error {
	return warehouse.ClassifyTimeout(r.rows.Err(), classifyTimeout, r.query, r.timeout)
}

func (r *pgRows) Close() error {
	r.rows.Close()
	r.cancel()
	return nil
}

// Ensure Adapter implements warehouse.Conn at compile time.
var _ warehouse.Conn = (*Adapter)(nil)
