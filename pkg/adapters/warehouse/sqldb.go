package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/logging"
	"github.com/ellisisland/reconciler/pkg/models"
)

// DBConn adapts a database/sql pool to Conn. Adapters built on
// database/sql drivers (Snowflake, SQL Server) share it and supply their own
// timeout classification.
type DBConn struct {
	db       *sql.DB
	classify TimeoutClassifier
	logger   *zap.Logger
	ownedDB  bool
}

// NewDBConn wraps db. When owned is true, Close closes db.
func NewDBConn(db *sql.DB, classify TimeoutClassifier, owned bool, logger *zap.Logger) *DBConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DBConn{db: db, classify: classify, logger: logger, ownedDB: owned}
}

// DB exposes the underlying pool.
func (c *DBConn) DB() *sql.DB {
	return c.db
}

// Query implements Conn.
func (c *DBConn) Query(ctx context.Context, query string, timeout time.Duration) (Rows, error) {
	qctx, cancel := WithTimeout(ctx, timeout)
	rows, err := c.db.QueryContext(qctx, query)
	if err != nil {
		cancel()
		c.logger.Debug("query failed",
			zap.String("query", logging.SanitizeQuery(query)),
			zap.String("error", logging.SanitizeError(err)))
		return nil, ClassifyTimeout(err, c.classify, query, timeout)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		return nil, fmt.Errorf("read columns: %w", err)
	}
	return &dbRows{
		rows:     rows,
		cancel:   cancel,
		columns:  cols,
		classify: c.classify,
		query:    query,
		timeout:  timeout,
	}, nil
}

// Ping implements Conn.
func (c *DBConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close implements Conn. Borrowed pools are left open.
func (c *DBConn) Close() error {
	if c.ownedDB && c.db != nil {
		return c.db.Close()
	}
	return nil
}

type dbRows struct {
	rows     *sql.Rows
	cancel   context.CancelFunc
	columns  []string
	classify TimeoutClassifier
	query    string
	timeout  time.Duration
	closed   bool
}

func (r *dbRows) Columns() []string { return r.columns }

func (r *dbRows) Next() bool { return r.rows.Next() }

func (r *dbRows) Row() (models.Row, error) {
	values := make([]any, len(r.columns))
	ptrs := make([]any, len(r.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	return NormalizeRow(values), nil
}

func (r *dbRows) Err() error {
	return ClassifyTimeout(r.rows.Err(), r.classify, r.query, r.timeout)
}

func (r *dbRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.rows.Close()
	r.cancel()
	return err
}

// WithTimeout derives a context bounded by timeout; zero leaves ctx unbounded.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
