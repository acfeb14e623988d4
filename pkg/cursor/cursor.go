// Package cursor streams the result of one warehouse query as fixed-size
// batches of rows.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
	"github.com/ellisisland/reconciler/pkg/logging"
	"github.com/ellisisland/reconciler/pkg/models"
)

// DefaultBatchSize is used when Options.BatchSize is zero.
const DefaultBatchSize = 1000

var (
	ErrEmptyQuery       = errors.New("cursor: empty query")
	ErrInvalidBatchSize = errors.New("cursor: batch size must be at least 1")
	ErrNegativeTimeout  = errors.New("cursor: timeout must not be negative")
)

// Options configures a cursor.
type Options struct {
	BatchSize int
	// Timeout bounds the whole query; zero leaves the warehouse default.
	Timeout time.Duration
	Logger  *zap.Logger
}

func (o Options) withDefaults() (Options, error) {
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize < 1 {
		return o, ErrInvalidBatchSize
	}
	if o.Timeout < 0 {
		return o, ErrNegativeTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o, nil
}

// Cursor is a lazy, single-pass sequence of row batches. It executes its
// query exactly once; once exhausted or failed, Next returns false forever.
//
//	c, err := cursor.Open(ctx, conn, query, opts)
//	if err != nil { ... }
//	defer c.Close()
//	for c.Next(ctx) {
//		process(c.Batch())
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor struct {
	query  string
	opts   Options
	logger *zap.Logger

	conn     warehouse.Conn
	ownsConn bool
	rows     warehouse.Rows
	columns  []string

	batch    []models.Row
	err      error
	done     bool
	released bool

	batches  int
	rowsRead int
}

// Open executes query on a borrowed connection. Close releases the result
// set but leaves conn open.
func Open(ctx context.Context, conn warehouse.Conn, query string, opts Options) (*Cursor, error) {
	return start(ctx, conn, false, query, opts)
}

// Dial opens a connection from opener and executes query on it. The cursor
// owns the connection and closes it once the sequence ends.
func Dial(ctx context.Context, opener warehouse.Opener, query string, opts Options) (*Cursor, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if _, err := opts.withDefaults(); err != nil {
		return nil, err
	}
	conn, err := opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open warehouse connection: %w", err)
	}
	return start(ctx, conn, true, query, opts)
}

func start(ctx context.Context, conn warehouse.Conn, owns bool, query string, opts Options) (*Cursor, error) {
	c := &Cursor{query: query, conn: conn, ownsConn: owns}

	opts, err := opts.withDefaults()
	if err == nil && strings.TrimSpace(query) == "" {
		err = ErrEmptyQuery
	}
	if err != nil {
		c.release()
		return nil, err
	}
	c.opts = opts
	c.logger = opts.Logger

	rows, err := conn.Query(ctx, query, opts.Timeout)
	if err != nil {
		err = warehouse.ClassifyTimeout(err, nil, query, opts.Timeout)
		c.logFailure(err)
		c.release()
		return nil, err
	}
	c.rows = rows
	c.columns = rows.Columns()

	c.logger.Debug("Query started",
		zap.String("query", logging.SanitizeQuery(query)),
		zap.Int("batch_size", opts.BatchSize),
		zap.Duration("timeout", opts.Timeout))
	return c, nil
}

// Next fetches the next batch, blocking until it is complete. It returns
// false when the result is exhausted or the query failed; Err tells which.
func (c *Cursor) Next(ctx context.Context) bool {
	c.batch = nil
	if c.done {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.fail(warehouse.ClassifyTimeout(err, nil, c.query, c.opts.Timeout))
		return false
	}

	batch := make([]models.Row, 0, c.opts.BatchSize)
	for len(batch) < c.opts.BatchSize {
		if !c.rows.Next() {
			if err := c.rows.Err(); err != nil {
				c.fail(warehouse.ClassifyTimeout(err, nil, c.query, c.opts.Timeout))
				return false
			}
			c.finish()
			break
		}
		row, err := c.rows.Row()
		if err != nil {
			c.fail(err)
			return false
		}
		batch = append(batch, row)
	}

	if len(batch) == 0 {
		return false
	}
	c.batch = batch
	c.batches++
	c.rowsRead += len(batch)
	return true
}

// Batch returns the rows fetched by the last successful Next.
func (c *Cursor) Batch() []models.Row {
	return c.batch
}

// Columns returns the result column names as reported by the warehouse.
func (c *Cursor) Columns() []string {
	return c.columns
}

// Err returns the error that ended the sequence, or nil on clean exhaustion.
func (c *Cursor) Err() error {
	return c.err
}

// Batches is the number of batches delivered so far.
func (c *Cursor) Batches() int { return c.batches }

// RowsRead is the number of rows delivered so far.
func (c *Cursor) RowsRead() int { return c.rowsRead }

// Close ends the sequence and releases the result set and, when owned,
// the connection. It is safe to call more than once.
func (c *Cursor) Close() error {
	c.done = true
	c.batch = nil
	return c.release()
}

func (c *Cursor) finish() {
	c.done = true
	c.logger.Debug("Query exhausted", zap.String("query", logging.SanitizeQuery(c.query)))
	if err := c.release(); err != nil {
		c.logger.Warn("Failed to release query resources", zap.Error(err))
	}
}

func (c *Cursor) fail(err error) {
	c.done = true
	c.err = err
	c.logFailure(err)
	if rerr := c.release(); rerr != nil {
		c.logger.Warn("Failed to release query resources", zap.Error(rerr))
	}
}

func (c *Cursor) logFailure(err error) {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{
		zap.String("query", logging.SanitizeQuery(c.query)),
		zap.String("error", logging.SanitizeError(err)),
		zap.Int("batches", c.batches),
	}
	var te *warehouse.TimeoutError
	if errors.As(err, &te) {
		logger.Warn("Query timed out", append(fields, zap.String("code", te.Code))...)
		return
	}
	logger.Error("Query failed", fields...)
}

func (c *Cursor) release() error {
	if c.released {
		return nil
	}
	c.released = true

	var errs []error
	if c.rows != nil {
		if err := c.rows.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rows: %w", err))
		}
	}
	if c.ownsConn && c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Collect runs query on conn and drains every batch into a relation whose
// columns are named by columns, or by the warehouse when columns is empty.
func Collect(ctx context.Context, conn warehouse.Conn, query string, columns []string, opts Options) (*models.Relation, error) {
	c, err := Open(ctx, conn, query, opts)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if len(columns) == 0 {
		columns = c.Columns()
	}
	rel := models.NewRelation(columns...)
	for c.Next(ctx) {
		for _, row := range c.Batch() {
			if err := rel.Append(row); err != nil {
				return nil, err
			}
		}
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return rel, nil
}
