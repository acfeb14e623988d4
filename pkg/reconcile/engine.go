// Package reconcile resolves the identity key tuples of segment tables to
// canonical uuids.
//
// Each table moves through four phases: discover_columns, batch_stream,
// join_and_dedupe (once per batch) and finalize. Every enabled strategy runs;
// the user_id strategy is canonical and the others are kept as auxiliary
// results named <table>_<strategy>_result.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
	"github.com/ellisisland/reconciler/pkg/apperrors"
	"github.com/ellisisland/reconciler/pkg/cursor"
	"github.com/ellisisland/reconciler/pkg/models"
	sqlgen "github.com/ellisisland/reconciler/pkg/sql"
)

// Phase names a step of a table's reconciliation.
type Phase string

const (
	PhaseDiscoverColumns Phase = "discover_columns"
	PhaseBatchStream     Phase = "batch_stream"
	PhaseJoinAndDedupe   Phase = "join_and_dedupe"
	PhaseFinalize        Phase = "finalize"
)

// Config holds the engine settings shared by every table.
type Config struct {
	BatchSize    int
	QueryTimeout time.Duration

	// TimestampFloor restricts rows on tables with a timestamp column.
	TimestampFloor string

	// Precount logs the distinct key count before streaming.
	Precount bool
}

// Engine reconciles tables one at a time over a single warehouse connection.
type Engine struct {
	conn       warehouse.Conn
	cfg        Config
	strategies []Strategy
	logger     *zap.Logger
}

// NewEngine creates an engine. strategies must start with the primary strategy.
func NewEngine(conn warehouse.Conn, cfg Config, strategies []Strategy, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conn == nil {
		return nil, errors.New("reconcile: nil warehouse connection")
	}
	if len(strategies) == 0 || strategies[0].Name() != PrimaryStrategy {
		return nil, fmt.Errorf("reconcile: strategies must start with %s", PrimaryStrategy)
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = cursor.DefaultBatchSize
	}
	return &Engine{
		conn:       conn,
		cfg:        cfg,
		strategies: strategies,
		logger:     logger.Named("reconcile"),
	}, nil
}

// Strategies returns the configured strategies in run order.
func (e *Engine) Strategies() []Strategy {
	return e.strategies
}

// Reconcile resolves every distinct key tuple of table with each applicable
// strategy. A batchSize below 1 selects the configured default.
//
// Warehouse errors, including timeouts, are returned as-is and the partial
// results are discarded. A *FanOutError means the reference or a join
// predicate is broken; callers must not treat it as a per-table failure.
func (e *Engine) Reconcile(ctx context.Context, table models.SourceTableDescriptor, ref *models.IdentityReference, batchSize int) (*models.TableReconciliation, error) {
	if ref == nil || ref.Len() == 0 {
		return nil, apperrors.ErrIdentityReferenceUnavailable
	}
	if batchSize < 1 {
		batchSize = e.cfg.BatchSize
	}
	logger := e.logger.With(zap.String("table", table.QualifiedName))
	start := time.Now()

	logger.Debug("Reconciliation phase", zap.String("phase", string(PhaseDiscoverColumns)))
	keys := sqlgen.KeySelect{
		Table:           table.QualifiedName,
		Columns:         table.Columns,
		TimestampColumn: table.TimestampColumn,
		Floor:           e.cfg.TimestampFloor,
	}
	var (
		lookups []*LookupStrategy
		bridges []*BridgeStrategy
	)
	for _, s := range e.strategies {
		if !s.Applies(table) {
			if s.Name() == PrimaryStrategy {
				return nil, fmt.Errorf("%s: primary strategy needs column %s", table.QualifiedName, ColumnUserID)
			}
			logger.Debug("Strategy not applicable", zap.String("strategy", s.Name()))
			continue
		}
		switch st := s.(type) {
		case *LookupStrategy:
			lookups = append(lookups, st)
		case *BridgeStrategy:
			bridges = append(bridges, st)
		default:
			return nil, fmt.Errorf("unsupported strategy type %T", s)
		}
	}

	if e.cfg.Precount {
		e.precount(ctx, keys, logger)
	}

	accs := make(map[string]*accumulator, len(e.strategies))
	for _, s := range lookups {
		accs[s.Name()] = newAccumulator(table.QualifiedName, s.Name())
	}
	for _, s := range bridges {
		accs[s.Name()] = newAccumulator(table.QualifiedName, s.Name())
	}

	if err := e.streamLookups(ctx, keys, lookups, ref, accs, batchSize, logger); err != nil {
		return nil, logFanOut(logger, err)
	}
	for _, s := range bridges {
		if err := e.streamBridge(ctx, keys, s, accs[s.Name()], batchSize, logger); err != nil {
			return nil, logFanOut(logger, err)
		}
	}

	logger.Debug("Reconciliation phase", zap.String("phase", string(PhaseFinalize)))
	out := &models.TableReconciliation{
		Table:     table,
		Auxiliary: make(map[string]*models.ReconciliationResult),
	}
	for name, acc := range accs {
		res := acc.result(table.Columns)
		if err := res.CheckPartition(); err != nil {
			return nil, err
		}
		if name == PrimaryStrategy {
			out.Primary = res
		} else {
			out.Auxiliary[name] = res
		}
	}

	logger.Info("Reconciled table",
		zap.Int("total", out.Primary.Total),
		zap.Int("null_uuid_count", out.Primary.NullUUIDCount),
		zap.Int("non_null_uuid_count", out.Primary.NonNullUUIDCount),
		zap.Int("auxiliary_results", len(out.Auxiliary)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// streamLookups runs the distinct key query once and feeds every batch to
// each in-memory strategy.
func (e *Engine) streamLookups(ctx context.Context, keys sqlgen.KeySelect, lookups []*LookupStrategy, ref *models.IdentityReference, accs map[string]*accumulator, batchSize int, logger *zap.Logger) error {
	query, err := sqlgen.DistinctKeyQuery(keys)
	if err != nil {
		return err
	}

	logger.Debug("Reconciliation phase", zap.String("phase", string(PhaseBatchStream)))
	c, err := cursor.Open(ctx, e.conn, query, e.cursorOptions(batchSize, logger))
	if err != nil {
		return err
	}
	defer c.Close()

	columnIdx := make([]int, len(lookups))
	for i, s := range lookups {
		columnIdx[i] = indexOf(keys.Columns, s.Column())
	}

	for c.Next(ctx) {
		batch := c.Batch()
		if err := checkArity(batch, len(keys.Columns)); err != nil {
			return fmt.Errorf("%s: %w", keys.Table, err)
		}
		distinct := distinctRows(batch)

		for i, s := range lookups {
			joined, fanOut := joinLookup(ref, distinct, s, columnIdx[i])
			if len(joined) != len(distinct) {
				return &FanOutError{
					Table:    keys.Table,
					Strategy: s.Name(),
					Key:      fanOut.key,
					UUIDs:    fanOut.uuids,
					Distinct: len(distinct),
					Joined:   len(joined),
				}
			}
			acc := accs[s.Name()]
			for _, row := range joined {
				if err := acc.add(row.Key, row.ResolvedUUID); err != nil {
					return err
				}
			}
		}

		logger.Debug("Reconciliation phase",
			zap.String("phase", string(PhaseJoinAndDedupe)),
			zap.Int("batch", c.Batches()),
			zap.Int("rows", len(batch)),
			zap.Int("distinct", len(distinct)))
	}
	return c.Err()
}

// logFanOut logs the offending key of a fan-out so the duplicate reference
// or bridge rows can be found, and returns err unchanged.
func logFanOut(logger *zap.Logger, err error) error {
	var fo *FanOutError
	if !errors.As(err, &fo) {
		return err
	}
	fields := []zap.Field{zap.String("strategy", fo.Strategy)}
	if len(fo.Key) > 0 {
		fields = append(fields, zap.String("key", formatKey(fo.Key)), zap.Strings("uuids", fo.UUIDs))
	}
	if fo.Distinct != fo.Joined {
		fields = append(fields, zap.Int("distinct", fo.Distinct), zap.Int("joined", fo.Joined))
	}
	logger.Warn("Key tuple resolved to more than one uuid", fields...)
	return err
}

type fanOutKey struct {
	key   models.Row
	uuids []string
}

// joinLookup left-joins distinct key rows to the reference. A key matching
// several reference records yields one row per match, as a warehouse join
// would; the first such key is returned for reporting.
func joinLookup(ref *models.IdentityReference, distinct []models.Row, s *LookupStrategy, col int) ([]models.ReconciledRow, fanOutKey) {
	var first fanOutKey
	joined := make([]models.ReconciledRow, 0, len(distinct))
	for _, key := range distinct {
		var candidates []string
		if cell := key[col]; cell.Valid {
			candidates = s.Candidates(ref, cell.String)
		}
		if len(candidates) == 0 {
			joined = append(joined, models.ReconciledRow{Key: key})
			continue
		}
		if len(candidates) > 1 && first.key == nil {
			first = fanOutKey{key: key, uuids: candidates}
		}
		for _, id := range candidates {
			joined = append(joined, models.ReconciledRow{Key: key, ResolvedUUID: models.Value(id)})
		}
	}
	return joined, first
}

// streamBridge runs one warehouse-side strategy. Each key tuple may appear
// with a null and a non-null uuid because of the outer joins; the
// accumulator keeps the uuid and rejects a second distinct one.
func (e *Engine) streamBridge(ctx context.Context, keys sqlgen.KeySelect, s *BridgeStrategy, acc *accumulator, batchSize int, logger *zap.Logger) error {
	query, err := sqlgen.BridgeQuery(keys, s.Bridge())
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("strategy", s.Name()))

	logger.Debug("Reconciliation phase", zap.String("phase", string(PhaseBatchStream)))
	c, err := cursor.Open(ctx, e.conn, query, e.cursorOptions(batchSize, logger))
	if err != nil {
		return err
	}
	defer c.Close()

	n := len(keys.Columns)
	for c.Next(ctx) {
		batch := c.Batch()
		if err := checkArity(batch, n+1); err != nil {
			return fmt.Errorf("%s (%s): %w", keys.Table, s.Name(), err)
		}
		for _, row := range distinctRows(batch) {
			if err := acc.add(row[:n], row[n]); err != nil {
				return err
			}
		}
		logger.Debug("Reconciliation phase",
			zap.String("phase", string(PhaseJoinAndDedupe)),
			zap.Int("batch", c.Batches()),
			zap.Int("rows", len(batch)))
	}
	return c.Err()
}

// precount logs the distinct key count. Failures are logged and ignored.
func (e *Engine) precount(ctx context.Context, keys sqlgen.KeySelect, logger *zap.Logger) {
	query, err := sqlgen.DistinctKeyCountQuery(keys)
	if err != nil {
		logger.Warn("Failed to build count query", zap.Error(err))
		return
	}
	rel, err := cursor.Collect(ctx, e.conn, query, []string{"COUNT"}, e.cursorOptions(1, logger))
	if err != nil {
		logger.Warn("Distinct key count failed", zap.Error(err))
		return
	}
	if rel.Len() == 1 && len(rel.Rows[0]) == 1 {
		logger.Info("Distinct key count", zap.String("count", rel.Rows[0][0].String))
	}
}

func (e *Engine) cursorOptions(batchSize int, logger *zap.Logger) cursor.Options {
	return cursor.Options{
		BatchSize: batchSize,
		Timeout:   e.cfg.QueryTimeout,
		Logger:    logger,
	}
}

func checkArity(batch []models.Row, want int) error {
	for _, row := range batch {
		if len(row) != want {
			return fmt.Errorf("warehouse returned %d columns, expected %d", len(row), want)
		}
	}
	return nil
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}
