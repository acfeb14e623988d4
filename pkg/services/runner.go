package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
	"github.com/ellisisland/reconciler/pkg/apperrors"
	"github.com/ellisisland/reconciler/pkg/config"
	"github.com/ellisisland/reconciler/pkg/logging"
	"github.com/ellisisland/reconciler/pkg/models"
	"github.com/ellisisland/reconciler/pkg/reconcile"
	"github.com/ellisisland/reconciler/pkg/snapshot"
	sqlgen "github.com/ellisisland/reconciler/pkg/sql"
)

// RunOptions selects cached artifacts over recomputation.
type RunOptions struct {
	PreferLatestTables  bool
	PreferLatestResults bool
	ForceIdentities     bool
}

// TableStats is the primary result summary of one reconciled table.
type TableStats struct {
	Total            int  `json:"total"`
	NullUUIDCount    int  `json:"null_uuid_count"`
	NonNullUUIDCount int  `json:"non_null_uuid_count"`
	Restored         bool `json:"restored"`
}

// RunReport records what happened to every table a run attempted. A table
// is either in Reconciled or in Skipped, never both.
type RunReport struct {
	RunID      uuid.UUID             `json:"run_id"`
	StartedAt  time.Time             `json:"started_at"`
	Attempted  []string              `json:"attempted"`
	Reconciled map[string]TableStats `json:"reconciled"`
	Skipped    map[string]string     `json:"skipped"`
}

func newRunReport(now time.Time) *RunReport {
	return &RunReport{
		RunID:      uuid.New(),
		StartedAt:  now.UTC(),
		Reconciled: make(map[string]TableStats),
		Skipped:    make(map[string]string),
	}
}

// Restored counts reconciled tables loaded from an earlier run.
func (r *RunReport) Restored() int {
	n := 0
	for _, s := range r.Reconciled {
		if s.Restored {
			n++
		}
	}
	return n
}

// Summary renders the outcome counts on one line.
func (r *RunReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: attempted %s, reconciled %d",
		r.RunID, countNoun(len(r.Attempted), "table"), len(r.Reconciled))
	if n := r.Restored(); n > 0 {
		fmt.Fprintf(&b, " (%d restored)", n)
	}
	fmt.Fprintf(&b, ", skipped %d", len(r.Skipped))
	return b.String()
}

func countNoun(n int, noun string) string {
	if n != 1 {
		noun = inflection.Plural(noun)
	}
	return fmt.Sprintf("%d %s", n, noun)
}

// Runner drives one reconciliation run: identity reference, discovery, then
// each table in name order.
type Runner struct {
	identity  *IdentityBuilder
	discovery *TableDiscovery
	engine    *reconcile.Engine
	persister *reconcile.Persister
	opts      RunOptions
	now       func() time.Time
	logger    *zap.Logger
}

// NewRunner assembles a runner from its parts. persister may be nil, in
// which case results are neither persisted nor restored.
func NewRunner(identity *IdentityBuilder, discovery *TableDiscovery, engine *reconcile.Engine, persister *reconcile.Persister, opts RunOptions, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		identity:  identity,
		discovery: discovery,
		engine:    engine,
		persister: persister,
		opts:      opts,
		now:       time.Now,
		logger:    logger.Named("runner"),
	}
}

// Build wires a runner for cfg over conn, with snapshots under
// cfg.Snapshots.Dir.
func Build(cfg *config.Config, conn warehouse.Conn, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := snapshot.NewStore(cfg.Snapshots.Dir, logger)
	if err != nil {
		return nil, err
	}
	resultFormat, err := snapshot.ParseFormat(cfg.Snapshots.ResultFormat)
	if err != nil {
		return nil, err
	}
	discoveryCfg, err := NewDiscoveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	identityCfg, err := NewIdentityConfig(cfg)
	if err != nil {
		return nil, err
	}

	rc := cfg.Reconcile
	strategies, err := reconcile.BuildStrategies(rc.Strategies,
		reconcile.BridgeTable{Table: rc.PersonaTable, KeyColumn: rc.PersonaKeyColumn, UUIDColumn: rc.PersonaUUIDColumn},
		reconcile.BridgeTable{Table: rc.WatchtimeTable, KeyColumn: rc.WatchtimeKeyColumn, UUIDColumn: rc.WatchtimeUUIDColumn},
		reconcile.IdentityTable{Table: cfg.Identity.Table, UUIDColumn: cfg.Identity.UUIDColumn},
	)
	if err != nil {
		return nil, err
	}
	engine, err := reconcile.NewEngine(conn, reconcile.Config{
		BatchSize:      rc.BatchSize,
		QueryTimeout:   rc.QueryTimeout(),
		TimestampFloor: rc.TimestampFloor,
		Precount:       rc.Precount,
	}, strategies, logger)
	if err != nil {
		return nil, err
	}

	return NewRunner(
		NewIdentityBuilder(conn, identityCfg, store, logger),
		NewTableDiscovery(conn, discoveryCfg, sqlgen.NewNamer(cfg.Discovery.DefaultPrefix), store, logger),
		engine,
		reconcile.NewPersister(store, resultFormat, logger),
		RunOptions{
			PreferLatestTables:  cfg.Cache.PreferLatestTables,
			PreferLatestResults: cfg.Cache.PreferLatestResults,
			ForceIdentities:     !cfg.Cache.PreferLatestIdentities,
		},
		logger,
	), nil
}

// Identity returns the runner's identity builder.
func (r *Runner) Identity() *IdentityBuilder { return r.identity }

// Discovery returns the runner's table discovery.
func (r *Runner) Discovery() *TableDiscovery { return r.discovery }

// Options returns the cache options the runner was built with.
func (r *Runner) Options() RunOptions { return r.opts }

// Run reconciles every eligible table. A missing identity reference, a
// catalog timeout, a join fan-out or a cancelled context end the run with an
// error; the report covers the tables handled up to that point. Any other
// per-table failure is recorded in the report and the run moves on.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	report := newRunReport(r.now())
	logger := r.logger.With(zap.String("run_id", report.RunID.String()))
	logger.Info("Starting reconciliation run",
		zap.Bool("prefer_latest_tables", r.opts.PreferLatestTables),
		zap.Bool("prefer_latest_results", r.opts.PreferLatestResults),
		zap.Bool("force_identities", r.opts.ForceIdentities))

	ref, err := r.identity.Get(ctx, r.opts.ForceIdentities)
	if err != nil {
		return report, err
	}
	tables, err := r.discovery.Get(ctx, r.opts.PreferLatestTables)
	if err != nil {
		return report, err
	}
	slices.SortFunc(tables, func(a, b models.SourceTableDescriptor) int {
		return strings.Compare(a.QualifiedName, b.QualifiedName)
	})

	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted = append(report.Attempted, table.QualifiedName)

		tr, err := r.reconcileTable(ctx, table, ref)
		if err != nil {
			if errors.Is(err, apperrors.ErrFanOut) {
				logger.Error("Join fan-out; aborting run",
					zap.String("table", table.QualifiedName),
					zap.Error(err))
				return report, err
			}
			if ctx.Err() != nil {
				return report, err
			}
			reason := logging.SanitizeError(err)
			logger.Warn("Skipping table",
				zap.String("table", table.QualifiedName),
				zap.Bool("timeout", warehouse.IsTimeout(err)),
				zap.String("error", reason))
			report.Skipped[table.QualifiedName] = reason
			continue
		}
		report.Reconciled[table.QualifiedName] = TableStats{
			Total:            tr.Primary.Total,
			NullUUIDCount:    tr.Primary.NullUUIDCount,
			NonNullUUIDCount: tr.Primary.NonNullUUIDCount,
			Restored:         tr.Restored,
		}
	}

	logger.Info("Reconciliation run finished",
		zap.Int("attempted", len(report.Attempted)),
		zap.Int("reconciled", len(report.Reconciled)),
		zap.Int("restored", report.Restored()),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

func (r *Runner) reconcileTable(ctx context.Context, table models.SourceTableDescriptor, ref *models.IdentityReference) (*models.TableReconciliation, error) {
	if r.opts.PreferLatestResults && r.persister != nil {
		if tr, ok := r.persister.Restore(table); ok {
			return tr, nil
		}
	}
	tr, err := r.engine.Reconcile(ctx, table, ref, 0)
	if err != nil {
		return nil, err
	}
	if r.persister != nil {
		if _, err := r.persister.Persist(tr); err != nil {
			return nil, err
		}
	}
	return tr, nil
}
