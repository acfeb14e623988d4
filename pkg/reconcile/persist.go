package reconcile

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/models"
	"github.com/ellisisland/reconciler/pkg/snapshot"
)

// PersistedResult is a reconciliation result with its rows replaced by a
// reference to the snapshot holding them.
type PersistedResult struct {
	Strategy         string          `yaml:"strategy"`
	Snapshot         string          `yaml:"snapshot"`
	Format           snapshot.Format `yaml:"format"`
	Total            int             `yaml:"total"`
	NullUUIDCount    int             `yaml:"null_uuid_count"`
	NonNullUUIDCount int             `yaml:"non_null_uuid_count"`
}

// PersistedReconciliation is the manifest form of a TableReconciliation.
type PersistedReconciliation struct {
	Table     models.SourceTableDescriptor `yaml:"table"`
	CreatedAt time.Time                    `yaml:"created_at"`
	Primary   PersistedResult              `yaml:"primary"`
	Auxiliary []PersistedResult            `yaml:"auxiliary,omitempty"`
}

// ManifestName is the logical manifest name for a table.
func ManifestName(table string) string {
	return table + "_reconciliation"
}

// ToPersisted builds the manifest for tr from the handles its results were
// saved under, keyed by strategy.
func ToPersisted(tr *models.TableReconciliation, handles map[string]snapshot.ArtifactHandle, createdAt time.Time) (*PersistedReconciliation, error) {
	if tr == nil || tr.Primary == nil {
		return nil, errors.New("reconciliation has no primary result")
	}
	persist := func(res *models.ReconciliationResult) (PersistedResult, error) {
		h, ok := handles[res.Strategy]
		if !ok {
			return PersistedResult{}, fmt.Errorf("no snapshot for %s result", res.Strategy)
		}
		return PersistedResult{
			Strategy:         res.Strategy,
			Snapshot:         h.Path,
			Format:           h.Format,
			Total:            res.Total,
			NullUUIDCount:    res.NullUUIDCount,
			NonNullUUIDCount: res.NonNullUUIDCount,
		}, nil
	}

	primary, err := persist(tr.Primary)
	if err != nil {
		return nil, err
	}
	out := &PersistedReconciliation{
		Table:     tr.Table,
		CreatedAt: createdAt.UTC(),
		Primary:   primary,
	}
	for _, name := range slices.Sorted(maps.Keys(tr.Auxiliary)) {
		p, err := persist(tr.Auxiliary[name])
		if err != nil {
			return nil, err
		}
		out.Auxiliary = append(out.Auxiliary, p)
	}
	return out, nil
}

// LoadFunc reads the relation behind a snapshot handle.
type LoadFunc func(snapshot.ArtifactHandle) (*models.Relation, error)

// Materialize loads every snapshot a manifest refers to and rebuilds the
// reconciliation. Recorded statistics must match the loaded rows.
func Materialize(p *PersistedReconciliation, load LoadFunc) (*models.TableReconciliation, error) {
	if p == nil {
		return nil, errors.New("nil manifest")
	}
	table := p.Table.QualifiedName

	materialize := func(pr PersistedResult) (*models.ReconciliationResult, error) {
		rel, err := load(snapshot.ArtifactHandle{
			Name:   models.ResultName(table, pr.Strategy),
			Path:   pr.Snapshot,
			Format: pr.Format,
		})
		if err != nil {
			return nil, fmt.Errorf("load %s result: %w", pr.Strategy, err)
		}
		res, err := models.ReconciliationResultFromRelation(table, pr.Strategy, rel)
		if err != nil {
			return nil, err
		}
		if res.Total != pr.Total || res.NullUUIDCount != pr.NullUUIDCount || res.NonNullUUIDCount != pr.NonNullUUIDCount {
			return nil, fmt.Errorf("%s result does not match its manifest: total %d/%d, null %d/%d",
				pr.Strategy, res.Total, pr.Total, res.NullUUIDCount, pr.NullUUIDCount)
		}
		return res, nil
	}

	primary, err := materialize(p.Primary)
	if err != nil {
		return nil, err
	}
	if primary.Strategy != PrimaryStrategy {
		return nil, fmt.Errorf("manifest primary strategy is %q", primary.Strategy)
	}
	out := &models.TableReconciliation{
		Table:     p.Table,
		Primary:   primary,
		Auxiliary: make(map[string]*models.ReconciliationResult, len(p.Auxiliary)),
	}
	for _, pr := range p.Auxiliary {
		res, err := materialize(pr)
		if err != nil {
			return nil, err
		}
		out.Auxiliary[pr.Strategy] = res
	}
	return out, nil
}

// Persister saves reconciliations as snapshots plus a manifest and restores
// them on later runs.
type Persister struct {
	store  *snapshot.Store
	format snapshot.Format
	now    func() time.Time
	logger *zap.Logger
}

// NewPersister writes result snapshots to store in format.
func NewPersister(store *snapshot.Store, format snapshot.Format, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{store: store, format: format, now: time.Now, logger: logger.Named("persist")}
}

// Persist saves each result of tr and then the manifest naming them.
func (p *Persister) Persist(tr *models.TableReconciliation) (*PersistedReconciliation, error) {
	if tr == nil || tr.Primary == nil {
		return nil, errors.New("reconciliation has no primary result")
	}
	table := tr.Table.QualifiedName
	handles := make(map[string]snapshot.ArtifactHandle, 1+len(tr.Auxiliary))
	for _, res := range tr.Results() {
		h, err := p.store.Save(models.ResultName(table, res.Strategy), res.ToRelation(), p.format)
		if err != nil {
			return nil, fmt.Errorf("save %s result for %s: %w", res.Strategy, table, err)
		}
		handles[res.Strategy] = h
	}

	manifest, err := ToPersisted(tr, handles, p.now())
	if err != nil {
		return nil, err
	}
	if _, err := p.store.SaveManifest(ManifestName(table), manifest); err != nil {
		return nil, fmt.Errorf("save manifest for %s: %w", table, err)
	}
	return manifest, nil
}

// Restore loads the latest persisted reconciliation of table. It reports
// false when none exists, when the table's columns changed since it was
// written, or when any snapshot it names cannot be read.
func (p *Persister) Restore(table models.SourceTableDescriptor) (*models.TableReconciliation, bool) {
	logger := p.logger.With(zap.String("table", table.QualifiedName))

	var manifest PersistedReconciliation
	if _, ok := p.store.LoadLatestManifest(ManifestName(table.QualifiedName), &manifest); !ok {
		return nil, false
	}
	if !slices.Equal(manifest.Table.Columns, table.Columns) || manifest.Table.TimestampColumn != table.TimestampColumn {
		logger.Info("Persisted reconciliation is stale",
			zap.Strings("persisted_columns", manifest.Table.Columns),
			zap.Strings("columns", table.Columns))
		return nil, false
	}

	tr, err := Materialize(&manifest, p.store.Load)
	if err != nil {
		logger.Warn("Failed to restore reconciliation", zap.Error(err))
		return nil, false
	}
	tr.Restored = true
	logger.Info("Restored reconciliation",
		zap.Time("created_at", manifest.CreatedAt),
		zap.Int("total", tr.Primary.Total))
	return tr, true
}
