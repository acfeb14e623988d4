package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
	"github.com/ellisisland/reconciler/pkg/apperrors"
	"github.com/ellisisland/reconciler/pkg/config"
	"github.com/ellisisland/reconciler/pkg/cursor"
	"github.com/ellisisland/reconciler/pkg/models"
	"github.com/ellisisland/reconciler/pkg/snapshot"
	sqlgen "github.com/ellisisland/reconciler/pkg/sql"
)

// Snapshot name and columns of the discovered table list.
const (
	TablesSnapshotName = "segment_tables"

	ColumnSegmentTable = "SEGMENT_TABLE"
	ColumnColumns      = "COLUMNS"
)

// DiscoveryConfig holds the catalog query and the column and name filters.
// The catalog query must return (table, column) pairs in that order.
type DiscoveryConfig struct {
	CatalogQuery     string
	RequiredColumns  []string
	SearchColumns    []string
	TimestampColumns []string
	IncludeFilters   []string
	ExcludeFilters   []string
	BatchSize        int
	Timeout          time.Duration
	Format           snapshot.Format
}

// NewDiscoveryConfig extracts the discovery settings from cfg.
func NewDiscoveryConfig(cfg *config.Config) (DiscoveryConfig, error) {
	format, err := snapshot.ParseFormat(cfg.Snapshots.TablesFormat)
	if err != nil {
		return DiscoveryConfig{}, err
	}
	d := cfg.Discovery
	query, err := sqlgen.NormalizeStatement(d.CatalogQuery)
	if err != nil {
		return DiscoveryConfig{}, fmt.Errorf("discovery.catalog_query: %w", err)
	}
	return DiscoveryConfig{
		CatalogQuery:     query,
		RequiredColumns:  slices.Clone(d.RequiredColumns),
		SearchColumns:    slices.Clone(d.SearchColumns),
		TimestampColumns: slices.Clone(d.TimestampColumns),
		IncludeFilters:   slices.Clone(d.IncludeFilters),
		ExcludeFilters:   slices.Clone(d.ExcludeFilters),
		BatchSize:        cfg.Reconcile.BatchSize,
		Timeout:          d.Timeout(),
		Format:           format,
	}, nil
}

// TableDiscovery finds the source tables carrying every required key column.
type TableDiscovery struct {
	conn   warehouse.Conn
	cfg    DiscoveryConfig
	namer  sqlgen.Namer
	store  *snapshot.Store
	logger *zap.Logger
}

// NewTableDiscovery creates a discovery service. store may be nil, in which
// case Get always queries the catalog and nothing is persisted.
func NewTableDiscovery(conn warehouse.Conn, cfg DiscoveryConfig, namer sqlgen.Namer, store *snapshot.Store, logger *zap.Logger) *TableDiscovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableDiscovery{
		conn:   conn,
		cfg:    cfg,
		namer:  namer,
		store:  store,
		logger: logger.Named("discovery"),
	}
}

// tableColumns accumulates one table's columns while the catalog streams.
type tableColumns struct {
	name    string
	columns map[string]struct{}
}

// Discover scans the catalog and returns the eligible tables in the order the
// catalog first mentions them. A catalog timeout is returned as
// ErrDiscoveryTimeout; a partial scan is never returned.
func (d *TableDiscovery) Discover(ctx context.Context) ([]models.SourceTableDescriptor, error) {
	if len(d.cfg.RequiredColumns) == 0 {
		return nil, errors.New("discovery: no required columns")
	}
	start := time.Now()

	c, err := cursor.Open(ctx, d.conn, d.cfg.CatalogQuery, cursor.Options{
		BatchSize: d.cfg.BatchSize,
		Timeout:   d.cfg.Timeout,
		Logger:    d.logger,
	})
	if err != nil {
		return nil, d.catalogError(err)
	}
	defer c.Close()

	var (
		order    []*tableColumns
		byName   = make(map[string]*tableColumns)
		filtered = make(map[string]struct{})
		pairs    int
	)
	for c.Next(ctx) {
		for _, row := range c.Batch() {
			if len(row) < 2 {
				return nil, fmt.Errorf("catalog query returned %d columns, expected 2", len(row))
			}
			pairs++
			if !row[0].Valid || !row[1].Valid {
				continue
			}
			column := row[1].String
			if !d.isSearchColumn(column) {
				continue
			}
			name := d.namer.Qualify(row[0].String)
			if _, skip := filtered[name]; skip {
				continue
			}
			t, ok := byName[name]
			if !ok {
				if !d.nameAllowed(name) {
					filtered[name] = struct{}{}
					continue
				}
				t = &tableColumns{name: name, columns: make(map[string]struct{})}
				byName[name] = t
				order = append(order, t)
			}
			t.columns[column] = struct{}{}
		}
	}
	if err := c.Err(); err != nil {
		return nil, d.catalogError(err)
	}

	tables := make([]models.SourceTableDescriptor, 0, len(order))
	for _, t := range order {
		desc, ok := d.describe(t)
		if ok {
			tables = append(tables, desc)
		}
	}

	d.logger.Info("Discovered source tables",
		zap.Int("catalog_pairs", pairs),
		zap.Int("candidates", len(order)),
		zap.Int("filtered", len(filtered)),
		zap.Int("eligible", len(tables)),
		zap.Duration("elapsed", time.Since(start)))
	return tables, nil
}

// describe keeps t only when it carries every required column.
func (d *TableDiscovery) describe(t *tableColumns) (models.SourceTableDescriptor, bool) {
	for _, req := range d.cfg.RequiredColumns {
		if _, ok := t.columns[req]; !ok {
			d.logger.Debug("Table lacks required column",
				zap.String("table", t.name),
				zap.String("column", req))
			return models.SourceTableDescriptor{}, false
		}
	}
	if err := sqlgen.ValidateQualifiedName(t.name); err != nil {
		d.logger.Warn("Skipping table with unusable name", zap.String("table", t.name), zap.Error(err))
		return models.SourceTableDescriptor{}, false
	}

	columns := make([]string, 0, len(t.columns))
	for col := range t.columns {
		columns = append(columns, col)
	}
	columns, ts := reduceTimestampColumns(columns, d.cfg.TimestampColumns)
	return models.NewSourceTableDescriptor(t.name, columns, ts), true
}

// reduceTimestampColumns keeps only the first timestamp column, by name, of
// those present in columns.
func reduceTimestampColumns(columns, timestampColumns []string) ([]string, string) {
	var present []string
	for _, col := range columns {
		if slices.Contains(timestampColumns, col) {
			present = append(present, col)
		}
	}
	if len(present) == 0 {
		return columns, ""
	}
	slices.Sort(present)
	keep := present[0]
	out := columns[:0]
	for _, col := range columns {
		if col == keep || !slices.Contains(present, col) {
			out = append(out, col)
		}
	}
	return out, keep
}

func (d *TableDiscovery) isSearchColumn(column string) bool {
	return slices.Contains(d.cfg.SearchColumns, column) || slices.Contains(d.cfg.TimestampColumns, column)
}

// nameAllowed applies the include and exclude substring filters. An empty
// include list admits every name.
func (d *TableDiscovery) nameAllowed(name string) bool {
	for _, ex := range d.cfg.ExcludeFilters {
		if strings.Contains(name, ex) {
			return false
		}
	}
	if len(d.cfg.IncludeFilters) == 0 {
		return true
	}
	for _, in := range d.cfg.IncludeFilters {
		if strings.Contains(name, in) {
			return true
		}
	}
	return false
}

func (d *TableDiscovery) catalogError(err error) error {
	if warehouse.IsTimeout(err) {
		return fmt.Errorf("%w: %w", apperrors.ErrDiscoveryTimeout, err)
	}
	return fmt.Errorf("catalog query failed: %w", err)
}

// Get returns the eligible tables, from the latest snapshot when preferCached
// is set and one is readable, otherwise from a fresh catalog scan which is
// then persisted.
func (d *TableDiscovery) Get(ctx context.Context, preferCached bool) ([]models.SourceTableDescriptor, error) {
	if preferCached && d.store != nil {
		if h, rel, ok := d.store.LoadLatest(TablesSnapshotName); ok {
			tables, err := TablesFromRelation(rel, d.cfg.TimestampColumns)
			if err == nil {
				d.logger.Info("Loaded source tables from snapshot",
					zap.String("path", h.Path),
					zap.Int("tables", len(tables)))
				return tables, nil
			}
			d.logger.Warn("Ignoring unusable table snapshot", zap.String("path", h.Path), zap.Error(err))
		}
	}

	tables, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if d.store != nil {
		h, err := d.store.Save(TablesSnapshotName, TablesToRelation(tables), d.cfg.Format)
		if err != nil {
			return nil, fmt.Errorf("save table snapshot: %w", err)
		}
		d.logger.Debug("Saved table snapshot", zap.String("path", h.Path))
	}
	return tables, nil
}

// TablesToRelation renders descriptors as (SEGMENT_TABLE, COLUMNS) rows.
func TablesToRelation(tables []models.SourceTableDescriptor) *models.Relation {
	rel := models.NewRelation(ColumnSegmentTable, ColumnColumns)
	rel.KeyColumn = ColumnSegmentTable
	for _, t := range tables {
		rel.Rows = append(rel.Rows, models.Strings(t.QualifiedName, t.ColumnList()))
	}
	return rel
}

// TablesFromRelation is the inverse of TablesToRelation. The timestamp column
// is recovered from timestampColumns.
func TablesFromRelation(rel *models.Relation, timestampColumns []string) ([]models.SourceTableDescriptor, error) {
	nameIdx, colsIdx := rel.ColumnIndex(ColumnSegmentTable), rel.ColumnIndex(ColumnColumns)
	if nameIdx < 0 || colsIdx < 0 {
		return nil, fmt.Errorf("table snapshot needs columns %s and %s", ColumnSegmentTable, ColumnColumns)
	}
	out := make([]models.SourceTableDescriptor, 0, rel.Len())
	for _, row := range rel.Rows {
		name, cols := row[nameIdx], row[colsIdx]
		if !name.Valid || !cols.Valid || cols.String == "" {
			return nil, fmt.Errorf("table snapshot has an incomplete row")
		}
		columns := strings.Split(cols.String, models.ColumnSeparator)
		var ts string
		for _, col := range columns {
			if slices.Contains(timestampColumns, col) {
				ts = col
				break
			}
		}
		out = append(out, models.NewSourceTableDescriptor(name.String, columns, ts))
	}
	return out, nil
}
