package models

import (
	"database/sql"
	"fmt"
	"maps"
	"slices"
)

// Output column names appended to a table's key columns.
const (
	ColumnResolvedUUID = "RESOLVED_UUID"
	ColumnSourceTable  = "SOURCE_TABLE"
)

// ReconciledRow is one distinct key tuple of a source table with the uuid it
// resolved to, if any.
type ReconciledRow struct {
	Key          Row
	ResolvedUUID sql.NullString
	SourceTable  string
}

// ReconciliationResult is the accumulated output of one strategy on one table.
type ReconciliationResult struct {
	Table      string
	Strategy   string
	KeyColumns []string
	Rows       []ReconciledRow

	Total            int
	NullUUIDCount    int
	NonNullUUIDCount int
}

// Finalize recomputes the statistics from Rows.
func (r *ReconciliationResult) Finalize() {
	r.Total = len(r.Rows)
	r.NullUUIDCount = 0
	r.NonNullUUIDCount = 0
	for _, row := range r.Rows {
		if row.ResolvedUUID.Valid {
			r.NonNullUUIDCount++
		} else {
			r.NullUUIDCount++
		}
	}
}

// CheckPartition verifies that null and non-null counts partition the rows.
func (r *ReconciliationResult) CheckPartition() error {
	if r.NullUUIDCount+r.NonNullUUIDCount != r.Total {
		return fmt.Errorf("%s/%s: null %d + non-null %d != total %d",
			r.Table, r.Strategy, r.NullUUIDCount, r.NonNullUUIDCount, r.Total)
	}
	if r.Total != len(r.Rows) {
		return fmt.Errorf("%s/%s: total %d != rows %d", r.Table, r.Strategy, r.Total, len(r.Rows))
	}
	return nil
}

// Columns returns the relation columns for this result.
func (r *ReconciliationResult) Columns() []string {
	cols := make([]string, 0, len(r.KeyColumns)+2)
	cols = append(cols, r.KeyColumns...)
	return append(cols, ColumnResolvedUUID, ColumnSourceTable)
}

// ToRelation renders the rows as a relation.
func (r *ReconciliationResult) ToRelation() *Relation {
	rel := NewRelation(r.Columns()...)
	rel.Rows = make([]Row, 0, len(r.Rows))
	for _, row := range r.Rows {
		out := make(Row, 0, len(row.Key)+2)
		out = append(out, row.Key...)
		out = append(out, row.ResolvedUUID, Value(row.SourceTable))
		rel.Rows = append(rel.Rows, out)
	}
	return rel
}

// ReconciliationResultFromRelation is the inverse of ToRelation. Statistics
// are recomputed from the rows.
func ReconciliationResultFromRelation(table, strategy string, rel *Relation) (*ReconciliationResult, error) {
	n := len(rel.Columns)
	if n < 2 || rel.Columns[n-2] != ColumnResolvedUUID || rel.Columns[n-1] != ColumnSourceTable {
		return nil, fmt.Errorf("relation for %s/%s is not a reconciliation result", table, strategy)
	}
	res := &ReconciliationResult{
		Table:      table,
		Strategy:   strategy,
		KeyColumns: append([]string(nil), rel.Columns[:n-2]...),
		Rows:       make([]ReconciledRow, 0, len(rel.Rows)),
	}
	for _, row := range rel.Rows {
		res.Rows = append(res.Rows, ReconciledRow{
			Key:          row[:n-2].Clone(),
			ResolvedUUID: row[n-2],
			SourceTable:  row[n-1].String,
		})
	}
	res.Finalize()
	return res, nil
}

// ResultName is the logical snapshot name of a strategy's result for table.
func ResultName(table, strategy string) string {
	return table + "_" + strategy + "_result"
}

// TableReconciliation holds every strategy's result for one table. Primary is
// the canonical output; Auxiliary is keyed by strategy name.
type TableReconciliation struct {
	Table     SourceTableDescriptor
	Primary   *ReconciliationResult
	Auxiliary map[string]*ReconciliationResult
	Restored  bool
}

// Results returns the primary result followed by auxiliary results sorted by
// strategy name.
func (t *TableReconciliation) Results() []*ReconciliationResult {
	out := make([]*ReconciliationResult, 0, 1+len(t.Auxiliary))
	if t.Primary != nil {
		out = append(out, t.Primary)
	}
	for _, name := range slices.Sorted(maps.Keys(t.Auxiliary)) {
		out = append(out, t.Auxiliary[name])
	}
	return out
}
