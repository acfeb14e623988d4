package models

import (
	"slices"
	"strings"
)

// ColumnSeparator joins column names in persisted descriptor lists.
const ColumnSeparator = "-"

// SourceTableDescriptor identifies one event table eligible for reconciliation.
type SourceTableDescriptor struct {
	// QualifiedName is the queryable DB.SCHEMA.TABLE name.
	QualifiedName string `json:"qualified_name" yaml:"qualified_name"`

	// Columns are the search columns found on the table, sorted.
	Columns []string `json:"columns" yaml:"columns"`

	// TimestampColumn is the single timestamp column kept in Columns, if any.
	TimestampColumn string `json:"timestamp_column,omitempty" yaml:"timestamp_column,omitempty"`
}

// NewSourceTableDescriptor sorts and de-duplicates columns.
func NewSourceTableDescriptor(qualifiedName string, columns []string, timestampColumn string) SourceTableDescriptor {
	cols := slices.Clone(columns)
	slices.Sort(cols)
	cols = slices.Compact(cols)
	return SourceTableDescriptor{
		QualifiedName:   qualifiedName,
		Columns:         cols,
		TimestampColumn: timestampColumn,
	}
}

// Has reports whether column is available on the table.
func (d SourceTableDescriptor) Has(column string) bool {
	_, found := slices.BinarySearch(d.Columns, column)
	return found
}

// ColumnList renders the columns joined by ColumnSeparator.
func (d SourceTableDescriptor) ColumnList() string {
	return strings.Join(d.Columns, ColumnSeparator)
}
