package models

import (
	"database/sql"
	"fmt"
)

// Row is one tuple of nullable values aligned with a Relation's columns.
// Warehouse values are normalized to strings at the adapter boundary.
type Row []sql.NullString

// Value returns a non-null cell.
func Value(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

// Null returns a null cell.
func Null() sql.NullString {
	return sql.NullString{}
}

// Strings builds a row of non-null cells.
func Strings(values ...string) Row {
	row := make(Row, len(values))
	for i, v := range values {
		row[i] = Value(v)
	}
	return row
}

// Equal reports whether both rows have identical cells.
func (r Row) Equal(other Row) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not share backing storage.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Relation is an in-memory table: ordered columns and ordered rows.
type Relation struct {
	Columns []string
	Rows    []Row

	// KeyColumn optionally names a column promoted to the row key when the
	// relation is written to a snapshot.
	KeyColumn string
}

// NewRelation creates an empty relation with the given columns.
func NewRelation(columns ...string) *Relation {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Relation{Columns: cols, Rows: make([]Row, 0)}
}

// Len returns the number of rows; nil relations have zero rows.
func (r *Relation) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// IsEmpty reports whether the relation is nil or has no rows.
func (r *Relation) IsEmpty() bool {
	return r.Len() == 0
}

// ColumnIndex returns the position of name or -1.
func (r *Relation) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Append adds a row after checking its arity.
func (r *Relation) Append(row Row) error {
	if len(row) != len(r.Columns) {
		return fmt.Errorf("row has %d values, relation has %d columns", len(row), len(r.Columns))
	}
	r.Rows = append(r.Rows, row)
	return nil
}

// Equal reports structural equality: same columns, same rows in the same order,
// and the same row key.
func (r *Relation) Equal(other *Relation) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.KeyColumn != other.KeyColumn || len(r.Columns) != len(other.Columns) || len(r.Rows) != len(other.Rows) {
		return false
	}
	for i := range r.Columns {
		if r.Columns[i] != other.Columns[i] {
			return false
		}
	}
	for i := range r.Rows {
		if !r.Rows[i].Equal(other.Rows[i]) {
			return false
		}
	}
	return true
}
