package sql

import (
	"fmt"
	"strings"
)

// Aliases used in generated queries.
const (
	SourceAlias       = "id"
	BridgeAlias       = "br"
	IdentityAlias     = "ei"
	ResolvedUUIDAlias = "RESOLVED_UUID"
)

// KeySelect describes the key tuple selected from one source table.
type KeySelect struct {
	Table   string
	Columns []string

	// TimestampColumn and Floor restrict rows to TimestampColumn >= Floor.
	// Both must be set for the restriction to apply.
	TimestampColumn string
	Floor           string
}

// Bridge describes a warehouse-side join path from a source column to the
// canonical identity table.
type Bridge struct {
	SourceColumn string // column on the source table
	Table        string // bridging table
	KeyColumn    string // bridging column matched against SourceColumn
	UUIDColumn   string // bridging column matched against the identity uuid

	IdentityTable      string
	IdentityUUIDColumn string
}

func (k KeySelect) validate() error {
	if err := ValidateQualifiedName(k.Table); err != nil {
		return err
	}
	if len(k.Columns) == 0 {
		return fmt.Errorf("%s: no key columns", k.Table)
	}
	for _, c := range k.Columns {
		if err := ValidateIdentifier(c); err != nil {
			return err
		}
	}
	if k.TimestampColumn != "" {
		return ValidateIdentifier(k.TimestampColumn)
	}
	return nil
}

func (k KeySelect) selectList() string {
	cols := make([]string, len(k.Columns))
	for i, c := range k.Columns {
		cols[i] = SourceAlias + "." + c
	}
	return strings.Join(cols, ", ")
}

// whereClause renders the not-null predicate over every key column plus the
// optional timestamp floor.
func (k KeySelect) whereClause() (string, error) {
	preds := make([]string, 0, len(k.Columns)+1)
	for _, c := range k.Columns {
		preds = append(preds, SourceAlias+"."+c+" IS NOT NULL")
	}
	if k.TimestampColumn != "" && k.Floor != "" {
		lit, err := DateLiteral("timestamp_floor", k.Floor)
		if err != nil {
			return "", err
		}
		preds = append(preds, SourceAlias+"."+k.TimestampColumn+" >= "+lit)
	}
	return strings.Join(preds, " AND "), nil
}

// DistinctKeyQuery selects the distinct non-null key tuples of a table.
func DistinctKeyQuery(k KeySelect) (string, error) {
	if err := k.validate(); err != nil {
		return "", err
	}
	where, err := k.whereClause()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT DISTINCT %s FROM %s %s WHERE %s",
		k.selectList(), k.Table, SourceAlias, where), nil
}

// DistinctKeyCountQuery counts what DistinctKeyQuery would return.
func DistinctKeyCountQuery(k KeySelect) (string, error) {
	inner, err := DistinctKeyQuery(k)
	if err != nil {
		return "", err
	}
	return "SELECT COUNT(*) FROM (" + inner + ") AS d", nil
}

// BridgeQuery selects the distinct key tuples with the identity uuid reached
// through b. Tuples without a match carry a null RESOLVED_UUID.
func BridgeQuery(k KeySelect, b Bridge) (string, error) {
	if err := k.validate(); err != nil {
		return "", err
	}
	for _, name := range []string{b.Table, b.IdentityTable} {
		if err := ValidateQualifiedName(name); err != nil {
			return "", err
		}
	}
	for _, ident := range []string{b.SourceColumn, b.KeyColumn, b.UUIDColumn, b.IdentityUUIDColumn} {
		if err := ValidateIdentifier(ident); err != nil {
			return "", err
		}
	}
	where, err := k.whereClause()
	if err != nil {
		return "", err
	}

	var q strings.Builder
	fmt.Fprintf(&q, "SELECT DISTINCT %s, %s.%s AS %s FROM %s %s",
		k.selectList(), IdentityAlias, b.IdentityUUIDColumn, ResolvedUUIDAlias, k.Table, SourceAlias)
	fmt.Fprintf(&q, " LEFT JOIN %s %s ON %s.%s = %s.%s",
		b.Table, BridgeAlias, SourceAlias, b.SourceColumn, BridgeAlias, b.KeyColumn)
	fmt.Fprintf(&q, " LEFT JOIN %s %s ON %s.%s = %s.%s",
		b.IdentityTable, IdentityAlias, BridgeAlias, b.UUIDColumn, IdentityAlias, b.IdentityUUIDColumn)
	fmt.Fprintf(&q, " WHERE %s", where)
	return q.String(), nil
}
