// Package sql builds and checks the SQL the reconciler sends to a warehouse.
package sql

import (
	"errors"
	"strings"
)

var (
	// ErrMultipleStatements indicates the query contains multiple SQL statements.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed")
	// ErrEmptyStatement indicates a blank query.
	ErrEmptyStatement = errors.New("empty SQL statement")
)

// NormalizeStatement trims whitespace and a trailing semicolon and rejects
// anything that is not exactly one statement. Configured queries (catalog,
// identity) pass through here before execution.
func NormalizeStatement(query string) (string, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	if q == "" {
		return "", ErrEmptyStatement
	}
	if hasSemicolonOutsideStrings(q) {
		return "", ErrMultipleStatements
	}
	return q, nil
}

// hasSemicolonOutsideStrings scans for a semicolon outside quoted strings
// and identifiers. Doubled and backslash-escaped quotes stay inside.
func hasSemicolonOutsideStrings(query string) bool {
	var quote rune
	prev := rune(0)
	for _, c := range query {
		switch {
		case quote == 0 && c == ';':
			return true
		case quote == 0 && (c == '\'' || c == '"'):
			quote = c
		case quote != 0 && c == quote && prev != '\\':
			quote = 0
		}
		prev = c
	}
	return false
}
