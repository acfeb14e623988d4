package sql

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ellisisland/reconciler/pkg/apperrors"
)

const (
	// DefaultPrefix is applied to catalog table names that carry no
	// database or schema qualifier.
	DefaultPrefix = "LOOKER_SOURCE.PUBLIC"

	catalogSeparator = "__"
	nameSeparator    = "."
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// Namer maps catalog table names (double-underscore delimited) to queryable
// dot-qualified names and back.
type Namer struct {
	DefaultPrefix string
}

// NewNamer returns a Namer using prefix, or DefaultPrefix when empty.
func NewNamer(prefix string) Namer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Namer{DefaultPrefix: prefix}
}

// Qualify converts a catalog name like SEGMENT__APP__IDENTIFIES into
// SEGMENT.APP.IDENTIFIES. A name with no delimiter gets the default prefix.
func (n Namer) Qualify(catalogName string) string {
	if !strings.Contains(catalogName, catalogSeparator) {
		return n.DefaultPrefix + nameSeparator + catalogName
	}
	return strings.ReplaceAll(catalogName, catalogSeparator, nameSeparator)
}

// Dequalify is the inverse of Qualify. Names under the default prefix lose
// the prefix, so Qualify(Dequalify(x)) == x for every qualified name.
func (n Namer) Dequalify(qualifiedName string) string {
	if rest, ok := strings.CutPrefix(qualifiedName, n.DefaultPrefix+nameSeparator); ok && !strings.Contains(rest, nameSeparator) {
		return rest
	}
	return strings.ReplaceAll(qualifiedName, nameSeparator, catalogSeparator)
}

// ValidateIdentifier checks a single unquoted identifier.
func ValidateIdentifier(ident string) error {
	if !identifierPattern.MatchString(ident) {
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidIdentifier, ident)
	}
	return nil
}

// ValidateQualifiedName checks every dot-separated part of name.
func ValidateQualifiedName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", apperrors.ErrInvalidIdentifier)
	}
	for _, part := range strings.Split(name, nameSeparator) {
		if err := ValidateIdentifier(part); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
