package sql

import (
	"fmt"
	"regexp"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ellisisland/reconciler/pkg/apperrors"
)

// InjectionCheckResult contains the result of an injection check on a literal.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Name        string // Name of the setting that supplied the value
	Value       string
}

// CheckForInjection runs libinjection over a value that will be inlined into
// SQL. Returns nil when the value is clean.
func CheckForInjection(name, value string) *InjectionCheckResult {
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		IsSQLi:      true,
		Fingerprint: string(fingerprint),
		Name:        name,
		Value:       value,
	}
}

var dateLiteralPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}( \d{2}:\d{2}(:\d{2})?)?$`)

// DateLiteral validates value as a date or timestamp and returns it quoted
// for inlining. The warehouse drivers used here do not share a placeholder
// syntax, so the few literals the engine emits are checked instead of bound.
func DateLiteral(name, value string) (string, error) {
	if res := CheckForInjection(name, value); res != nil {
		return "", fmt.Errorf("%w: %s (fingerprint %s)", apperrors.ErrUnsafeLiteral, name, res.Fingerprint)
	}
	if !dateLiteralPattern.MatchString(value) {
		return "", fmt.Errorf("%w: %s must be YYYY-MM-DD[ HH:MM[:SS]], got %q", apperrors.ErrUnsafeLiteral, name, value)
	}
	return "'" + value + "'", nil
}
