package reconcile

import (
	"fmt"
	"strings"

	"github.com/ellisisland/reconciler/pkg/apperrors"
	"github.com/ellisisland/reconciler/pkg/models"
)

// FanOutError reports a join that produced more than one row for a key
// tuple. It indicates a non-unique reference or a broken join predicate and
// must terminate the run rather than skip the table.
type FanOutError struct {
	Table    string
	Strategy string

	// Key and UUIDs identify the offending tuple when it is known.
	Key   models.Row
	UUIDs []string

	// Distinct and Joined are the batch sizes before and after the join.
	Distinct int
	Joined   int
}

func (e *FanOutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "join fan-out on %s (%s)", e.Table, e.Strategy)
	if e.Distinct != e.Joined {
		fmt.Fprintf(&b, ": %d distinct keys joined to %d rows", e.Distinct, e.Joined)
	}
	if len(e.Key) > 0 {
		fmt.Fprintf(&b, ": key %s resolved to %s", formatKey(e.Key), strings.Join(e.UUIDs, ", "))
	}
	return b.String()
}

// Is makes errors.Is(err, apperrors.ErrFanOut) hold.
func (e *FanOutError) Is(target error) bool {
	return target == apperrors.ErrFanOut
}

func formatKey(key models.Row) string {
	parts := make([]string, len(key))
	for i, c := range key {
		if c.Valid {
			parts[i] = c.String
		} else {
			parts[i] = "NULL"
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
