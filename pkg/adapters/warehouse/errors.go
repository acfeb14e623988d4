package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ellisisland/reconciler/pkg/apperrors"
	"github.com/ellisisland/reconciler/pkg/logging"
)

// TimeoutError reports a query the warehouse abandoned because it exceeded
// its timeout. Code carries the vendor error code when there is one.
type TimeoutError struct {
	Code    string
	Timeout time.Duration
	Query   string
	Err     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("query timed out after %s", e.Timeout)
	if e.Code != "" {
		msg += " (code " + e.Code + ")"
	}
	if e.Query != "" {
		msg += ": " + logging.SanitizeQuery(e.Query)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, apperrors.ErrQueryTimeout) hold for every TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == apperrors.ErrQueryTimeout
}

// TimeoutClassifier reports whether err is a vendor timeout and its code.
type TimeoutClassifier func(err error) (code string, ok bool)

// ClassifyTimeout wraps err in a TimeoutError when classify or a context
// deadline says it is one. Other errors are returned unchanged.
func ClassifyTimeout(err error, classify TimeoutClassifier, query string, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return err
	}
	if classify != nil {
		if code, ok := classify(err); ok {
			return &TimeoutError{Code: code, Timeout: timeout, Query: query, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout, Query: query, Err: err}
	}
	return err
}

// IsTimeout reports whether err is a warehouse query timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, apperrors.ErrQueryTimeout)
}
