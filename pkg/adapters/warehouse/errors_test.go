package warehouse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ellisisland/reconciler/pkg/apperrors"
)

func TestClassifyTimeout(t *testing.T) {
	vendor := errors.New("000604: SQL execution canceled")
	classify := func(err error) (string, bool) {
		if err == vendor {
			return "604", true
		}
		return "", false
	}

	tests := []struct {
		name        string
		err         error
		wantTimeout bool
		wantCode    string
	}{
		{"nil", nil, false, ""},
		{"vendor timeout", vendor, true, "604"},
		{"context deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), true, ""},
		{"syntax error", errors.New("syntax error at or near"), false, ""},
		{"cancelled is not a timeout", context.Canceled, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyTimeout(tt.err, classify, "SELECT 1", time.Minute)
			assert.Equal(t, tt.wantTimeout, IsTimeout(err))
			if tt.wantTimeout {
				var te *TimeoutError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.wantCode, te.Code)
				assert.Equal(t, time.Minute, te.Timeout)
				assert.ErrorIs(t, err, apperrors.ErrQueryTimeout)
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.Equal(t, tt.err, err)
			}
		})
	}
}

func TestClassifyTimeout_AlreadyClassified(t *testing.T) {
	orig := &TimeoutError{Code: "57014"}
	wrapped := fmt.Errorf("batch 3: %w", orig)
	assert.Same(t, wrapped, ClassifyTimeout(wrapped, nil, "q", 0))
}

func TestTimeoutError_Message(t *testing.T) {
	err := &TimeoutError{Code: "604", Timeout: 30 * time.Second, Query: "SELECT DISTINCT\n  id.USER_ID FROM T id"}
	assert.Equal(t, "query timed out after 30s (code 604): SELECT DISTINCT id.USER_ID FROM T id", err.Error())
}
