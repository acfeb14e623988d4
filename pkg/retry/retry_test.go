package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

type flagError struct{ retry bool }

func (e flagError) Error() string     { return fmt.Sprintf("flag retry=%v", e.retry) }
func (e flagError) IsRetryable() bool { return e.retry }

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_MaxRetriesExhausted(t *testing.T) {
	calls := 0
	want := errors.New("still down")
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return want
	})
	assert.ErrorIs(t, err, want)
	assert.Equal(t, 4, calls)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.InitialDelay = time.Second
	cfg.OnRetry = func(int, error, time.Duration) { cancel() }

	err := Do(ctx, cfg, func() error { return errors.New("fail") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_OnRetryObservesAttempts(t *testing.T) {
	var attempts []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, _ error, d time.Duration) {
		attempts = append(attempts, attempt)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
	}
	_ = Do(context.Background(), cfg, func() error { return errors.New("x") })
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("i/o timeout")
		}
		return "session", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "session", got)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"service unavailable", errors.New("HTTP 503 Service Unavailable"), true},
		{"bad credentials", errors.New("390100 (08004): Incorrect username or password"), false},
		{"syntax error", errors.New("SQL compilation error: syntax error"), false},
		{"explicit retryable", flagError{retry: true}, true},
		{"explicit permanent", flagError{retry: false}, false},
		{"wrapped explicit", fmt.Errorf("open: %w", flagError{retry: true}), true},
		{"cancelled", context.Canceled, false},
		{"deadline", fmt.Errorf("ping: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDoIfRetryable_NonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	err := DoIfRetryable(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New("incorrect username or password")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoIfRetryable_EscalatesRepeatedErrorType(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 10
	cfg.MaxSameErrorType = 2
	calls := 0
	err := DoIfRetryable(context.Background(), cfg, func() error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repeated error")
	assert.Equal(t, 2, calls)
}

func TestDoIfRetryable_Success(t *testing.T) {
	calls := 0
	err := DoIfRetryable(context.Background(), nil, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
