package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Config defines retry behavior with exponential backoff
type Config struct {
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterFactor     float64 // 0.0-1.0
	MaxSameErrorType int     // after N consecutive failures of one kind, stop retrying

	// OnRetry is called before each wait. Optional.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig suits opening a warehouse session: 3 retries starting at
// 250ms, capped at 5s, doubling, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:       3,
		InitialDelay:     250 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 3,
	}
}

func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// backoff tracks the delay between attempts.
type backoff struct {
	cfg   *Config
	delay time.Duration
}

func newBackoff(cfg *Config) *backoff {
	return &backoff{cfg: cfg, delay: cfg.InitialDelay}
}

// wait sleeps for the current delay and grows it. It returns ctx.Err() if the
// context ends first.
func (b *backoff) wait(ctx context.Context, attempt int, err error) error {
	d := applyJitter(b.delay, b.cfg.JitterFactor)
	if b.cfg.OnRetry != nil {
		b.cfg.OnRetry(attempt, err, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.delay = time.Duration(float64(b.delay) * b.cfg.Multiplier)
	if b.delay > b.cfg.MaxDelay {
		b.delay = b.cfg.MaxDelay
	}
	return nil
}

// Do executes fn with exponential backoff, returning the last error after
// all retries are exhausted.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with exponential backoff and returns its result.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	b := newBackoff(cfg)

	var result T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result, lastErr = r, err
		if attempt < cfg.MaxRetries {
			if werr := b.wait(ctx, attempt+1, err); werr != nil {
				return result, werr
			}
		}
	}
	return result, lastErr
}

// RetryableError lets an error declare its own retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"network is unreachable",
	"temporary failure",
	"too many connections",
	"service unavailable",
	"503",
	"504",
	"429",
}

// IsRetryable reports whether err looks transient. Errors that implement
// RetryableError decide for themselves; cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// classifyErrorType buckets errors so repeated failures of one kind can be
// detected.
func classifyErrorType(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return "connection"
	case strings.Contains(msg, "no such host"):
		return "dns"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "429"), strings.Contains(msg, "too many"):
		return "throttled"
	}
	for _, code := range []string{"503", "504"} {
		if strings.Contains(msg, code) {
			return code
		}
	}
	return "unknown"
}

// DoIfRetryable retries only transient errors. Permanent errors (bad
// credentials, unknown account) return immediately, and MaxSameErrorType
// consecutive failures of one kind are escalated to a permanent failure.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	b := newBackoff(cfg)

	var lastErr error
	var lastType string
	sameCount := 0
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}

		if t := classifyErrorType(err); t == lastType {
			sameCount++
			if cfg.MaxSameErrorType > 0 && sameCount >= cfg.MaxSameErrorType {
				return fmt.Errorf("repeated error (%d times, type=%s): %w", sameCount, t, err)
			}
		} else {
			lastType, sameCount = t, 1
		}

		if attempt < cfg.MaxRetries {
			if werr := b.wait(ctx, attempt+1, err); werr != nil {
				return werr
			}
		}
	}
	return lastErr
}
