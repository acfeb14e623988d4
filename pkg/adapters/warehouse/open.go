package warehouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/logging"
	"github.com/ellisisland/reconciler/pkg/retry"
)

// Open resolves the adapter for whType, opens a session and pings it.
// Transient connection failures are retried with backoff.
func Open(ctx context.Context, whType string, config map[string]any, logger *zap.Logger) (Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := GetFactory(whType)
	if factory == nil {
		return nil, fmt.Errorf("unsupported warehouse type %q (registered: %v)", whType, registeredTypes())
	}

	cfg := retry.DefaultConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("warehouse connection failed, retrying",
			zap.String("type", whType),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error", logging.SanitizeError(err)))
	}

	var conn Conn
	err := retry.DoIfRetryable(ctx, cfg, func() error {
		c, err := factory(ctx, config, logger)
		if err != nil {
			return err
		}
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return fmt.Errorf("ping failed: %w", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open %s warehouse: %w", whType, err)
	}
	logger.Info("warehouse connected", zap.String("type", whType))
	return conn, nil
}

// Dialer is an Opener for a configured warehouse.
type Dialer struct {
	Type   string
	Config map[string]any
	Logger *zap.Logger
}

// Open implements Opener.
func (d Dialer) Open(ctx context.Context) (Conn, error) {
	return Open(ctx, d.Type, d.Config, d.Logger)
}

func registeredTypes() []string {
	infos := RegisteredAdapters()
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Type
	}
	return out
}
