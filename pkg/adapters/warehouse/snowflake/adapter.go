package snowflake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	sf "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
	"github.com/ellisisland/reconciler/pkg/logging"
)

// Snowflake error numbers treated as a query timeout. 604 is raised when a
// statement is cancelled (a client-side deadline surfaces this way) and 630
// when STATEMENT_TIMEOUT_IN_SECONDS is reached.
const (
	errQueryCancelled   = 604
	errStatementTimeout = 630
)

// classifyTimeout implements warehouse.TimeoutClassifier.
func classifyTimeout(err error) (string, bool) {
	var sfErr *sf.SnowflakeError
	if errors.As(err, &sfErr) {
		switch sfErr.Number {
		case errQueryCancelled, errStatementTimeout:
			return strconv.Itoa(sfErr.Number), true
		}
	}
	return "", false
}

// Adapter is a Snowflake warehouse session.
type Adapter struct {
	*warehouse.DBConn
	config *Config
}

// NewAdapter opens a Snowflake pool. The returned adapter owns the pool.
func NewAdapter(ctx context.Context, cfg *Config, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snowflake: %s", logging.SanitizeError(err))
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	logger.Debug("snowflake pool created",
		zap.String("account", cfg.Account),
		zap.String("warehouse", cfg.Warehouse),
		zap.String("role", cfg.Role))

	return &Adapter{
		DBConn: warehouse.NewDBConn(db, classifyTimeout, true, logger.Named("snowflake")),
		config: cfg,
	}, nil
}

// Ensure Adapter implements warehouse.Conn at compile time.
var _ warehouse.Conn = (*Adapter)(nil)
