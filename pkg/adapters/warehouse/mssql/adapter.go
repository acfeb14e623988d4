package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	mssqldb "github.com/microsoft/go-mssqldb"
	_ "github.com/microsoft/go-mssqldb/azuread" // registers the azuresql driver
	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
	"github.com/ellisisland/reconciler/pkg/logging"
)

// SQL Server error 1222: lock request time out period exceeded.
const errLockTimeout = 1222

func classifyTimeout(err error) (string, bool) {
	var msErr mssqldb.Error
	if errors.As(err, &msErr) && msErr.Number == errLockTimeout {
		return strconv.Itoa(int(msErr.Number)), true
	}
	return "", false
}

// Adapter is a SQL Server warehouse session.
type Adapter struct {
	*warehouse.DBConn
	config *Config
}

// NewAdapter opens a SQL Server pool. The adapter owns the pool.
func NewAdapter(ctx context.Context, cfg *Config, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, dsn := cfg.DriverAndDSN()
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %s", cfg.AuthMethod, logging.SanitizeError(err))
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	return &Adapter{
		DBConn: warehouse.NewDBConn(db, classifyTimeout, true, logger.Named("mssql")),
		config: cfg,
	}, nil
}

// Ensure Adapter implements warehouse.Conn at compile time.
var _ warehouse.Conn = (*Adapter)(nil)
