package postgres

import (
	"context"

	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
)

func init() {
	warehouse.Register(warehouse.AdapterRegistration{
		Info: warehouse.AdapterInfo{
			Type:        "postgres",
			DisplayName: "PostgreSQL",
			Description: "PostgreSQL 12+, Aurora PostgreSQL, Redshift-compatible endpoints",
		},
		Factory: func(ctx context.Context, config map[string]any, logger *zap.Logger) (warehouse.Conn, error) {
			cfg, err := FromMap(config)
			if err != nil {
				return nil, err
			}
			return NewAdapter(ctx, cfg, logger)
		},
	})
}
