// Package all registers every warehouse adapter. Import it for side effects.
package all

import (
	_ "github.com/ellisisland/reconciler/pkg/adapters/warehouse/mssql"
	_ "github.com/ellisisland/reconciler/pkg/adapters/warehouse/postgres"
	_ "github.com/ellisisland/reconciler/pkg/adapters/warehouse/snowflake"
)
