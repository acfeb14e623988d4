package testhelpers

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver used for seeding
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// WarehouseImage is the PostgreSQL image standing in for the warehouse.
const WarehouseImage = "postgres:16-alpine"

const (
	warehouseDatabase = "recon"
	warehouseUser     = "recon"
	warehousePassword = "test_password"
)

//go:embed warehouse_fixture/*.sql
var warehouseFixture embed.FS

// WarehouseDB is a seeded PostgreSQL warehouse running in a container.
type WarehouseDB struct {
	Container testcontainers.Container
	ConnStr   string
	Host      string
	Port      int
}

// AdapterConfig returns the connection map for the postgres warehouse adapter.
func (w *WarehouseDB) AdapterConfig() map[string]any {
	return map[string]any{
		"host":     w.Host,
		"port":     w.Port,
		"user":     warehouseUser,
		"password": warehousePassword,
		"database": warehouseDatabase,
		"ssl_mode": "disable",
	}
}

var (
	sharedWarehouse     *WarehouseDB
	sharedWarehouseOnce sync.Once
	sharedWarehouseErr  error
)

// GetWarehouseDB returns a shared warehouse container for integration tests.
// The container is created and seeded once and reused across the test run.
// Tests must treat the fixture as read-only.
func GetWarehouseDB(t *testing.T) *WarehouseDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedWarehouseOnce.Do(func() {
		sharedWarehouse, sharedWarehouseErr = setupWarehouseDB()
	})

	if sharedWarehouseErr != nil {
		t.Fatalf("Failed to setup warehouse database: %v", sharedWarehouseErr)
	}

	return sharedWarehouse
}

func setupWarehouseDB() (*WarehouseDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        WarehouseImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       warehouseDatabase,
			"POSTGRES_USER":     warehouseUser,
			"POSTGRES_PASSWORD": warehousePassword,
		},
		// The entrypoint restarts the server once after init.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start warehouse container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		warehouseUser, warehousePassword, host, port.Port(), warehouseDatabase)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer db.Close()

	// Verify connection with retry
	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("warehouse not reachable: %w", err)
	}

	if err := SeedWarehouse(db, zap.NewNop()); err != nil {
		return nil, err
	}

	return &WarehouseDB{
		Container: container,
		ConnStr:   connStr,
		Host:      host,
		Port:      port.Int(),
	}, nil
}

// SeedWarehouse applies the embedded segment fixture. It is idempotent.
func SeedWarehouse(db *sql.DB, logger *zap.Logger) error {
	source, err := iofs.New(warehouseFixture, "warehouse_fixture")
	if err != nil {
		return fmt.Errorf("failed to open fixture source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	// Closing m would close db, which the caller owns.
	defer source.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("Warehouse fixture already applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to seed warehouse: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("Seeded warehouse fixture", zap.Uint("version", version))
	return nil
}
