package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Known strategy names.
const (
	StrategyUserID   = "user_id"
	StrategyUsername = "username"
	StrategyPersona  = "persona"
	StrategyRID      = "rid"
)

// Snapshot formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Config holds all configuration for the reconciler.
// Configuration comes from a YAML file with environment variable overrides.
// Secrets (warehouse password) must only come from environment variables.
type Config struct {
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Identity  IdentityConfig  `yaml:"identity"`
	Snapshots SnapshotConfig  `yaml:"snapshots"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
}

// WarehouseConfig selects and configures the warehouse adapter.
type WarehouseConfig struct {
	Type      string `yaml:"type" env:"WAREHOUSE_TYPE" env-default:"snowflake"`
	Account   string `yaml:"account" env:"WAREHOUSE_ACCOUNT" env-default:""`
	User      string `yaml:"user" env:"WAREHOUSE_USER" env-default:""`
	Password  string `yaml:"-" env:"WAREHOUSE_PASSWORD"` // Secret - not in YAML
	Role      string `yaml:"role" env:"WAREHOUSE_ROLE" env-default:""`
	Warehouse string `yaml:"warehouse" env:"WAREHOUSE_NAME" env-default:""`
	Database  string `yaml:"database" env:"WAREHOUSE_DATABASE" env-default:""`
	Schema    string `yaml:"schema" env:"WAREHOUSE_SCHEMA" env-default:""`

	// Host, Port and SSLMode apply to postgres and sqlserver warehouses.
	Host    string `yaml:"host" env:"WAREHOUSE_HOST" env-default:"localhost"`
	Port    int    `yaml:"port" env:"WAREHOUSE_PORT" env-default:"0"`
	SSLMode string `yaml:"ssl_mode" env:"WAREHOUSE_SSL_MODE" env-default:"require"`

	MaxOpenConns int `yaml:"max_open_conns" env:"WAREHOUSE_MAX_OPEN_CONNS" env-default:"2"`

	// Azure AD service principal (sqlserver only).
	AuthMethod   string `yaml:"auth_method" env:"WAREHOUSE_AUTH_METHOD" env-default:""`
	TenantID     string `yaml:"tenant_id" env:"WAREHOUSE_TENANT_ID" env-default:""`
	ClientID     string `yaml:"client_id" env:"WAREHOUSE_CLIENT_ID" env-default:""`
	ClientSecret string `yaml:"-" env:"WAREHOUSE_CLIENT_SECRET"` // Secret - not in YAML
}

// ReconcileConfig controls the reconciliation engine.
type ReconcileConfig struct {
	BatchSize           int `yaml:"batch_size" env:"RECONCILE_BATCH_SIZE" env-default:"1000"`
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" env:"RECONCILE_QUERY_TIMEOUT_SECONDS" env-default:"60"`

	// StrategiesStr is a comma-separated list of strategies to run. The
	// primary strategy (user_id) always runs.
	StrategiesStr string   `yaml:"strategies" env:"RECONCILE_STRATEGIES" env-default:"user_id,username,persona,rid"`
	Strategies    []string `yaml:"-"`

	// TimestampFloor, when set, restricts source rows to those whose
	// timestamp column is at or after this date (YYYY-MM-DD).
	TimestampFloor string `yaml:"timestamp_floor" env:"RECONCILE_TIMESTAMP_FLOOR" env-default:""`

	// Precount issues a COUNT(DISTINCT ...) before streaming and logs it.
	Precount bool `yaml:"precount" env:"RECONCILE_PRECOUNT" env-default:"false"`

	// Bridge tables used by the warehouse-side strategies.
	PersonaTable        string `yaml:"persona_table" env:"RECONCILE_PERSONA_TABLE" env-default:"SEGMENT.PERSONAS_THE_CHOSEN_WEB.USERS"`
	PersonaKeyColumn    string `yaml:"persona_key_column" env-default:"ID"`
	PersonaUUIDColumn   string `yaml:"persona_uuid_column" env-default:"ID"`
	WatchtimeTable      string `yaml:"watchtime_table" env:"RECONCILE_WATCHTIME_TABLE" env-default:"STITCH_LANDING.CHOSENHYDRA.WATCHTIME"`
	WatchtimeKeyColumn  string `yaml:"watchtime_key_column" env-default:"RID"`
	WatchtimeUUIDColumn string `yaml:"watchtime_uuid_column" env-default:"USER_ID"`
}

// QueryTimeout returns the per-query timeout. Zero means warehouse default.
func (c *ReconcileConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// DiscoveryConfig controls table discovery. List fields are comma-separated.
type DiscoveryConfig struct {
	CatalogQuery   string `yaml:"catalog_query" env:"DISCOVERY_CATALOG_QUERY" env-default:"SELECT TABLE_NAME, COLUMN_NAME FROM LOOKER_SOURCE.INFORMATION_SCHEMA.COLUMNS"`
	DefaultPrefix  string `yaml:"default_prefix" env:"DISCOVERY_DEFAULT_PREFIX" env-default:"LOOKER_SOURCE.PUBLIC"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"DISCOVERY_TIMEOUT_SECONDS" env-default:"300"`

	RequiredColumnsStr  string `yaml:"required_columns" env:"DISCOVERY_REQUIRED_COLUMNS" env-default:"ANONYMOUS_ID,USER_ID,EMAIL"`
	SearchColumnsStr    string `yaml:"search_columns" env:"DISCOVERY_SEARCH_COLUMNS" env-default:"ANONYMOUS_ID,USER_ID,EMAIL,RID"`
	TimestampColumnsStr string `yaml:"timestamp_columns" env:"DISCOVERY_TIMESTAMP_COLUMNS" env-default:""`
	IncludeFiltersStr   string `yaml:"include_filters" env:"DISCOVERY_INCLUDE_FILTERS" env-default:""`
	ExcludeFiltersStr   string `yaml:"exclude_filters" env:"DISCOVERY_EXCLUDE_FILTERS" env-default:""`

	RequiredColumns  []string `yaml:"-"`
	SearchColumns    []string `yaml:"-"`
	TimestampColumns []string `yaml:"-"`
	IncludeFilters   []string `yaml:"-"`
	ExcludeFilters   []string `yaml:"-"`
}

// Timeout returns the catalog query timeout.
func (c *DiscoveryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IdentityConfig controls the identity reference query.
type IdentityConfig struct {
	Query string `yaml:"query" env:"IDENTITY_QUERY" env-default:"SELECT u.uuid, u.username, TO_VARCHAR(a.data:email) FROM STITCH_LANDING.ELLIS_ISLAND.USER u JOIN STITCH_LANDING.ELLIS_ISLAND.SOCIAL_AUTH a ON a.user_id = u.id"`

	// Table and UUIDColumn name the canonical user table for warehouse-side joins.
	Table      string `yaml:"table" env:"IDENTITY_TABLE" env-default:"STITCH_LANDING.ELLIS_ISLAND.USER"`
	UUIDColumn string `yaml:"uuid_column" env-default:"UUID"`
}

// SnapshotConfig controls where and how artifacts are written.
type SnapshotConfig struct {
	Dir            string `yaml:"dir" env:"SNAPSHOT_DIR" env-default:"/tmp/reconciler"`
	ResultFormat   string `yaml:"result_format" env:"SNAPSHOT_RESULT_FORMAT" env-default:"parquet"`
	IdentityFormat string `yaml:"identity_format" env:"SNAPSHOT_IDENTITY_FORMAT" env-default:"parquet"`
	TablesFormat   string `yaml:"tables_format" env:"SNAPSHOT_TABLES_FORMAT" env-default:"csv"`
}

// CacheConfig selects, per artifact kind, whether the latest snapshot is
// preferred over recomputation. cleanenv applies env-default to zero values,
// so these default to false and are switched on explicitly.
type CacheConfig struct {
	PreferLatestTables     bool `yaml:"prefer_latest_tables" env:"CACHE_PREFER_LATEST_TABLES" env-default:"false"`
	PreferLatestIdentities bool `yaml:"prefer_latest_identities" env:"CACHE_PREFER_LATEST_IDENTITIES" env-default:"false"`
	PreferLatestResults    bool `yaml:"prefer_latest_results" env:"CACHE_PREFER_LATEST_RESULTS" env-default:"false"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level       string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Development bool   `yaml:"development" env:"LOG_DEVELOPMENT" env-default:"false"`
}

// Load reads configuration from path with environment variable overrides.
// An empty path reads the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parseComplexFields splits the comma-separated list fields.
func (c *Config) parseComplexFields() error {
	c.Reconcile.Strategies = splitList(c.Reconcile.StrategiesStr)
	if !slices.Contains(c.Reconcile.Strategies, StrategyUserID) {
		c.Reconcile.Strategies = append([]string{StrategyUserID}, c.Reconcile.Strategies...)
	}

	d := &c.Discovery
	d.RequiredColumns = splitList(d.RequiredColumnsStr)
	d.SearchColumns = splitList(d.SearchColumnsStr)
	d.TimestampColumns = splitList(d.TimestampColumnsStr)
	d.IncludeFilters = splitList(d.IncludeFiltersStr)
	d.ExcludeFilters = splitList(d.ExcludeFiltersStr)

	if len(d.RequiredColumns) == 0 {
		return fmt.Errorf("discovery.required_columns must not be empty")
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Reconcile.BatchSize < 1 {
		return fmt.Errorf("reconcile.batch_size must be >= 1, got %d", c.Reconcile.BatchSize)
	}
	if c.Reconcile.QueryTimeoutSeconds < 0 {
		return fmt.Errorf("reconcile.query_timeout_seconds must be >= 0, got %d", c.Reconcile.QueryTimeoutSeconds)
	}
	if c.Discovery.TimeoutSeconds < 0 {
		return fmt.Errorf("discovery.timeout_seconds must be >= 0, got %d", c.Discovery.TimeoutSeconds)
	}
	for _, s := range c.Reconcile.Strategies {
		switch s {
		case StrategyUserID, StrategyUsername, StrategyPersona, StrategyRID:
		default:
			return fmt.Errorf("unknown strategy %q", s)
		}
	}
	for name, f := range map[string]string{
		"snapshots.result_format":   c.Snapshots.ResultFormat,
		"snapshots.identity_format": c.Snapshots.IdentityFormat,
		"snapshots.tables_format":   c.Snapshots.TablesFormat,
	} {
		if f != FormatCSV && f != FormatParquet {
			return fmt.Errorf("%s must be %q or %q, got %q", name, FormatCSV, FormatParquet, f)
		}
	}
	for _, req := range c.Discovery.RequiredColumns {
		if !slices.Contains(c.Discovery.SearchColumns, req) {
			return fmt.Errorf("required column %s is not a search column", req)
		}
	}
	return nil
}

// ConnectionConfig returns the adapter configuration map for the warehouse
// registry. Local hosts are rewritten when running inside Docker.
func (c *WarehouseConfig) ConnectionConfig() map[string]any {
	return map[string]any{
		"account":        c.Account,
		"user":           c.User,
		"password":       c.Password,
		"role":           c.Role,
		"warehouse":      c.Warehouse,
		"database":       c.Database,
		"schema":         c.Schema,
		"host":           ResolveHostForDocker(c.Host),
		"port":           c.Port,
		"ssl_mode":       c.SSLMode,
		"max_open_conns": c.MaxOpenConns,
		"auth_method":    c.AuthMethod,
		"tenant_id":      c.TenantID,
		"client_id":      c.ClientID,
		"client_secret":  c.ClientSecret,
	}
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}
