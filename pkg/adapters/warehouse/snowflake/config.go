package snowflake

import (
	"fmt"

	sf "github.com/snowflakedb/gosnowflake"
)

// Config contains Snowflake connection options.
type Config struct {
	Account   string
	User      string
	Password  string
	Role      string
	Warehouse string
	Database  string
	Schema    string

	MaxOpenConns int
}

// DefaultMaxOpenConns bounds the pool; the engine issues one query at a time.
func DefaultMaxOpenConns() int {
	return 2
}

// FromMap creates a Config from a generic config map.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{MaxOpenConns: DefaultMaxOpenConns()}

	required := map[string]*string{
		"account": &cfg.Account,
		"user":    &cfg.User,
	}
	for key, dst := range required {
		v, ok := config[key].(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("%s is required", key)
		}
		*dst = v
	}

	optional := map[string]*string{
		"password":  &cfg.Password,
		"role":      &cfg.Role,
		"warehouse": &cfg.Warehouse,
		"database":  &cfg.Database,
		"schema":    &cfg.Schema,
	}
	for key, dst := range optional {
		if v, ok := config[key].(string); ok {
			*dst = v
		}
	}

	if n, ok := config["max_open_conns"].(int); ok && n > 0 {
		cfg.MaxOpenConns = n
	} else if n, ok := config["max_open_conns"].(float64); ok && n > 0 { // JSON numbers are float64
		cfg.MaxOpenConns = int(n)
	}
	return cfg, nil
}

// DSN renders the gosnowflake data source name.
func (c *Config) DSN() (string, error) {
	dsn, err := sf.DSN(&sf.Config{
		Account:     c.Account,
		User:        c.User,
		Password:    c.Password,
		Role:        c.Role,
		Warehouse:   c.Warehouse,
		Database:    c.Database,
		Schema:      c.Schema,
		Application: "ellisisland-reconciler",
	})
	if err != nil {
		return "", fmt.Errorf("build snowflake dsn: %w", err)
	}
	return dsn, nil
}
