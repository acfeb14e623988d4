package postgres

import (
	"fmt"
	"net/url"
)

// Config contains PostgreSQL connection options.
type Config struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string // "disable", "require", "verify-ca", "verify-full"
	MaxOpenConns int
}

// DefaultPort returns the default PostgreSQL port.
func DefaultPort() int {
	return 5432
}

// DefaultSSLMode returns the default SSL mode.
func DefaultSSLMode() string {
	return "require"
}

// FromMap creates a Config from a generic config map.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{
		Port:         DefaultPort(),
		SSLMode:      DefaultSSLMode(),
		MaxOpenConns: 2,
	}

	if host, ok := config["host"].(string); ok && host != "" {
		cfg.Host = host
	} else {
		return nil, fmt.Errorf("host is required")
	}

	switch port := config["port"].(type) {
	case int:
		if port > 0 {
			cfg.Port = port
		}
	case float64: // JSON numbers are float64
		if port > 0 {
			cfg.Port = int(port)
		}
	}

	if user, ok := config["user"].(string); ok && user != "" {
		cfg.User = user
	} else {
		return nil, fmt.Errorf("user is required")
	}

	if password, ok := config["password"].(string); ok {
		cfg.Password = password
	}

	if database, ok := config["database"].(string); ok && database != "" {
		cfg.Database = database
	} else {
		return nil, fmt.Errorf("database is required")
	}

	if sslMode, ok := config["ssl_mode"].(string); ok && sslMode != "" {
		cfg.SSLMode = sslMode
	}
	if n, ok := config["max_open_conns"].(int); ok && n > 0 {
		cfg.MaxOpenConns = n
	}

	return cfg, nil
}

// ConnectionString builds a PostgreSQL URL. User-provided fields are
// URL-escaped so passwords containing @, / or # survive parsing.
func (c *Config) ConnectionString() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		url.QueryEscape(c.Database),
		c.SSLMode,
	)
}
