package mssql

import (
	"fmt"
	"net/url"
	"strconv"
)

// Auth methods.
const (
	AuthSQL              = "sql"
	AuthServicePrincipal = "service_principal"
)

// Config contains SQL Server connection options.
type Config struct {
	Host     string
	Port     int
	Database string

	// AuthMethod is "sql" (username/password) or "service_principal" (Azure AD).
	AuthMethod string

	Username string
	Password string

	TenantID     string
	ClientID     string
	ClientSecret string

	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int
	MaxOpenConns           int
}

// DefaultPort returns the default SQL Server port.
func DefaultPort() int {
	return 1433
}

// FromMap creates a Config from a generic config map. The auth method is
// inferred from the presence of client credentials when not given.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{
		Port:              DefaultPort(),
		Encrypt:           true,
		ConnectionTimeout: 30,
		MaxOpenConns:      2,
	}

	str := func(key string) string {
		s, _ := config[key].(string)
		return s
	}

	cfg.Host = str("host")
	cfg.Database = str("database")
	cfg.Username = str("user")
	cfg.Password = str("password")
	cfg.TenantID = str("tenant_id")
	cfg.ClientID = str("client_id")
	cfg.ClientSecret = str("client_secret")
	cfg.AuthMethod = str("auth_method")

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
	if n, ok := config["max_open_conns"].(int); ok && n > 0 {
		cfg.MaxOpenConns = n
	}

	switch str("ssl_mode") {
	case "disable":
		cfg.Encrypt = false
	case "trust":
		cfg.TrustServerCertificate = true
	}

	if cfg.AuthMethod == "" {
		cfg.AuthMethod = AuthSQL
		if cfg.ClientID != "" && cfg.TenantID != "" {
			cfg.AuthMethod = AuthServicePrincipal
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields required by the selected auth method.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	switch c.AuthMethod {
	case AuthSQL:
		if c.Username == "" {
			return fmt.Errorf("user is required for SQL authentication")
		}
	case AuthServicePrincipal:
		if c.TenantID == "" || c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("tenant_id, client_id and client_secret are required for service principal")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	return nil
}

// DriverAndDSN returns the database/sql driver name and connection URL.
func (c *Config) DriverAndDSN() (string, string) {
	query := url.Values{}
	query.Add("database", c.Database)
	query.Add("encrypt", strconv.FormatBool(c.Encrypt))
	if c.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if c.ConnectionTimeout > 0 {
		query.Add("connection timeout", strconv.Itoa(c.ConnectionTimeout))
	}

	if c.AuthMethod == AuthServicePrincipal {
		query.Add("fedauth", "ActiveDirectoryServicePrincipal")
		query.Add("user id", c.ClientID+"@"+c.TenantID)
		query.Add("password", c.ClientSecret)
		return "azuresql", fmt.Sprintf("sqlserver://%s:%d?%s", c.Host, c.Port, query.Encode())
	}

	return "sqlserver", fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
		url.QueryEscape(c.Username),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		query.Encode(),
	)
}
