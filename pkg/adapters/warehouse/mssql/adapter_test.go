package mssql

import (
	"errors"
	"strings"
	"testing"

	mssqldb "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFromMap_AuthDetection(t *testing.T) {
	cfg, err := FromMap(map[string]any{"host": "h", "database": "d", "user": "sa", "password": "pw"})
	require.NoError(t, err)
	assert.Equal(t, AuthSQL, cfg.AuthMethod)
	assert.Equal(t, 1433, cfg.Port)

	cfg, err = FromMap(map[string]any{
		"host": "h", "database": "d",
		"tenant_id": "t", "client_id": "c", "client_secret": "s",
	})
	require.NoError(t, err)
	assert.Equal(t, AuthServicePrincipal, cfg.AuthMethod)
}

func TestFromMap_Validation(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		wantErr string
	}{
		{"missing host", map[string]any{"database": "d", "user": "u"}, "host is required"},
		{"missing database", map[string]any{"host": "h", "user": "u"}, "database is required"},
		{"missing user", map[string]any{"host": "h", "database": "d"}, "user is required"},
		{"incomplete principal", map[string]any{"host": "h", "database": "d", "auth_method": "service_principal", "client_id": "c"}, "tenant_id"},
		{"unknown auth", map[string]any{"host": "h", "database": "d", "auth_method": "kerberos"}, "unsupported auth method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMap(tt.input)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_DriverAndDSN(t *testing.T) {
	cfg := &Config{Host: "h", Port: 1433, Database: "d", AuthMethod: AuthSQL, Username: "sa", Password: "p@ss", Encrypt: false}
	driver, dsn := cfg.DriverAndDSN()
	assert.Equal(t, "sqlserver", driver)
	assert.True(t, strings.HasPrefix(dsn, "sqlserver://sa:p%40ss@h:1433?"))
	assert.Contains(t, dsn, "encrypt=false")

	cfg = &Config{Host: "h", Port: 1433, Database: "d", AuthMethod: AuthServicePrincipal, TenantID: "t", ClientID: "c", ClientSecret: "s", Encrypt: true}
	driver, dsn = cfg.DriverAndDSN()
	assert.Equal(t, "azuresql", driver)
	assert.Contains(t, dsn, "fedauth=ActiveDirectoryServicePrincipal")
}

func TestClassifyTimeout(t *testing.T) {
	code, ok := classifyTimeout(mssqldb.Error{Number: 1222, Message: "Lock request time out period exceeded."})
	assert.True(t, ok)
	assert.Equal(t, "1222", code)

	_, ok = classifyTimeout(mssqldb.Error{Number: 208})
	assert.False(t, ok)

	_, ok = classifyTimeout(errors.New("boom"))
	assert.False(t, ok)
}

func TestNewAdapter_DoesNotDialUntilUsed(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 1, Database: "d", AuthMethod: AuthSQL, Username: "sa", MaxOpenConns: 1}
	a, err := NewAdapter(t.Context(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, a.Close())
}
