package warehouse

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// AdapterInfo describes a registered warehouse adapter.
type AdapterInfo struct {
	Type        string `json:"type"`         // "snowflake", "postgres", "sqlserver"
	DisplayName string `json:"display_name"` // "Snowflake", "PostgreSQL"
	Description string `json:"description"`
}

// Factory opens a Conn from a generic config map.
type Factory func(ctx context.Context, config map[string]any, logger *zap.Logger) (Conn, error)

// AdapterRegistration pairs adapter info with its factory.
type AdapterRegistration struct {
	Info    AdapterInfo
	Factory Factory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AdapterRegistration)
)

// Register is called by each adapter's init() function.
func Register(reg AdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredAdapters returns info for all registered adapters sorted by type.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	slices.SortFunc(result, func(a, b AdapterInfo) int {
		if a.Type < b.Type {
			return -1
		}
		if a.Type > b.Type {
			return 1
		}
		return 0
	})
	return result
}

// GetFactory returns the factory for a warehouse type, or nil.
func GetFactory(whType string) Factory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[whType]; ok {
		return reg.Factory
	}
	return nil
}
