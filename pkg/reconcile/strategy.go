package reconcile

import (
	"fmt"
	"slices"

	"github.com/ellisisland/reconciler/pkg/config"
	"github.com/ellisisland/reconciler/pkg/models"
	sqlgen "github.com/ellisisland/reconciler/pkg/sql"
)

// Source columns the strategies join on.
const (
	ColumnUserID = "USER_ID"
	ColumnEmail  = "EMAIL"
	ColumnRID    = "RID"
)

// PrimaryStrategy is the canonical strategy; its result is the table's output.
const PrimaryStrategy = config.StrategyUserID

// Strategy is one way of resolving a source key tuple to a canonical uuid.
type Strategy interface {
	Name() string
	// Applies reports whether the table has the columns the strategy joins on.
	Applies(table models.SourceTableDescriptor) bool
}

// LookupStrategy resolves keys in memory against the identity reference.
type LookupStrategy struct {
	name    string
	column  string
	resolve func(ref *models.IdentityReference, value string) []string
}

func (s *LookupStrategy) Name() string { return s.name }

// Column is the source column looked up in the reference.
func (s *LookupStrategy) Column() string { return s.column }

func (s *LookupStrategy) Applies(table models.SourceTableDescriptor) bool {
	return table.Has(s.column)
}

// Candidates returns every reference uuid the value joins to.
func (s *LookupStrategy) Candidates(ref *models.IdentityReference, value string) []string {
	return s.resolve(ref, value)
}

// UserIDStrategy matches USER_ID against the reference uuid.
func UserIDStrategy() *LookupStrategy {
	return &LookupStrategy{
		name:   config.StrategyUserID,
		column: ColumnUserID,
		resolve: func(ref *models.IdentityReference, value string) []string {
			if rec, ok := ref.LookupUUID(value); ok {
				return []string{rec.UUID}
			}
			return nil
		},
	}
}

// UsernameStrategy matches EMAIL against the reference username.
func UsernameStrategy() *LookupStrategy {
	return &LookupStrategy{
		name:    config.StrategyUsername,
		column:  ColumnEmail,
		resolve: (*models.IdentityReference).LookupUsername,
	}
}

// BridgeStrategy resolves keys in the warehouse through a bridging table.
type BridgeStrategy struct {
	name   string
	bridge sqlgen.Bridge
}

func (s *BridgeStrategy) Name() string { return s.name }

// Bridge returns the join path.
func (s *BridgeStrategy) Bridge() sqlgen.Bridge { return s.bridge }

func (s *BridgeStrategy) Applies(table models.SourceTableDescriptor) bool {
	return table.Has(s.bridge.SourceColumn)
}

// BridgeTable names a bridging table and its two join columns.
type BridgeTable struct {
	Table      string
	KeyColumn  string
	UUIDColumn string
}

// IdentityTable names the canonical user table for warehouse-side joins.
type IdentityTable struct {
	Table      string
	UUIDColumn string
}

// PersonaStrategy bridges USER_ID through the persona users table.
func PersonaStrategy(persona BridgeTable, identity IdentityTable) *BridgeStrategy {
	return newBridgeStrategy(config.StrategyPersona, ColumnUserID, persona, identity)
}

// RIDStrategy bridges RID through the watch-session table. It only applies
// to tables exposing RID.
func RIDStrategy(watchtime BridgeTable, identity IdentityTable) *BridgeStrategy {
	return newBridgeStrategy(config.StrategyRID, ColumnRID, watchtime, identity)
}

func newBridgeStrategy(name, sourceColumn string, bt BridgeTable, identity IdentityTable) *BridgeStrategy {
	return &BridgeStrategy{
		name: name,
		bridge: sqlgen.Bridge{
			SourceColumn:       sourceColumn,
			Table:              bt.Table,
			KeyColumn:          bt.KeyColumn,
			UUIDColumn:         bt.UUIDColumn,
			IdentityTable:      identity.Table,
			IdentityUUIDColumn: identity.UUIDColumn,
		},
	}
}

// strategyOrder fixes the run order; the primary strategy is always first.
var strategyOrder = []string{
	config.StrategyUserID,
	config.StrategyUsername,
	config.StrategyPersona,
	config.StrategyRID,
}

// BuildStrategies returns the enabled strategies in run order. The primary
// strategy is included whether or not it is listed.
func BuildStrategies(enabled []string, persona, watchtime BridgeTable, identity IdentityTable) ([]Strategy, error) {
	for _, name := range enabled {
		if !slices.Contains(strategyOrder, name) {
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
	}
	out := make([]Strategy, 0, len(strategyOrder))
	for _, name := range strategyOrder {
		if name != PrimaryStrategy && !slices.Contains(enabled, name) {
			continue
		}
		switch name {
		case config.StrategyUserID:
			out = append(out, UserIDStrategy())
		case config.StrategyUsername:
			out = append(out, UsernameStrategy())
		case config.StrategyPersona:
			out = append(out, PersonaStrategy(persona, identity))
		case config.StrategyRID:
			out = append(out, RIDStrategy(watchtime, identity))
		}
	}
	return out, nil
}
