package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
	"github.com/ellisisland/reconciler/pkg/apperrors"
	"github.com/ellisisland/reconciler/pkg/config"
	"github.com/ellisisland/reconciler/pkg/models"
	"github.com/ellisisland/reconciler/pkg/testhelpers"
)

const pagesTable = "LOOKER_SOURCE.PUBLIC.PAGES"

// Sorted key columns of a descriptor with the required columns only.
var pagesColumns = []string{"ANONYMOUS_ID", "EMAIL", "USER_ID"}

var (
	persona   = BridgeTable{Table: "SEGMENT.PERSONAS_THE_CHOSEN_WEB.USERS", KeyColumn: "ID", UUIDColumn: "ID"}
	watchtime = BridgeTable{Table: "STITCH_LANDING.CHOSENHYDRA.WATCHTIME", KeyColumn: "RID", UUIDColumn: "USER_ID"}
	identity  = IdentityTable{Table: "STITCH_LANDING.ELLIS_ISLAND.USER", UUIDColumn: "UUID"}
)

// distinctQueryMatch matches the key query but not the bridge queries.
const distinctQueryMatch = "id.USER_ID FROM " + pagesTable

func pages() models.SourceTableDescriptor {
	return models.NewSourceTableDescriptor(pagesTable, []string{"USER_ID", "ANONYMOUS_ID", "EMAIL"}, "")
}

func reference(t *testing.T, records ...models.IdentityRecord) *models.IdentityReference {
	t.Helper()
	ref, err := models.NewIdentityReference(records)
	require.NoError(t, err)
	return ref
}

func newEngine(t *testing.T, conn warehouse.Conn, cfg Config, enabled ...string) *Engine {
	t.Helper()
	strategies, err := BuildStrategies(enabled, persona, watchtime, identity)
	require.NoError(t, err)
	e, err := NewEngine(conn, cfg, strategies, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func resolved(res *models.ReconciliationResult) map[string]string {
	out := make(map[string]string, len(res.Rows))
	for _, r := range res.Rows {
		uuid := "<null>"
		if r.ResolvedUUID.Valid {
			uuid = r.ResolvedUUID.String
		}
		out[r.Key[0].String] = uuid
	}
	return out
}

func TestReconcile_TwoRowExample(t *testing.T) {
	fake := testhelpers.NewFakeWarehouse().OnRows(distinctQueryMatch, pagesColumns,
		models.Strings("a1", "e1", "u1"),
		models.Strings("a2", "e2", "u2"),
	)
	ref := reference(t, models.IdentityRecord{UUID: "u1", Username: "x", Email: models.Value("y")})
	e := newEngine(t, fake, Config{BatchSize: 1000})

	tr, err := e.Reconcile(context.Background(), pages(), ref, 0)
	require.NoError(t, err)

	res := tr.Primary
	require.NotNil(t, res)
	assert.Equal(t, PrimaryStrategy, res.Strategy)
	assert.Equal(t, pagesColumns, res.KeyColumns)
	assert.Equal(t, []models.ReconciledRow{
		{Key: models.Strings("a1", "e1", "u1"), ResolvedUUID: models.Value("u1"), SourceTable: pagesTable},
		{Key: models.Strings("a2", "e2", "u2"), ResolvedUUID: models.Null(), SourceTable: pagesTable},
	}, res.Rows)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.NullUUIDCount)
	assert.Equal(t, 1, res.NonNullUUIDCount)
	assert.Empty(t, tr.Auxiliary)
	assert.False(t, tr.Restored)
	assert.Equal(t, 0, fake.OpenRows())
}

func TestReconcile_BatchesAndCrossBatchDuplicates(t *testing.T) {
	fake := testhelpers.NewFakeWarehouse().OnRows(distinctQueryMatch, pagesColumns,
		models.Strings("a1", "e1", "u1"),
		models.Strings("a1", "e1", "u1"),
		models.Strings("a2", "e2", "u2"),
		models.Strings("a1", "e1", "u1"),
		models.Strings("a3", "e3", "u3"),
	)
	ref := reference(t,
		models.IdentityRecord{UUID: "u1", Username: "one"},
		models.IdentityRecord{UUID: "u3", Username: "three"},
	)
	e := newEngine(t, fake, Config{BatchSize: 1000})

	tr, err := e.Reconcile(context.Background(), pages(), ref, 2)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"a1": "u1", "a2": "<null>", "a3": "u3"}, resolved(tr.Primary))
	assert.Equal(t, 3, tr.Primary.Total)
	assert.Equal(t, 1, fake.QueriesMatching(distinctQueryMatch), "one key stream per table")
}

func TestReconcile_AllStrategies(t *testing.T) {
	desc := models.NewSourceTableDescriptor(pagesTable, []string{"ANONYMOUS_ID", "EMAIL", "USER_ID", "RID"}, "")
	cols := desc.Columns // ANONYMOUS_ID, EMAIL, RID, USER_ID
	bridgeCols := append(append([]string(nil), cols...), models.ColumnResolvedUUID)

	fake := testhelpers.NewFakeWarehouse().
		OnRows("id.USER_ID FROM "+pagesTable, cols,
			models.Strings("a1", "alice", "r1", "u1"),
			models.Strings("a2", "nobody", "r2", "p9"),
		).
		OnRows("PERSONAS_THE_CHOSEN_WEB", bridgeCols,
			models.Row{models.Value("a1"), models.Value("alice"), models.Value("r1"), models.Value("u1"), models.Null()},
			models.Row{models.Value("a2"), models.Value("nobody"), models.Value("r2"), models.Value("p9"), models.Null()},
			models.Strings("a2", "nobody", "r2", "p9", "u2"),
		).
		OnRows("CHOSENHYDRA.WATCHTIME", bridgeCols,
			models.Strings("a1", "alice", "r1", "u1", "u1"),
			models.Row{models.Value("a2"), models.Value("nobody"), models.Value("r2"), models.Value("p9"), models.Null()},
		)

	ref := reference(t,
		models.IdentityRecord{UUID: "u1", Username: "alice"},
		models.IdentityRecord{UUID: "u2", Username: "bob"},
	)
	e := newEngine(t, fake, Config{BatchSize: 1},
		config.StrategyUsername, config.StrategyPersona, config.StrategyRID)

	tr, err := e.Reconcile(context.Background(), desc, ref, 0)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"a1": "u1", "a2": "<null>"}, resolved(tr.Primary))
	require.Len(t, tr.Auxiliary, 3)
	assert.Equal(t, map[string]string{"a1": "u1", "a2": "<null>"}, resolved(tr.Auxiliary[config.StrategyUsername]))
	assert.Equal(t, map[string]string{"a1": "<null>", "a2": "u2"}, resolved(tr.Auxiliary[config.StrategyPersona]),
		"a null row and a uuid row for one key collapse to the uuid")
	assert.Equal(t, map[string]string{"a1": "u1", "a2": "<null>"}, resolved(tr.Auxiliary[config.StrategyRID]))

	for _, res := range tr.Results() {
		require.NoError(t, res.CheckPartition())
		assert.Equal(t, 2, res.Total, res.Strategy)
	}
	names := make([]string, 0, 4)
	for _, res := range tr.Results() {
		names = append(names, res.Strategy)
	}
	assert.Equal(t, []string{"user_id", "persona", "rid", "username"}, names)
}

func TestReconcile_RIDStrategyNeedsRIDColumn(t *testing.T) {
	fake := testhelpers.NewFakeWarehouse().
		OnRows(distinctQueryMatch, pagesColumns, models.Strings("a1", "e1", "u1"))
	ref := reference(t, models.IdentityRecord{UUID: "u1", Username: "x"})
	e := newEngine(t, fake, Config{}, config.StrategyRID)

	tr, err := e.Reconcile(context.Background(), pages(), ref, 0)
	require.NoError(t, err)
	assert.Empty(t, tr.Auxiliary)
	assert.Equal(t, 0, fake.QueriesMatching("WATCHTIME"))
}

func TestReconcile_UsernameFanOut(t *testing.T) {
	fake := testhelpers.NewFakeWarehouse().OnRows(distinctQueryMatch, pagesColumns,
		models.Strings("a1", "shared", "u1"),
	)
	ref := reference(t,
		models.IdentityRecord{UUID: "u1", Username: "shared"},
		models.IdentityRecord{UUID: "u2", Username: "shared"},
	)
	e := newEngine(t, fake, Config{}, config.StrategyUsername)

	tr, err := e.Reconcile(context.Background(), pages(), ref, 0)
	assert.Nil(t, tr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrFanOut))

	var fo *FanOutError
	require.True(t, errors.As(err, &fo))
	assert.Equal(t, config.StrategyUsername, fo.Strategy)
	assert.Equal(t, 1, fo.Distinct)
	assert.Equal(t, 2, fo.Joined)
	assert.Equal(t, []string{"u1", "u2"}, fo.UUIDs)
	assert.Contains(t, err.Error(), "(a1, shared, u1)")
	assert.Equal(t, 0, fake.OpenRows())
}

func TestReconcile_BridgeFanOut(t *testing.T) {
	bridgeCols := append(append([]string(nil), pagesColumns...), models.ColumnResolvedUUID)
	fake := testhelpers.NewFakeWarehouse().
		OnRows(distinctQueryMatch, pagesColumns, models.Strings("a1", "e1", "p1")).
		OnRows("PERSONAS", bridgeCols,
			models.Strings("a1", "e1", "p1", "u4"),
			models.Strings("a1", "e1", "p1", "u5"),
		)
	ref := reference(t, models.IdentityRecord{UUID: "u4", Username: "x"})
	e := newEngine(t, fake, Config{}, config.StrategyPersona)

	_, err := e.Reconcile(context.Background(), pages(), ref, 0)
	var fo *FanOutError
	require.True(t, errors.As(err, &fo))
	assert.Equal(t, config.StrategyPersona, fo.Strategy)
	assert.Equal(t, []string{"u4", "u5"}, fo.UUIDs)
}

func TestReconcile_FanOutLogsOffendingKey(t *testing.T) {
	fake := testhelpers.NewFakeWarehouse().OnRows(distinctQueryMatch, pagesColumns,
		models.Strings("a1", "shared", "u1"),
	)
	ref := reference(t,
		models.IdentityRecord{UUID: "u1", Username: "shared"},
		models.IdentityRecord{UUID: "u2", Username: "shared"},
	)
	strategies, err := BuildStrategies([]string{config.StrategyUsername}, persona, watchtime, identity)
	require.NoError(t, err)
	core, logs := observer.New(zapcore.WarnLevel)
	e, err := NewEngine(fake, Config{}, strategies, zap.New(core))
	require.NoError(t, err)

	_, err = e.Reconcile(context.Background(), pages(), ref, 0)
	require.ErrorIs(t, err, apperrors.ErrFanOut)

	entries := logs.FilterMessage("Key tuple resolved to more than one uuid").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, pagesTable, fields["table"])
	assert.Equal(t, config.StrategyUsername, fields["strategy"])
	assert.Equal(t, "(a1, shared, u1)", fields["key"])
	assert.Equal(t, []interface{}{"u1", "u2"}, fields["uuids"])
}

func TestReconcile_TimeoutDiscardsPartialResults(t *testing.T) {
	fake := testhelpers.NewFakeWarehouse().On(distinctQueryMatch, testhelpers.FakeResult{
		Columns:   pagesColumns,
		Rows:      []models.Row{models.Strings("a1", "e1", "u1"), models.Strings("a2", "e2", "u2")},
		RowErr:    testhelpers.TimeoutErr(pagesTable),
		FailAfter: 1,
	})
	ref := reference(t, models.IdentityRecord{UUID: "u1", Username: "x"})
	e := newEngine(t, fake, Config{})

	tr, err := e.Reconcile(context.Background(), pages(), ref, 1)
	assert.Nil(t, tr)
	assert.True(t, warehouse.IsTimeout(err))
	assert.False(t, errors.Is(err, apperrors.ErrFanOut))
	assert.Equal(t, 0, fake.OpenRows())
}

func TestReconcile_BridgeErrorFailsTable(t *testing.T) {
	boom := errors.New("Object 'SEGMENT.PERSONAS_THE_CHOSEN_WEB.USERS' does not exist")
	fake := testhelpers.NewFakeWarehouse().
		OnRows(distinctQueryMatch, pagesColumns, models.Strings("a1", "e1", "u1")).
		On("PERSONAS", testhelpers.FakeResult{Err: boom})
	ref := reference(t, models.IdentityRecord{UUID: "u1", Username: "x"})
	e := newEngine(t, fake, Config{}, config.StrategyPersona)

	tr, err := e.Reconcile(context.Background(), pages(), ref, 0)
	assert.Nil(t, tr)
	assert.ErrorIs(t, err, boom)
}

func TestReconcile_Preconditions(t *testing.T) {
	fake := testhelpers.NewFakeWarehouse()
	e := newEngine(t, fake, Config{})

	_, err := e.Reconcile(context.Background(), pages(), nil, 0)
	assert.ErrorIs(t, err, apperrors.ErrIdentityReferenceUnavailable)

	_, err = e.Reconcile(context.Background(), pages(), reference(t), 0)
	assert.ErrorIs(t, err, apperrors.ErrIdentityReferenceUnavailable)

	noUser := models.NewSourceTableDescriptor(pagesTable, []string{"ANONYMOUS_ID", "EMAIL"}, "")
	_, err = e.Reconcile(context.Background(), noUser, reference(t, models.IdentityRecord{UUID: "u1"}), 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperrors.ErrFanOut))

	bad := models.NewSourceTableDescriptor("PAGES; DROP TABLE X", []string{"USER_ID"}, "")
	_, err = e.Reconcile(context.Background(), bad, reference(t, models.IdentityRecord{UUID: "u1"}), 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidIdentifier)

	assert.Empty(t, fake.Queries())
}

func TestReconcile_TimestampFloorAndPrecount(t *testing.T) {
	desc := models.NewSourceTableDescriptor(pagesTable, []string{"ANONYMOUS_ID", "EMAIL", "USER_ID", "RECEIVED_AT"}, "RECEIVED_AT")
	fake := testhelpers.NewFakeWarehouse().
		OnRows("id.USER_ID FROM "+pagesTable, desc.Columns, models.Strings("a1", "e1", "2024-01-02T00:00:00Z", "u1")).
		OnRows("SELECT COUNT(*)", []string{"COUNT"}, models.Strings("1"))
	ref := reference(t, models.IdentityRecord{UUID: "u1", Username: "x"})
	e := newEngine(t, fake, Config{TimestampFloor: "2021-04-01", Precount: true})

	tr, err := e.Reconcile(context.Background(), desc, ref, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Primary.NonNullUUIDCount)

	queries := fake.Queries()
	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "SELECT COUNT(*) FROM (")
	assert.Contains(t, queries[1], "id.RECEIVED_AT >= '2021-04-01'")
	assert.Contains(t, queries[1], "id.RECEIVED_AT IS NOT NULL")
}

func TestReconcile_PrecountFailureIsIgnored(t *testing.T) {
	fake := testhelpers.NewFakeWarehouse().
		OnRows(distinctQueryMatch, pagesColumns, models.Strings("a1", "e1", "u1")).
		OnTimeout("SELECT COUNT(*)")
	ref := reference(t, models.IdentityRecord{UUID: "u1", Username: "x"})
	e := newEngine(t, fake, Config{Precount: true})

	tr, err := e.Reconcile(context.Background(), pages(), ref, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Primary.Total)
}

func TestReconcile_NoFanOutProperty(t *testing.T) {
	ids := gen.SliceOf(gen.IntRange(1, 6).Map(func(i int) string { return fmt.Sprintf("u%d", i) }))

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("distinct keys joined to a unique reference keep their count", prop.ForAll(
		func(userIDs []string, known []string, batchSize int) bool {
			rows := make([]models.Row, len(userIDs))
			distinct := make(map[string]struct{})
			for i, id := range userIDs {
				rows[i] = models.Strings("anon-"+id, "mail-"+id, id)
				distinct[id] = struct{}{}
			}
			records := make([]models.IdentityRecord, 0, len(known))
			seen := make(map[string]bool)
			for _, id := range known {
				if !seen[id] {
					seen[id] = true
					records = append(records, models.IdentityRecord{UUID: id, Username: "user-" + id})
				}
			}
			if len(records) == 0 {
				records = append(records, models.IdentityRecord{UUID: "nobody"})
			}
			ref, err := models.NewIdentityReference(records)
			if err != nil {
				return false
			}

			fake := testhelpers.NewFakeWarehouse().OnRows(distinctQueryMatch, pagesColumns, rows...)
			strategies, _ := BuildStrategies(nil, persona, watchtime, identity)
			e, err := NewEngine(fake, Config{}, strategies, zap.NewNop())
			if err != nil {
				return false
			}
			tr, err := e.Reconcile(context.Background(), pages(), ref, batchSize)
			if err != nil {
				return false
			}
			res := tr.Primary
			for _, r := range res.Rows {
				id := r.Key[2].String
				if r.ResolvedUUID.Valid != seen[id] || (r.ResolvedUUID.Valid && r.ResolvedUUID.String != id) {
					return false
				}
			}
			return res.Total == len(distinct) && res.CheckPartition() == nil
		},
		ids,
		ids,
		gen.IntRange(1, 5),
	))
	properties.TestingRun(t)
}

func TestBuildStrategies(t *testing.T) {
	names := func(ss []Strategy) []string {
		out := make([]string, len(ss))
		for i, s := range ss {
			out[i] = s.Name()
		}
		return out
	}

	ss, err := BuildStrategies([]string{"rid", "username"}, persona, watchtime, identity)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_id", "username", "rid"}, names(ss))

	ss, err = BuildStrategies(nil, persona, watchtime, identity)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_id"}, names(ss))

	_, err = BuildStrategies([]string{"phone"}, persona, watchtime, identity)
	assert.Error(t, err)

	rid := RIDStrategy(watchtime, identity)
	assert.Equal(t, "RID", rid.Bridge().SourceColumn)
	assert.Equal(t, "USER_ID", rid.Bridge().UUIDColumn)
}

func TestNewEngine_RequiresPrimaryFirst(t *testing.T) {
	fake := testhelpers.NewFakeWarehouse()

	_, err := NewEngine(fake, Config{}, []Strategy{UsernameStrategy()}, nil)
	assert.Error(t, err)

	_, err = NewEngine(nil, Config{}, []Strategy{UserIDStrategy()}, nil)
	assert.Error(t, err)

	e, err := NewEngine(fake, Config{}, []Strategy{UserIDStrategy()}, nil)
	require.NoError(t, err)
	assert.Len(t, e.Strategies(), 1)
}

func TestDistinctRows(t *testing.T) {
	batch := []models.Row{
		models.Strings("a", "b"),
		{models.Value("a"), models.Null()},
		models.Strings("a", "b"),
		{models.Value("a"), models.Value("")},
		{models.Value("a"), models.Null()},
		models.Strings("ab", ""),
	}
	got := distinctRows(batch)
	assert.Len(t, got, 4)
	assert.Equal(t, models.Strings("a", "b"), got[0])
	assert.Equal(t, models.Row{models.Value("a"), models.Null()}, got[1])
	assert.Equal(t, models.Row{models.Value("a"), models.Value("")}, got[2])
}

func TestFanOutError_Message(t *testing.T) {
	err := &FanOutError{Table: pagesTable, Strategy: "persona", Key: models.Row{models.Value("a1"), models.Null()}, UUIDs: []string{"u1", "u2"}}
	assert.Equal(t, fmt.Sprintf("join fan-out on %s (persona): key (a1, NULL) resolved to u1, u2", pagesTable), err.Error())
	assert.ErrorIs(t, err, apperrors.ErrFanOut)
}
