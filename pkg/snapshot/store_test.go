package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ellisisland/reconciler/pkg/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	s.SetClock(func() time.Time { return t0 })
	return s
}

func identityRelation() *models.Relation {
	rel := models.NewRelation("UUID", "USERNAME", "EMAIL")
	rel.KeyColumn = "UUID"
	rel.Rows = []models.Row{
		models.Strings("u1", "alice", "alice@example.com"),
		{models.Value("u2"), models.Value("bob"), models.Null()},
		{models.Value("u3"), models.Value(""), models.Value(`\N`)},
		models.Strings("u4", `C:\dave`, "quote\"and,comma"),
	}
	return rel
}

func TestStore_RoundTrip(t *testing.T) {
	for _, format := range []Format{FormatCSV, FormatParquet} {
		t.Run(string(format), func(t *testing.T) {
			s := newTestStore(t)
			want := identityRelation()

			h, err := s.Save("ellis_island_users", want, format)
			require.NoError(t, err)
			assert.Equal(t, format, h.Format)
			assert.Equal(t, t0, h.Timestamp)
			assert.Equal(t, "ellis_island_users-20240301T120000.000000000Z."+string(format), filepath.Base(h.Path))

			got, err := s.Load(h)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "want %+v\ngot  %+v", want, got)
		})
	}
}

func TestStore_RoundTripProperty(t *testing.T) {
	cell := gen.PtrOf(gen.OneGenOf(
		gen.AlphaString(),
		gen.NumString(),
		gen.Const(""),
		gen.Const(`\N`),
		gen.Const(`\E`),
		gen.Const(`\\`),
		gen.Const(`\r`),
		gen.Const("a\r\nb"),
		gen.Const("\r"),
		gen.Const("a,b \"c\""),
	))

	toRelation := func(cells [][]*string, keyed bool) *models.Relation {
		rel := models.NewRelation("ANONYMOUS_ID", "USER_ID", "EMAIL")
		if keyed {
			rel.KeyColumn = "USER_ID"
		}
		for _, r := range cells {
			row := make(models.Row, len(r))
			for i, c := range r {
				if c != nil {
					row[i] = models.Value(*c)
				}
			}
			rel.Rows = append(rel.Rows, row)
		}
		return rel
	}

	for _, format := range []Format{FormatCSV, FormatParquet} {
		s, err := NewStore(t.TempDir(), zap.NewNop())
		require.NoError(t, err)

		properties := gopter.NewProperties(gopter.DefaultTestParameters())
		properties.Property(string(format)+": load(save(x)) == x", prop.ForAll(
			func(cells [][]*string, keyed bool) bool {
				want := toRelation(cells, keyed)
				h, err := s.Save("prop", want, format)
				if err != nil {
					return false
				}
				got, err := s.Load(h)
				return err == nil && want.Equal(got)
			},
			gen.SliceOf(gen.SliceOfN(3, cell)),
			gen.Bool(),
		))
		properties.TestingRun(t)
	}
}

func TestStore_SingleColumnEmptyValues(t *testing.T) {
	s := newTestStore(t)
	want := models.NewRelation("EMAIL")
	want.Rows = []models.Row{models.Strings(""), {models.Null()}, models.Strings("x")}

	h, err := s.Save("emails", want, FormatCSV)
	require.NoError(t, err)
	got, err := s.Load(h)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestStore_CarriageReturns(t *testing.T) {
	want := models.NewRelation("ANONYMOUS_ID", "EMAIL")
	want.Rows = []models.Row{
		models.Strings("a1", "line\r\nbreak"),
		models.Strings("a2", "\r"),
		models.Strings("a3", `\r`),
		models.Strings("a4", "C:\\dir\r\n"),
		models.Strings("a5", `x\`),
	}

	for _, format := range []Format{FormatCSV, FormatParquet} {
		t.Run(string(format), func(t *testing.T) {
			s := newTestStore(t)
			h, err := s.Save("emails", want, format)
			require.NoError(t, err)
			got, err := s.Load(h)
			require.NoError(t, err)
			require.Equal(t, want.Len(), got.Len())
			for i := range want.Rows {
				assert.Equal(t, want.Rows[i], got.Rows[i], "row %d", i)
			}
		})
	}
}

func TestStore_LoadLatestPicksNewest(t *testing.T) {
	s := newTestStore(t)

	times := []time.Time{t0, t0.Add(time.Second), t0.Add(time.Hour)}
	for i, ts := range times {
		s.SetClock(func() time.Time { return ts })
		rel := models.NewRelation("SEGMENT_TABLE")
		require.NoError(t, rel.Append(models.Strings(strings.Repeat("T", i+1))))
		// Alternate formats: the extension decides how each file is read.
		format := FormatCSV
		if i%2 == 1 {
			format = FormatParquet
		}
		_, err := s.Save("segment_tables", rel, format)
		require.NoError(t, err)
	}

	h, rel, ok := s.LoadLatest("segment_tables")
	require.True(t, ok)
	assert.Equal(t, times[2], h.Timestamp)
	require.Equal(t, 1, rel.Len())
	assert.Equal(t, "TTT", rel.Rows[0][0].String)

	handles, err := s.List("segment_tables")
	require.NoError(t, err)
	require.Len(t, handles, 3)
	assert.Equal(t, times[0], handles[0].Timestamp)
}

func TestStore_LoadLatestMissing(t *testing.T) {
	s := newTestStore(t)
	_, rel, ok := s.LoadLatest("nothing")
	assert.False(t, ok)
	assert.Nil(t, rel)
}

func TestStore_NamesDoNotShadowEachOther(t *testing.T) {
	s := newTestStore(t)
	short := models.NewRelation("A")
	require.NoError(t, short.Append(models.Strings("short")))
	long := models.NewRelation("A")
	require.NoError(t, long.Append(models.Strings("long")))

	_, err := s.Save("PAGES", short, FormatCSV)
	require.NoError(t, err)
	s.SetClock(func() time.Time { return t0.Add(time.Minute) })
	_, err = s.Save("PAGES-user_id", long, FormatCSV)
	require.NoError(t, err)

	_, rel, ok := s.LoadLatest("PAGES")
	require.True(t, ok)
	assert.Equal(t, "short", rel.Rows[0][0].String)
}

func TestStore_CorruptLatestIsNotFound(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s, err := NewStore(t.TempDir(), zap.New(core))
	require.NoError(t, err)
	s.SetClock(func() time.Time { return t0 })

	_, err = s.Save("ellis_island_users", identityRelation(), FormatParquet)
	require.NoError(t, err)

	corrupt := filepath.Join(s.Dir(), fileName("ellis_island_users", t0.Add(time.Second), "parquet"))
	require.NoError(t, os.WriteFile(corrupt, []byte("not parquet"), 0o644))

	_, rel, ok := s.LoadLatest("ellis_island_users")
	assert.False(t, ok)
	assert.Nil(t, rel)
	assert.Equal(t, 1, logs.FilterMessage("Latest snapshot is unreadable").Len())
}

func TestStore_NeverOverwrites(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Save("pages_result", identityRelation(), FormatCSV)
	require.NoError(t, err)
	second, err := s.Save("pages_result", models.NewRelation("X"), FormatCSV)
	require.NoError(t, err)

	assert.NotEqual(t, first.Path, second.Path)
	assert.Equal(t, t0.Add(time.Nanosecond), second.Timestamp)

	got, err := s.Load(first)
	require.NoError(t, err)
	assert.True(t, identityRelation().Equal(got))

	_, latest, ok := s.LoadLatest("pages_result")
	require.True(t, ok)
	assert.Equal(t, []string{"X"}, latest.Columns)
}

func TestStore_RejectsBadInput(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("", identityRelation(), FormatCSV)
	assert.Error(t, err)
	_, err = s.Save("../escape", identityRelation(), FormatCSV)
	assert.Error(t, err)
	_, err = s.Save("x", nil, FormatCSV)
	assert.Error(t, err)
	_, err = s.Save("x", identityRelation(), Format("xlsx"))
	assert.Error(t, err)
	_, err = s.Save("x", models.NewRelation(), FormatParquet)
	assert.Error(t, err)

	noColumns := models.NewRelation()
	noColumns.Rows = []models.Row{{}, {}}
	_, err = s.Save("x", noColumns, FormatCSV)
	assert.Error(t, err)

	bad := models.NewRelation("#A")
	_, err = s.Save("x", bad, FormatCSV)
	assert.Error(t, err)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "failed saves leave nothing behind")
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" Parquet ")
	require.NoError(t, err)
	assert.Equal(t, FormatParquet, f)

	_, err = ParseFormat("json")
	assert.Error(t, err)
}

type testManifest struct {
	Table    string   `yaml:"table"`
	Snapshot string   `yaml:"snapshot"`
	Columns  []string `yaml:"columns"`
}

func TestStore_Manifests(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.LoadLatestManifest("PAGES_manifest", &testManifest{})
	assert.False(t, ok)

	_, err := s.SaveManifest("PAGES_manifest", testManifest{Table: "PAGES", Snapshot: "old"})
	require.NoError(t, err)
	s.SetClock(func() time.Time { return t0.Add(time.Minute) })
	_, err = s.SaveManifest("PAGES_manifest", testManifest{Table: "PAGES", Snapshot: "new", Columns: []string{"A"}})
	require.NoError(t, err)

	var got testManifest
	h, ok := s.LoadLatestManifest("PAGES_manifest", &got)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), h.Timestamp)
	assert.Equal(t, testManifest{Table: "PAGES", Snapshot: "new", Columns: []string{"A"}}, got)

	// Manifests are invisible to relation lookups.
	_, _, ok = s.LoadLatest("PAGES_manifest")
	assert.False(t, ok)
}

func TestStore_CorruptManifest(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.Dir(), fileName("m", t0, manifestExt))
	require.NoError(t, os.WriteFile(path, []byte("table: [unterminated"), 0o644))

	_, ok := s.LoadLatestManifest("m", &testManifest{})
	assert.False(t, ok)
}
