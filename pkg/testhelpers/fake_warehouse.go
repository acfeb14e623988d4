package testhelpers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
	"github.com/ellisisland/reconciler/pkg/models"
)

// ErrNoScript is returned by FakeWarehouse for queries nothing was scripted for.
var ErrNoScript = errors.New("fake warehouse: no result scripted")

// FakeResult scripts the outcome of a query.
type FakeResult struct {
	Columns []string
	Rows    []models.Row

	// Err fails the query before any rows are returned.
	Err error

	// RowErr fails iteration once FailAfter rows have been delivered.
	RowErr    error
	FailAfter int
}

type fakeScript struct {
	match  string
	result FakeResult
}

// FakeWarehouse is an in-memory warehouse.Conn for tests. Results are matched
// by substring against the query text; the most recently registered match
// wins so tests can override a general script with a specific one.
type FakeWarehouse struct {
	PingErr error

	mu       sync.Mutex
	scripts  []fakeScript
	queries  []string
	timeouts []time.Duration
	openRows int
	opens    int
	closes   int
}

// NewFakeWarehouse returns an empty fake.
func NewFakeWarehouse() *FakeWarehouse {
	return &FakeWarehouse{}
}

// On registers result for queries containing match.
func (f *FakeWarehouse) On(match string, result FakeResult) *FakeWarehouse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, fakeScript{match: match, result: result})
	return f
}

// OnRows is shorthand for a successful result.
func (f *FakeWarehouse) OnRows(match string, columns []string, rows ...models.Row) *FakeWarehouse {
	return f.On(match, FakeResult{Columns: columns, Rows: rows})
}

// OnTimeout scripts a warehouse timeout for queries containing match.
func (f *FakeWarehouse) OnTimeout(match string) *FakeWarehouse {
	return f.On(match, FakeResult{Err: TimeoutErr(match)})
}

// Query implements warehouse.Conn.
func (f *FakeWarehouse) Query(ctx context.Context, query string, timeout time.Duration) (warehouse.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, query)
	f.timeouts = append(f.timeouts, timeout)

	var (
		result FakeResult
		found  bool
	)
	for i := len(f.scripts) - 1; i >= 0; i-- {
		if strings.Contains(query, f.scripts[i].match) {
			result, found = f.scripts[i].result, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoScript, query)
	}
	if result.Err != nil {
		return nil, result.Err
	}

	f.openRows++
	return &fakeRows{owner: f, result: result}, nil
}

// Ping implements warehouse.Conn.
func (f *FakeWarehouse) Ping(ctx context.Context) error {
	return f.PingErr
}

// Close implements warehouse.Conn.
func (f *FakeWarehouse) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Opener returns an Opener handing out this fake and counting opens.
func (f *FakeWarehouse) Opener() warehouse.Opener {
	return warehouse.OpenerFunc(func(ctx context.Context) (warehouse.Conn, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.opens++
		return f, nil
	})
}

// Queries returns every query issued so far.
func (f *FakeWarehouse) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	copy(out, f.queries)
	return out
}

// QueriesMatching counts issued queries containing match.
func (f *FakeWarehouse) QueriesMatching(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queries {
		if strings.Contains(q, match) {
			n++
		}
	}
	return n
}

// Timeouts returns the timeout passed with each query.
func (f *FakeWarehouse) Timeouts() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.timeouts))
	copy(out, f.timeouts)
	return out
}

// OpenRows is the number of result sets not yet closed.
func (f *FakeWarehouse) OpenRows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openRows
}

// Opens counts sessions handed out by Opener.
func (f *FakeWarehouse) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Closes counts calls to Close.
func (f *FakeWarehouse) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// TimeoutErr builds the error a Snowflake statement timeout surfaces as.
func TimeoutErr(query string) error {
	return &warehouse.TimeoutError{Code: "604", Timeout: time.Minute, Query: query}
}

type fakeRows struct {
	owner  *FakeWarehouse
	result FakeResult
	pos    int
	err    error
	closed bool
}

func (r *fakeRows) Columns() []string { return r.result.Columns }

func (r *fakeRows) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	if r.result.RowErr != nil && r.pos >= r.result.FailAfter {
		r.err = r.result.RowErr
		return false
	}
	if r.pos >= len(r.result.Rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Row() (models.Row, error) {
	if r.pos == 0 || r.pos > len(r.result.Rows) {
		return nil, errors.New("fake warehouse: Row called without a current row")
	}
	return r.result.Rows[r.pos-1].Clone(), nil
}

func (r *fakeRows) Err() error { return r.err }

func (r *fakeRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.owner.mu.Lock()
	r.owner.openRows--
	r.owner.mu.Unlock()
	return nil
}
