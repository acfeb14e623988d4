package warehouse

import (
	"context"
	"time"

	"github.com/ellisisland/reconciler/pkg/models"
)

// Conn is one warehouse session. Queries on a Conn are issued sequentially;
// a Conn is not shared across concurrent operations.
type Conn interface {
	// Query executes query and returns its rows. A timeout of zero leaves the
	// warehouse default in place. The timeout covers execution and fetching;
	// it is released when the Rows are closed.
	Query(ctx context.Context, query string, timeout time.Duration) (Rows, error)

	// Ping verifies the warehouse is reachable with valid credentials.
	Ping(ctx context.Context) error

	// Close releases the session.
	Close() error
}

// Rows iterates the result of one query. Values are normalized to nullable
// strings by the adapter.
type Rows interface {
	Columns() []string
	Next() bool
	Row() (models.Row, error)
	Err() error
	Close() error
}

// Opener opens new warehouse sessions. Callers own what Open returns.
type Opener interface {
	Open(ctx context.Context) (Conn, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Conn, error)

// Open calls f(ctx).
func (f OpenerFunc) Open(ctx context.Context) (Conn, error) {
	return f(ctx)
}
