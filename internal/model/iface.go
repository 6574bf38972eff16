package model

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by ErrorReader.Get for an unknown ID.
var ErrNotFound = errors.New("error log: entry not found")

// QueryOpts holds optional filters applied to most queries.
type QueryOpts struct {
	App string // empty = all apps
}

// ListOpts selects one page of errors, newest first.
type ListOpts struct {
	PageIndex int
	PageSize  int
	App       string
}

// Normalize clamps paging to sane bounds.
func (o ListOpts) Normalize() ListOpts {
	if o.PageIndex < 0 {
		o.PageIndex = 0
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}
	return o
}

// Offset returns the number of rows to skip.
func (o ListOpts) Offset() int {
	return o.PageIndex * o.PageSize
}

// DimensionCount represents grouped counts by a single dimension value
// (for example error type or application).
type DimensionCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// ErrorWriter provides append-oriented writes for captured errors.
type ErrorWriter interface {
	Log(ctx context.Context, errs []*Error) error
}

// ErrorReader provides the read-side contract.
type ErrorReader interface {
	Get(ctx context.Context, id string) (*Error, error)
	List(ctx context.Context, opts ListOpts) ([]*Error, int64, error)
	Count(ctx context.Context, opts QueryOpts) (int64, error)
}

// ErrorLog is a durable or in-memory error store.
type ErrorLog interface {
	ErrorWriter
	ErrorReader
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Name() string
	Close() error
}

// ErrorStats is implemented by stores that can aggregate.
type ErrorStats interface {
	TopTypes(ctx context.Context, limit int, opts QueryOpts) ([]DimensionCount, error)
	TopApps(ctx context.Context, limit int) ([]DimensionCount, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
}
