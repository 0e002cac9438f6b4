// Package index re-exports the index abstractions and selects a backend.
package index

import (
	"metaindex/internal/index/core"
)

type (
	// Driver identifies an index backend.
	Driver = core.Driver
	// Op is the kind of write an Action performs.
	Op = core.Op
	// Action is one write against the index.
	Action = core.Action
	// Ref addresses one document.
	Ref = core.Ref
	// Hit is a stored document.
	Hit = core.Hit
	// GetResult is the outcome of reading one Ref.
	GetResult = core.GetResult
	// Query selects documents by an exact-match term.
	Query = core.Query
	// SearchResult is one page of hits plus the total match count.
	SearchResult = core.SearchResult
	// BulkItem reports the outcome of one bulk action.
	BulkItem = core.BulkItem
	// Client is implemented by every index backend.
	Client = core.Client
	// ConflictError reports a failed version precondition.
	ConflictError = core.ConflictError
)

const (
	DriverMemory   = core.DriverMemory
	DriverRedis    = core.DriverRedis
	DriverSQLite   = core.DriverSQLite
	DriverPostgres = core.DriverPostgres

	OpIndex  = core.OpIndex
	OpCreate = core.OpCreate
	OpDelete = core.OpDelete
)

var (
	// ErrConflict is wrapped by every version precondition failure.
	ErrConflict = core.ErrConflict
	// ErrUnknownIndex is returned when writing to an index that was never created.
	ErrUnknownIndex = core.ErrUnknownIndex
)

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool { return core.IsConflict(err) }
