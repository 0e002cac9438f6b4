// Package core defines the document index abstraction shared by the index
// backends and the services that write contributions and aggregates.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Driver identifies a concrete index backend implementation.
type Driver string

const (
	// DriverMemory keeps documents in process memory (tests, dry runs).
	DriverMemory Driver = "memory"
	// DriverRedis stores documents as Redis hashes.
	DriverRedis Driver = "redis"
	// DriverSQLite stores documents in an embedded SQLite database.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres stores documents in PostgreSQL.
	DriverPostgres Driver = "postgres"
)

// Op is the kind of write an Action performs.
type Op string

const (
	// OpIndex creates or replaces a document.
	OpIndex Op = "index"
	// OpCreate creates a document, failing if it exists.
	OpCreate Op = "create"
	// OpDelete removes a document.
	OpDelete Op = "delete"
)

// Action is one write against the index.
type Action struct {
	Op    Op
	Index string
	ID    string
	// Version, when set, must equal the stored version for OpIndex and OpDelete.
	Version *int64
	Source  json.RawMessage
	// Terms are exact-match fields that Search and Scan select documents by.
	Terms map[string]string
}

// Size approximates the encoded size of the action in bytes.
func (a Action) Size() int {
	n := len(a.Index) + len(a.ID) + len(a.Source) + 64
	for k, v := range a.Terms {
		n += len(k) + len(v)
	}
	return n
}

// Ref addresses one document.
type Ref struct {
	Index string
	ID    string
}

// Hit is a stored document.
type Hit struct {
	Index   string
	ID      string
	Version int64
	Source  json.RawMessage
}

// GetResult is the outcome of reading one Ref.
type GetResult struct {
	Ref   Ref
	Found bool
	Hit   Hit
}

// Query selects the documents whose Field term equals one of the values
// listed for their index.
type Query struct {
	Field string
	Terms map[string][]string
}

// Empty reports whether the query cannot match anything.
func (q Query) Empty() bool {
	for _, values := range q.Terms {
		if len(values) > 0 {
			return false
		}
	}
	return true
}

// SearchResult is a single page of hits along with the total match count.
type SearchResult struct {
	Hits  []Hit
	Total int
}

// BulkItem reports the outcome of one action of a bulk request.
type BulkItem struct {
	Action  Action
	Version int64
	Err     error
}

// Client is implemented by every index backend.
type Client interface {
	// MultiGet reads the given documents. Unknown indices read as not found.
	MultiGet(ctx context.Context, refs []Ref) ([]GetResult, error)
	// Search returns at most size hits ordered by index then id.
	Search(ctx context.Context, q Query, size int) (SearchResult, error)
	// Scan pages through every match in index then id order.
	Scan(ctx context.Context, q Query, pageSize int, fn func([]Hit) error) error
	// Write applies one action and returns the resulting version.
	Write(ctx context.Context, a Action) (int64, error)
	// Bulk applies the actions independently. The returned error is reserved
	// for failures affecting the request as a whole.
	Bulk(ctx context.Context, actions []Action) ([]BulkItem, error)
	CreateIndices(ctx context.Context, names []string) error
	DeleteIndices(ctx context.Context, names []string) error
	Close() error
	Driver() Driver
}

var (
	// ErrConflict is wrapped by every version precondition failure.
	ErrConflict = errors.New("index: version conflict")
	// ErrUnknownIndex is returned when writing to an index that was never created.
	ErrUnknownIndex = errors.New("index: unknown index")
)

// ConflictError reports a failed version precondition.
type ConflictError struct {
	Index    string
	ID       string
	Op       Op
	Expected *int64
	Actual   *int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("index: %s %s/%s conflicts (expected %s, actual %s)", e.Op, e.Index, e.ID, fmtVersion(e.Expected), fmtVersion(e.Actual))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

func fmtVersion(v *int64) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *v)
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// UnknownIndex wraps ErrUnknownIndex with the index name.
func UnknownIndex(name string) error {
	return fmt.Errorf("%w %q", ErrUnknownIndex, name)
}

// CheckPrecondition evaluates the version precondition of a against the stored
// state of its document. stored is nil when the document does not exist.
func CheckPrecondition(a Action, stored *int64) error {
	conflict := func() error {
		return &ConflictError{Index: a.Index, ID: a.ID, Op: a.Op, Expected: a.Version, Actual: stored}
	}
	switch a.Op {
	case OpCreate:
		if stored != nil {
			return conflict()
		}
	case OpIndex, OpDelete:
		if a.Version == nil {
			return nil
		}
		if stored == nil || *stored != *a.Version {
			return conflict()
		}
	default:
		return fmt.Errorf("index: unsupported op %q", a.Op)
	}
	return nil
}

// NextVersion returns the version a successful write assigns.
func NextVersion(stored *int64) int64 {
	if stored == nil {
		return 1
	}
	return *stored + 1
}
