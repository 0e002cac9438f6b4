// Package sqlstore implements the index Client over database/sql. The sqlite
// and postgres packages wrap it with their driver and placeholder dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"metaindex/internal/index/core"
	"metaindex/internal/sqlutil"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Driver core.Driver
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
}

// Store implements core.Client on a documents table and a terms table.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS indices (
		name TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		index_name TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		source TEXT NOT NULL,
		PRIMARY KEY (index_name, doc_id)
	)`,
	`CREATE TABLE IF NOT EXISTS terms (
		index_name TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (index_name, doc_id, field)
	)`,
	`CREATE INDEX IF NOT EXISTS terms_lookup ON terms (index_name, field, value)`,
}

// New applies the schema to db and returns a store using it.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply index schema: %w", err)
		}
	}
	return &Store{db: db, dialect: dialect}, nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns the index driver identifier.
func (s *Store) Driver() core.Driver { return s.dialect.Driver }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) rebind(query string) string {
	return sqlutil.Rebind(s.dialect.Numbered, query)
}

// CreateIndices registers the named indices.
func (s *Store) CreateIndices(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO indices(name) VALUES(?) ON CONFLICT DO NOTHING`), name); err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
	}
	return nil
}

// DeleteIndices removes the named indices and their documents.
func (s *Store) DeleteIndices(ctx context.Context, names []string) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, name := range names {
		for _, stmt := range []string{
			`DELETE FROM terms WHERE index_name = ?`,
			`DELETE FROM documents WHERE index_name = ?`,
			`DELETE FROM indices WHERE name = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.rebind(stmt), name); err != nil {
				return fmt.Errorf("delete index %s: %w", name, err)
			}
		}
	}
	return tx.Commit()
}

// MultiGet reads documents one by one within a single read.
func (s *Store) MultiGet(ctx context.Context, refs []core.Ref) ([]core.GetResult, error) {
	out := make([]core.GetResult, len(refs))
	query := s.rebind(`SELECT version, source FROM documents WHERE index_name = ? AND doc_id = ?`)
	for i, ref := range refs {
		out[i].Ref = ref
		var version int64
		var source string
		err := s.db.QueryRowContext(ctx, query, ref.Index, ref.ID).Scan(&version, &source)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s/%s: %w", ref.Index, ref.ID, err)
		}
		out[i].Found = true
		out[i].Hit = core.Hit{Index: ref.Index, ID: ref.ID, Version: version, Source: json.RawMessage(source)}
	}
	return out, nil
}

// where renders the term filter of q. It returns false when nothing can match.
func where(q core.Query) (string, []any, bool) {
	indices := make([]string, 0, len(q.Terms))
	for index, values := range q.Terms {
		if len(values) > 0 {
			indices = append(indices, index)
		}
	}
	if len(indices) == 0 {
		return "", nil, false
	}
	sort.Strings(indices)
	var clauses []string
	args := []any{q.Field}
	for _, index := range indices {
		values := q.Terms[index]
		clauses = append(clauses, fmt.Sprintf("(t.index_name = ? AND t.value IN (%s))", sqlutil.Placeholders(len(values))))
		args = append(args, index)
		for _, v := range values {
			args = append(args, v)
		}
	}
	return "t.field = ? AND (" + strings.Join(clauses, " OR ") + ")", args, true
}

const selectHits = `SELECT d.index_name, d.doc_id, d.version, d.source
	FROM documents d JOIN terms t ON t.index_name = d.index_name AND t.doc_id = d.doc_id
	WHERE `

// Search returns the first size matches and the total match count.
func (s *Store) Search(ctx context.Context, q core.Query, size int) (core.SearchResult, error) {
	cond, args, ok := where(q)
	if !ok {
		return core.SearchResult{}, nil
	}
	var total int
	countQuery := s.rebind(`SELECT COUNT(*) FROM terms t WHERE ` + cond)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return core.SearchResult{}, fmt.Errorf("count matches: %w", err)
	}
	query := selectHits + cond + ` ORDER BY d.index_name, d.doc_id`
	if size >= 0 {
		query += ` LIMIT ` + strconv.Itoa(size)
	}
	hits, err := s.queryHits(ctx, s.rebind(query), args)
	if err != nil {
		return core.SearchResult{}, err
	}
	return core.SearchResult{Hits: hits, Total: total}, nil
}

// Scan pages through all matches using a keyset cursor on (index, id).
func (s *Store) Scan(ctx context.Context, q core.Query, pageSize int, fn func([]core.Hit) error) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	cond, args, ok := where(q)
	if !ok {
		return nil
	}
	var after *core.Hit
	for {
		query := selectHits + cond
		pageArgs := append([]any(nil), args...)
		if after != nil {
			query += ` AND (d.index_name > ? OR (d.index_name = ? AND d.doc_id > ?))`
			pageArgs = append(pageArgs, after.Index, after.Index, after.ID)
		}
		query += ` ORDER BY d.index_name, d.doc_id LIMIT ` + strconv.Itoa(pageSize)
		hits, err := s.queryHits(ctx, s.rebind(query), pageArgs)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			return nil
		}
		if err := fn(hits); err != nil {
			return err
		}
		if len(hits) < pageSize {
			return nil
		}
		last := hits[len(hits)-1]
		after = &last
	}
}

func (s *Store) queryHits(ctx context.Context, query string, args []any) ([]core.Hit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var hits []core.Hit
	for rows.Next() {
		var h core.Hit
		var source string
		if err := rows.Scan(&h.Index, &h.ID, &h.Version, &source); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		h.Source = json.RawMessage(source)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return hits, nil
}

// Write applies a single action in its own transaction.
func (s *Store) Write(ctx context.Context, a core.Action) (version int64, retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	version, err = s.apply(ctx, tx, a)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return version, nil
}

func (s *Store) apply(ctx context.Context, tx *sql.Tx, a core.Action) (int64, error) {
	var known int
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM indices WHERE name = ?`), a.Index).Scan(&known)
	if err != nil {
		return 0, fmt.Errorf("check index %s: %w", a.Index, err)
	}
	if known == 0 {
		return 0, core.UnknownIndex(a.Index)
	}
	var stored *int64
	var current int64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT version FROM documents WHERE index_name = ? AND doc_id = ?`), a.Index, a.ID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("read %s/%s: %w", a.Index, a.ID, err)
	default:
		stored = &current
	}
	if err := core.CheckPrecondition(a, stored); err != nil {
		return 0, err
	}
	conflict := func() error {
		return &core.ConflictError{Index: a.Index, ID: a.ID, Op: a.Op, Expected: a.Version, Actual: stored}
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM terms WHERE index_name = ? AND doc_id = ?`), a.Index, a.ID); err != nil {
		return 0, fmt.Errorf("clear terms: %w", err)
	}
	if a.Op == core.OpDelete {
		if stored == nil {
			return 0, nil
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM documents WHERE index_name = ? AND doc_id = ? AND version = ?`), a.Index, a.ID, *stored)
		if err != nil {
			return 0, fmt.Errorf("delete %s/%s: %w", a.Index, a.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, conflict()
		}
		return *stored, nil
	}

	next := core.NextVersion(stored)
	var res sql.Result
	if stored == nil {
		res, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO documents(index_name, doc_id, version, source) VALUES(?,?,?,?) ON CONFLICT DO NOTHING`),
			a.Index, a.ID, next, string(a.Source))
	} else {
		res, err = tx.ExecContext(ctx, s.rebind(`UPDATE documents SET version = ?, source = ? WHERE index_name = ? AND doc_id = ? AND version = ?`),
			next, string(a.Source), a.Index, a.ID, *stored)
	}
	if err != nil {
		return 0, fmt.Errorf("write %s/%s: %w", a.Index, a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, conflict()
	}
	for field, value := range a.Terms {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO terms(index_name, doc_id, field, value) VALUES(?,?,?,?)`), a.Index, a.ID, field, value); err != nil {
			return 0, fmt.Errorf("write term %s: %w", field, err)
		}
	}
	return next, nil
}

// Bulk applies each action in its own transaction.
func (s *Store) Bulk(ctx context.Context, actions []core.Action) ([]core.BulkItem, error) {
	items := make([]core.BulkItem, len(actions))
	for i, a := range actions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := s.Write(ctx, a)
		items[i] = core.BulkItem{Action: a, Version: v, Err: err}
	}
	return items, nil
}
