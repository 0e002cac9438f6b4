package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"metaindex/internal/repository"
	"metaindex/internal/sqlutil"
	"metaindex/pkg/domain"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sql.Open implementation for tests and returns a
// restore function.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

var snapshotSchema = []string{
	`CREATE TABLE IF NOT EXISTS links (
		links_id TEXT NOT NULL,
		version TEXT NOT NULL,
		project_id TEXT NOT NULL,
		schema_type TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (links_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS link_outputs (
		links_id TEXT NOT NULL,
		version TEXT NOT NULL,
		output_id TEXT NOT NULL,
		PRIMARY KEY (links_id, version, output_id)
	)`,
	`CREATE INDEX IF NOT EXISTS link_outputs_lookup ON link_outputs (output_id)`,
	`CREATE TABLE IF NOT EXISTS entities (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		version TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id, version)
	)`,
}

// SQLSource implements Source on a SQLite or PostgreSQL database.
type SQLSource struct {
	db       *sql.DB
	numbered bool
}

// OpenSQLSource connects to dsn. postgres:// and postgresql:// URLs select
// PostgreSQL; anything else names a SQLite file, optionally prefixed with
// sqlite://.
func OpenSQLSource(ctx context.Context, dsn string) (*SQLSource, error) {
	if dsn == "" {
		return nil, fmt.Errorf("snapshot dsn is required")
	}
	driver, numbered := "sqlite", false
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, numbered = "pgx", true
	} else {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	openMu.Lock()
	db, err := sqlOpen(driver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	if !numbered {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping snapshot: %w", err)
	}
	s, err := NewSQLSource(ctx, db, numbered)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLSource applies the snapshot schema to db. numbered selects $n
// placeholders.
func NewSQLSource(ctx context.Context, db *sql.DB, numbered bool) (*SQLSource, error) {
	for _, stmt := range snapshotSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply snapshot schema: %w", err)
		}
	}
	return &SQLSource{db: db, numbered: numbered}, nil
}

// Close closes the database handle.
func (s *SQLSource) Close() error { return s.db.Close() }

func (s *SQLSource) rebind(query string) string {
	return sqlutil.Rebind(s.numbered, query)
}

// PutLinks stores row and indexes its process outputs.
func (s *SQLSource) PutLinks(ctx context.Context, row LinksRow) (retErr error) {
	links, err := row.Parse()
	if err != nil {
		return fmt.Errorf("links of %s: %w", row.Bundle, err)
	}
	content, err := json.Marshal(row.Content)
	if err != nil {
		return fmt.Errorf("encode links of %s: %w", row.Bundle, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO links(links_id, version, project_id, schema_type, content) VALUES(?,?,?,?,?)
		ON CONFLICT (links_id, version) DO UPDATE SET project_id = excluded.project_id, schema_type = excluded.schema_type, content = excluded.content`),
		row.Bundle.UUID, row.Bundle.Version, row.ProjectID, row.SchemaType, string(content)); err != nil {
		return fmt.Errorf("store links of %s: %w", row.Bundle, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM link_outputs WHERE links_id = ? AND version = ?`), row.Bundle.UUID, row.Bundle.Version); err != nil {
		return fmt.Errorf("clear outputs of %s: %w", row.Bundle, err)
	}
	for _, out := range links.Outputs.Sorted() {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO link_outputs(links_id, version, output_id) VALUES(?,?,?) ON CONFLICT DO NOTHING`),
			row.Bundle.UUID, row.Bundle.Version, out.EntityID); err != nil {
			return fmt.Errorf("store outputs of %s: %w", row.Bundle, err)
		}
	}
	return tx.Commit()
}

// PutEntity stores one entity row.
func (s *SQLSource) PutEntity(ctx context.Context, entityType domain.EntityType, row EntityRow) error {
	content, err := json.Marshal(row.Content)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", entityType, row.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO entities(entity_type, entity_id, version, content) VALUES(?,?,?,?)
		ON CONFLICT (entity_type, entity_id, version) DO UPDATE SET content = excluded.content`),
		string(entityType), row.ID, row.Version, string(content)); err != nil {
		return fmt.Errorf("store %s/%s: %w", entityType, row.ID, err)
	}
	return nil
}

// RetrieveLinks implements Source.
func (s *SQLSource) RetrieveLinks(ctx context.Context, bundles []domain.BundleFQID) (map[domain.BundleFQID]LinksRow, error) {
	out := make(map[domain.BundleFQID]LinksRow, len(bundles))
	if len(bundles) == 0 {
		return out, nil
	}
	clauses := make([]string, len(bundles))
	args := make([]any, 0, 2*len(bundles))
	for i, b := range bundles {
		clauses[i] = "(links_id = ? AND version = ?)"
		args = append(args, b.UUID, b.Version)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT links_id, version, project_id, schema_type, content FROM links WHERE `+strings.Join(clauses, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row LinksRow
		var content string
		if err := rows.Scan(&row.Bundle.UUID, &row.Bundle.Version, &row.ProjectID, &row.SchemaType, &content); err != nil {
			return nil, fmt.Errorf("scan links: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &row.Content); err != nil {
			return nil, fmt.Errorf("decode links of %s: %w", row.Bundle, err)
		}
		out[row.Bundle] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read links: %w", err)
	}
	for _, b := range bundles {
		if _, ok := out[b]; !ok {
			return nil, fmt.Errorf("links of %s: %w", b, repository.ErrBundleNotFound)
		}
	}
	return out, nil
}

// RetrieveEntities implements Source.
func (s *SQLSource) RetrieveEntities(ctx context.Context, entityType domain.EntityType, ids []string) ([]EntityRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(entityType))
	for _, id := range ids {
		args = append(args, id)
	}
	query := `SELECT entity_id, version, content FROM entities WHERE entity_type = ? AND entity_id IN (` + sqlutil.Placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s entities: %w", entityType, err)
	}
	defer rows.Close()
	latest := make(map[string]EntityRow, len(ids))
	for rows.Next() {
		var row EntityRow
		var content string
		if err := rows.Scan(&row.ID, &row.Version, &content); err != nil {
			return nil, fmt.Errorf("scan %s entities: %w", entityType, err)
		}
		if prev, ok := latest[row.ID]; ok && prev.Version >= row.Version {
			continue
		}
		if err := json.Unmarshal([]byte(content), &row.Content); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", entityType, row.ID, err)
		}
		latest[row.ID] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s entities: %w", entityType, err)
	}
	var missing []string
	for _, id := range ids {
		if _, ok := latest[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("required %s entities not found: %s", entityType, strings.Join(missing, ", "))
	}
	out := make([]EntityRow, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindUpstreamBundles implements Source.
func (s *SQLSource) FindUpstreamBundles(ctx context.Context, outputIDs []string) ([]Upstream, error) {
	if len(outputIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(outputIDs))
	for i, id := range outputIDs {
		args[i] = id
	}
	query := `SELECT links_id, version, output_id FROM link_outputs WHERE output_id IN (` + sqlutil.Placeholders(len(outputIDs)) + `) ORDER BY links_id, version, output_id`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query link outputs: %w", err)
	}
	defer rows.Close()
	var out []Upstream
	for rows.Next() {
		var u Upstream
		if err := rows.Scan(&u.Bundle.UUID, &u.Bundle.Version, &u.OutputID); err != nil {
			return nil, fmt.Errorf("scan link outputs: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read link outputs: %w", err)
	}
	return out, nil
}

// ListBundles implements Source.
func (s *SQLSource) ListBundles(ctx context.Context, prefix string) ([]domain.BundleFQID, error) {
	if err := repository.ValidateUUIDPrefix(prefix); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT links_id, version FROM links WHERE links_id LIKE ? ORDER BY links_id, version`), prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	defer rows.Close()
	var out []domain.BundleFQID
	for rows.Next() {
		var b domain.BundleFQID
		if err := rows.Scan(&b.UUID, &b.Version); err != nil {
			return nil, fmt.Errorf("scan bundles: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read bundles: %w", err)
	}
	return out, nil
}
