// Package catalog reads the database's view catalogs into an in-memory
// snapshot and answers dependency queries. The snapshot is the only mutable
// state the sync engine touches: it is read from the database once at run
// start and updated in place as DDL is applied.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/pgviews/pgviews/internal/logger"
	"github.com/pgviews/pgviews/internal/view"
)

// Entry is the actual state of one view currently in the database.
type Entry struct {
	Name         view.Name
	Materialized bool
	Definition   string   // stored definition text, empty if unobtainable
	IndexDefs    []string // index statements, materialized views only
}

// Snapshot maps qualified names to catalog entries for one run.
type Snapshot struct {
	entries map[view.Name]*Entry
}

// NewSnapshot returns a snapshot prefilled with the given entries.
func NewSnapshot(entries ...*Entry) *Snapshot {
	s := &Snapshot{entries: make(map[view.Name]*Entry)}
	for _, e := range entries {
		s.Put(e)
	}
	return s
}

// Get returns the entry for name, if present.
func (s *Snapshot) Get(name view.Name) (*Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// Exists reports whether an object with the given name is present.
func (s *Snapshot) Exists(name view.Name) bool {
	_, ok := s.entries[name]
	return ok
}

// DefinitionText returns the stored definition for name, if obtainable.
func (s *Snapshot) DefinitionText(name view.Name) (string, bool) {
	e, ok := s.entries[name]
	if !ok || e.Definition == "" {
		return "", false
	}
	return e.Definition, true
}

// Put inserts or replaces an entry.
func (s *Snapshot) Put(e *Entry) {
	s.entries[e.Name] = e
}

// Delete removes the entry for name, if present.
func (s *Snapshot) Delete(name view.Name) {
	delete(s.entries, name)
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Reader queries the live database's system catalogs.
type Reader struct {
	db            *sql.DB
	defaultSchema string
}

// NewReader creates a reader resolving unqualified names against defaultSchema.
func NewReader(db *sql.DB, defaultSchema string) *Reader {
	if defaultSchema == "" {
		defaultSchema = "public"
	}
	return &Reader{db: db, defaultSchema: defaultSchema}
}

// Resolve fills in the reader's default schema on an unqualified name.
func (r *Reader) Resolve(n view.Name) view.Name {
	return n.Qualified(r.defaultSchema)
}

// SetSearchPath switches the session's search path. Callers operating in a
// tenant schema set it so unqualified references inside view bodies resolve
// against that schema.
func (r *Reader) SetSearchPath(ctx context.Context, schemas ...string) error {
	quoted := make([]string, 0, len(schemas))
	for _, s := range schemas {
		quoted = append(quoted, pq.QuoteIdentifier(s))
	}
	stmt := fmt.Sprintf("SET search_path = %s", strings.Join(quoted, ", "))
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to set search path: %w", err)
	}
	logger.Get().Debug("search path set", "schemas", schemas)
	return nil
}

// Snapshot loads every view and materialized view in the given schemas.
// Plain views and materialized views live in different catalogs
// (pg_views vs pg_matviews) and are loaded concurrently.
func (r *Reader) Snapshot(ctx context.Context, schemas []string) (*Snapshot, error) {
	if len(schemas) == 0 {
		schemas = []string{r.defaultSchema}
	}

	var plain, materialized []*Entry
	var eg errgroup.Group

	eg.Go(func() error {
		var err error
		plain, err = r.loadEntries(ctx, schemas, false)
		return err
	})
	eg.Go(func() error {
		var err error
		materialized, err = r.loadEntries(ctx, schemas, true)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	snap := NewSnapshot(plain...)
	for _, e := range materialized {
		snap.Put(e)
	}

	if err := r.loadIndexes(ctx, schemas, snap); err != nil {
		return nil, err
	}

	logger.Get().Debug("catalog snapshot loaded",
		"schemas", schemas,
		"views", len(plain),
		"materialized_views", len(materialized),
	)
	return snap, nil
}

func (r *Reader) loadEntries(ctx context.Context, schemas []string, materialized bool) ([]*Entry, error) {
	query := `SELECT viewname, definition FROM pg_views WHERE schemaname = $1`
	if materialized {
		query = `SELECT matviewname, definition FROM pg_matviews WHERE schemaname = $1`
	}

	var entries []*Entry
	for _, schema := range schemas {
		rows, err := r.db.QueryContext(ctx, query, schema)
		if err != nil {
			return nil, fmt.Errorf("failed to query catalog for schema %s: %w", schema, err)
		}
		for rows.Next() {
			var name string
			var definition sql.NullString
			if err := rows.Scan(&name, &definition); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan catalog row: %w", err)
			}
			entries = append(entries, &Entry{
				Name:         view.Name{Schema: schema, Object: name},
				Materialized: materialized,
				Definition:   definition.String,
			})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read catalog rows: %w", err)
		}
		rows.Close()
	}
	return entries, nil
}

// loadIndexes attaches pg_indexes definitions to materialized view entries.
func (r *Reader) loadIndexes(ctx context.Context, schemas []string, snap *Snapshot) error {
	query := `SELECT tablename, indexdef FROM pg_indexes WHERE schemaname = $1`

	for _, schema := range schemas {
		rows, err := r.db.QueryContext(ctx, query, schema)
		if err != nil {
			return fmt.Errorf("failed to query indexes for schema %s: %w", schema, err)
		}
		for rows.Next() {
			var table, indexDef string
			if err := rows.Scan(&table, &indexDef); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan index row: %w", err)
			}
			name := view.Name{Schema: schema, Object: table}
			if e, ok := snap.Get(name); ok && e.Materialized {
				e.IndexDefs = append(e.IndexDefs, indexDef)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("failed to read index rows: %w", err)
		}
		rows.Close()
	}
	return nil
}

// Dependents returns the views and materialized views whose stored rules
// read, directly or transitively, from the named object. This is the
// dependency-discovery query that translates a "cannot drop" failure into
// concrete blocking names and predicts what a CASCADE drop will take down.
func (r *Reader) Dependents(ctx context.Context, name view.Name) ([]view.Name, error) {
	const query = `
		WITH RECURSIVE deps AS (
			SELECT cl.oid
			FROM pg_depend d
			JOIN pg_rewrite rw ON rw.oid = d.objid
			JOIN pg_class cl ON cl.oid = rw.ev_class
			WHERE d.refclassid = 'pg_class'::regclass
			  AND d.refobjid = $1::regclass
			  AND cl.oid <> d.refobjid
			  AND cl.relkind IN ('v', 'm')
			UNION
			SELECT cl.oid
			FROM deps
			JOIN pg_depend d ON d.refclassid = 'pg_class'::regclass AND d.refobjid = deps.oid
			JOIN pg_rewrite rw ON rw.oid = d.objid
			JOIN pg_class cl ON cl.oid = rw.ev_class
			WHERE cl.oid <> d.refobjid
			  AND cl.relkind IN ('v', 'm')
		)
		SELECT DISTINCT ns.nspname, cl.relname
		FROM deps
		JOIN pg_class cl ON cl.oid = deps.oid
		JOIN pg_namespace ns ON ns.oid = cl.relnamespace`

	rows, err := r.db.QueryContext(ctx, query, name.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents of %s: %w", name.Key(), err)
	}
	defer rows.Close()

	var dependents []view.Name
	for rows.Next() {
		var dep view.Name
		if err := rows.Scan(&dep.Schema, &dep.Object); err != nil {
			return nil, fmt.Errorf("failed to scan dependent row: %w", err)
		}
		dependents = append(dependents, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dependent rows: %w", err)
	}
	return dependents, nil
}
