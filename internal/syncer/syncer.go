// Package syncer converges a database's views to a set of desired
// definitions. The backlog scheduler orders and retries work, the syncer
// drives each definition through its state machine, and a refresher issues
// materialized view refreshes.
package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pgviews/pgviews/internal/catalog"
	"github.com/pgviews/pgviews/internal/logger"
	"github.com/pgviews/pgviews/internal/signature"
	"github.com/pgviews/pgviews/internal/view"
)

// Executor runs one SQL statement to completion, as an atomic unit.
type Executor interface {
	Exec(ctx context.Context, sql string) error
}

// DBExecutor adapts *sql.DB to the Executor interface.
type DBExecutor struct {
	DB *sql.DB
}

func (e *DBExecutor) Exec(ctx context.Context, stmt string) error {
	_, err := e.DB.ExecContext(ctx, stmt)
	return err
}

// DependentsFunc answers which managed objects would be taken down by a
// CASCADE drop of name. Usually catalog.Reader.Dependents.
type DependentsFunc func(ctx context.Context, name view.Name) ([]view.Name, error)

// Config wires a Syncer.
type Config struct {
	Registry *view.Registry
	Snapshot *catalog.Snapshot
	Executor Executor
	Bus      *Bus

	// Dependents enables cascade eviction: entries dropped as a side
	// effect of a CASCADE are removed from the snapshot so pending
	// definitions get recreated. Optional.
	Dependents DependentsFunc
}

// Syncer converges the database to the registry's definitions. It is
// single-threaded: statements execute sequentially against one session, and
// the snapshot is updated in place after each successful operation.
type Syncer struct {
	registry   *view.Registry
	snapshot   *catalog.Snapshot
	exec       Executor
	bus        *Bus
	dependents DependentsFunc
	log        *slog.Logger
}

// New creates a Syncer from cfg. A nil Bus gets replaced with an empty one.
func New(cfg Config) *Syncer {
	bus := cfg.Bus
	if bus == nil {
		bus = NewBus()
	}
	return &Syncer{
		registry:   cfg.Registry,
		snapshot:   cfg.Snapshot,
		exec:       cfg.Executor,
		bus:        bus,
		dependents: cfg.Dependents,
		log:        logger.Get(),
	}
}

// syncOne drives a single definition through its state machine and returns
// the event to emit on success. A BlockedByDependentError return means the
// scheduler should retry later; any other error is fatal for the run.
func (s *Syncer) syncOne(ctx context.Context, d *view.Definition, update, force bool) (Event, error) {
	ev := Event{Definition: d, Update: update, Force: force}

	entry, exists := s.snapshot.Get(d.Name)

	if force {
		// Unconditional rebuild; converges objects whose stored text
		// drifted in ways the change check cannot see.
		if exists {
			if err := s.drop(ctx, entry); err != nil {
				return ev, err
			}
		}
		if err := s.create(ctx, d); err != nil {
			return ev, err
		}
		ev.Status = StatusCreated
		ev.HasChanged = true
		return ev, nil
	}

	if !exists {
		if err := s.create(ctx, d); err != nil {
			return ev, err
		}
		ev.Status = StatusCreated
		ev.HasChanged = true
		return ev, nil
	}

	ev.Status = StatusExists
	desired := signature.Compute(d.SQL, d.Materialized, d.IndexDefinitions())
	actual := signature.Compute(entry.Definition, entry.Materialized, entry.IndexDefs)
	ev.HasChanged = desired != actual

	if !ev.HasChanged {
		return ev, nil
	}
	if !update {
		// Report-only: drift exists but the caller asked not to touch it.
		return ev, nil
	}

	if err := s.drop(ctx, entry); err != nil {
		return ev, err
	}
	if err := s.create(ctx, d); err != nil {
		return ev, err
	}
	return ev, nil
}

// create issues the CREATE statement and the definition's index statements,
// then records the new object in the snapshot.
func (s *Syncer) create(ctx context.Context, d *view.Definition) error {
	stmts := append([]string{createStatement(d)}, d.IndexDefinitions()...)
	for _, stmt := range stmts {
		if err := s.exec.Exec(ctx, stmt); err != nil {
			if blocked := asBlocked(d.Name, err); blocked != nil {
				return blocked
			}
			return &StatementExecutionError{SQL: stmt, Err: err}
		}
	}
	s.snapshot.Put(&catalog.Entry{
		Name:         d.Name,
		Materialized: d.Materialized,
		Definition:   d.SQL,
		IndexDefs:    d.IndexDefinitions(),
	})
	s.log.Debug("view created", "view", d.Name.Key(), "materialized", d.Materialized)
	return nil
}

// drop removes an existing object with CASCADE and evicts it, together with
// anything the cascade took down, from the snapshot.
func (s *Syncer) drop(ctx context.Context, entry *catalog.Entry) error {
	var victims []view.Name
	if s.dependents != nil {
		var err error
		victims, err = s.dependents(ctx, entry.Name)
		if err != nil {
			return fmt.Errorf("failed to discover dependents of %s: %w", entry.Name.Key(), err)
		}
	}

	stmt := dropStatement(entry)
	if err := s.exec.Exec(ctx, stmt); err != nil {
		if blocked := asBlocked(entry.Name, err); blocked != nil {
			return blocked
		}
		return &StatementExecutionError{SQL: stmt, Err: err}
	}

	s.snapshot.Delete(entry.Name)
	for _, victim := range victims {
		s.snapshot.Delete(victim)
		s.log.Debug("cascade evicted dependent", "view", entry.Name.Key(), "dependent", victim.Key())
	}
	return nil
}

func createStatement(d *view.Definition) string {
	keyword := "VIEW"
	if d.Materialized {
		keyword = "MATERIALIZED VIEW"
	}
	return fmt.Sprintf("CREATE %s %s AS\n%s;", keyword, d.Name, d.SQL)
}

// dropStatement picks the verb from what actually exists, not from the
// desired definition: converting between view kinds drops the old kind.
func dropStatement(entry *catalog.Entry) string {
	keyword := "VIEW"
	if entry.Materialized {
		keyword = "MATERIALIZED VIEW"
	}
	return fmt.Sprintf("DROP %s IF EXISTS %s CASCADE;", keyword, entry.Name)
}
