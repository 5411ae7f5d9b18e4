package syncer

import (
	"context"
	"fmt"

	"github.com/pgviews/pgviews/internal/logger"
	"github.com/pgviews/pgviews/internal/view"
)

// Refresher issues REFRESH MATERIALIZED VIEW statements. Refresh is
// independent of the sync state machine: it operates on an already-synced
// materialized view and emits no sync events.
type Refresher struct {
	exec Executor
}

// NewRefresher creates a refresher executing through exec.
func NewRefresher(exec Executor) *Refresher {
	return &Refresher{exec: exec}
}

// Refresh repopulates a materialized view. A concurrent refresh keeps the
// view readable during the rebuild but PostgreSQL only allows it when the
// view has a unique index; that precondition is checked against the declared
// index specs before any command is issued.
func (r *Refresher) Refresh(ctx context.Context, d *view.Definition, concurrently bool) error {
	if !d.Materialized {
		return fmt.Errorf("%s is not a materialized view", d.Name.Key())
	}
	if concurrently && !d.HasUniqueIndex() {
		return &ConcurrentRefreshUnsupportedError{Name: d.Name}
	}

	stmt := fmt.Sprintf("REFRESH MATERIALIZED VIEW %s;", d.Name)
	if concurrently {
		stmt = fmt.Sprintf("REFRESH MATERIALIZED VIEW CONCURRENTLY %s;", d.Name)
	}
	if err := r.exec.Exec(ctx, stmt); err != nil {
		return &StatementExecutionError{SQL: stmt, Err: err}
	}
	logger.Get().Debug("materialized view refreshed", "view", d.Name.Key(), "concurrently", concurrently)
	return nil
}
