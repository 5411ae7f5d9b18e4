package syncer

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgviews/pgviews/internal/view"
)

// BlockedByDependentError is the transient outcome of a drop or replace the
// database rejected because another object still depends on the target. The
// scheduler handles it by retry-with-reorder; it only surfaces to the caller
// inside an UnresolvableDependencyError.
type BlockedByDependentError struct {
	Name       view.Name
	Dependents []string
	Err        error
}

func (e *BlockedByDependentError) Error() string {
	if len(e.Dependents) == 0 {
		return fmt.Sprintf("%s is blocked by a dependent object: %v", e.Name.Key(), e.Err)
	}
	return fmt.Sprintf("%s is blocked by dependent object(s) %s", e.Name.Key(), strings.Join(e.Dependents, ", "))
}

func (e *BlockedByDependentError) Unwrap() error { return e.Err }

// UnresolvableDependencyError is raised when a full scheduler pass finalizes
// nothing: every remaining definition stayed blocked. Blocked maps each stuck
// definition to the dependent object(s) blocking it so the operator can tell
// a true cycle from a missing definition.
type UnresolvableDependencyError struct {
	Blocked map[string][]string
}

func (e *UnresolvableDependencyError) Error() string {
	names := make([]string, 0, len(e.Blocked))
	for name := range e.Blocked {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("unresolvable dependency order, no progress possible:")
	for _, name := range names {
		deps := e.Blocked[name]
		if len(deps) == 0 {
			fmt.Fprintf(&b, " %s (blocking object unknown);", name)
			continue
		}
		fmt.Fprintf(&b, " %s blocked by %s;", name, strings.Join(deps, ", "))
	}
	return strings.TrimSuffix(b.String(), ";")
}

// ConcurrentRefreshUnsupportedError reports a concurrent refresh requested
// on a materialized view without a unique index.
type ConcurrentRefreshUnsupportedError struct {
	Name view.Name
}

func (e *ConcurrentRefreshUnsupportedError) Error() string {
	return fmt.Sprintf("concurrent refresh of %s requires a unique index", e.Name.Key())
}

// StatementExecutionError is any non-blocking DDL failure. It aborts the run
// and carries the underlying database error verbatim.
type StatementExecutionError struct {
	SQL string
	Err error
}

func (e *StatementExecutionError) Error() string {
	return fmt.Sprintf("statement execution failed: %v (statement: %s)", e.Err, firstLine(e.SQL))
}

func (e *StatementExecutionError) Unwrap() error { return e.Err }

// dependentObjectsStillExist is the SQLSTATE PostgreSQL raises when a drop
// is rejected because dependents remain (class 2B).
const dependentObjectsStillExist = "2BP01"

var dependentDetailRe = regexp.MustCompile(`(?im)(?:materialized )?view ([\w".]+) depends on`)

// asBlocked classifies an execution error. A drop rejected with SQLSTATE
// 2BP01 becomes a BlockedByDependentError carrying the dependent names the
// server reported. Executors that do not surface *pgconn.PgError (wrapped
// drivers, test doubles) are matched on the server's message shape instead.
func asBlocked(name view.Name, err error) *BlockedByDependentError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != dependentObjectsStillExist {
			return nil
		}
		deps := parseDependents(pgErr.Detail)
		if len(deps) == 0 {
			deps = parseDependents(pgErr.Message)
		}
		return &BlockedByDependentError{Name: name, Dependents: deps, Err: err}
	}

	msg := err.Error()
	if strings.Contains(msg, "cannot drop") && strings.Contains(msg, "depend") {
		return &BlockedByDependentError{Name: name, Dependents: parseDependents(msg), Err: err}
	}
	return nil
}

func parseDependents(detail string) []string {
	var deps []string
	seen := make(map[string]bool)
	for _, match := range dependentDetailRe.FindAllStringSubmatch(detail, -1) {
		if name := match[1]; !seen[name] {
			seen[name] = true
			deps = append(deps, name)
		}
	}
	return deps
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		return s[:idx] + " ..."
	}
	return s
}
