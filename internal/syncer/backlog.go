package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pgviews/pgviews/internal/catalog"
	"github.com/pgviews/pgviews/internal/view"
)

// Outcome is the result of one sync attempt within a scheduler pass.
type Outcome string

const (
	OutcomePending   Outcome = "PENDING"
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeBlocked   Outcome = "BLOCKED"
	OutcomeFailed    Outcome = "FAILED"
)

// Attempt records one definition's outcome in one pass, including the
// blocking dependents discovered if it could not be dropped or replaced.
type Attempt struct {
	Definition *view.Definition
	Outcome    Outcome
	BlockedBy  []string
}

// Run converges every registered definition. The backlog starts in declared
// dependency order and is reprocessed in passes: blocked definitions are
// requeued with their newly discovered blocking edges, and a full pass that
// finalizes nothing terminates with UnresolvableDependencyError. After every
// definition is done the whole-run event fires.
func (s *Syncer) Run(ctx context.Context, update, force bool) error {
	pending, err := dependencyOrder(s.registry)
	if err != nil {
		return err
	}

	for pass := 1; len(pending) > 0; pass++ {
		attempts := make([]Attempt, 0, len(pending))

		for i, d := range pending {
			ev, err := s.syncOne(ctx, d, update, force)
			var blockedErr *BlockedByDependentError
			switch {
			case err == nil:
				attempts = append(attempts, Attempt{Definition: d, Outcome: OutcomeSucceeded})
				s.log.Debug("view synced",
					"view", d.Name.Key(),
					"status", string(ev.Status),
					"has_changed", ev.HasChanged,
					"pass", pass,
				)
				s.bus.emitViewSynced(ev)
			case errors.As(err, &blockedErr):
				attempts = append(attempts, Attempt{
					Definition: d,
					Outcome:    OutcomeBlocked,
					BlockedBy:  blockedErr.Dependents,
				})
				s.log.Debug("view blocked, requeued",
					"view", d.Name.Key(),
					"blocked_by", strings.Join(blockedErr.Dependents, ", "),
					"pass", pass,
				)
			default:
				notReached := remainingNames(pending[i+1:], blockedDefinitions(attempts))
				s.log.Error("sync run aborted",
					"view", d.Name.Key(),
					"not_reached", strings.Join(notReached, ", "),
					"error", err,
				)
				return err
			}
		}

		requeue, blocked, progress := settlePass(attempts)
		if len(requeue) > 0 && !progress {
			return &UnresolvableDependencyError{Blocked: blocked}
		}
		pending = requeue
	}

	s.bus.emitAllSynced()
	return nil
}

// Clear drops every managed object that currently exists, dependents before
// their dependencies, with the same blocked-retry handling as Run.
func (s *Syncer) Clear(ctx context.Context) error {
	ordered, err := dependencyOrder(s.registry)
	if err != nil {
		return err
	}

	// Reverse dependency order: tear dependents down first.
	var pending []*catalog.Entry
	for i := len(ordered) - 1; i >= 0; i-- {
		if entry, ok := s.snapshot.Get(ordered[i].Name); ok {
			pending = append(pending, entry)
		}
	}

	for len(pending) > 0 {
		var requeue []*catalog.Entry
		blocked := make(map[string][]string)
		progress := false

		for _, entry := range pending {
			err := s.drop(ctx, entry)
			var blockedErr *BlockedByDependentError
			switch {
			case err == nil:
				progress = true
				s.log.Debug("view dropped", "view", entry.Name.Key())
			case errors.As(err, &blockedErr):
				blocked[entry.Name.Key()] = blockedErr.Dependents
				requeue = append(requeue, entry)
			default:
				return err
			}
		}

		if len(requeue) > 0 && !progress {
			return &UnresolvableDependencyError{Blocked: blocked}
		}

		// Drops elsewhere in the pass may have cascaded over a
		// requeued entry; keep only what still exists.
		pending = pending[:0]
		for _, entry := range requeue {
			if s.snapshot.Exists(entry.Name) {
				pending = append(pending, entry)
			}
		}
	}
	return nil
}

// dependencyOrder seeds the backlog: dependencies before their dependents,
// registration order where no constraint applies. A cycle among declared
// dependencies is a configuration error.
func dependencyOrder(registry *view.Registry) ([]*view.Definition, error) {
	defs := registry.All()
	if len(defs) <= 1 {
		return defs, nil
	}

	remaining := make(map[view.Name]*view.Definition, len(defs))
	for _, d := range defs {
		remaining[d.Name] = d
	}

	ordered := make([]*view.Definition, 0, len(defs))
	for len(remaining) > 0 {
		picked := false
		for _, d := range defs {
			if _, pending := remaining[d.Name]; !pending {
				continue
			}
			ready := true
			for _, dep := range registry.DependenciesOf(d) {
				if _, pendingDep := remaining[dep.Name]; pendingDep {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, d)
				delete(remaining, d.Name)
				picked = true
			}
		}
		if !picked {
			var stuck []string
			for _, d := range defs {
				if _, pending := remaining[d.Name]; pending {
					stuck = append(stuck, d.Name.Key())
				}
			}
			return nil, fmt.Errorf("dependency cycle among view definitions: %s", strings.Join(stuck, ", "))
		}
	}
	return ordered, nil
}

// settlePass derives the next queue from one pass's attempts.
func settlePass(attempts []Attempt) (requeue []*view.Definition, blocked map[string][]string, progress bool) {
	blocked = make(map[string][]string)
	for _, a := range attempts {
		switch a.Outcome {
		case OutcomeSucceeded:
			progress = true
		case OutcomeBlocked:
			requeue = append(requeue, a.Definition)
			blocked[a.Definition.Name.Key()] = a.BlockedBy
		}
	}
	return requeue, blocked, progress
}

func blockedDefinitions(attempts []Attempt) []*view.Definition {
	var defs []*view.Definition
	for _, a := range attempts {
		if a.Outcome == OutcomeBlocked {
			defs = append(defs, a.Definition)
		}
	}
	return defs
}

func remainingNames(rest, requeued []*view.Definition) []string {
	var names []string
	for _, d := range requeued {
		names = append(names, d.Name.Key())
	}
	for _, d := range rest {
		names = append(names, d.Name.Key())
	}
	return names
}
