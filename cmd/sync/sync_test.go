package sync

import (
	"testing"

	"github.com/pgviews/pgviews/internal/syncer"
	"github.com/pgviews/pgviews/internal/view"
)

func syncEvent(status syncer.Status, changed, update bool) syncer.Event {
	return syncer.Event{
		Definition: &view.Definition{Name: view.Name{Schema: "public", Object: "v"}},
		Status:     status,
		HasChanged: changed,
		Update:     update,
	}
}

func TestRunTotalsSummary(t *testing.T) {
	totals := &runTotals{}
	totals.record(syncEvent(syncer.StatusCreated, true, true))
	totals.record(syncEvent(syncer.StatusExists, true, true))
	totals.record(syncEvent(syncer.StatusExists, false, true))
	totals.record(syncEvent(syncer.StatusExists, false, true))

	want := "Synced 4 views: 1 created, 1 updated, 2 unchanged."
	if got := totals.summary(4); got != want {
		t.Errorf("unexpected summary:\n got %q\nwant %q", got, want)
	}
}

func TestRunTotalsCountsReportOnlyDriftSeparately(t *testing.T) {
	totals := &runTotals{}
	totals.record(syncEvent(syncer.StatusCreated, true, false))
	totals.record(syncEvent(syncer.StatusExists, true, false)) // drift under --no-update
	totals.record(syncEvent(syncer.StatusExists, false, false))

	if totals.updated != 0 {
		t.Errorf("report-only drift must not count as updated, got %d", totals.updated)
	}
	if totals.outOfDate != 1 {
		t.Errorf("expected 1 out-of-date view, got %d", totals.outOfDate)
	}

	want := "Synced 3 views: 1 created, 0 updated, 1 out of date (not updated), 1 unchanged."
	if got := totals.summary(3); got != want {
		t.Errorf("unexpected summary:\n got %q\nwant %q", got, want)
	}
}
