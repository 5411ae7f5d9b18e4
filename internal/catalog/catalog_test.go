package catalog

import (
	"testing"

	"github.com/pgviews/pgviews/internal/view"
)

func TestSnapshotOperations(t *testing.T) {
	a := &Entry{Name: view.Name{Schema: "public", Object: "a"}, Definition: "SELECT 1"}
	b := &Entry{Name: view.Name{Schema: "public", Object: "b"}, Materialized: true}

	snap := NewSnapshot(a, b)
	if snap.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", snap.Len())
	}

	got, ok := snap.Get(a.Name)
	if !ok || got != a {
		t.Error("Get should return the stored entry")
	}
	if !snap.Exists(b.Name) {
		t.Error("b should exist")
	}

	text, ok := snap.DefinitionText(a.Name)
	if !ok || text != "SELECT 1" {
		t.Errorf("unexpected definition text: %q, %t", text, ok)
	}
	if _, ok := snap.DefinitionText(b.Name); ok {
		t.Error("empty definition should report as unobtainable")
	}

	// Put replaces in place.
	snap.Put(&Entry{Name: a.Name, Definition: "SELECT 2"})
	if text, _ := snap.DefinitionText(a.Name); text != "SELECT 2" {
		t.Errorf("expected replaced definition, got %q", text)
	}

	snap.Delete(a.Name)
	if snap.Exists(a.Name) {
		t.Error("a should be gone after Delete")
	}
	if snap.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", snap.Len())
	}
}

func TestReaderResolve(t *testing.T) {
	r := NewReader(nil, "tenant")
	if got := r.Resolve(view.ParseName("totals")); got.Key() != "tenant.totals" {
		t.Errorf("expected tenant.totals, got %s", got.Key())
	}
	if got := r.Resolve(view.ParseName("reporting.totals")); got.Key() != "reporting.totals" {
		t.Errorf("qualified names must not be rewritten, got %s", got.Key())
	}
}
