// Package view defines the desired state of database views and the
// registry that holds one synchronization run's definitions.
package view

import (
	"fmt"
	"strings"

	"github.com/pgviews/pgviews/internal/util"
)

// Name identifies a database object, optionally schema-qualified.
type Name struct {
	Schema string `json:"schema,omitempty"`
	Object string `json:"object"`
}

// ParseName splits "schema.object" into its parts. A bare object name
// leaves Schema empty so callers can resolve it against a default schema.
func ParseName(s string) Name {
	if idx := strings.LastIndex(s, "."); idx != -1 {
		return Name{Schema: s[:idx], Object: s[idx+1:]}
	}
	return Name{Object: s}
}

// Qualified returns the name with an empty schema replaced by defaultSchema.
func (n Name) Qualified(defaultSchema string) Name {
	if n.Schema == "" {
		n.Schema = defaultSchema
	}
	return n
}

// Key returns the unquoted "schema.object" form used for map keys and
// diagnostics.
func (n Name) Key() string {
	if n.Schema == "" {
		return n.Object
	}
	return n.Schema + "." + n.Object
}

// String returns the quoted SQL form of the name.
func (n Name) String() string {
	if n.Schema == "" {
		return util.QuoteIdentifier(n.Object)
	}
	return util.QualifyName(n.Schema, n.Object)
}

// IndexSpec declares one index on a materialized view. Definition holds the
// full CREATE INDEX statement; Unique permits REFRESH ... CONCURRENTLY.
type IndexSpec struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	Unique     bool   `json:"unique"`
}

// Definition is the desired state of one database view. Definitions are
// constructed once at the start of a run and are read-only thereafter.
type Definition struct {
	Name         Name        `json:"name"`
	SQL          string      `json:"sql"` // the SELECT body
	Materialized bool        `json:"materialized"`
	Indexes      []IndexSpec `json:"indexes,omitempty"`
	DependsOn    []Name      `json:"depends_on,omitempty"`

	// Owner is an opaque identifier of the declaring source, used only
	// for reporting.
	Owner string `json:"owner,omitempty"`
}

// HasUniqueIndex reports whether at least one declared index is unique.
func (d *Definition) HasUniqueIndex() bool {
	for _, idx := range d.Indexes {
		if idx.Unique {
			return true
		}
	}
	return false
}

// IndexDefinitions returns the declared index statements in declaration order.
func (d *Definition) IndexDefinitions() []string {
	defs := make([]string, 0, len(d.Indexes))
	for _, idx := range d.Indexes {
		defs = append(defs, idx.Definition)
	}
	return defs
}

// DuplicateNameError reports two definitions claiming the same qualified name.
type DuplicateNameError struct {
	Name Name
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate view definition for %s", e.Name.Key())
}
