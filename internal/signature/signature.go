// Package signature computes stable fingerprints of view definitions, used
// to decide whether a desired definition differs from what the database
// stores. Both sides are normalized identically before hashing so that
// whitespace, keyword case and the server's column requalification do not
// register as changes.
package signature

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"

	"github.com/pgviews/pgviews/internal/pgast"
)

// Signature is an opaque fixed-length token identifying a definition's
// effective SQL.
type Signature string

// Compute fingerprints a view's effective definition: its SELECT body, the
// materialized flag and its index statements. Index definitions are sorted
// canonically before hashing so reordering declarations does not force a
// rebuild.
func Compute(sql string, materialized bool, indexDefs []string) Signature {
	parts := []string{
		NormalizeSQL(sql),
		fmt.Sprintf("materialized=%t", materialized),
	}

	indexes := make([]string, 0, len(indexDefs))
	for _, def := range indexDefs {
		indexes = append(indexes, normalizeIndex(def))
	}
	sort.Strings(indexes)
	parts = append(parts, indexes...)

	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return Signature(fmt.Sprintf("%x", hash))
}

// NormalizeSQL canonicalizes a SELECT body for comparison. Statements that
// parse are deparsed back to canonical text, which fixes keyword case,
// whitespace and parenthesization. Column references qualified with the
// statement's single source relation lose that prefix, matching how the
// server renders stored definitions; all other qualifiers are kept.
// Unparseable input falls back to literal whitespace/case folding.
func NormalizeSQL(sql string) string {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	result, err := pg_query.Parse(sql)
	if err != nil || len(result.Stmts) != 1 {
		return collapse(sql)
	}
	stripColumnQualifiers(result)
	deparsed, err := pg_query.Deparse(result)
	if err != nil {
		return collapse(sql)
	}

	canonical := strings.Join(strings.Fields(deparsed), " ")
	return strings.TrimSuffix(canonical, ";")
}

func collapse(sql string) string {
	return strings.ToLower(strings.Join(strings.Fields(sql), " "))
}

// normalizeIndex canonicalizes a CREATE INDEX statement into its structural
// parts. The server's pg_indexes text differs from hand-written statements
// (USING btree is spelled out, columns are requalified), so the comparison
// works on parsed fields rather than statement text.
func normalizeIndex(def string) string {
	result, err := pg_query.Parse(strings.TrimSuffix(strings.TrimSpace(def), ";"))
	if err != nil || len(result.Stmts) != 1 {
		return collapse(def)
	}
	stmt := result.Stmts[0].Stmt.GetIndexStmt()
	if stmt == nil {
		return collapse(def)
	}

	method := stmt.AccessMethod
	if method == "" {
		method = "btree"
	}

	var cols []string
	for _, param := range stmt.IndexParams {
		elem := param.GetIndexElem()
		if elem == nil {
			continue
		}
		if elem.Name != "" {
			cols = append(cols, elem.Name)
			continue
		}
		if elem.Expr != nil {
			cols = append(cols, deparseExpr(elem.Expr))
		}
	}

	return fmt.Sprintf("index name=%s unique=%t method=%s relation=%s columns=(%s)",
		stmt.Idxname, stmt.Unique, method, stmt.Relation.Relname, strings.Join(cols, ","))
}

// deparseExpr renders an expression node via a throwaway SELECT, the only
// form pg_query can deparse in isolation.
func deparseExpr(expr *pg_query.Node) string {
	tempSelect := &pg_query.SelectStmt{
		TargetList: []*pg_query.Node{{
			Node: &pg_query.Node_ResTarget{
				ResTarget: &pg_query.ResTarget{Val: expr},
			},
		}},
	}
	tempResult := &pg_query.ParseResult{
		Stmts: []*pg_query.RawStmt{{
			Stmt: &pg_query.Node{
				Node: &pg_query.Node_SelectStmt{SelectStmt: tempSelect},
			},
		}},
	}

	deparsed, err := pg_query.Deparse(tempResult)
	if err != nil {
		return ""
	}
	if rest, found := strings.CutPrefix(deparsed, "SELECT "); found {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(deparsed)
}

// stripColumnQualifiers drops the relation part of column references when
// the statement reads from exactly one relation. pg_get_viewdef omits the
// qualifier for single-relation queries and prints it when several relations
// are in scope, so only in the single-relation case is qualification pure
// presentation; with several relations the qualifier decides which relation
// a column comes from and stays verbatim on both sides of the comparison.
func stripColumnQualifiers(result *pg_query.ParseResult) {
	visible := make(map[string]bool)
	pgast.Walk(result, func(msg proto.Message) {
		switch node := msg.(type) {
		case *pg_query.RangeVar:
			if node.Alias != nil && node.Alias.Aliasname != "" {
				visible[node.Alias.Aliasname] = true
			} else if node.Relname != "" {
				visible[node.Relname] = true
			}
		case *pg_query.RangeSubselect:
			if node.Alias != nil && node.Alias.Aliasname != "" {
				visible[node.Alias.Aliasname] = true
			}
		case *pg_query.RangeFunction:
			if node.Alias != nil && node.Alias.Aliasname != "" {
				visible[node.Alias.Aliasname] = true
			}
		case *pg_query.CommonTableExpr:
			if node.Ctename != "" {
				visible[node.Ctename] = true
			}
		}
	})
	if len(visible) != 1 {
		return
	}

	pgast.Walk(result, func(msg proto.Message) {
		ref, ok := msg.(*pg_query.ColumnRef)
		if !ok || len(ref.Fields) < 2 {
			return
		}
		rel := ref.Fields[len(ref.Fields)-2].GetString_()
		if rel == nil || !visible[rel.Sval] {
			return
		}
		ref.Fields = ref.Fields[len(ref.Fields)-1:]
	})
}
