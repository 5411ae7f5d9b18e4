package view

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"

	"github.com/pgviews/pgviews/internal/pgast"
)

// Parser turns a SQL definitions file into view definitions. The file may
// contain CREATE VIEW, CREATE MATERIALIZED VIEW and CREATE [UNIQUE] INDEX
// statements; indexes attach to the materialized view they are declared on.
type Parser struct {
	defaultSchema string
}

// NewParser creates a parser resolving unqualified names against defaultSchema.
func NewParser(defaultSchema string) *Parser {
	return &Parser{defaultSchema: defaultSchema}
}

// ParseSQL parses the definitions file content into an ordered sequence of
// definitions. Dependencies between the parsed definitions are inferred from
// relation references in each body.
func (p *Parser) ParseSQL(sqlContent string) ([]*Definition, error) {
	statements, err := pg_query.SplitWithParser(sqlContent, true)
	if err != nil {
		return nil, fmt.Errorf("failed to split SQL statements: %w", err)
	}

	var defs []*Definition
	byName := make(map[Name]*Definition)
	refsByName := make(map[Name][]Name)

	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}

		result, err := pg_query.Parse(stmt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse statement %q: %w", abbreviate(stmt), err)
		}
		if len(result.Stmts) == 0 {
			continue
		}

		switch node := result.Stmts[0].Stmt.Node.(type) {
		case *pg_query.Node_ViewStmt:
			d, err := p.parseCreateView(node.ViewStmt)
			if err != nil {
				return nil, err
			}
			if _, taken := byName[d.Name]; taken {
				return nil, &DuplicateNameError{Name: d.Name}
			}
			byName[d.Name] = d
			refsByName[d.Name] = p.relationRefs(node.ViewStmt.Query)
			defs = append(defs, d)
		case *pg_query.Node_CreateTableAsStmt:
			// CREATE MATERIALIZED VIEW parses as CreateTableAsStmt.
			if node.CreateTableAsStmt.Objtype != pg_query.ObjectType_OBJECT_MATVIEW {
				return nil, fmt.Errorf("unsupported statement in definitions file: %q", abbreviate(stmt))
			}
			d, err := p.parseCreateMaterializedView(node.CreateTableAsStmt)
			if err != nil {
				return nil, err
			}
			if _, taken := byName[d.Name]; taken {
				return nil, &DuplicateNameError{Name: d.Name}
			}
			byName[d.Name] = d
			refsByName[d.Name] = p.relationRefs(node.CreateTableAsStmt.Query)
			defs = append(defs, d)
		case *pg_query.Node_IndexStmt:
			if err := p.attachIndex(node.IndexStmt, stmt, byName); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unsupported statement in definitions file: %q", abbreviate(stmt))
		}
	}

	inferDependencies(defs, byName, refsByName)
	return defs, nil
}

func (p *Parser) parseCreateView(viewStmt *pg_query.ViewStmt) (*Definition, error) {
	name := p.relationName(viewStmt.View)
	body, err := deparseQuery(viewStmt.Query)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", name.Key(), err)
	}
	return &Definition{
		Name:  name,
		SQL:   body,
		Owner: name.Key(),
	}, nil
}

func (p *Parser) parseCreateMaterializedView(stmt *pg_query.CreateTableAsStmt) (*Definition, error) {
	name := p.relationName(stmt.Into.Rel)
	body, err := deparseQuery(stmt.Query)
	if err != nil {
		return nil, fmt.Errorf("materialized view %s: %w", name.Key(), err)
	}
	return &Definition{
		Name:         name,
		SQL:          body,
		Materialized: true,
		Owner:        name.Key(),
	}, nil
}

func (p *Parser) attachIndex(indexStmt *pg_query.IndexStmt, stmt string, byName map[Name]*Definition) error {
	target := p.relationName(indexStmt.Relation)
	d, ok := byName[target]
	if !ok {
		return fmt.Errorf("index %s targets %s, which is not declared in this file", indexStmt.Idxname, target.Key())
	}
	if !d.Materialized {
		return fmt.Errorf("index %s targets plain view %s; only materialized views carry indexes", indexStmt.Idxname, target.Key())
	}
	d.Indexes = append(d.Indexes, IndexSpec{
		Name:       indexStmt.Idxname,
		Definition: strings.TrimSpace(stmt),
		Unique:     indexStmt.Unique,
	})
	return nil
}

func (p *Parser) relationName(rangeVar *pg_query.RangeVar) Name {
	n := Name{Schema: rangeVar.Schemaname, Object: rangeVar.Relname}
	return n.Qualified(p.defaultSchema)
}

// deparseQuery renders a parsed query node back to SQL text.
func deparseQuery(query *pg_query.Node) (string, error) {
	if query == nil {
		return "", fmt.Errorf("empty view body")
	}
	result := &pg_query.ParseResult{
		Stmts: []*pg_query.RawStmt{{Stmt: query}},
	}
	body, err := pg_query.Deparse(result)
	if err != nil {
		return "", fmt.Errorf("failed to deparse view body: %w", err)
	}
	return strings.TrimSpace(body), nil
}

// relationRefs returns the relations a view body reads from, excluding
// names bound by the statement's own CTEs.
func (p *Parser) relationRefs(query *pg_query.Node) []Name {
	if query == nil {
		return nil
	}

	ctes := make(map[string]bool)
	pgast.Walk(query, func(msg proto.Message) {
		if cte, ok := msg.(*pg_query.CommonTableExpr); ok {
			ctes[cte.Ctename] = true
		}
	})

	var refs []Name
	seen := make(map[Name]bool)
	pgast.Walk(query, func(msg proto.Message) {
		rv, ok := msg.(*pg_query.RangeVar)
		if !ok || rv.Relname == "" {
			return
		}
		if rv.Schemaname == "" && ctes[rv.Relname] {
			return
		}
		name := Name{Schema: rv.Schemaname, Object: rv.Relname}.Qualified(p.defaultSchema)
		if !seen[name] {
			seen[name] = true
			refs = append(refs, name)
		}
	})
	return refs
}

// inferDependencies records an edge from each definition to every other
// definition its body's FROM clauses actually reference. The database knows
// the real edges; this seeds the initial ordering so most runs need no
// retries.
func inferDependencies(defs []*Definition, byName map[Name]*Definition, refsByName map[Name][]Name) {
	for _, d := range defs {
		for _, ref := range refsByName[d.Name] {
			if other, ok := byName[ref]; ok && other != d {
				d.DependsOn = append(d.DependsOn, ref)
			}
		}
	}
}

func abbreviate(stmt string) string {
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) > 60 {
		return stmt[:60] + "..."
	}
	return stmt
}
