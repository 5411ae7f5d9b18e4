package syncer_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/pgviews/pgviews/internal/catalog"
	"github.com/pgviews/pgviews/internal/syncer"
	"github.com/pgviews/pgviews/internal/view"
	"github.com/pgviews/pgviews/testutil"
)

const integrationDefs = `
CREATE VIEW active_users AS
SELECT id, username FROM users WHERE active = true;

CREATE VIEW inactive_users AS
SELECT id, username FROM users WHERE active = false;

CREATE VIEW usernames AS
SELECT username FROM users;

CREATE VIEW active_usernames AS
SELECT username FROM active_users;

CREATE VIEW active_username_count AS
SELECT count(*) AS n FROM active_usernames;

CREATE MATERIALIZED VIEW user_total AS
SELECT count(*) AS total FROM users;

CREATE MATERIALIZED VIEW active_user_total AS
SELECT count(*) AS total FROM active_users;

CREATE UNIQUE INDEX active_user_total_total_idx ON active_user_total (total);

CREATE MATERIALIZED VIEW username_list AS
SELECT username FROM users;
`

// countingExecutor wraps the real connection so tests can assert how much
// DDL a run actually issued.
type countingExecutor struct {
	db    *sql.DB
	count int
}

func (e *countingExecutor) Exec(ctx context.Context, stmt string) error {
	e.count++
	_, err := e.db.ExecContext(ctx, stmt)
	return err
}

type testEngine struct {
	registry *view.Registry
	reader   *catalog.Reader
	snapshot *catalog.Snapshot
	exec     *countingExecutor
	bus      *syncer.Bus
	syncer   *syncer.Syncer
}

// newTestEngine parses defsSQL, snapshots the catalog and wires a syncer,
// mirroring what the sync command does.
func newTestEngine(ctx context.Context, t *testing.T, conn *sql.DB, schema, defsSQL string) *testEngine {
	t.Helper()

	defs, err := view.NewParser(schema).ParseSQL(defsSQL)
	if err != nil {
		t.Fatalf("ParseSQL failed: %v", err)
	}
	registry := view.NewRegistry()
	if err := registry.Register(defs...); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	reader := catalog.NewReader(conn, schema)
	snapshot, err := reader.Snapshot(ctx, []string{schema})
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	exec := &countingExecutor{db: conn}
	bus := syncer.NewBus()
	return &testEngine{
		registry: registry,
		reader:   reader,
		snapshot: snapshot,
		exec:     exec,
		bus:      bus,
		syncer: syncer.New(syncer.Config{
			Registry:   registry,
			Snapshot:   snapshot,
			Executor:   exec,
			Bus:        bus,
			Dependents: reader.Dependents,
		}),
	}
}

func createUsersTable(ctx context.Context, t *testing.T, conn *sql.DB, schema string) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE ` + schema + `.users (id serial PRIMARY KEY, username text NOT NULL, active boolean NOT NULL DEFAULT true)`,
		`INSERT INTO ` + schema + `.users (username, active) VALUES ('alice', true), ('bob', false)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("setup statement failed: %v", err)
		}
	}
}

func countCatalogViews(ctx context.Context, t *testing.T, conn *sql.DB, schema string, materialized bool) int {
	t.Helper()
	query := `SELECT count(*) FROM pg_views WHERE schemaname = $1`
	if materialized {
		query = `SELECT count(*) FROM pg_matviews WHERE schemaname = $1`
	}
	var n int
	if err := conn.QueryRowContext(ctx, query, schema).Scan(&n); err != nil {
		t.Fatalf("catalog count failed: %v", err)
	}
	return n
}

func TestSyncIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	ci := testutil.SetupPostgresContainer(ctx, t)
	defer ci.Terminate(ctx, t)

	createUsersTable(ctx, t, ci.Conn, "public")

	engine := newTestEngine(ctx, t, ci.Conn, "public", integrationDefs)
	var statuses []syncer.Status
	engine.bus.OnViewSynced(func(ev syncer.Event) {
		statuses = append(statuses, ev.Status)
	})

	if err := engine.syncer.Run(ctx, true, false); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	if len(statuses) != 8 {
		t.Fatalf("expected 8 events, got %d", len(statuses))
	}
	for _, st := range statuses {
		if st != syncer.StatusCreated {
			t.Errorf("expected CREATED on empty database, got %s", st)
		}
	}
	if got := countCatalogViews(ctx, t, ci.Conn, "public", false); got != 5 {
		t.Errorf("expected 5 plain views, got %d", got)
	}
	if got := countCatalogViews(ctx, t, ci.Conn, "public", true); got != 3 {
		t.Errorf("expected 3 materialized views, got %d", got)
	}

	// A view reading through another view should see live data.
	var n int
	if err := ci.Conn.QueryRowContext(ctx, `SELECT n FROM active_username_count`).Scan(&n); err != nil {
		t.Fatalf("query through stacked views failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 active user, got %d", n)
	}

	t.Run("SecondRunIsIdempotent", func(t *testing.T) {
		engine := newTestEngine(ctx, t, ci.Conn, "public", integrationDefs)
		changed := 0
		engine.bus.OnViewSynced(func(ev syncer.Event) {
			if ev.HasChanged {
				changed++
			}
		})
		if err := engine.syncer.Run(ctx, true, false); err != nil {
			t.Fatalf("second sync failed: %v", err)
		}
		if engine.exec.count != 0 {
			t.Errorf("idempotent run issued %d statements", engine.exec.count)
		}
		if changed != 0 {
			t.Errorf("idempotent run reported %d changed views", changed)
		}
	})

	t.Run("ConvergesManualDrift", func(t *testing.T) {
		_, err := ci.Conn.ExecContext(ctx,
			`CREATE OR REPLACE VIEW usernames AS SELECT username FROM users WHERE active = true`)
		if err != nil {
			t.Fatalf("manual drift failed: %v", err)
		}

		engine := newTestEngine(ctx, t, ci.Conn, "public", integrationDefs)
		if err := engine.syncer.Run(ctx, true, false); err != nil {
			t.Fatalf("drift sync failed: %v", err)
		}
		// One drop, one create.
		if engine.exec.count != 2 {
			t.Errorf("expected 2 statements for one drifted view, got %d", engine.exec.count)
		}

		engine = newTestEngine(ctx, t, ci.Conn, "public", integrationDefs)
		if err := engine.syncer.Run(ctx, true, false); err != nil {
			t.Fatalf("post-drift sync failed: %v", err)
		}
		if engine.exec.count != 0 {
			t.Errorf("database did not converge, %d statements on rerun", engine.exec.count)
		}
	})

	t.Run("ReportOnlyLeavesDriftInPlace", func(t *testing.T) {
		_, err := ci.Conn.ExecContext(ctx,
			`CREATE OR REPLACE VIEW usernames AS SELECT username FROM users WHERE active = true`)
		if err != nil {
			t.Fatalf("manual drift failed: %v", err)
		}

		engine := newTestEngine(ctx, t, ci.Conn, "public", integrationDefs)
		changed := 0
		engine.bus.OnViewSynced(func(ev syncer.Event) {
			if ev.HasChanged {
				changed++
			}
		})
		if err := engine.syncer.Run(ctx, false, false); err != nil {
			t.Fatalf("report-only sync failed: %v", err)
		}
		if engine.exec.count != 0 {
			t.Errorf("report-only run issued %d statements", engine.exec.count)
		}
		if changed != 1 {
			t.Errorf("expected 1 changed view reported, got %d", changed)
		}

		// Repair for the following subtests.
		engine = newTestEngine(ctx, t, ci.Conn, "public", integrationDefs)
		if err := engine.syncer.Run(ctx, true, false); err != nil {
			t.Fatalf("repair sync failed: %v", err)
		}
	})

	t.Run("DependentsQuery", func(t *testing.T) {
		reader := catalog.NewReader(ci.Conn, "public")
		deps, err := reader.Dependents(ctx, view.Name{Schema: "public", Object: "active_users"})
		if err != nil {
			t.Fatalf("Dependents failed: %v", err)
		}
		got := map[string]bool{}
		for _, d := range deps {
			got[d.Key()] = true
		}
		// Direct, transitive and materialized dependents all count.
		for _, want := range []string{"public.active_usernames", "public.active_username_count", "public.active_user_total"} {
			if !got[want] {
				t.Errorf("expected %s among dependents, got %v", want, deps)
			}
		}
	})

	t.Run("ForceRebuildsConvergedViews", func(t *testing.T) {
		engine := newTestEngine(ctx, t, ci.Conn, "public", integrationDefs)
		created := 0
		engine.bus.OnViewSynced(func(ev syncer.Event) {
			if ev.Status == syncer.StatusCreated && ev.HasChanged {
				created++
			}
		})
		if err := engine.syncer.Run(ctx, true, true); err != nil {
			t.Fatalf("force sync failed: %v", err)
		}
		if created != 8 {
			t.Errorf("force should recreate all 8 views, got %d", created)
		}
		if got := countCatalogViews(ctx, t, ci.Conn, "public", false); got != 5 {
			t.Errorf("expected 5 plain views after force, got %d", got)
		}
		var n int
		if err := ci.Conn.QueryRowContext(ctx, `SELECT n FROM active_username_count`).Scan(&n); err != nil {
			t.Fatalf("query after force failed: %v", err)
		}
	})
}

func TestClearIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	ci := testutil.SetupPostgresContainer(ctx, t)
	defer ci.Terminate(ctx, t)

	createUsersTable(ctx, t, ci.Conn, "public")

	engine := newTestEngine(ctx, t, ci.Conn, "public", integrationDefs)
	if err := engine.syncer.Run(ctx, true, false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if err := engine.syncer.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if got := countCatalogViews(ctx, t, ci.Conn, "public", false); got != 0 {
		t.Errorf("expected 0 plain views after clear, got %d", got)
	}
	if got := countCatalogViews(ctx, t, ci.Conn, "public", true); got != 0 {
		t.Errorf("expected 0 materialized views after clear, got %d", got)
	}

	// The base table is not managed and must survive.
	var n int
	if err := ci.Conn.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		t.Fatalf("base table lost: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows in base table, got %d", n)
	}
}

func TestRefreshIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	ci := testutil.SetupPostgresContainer(ctx, t)
	defer ci.Terminate(ctx, t)

	createUsersTable(ctx, t, ci.Conn, "public")

	engine := newTestEngine(ctx, t, ci.Conn, "public", integrationDefs)
	if err := engine.syncer.Run(ctx, true, false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if _, err := ci.Conn.ExecContext(ctx,
		`INSERT INTO users (username, active) VALUES ('carol', true)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var total int
	if err := ci.Conn.QueryRowContext(ctx, `SELECT total FROM user_total`).Scan(&total); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if total != 2 {
		t.Errorf("materialized view should still hold the old count, got %d", total)
	}

	refresher := syncer.NewRefresher(&syncer.DBExecutor{DB: ci.Conn})
	userTotal, _ := engine.registry.Get(view.Name{Schema: "public", Object: "user_total"})
	if err := refresher.Refresh(ctx, userTotal, false); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := ci.Conn.QueryRowContext(ctx, `SELECT total FROM user_total`).Scan(&total); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if total != 3 {
		t.Errorf("expected refreshed count 3, got %d", total)
	}

	// Concurrent refresh needs the unique index the definition declares.
	activeTotal, _ := engine.registry.Get(view.Name{Schema: "public", Object: "active_user_total"})
	if err := refresher.Refresh(ctx, activeTotal, true); err != nil {
		t.Fatalf("concurrent refresh failed: %v", err)
	}
	if err := ci.Conn.QueryRowContext(ctx, `SELECT total FROM active_user_total`).Scan(&total); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 active users after concurrent refresh, got %d", total)
	}
}

func TestTenantSchemaIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	ci := testutil.SetupPostgresContainer(ctx, t)
	defer ci.Terminate(ctx, t)

	if _, err := ci.Conn.ExecContext(ctx, `CREATE SCHEMA tenant`); err != nil {
		t.Fatalf("create schema failed: %v", err)
	}
	createUsersTable(ctx, t, ci.Conn, "tenant")

	reader := catalog.NewReader(ci.Conn, "tenant")
	if err := reader.SetSearchPath(ctx, "tenant", "public"); err != nil {
		t.Fatalf("set search path failed: %v", err)
	}

	engine := newTestEngine(ctx, t, ci.Conn, "tenant", integrationDefs)
	if err := engine.syncer.Run(ctx, true, false); err != nil {
		t.Fatalf("tenant sync failed: %v", err)
	}

	if got := countCatalogViews(ctx, t, ci.Conn, "tenant", false); got != 5 {
		t.Errorf("expected 5 plain views in tenant schema, got %d", got)
	}
	if got := countCatalogViews(ctx, t, ci.Conn, "public", false); got != 0 {
		t.Errorf("tenant sync must not touch public, got %d views", got)
	}

	var n int
	if err := ci.Conn.QueryRowContext(ctx, `SELECT n FROM tenant.active_username_count`).Scan(&n); err != nil {
		t.Fatalf("tenant view query failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 active tenant user, got %d", n)
	}

	// A second run over the tenant schema is idempotent too.
	engine = newTestEngine(ctx, t, ci.Conn, "tenant", integrationDefs)
	if err := engine.syncer.Run(ctx, true, false); err != nil {
		t.Fatalf("tenant rerun failed: %v", err)
	}
	if engine.exec.count != 0 {
		t.Errorf("tenant rerun issued %d statements", engine.exec.count)
	}
}
