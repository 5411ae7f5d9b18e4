package sync

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgviews/pgviews/cmd/util"
	"github.com/pgviews/pgviews/internal/catalog"
	"github.com/pgviews/pgviews/internal/logger"
	"github.com/pgviews/pgviews/internal/syncer"
	"github.com/pgviews/pgviews/internal/view"
)

var (
	syncHost            string
	syncPort            int
	syncDB              string
	syncUser            string
	syncPassword        string
	syncSchema          string
	syncFile            string
	syncApplicationName string
	syncNoUpdate        bool
	syncForce           bool
)

var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Create or update declared views in a database",
	Long:  "Converge the database to the view definitions declared in --file. New views are created; existing views whose definition drifted are dropped and recreated unless --no-update is given.",
	RunE:  runSync,
}

func init() {
	// Target database connection flags
	SyncCmd.Flags().StringVar(&syncHost, "host", "localhost", "Database server host")
	SyncCmd.Flags().IntVar(&syncPort, "port", 5432, "Database server port")
	SyncCmd.Flags().StringVar(&syncDB, "db", "", "Database name (required)")
	SyncCmd.Flags().StringVar(&syncUser, "user", "", "Database user name (required)")
	SyncCmd.Flags().StringVar(&syncPassword, "password", "", "Database password (optional)")
	SyncCmd.Flags().StringVar(&syncSchema, "schema", "public", "Schema unqualified view names resolve against")

	// Definitions file flag
	SyncCmd.Flags().StringVar(&syncFile, "file", "", "Path to view definitions SQL file (required)")

	// Sync behavior flags
	SyncCmd.Flags().BoolVar(&syncNoUpdate, "no-update", false, "Don't update existing views, only create new ones")
	SyncCmd.Flags().BoolVar(&syncForce, "force", false, "Drop and recreate every view regardless of change detection")
	SyncCmd.Flags().StringVar(&syncApplicationName, "application-name", "pgviews", "Application name for database connection (visible in pg_stat_activity)")

	SyncCmd.MarkFlagRequired("db")
	SyncCmd.MarkFlagRequired("user")
	SyncCmd.MarkFlagRequired("file")
}

// EngineConfig collects everything needed to wire a sync engine against one
// database. Shared by the sync, clear and refresh commands.
type EngineConfig struct {
	Host            string
	Port            int
	DB              string
	User            string
	Password        string
	Schema          string
	File            string
	ApplicationName string
}

// Engine bundles the wired components of one run.
type Engine struct {
	Registry *view.Registry
	Reader   *catalog.Reader
	Snapshot *catalog.Snapshot
	Executor syncer.Executor
	Bus      *syncer.Bus
	Syncer   *syncer.Syncer

	conn *sql.DB
}

// Close releases the database connection.
func (e *Engine) Close() error {
	return e.conn.Close()
}

// BuildEngine parses the definitions file, connects, snapshots the catalog
// and wires the syncer.
func BuildEngine(ctx context.Context, config *EngineConfig) (*Engine, error) {
	content, err := os.ReadFile(config.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}

	defs, err := view.NewParser(config.Schema).ParseSQL(string(content))
	if err != nil {
		return nil, err
	}

	registry := view.NewRegistry()
	if err := registry.Register(defs...); err != nil {
		return nil, err
	}

	conn, err := util.Connect(&util.ConnectionConfig{
		Host:            config.Host,
		Port:            config.Port,
		Database:        config.DB,
		User:            config.User,
		Password:        config.Password,
		SSLMode:         "prefer",
		ApplicationName: config.ApplicationName,
	})
	if err != nil {
		return nil, err
	}

	reader := catalog.NewReader(conn, config.Schema)
	if config.Schema != "public" {
		// Tenant-schema context: unqualified references inside view
		// bodies must resolve against the target schema.
		if err := reader.SetSearchPath(ctx, config.Schema, "public"); err != nil {
			conn.Close()
			return nil, err
		}
	}

	snapshot, err := reader.Snapshot(ctx, definitionSchemas(defs, config.Schema))
	if err != nil {
		conn.Close()
		return nil, err
	}

	bus := syncer.NewBus()
	executor := &syncer.DBExecutor{DB: conn}
	engine := &Engine{
		Registry: registry,
		Reader:   reader,
		Snapshot: snapshot,
		Executor: executor,
		Bus:      bus,
		Syncer: syncer.New(syncer.Config{
			Registry:   registry,
			Snapshot:   snapshot,
			Executor:   executor,
			Bus:        bus,
			Dependents: reader.Dependents,
		}),
		conn: conn,
	}
	return engine, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, err := BuildEngine(ctx, &EngineConfig{
		Host:            syncHost,
		Port:            syncPort,
		DB:              syncDB,
		User:            syncUser,
		Password:        syncPassword,
		Schema:          syncSchema,
		File:            syncFile,
		ApplicationName: syncApplicationName,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	log := logger.Get()
	totals := &runTotals{}
	engine.Bus.OnViewSynced(func(ev syncer.Event) {
		totals.record(ev)
		log.Info("view synced",
			"view", ev.Definition.Name.Key(),
			"status", string(ev.Status),
			"has_changed", ev.HasChanged,
		)
	})
	engine.Bus.OnAllSynced(func() {
		log.Info("all views synced")
	})

	if err := engine.Syncer.Run(ctx, !syncNoUpdate, syncForce); err != nil {
		return err
	}

	fmt.Println(totals.summary(engine.Registry.Len()))
	return nil
}

// runTotals tallies per-view outcomes for the end-of-run summary. Drift
// found under --no-update is reported, not updated, and is counted apart
// from views that actually got DDL.
type runTotals struct {
	created   int
	updated   int
	outOfDate int
	unchanged int
}

func (t *runTotals) record(ev syncer.Event) {
	switch {
	case ev.Status == syncer.StatusCreated:
		t.created++
	case !ev.HasChanged:
		t.unchanged++
	case ev.Update:
		t.updated++
	default:
		t.outOfDate++
	}
}

func (t *runTotals) summary(total int) string {
	if t.outOfDate > 0 {
		return fmt.Sprintf("Synced %d views: %d created, %d updated, %d out of date (not updated), %d unchanged.",
			total, t.created, t.updated, t.outOfDate, t.unchanged)
	}
	return fmt.Sprintf("Synced %d views: %d created, %d updated, %d unchanged.",
		total, t.created, t.updated, t.unchanged)
}

// definitionSchemas returns the distinct schemas the definitions live in,
// always including the default.
func definitionSchemas(defs []*view.Definition, defaultSchema string) []string {
	seen := map[string]bool{defaultSchema: true}
	schemas := []string{defaultSchema}
	for _, d := range defs {
		if !seen[d.Name.Schema] {
			seen[d.Name.Schema] = true
			schemas = append(schemas, d.Name.Schema)
		}
	}
	return schemas
}
