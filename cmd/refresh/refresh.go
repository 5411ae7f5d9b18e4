package refresh

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	syncCmd "github.com/pgviews/pgviews/cmd/sync"
	"github.com/pgviews/pgviews/internal/syncer"
	"github.com/pgviews/pgviews/internal/view"
)

var (
	refreshHost            string
	refreshPort            int
	refreshDB              string
	refreshUser            string
	refreshPassword        string
	refreshSchema          string
	refreshFile            string
	refreshApplicationName string
	refreshConcurrently    bool
)

var RefreshCmd = &cobra.Command{
	Use:   "refresh [view]",
	Short: "Refresh materialized views",
	Long:  "Refresh the named materialized view, or every declared materialized view when no name is given. --concurrently keeps the view readable during the refresh and requires a unique index.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRefresh,
}

func init() {
	RefreshCmd.Flags().StringVar(&refreshHost, "host", "localhost", "Database server host")
	RefreshCmd.Flags().IntVar(&refreshPort, "port", 5432, "Database server port")
	RefreshCmd.Flags().StringVar(&refreshDB, "db", "", "Database name (required)")
	RefreshCmd.Flags().StringVar(&refreshUser, "user", "", "Database user name (required)")
	RefreshCmd.Flags().StringVar(&refreshPassword, "password", "", "Database password (optional)")
	RefreshCmd.Flags().StringVar(&refreshSchema, "schema", "public", "Schema unqualified view names resolve against")
	RefreshCmd.Flags().StringVar(&refreshFile, "file", "", "Path to view definitions SQL file (required)")
	RefreshCmd.Flags().BoolVar(&refreshConcurrently, "concurrently", false, "Refresh without locking out concurrent readers")
	RefreshCmd.Flags().StringVar(&refreshApplicationName, "application-name", "pgviews", "Application name for database connection (visible in pg_stat_activity)")

	RefreshCmd.MarkFlagRequired("db")
	RefreshCmd.MarkFlagRequired("user")
	RefreshCmd.MarkFlagRequired("file")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, err := syncCmd.BuildEngine(ctx, &syncCmd.EngineConfig{
		Host:            refreshHost,
		Port:            refreshPort,
		DB:              refreshDB,
		User:            refreshUser,
		Password:        refreshPassword,
		Schema:          refreshSchema,
		File:            refreshFile,
		ApplicationName: refreshApplicationName,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	var targets []*view.Definition
	if len(args) == 1 {
		name := engine.Reader.Resolve(view.ParseName(args[0]))
		d, ok := engine.Registry.Get(name)
		if !ok {
			return fmt.Errorf("view %s is not declared in %s", name.Key(), refreshFile)
		}
		targets = append(targets, d)
	} else {
		for _, d := range engine.Registry.All() {
			if d.Materialized {
				targets = append(targets, d)
			}
		}
	}

	refresher := syncer.NewRefresher(engine.Executor)
	for _, d := range targets {
		if err := refresher.Refresh(ctx, d, refreshConcurrently); err != nil {
			return err
		}
	}

	fmt.Printf("Refreshed %d materialized views.\n", len(targets))
	return nil
}
