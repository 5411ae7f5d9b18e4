package clear

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	syncCmd "github.com/pgviews/pgviews/cmd/sync"
)

var (
	clearHost            string
	clearPort            int
	clearDB              string
	clearUser            string
	clearPassword        string
	clearSchema          string
	clearFile            string
	clearApplicationName string
)

var ClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every declared view from a database",
	Long:  "Drop each view declared in --file from the database, dependents before their dependencies. Views not declared in the file are left untouched.",
	RunE:  runClear,
}

func init() {
	ClearCmd.Flags().StringVar(&clearHost, "host", "localhost", "Database server host")
	ClearCmd.Flags().IntVar(&clearPort, "port", 5432, "Database server port")
	ClearCmd.Flags().StringVar(&clearDB, "db", "", "Database name (required)")
	ClearCmd.Flags().StringVar(&clearUser, "user", "", "Database user name (required)")
	ClearCmd.Flags().StringVar(&clearPassword, "password", "", "Database password (optional)")
	ClearCmd.Flags().StringVar(&clearSchema, "schema", "public", "Schema unqualified view names resolve against")
	ClearCmd.Flags().StringVar(&clearFile, "file", "", "Path to view definitions SQL file (required)")
	ClearCmd.Flags().StringVar(&clearApplicationName, "application-name", "pgviews", "Application name for database connection (visible in pg_stat_activity)")

	ClearCmd.MarkFlagRequired("db")
	ClearCmd.MarkFlagRequired("user")
	ClearCmd.MarkFlagRequired("file")
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, err := syncCmd.BuildEngine(ctx, &syncCmd.EngineConfig{
		Host:            clearHost,
		Port:            clearPort,
		DB:              clearDB,
		User:            clearUser,
		Password:        clearPassword,
		Schema:          clearSchema,
		File:            clearFile,
		ApplicationName: clearApplicationName,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	existing := 0
	for _, d := range engine.Registry.All() {
		if engine.Snapshot.Exists(d.Name) {
			existing++
		}
	}

	if err := engine.Syncer.Clear(ctx); err != nil {
		return err
	}

	fmt.Printf("Dropped %d views.\n", existing)
	return nil
}
