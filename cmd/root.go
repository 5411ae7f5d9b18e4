package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/pgviews/pgviews/cmd/clear"
	"github.com/pgviews/pgviews/cmd/refresh"
	"github.com/pgviews/pgviews/cmd/sync"
	"github.com/pgviews/pgviews/internal/logger"
	"github.com/pgviews/pgviews/internal/version"
)

var Debug bool

// Build-time variables set via ldflags
var (
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var RootCmd = &cobra.Command{
	Use:   "pgviews",
	Short: "PostgreSQL view synchronization tool",
	Long: fmt.Sprintf(`pgviews keeps the views and materialized views of a PostgreSQL
database in sync with a declared set of definitions.

Version: %s@%s %s %s

Commands:
  sync     Create or update declared views
  clear    Drop every declared view
  refresh  Refresh materialized views

Use "pgviews [command] --help" for more information about a command.`,
		version.Version(), GitCommit, platform(), BuildDate),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger()
	},
}

func init() {
	RootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "Enable debug logging")
	RootCmd.AddCommand(sync.SyncCmd)
	RootCmd.AddCommand(clear.ClearCmd)
	RootCmd.AddCommand(refresh.RefreshCmd)
	RootCmd.AddCommand(VersionCmd)
}

func setupLogger() {
	level := slog.LevelInfo
	if Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	logger.SetGlobal(slog.New(handler))
}

// platform returns the OS/architecture combination
func platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
