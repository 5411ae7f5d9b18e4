package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgviews/pgviews/internal/version"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  "Display the version number of pgviews",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pgviews v%s@%s %s %s\n", version.Version(), GitCommit, platform(), BuildDate)
	},
}
