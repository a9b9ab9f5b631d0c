package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const versionTemplate = `sologate {{.Version}}

Warehouse support:
  • ClickHouse 23.8 LTS and newer (native protocol)
  • Tables: transactions, failed_transactions

Shared store: Redis 6.2 and newer.
`

// Version is set at build time via ldflags
var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print sologate version and supported warehouse versions",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sologate %s (commit: %s, built: %s)\n\n", Version, CommitSHA, BuildDate)
		fmt.Fprintln(out, "Warehouse support:")
		fmt.Fprintln(out, "  • ClickHouse 23.8 LTS and newer (native protocol)")
		fmt.Fprintln(out, "  • Tables: transactions, failed_transactions")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Shared store: Redis 6.2 and newer.")
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	// Enable the standard --version flag, matching the `version` subcommand output.
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, CommitSHA, BuildDate)
	rootCmd.SetVersionTemplate(versionTemplate)
}
