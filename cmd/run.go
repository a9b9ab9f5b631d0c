package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nethalo/sologate/internal/gateway"
	"github.com/nethalo/sologate/internal/output"
	"github.com/nethalo/sologate/internal/query"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one query through the gateway pipeline",
	Long: `Runs a single request through validation, cost estimation, admission,
the result cache and the warehouse.

The request is a JSON query spec read from --spec (use "-" for stdin), or a
raw read-only SQL statement passed with --sql. Raw SQL is sanitized, bounded
with a LIMIT and screened before it reaches the warehouse.`,
	Example: `  sologate run --spec query.json
  echo '{"table":"transactions","filters":{"protocols":["orca"]}}' | sologate run --spec -
  sologate run --sql "SELECT count() FROM transactions" -f json
  sologate run --check`,
	RunE: runRun,
}

var (
	runSpecPath string
	runSQL      string
	runIdentity string
	runTier     string
	runAfter    string
	runCheck    bool
)

func init() {
	runCmd.Flags().StringVar(&runSpecPath, "spec", "", "Path to a JSON query spec, or - for stdin")
	runCmd.Flags().StringVar(&runSQL, "sql", "", "Raw read-only SQL (validated passthrough)")
	runCmd.Flags().StringVar(&runIdentity, "identity", "cli", "Identity charged by the rate limiter")
	runCmd.Flags().StringVar(&runTier, "tier", "free", "Plan tier: free, x402, enterprise")
	runCmd.Flags().StringVar(&runAfter, "after", "", "Resume after this cursor")
	runCmd.Flags().BoolVar(&runCheck, "check", false, "Only probe warehouse and store health")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	renderer := output.NewRenderer(viper.GetString("format"), os.Stdout)

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if runCheck {
		if err := a.pool.Ping(ctx); err != nil {
			return err
		}
		if err := a.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		fmt.Fprintln(os.Stdout, "warehouse and store reachable")
		return nil
	}

	req := gateway.Request{Identity: runIdentity, Tier: runTier}

	if runSQL != "" {
		rows, err := a.gateway.ExecuteSQL(ctx, req, runSQL)
		if err != nil {
			renderer.RenderError(err)
			return errSilent
		}
		renderer.RenderRows(rows)
		return nil
	}

	spec, err := loadSpec(runSpecPath)
	if err != nil {
		return err
	}
	if runAfter != "" {
		if spec.Pagination == nil {
			spec.Pagination = &query.Pagination{}
		}
		spec.Pagination.After = runAfter
	}
	req.Spec = spec

	res, err := a.gateway.Execute(ctx, req)
	if err != nil {
		renderer.RenderError(err)
		return errSilent
	}
	renderer.RenderConnection(res)
	return nil
}

// loadSpec reads and parses a query spec from a file or stdin.
func loadSpec(path string) (*query.Spec, error) {
	if path == "" {
		return nil, fmt.Errorf("either --spec or --sql is required")
	}
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading query spec: %w", err)
	}
	spec := &query.Spec{}
	if err := json.Unmarshal(raw, spec); err != nil {
		return nil, fmt.Errorf("parsing query spec: %w", err)
	}
	return spec, nil
}
