package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway workers",
	Long: `Starts the long-running pieces of the gateway: the export workers,
the delayed-job promoter, the cache invalidation ticker and the export
retention reaper. Runs until SIGINT or SIGTERM.`,
	RunE: runServe,
}

var statsInterval time.Duration

func init() {
	serveCmd.Flags().DurationVar(&statsInterval, "stats-interval", time.Minute,
		"How often to log pool and cache statistics")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	// Establish the invalidation baseline before the ticker starts so the
	// first legitimate tail advance triggers a sweep.
	a.invalidator.RunOnce(cmd.Context())
	a.invalidator.Start()
	defer a.invalidator.Stop()

	a.engine.Start()
	defer a.engine.Stop()

	a.reaper.Start()
	defer a.reaper.Stop()

	a.logger.Info().
		Int("exportWorkers", a.cfg.Export.Workers).
		Str("rateLimitProfile", a.cfg.RateLimit.Profile).
		Msg("gateway running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case s := <-sig:
			a.logger.Info().Str("signal", s.String()).Msg("shutting down")
			return nil
		case <-ticker.C:
			logStats(a)
		}
	}
}

func logStats(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.pool.Ping(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("warehouse health check failed")
	}
	cancel()

	ps := a.pool.Stats()
	cs := a.cache.Stats()
	a.logger.Info().
		Uint64("queries", ps.Queries).
		Uint64("queryErrors", ps.Errors).
		Int("connInUse", ps.InUse).
		Bool("healthy", ps.Healthy).
		Uint64("tier1Hits", cs.Tier1Hits).
		Uint64("tier2Hits", cs.Tier2Hits).
		Uint64("misses", cs.Misses).
		Int("tier1Size", cs.Tier1Size).
		Uint64("invalidationRuns", a.invalidator.Runs()).
		Msg("stats")
}
