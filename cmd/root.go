package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/nethalo/sologate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sologate",
	Short: "Read-only analytics gateway for a Solana transaction warehouse",
	Long: `sologate fronts a ClickHouse transaction warehouse with a safe,
cached, cost-aware query layer.

Requests are typed specs, never raw SQL: the gateway validates them,
predicts their cost, admits them against per-plan rate limits, compiles
them to parameterized ClickHouse queries and pages the results with
opaque cursors. Large result sets run as background export jobs that
materialize compressed files.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// errSilent signals a failure that the renderer already reported.
var errSilent = errors.New("request failed")

// Execute is called by main.main(). It adds all child commands to the root
// command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sologate/config.yaml)")
	rootCmd.PersistentFlags().String("clickhouse-addr", "", "ClickHouse native protocol address")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address for the shared cache and queues")
	rootCmd.PersistentFlags().StringP("format", "f", "text", "Output format: text, plain, json")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show debug logs")

	// Bind flags to viper
	viper.BindPFlag("clickhouse.addr", rootCmd.PersistentFlags().Lookup("clickhouse-addr"))
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("format", rootCmd.PersistentFlags().Lookup("format"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		viper.AddConfigPath(home + "/.sologate")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SOLOGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Missing config file is fine; defaults, env and flags cover everything.
	_ = viper.ReadInConfig()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
