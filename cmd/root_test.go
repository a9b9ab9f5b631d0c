package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestInitConfig_FileNotFound(t *testing.T) {
	origHome := os.Getenv("HOME")
	defer os.Setenv("HOME", origHome)

	// HOME with no config file present
	os.Setenv("HOME", t.TempDir())

	viper.Reset()
	cfgFile = ""

	initConfig()

	// Defaults must survive a missing config file.
	if got := viper.GetString("clickhouse.addr"); got != "127.0.0.1:9000" {
		t.Errorf("clickhouse.addr = %q, want default", got)
	}
	if got := viper.GetInt("export.chunkSize"); got != 50000 {
		t.Errorf("export.chunkSize = %d, want 50000", got)
	}
}

func TestInitConfig_WithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `clickhouse:
  addr: warehouse:9000
  database: solana_test
redis:
  addr: redis:6379
rateLimit:
  profile: cost
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	viper.Reset()
	cfgFile = configPath

	initConfig()

	if got := viper.GetString("clickhouse.addr"); got != "warehouse:9000" {
		t.Errorf("clickhouse.addr = %q, want warehouse:9000", got)
	}
	if got := viper.GetString("rateLimit.profile"); got != "cost" {
		t.Errorf("rateLimit.profile = %q, want cost", got)
	}
	// Unset keys keep their defaults.
	if got := viper.GetInt("pool.max"); got != 200 {
		t.Errorf("pool.max = %d, want default 200", got)
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ClickHouse.Database != "solana_test" {
		t.Errorf("database = %q, want solana_test", cfg.ClickHouse.Database)
	}
	if cfg.RateLimit.Profile != "cost" {
		t.Errorf("profile = %q, want cost", cfg.RateLimit.Profile)
	}
}

func TestInitConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidYAML := `clickhouse:
  addr: warehouse:9000
	bad indentation
`
	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	viper.Reset()
	cfgFile = configPath

	// Must not panic; defaults stay intact.
	initConfig()

	if got := viper.GetString("clickhouse.addr"); got == "warehouse:9000" {
		t.Error("invalid YAML should not have been parsed successfully")
	}
}

func TestLoadConfig_RejectsBadProfile(t *testing.T) {
	viper.Reset()
	cfgFile = ""
	initConfig()
	viper.Set("rateLimit.profile", "bursty")

	if _, err := loadConfig(); err == nil {
		t.Error("expected an error for an unknown rate limit profile")
	}
}

func TestRootCommand_Structure(t *testing.T) {
	if rootCmd == nil {
		t.Fatal("rootCmd should not be nil")
	}
	if rootCmd.Use != "sologate" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "sologate")
	}

	for _, want := range []string{"serve", "run", "export", "config", "version"} {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Name() == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %q not registered with root", want)
		}
	}
}
