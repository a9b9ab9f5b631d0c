package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage sologate configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		configDir := filepath.Join(home, ".sologate")
		configPath := filepath.Join(configDir, "config.yaml")

		reader := bufio.NewReader(os.Stdin)

		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Config file already exists at %s\n", configPath)
			fmt.Print("Overwrite? [y/N]: ")
			answer, _ := reader.ReadString('\n')
			if strings.TrimSpace(strings.ToLower(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if err := os.MkdirAll(configDir, 0700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		fmt.Println("sologate configuration setup")
		fmt.Println("────────────────────────────")
		fmt.Println()

		chAddr := prompt(reader, "ClickHouse address", "127.0.0.1:9000")
		chDatabase := prompt(reader, "ClickHouse database", "solana")
		chUser := prompt(reader, "ClickHouse user", "default")

		fmt.Print("ClickHouse password (leave empty for none): ")
		password, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}

		redisAddr := prompt(reader, "Redis address", "127.0.0.1:6379")
		exportDir := prompt(reader, "Export directory", "/var/lib/sologate/exports")
		format := prompt(reader, "Default output format", "text")

		var config strings.Builder
		config.WriteString("# sologate configuration\n\n")

		config.WriteString("clickhouse:\n")
		config.WriteString(fmt.Sprintf("  addr: %s\n", chAddr))
		config.WriteString(fmt.Sprintf("  database: %s\n", chDatabase))
		config.WriteString(fmt.Sprintf("  username: %s\n", chUser))
		if len(password) > 0 {
			config.WriteString(fmt.Sprintf("  password: %s\n", string(password)))
		}

		config.WriteString("\nredis:\n")
		config.WriteString(fmt.Sprintf("  addr: %s\n", redisAddr))

		config.WriteString("\nexport:\n")
		config.WriteString(fmt.Sprintf("  dir: %s\n", exportDir))

		config.WriteString(fmt.Sprintf("\nformat: %s\n", format))

		if err := os.WriteFile(configPath, []byte(config.String()), 0600); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("\n✅ Config written to %s\n", configPath)

		fmt.Println("\nRecommended: create a read-only ClickHouse user for sologate:")
		fmt.Println()
		fmt.Printf("  CREATE USER %s IDENTIFIED BY '<password>';\n", chUser)
		fmt.Printf("  GRANT SELECT ON %s.* TO %s;\n", chDatabase, chUser)
		fmt.Println()

		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile := viper.ConfigFileUsed()
		if configFile == "" {
			fmt.Println("No config file found.")
			fmt.Println("Run 'sologate config init' to create one.")
			return nil
		}

		fmt.Printf("Config file: %s\n\n", configFile)

		data, err := os.ReadFile(configFile)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		fmt.Println(string(data))
		return nil
	},
}

func prompt(reader *bufio.Reader, label, fallback string) string {
	fmt.Printf("%s [%s]: ", label, fallback)
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fallback
	}
	return answer
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
