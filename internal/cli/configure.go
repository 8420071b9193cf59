package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jstrand/hermod/internal/config"
)

var configureForce bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a default configuration file",
	Long: `Write a default configuration file with heartbeat, cron, and queue
settings ready to edit.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("Configuration saved to: %s\n", configPath)
	fmt.Println("You can now start Hermod with: hermod start")

	return nil
}
