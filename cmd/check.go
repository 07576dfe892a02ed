package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"agentbroker/internal/broker"
	"agentbroker/internal/config"
)

var checkConfigPath string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration without starting the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		cfg, err := config.LoadConfig(checkConfigPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return &broker.ConfigurationError{Reason: err.Error()}
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Configuration OK")
		fmt.Fprintf(cmd.OutOrStdout(), "  identity provider: %s\n", cfg.IdP.BaseURL)
		if cfg.Agent.Configured() {
			fmt.Fprintf(cmd.OutOrStdout(), "  agent identity:    %s\n", cfg.Agent.ID)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "  agent identity:    not configured")
		}
		if cfg.Downstream.Enabled {
			fmt.Fprintf(cmd.OutOrStdout(), "  downstream:        %s\n", cfg.Downstream.TokenEndpoint)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVar(&checkConfigPath, "config", "config.yaml", "Path to the configuration file")
}
