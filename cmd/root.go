package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"agentbroker/internal/broker"
)

// Exit codes for CLI commands. These provide semantic results for scripting
// and supervisors.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeConfig indicates invalid or incomplete configuration.
	ExitCodeConfig = 2
	// ExitCodeAuthFailed indicates the broker could not authenticate with
	// the identity provider.
	ExitCodeAuthFailed = 3
)

// rootCmd is the base command for the agentbroker daemon.
var rootCmd = &cobra.Command{
	Use:   "agentbroker",
	Short: "Delegated-authorization token broker for AI agents",
	Long: `agentbroker acquires, caches and refreshes OAuth2 tokens on behalf of an
autonomous agent. It runs the consent round trip for delegated tokens,
attaches the agent's own identity as the acting party, and hands tokens to
local consumers over a small HTTP API.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits with a semantic code on failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "agentbroker version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error types onto exit codes.
func getExitCode(err error) int {
	var cfgErr *broker.ConfigurationError
	if errors.As(err, &cfgErr) {
		return ExitCodeConfig
	}
	var authErr *broker.AgentAuthenticationError
	if errors.As(err, &authErr) {
		return ExitCodeAuthFailed
	}
	return ExitCodeError
}
