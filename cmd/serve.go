package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"agentbroker/internal/broker"
	"agentbroker/internal/config"
	"agentbroker/internal/server"
	"agentbroker/pkg/logging"
)

var (
	serveConfigPath string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the token broker daemon",
	Long: `Starts the broker daemon: it authenticates the configured agent, listens
for authorization callbacks from the identity provider, and serves tokens to
local consumers over the HTTP API.

Configuration is read from the YAML file given with --config (default
config.yaml in the working directory), with secrets overridable from the
environment or a .env file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// Secrets may live in a .env file next to the binary; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(serveConfigPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if serveDebug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return &broker.ConfigurationError{Reason: err.Error()}
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stderr)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	notify := server.NewNotifier(cfg.Notifications)
	b, err := broker.New(ctx, cfg, notify)
	if err != nil {
		return err
	}
	defer b.Stop()

	srv := server.New(cfg.HTTP, b)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logging.Info("Serve", "Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return nil
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config", "config.yaml", "Path to the configuration file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}
