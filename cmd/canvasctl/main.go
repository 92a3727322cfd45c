// Package main provides the canvasctl command-line client.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/canvaspilot/internal/app"
	"github.com/ashureev/canvaspilot/internal/config"
)

var (
	verbose  bool
	jsonOut  bool
	instance *app.App
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd().ExecuteContext(ctx)
	if instance != nil {
		if closeErr := instance.Close(); closeErr != nil {
			slog.Warn("failed to close resources", "error", closeErr)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canvasctl",
		Short: "Edit the shared canvas with the AI assistant",
		Long: `canvasctl drives the canvaspilot assistant from a terminal.

It shares the database of the server, so credentials stored here are
used by the editor and the canvas changes appear in open editor tabs.

Examples:
  canvasctl auth login                  # Sign in with a device code
  canvasctl auth key                    # Store an API key (read from stdin)
  canvasctl chat "add a login form"     # Run one turn against the canvas
  canvasctl canvas show                 # Print the component tree`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(verbose)
			slog.SetDefault(logger)

			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			instance, err = app.New(cmd.Context(), cfg, logger)
			return err
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	cmd.AddCommand(authCmd(), chatCmd(), canvasCmd())
	return cmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
