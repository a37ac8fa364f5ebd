package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/app"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:           "fern",
	Short:         "fern - pipeline orchestration engine",
	Long:          `fern drives pipeline plans node by node, dispatches tasks to workers and applies abort, expire and retry interrupts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading the environment (default .env)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(interruptCmd)
	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and the logger every command needs
func bootstrap() (*config.Config, ectologger.Logger, func(), error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, flush, err := app.NewLogger(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, flush, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// withServer opens the production stack for a one-shot operator command
func withServer(fn func(ctx context.Context, s *app.Server) error) error {
	cfg, logger, flush, err := bootstrap()
	if err != nil {
		return err
	}
	defer flush()

	ctx, cancel := signalContext()
	defer cancel()

	server := app.NewServer(cfg, logger)
	if err := server.Open(ctx); err != nil {
		return err
	}
	defer server.Close(context.Background())

	return fn(ctx, server)
}
