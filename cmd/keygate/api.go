package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/keygate/pkg/api"
	"github.com/ethpandaops/keygate/pkg/service"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:     "api",
	Aliases: []string{"serve"},
	Short:   "Start the API server",
	Long: `Start the keygate API server together with the notification queue
and the background expiry sweeper.`,
	RunE: runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	defer a.Stop()

	if cfg.Sweeper.Enabled {
		sweeper := service.NewSweeper(log, a.svc, cfg.Sweeper.Interval)
		sweeper.Start(ctx)

		a.onStop(sweeper.Stop)
	}

	srv := api.NewServer(log, &cfg.Server, a.svc)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down keygate")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
