package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue login requests and keys once",
	Long: `Run a single expiry sweep and exit. Useful from an external scheduler
when the in-process sweeper is disabled.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	defer a.Stop()

	res, err := a.svc.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweeping: %w", err)
	}

	log.WithFields(logrus.Fields{
		"login_requests": res.LoginRequests,
		"keys":           res.Keys,
	}).Info("Sweep complete")

	return nil
}
