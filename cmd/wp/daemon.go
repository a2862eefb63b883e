package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync engine in the foreground",
		Long: `Watches connectivity and reconciles the sync queue on every
offline-to-online transition, until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

func runDaemon(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	s, err := openStack(ctx, configPath, false)
	if err != nil {
		return err
	}
	rec, err := s.newReconciler(out, nil)
	if err != nil {
		return err
	}

	if err := s.monitor.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Waypoint daemon running for account %q (%s)\n", s.cfg.Account, s.monitor.State())

	if err := rec.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
