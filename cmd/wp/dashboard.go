package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/calloway/waypoint/internal/dashboard"
	"github.com/spf13/cobra"
)

func newDashboardCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Start the local status dashboard",
		Long:  "Serves a local JSON API and event stream over the engine's state, with the sync daemon running alongside.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}

func runDashboard(cmd *cobra.Command, configPath string, port int) error {
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
	if port <= 0 {
		port = s.cfg.Dashboard.Port
	}

	// The dashboard carries the daemon with it so the state it shows
	// is live, not a stale snapshot.
	rec, err := s.newReconciler(out, nil)
	if err != nil {
		return err
	}
	if err := s.monitor.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := rec.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(out, "sync watcher stopped: %v\n", err)
		}
	}()

	return dashboard.Start(ctx, dashboard.StartOpts{
		Store:   s.store,
		Queue:   s.queue,
		Session: s.session,
		Monitor: s.monitor,
		Port:    port,
		Out:     out,
	})
}
