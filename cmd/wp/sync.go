package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var (
		configPath string
		retryDead  bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass now",
		Long: `Forces a reconciliation pass: drains the sync queue against the server
and refreshes affected trips. Requires connectivity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, configPath, retryDead)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	cmd.Flags().BoolVar(&retryDead, "retry-dead", false, "re-enqueue all dead letters before the pass")
	return cmd
}

func runSync(cmd *cobra.Command, configPath string, retryDead bool) error {
	out := cmd.OutOrStdout()

	s, err := openStack(cmd.Context(), configPath, true)
	if err != nil {
		return err
	}
	if !s.monitor.Online() {
		return fmt.Errorf("server is unreachable at %s — cannot sync while offline", s.cfg.Sync.ProbeURL)
	}

	if retryDead {
		dls, err := s.queue.DeadLetters()
		if err != nil {
			return err
		}
		for _, dl := range dls {
			if _, err := s.queue.ResolveDeadLetter(dl.ID, true); err != nil {
				return err
			}
		}
		if len(dls) > 0 {
			fmt.Fprintf(out, "Re-enqueued %d dead letters\n", len(dls))
		}
	}

	requeued, err := s.queue.RequeueInflight()
	if err != nil {
		return err
	}
	if requeued > 0 {
		fmt.Fprintf(out, "Recovered %d in-flight entries from a previous run\n", requeued)
	}

	depth, err := s.queue.Depth()
	if err != nil {
		return err
	}
	if depth == 0 {
		fmt.Fprintln(out, "Queue is empty — nothing to sync.")
		return nil
	}
	fmt.Fprintf(out, "Draining %d queued entries...\n", depth)

	rec, err := s.newReconciler(out, nil)
	if err != nil {
		return err
	}
	if err := rec.Run(cmd.Context()); err != nil {
		return err
	}

	left, err := s.queue.Depth()
	if err != nil {
		return err
	}
	if left > 0 {
		fmt.Fprintf(out, "Done with %d entries still queued (will retry on next pass).\n", left)
	} else {
		fmt.Fprintln(out, "All entries synced.")
	}
	return nil
}
