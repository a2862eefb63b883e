package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue depth, and dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "refresh every 2 seconds until interrupted")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string, watch bool) error {
	s, err := openStack(cmd.Context(), configPath, true)
	if err != nil {
		return err
	}

	if !watch {
		return printStatus(cmd, s)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		if err := printStatus(cmd, s); err != nil {
			return err
		}
		select {
		case <-sigCh:
			return nil
		case <-cmd.Context().Done():
			return nil
		case <-ticker.C:
			fmt.Fprintln(cmd.OutOrStdout())
		}
	}
}

func printStatus(cmd *cobra.Command, s *stack) error {
	out := cmd.OutOrStdout()

	depth, err := s.queue.Depth()
	if err != nil {
		return err
	}
	pending, err := s.store.CountPending()
	if err != nil {
		return err
	}
	dls, err := s.queue.DeadLetters()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Account:       %s\n", s.cfg.Account)
	fmt.Fprintf(out, "Connectivity:  %s\n", s.monitor.State())
	fmt.Fprintf(out, "Queue depth:   %d\n", depth)
	fmt.Fprintf(out, "Pending:       %d entities\n", pending)
	fmt.Fprintf(out, "Dead letters:  %d\n", len(dls))

	if len(dls) > 0 {
		fmt.Fprintln(out, "\nEntries needing attention:")
		rows := make([][]string, 0, len(dls))
		for _, dl := range dls {
			rows = append(rows, []string{
				strconv.Itoa(int(dl.ID)), dl.Operation, dl.EntityType, dl.EntityID, dl.Reason,
			})
		}
		writeTable(out, []string{"ID", "OP", "TYPE", "ENTITY", "REASON"}, rows)
		fmt.Fprintln(out, `Resolve with "wp sync --retry-dead" or via the dashboard.`)
	}
	return nil
}
