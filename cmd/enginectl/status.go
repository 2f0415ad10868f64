package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-dl/kestrel/internal/controlsock"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/tui"
)

func newStatusCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show task status from the running queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var taskID string
			if len(args) == 1 {
				taskID = args[0]
			}
			if !watch {
				return printStatusOnce(taskID)
			}
			return watchStatus(taskID)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "redraw continuously instead of printing once")
	return cmd
}

func fetchSnapshots(taskID string) ([]model.TaskSnapshot, error) {
	req := controlsock.Request{Action: controlsock.ActionStatus, TaskID: taskID}
	resp, err := controlsock.NewClient(socketPath).Do(req)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	if resp.Snapshot != nil {
		return []model.TaskSnapshot{*resp.Snapshot}, nil
	}
	return resp.Snapshots, nil
}

func printStatusOnce(taskID string) error {
	snaps, err := fetchSnapshots(taskID)
	if err != nil {
		return err
	}
	printSnapshotTable(snaps)
	return nil
}

// watchStatus drives a tui.Reporter by polling the control socket, since a
// CLI invocation has no direct access to the serving process's event bus.
func watchStatus(taskID string) error {
	reporter := tui.NewReporter(os.Stdout)
	reporter.Start()
	defer reporter.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		snaps, err := fetchSnapshots(taskID)
		if err != nil {
			return err
		}
		reporter.Update(snaps)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printSnapshotTable(snaps []model.TaskSnapshot) {
	fmt.Fprintf(os.Stdout, "%-12s %-12s %8s %8s %s\n", "TASK", "STATE", "PCT", "ATTEMPT", "HOST")
	for _, s := range snaps {
		pct := "-"
		if s.BytesTotal > 0 {
			pct = fmt.Sprintf("%5.1f%%", 100*float64(s.BytesDownloaded)/float64(s.BytesTotal))
		}
		fmt.Fprintf(os.Stdout, "%-12s %-12s %8s %8d %s\n", s.TaskID, s.State, pct, s.Attempt, s.Host)
	}
}
