package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrel-dl/kestrel/internal/controlsock"
)

func newEnqueueCmd() *cobra.Command {
	var destination string
	var priority int
	var maxConnections int

	cmd := &cobra.Command{
		Use:   "enqueue <url>",
		Short: "Add a download to the running queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if destination == "" {
				return fmt.Errorf("-o/--output is required")
			}
			req := controlsock.Request{
				Action:      controlsock.ActionEnqueue,
				URL:         args[0],
				Destination: destination,
				Priority:    priority,
			}
			if maxConnections > 0 {
				req.Options = map[string]any{"max_connections": maxConnections}
			}
			resp, err := controlsock.NewClient(socketPath).Do(req)
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s", resp.Error)
			}
			if resp.Snapshot != nil {
				fmt.Fprintf(os.Stdout, "enqueued %s (priority %d)\n", resp.Snapshot.TaskID, resp.Snapshot.Priority)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&destination, "output", "o", "", "destination file path")
	cmd.Flags().IntVar(&priority, "priority", 0, "task priority (higher runs first)")
	cmd.Flags().IntVar(&maxConnections, "max-connections", 0, "override max connections for this task")
	return cmd
}
