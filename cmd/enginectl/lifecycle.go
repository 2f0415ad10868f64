package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrel-dl/kestrel/internal/controlsock"
)

func newPauseCmd() *cobra.Command {
	return lifecycleCmd("pause", controlsock.ActionPause, "Pause a task")
}

func newResumeCmd() *cobra.Command {
	return lifecycleCmd("resume", controlsock.ActionResume, "Resume a paused or retry-waiting task")
}

func newCancelCmd() *cobra.Command {
	return lifecycleCmd("cancel", controlsock.ActionCancel, "Cancel a task")
}

func lifecycleCmd(use string, action controlsock.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := controlsock.NewClient(socketPath).Do(controlsock.Request{Action: action, TaskID: args[0]})
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s", resp.Error)
			}
			fmt.Printf("%s: ok\n", args[0])
			return nil
		},
	}
}
