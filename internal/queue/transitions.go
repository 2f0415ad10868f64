package queue

import (
	"fmt"

	"github.com/kestrel-dl/kestrel/internal/model"
)

var allowedTransitions = map[model.TaskState]map[model.TaskState]bool{
	model.StatePending: {
		model.StateStarting: true,
		model.StateCancelled: true,
		model.StatePaused:   true,
	},
	model.StateStarting: {
		model.StateDownloading: true,
		model.StateRetryWait:   true,
		model.StateFailed:      true,
		model.StateCancelled:   true,
	},
	model.StateDownloading: {
		model.StateCompleted:  true,
		model.StateRetryWait:  true,
		model.StateFailed:     true,
		model.StateCancelled:  true,
		model.StatePaused:     true,
	},
	model.StateRetryWait: {
		model.StatePending:   true,
		model.StateCancelled: true,
		model.StatePaused:    true,
	},
	model.StatePaused: {
		model.StatePending:   true,
		model.StateCancelled: true,
	},
}

// transition enforces the state machine, rejecting any move not present in
// allowedTransitions. Terminal states never appear as a source here since
// they have no outgoing entries.
func transition(t *model.Task, to model.TaskState) error {
	if t.State == to {
		return nil
	}
	next, ok := allowedTransitions[t.State]
	if !ok || !next[to] {
		return model.NewError(model.KindContractViolation,
			fmt.Errorf("illegal transition %s -> %s for task %s", t.State, to, t.ID))
	}
	t.State = to
	return nil
}
