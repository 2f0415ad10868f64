// Package coordinator adapts the handler registry to the queue's Executor
// contract: it resolves which handler claims a task's URL, validates the
// handler's progress callback contract, and translates a handler's
// Result/error pair into what the queue expects.
package coordinator

import (
	"context"
	"fmt"

	"github.com/kestrel-dl/kestrel/internal/handler"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/queue"
)

// Coordinator implements queue.Executor over a handler.Registry.
type Coordinator struct {
	registry *handler.Registry
}

// New builds a Coordinator dispatching through registry.
func New(registry *handler.Registry) *Coordinator {
	return &Coordinator{registry: registry}
}

// Execute resolves a handler for task.URL and runs it, enforcing the
// progress-callback contract: downloaded must never exceed total once
// total is known, and both must be non-negative. A handler that violates
// this reports CONTRACT_VIOLATION instead of corrupting task progress.
func (c *Coordinator) Execute(ctx context.Context, task *model.Task, report queue.ProgressReporter) error {
	h, ok := c.registry.Resolve(task.URL)
	if !ok {
		return model.NewError(model.KindUnsupported, fmt.Errorf("no handler claims URL %q", task.URL))
	}

	var violation error
	guarded := func(downloaded, total int64, throughputBps float64) {
		if violation != nil {
			return
		}
		if downloaded < 0 || total < 0 {
			violation = model.NewError(model.KindContractViolation,
				fmt.Errorf("handler reported negative progress (downloaded=%d, total=%d)", downloaded, total))
			return
		}
		if total > 0 && downloaded > total {
			violation = model.NewError(model.KindContractViolation,
				fmt.Errorf("handler reported downloaded (%d) exceeding total (%d)", downloaded, total))
			return
		}
		report(downloaded, total, throughputBps)
	}

	_, err := h.Execute(ctx, task, handler.ProgressFunc(guarded))
	if violation != nil {
		return violation
	}
	return err
}
