package queue

import (
	"context"
	"time"

	"github.com/kestrel-dl/kestrel/internal/model"
)

// runTask executes one dispatched task through its Executor, then applies
// the outcome back onto the state machine: success completes it, a
// retryable failure schedules a backoff and returns it to RETRY_WAIT, and
// everything else is terminal FAILED. A task cancelled out from under the
// executor by Pause/Cancel skips this outcome handling entirely, since the
// caller already transitioned it.
func (m *Manager) runTask(tt *trackedTask) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	tt.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	m.mu.Lock()
	if err := transition(tt.task, model.StateDownloading); err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("task_id", tt.task.ID).Msg("could not enter downloading state")
		return
	}
	m.mu.Unlock()
	m.bus.PublishTransition(model.BuildTaskSnapshot(tt.task))

	report := func(downloaded, total int64, throughputBps float64) {
		m.mu.Lock()
		tt.task.Progress.BytesDownloaded = downloaded
		tt.task.Progress.BytesTotal = total
		tt.task.Progress.ThroughputBps = throughputBps
		tt.task.UpdatedAt = time.Now()
		snap := model.BuildTaskSnapshot(tt.task)
		m.mu.Unlock()
		m.bus.PublishProgress(snap)
	}

	err := m.exec.Execute(ctx, tt.task, report)
	m.finishTask(tt, err)
}

func (m *Manager) finishTask(tt *trackedTask, err error) {
	m.mu.Lock()
	hs := m.hostStateFor(tt.task.Host)
	m.active--
	hs.active--

	if tt.task.State == model.StateCancelled || tt.task.State == model.StatePaused {
		tt.cancel = nil
		m.mu.Unlock()
		m.signalWake()
		return
	}

	now := time.Now()
	var snap model.TaskSnapshot
	if err == nil {
		hs.recordSuccess()
		transition(tt.task, model.StateCompleted)
		tt.task.UpdatedAt = now
		snap = model.BuildTaskSnapshot(tt.task)
	} else {
		kind := model.KindOf(err)
		tt.task.LastError = err.Error()
		tt.task.LastErrorKind = kind
		hs.recordFailure(now)
		if m.opts.RetryEnabled && model.IsRetryable(kind) && tt.task.Attempt < tt.task.MaxAttempts {
			transition(tt.task, model.StateRetryWait)
			tt.task.NextEligibleAt = now.Add(nextBackoff(m.opts, tt.task.Attempt))
		} else {
			transition(tt.task, model.StateFailed)
		}
		tt.task.UpdatedAt = now
		snap = model.BuildTaskSnapshot(tt.task)
	}
	tt.cancel = nil
	hook := m.onTerminal
	task := tt.task
	terminal := task.State.IsTerminal()
	m.mu.Unlock()

	if terminal && hook != nil {
		hook(task)
	}
	m.bus.PublishTransition(snap)
	m.signalWake()
}
