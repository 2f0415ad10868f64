package queue

import (
	"container/heap"
	"context"
	"time"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/events"
	"github.com/kestrel-dl/kestrel/internal/model"
)

// Run drives the scheduling loop until ctx is cancelled: it promotes
// RETRY_WAIT tasks whose backoff has elapsed, ages PENDING tasks waiting
// too long, and dispatches as many eligible tasks as the concurrency
// governors allow. It returns as soon as ctx is cancelled; tasks already
// dispatched run under their own contexts and are not waited for.
func (m *Manager) Run(ctx context.Context) {
	interval := time.Duration(m.opts.PriorityAgingIntervalS * float64(time.Second))
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.tick()
		var retryC <-chan time.Time
		var earliest time.Time
		m.mu.Lock()
		for _, tt := range m.tasks {
			if tt.task.State == model.StateRetryWait && (earliest.IsZero() || tt.task.NextEligibleAt.Before(earliest)) {
				earliest = tt.task.NextEligibleAt
			}
		}
		m.mu.Unlock()
		if !earliest.IsZero() {
			retryC = time.After(time.Until(earliest))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-retryC:
		case <-m.wake:
		}
	}
}

func (m *Manager) tick() {
	m.mu.Lock()
	now := time.Now()
	promoted := m.promoteRetryWaitLocked(now)
	if m.opts.PriorityAgingEnabled {
		m.ageLocked(now)
	}
	dispatch := m.selectDispatchLocked(now)
	m.mu.Unlock()

	for _, snap := range promoted {
		m.bus.PublishTransition(snap)
	}
	m.publishQueueStatus()
	for _, tt := range dispatch {
		go m.runTask(tt)
	}
}

func (m *Manager) promoteRetryWaitLocked(now time.Time) []model.TaskSnapshot {
	var promoted []model.TaskSnapshot
	for _, tt := range m.tasks {
		if tt.task.State != model.StateRetryWait {
			continue
		}
		if now.Before(tt.task.NextEligibleAt) {
			continue
		}
		if err := transition(tt.task, model.StatePending); err != nil {
			log.Warn().Err(err).Str("task_id", tt.task.ID).Msg("retry promotion rejected")
			continue
		}
		tt.task.UpdatedAt = now
		m.pushPending(tt)
		promoted = append(promoted, model.BuildTaskSnapshot(tt.task))
	}
	return promoted
}

func (m *Manager) ageLocked(now time.Time) {
	agingInterval := time.Duration(m.opts.PriorityAgingIntervalS * float64(time.Second))
	if agingInterval <= 0 {
		return
	}
	changed := false
	for _, e := range m.pending {
		tt := m.tasks[e.task.ID]
		if now.Sub(tt.lastAgedAt) < agingInterval {
			continue
		}
		tt.lastAgedAt = now
		if tt.task.EffectivePriority >= config.MaxPriority {
			continue
		}
		tt.task.EffectivePriority += m.opts.PriorityAgingStep
		if tt.task.EffectivePriority > config.MaxPriority {
			tt.task.EffectivePriority = config.MaxPriority
		}
		changed = true
	}
	if changed {
		heap.Init(&m.pending)
	}
}

// selectDispatchLocked pops as many eligible tasks as the concurrency
// governors allow, skipping (and restoring) any task whose host is over
// its cap or whose host breaker is open.
func (m *Manager) selectDispatchLocked(now time.Time) []*trackedTask {
	var dispatch []*trackedTask
	for m.active < m.opts.MaxActiveDownloads && len(m.pending) > 0 {
		var stash []*entry
		found := false
		for len(m.pending) > 0 {
			e := heap.Pop(&m.pending).(*entry)
			tt := m.tasks[e.task.ID]
			hs := m.hostStateFor(tt.task.Host)
			if hs.breakerOpen(now) {
				stash = append(stash, e)
				continue
			}
			if m.opts.PerHostEnabled && hs.active >= m.opts.PerHostMaxActive {
				stash = append(stash, e)
				continue
			}
			tt.inHeap = false
			m.active++
			hs.active++
			if err := transition(tt.task, model.StateStarting); err != nil {
				log.Error().Err(err).Str("task_id", tt.task.ID).Msg("dispatch transition rejected")
				m.active--
				hs.active--
				continue
			}
			tt.task.Attempt++
			tt.task.UpdatedAt = now
			dispatch = append(dispatch, tt)
			found = true
			break
		}
		for _, e := range stash {
			heap.Push(&m.pending, e)
		}
		if !found {
			break
		}
	}
	return dispatch
}

func (m *Manager) publishQueueStatus() {
	m.mu.Lock()
	pending := len(m.pending)
	active := m.active
	m.mu.Unlock()
	m.bus.PublishQueueStatus(events.QueueStatusEvent{
		ActiveCount:  active,
		PendingCount: pending,
	})
}
