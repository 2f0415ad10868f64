// Package queue owns the task state machine, the priority queue ordering
// pending tasks, and the scheduling loop that promotes retry-waiting tasks
// and dispatches eligible tasks to an Executor under global and per-host
// concurrency governors.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/events"
	"github.com/kestrel-dl/kestrel/internal/logging"
	"github.com/kestrel-dl/kestrel/internal/model"
)

var log = logging.Get("queue")

// ProgressReporter is invoked by an Executor as bytes arrive. Manager
// throttles nothing here; the segment/coordinator layer already throttles
// before it reaches this callback.
type ProgressReporter func(downloaded, total int64, throughputBps float64)

// Executor runs one task to completion or failure. It must honor ctx
// cancellation promptly: Manager cancels ctx on Pause/Cancel.
type Executor interface {
	Execute(ctx context.Context, task *model.Task, report ProgressReporter) error
}

type trackedTask struct {
	task      *model.Task
	cancel    context.CancelFunc
	inHeap    bool
	lastAgedAt time.Time
}

// TerminalHook is invoked once, after a task settles into a terminal
// state (COMPLETED, FAILED, or CANCELLED). Manager.Cancel and the internal
// success/failure path both call it; it must return quickly, since it runs
// inline on the transition path.
type TerminalHook func(*model.Task)

// Manager is the exclusive owner of task state outside of an active
// execution. Construct one, call Run in a goroutine, then drive it through
// Enqueue/Pause/Resume/Cancel from any goroutine.
type Manager struct {
	mu       sync.Mutex
	opts     config.Options
	bus      *events.Bus
	exec     Executor
	tasks    map[string]*trackedTask
	pending  priorityHeap
	hosts    map[string]*hostState
	active   int
	wake     chan struct{}
	onTerminal TerminalHook
}

// OnTerminal registers a hook called once per task terminal transition.
// Typically used to append a history ledger entry.
func (m *Manager) OnTerminal(hook TerminalHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = hook
}

// NewManager builds a Manager. opts governs concurrency caps, retry policy
// and aging; bus receives TASK_ADDED/TASK_UPDATED/QUEUE_STATUS events as
// tasks move through the state machine.
func NewManager(opts config.Options, bus *events.Bus, exec Executor) *Manager {
	return &Manager{
		opts:    opts,
		bus:     bus,
		exec:    exec,
		tasks:   make(map[string]*trackedTask),
		hosts:   make(map[string]*hostState),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue admits a new task in PENDING state and wakes the scheduler.
func (m *Manager) Enqueue(t *model.Task) error {
	m.mu.Lock()
	if _, exists := m.tasks[t.ID]; exists {
		m.mu.Unlock()
		return model.NewError(model.KindContractViolation, fmt.Errorf("task %s already enqueued", t.ID))
	}
	tt := &trackedTask{task: t}
	m.tasks[t.ID] = tt
	m.pushPending(tt)
	m.mu.Unlock()

	m.bus.PublishTaskAdded(model.BuildTaskSnapshot(t))
	m.signalWake()
	return nil
}

// Adopt re-inserts a task restored from persistence without re-emitting a
// TASK_ADDED event (it was already added in a prior process lifetime). Any
// task found mid-flight (STARTING/DOWNLOADING) is rewound to PAUSED, since
// no executor can be mid-transfer for it across a restart.
func (m *Manager) Adopt(t *model.Task) {
	if t.State == model.StateStarting || t.State == model.StateDownloading {
		t.State = model.StatePaused
	}
	m.mu.Lock()
	tt := &trackedTask{task: t}
	m.tasks[t.ID] = tt
	if t.State == model.StatePending {
		m.pushPending(tt)
	}
	m.mu.Unlock()
	m.signalWake()
}

// Pause moves a PENDING/RETRY_WAIT/DOWNLOADING task to PAUSED. A running
// transfer is cancelled; its partial segments and resume record survive on
// disk per the coordinator's own cleanup policy.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	tt, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return model.NewError(model.KindValidation, fmt.Errorf("unknown task %s", id))
	}
	if tt.inHeap {
		m.removePending(tt)
	}
	wasRunning := tt.task.State == model.StateStarting || tt.task.State == model.StateDownloading
	if err := transition(tt.task, model.StatePaused); err != nil {
		m.mu.Unlock()
		return err
	}
	tt.task.UpdatedAt = time.Now()
	cancel := tt.cancel
	snap := model.BuildTaskSnapshot(tt.task)
	m.mu.Unlock()

	if wasRunning && cancel != nil {
		cancel()
	}
	m.bus.PublishTransition(snap)
	return nil
}

// Resume moves a PAUSED task back to PENDING and wakes the scheduler.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	tt, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return model.NewError(model.KindValidation, fmt.Errorf("unknown task %s", id))
	}
	if err := transition(tt.task, model.StatePending); err != nil {
		m.mu.Unlock()
		return err
	}
	tt.task.UpdatedAt = time.Now()
	m.pushPending(tt)
	snap := model.BuildTaskSnapshot(tt.task)
	m.mu.Unlock()

	m.bus.PublishTransition(snap)
	m.signalWake()
	return nil
}

// Cancel moves a task to CANCELLED from any non-terminal state, cancelling
// a running transfer if one is in flight.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	tt, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return model.NewError(model.KindValidation, fmt.Errorf("unknown task %s", id))
	}
	if tt.task.State.IsTerminal() {
		m.mu.Unlock()
		return model.NewError(model.KindContractViolation, fmt.Errorf("task %s already terminal (%s)", id, tt.task.State))
	}
	if tt.inHeap {
		m.removePending(tt)
	}
	cancel := tt.cancel
	if err := transition(tt.task, model.StateCancelled); err != nil {
		m.mu.Unlock()
		return err
	}
	tt.task.UpdatedAt = time.Now()
	snap := model.BuildTaskSnapshot(tt.task)
	hook := m.onTerminal
	task := tt.task
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if hook != nil {
		hook(task)
	}
	m.bus.PublishTransition(snap)
	return nil
}

// Snapshot returns the current published view of one task.
func (m *Manager) Snapshot(id string) (model.TaskSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tt, ok := m.tasks[id]
	if !ok {
		return model.TaskSnapshot{}, false
	}
	return model.BuildTaskSnapshot(tt.task), true
}

// ListSnapshots returns a snapshot of every known task, in no particular
// order.
func (m *Manager) ListSnapshots() []model.TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TaskSnapshot, 0, len(m.tasks))
	for _, tt := range m.tasks {
		out = append(out, model.BuildTaskSnapshot(tt.task))
	}
	return out
}

// Tasks returns the live *model.Task handles, used by the persistence
// package to build a durable snapshot. Callers must not mutate fields
// concurrently with the manager; this is a point-in-time read under lock.
func (m *Manager) Tasks() []*model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Task, 0, len(m.tasks))
	for _, tt := range m.tasks {
		out = append(out, tt.task)
	}
	return out
}

func (m *Manager) pushPending(tt *trackedTask) {
	heap.Push(&m.pending, &entry{task: tt.task})
	tt.inHeap = true
	if tt.lastAgedAt.IsZero() {
		tt.lastAgedAt = time.Now()
	}
}

func (m *Manager) hostStateFor(host string) *hostState {
	hs, ok := m.hosts[host]
	if !ok {
		hs = &hostState{}
		m.hosts[host] = hs
	}
	return hs
}

func (m *Manager) removePending(tt *trackedTask) {
	for i, e := range m.pending {
		if e.task.ID == tt.task.ID {
			heap.Remove(&m.pending, i)
			tt.inHeap = false
			return
		}
	}
}

func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
