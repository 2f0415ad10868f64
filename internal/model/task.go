package model

import (
	"net/url"
	"strings"
	"time"
)

// TaskState is one of the states in the download state machine. Only the
// transitions enumerated in the queue package are permitted between
// them; TaskState itself carries no transition logic.
type TaskState string

const (
	StatePending     TaskState = "PENDING"
	StateStarting    TaskState = "STARTING"
	StateDownloading TaskState = "DOWNLOADING"
	StatePaused      TaskState = "PAUSED"
	StateRetryWait   TaskState = "RETRY_WAIT"
	StateCompleted   TaskState = "COMPLETED"
	StateFailed      TaskState = "FAILED"
	StateCancelled   TaskState = "CANCELLED"
)

// IsTerminal reports whether a task in this state will never transition
// again.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Progress holds the mutable transfer counters for a task.
type Progress struct {
	BytesDownloaded int64
	BytesTotal      int64
	ThroughputBps   float64
}

// Task is the unit the queue schedules and the coordinator executes. The
// queue is the exclusive owner of a Task's fields outside of an active
// execution; the executor holding a handle during DOWNLOADING only reports
// progress and terminal outcome back through the scheduler's callbacks, it
// never mutates Task directly from another goroutine.
type Task struct {
	ID                string
	URL               string
	Destination       string
	Priority          int
	EffectivePriority int
	CreatedAtMono     time.Time
	CreatedAtWall     time.Time
	UpdatedAt         time.Time
	State             TaskState
	Progress          Progress
	Attempt           int
	MaxAttempts       int
	NextEligibleAt    time.Time
	Host              string
	LastError         string
	LastErrorKind     ErrorKind
	Options           map[string]any
	ResumeRef         string
}

// NormalizeHost lowercases the hostname and strips the port, per the
// external-interfaces host-normalization rule: per-host caps and policy
// checks must never compare the raw authority string, or host:port would
// bypass host-keyed limits.
func NormalizeHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// NewTask builds a PENDING task with derived fields (host, effective
// priority, timestamps) populated from the given URL, destination and
// options.
func NewTask(id, rawURL, destination string, priority, maxAttempts int, opts map[string]any) *Task {
	now := time.Now()
	if opts == nil {
		opts = map[string]any{}
	}
	return &Task{
		ID:                id,
		URL:               rawURL,
		Destination:       destination,
		Priority:          priority,
		EffectivePriority: priority,
		CreatedAtMono:     now,
		CreatedAtWall:     now,
		UpdatedAt:         now,
		State:             StatePending,
		MaxAttempts:       maxAttempts,
		Host:              NormalizeHost(rawURL),
		Options:           opts,
	}
}
