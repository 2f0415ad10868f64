package model

import "time"

// TaskSnapshot is the immutable, validated view of a Task published to
// external consumers through the event bus. Every field here is part of
// a stable schema contract: adding fields is safe, removing
// or renaming one is not.
type TaskSnapshot struct {
	TaskID           string    `json:"task_id"`
	State            TaskState `json:"state"`
	Priority         int       `json:"priority"`
	EffectivePriority int      `json:"effective_priority"`
	Host             string    `json:"host"`
	BytesDownloaded  int64     `json:"bytes_downloaded"`
	BytesTotal       int64     `json:"bytes_total"`
	ThroughputBps    float64   `json:"throughput_bps"`
	Attempt          int       `json:"attempt"`
	MaxAttempts      int       `json:"max_attempts"`
	NextEligibleAt   time.Time `json:"next_eligible_at"`
	LastError        string    `json:"last_error"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// BuildTaskSnapshot copies the publishable fields out of a Task. It never
// aliases Task's mutable map fields.
func BuildTaskSnapshot(t *Task) TaskSnapshot {
	return TaskSnapshot{
		TaskID:            t.ID,
		State:             t.State,
		Priority:          t.Priority,
		EffectivePriority: t.EffectivePriority,
		Host:              t.Host,
		BytesDownloaded:   t.Progress.BytesDownloaded,
		BytesTotal:        t.Progress.BytesTotal,
		ThroughputBps:     t.Progress.ThroughputBps,
		Attempt:           t.Attempt,
		MaxAttempts:       t.MaxAttempts,
		NextEligibleAt:    t.NextEligibleAt,
		LastError:         t.LastError,
		CreatedAt:         t.CreatedAtWall,
		UpdatedAt:         t.UpdatedAt,
	}
}

// ValidateSnapshot checks presence and semantic type of every required key.
// It mirrors the Python source's dict-shaped validate_snapshot, rebuilt
// here against a concrete struct: the "keys" are the struct's JSON tags,
// and "expected semantic type" reduces to non-zero invariants that can't
// be expressed by the Go type system alone (ASCII-safety, non-negative
// counters, a real state value).
func ValidateSnapshot(s TaskSnapshot) error {
	if s.TaskID == "" {
		return NewError(KindValidation, errEmptyField("task_id"))
	}
	if !isKnownState(s.State) {
		return NewError(KindValidation, errEmptyField("state"))
	}
	if s.BytesDownloaded < 0 || s.BytesTotal < 0 {
		return NewError(KindValidation, errEmptyField("bytes_downloaded/bytes_total"))
	}
	if s.Attempt < 0 || s.MaxAttempts < 0 {
		return NewError(KindValidation, errEmptyField("attempt/max_attempts"))
	}
	if !isASCII(s.Host) || !isASCII(s.LastError) || !isASCII(string(s.State)) {
		return NewError(KindValidation, errEmptyField("ascii-safe string field"))
	}
	return nil
}

func isKnownState(s TaskState) bool {
	switch s {
	case StatePending, StateStarting, StateDownloading, StatePaused,
		StateRetryWait, StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

type validationErr string

func (e validationErr) Error() string { return "invalid snapshot field: " + string(e) }

func errEmptyField(field string) error { return validationErr(field) }

// QueueSchemaVersion is the only queue-persistence schema version this
// store understands.
const QueueSchemaVersion = 1

// TaskRecord is the on-disk projection of a Task for queue persistence.
// It carries every non-history field; terminal-state tasks are never
// written back as runnable (enforced by the persistence package, not by
// this type).
type TaskRecord struct {
	ID                string         `json:"id"`
	URL               string         `json:"url"`
	Destination       string         `json:"destination"`
	Priority          int            `json:"priority"`
	EffectivePriority int            `json:"effective_priority"`
	CreatedAtWall     time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	State             TaskState      `json:"state"`
	Progress          Progress       `json:"progress"`
	Attempt           int            `json:"attempt"`
	MaxAttempts       int            `json:"max_attempts"`
	NextEligibleAt    time.Time      `json:"next_eligible_at"`
	Host              string         `json:"host"`
	LastError         string         `json:"last_error"`
	Options           map[string]any `json:"options,omitempty"`
	ResumeRef         string         `json:"resume_ref,omitempty"`
}

// ToRecord projects a Task into its persisted form.
func ToRecord(t *Task) TaskRecord {
	return TaskRecord{
		ID:                t.ID,
		URL:                t.URL,
		Destination:        t.Destination,
		Priority:           t.Priority,
		EffectivePriority:  t.EffectivePriority,
		CreatedAtWall:      t.CreatedAtWall,
		UpdatedAt:          t.UpdatedAt,
		State:              t.State,
		Progress:           t.Progress,
		Attempt:            t.Attempt,
		MaxAttempts:        t.MaxAttempts,
		NextEligibleAt:     t.NextEligibleAt,
		Host:               t.Host,
		LastError:          t.LastError,
		Options:            t.Options,
		ResumeRef:          t.ResumeRef,
	}
}

// FromRecord reconstructs a Task from its persisted form. CreatedAtMono is
// re-seeded to CreatedAtWall's wall-clock value since monotonic readings
// don't survive a process restart; ordering by creation time still works
// because FIFO tiebreak only needs a stable order, not wall-clock fidelity.
func FromRecord(r TaskRecord) *Task {
	return &Task{
		ID:                r.ID,
		URL:                r.URL,
		Destination:        r.Destination,
		Priority:           r.Priority,
		EffectivePriority:  r.EffectivePriority,
		CreatedAtMono:      r.CreatedAtWall,
		CreatedAtWall:      r.CreatedAtWall,
		UpdatedAt:          r.UpdatedAt,
		State:              r.State,
		Progress:           r.Progress,
		Attempt:            r.Attempt,
		MaxAttempts:        r.MaxAttempts,
		NextEligibleAt:     r.NextEligibleAt,
		Host:               r.Host,
		LastError:          r.LastError,
		Options:            r.Options,
		ResumeRef:          r.ResumeRef,
	}
}

// QueueSnapshotSchema is the on-disk container written by the persistence
// package.
type QueueSnapshotSchema struct {
	Version    int          `json:"version"`
	ExportedAt time.Time    `json:"exported_at"`
	Tasks      []TaskRecord `json:"tasks"`
}
