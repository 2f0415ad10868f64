// Package history appends one line per task's terminal transition to a
// JSONL ledger, independent of the queue's own in-memory and persisted
// state: the ledger is never rewritten or compacted by this engine, only
// appended to, so it survives as an audit trail across any number of
// restarts.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrel-dl/kestrel/internal/model"
)

// Entry is one ledger line.
type Entry struct {
	TaskID     string          `json:"task_id"`
	URL        string          `json:"url"`
	Destination string         `json:"destination"`
	FinalState model.TaskState `json:"final_state"`
	Attempt    int             `json:"attempt"`
	BytesTotal int64           `json:"bytes_total"`
	LastError  string          `json:"last_error,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Ledger appends Entry records to a single JSONL file, serializing writes
// so concurrent terminal transitions never interleave a partial line.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// NewLedger builds a Ledger writing to path. The file and its parent
// directory are created on first Append if they don't exist.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Append records one terminal transition. It opens, writes, and closes
// the file each call rather than holding a long-lived handle, so external
// tools can read the ledger concurrently without coordination.
func (l *Ledger) Append(e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create history ledger directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open history ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	return nil
}

// EntryFromTask builds an Entry from a task that has just reached a
// terminal state.
func EntryFromTask(t *model.Task) Entry {
	return Entry{
		TaskID:      t.ID,
		URL:         t.URL,
		Destination: t.Destination,
		FinalState:  t.State,
		Attempt:     t.Attempt,
		BytesTotal:  t.Progress.BytesTotal,
		LastError:   t.LastError,
	}
}
