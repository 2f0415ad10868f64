// Package persistence saves and restores queue state across restarts. It
// writes the same way the resume store does, via a sibling temp file that
// gets fsynced and renamed into place, and applies the crash-recovery rule
// that any task found STARTING or DOWNLOADING in a loaded snapshot could
// not possibly still be running in this process, so it gets rewound to
// PAUSED before the queue adopts it.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrel-dl/kestrel/internal/logging"
	"github.com/kestrel-dl/kestrel/internal/model"
)

var log = logging.Get("persistence")

// coalesceWindow is the minimum spacing between two writes triggered in
// quick succession; a burst of task updates collapses to one write.
const coalesceWindow = 250 * time.Millisecond

// Store owns the on-disk queue snapshot at path.
type Store struct {
	path string

	mu       sync.Mutex
	lastSave time.Time
	pending  bool
	timer    *time.Timer
}

// NewStore builds a Store writing to path. The parent directory is created
// lazily on first Save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save writes tasks as the current queue snapshot, coalescing calls that
// arrive within coalesceWindow of the previous write into a single
// deferred write.
func (s *Store) Save(tasks []*model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := time.Since(s.lastSave)
	if since >= coalesceWindow {
		s.lastSave = time.Now()
		go s.writeNow(tasks)
		return
	}
	if s.pending {
		return
	}
	s.pending = true
	delay := coalesceWindow - since
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.pending = false
		s.lastSave = time.Now()
		s.mu.Unlock()
		s.writeNow(tasks)
	})
}

func (s *Store) writeNow(tasks []*model.Task) {
	records := make([]model.TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		records = append(records, model.ToRecord(t))
	}
	schema := model.QueueSnapshotSchema{
		Version:    model.QueueSchemaVersion,
		ExportedAt: time.Now(),
		Tasks:      records,
	}
	if err := s.writeAtomic(schema); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("queue snapshot write failed")
	}
}

func (s *Store) writeAtomic(schema model.QueueSnapshotSchema) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create queue state directory: %w", err)
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create queue state temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write queue state temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync queue state temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close queue state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename queue state into place: %w", err)
	}
	return nil
}

// Load reads the queue snapshot at path and reconstructs its tasks,
// rewinding any task recorded mid-flight to PAUSED and dropping any task
// that had already reached a terminal state (COMPLETED, FAILED,
// CANCELLED): those belong in the history ledger, not the active queue, so
// a restart doesn't keep rewriting them into every subsequent snapshot. A
// missing file is not an error: it means this is the first run. A schema
// version mismatch fails loudly rather than attempting a lossy best-effort
// migration.
func Load(path string) ([]*model.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue state %s: %w", path, err)
	}
	var schema model.QueueSnapshotSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse queue state %s: %w", path, err)
	}
	if schema.Version != model.QueueSchemaVersion {
		return nil, fmt.Errorf("queue state %s has schema version %d, this build understands only %d",
			path, schema.Version, model.QueueSchemaVersion)
	}
	tasks := make([]*model.Task, 0, len(schema.Tasks))
	for _, rec := range schema.Tasks {
		t := model.FromRecord(rec)
		switch t.State {
		case model.StateCompleted, model.StateFailed, model.StateCancelled:
			log.Info().Str("task_id", t.ID).Str("prior_state", string(t.State)).
				Msg("dropping terminal task from restored queue state")
			continue
		case model.StateStarting, model.StateDownloading:
			log.Info().Str("task_id", t.ID).Str("prior_state", string(t.State)).
				Msg("rewinding mid-flight task to paused on load")
			t.State = model.StatePaused
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
