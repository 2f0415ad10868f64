// Package report writes the per-run BatchReport summarizing every task's
// final outcome, grounded on the same summarize-at-the-end idea as the
// engine's own progress display, but as a durable JSON artifact instead
// of a terminal render.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrel-dl/kestrel/internal/model"
)

// TaskOutcome is one task's line in a BatchReport.
type TaskOutcome struct {
	TaskID      string          `json:"task_id"`
	URL         string          `json:"url"`
	Destination string          `json:"destination"`
	FinalState  model.TaskState `json:"final_state"`
	BytesTotal  int64           `json:"bytes_total"`
	Attempt     int             `json:"attempt"`
	LastError   string          `json:"last_error,omitempty"`
}

// BatchReport is the run-level summary written to
// data/runtime/batch_reports/<run_id>.json.
type BatchReport struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Cancelled  int           `json:"cancelled"`
	Tasks      []TaskOutcome `json:"tasks"`
}

// BuildBatchReport summarizes a set of tasks into a BatchReport.
// Non-terminal tasks (still pending, running, or retrying at the time of
// the snapshot) are omitted, since a batch report describes what happened,
// not what's still in flight.
func BuildBatchReport(runID string, startedAt time.Time, tasks []*model.Task) BatchReport {
	r := BatchReport{RunID: runID, StartedAt: startedAt, FinishedAt: time.Now()}
	for _, t := range tasks {
		if !t.State.IsTerminal() {
			continue
		}
		r.Tasks = append(r.Tasks, TaskOutcome{
			TaskID:      t.ID,
			URL:         t.URL,
			Destination: t.Destination,
			FinalState:  t.State,
			BytesTotal:  t.Progress.BytesTotal,
			Attempt:     t.Attempt,
			LastError:   t.LastError,
		})
		switch t.State {
		case model.StateCompleted:
			r.Completed++
		case model.StateFailed:
			r.Failed++
		case model.StateCancelled:
			r.Cancelled++
		}
	}
	return r
}

// DefaultDir is where batch reports are written when no override is
// configured.
const DefaultDir = "data/runtime/batch_reports"

// Write persists r to dir/<run_id>.json.
func Write(dir string, r BatchReport) (string, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create batch report directory: %w", err)
	}
	path := filepath.Join(dir, r.RunID+".json")
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal batch report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write batch report: %w", err)
	}
	return path, nil
}
