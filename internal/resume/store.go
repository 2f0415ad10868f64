// Package resume implements the resume state store: ResumeRecords are
// persisted alongside the destination path with atomic writes, using the
// same write-temp-fsync-rename discipline the engine applies when
// finalizing a download, generalized here to a structured JSON record
// instead of a finished file.
package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kestrel-dl/kestrel/internal/logging"
	"github.com/kestrel-dl/kestrel/internal/model"
)

var log = logging.Get("resume")

// PathFor returns the resume-record sibling path for a destination, per
// the file-layout rule <final>.resume.
func PathFor(destination string) string {
	return destination + ".resume"
}

// Save atomically writes rec to PathFor(destination): write to a sibling
// temp file, fsync, then rename over the final path. A failure before the
// rename leaves the previous record (if any) intact.
func Save(destination string, rec *model.ResumeRecord) error {
	rec.SchemaVersion = model.ResumeSchemaVersion
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	path := PathFor(destination)
	tmp := path + ".tmp"
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal resume record: %w", err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create resume temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write resume temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync resume temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close resume temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename resume record into place: %w", err)
	}
	return nil
}

// Load reads and validates the resume record for destination. Corrupt or
// size-insane records are discarded (and the discard logged) rather than
// returned, since a coordinator that trusted a bad record could resume
// into garbage.
func Load(destination string) (*model.ResumeRecord, bool) {
	path := PathFor(destination)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var rec model.ResumeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("discarding corrupt resume record")
		return nil, false
	}
	if rec.SchemaVersion != model.ResumeSchemaVersion {
		log.Warn().Int("version", rec.SchemaVersion).Str("path", path).Msg("discarding resume record with unknown schema version")
		return nil, false
	}
	if rec.TotalSize <= 0 || !rec.PartitionsExactly() {
		log.Warn().Str("path", path).Msg("discarding resume record with invalid segment table")
		return nil, false
	}
	return &rec, true
}

// Delete removes the resume record, if any. Deleting a record that
// doesn't exist is not an error.
func Delete(destination string) error {
	if err := os.Remove(PathFor(destination)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete resume record: %w", err)
	}
	return nil
}
