package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kestrel-dl/kestrel/internal/model"
)

func TestAppendWritesOneLinePerEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	l := NewLedger(path)

	t1 := model.NewTask("a", "http://host/1", "/tmp/a", 1, 1, nil)
	t1.State = model.StateCompleted
	t1.Progress.BytesTotal = 1024

	t2 := model.NewTask("b", "http://host/2", "/tmp/b", 1, 1, nil)
	t2.State = model.StateFailed
	t2.LastError = "network unreachable"

	if err := l.Append(EntryFromTask(t1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(EntryFromTask(t2)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var e Entry
	if err := json.Unmarshal([]byte(lines[1]), &e); err != nil {
		t.Fatalf("unmarshal second line: %v", err)
	}
	if e.TaskID != "b" || e.FinalState != model.StateFailed {
		t.Fatalf("unexpected second entry: %+v", e)
	}
}

func TestAppendIsConcurrencySafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	l := NewLedger(path)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := model.NewTask("concurrent", "http://host/c", "/tmp/c", 1, 1, nil)
			task.State = model.StateCompleted
			_ = l.Append(EntryFromTask(task))
		}(i)
	}
	wg.Wait()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d is not valid JSON (interleaved write?): %v", count, err)
		}
		count++
	}
	if count != 50 {
		t.Fatalf("expected 50 lines, got %d", count)
	}
}
