package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/kestrel-dl/kestrel/internal/model"
)

func TestPrintSnapshotTableFormatsPercentage(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	printSnapshotTable([]model.TaskSnapshot{
		{TaskID: "t1", State: model.StateDownloading, BytesDownloaded: 50, BytesTotal: 200, Host: "example.com"},
		{TaskID: "t2", State: model.StatePending, Host: "example.org"},
	})

	w.Close()
	var buf bytes.Buffer
	buf.ReadFrom(r)
	out := buf.String()

	if !bytes.Contains([]byte(out), []byte("25.0%")) {
		t.Fatalf("expected 25.0%% in output, got: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("t2")) {
		t.Fatalf("expected t2 row in output, got: %s", out)
	}
}
