package controlsock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/events"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/queue"
)

type blockingExecutor struct{ release chan struct{} }

func (b *blockingExecutor) Execute(ctx context.Context, task *model.Task, report queue.ProgressReporter) error {
	report(0, 100, 0)
	select {
	case <-b.release:
	case <-ctx.Done():
		return model.NewError(model.KindCancelled, ctx.Err())
	}
	report(100, 100, 10)
	return nil
}

func startTestServer(t *testing.T) (*Client, *queue.Manager) {
	t.Helper()
	opts := config.Defaults()
	bus := events.NewBus(10 * time.Millisecond)
	exec := &blockingExecutor{release: make(chan struct{})}
	manager := queue.NewManager(opts, bus, exec)

	ctx, cancel := context.WithCancel(context.Background())
	go manager.Run(ctx)
	t.Cleanup(cancel)

	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewServer(manager, sockPath, func() string { return "generated-id" }, 3)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	return NewClient(sockPath), manager
}

func TestEnqueueThroughSocket(t *testing.T) {
	client, _ := startTestServer(t)

	resp, err := client.Do(Request{Action: ActionEnqueue, URL: "http://example.com/a", Destination: "/tmp/a"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !resp.OK {
		t.Fatalf("enqueue failed: %s", resp.Error)
	}
	if resp.Snapshot == nil || resp.Snapshot.TaskID != "generated-id" {
		t.Fatalf("unexpected snapshot: %+v", resp.Snapshot)
	}
}

func TestStatusListsAllTasks(t *testing.T) {
	client, _ := startTestServer(t)

	client.Do(Request{Action: ActionEnqueue, TaskID: "t1", URL: "http://example.com/a", Destination: "/tmp/a"})
	client.Do(Request{Action: ActionEnqueue, TaskID: "t2", URL: "http://example.com/b", Destination: "/tmp/b"})

	resp, err := client.Do(Request{Action: ActionStatus})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !resp.OK || len(resp.Snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %+v", resp)
	}
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	client, manager := startTestServer(t)

	client.Do(Request{Action: ActionEnqueue, TaskID: "t1", URL: "http://example.com/a", Destination: "/tmp/a"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := manager.Snapshot("t1"); ok && snap.State == model.StateDownloading {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := client.Do(Request{Action: ActionPause, TaskID: "t1"})
	if err != nil || !resp.OK {
		t.Fatalf("pause failed: %v %+v", err, resp)
	}
	snap, ok := manager.Snapshot("t1")
	if !ok || snap.State != model.StatePaused {
		t.Fatalf("expected paused, got %+v", snap)
	}

	resp, err = client.Do(Request{Action: ActionResume, TaskID: "t1"})
	if err != nil || !resp.OK {
		t.Fatalf("resume failed: %v %+v", err, resp)
	}
}

func TestCancelUnknownTaskReportsError(t *testing.T) {
	client, _ := startTestServer(t)

	resp, err := client.Do(Request{Action: ActionCancel, TaskID: "missing"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.OK {
		t.Fatalf("expected failure for unknown task")
	}
}
