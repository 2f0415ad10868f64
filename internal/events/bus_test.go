package events

import (
	"sync"
	"testing"
	"time"

	"github.com/kestrel-dl/kestrel/internal/model"
)

func taskSnapshot(id string, state model.TaskState) model.TaskSnapshot {
	return model.TaskSnapshot{TaskID: id, State: state}
}

func TestPublishTaskAddedDeliversToSubscriber(t *testing.T) {
	b := NewBus(0)
	received := make(chan TaskEvent, 1)
	b.Subscribe(TopicTaskAdded, func(e TaskEvent) { received <- e })

	b.PublishTaskAdded(taskSnapshot("t1", model.StatePending))

	select {
	case e := <-received:
		if e.Snapshot.TaskID != "t1" {
			t.Fatalf("unexpected snapshot: %+v", e.Snapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishRejectsInvalidSnapshot(t *testing.T) {
	b := NewBus(0)
	var calls int
	b.Subscribe(TopicTaskUpdated, func(TaskEvent) { calls++ })

	b.PublishTransition(model.TaskSnapshot{TaskID: "", State: model.StatePending})

	if calls != 0 {
		t.Fatalf("expected an invalid snapshot to never reach subscribers, got %d calls", calls)
	}
}

func TestProgressEventsAreThrottledPerTask(t *testing.T) {
	b := NewBus(50 * time.Millisecond)
	var mu sync.Mutex
	var calls int
	b.Subscribe(TopicTaskUpdated, func(TaskEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		b.PublishProgress(taskSnapshot("t1", model.StateDownloading))
	}
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected only the first progress event to pass the throttle, got %d calls", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(0)
	var calls int
	id := b.Subscribe(TopicTaskAdded, func(TaskEvent) { calls++ })
	b.Unsubscribe(TopicTaskAdded, id)

	b.PublishTaskAdded(taskSnapshot("t1", model.StatePending))

	if calls != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d calls", calls)
	}
}

func TestSubscriberPanicDoesNotTakeDownOtherSubscribers(t *testing.T) {
	b := NewBus(0)
	b.Subscribe(TopicTaskAdded, func(TaskEvent) { panic("boom") })
	var calledOK bool
	b.Subscribe(TopicTaskAdded, func(TaskEvent) { calledOK = true })

	b.PublishTaskAdded(taskSnapshot("t1", model.StatePending))

	if !calledOK {
		t.Fatalf("expected the second subscriber to still run despite the first panicking")
	}
}

func TestQueueStatusDeliversToSubscriber(t *testing.T) {
	b := NewBus(0)
	received := make(chan QueueStatusEvent, 1)
	b.SubscribeQueueStatus(func(e QueueStatusEvent) { received <- e })

	b.PublishQueueStatus(QueueStatusEvent{ActiveCount: 2, PendingCount: 3})

	select {
	case e := <-received:
		if e.ActiveCount != 2 || e.PendingCount != 3 {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queue status event")
	}
}
