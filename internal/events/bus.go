// Package events implements the thread-safe event bus: task lifecycle and
// queue status events delivered to subscribers through a
// recover()-guarded dispatch, so one subscriber's panic can never take
// down the bus or another subscriber.
package events

import (
	"sync"
	"time"

	"github.com/kestrel-dl/kestrel/internal/logging"
	"github.com/kestrel-dl/kestrel/internal/model"
)

// Topic names the three event channels the bus publishes on.
type Topic string

const (
	TopicTaskAdded    Topic = "TASK_ADDED"
	TopicTaskUpdated  Topic = "TASK_UPDATED"
	TopicQueueStatus  Topic = "QUEUE_STATUS"
)

// TaskEvent is delivered on TopicTaskAdded and TopicTaskUpdated.
type TaskEvent struct {
	Topic     Topic
	Snapshot  model.TaskSnapshot
	IsProgressOnly bool
}

// QueueStatusEvent is delivered on TopicQueueStatus.
type QueueStatusEvent struct {
	ActiveCount  int
	PendingCount int
	At           time.Time
}

// Handler receives TaskEvents. A handler that panics is caught by the bus
// and logged; it never affects other subscribers or the emitter.
type Handler func(TaskEvent)

// QueueHandler receives QueueStatusEvents, same isolation guarantee.
type QueueHandler func(QueueStatusEvent)

type subscription struct {
	id      int
	handler Handler
}

type queueSubscription struct {
	id      int
	handler QueueHandler
}

var log = logging.Get("events")

// Bus is the process-wide pub/sub owner. Construct one at process start and
// pass it by handle; it is safe for concurrent use, including subscribing
// and unsubscribing from within a handler callback.
type Bus struct {
	mu            sync.RWMutex
	taskSubs      map[Topic][]subscription
	queueSubs     []queueSubscription
	nextID        int
	throttleEvery time.Duration
	lastProgress  map[string]time.Time
}

// NewBus constructs a Bus. progressThrottle bounds how often per-task
// progress TASK_UPDATED events are emitted for the same task; 0 disables
// throttling.
func NewBus(progressThrottle time.Duration) *Bus {
	return &Bus{
		taskSubs:      make(map[Topic][]subscription),
		throttleEvery: progressThrottle,
		lastProgress:  make(map[string]time.Time),
	}
}

// Subscribe registers handler on topic and returns a token usable with
// Unsubscribe. Safe to call during emission.
func (b *Bus) Subscribe(topic Topic, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.taskSubs[topic] = append(b.taskSubs[topic], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a previously registered handler. Safe to call during
// emission; an in-flight dispatch to that handler still completes.
func (b *Bus) Unsubscribe(topic Topic, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.taskSubs[topic]
	for i, s := range subs {
		if s.id == id {
			b.taskSubs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SubscribeQueueStatus registers handler on TopicQueueStatus.
func (b *Bus) SubscribeQueueStatus(handler QueueHandler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.queueSubs = append(b.queueSubs, queueSubscription{id: id, handler: handler})
	return id
}

// PublishTaskAdded emits on TopicTaskAdded. State-transition events are
// never throttled.
func (b *Bus) PublishTaskAdded(snap model.TaskSnapshot) {
	b.publish(TaskEvent{Topic: TopicTaskAdded, Snapshot: snap})
}

// PublishTransition emits an immediate, never-coalesced TASK_UPDATED event
// for a state transition.
func (b *Bus) PublishTransition(snap model.TaskSnapshot) {
	b.publish(TaskEvent{Topic: TopicTaskUpdated, Snapshot: snap})
}

// PublishProgress emits a TASK_UPDATED event for a progress update,
// subject to per-task throttling: at most one per throttleEvery window per
// task ID.
func (b *Bus) PublishProgress(snap model.TaskSnapshot) {
	if b.throttleEvery > 0 {
		b.mu.Lock()
		last, ok := b.lastProgress[snap.TaskID]
		now := time.Now()
		if ok && now.Sub(last) < b.throttleEvery {
			b.mu.Unlock()
			return
		}
		b.lastProgress[snap.TaskID] = now
		b.mu.Unlock()
	}
	b.publish(TaskEvent{Topic: TopicTaskUpdated, Snapshot: snap, IsProgressOnly: true})
}

// PublishQueueStatus emits on TopicQueueStatus.
func (b *Bus) PublishQueueStatus(evt QueueStatusEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	subs := append([]queueSubscription(nil), b.queueSubs...)
	b.mu.RUnlock()
	for _, s := range subs {
		b.dispatchQueue(s, evt)
	}
}

func (b *Bus) publish(evt TaskEvent) {
	if err := model.ValidateSnapshot(evt.Snapshot); err != nil {
		log.Error().Err(err).Str("task_id", evt.Snapshot.TaskID).Msg("rejecting invalid snapshot before emission")
		return
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.taskSubs[evt.Topic]...)
	b.mu.RUnlock()
	for _, s := range subs {
		b.dispatchTask(s, evt)
	}
}

func (b *Bus) dispatchTask(s subscription, evt TaskEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("subscriber", s.id).Msg("event subscriber panicked; isolated")
		}
	}()
	s.handler(evt)
}

func (b *Bus) dispatchQueue(s queueSubscription, evt QueueStatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("subscriber", s.id).Msg("queue status subscriber panicked; isolated")
		}
	}()
	s.handler(evt)
}
