// Package bus is the in-process fan-out for task transitions and pool
// events. It is a fast path only: anything durable lives in the broker, so
// a dropped event never loses state.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 128

// Topics. Task transitions are published under TopicTaskTransition plus the
// task id, so a subscriber can follow one task by prefix.
const (
	TopicTaskTransition = "task.transition."
	TopicWorkerState    = "pool.worker."
	TopicScaleDecision  = "pool.scale"
	TopicLeadership     = "scheduler.leader"
)

// TaskTopic is the topic for transitions of one task.
func TaskTopic(taskID string) string {
	return TopicTaskTransition + taskID
}

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers for every topic starting with prefix; "" matches all.
// Slow consumers miss events once their buffer is full.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber without blocking. A nil Bus
// drops the event.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
