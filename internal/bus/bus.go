// Package bus is an in-process publish/subscribe hub for change
// notifications. Channel subscribers may miss events when they fall behind;
// handler subscribers receive every event in publish order.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Task topics. Payloads are defined by the publisher.
const (
	TopicTaskChanged     = "task.changed"
	TopicTaskConflict    = "task.conflict"
	TopicTaskQuarantined = "task.quarantined"
	TopicConfigReloaded  = "config.reloaded"
)

// Subscription represents an active subscription.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	q       *queue
	dropped atomic.Uint64
}

// Ch returns the channel to receive events on. It is nil for handler
// subscriptions.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped counts events discarded because the channel buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.add(&Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	})
}

// SubscribeFunc calls fn for every matching event on a goroutine owned by the
// subscription. Events queue without bound while fn runs, so none are lost.
// The returned cancel stops delivery; it is safe to call from inside fn.
func (b *Bus) SubscribeFunc(topicPrefix string, fn func(Event)) (cancel func()) {
	q := newQueue()
	sub := b.add(&Subscription{prefix: topicPrefix, q: q})
	go q.run(fn)
	var once sync.Once
	return func() {
		once.Do(func() { b.Unsubscribe(sub) })
	}
}

func (b *Bus) add(sub *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		if sub.q != nil {
			sub.q.close()
		} else {
			close(sub.ch)
		}
	}
}

// Publish sends an event to all matching subscribers.
// Channel delivery is non-blocking: if a subscriber's buffer is full, the
// event is dropped for that subscriber.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		if sub.q != nil {
			sub.q.push(event)
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) run(fn func(Event)) {
	for range q.wake {
		for {
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				return
			}
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			fn(ev)
		}
	}
}
