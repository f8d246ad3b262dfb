// Package eventbus is the synchronous publish/subscribe hub linking the
// arbitration core to the node adapters.
//
// Delivery is totally ordered. Whoever publishes while no delivery is running
// drains the queue on its own goroutine, invoking handlers in subscription
// order. A publish issued from inside a handler (or concurrently from another
// goroutine) is queued and delivered by the active drainer once the current
// event has reached every subscriber, so handlers may publish without
// deadlocking.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Topic names an event stream
type Topic string

const (
	TopicDiscover   Topic = "discover"
	TopicScanStatus Topic = "scanStatus"
	TopicScanStart  Topic = "scanStart"
	TopicScanStop   Topic = "scanStop"
	TopicConnect    Topic = "connect"
	TopicDisconnect Topic = "disconnect"
	TopicNotify     Topic = "notify"
)

// Topics lists every topic in a stable order
var Topics = []Topic{
	TopicDiscover,
	TopicScanStatus,
	TopicScanStart,
	TopicScanStop,
	TopicConnect,
	TopicDisconnect,
	TopicNotify,
}

// Event is one published message. Payload types are owned by the publishing package.
type Event struct {
	ID      ulid.ULID `json:"id"`
	Topic   Topic     `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Handler receives events. It must not block on work that needs another event delivered.
type Handler func(Event)

// Metrics counters are updated atomically
type Metrics struct {
	Published atomic.Uint64
	Delivered atomic.Uint64
	Panics    atomic.Uint64
}

// Bus is a synchronous, ordered event bus
type Bus struct {
	logger *logrus.Logger

	mu       sync.Mutex
	nextID   uint64
	topics   map[Topic]*orderedmap.OrderedMap[uint64, Handler]
	wildcard *orderedmap.OrderedMap[uint64, Handler]
	queue    []Event
	draining bool

	metrics Metrics
}

// New creates an empty bus
func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		logger:   logger,
		topics:   make(map[Topic]*orderedmap.OrderedMap[uint64, Handler]),
		wildcard: orderedmap.New[uint64, Handler](),
	}
}

// Subscribe registers h for topic. The returned func unsubscribes and is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		subs = orderedmap.New[uint64, Handler]()
		b.topics[topic] = subs
	}
	b.nextID++
	id := b.nextID
	subs.Set(id, h)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs.Delete(id)
	}
}

// SubscribeAll registers h for every topic; it runs after the topic's own subscribers.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.wildcard.Set(id, h)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard.Delete(id)
	}
}

// Subscribers returns the number of handlers registered for topic
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		return subs.Len()
	}
	return 0
}

// Publish queues an event and, unless a delivery is already running, delivers
// the queue before returning.
func (b *Bus) Publish(topic Topic, payload any) Event {
	ev := Event{
		ID:      ulid.Make(),
		Topic:   topic,
		Time:    time.Now(),
		Payload: payload,
	}
	b.metrics.Published.Add(1)

	b.mu.Lock()
	b.queue = append(b.queue, ev)
	if b.draining {
		b.mu.Unlock()
		return ev
	}
	b.draining = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		handlers := b.handlersLocked(next.Topic)
		b.mu.Unlock()

		for _, h := range handlers {
			b.deliver(h, next)
		}

		b.mu.Lock()
	}
	b.draining = false
	b.mu.Unlock()

	return ev
}

// Metrics exposes the bus counters
func (b *Bus) Metrics() *Metrics {
	return &b.metrics
}

func (b *Bus) handlersLocked(topic Topic) []Handler {
	var out []Handler
	if subs, ok := b.topics[topic]; ok {
		out = make([]Handler, 0, subs.Len()+b.wildcard.Len())
		for pair := subs.Oldest(); pair != nil; pair = pair.Next() {
			out = append(out, pair.Value)
		}
	}
	for pair := b.wildcard.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.Panics.Add(1)
			b.logger.WithFields(logrus.Fields{
				"topic": ev.Topic,
				"event": ev.ID.String(),
				"panic": r,
			}).Error("Event handler panicked")
		}
	}()
	h(ev)
	b.metrics.Delivered.Add(1)
}
