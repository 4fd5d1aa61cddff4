// Package notify fans out entity change events to in-process subscribers of the
// same user.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// EventEntitiesChanged is published after a push or completion touches entities.
const EventEntitiesChanged = "entities-changed"

const defaultBufferSize = 16

// Message describes which entities changed for one user.
type Message struct {
	UserID    string
	EventType string
	Touched   map[string][]string
	Timestamp time.Time
}

// Dispatcher delivers messages to every subscriber of the message's user.
// Publishing never blocks. When a subscriber's buffer is full its touched ids
// are held back and merged into the next message that fits, so a slow reader
// sees fewer, larger messages but no lost ids.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message

	mu      sync.Mutex
	pending map[string]map[string]struct{}
}

// deliver sends message merged with anything held back from earlier publishes.
func (s *subscriber) deliver(message Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		mergeTouched(s.pending, message.Touched)
		message.Touched = flattenTouched(s.pending)
	}
	select {
	case s.stream <- message:
		s.pending = nil
	default:
		if s.pending == nil {
			s.pending = make(map[string]map[string]struct{})
			mergeTouched(s.pending, message.Touched)
		}
	}
}

func mergeTouched(into map[string]map[string]struct{}, touched map[string][]string) {
	for collection, ids := range touched {
		set, ok := into[collection]
		if !ok {
			set = make(map[string]struct{}, len(ids))
			into[collection] = set
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}
}

func flattenTouched(sets map[string]map[string]struct{}) map[string][]string {
	touched := make(map[string][]string, len(sets))
	for collection, set := range sets {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		touched[collection] = ids
	}
	return touched
}

// NewDispatcher constructs a Dispatcher with per-subscriber buffers of bufferSize.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream for userID that lives until ctx ends or the
// returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan Message, func()) {
	if userID == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(userID, entry)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(userID, entry.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish delivers message to the user's current subscribers.
func (d *Dispatcher) Publish(message Message) {
	if message.UserID == "" || message.EventType == "" || len(message.Touched) == 0 {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(subscribers))
	for _, entry := range subscribers {
		targets = append(targets, entry)
	}
	d.mu.RUnlock()

	for _, entry := range targets {
		entry.deliver(message)
	}
}

// Subscribers reports how many streams are registered for userID.
func (d *Dispatcher) Subscribers(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(userID string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*subscriber)
	}
	d.subscribers[userID][entry.id] = entry
}

func (d *Dispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
