package realtime

import (
	"context"
	"sync"
)

const defaultBufferSize = 32

// Dispatcher delivers events to in-process subscribers grouped by topic.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	observer    Observer
}

type subscriber struct {
	id     int64
	stream chan Event
	once   sync.Once
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.bufferSize = size
		}
	}
}

// WithObserver attaches delivery instrumentation.
func WithObserver(observer Observer) DispatcherOption {
	return func(d *Dispatcher) {
		if observer != nil {
			d.observer = observer
		}
	}
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	dispatcher := &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		observer:    noopObserver{},
	}
	for _, option := range options {
		option(dispatcher)
	}
	return dispatcher
}

// Subscribe registers a stream for topic. The stream is closed once ctx is done or the
// returned cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(topic, sub)
	cleanup := func() {
		d.unregisterSubscriber(topic, sub)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers event to every subscriber of its topic, dropping it for subscribers whose
// buffer is full.
func (d *Dispatcher) Publish(event Event) {
	if event.Topic == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[event.Topic] {
		select {
		case sub.stream <- event:
		default:
			d.observer.EventDropped()
		}
	}
}

// SubscriberCount reports the number of subscribers of topic.
func (d *Dispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
	d.observer.SubscriberAdded()
}

func (d *Dispatcher) unregisterSubscriber(topic string, sub *subscriber) {
	sub.once.Do(func() {
		d.mu.Lock()
		subscribers := d.subscribers[topic]
		if subscribers != nil {
			delete(subscribers, sub.id)
			if len(subscribers) == 0 {
				delete(d.subscribers, topic)
			}
		}
		close(sub.stream)
		d.mu.Unlock()
		d.observer.SubscriberRemoved()
	})
}
