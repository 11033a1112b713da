// Package events carries job lifecycle notifications from the engine to
// observers such as the status tracker and metrics.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/webrelay/internal/model"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventJobQueued is published when a job enters the queue.
	EventJobQueued EventType = "job_queued"
	// EventJobStarted is published when the worker picks a job up.
	EventJobStarted EventType = "job_started"
	// EventJobFinished is published with the job's Result.
	EventJobFinished EventType = "job_finished"
	// EventJobDropped is published for queued jobs answered at shutdown.
	EventJobDropped EventType = "job_dropped"
)

// Event is one lifecycle notification. Result is set for finished and
// dropped jobs.
type Event struct {
	Type      EventType
	Timestamp time.Time
	JobID     string
	Kind      model.Kind
	Ingress   string
	Result    *model.Result
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber has a buffered
// channel drained by its own goroutine; an event for a full channel is
// dropped and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for the given event types and returns an
// unsubscribe function. A panicking subscriber does not stop delivery.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, subCh := range subs {
					if subCh == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
}

// Publish stamps e and hands it to every subscriber of its type without
// blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for _, ch := range b.subscribers[e.Type] {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts events lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, eventType)
	}
}
