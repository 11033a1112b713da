package events

import (
	"sync"
	"testing"
	"time"

	"github.com/msageha/webrelay/internal/model"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(c.add, EventJobStarted)
	defer unsub()

	bus.Publish(Event{Type: EventJobStarted, JobID: "job_1", Kind: model.KindLLMCall, Ingress: "http"})
	waitFor(t, func() bool { return c.len() == 1 })

	c.mu.Lock()
	defer c.mu.Unlock()
	got := c.events[0]
	if got.JobID != "job_1" || got.Ingress != "http" {
		t.Errorf("unexpected event %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be stamped on publish")
	}
}

func TestBus_MultipleTypes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(c.add, EventJobQueued, EventJobFinished)
	defer unsub()

	res := model.Failed("job_2", model.KindAgentPlan, "", "boom")
	bus.Publish(Event{Type: EventJobQueued, JobID: "job_2"})
	bus.Publish(Event{Type: EventJobStarted, JobID: "job_2"})
	bus.Publish(Event{Type: EventJobFinished, JobID: "job_2", Result: &res})
	waitFor(t, func() bool { return c.len() == 2 })

	time.Sleep(20 * time.Millisecond)
	if c.len() != 2 {
		t.Errorf("expected 2 events, got %d", c.len())
	}
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	defer close(block)
	bus.Subscribe(func(Event) { <-block }, EventJobQueued)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(Event{Type: EventJobQueued})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if bus.Dropped() == 0 {
		t.Error("expected dropped events to be counted")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(c.add, EventJobStarted)
	bus.Publish(Event{Type: EventJobStarted})
	waitFor(t, func() bool { return c.len() == 1 })

	unsub()
	unsub()
	bus.Publish(Event{Type: EventJobStarted})
	time.Sleep(20 * time.Millisecond)
	if c.len() != 1 {
		t.Errorf("expected 1 event before unsubscribe, got %d", c.len())
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	bus.Subscribe(func(Event) { panic("test panic") }, EventJobStarted)
	bus.Subscribe(c.add, EventJobStarted)

	bus.Publish(Event{Type: EventJobStarted})
	bus.Publish(Event{Type: EventJobStarted})
	waitFor(t, func() bool { return c.len() == 2 })
}

func TestBus_CloseThenUnsubscribe(t *testing.T) {
	bus := NewBus(10)
	unsub := bus.Subscribe(func(Event) {}, EventJobStarted)
	bus.Close()
	bus.Close()
	unsub()
	bus.Publish(Event{Type: EventJobStarted})

	var nilBus *Bus
	nilBus.Publish(Event{Type: EventJobStarted})
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(100)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Subscribe(func(Event) {}, EventJobStarted)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(Event{Type: EventJobStarted, JobID: "job"})
	}
}
