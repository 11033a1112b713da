// Package status tracks engine activity for /api/status and prints it for
// `webrelay status`.
package status

import (
	"sync"
	"time"

	"github.com/msageha/webrelay/internal/events"
	"github.com/msageha/webrelay/internal/model"
)

const lastResultsLimit = 10

// JobRef identifies the job the worker is executing.
type JobRef struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Ingress   string    `json:"ingress"`
	StartedAt time.Time `json:"started_at"`
}

// ResultSummary is a finished job as shown in the status view.
type ResultSummary struct {
	JobID      string    `json:"job_id"`
	Kind       string    `json:"kind"`
	OK         bool      `json:"ok"`
	Status     string    `json:"status"`
	Action     string    `json:"action,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"execution_time_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// Snapshot is the engine status document.
type Snapshot struct {
	QueueDepth  int             `json:"queue_depth"`
	Busy        bool            `json:"busy"`
	CurrentJob  *JobRef         `json:"current_job"`
	Processed   int64           `json:"processed"`
	Failed      int64           `json:"failed"`
	Dropped     int64           `json:"dropped"`
	LastResults []ResultSummary `json:"last_results"`
}

// Tracker folds job lifecycle events into a Snapshot.
type Tracker struct {
	mu      sync.Mutex
	depth   int
	current *JobRef
	done    int64
	failed  int64
	dropped int64
	last    []ResultSummary
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Attach subscribes the tracker to bus and returns the unsubscribe function.
func (t *Tracker) Attach(bus *events.Bus) func() {
	return bus.Subscribe(t.Observe,
		events.EventJobQueued, events.EventJobStarted, events.EventJobFinished, events.EventJobDropped)
}

// Observe applies one event.
func (t *Tracker) Observe(e events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Type {
	case events.EventJobQueued:
		t.depth++
	case events.EventJobStarted:
		if t.depth > 0 {
			t.depth--
		}
		t.current = &JobRef{JobID: e.JobID, Kind: string(e.Kind), Ingress: e.Ingress, StartedAt: e.Timestamp}
	case events.EventJobFinished:
		if t.current != nil && t.current.JobID == e.JobID {
			t.current = nil
		}
		t.done++
		if e.Result != nil && !e.Result.OK {
			t.failed++
		}
		t.remember(e)
	case events.EventJobDropped:
		if t.depth > 0 {
			t.depth--
		}
		t.dropped++
		t.remember(e)
	}
}

func (t *Tracker) remember(e events.Event) {
	if e.Result == nil {
		return
	}
	r := e.Result
	s := ResultSummary{
		JobID:      r.JobID,
		Kind:       string(r.Kind),
		OK:         r.OK,
		Status:     string(model.StatusOf(*r)),
		Error:      r.Error,
		DurationMs: r.Timing.Milliseconds(),
		FinishedAt: e.Timestamp,
	}
	if e.Type == events.EventJobDropped {
		s.Status = string(model.JobStatusDropped)
	}
	if r.OK && r.Action != nil {
		s.Action = r.Action.ActionName()
	}
	t.last = append(t.last, s)
	if len(t.last) > lastResultsLimit {
		t.last = t.last[len(t.last)-lastResultsLimit:]
	}
}

// Snapshot returns a copy of the current status, newest result first.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		QueueDepth:  t.depth,
		Busy:        t.current != nil,
		Processed:   t.done,
		Failed:      t.failed,
		Dropped:     t.dropped,
		LastResults: make([]ResultSummary, 0, len(t.last)),
	}
	if t.current != nil {
		cur := *t.current
		s.CurrentJob = &cur
	}
	for i := len(t.last) - 1; i >= 0; i-- {
		s.LastResults = append(s.LastResults, t.last[i])
	}
	return s
}
