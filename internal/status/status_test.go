package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/msageha/webrelay/internal/events"
	"github.com/msageha/webrelay/internal/lock"
	"github.com/msageha/webrelay/internal/model"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker()
	tr.Observe(events.Event{Type: events.EventJobQueued, JobID: "a"})
	tr.Observe(events.Event{Type: events.EventJobQueued, JobID: "b"})
	tr.Observe(events.Event{Type: events.EventJobStarted, JobID: "a", Kind: model.KindLLMCall, Ingress: "http"})

	s := tr.Snapshot()
	if s.QueueDepth != 1 || !s.Busy || s.CurrentJob == nil || s.CurrentJob.JobID != "a" {
		t.Fatalf("unexpected snapshot while running: %+v", s)
	}

	ok := model.Succeeded(model.Job{ID: "a", Kind: model.KindLLMCall}, model.PlainText{Summary: "hi"})
	tr.Observe(events.Event{Type: events.EventJobFinished, JobID: "a", Result: &ok})
	failed := model.Failed("b", model.KindLLMCall, "", "engine stopped before job started")
	tr.Observe(events.Event{Type: events.EventJobDropped, JobID: "b", Result: &failed})

	s = tr.Snapshot()
	if s.Busy || s.CurrentJob != nil {
		t.Errorf("engine should be idle: %+v", s)
	}
	if s.QueueDepth != 0 || s.Processed != 1 || s.Failed != 0 || s.Dropped != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if len(s.LastResults) != 2 || s.LastResults[0].JobID != "b" || s.LastResults[1].Action != "plain_text" {
		t.Errorf("unexpected last results: %+v", s.LastResults)
	}
	if s.LastResults[0].Status != "dropped" || s.LastResults[1].Status != "succeeded" {
		t.Errorf("unexpected statuses: %q, %q", s.LastResults[0].Status, s.LastResults[1].Status)
	}
}

func TestTracker_KeepsLastTen(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 15; i++ {
		res := model.Failed("j", model.KindLLMCall, "", "x")
		tr.Observe(events.Event{Type: events.EventJobFinished, Result: &res})
	}
	s := tr.Snapshot()
	if len(s.LastResults) != lastResultsLimit {
		t.Errorf("expected %d results, got %d", lastResultsLimit, len(s.LastResults))
	}
	if s.Failed != 15 {
		t.Errorf("failed = %d, want 15", s.Failed)
	}
}

func TestTracker_AttachToBus(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()
	tr := NewTracker()
	defer tr.Attach(bus)()

	bus.Publish(events.Event{Type: events.EventJobQueued, JobID: "x"})
	deadline := time.Now().Add(time.Second)
	for tr.Snapshot().QueueDepth != 1 {
		if time.Now().After(deadline) {
			t.Fatal("tracker did not observe the queued event")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPendingFiles(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	write := func(dir, name string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write(in, "done.job.json")
	write(in, "open.json")
	write(in, ".hidden.json")
	write(in, "notes.txt")
	write(out, "done.result.json")
	future := time.Now().Add(time.Hour)
	os.Chtimes(filepath.Join(out, "done.result.json"), future, future)

	got := PendingFiles(in, out)
	if len(got) != 1 || got[0] != "open.json" {
		t.Errorf("PendingFiles = %v, want [open.json]", got)
	}
	if PendingFiles(filepath.Join(in, "missing"), out) != nil {
		t.Error("missing dir should give no pending files")
	}
}

func TestCollect_RunningEngine(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "webrelay.lock")
	fl := lock.NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatal(err)
	}
	defer fl.Unlock()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(Snapshot{QueueDepth: 2, Busy: true, Processed: 7})
	}))
	defer srv.Close()

	r := Collect(context.Background(), Options{LockPath: lockPath, BaseURL: srv.URL, InDir: dir, OutDir: dir})
	if !r.Daemon.Running || r.Daemon.Pid != os.Getpid() {
		t.Errorf("daemon = %+v", r.Daemon)
	}
	if r.Engine == nil || r.Engine.QueueDepth != 2 || r.Engine.Processed != 7 {
		t.Errorf("engine = %+v", r.Engine)
	}
}

func TestCollect_Stopped(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	r := Collect(context.Background(), Options{LockPath: filepath.Join(dir, "none.lock"), BaseURL: srv.URL})
	if r.Daemon.Running || r.Engine != nil || r.Daemon.Error == "" {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestPrint(t *testing.T) {
	r := Report{
		Daemon: DaemonStatus{Running: true, Pid: 42},
		Engine: &Snapshot{
			QueueDepth:  1,
			Busy:        true,
			CurrentJob:  &JobRef{JobID: "job_1", Kind: "agent_plan", Ingress: "file"},
			LastResults: []ResultSummary{{JobID: "job_0", Kind: "llm_call", OK: false, Error: "timeout: no reply"}},
		},
		Pending: []string{"x.json"},
	}
	var buf bytes.Buffer
	if err := Print(&buf, r, false); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"running (pid 42)", "Current: job_1", "timeout: no reply", "x.json"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := Print(&buf, r, true); err != nil {
		t.Fatal(err)
	}
	var decoded Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json output: %v", err)
	}
	if decoded.Engine.CurrentJob.JobID != "job_1" {
		t.Errorf("decoded = %+v", decoded.Engine)
	}
}
