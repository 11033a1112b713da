package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/webrelay/internal/lock"
	"github.com/msageha/webrelay/internal/model"
)

// Report is what `webrelay status` prints.
type Report struct {
	Daemon  DaemonStatus `json:"daemon"`
	Engine  *Snapshot    `json:"engine,omitempty"`
	Pending []string     `json:"pending_files,omitempty"`
}

type DaemonStatus struct {
	Running bool   `json:"running"`
	Pid     int    `json:"pid,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Options locate the engine to inspect.
type Options struct {
	LockPath string
	BaseURL  string
	InDir    string
	OutDir   string
	Client   *http.Client
}

// Collect gathers a Report: lock holder, live engine snapshot over HTTP and
// job files still waiting for a result.
func Collect(ctx context.Context, opts Options) Report {
	var r Report
	if pid, ok := lock.Holder(opts.LockPath); ok {
		r.Daemon.Running = true
		r.Daemon.Pid = pid
	}
	if opts.BaseURL != "" {
		r.Daemon.Addr = opts.BaseURL
		snap, err := fetchSnapshot(ctx, opts.Client, opts.BaseURL)
		if err != nil {
			r.Daemon.Error = err.Error()
		} else {
			r.Engine = &snap
		}
	}
	r.Pending = PendingFiles(opts.InDir, opts.OutDir)
	return r
}

func fetchSnapshot(ctx context.Context, client *http.Client, baseURL string) (Snapshot, error) {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/status", nil)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("engine status: HTTP %d", resp.StatusCode)
	}
	var s Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("decode status: %w", err)
	}
	return s, nil
}

// PendingFiles lists job files in inDir whose result file is missing from
// outDir or older than the job file.
func PendingFiles(inDir, outDir string) []string {
	entries, err := os.ReadDir(inDir)
	if err != nil {
		return nil
	}
	var pending []string
	for _, entry := range entries {
		if entry.IsDir() || !model.IsJobFileName(entry.Name()) {
			continue
		}
		jobInfo, err := entry.Info()
		if err != nil {
			continue
		}
		resInfo, err := os.Stat(filepath.Join(outDir, model.ResultFileName(entry.Name())))
		if err == nil && !resInfo.ModTime().Before(jobInfo.ModTime()) {
			continue
		}
		pending = append(pending, entry.Name())
	}
	return pending
}

// Print renders r for a terminal, or as indented JSON.
func Print(w io.Writer, r Report, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	if r.Daemon.Running {
		fmt.Fprintf(w, "Engine: running (pid %d)\n", r.Daemon.Pid)
	} else {
		fmt.Fprintln(w, "Engine: stopped")
	}
	if r.Daemon.Error != "" {
		fmt.Fprintf(w, "  %s: %s\n", r.Daemon.Addr, r.Daemon.Error)
	}

	if s := r.Engine; s != nil {
		fmt.Fprintf(w, "\nQueue depth: %d  busy: %v  processed: %d  failed: %d  dropped: %d\n",
			s.QueueDepth, s.Busy, s.Processed, s.Failed, s.Dropped)
		if s.CurrentJob != nil {
			fmt.Fprintf(w, "Current: %s (%s via %s, since %s)\n",
				s.CurrentJob.JobID, s.CurrentJob.Kind, s.CurrentJob.Ingress,
				s.CurrentJob.StartedAt.Format(time.RFC3339))
		}
		if len(s.LastResults) > 0 {
			fmt.Fprintln(w, "\nLast results:")
			fmt.Fprintf(w, "  %-28s  %-12s  %-4s  %8s  %s\n", "JOB", "KIND", "OK", "MS", "ACTION/ERROR")
			for _, res := range s.LastResults {
				detail := res.Action
				if !res.OK {
					detail = res.Error
				}
				fmt.Fprintf(w, "  %-28s  %-12s  %-4v  %8d  %s\n", res.JobID, res.Kind, res.OK, res.DurationMs, detail)
			}
		}
	}

	if len(r.Pending) > 0 {
		fmt.Fprintf(w, "\nPending job files (%d):\n", len(r.Pending))
		for _, name := range r.Pending {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
	return nil
}
