package model

import "testing"

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusQueued, false},
		{JobStatusRunning, false},
		{JobStatusSucceeded, true},
		{JobStatusFailed, true},
		{JobStatusDropped, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidateJobTransition(t *testing.T) {
	valid := []struct {
		from, to JobStatus
	}{
		{JobStatusQueued, JobStatusRunning},
		{JobStatusQueued, JobStatusDropped},
		{JobStatusRunning, JobStatusSucceeded},
		{JobStatusRunning, JobStatusFailed},
	}
	for _, tt := range valid {
		t.Run(string(tt.from)+"→"+string(tt.to), func(t *testing.T) {
			if err := ValidateJobTransition(tt.from, tt.to); err != nil {
				t.Errorf("expected valid, got error: %v", err)
			}
		})
	}

	invalid := []struct {
		from, to JobStatus
	}{
		{JobStatusQueued, JobStatusSucceeded},
		{JobStatusQueued, JobStatusFailed},
		{JobStatusRunning, JobStatusQueued},
		{JobStatusRunning, JobStatusDropped}, // in-flight jobs always finish
		{JobStatusSucceeded, JobStatusRunning},
		{JobStatusFailed, JobStatusQueued},
		{JobStatusDropped, JobStatusRunning},
		{"unknown", JobStatusRunning},
	}
	for _, tt := range invalid {
		t.Run("invalid_"+string(tt.from)+"→"+string(tt.to), func(t *testing.T) {
			if err := ValidateJobTransition(tt.from, tt.to); err == nil {
				t.Errorf("expected error for %q → %q", tt.from, tt.to)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	if got := StatusOf(Result{OK: true}); got != JobStatusSucceeded {
		t.Errorf("StatusOf(ok) = %q", got)
	}
	if got := StatusOf(Result{OK: false, Error: "x"}); got != JobStatusFailed {
		t.Errorf("StatusOf(failed) = %q", got)
	}
}
