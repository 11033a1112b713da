package model

import "fmt"

// JobStatus is the lifecycle position of a job inside the engine.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDropped   JobStatus = "dropped"
)

var terminalJobStatuses = map[JobStatus]bool{
	JobStatusSucceeded: true,
	JobStatusFailed:    true,
	JobStatusDropped:   true,
}

// queued → running → terminal; queued → dropped when the engine stops first
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRunning: true,
		JobStatusDropped: true,
	},
	JobStatusRunning: {
		JobStatusSucceeded: true,
		JobStatusFailed:    true,
	},
}

func IsTerminal(s JobStatus) bool {
	return terminalJobStatuses[s]
}

func ValidateJobTransition(from, to JobStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid job transition: %q → %q", from, to)
	}
	return nil
}

// StatusOf maps a finished Result to its terminal status.
func StatusOf(r Result) JobStatus {
	if r.OK {
		return JobStatusSucceeded
	}
	return JobStatusFailed
}
