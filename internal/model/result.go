package model

import (
	"encoding/json"
	"time"
)

// Outcome classifies how a job ended. It is not part of the wire shape.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeConnectivity Outcome = "connectivity"
	OutcomeValidation   Outcome = "validation"
	OutcomeInternal     Outcome = "internal"
	OutcomeDropped      Outcome = "dropped"
)

// Result is the single outcome of a Job. Exactly one of Action and Error is
// set: Action when OK, Error otherwise.
type Result struct {
	JobID       string
	Kind        Kind
	CreatedAt   time.Time
	OK          bool
	Timing      time.Duration
	Handle      string
	SessionID   string
	Backend     string
	Complete    bool
	Action      ParsedAction
	Error       string
	PartialText string
	Outcome     Outcome
}

// resultWire is the UnifiedResult shape read by the dashboard and the worker
// scripts. Variant fields are flattened at top level.
type resultWire struct {
	JobID           string            `json:"job_id"`
	Kind            Kind              `json:"kind,omitempty"`
	CreatedAt       string            `json:"created_at"`
	OK              bool              `json:"ok"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	ConvoURL        string            `json:"convoUrl,omitempty"`
	SessionID       *string           `json:"session_id"`
	Backend         string            `json:"llm_backend,omitempty"`
	Complete        bool              `json:"complete"`
	Type            string            `json:"type,omitempty"`
	Action          string            `json:"action,omitempty"`
	Commentary      string            `json:"commentary,omitempty"`
	NewJobs         *[]JobDescriptor  `json:"new_jobs,omitempty"`
	Summary         string            `json:"summary,omitempty"`
	Target          string            `json:"target,omitempty"`
	Issues          []string          `json:"issues,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
	Thought         string            `json:"thought,omitempty"`
	Actions         *[]LCPAction      `json:"actions,omitempty"`
	Text            string            `json:"text,omitempty"`
	Sections        *SelfLoopSections `json:"sections,omitempty"`
	Error           string            `json:"error,omitempty"`
	PartialText     string            `json:"partial_text,omitempty"`
}

// Succeeded builds an ok Result for job carrying action.
func Succeeded(job Job, action ParsedAction) Result {
	return Result{
		JobID:     job.ID,
		Kind:      job.Kind,
		CreatedAt: time.Now().UTC(),
		OK:        true,
		SessionID: job.SessionID,
		Complete:  true,
		Action:    action,
		Outcome:   OutcomeOK,
	}
}

// Failed builds a failed Result for a job id. kind may be empty when the job
// document could not be decoded.
func Failed(jobID string, kind Kind, sessionID string, msg string) Result {
	return Result{
		JobID:     jobID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
		OK:        false,
		SessionID: sessionID,
		Error:     msg,
		Outcome:   OutcomeInternal,
	}
}

// Type returns the response type of a successful result.
func (r Result) Type() string {
	if !r.OK || r.Action == nil {
		return ""
	}
	return r.Action.ResponseType()
}

func (r Result) MarshalJSON() ([]byte, error) {
	w := resultWire{
		JobID:           r.JobID,
		Kind:            r.Kind,
		CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339Nano),
		OK:              r.OK,
		ExecutionTimeMs: r.Timing.Milliseconds(),
		ConvoURL:        r.Handle,
		Backend:         r.Backend,
		Complete:        r.Complete,
	}
	if r.SessionID != "" {
		sid := r.SessionID
		w.SessionID = &sid
	}
	if r.OK && r.Action != nil {
		w.Type = r.Action.ResponseType()
		w.Action = r.Action.ActionName()
		r.Action.fill(&w)
	} else {
		w.Error = r.Error
		w.PartialText = r.PartialText
	}
	return json.Marshal(w)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	res := Result{
		JobID:       w.JobID,
		Kind:        w.Kind,
		OK:          w.OK,
		Timing:      time.Duration(w.ExecutionTimeMs) * time.Millisecond,
		Handle:      w.ConvoURL,
		Backend:     w.Backend,
		Complete:    w.Complete,
		Error:       w.Error,
		PartialText: w.PartialText,
	}
	if ts, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		res.CreatedAt = ts.UTC()
	}
	if w.SessionID != nil {
		res.SessionID = *w.SessionID
	}
	if w.OK {
		res.Action = actionFromWire(w)
		res.Outcome = OutcomeOK
	}
	*r = res
	return nil
}
