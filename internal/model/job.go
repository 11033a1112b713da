// Package model defines the job, result and configuration types shared by the
// webrelay engine and its ingress paths.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind selects the payload schema and the prompt protocol of a job.
type Kind string

const (
	KindLLMCall    Kind = "llm_call"
	KindAgentPlan  Kind = "agent_plan"
	KindSelfLoop   Kind = "self_loop"
	KindGenericLCP Kind = "generic_lcp"
)

// Ingress paths a job can arrive on.
const (
	IngressHTTP = "http"
	IngressFile = "file"
)

// Known reports whether k is one of the four protocol kinds. Unknown kinds are
// still accepted and decoded with the generic schema.
func (k Kind) Known() bool {
	switch k {
	case KindLLMCall, KindAgentPlan, KindSelfLoop, KindGenericLCP:
		return true
	}
	return false
}

// Job is one unit of work relayed to the answer-generating agent. It is
// immutable once submitted.
type Job struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time
	Payload   Payload
	SessionID string
	Meta      map[string]any
}

// jobWire is the UnifiedJob shape shared by both ingress paths.
type jobWire struct {
	JobID     string          `json:"job_id"`
	Kind      Kind            `json:"kind"`
	CreatedAt string          `json:"created_at,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID *string         `json:"session_id,omitempty"`
	Meta      map[string]any  `json:"meta,omitempty"`
}

// DecodeJob parses a UnifiedJob document and validates it. now is used when the
// document carries no created_at.
func DecodeJob(data []byte, now time.Time) (Job, error) {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Job{}, &ValidationError{Field: "job", Message: fmt.Sprintf("not a JSON job document: %v", err)}
	}
	return w.toJob(now)
}

func (w jobWire) toJob(now time.Time) (Job, error) {
	job := Job{
		ID:        strings.TrimSpace(w.JobID),
		Kind:      Kind(strings.TrimSpace(string(w.Kind))),
		CreatedAt: now.UTC(),
		Meta:      w.Meta,
	}
	if w.SessionID != nil {
		job.SessionID = *w.SessionID
	}
	if w.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
			job.CreatedAt = ts.UTC()
		}
	}

	payload, err := decodePayload(job.Kind, w.Payload)
	if err != nil {
		return Job{}, err
	}
	job.Payload = payload

	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Validate checks the fields every ingress path requires.
func (j Job) Validate() error {
	if j.ID == "" {
		return &ValidationError{Field: "job_id", Message: "required"}
	}
	if j.Kind == "" {
		return &ValidationError{Field: "kind", Message: "required"}
	}
	if j.Payload == nil {
		return &ValidationError{Field: "payload", Message: "required"}
	}
	return nil
}

// UnmarshalJSON decodes a UnifiedJob document. It does not validate; use
// DecodeJob at ingress.
func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	job := Job{
		ID:        w.JobID,
		Kind:      w.Kind,
		CreatedAt: time.Now().UTC(),
		Meta:      w.Meta,
	}
	if w.SessionID != nil {
		job.SessionID = *w.SessionID
	}
	if ts, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		job.CreatedAt = ts.UTC()
	}
	payload, err := decodePayload(job.Kind, w.Payload)
	if err != nil {
		return err
	}
	job.Payload = payload
	*j = job
	return nil
}

// MarshalJSON renders the job back into its UnifiedJob shape.
func (j Job) MarshalJSON() ([]byte, error) {
	w := jobWire{
		JobID: j.ID,
		Kind:  j.Kind,
		Meta:  j.Meta,
	}
	if !j.CreatedAt.IsZero() {
		w.CreatedAt = j.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if j.SessionID != "" {
		sid := j.SessionID
		w.SessionID = &sid
	}
	if j.Payload != nil {
		var v any = j.Payload
		if f := j.Payload.RawFields(); f != nil {
			v = f
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// PlanView returns the structured-automation view of the payload, if it has
// one: every agent_plan payload, and a payload of any other kind carrying both
// a mission and a task.
func (j Job) PlanView() (AgentPlanPayload, bool) {
	switch p := j.Payload.(type) {
	case nil:
		return AgentPlanPayload{}, false
	case *AgentPlanPayload:
		return *p, true
	case *GenericPayload:
		if p.Mission != nil && p.Task != nil {
			return AgentPlanPayload{
				Raw:          p.Raw,
				Mission:      p.Mission,
				Task:         p.Task,
				ProjectRoot:  p.ProjectRoot,
				Iteration:    p.Iteration,
				PriorResults: p.PriorResults,
			}, true
		}
		return AgentPlanPayload{}, false
	}

	fields := j.Payload.RawFields()
	if fields == nil || fields["mission"] == nil || fields["task"] == nil {
		return AgentPlanPayload{}, false
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return AgentPlanPayload{}, false
	}
	var view AgentPlanPayload
	if err := json.Unmarshal(raw, &view); err != nil || view.Mission == nil || view.Task == nil {
		return AgentPlanPayload{}, false
	}
	view.Fields = fields
	return view, true
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if raw[0] != '{' {
		return nil, &ValidationError{Field: "payload", Message: "must be a JSON object"}
	}

	var p Payload
	switch kind {
	case KindLLMCall:
		p = &LLMCallPayload{}
	case KindAgentPlan:
		p = &AgentPlanPayload{}
	case KindSelfLoop:
		p = &SelfLoopPayload{}
	default:
		p = &GenericPayload{}
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, &ValidationError{
			Field:   "payload",
			Message: fmt.Sprintf("does not match the %s schema: %v", payloadSchemaName(kind), err),
		}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ValidationError{Field: "payload", Message: err.Error()}
	}
	if r, ok := p.(interface {
		setRawFields(map[string]json.RawMessage)
	}); ok {
		r.setRawFields(fields)
	}
	return p, nil
}

func payloadSchemaName(kind Kind) string {
	if kind.Known() {
		return string(kind)
	}
	return string(KindGenericLCP)
}
