package model

import (
	"encoding/json"
)

// Payload is the kind-specific body of a job.
type Payload interface {
	// DirectPrompt returns a caller-supplied prompt that bypasses templating.
	DirectPrompt() string
	// RawFields is every field the payload was decoded from, or nil for a
	// payload built in code.
	RawFields() map[string]json.RawMessage
}

// Raw keeps the submitted payload verbatim next to its typed view.
type Raw struct {
	Fields map[string]json.RawMessage `json:"-"`
}

func (r *Raw) RawFields() map[string]json.RawMessage { return r.Fields }

func (r *Raw) setRawFields(f map[string]json.RawMessage) { r.Fields = f }

// Mission describes the long-running goal a job contributes to.
type Mission struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Goal        string `json:"goal,omitempty"`
	ProjectRoot string `json:"project_root,omitempty"`
}

// TaskSpec is the current step of a mission.
type TaskSpec struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// LLMCallPayload is a single free-form question.
type LLMCallPayload struct {
	Raw
	Prompt  string         `json:"prompt,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

func (p *LLMCallPayload) DirectPrompt() string { return p.Prompt }

// AgentPlanPayload asks the agent to plan the next follow-up jobs of a mission.
type AgentPlanPayload struct {
	Raw
	Prompt        string            `json:"prompt,omitempty"`
	Mission       *Mission          `json:"mission,omitempty"`
	Task          *TaskSpec         `json:"task,omitempty"`
	ProjectRoot   string            `json:"project_root,omitempty"`
	Iteration     int               `json:"iteration,omitempty"`
	MaxIterations int               `json:"max_iterations,omitempty"`
	PriorResults  []json.RawMessage `json:"prior_results,omitempty"`
}

func (p *AgentPlanPayload) DirectPrompt() string { return p.Prompt }

// SelfLoopPayload drives one iteration of the markdown self-loop protocol.
type SelfLoopPayload struct {
	Raw
	Prompt  string         `json:"prompt,omitempty"`
	Mission *Mission       `json:"mission,omitempty"`
	Task    *TaskSpec      `json:"task,omitempty"`
	State   map[string]any `json:"state,omitempty"`
}

func (p *SelfLoopPayload) DirectPrompt() string { return p.Prompt }

// GenericPayload is the schema of generic_lcp and of unknown kinds: the fields
// the prompt protocols read, plus everything else verbatim.
type GenericPayload struct {
	Prompt       string
	Mission      *Mission
	Task         *TaskSpec
	ProjectRoot  string
	Iteration    int
	PriorResults []json.RawMessage

	Raw
}

func (p *GenericPayload) DirectPrompt() string { return p.Prompt }

func (p *GenericPayload) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var known struct {
		Prompt       string            `json:"prompt"`
		Mission      *Mission          `json:"mission"`
		Task         *TaskSpec         `json:"task"`
		ProjectRoot  string            `json:"project_root"`
		Iteration    int               `json:"iteration"`
		PriorResults []json.RawMessage `json:"prior_results"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	*p = GenericPayload{
		Prompt:       known.Prompt,
		Mission:      known.Mission,
		Task:         known.Task,
		ProjectRoot:  known.ProjectRoot,
		Iteration:    known.Iteration,
		PriorResults: known.PriorResults,
		Raw:          Raw{Fields: fields},
	}
	return nil
}

func (p *GenericPayload) MarshalJSON() ([]byte, error) {
	if p.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Fields)
}
