package model

import "encoding/json"

// Action names as they appear in the "action" field of a result.
const (
	ActionCreateFollowupJobs = "create_followup_jobs"
	ActionMissionComplete    = "mission_complete"
	ActionAnalysisResult     = "analysis_result"
	ActionLCPActions         = "lcp_actions"
	ActionPlainText          = "plain_text"
	ActionSelfLoopResult     = "selfloop_result"
)

// Response types as they appear in the "type" field of a result.
const (
	TypeLCP      = "lcp"
	TypePlain    = "plain"
	TypeSelfLoop = "selfloop"
)

// DefaultMaxFollowupJobs is the canonical cap on jobs proposed in one reply.
const DefaultMaxFollowupJobs = 3

// ParsedAction is the structured reading of an agent reply. The set of
// variants is closed.
type ParsedAction interface {
	ActionName() string
	ResponseType() string
	fill(w *resultWire)
}

// JobDescriptor is a follow-up job proposed by the agent.
type JobDescriptor struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Kind         string         `json:"kind"`
	Params       map[string]any `json:"params"`
	AutoDispatch bool           `json:"auto_dispatch"`
}

// UnmarshalJSON accepts "task" as an alias of "kind".
func (d *JobDescriptor) UnmarshalJSON(data []byte) error {
	var w struct {
		Name         string         `json:"name"`
		Description  string         `json:"description"`
		Kind         string         `json:"kind"`
		Task         string         `json:"task"`
		Params       map[string]any `json:"params"`
		AutoDispatch bool           `json:"auto_dispatch"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind := w.Kind
	if kind == "" {
		kind = w.Task
	}
	params := w.Params
	if params == nil {
		params = map[string]any{}
	}
	*d = JobDescriptor{
		Name:         w.Name,
		Description:  w.Description,
		Kind:         kind,
		Params:       params,
		AutoDispatch: w.AutoDispatch,
	}
	return nil
}

// LCPAction is one entry of a multi-action reply.
type LCPAction struct {
	Kind    string         `json:"kind"`
	Target  string         `json:"target,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// FollowupJobs proposes the next jobs of a mission.
type FollowupJobs struct {
	Commentary string
	Jobs       []JobDescriptor
}

func (FollowupJobs) ActionName() string   { return ActionCreateFollowupJobs }
func (FollowupJobs) ResponseType() string { return TypeLCP }

func (a FollowupJobs) fill(w *resultWire) {
	jobs := a.Jobs
	if jobs == nil {
		jobs = []JobDescriptor{}
	}
	w.Commentary = a.Commentary
	w.NewJobs = &jobs
}

// MissionComplete declares the mission finished.
type MissionComplete struct {
	Summary string
}

func (MissionComplete) ActionName() string   { return ActionMissionComplete }
func (MissionComplete) ResponseType() string { return TypeLCP }

func (a MissionComplete) fill(w *resultWire) { w.Summary = a.Summary }

// AnalysisResult reports findings about a target.
type AnalysisResult struct {
	Target          string
	Summary         string
	Issues          []string
	Recommendations []string
}

func (AnalysisResult) ActionName() string   { return ActionAnalysisResult }
func (AnalysisResult) ResponseType() string { return TypeLCP }

func (a AnalysisResult) fill(w *resultWire) {
	w.Target = a.Target
	w.Summary = a.Summary
	w.Issues = a.Issues
	w.Recommendations = a.Recommendations
}

// LCPActions is a reply carrying an explicit list of actions.
type LCPActions struct {
	Thought string
	Actions []LCPAction
}

func (LCPActions) ActionName() string   { return ActionLCPActions }
func (LCPActions) ResponseType() string { return TypeLCP }

func (a LCPActions) fill(w *resultWire) {
	actions := a.Actions
	if actions == nil {
		actions = []LCPAction{}
	}
	w.Thought = a.Thought
	w.Actions = &actions
}

// PlainText is any reply without a recognised envelope.
type PlainText struct {
	Summary string
}

func (PlainText) ActionName() string   { return ActionPlainText }
func (PlainText) ResponseType() string { return TypePlain }

func (a PlainText) fill(w *resultWire) { w.Summary = a.Summary }

// SelfLoopSections are the four parts of a self-loop reply.
type SelfLoopSections struct {
	Situation     string   `json:"situation,omitempty"`
	NextStep      string   `json:"next_step,omitempty"`
	Actions       []string `json:"actions,omitempty"`
	OpenQuestions []string `json:"open_questions,omitempty"`
}

// SelfLoopReport is the markdown reply of a self_loop job.
type SelfLoopReport struct {
	Text     string
	Sections SelfLoopSections
}

func (SelfLoopReport) ActionName() string   { return ActionSelfLoopResult }
func (SelfLoopReport) ResponseType() string { return TypeSelfLoop }

func (a SelfLoopReport) fill(w *resultWire) {
	sections := a.Sections
	w.Text = a.Text
	w.Sections = &sections
}

func actionFromWire(w resultWire) ParsedAction {
	switch w.Action {
	case ActionCreateFollowupJobs:
		a := FollowupJobs{Commentary: w.Commentary}
		if w.NewJobs != nil {
			a.Jobs = *w.NewJobs
		}
		return a
	case ActionMissionComplete:
		return MissionComplete{Summary: w.Summary}
	case ActionAnalysisResult:
		return AnalysisResult{
			Target:          w.Target,
			Summary:         w.Summary,
			Issues:          w.Issues,
			Recommendations: w.Recommendations,
		}
	case ActionLCPActions:
		a := LCPActions{Thought: w.Thought}
		if w.Actions != nil {
			a.Actions = *w.Actions
		}
		return a
	case ActionSelfLoopResult:
		a := SelfLoopReport{Text: w.Text}
		if w.Sections != nil {
			a.Sections = *w.Sections
		}
		return a
	default:
		return PlainText{Summary: w.Summary}
	}
}
