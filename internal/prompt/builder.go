// Package prompt turns a job into the text typed into the agent surface.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/msageha/webrelay/internal/model"
	"github.com/msageha/webrelay/templates"
)

const (
	defaultGoal        = "Complete the mission"
	defaultProjectRoot = "/workspace/project"
)

var prompts = template.Must(template.ParseFS(templates.FS, "prompts/*.tmpl"))

// Builder renders prompts. The zero value is not usable; use New.
type Builder struct {
	sentinel string
	maxJobs  int
	tmpl     *template.Template
}

// New returns a Builder that ends structured prompts with sentinel and bounds
// follow-up plans to maxJobs.
func New(sentinel string, maxJobs int) *Builder {
	if maxJobs <= 0 {
		maxJobs = model.DefaultMaxFollowupJobs
	}
	return &Builder{sentinel: sentinel, maxJobs: maxJobs, tmpl: prompts}
}

// Build returns the prompt for job. It is deterministic and never fails: a
// template error degrades to the job dump.
func (b *Builder) Build(job model.Job) string {
	if job.Payload != nil {
		if p := job.Payload.DirectPrompt(); p != "" {
			return p
		}
	}

	if job.Kind == model.KindSelfLoop {
		if out, err := b.render("self_loop.tmpl", selfLoopData(job)); err == nil {
			return out
		}
		return b.dump(job)
	}

	if plan, ok := job.PlanView(); ok {
		if out, err := b.render("agent_plan.tmpl", b.planData(plan)); err == nil {
			return out
		}
		return b.dump(job)
	}

	return b.dump(job)
}

func (b *Builder) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := b.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// dump renders the fallback prompt: the whole job as indented JSON.
func (b *Builder) dump(job model.Job) string {
	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		raw = []byte(fmt.Sprintf("%+v", job))
	}
	data := struct {
		JobJSON  string
		Sentinel string
	}{string(raw), b.sentinel}
	if out, err := b.render("fallback.tmpl", data); err == nil {
		return out
	}
	return fmt.Sprintf("Process this job:\n%s\n\nProvide a helpful response ending with %s\n", raw, b.sentinel)
}

type planData struct {
	Goal          string
	ProjectRoot   string
	Iteration     int
	MaxIterations int
	UserPrompt    string
	TaskKind      string
	TaskName      string
	TaskParams    string
	PriorResults  []string
	MaxJobs       int
	Sentinel      string
}

func (b *Builder) planData(p model.AgentPlanPayload) planData {
	d := planData{
		Goal:          Goal(p.Mission),
		ProjectRoot:   ProjectRoot(p),
		Iteration:     p.Iteration,
		MaxIterations: p.MaxIterations,
		MaxJobs:       b.maxJobs,
		Sentinel:      b.sentinel,
	}
	if d.Iteration < 1 {
		d.Iteration = 1
	}
	if t := p.Task; t != nil {
		d.TaskKind = t.Kind
		d.TaskName = t.Name
		if up, ok := t.Params["user_prompt"].(string); ok {
			d.UserPrompt = up
		}
		if len(t.Params) > 0 {
			if raw, err := json.Marshal(t.Params); err == nil {
				d.TaskParams = string(raw)
			}
		}
	}
	for _, r := range p.PriorResults {
		var buf bytes.Buffer
		if err := json.Compact(&buf, r); err != nil {
			d.PriorResults = append(d.PriorResults, strings.TrimSpace(string(r)))
			continue
		}
		d.PriorResults = append(d.PriorResults, buf.String())
	}
	return d
}

type selfLoopView struct {
	MissionTitle       string
	MissionDescription string
	TaskName           string
	TaskDescription    string
	State              string
}

func selfLoopData(job model.Job) selfLoopView {
	var v selfLoopView
	p, _ := job.Payload.(*model.SelfLoopPayload)
	if p == nil {
		p = &model.SelfLoopPayload{}
	}
	if m := p.Mission; m != nil {
		v.MissionTitle = m.Title
		v.MissionDescription = m.Description
	}
	if t := p.Task; t != nil {
		v.TaskName = t.Name
		v.TaskDescription = t.Description
	}
	state := p.State
	if state == nil {
		state = map[string]any{}
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		raw = []byte("{}")
	}
	v.State = string(raw)
	return v
}

// Goal is mission.goal, else mission.description, else a generic goal.
func Goal(m *model.Mission) string {
	if m != nil {
		if g := strings.TrimSpace(m.Goal); g != "" {
			return g
		}
		if d := strings.TrimSpace(m.Description); d != "" {
			return d
		}
	}
	return defaultGoal
}

// ProjectRoot resolves the project root: payload, then mission, then
// task.params.project_root, then the workspace default.
func ProjectRoot(p model.AgentPlanPayload) string {
	if p.ProjectRoot != "" {
		return p.ProjectRoot
	}
	if p.Mission != nil && p.Mission.ProjectRoot != "" {
		return p.Mission.ProjectRoot
	}
	if p.Task != nil {
		if root, ok := p.Task.Params["project_root"].(string); ok && root != "" {
			return root
		}
	}
	return defaultProjectRoot
}
