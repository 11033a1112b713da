// Package parser recovers structured actions from free-form agent replies.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/msageha/webrelay/internal/model"
)

// Parser classifies replies. It holds no state; Parse is pure.
type Parser struct {
	Sentinel string
	MaxJobs  int
}

func New(sentinel string, maxJobs int) Parser {
	if maxJobs <= 0 {
		maxJobs = model.DefaultMaxFollowupJobs
	}
	return Parser{Sentinel: sentinel, MaxJobs: maxJobs}
}

// Parse turns raw reply text into a ParsedAction. Text without a recognisable
// JSON envelope becomes PlainText. The only error is a *model.ValidationError
// for a follow-up list over MaxJobs.
func (p Parser) Parse(raw string) (model.ParsedAction, error) {
	stripped := strings.TrimSpace(StripSentinel(raw, p.Sentinel))
	if action, ok, err := p.decodeText(stripped); ok {
		return action, err
	}
	// The sentinel may have been the reply's own closing braces.
	if whole := strings.TrimSpace(raw); whole != stripped {
		if action, ok, err := p.decodeText(whole); ok {
			return action, err
		}
	}
	return model.PlainText{Summary: stripped}, nil
}

// decodeText tries the fenced block, the brace span and the whole text, in
// that order, and classifies the first candidate that is valid JSON.
func (p Parser) decodeText(text string) (model.ParsedAction, bool, error) {
	if text == "" {
		return nil, false, nil
	}
	var candidates []string
	if body, ok := fencedBlock(text); ok {
		candidates = append(candidates, body)
	}
	if span, ok := braceSpan(text); ok {
		candidates = append(candidates, span)
	}
	candidates = append(candidates, text)

	for _, c := range candidates {
		if !json.Valid([]byte(c)) {
			continue
		}
		action, err := p.classify([]byte(c))
		return action, true, err
	}
	return nil, false, nil
}

var envelopeActions = map[string]bool{
	model.ActionCreateFollowupJobs: true,
	model.ActionMissionComplete:    true,
	model.ActionAnalysisResult:     true,
}

func (p Parser) classify(data []byte) (model.ParsedAction, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return indented(data), nil
	}

	if raw, ok := fields["actions"]; ok && isArray(raw) {
		var actions []model.LCPAction
		if err := json.Unmarshal(raw, &actions); err != nil {
			return indented(data), nil
		}
		return model.LCPActions{Thought: stringField(fields, "thought"), Actions: actions}, nil
	}

	action := stringField(fields, "action")
	jobsRaw, hasJobs := fields["new_jobs"]
	if !hasJobs {
		jobsRaw, hasJobs = fields["jobs"]
	}
	if !envelopeActions[action] && !hasJobs {
		return indented(data), nil
	}

	switch action {
	case model.ActionMissionComplete:
		summary := stringField(fields, "summary")
		if summary == "" {
			summary = stringField(fields, "commentary")
		}
		return model.MissionComplete{Summary: summary}, nil
	case model.ActionAnalysisResult:
		target := stringField(fields, "target")
		if target == "" {
			target = stringField(fields, "target_file")
		}
		return model.AnalysisResult{
			Target:          target,
			Summary:         stringField(fields, "summary"),
			Issues:          stringList(fields["issues"]),
			Recommendations: stringList(fields["recommendations"]),
		}, nil
	}

	return p.followups(data, fields, jobsRaw)
}

func (p Parser) followups(data []byte, fields map[string]json.RawMessage, jobsRaw json.RawMessage) (model.ParsedAction, error) {
	var items []json.RawMessage
	if len(jobsRaw) > 0 && !isNull(jobsRaw) {
		if err := json.Unmarshal(jobsRaw, &items); err != nil {
			return indented(data), nil
		}
	}
	if len(items) > p.MaxJobs {
		return nil, &model.ValidationError{
			Field:   "new_jobs",
			Message: fmt.Sprintf("%d follow-up jobs proposed, at most %d allowed", len(items), p.MaxJobs),
		}
	}
	jobs := make([]model.JobDescriptor, 0, len(items))
	for _, item := range items {
		var d model.JobDescriptor
		if err := json.Unmarshal(item, &d); err != nil {
			return indented(data), nil
		}
		jobs = append(jobs, d)
	}
	commentary := stringField(fields, "commentary")
	if commentary == "" {
		commentary = stringField(fields, "summary")
	}
	return model.FollowupJobs{Commentary: commentary, Jobs: jobs}, nil
}

// indented renders JSON with two-space indentation, keeping key order.
func indented(data []byte) model.PlainText {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return model.PlainText{Summary: string(data)}
	}
	return model.PlainText{Summary: buf.String()}
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// stringList accepts an array of strings or of arbitrary values; non-string
// items are kept as compact JSON.
func stringList(raw json.RawMessage) []string {
	if len(raw) == 0 || isNull(raw) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var single string
		if json.Unmarshal(raw, &single) == nil && single != "" {
			return []string{single}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = append(out, s)
			continue
		}
		var buf bytes.Buffer
		if json.Compact(&buf, item) == nil {
			out = append(out, buf.String())
		}
	}
	return out
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
