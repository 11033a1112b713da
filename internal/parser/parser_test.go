package parser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/webrelay/internal/model"
)

func TestParse_FencedMissionComplete(t *testing.T) {
	p := New("}}}", 3)
	raw := "Sure!\n```json\n{\"ok\":true,\"action\":\"mission_complete\",\"summary\":\"done\"}\n```\n"
	got, err := p.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, model.MissionComplete{Summary: "done"}, got)
}

func TestParse_PlainTextWithoutJSON(t *testing.T) {
	p := New("}}}", 3)
	got, err := p.Parse("Thinking...")
	require.NoError(t, err)
	assert.Equal(t, model.PlainText{Summary: "Thinking..."}, got)
}

func TestParse_CapExceededIsValidationError(t *testing.T) {
	p := New("}}}", 3)
	var jobs []string
	for i := 0; i < 6; i++ {
		jobs = append(jobs, fmt.Sprintf(`{"name":"j%d","kind":"read_file","params":{}}`, i))
	}
	raw := `{"action":"create_followup_jobs","commentary":"c","new_jobs":[` + strings.Join(jobs, ",") + `]}` + "}}}"

	got, err := p.Parse(raw)
	assert.Nil(t, got)
	require.Error(t, err)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "new_jobs", ve.Field)
	assert.Contains(t, ve.Message, "6")
}

func TestParse_FollowupJobs(t *testing.T) {
	p := New("}}}", 3)
	raw := `Here is the plan:
{
  "action": "create_followup_jobs",
  "commentary": "read then patch",
  "new_jobs": [
    {"name": "read", "kind": "read_file", "params": {"rel_path": "main.py"}, "auto_dispatch": true},
    {"task": "write_file", "params": {"file": "report.md", "content": "a } brace"}}
  ]
}
}}}`
	got, err := p.Parse(raw)
	require.NoError(t, err)
	fj, ok := got.(model.FollowupJobs)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "read then patch", fj.Commentary)
	require.Len(t, fj.Jobs, 2)
	assert.Equal(t, "read_file", fj.Jobs[0].Kind)
	assert.True(t, fj.Jobs[0].AutoDispatch)
	assert.Equal(t, "write_file", fj.Jobs[1].Kind)
	assert.Equal(t, "a } brace", fj.Jobs[1].Params["content"])
}

func TestParse_JobsFieldWithoutAction(t *testing.T) {
	p := New("}}}", 3)
	got, err := p.Parse(`{"summary":"s","jobs":[{"name":"a","kind":"k"}]}`)
	require.NoError(t, err)
	assert.Equal(t, model.FollowupJobs{Commentary: "s", Jobs: []model.JobDescriptor{{Name: "a", Kind: "k", Params: map[string]any{}}}}, got)
}

func TestParse_AnalysisResult(t *testing.T) {
	p := New("}}}", 3)
	got, err := p.Parse(`{"action":"analysis_result","target":"main.py","summary":"ok","issues":["a",{"line":3}],"recommendations":["r"]}`)
	require.NoError(t, err)
	assert.Equal(t, model.AnalysisResult{
		Target:          "main.py",
		Summary:         "ok",
		Issues:          []string{"a", `{"line":3}`},
		Recommendations: []string{"r"},
	}, got)
}

func TestParse_AnalysisResultTargetFile(t *testing.T) {
	p := New("}}}", 3)
	got, err := p.Parse(`{"action":"analysis_result","target_file":"src/app.go","summary":"ok"}`)
	require.NoError(t, err)
	assert.Equal(t, "src/app.go", got.(model.AnalysisResult).Target)

	got, err = p.Parse(`{"action":"analysis_result","target":"a.go","target_file":"b.go"}`)
	require.NoError(t, err)
	assert.Equal(t, "a.go", got.(model.AnalysisResult).Target, "target wins over target_file")
}

func TestParse_LCPActions(t *testing.T) {
	p := New("}}}", 3)
	got, err := p.Parse("```\n{\"thought\":\"t\",\"actions\":[{\"kind\":\"run\",\"target\":\"x\",\"payload\":{\"n\":1}}]}\n```")
	require.NoError(t, err)
	la, ok := got.(model.LCPActions)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "t", la.Thought)
	require.Len(t, la.Actions, 1)
	assert.Equal(t, "run", la.Actions[0].Kind)
	assert.Equal(t, float64(1), la.Actions[0].Payload["n"])
}

func TestParse_OtherJSONKeepsKeyOrder(t *testing.T) {
	p := New("}}}", 3)
	got, err := p.Parse(`{"zeta":1,"alpha":[1,2]}`)
	require.NoError(t, err)
	assert.Equal(t, model.PlainText{Summary: "{\n  \"zeta\": 1,\n  \"alpha\": [\n    1,\n    2\n  ]\n}"}, got)
}

func TestParse_UndecodableJobsFallsBackToText(t *testing.T) {
	p := New("}}}", 3)
	got, err := p.Parse(`{"action":"create_followup_jobs","new_jobs":"none"}`)
	require.NoError(t, err)
	_, ok := got.(model.PlainText)
	assert.True(t, ok, "got %T", got)
}

func TestParse_SentinelIsReplyClosingBraces(t *testing.T) {
	p := New("}}}", 3)
	got, err := p.Parse(`{"action":"mission_complete","summary":"s","meta":{"a":{"b":1}}}`)
	require.NoError(t, err)
	assert.Equal(t, model.MissionComplete{Summary: "s"}, got)
}

func TestParse_TextWithSentinel(t *testing.T) {
	p := New("}}}", 3)
	got, err := p.Parse("All done.\n}}}")
	require.NoError(t, err)
	assert.Equal(t, model.PlainText{Summary: "All done."}, got)
}

func TestParse_Empty(t *testing.T) {
	p := New("}}}", 3)
	got, err := p.Parse("")
	require.NoError(t, err)
	assert.Equal(t, model.PlainText{Summary: ""}, got)
}

func TestParse_Idempotent(t *testing.T) {
	p := New("}}}", 3)
	inputs := []string{
		"Thinking...",
		`{"action":"mission_complete","summary":"x"}}}}`,
		"```json\n{\"new_jobs\":[]}\n```",
		`{"a":1}`,
		`{"action":"create_followup_jobs","new_jobs":[{},{},{},{}]}`,
		"{ unbalanced",
	}
	for _, in := range inputs {
		first, err1 := p.Parse(in)
		second, err2 := p.Parse(in)
		assert.Equal(t, first, second, in)
		assert.Equal(t, err1, err2, in)
	}
}

func TestStripSentinel(t *testing.T) {
	tests := []struct {
		text, s, want string
	}{
		{"abc}}}", "}}}", "abc"},
		{"abc}}} \n", "}}}", "abc}}} \n"},
		{"abc \n}}}", "}}}", "abc \n"},
		{"abc", "}}}", "abc"},
		{"", "}}}", ""},
		{"}}}", "}}}", ""},
		{"abc", "", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, StripSentinel(tt.text, tt.s))
		})
	}
}

func TestStripSentinel_RoundTrip(t *testing.T) {
	for _, base := range []string{"", "x", "x }", "{\"a\":1}\n", "}}}"} {
		with := base + "}}}"
		assert.Equal(t, with, StripSentinel(with, "}}}")+"}}}")
	}
	assert.Equal(t, "no marker", StripSentinel("no marker", "}}}"))
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"nested braces", `pre {"a":{"b":{"c":1}},"d":2} post {"e":3}`, `{"a":{"b":{"c":1}},"d":2}`, true},
		{"braces in strings", `x {"s":"}{","t":"\"}"} y`, `{"s":"}{","t":"\"}"}`, true},
		{"fence wins", "{\"a\":1}\n```json\n{\"b\":2}\n```", `{"b":2}`, true},
		{"plain fence", "```\n{\"c\":3}\n```", `{"c":3}`, true},
		{"unbalanced", `{"a":{`, "", false},
		{"none", "no json here", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
