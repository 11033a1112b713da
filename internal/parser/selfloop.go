package parser

import (
	"regexp"
	"strings"

	"github.com/msageha/webrelay/internal/model"
)

// Section headings look like "A) Situation", "## B) Next step" or "**C.** ...".
var sectionRe = regexp.MustCompile(`^\s{0,3}(?:#{1,6}\s*)?(?:\*\*)?\s*([ABCD])\s*[\)\.:]`)

var bulletRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[\.\)])\s+`)

// ParseSelfLoop splits a self-loop markdown reply into its A/B/C/D sections.
// The full reply is kept in Text; sections that are missing stay empty.
func ParseSelfLoop(raw string) model.SelfLoopReport {
	text := strings.TrimSpace(raw)
	bodies := map[string][]string{}
	current := ""
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			current = m[1]
			continue
		}
		if current != "" {
			bodies[current] = append(bodies[current], line)
		}
	}
	return model.SelfLoopReport{
		Text: text,
		Sections: model.SelfLoopSections{
			Situation:     joinProse(bodies["A"]),
			NextStep:      joinProse(bodies["B"]),
			Actions:       items(bodies["C"]),
			OpenQuestions: items(bodies["D"]),
		},
	}
}

func joinProse(lines []string) string {
	var parts []string
	for _, l := range lines {
		l = strings.TrimSpace(bulletRe.ReplaceAllString(l, ""))
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "\n")
}

func items(lines []string) []string {
	var out []string
	for _, l := range lines {
		l = strings.TrimSpace(bulletRe.ReplaceAllString(l, ""))
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
