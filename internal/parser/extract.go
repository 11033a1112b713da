package parser

import (
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?[ \\t]*\\r?\\n?(.*?)\\r?\\n?```")

// StripSentinel removes s from the end of text when text ends with it exactly.
// Nothing else is trimmed, so StripSentinel(t+s, s)+s == t+s.
func StripSentinel(text, s string) string {
	if s == "" {
		return text
	}
	return strings.TrimSuffix(text, s)
}

// ExtractJSON returns the JSON candidate inside text: the body of the first
// fenced code block, else the first balanced top-level {...} span.
func ExtractJSON(text string) (string, bool) {
	if body, ok := fencedBlock(text); ok {
		return body, true
	}
	return braceSpan(text)
}

func fencedBlock(text string) (string, bool) {
	m := fenceRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	body := strings.TrimSpace(m[1])
	if body == "" {
		return "", false
	}
	return body, true
}

// braceSpan scans for the first '{' and returns the span up to its matching
// '}'. Braces inside JSON string literals are not counted.
func braceSpan(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
