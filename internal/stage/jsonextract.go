package stage

import (
	"regexp"
	"strings"
)

// fencedObject matches a JSON object inside a markdown code fence.
var fencedObject = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(\\{.*\\})\\s*```")

// extractJSONObject pulls the outermost JSON object out of model output and removes the
// artifacts models commonly add: // comments and trailing commas. It returns "" if the
// text contains no object.
func extractJSONObject(content string) string {
	raw := ""
	if m := fencedObject.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return ""
		}
		raw = content[start : end+1]
	}
	return cleanJSON(raw)
}

// cleanJSON strips // line comments and trailing commas outside string literals.
func cleanJSON(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			b.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch {
		case ch == '"':
			inString = true
			b.WriteByte(ch)
		case ch == '/' && i+1 < len(raw) && raw[i+1] == '/':
			for i < len(raw) && raw[i] != '\n' {
				i++
			}
			if i < len(raw) {
				b.WriteByte('\n')
			}
		case ch == ',':
			j := i + 1
			for j < len(raw) && strings.IndexByte(" \t\r\n", raw[j]) >= 0 {
				j++
			}
			if j < len(raw) && (raw[j] == '}' || raw[j] == ']') {
				continue
			}
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
