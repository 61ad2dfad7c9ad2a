package llm

import (
	"strings"
)

// CleanContent normalizes model output before JSON decoding: strips
// markdown code fences, extracts the first balanced JSON object or array,
// and removes trailing commas. Returns the input trimmed when no JSON
// payload is found, letting the decoder produce the real diagnostic.
func CleanContent(content string) string {
	s := strings.TrimSpace(content)
	s = stripFences(s)
	if extracted, ok := extractBalanced(s); ok {
		s = extracted
	}
	return removeTrailingCommas(s)
}

// stripFences removes a surrounding markdown code fence (``` or ```json).
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := s[3:]
	// Drop an optional language tag up to the first newline.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		first := strings.TrimSpace(body[:nl])
		if first == "" || isLanguageTag(first) {
			body = body[nl+1:]
		}
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isLanguageTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return len(s) <= 16
}

// extractBalanced finds the first balanced JSON object or array, honoring
// string literals and escapes. Returns (span, true) on success.
func extractBalanced(s string) (string, bool) {
	start := -1
	var opener, closer byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			start, opener, closer = i, '{', '}'
			break
		}
		if s[i] == '[' {
			start, opener, closer = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// removeTrailingCommas drops commas that directly precede a closing brace
// or bracket (outside string literals). LLMs emit these routinely and
// encoding/json rejects them.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
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
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isJSONSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the trailing comma
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
