package tools

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseArguments parses a raw tool-argument string into structured
// parameters. Models emit arguments in wildly varying shapes, so parsing
// is a cascade (first successful parse wins):
//
//  1. JSON object → map[string]any
//  2. JSON non-object (string, number, array) → {"input": value}
//  3. YAML with complex structures (arrays, nested maps) → map[string]any
//  4. Key-value pairs (key: value or key=value, comma/newline separated)
//  5. Single raw string → {"input": string}
//
// Empty input returns an empty map, for tools without parameters.
func ParseArguments(input string) map[string]any {
	input = strings.TrimSpace(input)
	if input == "" {
		return map[string]any{}
	}

	if result, ok := tryParseJSON(input); ok {
		return result
	}
	if result, ok := tryParseYAML(input); ok {
		return result
	}
	if result, ok := tryParseKeyValue(input); ok {
		return result
	}
	return map[string]any{"input": input}
}

// tryParseJSON attempts to parse input as JSON. Non-object values (array,
// string, number, bool, null) are wrapped as {"input": value}.
func tryParseJSON(input string) (map[string]any, bool) {
	// Quick-reject: first byte must be able to start a JSON value.
	b := input[0]
	isJSONStart := b == '{' || b == '[' || b == '"' ||
		(b >= '0' && b <= '9') || b == '-' ||
		b == 't' || b == 'f' || b == 'n'
	if !isJSONStart {
		return nil, false
	}

	var raw any
	if err := json.Unmarshal([]byte(input), &raw); err != nil {
		return nil, false
	}

	if m, ok := raw.(map[string]any); ok {
		return m, true
	}
	return map[string]any{"input": raw}, true
}

// tryParseYAML attempts to parse input as YAML. Only accepts maps with
// complex values (arrays, nested maps); simple key: value pairs fall
// through to the key-value parser, avoiding false positives on plain text
// that happens to look like YAML.
func tryParseYAML(input string) (map[string]any, bool) {
	var result map[string]any
	if err := yaml.Unmarshal([]byte(input), &result); err != nil {
		return nil, false
	}
	if len(result) == 0 {
		return nil, false
	}
	if hasComplexValues(result) {
		return result, true
	}
	return nil, false
}

func hasComplexValues(m map[string]any) bool {
	for _, v := range m {
		switch v.(type) {
		case []any:
			return true
		case map[string]any:
			return true
		}
	}
	return false
}

// tryParseKeyValue parses "key: value" or "key=value" pairs separated by
// commas or newlines. Values containing commas mis-split and reject the
// whole input, which then falls through to the raw-string fallback.
func tryParseKeyValue(input string) (map[string]any, bool) {
	normalized := strings.ReplaceAll(input, "\n", ",")

	result := make(map[string]any)
	for _, part := range strings.Split(normalized, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := parseKeyValuePair(part)
		if !ok {
			return nil, false
		}
		result[key] = coerceValue(value)
	}

	if len(result) == 0 {
		return nil, false
	}
	return result, true
}

func parseKeyValuePair(part string) (key, value string, ok bool) {
	if idx := strings.Index(part, ":"); idx > 0 {
		k := strings.TrimSpace(part[:idx])
		v := strings.TrimSpace(part[idx+1:])
		if isValidKey(k) {
			return k, v, true
		}
	}
	if idx := strings.Index(part, "="); idx > 0 {
		k := strings.TrimSpace(part[:idx])
		v := strings.TrimSpace(part[idx+1:])
		if isValidKey(k) {
			return k, v, true
		}
	}
	return "", "", false
}

// isValidKey checks that a string looks like a parameter key: non-empty,
// no spaces.
func isValidKey(k string) bool {
	return k != "" && !strings.Contains(k, " ")
}

// coerceValue converts bare string values to matching Go types.
func coerceValue(s string) any {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		// NaN/Inf are not valid JSON.
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return s
		}
		return f
	}
	return s
}
