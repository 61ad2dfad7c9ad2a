package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrParse tags response-parse failures. The LLM step's validation hook
// checks for it to decide whether a failed attempt is retryable with
// feedback.
var ErrParse = errors.New("response parse failure")

// ValueKind classifies a step's declared output type.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindBool   ValueKind = "bool"
	KindTime   ValueKind = "time"
	KindObject ValueKind = "object"
)

// OutputSchema is the explicit descriptor declared alongside a structured
// output type. It replaces runtime reflection: canonical property names and
// their aliases are listed here, and decoding normalizes model output
// against them (case-insensitive) before unmarshaling into the target.
type OutputSchema struct {
	// Name labels the schema in prompts and diagnostics.
	Name string

	// Kind selects the decode path. KindString and the primitive kinds
	// ignore the remaining fields.
	Kind ValueKind

	// Schema is the JSON Schema text attached to requests and used to
	// validate complex outputs before decoding. Empty skips validation.
	Schema string

	// Properties lists the canonical top-level property names.
	Properties []string

	// Aliases maps alternate property spellings to canonical names
	// (e.g. "directory_path" -> "path"). Matching is case-insensitive.
	Aliases map[string]string

	// New returns a fresh pointer to the target value for KindObject.
	New func() any
}

// IsStructured reports whether a schema should be attached to requests.
// Plain strings and primitives get no schema.
func (s *OutputSchema) IsStructured() bool {
	return s != nil && s.Kind == KindObject && s.Schema != ""
}

// Decode parses response content according to the declared output schema.
// A nil schema (or KindString) yields the raw content. Primitive kinds are
// best-effort converted. KindObject cleans the content, validates it against
// the JSON schema when present, normalizes property names, and unmarshals
// into the target from New. All failures wrap ErrParse.
func Decode(content string, schema *OutputSchema) (any, error) {
	if schema == nil || schema.Kind == KindString {
		return content, nil
	}

	switch schema.Kind {
	case KindInt, KindFloat, KindBool, KindTime:
		return decodePrimitive(content, schema.Kind)
	case KindObject:
		return decodeObject(content, schema)
	default:
		return nil, fmt.Errorf("%w: unsupported output kind %q", ErrParse, schema.Kind)
	}
}

func decodePrimitive(content string, kind ValueKind) (any, error) {
	s := strings.TrimSpace(content)
	s = strings.Trim(s, "`\"'")
	switch kind {
	case KindInt:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot convert %q to integer", ErrParse, s)
		}
		return v, nil
	case KindFloat:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot convert %q to number", ErrParse, s)
		}
		return v, nil
	case KindBool:
		switch strings.ToLower(s) {
		case "true", "yes":
			return true, nil
		case "false", "no":
			return false, nil
		}
		return nil, fmt.Errorf("%w: cannot convert %q to boolean", ErrParse, s)
	case KindTime:
		for _, layout := range []string{time.RFC3339, "2006-01-02", time.RFC1123} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("%w: cannot convert %q to timestamp", ErrParse, s)
	}
	return nil, fmt.Errorf("%w: unsupported primitive kind %q", ErrParse, kind)
}

func decodeObject(content string, schema *OutputSchema) (any, error) {
	cleaned := CleanContent(content)

	var raw any
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrParse, err)
	}

	raw = normalizeKeys(raw, schema)

	if schema.Schema != "" {
		if err := validateAgainstSchema(raw, schema); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
	}

	if schema.New == nil {
		return raw, nil
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	target := schema.New()
	dec := json.NewDecoder(strings.NewReader(string(normalized)))
	if err := dec.Decode(target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return target, nil
}

// normalizeKeys renames top-level map keys to their canonical property
// names using exact, case-insensitive, and alias matching, in that order.
// Non-map values pass through untouched.
func normalizeKeys(raw any, schema *OutputSchema) any {
	m, ok := raw.(map[string]any)
	if !ok {
		return raw
	}

	canonical := make(map[string]string, len(schema.Properties))
	for _, p := range schema.Properties {
		canonical[strings.ToLower(p)] = p
	}
	aliases := make(map[string]string, len(schema.Aliases))
	for alias, prop := range schema.Aliases {
		aliases[strings.ToLower(alias)] = prop
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		lower := strings.ToLower(k)
		switch {
		case canonical[lower] != "":
			out[canonical[lower]] = v
		case aliases[lower] != "":
			// Canonical spelling wins when both are present.
			if _, exists := out[aliases[lower]]; !exists {
				out[aliases[lower]] = v
			}
		default:
			out[k] = v
		}
	}
	return out
}

func validateAgainstSchema(value any, schema *OutputSchema) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema.Schema))
	if err != nil {
		return fmt.Errorf("invalid output schema %q: %v", schema.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "conveyor:///" + schema.Name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("invalid output schema %q: %v", schema.Name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("invalid output schema %q: %v", schema.Name, err)
	}
	// Round-trip through UnmarshalJSON so numbers carry the representation
	// the validator expects.
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return err
	}
	if err := compiled.Validate(inst); err != nil {
		return fmt.Errorf("schema validation failed: %v", err)
	}
	return nil
}
