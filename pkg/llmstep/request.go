package llmstep

import (
	"fmt"
	"strings"

	"github.com/conveyor-ai/conveyor/pkg/conversation"
	"github.com/conveyor-ai/conveyor/pkg/llm"
	"github.com/conveyor-ai/conveyor/pkg/pipeline"
	"github.com/conveyor-ai/conveyor/pkg/tagparse"
)

// buildRequest assembles the provider request for one attempt: tool
// definitions, the enriched system prompt, sampling parameters, and the
// structured-output wiring for the profile's JSON capability.
func (s *Step) buildRequest(conv *conversation.Conversation, pctx *pipeline.Context) *llm.Request {
	req := &llm.Request{
		Conversation: conv,
		SystemPrompt: s.systemPrompt(),
		Params:       s.sampling(pctx),
		Tools:        s.Tools.Definitions(),
		UseStreaming: s.UseStreaming,
	}
	configureJSONResponse(req, s.Profile.JSONCapability, s.Output)
	return req
}

// systemPrompt extends the base prompt with tool usage guidelines and tag
// instructions.
func (s *Step) systemPrompt() string {
	parts := []string{strings.TrimSpace(s.SystemPrompt)}

	var guidelines []string
	for _, def := range s.Tools.Definitions() {
		if g := strings.TrimSpace(def.UsageGuidelines); g != "" {
			guidelines = append(guidelines, fmt.Sprintf("%s: %s", def.Name, g))
		}
	}
	if len(guidelines) > 0 {
		parts = append(parts, "## Tool usage\n"+strings.Join(guidelines, "\n"))
	}

	if ins := tagparse.Instructions(s.TagHandlers); ins != "" {
		parts = append(parts, ins)
	}

	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

// sampling prefers the profile's parameters, falling back to the
// configured defaults when the profile leaves them all unset.
func (s *Step) sampling(pctx *pipeline.Context) llm.SamplingParams {
	if s.Profile.Sampling != (llm.SamplingParams{}) {
		return s.Profile.Sampling
	}
	return pctx.Config.Sampling
}

// configureJSONResponse wires a structured output schema into the request
// according to what the provider supports:
//
//   - json_schema: the schema is attached natively
//   - json_object: the JSON MIME type is requested and the schema text is
//     injected into the system prompt
//   - none: nothing here; the schema rides in the user message instead
//     (see Step.schemaSuffix)
//
// Plain-text and primitive outputs get no schema at all.
func configureJSONResponse(req *llm.Request, capability llm.JSONCapability, schema *llm.OutputSchema) {
	if !schema.IsStructured() {
		return
	}
	switch capability {
	case llm.JSONCapabilitySchema:
		req.ResponseSchema = schema.Schema
	case llm.JSONCapabilityObject:
		req.ResponseMIMEType = "application/json"
		req.SystemPrompt = req.SystemPrompt + "\n\nRespond with a JSON object matching this schema:\n" + schema.Schema
	}
}

// schemaSuffix returns the schema-as-prose addition to the user message
// for providers with no structured-output support.
func (s *Step) schemaSuffix() string {
	// An unset capability is treated as none.
	capability := s.Profile.JSONCapability
	if !s.Output.IsStructured() || (capability != llm.JSONCapabilityNone && capability != "") {
		return ""
	}
	return "\n\nRespond only with a JSON object matching this schema, no prose:\n" + s.Output.Schema
}
