package tagparse

import (
	"context"
	"log/slog"
	"strings"

	"github.com/conveyor-ai/conveyor/pkg/events"
	"github.com/conveyor-ai/conveyor/pkg/pipeline"
)

// maxTagBuffer bounds how much text the parser holds back waiting for a
// '>' that may never come. Beyond this the buffered text is released as
// plain content.
const maxTagBuffer = 4096

// Parser is a streaming tag extractor. Feed it deltas with ProcessDelta;
// it returns the visible text for each delta, holding back anything that
// might be the start of a handled tag until it can decide. One Parser
// serves one response; it is not safe for concurrent use.
type Parser struct {
	handlers map[string]Handler
	pctx     *pipeline.Context

	pending string

	active      Handler
	activeState any
	activeAttrs map[string]string
}

// NewParser creates a parser over the given handlers. Duplicate tag names
// keep the last handler.
func NewParser(pctx *pipeline.Context, handlers ...Handler) *Parser {
	byName := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		byName[h.TagName()] = h
	}
	return &Parser{handlers: byName, pctx: pctx}
}

// HasHandlers reports whether any handler is registered. Callers skip the
// parser entirely when false.
func (p *Parser) HasHandlers() bool {
	return len(p.handlers) > 0
}

// Instructions concatenates the non-empty handler instructions for the
// system prompt, in the order given.
func Instructions(handlers []Handler) string {
	var parts []string
	for _, h := range handlers {
		if ins := strings.TrimSpace(h.GetInstructions()); ins != "" {
			parts = append(parts, ins)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ProcessDelta consumes one streaming delta and returns the text that
// should reach the user. Handled tag content goes to the handler instead;
// the closing tag is replaced by the handler's placeholder.
func (p *Parser) ProcessDelta(ctx context.Context, delta string) string {
	p.pending += delta
	var visible strings.Builder

	for {
		if p.active != nil {
			if !p.consumeTagContent(ctx, &visible) {
				break
			}
			continue
		}

		idx := strings.IndexByte(p.pending, '<')
		if idx < 0 {
			visible.WriteString(p.pending)
			p.pending = ""
			break
		}
		visible.WriteString(p.pending[:idx])
		p.pending = p.pending[idx:]

		end := strings.IndexByte(p.pending, '>')
		if end < 0 {
			// Incomplete tag; wait for more, but never hold unbounded text.
			if len(p.pending) > maxTagBuffer {
				visible.WriteString(p.pending)
				p.pending = ""
			}
			break
		}

		tagText := p.pending[:end+1]
		name, attrs, isOpen := parseTag(tagText)
		handler, handled := p.handlers[name]
		if !handled || !isOpen {
			// Unhandled or stray closing tag: passes through verbatim.
			visible.WriteString(tagText)
			p.pending = p.pending[end+1:]
			continue
		}

		state, err := handler.OnTagStart(ctx, attrs, p.pctx)
		if err != nil {
			slog.Warn("Tag handler rejected tag, passing through",
				"tag", name, "error", err)
			visible.WriteString(tagText)
			p.pending = p.pending[end+1:]
			continue
		}

		p.pctx.Emit(events.Event{
			Type:    events.EventTypeTagStarted,
			Payload: events.TagPayload{Tag: name, Attributes: attrs},
		})
		p.active = handler
		p.activeState = state
		p.activeAttrs = attrs
		p.pending = p.pending[end+1:]
	}
	return visible.String()
}

// consumeTagContent advances through the active tag's content. Returns
// false when more input is needed.
func (p *Parser) consumeTagContent(ctx context.Context, visible *strings.Builder) bool {
	closeTok := "</" + p.active.TagName() + ">"
	idx := strings.Index(p.pending, closeTok)
	if idx < 0 {
		// Release everything except a tail that could still become the
		// closing tag.
		keep := suffixOverlap(p.pending, closeTok)
		if release := p.pending[:len(p.pending)-keep]; release != "" {
			p.feedContent(ctx, release)
		}
		p.pending = p.pending[len(p.pending)-keep:]
		return false
	}

	if content := p.pending[:idx]; content != "" {
		p.feedContent(ctx, content)
	}
	p.pending = p.pending[idx+len(closeTok):]
	p.finishActive(ctx, visible)
	return true
}

func (p *Parser) feedContent(ctx context.Context, content string) {
	if err := p.active.OnContent(ctx, p.activeState, content); err != nil {
		slog.Warn("Tag handler failed on content",
			"tag", p.active.TagName(), "error", err)
	}
}

func (p *Parser) finishActive(ctx context.Context, visible *strings.Builder) {
	name := p.active.TagName()
	placeholder, err := p.active.OnTagEnd(ctx, p.activeState, p.pctx)
	if err != nil {
		slog.Warn("Tag handler failed on tag end", "tag", name, "error", err)
		placeholder = ""
	}
	p.pctx.Emit(events.Event{
		Type:    events.EventTypeTagCompleted,
		Payload: events.TagPayload{Tag: name, Attributes: p.activeAttrs, Placeholder: placeholder},
	})
	visible.WriteString(placeholder)

	p.active = nil
	p.activeState = nil
	p.activeAttrs = nil
}

// Flush ends the stream. Buffered undecided text is returned as visible;
// an unterminated handled tag is closed as if its closing tag had arrived.
func (p *Parser) Flush(ctx context.Context) string {
	var visible strings.Builder
	if p.active != nil {
		if p.pending != "" {
			p.feedContent(ctx, p.pending)
			p.pending = ""
		}
		slog.Warn("Stream ended inside tag, forcing close", "tag", p.active.TagName())
		p.finishActive(ctx, &visible)
	}
	visible.WriteString(p.pending)
	p.pending = ""
	return visible.String()
}

// ProcessComplete handles a full non-streaming response: every handled tag
// is extracted, its handler's OnCompleteTag runs once, and the placeholder
// replaces the whole tag in the returned text.
func (p *Parser) ProcessComplete(ctx context.Context, content string) string {
	var out strings.Builder
	rest := content

	for {
		idx := strings.IndexByte(rest, '<')
		if idx < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[idx:], '>')
		if end < 0 {
			out.WriteString(rest)
			break
		}
		end += idx

		tagText := rest[idx : end+1]
		name, attrs, isOpen := parseTag(tagText)
		handler, handled := p.handlers[name]
		if !handled || !isOpen {
			out.WriteString(rest[:end+1])
			rest = rest[end+1:]
			continue
		}

		closeTok := "</" + name + ">"
		closeIdx := strings.Index(rest[end+1:], closeTok)
		if closeIdx < 0 {
			out.WriteString(rest[:end+1])
			rest = rest[end+1:]
			continue
		}
		body := rest[end+1 : end+1+closeIdx]

		out.WriteString(rest[:idx])
		rest = rest[end+1+closeIdx+len(closeTok):]

		p.pctx.Emit(events.Event{
			Type:    events.EventTypeTagStarted,
			Payload: events.TagPayload{Tag: name, Attributes: attrs},
		})
		placeholder, err := handler.OnCompleteTag(ctx, attrs, body, p.pctx)
		if err != nil {
			slog.Warn("Tag handler failed on complete tag", "tag", name, "error", err)
			placeholder = ""
		}
		p.pctx.Emit(events.Event{
			Type:    events.EventTypeTagCompleted,
			Payload: events.TagPayload{Tag: name, Attributes: attrs, Placeholder: placeholder},
		})
		out.WriteString(placeholder)
	}
	return out.String()
}

// suffixOverlap returns the length of the longest proper prefix of token
// that is also a suffix of s.
func suffixOverlap(s, token string) int {
	max := len(token) - 1
	if max > len(s) {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, token[:k]) {
			return k
		}
	}
	return 0
}

// parseTag splits "<name attr=\"v\">" into its parts. isOpen is false for
// closing tags, malformed tags, and self-closing tags (which carry no
// content and are left in the text).
func parseTag(tagText string) (name string, attrs map[string]string, isOpen bool) {
	if len(tagText) < 3 || tagText[0] != '<' || tagText[len(tagText)-1] != '>' {
		return "", nil, false
	}
	inner := tagText[1 : len(tagText)-1]
	if strings.HasPrefix(inner, "/") || strings.HasSuffix(inner, "/") {
		return strings.TrimSuffix(strings.TrimPrefix(inner, "/"), "/"), nil, false
	}

	fields := strings.Fields(inner)
	if len(fields) == 0 || !isTagName(fields[0]) {
		return "", nil, false
	}
	name = fields[0]

	if len(fields) > 1 {
		attrs = parseAttrs(strings.TrimSpace(inner[len(name):]))
		if attrs == nil {
			// Attribute soup that does not parse: not a directive tag.
			return "", nil, false
		}
	}
	return name, attrs, true
}

func isTagName(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '_' || r == '-' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return s != ""
}

// parseAttrs parses attr="value" (or single-quoted) pairs. Returns nil on
// anything that does not fit that shape.
func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for s != "" {
		s = strings.TrimLeft(s, " \t\n")
		if s == "" {
			break
		}
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil
		}
		key := strings.TrimSpace(s[:eq])
		if !isTagName(key) {
			return nil
		}
		rest := s[eq+1:]
		if rest == "" {
			return nil
		}
		quote := rest[0]
		if quote != '"' && quote != '\'' {
			return nil
		}
		end := strings.IndexByte(rest[1:], quote)
		if end < 0 {
			return nil
		}
		attrs[key] = rest[1 : 1+end]
		s = rest[end+2:]
	}
	return attrs
}
