package mcpclient

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Result is one of the closed set of shapes a tool response can take.
// Value returns the canonical value handed to callers.
type Result interface {
	Value() any
	isResult()
}

// RawValue is a response with no recognized envelope.
type RawValue struct {
	Raw any
}

// EnvelopeValue is a response whose payload sits under "value" or "content".
type EnvelopeValue struct {
	Field string
	Inner any
}

// TextBlockSequence is a non-empty block list whose first block carries text.
type TextBlockSequence struct {
	Text string
}

func (RawValue) isResult()          {}
func (EnvelopeValue) isResult()     {}
func (TextBlockSequence) isResult() {}

// Value returns the raw response unchanged.
func (r RawValue) Value() any { return r.Raw }

// Value returns the envelope payload.
func (e EnvelopeValue) Value() any { return e.Inner }

// Value returns the parsed JSON when the text looks like an object or array,
// otherwise the text itself.
func (t TextBlockSequence) Value() any {
	trimmed := strings.TrimSpace(t.Text)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return t.Text
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return t.Text
	}
	return parsed
}

// Envelope fields in precedence order
var envelopeFields = []string{"value", "content"}

// Classify maps a decoded response onto its Result variant.
func Classify(raw any) Result {
	candidate := raw
	field, inner, wrapped := unwrapEnvelope(raw)
	if wrapped {
		candidate = inner
	}

	if text, ok := firstBlockText(candidate); ok {
		return TextBlockSequence{Text: text}
	}
	if wrapped {
		return EnvelopeValue{Field: field, Inner: inner}
	}
	return RawValue{Raw: raw}
}

// Normalize returns the canonical value for a decoded response.
func Normalize(raw any) any {
	return Classify(raw).Value()
}

func unwrapEnvelope(raw any) (string, any, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return "", nil, false
	}
	for _, field := range envelopeFields {
		if inner, ok := m[field]; ok {
			return field, inner, true
		}
	}
	return "", nil, false
}

func firstBlockText(v any) (string, bool) {
	blocks, ok := v.([]any)
	if !ok || len(blocks) == 0 {
		return "", false
	}
	block, ok := blocks[0].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := block["text"].(string)
	return text, ok
}

// decodeResult turns an mcp-go result into plain JSON values so Classify
// sees the same shape regardless of transport.
func decodeResult(result *mcp.CallToolResult) (any, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode tool result: %w", err)
	}
	return decoded, nil
}

// errorText joins the text blocks of a result flagged as an error.
func errorText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) == 0 {
		return "tool reported an error"
	}
	return strings.Join(parts, "\n")
}
