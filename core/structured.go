package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ObjectMetadata carries the dispatch metadata of a structured-output
// call.
type ObjectMetadata struct {
	RequestID    string       `json:"requestId,omitempty"`
	FinishReason FinishReason `json:"finishReason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
}

// ObjectResult is the outcome of a structured-output call.
type ObjectResult struct {
	// Data is the parsed, schema-validated value.
	Data any `json:"data"`
	// Raw is the JSON text the value was extracted from.
	Raw string `json:"raw"`
	// Warnings holds non-fatal notes (e.g. validation skipped).
	Warnings []string `json:"warnings,omitempty"`

	Metadata ObjectMetadata `json:"metadata,omitzero"`
}

// ObjectUpdate is one element of a structured-output stream: either a
// progressively more complete partial, or the terminal result or error.
type ObjectUpdate struct {
	// Partial is the merged partial object; nil on terminal updates.
	Partial any
	// Result is set on the terminal success update.
	Result *ObjectResult
	// Err is set on the terminal failure update.
	Err error
}

// Terminal reports whether the update ends the stream.
func (u ObjectUpdate) Terminal() bool {
	return u.Result != nil || u.Err != nil
}

// ObjectStream is a lazy sequence of structured-output updates. The
// channel is closed after the terminal update.
type ObjectStream struct {
	C <-chan ObjectUpdate

	cancel func()
}

// Cancel aborts the underlying chat stream.
func (s *ObjectStream) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// structuredToolName is the synthesized tool name used in tools mode when
// the schema request does not name one.
const structuredToolName = "extract"

// jsonSystemPrompt instructs the model to answer with a bare JSON body.
const jsonSystemPrompt = "You must respond with a JSON object that conforms to this JSON schema. " +
	"Respond with the JSON object only: no prose, no markdown fences.\n\nSchema:\n"

// mdJSONSystemPrompt instructs the model to answer with a fenced block.
const mdJSONSystemPrompt = "You must respond with a JSON object that conforms to this JSON schema, " +
	"inside a fenced ```json code block.\n\nSchema:\n"

// buildStructuredRequest rewrites a request according to the schema mode.
// The original request is not mutated.
func buildStructuredRequest(req *ChatRequest, sr *SchemaRequest) (*ChatRequest, error) {
	schemaDoc := sr.schemaJSON()
	if len(schemaDoc) == 0 {
		return nil, NewValidationError("schema", "schema request carries no JSON schema")
	}

	out := req.Clone()
	out.Schema = nil

	switch sr.Mode {
	case SchemaModeTools, "":
		name := sr.Name
		if name == "" {
			name = structuredToolName
		}
		out.Tools = []ToolDefinition{{
			Name:        name,
			Description: sr.Description,
			Parameters:  schemaDoc,
		}}
		out.ToolChoice = &ToolChoice{Mode: ToolChoiceTool, Name: name}

	case SchemaModeJSON, SchemaModeJSONSchema, SchemaModeMarkdownJSON:
		prompt := jsonSystemPrompt
		if sr.Mode == SchemaModeMarkdownJSON {
			prompt = mdJSONSystemPrompt
		}
		system := TextMessage(RoleSystem, prompt+string(schemaDoc))
		out.Messages = append([]Message{system}, out.Messages...)

		// Structured decoding wants determinism: clamp temperature at 0
		// unless the caller explicitly raised it.
		if out.Parameters == nil {
			out.Parameters = &Parameters{}
		}
		if out.Parameters.Temperature == nil {
			zero := 0.0
			out.Parameters.Temperature = &zero
		}

		if sr.Mode == SchemaModeJSONSchema {
			name := sr.Name
			if name == "" {
				name = structuredToolName
			}
			if out.Parameters.Custom == nil {
				out.Parameters.Custom = map[string]any{}
			}
			out.Parameters.Custom["response_format"] = map[string]any{
				"type": "json_schema",
				"json_schema": map[string]any{
					"name":   name,
					"schema": json.RawMessage(schemaDoc),
				},
			}
		}

	default:
		return nil, NewValidationError("schema.mode", fmt.Sprintf("unknown schema mode %q", sr.Mode))
	}

	return out, nil
}

// extractStructured pulls the raw JSON text out of a response according
// to the schema mode.
func extractStructured(resp *ChatResponse, sr *SchemaRequest) (string, error) {
	switch sr.Mode {
	case SchemaModeTools, "":
		name := sr.Name
		if name == "" {
			name = structuredToolName
		}
		for _, tu := range resp.Message.ToolUses() {
			if tu.Name == name {
				return string(tu.Input), nil
			}
		}
		return "", &Error{Kind: KindProvider, Message: "response carries no tool call for " + name}

	case SchemaModeJSON, SchemaModeJSONSchema:
		text := strings.TrimSpace(resp.Message.Text())
		if text == "" {
			return "", &Error{Kind: KindProvider, Message: "response carries no text content"}
		}
		// Tolerate models that fence anyway.
		if fenced := extractFencedJSON(text); fenced != "" {
			return fenced, nil
		}
		return text, nil

	case SchemaModeMarkdownJSON:
		text := resp.Message.Text()
		if fenced := extractFencedJSON(text); fenced != "" {
			return fenced, nil
		}
		if balanced := extractBalancedObject(text); balanced != "" {
			return balanced, nil
		}
		return "", &Error{Kind: KindProvider, Message: "response carries no JSON block"}

	default:
		return "", NewValidationError("schema.mode", fmt.Sprintf("unknown schema mode %q", sr.Mode))
	}
}

// extractFencedJSON returns the contents of the first ```json (or bare
// ```) fenced block containing valid JSON, or empty.
func extractFencedJSON(text string) string {
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return ""
		}
		body := rest[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			// Skip the info string (e.g. "json").
			body = body[nl+1:]
		}
		end := strings.Index(body, "```")
		if end < 0 {
			return ""
		}
		candidate := strings.TrimSpace(body[:end])
		if gjson.Valid(candidate) {
			return candidate
		}
		rest = body[end+3:]
	}
}

// extractBalancedObject returns the first balanced {...} substring,
// honoring string literals and escapes, or empty.
func extractBalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
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
				candidate := text[start : i+1]
				if gjson.Valid(candidate) {
					return candidate
				}
				return ""
			}
		}
	}
	return ""
}

// parseStructured decodes and validates extracted JSON against the
// schema request. Validation is skipped with a warning when the request
// carries only a raw schema document.
func parseStructured(raw string, sr *SchemaRequest) (any, []string, error) {
	v, ok := tryParse(raw)
	if !ok {
		return nil, nil, &Error{Kind: KindProvider, Message: "extracted content is not valid JSON"}
	}

	if sr.Schema == nil {
		return v, []string{"schema-validation-skipped: no validator attached"}, nil
	}
	if err := sr.Schema.Validate(normalizeNumbers(v)); err != nil {
		return nil, nil, &Error{
			Kind:    KindValidation,
			Field:   "schema",
			Message: "response does not conform to schema: " + err.Error(),
			Err:     err,
		}
	}
	return v, nil, nil
}

// normalizeNumbers converts json.Number values to float64 for schema
// validators that expect standard decoding.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeNumbers(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeNumbers(val)
		}
		return out
	default:
		return v
	}
}
