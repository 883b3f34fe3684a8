// Package anthropic implements the messages API dialect frontend.
package anthropic

import (
	"encoding/json"

	"github.com/petal-labs/conduit/core"
)

// Frontend speaks the messages API dialect.
type Frontend struct{}

// New creates a messages API frontend.
func New() *Frontend {
	return &Frontend{}
}

// Info returns the dialect identity.
func (f *Frontend) Info() core.AdapterInfo {
	return core.AdapterInfo{
		Name:     "anthropic",
		Version:  "2023-06-01",
		Provider: "anthropic",
		Capabilities: core.Capabilities{
			Streaming:                      true,
			MultiModal:                     true,
			Tools:                          true,
			SystemMessageStrategy:          core.SystemSeparateParameter,
			SupportsMultipleSystemMessages: true,
			SupportsTemperature:            true,
			SupportsTopP:                   true,
			SupportsTopK:                   true,
			MaxStopSequences:               8191,
		},
	}
}

// ToIR converts an inbound messages API body into the IR. The top-level
// system parameter becomes a leading system message. Unknown top-level
// keys pass through on parameters.custom.
func (f *Frontend) ToIR(body []byte) (*core.ChatRequest, error) {
	var wire messagesRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, core.NewValidationError("body", "malformed JSON: "+err.Error())
	}
	if wire.Model == "" {
		return nil, core.NewValidationError("model", "model is required")
	}
	if wire.MaxTokens <= 0 {
		return nil, core.NewValidationError("max_tokens", "max_tokens is required")
	}
	if len(wire.Messages) == 0 {
		return nil, core.NewValidationError("messages", "messages is required")
	}

	var messages []core.Message
	if len(wire.System) > 0 && string(wire.System) != "null" {
		system, err := toIRSystem(wire.System)
		if err != nil {
			return nil, err
		}
		messages = append(messages, system...)
	}
	for _, m := range wire.Messages {
		msg, err := toIRMessage(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	maxTokens := wire.MaxTokens
	req := &core.ChatRequest{
		Messages: messages,
		Stream:   wire.Stream,
		Parameters: &core.Parameters{
			Model:         wire.Model,
			MaxTokens:     &maxTokens,
			Temperature:   wire.Temperature,
			TopP:          wire.TopP,
			TopK:          wire.TopK,
			StopSequences: wire.StopSequences,
		},
	}

	for _, tool := range wire.Tools {
		if tool.Name == "" {
			return nil, core.NewValidationError("tools", "tool name is required")
		}
		req.Tools = append(req.Tools, core.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	if tc := wire.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto":
			req.ToolChoice = &core.ToolChoice{Mode: core.ToolChoiceAuto}
		case "none":
			req.ToolChoice = &core.ToolChoice{Mode: core.ToolChoiceNone}
		case "any":
			req.ToolChoice = &core.ToolChoice{Mode: core.ToolChoiceRequired}
		case "tool":
			if tc.Name == "" {
				return nil, core.NewValidationError("tool_choice", "tool_choice name is required")
			}
			req.ToolChoice = &core.ToolChoice{Mode: core.ToolChoiceTool, Name: tc.Name}
		default:
			return nil, core.NewValidationError("tool_choice", "unknown tool_choice type "+tc.Type)
		}
	}

	custom, err := extractCustom(body, knownRequestKeys)
	if err != nil {
		return nil, err
	}
	req.Parameters.Custom = custom
	return req, nil
}

func extractCustom(body []byte, known map[string]bool) (map[string]any, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, core.NewValidationError("body", "malformed JSON: "+err.Error())
	}
	var custom map[string]any
	for key, raw := range all {
		if known[key] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, core.NewValidationError(key, "malformed value")
		}
		if custom == nil {
			custom = map[string]any{}
		}
		custom[key] = v
	}
	return custom, nil
}

// toIRSystem decodes the system parameter, which is a string or a text
// block array.
func toIRSystem(raw json.RawMessage) ([]core.Message, error) {
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, core.NewValidationError("system", "malformed system value")
		}
		return []core.Message{core.TextMessage(core.RoleSystem, text)}, nil
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, core.NewValidationError("system", "system must be a string or text block array")
	}
	messages := make([]core.Message, 0, len(blocks))
	for _, b := range blocks {
		if b.Type != "text" {
			return nil, core.NewValidationError("system", "system blocks must be text")
		}
		messages = append(messages, core.TextMessage(core.RoleSystem, b.Text))
	}
	return messages, nil
}

func toIRMessage(wire wireMessage) (core.Message, error) {
	var role core.Role
	switch wire.Role {
	case "user":
		role = core.RoleUser
	case "assistant":
		role = core.RoleAssistant
	default:
		return core.Message{}, core.NewValidationError("messages", "unknown role "+wire.Role)
	}
	if len(wire.Content) == 0 {
		return core.Message{}, core.NewValidationError("messages", "message content is required")
	}
	if wire.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(wire.Content, &text); err != nil {
			return core.Message{}, core.NewValidationError("messages", "malformed content")
		}
		return core.Message{Role: role, Content: text}, nil
	}

	var blocks []wireBlock
	if err := json.Unmarshal(wire.Content, &blocks); err != nil {
		return core.Message{}, core.NewValidationError("messages", "content must be a string or block array")
	}
	msg := core.Message{Role: role}
	hasToolResult := false
	for _, b := range blocks {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, core.TextBlock{Text: b.Text})
		case "image":
			if b.Source == nil {
				return core.Message{}, core.NewValidationError("messages", "image block missing source")
			}
			msg.Parts = append(msg.Parts, core.ImageBlock{Source: toIRImageSource(*b.Source)})
		case "tool_use":
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			msg.Parts = append(msg.Parts, core.ToolUseBlock{ID: b.ID, Name: b.Name, Input: input})
		case "tool_result":
			hasToolResult = true
			msg.Parts = append(msg.Parts, core.ToolResultBlock{
				ToolCallID: b.ToolUseID,
				Content:    b.Content,
				IsError:    b.IsError,
			})
		default:
			return core.Message{}, core.NewValidationError("messages", "unknown block type "+b.Type)
		}
	}
	// The dialect sends tool results in user messages; the IR keeps them
	// in dedicated tool messages.
	if hasToolResult && role == core.RoleUser {
		msg.Role = core.RoleTool
	}
	return msg, nil
}

func toIRImageSource(src wireImageSource) core.ImageSource {
	if src.Type == "url" {
		return core.ImageSource{Kind: core.ImageSourceURL, URL: src.URL}
	}
	return core.ImageSource{
		Kind:      core.ImageSourceBase64,
		MediaType: src.MediaType,
		Data:      src.Data,
	}
}

// FromIR converts an IR response into a messages API body.
func (f *Frontend) FromIR(resp *core.ChatResponse, original *core.ChatRequest) ([]byte, error) {
	wire := messagesResponse{
		ID:         responseID(resp.Metadata.RequestID),
		Type:       "message",
		Role:       "assistant",
		Model:      original.Model(),
		Content:    fromIRContent(resp.Message),
		StopReason: fromIRStopReason(resp.FinishReason),
	}
	if resp.Usage != nil {
		wire.Usage = &wireUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return json.Marshal(wire)
}

func responseID(requestID string) string {
	if requestID == "" {
		return "msg_unknown"
	}
	return "msg_" + requestID
}

func fromIRContent(msg core.Message) []wireBlock {
	if len(msg.Parts) == 0 {
		return []wireBlock{{Type: "text", Text: msg.Content}}
	}
	var blocks []wireBlock
	for _, part := range msg.Parts {
		switch b := part.(type) {
		case core.TextBlock:
			blocks = append(blocks, wireBlock{Type: "text", Text: b.Text})
		case core.ToolUseBlock:
			blocks = append(blocks, wireBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return blocks
}

func fromIRStopReason(reason core.FinishReason) string {
	switch reason {
	case core.FinishLength:
		return "max_tokens"
	case core.FinishToolCalls:
		return "tool_use"
	case core.FinishContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}

// RenderError converts an engine error into the dialect error body.
func (f *Frontend) RenderError(err error) []byte {
	detail := errorDetail{Type: "api_error", Message: err.Error()}
	if ce, ok := core.AsError(err); ok {
		detail.Message = ce.Message
		detail.Type = errorType(ce.Kind)
	}
	body, marshalErr := json.Marshal(errorBody{Type: "error", Error: detail})
	if marshalErr != nil {
		return []byte(`{"type":"error","error":{"type":"api_error","message":"internal error"}}`)
	}
	return body
}

func errorType(kind core.ErrorKind) string {
	switch kind {
	case core.KindAuthentication:
		return "authentication_error"
	case core.KindAuthorization:
		return "permission_error"
	case core.KindRateLimit:
		return "rate_limit_error"
	case core.KindValidation, core.KindConversion:
		return "invalid_request_error"
	case core.KindProvider:
		return "overloaded_error"
	default:
		return "api_error"
	}
}
