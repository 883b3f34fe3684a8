// Package openai implements the chat completions dialect frontend:
// inbound chat completions requests become IR, IR responses and streams
// become chat completions bodies and SSE chunks.
package openai

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/petal-labs/conduit/core"
)

// Frontend speaks the chat completions dialect.
type Frontend struct{}

// New creates a chat completions frontend.
func New() *Frontend {
	return &Frontend{}
}

// Info returns the dialect identity. Capabilities describe what the
// dialect can express, not any particular provider.
func (f *Frontend) Info() core.AdapterInfo {
	return core.AdapterInfo{
		Name:     "openai",
		Version:  "v1",
		Provider: "openai",
		Capabilities: core.Capabilities{
			Streaming:                      true,
			MultiModal:                     true,
			Tools:                          true,
			SystemMessageStrategy:          core.SystemInMessages,
			SupportsMultipleSystemMessages: true,
			SupportsTemperature:            true,
			SupportsTopP:                   true,
			SupportsSeed:                   true,
			SupportsFrequencyPenalty:       true,
			SupportsPresencePenalty:        true,
			MaxStopSequences:               4,
		},
	}
}

// ToIR converts an inbound chat completions body into the IR. Unknown
// top-level keys pass through on parameters.custom.
func (f *Frontend) ToIR(body []byte) (*core.ChatRequest, error) {
	var wire chatRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, core.NewValidationError("body", "malformed JSON: "+err.Error())
	}
	if wire.Model == "" {
		return nil, core.NewValidationError("model", "model is required")
	}
	if len(wire.Messages) == 0 {
		return nil, core.NewValidationError("messages", "messages is required")
	}

	messages := make([]core.Message, 0, len(wire.Messages))
	for i, m := range wire.Messages {
		msg, err := toIRMessage(i, m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	req := &core.ChatRequest{
		Messages: messages,
		Stream:   wire.Stream,
		Parameters: &core.Parameters{
			Model:            wire.Model,
			Temperature:      wire.Temperature,
			TopP:             wire.TopP,
			MaxTokens:        wire.MaxTokens,
			FrequencyPenalty: wire.FrequencyPenalty,
			PresencePenalty:  wire.PresencePenalty,
			Seed:             wire.Seed,
		},
	}
	if stop, err := toIRStop(wire.Stop); err != nil {
		return nil, err
	} else {
		req.Parameters.StopSequences = stop
	}

	for _, tool := range wire.Tools {
		if tool.Function.Name == "" {
			return nil, core.NewValidationError("tools", "tool function name is required")
		}
		req.Tools = append(req.Tools, core.ToolDefinition{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	choice, err := toIRToolChoice(wire.ToolChoice)
	if err != nil {
		return nil, err
	}
	req.ToolChoice = choice

	custom, err := extractCustom(body, knownRequestKeys)
	if err != nil {
		return nil, err
	}
	req.Parameters.Custom = custom
	return req, nil
}

// extractCustom collects top-level keys not consumed by the dialect.
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

func toIRStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, core.NewValidationError("stop", "malformed stop value")
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, core.NewValidationError("stop", "stop must be a string or string array")
	}
	return list, nil
}

func toIRToolChoice(raw json.RawMessage) (*core.ToolChoice, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var mode string
		if err := json.Unmarshal(raw, &mode); err != nil {
			return nil, core.NewValidationError("tool_choice", "malformed tool_choice")
		}
		switch mode {
		case "auto":
			return &core.ToolChoice{Mode: core.ToolChoiceAuto}, nil
		case "none":
			return &core.ToolChoice{Mode: core.ToolChoiceNone}, nil
		case "required":
			return &core.ToolChoice{Mode: core.ToolChoiceRequired}, nil
		default:
			return nil, core.NewValidationError("tool_choice", "unknown tool_choice "+mode)
		}
	}
	var named namedToolChoice
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil, core.NewValidationError("tool_choice", "malformed tool_choice object")
	}
	if named.Function.Name == "" {
		return nil, core.NewValidationError("tool_choice", "tool_choice function name is required")
	}
	return &core.ToolChoice{Mode: core.ToolChoiceTool, Name: named.Function.Name}, nil
}

func toIRMessage(index int, wire chatMessage) (core.Message, error) {
	if wire.Role == "" {
		return core.Message{}, core.NewValidationError("messages", "message role is required")
	}

	switch wire.Role {
	case "tool":
		if wire.ToolCallID == "" {
			return core.Message{}, core.NewValidationError("messages", "tool message missing tool_call_id")
		}
		var content string
		if len(wire.Content) > 0 {
			if err := json.Unmarshal(wire.Content, &content); err != nil {
				return core.Message{}, core.NewValidationError("messages", "tool message content must be a string")
			}
		}
		return core.ToolResultMessage(wire.ToolCallID, content, false), nil

	case "assistant":
		msg := core.Message{Role: core.RoleAssistant}
		var text string
		if len(wire.Content) > 0 && string(wire.Content) != "null" {
			if err := json.Unmarshal(wire.Content, &text); err != nil {
				return core.Message{}, core.NewValidationError("messages", "assistant content must be a string")
			}
		}
		if len(wire.ToolCalls) == 0 {
			msg.Content = text
			return msg, nil
		}
		if text != "" {
			msg.Parts = append(msg.Parts, core.TextBlock{Text: text})
		}
		for _, tc := range wire.ToolCalls {
			input := tc.Function.Arguments
			if input == "" {
				input = "{}"
			}
			msg.Parts = append(msg.Parts, core.ToolUseBlock{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(input),
			})
		}
		return msg, nil

	default:
		role := core.Role(wire.Role)
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
		var parts []contentPart
		if err := json.Unmarshal(wire.Content, &parts); err != nil {
			return core.Message{}, core.NewValidationError("messages", "content must be a string or part array")
		}
		msg := core.Message{Role: role}
		for _, p := range parts {
			switch p.Type {
			case "text":
				msg.Parts = append(msg.Parts, core.TextBlock{Text: p.Text})
			case "image_url":
				if p.ImageURL == nil {
					return core.Message{}, core.NewValidationError("messages", "image_url part missing image_url")
				}
				msg.Parts = append(msg.Parts, core.ImageBlock{Source: toIRImageSource(p.ImageURL.URL)})
			default:
				return core.Message{}, core.NewValidationError("messages", "unknown content part type "+p.Type)
			}
		}
		return msg, nil
	}
}

// toIRImageSource decodes a chat completions image URL, unpacking data
// URLs into base64 sources.
func toIRImageSource(url string) core.ImageSource {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return core.ImageSource{Kind: core.ImageSourceURL, URL: url}
	}
	rest := url[len(prefix):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return core.ImageSource{Kind: core.ImageSourceURL, URL: url}
	}
	return core.ImageSource{
		Kind:      core.ImageSourceBase64,
		MediaType: rest[:sep],
		Data:      rest[sep+len(";base64,"):],
	}
}

// FromIR converts an IR response into a chat completions body. The model
// is echoed from the original request per the dialect contract.
func (f *Frontend) FromIR(resp *core.ChatResponse, original *core.ChatRequest) ([]byte, error) {
	wire := chatResponse{
		ID:      responseID(resp.Metadata.RequestID),
		Object:  "chat.completion",
		Created: responseCreated(resp.Metadata.Timestamp),
		Model:   original.Model(),
		Choices: []choice{{
			Index:        0,
			Message:      fromIRMessage(resp.Message),
			FinishReason: fromIRFinishReason(resp.FinishReason),
		}},
	}
	if resp.Usage != nil {
		wire.Usage = &usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return json.Marshal(wire)
}

func responseID(requestID string) string {
	if requestID == "" {
		return "chatcmpl-unknown"
	}
	return "chatcmpl-" + requestID
}

func responseCreated(ts time.Time) int64 {
	if ts.IsZero() {
		return time.Now().Unix()
	}
	return ts.Unix()
}

func fromIRMessage(msg core.Message) responseMessage {
	out := responseMessage{Role: "assistant"}
	text := msg.Text()
	if text != "" || len(msg.ToolUses()) == 0 {
		out.Content = &text
	}
	for _, tu := range msg.ToolUses() {
		out.ToolCalls = append(out.ToolCalls, toolCall{
			ID:   tu.ID,
			Type: "function",
			Function: functionCall{
				Name:      tu.Name,
				Arguments: string(tu.Input),
			},
		})
	}
	return out
}

func fromIRFinishReason(reason core.FinishReason) string {
	switch reason {
	case core.FinishLength:
		return "length"
	case core.FinishToolCalls:
		return "tool_calls"
	case core.FinishContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

// RenderError converts an engine error into the dialect error body.
func (f *Frontend) RenderError(err error) []byte {
	detail := errorDetail{Message: err.Error(), Type: "api_error"}
	if ce, ok := core.AsError(err); ok {
		detail.Message = ce.Message
		detail.Code = ce.Code
		detail.Param = ce.Field
		detail.Type = errorType(ce.Kind)
	}
	body, marshalErr := json.Marshal(errorBody{Error: detail})
	if marshalErr != nil {
		return []byte(`{"error":{"message":"internal error","type":"api_error"}}`)
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
	case core.KindTimeout, core.KindCancelled:
		return "timeout_error"
	default:
		return "api_error"
	}
}
