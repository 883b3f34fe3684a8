package openai

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/petal-labs/conduit/core"
)

// buildRequest converts an IR request into the chat completions wire form.
func buildRequest(req *core.ChatRequest, cfg Config, stream bool) (*chatRequest, error) {
	wire := &chatRequest{Model: cfg.Model}
	if wire.Model == "" {
		wire.Model = DefaultModel
	}

	messages, err := mapMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	wire.Messages = messages

	if p := req.Parameters; p != nil {
		if p.Model != "" {
			wire.Model = p.Model
		}
		wire.Temperature = p.Temperature
		wire.TopP = p.TopP
		wire.MaxTokens = p.MaxTokens
		wire.FrequencyPenalty = p.FrequencyPenalty
		wire.PresencePenalty = p.PresencePenalty
		wire.Seed = p.Seed
		wire.Stop = p.StopSequences
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, chatTool{
			Type: "function",
			Function: toolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case core.ToolChoiceAuto:
			wire.ToolChoice = "auto"
		case core.ToolChoiceNone:
			wire.ToolChoice = "none"
		case core.ToolChoiceRequired:
			wire.ToolChoice = "required"
		case core.ToolChoiceTool:
			wire.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": tc.Name},
			}
		}
	}

	if stream {
		wire.Stream = true
		wire.StreamOptions = &streamOpts{IncludeUsage: true}
	}
	return wire, nil
}

// encodeRequest marshals the wire request and splices Parameters.Custom
// keys onto the body verbatim.
func encodeRequest(wire *chatRequest, custom map[string]any) ([]byte, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	for key, value := range custom {
		body, err = sjson.SetBytes(body, key, value)
		if err != nil {
			return nil, fmt.Errorf("setting custom option %q: %w", key, err)
		}
	}
	return body, nil
}

func mapMessages(messages []core.Message) ([]chatMessage, error) {
	out := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case core.RoleTool:
			out = append(out, mapToolMessages(msg)...)
		case core.RoleAssistant:
			m, err := mapAssistantMessage(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		default:
			m, err := mapUserMessage(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// mapToolMessages expands a RoleTool message into one wire message per
// tool result, since the provider carries one tool_call_id per message.
func mapToolMessages(msg core.Message) []chatMessage {
	results := msg.ToolResults()
	if len(results) == 0 {
		return []chatMessage{{
			Role:       "tool",
			Content:    msg.Text(),
			ToolCallID: msg.ToolCallID,
		}}
	}
	out := make([]chatMessage, 0, len(results))
	for _, tr := range results {
		out = append(out, chatMessage{
			Role:       "tool",
			Content:    tr.Content,
			ToolCallID: tr.ToolCallID,
		})
	}
	return out
}

func mapAssistantMessage(msg core.Message) (chatMessage, error) {
	out := chatMessage{Role: "assistant"}
	if len(msg.Parts) == 0 {
		out.Content = msg.Content
		return out, nil
	}
	var text string
	for _, part := range msg.Parts {
		switch b := part.(type) {
		case core.TextBlock:
			text += b.Text
		case core.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, toolCall{
				ID:   b.ID,
				Type: "function",
				Function: functionCall{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		default:
			return out, fmt.Errorf("unsupported assistant content block %q", part.BlockType())
		}
	}
	if text != "" {
		out.Content = text
	}
	return out, nil
}

func mapUserMessage(msg core.Message) (chatMessage, error) {
	out := chatMessage{Role: string(msg.Role)}
	if len(msg.Parts) == 0 {
		out.Content = msg.Content
		return out, nil
	}
	parts := make([]contentPart, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch b := part.(type) {
		case core.TextBlock:
			parts = append(parts, contentPart{Type: "text", Text: b.Text})
		case core.ImageBlock:
			url, err := imageDataURL(b.Source)
			if err != nil {
				return out, err
			}
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
		default:
			return out, fmt.Errorf("unsupported %s content block %q", msg.Role, part.BlockType())
		}
	}
	out.Content = parts
	return out, nil
}

// imageDataURL renders an image source as the provider's URL form: plain
// URLs pass through, base64 sources become data URLs.
func imageDataURL(src core.ImageSource) (string, error) {
	switch src.Kind {
	case core.ImageSourceURL:
		return src.URL, nil
	case core.ImageSourceBase64:
		mediaType := src.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		return "data:" + mediaType + ";base64," + src.Data, nil
	default:
		return "", fmt.Errorf("unsupported image source kind %q", src.Kind)
	}
}

// mapResponse converts a chat completions response body into the IR.
func mapResponse(body []byte, retainRaw bool) (*core.ChatResponse, error) {
	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	first := wire.Choices[0]

	resp := &core.ChatResponse{
		Message:      mapResponseMessage(first.Message),
		FinishReason: mapFinishReason(first.FinishReason),
	}
	if wire.Usage != nil {
		resp.Usage = &core.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	if retainRaw {
		resp.Raw = append(json.RawMessage(nil), body...)
	}
	return resp, nil
}

func mapResponseMessage(wire responseMessage) core.Message {
	msg := core.Message{Role: core.RoleAssistant}
	if len(wire.ToolCalls) == 0 {
		msg.Content = wire.Content
		return msg
	}
	if wire.Content != "" {
		msg.Parts = append(msg.Parts, core.TextBlock{Text: wire.Content})
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
	return msg
}

func mapFinishReason(reason string) core.FinishReason {
	switch reason {
	case "stop", "":
		return core.FinishStop
	case "length":
		return core.FinishLength
	case "tool_calls", "function_call":
		return core.FinishToolCalls
	case "content_filter":
		return core.FinishContentFilter
	default:
		return core.FinishStop
	}
}
