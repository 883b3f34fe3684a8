package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/petal-labs/conduit/core"
)

// buildRequest converts an IR request into the messages API wire form.
// System messages are extracted into the top-level system parameter.
func buildRequest(req *core.ChatRequest, cfg Config, stream bool) (*messagesRequest, error) {
	wire := &messagesRequest{
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Stream:    stream,
	}
	if wire.Model == "" {
		wire.Model = DefaultModel
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = DefaultMaxTokens
	}

	system, rest := core.ExtractSystem(req.Messages)
	wire.System = strings.Join(system, "\n\n")

	messages, err := mapMessages(rest)
	if err != nil {
		return nil, err
	}
	wire.Messages = messages

	if p := req.Parameters; p != nil {
		if p.Model != "" {
			wire.Model = p.Model
		}
		if p.MaxTokens != nil {
			wire.MaxTokens = *p.MaxTokens
		}
		wire.Temperature = p.Temperature
		wire.TopP = p.TopP
		wire.TopK = p.TopK
		wire.StopSequences = p.StopSequences
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case core.ToolChoiceAuto:
			wire.ToolChoice = &wireToolChoice{Type: "auto"}
		case core.ToolChoiceNone:
			wire.ToolChoice = &wireToolChoice{Type: "none"}
		case core.ToolChoiceRequired:
			wire.ToolChoice = &wireToolChoice{Type: "any"}
		case core.ToolChoiceTool:
			wire.ToolChoice = &wireToolChoice{Type: "tool", Name: tc.Name}
		}
	}
	return wire, nil
}

// encodeRequest marshals the wire request and splices Parameters.Custom
// keys onto the body verbatim.
func encodeRequest(wire *messagesRequest, custom map[string]any) ([]byte, error) {
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

// mapMessages converts IR messages to wire messages. RoleTool messages
// become user messages carrying tool_result blocks, per the messages API.
func mapMessages(messages []core.Message) ([]wireMessage, error) {
	out := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == core.RoleAssistant {
			role = "assistant"
		}
		blocks, err := mapBlocks(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, wireMessage{Role: role, Content: blocks})
	}
	return out, nil
}

func mapBlocks(msg core.Message) ([]wireBlock, error) {
	if len(msg.Parts) == 0 {
		if msg.Role == core.RoleTool {
			return []wireBlock{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
			}}, nil
		}
		return []wireBlock{{Type: "text", Text: msg.Content}}, nil
	}

	blocks := make([]wireBlock, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch b := part.(type) {
		case core.TextBlock:
			blocks = append(blocks, wireBlock{Type: "text", Text: b.Text})
		case core.ImageBlock:
			src, err := mapImageSource(b.Source)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, wireBlock{Type: "image", Source: src})
		case core.ToolUseBlock:
			blocks = append(blocks, wireBlock{
				Type:  "tool_use",
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		case core.ToolResultBlock:
			blocks = append(blocks, wireBlock{
				Type:      "tool_result",
				ToolUseID: b.ToolCallID,
				Content:   b.Content,
				IsError:   b.IsError,
			})
		default:
			return nil, fmt.Errorf("unsupported content block %q", part.BlockType())
		}
	}
	return blocks, nil
}

func mapImageSource(src core.ImageSource) (*wireImageSource, error) {
	switch src.Kind {
	case core.ImageSourceBase64:
		mediaType := src.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		return &wireImageSource{Type: "base64", MediaType: mediaType, Data: src.Data}, nil
	case core.ImageSourceURL:
		return &wireImageSource{Type: "url", URL: src.URL}, nil
	default:
		return nil, fmt.Errorf("unsupported image source kind %q", src.Kind)
	}
}

// mapResponse converts a messages API response body into the IR.
func mapResponse(body []byte, retainRaw bool) (*core.ChatResponse, error) {
	var wire messagesResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}

	resp := &core.ChatResponse{
		Message:      mapResponseContent(wire.Content),
		FinishReason: mapStopReason(wire.StopReason),
	}
	if wire.Usage != nil {
		resp.Usage = mapUsage(wire.Usage)
	}
	if retainRaw {
		resp.Raw = append(json.RawMessage(nil), body...)
	}
	return resp, nil
}

func mapResponseContent(blocks []wireBlock) core.Message {
	msg := core.Message{Role: core.RoleAssistant}

	// A single text block collapses to plain content.
	if len(blocks) == 1 && blocks[0].Type == "text" {
		msg.Content = blocks[0].Text
		return msg
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, core.TextBlock{Text: b.Text})
		case "tool_use":
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			msg.Parts = append(msg.Parts, core.ToolUseBlock{ID: b.ID, Name: b.Name, Input: input})
		default:
			raw, err := json.Marshal(b)
			if err == nil {
				msg.Parts = append(msg.Parts, core.RawBlock{Type: b.Type, Data: raw})
			}
		}
	}
	return msg
}

func mapUsage(u *wireUsage) *core.Usage {
	return &core.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

func mapStopReason(reason string) core.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return core.FinishStop
	case "max_tokens":
		return core.FinishLength
	case "tool_use":
		return core.FinishToolCalls
	case "refusal":
		return core.FinishContentFilter
	default:
		return core.FinishStop
	}
}
