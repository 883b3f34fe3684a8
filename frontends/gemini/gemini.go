// Package gemini implements the generateContent dialect frontend. The
// dialect has no per-call tool IDs; function names double as tool call
// IDs in the IR.
package gemini

import (
	"encoding/json"

	"github.com/petal-labs/conduit/core"
)

// Frontend speaks the generateContent dialect.
type Frontend struct{}

// New creates a generateContent frontend.
func New() *Frontend {
	return &Frontend{}
}

// Info returns the dialect identity.
func (f *Frontend) Info() core.AdapterInfo {
	return core.AdapterInfo{
		Name:     "gemini",
		Version:  "v1beta",
		Provider: "google",
		Capabilities: core.Capabilities{
			Streaming:                      true,
			MultiModal:                     true,
			Tools:                          true,
			SystemMessageStrategy:          core.SystemSeparateParameter,
			SupportsMultipleSystemMessages: true,
			SupportsTemperature:            true,
			SupportsTopP:                   true,
			SupportsTopK:                   true,
			SupportsSeed:                   true,
			MaxStopSequences:               5,
		},
	}
}

// ToIR converts an inbound generateContent body into the IR. The
// systemInstruction becomes a leading system message. The dialect
// carries the model in the URL; an optional top-level model key is
// honored when present.
func (f *Frontend) ToIR(body []byte) (*core.ChatRequest, error) {
	var wire generateRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, core.NewValidationError("body", "malformed JSON: "+err.Error())
	}
	if len(wire.Contents) == 0 {
		return nil, core.NewValidationError("contents", "contents is required")
	}

	var messages []core.Message
	if si := wire.SystemInstruction; si != nil {
		for _, p := range si.Parts {
			if p.Text == "" {
				return nil, core.NewValidationError("systemInstruction", "system parts must be text")
			}
			messages = append(messages, core.TextMessage(core.RoleSystem, p.Text))
		}
	}
	for _, content := range wire.Contents {
		msg, err := toIRMessage(content)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	req := &core.ChatRequest{Messages: messages, Parameters: &core.Parameters{}}
	if gc := wire.GenerationConfig; gc != nil {
		req.Parameters.Temperature = gc.Temperature
		req.Parameters.TopP = gc.TopP
		req.Parameters.TopK = gc.TopK
		req.Parameters.MaxTokens = gc.MaxOutputTokens
		req.Parameters.StopSequences = gc.StopSequences
		req.Parameters.Seed = gc.Seed
	}

	for _, group := range wire.Tools {
		for _, decl := range group.FunctionDeclarations {
			if decl.Name == "" {
				return nil, core.NewValidationError("tools", "function declaration name is required")
			}
			req.Tools = append(req.Tools, core.ToolDefinition{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  decl.Parameters,
			})
		}
	}
	if tc := wire.ToolConfig; tc != nil && tc.FunctionCallingConfig != nil {
		choice, err := toIRToolChoice(tc.FunctionCallingConfig)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = choice
	}

	custom, err := extractCustom(body, knownRequestKeys)
	if err != nil {
		return nil, err
	}
	if model, ok := custom["model"].(string); ok {
		req.Parameters.Model = model
		delete(custom, "model")
	}
	if len(custom) > 0 {
		req.Parameters.Custom = custom
	}
	return req, nil
}

func extractCustom(body []byte, known map[string]bool) (map[string]any, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, core.NewValidationError("body", "malformed JSON: "+err.Error())
	}
	custom := map[string]any{}
	for key, raw := range all {
		// model is carried in the URL for this dialect; surface it here.
		if known[key] && key != "model" {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, core.NewValidationError(key, "malformed value")
		}
		custom[key] = v
	}
	return custom, nil
}

func toIRToolChoice(cfg *functionCallingConfig) (*core.ToolChoice, error) {
	switch cfg.Mode {
	case "", "AUTO":
		return &core.ToolChoice{Mode: core.ToolChoiceAuto}, nil
	case "NONE":
		return &core.ToolChoice{Mode: core.ToolChoiceNone}, nil
	case "ANY":
		if len(cfg.AllowedFunctionNames) == 1 {
			return &core.ToolChoice{Mode: core.ToolChoiceTool, Name: cfg.AllowedFunctionNames[0]}, nil
		}
		return &core.ToolChoice{Mode: core.ToolChoiceRequired}, nil
	default:
		return nil, core.NewValidationError("toolConfig", "unknown function calling mode "+cfg.Mode)
	}
}

func toIRMessage(content wireContent) (core.Message, error) {
	var role core.Role
	switch content.Role {
	case "user", "":
		role = core.RoleUser
	case "model":
		role = core.RoleAssistant
	case "function":
		role = core.RoleTool
	default:
		return core.Message{}, core.NewValidationError("contents", "unknown role "+content.Role)
	}
	if len(content.Parts) == 0 {
		return core.Message{}, core.NewValidationError("contents", "content parts are required")
	}

	msg := core.Message{Role: role}
	hasFunctionResponse := false
	for _, p := range content.Parts {
		switch {
		case p.FunctionCall != nil:
			args := p.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			msg.Parts = append(msg.Parts, core.ToolUseBlock{
				ID:    p.FunctionCall.Name,
				Name:  p.FunctionCall.Name,
				Input: args,
			})
		case p.FunctionResponse != nil:
			hasFunctionResponse = true
			encoded, err := json.Marshal(p.FunctionResponse.Response)
			if err != nil {
				return core.Message{}, core.NewValidationError("contents", "malformed function response")
			}
			msg.Parts = append(msg.Parts, core.ToolResultBlock{
				ToolCallID: p.FunctionResponse.Name,
				Content:    string(encoded),
			})
		case p.InlineData != nil:
			msg.Parts = append(msg.Parts, core.ImageBlock{Source: core.ImageSource{
				Kind:      core.ImageSourceBase64,
				MediaType: p.InlineData.MimeType,
				Data:      p.InlineData.Data,
			}})
		case p.FileData != nil:
			msg.Parts = append(msg.Parts, core.ImageBlock{Source: core.ImageSource{
				Kind: core.ImageSourceURL,
				URL:  p.FileData.FileURI,
			}})
		default:
			msg.Parts = append(msg.Parts, core.TextBlock{Text: p.Text})
		}
	}
	if hasFunctionResponse && role != core.RoleTool {
		msg.Role = core.RoleTool
	}

	// A lone text part collapses to plain content.
	if len(msg.Parts) == 1 {
		if tb, ok := msg.Parts[0].(core.TextBlock); ok {
			msg.Parts = nil
			msg.Content = tb.Text
		}
	}
	return msg, nil
}

// FromIR converts an IR response into a generateContent body.
func (f *Frontend) FromIR(resp *core.ChatResponse, original *core.ChatRequest) ([]byte, error) {
	wire := generateResponse{
		Candidates: []candidate{{
			Content:      fromIRContent(resp.Message),
			FinishReason: fromIRFinishReason(resp.FinishReason),
			Index:        0,
		}},
		ModelVersion: original.Model(),
		ResponseID:   resp.Metadata.RequestID,
	}
	if resp.Usage != nil {
		wire.UsageMetadata = &usageMetadata{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		}
	}
	return json.Marshal(wire)
}

func fromIRContent(msg core.Message) wireContent {
	out := wireContent{Role: "model"}
	if len(msg.Parts) == 0 {
		out.Parts = []wirePart{{Text: msg.Content}}
		return out
	}
	for _, part := range msg.Parts {
		switch b := part.(type) {
		case core.TextBlock:
			out.Parts = append(out.Parts, wirePart{Text: b.Text})
		case core.ToolUseBlock:
			out.Parts = append(out.Parts, wirePart{FunctionCall: &functionCall{
				Name: b.Name,
				Args: b.Input,
			}})
		}
	}
	return out
}

func fromIRFinishReason(reason core.FinishReason) string {
	switch reason {
	case core.FinishLength:
		return "MAX_TOKENS"
	case core.FinishContentFilter:
		return "SAFETY"
	default:
		// The dialect reports STOP for function calls too.
		return "STOP"
	}
}

// RenderError converts an engine error into the dialect error body.
func (f *Frontend) RenderError(err error) []byte {
	detail := errorDetail{Code: 500, Message: err.Error(), Status: "INTERNAL"}
	if ce, ok := core.AsError(err); ok {
		detail.Message = ce.Message
		detail.Status = grpcStatus(ce.Kind)
		detail.Code = statusCode(ce)
	}
	body, marshalErr := json.Marshal(errorBody{Error: detail})
	if marshalErr != nil {
		return []byte(`{"error":{"code":500,"message":"internal error","status":"INTERNAL"}}`)
	}
	return body
}

func grpcStatus(kind core.ErrorKind) string {
	switch kind {
	case core.KindAuthentication:
		return "UNAUTHENTICATED"
	case core.KindAuthorization:
		return "PERMISSION_DENIED"
	case core.KindRateLimit:
		return "RESOURCE_EXHAUSTED"
	case core.KindValidation, core.KindConversion:
		return "INVALID_ARGUMENT"
	case core.KindTimeout:
		return "DEADLINE_EXCEEDED"
	case core.KindCancelled:
		return "CANCELLED"
	case core.KindNetwork, core.KindProvider:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

func statusCode(ce *core.Error) int {
	if ce.Status != 0 {
		return ce.Status
	}
	switch ce.Kind {
	case core.KindAuthentication:
		return 401
	case core.KindAuthorization:
		return 403
	case core.KindRateLimit:
		return 429
	case core.KindValidation, core.KindConversion:
		return 400
	case core.KindTimeout:
		return 504
	default:
		return 500
	}
}
