package core

import (
	"encoding/json"
	"strconv"
	"time"
)

// Role represents a message participant role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool" // For tool result messages
)

// Message represents a single message in a conversation.
// For simple text messages, use Content. For multimodal or tool-bearing
// messages, use Parts. If Parts is non-empty, Content is ignored.
type Message struct {
	Role    Role           `json:"role"`
	Content string         `json:"-"`
	Parts   []ContentBlock `json:"-"`

	// ToolCallID links a RoleTool message to the assistant tool_use block
	// it answers. Required for RoleTool messages without ToolResultBlock
	// parts.
	ToolCallID string `json:"toolCallId,omitempty"`
}

// Text returns the textual content of the message: Content for plain
// messages, or the concatenation of all TextBlock parts otherwise.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextBlock); ok {
			out += t.Text
		}
	}
	return out
}

// ToolUses returns all tool_use blocks in the message.
func (m Message) ToolUses() []ToolUseBlock {
	var calls []ToolUseBlock
	for _, p := range m.Parts {
		if tu, ok := p.(ToolUseBlock); ok {
			calls = append(calls, tu)
		}
	}
	return calls
}

// ToolResults returns all tool_result blocks in the message.
func (m Message) ToolResults() []ToolResultBlock {
	var results []ToolResultBlock
	for _, p := range m.Parts {
		if tr, ok := p.(ToolResultBlock); ok {
			results = append(results, tr)
		}
	}
	return results
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]ContentBlock, len(m.Parts))
		copy(out.Parts, m.Parts)
	}
	return out
}

// messageWire is the JSON form of a Message. Content is either a plain
// string or an ordered list of tagged content blocks.
type messageWire struct {
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCallID string          `json:"toolCallId,omitempty"`
}

// MarshalJSON encodes the message with content as either a string or a
// block list.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{Role: m.Role, ToolCallID: m.ToolCallID}

	var err error
	if len(m.Parts) > 0 {
		w.Content, err = marshalBlocks(m.Parts)
	} else {
		w.Content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a message whose content is a string or a block list.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.ToolCallID = w.ToolCallID
	m.Content = ""
	m.Parts = nil

	if len(w.Content) == 0 {
		return nil
	}
	if w.Content[0] == '"' {
		return json.Unmarshal(w.Content, &m.Content)
	}
	parts, err := unmarshalBlocks(w.Content)
	if err != nil {
		return err
	}
	m.Parts = parts
	return nil
}

// Parameters holds the generation parameters of a request. All fields are
// optional; nil means "caller did not set it".
type Parameters struct {
	Model            string   `json:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	TopK             *int     `json:"topK,omitempty"`
	MaxTokens        *int     `json:"maxTokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`

	// Custom carries opaque provider-specific options. Backends pass these
	// through onto the wire body without interpreting them.
	Custom map[string]any `json:"custom,omitempty"`
}

// Clone returns a deep copy of the parameters.
func (p *Parameters) Clone() *Parameters {
	if p == nil {
		return nil
	}
	out := *p
	out.Temperature = clonePtr(p.Temperature)
	out.TopP = clonePtr(p.TopP)
	out.TopK = clonePtr(p.TopK)
	out.MaxTokens = clonePtr(p.MaxTokens)
	out.FrequencyPenalty = clonePtr(p.FrequencyPenalty)
	out.PresencePenalty = clonePtr(p.PresencePenalty)
	out.Seed = clonePtr(p.Seed)
	if p.StopSequences != nil {
		out.StopSequences = append([]string(nil), p.StopSequences...)
	}
	if p.Custom != nil {
		out.Custom = make(map[string]any, len(p.Custom))
		for k, v := range p.Custom {
			out.Custom[k] = v
		}
	}
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON schema
}

// ToolChoiceMode selects how the model may use tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	// ToolChoiceTool forces a specific named tool.
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice constrains tool usage for a request.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"` // required when Mode is ToolChoiceTool
}

// StreamMode selects how content chunks report text.
type StreamMode string

const (
	// StreamModeDelta emits only the new text per content chunk.
	StreamModeDelta StreamMode = "delta"
	// StreamModeAccumulated emits the running concatenation of all deltas
	// alongside each delta.
	StreamModeAccumulated StreamMode = "accumulated"
)

// Provenance records which adapters handled a request.
type Provenance struct {
	Frontend string `json:"frontend,omitempty"`
	Backend  string `json:"backend,omitempty"`
}

// Metadata carries per-request bookkeeping through the pipeline.
// RequestID is unique per request and is never mutated by middleware.
type Metadata struct {
	RequestID  string         `json:"requestId,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitzero"`
	Provenance Provenance     `json:"provenance,omitzero"`
	Custom     map[string]any `json:"custom,omitempty"`

	// Warnings records non-fatal normalization notes, such as
	// truncated-stop-sequences or dropped parameters. Populated on
	// responses only.
	Warnings []string `json:"warnings,omitempty"`
}

// Clone returns a deep copy of the metadata.
func (md Metadata) Clone() Metadata {
	out := md
	if md.Custom != nil {
		out.Custom = make(map[string]any, len(md.Custom))
		for k, v := range md.Custom {
			out.Custom[k] = v
		}
	}
	if md.Warnings != nil {
		out.Warnings = append([]string(nil), md.Warnings...)
	}
	return out
}

// SchemaMode selects how a structured-output request is expressed on the
// wire. See the structured-output engine in structured.go.
type SchemaMode string

const (
	// SchemaModeTools synthesizes a single tool and forces the model to
	// call it; the object is extracted from the tool_use input.
	SchemaModeTools SchemaMode = "tools"
	// SchemaModeJSON instructs the model via a system message and expects
	// a raw JSON body in the assistant text.
	SchemaModeJSON SchemaMode = "json"
	// SchemaModeJSONSchema is SchemaModeJSON plus a response_format hint
	// for providers that support constrained decoding.
	SchemaModeJSONSchema SchemaMode = "json_schema"
	// SchemaModeMarkdownJSON expects a fenced ```json block in the
	// assistant text.
	SchemaModeMarkdownJSON SchemaMode = "md_json"
)

// Schema is a language-native schema that can produce a JSON-schema
// representation of itself and validate a parsed value. Package schema
// provides an implementation backed by a JSON-schema compiler.
type Schema interface {
	// JSONSchema returns the JSON-schema representation.
	JSONSchema() json.RawMessage
	// Validate checks a decoded JSON value against the schema.
	Validate(v any) error
}

// SchemaRequest configures structured output for a chat request.
type SchemaRequest struct {
	// Schema validates the extracted object. When nil, RawSchema must be
	// set and validation is skipped with a recorded warning.
	Schema Schema `json:"-"`

	// RawSchema is the JSON-schema representation. Populated from Schema
	// when present; used directly otherwise (e.g. passthrough requests).
	RawSchema json.RawMessage `json:"jsonSchema,omitempty"`

	Mode        SchemaMode `json:"mode,omitempty"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
}

// schemaJSON returns the effective JSON-schema document.
func (s *SchemaRequest) schemaJSON() json.RawMessage {
	if s.Schema != nil {
		return s.Schema.JSONSchema()
	}
	return s.RawSchema
}

// ChatRequest is the vendor-neutral representation of a chat request.
//
// Requests are immutable from the caller's perspective: middleware that
// modifies a request must operate on a Clone carrying the same RequestID.
type ChatRequest struct {
	Messages   []Message      `json:"messages"`
	Parameters *Parameters    `json:"parameters,omitempty"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice *ToolChoice    `json:"toolChoice,omitempty"`
	Stream     bool           `json:"stream,omitempty"`
	StreamMode StreamMode     `json:"streamMode,omitempty"`
	Schema     *SchemaRequest `json:"schema,omitempty"`
	Metadata   Metadata       `json:"metadata,omitzero"`
}

// Clone returns a deep copy of the request with the same RequestID.
func (r *ChatRequest) Clone() *ChatRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = m.Clone()
	}
	out.Parameters = r.Parameters.Clone()
	if r.Tools != nil {
		out.Tools = append([]ToolDefinition(nil), r.Tools...)
	}
	if r.ToolChoice != nil {
		tc := *r.ToolChoice
		out.ToolChoice = &tc
	}
	out.Metadata = r.Metadata.Clone()
	return &out
}

// Validate checks the request invariants: non-empty messages and tool
// messages carrying a tool call ID that matches a prior assistant tool_use.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return NewValidationError("messages", "at least one message is required")
	}

	seen := map[string]bool{}
	for i, msg := range r.Messages {
		if msg.Role == RoleAssistant {
			for _, tu := range msg.ToolUses() {
				seen[tu.ID] = true
			}
		}
		if msg.Role != RoleTool {
			continue
		}
		ids := []string{}
		if msg.ToolCallID != "" {
			ids = append(ids, msg.ToolCallID)
		}
		for _, tr := range msg.ToolResults() {
			ids = append(ids, tr.ToolCallID)
		}
		if len(ids) == 0 {
			return NewValidationError("messages", "tool message missing toolCallId")
		}
		for _, id := range ids {
			if !seen[id] {
				return NewValidationError("messages",
					"tool message "+strconv.Itoa(i)+" references unknown tool call "+id)
			}
		}
	}
	return nil
}

// Model returns the requested model, or empty when unset.
func (r *ChatRequest) Model() string {
	if r.Parameters == nil {
		return ""
	}
	return r.Parameters.Model
}

// FinishReason describes why generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Usage tracks token consumption for a request.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ChatResponse is the vendor-neutral representation of a chat response.
// Metadata carries the RequestID of the originating request through.
type ChatResponse struct {
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finishReason"`

	// Usage is optional; backends set it when the provider reports it.
	// The Bridge only synthesizes it when usage estimation is enabled.
	Usage *Usage `json:"usage,omitempty"`

	Metadata Metadata `json:"metadata,omitzero"`

	// Raw is the opaque provider payload, when retained.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Clone returns a deep copy of the response.
func (r *ChatResponse) Clone() *ChatResponse {
	if r == nil {
		return nil
	}
	out := *r
	out.Message = r.Message.Clone()
	if r.Usage != nil {
		u := *r.Usage
		out.Usage = &u
	}
	out.Metadata = r.Metadata.Clone()
	if r.Raw != nil {
		out.Raw = append(json.RawMessage(nil), r.Raw...)
	}
	return &out
}
