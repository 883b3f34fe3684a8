package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a scriptable Backend for pipeline tests.
type fakeBackend struct {
	name string
	caps Capabilities

	execute func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	stream  func(ctx context.Context, req *ChatRequest) (*ChatStream, error)

	lastReq *ChatRequest
}

func (b *fakeBackend) Info() AdapterInfo {
	name := b.name
	if name == "" {
		name = "fake"
	}
	return AdapterInfo{Name: name, Version: "v1", Provider: name, Capabilities: b.caps}
}

func (b *fakeBackend) Execute(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	b.lastReq = req
	if b.execute != nil {
		return b.execute(ctx, req)
	}
	return &ChatResponse{
		Message:      TextMessage(RoleAssistant, "ok"),
		FinishReason: FinishStop,
	}, nil
}

func (b *fakeBackend) ExecuteStream(ctx context.Context, req *ChatRequest) (*ChatStream, error) {
	b.lastReq = req
	if b.stream != nil {
		return b.stream(ctx, req)
	}
	s, w := NewStream(8)
	go func() {
		defer w.Close()
		w.Start(ctx, Metadata{})
		w.Content(ctx, "ok")
		w.Done(ctx, FinishStop, nil, TextMessage(RoleAssistant, "ok"))
	}()
	return s, nil
}

func userRequest(text string) *ChatRequest {
	return &ChatRequest{Messages: []Message{TextMessage(RoleUser, text)}}
}

func fullCaps() Capabilities {
	return Capabilities{
		Streaming:                      true,
		Tools:                          true,
		SystemMessageStrategy:          SystemInMessages,
		SupportsMultipleSystemMessages: true,
		SupportsTemperature:            true,
		SupportsTopP:                   true,
		SupportsTopK:                   true,
		SupportsSeed:                   true,
		SupportsFrequencyPenalty:       true,
		SupportsPresencePenalty:        true,
	}
}

func TestChatIRAssignsRequestIDAndProvenance(t *testing.T) {
	backend := &fakeBackend{name: "acme", caps: fullCaps()}
	bridge := NewBridge(PassthroughFrontend{}, backend)

	resp, err := bridge.ChatIR(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	assert.NotEmpty(t, resp.Metadata.RequestID)
	assert.Equal(t, "passthrough", resp.Metadata.Provenance.Frontend)
	assert.Equal(t, "acme", resp.Metadata.Provenance.Backend)

	// Backend saw the same request ID the response carries.
	assert.Equal(t, resp.Metadata.RequestID, backend.lastReq.Metadata.RequestID)
}

func TestChatIRPreservesCallerRequestID(t *testing.T) {
	backend := &fakeBackend{caps: fullCaps()}
	bridge := NewBridge(nil, backend)

	req := userRequest("hi")
	req.Metadata.RequestID = "caller-chosen"
	resp, err := bridge.ChatIR(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "caller-chosen", resp.Metadata.RequestID)
}

func TestChatIRRejectsEmptyMessages(t *testing.T) {
	bridge := NewBridge(nil, &fakeBackend{caps: fullCaps()})

	_, err := bridge.ChatIR(context.Background(), &ChatRequest{})
	require.Error(t, err)
	ce, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, ce.Kind)
}

func TestChatIRRecordsNormalizationWarnings(t *testing.T) {
	caps := fullCaps()
	caps.SupportsTopK = false
	backend := &fakeBackend{caps: caps}
	bridge := NewBridge(nil, backend)

	topK := 40
	req := userRequest("hi")
	req.Parameters = &Parameters{TopK: &topK}

	resp, err := bridge.ChatIR(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, resp.Metadata.Warnings, "dropped-unsupported-parameter: topK")
	assert.Nil(t, backend.lastReq.Parameters.TopK)
	// The caller's request is untouched.
	assert.NotNil(t, req.Parameters.TopK)
}

func TestChatIRUsageEstimation(t *testing.T) {
	backend := &fakeBackend{caps: fullCaps()}
	bridge := NewBridge(nil, backend, WithUsageEstimation())

	resp, err := bridge.ChatIR(context.Background(), userRequest("12345678"))
	require.NoError(t, err)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 2, resp.Usage.PromptTokens)
	assert.Equal(t, 1, resp.Usage.CompletionTokens)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}

func TestChatIRMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return middlewareFunc{
			name: name,
			chat: func(next ChatHandler) ChatHandler {
				return func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
					order = append(order, name+":before")
					resp, err := next(ctx, req)
					order = append(order, name+":after")
					return resp, err
				}
			},
		}
	}

	bridge := NewBridge(nil, &fakeBackend{caps: fullCaps()},
		WithMiddleware(mw("outer"), mw("inner")))

	_, err := bridge.ChatIR(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer:before", "inner:before", "inner:after", "outer:after"}, order)
}

// middlewareFunc adapts closures into a Middleware for tests.
type middlewareFunc struct {
	name   string
	chat   func(ChatHandler) ChatHandler
	stream func(StreamHandler) StreamHandler
}

func (m middlewareFunc) Name() string { return m.name }

func (m middlewareFunc) WrapChat(next ChatHandler) ChatHandler {
	if m.chat == nil {
		return next
	}
	return m.chat(next)
}

func (m middlewareFunc) WrapStream(next StreamHandler) StreamHandler {
	if m.stream == nil {
		return next
	}
	return m.stream(next)
}

func TestChatStreamIRRelaysChunks(t *testing.T) {
	backend := &fakeBackend{name: "acme", caps: fullCaps()}
	bridge := NewBridge(nil, backend)

	stream, err := bridge.ChatStreamIR(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	result, err := Collect(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, FinishStop, result.FinishReason)
	for i, c := range result.Chunks {
		assert.Equal(t, i, c.Sequence)
	}
}

func TestChatStreamIRAccumulatedMode(t *testing.T) {
	backend := &fakeBackend{caps: fullCaps()}
	backend.stream = func(ctx context.Context, req *ChatRequest) (*ChatStream, error) {
		s, w := NewStream(8)
		go func() {
			defer w.Close()
			w.Start(ctx, Metadata{})
			w.Content(ctx, "foo")
			w.Content(ctx, "bar")
			w.Done(ctx, FinishStop, nil, TextMessage(RoleAssistant, "foobar"))
		}()
		return s, nil
	}
	bridge := NewBridge(nil, backend, WithStreamMode(StreamModeAccumulated))

	stream, err := bridge.ChatStreamIR(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	result, err := Collect(context.Background(), stream)
	require.NoError(t, err)

	var accumulated []string
	for _, c := range result.Chunks {
		if c.Type == ChunkContent {
			accumulated = append(accumulated, c.Accumulated)
		}
	}
	assert.Equal(t, []string{"foo", "foobar"}, accumulated)
}

func TestChatStreamIRCancellation(t *testing.T) {
	backend := &fakeBackend{caps: fullCaps()}
	backend.stream = func(ctx context.Context, req *ChatRequest) (*ChatStream, error) {
		s, w := NewStream(0)
		go func() {
			defer w.Close()
			if !w.Start(ctx, Metadata{}) {
				return
			}
			for {
				if !w.Content(ctx, "tick") {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Millisecond):
				}
			}
		}()
		return s, nil
	}
	bridge := NewBridge(nil, backend)

	stream, err := bridge.ChatStreamIR(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	// Read a few chunks, then abandon the stream mid-flight.
	<-stream.C
	<-stream.C
	stream.Cancel()

	var last StreamChunk
	for c := range stream.C {
		last = c
	}
	require.Equal(t, ChunkError, last.Type)
	assert.Equal(t, CodeAborted, last.Err.Code)
	assert.Equal(t, KindCancelled, last.Err.Kind)
}

func TestChatWirePipeline(t *testing.T) {
	backend := &fakeBackend{name: "acme", caps: fullCaps()}
	bridge := NewBridge(PassthroughFrontend{}, backend)

	body := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	out, err := bridge.Chat(context.Background(), body)
	require.NoError(t, err)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "ok", resp.Message.Text())
	assert.Equal(t, FinishStop, resp.FinishReason)
}

func TestChatWireRendersErrors(t *testing.T) {
	backend := &fakeBackend{caps: fullCaps()}
	backend.execute = func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		return nil, &Error{Kind: KindRateLimit, Status: 429, Message: "slow down"}
	}
	bridge := NewBridge(PassthroughFrontend{}, backend)

	out, err := bridge.Chat(context.Background(), []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.Error(t, err)
	require.NotEmpty(t, out)

	var rendered struct {
		Error *Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(out, &rendered))
	assert.Equal(t, KindRateLimit, rendered.Error.Kind)
}

func TestGenerateObjectToolsMode(t *testing.T) {
	backend := &fakeBackend{caps: fullCaps()}
	backend.execute = func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		// The structured request forces a single synthesized tool.
		require.Len(t, req.Tools, 1)
		require.NotNil(t, req.ToolChoice)
		assert.Equal(t, ToolChoiceTool, req.ToolChoice.Mode)
		return &ChatResponse{
			Message: Message{
				Role: RoleAssistant,
				Parts: []ContentBlock{
					ToolUseBlock{ID: "t1", Name: req.Tools[0].Name, Input: json.RawMessage(`{"city":"Oslo"}`)},
				},
			},
			FinishReason: FinishToolCalls,
		}, nil
	}
	bridge := NewBridge(nil, backend)

	sr := &SchemaRequest{
		Mode:      SchemaModeTools,
		RawSchema: json.RawMessage(`{"type":"object"}`),
	}
	result, err := bridge.GenerateObject(context.Background(), userRequest("where?"), sr)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"city": "Oslo"}, result.Data)
	assert.Contains(t, result.Warnings, "schema-validation-skipped: no validator attached")
	assert.NotEmpty(t, result.Metadata.RequestID)
}

func TestGenerateObjectStreamYieldsPartials(t *testing.T) {
	backend := &fakeBackend{caps: fullCaps()}
	backend.stream = func(ctx context.Context, req *ChatRequest) (*ChatStream, error) {
		s, w := NewStream(8)
		go func() {
			defer w.Close()
			w.Start(ctx, Metadata{})
			w.ToolCallDelta(ctx, "t1", "extract", `{"a":1,`)
			w.ToolCallDelta(ctx, "t1", "", `"b":[1,2`)
			w.ToolCallDelta(ctx, "t1", "", `]}`)
			w.Done(ctx, FinishToolCalls, nil, Message{
				Role: RoleAssistant,
				Parts: []ContentBlock{
					ToolUseBlock{ID: "t1", Name: "extract", Input: json.RawMessage(`{"a":1,"b":[1,2]}`)},
				},
			})
		}()
		return s, nil
	}
	bridge := NewBridge(nil, backend)

	sr := &SchemaRequest{Mode: SchemaModeTools, RawSchema: json.RawMessage(`{"type":"object"}`)}
	stream, err := bridge.GenerateObjectStream(context.Background(), userRequest("go"), sr)
	require.NoError(t, err)

	var partials []any
	var final *ObjectResult
	for update := range stream.C {
		require.NoError(t, update.Err)
		if update.Result != nil {
			final = update.Result
			continue
		}
		partials = append(partials, update.Partial)
	}

	require.NotEmpty(t, partials)
	assert.Equal(t, map[string]any{"a": json.Number("1")}, partials[0])

	require.NotNil(t, final)
	assert.Equal(t, map[string]any{"a": json.Number("1"), "b": []any{json.Number("1"), json.Number("2")}}, final.Data)
}
