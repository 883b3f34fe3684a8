package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/petal-labs/conduit/core"
)

func TestToIR(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 1024,
		"system": "be brief",
		"messages": [{"role": "user", "content": "hello"}],
		"temperature": 0.3,
		"stop_sequences": ["END"]
	}`)
	req, err := New().ToIR(body)
	require.NoError(t, err)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, core.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Content)
	assert.Equal(t, "hello", req.Messages[1].Content)
	assert.Equal(t, "claude-sonnet-4-5", req.Parameters.Model)
	assert.Equal(t, 1024, *req.Parameters.MaxTokens)
	assert.Equal(t, 0.3, *req.Parameters.Temperature)
	assert.Equal(t, []string{"END"}, req.Parameters.StopSequences)
}

func TestToIRSystemBlocks(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"system": [{"type":"text","text":"one"},{"type":"text","text":"two"}],
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	req, err := New().ToIR(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "one", req.Messages[0].Content)
	assert.Equal(t, "two", req.Messages[1].Content)
}

func TestToIRValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing model", `{"max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"missing max_tokens", `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`, "max_tokens"},
		{"missing messages", `{"model":"claude-sonnet-4-5","max_tokens":100}`, "messages"},
		{"system role in messages", `{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"system","content":"hi"}]}`, "messages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().ToIR([]byte(tt.body))
			require.Error(t, err)
			ce, ok := core.AsError(err)
			require.True(t, ok)
			assert.Equal(t, core.KindValidation, ce.Kind)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestToIRToolResultBecomesToolMessage(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Oslo"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"}
			]}
		]
	}`)
	req, err := New().ToIR(body)
	require.NoError(t, err)
	require.NoError(t, req.Validate())

	assert.Equal(t, core.RoleTool, req.Messages[2].Role)
	results := req.Messages[2].ToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, "toolu_1", results[0].ToolCallID)
	assert.Equal(t, "sunny", results[0].Content)
}

func TestToIRCustomPassthrough(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "hi"}],
		"metadata": {"user_id": "u-1"}
	}`)
	req, err := New().ToIR(body)
	require.NoError(t, err)

	md, ok := req.Parameters.Custom["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "u-1", md["user_id"])
}

func TestFromIR(t *testing.T) {
	original := &core.ChatRequest{Parameters: &core.Parameters{Model: "claude-sonnet-4-5"}}
	resp := &core.ChatResponse{
		Message:      core.TextMessage(core.RoleAssistant, "Hello!"),
		FinishReason: core.FinishStop,
		Usage:        &core.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14},
		Metadata:     core.Metadata{RequestID: "req-1"},
	}
	body, err := New().FromIR(resp, original)
	require.NoError(t, err)

	assert.Equal(t, "msg_req-1", gjson.GetBytes(body, "id").String())
	assert.Equal(t, "message", gjson.GetBytes(body, "type").String())
	assert.Equal(t, "text", gjson.GetBytes(body, "content.0.type").String())
	assert.Equal(t, "Hello!", gjson.GetBytes(body, "content.0.text").String())
	assert.Equal(t, "end_turn", gjson.GetBytes(body, "stop_reason").String())
	assert.Equal(t, int64(10), gjson.GetBytes(body, "usage.input_tokens").Int())
}

func TestFromIRToolUse(t *testing.T) {
	original := &core.ChatRequest{Parameters: &core.Parameters{Model: "claude-sonnet-4-5"}}
	resp := &core.ChatResponse{
		Message: core.Message{
			Role: core.RoleAssistant,
			Parts: []core.ContentBlock{
				core.TextBlock{Text: "Checking."},
				core.ToolUseBlock{ID: "toolu_1", Name: "lookup", Input: json.RawMessage(`{"q":"go"}`)},
			},
		},
		FinishReason: core.FinishToolCalls,
	}
	body, err := New().FromIR(resp, original)
	require.NoError(t, err)

	assert.Equal(t, "tool_use", gjson.GetBytes(body, "stop_reason").String())
	assert.Equal(t, "tool_use", gjson.GetBytes(body, "content.1.type").String())
	assert.Equal(t, "toolu_1", gjson.GetBytes(body, "content.1.id").String())
	assert.Equal(t, "go", gjson.GetBytes(body, "content.1.input.q").String())
}

func TestStreamFromIRText(t *testing.T) {
	stream, writer := core.NewStream(8)
	ctx := context.Background()
	go func() {
		defer writer.Close()
		writer.Start(ctx, core.Metadata{RequestID: "req-1"})
		writer.Content(ctx, "Bon")
		writer.Content(ctx, "jour")
		writer.Done(ctx, core.FinishStop,
			&core.Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9},
			core.TextMessage(core.RoleAssistant, "Bonjour"))
	}()

	original := &core.ChatRequest{Parameters: &core.Parameters{Model: "claude-sonnet-4-5"}}
	wire := New().StreamFromIR(ctx, stream, original)

	var events []core.WireEvent
	for ev := range wire.C {
		events = append(events, ev)
	}

	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	assert.Equal(t, "msg_req-1", gjson.GetBytes(events[0].Data, "message.id").String())
	assert.Equal(t, "Bon", gjson.GetBytes(events[2].Data, "delta.text").String())
	assert.Equal(t, "end_turn", gjson.GetBytes(events[5].Data, "delta.stop_reason").String())
	assert.Equal(t, int64(2), gjson.GetBytes(events[5].Data, "usage.output_tokens").Int())
}

func TestStreamFromIRToolUse(t *testing.T) {
	stream, writer := core.NewStream(8)
	ctx := context.Background()
	go func() {
		defer writer.Close()
		writer.Start(ctx, core.Metadata{RequestID: "req-1"})
		writer.ToolCallDelta(ctx, "toolu_1", "lookup", "")
		writer.ToolCallDelta(ctx, "toolu_1", "", `{"q":`)
		writer.ToolCallDelta(ctx, "toolu_1", "", `"go"}`)
		writer.Done(ctx, core.FinishToolCalls, nil, core.Message{Role: core.RoleAssistant})
	}()

	original := &core.ChatRequest{Parameters: &core.Parameters{Model: "claude-sonnet-4-5"}}
	wire := New().StreamFromIR(ctx, stream, original)

	var events []core.WireEvent
	for ev := range wire.C {
		events = append(events, ev)
	}

	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	start := events[1].Data
	assert.Equal(t, "tool_use", gjson.GetBytes(start, "content_block.type").String())
	assert.Equal(t, "toolu_1", gjson.GetBytes(start, "content_block.id").String())
	assert.Equal(t, "lookup", gjson.GetBytes(start, "content_block.name").String())
	assert.Equal(t, `{"q":`, gjson.GetBytes(events[2].Data, "delta.partial_json").String())
	assert.Equal(t, "tool_use", gjson.GetBytes(events[5].Data, "delta.stop_reason").String())
}

func TestStreamFromIRError(t *testing.T) {
	stream, writer := core.NewStream(8)
	ctx := context.Background()
	go func() {
		defer writer.Close()
		writer.Start(ctx, core.Metadata{RequestID: "req-1"})
		writer.Error(ctx, &core.Error{Kind: core.KindProvider, Message: "Overloaded"})
	}()

	original := &core.ChatRequest{Parameters: &core.Parameters{Model: "claude-sonnet-4-5"}}
	wire := New().StreamFromIR(ctx, stream, original)

	var events []core.WireEvent
	for ev := range wire.C {
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "error", events[1].Event)
	assert.Equal(t, "overloaded_error", gjson.GetBytes(events[1].Data, "error.type").String())
	assert.Equal(t, "Overloaded", gjson.GetBytes(events[1].Data, "error.message").String())
}

func TestRenderError(t *testing.T) {
	body := New().RenderError(&core.Error{Kind: core.KindAuthentication, Message: "invalid x-api-key"})
	assert.Equal(t, "error", gjson.GetBytes(body, "type").String())
	assert.Equal(t, "authentication_error", gjson.GetBytes(body, "error.type").String())
	assert.Equal(t, "invalid x-api-key", gjson.GetBytes(body, "error.message").String())
}
