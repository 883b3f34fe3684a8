package openai

import (
	"context"
	"encoding/json"

	"github.com/petal-labs/conduit/core"
)

// StreamFromIR converts an IR stream into chat completions SSE chunks.
// The sequence ends with the [DONE] sentinel; error chunks render as a
// dialect error body in place of the sentinel.
func (f *Frontend) StreamFromIR(ctx context.Context, stream *core.ChatStream, original *core.ChatRequest) *core.WireStream {
	out := make(chan core.WireEvent, 16)
	go func() {
		defer close(out)
		c := chunkConverter{model: original.Model(), toolIndex: map[string]int{}}
		for {
			select {
			case <-ctx.Done():
				stream.Cancel()
				// Drain so the producer can finish; the abort chunk still
				// renders as a dialect error.
				for chunk := range stream.C {
					if chunk.Type == core.ChunkError {
						emit(ctx, out, core.WireEvent{Data: renderStreamError(chunk.Err)})
					}
				}
				return
			case chunk, ok := <-stream.C:
				if !ok {
					return
				}
				for _, ev := range c.convert(chunk) {
					if !emit(ctx, out, ev) {
						return
					}
				}
			}
		}
	}()
	return &core.WireStream{C: out}
}

func emit(ctx context.Context, out chan<- core.WireEvent, ev core.WireEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// chunkConverter maps IR chunks onto chat.completion.chunk payloads,
// assigning provider-style tool call indexes per call ID.
type chunkConverter struct {
	model     string
	id        string
	created   int64
	toolIndex map[string]int
}

func (c *chunkConverter) convert(chunk core.StreamChunk) []core.WireEvent {
	switch chunk.Type {
	case core.ChunkStart:
		if chunk.Metadata != nil {
			c.id = responseID(chunk.Metadata.RequestID)
			c.created = responseCreated(chunk.Metadata.Timestamp)
		}
		return []core.WireEvent{c.event(streamDelta{Role: "assistant"}, nil, nil)}

	case core.ChunkContent:
		return []core.WireEvent{c.event(streamDelta{Content: chunk.Delta}, nil, nil)}

	case core.ChunkToolCallDelta:
		index, seen := c.toolIndex[chunk.ToolCallID]
		if !seen {
			index = len(c.toolIndex)
			c.toolIndex[chunk.ToolCallID] = index
		}
		tc := streamToolCall{
			Index:    index,
			Function: streamFunctionCall{Name: chunk.ToolCallName, Arguments: chunk.InputDelta},
		}
		if !seen {
			tc.ID = chunk.ToolCallID
			tc.Type = "function"
		}
		return []core.WireEvent{c.event(streamDelta{ToolCalls: []streamToolCall{tc}}, nil, nil)}

	case core.ChunkDone:
		reason := fromIRFinishReason(chunk.FinishReason)
		var u *usage
		if chunk.Usage != nil {
			u = &usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		return []core.WireEvent{
			c.event(streamDelta{}, &reason, u),
			{Data: []byte("[DONE]")},
		}

	case core.ChunkError:
		return []core.WireEvent{{Data: renderStreamError(chunk.Err)}}
	}
	return nil
}

func (c *chunkConverter) event(delta streamDelta, reason *string, u *usage) core.WireEvent {
	chunk := streamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []streamChoice{{Index: 0, Delta: delta, FinishReason: reason}},
		Usage:   u,
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return core.WireEvent{Data: renderStreamError(core.NewStreamError("", "", err.Error()))}
	}
	return core.WireEvent{Data: data}
}

func renderStreamError(ce *core.Error) []byte {
	if ce == nil {
		ce = core.NewStreamError("", "", "stream failed")
	}
	body, err := json.Marshal(errorBody{Error: errorDetail{
		Message: ce.Message,
		Type:    errorType(ce.Kind),
		Code:    ce.Code,
	}})
	if err != nil {
		return []byte(`{"error":{"message":"stream failed","type":"api_error"}}`)
	}
	return body
}
