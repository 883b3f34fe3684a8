package anthropic

import (
	"context"
	"encoding/json"

	"github.com/petal-labs/conduit/core"
)

// StreamFromIR converts an IR stream into the messages API named-event
// envelope: message_start, content_block_* per block, message_delta with
// the stop reason, then message_stop. Error chunks render as an error
// event.
func (f *Frontend) StreamFromIR(ctx context.Context, stream *core.ChatStream, original *core.ChatRequest) *core.WireStream {
	out := make(chan core.WireEvent, 16)
	go func() {
		defer close(out)
		c := eventConverter{ctx: ctx, out: out, model: original.Model(), toolIndex: map[string]int{}}
		for {
			select {
			case <-ctx.Done():
				stream.Cancel()
				for chunk := range stream.C {
					if chunk.Type == core.ChunkError {
						c.emitError(chunk.Err)
					}
				}
				return
			case chunk, ok := <-stream.C:
				if !ok {
					return
				}
				if !c.convert(chunk) {
					return
				}
			}
		}
	}()
	return &core.WireStream{C: out}
}

// eventConverter tracks open content blocks so deltas land in the right
// indexed block.
type eventConverter struct {
	ctx   context.Context
	out   chan<- core.WireEvent
	model string

	requestID string
	nextIndex int
	textOpen  bool
	textIndex int
	toolIndex map[string]int // call ID to open block index, -1 when closed
	openTool  string
}

func (c *eventConverter) convert(chunk core.StreamChunk) bool {
	switch chunk.Type {
	case core.ChunkStart:
		if chunk.Metadata != nil {
			c.requestID = chunk.Metadata.RequestID
		}
		return c.emit("message_start", messageStartEvent{
			Type: "message_start",
			Message: messagesResponse{
				ID:      responseID(c.requestID),
				Type:    "message",
				Role:    "assistant",
				Model:   c.model,
				Content: []wireBlock{},
				Usage:   &wireUsage{},
			},
		})

	case core.ChunkContent:
		if !c.closeOpenTool() {
			return false
		}
		if !c.textOpen {
			c.textOpen = true
			c.textIndex = c.nextIndex
			c.nextIndex++
			ok := c.emit("content_block_start", contentBlockStartEvent{
				Type:         "content_block_start",
				Index:        c.textIndex,
				ContentBlock: wireBlock{Type: "text"},
			})
			if !ok {
				return false
			}
		}
		return c.emit("content_block_delta", contentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: c.textIndex,
			Delta: wireDelta{Type: "text_delta", Text: chunk.Delta},
		})

	case core.ChunkToolCallDelta:
		if !c.closeText() {
			return false
		}
		index, seen := c.toolIndex[chunk.ToolCallID]
		if !seen {
			if !c.closeOpenTool() {
				return false
			}
			index = c.nextIndex
			c.nextIndex++
			c.toolIndex[chunk.ToolCallID] = index
			c.openTool = chunk.ToolCallID
			ok := c.emit("content_block_start", contentBlockStartEvent{
				Type:  "content_block_start",
				Index: index,
				ContentBlock: wireBlock{
					Type: "tool_use",
					ID:   chunk.ToolCallID,
					Name: chunk.ToolCallName,
				},
			})
			if !ok {
				return false
			}
		}
		if chunk.InputDelta == "" {
			return true
		}
		return c.emit("content_block_delta", contentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: index,
			Delta: wireDelta{Type: "input_json_delta", PartialJSON: chunk.InputDelta},
		})

	case core.ChunkDone:
		if !c.closeText() || !c.closeOpenTool() {
			return false
		}
		delta := messageDeltaEvent{Type: "message_delta"}
		delta.Delta.StopReason = fromIRStopReason(chunk.FinishReason)
		if chunk.Usage != nil {
			delta.Usage = &wireUsage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if !c.emit("message_delta", delta) {
			return false
		}
		return c.emit("message_stop", messageStopEvent{Type: "message_stop"})

	case core.ChunkError:
		c.emitError(chunk.Err)
		return false
	}
	return true
}

func (c *eventConverter) closeText() bool {
	if !c.textOpen {
		return true
	}
	c.textOpen = false
	return c.emit("content_block_stop", contentBlockStopEvent{
		Type:  "content_block_stop",
		Index: c.textIndex,
	})
}

func (c *eventConverter) closeOpenTool() bool {
	if c.openTool == "" {
		return true
	}
	index := c.toolIndex[c.openTool]
	c.openTool = ""
	return c.emit("content_block_stop", contentBlockStopEvent{
		Type:  "content_block_stop",
		Index: index,
	})
}

func (c *eventConverter) emit(name string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		c.emitError(core.NewStreamError("", "", err.Error()))
		return false
	}
	select {
	case c.out <- core.WireEvent{Event: name, Data: data}:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *eventConverter) emitError(ce *core.Error) {
	if ce == nil {
		ce = core.NewStreamError("", "", "stream failed")
	}
	data, err := json.Marshal(errorBody{Type: "error", Error: errorDetail{
		Type:    errorType(ce.Kind),
		Message: ce.Message,
	}})
	if err != nil {
		data = []byte(`{"type":"error","error":{"type":"api_error","message":"stream failed"}}`)
	}
	select {
	case c.out <- core.WireEvent{Event: "error", Data: data}:
	case <-c.ctx.Done():
	}
}
