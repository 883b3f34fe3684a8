package gemini

import (
	"context"
	"encoding/json"

	"github.com/petal-labs/conduit/core"
)

// StreamFromIR converts an IR stream into generateContent stream chunks.
// Text deltas stream as partial candidates. The dialect sends function
// calls whole, so tool call deltas are accumulated and emitted on the
// final chunk together with the finish reason and usage.
func (f *Frontend) StreamFromIR(ctx context.Context, stream *core.ChatStream, original *core.ChatRequest) *core.WireStream {
	out := make(chan core.WireEvent, 16)
	go func() {
		defer close(out)
		c := chunkConverter{model: original.Model()}
		for {
			select {
			case <-ctx.Done():
				stream.Cancel()
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

type chunkConverter struct {
	model     string
	requestID string
}

func (c *chunkConverter) convert(chunk core.StreamChunk) []core.WireEvent {
	switch chunk.Type {
	case core.ChunkStart:
		if chunk.Metadata != nil {
			c.requestID = chunk.Metadata.RequestID
		}
		return nil

	case core.ChunkContent:
		return []core.WireEvent{c.event(
			wireContent{Role: "model", Parts: []wirePart{{Text: chunk.Delta}}},
			"", nil,
		)}

	case core.ChunkToolCallDelta:
		// Deltas fold into the assembled final message.
		return nil

	case core.ChunkDone:
		content := wireContent{Role: "model", Parts: []wirePart{}}
		if chunk.Message != nil {
			for _, tu := range chunk.Message.ToolUses() {
				content.Parts = append(content.Parts, wirePart{FunctionCall: &functionCall{
					Name: tu.Name,
					Args: tu.Input,
				}})
			}
		}
		var usage *usageMetadata
		if chunk.Usage != nil {
			usage = &usageMetadata{
				PromptTokenCount:     chunk.Usage.PromptTokens,
				CandidatesTokenCount: chunk.Usage.CompletionTokens,
				TotalTokenCount:      chunk.Usage.TotalTokens,
			}
		}
		return []core.WireEvent{c.event(content, fromIRFinishReason(chunk.FinishReason), usage)}

	case core.ChunkError:
		return []core.WireEvent{{Data: renderStreamError(chunk.Err)}}
	}
	return nil
}

func (c *chunkConverter) event(content wireContent, finishReason string, usage *usageMetadata) core.WireEvent {
	chunk := generateResponse{
		Candidates: []candidate{{
			Content:      content,
			FinishReason: finishReason,
			Index:        0,
		}},
		UsageMetadata: usage,
		ModelVersion:  c.model,
		ResponseID:    c.requestID,
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
		Code:    statusCode(ce),
		Message: ce.Message,
		Status:  grpcStatus(ce.Kind),
	}})
	if err != nil {
		return []byte(`{"error":{"code":500,"message":"stream failed","status":"INTERNAL"}}`)
	}
	return body
}
