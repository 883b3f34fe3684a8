package openai

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/petal-labs/conduit/backends/internal/sse"
	"github.com/petal-labs/conduit/core"
)

// doneSentinel terminates a chat completions event stream.
const doneSentinel = "[DONE]"

// toolCallAccum assembles one streamed tool call from its argument
// fragments. The provider keys fragments by choice-local index.
type toolCallAccum struct {
	id   string
	name string
	args strings.Builder
}

// relayStream decodes provider SSE events and drives the stream writer.
// The writer is closed by the caller.
func relayStream(ctx context.Context, body io.Reader, writer *core.StreamWriter) {
	scanner := sse.NewScanner(body)

	var (
		text      strings.Builder
		calls     []*toolCallAccum
		byIndex   = map[int]*toolCallAccum{}
		reason    = core.FinishStop
		usage     *core.Usage
		sawReason bool
	)

	for {
		event, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			writer.Error(ctx, core.NewStreamError("openai", "", err.Error()))
			return
		}
		if strings.TrimSpace(event.Data) == doneSentinel {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
			writer.Error(ctx, core.NewStreamError("openai", "", "malformed stream chunk: "+err.Error()))
			return
		}
		if !writer.Started() {
			writer.Start(ctx, core.Metadata{})
		}
		if chunk.Usage != nil {
			usage = &core.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if !writer.Content(ctx, choice.Delta.Content) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			accum := byIndex[tc.Index]
			if accum == nil {
				accum = &toolCallAccum{}
				byIndex[tc.Index] = accum
				calls = append(calls, accum)
			}
			if tc.ID != "" {
				accum.id = tc.ID
			}
			if tc.Function.Name != "" {
				accum.name = tc.Function.Name
			}
			accum.args.WriteString(tc.Function.Arguments)
			if !writer.ToolCallDelta(ctx, accum.id, tc.Function.Name, tc.Function.Arguments) {
				return
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			reason = mapFinishReason(*choice.FinishReason)
			sawReason = true
		}
	}

	if !writer.Started() {
		writer.Error(ctx, core.NewStreamError("openai", "", "stream ended without any chunks"))
		return
	}
	if len(calls) > 0 && !sawReason {
		reason = core.FinishToolCalls
	}
	writer.Done(ctx, reason, usage, assembleMessage(text.String(), calls))
}

// assembleMessage builds the final assistant message from accumulated
// text and tool calls.
func assembleMessage(text string, calls []*toolCallAccum) core.Message {
	if len(calls) == 0 {
		return core.Message{Role: core.RoleAssistant, Content: text}
	}
	msg := core.Message{Role: core.RoleAssistant}
	if text != "" {
		msg.Parts = append(msg.Parts, core.TextBlock{Text: text})
	}
	for _, call := range calls {
		input := call.args.String()
		if input == "" {
			input = "{}"
		}
		msg.Parts = append(msg.Parts, core.ToolUseBlock{
			ID:    call.id,
			Name:  call.name,
			Input: json.RawMessage(input),
		})
	}
	return msg
}
