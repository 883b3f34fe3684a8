package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/petal-labs/conduit/backends/internal/sse"
	"github.com/petal-labs/conduit/core"
)

// blockAccum tracks one content block across its start and delta events.
type blockAccum struct {
	kind string // "text" or "tool_use"
	id   string
	name string
	json strings.Builder
}

// relayStream decodes the named-event SSE stream and drives the writer.
// The writer is closed by the caller.
func relayStream(ctx context.Context, body io.Reader, writer *core.StreamWriter) {
	scanner := sse.NewScanner(body)

	var (
		text    strings.Builder
		blocks  = map[int]*blockAccum{}
		order   []*blockAccum
		reason  = core.FinishStop
		usage   core.Usage
		stopped bool
	)

	for {
		event, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			writer.Error(ctx, core.NewStreamError("anthropic", "", err.Error()))
			return
		}

		switch event.Name {
		case "message_start":
			var ev messageStartEvent
			if err := json.Unmarshal([]byte(event.Data), &ev); err != nil {
				writer.Error(ctx, core.NewStreamError("anthropic", "", "malformed message_start: "+err.Error()))
				return
			}
			if ev.Message.Usage != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}
			writer.Start(ctx, core.Metadata{})

		case "content_block_start":
			var ev contentBlockStartEvent
			if err := json.Unmarshal([]byte(event.Data), &ev); err != nil {
				continue
			}
			accum := &blockAccum{kind: ev.ContentBlock.Type}
			blocks[ev.Index] = accum
			if ev.ContentBlock.Type == "tool_use" {
				accum.id = ev.ContentBlock.ID
				accum.name = ev.ContentBlock.Name
				order = append(order, accum)
				if !writer.ToolCallDelta(ctx, accum.id, accum.name, "") {
					return
				}
			} else if ev.ContentBlock.Type == "text" {
				order = append(order, accum)
			}

		case "content_block_delta":
			var ev contentBlockDeltaEvent
			if err := json.Unmarshal([]byte(event.Data), &ev); err != nil {
				continue
			}
			accum := blocks[ev.Index]
			switch ev.Delta.Type {
			case "text_delta":
				text.WriteString(ev.Delta.Text)
				if !writer.Content(ctx, ev.Delta.Text) {
					return
				}
			case "input_json_delta":
				if accum == nil {
					continue
				}
				accum.json.WriteString(ev.Delta.PartialJSON)
				if !writer.ToolCallDelta(ctx, accum.id, "", ev.Delta.PartialJSON) {
					return
				}
			}

		case "message_delta":
			var ev messageDeltaEvent
			if err := json.Unmarshal([]byte(event.Data), &ev); err != nil {
				continue
			}
			if ev.Delta.StopReason != "" {
				reason = mapStopReason(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			stopped = true

		case "error":
			var ev streamErrorEvent
			if err := json.Unmarshal([]byte(event.Data), &ev); err != nil {
				writer.Error(ctx, core.NewStreamError("anthropic", "", "malformed error event"))
				return
			}
			writer.Error(ctx, core.NewStreamError("anthropic", ev.Error.Type, ev.Error.Message))
			return

		case "ping", "content_block_stop":
			// No-op events.
		}

		if stopped {
			break
		}
	}

	if !writer.Started() {
		writer.Error(ctx, core.NewStreamError("anthropic", "", "stream ended without message_start"))
		return
	}
	if !stopped {
		writer.Error(ctx, core.NewStreamError("anthropic", "", "stream ended without message_stop"))
		return
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	writer.Done(ctx, reason, &usage, assembleMessage(text.String(), order))
}

// assembleMessage builds the final assistant message from the accumulated
// blocks, preserving block order.
func assembleMessage(text string, order []*blockAccum) core.Message {
	hasTools := false
	for _, b := range order {
		if b.kind == "tool_use" {
			hasTools = true
		}
	}
	if !hasTools {
		return core.Message{Role: core.RoleAssistant, Content: text}
	}

	msg := core.Message{Role: core.RoleAssistant}
	if text != "" {
		msg.Parts = append(msg.Parts, core.TextBlock{Text: text})
	}
	for _, b := range order {
		if b.kind != "tool_use" {
			continue
		}
		input := b.json.String()
		if input == "" {
			input = "{}"
		}
		msg.Parts = append(msg.Parts, core.ToolUseBlock{
			ID:    b.id,
			Name:  b.name,
			Input: json.RawMessage(input),
		})
	}
	return msg
}
