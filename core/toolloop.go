package core

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolExecutor resolves a tool call into a result value. Implementations
// are invoked once per tool_use block; returned values are JSON-encoded
// into the tool result. An error becomes an is_error tool result and the
// conversation continues, letting the model react to the failure.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input json.RawMessage) (any, error)
}

// ToolExecutorFunc adapts a function to the ToolExecutor interface.
type ToolExecutorFunc func(ctx context.Context, name string, input json.RawMessage) (any, error)

func (f ToolExecutorFunc) Execute(ctx context.Context, name string, input json.RawMessage) (any, error) {
	return f(ctx, name, input)
}

// DefaultMaxToolRounds bounds the request/execute/append loop.
const DefaultMaxToolRounds = 5

// ToolLoopOption configures ChatIRWithTools.
type ToolLoopOption func(*toolLoopConfig)

type toolLoopConfig struct {
	maxRounds int
}

// WithMaxToolRounds overrides the round bound.
func WithMaxToolRounds(n int) ToolLoopOption {
	return func(c *toolLoopConfig) {
		if n > 0 {
			c.maxRounds = n
		}
	}
}

// WarningToolRoundLimit is appended when the loop stops at the round
// bound while the model still wants tools.
const WarningToolRoundLimit = "tool-round-limit-reached"

// ChatIRWithTools runs the tool-calling loop: dispatch the request, and
// while the response asks for tool calls, execute them, append the
// assistant turn and the tool results, and dispatch again. The loop stops
// when the model answers without tool calls or the round bound is hit.
func (b *Bridge) ChatIRWithTools(ctx context.Context, req *ChatRequest, exec ToolExecutor, opts ...ToolLoopOption) (*ChatResponse, error) {
	if exec == nil {
		return nil, NewValidationError("executor", "tool loop requires an executor")
	}
	cfg := toolLoopConfig{maxRounds: DefaultMaxToolRounds}
	for _, opt := range opts {
		opt(&cfg)
	}

	current := req.Clone()
	for round := 0; ; round++ {
		resp, err := b.ChatIR(ctx, current)
		if err != nil {
			return nil, err
		}

		calls := resp.Message.ToolUses()
		if len(calls) == 0 {
			return resp, nil
		}
		if round+1 >= cfg.maxRounds {
			resp.Metadata.Warnings = append(resp.Metadata.Warnings, WarningToolRoundLimit)
			return resp, nil
		}

		current = current.Clone()
		current.Messages = append(current.Messages, resp.Message)
		for _, call := range calls {
			current.Messages = append(current.Messages, executeTool(ctx, exec, call))
		}
	}
}

// executeTool invokes the executor for one call and shapes the result
// message, folding failures into is_error results.
func executeTool(ctx context.Context, exec ToolExecutor, call ToolUseBlock) Message {
	result, err := exec.Execute(ctx, call.Name, call.Input)
	if err != nil {
		return ToolResultMessage(call.ID, err.Error(), true)
	}
	content, ok := result.(string)
	if !ok {
		encoded, err := json.Marshal(result)
		if err != nil {
			return ToolResultMessage(call.ID, fmt.Sprintf("tool %s returned an unencodable value: %v", call.Name, err), true)
		}
		content = string(encoded)
	}
	return ToolResultMessage(call.ID, content, false)
}
