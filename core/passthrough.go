package core

import (
	"context"
	"encoding/json"
)

// PassthroughFrontend is the identity frontend: its wire dialect is the
// IR's own JSON form. Converting a request in and straight back out is
// lossless, which makes it the reference frontend for conformance tests
// and the natural choice for clients that speak the engine natively.
type PassthroughFrontend struct{}

var _ Frontend = PassthroughFrontend{}

// Info describes the passthrough dialect.
func (PassthroughFrontend) Info() AdapterInfo {
	return AdapterInfo{
		Name:     "passthrough",
		Version:  "v1",
		Provider: "none",
		Capabilities: Capabilities{
			Streaming:                      true,
			MultiModal:                     true,
			Tools:                          true,
			SystemMessageStrategy:          SystemInMessages,
			SupportsMultipleSystemMessages: true,
			SupportsTemperature:            true,
			SupportsTopP:                   true,
			SupportsTopK:                   true,
			SupportsSeed:                   true,
			SupportsFrequencyPenalty:       true,
			SupportsPresencePenalty:        true,
		},
	}
}

// ToIR decodes the IR JSON form.
func (PassthroughFrontend) ToIR(body []byte) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewConversionError("passthrough", "invalid request body", err)
	}
	return &req, nil
}

// FromIR encodes the IR JSON form.
func (PassthroughFrontend) FromIR(resp *ChatResponse, _ *ChatRequest) ([]byte, error) {
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, NewConversionError("passthrough", "failed to encode response", err)
	}
	return out, nil
}

// StreamFromIR emits each chunk as one wire event whose data is the chunk
// in IR JSON form, with the chunk type as the event name.
func (PassthroughFrontend) StreamFromIR(ctx context.Context, stream *ChatStream, _ *ChatRequest) *WireStream {
	ch := make(chan WireEvent, 8)
	go func() {
		defer close(ch)
		for chunk := range stream.C {
			data, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			select {
			case ch <- WireEvent{Event: string(chunk.Type), Data: data}:
			case <-ctx.Done():
				stream.Cancel()
				for range stream.C {
				}
				return
			}
		}
	}()
	return &WireStream{C: ch}
}

// RenderError encodes the engine error as {"error": {...}}.
func (PassthroughFrontend) RenderError(err error) []byte {
	ce, ok := AsError(err)
	if !ok {
		ce = &Error{Kind: KindProvider, Message: err.Error()}
	}
	out, _ := json.Marshal(map[string]any{"error": ce})
	return out
}
