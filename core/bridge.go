package core

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bridge composes one Frontend with one Backend (or a Router, which is a
// Backend) and threads a middleware chain around both the unary and the
// streaming call paths.
type Bridge struct {
	frontend Frontend
	backend  Backend
	chain    *Chain

	streamMode    StreamMode
	estimateUsage bool
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithMiddleware appends middleware to the chain; the first registered
// middleware is outermost.
func WithMiddleware(mw ...Middleware) BridgeOption {
	return func(b *Bridge) {
		b.chain.Append(mw...)
	}
}

// WithStreamMode sets the bridge default stream mode, used when a request
// does not set one.
func WithStreamMode(mode StreamMode) BridgeOption {
	return func(b *Bridge) {
		b.streamMode = mode
	}
}

// WithUsageEstimation enables synthesizing usage from content length
// (documented 4 chars/token heuristic) when the provider reports none.
func WithUsageEstimation() BridgeOption {
	return func(b *Bridge) {
		b.estimateUsage = true
	}
}

// NewBridge creates a Bridge. frontend may be nil for IR-only usage
// (ChatIR / ChatStreamIR); backend is required.
func NewBridge(frontend Frontend, backend Backend, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		frontend: frontend,
		backend:  backend,
		chain:    NewChain(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Backend returns the bridge's backend (which may be a Router).
func (b *Bridge) Backend() Backend {
	return b.backend
}

// Frontend returns the bridge's frontend, or nil.
func (b *Bridge) Frontend() Frontend {
	return b.frontend
}

// Chat runs the full unary pipeline on an inbound dialect request body.
// On failure the error is returned alongside its dialect-native rendering
// from the frontend, so hosts can write it out directly.
func (b *Bridge) Chat(ctx context.Context, inbound []byte) ([]byte, error) {
	req, err := b.frontend.ToIR(inbound)
	if err != nil {
		return b.frontend.RenderError(err), err
	}
	resp, err := b.ChatIR(ctx, req)
	if err != nil {
		return b.frontend.RenderError(err), err
	}
	out, err := b.frontend.FromIR(resp, req)
	if err != nil {
		return b.frontend.RenderError(err), err
	}
	return out, nil
}

// ChatStream runs the full streaming pipeline on an inbound dialect
// request body, returning the dialect's streaming wire events.
func (b *Bridge) ChatStream(ctx context.Context, inbound []byte) (*WireStream, error) {
	req, err := b.frontend.ToIR(inbound)
	if err != nil {
		return nil, err
	}
	stream, err := b.ChatStreamIR(ctx, req)
	if err != nil {
		return nil, err
	}
	return b.frontend.StreamFromIR(ctx, stream, req), nil
}

// ChatIR runs the unary pipeline on an IR request, skipping frontend
// conversion.
func (b *Bridge) ChatIR(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	req = b.prepare(req)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	handler := b.chain.Chat(b.dispatch)
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, err
	}
	// The response carries the request ID through, always.
	resp.Metadata.RequestID = req.Metadata.RequestID
	return resp, nil
}

// ChatStreamIR runs the streaming pipeline on an IR request, skipping
// frontend conversion. The returned stream owns a cancellation handle
// that releases the underlying HTTP reader and yields a terminal aborted
// error chunk to in-flight consumers.
func (b *Bridge) ChatStreamIR(ctx context.Context, req *ChatRequest) (*ChatStream, error) {
	req = b.prepare(req)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	handler := b.chain.Stream(b.dispatchStream)
	return handler(ctx, req)
}

// prepare stamps request metadata: a request ID if absent, the timestamp,
// and frontend provenance. The caller's value is never mutated.
func (b *Bridge) prepare(req *ChatRequest) *ChatRequest {
	out := req.Clone()
	if out.Metadata.RequestID == "" {
		out.Metadata.RequestID = uuid.NewString()
	}
	if out.Metadata.Timestamp.IsZero() {
		out.Metadata.Timestamp = time.Now()
	}
	if b.frontend != nil && out.Metadata.Provenance.Frontend == "" {
		out.Metadata.Provenance.Frontend = b.frontend.Info().Name
	}
	return out
}

// dispatch is the innermost unary handler: capability normalization,
// backend provenance, the backend call, and response bookkeeping.
func (b *Bridge) dispatch(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, FromContextErr(err)
	}

	info := b.backend.Info()
	normalized, warnings := NormalizeRequest(req, info.Capabilities)
	if normalized == req {
		normalized = req.Clone()
	}
	normalized.Metadata.Provenance.Backend = info.Name

	resp, err := b.backend.Execute(ctx, normalized)
	if err != nil {
		return nil, err
	}

	resp.Metadata.RequestID = req.Metadata.RequestID
	resp.Metadata.Provenance = normalized.Metadata.Provenance
	resp.Metadata.Warnings = append(resp.Metadata.Warnings, warnings...)

	if resp.Usage == nil && b.estimateUsage {
		resp.Usage = EstimateUsage(req, resp)
	}
	return resp, nil
}

// dispatchStream is the innermost streaming handler. The backend stream
// is relayed through a fresh writer so the effective stream mode is
// applied uniformly and cancellation surfaces as a single terminal
// aborted chunk.
func (b *Bridge) dispatchStream(ctx context.Context, req *ChatRequest) (*ChatStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, FromContextErr(err)
	}

	info := b.backend.Info()
	normalized, warnings := NormalizeRequest(req, info.Capabilities)
	if normalized == req {
		normalized = req.Clone()
	}
	normalized.Metadata.Provenance.Backend = info.Name
	normalized.Stream = true

	streamCtx, cancel := context.WithCancel(ctx)
	inner, err := b.backend.ExecuteStream(streamCtx, normalized)
	if err != nil {
		cancel()
		return nil, err
	}

	mode := EffectiveStreamMode(req, b.streamMode)
	out, w := NewStream(16)
	out.SetCancel(cancel)
	w.SetMode(mode)
	w.SetProvider(info.Name)

	go func() {
		defer w.Close()
		defer cancel()
		for {
			select {
			case <-streamCtx.Done():
				inner.Cancel()
				drain(inner)
				w.Abort(context.Background(), streamCtx.Err())
				return
			case chunk, ok := <-inner.C:
				if !ok {
					if w.Finished() {
						return
					}
					if streamCtx.Err() != nil {
						w.Abort(context.Background(), streamCtx.Err())
						return
					}
					w.Error(context.Background(),
						NewStreamError(info.Name, "", "stream ended without terminal chunk"))
					return
				}
				b.relayChunk(context.Background(), w, chunk, normalized.Metadata, warnings)
				if chunk.Terminal() {
					drain(inner)
					return
				}
			}
		}
	}()
	return out, nil
}

// relayChunk re-emits one backend chunk through the bridge writer.
func (b *Bridge) relayChunk(ctx context.Context, w *StreamWriter, chunk StreamChunk, md Metadata, warnings []string) {
	switch chunk.Type {
	case ChunkStart:
		start := md.Clone()
		if chunk.Metadata != nil && chunk.Metadata.Custom != nil {
			start.Custom = chunk.Metadata.Custom
		}
		start.Warnings = append(start.Warnings, warnings...)
		w.Start(ctx, start)
	case ChunkContent:
		if !w.Started() {
			w.Start(ctx, md.Clone())
		}
		w.Content(ctx, chunk.Delta)
	case ChunkToolCallDelta:
		if !w.Started() {
			w.Start(ctx, md.Clone())
		}
		w.ToolCallDelta(ctx, chunk.ToolCallID, chunk.ToolCallName, chunk.InputDelta)
	case ChunkDone:
		if !w.Started() {
			w.Start(ctx, md.Clone())
		}
		msg := Message{Role: RoleAssistant}
		if chunk.Message != nil {
			msg = *chunk.Message
		}
		w.Done(ctx, chunk.FinishReason, chunk.Usage, msg)
	case ChunkError:
		w.Error(ctx, chunk.Err)
	}
}

// drain discards remaining chunks so the producer can release its reader.
func drain(s *ChatStream) {
	go func() {
		for range s.C {
		}
	}()
}

// GenerateObject performs a schema-constrained generation and returns the
// parsed, validated value. sr may be nil when the request itself carries
// a schema. Validation failure is fatal; the engine does not retry.
func (b *Bridge) GenerateObject(ctx context.Context, req *ChatRequest, sr *SchemaRequest) (*ObjectResult, error) {
	if sr == nil {
		sr = req.Schema
	}
	if sr == nil {
		return nil, NewValidationError("schema", "structured output requires a schema")
	}

	structReq, err := buildStructuredRequest(req, sr)
	if err != nil {
		return nil, err
	}

	resp, err := b.ChatIR(ctx, structReq)
	if err != nil {
		return nil, err
	}

	raw, err := extractStructured(resp, sr)
	if err != nil {
		return nil, err
	}
	data, warnings, err := parseStructured(raw, sr)
	if err != nil {
		return nil, err
	}

	return &ObjectResult{
		Data:     data,
		Raw:      raw,
		Warnings: append(warnings, resp.Metadata.Warnings...),
		Metadata: ObjectMetadata{
			RequestID:    resp.Metadata.RequestID,
			FinishReason: resp.FinishReason,
			Usage:        resp.Usage,
		},
	}, nil
}

// GenerateObjectStream performs a schema-constrained generation yielding
// progressively more complete partial objects as deltas arrive, then a
// terminal validated result.
func (b *Bridge) GenerateObjectStream(ctx context.Context, req *ChatRequest, sr *SchemaRequest) (*ObjectStream, error) {
	if sr == nil {
		sr = req.Schema
	}
	if sr == nil {
		return nil, NewValidationError("schema", "structured output requires a schema")
	}

	structReq, err := buildStructuredRequest(req, sr)
	if err != nil {
		return nil, err
	}
	structReq.Stream = true

	stream, err := b.ChatStreamIR(ctx, structReq)
	if err != nil {
		return nil, err
	}

	ch := make(chan ObjectUpdate, 8)
	out := &ObjectStream{C: ch, cancel: stream.Cancel}

	go func() {
		defer close(ch)

		var buf strings.Builder
		var partial any
		requestID := ""

		emitPartial := func() {
			parsed, ok := ParsePartialJSON(streamBufferJSON(sr.Mode, buf.String()))
			if !ok {
				return
			}
			partial = DeepMerge(partial, parsed)
			select {
			case ch <- ObjectUpdate{Partial: partial}:
			case <-ctx.Done():
			}
		}

		for chunk := range stream.C {
			switch chunk.Type {
			case ChunkStart:
				if chunk.Metadata != nil {
					requestID = chunk.Metadata.RequestID
				}
			case ChunkContent:
				buf.WriteString(chunk.Delta)
				emitPartial()
			case ChunkToolCallDelta:
				buf.WriteString(chunk.InputDelta)
				emitPartial()
			case ChunkDone:
				raw := strings.TrimSpace(streamBufferJSON(sr.Mode, buf.String()))
				if chunk.Message != nil {
					if extracted, err := extractStructured(&ChatResponse{Message: *chunk.Message}, sr); err == nil {
						raw = extracted
					}
				}
				data, warnings, err := parseStructured(raw, sr)
				if err != nil {
					ch <- ObjectUpdate{Err: err}
					return
				}
				ch <- ObjectUpdate{Result: &ObjectResult{
					Data:     data,
					Raw:      raw,
					Warnings: warnings,
					Metadata: ObjectMetadata{
						RequestID:    requestID,
						FinishReason: chunk.FinishReason,
						Usage:        chunk.Usage,
					},
				}}
				return
			case ChunkError:
				ch <- ObjectUpdate{Err: chunk.Err}
				return
			}
		}
	}()
	return out, nil
}

// streamBufferJSON trims dialect scaffolding from the accumulated stream
// buffer so the partial parser sees a JSON prefix. For md_json this
// strips the leading fence marker and any trailing fence.
func streamBufferJSON(mode SchemaMode, buf string) string {
	if mode != SchemaModeMarkdownJSON {
		return buf
	}
	s := buf
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return s
}
