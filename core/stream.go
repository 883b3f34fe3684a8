package core

import (
	"context"
	"strings"
	"sync"
)

// ChunkType tags a stream chunk variant.
type ChunkType string

const (
	// ChunkStart opens a stream. Exactly one per stream, always first.
	ChunkStart ChunkType = "start"
	// ChunkContent carries an incremental text delta.
	ChunkContent ChunkType = "content"
	// ChunkToolCallDelta carries an incremental tool-call input fragment.
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	// ChunkDone terminates a well-formed stream. At most one per stream.
	ChunkDone ChunkType = "done"
	// ChunkError terminates a failed stream. Mutually exclusive with done.
	ChunkError ChunkType = "error"
)

// StreamChunk is one element of a chat stream. Sequence is a strict
// monotonic enumeration starting at 0 with no gaps.
type StreamChunk struct {
	Type     ChunkType `json:"type"`
	Sequence int       `json:"sequence"`

	// Start fields.
	Metadata *Metadata `json:"metadata,omitempty"`

	// Content fields. Accumulated is set only in accumulated stream mode
	// and always equals the concatenation of all prior deltas plus Delta.
	Delta       string `json:"delta,omitempty"`
	Accumulated string `json:"accumulated,omitempty"`

	// Tool call delta fields. Name is set on the first fragment of a call.
	ToolCallID   string `json:"toolCallId,omitempty"`
	ToolCallName string `json:"toolCallName,omitempty"`
	InputDelta   string `json:"inputDelta,omitempty"`

	// Done fields. Message is the assembled final message.
	FinishReason FinishReason `json:"finishReason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Message      *Message     `json:"message,omitempty"`

	// Error field, for terminal error chunks.
	Err *Error `json:"error,omitempty"`
}

// Terminal reports whether the chunk ends the stream.
func (c StreamChunk) Terminal() bool {
	return c.Type == ChunkDone || c.Type == ChunkError
}

// ChatStream is a lazy, single-consumer sequence of stream chunks.
//
// Channel rules:
//   - C is closed after the terminal chunk (done or error).
//   - start precedes all other chunks; done/error is last.
//   - Cancel releases the producer promptly; an in-flight consumer then
//     observes a terminal error chunk with code "aborted" (unless a
//     terminal chunk was already delivered).
type ChatStream struct {
	// C emits chunks in sequence order. Closed when the stream ends.
	C <-chan StreamChunk

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// Cancel aborts the stream. Safe to call multiple times and after the
// stream has completed.
func (s *ChatStream) Cancel() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// SetCancel attaches the cancellation handle releasing the producer.
func (s *ChatStream) SetCancel(cancel context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.cancel = cancel
}

// StreamWriter is the producer side of a ChatStream. It enforces the
// stream invariants: sequence numbers increase monotonically from 0, the
// first chunk is start, and exactly one terminal chunk is delivered after
// which further sends are ignored.
//
// Writers are not safe for concurrent use; a stream has one producer.
type StreamWriter struct {
	ch       chan StreamChunk
	seq      int
	started  bool
	finished bool
	closed   bool
	mode     StreamMode
	acc      strings.Builder
	provider string
}

// NewStream creates a connected stream and writer pair. The producer must
// call Close when done, typically via defer.
func NewStream(buffer int) (*ChatStream, *StreamWriter) {
	ch := make(chan StreamChunk, buffer)
	return &ChatStream{C: ch}, &StreamWriter{ch: ch}
}

// SetMode sets the stream mode. In accumulated mode every content chunk
// carries the running concatenation of deltas. Must be called before the
// first content chunk.
func (w *StreamWriter) SetMode(mode StreamMode) {
	w.mode = mode
}

// Mode returns the writer's stream mode.
func (w *StreamWriter) Mode() StreamMode {
	return w.mode
}

// SetProvider sets the provenance recorded on error chunks.
func (w *StreamWriter) SetProvider(name string) {
	w.provider = name
}

// send delivers a chunk unless the stream has finished, honoring ctx.
func (w *StreamWriter) send(ctx context.Context, chunk StreamChunk) bool {
	if w.finished || w.closed {
		return false
	}
	chunk.Sequence = w.seq
	select {
	case w.ch <- chunk:
		w.seq++
		if chunk.Terminal() {
			w.finished = true
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// Start emits the opening chunk. Repeat calls are ignored.
func (w *StreamWriter) Start(ctx context.Context, md Metadata) bool {
	if w.started {
		return false
	}
	w.started = true
	return w.send(ctx, StreamChunk{Type: ChunkStart, Metadata: &md})
}

// Started reports whether the start chunk was emitted.
func (w *StreamWriter) Started() bool {
	return w.started
}

// Content emits a text delta. Empty deltas are dropped. In accumulated
// mode the chunk also carries the running concatenation.
func (w *StreamWriter) Content(ctx context.Context, delta string) bool {
	if delta == "" {
		return true
	}
	chunk := StreamChunk{Type: ChunkContent, Delta: delta}
	w.acc.WriteString(delta)
	if w.mode == StreamModeAccumulated {
		chunk.Accumulated = w.acc.String()
	}
	return w.send(ctx, chunk)
}

// Accumulated returns the concatenation of all deltas emitted so far.
func (w *StreamWriter) Accumulated() string {
	return w.acc.String()
}

// ToolCallDelta emits a tool-call input fragment.
func (w *StreamWriter) ToolCallDelta(ctx context.Context, id, name, inputDelta string) bool {
	return w.send(ctx, StreamChunk{
		Type:         ChunkToolCallDelta,
		ToolCallID:   id,
		ToolCallName: name,
		InputDelta:   inputDelta,
	})
}

// Done emits the terminal done chunk with the assembled final message.
func (w *StreamWriter) Done(ctx context.Context, reason FinishReason, usage *Usage, msg Message) bool {
	return w.send(ctx, StreamChunk{
		Type:         ChunkDone,
		FinishReason: reason,
		Usage:        usage,
		Message:      &msg,
	})
}

// Error emits the terminal error chunk. Foreign errors are coerced into
// the engine taxonomy; context errors become code "aborted".
func (w *StreamWriter) Error(ctx context.Context, err error) bool {
	ce, ok := AsError(err)
	if !ok {
		if kind := KindOf(err); kind == KindCancelled || kind == KindTimeout {
			ce = FromContextErr(err)
		} else {
			ce = NewStreamError(w.provider, "", err.Error())
		}
	}
	// Terminal sends must not be lost to a cancelled context: deliver
	// without selecting on ctx, relying on Close to follow promptly.
	if w.finished || w.closed {
		return false
	}
	chunk := StreamChunk{Type: ChunkError, Sequence: w.seq, Err: ce}
	select {
	case w.ch <- chunk:
		w.seq++
		w.finished = true
		return true
	default:
	}
	// Buffer full: fall back to a context-bound send so a stuck consumer
	// cannot wedge the producer forever.
	return w.send(ctx, chunk)
}

// Abort emits the terminal aborted error chunk used on cancellation.
func (w *StreamWriter) Abort(ctx context.Context, cause error) bool {
	return w.Error(ctx, NewCancelledError(cause))
}

// Finished reports whether a terminal chunk was delivered.
func (w *StreamWriter) Finished() bool {
	return w.finished
}

// Close closes the stream channel. Must be called exactly once by the
// producer after all sends.
func (w *StreamWriter) Close() {
	if w.closed {
		return
	}
	w.closed = true
	close(w.ch)
}

// defaultStreamMode is the process-wide stream mode applied when neither
// the request nor the bridge sets one.
var (
	defaultStreamModeMu sync.RWMutex
	defaultStreamMode   = StreamModeDelta
)

// DefaultStreamMode returns the process-wide default stream mode.
func DefaultStreamMode() StreamMode {
	defaultStreamModeMu.RLock()
	defer defaultStreamModeMu.RUnlock()
	return defaultStreamMode
}

// SetDefaultStreamMode sets the process-wide default stream mode.
func SetDefaultStreamMode(mode StreamMode) {
	defaultStreamModeMu.Lock()
	defer defaultStreamModeMu.Unlock()
	if mode == "" {
		mode = StreamModeDelta
	}
	defaultStreamMode = mode
}

// EffectiveStreamMode resolves the stream mode for a request as the first
// defined among: request streamMode, bridge default, process default.
func EffectiveStreamMode(req *ChatRequest, bridgeDefault StreamMode) StreamMode {
	if req != nil && req.StreamMode != "" {
		return req.StreamMode
	}
	if bridgeDefault != "" {
		return bridgeDefault
	}
	return DefaultStreamMode()
}
