package core

import (
	"context"
	"strings"
	"sync"
	"time"
)

// CollectResult is the fully drained form of a chat stream.
type CollectResult struct {
	// Content is the concatenation of all content deltas.
	Content string
	// Message is the assembled final message from the done chunk.
	Message *Message
	// Chunks holds every chunk observed, in sequence order.
	Chunks []StreamChunk
	// FinishReason is taken from the done chunk.
	FinishReason FinishReason
	// Usage is taken from the done chunk, when reported.
	Usage *Usage
	// RequestID is taken from the start chunk metadata.
	RequestID string
}

// Collect drains a stream into a single result. It returns the chunk's
// error on any terminal error chunk, and the context error if ctx is
// cancelled before the stream terminates.
func Collect(ctx context.Context, s *ChatStream) (*CollectResult, error) {
	result := &CollectResult{}
	var content strings.Builder

	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			return nil, FromContextErr(ctx.Err())
		case chunk, ok := <-s.C:
			if !ok {
				result.Content = content.String()
				return result, nil
			}
			result.Chunks = append(result.Chunks, chunk)
			switch chunk.Type {
			case ChunkStart:
				if chunk.Metadata != nil {
					result.RequestID = chunk.Metadata.RequestID
				}
			case ChunkContent:
				content.WriteString(chunk.Delta)
			case ChunkDone:
				result.FinishReason = chunk.FinishReason
				result.Usage = chunk.Usage
				result.Message = chunk.Message
			case ChunkError:
				return nil, chunk.Err
			}
		}
	}
}

// StreamCallbacks receives per-chunk notifications from Process.
// Nil callbacks are skipped.
type StreamCallbacks struct {
	OnStart         func(md Metadata)
	OnContent       func(delta, accumulated string)
	OnToolCallDelta func(id, name, inputDelta string)
	OnDone          func(reason FinishReason, usage *Usage, msg Message)
	OnError         func(err *Error)
}

// Process drains a stream invoking the callbacks for each chunk. Like
// Collect it returns the terminal error chunk's error, if any.
func Process(ctx context.Context, s *ChatStream, cb StreamCallbacks) error {
	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			return FromContextErr(ctx.Err())
		case chunk, ok := <-s.C:
			if !ok {
				return nil
			}
			switch chunk.Type {
			case ChunkStart:
				if cb.OnStart != nil && chunk.Metadata != nil {
					cb.OnStart(*chunk.Metadata)
				}
			case ChunkContent:
				if cb.OnContent != nil {
					cb.OnContent(chunk.Delta, chunk.Accumulated)
				}
			case ChunkToolCallDelta:
				if cb.OnToolCallDelta != nil {
					cb.OnToolCallDelta(chunk.ToolCallID, chunk.ToolCallName, chunk.InputDelta)
				}
			case ChunkDone:
				if cb.OnDone != nil && chunk.Message != nil {
					cb.OnDone(chunk.FinishReason, chunk.Usage, *chunk.Message)
				}
			case ChunkError:
				if cb.OnError != nil {
					cb.OnError(chunk.Err)
				}
				return chunk.Err
			}
		}
	}
}

// ToText reduces a stream to its content deltas. The returned channel is
// closed when the stream ends; error chunks are dropped.
func ToText(s *ChatStream) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for chunk := range s.C {
			if chunk.Type == ChunkContent {
				out <- chunk.Delta
			}
		}
	}()
	return out
}

// ToLines buffers content deltas across chunks and yields complete lines
// without their trailing newline. A final unterminated line is flushed
// when the stream ends.
func ToLines(s *ChatStream) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		var buf strings.Builder
		for chunk := range s.C {
			if chunk.Type != ChunkContent {
				continue
			}
			buf.WriteString(chunk.Delta)
			for {
				text := buf.String()
				idx := strings.IndexByte(text, '\n')
				if idx < 0 {
					break
				}
				out <- text[:idx]
				buf.Reset()
				buf.WriteString(text[idx+1:])
			}
		}
		if buf.Len() > 0 {
			out <- buf.String()
		}
	}()
	return out
}

// Throttle coalesces content deltas within each interval into one merged
// content chunk. Non-content chunks pass through immediately, flushing any
// pending content first so ordering is preserved; pending content is also
// flushed before the terminal chunk. The output stream is re-sequenced.
func Throttle(s *ChatStream, interval time.Duration) *ChatStream {
	out, w := NewStream(16)
	out.SetCancel(s.Cancel)

	go func() {
		defer w.Close()
		ctx := context.Background()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var pending strings.Builder

		flush := func() {
			if pending.Len() > 0 {
				w.Content(ctx, pending.String())
				pending.Reset()
			}
		}

		for {
			select {
			case <-ticker.C:
				flush()
			case chunk, ok := <-s.C:
				if !ok {
					flush()
					return
				}
				switch chunk.Type {
				case ChunkStart:
					if chunk.Accumulated != "" {
						w.SetMode(StreamModeAccumulated)
					}
					if chunk.Metadata != nil {
						w.Start(ctx, *chunk.Metadata)
					}
				case ChunkContent:
					if chunk.Accumulated != "" {
						w.SetMode(StreamModeAccumulated)
					}
					pending.WriteString(chunk.Delta)
				case ChunkToolCallDelta:
					flush()
					w.ToolCallDelta(ctx, chunk.ToolCallID, chunk.ToolCallName, chunk.InputDelta)
				case ChunkDone:
					flush()
					msg := Message{Role: RoleAssistant}
					if chunk.Message != nil {
						msg = *chunk.Message
					}
					w.Done(ctx, chunk.FinishReason, chunk.Usage, msg)
					return
				case ChunkError:
					flush()
					w.Error(ctx, chunk.Err)
					return
				}
			}
		}
	}()
	return out
}

// Tee splits a stream into n independent consumers. Each consumer has its
// own unbounded queue: a slow consumer's queue grows without limit. This
// is a documented trade-off; callers needing bounds should pair Tee with
// Throttle or their own bounded bridge.
func Tee(s *ChatStream, n int) []*ChatStream {
	queues := make([]*chunkQueue, n)
	streams := make([]*ChatStream, n)
	for i := range queues {
		q := newChunkQueue()
		queues[i] = q
		streams[i] = &ChatStream{C: q.out}
		streams[i].SetCancel(s.Cancel)
		go q.pump()
	}

	go func() {
		for chunk := range s.C {
			for _, q := range queues {
				q.push(chunk)
			}
		}
		for _, q := range queues {
			q.close()
		}
	}()
	return streams
}

// chunkQueue is an unbounded FIFO feeding a delivery channel.
type chunkQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []StreamChunk
	done bool
	out  chan StreamChunk
}

func newChunkQueue() *chunkQueue {
	q := &chunkQueue{out: make(chan StreamChunk)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *chunkQueue) push(c StreamChunk) {
	q.mu.Lock()
	q.buf = append(q.buf, c)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *chunkQueue) close() {
	q.mu.Lock()
	q.done = true
	q.mu.Unlock()
	q.cond.Signal()
}

// pump delivers queued chunks to the out channel in order.
func (q *chunkQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.done {
			q.cond.Wait()
		}
		if len(q.buf) == 0 && q.done {
			q.mu.Unlock()
			return
		}
		chunk := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		q.out <- chunk
	}
}
