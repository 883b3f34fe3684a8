package core

import "context"

// ChatHandler is the unary downstream continuation of a middleware.
type ChatHandler func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

// StreamHandler is the streaming downstream continuation of a middleware.
type StreamHandler func(ctx context.Context, req *ChatRequest) (*ChatStream, error)

// Middleware wraps the unary and streaming call paths of a Bridge. The
// chain is onion-layered: the first registered middleware is outermost.
//
// Contract:
//   - Middleware must preserve the RequestID; a "modified" request is a
//     clone carrying the same ID.
//   - Middleware must preserve error classification on re-throw.
//   - Streaming middleware that transforms the chunk sequence must
//     preserve sequence monotonicity (re-sequencing if it reorders) and
//     terminal uniqueness (at most one done or error chunk). Wrapping
//     through a StreamWriter provides both.
//   - Middleware must not buffer an entire stream in memory unless
//     explicitly documented (e.g. a replaying cache).
type Middleware interface {
	// Name identifies the middleware in logs and warnings.
	Name() string

	// WrapChat returns a handler that may observe or transform the unary
	// call around next.
	WrapChat(next ChatHandler) ChatHandler

	// WrapStream returns a handler that may observe or transform the
	// streaming call around next.
	WrapStream(next StreamHandler) StreamHandler
}

// Chain composes middleware around a final handler in registration order,
// first middleware outermost.
type Chain struct {
	middleware []Middleware
}

// NewChain creates a middleware chain.
func NewChain(mw ...Middleware) *Chain {
	return &Chain{middleware: mw}
}

// Append adds middleware to the end (innermost position) of the chain.
func (c *Chain) Append(mw ...Middleware) {
	c.middleware = append(c.middleware, mw...)
}

// Len returns the number of middleware in the chain.
func (c *Chain) Len() int {
	return len(c.middleware)
}

// Chat builds the unary pipeline around the final handler.
func (c *Chain) Chat(final ChatHandler) ChatHandler {
	h := final
	for i := len(c.middleware) - 1; i >= 0; i-- {
		h = c.middleware[i].WrapChat(h)
	}
	return h
}

// Stream builds the streaming pipeline around the final handler.
func (c *Chain) Stream(final StreamHandler) StreamHandler {
	h := final
	for i := len(c.middleware) - 1; i >= 0; i-- {
		h = c.middleware[i].WrapStream(h)
	}
	return h
}
