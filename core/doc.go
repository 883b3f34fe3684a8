// Package core implements the Conduit dispatch engine: the vendor-neutral
// intermediate representation (IR) for chat requests, responses and streams,
// the Frontend and Backend adapter contracts, the middleware chain, and the
// Bridge that composes them.
//
// # Architecture
//
// A chat request flows through the engine in a fixed order:
//
//	caller dialect -> Frontend.ToIR -> middleware (outer to inner) ->
//	Backend.Execute -> middleware (inner to outer) -> Frontend.FromIR
//
// For streaming calls the same envelope applies, but the innermost handler
// yields a lazy sequence of chunks instead of a single response, and
// middleware may wrap that sequence.
//
// # Frontends and Backends
//
// A Frontend converts an external dialect (OpenAI chat completions, Anthropic
// messages, Gemini generateContent) into the IR and back. A Backend converts
// the IR into a concrete provider's wire format, owns the HTTP client, and
// converts the provider response back into the IR. The Router in package
// router implements the Backend contract over a pool of backends, so a Bridge
// never needs to distinguish a single backend from a routed pool.
//
// # Streams
//
// Streams are lazy, single-consumer chunk sequences delivered over a channel.
// Producers use a StreamWriter, which enforces the stream invariants: exactly
// one leading start chunk, strictly monotonic sequence numbers, and exactly
// one terminal done or error chunk. See ChatStream for the consumer side and
// Collect, Process, ToText, ToLines, Throttle and Tee for utilities.
//
// # Structured output
//
// GenerateObject and GenerateObjectStream on the Bridge produce schema
// validated values instead of free text. Streaming structured output parses
// progressively more complete partial objects as deltas arrive; see
// ParsePartialJSON and DeepMerge.
package core
