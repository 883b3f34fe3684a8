package core

import (
	"context"
	"strings"
	"time"
)

// Frontend converts an external dialect into the IR and back. Frontends
// operate on raw wire bytes so the engine stays independent of any host
// HTTP framework.
//
// Contract:
//   - ToIR fails with a validation error naming the missing field on any
//     malformed inbound request, and preserves a caller-supplied request
//     ID (the Bridge assigns one if absent).
//   - FromIR is deterministic and side-effect free.
//   - StreamFromIR maps the IR start/content/done envelope onto the
//     dialect's own streaming envelope and propagates error chunks as
//     dialect-native errors without swallowing them.
type Frontend interface {
	// Info returns the immutable adapter identity.
	Info() AdapterInfo

	// ToIR converts an inbound dialect request body into the IR.
	ToIR(body []byte) (*ChatRequest, error)

	// FromIR converts an IR response into an outbound dialect body.
	// original is the IR form of the inbound request, for dialects that
	// echo request fields (e.g. model) into the response.
	FromIR(resp *ChatResponse, original *ChatRequest) ([]byte, error)

	// StreamFromIR converts an IR stream into the dialect's streaming
	// wire events.
	StreamFromIR(ctx context.Context, stream *ChatStream, original *ChatRequest) *WireStream

	// RenderError converts an engine error into the dialect's native
	// error body.
	RenderError(err error) []byte
}

// WireEvent is one dialect-encoded streaming event, ready to be written
// as a server-sent event. Event is the optional SSE event name.
type WireEvent struct {
	Event string
	Data  []byte
}

// WireStream is a lazy sequence of dialect-encoded streaming events.
// The channel is closed when the stream ends.
type WireStream struct {
	C <-chan WireEvent
}

// Backend converts the IR into a concrete provider's wire format, owns
// the HTTP client, and converts provider responses back into the IR.
//
// Contract:
//   - Conversion failures surface as conversion errors with backend
//     provenance.
//   - Non-2xx HTTP responses are classified by the shared table in
//     KindForStatus.
//   - Execute honors ctx cancellation and aborts in-flight HTTP calls
//     promptly.
//   - ExecuteStream yields exactly one start chunk, terminates with done
//     or error, and never interleaves chunks from different requests.
type Backend interface {
	// Info returns the immutable adapter identity.
	Info() AdapterInfo

	// Execute performs a unary chat call.
	Execute(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ExecuteStream performs a streaming chat call. The stream is lazy:
	// chunks are produced as provider bytes arrive.
	ExecuteStream(ctx context.Context, req *ChatRequest) (*ChatStream, error)
}

// ModelSource declares where a model list came from.
type ModelSource string

const (
	ModelSourceStatic  ModelSource = "static"
	ModelSourceFetched ModelSource = "fetched"
	ModelSourceHybrid  ModelSource = "hybrid"
)

// ModelInfo describes one model available from a backend.
type ModelInfo struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName,omitempty"`
	Provider      string `json:"provider,omitempty"`
	ContextTokens int    `json:"contextTokens,omitempty"`
}

// ModelList is the result of listing a backend's models.
type ModelList struct {
	Models    []ModelInfo `json:"models"`
	Source    ModelSource `json:"source"`
	FetchedAt time.Time   `json:"fetchedAt,omitzero"`
}

// ModelFilter narrows a model listing. Zero value matches everything.
type ModelFilter struct {
	// Contains keeps models whose ID contains the substring.
	Contains string
	// Provider keeps models from the named provider.
	Provider string
}

// Matches reports whether the model passes the filter.
func (f *ModelFilter) Matches(m ModelInfo) bool {
	if f == nil {
		return true
	}
	if f.Provider != "" && m.Provider != f.Provider {
		return false
	}
	if f.Contains != "" && !strings.Contains(m.ID, f.Contains) {
		return false
	}
	return true
}

// ModelLister is an optional interface for backends that can enumerate
// their models. Fetched results are placed in the process model cache.
type ModelLister interface {
	ListModels(ctx context.Context, filter *ModelFilter) (*ModelList, error)
}

// CostEstimate is a rough pre-dispatch cost projection for a request.
type CostEstimate struct {
	Currency        string  `json:"currency"`
	PromptCost      float64 `json:"promptCost"`
	CompletionCost  float64 `json:"completionCost"`
	EstimatedTokens int     `json:"estimatedTokens"`
}

// CostEstimator is an optional interface for backends that can estimate
// request cost before dispatch.
type CostEstimator interface {
	EstimateCost(req *ChatRequest) (*CostEstimate, error)
}

// HealthChecker is an optional interface for backends that support active
// health probes. A nil error means healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
