// Package openai implements the OpenAI chat completions backend. It also
// serves any OpenAI-compatible endpoint via WithBaseURL.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/petal-labs/conduit/backends/internal/normalize"
	"github.com/petal-labs/conduit/core"
)

const (
	chatPath   = "/v1/chat/completions"
	modelsPath = "/v1/models"

	// maxErrorBody bounds how much of a failed response body is read for
	// classification.
	maxErrorBody = 64 * 1024
)

// OpenAI is a backend for the OpenAI chat completions API.
type OpenAI struct {
	config Config
}

// New creates an OpenAI backend with the given API key.
func New(apiKey string, opts ...Option) *OpenAI {
	config := Config{
		APIKey:     core.NewSecret(apiKey),
		BaseURL:    DefaultBaseURL,
		HTTPClient: http.DefaultClient,
		Model:      DefaultModel,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &OpenAI{config: config}
}

// NewFromEnv creates an OpenAI backend using the OPENAI_API_KEY
// environment variable.
func NewFromEnv(opts ...Option) (*OpenAI, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	return New(key, opts...), nil
}

// Info returns the adapter identity and capabilities.
func (o *OpenAI) Info() core.AdapterInfo {
	return core.AdapterInfo{
		Name:     "openai",
		Version:  "v1",
		Provider: "openai",
		Capabilities: core.Capabilities{
			Streaming:                      true,
			MultiModal:                     true,
			Tools:                          true,
			SystemMessageStrategy:          core.SystemInMessages,
			SupportsMultipleSystemMessages: true,
			SupportsTemperature:            true,
			SupportsTopP:                   true,
			SupportsSeed:                   true,
			SupportsFrequencyPenalty:       true,
			SupportsPresencePenalty:        true,
			MaxStopSequences:               4,
		},
	}
}

// Execute performs a unary chat completions call.
func (o *OpenAI) Execute(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	wire, err := buildRequest(req, o.config, false)
	if err != nil {
		return nil, core.NewConversionError("openai", "building request", err)
	}
	resp, err := o.post(ctx, chatPath, wire, customParams(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewNetworkError("openai", err)
	}
	out, err := mapResponse(body, o.config.RetainRaw)
	if err != nil {
		return nil, core.NewConversionError("openai", "decoding response", err)
	}
	return out, nil
}

// ExecuteStream performs a streaming chat completions call.
func (o *OpenAI) ExecuteStream(ctx context.Context, req *core.ChatRequest) (*core.ChatStream, error) {
	wire, err := buildRequest(req, o.config, true)
	if err != nil {
		return nil, core.NewConversionError("openai", "building request", err)
	}
	resp, err := o.post(ctx, chatPath, wire, customParams(req))
	if err != nil {
		return nil, err
	}

	stream, writer := core.NewStream(16)
	writer.SetProvider("openai")
	go func() {
		defer resp.Body.Close()
		defer writer.Close()
		relayStream(ctx, resp.Body, writer)
	}()
	return stream, nil
}

// HealthCheck probes the models endpoint.
func (o *OpenAI) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.config.BaseURL+modelsPath, nil)
	if err != nil {
		return err
	}
	o.setHeaders(httpReq)
	resp, err := o.config.HTTPClient.Do(httpReq)
	if err != nil {
		return core.NewNetworkError("openai", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return normalize.FromResponse("openai", resp, body)
	}
	return nil
}

// post sends a JSON request and classifies non-2xx responses. The caller
// owns the response body on success.
func (o *OpenAI) post(ctx context.Context, path string, wire *chatRequest, custom map[string]any) (*http.Response, error) {
	body, err := encodeRequest(wire, custom)
	if err != nil {
		return nil, core.NewConversionError("openai", "encoding request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	o.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.config.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.FromContextErr(ctx.Err())
		}
		return nil, core.NewNetworkError("openai", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, normalize.FromResponse("openai", resp, errBody)
	}
	return resp, nil
}

func (o *OpenAI) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+o.config.APIKey.Expose())
	if o.config.Organization != "" {
		req.Header.Set("OpenAI-Organization", o.config.Organization)
	}
	for key, values := range o.config.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}

func customParams(req *core.ChatRequest) map[string]any {
	if req.Parameters == nil {
		return nil
	}
	return req.Parameters.Custom
}
