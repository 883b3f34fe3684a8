// Package anthropic implements the Anthropic messages API backend.
package anthropic

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
	messagesPath = "/v1/messages"
	modelsPath   = "/v1/models"

	maxErrorBody = 64 * 1024
)

// Anthropic is a backend for the Anthropic messages API.
type Anthropic struct {
	config Config
}

// New creates an Anthropic backend with the given API key.
func New(apiKey string, opts ...Option) *Anthropic {
	config := Config{
		APIKey:     core.NewSecret(apiKey),
		BaseURL:    DefaultBaseURL,
		HTTPClient: http.DefaultClient,
		Model:      DefaultModel,
		MaxTokens:  DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &Anthropic{config: config}
}

// NewFromEnv creates an Anthropic backend using the ANTHROPIC_API_KEY
// environment variable.
func NewFromEnv(opts ...Option) (*Anthropic, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}
	return New(key, opts...), nil
}

// Info returns the adapter identity and capabilities.
func (a *Anthropic) Info() core.AdapterInfo {
	return core.AdapterInfo{
		Name:     "anthropic",
		Version:  apiVersion,
		Provider: "anthropic",
		Capabilities: core.Capabilities{
			Streaming:                      true,
			MultiModal:                     true,
			Tools:                          true,
			SystemMessageStrategy:          core.SystemSeparateParameter,
			SupportsMultipleSystemMessages: true,
			SupportsTemperature:            true,
			SupportsTopP:                   true,
			SupportsTopK:                   true,
			MaxStopSequences:               8191,
		},
	}
}

// Execute performs a unary messages call.
func (a *Anthropic) Execute(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	resp, err := a.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewNetworkError("anthropic", err)
	}
	out, err := mapResponse(body, a.config.RetainRaw)
	if err != nil {
		return nil, core.NewConversionError("anthropic", "decoding response", err)
	}
	return out, nil
}

// ExecuteStream performs a streaming messages call.
func (a *Anthropic) ExecuteStream(ctx context.Context, req *core.ChatRequest) (*core.ChatStream, error) {
	resp, err := a.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	stream, writer := core.NewStream(16)
	writer.SetProvider("anthropic")
	go func() {
		defer resp.Body.Close()
		defer writer.Close()
		relayStream(ctx, resp.Body, writer)
	}()
	return stream, nil
}

// HealthCheck probes the models endpoint.
func (a *Anthropic) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+modelsPath, nil)
	if err != nil {
		return err
	}
	a.setHeaders(httpReq)
	resp, err := a.config.HTTPClient.Do(httpReq)
	if err != nil {
		return core.NewNetworkError("anthropic", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return normalize.FromResponse("anthropic", resp, body)
	}
	return nil
}

func (a *Anthropic) post(ctx context.Context, req *core.ChatRequest, stream bool) (*http.Response, error) {
	wire, err := buildRequest(req, a.config, stream)
	if err != nil {
		return nil, core.NewConversionError("anthropic", "building request", err)
	}
	var custom map[string]any
	if req.Parameters != nil {
		custom = req.Parameters.Custom
	}
	body, err := encodeRequest(wire, custom)
	if err != nil {
		return nil, core.NewConversionError("anthropic", "encoding request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	a.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.config.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.FromContextErr(ctx.Err())
		}
		return nil, core.NewNetworkError("anthropic", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, normalize.FromResponse("anthropic", resp, errBody)
	}
	return resp, nil
}

func (a *Anthropic) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.config.APIKey.Expose())
	req.Header.Set("anthropic-version", apiVersion)
	for key, values := range a.config.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}
