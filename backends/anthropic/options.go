package anthropic

import (
	"net/http"
	"time"

	"github.com/petal-labs/conduit/core"
)

// DefaultBaseURL is the default Anthropic API base URL.
const DefaultBaseURL = "https://api.anthropic.com"

// DefaultModel is used when a request does not name a model.
const DefaultModel = "claude-sonnet-4-5"

// DefaultMaxTokens is applied when a request does not set maxTokens; the
// messages API requires the field.
const DefaultMaxTokens = 4096

// apiVersion is the anthropic-version header value.
const apiVersion = "2023-06-01"

// Config holds configuration for the Anthropic backend.
type Config struct {
	// APIKey is the Anthropic API key (required).
	APIKey core.Secret

	// BaseURL is the API base URL. Defaults to DefaultBaseURL.
	BaseURL string

	// HTTPClient is the HTTP client to use. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Model is the fallback model for requests that do not set one.
	Model string

	// MaxTokens is the fallback max_tokens value. Defaults to
	// DefaultMaxTokens.
	MaxTokens int

	// Headers contains optional extra headers, e.g. beta flags.
	Headers http.Header

	// RetainRaw keeps the provider response body on ChatResponse.Raw.
	RetainRaw bool
}

// Option configures the Anthropic backend.
type Option func(*Config)

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithModel sets the fallback model.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithMaxTokens sets the fallback max_tokens value.
func WithMaxTokens(n int) Option {
	return func(c *Config) {
		c.MaxTokens = n
	}
}

// WithHeader adds an extra header to include in requests.
func WithHeader(key, value string) Option {
	return func(c *Config) {
		if c.Headers == nil {
			c.Headers = make(http.Header)
		}
		c.Headers.Set(key, value)
	}
}

// WithTimeout sets the request timeout by wrapping the HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		client := *http.DefaultClient
		if c.HTTPClient != nil {
			client = *c.HTTPClient
		}
		client.Timeout = d
		c.HTTPClient = &client
	}
}

// WithRetainRaw keeps provider response bodies on responses.
func WithRetainRaw() Option {
	return func(c *Config) {
		c.RetainRaw = true
	}
}
