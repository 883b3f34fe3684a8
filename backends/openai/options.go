package openai

import (
	"net/http"
	"time"

	"github.com/petal-labs/conduit/core"
)

// DefaultBaseURL is the default OpenAI API base URL.
const DefaultBaseURL = "https://api.openai.com"

// DefaultModel is used when a request does not name a model.
const DefaultModel = "gpt-4o-mini"

// Config holds configuration for the OpenAI backend.
type Config struct {
	// APIKey is the OpenAI API key (required).
	APIKey core.Secret

	// BaseURL is the API base URL. Defaults to DefaultBaseURL. Any
	// OpenAI-compatible endpoint works.
	BaseURL string

	// HTTPClient is the HTTP client to use. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Organization is the optional OpenAI organization header.
	Organization string

	// Model is the fallback model for requests that do not set one.
	Model string

	// Headers contains optional extra headers to include in requests.
	Headers http.Header

	// RetainRaw keeps the provider response body on ChatResponse.Raw.
	RetainRaw bool
}

// Option configures the OpenAI backend.
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

// WithOrganization sets the OpenAI organization header.
func WithOrganization(org string) Option {
	return func(c *Config) {
		c.Organization = org
	}
}

// WithModel sets the fallback model.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
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
