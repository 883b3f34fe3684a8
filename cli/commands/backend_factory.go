package commands

import (
	"fmt"
	"strings"

	"github.com/petal-labs/conduit/backends"
	"github.com/petal-labs/conduit/backends/anthropic"
	"github.com/petal-labs/conduit/backends/openai"
	"github.com/petal-labs/conduit/cli/config"
	"github.com/petal-labs/conduit/core"
)

// BackendFactory creates a backend from a name, API key, and optional
// per-backend config.
type BackendFactory func(name, apiKey string, bc *config.BackendConfig) (core.Backend, error)

// defaultBackendFactory builds the known backends with their config
// applied, falling back to the registry for anything else.
func defaultBackendFactory(name, apiKey string, bc *config.BackendConfig) (core.Backend, error) {
	switch name {
	case "openai":
		var opts []openai.Option
		if bc != nil && bc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(bc.BaseURL))
		}
		if bc != nil && bc.Model != "" {
			opts = append(opts, openai.WithModel(bc.Model))
		}
		return openai.New(apiKey, opts...), nil
	case "anthropic":
		var opts []anthropic.Option
		if bc != nil && bc.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(bc.BaseURL))
		}
		if bc != nil && bc.Model != "" {
			opts = append(opts, anthropic.WithModel(bc.Model))
		}
		return anthropic.New(apiKey, opts...), nil
	}
	if backends.IsRegistered(name) {
		return backends.Create(name, apiKey)
	}
	return nil, fmt.Errorf("unknown backend %q (available: %s)",
		name, strings.Join(backends.List(), ", "))
}
