package openai

import (
	"github.com/petal-labs/conduit/backends"
	"github.com/petal-labs/conduit/core"
)

func init() {
	backends.Register("openai", func(apiKey string) core.Backend {
		return New(apiKey)
	})
}
