package anthropic

import (
	"github.com/petal-labs/conduit/backends"
	"github.com/petal-labs/conduit/core"
)

func init() {
	backends.Register("anthropic", func(apiKey string) core.Backend {
		return New(apiKey)
	})
}
