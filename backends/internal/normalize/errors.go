// Package normalize converts provider HTTP failures into the engine
// error taxonomy. Error bodies differ per provider but almost all carry
// an object with message and code fields under an "error" key; the
// probing here tolerates every shape seen in the wild and falls back to
// the raw body.
package normalize

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/petal-labs/conduit/core"
)

// messagePaths are probed in order for a human-readable error message.
var messagePaths = []string{
	"error.message",
	"error",
	"message",
	"detail",
}

// codePaths are probed in order for the provider's error code.
var codePaths = []string{
	"error.code",
	"error.type",
	"code",
	"type",
}

// HTTPError classifies a non-2xx provider response. retryAfter is the
// raw Retry-After header value, if any.
func HTTPError(provider string, status int, body []byte, retryAfter string) *core.Error {
	message := probe(body, messagePaths)
	if message == "" {
		message = fallbackMessage(status, body)
	}
	return core.ClassifyHTTP(provider, status, probe(body, codePaths), message, core.ParseRetryAfter(retryAfter))
}

// FromResponse classifies directly from an http.Response with the body
// already read.
func FromResponse(provider string, resp *http.Response, body []byte) *core.Error {
	return HTTPError(provider, resp.StatusCode, body, resp.Header.Get("Retry-After"))
}

func probe(body []byte, paths []string) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range paths {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func fallbackMessage(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed != "" && len(trimmed) <= 200 && !strings.HasPrefix(trimmed, "<") {
		return trimmed
	}
	return http.StatusText(status)
}
