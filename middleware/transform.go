package middleware

import (
	"context"

	"github.com/petal-labs/conduit/core"
)

// RequestTransform rewrites a request before dispatch. It must return a
// clone carrying the same RequestID when it changes anything.
type RequestTransform func(req *core.ChatRequest) (*core.ChatRequest, error)

// ResponseTransform rewrites a response after dispatch.
type ResponseTransform func(resp *core.ChatResponse) (*core.ChatResponse, error)

// Transform applies pure IR-to-IR rewrites around the call. Responses of
// streaming calls pass through untouched; only the request side applies.
type Transform struct {
	name     string
	request  RequestTransform
	response ResponseTransform
}

// NewTransform creates a transform middleware. Nil transforms are
// identity.
func NewTransform(name string, request RequestTransform, response ResponseTransform) *Transform {
	if name == "" {
		name = "transform"
	}
	return &Transform{name: name, request: request, response: response}
}

// Name implements core.Middleware.
func (t *Transform) Name() string { return t.name }

func (t *Transform) apply(req *core.ChatRequest) (*core.ChatRequest, error) {
	if t.request == nil {
		return req, nil
	}
	out, err := t.request(req)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return req, nil
	}
	// The transform contract: same request ID throughout.
	out.Metadata.RequestID = req.Metadata.RequestID
	return out, nil
}

// WrapChat implements core.Middleware.
func (t *Transform) WrapChat(next core.ChatHandler) core.ChatHandler {
	return func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		req, err := t.apply(req)
		if err != nil {
			return nil, err
		}
		resp, err := next(ctx, req)
		if err != nil || t.response == nil {
			return resp, err
		}
		out, err := t.response(resp)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return resp, nil
		}
		out.Metadata.RequestID = resp.Metadata.RequestID
		return out, nil
	}
}

// WrapStream implements core.Middleware.
func (t *Transform) WrapStream(next core.StreamHandler) core.StreamHandler {
	return func(ctx context.Context, req *core.ChatRequest) (*core.ChatStream, error) {
		req, err := t.apply(req)
		if err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}
