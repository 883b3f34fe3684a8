package middleware

import (
	"context"
	"regexp"

	"github.com/petal-labs/conduit/core"
)

// Redaction substitutes matches of Pattern with Replacement in message
// text before dispatch.
type Redaction struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// ValidationConfig configures the validation middleware.
type ValidationConfig struct {
	// MaxMessages rejects oversized conversations (0 = unlimited).
	MaxMessages int
	// MaxContentBytes rejects requests whose total text exceeds the bound
	// (0 = unlimited).
	MaxContentBytes int
	// Redactions are applied to user and system message text.
	Redactions []Redaction
}

// CommonRedactions covers frequent credential and PII shapes: API keys,
// bearer tokens and email addresses.
func CommonRedactions() []Redaction {
	return []Redaction{
		{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`), "[redacted-key]"},
		{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._-]{16,}\b`), "[redacted-token]"},
		{regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`), "[redacted-email]"},
	}
}

// Validation checks request bounds before dispatch and applies content
// redactions. Redacted requests are clones; the caller's value is never
// modified.
type Validation struct {
	cfg ValidationConfig
}

// NewValidation creates the validation middleware.
func NewValidation(cfg ValidationConfig) *Validation {
	return &Validation{cfg: cfg}
}

// Name implements core.Middleware.
func (v *Validation) Name() string { return "validation" }

func (v *Validation) check(req *core.ChatRequest) (*core.ChatRequest, error) {
	if v.cfg.MaxMessages > 0 && len(req.Messages) > v.cfg.MaxMessages {
		return nil, core.NewValidationError("messages", "conversation exceeds the configured message limit")
	}
	if v.cfg.MaxContentBytes > 0 {
		total := 0
		for _, m := range req.Messages {
			total += len(m.Text())
		}
		if total > v.cfg.MaxContentBytes {
			return nil, core.NewValidationError("messages", "conversation exceeds the configured content size")
		}
	}
	if len(v.cfg.Redactions) == 0 {
		return req, nil
	}
	return v.redact(req), nil
}

// redact rewrites matching text in user and system messages, cloning on
// first change.
func (v *Validation) redact(req *core.ChatRequest) *core.ChatRequest {
	out := req
	for i, m := range req.Messages {
		if m.Role != core.RoleUser && m.Role != core.RoleSystem {
			continue
		}
		redacted, changed := v.redactMessage(m)
		if !changed {
			continue
		}
		if out == req {
			out = req.Clone()
		}
		out.Messages[i] = redacted
	}
	return out
}

func (v *Validation) redactMessage(m core.Message) (core.Message, bool) {
	apply := func(s string) (string, bool) {
		orig := s
		for _, r := range v.cfg.Redactions {
			s = r.Pattern.ReplaceAllString(s, r.Replacement)
		}
		return s, s != orig
	}

	if len(m.Parts) == 0 {
		text, changed := apply(m.Content)
		if !changed {
			return m, false
		}
		out := m.Clone()
		out.Content = text
		return out, true
	}

	changedAny := false
	out := m.Clone()
	for i, p := range out.Parts {
		t, ok := p.(core.TextBlock)
		if !ok {
			continue
		}
		text, changed := apply(t.Text)
		if changed {
			out.Parts[i] = core.TextBlock{Text: text}
			changedAny = true
		}
	}
	if !changedAny {
		return m, false
	}
	return out, true
}

// WrapChat implements core.Middleware.
func (v *Validation) WrapChat(next core.ChatHandler) core.ChatHandler {
	return func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		req, err := v.check(req)
		if err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

// WrapStream implements core.Middleware.
func (v *Validation) WrapStream(next core.StreamHandler) core.StreamHandler {
	return func(ctx context.Context, req *core.ChatRequest) (*core.ChatStream, error) {
		req, err := v.check(req)
		if err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}
