package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/conduit/core"
)

func userRequest(text string) *core.ChatRequest {
	return &core.ChatRequest{
		Messages: []core.Message{core.TextMessage(core.RoleUser, text)},
		Metadata: core.Metadata{RequestID: "r1"},
	}
}

func okResponse(text string) *core.ChatResponse {
	return &core.ChatResponse{
		Message:      core.TextMessage(core.RoleAssistant, text),
		FinishReason: core.FinishStop,
		Metadata:     core.Metadata{RequestID: "r1"},
	}
}

func TestRetryRetriesRetryableErrors(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	calls := 0
	handler := r.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		calls++
		if calls < 3 {
			return nil, &core.Error{Kind: core.KindNetwork, Message: "flaky"}
		}
		return okResponse("ok"), nil
	})

	resp, err := handler(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Text())
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnFatalErrors(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond})
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	calls := 0
	handler := r.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		calls++
		return nil, &core.Error{Kind: core.KindAuthentication, Message: "bad key"}
	})

	_, err := handler(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	calls := 0
	handler := r.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		calls++
		return nil, &core.Error{Kind: core.KindProvider, Message: "down"}
	})

	_, err := handler(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, core.KindProvider, core.KindOf(err))
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond})
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	handler := r.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		calls++
		if calls == 1 {
			return nil, &core.Error{Kind: core.KindRateLimit, RetryAfter: 7 * time.Second, Message: "429"}
		}
		return okResponse("ok"), nil
	})

	_, err := handler(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	require.Len(t, slept, 1)
	assert.Equal(t, 7*time.Second, slept[0])
}

func TestRetryAbortsOnCancelledContext(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	handler := r.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		cancel()
		return nil, &core.Error{Kind: core.KindNetwork, Message: "flaky"}
	})

	_, err := handler(ctx, userRequest("hi"))
	require.Error(t, err)
	assert.Equal(t, core.KindCancelled, core.KindOf(err))
}

func TestCacheHitReturnsCopyWithCallerRequestID(t *testing.T) {
	c := NewCache(CacheConfig{TTL: time.Minute})

	calls := 0
	handler := c.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		calls++
		return okResponse("cached text"), nil
	})

	first, err := handler(context.Background(), userRequest("same question"))
	require.NoError(t, err)

	second := userRequest("same question")
	second.Metadata.RequestID = "r2"
	hit, err := handler(context.Background(), second)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "r2", hit.Metadata.RequestID)
	assert.Equal(t, "cached text", hit.Message.Text())

	// The hit is a copy: mutating it must not poison the cache.
	hit.Message.Content = "mutated"
	third := userRequest("same question")
	again, err := handler(context.Background(), third)
	require.NoError(t, err)
	assert.Equal(t, "cached text", again.Message.Text())
	_ = first
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(CacheConfig{TTL: time.Minute})
	now := time.Now()
	c.now = func() time.Time { return now }

	calls := 0
	handler := c.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		calls++
		return okResponse("x"), nil
	})

	_, err := handler(context.Background(), userRequest("q"))
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = handler(context.Background(), userRequest("q"))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCacheDifferentRequestsMiss(t *testing.T) {
	c := NewCache(CacheConfig{TTL: time.Minute})
	calls := 0
	handler := c.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		calls++
		return okResponse("x"), nil
	})

	_, _ = handler(context.Background(), userRequest("a"))
	_, _ = handler(context.Background(), userRequest("b"))
	assert.Equal(t, 2, calls)
}

func TestCacheStreamReplay(t *testing.T) {
	c := NewCache(CacheConfig{TTL: time.Minute, CacheStreams: true})

	calls := 0
	handler := c.WrapStream(func(ctx context.Context, req *core.ChatRequest) (*core.ChatStream, error) {
		calls++
		s, w := core.NewStream(8)
		go func() {
			defer w.Close()
			w.Start(ctx, core.Metadata{RequestID: req.Metadata.RequestID})
			w.Content(ctx, "str")
			w.Content(ctx, "eam")
			w.Done(ctx, core.FinishStop, nil, core.TextMessage(core.RoleAssistant, "stream"))
		}()
		return s, nil
	})

	first, err := handler(context.Background(), userRequest("q"))
	require.NoError(t, err)
	firstResult, err := core.Collect(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "stream", firstResult.Content)

	replayReq := userRequest("q")
	replayReq.Metadata.RequestID = "r2"
	second, err := handler(context.Background(), replayReq)
	require.NoError(t, err)
	secondResult, err := core.Collect(context.Background(), second)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "stream", secondResult.Content)
	assert.Equal(t, "r2", secondResult.RequestID)
	assert.Equal(t, core.FinishStop, secondResult.FinishReason)
}

func TestTransformRewritesRequest(t *testing.T) {
	tr := NewTransform("uppercase-model", func(req *core.ChatRequest) (*core.ChatRequest, error) {
		out := req.Clone()
		if out.Parameters == nil {
			out.Parameters = &core.Parameters{}
		}
		out.Parameters.Model = "pinned-model"
		return out, nil
	}, nil)

	var seen *core.ChatRequest
	handler := tr.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		seen = req
		return okResponse("ok"), nil
	})

	orig := userRequest("hi")
	_, err := handler(context.Background(), orig)
	require.NoError(t, err)
	assert.Equal(t, "pinned-model", seen.Model())
	assert.Equal(t, "r1", seen.Metadata.RequestID)
	assert.Empty(t, orig.Model())
}

func TestTransformRewritesResponse(t *testing.T) {
	tr := NewTransform("suffix", nil, func(resp *core.ChatResponse) (*core.ChatResponse, error) {
		out := resp.Clone()
		out.Message.Content += "!"
		return out, nil
	})

	handler := tr.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		return okResponse("done"), nil
	})

	resp, err := handler(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "done!", resp.Message.Text())
	assert.Equal(t, "r1", resp.Metadata.RequestID)
}

func TestValidationBounds(t *testing.T) {
	v := NewValidation(ValidationConfig{MaxMessages: 1, MaxContentBytes: 10})
	handler := v.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		return okResponse("ok"), nil
	})

	_, err := handler(context.Background(), userRequest("short"))
	require.NoError(t, err)

	long := userRequest("this is far too much content")
	_, err = handler(context.Background(), long)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	many := &core.ChatRequest{Messages: []core.Message{
		core.TextMessage(core.RoleUser, "a"),
		core.TextMessage(core.RoleUser, "b"),
	}}
	_, err = handler(context.Background(), many)
	require.Error(t, err)
}

func TestValidationRedaction(t *testing.T) {
	v := NewValidation(ValidationConfig{Redactions: CommonRedactions()})

	var seen *core.ChatRequest
	handler := v.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		seen = req
		return okResponse("ok"), nil
	})

	orig := userRequest("contact me at ada@example.com with key sk-abcdefghijklmnop1234")
	_, err := handler(context.Background(), orig)
	require.NoError(t, err)

	assert.NotContains(t, seen.Messages[0].Text(), "ada@example.com")
	assert.NotContains(t, seen.Messages[0].Text(), "sk-abcdefghijklmnop1234")
	assert.Contains(t, seen.Messages[0].Text(), "[redacted-email]")
	assert.Contains(t, seen.Messages[0].Text(), "[redacted-key]")
	// Caller's request untouched.
	assert.Contains(t, orig.Messages[0].Text(), "ada@example.com")
}

func TestLoggingObservesWithoutModifying(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	l := NewLogging(logger)

	handler := l.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		return okResponse("ok"), nil
	})
	resp, err := handler(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Text())
	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, "r1", hook.LastEntry().Data["request_id"])
}

func TestLoggingRecordsErrorKind(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	l := NewLogging(logger)

	handler := l.WrapChat(func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		return nil, &core.Error{Kind: core.KindRateLimit, Message: "slow down"}
	})
	_, err := handler(context.Background(), userRequest("hi"))
	require.Error(t, err)
	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, core.KindRateLimit, hook.LastEntry().Data["kind"])
}
