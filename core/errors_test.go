package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuthentication},
		{http.StatusForbidden, KindAuthorization},
		{http.StatusBadRequest, KindValidation},
		{http.StatusNotFound, KindValidation},
		{http.StatusConflict, KindValidation},
		{http.StatusUnprocessableEntity, KindValidation},
		{http.StatusRequestTimeout, KindTimeout},
		{http.StatusTooManyRequests, KindRateLimit},
		{http.StatusInternalServerError, KindProvider},
		{http.StatusBadGateway, KindProvider},
		{http.StatusServiceUnavailable, KindProvider},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, KindForStatus(tt.status))
		})
	}
}

func TestRetryability(t *testing.T) {
	retryable := []ErrorKind{KindRateLimit, KindProvider, KindNetwork, KindStream, KindTimeout}
	for _, kind := range retryable {
		assert.True(t, (&Error{Kind: kind}).Retryable(), string(kind))
	}
	fatal := []ErrorKind{KindAuthentication, KindAuthorization, KindValidation, KindConversion, KindCancelled}
	for _, kind := range fatal {
		assert.False(t, (&Error{Kind: kind}).Retryable(), string(kind))
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(&Error{Kind: KindRateLimit}))

	// A retryable kind wrapping a context error stays non-retryable.
	wrapped := &Error{Kind: KindTimeout, Err: context.Canceled}
	assert.False(t, IsRetryable(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewNetworkError("acme", cause)
	assert.True(t, errors.Is(err, cause))

	ce, ok := AsError(fmt.Errorf("outer: %w", err))
	require.True(t, ok)
	assert.Equal(t, KindNetwork, ce.Kind)
}

func TestClassifyHTTP(t *testing.T) {
	err := ClassifyHTTP("acme", 429, "rate_limited", "slow down", 2*time.Second)
	assert.Equal(t, KindRateLimit, err.Kind)
	assert.Equal(t, 429, err.Status)
	assert.Equal(t, "acme", err.Provider)
	assert.Equal(t, 2*time.Second, err.RetryAfter)
	assert.True(t, err.Retryable())

	empty := ClassifyHTTP("acme", 503, "", "", 0)
	assert.Equal(t, http.StatusText(503), empty.Message)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, ParseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-1"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("garbage"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	got := ParseRetryAfter(future)
	assert.Greater(t, got, 50*time.Second)
}

func TestFromContextErr(t *testing.T) {
	assert.Equal(t, KindTimeout, FromContextErr(context.DeadlineExceeded).Kind)
	cancelled := FromContextErr(context.Canceled)
	assert.Equal(t, KindCancelled, cancelled.Kind)
	assert.Equal(t, CodeAborted, cancelled.Code)
}
