package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSystemMessages(t *testing.T) {
	conv := []Message{
		TextMessage(RoleSystem, "be brief"),
		TextMessage(RoleSystem, "be kind"),
		TextMessage(RoleUser, "hi"),
	}

	t.Run("unsupported drops system messages with warning", func(t *testing.T) {
		req := &ChatRequest{Messages: conv}
		out, warnings := NormalizeRequest(req, Capabilities{SystemMessageStrategy: SystemUnsupported})
		require.Len(t, out.Messages, 1)
		assert.Equal(t, RoleUser, out.Messages[0].Role)
		assert.Contains(t, warnings, "dropped-system-messages")
	})

	t.Run("prepended strategy folds system text into first user message", func(t *testing.T) {
		req := &ChatRequest{Messages: conv}
		out, warnings := NormalizeRequest(req, Capabilities{SystemMessageStrategy: SystemPrependedToFirstUser})
		require.Len(t, out.Messages, 1)
		assert.Equal(t, RoleUser, out.Messages[0].Role)
		assert.Equal(t, "be brief\n\nbe kind\n\nhi", out.Messages[0].Text())
		assert.Empty(t, warnings)
	})

	t.Run("prepended strategy synthesizes user message when none exists", func(t *testing.T) {
		req := &ChatRequest{Messages: []Message{TextMessage(RoleSystem, "rules")}}
		out, _ := NormalizeRequest(req, Capabilities{SystemMessageStrategy: SystemPrependedToFirstUser})
		require.Len(t, out.Messages, 1)
		assert.Equal(t, RoleUser, out.Messages[0].Role)
		assert.Equal(t, "rules", out.Messages[0].Text())
	})

	t.Run("multiple systems merged when backend supports one", func(t *testing.T) {
		req := &ChatRequest{Messages: conv}
		out, _ := NormalizeRequest(req, Capabilities{SystemMessageStrategy: SystemInMessages})
		require.Len(t, out.Messages, 2)
		assert.Equal(t, RoleSystem, out.Messages[0].Role)
		assert.Equal(t, "be brief\n\nbe kind", out.Messages[0].Text())
	})

	t.Run("multiple systems kept when backend supports them", func(t *testing.T) {
		req := &ChatRequest{Messages: conv}
		out, _ := NormalizeRequest(req, Capabilities{
			SystemMessageStrategy:          SystemInMessages,
			SupportsMultipleSystemMessages: true,
		})
		assert.Len(t, out.Messages, 3)
	})

	t.Run("input request never mutated", func(t *testing.T) {
		req := &ChatRequest{Messages: conv}
		NormalizeRequest(req, Capabilities{SystemMessageStrategy: SystemUnsupported})
		assert.Len(t, req.Messages, 3)
	})
}

func TestNormalizeParameters(t *testing.T) {
	temp := 0.7
	topK := 40
	seed := int64(7)

	t.Run("unsupported set parameters dropped with warnings", func(t *testing.T) {
		req := &ChatRequest{
			Messages:   []Message{TextMessage(RoleUser, "hi")},
			Parameters: &Parameters{Temperature: &temp, TopK: &topK, Seed: &seed},
		}
		out, warnings := NormalizeRequest(req, Capabilities{
			SupportsTemperature: true,
		})
		assert.NotNil(t, out.Parameters.Temperature)
		assert.Nil(t, out.Parameters.TopK)
		assert.Nil(t, out.Parameters.Seed)
		assert.Contains(t, warnings, "dropped-unsupported-parameter: topK")
		assert.Contains(t, warnings, "dropped-unsupported-parameter: seed")
		assert.NotContains(t, warnings, "dropped-unsupported-parameter: temperature")
	})

	t.Run("unset parameters produce no warnings", func(t *testing.T) {
		req := &ChatRequest{
			Messages:   []Message{TextMessage(RoleUser, "hi")},
			Parameters: &Parameters{},
		}
		_, warnings := NormalizeRequest(req, Capabilities{})
		assert.Empty(t, warnings)
	})

	t.Run("stop sequences truncated to backend limit", func(t *testing.T) {
		req := &ChatRequest{
			Messages:   []Message{TextMessage(RoleUser, "hi")},
			Parameters: &Parameters{StopSequences: []string{"a", "b", "c", "d"}},
		}
		out, warnings := NormalizeRequest(req, Capabilities{MaxStopSequences: 2})
		assert.Equal(t, []string{"a", "b"}, out.Parameters.StopSequences)
		assert.Contains(t, warnings, WarningTruncatedStops)
		assert.Len(t, req.Parameters.StopSequences, 4)
	})

	t.Run("zero stop limit means unlimited", func(t *testing.T) {
		req := &ChatRequest{
			Messages:   []Message{TextMessage(RoleUser, "hi")},
			Parameters: &Parameters{StopSequences: []string{"a", "b", "c"}},
		}
		out, warnings := NormalizeRequest(req, Capabilities{})
		assert.Len(t, out.Parameters.StopSequences, 3)
		assert.Empty(t, warnings)
	})
}

func TestExtractSystem(t *testing.T) {
	system, rest := ExtractSystem([]Message{
		TextMessage(RoleSystem, "one"),
		TextMessage(RoleUser, "hi"),
		TextMessage(RoleSystem, "two"),
	})
	assert.Equal(t, []string{"one", "two"}, system)
	require.Len(t, rest, 1)
	assert.Equal(t, "one\n\ntwo", JoinSystem(system))
}
