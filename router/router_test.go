package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/conduit/core"
)

// scriptedBackend fails a set number of times before succeeding.
type scriptedBackend struct {
	name     string
	failWith *core.Error
	failures int

	mu    sync.Mutex
	calls int
}

func (b *scriptedBackend) Info() core.AdapterInfo {
	return core.AdapterInfo{
		Name:     b.name,
		Version:  "v1",
		Provider: b.name,
		Capabilities: core.Capabilities{
			Streaming:             true,
			SystemMessageStrategy: core.SystemInMessages,
			SupportsTemperature:   true,
		},
	}
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *scriptedBackend) shouldFail() *core.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failWith != nil && (b.failures < 0 || b.calls <= b.failures) {
		return b.failWith
	}
	return nil
}

func (b *scriptedBackend) Execute(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	if err := b.shouldFail(); err != nil {
		return nil, err
	}
	return &core.ChatResponse{
		Message:      core.TextMessage(core.RoleAssistant, "from "+b.name),
		FinishReason: core.FinishStop,
	}, nil
}

func (b *scriptedBackend) ExecuteStream(ctx context.Context, req *core.ChatRequest) (*core.ChatStream, error) {
	failErr := b.shouldFail()
	s, w := core.NewStream(8)
	go func() {
		defer w.Close()
		w.Start(ctx, core.Metadata{})
		if failErr != nil {
			w.Error(ctx, failErr)
			return
		}
		w.Content(ctx, "from "+b.name)
		w.Done(ctx, core.FinishStop, nil, core.TextMessage(core.RoleAssistant, "from "+b.name))
	}()
	return s, nil
}

func request() *core.ChatRequest {
	return &core.ChatRequest{
		Messages: []core.Message{core.TextMessage(core.RoleUser, "hi")},
		Metadata: core.Metadata{RequestID: "r1"},
	}
}

var providerDown = &core.Error{Kind: core.KindProvider, Message: "upstream down"}

func TestRoundRobinRotates(t *testing.T) {
	a := &scriptedBackend{name: "a"}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{Strategy: StrategyRoundRobin})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		resp, err := r.Execute(context.Background(), request())
		require.NoError(t, err)
		got = append(got, resp.Message.Text())
	}
	assert.ElementsMatch(t, []string{"from a", "from b"}, []string{got[0], got[1]})
	assert.NotEqual(t, got[0], got[1])
	assert.Equal(t, got[0], got[2])
}

func TestPriorityPrefersFirst(t *testing.T) {
	a := &scriptedBackend{name: "a"}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{Strategy: StrategyPriority})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, err := r.Execute(context.Background(), request())
		require.NoError(t, err)
		assert.Equal(t, "from a", resp.Message.Text())
	}
	assert.Zero(t, b.callCount())
}

func TestFallbackOnProviderError(t *testing.T) {
	a := &scriptedBackend{name: "a", failWith: providerDown, failures: -1}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{
		Strategy:        StrategyPriority,
		FallbackOnError: true,
	})
	require.NoError(t, err)

	resp, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Message.Text())
	assert.Equal(t, "b", resp.Metadata.Provenance.Backend)
}

func TestNoFallbackOnValidationError(t *testing.T) {
	badReq := &core.Error{Kind: core.KindValidation, Message: "bad request"}
	a := &scriptedBackend{name: "a", failWith: badReq, failures: -1}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{
		Strategy:        StrategyPriority,
		FallbackOnError: true,
	})
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
	assert.Zero(t, b.callCount())
}

func TestFallbackDisabledReturnsFirstError(t *testing.T) {
	a := &scriptedBackend{name: "a", failWith: providerDown, failures: -1}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{Strategy: StrategyPriority})
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), request())
	require.Error(t, err)
	assert.Zero(t, b.callCount())
}

func TestHealthCooldownSkipsUnhealthyBackend(t *testing.T) {
	a := &scriptedBackend{name: "a", failWith: providerDown, failures: -1}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{
		Strategy:           StrategyPriority,
		FallbackOnError:    true,
		UnhealthyThreshold: 3,
		Cooldown:           time.Minute,
	})
	require.NoError(t, err)

	// Three failures mark "a" unhealthy.
	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), request())
		require.NoError(t, err)
	}
	require.False(t, r.Healthy("a"))
	callsBefore := a.callCount()

	// While cooling down, "a" is not even tried.
	_, err = r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, callsBefore, a.callCount())

	// After the cooldown, "a" is eligible again.
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.True(t, r.Healthy("a"))
}

func TestHealthEventsEmitted(t *testing.T) {
	a := &scriptedBackend{name: "a", failWith: providerDown, failures: 3}
	b := &scriptedBackend{name: "b"}

	var mu sync.Mutex
	var events []Event
	r, err := New([]core.Backend{a, b}, Config{
		Strategy:           StrategyPriority,
		FallbackOnError:    true,
		UnhealthyThreshold: 3,
		OnEvent: func(e Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), request())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, EventBackendSelected)
	assert.Contains(t, types, EventBackendFailed)
	assert.Contains(t, types, EventBackendSwitch)
	assert.Contains(t, types, EventHealthChanged)
}

func TestSwitchEventCarriesFromAndTo(t *testing.T) {
	rateLimited := &core.Error{Kind: core.KindRateLimit, Status: 429, Message: "429"}
	a := &scriptedBackend{name: "a", failWith: rateLimited, failures: -1}
	b := &scriptedBackend{name: "b"}

	var mu sync.Mutex
	var switches []Event
	r, err := New([]core.Backend{a, b}, Config{
		Strategy:        StrategyPriority,
		FallbackOnError: true,
		OnEvent: func(e Event) {
			if e.Type != EventBackendSwitch {
				return
			}
			mu.Lock()
			switches = append(switches, e)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	resp, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Message.Text())

	mu.Lock()
	require.Len(t, switches, 1)
	assert.Equal(t, "a", switches[0].From)
	assert.Equal(t, "b", switches[0].To)
	assert.Equal(t, core.KindRateLimit, switches[0].Err.Kind)
	switches = nil
	mu.Unlock()

	s, err := r.ExecuteStream(context.Background(), request())
	require.NoError(t, err)
	for range s.C {
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, switches, 1)
	assert.Equal(t, "a", switches[0].From)
	assert.Equal(t, "b", switches[0].To)
}

func TestStreamFallbackBeforeContent(t *testing.T) {
	a := &scriptedBackend{name: "a", failWith: providerDown, failures: -1}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{
		Strategy:        StrategyPriority,
		FallbackOnError: true,
	})
	require.NoError(t, err)

	stream, err := r.ExecuteStream(context.Background(), request())
	require.NoError(t, err)

	result, err := core.Collect(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, "from b", result.Content)
	assert.Equal(t, core.FinishStop, result.FinishReason)
}

// midStreamBackend emits content and then fails.
type midStreamBackend struct {
	scriptedBackend
}

func (b *midStreamBackend) ExecuteStream(ctx context.Context, req *core.ChatRequest) (*core.ChatStream, error) {
	s, w := core.NewStream(8)
	go func() {
		defer w.Close()
		w.Start(ctx, core.Metadata{})
		w.Content(ctx, "partial ")
		w.Error(ctx, providerDown)
	}()
	return s, nil
}

func TestStreamNoFallbackAfterContent(t *testing.T) {
	a := &midStreamBackend{scriptedBackend{name: "a"}}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{
		Strategy:        StrategyPriority,
		FallbackOnError: true,
	})
	require.NoError(t, err)

	stream, err := r.ExecuteStream(context.Background(), request())
	require.NoError(t, err)

	_, err = core.Collect(context.Background(), stream)
	require.Error(t, err)
	assert.Equal(t, core.KindProvider, core.KindOf(err))
	assert.Zero(t, b.callCount())
}

func TestLeastLatencyPrefersFaster(t *testing.T) {
	a := &scriptedBackend{name: "a"}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{Strategy: StrategyLeastLatency})
	require.NoError(t, err)

	r.latency[0].observe(500)
	r.latency[1].observe(20)

	resp, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Message.Text())
}

func TestCustomSelector(t *testing.T) {
	a := &scriptedBackend{name: "a"}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{
		Strategy: StrategyCustom,
		Selector: func(_ *core.ChatRequest, candidates []string) string { return "b" },
	})
	require.NoError(t, err)

	resp, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Message.Text())
}

func TestCostOptimizedSelector(t *testing.T) {
	a := &scriptedBackend{name: "a"}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{
		Strategy: StrategyCustom,
		Selector: CostOptimized(map[string]float64{"a": 10.0, "b": 2.5}),
	})
	require.NoError(t, err)

	resp, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Message.Text())
}

func TestComplexitySelector(t *testing.T) {
	a := &scriptedBackend{name: "a"}
	b := &scriptedBackend{name: "b"}
	r, err := New([]core.Backend{a, b}, Config{
		Strategy: StrategyCustom,
		Selector: Complexity(1000, "a", "b"),
	})
	require.NoError(t, err)

	// Short request stays on the simple backend.
	resp, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "from a", resp.Message.Text())

	// A long prompt crosses the threshold.
	long := request()
	long.Messages = []core.Message{
		core.TextMessage(core.RoleUser, strings.Repeat("x", 5000)),
	}
	resp, err = r.Execute(context.Background(), long)
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Message.Text())
}

func TestRouterRequiresBackends(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}
