// Package router multiplexes multiple backends behind the core.Backend
// interface, adding selection strategies, passive health tracking with
// cooldown, optional active probes, and failover.
//
// A Router is itself a Backend, so it drops into a Bridge (or another
// Router) wherever a single backend would.
package router

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/petal-labs/conduit/core"
)

// Config configures a Router.
type Config struct {
	// Strategy orders candidate backends (default: round robin).
	Strategy Strategy
	// Selector is consulted under StrategyCustom.
	Selector Selector

	// FallbackOnError enables trying the next backend after a failure.
	FallbackOnError bool
	// FallbackKinds are the error kinds that trigger fallback
	// (default: network, rate_limit, provider).
	FallbackKinds []core.ErrorKind

	// UnhealthyThreshold is the consecutive-failure count that marks a
	// backend unhealthy (default: 3).
	UnhealthyThreshold int
	// Cooldown is how long an unhealthy backend is skipped (default: 60s).
	Cooldown time.Duration
	// ProbeInterval enables background health probes for backends
	// implementing core.HealthChecker (0 = passive tracking only).
	ProbeInterval time.Duration

	// OnEvent observes routing decisions.
	OnEvent EventHook
}

func (c *Config) defaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if len(c.FallbackKinds) == 0 {
		c.FallbackKinds = []core.ErrorKind{core.KindNetwork, core.KindRateLimit, core.KindProvider}
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
}

// Router fans requests out across backends. It implements core.Backend
// and core.ModelLister.
type Router struct {
	backends []core.Backend
	cfg      Config

	health  []*healthState
	latency []*ewma
	rr      atomic.Uint64

	fallbackKinds map[core.ErrorKind]bool
	now           func() time.Time
}

var (
	_ core.Backend     = (*Router)(nil)
	_ core.ModelLister = (*Router)(nil)
)

// New creates a Router over the given backends.
func New(backends []core.Backend, cfg Config) (*Router, error) {
	if len(backends) == 0 {
		return nil, core.NewValidationError("backends", "router requires at least one backend")
	}
	cfg.defaults()

	r := &Router{
		backends:      backends,
		cfg:           cfg,
		health:        make([]*healthState, len(backends)),
		latency:       make([]*ewma, len(backends)),
		fallbackKinds: make(map[core.ErrorKind]bool, len(cfg.FallbackKinds)),
		now:           time.Now,
	}
	for i := range backends {
		r.health[i] = &healthState{}
		r.latency[i] = &ewma{}
	}
	for _, kind := range cfg.FallbackKinds {
		r.fallbackKinds[kind] = true
	}
	return r, nil
}

// Info implements core.Backend. Capabilities are the union of the
// member backends'; per-backend differences are re-normalized at
// dispatch.
func (r *Router) Info() core.AdapterInfo {
	return core.AdapterInfo{
		Name:         "router",
		Version:      "v1",
		Provider:     "multi",
		Capabilities: r.unionCaps(),
	}
}

func (r *Router) unionCaps() core.Capabilities {
	var out core.Capabilities
	out.SystemMessageStrategy = core.SystemInMessages
	for _, b := range r.backends {
		caps := b.Info().Capabilities
		out.Streaming = out.Streaming || caps.Streaming
		out.MultiModal = out.MultiModal || caps.MultiModal
		out.Tools = out.Tools || caps.Tools
		out.SupportsMultipleSystemMessages = out.SupportsMultipleSystemMessages || caps.SupportsMultipleSystemMessages
		out.SupportsTemperature = out.SupportsTemperature || caps.SupportsTemperature
		out.SupportsTopP = out.SupportsTopP || caps.SupportsTopP
		out.SupportsTopK = out.SupportsTopK || caps.SupportsTopK
		out.SupportsSeed = out.SupportsSeed || caps.SupportsSeed
		out.SupportsFrequencyPenalty = out.SupportsFrequencyPenalty || caps.SupportsFrequencyPenalty
		out.SupportsPresencePenalty = out.SupportsPresencePenalty || caps.SupportsPresencePenalty
		if caps.MaxContextTokens > out.MaxContextTokens {
			out.MaxContextTokens = caps.MaxContextTokens
		}
		if caps.MaxStopSequences > out.MaxStopSequences {
			out.MaxStopSequences = caps.MaxStopSequences
		}
	}
	return out
}

// candidates returns the indices of backends currently accepting traffic.
// When every backend is cooling down, all are candidates again: a request
// on a fully-unhealthy pool is still dispatched rather than failed cold.
func (r *Router) candidates() []int {
	now := r.now()
	var available []int
	for i := range r.backends {
		if r.health[i].available(now) {
			available = append(available, i)
		}
	}
	if len(available) == 0 {
		available = make([]int, len(r.backends))
		for i := range available {
			available[i] = i
		}
	}
	return available
}

func (r *Router) canFallback(err *core.Error) bool {
	return r.cfg.FallbackOnError && r.fallbackKinds[err.Kind]
}

// coerce folds foreign errors into the taxonomy with backend provenance.
func coerce(err error, provider string) *core.Error {
	if ce, ok := core.AsError(err); ok {
		return ce
	}
	if kind := core.KindOf(err); kind == core.KindCancelled || kind == core.KindTimeout {
		return core.FromContextErr(err)
	}
	return &core.Error{Kind: core.KindProvider, Provider: provider, Message: err.Error(), Err: err}
}

func (r *Router) recordFailure(idx int) {
	name := r.backends[idx].Info().Name
	if r.health[idx].recordFailure(r.now(), r.cfg.UnhealthyThreshold, r.cfg.Cooldown) {
		r.emit(Event{Type: EventHealthChanged, Backend: name, Healthy: false})
	}
}

func (r *Router) recordSuccess(idx int, elapsed time.Duration) {
	r.latency[idx].observe(float64(elapsed) / float64(time.Millisecond))
	name := r.backends[idx].Info().Name
	if r.health[idx].recordSuccess() {
		r.emit(Event{Type: EventHealthChanged, Backend: name, Healthy: true})
	}
}

// Execute implements core.Backend with failover across the candidate
// order.
func (r *Router) Execute(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	order := r.order(req, r.candidates())
	requestID := req.Metadata.RequestID

	var lastErr *core.Error
	for n, idx := range order {
		backend := r.backends[idx]
		info := backend.Info()
		r.emit(Event{Type: EventBackendSelected, Backend: info.Name, RequestID: requestID})

		normalized, warnings := core.NormalizeRequest(req, info.Capabilities)
		start := r.now()
		resp, err := backend.Execute(ctx, normalized)
		if err == nil {
			r.recordSuccess(idx, r.now().Sub(start))
			resp.Metadata.Provenance.Backend = info.Name
			resp.Metadata.Warnings = append(resp.Metadata.Warnings, warnings...)
			return resp, nil
		}

		ce := coerce(err, info.Name)
		r.emit(Event{Type: EventBackendFailed, Backend: info.Name, RequestID: requestID, Err: ce})

		// Only infrastructure failures count against health and permit
		// fallback; a validation or auth error is final.
		if !r.fallbackKinds[ce.Kind] {
			return nil, ce
		}
		r.recordFailure(idx)
		lastErr = ce
		if !r.cfg.FallbackOnError || n == len(order)-1 {
			return nil, ce
		}
		next := r.backends[order[n+1]].Info().Name
		r.emit(Event{Type: EventBackendSwitch, Backend: info.Name, From: info.Name, To: next,
			RequestID: requestID, Err: ce})
	}
	return nil, lastErr
}

// ExecuteStream implements core.Backend. Failover applies only before the
// first content or tool-call chunk reaches the consumer; once content has
// flowed, a failure terminates the stream.
func (r *Router) ExecuteStream(ctx context.Context, req *core.ChatRequest) (*core.ChatStream, error) {
	order := r.order(req, r.candidates())
	requestID := req.Metadata.RequestID

	out, w := core.NewStream(16)
	streamCtx, cancel := context.WithCancel(ctx)
	out.SetCancel(cancel)

	go func() {
		defer w.Close()
		defer cancel()

		var lastErr *core.Error
		for n, idx := range order {
			backend := r.backends[idx]
			info := backend.Info()
			r.emit(Event{Type: EventBackendSelected, Backend: info.Name, RequestID: requestID})

			normalized, warnings := core.NormalizeRequest(req, info.Capabilities)
			start := r.now()
			inner, err := backend.ExecuteStream(streamCtx, normalized)
			if err != nil {
				ce := coerce(err, info.Name)
				r.emit(Event{Type: EventBackendFailed, Backend: info.Name, RequestID: requestID, Err: ce})
				if !r.fallbackKinds[ce.Kind] {
					w.Error(streamCtx, ce)
					return
				}
				r.recordFailure(idx)
				lastErr = ce
				if !r.cfg.FallbackOnError || n == len(order)-1 {
					w.Error(streamCtx, ce)
					return
				}
				next := r.backends[order[n+1]].Info().Name
				r.emit(Event{Type: EventBackendSwitch, Backend: info.Name, From: info.Name, To: next,
					RequestID: requestID, Err: ce})
				continue
			}

			outcome := r.relay(streamCtx, w, inner, info.Name, warnings, n == len(order)-1)
			switch outcome {
			case relaySucceeded:
				r.recordSuccess(idx, r.now().Sub(start))
				return
			case relayFailedFinal:
				// The terminal error was relayed to the consumer; no
				// fallback once content has flowed or candidates ran out.
				r.recordFailure(idx)
				return
			case relayAborted:
				return
			}
			r.recordFailure(idx)
			next := r.backends[order[n+1]].Info().Name
			r.emit(Event{Type: EventBackendSwitch, Backend: info.Name, From: info.Name, To: next,
				RequestID: requestID})
		}
		if !w.Finished() && lastErr != nil {
			w.Error(context.Background(), lastErr)
		}
	}()
	return out, nil
}

// relayOutcome classifies how one backend's stream relay ended.
type relayOutcome int

const (
	// relaySucceeded: the done chunk was relayed.
	relaySucceeded relayOutcome = iota
	// relayFailedFinal: a terminal error was relayed; no fallback.
	relayFailedFinal
	// relayFallback: the backend failed before any content; try the next.
	relayFallback
	// relayAborted: the consumer cancelled.
	relayAborted
)

// relay copies one backend stream into the shared writer.
func (r *Router) relay(ctx context.Context, w *core.StreamWriter, inner *core.ChatStream, backendName string, warnings []string, last bool) relayOutcome {
	delivered := false
	for {
		select {
		case <-ctx.Done():
			inner.Cancel()
			for range inner.C {
			}
			w.Abort(context.Background(), ctx.Err())
			return relayAborted
		case chunk, ok := <-inner.C:
			if !ok {
				if w.Finished() {
					return relaySucceeded
				}
				if delivered || last {
					w.Error(context.Background(),
						core.NewStreamError(backendName, "", "stream ended without terminal chunk"))
					return relayFailedFinal
				}
				return relayFallback
			}
			switch chunk.Type {
			case core.ChunkStart:
				md := core.Metadata{}
				if chunk.Metadata != nil {
					md = chunk.Metadata.Clone()
				}
				md.Provenance.Backend = backendName
				md.Warnings = append(md.Warnings, warnings...)
				w.Start(ctx, md)
			case core.ChunkContent:
				delivered = true
				w.Content(ctx, chunk.Delta)
			case core.ChunkToolCallDelta:
				delivered = true
				w.ToolCallDelta(ctx, chunk.ToolCallID, chunk.ToolCallName, chunk.InputDelta)
			case core.ChunkDone:
				msg := core.Message{Role: core.RoleAssistant}
				if chunk.Message != nil {
					msg = *chunk.Message
				}
				w.Done(ctx, chunk.FinishReason, chunk.Usage, msg)
				return relaySucceeded
			case core.ChunkError:
				ce := chunk.Err
				r.emit(Event{Type: EventBackendFailed, Backend: backendName, Err: ce})
				if !delivered && r.canFallback(ce) && !last {
					// Drain and move to the next backend.
					for range inner.C {
					}
					return relayFallback
				}
				w.Error(ctx, ce)
				return relayFailedFinal
			}
		}
	}
}

// ListModels implements core.ModelLister by aggregating member backends
// through the process model cache. Backends that cannot list models are
// skipped.
func (r *Router) ListModels(ctx context.Context, filter *core.ModelFilter) (*core.ModelList, error) {
	out := &core.ModelList{Source: core.ModelSourceHybrid, FetchedAt: r.now()}
	for _, b := range r.backends {
		if _, ok := b.(core.ModelLister); !ok {
			continue
		}
		list, err := core.CachedModels(ctx, b, filter)
		if err != nil {
			continue
		}
		out.Models = append(out.Models, list.Models...)
	}
	return out, nil
}

// Backends returns the member backends in configured order.
func (r *Router) Backends() []core.Backend {
	return r.backends
}

// Healthy reports whether the named backend is currently accepting
// traffic.
func (r *Router) Healthy(name string) bool {
	for i, b := range r.backends {
		if b.Info().Name == name {
			return r.health[i].available(r.now())
		}
	}
	return false
}
