package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/conduit/backends/internal/normalize"
	"github.com/petal-labs/conduit/core"
)

// staticModels is the curated model catalog. The live models endpoint
// supplements it when reachable.
var staticModels = []core.ModelInfo{
	{ID: "claude-opus-4-1", DisplayName: "Claude Opus 4.1", Provider: "anthropic", ContextTokens: 200000},
	{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", Provider: "anthropic", ContextTokens: 200000},
	{ID: "claude-sonnet-4-0", DisplayName: "Claude Sonnet 4", Provider: "anthropic", ContextTokens: 200000},
	{ID: "claude-3-7-sonnet-latest", DisplayName: "Claude Sonnet 3.7", Provider: "anthropic", ContextTokens: 200000},
	{ID: "claude-3-5-haiku-latest", DisplayName: "Claude Haiku 3.5", Provider: "anthropic", ContextTokens: 200000},
}

type modelCost struct {
	prompt     float64
	completion float64
}

// modelCosts is USD per million tokens, keyed by model family prefix.
var modelCosts = map[string]modelCost{
	"claude-opus":   {prompt: 15.00, completion: 75.00},
	"claude-sonnet": {prompt: 3.00, completion: 15.00},
	"claude-haiku":  {prompt: 0.80, completion: 4.00},
}

// ListModels returns the model catalog, merging the static list with the
// live models endpoint when reachable.
func (a *Anthropic) ListModels(ctx context.Context, filter *core.ModelFilter) (*core.ModelList, error) {
	models := append([]core.ModelInfo(nil), staticModels...)
	source := core.ModelSourceStatic

	if fetched, err := a.fetchModels(ctx); err == nil {
		known := make(map[string]bool, len(models))
		for _, m := range models {
			known[m.ID] = true
		}
		for _, m := range fetched {
			if !known[m.ID] {
				models = append(models, m)
			}
		}
		source = core.ModelSourceHybrid
	}

	out := &core.ModelList{Source: source, FetchedAt: time.Now()}
	for _, m := range models {
		if filter.Matches(m) {
			out.Models = append(out.Models, m)
		}
	}
	return out, nil
}

func (a *Anthropic) fetchModels(ctx context.Context) ([]core.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+modelsPath, nil)
	if err != nil {
		return nil, err
	}
	a.setHeaders(httpReq)

	resp, err := a.config.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, core.NewNetworkError("anthropic", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, core.NewNetworkError("anthropic", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, normalize.FromResponse("anthropic", resp, body)
	}

	var wire modelsResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, core.NewConversionError("anthropic", "decoding models response", err)
	}
	models := make([]core.ModelInfo, 0, len(wire.Data))
	for _, entry := range wire.Data {
		models = append(models, core.ModelInfo{
			ID:          entry.ID,
			DisplayName: entry.DisplayName,
			Provider:    "anthropic",
		})
	}
	return models, nil
}

// EstimateCost projects the request cost from the model family pricing
// and the prompt token estimate.
func (a *Anthropic) EstimateCost(req *core.ChatRequest) (*core.CostEstimate, error) {
	model := req.Model()
	if model == "" {
		model = a.config.Model
	}
	cost, ok := costForModel(model)
	if !ok {
		return nil, core.NewValidationError("model", "no pricing data for model "+model)
	}

	promptTokens := 0
	for _, msg := range req.Messages {
		promptTokens += core.EstimateTokens(msg.Text())
	}
	completionTokens := a.config.MaxTokens
	if p := req.Parameters; p != nil && p.MaxTokens != nil {
		completionTokens = *p.MaxTokens
	}

	const million = 1_000_000
	return &core.CostEstimate{
		Currency:        "USD",
		PromptCost:      float64(promptTokens) * cost.prompt / million,
		CompletionCost:  float64(completionTokens) * cost.completion / million,
		EstimatedTokens: promptTokens + completionTokens,
	}, nil
}

func costForModel(model string) (modelCost, bool) {
	for prefix, cost := range modelCosts {
		if strings.HasPrefix(model, prefix) {
			return cost, true
		}
	}
	// Legacy naming keeps the family in the middle, e.g. claude-3-5-haiku.
	for family, cost := range map[string]modelCost{
		"opus": modelCosts["claude-opus"], "sonnet": modelCosts["claude-sonnet"], "haiku": modelCosts["claude-haiku"],
	} {
		if strings.Contains(model, family) {
			return cost, true
		}
	}
	return modelCost{}, false
}
