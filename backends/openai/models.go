package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/petal-labs/conduit/backends/internal/normalize"
	"github.com/petal-labs/conduit/core"
)

// staticModels is the curated chat model catalog. The live models
// endpoint supplements it when reachable.
var staticModels = []core.ModelInfo{
	{ID: "gpt-4.1", DisplayName: "GPT-4.1", Provider: "openai", ContextTokens: 1047576},
	{ID: "gpt-4.1-mini", DisplayName: "GPT-4.1 Mini", Provider: "openai", ContextTokens: 1047576},
	{ID: "gpt-4.1-nano", DisplayName: "GPT-4.1 Nano", Provider: "openai", ContextTokens: 1047576},
	{ID: "gpt-4o", DisplayName: "GPT-4o", Provider: "openai", ContextTokens: 128000},
	{ID: "gpt-4o-mini", DisplayName: "GPT-4o Mini", Provider: "openai", ContextTokens: 128000},
	{ID: "gpt-4-turbo", DisplayName: "GPT-4 Turbo", Provider: "openai", ContextTokens: 128000},
	{ID: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", Provider: "openai", ContextTokens: 16385},
	{ID: "o3", DisplayName: "o3", Provider: "openai", ContextTokens: 200000},
	{ID: "o3-mini", DisplayName: "o3 Mini", Provider: "openai", ContextTokens: 200000},
	{ID: "o4-mini", DisplayName: "o4 Mini", Provider: "openai", ContextTokens: 200000},
}

// modelCost is USD per million tokens.
type modelCost struct {
	prompt     float64
	completion float64
}

var modelCosts = map[string]modelCost{
	"gpt-4.1":       {prompt: 2.00, completion: 8.00},
	"gpt-4.1-mini":  {prompt: 0.40, completion: 1.60},
	"gpt-4.1-nano":  {prompt: 0.10, completion: 0.40},
	"gpt-4o":        {prompt: 2.50, completion: 10.00},
	"gpt-4o-mini":   {prompt: 0.15, completion: 0.60},
	"gpt-4-turbo":   {prompt: 10.00, completion: 30.00},
	"gpt-3.5-turbo": {prompt: 0.50, completion: 1.50},
	"o3":            {prompt: 2.00, completion: 8.00},
	"o3-mini":       {prompt: 1.10, completion: 4.40},
	"o4-mini":       {prompt: 1.10, completion: 4.40},
}

// ListModels returns the model catalog. The static list is merged with
// the live models endpoint; when the fetch fails the static list alone
// is returned.
func (o *OpenAI) ListModels(ctx context.Context, filter *core.ModelFilter) (*core.ModelList, error) {
	models := append([]core.ModelInfo(nil), staticModels...)
	source := core.ModelSourceStatic

	if fetched, err := o.fetchModels(ctx); err == nil {
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

func (o *OpenAI) fetchModels(ctx context.Context) ([]core.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.config.BaseURL+modelsPath, nil)
	if err != nil {
		return nil, err
	}
	o.setHeaders(httpReq)

	resp, err := o.config.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, core.NewNetworkError("openai", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, core.NewNetworkError("openai", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, normalize.FromResponse("openai", resp, body)
	}

	var wire modelsResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, core.NewConversionError("openai", "decoding models response", err)
	}
	models := make([]core.ModelInfo, 0, len(wire.Data))
	for _, entry := range wire.Data {
		models = append(models, core.ModelInfo{ID: entry.ID, Provider: "openai"})
	}
	return models, nil
}

// EstimateCost projects the request cost from the pricing table and the
// prompt token estimate. Completion cost assumes maxTokens when set,
// otherwise a quarter of the prompt estimate.
func (o *OpenAI) EstimateCost(req *core.ChatRequest) (*core.CostEstimate, error) {
	model := req.Model()
	if model == "" {
		model = o.config.Model
	}
	cost, ok := modelCosts[model]
	if !ok {
		return nil, core.NewValidationError("model", "no pricing data for model "+model)
	}

	promptTokens := 0
	for _, msg := range req.Messages {
		promptTokens += core.EstimateTokens(msg.Text())
	}
	completionTokens := promptTokens / 4
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
