package provider

import (
	"fmt"
	"sort"
)

// Tier buckets models by price.
type Tier string

const (
	TierFree       Tier = "free"
	TierUltraCheap Tier = "ultra_cheap"
	TierCheap      Tier = "cheap"
	TierPremium    Tier = "premium"
)

// tierOrder ranks tiers for gentle upgrades.
var tierOrder = []Tier{TierFree, TierUltraCheap, TierCheap, TierPremium}

// Model describes one selectable gateway model.
type Model struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Tier          Tier    `json:"tier"`
	InputPer1M    float64 `json:"input_per_1m"`  // USD per 1M prompt tokens
	OutputPer1M   float64 `json:"output_per_1m"` // USD per 1M completion tokens
	Intelligence  int     `json:"intelligence"`  // 1-10, display only
	ContextTokens int     `json:"context_tokens"`
}

// Free reports whether the model costs nothing.
func (m Model) Free() bool { return m.InputPer1M == 0 && m.OutputPer1M == 0 }

// Cost computes the USD cost of one call.
func (m Model) Cost(u Usage) float64 {
	return float64(u.PromptTokens)/1e6*m.InputPer1M + float64(u.CompletionTokens)/1e6*m.OutputPer1M
}

// Catalog is the configured model set.
type Catalog struct {
	models []Model
	byID   map[string]Model
}

// NewCatalog builds a catalog from a model list.
func NewCatalog(models []Model) *Catalog {
	byID := make(map[string]Model, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	return &Catalog{models: models, byID: byID}
}

// DefaultCatalog returns the built-in model set.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Model{
		{ID: "meta-llama/llama-3.3-70b-instruct:free", Name: "Llama 3.3 70B (free)", Tier: TierFree, Intelligence: 6, ContextTokens: 128000},
		{ID: "google/gemini-2.0-flash-exp:free", Name: "Gemini Flash (free)", Tier: TierFree, Intelligence: 6, ContextTokens: 1000000},
		{ID: "mistralai/mistral-small-3.1", Name: "Mistral Small", Tier: TierUltraCheap, InputPer1M: 0.10, OutputPer1M: 0.30, Intelligence: 6, ContextTokens: 128000},
		{ID: "deepseek/deepseek-chat-v3", Name: "DeepSeek Chat", Tier: TierUltraCheap, InputPer1M: 0.27, OutputPer1M: 1.10, Intelligence: 7, ContextTokens: 64000},
		{ID: "anthropic/claude-3.5-haiku", Name: "Claude 3.5 Haiku", Tier: TierCheap, InputPer1M: 0.80, OutputPer1M: 4.00, Intelligence: 7, ContextTokens: 200000},
		{ID: "openai/gpt-4o-mini", Name: "GPT-4o mini", Tier: TierCheap, InputPer1M: 0.15, OutputPer1M: 0.60, Intelligence: 7, ContextTokens: 128000},
		{ID: "anthropic/claude-sonnet-4", Name: "Claude Sonnet 4", Tier: TierPremium, InputPer1M: 3.00, OutputPer1M: 15.00, Intelligence: 9, ContextTokens: 200000},
	})
}

// ByID looks up one model.
func (c *Catalog) ByID(id string) (Model, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// Models returns every model.
func (c *Catalog) Models() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// Tier returns the models in one tier.
func (c *Catalog) Tier(t Tier) []Model {
	var out []Model
	for _, m := range c.models {
		if m.Tier == t {
			out = append(out, m)
		}
	}
	return out
}

// Cheapest returns the cheapest paid model, or the first free one when no
// paid models are configured.
func (c *Catalog) Cheapest() Model {
	paid := c.paidByCost()
	if len(paid) > 0 {
		return paid[0]
	}
	if len(c.models) > 0 {
		return c.models[0]
	}
	return Model{}
}

func (c *Catalog) paidByCost() []Model {
	var paid []Model
	for _, m := range c.models {
		if !m.Free() {
			paid = append(paid, m)
		}
	}
	sort.Slice(paid, func(i, j int) bool {
		return paid[i].InputPer1M+paid[i].OutputPer1M < paid[j].InputPer1M+paid[j].OutputPer1M
	})
	return paid
}

// Affordable returns models whose estimated call cost fits the balance.
func (c *Catalog) Affordable(balanceUSD float64, estimatedTokens int) []Model {
	var out []Model
	for _, m := range c.models {
		if m.Free() {
			out = append(out, m)
			continue
		}
		avg := (m.InputPer1M + m.OutputPer1M) / 2
		if float64(estimatedTokens)/1e6*avg <= balanceUSD {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Intelligence > out[j].Intelligence })
	return out
}

// tierRank returns the position of a tier in the upgrade order.
func tierRank(t Tier) int {
	for i, v := range tierOrder {
		if v == t {
			return i
		}
	}
	return 0
}

// Validate checks the catalog is usable.
func (c *Catalog) Validate() error {
	if len(c.models) == 0 {
		return fmt.Errorf("catalog is empty")
	}
	for _, m := range c.models {
		if m.ID == "" {
			return fmt.Errorf("model with empty id")
		}
	}
	return nil
}
