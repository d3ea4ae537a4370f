package usage

import (
	"strings"

	"llmrelay/internal/config"
)

// Delta is the token breakdown of one completed request.
type Delta struct {
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
}

// Total is the billable token sum across all four classes.
func (d Delta) Total() int64 {
	return d.InputTokens + d.OutputTokens + d.CacheCreateTokens + d.CacheReadTokens
}

// Pricing maps model names to per-1k-token USD rates.
type Pricing struct {
	models map[string]config.ModelPrice
}

// NewPricing builds the price table from config.
func NewPricing(models map[string]config.ModelPrice) *Pricing {
	if models == nil {
		models = map[string]config.ModelPrice{}
	}
	return &Pricing{models: models}
}

// Cost computes the USD cost of a delta. Unknown models cost zero; cached
// reads are priced on their own rate, not the input rate.
func (p *Pricing) Cost(model string, d Delta) float64 {
	price, ok := p.lookup(model)
	if !ok {
		return 0
	}
	per1k := func(tokens int64, rate float64) float64 {
		return float64(tokens) / 1000 * rate
	}
	return per1k(d.InputTokens, price.Input) +
		per1k(d.OutputTokens, price.Output) +
		per1k(d.CacheCreateTokens, price.CacheCreate) +
		per1k(d.CacheReadTokens, price.CacheRead)
}

// lookup resolves a model to its price entry, falling back to the longest
// configured prefix so dated variants (claude-sonnet-4-20250514) price like
// their base model.
func (p *Pricing) lookup(model string) (config.ModelPrice, bool) {
	if price, ok := p.models[model]; ok {
		return price, true
	}
	var (
		best    string
		found   bool
		bestLen int
	)
	for name := range p.models {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			best, bestLen, found = name, len(name), true
		}
	}
	if !found {
		return config.ModelPrice{}, false
	}
	return p.models[best], true
}
