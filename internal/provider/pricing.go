package provider

import (
	"math"
	"strings"

	gateway "github.com/eugener/capgate/internal"
)

// defaultPricing is consulted only when a model row carries no pricing.
// Keys are model-name prefixes; the longest match wins.
var defaultPricing = map[string]gateway.Pricing{
	"gpt-4o-mini":       {InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006, CachedInputCostPer1K: 0.000075},
	"gpt-4o":            {InputCostPer1K: 0.0025, OutputCostPer1K: 0.01, CachedInputCostPer1K: 0.00125},
	"gpt-4-turbo":       {InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
	"gpt-4":             {InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
	"gpt-3.5-turbo":     {InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015},
	"deepseek-chat":     {InputCostPer1K: 0.00027, OutputCostPer1K: 0.0011, CachedInputCostPer1K: 0.00007},
	"deepseek-reasoner": {InputCostPer1K: 0.00055, OutputCostPer1K: 0.00219, CachedInputCostPer1K: 0.00014},
	"claude-opus":       {InputCostPer1K: 0.015, OutputCostPer1K: 0.075, CachedInputCostPer1K: 0.0015},
	"claude-sonnet":     {InputCostPer1K: 0.003, OutputCostPer1K: 0.015, CachedInputCostPer1K: 0.0003},
	"claude-haiku":      {InputCostPer1K: 0.0008, OutputCostPer1K: 0.004, CachedInputCostPer1K: 0.00008},
	"gemini-2.5-pro":    {InputCostPer1K: 0.00125, OutputCostPer1K: 0.01},
	"gemini-2.5-flash":  {InputCostPer1K: 0.0003, OutputCostPer1K: 0.0025},
	"gemini-2.0-flash":  {InputCostPer1K: 0.0001, OutputCostPer1K: 0.0004},
	"dall-e-3":          {ImageCost: 0.04},
	"dall-e-2":          {ImageCost: 0.02},
	"gpt-image-1":       {ImageCost: 0.042},
	"imagen":            {ImageCost: 0.04},
}

// DefaultPricing returns the built-in rates for model, if any.
func DefaultPricing(model string) (gateway.Pricing, bool) {
	var (
		best    gateway.Pricing
		bestLen int
	)
	for prefix, p := range defaultPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	if bestLen == 0 {
		return gateway.Pricing{}, false
	}
	best.Currency = "USD"
	return best, true
}

// EffectivePricing returns p, or the built-in rates for model when p is unset.
func EffectivePricing(p gateway.Pricing, model string) gateway.Pricing {
	if !p.IsZero() {
		return p
	}
	if def, ok := DefaultPricing(model); ok {
		return def
	}
	return p
}

// TokenCost computes the USD cost of u under p. Cached prompt tokens are
// billed at the cached rate only when both the statistic and the rate are
// known; otherwise every prompt token is billed at the full input rate.
func TokenCost(p gateway.Pricing, u gateway.Usage) float64 {
	prompt := float64(u.PromptTokens)
	var cost float64
	if u.CachedPromptTokens > 0 && p.CachedInputCostPer1K > 0 {
		cached := float64(min(u.CachedPromptTokens, u.PromptTokens))
		cost += (prompt - cached) / 1000 * p.InputCostPer1K
		cost += cached / 1000 * p.CachedInputCostPer1K
	} else {
		cost += prompt / 1000 * p.InputCostPer1K
	}
	cost += float64(u.CompletionTokens) / 1000 * p.OutputCostPer1K
	return RoundUSD(cost)
}

// ImageCost computes the USD cost of n images under p.
func ImageCost(p gateway.Pricing, n int) float64 {
	return RoundUSD(p.ImageCost * float64(n))
}

// RoundUSD rounds to 1e-8 USD, removing float noise from rate arithmetic.
func RoundUSD(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
