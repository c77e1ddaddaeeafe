// Package cost converts token usage into credits.
package cost

import (
	"sort"
	"strings"
	"sync"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/shopspring/decimal"
)

// Pricing is expressed in credits per 1K tokens. One credit is one
// thousandth of a US dollar.
type Pricing struct {
	PromptPer1K     decimal.Decimal
	CompletionPer1K decimal.Decimal
}

func price(prompt, completion string) Pricing {
	return Pricing{
		PromptPer1K:     decimal.RequireFromString(prompt),
		CompletionPer1K: decimal.RequireFromString(completion),
	}
}

// Keys are model prefixes; the longest matching prefix wins, so dated
// snapshots ("gpt-4o-2024-08-06") price like their family.
var defaultPricing = map[string]Pricing{
	"gpt-4":             price("30", "60"),
	"gpt-4-turbo":       price("10", "30"),
	"gpt-4o":            price("5", "15"),
	"gpt-4o-mini":       price("0.15", "0.6"),
	"gpt-3.5-turbo":     price("0.5", "1.5"),
	"o1":                price("15", "60"),
	"o3-mini":           price("1.1", "4.4"),
	"claude-3-5-sonnet": price("3", "15"),
	"claude-3-5-haiku":  price("1", "5"),
	"claude-3-opus":     price("15", "75"),
	"claude-3-haiku":    price("0.25", "1.25"),
	"claude-sonnet-4":   price("3", "15"),
	"anthropic.claude":  price("3", "15"),
}

var thousand = decimal.NewFromInt(1000)

type Calculator struct {
	mu       sync.RWMutex
	pricing  map[string]Pricing
	prefixes []string
}

func NewCalculator() *Calculator {
	c := &Calculator{pricing: make(map[string]Pricing, len(defaultPricing))}
	for model, p := range defaultPricing {
		c.pricing[model] = p
	}
	c.sortPrefixes()
	return c
}

// Credits returns the charge for usage on model. Unknown models, including
// locally hosted ones, are free.
func (c *Calculator) Credits(model string, usage domain.Usage) decimal.Decimal {
	p, ok := c.lookup(model)
	if !ok {
		return decimal.Zero
	}

	prompt := decimal.NewFromInt(usage.PromptTokens).Mul(p.PromptPer1K)
	completion := decimal.NewFromInt(usage.CompletionTokens).Mul(p.CompletionPer1K)
	return prompt.Add(completion).Div(thousand).Round(6)
}

func (c *Calculator) SetPricing(model string, p Pricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = p
	c.sortPrefixes()
}

func (c *Calculator) lookup(model string) (Pricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(model, prefix) {
			return c.pricing[prefix], true
		}
	}
	return Pricing{}, false
}

// sortPrefixes must be called with mu held.
func (c *Calculator) sortPrefixes() {
	c.prefixes = c.prefixes[:0]
	for model := range c.pricing {
		c.prefixes = append(c.prefixes, model)
	}
	sort.Slice(c.prefixes, func(i, j int) bool {
		if len(c.prefixes[i]) != len(c.prefixes[j]) {
			return len(c.prefixes[i]) > len(c.prefixes[j])
		}
		return c.prefixes[i] < c.prefixes[j]
	})
}
