package router

import (
	"context"
	"sort"
	"strings"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/provider"
)

type Router struct {
	providers       map[string]provider.Provider
	defaultProvider string
	prefixes        []route
}

type route struct {
	prefix     string
	providerID string
}

// defaultRoutes maps model name prefixes to the provider that serves them.
var defaultRoutes = map[string]string{
	"gpt-":       "openai",
	"o1":         "openai",
	"o3":         "openai",
	"o4":         "openai",
	"claude-":    "anthropic",
	"anthropic.": "bedrock",
	"amazon.":    "bedrock",
	"meta.":      "bedrock",
	"llama":      "ollama",
	"mistral":    "ollama",
	"qwen":       "ollama",
}

func New(providers map[string]provider.Provider, defaultProvider string) *Router {
	r := &Router{
		providers:       providers,
		defaultProvider: defaultProvider,
	}
	for prefix, id := range defaultRoutes {
		r.prefixes = append(r.prefixes, route{prefix: prefix, providerID: id})
	}
	// Longest prefix wins.
	sort.Slice(r.prefixes, func(i, j int) bool {
		if len(r.prefixes[i].prefix) != len(r.prefixes[j].prefix) {
			return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
		}
		return r.prefixes[i].prefix < r.prefixes[j].prefix
	})
	return r
}

// SelectProvider resolves an explicit hint first, then the model name, then
// the default provider.
func (r *Router) SelectProvider(ctx context.Context, providerHint string, model string) (provider.Provider, error) {
	if providerHint != "" {
		if p, ok := r.providers[providerHint]; ok {
			return p, nil
		}
		return nil, domain.ErrProviderNotFound
	}

	if p := r.findProviderByModel(model); p != nil {
		return p, nil
	}

	if p, ok := r.providers[r.defaultProvider]; ok {
		return p, nil
	}

	return nil, domain.ErrProviderNotFound
}

func (r *Router) findProviderByModel(model string) provider.Provider {
	for _, rt := range r.prefixes {
		if !strings.HasPrefix(model, rt.prefix) {
			continue
		}
		if p, ok := r.providers[rt.providerID]; ok {
			return p
		}
	}
	return nil
}

func (r *Router) GetProvider(id string) (provider.Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

func (r *Router) ListProviders() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Models aggregates the model lists of every provider, skipping providers
// that fail to answer.
func (r *Router) Models(ctx context.Context) []domain.Model {
	var all []domain.Model
	for _, id := range r.ListProviders() {
		models, err := r.providers[id].Models(ctx)
		if err != nil {
			continue
		}
		all = append(all, models...)
	}
	return all
}
