package llms

import (
	"fmt"

	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/registry"
)

// Registry maps model names (as referenced by cascade cells) to providers.
type Registry struct {
	*registry.BaseRegistry[Provider]
	defaultModel string
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

// NewRegistryFromConfig builds providers for every configured model.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()
	r.defaultModel = cfg.DefaultModel

	for name, providerCfg := range cfg.LLMs {
		provider, err := NewProvider(name, providerCfg)
		if err != nil {
			return nil, fmt.Errorf("llm '%s': %w", name, err)
		}
		if err := r.Register(name, provider); err != nil {
			return nil, err
		}
	}

	if r.defaultModel == "" && len(cfg.LLMs) == 1 {
		for name := range cfg.LLMs {
			r.defaultModel = name
		}
	}

	return r, nil
}

// NewProvider constructs a provider from one config entry.
func NewProvider(name string, cfg *config.LLMProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(name, cfg)
	case "ollama":
		// Ollama exposes the OpenAI-compatible chat API; only the default
		// host differs and no API key is required.
		return NewOllamaProvider(name, cfg)
	case "anthropic":
		return NewAnthropicProvider(name, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider type '%s'", cfg.Type)
	}
}

// Resolve returns the provider for a model reference, falling back to the
// default model when the reference is empty.
func (r *Registry) Resolve(model string) (Provider, error) {
	if model == "" {
		model = r.defaultModel
	}
	if model == "" {
		return nil, fmt.Errorf("no model specified and no default model configured")
	}
	provider, ok := r.Get(model)
	if !ok {
		return nil, fmt.Errorf("unknown model '%s'", model)
	}
	return provider, nil
}

// DefaultModel returns the configured default model name.
func (r *Registry) DefaultModel() string {
	return r.defaultModel
}
