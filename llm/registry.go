package llm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mindforge-ai/mindforge/core"
)

// ProviderFactory builds clients for one provider.
type ProviderFactory interface {
	// Create creates a new client with the given configuration.
	Create(config *ProviderConfig) Client

	// DetectEnvironment checks if this provider can be used with the current
	// environment. Returns priority (higher = preferred) and availability.
	DetectEnvironment() (priority int, available bool)

	// Name returns the provider's name.
	Name() string

	// Description returns a human-readable description.
	Description() string
}

// ProviderConfig holds per-provider connection settings.
type ProviderConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
	Logger         core.Logger
}

// ProviderRegistry manages registered provider factories.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
}

var registry = &ProviderRegistry{
	providers: make(map[string]ProviderFactory),
}

// Register registers a provider factory. Typically called from init()
// functions in provider files.
func Register(factory ProviderFactory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	name := factory.Name()
	if name == "" {
		return fmt.Errorf("factory.Name() cannot be empty")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.providers[name]; exists {
		return fmt.Errorf("provider '%s' already registered", name)
	}
	registry.providers[name] = factory
	return nil
}

// MustRegister registers a provider and panics on error.
func MustRegister(factory ProviderFactory) {
	if err := Register(factory); err != nil {
		panic(fmt.Sprintf("failed to register llm provider: %v", err))
	}
}

// GetProvider retrieves a registered provider by name.
func GetProvider(name string) (ProviderFactory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	factory, exists := registry.providers[name]
	return factory, exists
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.providers))
	for name := range registry.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetectBestProvider returns the highest-priority available provider.
func DetectBestProvider(logger core.Logger) (string, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	type candidate struct {
		name     string
		priority int
	}
	var candidates []candidate

	for name, factory := range registry.providers {
		priority, available := factory.DetectEnvironment()
		if logger != nil {
			logger.Debug("Provider environment check", map[string]interface{}{
				"operation": "llm_provider_check",
				"provider":  name,
				"priority":  priority,
				"available": available,
			})
		}
		if available {
			candidates = append(candidates, candidate{name: name, priority: priority})
		}
	}

	if len(candidates) == 0 {
		if logger != nil {
			logger.Error("No LLM providers detected in environment", map[string]interface{}{
				"operation":         "llm_provider_detection",
				"checked_providers": len(registry.providers),
				"suggestion":        "Set MINDFORGE_LLM_API_KEY or OPENAI_API_KEY",
			})
		}
		return "", fmt.Errorf("no llm provider detected in environment")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].name < candidates[j].name
	})

	return candidates[0].name, nil
}
