// Package bdi implements the belief/desire/intention executor: the
// goal -> plan -> action loop with LLM plan generation, validation-repair,
// failure classification and adaptive recovery.
package bdi

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mindforge-ai/mindforge/core"
)

// Tool is the capability set every action provider implements. Execute
// returns (ok, result); failures the recovery machinery should classify are
// returned as ok=false with a descriptive result, while err is reserved for
// infrastructure problems (context cancellation, I/O).
type Tool interface {
	Execute(ctx context.Context, params map[string]interface{}) (bool, interface{}, error)
	Describe() Manifest
}

// Manifest declares a tool's identity and required parameters.
type Manifest struct {
	ID             string   `yaml:"tool_id" json:"tool_id"`
	Description    string   `yaml:"description" json:"description"`
	RequiredParams []string `yaml:"required_params" json:"required_params"`
}

// ToolEntry is one row of the declarative tool registry manifest.
type ToolEntry struct {
	ID             string   `yaml:"tool_id"`
	Enabled        bool     `yaml:"enabled"`
	Kind           string   `yaml:"kind"`
	Description    string   `yaml:"description"`
	RequiredParams []string `yaml:"required_params"`
}

// ToolFactory builds a tool instance for a manifest entry. Factories are
// registered by kind; there is no runtime import of arbitrary code.
type ToolFactory func(entry ToolEntry, deps ToolDeps) (Tool, error)

// ToolDeps carries the collaborators a factory may inject.
type ToolDeps struct {
	Config *core.Config
	Logger core.Logger
}

// ToolRegistry resolves action types to loaded tool instances.
type ToolRegistry struct {
	mu        sync.RWMutex
	factories map[string]ToolFactory
	tools     map[string]Tool
	logger    core.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger core.Logger) *ToolRegistry {
	return &ToolRegistry{
		factories: make(map[string]ToolFactory),
		tools:     make(map[string]Tool),
		logger:    core.ComponentLogger(logger, "bdi/tools"),
	}
}

// RegisterFactory makes a constructor available under a kind name.
func (r *ToolRegistry) RegisterFactory(kind string, factory ToolFactory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("%w: tool factory kind and constructor are required", core.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("tool factory %s: %w", kind, core.ErrAlreadyRegistered)
	}
	r.factories[kind] = factory
	return nil
}

// RegisterTool installs a pre-built tool instance under its manifest id.
func (r *ToolRegistry) RegisterTool(tool Tool) error {
	manifest := tool.Describe()
	if manifest.ID == "" {
		return fmt.Errorf("%w: tool manifest has no id", core.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[manifest.ID]; exists {
		return fmt.Errorf("tool %s: %w", manifest.ID, core.ErrAlreadyRegistered)
	}
	r.tools[manifest.ID] = tool
	return nil
}

// LoadManifest instantiates every enabled entry of a YAML tool manifest.
// Entries whose factory kind is unknown are logged and skipped; one bad
// tool never blocks the rest.
func (r *ToolRegistry) LoadManifest(path string, deps ToolDeps) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("No tool manifest found, starting with built-in actions only", map[string]interface{}{
				"operation": "tool_manifest_load",
				"path":      path,
			})
			return nil
		}
		return fmt.Errorf("reading tool manifest %s: %w", path, err)
	}

	var manifest struct {
		RegisteredTools []ToolEntry `yaml:"registered_tools"`
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parsing tool manifest %s: %w", path, err)
	}

	for _, entry := range manifest.RegisteredTools {
		if !entry.Enabled {
			continue
		}
		r.mu.RLock()
		factory, ok := r.factories[entry.Kind]
		r.mu.RUnlock()
		if !ok {
			r.logger.Error("Unknown tool kind, skipping", map[string]interface{}{
				"operation": "tool_manifest_load",
				"tool_id":   entry.ID,
				"kind":      entry.Kind,
			})
			continue
		}

		tool, err := factory(entry, deps)
		if err != nil {
			r.logger.Error("Tool initialization failed, skipping", map[string]interface{}{
				"operation": "tool_manifest_load",
				"tool_id":   entry.ID,
				"error":     err.Error(),
			})
			continue
		}
		if err := r.RegisterTool(tool); err != nil {
			r.logger.Error("Tool registration failed, skipping", map[string]interface{}{
				"operation": "tool_manifest_load",
				"tool_id":   entry.ID,
				"error":     err.Error(),
			})
			continue
		}
		r.logger.Info("Tool loaded", map[string]interface{}{
			"operation": "tool_manifest_load",
			"tool_id":   entry.ID,
			"kind":      entry.Kind,
		})
	}
	return nil
}

// Get returns the tool registered under id.
func (r *ToolRegistry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// Manifests returns every loaded tool's manifest, sorted by id.
func (r *ToolRegistry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Manifest, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the loaded tool ids, sorted.
func (r *ToolRegistry) IDs() []string {
	manifests := r.Manifests()
	ids := make([]string, len(manifests))
	for i, m := range manifests {
		ids[i] = m.ID
	}
	return ids
}
