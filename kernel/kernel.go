package kernel

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/llm"
	"github.com/mindforge-ai/mindforge/persist"
)

// AgentRegistration records one registered agent. Instance refs are kept
// out of snapshots.
type AgentRegistration struct {
	AgentID      string      `json:"agent_id"`
	Kind         string      `json:"kind"`
	Description  string      `json:"description"`
	Status       string      `json:"status"`
	RegisteredAt time.Time   `json:"registered_at"`
	Instance     interface{} `json:"-"`
}

// Suggestion is one improvement opportunity returned by the system analyzer.
type Suggestion struct {
	Target     string `json:"target_component_path"`
	Suggestion string `json:"suggestion"`
	Priority   int    `json:"priority"`
}

// SystemAnalyzer is the external code-analysis collaborator. Optional;
// every call is guarded.
type SystemAnalyzer interface {
	AnalyzeSystem(ctx context.Context, focusHint string) ([]Suggestion, error)
}

// Campaigner is the strategic evolution entry point the kernel triggers
// after seeding the backlog. Optional; every call is guarded.
type Campaigner interface {
	RunEvolutionCampaign(ctx context.Context, goal string) (map[string]interface{}, error)
}

const kernelAgentID = "kernel"

// Kernel is the process-wide interaction router. It exclusively owns its
// registries, backlog and interaction map; external readers get snapshots.
type Kernel struct {
	cfg    *core.Config
	logger core.Logger
	llm    llm.Client
	bus    *EventBus

	mu           sync.RWMutex
	agents       map[string]*AgentRegistration
	interactions map[string]*Interaction

	backlog  *Backlog
	store    *persist.Store
	heavySem chan struct{}

	analyzer   SystemAnalyzer
	campaigner Campaigner
}

var (
	instance     *Kernel
	instanceOnce sync.Once
)

// Get returns the process-wide kernel, initializing it on first use: the
// LLM handler is created, persisted state loads, and the kernel registers
// itself as an agent.
func Get(ctx context.Context, cfg *core.Config) (*Kernel, error) {
	var initErr error
	instanceOnce.Do(func() {
		instance, initErr = newKernel(ctx, cfg, true)
	})
	if initErr != nil {
		return nil, initErr
	}
	return instance, nil
}

// NewTestKernel returns a fresh, isolated kernel for tests. The provided
// client may be nil, in which case query handling reports an error.
func NewTestKernel(cfg *core.Config, client llm.Client) *Kernel {
	k, _ := newKernel(context.Background(), cfg, false)
	k.llm = client
	return k
}

func newKernel(ctx context.Context, cfg *core.Config, connectLLM bool) (*Kernel, error) {
	if cfg == nil {
		var err error
		cfg, err = core.NewConfig()
		if err != nil {
			return nil, err
		}
	}
	logger := core.ComponentLogger(cfg.Logger(), "kernel")

	heavy := cfg.Kernel.MaxConcurrentHeavyTasks
	if heavy < 1 {
		heavy = 1
	}

	store := persist.NewStore(cfg.DataDir, cfg.Logger())
	k := &Kernel{
		cfg:          cfg,
		logger:       logger,
		bus:          NewEventBus(cfg.Logger()),
		agents:       make(map[string]*AgentRegistration),
		interactions: make(map[string]*Interaction),
		backlog:      NewBacklog(store, cfg.Logger()),
		store:        store,
		heavySem:     make(chan struct{}, heavy),
	}

	if connectLLM {
		dispatcher, err := llm.NewDispatcherFromConfig(cfg, cfg.Logger())
		if err != nil {
			logger.Warn("LLM dispatch unavailable, query handling degraded", map[string]interface{}{
				"operation": "kernel_init",
				"error":     err.Error(),
			})
		} else {
			k.llm = dispatcher
		}
	}

	if err := k.RegisterAgent(kernelAgentID, "kernel", "Core interaction router", k); err != nil {
		return nil, err
	}

	logger.Info("Kernel initialized", map[string]interface{}{
		"operation":   "kernel_init",
		"heavy_tasks": heavy,
		"data_dir":    cfg.DataDir,
	})
	return k, nil
}

// SetSystemAnalyzer attaches the external analyzer collaborator.
func (k *Kernel) SetSystemAnalyzer(analyzer SystemAnalyzer) { k.analyzer = analyzer }

// SetCampaigner attaches the strategic evolution collaborator.
func (k *Kernel) SetCampaigner(campaigner Campaigner) { k.campaigner = campaigner }

// Backlog exposes the improvement backlog.
func (k *Kernel) Backlog() *Backlog { return k.backlog }

// Bus exposes the event bus.
func (k *Kernel) Bus() *EventBus { return k.bus }

// Config exposes the kernel's configuration.
func (k *Kernel) Config() *core.Config { return k.cfg }

// RegisterAgent records an agent. Identity is unique.
func (k *Kernel) RegisterAgent(agentID, kind, description string, instanceRef interface{}) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent id is empty", core.ErrInvalidInput)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.agents[agentID]; exists {
		return fmt.Errorf("agent %s: %w", agentID, core.ErrAlreadyRegistered)
	}
	k.agents[agentID] = &AgentRegistration{
		AgentID:      agentID,
		Kind:         kind,
		Description:  description,
		Status:       "active",
		RegisteredAt: time.Now(),
		Instance:     instanceRef,
	}

	k.logger.Info("Agent registered", map[string]interface{}{
		"operation": "agent_register",
		"agent_id":  agentID,
		"kind":      kind,
	})
	return nil
}

// DeregisterAgent removes an agent registration. Only the registration is
// removed; the registered instance is not stopped.
func (k *Kernel) DeregisterAgent(agentID string) error {
	if agentID == kernelAgentID {
		return fmt.Errorf("%w: the kernel cannot deregister itself", core.ErrInvalidInput)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.agents[agentID]; !exists {
		return fmt.Errorf("agent %s: %w", agentID, core.ErrNotFound)
	}
	delete(k.agents, agentID)

	k.logger.Info("Agent deregistered", map[string]interface{}{
		"operation": "agent_deregister",
		"agent_id":  agentID,
	})
	return nil
}

// Agents returns a snapshot of registrations without instance refs.
func (k *Kernel) Agents() []AgentRegistration {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]AgentRegistration, 0, len(k.agents))
	for _, reg := range k.agents {
		clone := *reg
		clone.Instance = nil
		out = append(out, clone)
	}
	return out
}

// Agent returns one registration's instance ref, when present.
func (k *Kernel) Agent(agentID string) (interface{}, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	reg, ok := k.agents[agentID]
	if !ok {
		return nil, false
	}
	return reg.Instance, true
}

// Subscribe registers an event callback.
func (k *Kernel) Subscribe(topic string, callback Subscriber) {
	k.bus.Subscribe(topic, callback)
}

// PublishEvent publishes to the event bus.
func (k *Kernel) PublishEvent(ctx context.Context, topic string, data map[string]interface{}) {
	k.bus.Publish(ctx, topic, data)
}

// Interaction returns a snapshot of one interaction.
func (k *Kernel) Interaction(id string) (*Interaction, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	i, ok := k.interactions[id]
	if !ok {
		return nil, false
	}
	return i.Snapshot(), true
}

// HandleInput creates an interaction from an inbound request and processes
// it to completion.
func (k *Kernel) HandleInput(ctx context.Context, content, userID string, kind Kind, metadata map[string]interface{}) (*Interaction, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("%w: unknown interaction kind %q", core.ErrInvalidInput, kind)
	}
	if content == "" {
		return nil, fmt.Errorf("%w: interaction content is empty", core.ErrInvalidInput)
	}

	interaction := &Interaction{
		ID:        core.NewID("intr"),
		Kind:      kind,
		Content:   content,
		UserID:    userID,
		Metadata:  metadata,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	k.mu.Lock()
	k.interactions[interaction.ID] = interaction
	k.mu.Unlock()

	return k.ProcessInteraction(ctx, interaction)
}

// ProcessInteraction dispatches a pending interaction to its handler. A
// handler panic never reaches the caller: it is recovered and recorded on
// the interaction as an INTERNAL_ERROR failure. Handler failures are
// recorded on the interaction with their own error kind; an interaction
// that is not pending is rejected with an INVALID_INPUT error.
func (k *Kernel) ProcessInteraction(ctx context.Context, interaction *Interaction) (out *Interaction, err error) {
	if interaction.Status != StatusPending {
		return interaction.Snapshot(), fmt.Errorf("%w: interaction %s is %s, not pending",
			core.ErrInvalidInput, interaction.ID, interaction.Status)
	}

	ctx = core.WithRequestID(ctx, interaction.ID)
	if timeout := k.cfg.DirectiveTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	k.mu.Lock()
	transitionErr := interaction.transition(StatusInProgress)
	k.mu.Unlock()
	if transitionErr != nil {
		return interaction.Snapshot(), transitionErr
	}

	k.logger.InfoWithContext(ctx, "Processing interaction", map[string]interface{}{
		"operation": "interaction_process",
		"id":        interaction.ID,
		"kind":      string(interaction.Kind),
	})

	defer func() {
		if r := recover(); r != nil {
			k.logger.ErrorWithContext(ctx, "Handler panicked", map[string]interface{}{
				"operation": "interaction_process",
				"id":        interaction.ID,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			k.failInteraction(interaction, core.KindInternal, fmt.Sprintf("internal error: %v", r))
			out = interaction.Snapshot()
			err = nil
		}
	}()

	switch interaction.Kind {
	case KindQuery:
		k.handleQuery(ctx, interaction)
	case KindSystemAnalysis:
		k.handleSystemAnalysis(ctx, interaction)
	case KindComponentImprovement:
		k.handleComponentImprovement(ctx, interaction)
	case KindPublishEvent:
		k.handlePublishEvent(ctx, interaction)
	default:
		// agent_registration is served by the imperative API, not here.
		k.failInteraction(interaction, core.KindInvalidInput,
			fmt.Sprintf("no handler for interaction kind %q", interaction.Kind))
	}

	return interaction.Snapshot(), nil
}

func (k *Kernel) completeInteraction(i *Interaction, response interface{}) {
	k.mu.Lock()
	defer k.mu.Unlock()
	i.Response = response
	if err := i.transition(StatusCompleted); err != nil {
		k.logger.Error("Invalid interaction transition", map[string]interface{}{
			"operation": "interaction_complete",
			"id":        i.ID,
			"error":     err.Error(),
		})
	}
}

func (k *Kernel) failInteraction(i *Interaction, kind, message string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	i.Error = fmt.Sprintf("%s: %s", kind, message)
	if err := i.transition(StatusFailed); err != nil {
		k.logger.Error("Invalid interaction transition", map[string]interface{}{
			"operation": "interaction_fail",
			"id":        i.ID,
			"error":     err.Error(),
		})
	}
}

// Shutdown logs the kernel's exit. Background loops (the audit scheduler)
// are owned by their packages and stop with their own contexts.
func (k *Kernel) Shutdown() {
	k.logger.Info("Kernel shut down", map[string]interface{}{
		"operation": "kernel_shutdown",
	})
}

// ResetForTest clears the process-wide singleton. Test hook only.
func ResetForTest() {
	instance = nil
	instanceOnce = sync.Once{}
}
