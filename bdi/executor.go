package bdi

import (
	"context"
	"fmt"
	"time"

	"github.com/mindforge-ai/mindforge/beliefs"
	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/goals"
	"github.com/mindforge-ai/mindforge/llm"
	"github.com/mindforge-ai/mindforge/plan"
)

// CampaignRunner is the strategic layer hook used by the
// EXECUTE_STRATEGIC_EVOLUTION_CAMPAIGN action. Implemented by the evolution
// coordinator; always nil-guarded.
type CampaignRunner interface {
	RunEvolutionCampaign(ctx context.Context, goal string) (map[string]interface{}, error)
}

// LessonSink receives one-line lessons from recovery attempts.
type LessonSink interface {
	AddLesson(lesson string)
}

// EventPublisher lets the executor announce escalations and aborts on the
// kernel's event bus. Optional; beliefs are always written regardless.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, data map[string]interface{})
}

// RunStatus is the terminal state of one BDI run.
type RunStatus string

const (
	RunCompletedGoal  RunStatus = "COMPLETED_GOAL_ACHIEVED"
	RunCompletedIdle  RunStatus = "COMPLETED_IDLE"
	RunFailedPlanning RunStatus = "FAILED_PLANNING"
	RunFailedRecovery RunStatus = "FAILED_RECOVERY"
	RunTimedOut       RunStatus = "TIMED_OUT"
	RunCancelled      RunStatus = "CANCELLED"
)

// Executor drives the perceive/deliberate/plan/act/learn loop for one agent.
type Executor struct {
	agentID       string
	cfg           core.BDIConfig
	beliefs       beliefs.Store
	goalSet       *goals.Set
	planMgr       *plan.Manager
	planner       *Planner
	tools         *ToolRegistry
	analyzer      *FailureAnalyzer
	llm           llm.Client
	lessons       LessonSink
	campaigns     CampaignRunner
	events        EventPublisher
	logger        core.Logger
	workspaceRoot string

	internalActions map[string]ActionHandler

	primaryGoalID string
	currentPlanID map[string]string // goal id -> plan id
}

// Options wires an Executor's collaborators.
type Options struct {
	AgentID   string
	Config    core.BDIConfig
	Beliefs   beliefs.Store
	LLM       llm.Client
	Tools     *ToolRegistry
	Lessons   LessonSink
	Campaigns CampaignRunner
	Events    EventPublisher
	PathRules map[string]string
	PlanCfg   core.PlanConfig
	Logger    core.Logger
}

// New creates a BDI executor.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if opts.Beliefs == nil {
		opts.Beliefs = beliefs.NewMemoryStore()
	}
	if opts.Tools == nil {
		opts.Tools = NewToolRegistry(logger)
	}

	e := &Executor{
		agentID:       opts.AgentID,
		cfg:           opts.Config,
		beliefs:       opts.Beliefs,
		goalSet:       goals.NewSet(logger),
		tools:         opts.Tools,
		analyzer:      NewFailureAnalyzer(logger),
		llm:           opts.LLM,
		lessons:       opts.Lessons,
		campaigns:     opts.Campaigns,
		events:        opts.Events,
		logger:        core.ComponentLogger(logger, "bdi/"+opts.AgentID),
		workspaceRoot: opts.Config.WorkspaceRoot,
		currentPlanID: make(map[string]string),
	}
	if e.workspaceRoot == "" {
		e.workspaceRoot = "."
	}

	e.planMgr = plan.NewManager(opts.AgentID, e.executeAction, opts.PlanCfg, logger)
	e.planner = NewPlanner(opts.LLM, opts.Config.MaxRepairAttempts, opts.PathRules, logger)
	e.installInternalActions()
	return e
}

// Goals exposes the executor's goal set.
func (e *Executor) Goals() *goals.Set { return e.goalSet }

// Plans exposes the executor's plan manager.
func (e *Executor) Plans() *plan.Manager { return e.planMgr }

// Analyzer exposes the failure analyzer, mainly for tests and status.
func (e *Executor) Analyzer() *FailureAnalyzer { return e.analyzer }

// SetGoal adds a goal; the first primary goal ends the run when achieved.
func (e *Executor) SetGoal(description string, priority int, primary bool, opts ...goals.AddOption) (*goals.Goal, error) {
	goal, err := e.goalSet.Add(description, priority, opts...)
	if err != nil {
		return nil, err
	}
	if primary && e.primaryGoalID == "" {
		e.primaryGoalID = goal.ID
	}
	return goal, nil
}

// SetPlan installs a pre-built plan for a goal, bypassing LLM generation.
func (e *Executor) SetPlan(goalID string, descriptors []plan.Descriptor, description string) (*plan.Plan, error) {
	p, err := e.planMgr.Create(goalID, descriptors, description, e.agentID)
	if err != nil {
		return nil, err
	}
	e.currentPlanID[goalID] = p.ID
	e.goalSet.SetPlanID(goalID, p.ID)
	return p, nil
}

// Perceive ingests external input as environment beliefs and invalidates
// plans whose goal is no longer live.
func (e *Executor) Perceive(ctx context.Context, externalInput map[string]interface{}) {
	for key, value := range externalInput {
		if err := e.beliefs.Add(ctx, "environment."+key, value, 1.0, beliefs.SourcePerception, 0); err != nil {
			e.logger.Warn("Failed to record perception", map[string]interface{}{
				"operation": "bdi_perceive",
				"key":       key,
				"error":     err.Error(),
			})
		}
	}

	for goalID, planID := range e.currentPlanID {
		goal := e.goalSet.Get(goalID)
		p := e.planMgr.Get(planID)
		if p == nil || p.Status != plan.StatusReady {
			continue
		}
		if goal == nil || goal.Status.Terminal() {
			e.planMgr.UpdateStatus(planID, plan.StatusCancelled, "goal no longer live")
			delete(e.currentPlanID, goalID)
		}
	}
}

// Run executes BDI cycles until there are no actionable goals, the primary
// goal completes, recovery fails, or the cycle budget is exhausted.
func (e *Executor) Run(ctx context.Context, externalInput map[string]interface{}) (RunStatus, error) {
	runID := core.NewID("run")
	maxCycles := e.cfg.MaxCycles
	if maxCycles < 1 {
		maxCycles = 100
	}

	e.logger.Info("BDI run starting", map[string]interface{}{
		"operation":  "bdi_run",
		"run_id":     runID,
		"max_cycles": maxCycles,
	})
	e.Perceive(ctx, externalInput)

	for cycle := 1; cycle <= maxCycles; cycle++ {
		if ctx.Err() != nil {
			return RunCancelled, ctx.Err()
		}
		if cycle > 1 {
			e.Perceive(ctx, nil)
		}

		goal := e.goalSet.NextActionable()
		if goal == nil {
			e.logger.Info("No actionable goals, run idle", map[string]interface{}{
				"operation": "bdi_run",
				"run_id":    runID,
				"cycle":     cycle,
			})
			return RunCompletedIdle, nil
		}

		e.logger.Info("Deliberation selected goal", map[string]interface{}{
			"operation": "bdi_deliberate",
			"run_id":    runID,
			"cycle":     cycle,
			"goal_id":   goal.ID,
			"priority":  goal.Priority,
		})

		p := e.readyPlanFor(goal.ID)
		if p == nil {
			var err error
			p, err = e.planForGoal(ctx, goal)
			if err != nil {
				e.goalSet.UpdateStatus(goal.ID, goals.StatusFailedPlanning, err.Error())
				if e.recoverFromFailure(ctx, FailureContext{
					Reason:       err.Error(),
					FailedAction: &FailedAction{Kind: "plan"},
					GoalID:       goal.ID,
				}, goal) {
					continue
				}
				return RunFailedPlanning, err
			}
		}

		e.goalSet.UpdateStatus(goal.ID, goals.StatusActive, "")
		e.goalSet.IncrementAttempts(goal.ID)

		executed, err := e.planMgr.Execute(ctx, p.ID)
		if err != nil {
			return RunFailedRecovery, err
		}

		switch executed.Status {
		case plan.StatusCompletedSuccess:
			e.goalSet.UpdateStatus(goal.ID, goals.StatusCompletedSuccess, "")
			delete(e.currentPlanID, goal.ID)
			e.logger.Info("Goal achieved", map[string]interface{}{
				"operation": "bdi_run",
				"run_id":    runID,
				"goal_id":   goal.ID,
				"plan_id":   executed.ID,
			})
			if goal.ID == e.primaryGoalID {
				return RunCompletedGoal, nil
			}

		case plan.StatusCancelled:
			return RunCancelled, ctx.Err()

		default:
			fc := e.failureContext(executed, goal)
			e.analyzer.RecordFailure(fc)
			if !e.recoverFromFailure(ctx, fc, goal) {
				e.goalSet.UpdateStatus(goal.ID, goals.StatusFailedExecution, fc.Reason)
				e.logger.Error("Recovery failed, halting run", map[string]interface{}{
					"operation": "bdi_run",
					"run_id":    runID,
					"goal_id":   goal.ID,
					"reason":    fc.Reason,
				})
				return RunFailedRecovery, fmt.Errorf("recovery exhausted for goal %s: %s", goal.ID, fc.Reason)
			}
		}
	}

	e.logger.Warn("Cycle budget exhausted", map[string]interface{}{
		"operation": "bdi_run",
		"run_id":    runID,
	})
	return RunTimedOut, nil
}

// readyPlanFor returns the goal's current plan when it is still executable.
func (e *Executor) readyPlanFor(goalID string) *plan.Plan {
	planID, ok := e.currentPlanID[goalID]
	if !ok {
		return nil
	}
	p := e.planMgr.Get(planID)
	if p == nil || (p.Status != plan.StatusReady && p.Status != plan.StatusPaused) {
		return nil
	}
	return p
}

// planForGoal generates and registers a plan for the goal.
func (e *Executor) planForGoal(ctx context.Context, goal *goals.Goal) (*plan.Plan, error) {
	manifest := e.actionManifest()
	descriptors, err := e.planner.GeneratePlan(ctx, goal, manifest)
	if err != nil {
		return nil, err
	}
	return e.SetPlan(goal.ID, descriptors, "Plan for: "+goal.Description)
}

// actionManifest unions the internal action specs with the loaded tools.
func (e *Executor) actionManifest() []ActionSpec {
	specs := e.internalActionSpecs()
	for _, m := range e.tools.Manifests() {
		specs = append(specs, ActionSpec{
			Type:           m.ID,
			Description:    m.Description,
			RequiredParams: m.RequiredParams,
		})
	}
	return specs
}

// executeAction is the plan manager's executor callback: internal action
// table first, then loaded tools, else a TOOL_UNAVAILABLE failure.
func (e *Executor) executeAction(ctx context.Context, action *plan.Action) (bool, interface{}) {
	e.logger.Info("Executing action", map[string]interface{}{
		"operation": "bdi_action",
		"action_id": action.ID,
		"type":      action.Type,
	})

	if handler, ok := e.internalActions[action.Type]; ok {
		return handler(ctx, action)
	}

	if tool, ok := e.tools.Get(action.Type); ok {
		ok, result, err := tool.Execute(ctx, action.Params)
		if err != nil {
			return false, fmt.Sprintf("tool execution error: %v", err)
		}
		return ok, result
	}

	return false, fmt.Sprintf("tool %q not found among internal actions or loaded tools", action.Type)
}

// failureContext derives a FailureContext from a failed plan.
func (e *Executor) failureContext(p *plan.Plan, goal *goals.Goal) FailureContext {
	fc := FailureContext{
		Reason: p.FailureReason,
		GoalID: goal.ID,
		PlanID: p.ID,
	}
	for _, a := range p.Actions {
		if a.Status == plan.ActionFailed {
			fc.FailedAction = &FailedAction{ID: a.ID, Type: a.Type, Kind: "action_execution"}
			if a.ErrorMessage != "" {
				fc.Reason = a.ErrorMessage
			}
			break
		}
	}
	if fc.Reason == "" {
		fc.Reason = "plan execution failed"
	}
	return fc
}

// recoverFromFailure classifies the failure, applies the selected strategy
// and records the outcome. It returns true when the loop may continue.
func (e *Executor) recoverFromFailure(ctx context.Context, fc FailureContext, goal *goals.Goal) bool {
	failureType := e.analyzer.Classify(fc)
	strategy := e.analyzer.SelectStrategy(failureType)

	e.logger.Info("Applying recovery strategy", map[string]interface{}{
		"operation":    "bdi_recover",
		"goal_id":      goal.ID,
		"failure_type": string(failureType),
		"strategy":     string(strategy),
	})

	var recovered bool
	switch strategy {
	case RecoveryRetryWithDelay:
		recovered = e.retryWithDelay(ctx, fc, goal)
	case RecoveryAlternativeTool:
		recovered = e.tryAlternativeTool(fc, goal)
	case RecoverySimplifiedApproach:
		recovered = e.simplifyApproach(fc, goal)
	case RecoveryEscalate:
		recovered = e.escalate(ctx, fc, goal)
	case RecoveryFallbackManual:
		recovered = e.fallbackManual(fc, goal)
	default:
		recovered = e.abortGracefully(ctx, fc, goal)
	}

	e.analyzer.RecordRecoveryOutcome(failureType, strategy, recovered)
	if e.lessons != nil {
		outcome := "FAILURE"
		if recovered {
			outcome = "SUCCESS"
		}
		e.lessons.AddLesson(fmt.Sprintf("Failure type %s with strategy %s: %s",
			failureType, strategy, outcome))
	}
	return recovered
}

// maxGoalAttempts bounds retry-style recoveries so a persistently failing
// goal cannot consume the whole cycle budget.
const maxGoalAttempts = 3

func (e *Executor) retryWithDelay(ctx context.Context, fc FailureContext, goal *goals.Goal) bool {
	if current := e.goalSet.Get(goal.ID); current != nil && current.AttemptCount >= maxGoalAttempts {
		return false
	}

	delay := time.Duration(e.cfg.RecoveryDelaySeconds * float64(time.Second))
	if delay <= 0 {
		delay = 5 * time.Second
	}

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
	}

	if fc.PlanID == "" {
		return false
	}
	if ok := e.planMgr.ResetForRetry(fc.PlanID); ok {
		e.goalSet.UpdateStatus(goal.ID, goals.StatusPending, "")
		return true
	}
	return false
}

func (e *Executor) tryAlternativeTool(fc FailureContext, goal *goals.Goal) bool {
	if fc.FailedAction == nil || fc.PlanID == "" {
		return false
	}
	if current := e.goalSet.Get(goal.ID); current != nil && current.AttemptCount >= maxGoalAttempts {
		return false
	}

	var alternative string
	for _, id := range e.tools.IDs() {
		if id != fc.FailedAction.Type {
			alternative = id
			break
		}
	}
	if alternative == "" {
		return false
	}

	p := e.planMgr.Get(fc.PlanID)
	if p == nil {
		return false
	}
	action := p.Action(fc.FailedAction.ID)
	if action == nil {
		return false
	}

	e.logger.Info("Switching failed action to alternative tool", map[string]interface{}{
		"operation": "bdi_recover",
		"action_id": action.ID,
		"from":      fc.FailedAction.Type,
		"to":        alternative,
	})
	action.Type = alternative

	if e.planMgr.ResetForRetry(fc.PlanID) {
		e.goalSet.UpdateStatus(goal.ID, goals.StatusPending, "")
		return true
	}
	return false
}

func (e *Executor) simplifyApproach(fc FailureContext, goal *goals.Goal) bool {
	priority := goal.Priority + 1
	simplified, err := e.goalSet.Add(
		"Simplified approach: "+goal.Description,
		priority,
		goals.WithSource("bdi_recovery"),
		goals.WithMetadata(map[string]interface{}{
			"simplified":       true,
			"original_goal":    goal.ID,
			"original_failure": fc.Reason,
		}),
	)
	if err != nil {
		return false
	}
	e.goalSet.UpdateStatus(goal.ID, goals.StatusCancelled,
		"superseded by simplified goal "+simplified.ID)
	delete(e.currentPlanID, goal.ID)
	return true
}

func (e *Executor) escalate(ctx context.Context, fc FailureContext, goal *goals.Goal) bool {
	escalation := map[string]interface{}{
		"type":        "failure_escalation",
		"bdi_failure": fc.Reason,
		"goal_id":     goal.ID,
		"goal":        goal.Description,
		"plan_id":     fc.PlanID,
		"timestamp":   time.Now().Unix(),
	}
	key := "escalation.bdi_failure." + e.agentID
	if err := e.beliefs.Add(ctx, key, escalation, 1.0, beliefs.SourcePerception, 0); err != nil {
		e.logger.Error("Failed to record escalation belief", map[string]interface{}{
			"operation": "bdi_recover",
			"key":       key,
			"error":     err.Error(),
		})
		return false
	}

	if e.events != nil {
		e.events.Publish(ctx, key, escalation)
	}

	e.goalSet.UpdateStatus(goal.ID, goals.StatusFailedExecution, "escalated: "+fc.Reason)
	delete(e.currentPlanID, goal.ID)
	e.logger.Info("Failure escalated to strategic layer", map[string]interface{}{
		"operation": "bdi_recover",
		"goal_id":   goal.ID,
		"key":       key,
	})
	return true
}

func (e *Executor) fallbackManual(fc FailureContext, goal *goals.Goal) bool {
	manual, err := e.goalSet.Add(
		"Manual intervention required for: "+goal.Description,
		10,
		goals.WithSource("bdi_recovery"),
		goals.WithMetadata(map[string]interface{}{
			"manual_mode":     true,
			"failure_context": fc.Reason,
		}),
	)
	if err != nil {
		return false
	}

	// Pausing the original behind the manual goal stops further automation
	// until a human resolves it.
	if err := e.goalSet.AddDependency(goal.ID, manual.ID); err != nil {
		e.logger.Warn("Could not pause goal behind manual intervention", map[string]interface{}{
			"operation": "bdi_recover",
			"goal_id":   goal.ID,
			"error":     err.Error(),
		})
	}
	e.goalSet.UpdateStatus(goal.ID, goals.StatusPausedDependency, "")
	delete(e.currentPlanID, goal.ID)
	return true
}

func (e *Executor) abortGracefully(ctx context.Context, fc FailureContext, goal *goals.Goal) bool {
	e.goalSet.UpdateStatus(goal.ID, goals.StatusFailedExecution, "graceful_abort")
	delete(e.currentPlanID, goal.ID)

	key := "goal.aborted." + goal.ID
	payload := map[string]interface{}{
		"reason":          "graceful_abort",
		"failure_context": fc.Reason,
	}
	if e.events != nil {
		e.events.Publish(ctx, key, payload)
	}
	if err := e.beliefs.Add(ctx, key, payload, 1.0, beliefs.SourceSelfAnalysis, 0); err != nil {
		e.logger.Warn("Failed to record abort belief", map[string]interface{}{
			"operation": "bdi_recover",
			"key":       key,
			"error":     err.Error(),
		})
	}
	return true
}

// Status reports a snapshot of the executor's state.
func (e *Executor) Status() map[string]interface{} {
	summary := e.goalSet.StatusSummary()
	goalCounts := make(map[string]int, len(summary))
	for status, count := range summary {
		goalCounts[string(status)] = count
	}
	return map[string]interface{}{
		"agent_id":     e.agentID,
		"goals":        goalCounts,
		"loaded_tools": e.tools.IDs(),
	}
}
