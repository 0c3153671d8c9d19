package plan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mindforge-ai/mindforge/core"
)

// Executor runs a single resolved action and reports (success, result).
// Failures that should be classified by the caller are expressed as
// success=false with a descriptive result, matching the tool contract.
type Executor func(ctx context.Context, action *Action) (bool, interface{})

// Manager owns plans for one agent and executes them either sequentially or
// in dependency order with bounded parallelism.
type Manager struct {
	agentID  string
	executor Executor
	logger   core.Logger

	parallelEnabled bool
	maxConcurrent   int

	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewManager creates a plan manager dispatching actions to executor.
func NewManager(agentID string, executor Executor, cfg core.PlanConfig, logger core.Logger) *Manager {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Manager{
		agentID:         agentID,
		executor:        executor,
		logger:          core.ComponentLogger(logger, "plan/"+agentID),
		parallelEnabled: cfg.ParallelEnabled,
		maxConcurrent:   maxConcurrent,
		plans:           make(map[string]*Plan),
	}
}

// Create builds a plan from descriptors and stores it. Plans with actions
// start ready; empty descriptor lists are rejected.
func (m *Manager) Create(goalID string, descriptors []Descriptor, description, createdBy string) (*Plan, error) {
	if goalID == "" {
		return nil, fmt.Errorf("%w: goal id is empty", core.ErrInvalidInput)
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("%w: plan must have at least one action", core.ErrInvalidInput)
	}

	actions := make([]*Action, 0, len(descriptors))
	for _, d := range descriptors {
		actions = append(actions, newAction(d))
	}

	now := time.Now()
	p := &Plan{
		ID:            core.NewID("plan"),
		GoalID:        goalID,
		Description:   description,
		Actions:       actions,
		Status:        StatusReady,
		CreatedAt:     now,
		LastUpdatedAt: now,
		CreatedBy:     createdBy,
		ActionResults: make(map[string]interface{}),
	}

	m.mu.Lock()
	m.plans[p.ID] = p
	m.mu.Unlock()

	m.logger.Info("Plan created", map[string]interface{}{
		"operation":    "plan_create",
		"plan_id":      p.ID,
		"goal_id":      goalID,
		"action_count": len(actions),
	})
	return p, nil
}

// Get returns the plan with the given id, or nil.
func (m *Manager) Get(planID string) *Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plans[planID]
}

// All returns every known plan.
func (m *Manager) All() []*Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	return out
}

// ForGoal returns plans addressing a goal.
func (m *Manager) ForGoal(goalID string) []*Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Plan
	for _, p := range m.plans {
		if p.GoalID == goalID {
			out = append(out, p)
		}
	}
	return out
}

// UpdateStatus transitions a plan and stamps completion times.
func (m *Manager) UpdateStatus(planID string, status Status, failureReason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatusLocked(planID, status, failureReason)
}

func (m *Manager) updateStatusLocked(planID string, status Status, failureReason string) bool {
	p, ok := m.plans[planID]
	if !ok {
		m.logger.Warn("Cannot update status of unknown plan", map[string]interface{}{
			"operation": "plan_update",
			"plan_id":   planID,
		})
		return false
	}

	p.Status = status
	p.LastUpdatedAt = time.Now()
	if failureReason != "" {
		p.FailureReason = failureReason
	} else if !status.Failed() {
		p.FailureReason = ""
	}

	if status == StatusCompletedSuccess || status.Failed() {
		now := time.Now()
		p.CompletedAt = &now
		if p.StartedAt == nil {
			p.StartedAt = &p.CreatedAt
		}
	}

	m.logger.Info("Plan status updated", map[string]interface{}{
		"operation": "plan_update",
		"plan_id":   planID,
		"status":    string(status),
	})
	return true
}

// finishAction records an action outcome and settles the plan status when
// every action is terminal: completed_success when nothing failed,
// failed_action otherwise. A failed critical action fails the plan at once.
func (m *Manager) finishAction(p *Plan, a *Action, status ActionStatus, result interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a.Status = status
	a.Result = result
	now := time.Now()
	a.CompletedAt = &now
	p.ActionResults[a.ID] = result

	switch status {
	case ActionFailed:
		a.ErrorMessage = fmt.Sprintf("%v", result)
		m.logger.Warn("Action failed", map[string]interface{}{
			"operation": "action_finish",
			"plan_id":   p.ID,
			"action_id": a.ID,
			"type":      a.Type,
			"error":     truncate(a.ErrorMessage, 200),
		})
		if a.IsCritical {
			m.updateStatusLocked(p.ID, StatusFailedAction,
				fmt.Sprintf("critical action %s (%s) failed", a.ID, a.Type))
		}
	case ActionCompletedSuccess:
		m.logger.Info("Action completed", map[string]interface{}{
			"operation": "action_finish",
			"plan_id":   p.ID,
			"action_id": a.ID,
			"type":      a.Type,
		})
	}

	allTerminal := true
	anyFailed := false
	for _, act := range p.Actions {
		if !act.Status.Terminal() {
			allTerminal = false
			break
		}
		if act.Status == ActionFailed {
			anyFailed = true
		}
	}
	if allTerminal && p.Status != StatusCompletedSuccess && !p.Status.Failed() {
		if anyFailed {
			m.updateStatusLocked(p.ID, StatusFailedAction, "one or more actions in the plan failed")
		} else {
			m.updateStatusLocked(p.ID, StatusCompletedSuccess, "")
		}
	}
}

// ResetForRetry returns a failed plan to ready, clearing failed and
// in-progress actions back to pending so a re-execution retries them.
// Completed and skipped actions keep their state and results.
func (m *Manager) ResetForRetry(planID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[planID]
	if !ok {
		return false
	}

	for _, a := range p.Actions {
		if a.Status == ActionFailed || a.Status == ActionInProgress || a.Status == ActionReady {
			a.Status = ActionPending
			a.ErrorMessage = ""
			a.Result = nil
			a.CompletedAt = nil
			delete(p.ActionResults, a.ID)
		}
	}
	p.CompletedAt = nil
	return m.updateStatusLocked(planID, StatusReady, "")
}

// Execute runs a plan to completion and returns it. Plans must be ready or
// paused.
func (m *Manager) Execute(ctx context.Context, planID string) (*Plan, error) {
	p := m.Get(planID)
	if p == nil {
		return nil, fmt.Errorf("plan %s: %w", planID, core.ErrNotFound)
	}
	if p.Status != StatusReady && p.Status != StatusPaused {
		m.logger.Warn("Plan not executable in current state", map[string]interface{}{
			"operation": "plan_execute",
			"plan_id":   planID,
			"status":    string(p.Status),
		})
		return p, nil
	}

	m.UpdateStatus(planID, StatusInProgress, "")
	now := time.Now()
	p.StartedAt = &now

	m.logger.Info("Plan execution started", map[string]interface{}{
		"operation": "plan_execute",
		"plan_id":   planID,
		"goal_id":   p.GoalID,
		"parallel":  m.parallelEnabled,
	})

	if m.parallelEnabled {
		m.executeParallel(ctx, p)
	} else {
		m.executeSequential(ctx, p)
	}

	// The loop can drain without a final settle when every remaining action
	// was already terminal; resolve the plan state here.
	if p.Status == StatusInProgress {
		done := true
		for _, a := range p.Actions {
			if a.Status != ActionCompletedSuccess && a.Status != ActionSkippedDep {
				done = false
				break
			}
		}
		if done {
			m.UpdateStatus(p.ID, StatusCompletedSuccess, "")
		} else {
			m.UpdateStatus(p.ID, StatusFailedAction, "plan finished with non-terminal actions")
		}
	}

	m.logger.Info("Plan execution finished", map[string]interface{}{
		"operation": "plan_execute",
		"plan_id":   planID,
		"status":    string(p.Status),
	})
	return p, nil
}

func (m *Manager) executeSequential(ctx context.Context, p *Plan) {
	for idx, a := range p.Actions {
		if ctx.Err() != nil {
			m.UpdateStatus(p.ID, StatusCancelled, ctx.Err().Error())
			return
		}
		p.CurrentActionIdx = idx

		switch a.Status {
		case ActionPending, ActionReady:
		case ActionCompletedSuccess, ActionSkippedDep:
			continue
		case ActionFailed:
			if p.Status != StatusFailedAction {
				m.UpdateStatus(p.ID, StatusFailedAction,
					fmt.Sprintf("previously failed action %s encountered", a.ID))
			}
			return
		default:
			continue
		}

		if !m.dependenciesMet(p, a) {
			m.logger.Info("Action skipped, dependencies unmet", map[string]interface{}{
				"operation": "plan_execute",
				"plan_id":   p.ID,
				"action_id": a.ID,
			})
			m.finishAction(p, a, ActionSkippedDep, "unmet dependencies")
			continue
		}

		m.startAction(a)
		resolved := m.resolvedCopy(p, a)
		success, result := m.executor(ctx, resolved)
		m.finishAction(p, a, actionOutcome(success), result)

		if !success && a.IsCritical {
			m.logger.Error("Critical action failed, halting plan", map[string]interface{}{
				"operation": "plan_execute",
				"plan_id":   p.ID,
				"action_id": a.ID,
				"type":      a.Type,
			})
			return
		}
	}
}

type actionResult struct {
	actionID string
	success  bool
	result   interface{}
}

func (m *Manager) executeParallel(ctx context.Context, p *Plan) {
	running := make(map[string]struct{})
	results := make(chan actionResult)
	var wg sync.WaitGroup

	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		if p.Status != StatusInProgress {
			break
		}

		started := 0
		for _, a := range p.Actions {
			if a.Status != ActionPending && a.Status != ActionReady {
				continue
			}
			if _, isRunning := running[a.ID]; isRunning {
				continue
			}

			depsMet, depsFailed := m.dependencyState(p, a)
			if depsFailed {
				m.finishAction(p, a, ActionSkippedDep, "unmet dependencies")
				continue
			}
			if !depsMet {
				continue
			}

			if len(running) >= m.maxConcurrent {
				a.Status = ActionReady
				continue
			}

			m.startAction(a)
			running[a.ID] = struct{}{}
			started++
			resolved := m.resolvedCopy(p, a)

			wg.Add(1)
			go func(act *Action) {
				defer wg.Done()
				success, result := m.executor(cancelCtx, act)
				select {
				case results <- actionResult{actionID: act.ID, success: success, result: result}:
				case <-cancelCtx.Done():
				}
			}(resolved)
		}

		if len(running) == 0 {
			if started == 0 {
				break
			}
			continue
		}

		select {
		case res := <-results:
			delete(running, res.actionID)
			if a := p.Action(res.actionID); a != nil {
				m.finishAction(p, a, actionOutcome(res.success), res.result)
			}
		case <-ctx.Done():
			m.UpdateStatus(p.ID, StatusCancelled, ctx.Err().Error())
		}
	}

	// Cancel any still-running actions and drain their results.
	cancel()
	go func() {
		wg.Wait()
		close(results)
	}()
	for range results {
	}
}

func (m *Manager) startAction(a *Action) {
	a.Status = ActionInProgress
	now := time.Now()
	a.StartedAt = &now
	a.AttemptCount++
}

// dependenciesMet reports whether every dependency finished successfully.
func (m *Manager) dependenciesMet(p *Plan, a *Action) bool {
	met, _ := m.dependencyState(p, a)
	return met
}

// dependencyState returns (allMet, anyDead): anyDead means at least one
// dependency can never complete successfully, so the action must be skipped.
func (m *Manager) dependencyState(p *Plan, a *Action) (bool, bool) {
	met := true
	for _, depID := range a.DependencyIDs {
		dep := p.Action(depID)
		if dep == nil {
			return false, true
		}
		switch dep.Status {
		case ActionCompletedSuccess:
		case ActionFailed, ActionSkippedDep, ActionCancelled:
			return false, true
		default:
			met = false
		}
	}
	return met, false
}

// resolvedCopy returns a copy of the action with parameter references
// resolved against the plan's accumulated results.
func (m *Manager) resolvedCopy(p *Plan, a *Action) *Action {
	m.mu.RLock()
	resolved := ResolveParams(a.Params, p.ActionResults)
	m.mu.RUnlock()

	clone := *a
	clone.Params = resolved
	return &clone
}

func actionOutcome(success bool) ActionStatus {
	if success {
		return ActionCompletedSuccess
	}
	return ActionFailed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
