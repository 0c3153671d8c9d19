// Package goals implements the prioritized goal set consumed by the BDI
// executor: a priority-ordered collection of goals with dependencies,
// lifecycle states and cascading promotion.
package goals

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mindforge-ai/mindforge/core"
)

// Status is a goal lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusActive            Status = "active"
	StatusCompletedSuccess  Status = "completed_success"
	StatusCompletedNoAction Status = "completed_no_action"
	StatusFailedPlanning    Status = "failed_planning"
	StatusFailedExecution   Status = "failed_execution"
	StatusPausedDependency  Status = "paused_dependency"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether a status ends the goal's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompletedSuccess, StatusCompletedNoAction, StatusFailedPlanning,
		StatusFailedExecution, StatusCancelled:
		return true
	}
	return false
}

// Goal is a desired end state with priority and dependencies.
type Goal struct {
	ID            string                 `json:"id"`
	Description   string                 `json:"description"`
	Priority      int                    `json:"priority"`
	Status        Status                 `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	LastUpdatedAt time.Time              `json:"last_updated_at"`
	ParentID      string                 `json:"parent_id,omitempty"`
	SubgoalIDs    []string               `json:"subgoal_ids,omitempty"`
	DependencyIDs []string               `json:"dependency_ids,omitempty"`
	DependentIDs  []string               `json:"dependent_ids,omitempty"`
	PlanID        string                 `json:"plan_id,omitempty"`
	AttemptCount  int                    `json:"attempt_count"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Source        string                 `json:"source,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Set holds an agent's goals. All methods are safe for concurrent use.
type Set struct {
	mu     sync.RWMutex
	goals  map[string]*Goal
	logger core.Logger
}

// NewSet creates an empty goal set.
func NewSet(logger core.Logger) *Set {
	return &Set{
		goals:  make(map[string]*Goal),
		logger: core.ComponentLogger(logger, "goals"),
	}
}

// AddOption customizes goal creation.
type AddOption func(*Goal)

// WithParent links the goal to a parent goal.
func WithParent(parentID string) AddOption {
	return func(g *Goal) { g.ParentID = parentID }
}

// WithDependencies declares goals that must complete first.
func WithDependencies(ids ...string) AddOption {
	return func(g *Goal) { g.DependencyIDs = append(g.DependencyIDs, ids...) }
}

// WithSource records which component created the goal.
func WithSource(source string) AddOption {
	return func(g *Goal) { g.Source = source }
}

// WithMetadata attaches arbitrary metadata.
func WithMetadata(md map[string]interface{}) AddOption {
	return func(g *Goal) { g.Metadata = md }
}

// Add inserts a goal. Priority is clamped into [1..10]. A goal whose
// description matches a non-terminal existing goal is not duplicated; the
// existing goal is returned with its priority raised when the new one is
// more urgent. Dependencies on unknown goals pause the new goal.
func (s *Set) Add(description string, priority int, opts ...AddOption) (*Goal, error) {
	if description == "" {
		return nil, fmt.Errorf("%w: goal description is empty", core.ErrInvalidInput)
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.goals {
		if existing.Description == description && !existing.Status.Terminal() {
			if priority > existing.Priority {
				existing.Priority = priority
				existing.LastUpdatedAt = time.Now()
			}
			s.logger.Debug("Goal already present, not duplicating", map[string]interface{}{
				"operation": "goal_add",
				"goal_id":   existing.ID,
			})
			return existing, nil
		}
	}

	now := time.Now()
	goal := &Goal{
		ID:            core.NewID("goal"),
		Description:   description,
		Priority:      priority,
		Status:        StatusPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	for _, opt := range opts {
		opt(goal)
	}

	for _, depID := range goal.DependencyIDs {
		dep, exists := s.goals[depID]
		if !exists || dep.Status != StatusCompletedSuccess {
			goal.Status = StatusPausedDependency
		}
		if exists {
			dep.DependentIDs = append(dep.DependentIDs, goal.ID)
		}
	}

	s.goals[goal.ID] = goal
	if parent, ok := s.goals[goal.ParentID]; ok {
		parent.SubgoalIDs = append(parent.SubgoalIDs, goal.ID)
	}

	s.logger.Info("Goal added", map[string]interface{}{
		"operation": "goal_add",
		"goal_id":   goal.ID,
		"priority":  goal.Priority,
		"status":    string(goal.Status),
	})
	return goal, nil
}

// Get returns a copy of the goal, or nil if unknown.
func (s *Set) Get(id string) *Goal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyGoal(s.goals[id])
}

// NextActionable returns the highest-priority pending goal whose
// dependencies are all completed_success. Ties break by earlier CreatedAt.
func (s *Set) NextActionable() *Goal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Goal
	for _, goal := range s.goals {
		if goal.Status != StatusPending {
			continue
		}
		if !s.dependenciesSatisfied(goal) {
			continue
		}
		if best == nil || goal.Priority > best.Priority ||
			(goal.Priority == best.Priority && goal.CreatedAt.Before(best.CreatedAt)) {
			best = goal
		}
	}
	return copyGoal(best)
}

// dependenciesSatisfied must be called with the lock held.
func (s *Set) dependenciesSatisfied(goal *Goal) bool {
	for _, depID := range goal.DependencyIDs {
		dep, exists := s.goals[depID]
		if !exists || dep.Status != StatusCompletedSuccess {
			return false
		}
	}
	return true
}

// UpdateStatus transitions a goal. Completing a goal promotes any
// paused_dependency dependents whose dependencies are now all satisfied,
// in the same call.
func (s *Set) UpdateStatus(id string, status Status, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	goal, exists := s.goals[id]
	if !exists {
		return fmt.Errorf("goal %s: %w", id, core.ErrNotFound)
	}

	goal.Status = status
	goal.LastUpdatedAt = time.Now()
	if failureReason != "" {
		goal.FailureReason = failureReason
	} else if status != StatusFailedExecution && status != StatusFailedPlanning {
		goal.FailureReason = ""
	}

	s.logger.Info("Goal status updated", map[string]interface{}{
		"operation": "goal_update",
		"goal_id":   id,
		"status":    string(status),
	})

	if status == StatusCompletedSuccess {
		s.promoteDependents(goal)
	}
	return nil
}

// promoteDependents must be called with the lock held.
func (s *Set) promoteDependents(completed *Goal) {
	for _, depID := range completed.DependentIDs {
		dependent, ok := s.goals[depID]
		if !ok || dependent.Status != StatusPausedDependency {
			continue
		}
		if s.dependenciesSatisfied(dependent) {
			dependent.Status = StatusPending
			dependent.LastUpdatedAt = time.Now()
			s.logger.Info("Dependent goal promoted to pending", map[string]interface{}{
				"operation": "goal_promote",
				"goal_id":   dependent.ID,
				"completed": completed.ID,
			})
		}
	}
}

// SetPlanID records the plan currently addressing a goal.
func (s *Set) SetPlanID(id, planID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if goal, ok := s.goals[id]; ok {
		goal.PlanID = planID
		goal.LastUpdatedAt = time.Now()
	}
}

// IncrementAttempts bumps the goal's attempt counter.
func (s *Set) IncrementAttempts(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if goal, ok := s.goals[id]; ok {
		goal.AttemptCount++
	}
}

// AddDependency makes goal depend on dependsOn. The insertion is rejected
// with INVALID_INPUT if it would close a cycle, leaving the graph unchanged.
func (s *Set) AddDependency(goalID, dependsOnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	goal, ok := s.goals[goalID]
	if !ok {
		return fmt.Errorf("goal %s: %w", goalID, core.ErrNotFound)
	}
	dep, ok := s.goals[dependsOnID]
	if !ok {
		return fmt.Errorf("dependency goal %s: %w", dependsOnID, core.ErrNotFound)
	}
	if goalID == dependsOnID {
		return fmt.Errorf("%w: goal %s cannot depend on itself", core.ErrInvalidInput, goalID)
	}

	// Walk dependsOn's dependency graph; finding goalID there means the new
	// edge closes a cycle.
	if s.reaches(dependsOnID, goalID, map[string]bool{}) {
		return fmt.Errorf("%w: dependency %s -> %s would create a cycle",
			core.ErrInvalidInput, goalID, dependsOnID)
	}

	for _, existing := range goal.DependencyIDs {
		if existing == dependsOnID {
			return nil
		}
	}
	goal.DependencyIDs = append(goal.DependencyIDs, dependsOnID)
	dep.DependentIDs = append(dep.DependentIDs, goalID)

	if dep.Status != StatusCompletedSuccess && goal.Status == StatusPending {
		goal.Status = StatusPausedDependency
		goal.LastUpdatedAt = time.Now()
	}
	return nil
}

// reaches performs DFS over dependency edges; must hold the lock.
func (s *Set) reaches(fromID, targetID string, visited map[string]bool) bool {
	if fromID == targetID {
		return true
	}
	if visited[fromID] {
		return false
	}
	visited[fromID] = true

	from, ok := s.goals[fromID]
	if !ok {
		return false
	}
	for _, depID := range from.DependencyIDs {
		if s.reaches(depID, targetID, visited) {
			return true
		}
	}
	return false
}

// All returns copies of every goal, optionally filtered by status,
// ordered by priority then age.
func (s *Set) All(filter ...Status) []*Goal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Goal
	for _, goal := range s.goals {
		if len(filter) > 0 {
			match := false
			for _, st := range filter {
				if goal.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		result = append(result, copyGoal(goal))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// StatusSummary returns goal counts per status.
func (s *Set) StatusSummary() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := make(map[Status]int)
	for _, goal := range s.goals {
		summary[goal.Status]++
	}
	return summary
}

func copyGoal(g *Goal) *Goal {
	if g == nil {
		return nil
	}
	clone := *g
	clone.SubgoalIDs = append([]string(nil), g.SubgoalIDs...)
	clone.DependencyIDs = append([]string(nil), g.DependencyIDs...)
	clone.DependentIDs = append([]string(nil), g.DependentIDs...)
	return &clone
}
