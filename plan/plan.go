// Package plan represents, validates and executes plans: ordered or
// dependency-structured lists of actions addressing a goal.
package plan

import (
	"strings"
	"time"

	"github.com/mindforge-ai/mindforge/core"
)

// ActionStatus is an action lifecycle state.
type ActionStatus string

const (
	ActionPending          ActionStatus = "pending"
	ActionReady            ActionStatus = "ready"
	ActionInProgress       ActionStatus = "in_progress"
	ActionCompletedSuccess ActionStatus = "completed_success"
	ActionFailed           ActionStatus = "failed"
	ActionSkippedDep       ActionStatus = "skipped_dependency"
	ActionCancelled        ActionStatus = "cancelled"
)

// Terminal reports whether the action has finished.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionCompletedSuccess, ActionFailed, ActionSkippedDep, ActionCancelled:
		return true
	}
	return false
}

// Action is one step of a plan. Type is an uppercase token resolved against
// the executor's action vocabulary. Params may reference prior results with
// the "$action_result.<id>[.<dotted.path>]" syntax.
type Action struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Description   string                 `json:"description,omitempty"`
	Status        ActionStatus           `json:"status"`
	Result        interface{}            `json:"result,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	AttemptCount  int                    `json:"attempt_count"`
	DependencyIDs []string               `json:"dependency_ids,omitempty"`
	IsCritical    bool                   `json:"is_critical"`
}

// Descriptor is the wire shape a plan is created from (LLM output, strategic
// planner, tests). Missing ids are assigned at creation.
type Descriptor struct {
	ID            string                 `json:"id,omitempty"`
	Type          string                 `json:"type"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Description   string                 `json:"description,omitempty"`
	DependencyIDs []string               `json:"dependency_ids,omitempty"`
	IsCritical    bool                   `json:"is_critical,omitempty"`
}

func newAction(d Descriptor) *Action {
	id := d.ID
	if id == "" {
		id = core.NewID("action")
	}
	return &Action{
		ID:            id,
		Type:          strings.ToUpper(d.Type),
		Params:        d.Params,
		Description:   d.Description,
		Status:        ActionPending,
		DependencyIDs: d.DependencyIDs,
		IsCritical:    d.IsCritical,
	}
}

// Status is a plan lifecycle state.
type Status string

const (
	StatusPendingGeneration Status = "pending_generation"
	StatusReady             Status = "ready"
	StatusInProgress        Status = "in_progress"
	StatusCompletedSuccess  Status = "completed_success"
	StatusFailedAction      Status = "failed_action"
	StatusFailedValidation  Status = "failed_validation"
	StatusPaused            Status = "paused"
	StatusCancelled         Status = "cancelled"
)

// Failed reports whether the plan ended in a failure state.
func (s Status) Failed() bool {
	return s == StatusFailedAction || s == StatusFailedValidation
}

// Plan is an executable set of actions for one goal.
type Plan struct {
	ID               string                 `json:"id"`
	GoalID           string                 `json:"goal_id"`
	Description      string                 `json:"description,omitempty"`
	Actions          []*Action              `json:"actions"`
	Status           Status                 `json:"status"`
	CreatedAt        time.Time              `json:"created_at"`
	LastUpdatedAt    time.Time              `json:"last_updated_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	CreatedBy        string                 `json:"created_by,omitempty"`
	CurrentActionIdx int                    `json:"current_action_idx"`
	ActionResults    map[string]interface{} `json:"action_results"`
	FailureReason    string                 `json:"failure_reason,omitempty"`
}

// Action returns the action with the given id, or nil.
func (p *Plan) Action(id string) *Action {
	for _, a := range p.Actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}
