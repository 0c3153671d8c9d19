// Package kernel routes typed interactions among the society of agents:
// registries, handler dispatch with a concurrency bound, a pub/sub event bus
// and the persistent improvement backlog.
package kernel

import (
	"fmt"
	"time"

	"github.com/mindforge-ai/mindforge/core"
)

// Kind is an interaction type.
type Kind string

const (
	KindQuery                Kind = "query"
	KindSystemAnalysis       Kind = "system_analysis"
	KindComponentImprovement Kind = "component_improvement"
	KindAgentRegistration    Kind = "agent_registration"
	KindPublishEvent         Kind = "publish_event"
)

// ValidKind reports whether k names a known interaction kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindQuery, KindSystemAnalysis, KindComponentImprovement,
		KindAgentRegistration, KindPublishEvent:
		return true
	}
	return false
}

// InteractionStatus is an interaction lifecycle state.
type InteractionStatus string

const (
	StatusPending    InteractionStatus = "pending"
	StatusInProgress InteractionStatus = "in_progress"
	StatusCompleted  InteractionStatus = "completed"
	StatusFailed     InteractionStatus = "failed"
	StatusRouted     InteractionStatus = "routed"
)

// rank orders statuses for the monotonicity invariant: a transition may
// never move to a lower rank.
func (s InteractionStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress, StatusRouted:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// Terminal reports whether the status ends the interaction.
func (s InteractionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Interaction is the unit of work across the kernel. It is created by the
// kernel on inbound requests and mutated only by the kernel.
type Interaction struct {
	ID          string                 `json:"id"`
	Kind        Kind                   `json:"kind"`
	Content     string                 `json:"content"`
	UserID      string                 `json:"user_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Status      InteractionStatus      `json:"status"`
	Response    interface{}            `json:"response,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// transition enforces monotonic status progression; backward moves are an
// internal error rather than silent corruption.
func (i *Interaction) transition(next InteractionStatus) error {
	if next.rank() < i.Status.rank() {
		return fmt.Errorf("%w: interaction %s cannot move %s -> %s",
			core.ErrInternal, i.ID, i.Status, next)
	}
	i.Status = next
	if next.Terminal() {
		now := time.Now()
		i.CompletedAt = &now
	}
	return nil
}

// Snapshot returns a shallow copy safe to hand to external readers.
func (i *Interaction) Snapshot() *Interaction {
	clone := *i
	return &clone
}
