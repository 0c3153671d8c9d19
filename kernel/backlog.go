package kernel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/persist"
)

// BacklogStatus is a backlog item lifecycle state. Backlog statuses are
// their own closed set, distinct from interaction and goal statuses.
type BacklogStatus string

const (
	BacklogPending    BacklogStatus = "pending"
	BacklogInProgress BacklogStatus = "in_progress"
	BacklogCompleted  BacklogStatus = "completed"
	BacklogFailed     BacklogStatus = "failed"
	BacklogApproved   BacklogStatus = "approved"
	BacklogRejected   BacklogStatus = "rejected"
)

// BacklogItem is one improvement opportunity.
type BacklogItem struct {
	ID              string        `json:"id"`
	Target          string        `json:"target"`
	Suggestion      string        `json:"suggestion"`
	Priority        int           `json:"priority"`
	Status          BacklogStatus `json:"status"`
	Source          string        `json:"source"`
	AddedAt         time.Time     `json:"added_at"`
	AttemptCount    int           `json:"attempt_count"`
	LastAttemptedAt *time.Time    `json:"last_attempted_at,omitempty"`
	ApprovedAt      *time.Time    `json:"approved_at,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

const backlogSnapshot = "improvement_backlog"

// criticalTargets require explicit approval before an item becomes
// actionable.
var criticalTargets = []string{"kernel", "core", "evolution", "bdi"}

func isCriticalTarget(target string) bool {
	lower := strings.ToLower(target)
	for _, critical := range criticalTargets {
		if strings.Contains(lower, critical) {
			return true
		}
	}
	return false
}

// Backlog is the persistent queue of improvement opportunities.
type Backlog struct {
	mu     sync.Mutex
	items  []*BacklogItem
	store  *persist.Store
	logger core.Logger
}

// NewBacklog loads the backlog snapshot, starting empty when absent.
func NewBacklog(store *persist.Store, logger core.Logger) *Backlog {
	b := &Backlog{
		store:  store,
		logger: core.ComponentLogger(logger, "kernel/backlog"),
	}
	if store != nil {
		store.Load(backlogSnapshot, &b.items)
	}
	return b
}

// Add appends an item, defaulting status and timestamps, and persists.
func (b *Backlog) Add(target, suggestion, source string, priority int, metadata map[string]interface{}) *BacklogItem {
	item := &BacklogItem{
		ID:         core.NewID("bli"),
		Target:     target,
		Suggestion: suggestion,
		Priority:   priority,
		Status:     BacklogPending,
		Source:     source,
		AddedAt:    time.Now(),
		Metadata:   metadata,
	}

	b.mu.Lock()
	b.items = append(b.items, item)
	b.saveLocked()
	b.mu.Unlock()

	b.logger.Info("Backlog item added", map[string]interface{}{
		"operation": "backlog_add",
		"item_id":   item.ID,
		"target":    target,
		"priority":  priority,
		"source":    source,
	})
	return item
}

// Items returns a sorted snapshot: highest priority first, oldest first on
// ties. An optional status filter applies.
func (b *Backlog) Items(filter ...BacklogStatus) []*BacklogItem {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*BacklogItem
	for _, item := range b.items {
		if len(filter) > 0 {
			match := false
			for _, st := range filter {
				if item.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		clone := *item
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

// PopActionable claims the highest-priority actionable item, marking it
// in_progress. Critical targets are actionable only after approval.
func (b *Backlog) PopActionable() *BacklogItem {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *BacklogItem
	for _, item := range b.items {
		actionable := item.Status == BacklogApproved ||
			(item.Status == BacklogPending && !isCriticalTarget(item.Target))
		if !actionable {
			continue
		}
		if best == nil || item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.AddedAt.Before(best.AddedAt)) {
			best = item
		}
	}
	if best == nil {
		return nil
	}

	best.Status = BacklogInProgress
	best.AttemptCount++
	now := time.Now()
	best.LastAttemptedAt = &now
	b.saveLocked()

	clone := *best
	return &clone
}

// SetStatus transitions an item within the closed backlog status set.
func (b *Backlog) SetStatus(id string, status BacklogStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, item := range b.items {
		if item.ID != id {
			continue
		}
		item.Status = status
		if status == BacklogApproved {
			now := time.Now()
			item.ApprovedAt = &now
		}
		b.saveLocked()
		b.logger.Info("Backlog item updated", map[string]interface{}{
			"operation": "backlog_update",
			"item_id":   id,
			"status":    string(status),
		})
		return nil
	}
	return fmt.Errorf("backlog item %s: %w", id, core.ErrNotFound)
}

// Approve marks a pending item approved.
func (b *Backlog) Approve(id string) error {
	return b.SetStatus(id, BacklogApproved)
}

// Reject marks an item rejected.
func (b *Backlog) Reject(id string) error {
	return b.SetStatus(id, BacklogRejected)
}

// Size returns the number of non-terminal items.
func (b *Backlog) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, item := range b.items {
		if item.Status == BacklogPending || item.Status == BacklogApproved ||
			item.Status == BacklogInProgress {
			n++
		}
	}
	return n
}

// saveLocked persists the backlog; callers hold the lock.
func (b *Backlog) saveLocked() {
	if b.store == nil {
		return
	}
	if err := b.store.Save(backlogSnapshot, b.items); err != nil {
		b.logger.Error("Failed to persist backlog", map[string]interface{}{
			"operation": "backlog_save",
			"error":     err.Error(),
		})
	}
}
