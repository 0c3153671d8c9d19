// Package audit implements the autonomous audit scheduler: persistent
// schedules, load-aware due-campaign execution, and improvement backlog
// seeding from high-severity findings.
package audit

import (
	"time"
)

// Schedule is one recurring audit campaign.
type Schedule struct {
	CampaignID string        `json:"campaign_id"`
	Scope      string        `json:"audit_scope"`
	Targets    []string      `json:"target_components,omitempty"`
	Interval   time.Duration `json:"interval"`
	Priority   int           `json:"priority"`
	Enabled    bool          `json:"enabled"`
	LastRunAt  *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time    `json:"next_run_at,omitempty"`
	Runs       int           `json:"runs"`
	Successes  int           `json:"successes"`
	Failures   int           `json:"failures"`
}

// IsDue reports whether the schedule should execute now:
// enabled and (never scheduled, or the next run time has arrived).
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	return s.NextRunAt == nil || !now.Before(*s.NextRunAt)
}

// RecordExecution updates counters and advances NextRunAt by the interval
// regardless of outcome.
func (s *Schedule) RecordExecution(now time.Time, success bool) {
	s.Runs++
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.LastRunAt = &now
	next := now.Add(s.Interval)
	s.NextRunAt = &next
}

// DefaultSchedules are seeded on first run.
func DefaultSchedules() []*Schedule {
	return []*Schedule{
		{
			CampaignID: "daily_security_audit",
			Scope:      "security",
			Interval:   24 * time.Hour,
			Priority:   8,
			Enabled:    true,
		},
		{
			CampaignID: "weekly_system_audit",
			Scope:      "system",
			Interval:   168 * time.Hour,
			Priority:   6,
			Enabled:    true,
		},
		{
			CampaignID: "performance_audit",
			Scope:      "performance",
			Interval:   48 * time.Hour,
			Priority:   7,
			Enabled:    true,
		},
		{
			CampaignID: "code_quality_audit",
			Scope:      "code_quality",
			Interval:   36 * time.Hour,
			Priority:   5,
			Enabled:    true,
		},
	}
}
