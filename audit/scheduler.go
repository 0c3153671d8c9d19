package audit

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/kernel"
	"github.com/mindforge-ai/mindforge/persist"
)

// CampaignRunner is the strategic evolution entry point the scheduler
// delegates due campaigns to.
type CampaignRunner interface {
	RunAuditDrivenCampaign(ctx context.Context, scope string, targets []string) (map[string]interface{}, error)
}

// LoadPolicy decides whether campaign execution should be deferred because
// the system is busy.
type LoadPolicy interface {
	ShouldDefer(ctx context.Context) (bool, string)
}

// SystemLoadPolicy defers on memory (heap) pressure or a large kernel
// backlog.
type SystemLoadPolicy struct {
	cfg     core.AuditConfig
	backlog *kernel.Backlog
}

// NewSystemLoadPolicy builds the default policy from config.
func NewSystemLoadPolicy(cfg core.AuditConfig, backlog *kernel.Backlog) *SystemLoadPolicy {
	return &SystemLoadPolicy{cfg: cfg, backlog: backlog}
}

func (p *SystemLoadPolicy) ShouldDefer(ctx context.Context) (bool, string) {
	if p.backlog != nil && p.cfg.MaxBacklogSize > 0 && p.backlog.Size() > p.cfg.MaxBacklogSize {
		return true, fmt.Sprintf("backlog size %d exceeds %d", p.backlog.Size(), p.cfg.MaxBacklogSize)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if mem.Sys > 0 && p.cfg.MaxMemoryPercent > 0 {
		usedPercent := float64(mem.HeapAlloc) / float64(mem.Sys) * 100
		if usedPercent > p.cfg.MaxMemoryPercent {
			return true, fmt.Sprintf("heap usage %.0f%% exceeds %.0f%%", usedPercent, p.cfg.MaxMemoryPercent)
		}
	}
	return false, ""
}

const schedulesSnapshot = "audit_schedules"

// Scheduler owns audit schedules and runs the autonomous loop.
type Scheduler struct {
	cfg      core.AuditConfig
	runner   CampaignRunner
	kern     *kernel.Kernel
	policy   LoadPolicy
	store    *persist.Store
	logger   core.Logger

	mu        sync.Mutex
	schedules map[string]*Schedule

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewScheduler loads persisted schedules, seeding the defaults on first run.
func NewScheduler(cfg core.AuditConfig, runner CampaignRunner, kern *kernel.Kernel, policy LoadPolicy, store *persist.Store, logger core.Logger) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		runner:    runner,
		kern:      kern,
		policy:    policy,
		store:     store,
		logger:    core.ComponentLogger(logger, "audit"),
		schedules: make(map[string]*Schedule),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	var persisted []*Schedule
	if store != nil && store.Load(schedulesSnapshot, &persisted) && len(persisted) > 0 {
		for _, schedule := range persisted {
			s.schedules[schedule.CampaignID] = schedule
		}
	} else {
		for _, schedule := range DefaultSchedules() {
			s.schedules[schedule.CampaignID] = schedule
		}
		s.saveLocked()
		s.logger.Info("Seeded default audit schedules", map[string]interface{}{
			"operation": "audit_seed",
			"count":     len(s.schedules),
		})
	}
	return s
}

// Start launches the autonomous loop. The loop checks the shutdown flag
// every iteration and stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		defer close(s.done)
		s.logger.Info("Autonomous audit loop started", map[string]interface{}{
			"operation":      "audit_loop",
			"check_interval": interval.String(),
		})
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it to drain.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// RunOnce executes every due schedule, highest priority first, honoring the
// load policy before each execution.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*Schedule
	for _, schedule := range s.schedules {
		if schedule.IsDue(now) {
			due = append(due, schedule)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].CampaignID < due[j].CampaignID
	})

	for _, schedule := range due {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		if s.policy != nil {
			if deferNow, reason := s.policy.ShouldDefer(ctx); deferNow {
				s.logger.Info("Deferring audit campaign under load", map[string]interface{}{
					"operation":   "audit_defer",
					"campaign_id": schedule.CampaignID,
					"reason":      reason,
				})
				continue
			}
		}
		s.execute(ctx, schedule)
	}
}

// execute runs one campaign and updates the schedule.
func (s *Scheduler) execute(ctx context.Context, schedule *Schedule) {
	s.logger.Info("Executing scheduled audit campaign", map[string]interface{}{
		"operation":   "audit_execute",
		"campaign_id": schedule.CampaignID,
		"scope":       schedule.Scope,
	})

	var results map[string]interface{}
	var err error
	if s.runner != nil {
		results, err = s.runner.RunAuditDrivenCampaign(ctx, schedule.Scope, schedule.Targets)
	} else {
		err = fmt.Errorf("no campaign runner attached: %w", core.ErrNotInitialized)
	}

	success := err == nil
	if success {
		s.seedBacklog(schedule, results)
	} else {
		s.logger.Error("Scheduled campaign failed", map[string]interface{}{
			"operation":   "audit_execute",
			"campaign_id": schedule.CampaignID,
			"error":       err.Error(),
		})
	}

	s.mu.Lock()
	schedule.RecordExecution(time.Now(), success)
	s.saveLocked()
	s.mu.Unlock()
}

// seedBacklog appends high-severity findings to the kernel's improvement
// backlog with audit-scope metadata.
func (s *Scheduler) seedBacklog(schedule *Schedule, results map[string]interface{}) {
	if s.kern == nil || results == nil {
		return
	}

	data, _ := results["campaign_data"].(map[string]interface{})
	if data == nil {
		return
	}
	auditData, _ := data["audit"].(map[string]interface{})
	if auditData == nil {
		return
	}
	findings, _ := auditData["findings"].([]interface{})

	seeded := 0
	for _, raw := range findings {
		finding, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		severity, _ := finding["severity"].(string)
		if severity != "critical" && severity != "high" {
			continue
		}
		target, _ := finding["target"].(string)
		if target == "" {
			target = strings.Join(schedule.Targets, ",")
		}
		description, _ := finding["description"].(string)

		s.kern.Backlog().Add(target, description,
			"autonomous_audit_"+schedule.Scope, 8, map[string]interface{}{
				"audit_scope": schedule.Scope,
				"campaign_id": schedule.CampaignID,
				"severity":    severity,
			})
		seeded++
	}

	if seeded > 0 {
		s.logger.Info("Seeded backlog from audit findings", map[string]interface{}{
			"operation":   "audit_seed_backlog",
			"campaign_id": schedule.CampaignID,
			"count":       seeded,
		})
	}
}

// AddSchedule registers a new schedule.
func (s *Scheduler) AddSchedule(campaignID, scope string, targets []string, interval time.Duration, priority int, enabled bool) error {
	if campaignID == "" || interval <= 0 {
		return fmt.Errorf("%w: campaign id and positive interval required", core.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[campaignID]; exists {
		return fmt.Errorf("schedule %s: %w", campaignID, core.ErrAlreadyRegistered)
	}
	s.schedules[campaignID] = &Schedule{
		CampaignID: campaignID,
		Scope:      scope,
		Targets:    targets,
		Interval:   interval,
		Priority:   priority,
		Enabled:    enabled,
	}
	s.saveLocked()
	return nil
}

// RemoveSchedule deletes a schedule.
func (s *Scheduler) RemoveSchedule(campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[campaignID]; !exists {
		return fmt.Errorf("schedule %s: %w", campaignID, core.ErrNotFound)
	}
	delete(s.schedules, campaignID)
	s.saveLocked()
	return nil
}

// SetEnabled toggles a schedule.
func (s *Scheduler) SetEnabled(campaignID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[campaignID]
	if !exists {
		return fmt.Errorf("schedule %s: %w", campaignID, core.ErrNotFound)
	}
	schedule.Enabled = enabled
	s.saveLocked()
	return nil
}

// ForceDue marks a schedule due immediately. Used by tests and operators.
func (s *Scheduler) ForceDue(campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[campaignID]
	if !exists {
		return fmt.Errorf("schedule %s: %w", campaignID, core.ErrNotFound)
	}
	now := time.Now()
	schedule.NextRunAt = &now
	s.saveLocked()
	return nil
}

// Schedule returns a copy of one schedule.
func (s *Scheduler) Schedule(campaignID string) (Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[campaignID]
	if !exists {
		return Schedule{}, false
	}
	return *schedule, true
}

// Schedules returns copies of every schedule, sorted by priority.
func (s *Scheduler) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, *schedule)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CampaignID < out[j].CampaignID
	})
	return out
}

// saveLocked persists schedules; callers hold the lock.
func (s *Scheduler) saveLocked() {
	if s.store == nil {
		return
	}
	all := make([]*Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		all = append(all, schedule)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CampaignID < all[j].CampaignID })
	if err := s.store.Save(schedulesSnapshot, all); err != nil {
		s.logger.Error("Failed to persist audit schedules", map[string]interface{}{
			"operation": "audit_save",
			"error":     err.Error(),
		})
	}
}
