package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/kernel"
	"github.com/mindforge-ai/mindforge/persist"
)

type stubRunner struct {
	mu      sync.Mutex
	calls   []string
	results map[string]interface{}
	err     error
}

func (s *stubRunner) RunAuditDrivenCampaign(ctx context.Context, scope string, targets []string) (map[string]interface{}, error) {
	s.mu.Lock()
	s.calls = append(s.calls, scope)
	s.mu.Unlock()
	return s.results, s.err
}

// campaignResults builds the summary shape a real campaign returns.
func campaignResults(findings ...map[string]interface{}) map[string]interface{} {
	raw := make([]interface{}, len(findings))
	for i, f := range findings {
		raw[i] = f
	}
	return map[string]interface{}{
		"overall_campaign_status": "SUCCESS",
		"campaign_data": map[string]interface{}{
			"audit": map[string]interface{}{
				"findings": raw,
			},
		},
	}
}

func testKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.DataDir = t.TempDir()
	return kernel.NewTestKernel(cfg, nil)
}

func newTestScheduler(t *testing.T, runner CampaignRunner, k *kernel.Kernel) *Scheduler {
	t.Helper()
	cfg := core.AuditConfig{CheckIntervalSeconds: 1}
	return NewScheduler(cfg, runner, k, nil, persist.NewStore(t.TempDir(), nil), nil)
}

func TestSchedule_IsDue(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name     string
		schedule Schedule
		want     bool
	}{
		{"enabled with no next run", Schedule{Enabled: true}, true},
		{"enabled and past due", Schedule{Enabled: true, NextRunAt: &earlier}, true},
		{"enabled but not yet due", Schedule{Enabled: true, NextRunAt: &later}, false},
		{"disabled never due", Schedule{Enabled: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.schedule.IsDue(now))
		})
	}
}

func TestDefaultSchedules_SeededOnFirstRun(t *testing.T) {
	s := newTestScheduler(t, nil, nil)

	schedules := s.Schedules()
	require.Len(t, schedules, 4)

	byID := make(map[string]Schedule)
	for _, schedule := range schedules {
		byID[schedule.CampaignID] = schedule
	}
	assert.Equal(t, 24*time.Hour, byID["daily_security_audit"].Interval)
	assert.Equal(t, 8, byID["daily_security_audit"].Priority)
	assert.Equal(t, 168*time.Hour, byID["weekly_system_audit"].Interval)
	assert.Equal(t, 48*time.Hour, byID["performance_audit"].Interval)
	assert.Equal(t, 36*time.Hour, byID["code_quality_audit"].Interval)
}

func TestSchedules_PersistAcrossRestarts(t *testing.T) {
	store := persist.NewStore(t.TempDir(), nil)
	cfg := core.AuditConfig{CheckIntervalSeconds: 1}

	s := NewScheduler(cfg, nil, nil, nil, store, nil)
	require.NoError(t, s.AddSchedule("custom_audit", "custom", nil, 12*time.Hour, 9, true))

	reloaded := NewScheduler(cfg, nil, nil, nil, store, nil)
	schedule, ok := reloaded.Schedule("custom_audit")
	require.True(t, ok)
	assert.Equal(t, 12*time.Hour, schedule.Interval)
	assert.Equal(t, 9, schedule.Priority)
	assert.Len(t, reloaded.Schedules(), 5, "defaults plus the custom schedule survive")
}

func TestRunOnce_SeedsBacklogAndAdvancesSchedule(t *testing.T) {
	k := testKernel(t)
	runner := &stubRunner{results: campaignResults(
		map[string]interface{}{
			"id": "f1", "target": "kernel/core", "severity": "critical",
			"description": "unchecked input",
		},
		map[string]interface{}{
			"id": "f2", "target": "tools/widget", "severity": "low",
			"description": "cosmetic",
		},
	)}
	s := newTestScheduler(t, runner, k)

	require.NoError(t, s.ForceDue("daily_security_audit"))
	for _, other := range []string{"weekly_system_audit", "performance_audit", "code_quality_audit"} {
		require.NoError(t, s.SetEnabled(other, false))
	}

	before := time.Now()
	s.RunOnce(context.Background())

	// Only high-severity findings seed the backlog.
	items := k.Backlog().Items()
	require.Len(t, items, 1)
	assert.Equal(t, "autonomous_audit_security", items[0].Source)
	assert.Equal(t, 8, items[0].Priority)
	assert.Equal(t, "kernel/core", items[0].Target)

	schedule, _ := s.Schedule("daily_security_audit")
	assert.Equal(t, 1, schedule.Runs)
	assert.Equal(t, 1, schedule.Successes)
	require.NotNil(t, schedule.NextRunAt)
	expectedNext := before.Add(24 * time.Hour)
	assert.WithinDuration(t, expectedNext, *schedule.NextRunAt, 5*time.Second,
		"next_run_at advances by the interval")
}

func TestRunOnce_FailureStillAdvancesSchedule(t *testing.T) {
	runner := &stubRunner{err: assert.AnError}
	s := newTestScheduler(t, runner, nil)
	require.NoError(t, s.ForceDue("performance_audit"))
	for _, other := range []string{"daily_security_audit", "weekly_system_audit", "code_quality_audit"} {
		require.NoError(t, s.SetEnabled(other, false))
	}

	s.RunOnce(context.Background())

	schedule, _ := s.Schedule("performance_audit")
	assert.Equal(t, 1, schedule.Runs)
	assert.Equal(t, 1, schedule.Failures)
	assert.NotNil(t, schedule.NextRunAt, "next_run_at advances regardless of outcome")
}

func TestRunOnce_PriorityOrder(t *testing.T) {
	runner := &stubRunner{results: campaignResults()}
	s := newTestScheduler(t, runner, nil)

	for _, id := range []string{"daily_security_audit", "weekly_system_audit", "performance_audit", "code_quality_audit"} {
		require.NoError(t, s.ForceDue(id))
	}

	s.RunOnce(context.Background())

	require.Len(t, runner.calls, 4)
	assert.Equal(t, []string{"security", "performance", "system", "code_quality"}, runner.calls,
		"due schedules execute by priority descending")
}

type alwaysDefer struct{}

func (alwaysDefer) ShouldDefer(ctx context.Context) (bool, string) { return true, "synthetic load" }

func TestRunOnce_LoadPolicyDefers(t *testing.T) {
	runner := &stubRunner{results: campaignResults()}
	s := NewScheduler(core.AuditConfig{CheckIntervalSeconds: 1}, runner, nil, alwaysDefer{},
		persist.NewStore(t.TempDir(), nil), nil)
	require.NoError(t, s.ForceDue("daily_security_audit"))

	s.RunOnce(context.Background())

	assert.Empty(t, runner.calls, "campaigns defer under load")
	schedule, _ := s.Schedule("daily_security_audit")
	assert.Equal(t, 0, schedule.Runs, "deferred executions do not count")
}

func TestSystemLoadPolicy_BacklogThreshold(t *testing.T) {
	k := testKernel(t)
	for i := 0; i < 5; i++ {
		k.Backlog().Add("t", "s", "test", 5, nil)
	}

	policy := NewSystemLoadPolicy(core.AuditConfig{MaxBacklogSize: 3}, k.Backlog())
	deferNow, reason := policy.ShouldDefer(context.Background())
	assert.True(t, deferNow)
	assert.Contains(t, reason, "backlog")

	relaxed := NewSystemLoadPolicy(core.AuditConfig{MaxBacklogSize: 100}, k.Backlog())
	deferNow, _ = relaxed.ShouldDefer(context.Background())
	assert.False(t, deferNow)
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestScheduler(t, nil, nil)

	assert.ErrorIs(t, s.AddSchedule("", "x", nil, time.Hour, 5, true), core.ErrInvalidInput)
	assert.ErrorIs(t, s.AddSchedule("daily_security_audit", "x", nil, time.Hour, 5, true), core.ErrAlreadyRegistered)

	require.NoError(t, s.AddSchedule("extra", "scope", []string{"a"}, time.Hour, 3, true))
	require.NoError(t, s.RemoveSchedule("extra"))
	assert.ErrorIs(t, s.RemoveSchedule("extra"), core.ErrNotFound)
	assert.ErrorIs(t, s.SetEnabled("missing", true), core.ErrNotFound)
}

func TestAuditSchedulingLaw_SuccessiveRunsSpacedByInterval(t *testing.T) {
	runner := &stubRunner{results: campaignResults()}
	s := newTestScheduler(t, runner, nil)
	require.NoError(t, s.ForceDue("daily_security_audit"))
	for _, other := range []string{"weekly_system_audit", "performance_audit", "code_quality_audit"} {
		require.NoError(t, s.SetEnabled(other, false))
	}

	s.RunOnce(context.Background())
	require.Len(t, runner.calls, 1)

	// Immediately re-checking must not run it again: the next execution is
	// a full interval away.
	s.RunOnce(context.Background())
	assert.Len(t, runner.calls, 1)

	schedule, _ := s.Schedule("daily_security_audit")
	require.NotNil(t, schedule.LastRunAt)
	require.NotNil(t, schedule.NextRunAt)
	assert.WithinDuration(t, schedule.LastRunAt.Add(schedule.Interval), *schedule.NextRunAt, time.Second)
}

func TestStartStop_LoopShutdown(t *testing.T) {
	runner := &stubRunner{results: campaignResults()}
	s := newTestScheduler(t, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
