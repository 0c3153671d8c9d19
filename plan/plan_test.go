package plan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindforge-ai/mindforge/core"
)

// recordingExecutor runs scripted outcomes and records execution order.
type recordingExecutor struct {
	mu       sync.Mutex
	order    []string
	outcomes map[string]func(a *Action) (bool, interface{})
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{outcomes: make(map[string]func(a *Action) (bool, interface{}))}
}

func (r *recordingExecutor) on(id string, fn func(a *Action) (bool, interface{})) {
	r.outcomes[id] = fn
}

func (r *recordingExecutor) exec(ctx context.Context, a *Action) (bool, interface{}) {
	r.mu.Lock()
	r.order = append(r.order, a.ID)
	r.mu.Unlock()

	if fn, ok := r.outcomes[a.ID]; ok {
		return fn(a)
	}
	return true, "ok"
}

func (r *recordingExecutor) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func seqManager(exec Executor) *Manager {
	return NewManager("test", exec, core.PlanConfig{ParallelEnabled: false, MaxConcurrent: 1}, nil)
}

func parManager(exec Executor, maxConcurrent int) *Manager {
	return NewManager("test", exec, core.PlanConfig{ParallelEnabled: true, MaxConcurrent: maxConcurrent}, nil)
}

func TestCreate_Validation(t *testing.T) {
	m := seqManager(nil)

	_, err := m.Create("", []Descriptor{{Type: "NO_OP"}}, "", "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = m.Create("g1", nil, "", "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestCreate_AssignsIDsAndUppercasesTypes(t *testing.T) {
	m := seqManager(nil)

	p, err := m.Create("g1", []Descriptor{{Type: "no_op"}, {ID: "custom", Type: "UPDATE_BELIEF"}}, "", "tester")
	require.NoError(t, err)

	assert.Equal(t, StatusReady, p.Status)
	assert.Equal(t, "NO_OP", p.Actions[0].Type)
	assert.NotEmpty(t, p.Actions[0].ID)
	assert.Equal(t, "custom", p.Actions[1].ID)
	assert.Equal(t, "tester", p.CreatedBy)
}

func TestExecuteSequential_AllSucceed(t *testing.T) {
	exec := newRecordingExecutor()
	m := seqManager(exec.exec)

	p, err := m.Create("g1", []Descriptor{
		{ID: "a", Type: "STEP_ONE"},
		{ID: "b", Type: "STEP_TWO"},
	}, "", "")
	require.NoError(t, err)

	result, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompletedSuccess, result.Status)
	assert.Equal(t, []string{"a", "b"}, exec.executed(), "sequential mode observes array order")
	for _, a := range result.Actions {
		assert.Equal(t, ActionCompletedSuccess, a.Status)
		assert.Equal(t, 1, a.AttemptCount)
		assert.NotNil(t, a.CompletedAt)
	}
}

func TestExecuteSequential_CriticalFailureHaltsPlan(t *testing.T) {
	exec := newRecordingExecutor()
	exec.on("b", func(a *Action) (bool, interface{}) { return false, "boom" })
	m := seqManager(exec.exec)

	p, _ := m.Create("g1", []Descriptor{
		{ID: "a", Type: "OK"},
		{ID: "b", Type: "CRITICAL", IsCritical: true},
		{ID: "c", Type: "NEVER_RUNS"},
	}, "", "")

	result, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusFailedAction, result.Status)
	assert.NotEmpty(t, result.FailureReason)
	assert.Equal(t, []string{"a", "b"}, exec.executed(), "execution halts after the failed critical action")
	assert.Equal(t, ActionPending, result.Action("c").Status)
}

func TestExecuteSequential_NonCriticalFailureContinues(t *testing.T) {
	exec := newRecordingExecutor()
	exec.on("b", func(a *Action) (bool, interface{}) { return false, "soft failure" })
	m := seqManager(exec.exec)

	p, _ := m.Create("g1", []Descriptor{
		{ID: "a", Type: "OK"},
		{ID: "b", Type: "FLAKY"},
		{ID: "c", Type: "ALSO_OK"},
	}, "", "")

	result, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, exec.executed())
	assert.Equal(t, StatusFailedAction, result.Status,
		"a plan with any failed action cannot be completed_success")
	assert.Equal(t, ActionCompletedSuccess, result.Action("c").Status)
	assert.Equal(t, "soft failure", result.Action("b").ErrorMessage)
}

func TestExecuteSequential_SkipsUnmetDependencies(t *testing.T) {
	exec := newRecordingExecutor()
	exec.on("a", func(a *Action) (bool, interface{}) { return false, "failed dep" })
	m := seqManager(exec.exec)

	p, _ := m.Create("g1", []Descriptor{
		{ID: "a", Type: "FAILS"},
		{ID: "b", Type: "NEEDS_A", DependencyIDs: []string{"a"}},
	}, "", "")

	result, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, exec.executed(), "dependent action never executes")
	assert.Equal(t, ActionSkippedDep, result.Action("b").Status)
	assert.Equal(t, StatusFailedAction, result.Status)
}

func TestPlanCompletion_SkippedOnlyStillSucceeds(t *testing.T) {
	exec := newRecordingExecutor()
	m := seqManager(exec.exec)

	p, _ := m.Create("g1", []Descriptor{
		{ID: "a", Type: "OK"},
		{ID: "b", Type: "GONE", DependencyIDs: []string{"missing"}},
	}, "", "")

	result, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, ActionSkippedDep, result.Action("b").Status)
	assert.Equal(t, StatusCompletedSuccess, result.Status,
		"completed_success tolerates skipped_dependency actions")
}

func TestParameterResolution_RoundTrip(t *testing.T) {
	exec := newRecordingExecutor()
	exec.on("A", func(a *Action) (bool, interface{}) {
		return true, map[string]interface{}{"x": "v"}
	})
	var received interface{}
	exec.on("B", func(a *Action) (bool, interface{}) {
		received = a.Params["value"]
		return true, "done"
	})
	m := seqManager(exec.exec)

	p, _ := m.Create("g1", []Descriptor{
		{ID: "A", Type: "PRODUCE"},
		{ID: "B", Type: "CONSUME", Params: map[string]interface{}{"value": "$action_result.A.x"}},
	}, "", "")

	_, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", received, "downstream action receives the produced value exactly")
}

func TestResolveParams(t *testing.T) {
	results := map[string]interface{}{
		"A": map[string]interface{}{
			"x": "v",
			"nested": map[string]interface{}{"deep": 7},
		},
		"B": "whole",
	}

	resolved := ResolveParams(map[string]interface{}{
		"whole":   "$action_result.B",
		"field":   "$action_result.A.x",
		"deep":    "$action_result.A.nested.deep",
		"missing": "$action_result.A.nope.deeper",
		"unknown": "$action_result.Z",
		"plain":   "literal",
		"nested":  map[string]interface{}{"inner": "$action_result.B"},
		"list":    []interface{}{"$action_result.A.x", "keep"},
	}, results)

	assert.Equal(t, "whole", resolved["whole"])
	assert.Equal(t, "v", resolved["field"])
	assert.Equal(t, 7, resolved["deep"])
	assert.Nil(t, resolved["missing"], "dead paths resolve to nil")
	assert.Nil(t, resolved["unknown"], "unknown action ids resolve to nil")
	assert.Equal(t, "literal", resolved["plain"])
	assert.Equal(t, "whole", resolved["nested"].(map[string]interface{})["inner"])
	assert.Equal(t, []interface{}{"v", "keep"}, resolved["list"])
}

func TestExecuteParallel_RespectsDependencyOrder(t *testing.T) {
	exec := newRecordingExecutor()
	m := parManager(exec.exec, 3)

	p, _ := m.Create("g1", []Descriptor{
		{ID: "root", Type: "ROOT"},
		{ID: "left", Type: "LEFT", DependencyIDs: []string{"root"}},
		{ID: "right", Type: "RIGHT", DependencyIDs: []string{"root"}},
		{ID: "join", Type: "JOIN", DependencyIDs: []string{"left", "right"}},
	}, "", "")

	result, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedSuccess, result.Status)

	order := exec.executed()
	require.Len(t, order, 4)
	assert.Equal(t, "root", order[0], "roots run first")
	assert.Equal(t, "join", order[3], "join runs after both branches")
}

func TestExecuteParallel_BoundedConcurrency(t *testing.T) {
	var current, peak int64
	exec := func(ctx context.Context, a *Action) (bool, interface{}) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return true, nil
	}
	m := parManager(exec, 2)

	var descriptors []Descriptor
	for i := 0; i < 6; i++ {
		descriptors = append(descriptors, Descriptor{ID: fmt.Sprintf("a%d", i), Type: "WORK"})
	}
	p, _ := m.Create("g1", descriptors, "", "")

	result, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedSuccess, result.Status)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2), "running set bounded by max_concurrent")
}

func TestExecuteParallel_CriticalFailureSkipsDependents(t *testing.T) {
	exec := newRecordingExecutor()
	exec.on("root", func(a *Action) (bool, interface{}) { return false, "root broke" })
	m := parManager(exec.exec, 2)

	p, _ := m.Create("g1", []Descriptor{
		{ID: "root", Type: "ROOT", IsCritical: true},
		{ID: "child", Type: "CHILD", DependencyIDs: []string{"root"}},
	}, "", "")

	result, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusFailedAction, result.Status)
	assert.Equal(t, []string{"root"}, exec.executed())
}

func TestResetForRetry(t *testing.T) {
	exec := newRecordingExecutor()
	failOnce := true
	exec.on("b", func(a *Action) (bool, interface{}) {
		if failOnce {
			failOnce = false
			return false, "first attempt fails"
		}
		return true, "second attempt succeeds"
	})
	m := seqManager(exec.exec)

	p, _ := m.Create("g1", []Descriptor{
		{ID: "a", Type: "OK"},
		{ID: "b", Type: "FLAKY", IsCritical: true},
	}, "", "")

	result, _ := m.Execute(context.Background(), p.ID)
	require.Equal(t, StatusFailedAction, result.Status)

	require.True(t, m.ResetForRetry(p.ID))
	assert.Equal(t, StatusReady, p.Status)
	assert.Equal(t, ActionCompletedSuccess, p.Action("a").Status, "completed work is kept")
	assert.Equal(t, ActionPending, p.Action("b").Status)

	result, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedSuccess, result.Status)
	assert.Equal(t, 2, result.Action("b").AttemptCount)
}

func TestExecute_NotReadyIsNoOp(t *testing.T) {
	exec := newRecordingExecutor()
	m := seqManager(exec.exec)

	p, _ := m.Create("g1", []Descriptor{{ID: "a", Type: "OK"}}, "", "")
	result, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompletedSuccess, result.Status)

	again, err := m.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedSuccess, again.Status)
	assert.Equal(t, []string{"a"}, exec.executed(), "completed plans do not re-run")
}

func TestExecute_UnknownPlan(t *testing.T) {
	m := seqManager(nil)
	_, err := m.Execute(context.Background(), "plan_missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
