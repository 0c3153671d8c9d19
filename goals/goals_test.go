package goals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindforge-ai/mindforge/core"
)

func TestAdd_PriorityClamping(t *testing.T) {
	set := NewSet(nil)

	low, err := set.Add("low", -3)
	require.NoError(t, err)
	assert.Equal(t, 1, low.Priority)

	high, err := set.Add("high", 42)
	require.NoError(t, err)
	assert.Equal(t, 10, high.Priority)
}

func TestAdd_EmptyDescriptionRejected(t *testing.T) {
	set := NewSet(nil)
	_, err := set.Add("", 5)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestAdd_DuplicateActiveDescription(t *testing.T) {
	set := NewSet(nil)

	first, err := set.Add("fix the parser", 3)
	require.NoError(t, err)

	second, err := set.Add("fix the parser", 7)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "non-terminal duplicate returns the existing goal")
	assert.Equal(t, 7, set.Get(first.ID).Priority, "higher priority wins")
}

func TestNextActionable_PriorityThenAge(t *testing.T) {
	set := NewSet(nil)

	older, err := set.Add("older", 5)
	require.NoError(t, err)
	_, err = set.Add("newer same priority", 5)
	require.NoError(t, err)
	_, err = set.Add("low priority", 2)
	require.NoError(t, err)

	next := set.NextActionable()
	require.NotNil(t, next)
	assert.Equal(t, older.ID, next.ID, "ties break by earlier creation")

	urgent, err := set.Add("urgent", 9)
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, set.NextActionable().ID)
}

func TestNextActionable_SkipsUnsatisfiedDependencies(t *testing.T) {
	set := NewSet(nil)

	dep, err := set.Add("dependency", 5)
	require.NoError(t, err)
	blocked, err := set.Add("blocked", 9, WithDependencies(dep.ID))
	require.NoError(t, err)

	assert.Equal(t, StatusPausedDependency, set.Get(blocked.ID).Status)
	assert.Equal(t, dep.ID, set.NextActionable().ID, "blocked goal is not actionable despite higher priority")
}

func TestUpdateStatus_PromotesDependents(t *testing.T) {
	set := NewSet(nil)

	dep, err := set.Add("dependency", 5)
	require.NoError(t, err)
	blocked, err := set.Add("blocked", 9, WithDependencies(dep.ID))
	require.NoError(t, err)
	require.Equal(t, StatusPausedDependency, set.Get(blocked.ID).Status)

	require.NoError(t, set.UpdateStatus(dep.ID, StatusCompletedSuccess, ""))

	assert.Equal(t, StatusPending, set.Get(blocked.ID).Status,
		"completing the last dependency promotes the dependent in the same call")
	assert.Equal(t, blocked.ID, set.NextActionable().ID)
}

func TestUpdateStatus_PromotionWaitsForAllDependencies(t *testing.T) {
	set := NewSet(nil)

	dep1, _ := set.Add("dep one", 5)
	dep2, _ := set.Add("dep two", 5)
	blocked, err := set.Add("blocked", 8, WithDependencies(dep1.ID, dep2.ID))
	require.NoError(t, err)

	require.NoError(t, set.UpdateStatus(dep1.ID, StatusCompletedSuccess, ""))
	assert.Equal(t, StatusPausedDependency, set.Get(blocked.ID).Status)

	require.NoError(t, set.UpdateStatus(dep2.ID, StatusCompletedSuccess, ""))
	assert.Equal(t, StatusPending, set.Get(blocked.ID).Status)
}

func TestAddDependency_RejectsCycles(t *testing.T) {
	set := NewSet(nil)

	g1, _ := set.Add("g1", 5)
	g2, _ := set.Add("g2", 5)
	require.NoError(t, set.AddDependency(g1.ID, g2.ID))

	err := set.AddDependency(g2.ID, g1.ID)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	assert.Empty(t, set.Get(g2.ID).DependencyIDs, "rejected insertion leaves the graph unchanged")
}

func TestAddDependency_RejectsTransitiveCycles(t *testing.T) {
	set := NewSet(nil)

	g1, _ := set.Add("g1", 5)
	g2, _ := set.Add("g2", 5)
	g3, _ := set.Add("g3", 5)
	require.NoError(t, set.AddDependency(g1.ID, g2.ID))
	require.NoError(t, set.AddDependency(g2.ID, g3.ID))

	err := set.AddDependency(g3.ID, g1.ID)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	assert.Empty(t, set.Get(g3.ID).DependencyIDs)
}

func TestAddDependency_SelfRejected(t *testing.T) {
	set := NewSet(nil)
	g1, _ := set.Add("g1", 5)
	assert.ErrorIs(t, set.AddDependency(g1.ID, g1.ID), core.ErrInvalidInput)
}

func TestAddDependency_PausesPendingGoal(t *testing.T) {
	set := NewSet(nil)

	g1, _ := set.Add("g1", 5)
	g2, _ := set.Add("g2", 5)
	require.NoError(t, set.AddDependency(g1.ID, g2.ID))

	assert.Equal(t, StatusPausedDependency, set.Get(g1.ID).Status)
}

func TestAll_FilterAndOrder(t *testing.T) {
	set := NewSet(nil)

	a, _ := set.Add("a", 3)
	b, _ := set.Add("b", 7)
	set.UpdateStatus(a.ID, StatusCompletedSuccess, "")

	pending := set.All(StatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	all := set.All()
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "ordered by priority desc")
}

func TestStatusSummary(t *testing.T) {
	set := NewSet(nil)

	a, _ := set.Add("a", 3)
	set.Add("b", 3)
	set.UpdateStatus(a.ID, StatusFailedExecution, "boom")

	summary := set.StatusSummary()
	assert.Equal(t, 1, summary[StatusPending])
	assert.Equal(t, 1, summary[StatusFailedExecution])
	assert.Equal(t, "boom", set.Get(a.ID).FailureReason)
}
