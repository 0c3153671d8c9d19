package kernel

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
	"github.com/mindforge-ai/mindforge/llm"
)

func testConfig(t *testing.T) *core.Config {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Kernel.MaxConcurrentHeavyTasks = 2
	cfg.Kernel.DirectiveTimeoutSeconds = 10
	return cfg
}

func TestHandleInput_Query(t *testing.T) {
	client := llm.NewMockClient()
	client.Responses = []string{"4"}
	k := NewTestKernel(testConfig(t), client)

	interaction, err := k.HandleInput(context.Background(), "2+2?", "tester", KindQuery, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, interaction.Status)
	response := interaction.Response.(map[string]interface{})
	assert.Equal(t, "SUCCESS", response["status"])
	assert.NotEmpty(t, response["answer"])
	assert.NotNil(t, interaction.CompletedAt)

	// The kernel always self-registers.
	assert.GreaterOrEqual(t, len(k.Agents()), 1)
}

func TestHandleInput_QueryWithoutLLMFails(t *testing.T) {
	k := NewTestKernel(testConfig(t), nil)

	interaction, err := k.HandleInput(context.Background(), "2+2?", "tester", KindQuery, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, interaction.Status)
	assert.Contains(t, interaction.Error, core.KindLLMError)
}

func TestHandleInput_InvalidInput(t *testing.T) {
	k := NewTestKernel(testConfig(t), nil)

	_, err := k.HandleInput(context.Background(), "", "tester", KindQuery, nil)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = k.HandleInput(context.Background(), "hi", "tester", Kind("bogus"), nil)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestInteraction_MonotonicTransitions(t *testing.T) {
	i := &Interaction{ID: "i1", Status: StatusPending}

	require.NoError(t, i.transition(StatusInProgress))
	require.NoError(t, i.transition(StatusCompleted))

	err := i.transition(StatusPending)
	assert.Error(t, err, "status never moves backward")
	assert.Equal(t, StatusCompleted, i.Status)
}

func TestProcessInteraction_RejectsNonPending(t *testing.T) {
	client := llm.NewMockClient()
	k := NewTestKernel(testConfig(t), client)

	interaction, err := k.HandleInput(context.Background(), "hi", "tester", KindQuery, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, interaction.Status)

	_, err = k.ProcessInteraction(context.Background(), interaction)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestSystemAnalysis_Telemetry(t *testing.T) {
	k := NewTestKernel(testConfig(t), nil)
	k.Subscribe("some.topic", func(ctx context.Context, topic string, data map[string]interface{}) {})

	interaction, err := k.HandleInput(context.Background(), "analyze", "tester", KindSystemAnalysis, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, interaction.Status)

	response := interaction.Response.(map[string]interface{})
	telemetry := response["telemetry"].(map[string]interface{})
	assert.Equal(t, 1, telemetry["registered_agent_count"])
	assert.Equal(t, 0, telemetry["active_interaction_count"])
	assert.Equal(t, 1, telemetry["subscribed_topic_count"])
}

func TestPublishEvent_Handler(t *testing.T) {
	k := NewTestKernel(testConfig(t), nil)

	received := make(chan map[string]interface{}, 1)
	k.Subscribe("deploy.finished", func(ctx context.Context, topic string, data map[string]interface{}) {
		received <- data
	})

	interaction, err := k.HandleInput(context.Background(), "publish", "tester", KindPublishEvent,
		map[string]interface{}{
			"topic": "deploy.finished",
			"data":  map[string]interface{}{"version": "1.2.3"},
		})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, interaction.Status)

	select {
	case data := <-received:
		assert.Equal(t, "1.2.3", data["version"])
	case <-time.After(time.Second):
		t.Fatal("subscriber was not invoked")
	}
}

func TestPublishEvent_MissingTopic(t *testing.T) {
	k := NewTestKernel(testConfig(t), nil)

	interaction, err := k.HandleInput(context.Background(), "publish", "tester", KindPublishEvent, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, interaction.Status)
	assert.Contains(t, interaction.Error, core.KindInvalidInput)
}

func TestEventBus_SubscriberPanicIsolated(t *testing.T) {
	bus := NewEventBus(nil)

	var healthy int64
	bus.Subscribe("t", func(ctx context.Context, topic string, data map[string]interface{}) {
		panic("subscriber bug")
	})
	bus.Subscribe("t", func(ctx context.Context, topic string, data map[string]interface{}) {
		atomic.AddInt64(&healthy, 1)
	})

	bus.Publish(context.Background(), "t", nil)
	assert.Equal(t, int64(1), atomic.LoadInt64(&healthy),
		"a panicking subscriber never aborts the others")
}

func TestEventBus_ConcurrentSubscribers(t *testing.T) {
	bus := NewEventBus(nil)

	var count int64
	for i := 0; i < 10; i++ {
		bus.Subscribe("fanout", func(ctx context.Context, topic string, data map[string]interface{}) {
			atomic.AddInt64(&count, 1)
		})
	}

	bus.Publish(context.Background(), "fanout", nil)
	assert.Equal(t, int64(10), atomic.LoadInt64(&count))
}

// slowAnalyzer blocks until released to make concurrency observable.
type slowAnalyzer struct {
	mu      sync.Mutex
	current int64
	peak    int64
	delay   time.Duration
}

func (s *slowAnalyzer) AnalyzeSystem(ctx context.Context, focus string) ([]Suggestion, error) {
	n := atomic.AddInt64(&s.current, 1)
	s.mu.Lock()
	if n > s.peak {
		s.peak = n
	}
	s.mu.Unlock()
	time.Sleep(s.delay)
	atomic.AddInt64(&s.current, -1)
	return []Suggestion{{Target: "tools/widget", Suggestion: "polish it", Priority: 5}}, nil
}

func TestComponentImprovement_HeavyTaskBound(t *testing.T) {
	cfg := testConfig(t)
	cfg.Kernel.MaxConcurrentHeavyTasks = 2
	k := NewTestKernel(cfg, nil)

	analyzer := &slowAnalyzer{delay: 30 * time.Millisecond}
	k.SetSystemAnalyzer(analyzer)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := k.HandleInput(context.Background(),
				fmt.Sprintf("improve %d", i), "tester", KindComponentImprovement, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, analyzer.peak, int64(2),
		"in-flight improvement handlers bounded by max_concurrent_heavy_tasks")
	assert.Equal(t, 6, len(k.Backlog().Items()), "each analysis seeded the backlog")
}

func TestComponentImprovement_NoAnalyzer(t *testing.T) {
	k := NewTestKernel(testConfig(t), nil)

	interaction, err := k.HandleInput(context.Background(), "improve", "tester", KindComponentImprovement, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, interaction.Status)
	assert.Contains(t, interaction.Error, core.KindToolUnavailable)
}

type fakeCampaigner struct {
	mu    sync.Mutex
	goals []string
	done  chan struct{}
}

func (f *fakeCampaigner) RunEvolutionCampaign(ctx context.Context, goal string) (map[string]interface{}, error) {
	f.mu.Lock()
	f.goals = append(f.goals, goal)
	f.mu.Unlock()
	select {
	case f.done <- struct{}{}:
	default:
	}
	return map[string]interface{}{"overall_campaign_status": "SUCCESS"}, nil
}

func TestComponentImprovement_AutoCampaignOnce(t *testing.T) {
	k := NewTestKernel(testConfig(t), nil)
	k.SetSystemAnalyzer(&slowAnalyzer{})
	campaigner := &fakeCampaigner{done: make(chan struct{}, 1)}
	k.SetCampaigner(campaigner)

	interaction, err := k.HandleInput(context.Background(), "improve the widget", "tester", KindComponentImprovement, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, interaction.Status)

	select {
	case <-campaigner.done:
	case <-time.After(time.Second):
		t.Fatal("campaign was not invoked")
	}

	campaigner.mu.Lock()
	defer campaigner.mu.Unlock()
	assert.Len(t, campaigner.goals, 1, "the improvement handler runs the campaign exactly once")
}

func TestAgentRegistry(t *testing.T) {
	k := NewTestKernel(testConfig(t), nil)

	require.NoError(t, k.RegisterAgent("worker_1", "worker", "does work", struct{ secret string }{"x"}))
	assert.ErrorIs(t, k.RegisterAgent("worker_1", "worker", "dup", nil), core.ErrAlreadyRegistered)

	snapshot := k.Agents()
	for _, reg := range snapshot {
		assert.Nil(t, reg.Instance, "snapshots never leak instance refs")
	}

	require.NoError(t, k.DeregisterAgent("worker_1"))
	assert.ErrorIs(t, k.DeregisterAgent("worker_1"), core.ErrNotFound)
	assert.ErrorIs(t, k.DeregisterAgent("kernel"), core.ErrInvalidInput)
}

func TestBacklog_ApproveRejectFlow(t *testing.T) {
	k := NewTestKernel(testConfig(t), nil)
	backlog := k.Backlog()

	routine := backlog.Add("tools/widget", "tighten bolts", "test", 4, nil)
	critical := backlog.Add("kernel/core", "rewrite scheduler", "test", 9, nil)

	// The critical target needs approval first despite its higher priority.
	item := backlog.PopActionable()
	require.NotNil(t, item)
	assert.Equal(t, routine.ID, item.ID)

	assert.Nil(t, backlog.PopActionable(), "critical item is not actionable before approval")

	require.NoError(t, backlog.Approve(critical.ID))
	item = backlog.PopActionable()
	require.NotNil(t, item)
	assert.Equal(t, critical.ID, item.ID)
	assert.Equal(t, 1, item.AttemptCount)
	assert.NotNil(t, item.LastAttemptedAt)

	require.NoError(t, backlog.Reject(routine.ID))
	assert.ErrorIs(t, backlog.Approve("missing"), core.ErrNotFound)
}

func TestBacklog_PersistsAcrossInstances(t *testing.T) {
	cfg := testConfig(t)
	k := NewTestKernel(cfg, nil)
	k.Backlog().Add("tools/widget", "persist me", "test", 5, nil)

	reloaded := NewTestKernel(cfg, nil)
	items := reloaded.Backlog().Items()
	require.Len(t, items, 1)
	assert.Equal(t, "persist me", items[0].Suggestion)
}

// emptyAnalyzer reports a clean system.
type emptyAnalyzer struct{}

func (emptyAnalyzer) AnalyzeSystem(ctx context.Context, focus string) ([]Suggestion, error) {
	return nil, nil
}

func TestProcessNextBacklogItem(t *testing.T) {
	k := NewTestKernel(testConfig(t), nil)
	k.SetSystemAnalyzer(emptyAnalyzer{})
	k.Backlog().Add("tools/widget", "improve logging", "test", 5, nil)

	interaction, err := k.ProcessNextBacklogItem(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindComponentImprovement, interaction.Kind)
	assert.Equal(t, StatusCompleted, interaction.Status)

	_, err = k.ProcessNextBacklogItem(context.Background())
	assert.ErrorIs(t, err, core.ErrNotFound, "backlog drained")
}
