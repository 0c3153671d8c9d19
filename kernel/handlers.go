package kernel

import (
	"context"
	"fmt"
	"strings"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/llm"
)

// handleQuery answers a free-form question with the kernel's configured
// model. Light handler: bypasses the heavy-task semaphore.
func (k *Kernel) handleQuery(ctx context.Context, i *Interaction) {
	if k.llm == nil {
		k.failInteraction(i, core.KindLLMError, "no LLM handler configured")
		return
	}

	answer, err := k.llm.GenerateText(ctx, i.Content, &llm.Options{
		Model: k.cfg.LLM.Model,
	})
	if err != nil {
		k.failInteraction(i, core.KindOf(err), err.Error())
		return
	}
	k.completeInteraction(i, map[string]interface{}{
		"status": "SUCCESS",
		"answer": answer,
	})
}

// handleSystemAnalysis gathers simple telemetry. Light handler.
func (k *Kernel) handleSystemAnalysis(ctx context.Context, i *Interaction) {
	k.mu.RLock()
	agentCount := len(k.agents)
	inProgress := 0
	for _, other := range k.interactions {
		if other.Status == StatusInProgress && other.ID != i.ID {
			inProgress++
		}
	}
	k.mu.RUnlock()

	k.completeInteraction(i, map[string]interface{}{
		"status": "SUCCESS",
		"telemetry": map[string]interface{}{
			"registered_agent_count":   agentCount,
			"active_interaction_count": inProgress,
			"subscribed_topic_count":   len(k.bus.Topics()),
			"improvement_backlog_size": k.backlog.Size(),
		},
	})
}

// handleComponentImprovement runs the system analyzer, seeds the backlog
// with its suggestions, and kicks off a campaign on the top one
// (best-effort, async). Heavy handler: bounded by the semaphore.
func (k *Kernel) handleComponentImprovement(ctx context.Context, i *Interaction) {
	select {
	case k.heavySem <- struct{}{}:
		defer func() { <-k.heavySem }()
	case <-ctx.Done():
		k.failInteraction(i, core.KindTimeout, "timed out waiting for heavy-task slot")
		return
	}

	if k.analyzer == nil {
		k.failInteraction(i, core.KindToolUnavailable, "system analyzer not available")
		return
	}

	suggestions, err := k.analyzer.AnalyzeSystem(ctx, i.Content)
	if err != nil {
		k.failInteraction(i, core.KindOf(err), fmt.Sprintf("system analysis failed: %v", err))
		return
	}
	if len(suggestions) == 0 {
		k.completeInteraction(i, map[string]interface{}{
			"status":  "SUCCESS",
			"message": "System analysis complete, no new improvement suggestions were generated.",
		})
		return
	}

	source := "component_improvement"
	if i.UserID != "" {
		source = "component_improvement:" + i.UserID
	}
	for _, s := range suggestions {
		k.backlog.Add(s.Target, s.Suggestion, source, s.Priority, nil)
	}

	// Best-effort campaign on the top suggestion; its outcome never blocks
	// nor fails this interaction.
	top := suggestions[0]
	directive := fmt.Sprintf("Improve %s: %s", top.Target, top.Suggestion)
	campaignStarted := false
	// Improvement requests issued from inside a campaign must not spawn
	// another campaign.
	fromCampaign := false
	if src, ok := i.Metadata["source"].(string); ok {
		fromCampaign = strings.HasPrefix(src, "sea_campaign_")
	}
	if k.campaigner != nil && !fromCampaign {
		campaignStarted = true
		go func() {
			campaignCtx := context.Background()
			if _, err := k.campaigner.RunEvolutionCampaign(campaignCtx, directive); err != nil {
				k.logger.Warn("Auto-invoked campaign failed", map[string]interface{}{
					"operation": "component_improvement",
					"directive": directive,
					"error":     err.Error(),
				})
				return
			}
			k.bus.Publish(campaignCtx, "component.improvement.success", map[string]interface{}{
				"directive": directive,
				"target":    top.Target,
			})
		}()
	}

	message := fmt.Sprintf("Generated %d suggestions", len(suggestions))
	if campaignStarted {
		message = fmt.Sprintf(
			"Successfully generated %d suggestions and initiated evolution campaign for the top suggestion: '%s'",
			len(suggestions), directive)
	}
	k.completeInteraction(i, map[string]interface{}{
		"status":           "SUCCESS",
		"message":          message,
		"suggestion_count": len(suggestions),
	})
}

// handlePublishEvent publishes metadata-carried topic/data to the bus.
func (k *Kernel) handlePublishEvent(ctx context.Context, i *Interaction) {
	topic, _ := i.Metadata["topic"].(string)
	if topic == "" {
		k.failInteraction(i, core.KindInvalidInput, "missing 'topic' in metadata")
		return
	}
	data, _ := i.Metadata["data"].(map[string]interface{})

	k.bus.Publish(ctx, topic, data)
	k.completeInteraction(i, map[string]interface{}{
		"status":  "SUCCESS",
		"message": fmt.Sprintf("Event published to topic %q.", topic),
	})
}

// ProcessNextBacklogItem pops the highest-priority actionable item and
// converts it into a component_improvement interaction.
func (k *Kernel) ProcessNextBacklogItem(ctx context.Context) (*Interaction, error) {
	item := k.backlog.PopActionable()
	if item == nil {
		return nil, fmt.Errorf("no actionable backlog items: %w", core.ErrNotFound)
	}

	content := fmt.Sprintf("Improve %s: %s", item.Target, item.Suggestion)
	interaction, err := k.HandleInput(ctx, content, "backlog_processor", KindComponentImprovement,
		map[string]interface{}{
			"backlog_item_id": item.ID,
			"target":          item.Target,
		})
	if err != nil {
		k.backlog.SetStatus(item.ID, BacklogFailed)
		return nil, err
	}

	if interaction.Status == StatusCompleted {
		k.backlog.SetStatus(item.ID, BacklogCompleted)
	} else {
		k.backlog.SetStatus(item.ID, BacklogFailed)
	}
	return interaction, nil
}
