package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mindforge-ai/mindforge/beliefs"
	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/kernel"
	"github.com/mindforge-ai/mindforge/llm"
	"github.com/mindforge-ai/mindforge/persist"
	"github.com/mindforge-ai/mindforge/plan"
)

// BlueprintAgent produces evolution blueprints. External collaborator;
// optional and always nil-guarded.
type BlueprintAgent interface {
	GenerateBlueprint(ctx context.Context, goal string) (map[string]interface{}, error)
}

// ActionConverter turns a blueprint into detailed BDI action descriptors.
// External collaborator; optional.
type ActionConverter interface {
	ConvertBlueprint(ctx context.Context, blueprint map[string]interface{}) ([]plan.Descriptor, error)
}

// Auditor runs audits over targets. External collaborator; optional.
type Auditor interface {
	RunAudit(ctx context.Context, scope string, targets []string) (*AuditResult, error)
}

// Validator runs validation test suites after code modification. Optional;
// when absent, validation conservatively reports success with a note.
type Validator interface {
	RunValidation(ctx context.Context, target string) (bool, string, error)
}

// AuditFinding is one issue surfaced by an audit.
type AuditFinding struct {
	ID          string `json:"id"`
	Target      string `json:"target"`
	Severity    string `json:"severity"` // critical, high, medium, low
	Description string `json:"description"`
}

// AuditResult is the outcome of one audit pass.
type AuditResult struct {
	Scope    string         `json:"scope"`
	Targets  []string       `json:"targets,omitempty"`
	Findings []AuditFinding `json:"findings"`
	Summary  string         `json:"summary,omitempty"`
}

// CampaignSummary is the run record appended to campaign history.
type CampaignSummary struct {
	RunID     string                 `json:"campaign_run_id"`
	AgentID   string                 `json:"agent_id"`
	Status    string                 `json:"overall_campaign_status"`
	Message   string                 `json:"final_message"`
	Data      map[string]interface{} `json:"campaign_data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Campaign statuses.
const (
	CampaignSuccess        = "SUCCESS"
	CampaignPartialSuccess = "PARTIAL_SUCCESS"
	CampaignFailure        = "FAILURE"
)

// Coordinator runs evolution campaigns for one agent.
type Coordinator struct {
	agentID string
	cfg     *core.Config
	kernel  *kernel.Kernel
	beliefs beliefs.Store
	llm     llm.Client
	logger  core.Logger
	store   *persist.Store

	blueprints BlueprintAgent
	converter  ActionConverter
	auditor    Auditor
	validator  Validator

	planMgr *plan.Manager
	Lessons *LessonsLearned

	mu            sync.Mutex
	history       []CampaignSummary
	currentRunID  string
	currentPlanID string
}

// CoordinatorOptions wires a Coordinator.
type CoordinatorOptions struct {
	AgentID    string
	Config     *core.Config
	Kernel     *kernel.Kernel
	Beliefs    beliefs.Store
	LLM        llm.Client
	Store      *persist.Store
	Blueprints BlueprintAgent
	Converter  ActionConverter
	Auditor    Auditor
	Validator  Validator
	Logger     core.Logger
}

// NewCoordinator creates a strategic evolution coordinator and loads its
// persisted campaign history.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if opts.Beliefs == nil {
		opts.Beliefs = beliefs.NewMemoryStore()
	}
	if opts.Config == nil {
		opts.Config = core.DefaultConfig()
	}

	c := &Coordinator{
		agentID:    opts.AgentID,
		cfg:        opts.Config,
		kernel:     opts.Kernel,
		beliefs:    opts.Beliefs,
		llm:        opts.LLM,
		logger:     core.ComponentLogger(logger, "evolution/"+opts.AgentID),
		store:      opts.Store,
		blueprints: opts.Blueprints,
		converter:  opts.Converter,
		auditor:    opts.Auditor,
		validator:  opts.Validator,
		Lessons:    NewLessonsLearned(opts.AgentID, opts.Store, logger),
	}
	c.planMgr = plan.NewManager(opts.AgentID, c.dispatchStrategicAction, core.PlanConfig{MaxConcurrent: 1}, logger)

	if c.store != nil {
		c.store.Load(c.historySnapshot(), &c.history)
	}
	return c
}

func (c *Coordinator) historySnapshot() string {
	return "campaign_history_" + unsafeIDChars.ReplaceAllString(c.agentID, "_")
}

// History returns a copy of the campaign history.
func (c *Coordinator) History() []CampaignSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CampaignSummary(nil), c.history...)
}

// concludeCampaign formats, records and persists the final summary.
func (c *Coordinator) concludeCampaign(status, message string, data map[string]interface{}) map[string]interface{} {
	summary := CampaignSummary{
		RunID:     c.currentRunID,
		AgentID:   c.agentID,
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.history = append(c.history, summary)
	if c.store != nil {
		if err := c.store.Save(c.historySnapshot(), c.history); err != nil {
			c.logger.Error("Failed to persist campaign history", map[string]interface{}{
				"operation": "campaign_conclude",
				"error":     err.Error(),
			})
		}
	}
	c.mu.Unlock()

	c.logger.Info("Campaign finished", map[string]interface{}{
		"operation": "campaign_conclude",
		"run_id":    summary.RunID,
		"status":    status,
		"message":   message,
	})

	out, _ := json.Marshal(summary)
	var asMap map[string]interface{}
	json.Unmarshal(out, &asMap)
	return asMap
}

// RunEvolutionCampaign manages a self-improvement campaign: blueprint, then
// a safe strategic plan executed through the plan manager, with one re-plan
// attempt on failure.
func (c *Coordinator) RunEvolutionCampaign(ctx context.Context, goal string) (map[string]interface{}, error) {
	if c.llm == nil {
		return c.concludeCampaign(CampaignFailure,
			"coordinator is non-operational: no LLM handler", map[string]interface{}{"goal": goal}), nil
	}

	c.currentRunID = core.NewID("sea_run")
	c.logger.Info("Starting evolution campaign", map[string]interface{}{
		"operation": "campaign_run",
		"run_id":    c.currentRunID,
		"goal":      goal,
	})

	var blueprint map[string]interface{}
	if c.blueprints != nil {
		var err error
		blueprint, err = c.blueprints.GenerateBlueprint(ctx, goal)
		if err != nil {
			return c.concludeCampaign(CampaignFailure,
				fmt.Sprintf("failed to generate a blueprint: %v", err),
				map[string]interface{}{"goal": goal}), nil
		}
	}

	finalPlan, err := c.planAndExecute(ctx, goal)
	if err != nil {
		return c.concludeCampaign(CampaignFailure, err.Error(), map[string]interface{}{"goal": goal}), nil
	}

	if finalPlan.Status != plan.StatusCompletedSuccess {
		c.logger.Warn("Campaign plan failed, attempting one re-plan", map[string]interface{}{
			"operation": "campaign_run",
			"run_id":    c.currentRunID,
			"reason":    finalPlan.FailureReason,
		})
		finalPlan, err = c.planAndExecute(ctx, goal)
		if err != nil {
			return c.concludeCampaign(CampaignFailure,
				"failed to generate a strategic plan after failure: "+err.Error(),
				map[string]interface{}{"goal": goal}), nil
		}
	}

	status := CampaignFailure
	if finalPlan.Status == plan.StatusCompletedSuccess {
		status = CampaignSuccess
	}
	reason := finalPlan.FailureReason
	if reason == "" {
		reason = "Completed."
	}
	message := fmt.Sprintf("Campaign plan %s. Reason: %s", finalPlan.Status, reason)

	data := map[string]interface{}{
		"goal":    goal,
		"plan_id": finalPlan.ID,
		"status":  string(finalPlan.Status),
		"results": finalPlan.ActionResults,
	}
	if blueprint != nil {
		data["blueprint"] = blueprint
	}
	return c.concludeCampaign(status, message, data), nil
}

// planAndExecute generates a doctrine-validated strategic plan and runs it.
func (c *Coordinator) planAndExecute(ctx context.Context, goal string) (*plan.Plan, error) {
	descriptors, err := c.generateStrategicPlan(ctx, goal)
	if err != nil {
		return nil, err
	}

	p, err := c.planMgr.Create(c.currentRunID, descriptors, "Strategic plan for: "+goal, c.agentID)
	if err != nil {
		return nil, err
	}
	c.currentPlanID = p.ID

	return c.planMgr.Execute(ctx, p.ID)
}

// generateStrategicPlan asks the LLM for a safe action sequence from the
// restricted vocabulary and rejects anything violating the doctrine.
func (c *Coordinator) generateStrategicPlan(ctx context.Context, goal string) ([]plan.Descriptor, error) {
	prompt := fmt.Sprintf(
		"You are a strategic planner for an autonomous system, focused on resilience.\n"+
			"Create a high-level, safe-by-default plan to achieve: '%s'\n\n"+
			"Available strategic actions: %s\n"+
			"CRITICAL DOCTRINE: any plan that modifies code via %s MUST be bracketed by "+
			"safety actions: %s -> %s -> %s. If validation fails the plan MUST include "+
			"%s as a subsequent step. This is non-negotiable.\n\n"+
			"Structure the plan as a JSON list of {\"type\", \"params\"} objects. Use "+
			"placeholders like \"$action_result.ACTION_ID.field\" to pass data between steps.\n"+
			"Respond ONLY with the JSON list of actions.",
		goal,
		strings.Join(StrategicActions, ", "),
		ActionRequestSIAExecution,
		ActionCreateRollbackPlan, ActionRequestSIAExecution, ActionRunValidationTests,
		ActionTriggerCoordinatedRollback)

	response, err := c.llm.GenerateText(ctx, prompt, &llm.Options{
		JSONMode:    true,
		Temperature: 0.1,
		MaxTokens:   2500,
	})
	if err != nil {
		return nil, fmt.Errorf("strategic plan generation failed: %w", err)
	}

	raw, err := llm.ExtractJSON(response)
	if err != nil {
		return nil, fmt.Errorf("strategic plan output unparseable: %w", err)
	}
	var descriptors []plan.Descriptor
	if err := json.Unmarshal(raw, &descriptors); err != nil {
		return nil, fmt.Errorf("strategic plan output malformed: %w", err)
	}
	for i := range descriptors {
		descriptors[i].Type = strings.ToUpper(descriptors[i].Type)
	}

	if err := ValidateSafetyDoctrine(descriptors); err != nil {
		return nil, err
	}
	return descriptors, nil
}

// beliefKey builds the namespaced key strategic handlers share state under.
func (c *Coordinator) beliefKey(parts ...string) string {
	segments := append([]string{"sea", c.agentID, "plan", c.currentPlanID}, parts...)
	return strings.Join(segments, ".")
}

// dispatchStrategicAction routes plan actions to the internal handlers.
func (c *Coordinator) dispatchStrategicAction(ctx context.Context, action *plan.Action) (bool, interface{}) {
	c.logger.Info("Dispatching strategic action", map[string]interface{}{
		"operation": "strategic_dispatch",
		"action_id": action.ID,
		"type":      action.Type,
	})

	switch action.Type {
	case ActionRequestSystemAnalysis:
		return c.actionRequestSystemAnalysis(ctx, action)
	case ActionSelectImprovementTarget:
		return c.actionSelectImprovementTarget(ctx, action)
	case ActionCreateRollbackPlan:
		return c.actionCreateRollbackPlan(ctx, action)
	case ActionFormulateSIATaskGoal:
		return c.actionFormulateSIATaskGoal(ctx, action)
	case ActionRequestSIAExecution:
		return c.actionRequestSIAExecution(ctx, action)
	case ActionRunValidationTests:
		return c.actionRunValidationTests(ctx, action)
	case ActionTriggerCoordinatedRollback:
		return c.actionTriggerCoordinatedRollback(ctx, action)
	case ActionEvaluateSIAOutcome:
		return c.actionEvaluateSIAOutcome(ctx, action)
	case ActionAnalyzeFailure:
		return c.actionAnalyzeFailure(ctx, action)
	default:
		return false, fmt.Sprintf("unknown strategic action type: %s", action.Type)
	}
}

func (c *Coordinator) actionRequestSystemAnalysis(ctx context.Context, action *plan.Action) (bool, interface{}) {
	if c.kernel == nil {
		return false, "no kernel attached for system analysis"
	}

	focus, _ := action.Params["focus_hint"].(string)
	if focus == "" {
		focus = "Analysis for campaign " + c.currentRunID
	}

	interaction, err := c.kernel.HandleInput(ctx, focus, c.agentID, kernel.KindSystemAnalysis, nil)
	if err != nil || interaction.Status != kernel.StatusCompleted {
		return false, map[string]interface{}{"message": "Analysis failed or yielded no suggestions."}
	}

	// The analysis telemetry plus the current backlog form the suggestion
	// pool later actions select from.
	suggestions := make([]map[string]interface{}, 0)
	for _, item := range c.kernel.Backlog().Items(kernel.BacklogPending, kernel.BacklogApproved) {
		suggestions = append(suggestions, map[string]interface{}{
			"target_component_path": item.Target,
			"suggestion":            item.Suggestion,
			"priority":              item.Priority,
		})
	}
	if len(suggestions) == 0 {
		return false, map[string]interface{}{"message": "Analysis failed or yielded no suggestions."}
	}

	key := c.beliefKey("analysis_suggestions")
	if err := c.beliefs.Add(ctx, key, suggestions, 0.9, beliefs.SourceSelfAnalysis, time.Hour); err != nil {
		return false, fmt.Sprintf("failed to store suggestions: %v", err)
	}
	return true, map[string]interface{}{
		"num_suggestions":        len(suggestions),
		"suggestions_belief_key": key,
	}
}

func (c *Coordinator) actionSelectImprovementTarget(ctx context.Context, action *plan.Action) (bool, interface{}) {
	key, _ := action.Params["suggestions_belief_key"].(string)
	if key == "" {
		key = c.beliefKey("analysis_suggestions")
	}

	belief, err := c.beliefs.Get(ctx, key)
	if err != nil || belief == nil {
		return false, fmt.Sprintf("no suggestions found at %s", key)
	}
	suggestions, ok := belief.Value.([]map[string]interface{})
	if !ok {
		// Beliefs round-tripped through JSON decode as []interface{}.
		if raw, isSlice := belief.Value.([]interface{}); isSlice {
			for _, item := range raw {
				if m, isMap := item.(map[string]interface{}); isMap {
					suggestions = append(suggestions, m)
				}
			}
		}
	}
	if len(suggestions) == 0 {
		return false, fmt.Sprintf("no suggestions found at %s", key)
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return asInt(suggestions[i]["priority"]) > asInt(suggestions[j]["priority"])
	})
	selected := suggestions[0]

	c.logger.Info("Selected improvement target", map[string]interface{}{
		"operation": "strategic_dispatch",
		"target":    selected["target_component_path"],
	})
	return true, map[string]interface{}{"selected_target_item": selected}
}

func (c *Coordinator) actionCreateRollbackPlan(ctx context.Context, action *plan.Action) (bool, interface{}) {
	target, _ := action.Params["target_file_path"].(string)
	if target == "" {
		return false, "missing 'target_file_path' for rollback plan"
	}

	path := filepath.Join(c.cfg.BDI.WorkspaceRoot, filepath.Clean(target))
	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Sprintf("failed to read original content of %s: %v", target, err)
		}
		// A new file has no prior content; rollback means deleting it.
		content = nil
	}

	key := c.beliefKey("rollback", strings.ReplaceAll(target, ".", "_"))
	if err := c.beliefs.Add(ctx, key, string(content), 0.99, beliefs.SourceSelfAnalysis, 2*time.Hour); err != nil {
		return false, fmt.Sprintf("failed to store rollback snapshot: %v", err)
	}

	return true, map[string]interface{}{
		"rollback_belief_key": key,
		"message":             fmt.Sprintf("Snapshot of %s saved.", target),
	}
}

func (c *Coordinator) actionFormulateSIATaskGoal(ctx context.Context, action *plan.Action) (bool, interface{}) {
	target, ok := action.Params["selected_target_item"].(map[string]interface{})
	if !ok {
		return false, "missing or invalid 'selected_target_item'"
	}

	task := map[string]interface{}{
		"target_component_path":   target["target_component_path"],
		"improvement_description": target["suggestion"],
		"priority":                asInt(target["priority"]),
	}
	return true, map[string]interface{}{"formulated_sia_task_details": task}
}

func (c *Coordinator) actionRequestSIAExecution(ctx context.Context, action *plan.Action) (bool, interface{}) {
	task, ok := action.Params["formulated_sia_task_details"].(map[string]interface{})
	if !ok {
		return false, "missing 'formulated_sia_task_details'"
	}
	if c.kernel == nil {
		return false, "no kernel attached for SIA execution"
	}

	target, _ := task["target_component_path"].(string)
	description, _ := task["improvement_description"].(string)
	content := fmt.Sprintf("Coordinator requests modification of %q. Goal: %s", target, truncate(description, 100))

	interaction, err := c.kernel.HandleInput(ctx, content, c.agentID, kernel.KindComponentImprovement,
		map[string]interface{}{
			"target_component": target,
			"analysis_context": description,
			"source":           "sea_campaign_" + c.currentRunID,
		})
	if err != nil {
		return false, map[string]interface{}{"coordinator_response": err.Error()}
	}

	success := interaction.Status == kernel.StatusCompleted
	return success, map[string]interface{}{
		"coordinator_response": interaction,
		"target_component":     target,
	}
}

func (c *Coordinator) actionRunValidationTests(ctx context.Context, action *plan.Action) (bool, interface{}) {
	target, _ := action.Params["target_component_path"].(string)

	if c.validator == nil {
		return true, map[string]interface{}{
			"tests_passed": true,
			"message":      "No validator attached; validation skipped.",
		}
	}

	passed, message, err := c.validator.RunValidation(ctx, target)
	if err != nil {
		return false, map[string]interface{}{
			"tests_passed": false,
			"message":      fmt.Sprintf("validation run failed: %v", err),
		}
	}
	return passed, map[string]interface{}{
		"tests_passed": passed,
		"message":      message,
	}
}

func (c *Coordinator) actionTriggerCoordinatedRollback(ctx context.Context, action *plan.Action) (bool, interface{}) {
	// The failure path is only taken when validation actually failed.
	if passed, ok := action.Params["tests_passed"].(bool); ok && passed {
		return true, map[string]interface{}{"message": "Validation passed; rollback not required."}
	}

	key, _ := action.Params["rollback_belief_key"].(string)
	if key == "" {
		return false, "missing 'rollback_belief_key'"
	}
	belief, err := c.beliefs.Get(ctx, key)
	if err != nil || belief == nil {
		return false, fmt.Sprintf("rollback data not found at %q", key)
	}

	target, _ := action.Params["target_file_path"].(string)
	if target == "" {
		return false, "missing 'target_file_path'"
	}
	content, _ := belief.Value.(string)
	path := filepath.Join(c.cfg.BDI.WorkspaceRoot, filepath.Clean(target))

	c.logger.Warn("Triggering coordinated rollback", map[string]interface{}{
		"operation": "strategic_dispatch",
		"target":    target,
	})

	if content == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Sprintf("rollback of %s failed: %v", target, err)
		}
	} else if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Sprintf("rollback of %s failed: %v", target, err)
	}
	return true, map[string]interface{}{"message": fmt.Sprintf("Rollback of %s executed.", target)}
}

func (c *Coordinator) actionEvaluateSIAOutcome(ctx context.Context, action *plan.Action) (bool, interface{}) {
	outcome := action.Params["coordinator_response"]
	if outcome == nil {
		return false, "missing SIA outcome data"
	}

	successful := false
	switch v := outcome.(type) {
	case *kernel.Interaction:
		successful = v.Status == kernel.StatusCompleted
	case map[string]interface{}:
		status, _ := v["status"].(string)
		successful = status == string(kernel.StatusCompleted) || status == CampaignSuccess
	}

	assessment := "Negative"
	if successful {
		assessment = "Positive"
	}
	return successful, map[string]interface{}{"assessment": assessment, "details": outcome}
}

func (c *Coordinator) actionAnalyzeFailure(ctx context.Context, action *plan.Action) (bool, interface{}) {
	if c.llm == nil {
		return false, "no LLM handler for failure analysis"
	}
	failure, _ := action.Params["failure"].(string)
	if failure == "" {
		failure = fmt.Sprintf("%v", action.Params["failure"])
	}

	response, err := c.llm.GenerateText(ctx,
		"Analyze the following failure in an autonomous evolution campaign and "+
			"suggest the most likely root cause and one corrective step.\nFailure: "+failure,
		&llm.Options{})
	if err != nil {
		return false, fmt.Sprintf("failure analysis failed: %v", err)
	}
	return true, response
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
