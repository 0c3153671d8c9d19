package bdi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mindforge-ai/mindforge/beliefs"
	"github.com/mindforge-ai/mindforge/llm"
	"github.com/mindforge-ai/mindforge/plan"
)

// ActionHandler executes one internal action with resolved params.
type ActionHandler func(ctx context.Context, action *plan.Action) (bool, interface{})

// cognitiveActions all share the LLM-backed handler: the action type names
// the cognitive operation, the params carry the task.
var cognitiveActions = []string{
	"ANALYZE_DATA",
	"SYNTHESIZE_INFO",
	"IDENTIFY_CRITERIA",
	"EVALUATE_OPTIONS",
	"MAKE_DECISION",
	"GENERATE_REPORT",
	"ANALYZE_FAILURE",
}

// installInternalActions builds the executor's internal action table.
func (e *Executor) installInternalActions() {
	e.internalActions = map[string]ActionHandler{
		"UPDATE_BELIEF": e.actionUpdateBelief,
		"NO_OP":         e.actionNoOp,
		"FAIL_ACTION":   e.actionFail,
		"EXECUTE_STRATEGIC_EVOLUTION_CAMPAIGN": e.actionRunCampaign,

		"READ_FILE":        e.actionReadFile,
		"WRITE_FILE":       e.actionWriteFile,
		"LIST_FILES":       e.actionListFiles,
		"CREATE_DIRECTORY": e.actionCreateDirectory,
	}
	for _, name := range cognitiveActions {
		e.internalActions[name] = e.actionCognitive
	}
}

// RegisterAction extends the internal action table at runtime. Names that
// collide with existing actions or loaded tools are rejected.
func (e *Executor) RegisterAction(name string, handler ActionHandler) error {
	name = strings.ToUpper(name)
	if _, exists := e.internalActions[name]; exists {
		return fmt.Errorf("action %s already registered", name)
	}
	if _, exists := e.tools.Get(name); exists {
		return fmt.Errorf("action %s collides with a loaded tool", name)
	}
	e.internalActions[name] = handler
	return nil
}

// internalActionSpecs derives the manifest entries for the built-in actions.
func (e *Executor) internalActionSpecs() []ActionSpec {
	specs := []ActionSpec{
		{Type: "UPDATE_BELIEF", Description: "Store a fact in the belief store.", RequiredParams: []string{"key", "value"}},
		{Type: "NO_OP", Description: "Do nothing."},
		{Type: "FAIL_ACTION", Description: "Deliberately fail, for testing recovery paths."},
		{Type: "EXECUTE_STRATEGIC_EVOLUTION_CAMPAIGN", Description: "Run a strategic evolution campaign.", RequiredParams: []string{"goal"}},
		{Type: "READ_FILE", Description: "Read a file inside the workspace.", RequiredParams: []string{"path"}},
		{Type: "WRITE_FILE", Description: "Write a file inside the workspace.", RequiredParams: []string{"path", "content"}},
		{Type: "LIST_FILES", Description: "List a workspace directory.", RequiredParams: []string{"path"}},
		{Type: "CREATE_DIRECTORY", Description: "Create a workspace directory.", RequiredParams: []string{"path"}},
	}
	for _, name := range cognitiveActions {
		specs = append(specs, ActionSpec{
			Type:           name,
			Description:    fmt.Sprintf("LLM cognitive step: %s.", strings.ReplaceAll(strings.ToLower(name), "_", " ")),
			RequiredParams: []string{"task_description"},
		})
	}
	return specs
}

// actionCognitive synthesizes a belief-aware prompt and runs the LLM.
func (e *Executor) actionCognitive(ctx context.Context, action *plan.Action) (bool, interface{}) {
	if e.llm == nil {
		return false, "LLM handler not available"
	}

	task, _ := action.Params["task_description"].(string)
	if task == "" {
		task = fmt.Sprintf("Perform: %s.", action.Type)
	}
	actionContext, _ := action.Params["context"].(string)
	if actionContext == "" {
		actionContext = "No specific context provided."
	}

	beliefSummary := e.beliefSummary(ctx, "knowledge", 5, 80)
	prompt := fmt.Sprintf(
		"As an AI agent's cognitive core, perform the action: %s.\nTask: %s\nContext:\n%s\n\nCurrent Beliefs:\n%s\n\nProvide a comprehensive, reasoned response.",
		action.Type, task, actionContext, beliefSummary)

	response, err := e.llm.GenerateText(ctx, prompt, &llm.Options{})
	if err != nil {
		return false, fmt.Sprintf("LLM call failed: %v", err)
	}
	return true, response
}

func (e *Executor) actionUpdateBelief(ctx context.Context, action *plan.Action) (bool, interface{}) {
	key, _ := action.Params["key"].(string)
	value, hasValue := action.Params["value"]
	if key == "" || !hasValue {
		return false, "missing 'key' or 'value' parameter"
	}
	if err := e.beliefs.Add(ctx, key, value, 0.9, beliefs.SourceSelfAnalysis, 0); err != nil {
		return false, fmt.Sprintf("belief update failed: %v", err)
	}
	return true, fmt.Sprintf("belief %q updated", key)
}

func (e *Executor) actionNoOp(ctx context.Context, action *plan.Action) (bool, interface{}) {
	return true, "no-op"
}

func (e *Executor) actionFail(ctx context.Context, action *plan.Action) (bool, interface{}) {
	reason, _ := action.Params["reason"].(string)
	if reason == "" {
		reason = "deliberate failure"
	}
	return false, reason
}

func (e *Executor) actionRunCampaign(ctx context.Context, action *plan.Action) (bool, interface{}) {
	if e.campaigns == nil {
		return false, "no campaign runner attached"
	}
	goal, _ := action.Params["goal"].(string)
	if goal == "" {
		return false, "missing 'goal' parameter"
	}
	summary, err := e.campaigns.RunEvolutionCampaign(ctx, goal)
	if err != nil {
		return false, fmt.Sprintf("campaign failed: %v", err)
	}
	return true, summary
}

// workspacePath joins and confines a relative path to the workspace root.
// Escapes are a PERMISSION_ERROR for the recovery machinery.
func (e *Executor) workspacePath(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty path")
	}
	cleaned := filepath.Clean(raw)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("permission denied: path %q escapes the workspace", raw)
	}
	return filepath.Join(e.workspaceRoot, cleaned), nil
}

func (e *Executor) actionReadFile(ctx context.Context, action *plan.Action) (bool, interface{}) {
	rawPath, _ := action.Params["path"].(string)
	path, err := e.workspacePath(rawPath)
	if err != nil {
		return false, err.Error()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Sprintf("read failed: %v", err)
	}
	return true, string(data)
}

func (e *Executor) actionWriteFile(ctx context.Context, action *plan.Action) (bool, interface{}) {
	rawPath, _ := action.Params["path"].(string)
	content, _ := action.Params["content"].(string)
	path, err := e.workspacePath(rawPath)
	if err != nil {
		return false, err.Error()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Sprintf("write failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Sprintf("write failed: %v", err)
	}
	return true, fmt.Sprintf("wrote %d bytes to %s", len(content), rawPath)
}

func (e *Executor) actionListFiles(ctx context.Context, action *plan.Action) (bool, interface{}) {
	rawPath, _ := action.Params["path"].(string)
	path, err := e.workspacePath(rawPath)
	if err != nil {
		return false, err.Error()
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, fmt.Sprintf("list failed: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return true, names
}

func (e *Executor) actionCreateDirectory(ctx context.Context, action *plan.Action) (bool, interface{}) {
	rawPath, _ := action.Params["path"].(string)
	path, err := e.workspacePath(rawPath)
	if err != nil {
		return false, err.Error()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false, fmt.Sprintf("mkdir failed: %v", err)
	}
	return true, fmt.Sprintf("created %s", rawPath)
}

// beliefSummary renders a bounded view of the agent's beliefs for prompts.
func (e *Executor) beliefSummary(ctx context.Context, prefix string, maxBeliefs, maxValueLen int) string {
	entries, err := e.beliefs.Query(ctx, prefix)
	if err != nil || len(entries) == 0 {
		return "(no relevant beliefs)"
	}
	if len(entries) > maxBeliefs {
		entries = entries[:maxBeliefs]
	}
	var b strings.Builder
	for _, entry := range entries {
		value := fmt.Sprintf("%v", entry.Belief.Value)
		if len(value) > maxValueLen {
			value = value[:maxValueLen] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", entry.Key, value)
	}
	return b.String()
}
