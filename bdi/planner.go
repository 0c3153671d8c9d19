package bdi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/goals"
	"github.com/mindforge-ai/mindforge/llm"
	"github.com/mindforge-ai/mindforge/plan"
)

// planSchema is the structural contract every generated plan must satisfy
// before the manifest-level checks run.
const planSchema = `{
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["type"],
    "properties": {
      "id": {"type": "string"},
      "type": {"type": "string", "minLength": 1},
      "params": {"type": "object"},
      "description": {"type": "string"},
      "dependency_ids": {"type": "array", "items": {"type": "string"}},
      "is_critical": {"type": "boolean"}
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
)

func planJSONSchema() *jsonschema.Schema {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
		if err != nil {
			panic(fmt.Sprintf("invalid built-in plan schema: %v", err))
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("plan.json", doc); err != nil {
			panic(fmt.Sprintf("registering plan schema: %v", err))
		}
		compiledSchema, err = compiler.Compile("plan.json")
		if err != nil {
			panic(fmt.Sprintf("compiling plan schema: %v", err))
		}
	})
	return compiledSchema
}

// ActionSpec describes one entry of the planner's action manifest.
type ActionSpec struct {
	Type           string
	Description    string
	RequiredParams []string
}

// Planner turns a goal into a validated action list via the LLM, repairing
// structurally invalid output up to a bounded number of attempts.
type Planner struct {
	client            llm.Client
	logger            core.Logger
	maxRepairAttempts int
	pathRules         map[string]string
}

// NewPlanner creates a planner. pathRules maps logical component names to
// resolved paths for post-generation correction; nil disables correction.
func NewPlanner(client llm.Client, maxRepairAttempts int, pathRules map[string]string, logger core.Logger) *Planner {
	if maxRepairAttempts < 0 {
		maxRepairAttempts = 0
	}
	return &Planner{
		client:            client,
		logger:            core.ComponentLogger(logger, "bdi/planner"),
		maxRepairAttempts: maxRepairAttempts,
		pathRules:         pathRules,
	}
}

// GeneratePlan produces plan descriptors for the goal, or a typed
// PLAN_VALIDATION_ERROR after the repair budget is exhausted.
func (p *Planner) GeneratePlan(ctx context.Context, goal *goals.Goal, manifest []ActionSpec) ([]plan.Descriptor, error) {
	if p.client == nil {
		return nil, core.NewKernelError("bdi.GeneratePlan", core.KindLLMError, core.ErrNotInitialized)
	}
	if len(manifest) == 0 {
		return nil, fmt.Errorf("%w: empty action manifest", core.ErrInvalidInput)
	}

	specsByType := make(map[string]ActionSpec, len(manifest))
	for _, spec := range manifest {
		specsByType[spec.Type] = spec
	}

	prompt := p.buildPrompt(goal, manifest)
	attempts := 1 + p.maxRepairAttempts
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		response, err := p.client.GenerateText(ctx, prompt, &llm.Options{
			JSONMode:    true,
			Temperature: 0,
			MaxTokens:   2500,
		})
		if err != nil {
			return nil, err
		}

		descriptors, validationErr := p.parseAndValidate(response, specsByType)
		if validationErr == nil {
			p.correctPaths(goal, descriptors)
			p.logger.Info("Plan generated", map[string]interface{}{
				"operation":    "plan_generate",
				"goal_id":      goal.ID,
				"action_count": len(descriptors),
				"attempt":      attempt,
			})
			return descriptors, nil
		}

		lastErr = validationErr
		p.logger.Warn("Generated plan invalid, requesting repair", map[string]interface{}{
			"operation": "plan_generate",
			"goal_id":   goal.ID,
			"attempt":   attempt,
			"error":     validationErr.Error(),
		})
		prompt = p.buildRepairPrompt(response, validationErr)
	}

	return nil, core.NewKernelError("bdi.GeneratePlan", core.KindPlanValidation,
		fmt.Errorf("%w: %v", core.ErrPlanValidation, lastErr))
}

func (p *Planner) buildPrompt(goal *goals.Goal, manifest []ActionSpec) string {
	var b strings.Builder
	b.WriteString("You are the planning core of an autonomous agent.\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", goal.Description)

	if goalCtx := p.goalContext(goal); goalCtx != "" {
		fmt.Fprintf(&b, "Context:\n%s\n\n", goalCtx)
	}

	b.WriteString("Available actions:\n")
	for _, spec := range manifest {
		if len(spec.RequiredParams) > 0 {
			fmt.Fprintf(&b, "- %s: %s (required params: %s)\n",
				spec.Type, spec.Description, strings.Join(spec.RequiredParams, ", "))
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", spec.Type, spec.Description)
		}
	}

	b.WriteString("\nRespond ONLY with a JSON array of action objects. Example:\n")
	b.WriteString(`[{"type": "ANALYZE_DATA", "params": {"task_description": "Summarize findings", "context": "..."}}]` + "\n")
	b.WriteString("Use \"$action_result.<action_id>.<field>\" to pass data between steps.\n")
	return b.String()
}

// goalContext attaches resolved paths when the goal mentions a known
// component by name.
func (p *Planner) goalContext(goal *goals.Goal) string {
	if len(p.pathRules) == 0 {
		return ""
	}
	var lines []string
	lower := strings.ToLower(goal.Description)
	for component, path := range p.pathRules {
		if strings.Contains(lower, strings.ToLower(component)) {
			lines = append(lines, fmt.Sprintf("Component %q resolves to path %q.", component, path))
		}
	}
	return strings.Join(lines, "\n")
}

func (p *Planner) buildRepairPrompt(faulty string, validationErr error) string {
	return fmt.Sprintf(
		"The following plan output is invalid.\nOutput:\n%s\n\nError: %v\n\n"+
			"Emit the corrected JSON array only, with no commentary.",
		faulty, validationErr)
}

// parseAndValidate extracts the JSON document, checks it against the plan
// schema, then verifies every action exists in the manifest with all its
// required parameters present.
func (p *Planner) parseAndValidate(response string, specs map[string]ActionSpec) ([]plan.Descriptor, error) {
	raw, err := llm.ExtractJSON(response)
	if err != nil {
		return nil, fmt.Errorf("extracting JSON: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if err := planJSONSchema().Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	var descriptors []plan.Descriptor
	if err := json.Unmarshal(raw, &descriptors); err != nil {
		return nil, fmt.Errorf("decoding actions: %w", err)
	}

	for i := range descriptors {
		descriptors[i].Type = strings.ToUpper(descriptors[i].Type)
		spec, known := specs[descriptors[i].Type]
		if !known {
			return nil, fmt.Errorf("action %d has unknown type %q", i, descriptors[i].Type)
		}
		for _, required := range spec.RequiredParams {
			if _, ok := descriptors[i].Params[required]; !ok {
				return nil, fmt.Errorf("action %d (%s) missing required param %q",
					i, descriptors[i].Type, required)
			}
		}
	}
	return descriptors, nil
}

// correctPaths rewrites placeholder path params using the rule table before
// the plan is committed.
func (p *Planner) correctPaths(goal *goals.Goal, descriptors []plan.Descriptor) {
	if len(p.pathRules) == 0 {
		return
	}

	resolve := func(value string) (string, bool) {
		for component, path := range p.pathRules {
			if strings.EqualFold(value, component) {
				return path, true
			}
		}
		if strings.HasPrefix(value, "path/to/") {
			name := strings.TrimPrefix(value, "path/to/")
			for component, path := range p.pathRules {
				if strings.EqualFold(name, component) {
					return path, true
				}
			}
		}
		return "", false
	}

	for _, d := range descriptors {
		for key, value := range d.Params {
			str, ok := value.(string)
			if !ok {
				continue
			}
			if corrected, ok := resolve(str); ok {
				d.Params[key] = corrected
				p.logger.Debug("Corrected placeholder path", map[string]interface{}{
					"operation": "plan_path_correction",
					"goal_id":   goal.ID,
					"param":     key,
					"value":     corrected,
				})
			}
		}
	}
}
