package evolution

import (
	"context"
	"fmt"
	"strings"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/plan"
)

// RunEnhancedBlueprintCampaign produces a blueprint, converts it into
// detailed actions, validates the sequence, and seeds kernel backlog items
// rather than executing inline.
func (c *Coordinator) RunEnhancedBlueprintCampaign(ctx context.Context, goal string) (map[string]interface{}, error) {
	c.currentRunID = core.NewID("sea_run")
	c.logger.Info("Starting enhanced blueprint campaign", map[string]interface{}{
		"operation": "campaign_blueprint",
		"run_id":    c.currentRunID,
		"goal":      goal,
	})

	if c.blueprints == nil {
		return c.concludeCampaign(CampaignFailure, "no blueprint agent attached",
			map[string]interface{}{"goal": goal}), nil
	}
	blueprint, err := c.blueprints.GenerateBlueprint(ctx, goal)
	if err != nil {
		return c.concludeCampaign(CampaignFailure,
			fmt.Sprintf("blueprint generation failed: %v", err),
			map[string]interface{}{"goal": goal}), nil
	}

	var actions []plan.Descriptor
	if c.converter != nil {
		actions, err = c.converter.ConvertBlueprint(ctx, blueprint)
		if err != nil {
			return c.concludeCampaign(CampaignFailure,
				fmt.Sprintf("blueprint conversion failed: %v", err),
				map[string]interface{}{"goal": goal, "blueprint": blueprint}), nil
		}
	}

	validation := validateActionSequence(actions)
	if !validation["valid"].(bool) {
		return c.concludeCampaign(CampaignFailure,
			fmt.Sprintf("action sequence invalid: %v", validation["errors"]),
			map[string]interface{}{"goal": goal, "blueprint": blueprint, "validation": validation}), nil
	}

	seeded := 0
	if c.kernel != nil {
		for _, action := range actions {
			target, _ := action.Params["target"].(string)
			if target == "" {
				target, _ = action.Params["target_component_path"].(string)
			}
			if target == "" {
				target = "system"
			}
			description := action.Description
			if description == "" {
				description = fmt.Sprintf("%s (from blueprint for: %s)", action.Type, goal)
			}
			c.kernel.Backlog().Add(target, description, "sea_blueprint_"+c.currentRunID, 6, map[string]interface{}{
				"action_type": action.Type,
			})
			seeded++
		}
	}

	status := CampaignSuccess
	if seeded == 0 {
		status = CampaignPartialSuccess
	}
	return c.concludeCampaign(status,
		fmt.Sprintf("Blueprint produced %d detailed actions; %d backlog items seeded.", len(actions), seeded),
		map[string]interface{}{
			"goal":       goal,
			"blueprint":  blueprint,
			"actions":    actions,
			"validation": validation,
		}), nil
}

// validateActionSequence performs the structural and cost/duration/safety
// summary checks over converted blueprint actions.
func validateActionSequence(actions []plan.Descriptor) map[string]interface{} {
	var errs []string
	codeModifications := 0
	estimatedMinutes := 0

	for idx, action := range actions {
		if strings.TrimSpace(action.Type) == "" {
			errs = append(errs, fmt.Sprintf("action %d has no type", idx))
		}
		switch action.Type {
		case "WRITE_FILE", "CREATE_DIRECTORY", ActionRequestSIAExecution:
			codeModifications++
			estimatedMinutes += 10
		default:
			estimatedMinutes += 2
		}
	}

	return map[string]interface{}{
		"valid":               len(errs) == 0,
		"errors":              errs,
		"action_count":        len(actions),
		"code_modifications":  codeModifications,
		"estimated_minutes":   estimatedMinutes,
		"requires_approval":   codeModifications > 0,
	}
}

// RunAuditDrivenCampaign orchestrates the four-phase pipeline: audit,
// blueprint conditioned on findings, improvement execution, and validation
// by re-audit, graded by resolution rate.
func (c *Coordinator) RunAuditDrivenCampaign(ctx context.Context, scope string, targets []string) (map[string]interface{}, error) {
	c.currentRunID = core.NewID("sea_audit")
	c.logger.Info("Starting audit-driven campaign", map[string]interface{}{
		"operation": "campaign_audit",
		"run_id":    c.currentRunID,
		"scope":     scope,
		"targets":   targets,
	})

	if c.auditor == nil {
		return c.concludeCampaign(CampaignFailure, "no auditor attached",
			map[string]interface{}{"scope": scope}), nil
	}

	// Phase 1: comprehensive audit.
	audit, err := c.auditor.RunAudit(ctx, scope, targets)
	if err != nil {
		return c.concludeCampaign(CampaignFailure,
			fmt.Sprintf("audit failed: %v", err), map[string]interface{}{"scope": scope}), nil
	}
	if len(audit.Findings) == 0 {
		return c.concludeCampaign(CampaignSuccess,
			"Audit found no issues; nothing to improve.",
			map[string]interface{}{"scope": scope, "audit": audit}), nil
	}

	// Phase 2 + 3: blueprint conditioned on the findings, executed through
	// the enhanced blueprint campaign.
	goal := auditGoal(scope, audit)
	improvement, err := c.RunEnhancedBlueprintCampaign(ctx, goal)
	if err != nil {
		return c.concludeCampaign(CampaignFailure,
			fmt.Sprintf("improvement execution failed: %v", err),
			map[string]interface{}{"scope": scope, "audit": audit}), nil
	}
	improvementStatus, _ := improvement["overall_campaign_status"].(string)

	// Phase 4: validation by re-audit.
	followUp, err := c.auditor.RunAudit(ctx, scope, targets)
	validationSuccess := err == nil
	remaining := 0
	if followUp != nil {
		remaining = len(followUp.Findings)
	}
	resolutionRate := 0.0
	if len(audit.Findings) > 0 {
		resolved := len(audit.Findings) - remaining
		if resolved < 0 {
			resolved = 0
		}
		resolutionRate = float64(resolved) / float64(len(audit.Findings))
	}

	assessment := assessCampaign(len(audit.Findings), resolutionRate, improvementStatus, validationSuccess)

	status := CampaignPartialSuccess
	switch assessment["overall_grade"] {
	case "EXCELLENT", "GOOD":
		status = CampaignSuccess
	case "POOR":
		status = CampaignFailure
	}

	return c.concludeCampaign(status,
		fmt.Sprintf("Audit-driven campaign graded %s (resolution rate %.0f%%).",
			assessment["overall_grade"], resolutionRate*100),
		map[string]interface{}{
			"scope":       scope,
			"audit":       audit,
			"improvement": improvement,
			"validation": map[string]interface{}{
				"validation_success": validationSuccess,
				"resolution_rate":    resolutionRate,
				"remaining_issues":   remaining,
			},
			"assessment": assessment,
		}), nil
}

func auditGoal(scope string, audit *AuditResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve %d findings from the %s audit:", len(audit.Findings), scope)
	for idx, finding := range audit.Findings {
		if idx >= 10 {
			fmt.Fprintf(&b, " (and %d more)", len(audit.Findings)-idx)
			break
		}
		fmt.Fprintf(&b, " [%s/%s] %s;", finding.Target, finding.Severity, finding.Description)
	}
	return b.String()
}

// assessCampaign derives the overall grade from resolution rate and
// execution status.
func assessCampaign(findingsCount int, resolutionRate float64, improvementStatus string, validationSuccess bool) map[string]interface{} {
	var grade string
	var score int
	switch {
	case resolutionRate >= 0.8 && improvementStatus == CampaignSuccess && validationSuccess:
		grade, score = "EXCELLENT", 95
	case resolutionRate >= 0.6 && improvementStatus == CampaignSuccess:
		grade, score = "GOOD", 85
	case resolutionRate >= 0.4 && (improvementStatus == CampaignSuccess || improvementStatus == CampaignPartialSuccess):
		grade, score = "SATISFACTORY", 75
	case resolutionRate >= 0.2:
		grade, score = "NEEDS_IMPROVEMENT", 60
	default:
		grade, score = "POOR", 40
	}

	var strengths []string
	if findingsCount > 10 {
		strengths = append(strengths, "Comprehensive audit coverage")
	}
	if resolutionRate > 0.7 {
		strengths = append(strengths, "High issue resolution rate")
	}
	if validationSuccess {
		strengths = append(strengths, "Successful validation of improvements")
	}
	if len(strengths) == 0 {
		strengths = append(strengths, "Campaign completed without critical failures")
	}

	var areas []string
	if resolutionRate < 0.5 {
		areas = append(areas, "Improve effectiveness of issue resolution")
	}
	if !validationSuccess {
		areas = append(areas, "Enhance validation and testing procedures")
	}

	return map[string]interface{}{
		"overall_grade": grade,
		"success_score": score,
		"key_metrics": map[string]interface{}{
			"findings_addressed":      findingsCount,
			"resolution_rate_percent": resolutionRate * 100,
			"improvement_execution":   improvementStatus,
			"validation_passed":       validationSuccess,
		},
		"strengths":             strengths,
		"areas_for_improvement": areas,
	}
}
