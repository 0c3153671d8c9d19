package evolution

import (
	"fmt"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/plan"
)

// Strategic action vocabulary. Strategic plans may use nothing else.
const (
	ActionRequestSystemAnalysis    = "REQUEST_SYSTEM_ANALYSIS"
	ActionSelectImprovementTarget  = "SELECT_IMPROVEMENT_TARGET"
	ActionCreateRollbackPlan       = "CREATE_ROLLBACK_PLAN"
	ActionFormulateSIATaskGoal     = "FORMULATE_SIA_TASK_GOAL"
	ActionRequestSIAExecution      = "REQUEST_COORDINATOR_FOR_SIA_EXECUTION"
	ActionRunValidationTests       = "RUN_VALIDATION_TESTS"
	ActionEvaluateSIAOutcome       = "EVALUATE_SIA_OUTCOME"
	ActionTriggerCoordinatedRollback = "TRIGGER_COORDINATED_ROLLBACK"
	ActionAnalyzeFailure           = "ANALYZE_FAILURE"
)

// StrategicActions lists the allowed vocabulary in canonical order.
var StrategicActions = []string{
	ActionRequestSystemAnalysis,
	ActionSelectImprovementTarget,
	ActionCreateRollbackPlan,
	ActionFormulateSIATaskGoal,
	ActionRequestSIAExecution,
	ActionRunValidationTests,
	ActionEvaluateSIAOutcome,
	ActionTriggerCoordinatedRollback,
	ActionAnalyzeFailure,
}

var strategicActionSet = func() map[string]bool {
	set := make(map[string]bool, len(StrategicActions))
	for _, a := range StrategicActions {
		set[a] = true
	}
	return set
}()

// ValidateSafetyDoctrine checks a strategic plan against the hard safety
// doctrine: every action must be in the restricted vocabulary, and every
// code modification (REQUEST_COORDINATOR_FOR_SIA_EXECUTION) must be
// preceded by CREATE_ROLLBACK_PLAN, followed by RUN_VALIDATION_TESTS, and
// covered by a TRIGGER_COORDINATED_ROLLBACK step for the validation-failure
// path. Violations are PLAN_VALIDATION_ERRORs.
func ValidateSafetyDoctrine(descriptors []plan.Descriptor) error {
	fail := func(format string, args ...interface{}) error {
		return core.NewKernelError("evolution.ValidateSafetyDoctrine", core.KindPlanValidation,
			fmt.Errorf("%w: %s", core.ErrPlanValidation, fmt.Sprintf(format, args...)))
	}

	for idx, d := range descriptors {
		if !strategicActionSet[d.Type] {
			return fail("action %d uses %q, outside the strategic vocabulary", idx, d.Type)
		}
	}

	for idx, d := range descriptors {
		if d.Type != ActionRequestSIAExecution {
			continue
		}

		hasRollbackPlan := false
		for before := 0; before < idx; before++ {
			if descriptors[before].Type == ActionCreateRollbackPlan {
				hasRollbackPlan = true
				break
			}
		}
		if !hasRollbackPlan {
			return fail("code modification at action %d lacks a preceding %s",
				idx, ActionCreateRollbackPlan)
		}

		validationIdx := -1
		for after := idx + 1; after < len(descriptors); after++ {
			if descriptors[after].Type == ActionRunValidationTests {
				validationIdx = after
				break
			}
		}
		if validationIdx < 0 {
			return fail("code modification at action %d lacks a following %s",
				idx, ActionRunValidationTests)
		}

		hasRollbackTrigger := false
		for after := validationIdx + 1; after < len(descriptors); after++ {
			if descriptors[after].Type == ActionTriggerCoordinatedRollback {
				hasRollbackTrigger = true
				break
			}
		}
		if !hasRollbackTrigger {
			return fail("code modification at action %d has no %s on the validation-failure path",
				idx, ActionTriggerCoordinatedRollback)
		}
	}

	return nil
}
