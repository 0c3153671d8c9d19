package bdi

import (
	"strings"
	"sync"

	"github.com/mindforge-ai/mindforge/core"
)

// FailureType classifies why an action or planning step failed.
type FailureType string

const (
	FailureToolUnavailable   FailureType = "TOOL_UNAVAILABLE"
	FailureToolExecution     FailureType = "TOOL_EXECUTION_ERROR"
	FailureInvalidParameters FailureType = "INVALID_PARAMETERS"
	FailureRateLimit         FailureType = "RATE_LIMIT_ERROR"
	FailurePermission        FailureType = "PERMISSION_ERROR"
	FailureNetwork           FailureType = "NETWORK_ERROR"
	FailurePlanning          FailureType = "PLANNING_ERROR"
	FailureGoalParse         FailureType = "GOAL_PARSE_ERROR"
	FailureUnknown           FailureType = "UNKNOWN_ERROR"
)

// RecoveryStrategy names how the executor reacts to a classified failure.
type RecoveryStrategy string

const (
	RecoveryRetryWithDelay     RecoveryStrategy = "RETRY_WITH_DELAY"
	RecoveryAlternativeTool    RecoveryStrategy = "ALTERNATIVE_TOOL"
	RecoverySimplifiedApproach RecoveryStrategy = "SIMPLIFIED_APPROACH"
	RecoveryEscalate           RecoveryStrategy = "ESCALATE"
	RecoveryFallbackManual     RecoveryStrategy = "FALLBACK_MANUAL"
	RecoveryAbortGracefully    RecoveryStrategy = "ABORT_GRACEFULLY"
)

// FailureContext carries what is known about a failure into classification.
type FailureContext struct {
	Reason       string
	FailedAction *FailedAction
	GoalID       string
	PlanID       string
}

// FailedAction is the minimal shape of the failed step.
type FailedAction struct {
	ID   string
	Type string
	Kind string // "tool_execution", "plan", "action_execution"
}

// defaultStrategies maps failure types to their first-choice recovery when
// no history exists.
var defaultStrategies = map[FailureType]RecoveryStrategy{
	FailureToolUnavailable:   RecoveryAlternativeTool,
	FailureToolExecution:     RecoveryRetryWithDelay,
	FailureInvalidParameters: RecoverySimplifiedApproach,
	FailureRateLimit:         RecoveryRetryWithDelay,
	FailurePermission:        RecoveryEscalate,
	FailureNetwork:           RecoveryRetryWithDelay,
	FailurePlanning:          RecoverySimplifiedApproach,
	FailureGoalParse:         RecoverySimplifiedApproach,
	FailureUnknown:           RecoveryEscalate,
}

// FailureAnalyzer classifies failures and picks recovery strategies from a
// per-(type, strategy) success-rate table updated by exponential moving
// average.
type FailureAnalyzer struct {
	logger core.Logger

	mu           sync.Mutex
	successRates map[FailureType]map[RecoveryStrategy]float64
	patterns     map[string][]FailureType
}

const (
	emaAlpha           = 0.3
	neutralSuccessRate = 0.5
	maxPatternHistory  = 10
)

// NewFailureAnalyzer creates an analyzer with no history.
func NewFailureAnalyzer(logger core.Logger) *FailureAnalyzer {
	return &FailureAnalyzer{
		logger:       core.ComponentLogger(logger, "bdi/failure"),
		successRates: make(map[FailureType]map[RecoveryStrategy]float64),
		patterns:     make(map[string][]FailureType),
	}
}

// Classify derives the failure type from the failure context.
func (f *FailureAnalyzer) Classify(fc FailureContext) FailureType {
	reason := strings.ToLower(fc.Reason)
	actionKind := ""
	if fc.FailedAction != nil {
		actionKind = fc.FailedAction.Kind
	}

	switch {
	case strings.Contains(reason, "tool") && strings.Contains(reason, "not found"),
		strings.Contains(reason, "tool unavailable"):
		return FailureToolUnavailable
	case strings.Contains(reason, "rate limit"), strings.Contains(reason, "ratelimit"):
		return FailureRateLimit
	case strings.Contains(reason, "permission"), strings.Contains(reason, "access denied"):
		return FailurePermission
	case strings.Contains(reason, "network"), strings.Contains(reason, "connection"):
		return FailureNetwork
	case strings.Contains(reason, "parameter"), strings.Contains(reason, "invalid"):
		return FailureInvalidParameters
	case strings.Contains(reason, "planning"), actionKind == "plan":
		return FailurePlanning
	case strings.Contains(reason, "parse"), strings.Contains(reason, "json"):
		return FailureGoalParse
	case actionKind == "tool_execution", actionKind == "action_execution":
		return FailureToolExecution
	default:
		return FailureUnknown
	}
}

// SelectStrategy picks the recovery with the best recorded success rate for
// the failure type, falling back to the defaults when no history exists.
func (f *FailureAnalyzer) SelectStrategy(failureType FailureType) RecoveryStrategy {
	f.mu.Lock()
	defer f.mu.Unlock()

	rates := f.successRates[failureType]
	if len(rates) == 0 {
		if strategy, ok := defaultStrategies[failureType]; ok {
			return strategy
		}
		return RecoveryEscalate
	}

	var best RecoveryStrategy
	bestRate := -1.0
	for strategy, rate := range rates {
		if rate > bestRate || (rate == bestRate && strategy < best) {
			best = strategy
			bestRate = rate
		}
	}
	return best
}

// RecordFailure appends the failure to the per-action-type pattern history,
// bounded to the most recent entries.
func (f *FailureAnalyzer) RecordFailure(fc FailureContext) FailureType {
	failureType := f.Classify(fc)
	actionType := "unknown"
	if fc.FailedAction != nil && fc.FailedAction.Type != "" {
		actionType = fc.FailedAction.Type
	}

	f.mu.Lock()
	history := append(f.patterns[actionType], failureType)
	if len(history) > maxPatternHistory {
		history = history[len(history)-maxPatternHistory:]
	}
	f.patterns[actionType] = history
	f.mu.Unlock()

	return failureType
}

// RecordRecoveryOutcome folds the attempt result into the success-rate
// table: rate' = (1-alpha)*rate + alpha*outcome, starting from a neutral
// assumption of 0.5.
func (f *FailureAnalyzer) RecordRecoveryOutcome(failureType FailureType, strategy RecoveryStrategy, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rates, ok := f.successRates[failureType]
	if !ok {
		rates = make(map[RecoveryStrategy]float64)
		f.successRates[failureType] = rates
	}

	current, ok := rates[strategy]
	if !ok {
		current = neutralSuccessRate
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	rates[strategy] = (1-emaAlpha)*current + emaAlpha*outcome

	f.logger.Info("Recovery success rate updated", map[string]interface{}{
		"operation":    "recovery_outcome",
		"failure_type": string(failureType),
		"strategy":     string(strategy),
		"rate":         rates[strategy],
	})
}

// SuccessRate exposes the current rate for a pair; the neutral rate when
// unrecorded.
func (f *FailureAnalyzer) SuccessRate(failureType FailureType, strategy RecoveryStrategy) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rates, ok := f.successRates[failureType]; ok {
		if rate, ok := rates[strategy]; ok {
			return rate
		}
	}
	return neutralSuccessRate
}
