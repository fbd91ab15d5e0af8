// SPDX-License-Identifier: Apache-2.0

// Package validation checks plans, steps, strategies and post-execution
// system health against data-driven rules.
package validation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/config"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/core/parameters"
	"github.com/kusari-oss/remedy/internal/core/schema"
	"github.com/kusari-oss/remedy/internal/logging"
	"github.com/kusari-oss/remedy/internal/remedy/condition"
	"github.com/kusari-oss/remedy/internal/remedy/health"
	"github.com/kusari-oss/remedy/internal/remedy/strategy"
)

// Issue codes.
const (
	CodeEmptyPlan          = "empty_plan"
	CodeMissingID          = "missing_id"
	CodeDuplicateStep      = "duplicate_step"
	CodeUnknownDependency  = "unknown_dependency"
	CodeCircularDependency = "circular_dependency"
	CodeInvalidOutputRef   = "invalid_output_ref"
	CodeUnknownStepType    = "unknown_step_type"
	CodeUnknownStrategy    = "unknown_strategy_type"
	CodeMissingParameter   = "missing_parameter"
	CodeSchemaViolation    = "schema_violation"
	CodeSchemaDeferred     = "schema_deferred"
	CodeInvalidEnum        = "invalid_enum"
	CodeInvalidRetries     = "invalid_retries"
	CodeInvalidTimeout     = "invalid_timeout"
	CodeManualApproval     = "manual_approval"
	CodeMissingOutput      = "missing_output"
	CodeConditionFailed    = "success_condition_failed"
	CodeConditionError     = "success_condition_error"
	CodeRequiredIncomplete = "required_step_incomplete"
	CodeOptionalFailed     = "optional_step_failed"
	CodeUnhealthy          = "unhealthy"
	CodeHealthUnavailable  = "health_unavailable"
	CodeNoHealthOracle     = "no_health_oracle"
)

const defaultHealthTimeout = 10 * time.Second

// Engine validates remediation artifacts. It is safe for concurrent use.
type Engine struct {
	rules         config.ValidationConfig
	oracle        health.Oracle
	evaluator     *condition.Evaluator
	processor     *parameters.ParameterProcessor
	healthTimeout time.Duration
	logger        *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithOracle sets the health oracle used by ValidateSystemHealth.
func WithOracle(o health.Oracle) Option {
	return func(e *Engine) { e.oracle = o }
}

func WithEvaluator(ev *condition.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

func WithHealthTimeout(d time.Duration) Option {
	return func(e *Engine) { e.healthTimeout = d }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l).Named("validation") }
}

// NewEngine creates a validation engine for the given rules.
func NewEngine(rules config.ValidationConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		rules:         rules,
		processor:     parameters.NewParameterProcessor(),
		healthTimeout: defaultHealthTimeout,
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evaluator == nil {
		ev, err := condition.NewEvaluator()
		if err != nil {
			return nil, err
		}
		e.evaluator = ev
	}
	return e, nil
}

// ValidatePlan checks the plan structure and every step.
func (e *Engine) ValidatePlan(ctx context.Context, plan *models.RemediationPlan) (models.ValidationResult, error) {
	if plan == nil {
		return models.ValidationResult{}, fmt.Errorf("%w: plan", models.ErrNilArgument)
	}
	result := models.NewValidationResult()
	result.CorrelationID = plan.CorrelationID
	result.SetMetadata("plan_id", plan.ID)

	if len(plan.Steps) == 0 {
		result.AddError(CodeEmptyPlan, "plan has no steps", plan.ID)
		return result, nil
	}

	ids := make(map[string]bool, len(plan.Steps))
	position := make(map[string]int, len(plan.Steps))
	for i, step := range plan.Steps {
		if step.ID == "" {
			result.AddError(CodeMissingID, fmt.Sprintf("step %d has no id", i), step.Name)
			continue
		}
		if ids[step.ID] {
			result.AddError(CodeDuplicateStep, fmt.Sprintf("step id %s is used more than once", step.ID), step.ID)
		}
		ids[step.ID] = true
		if step.Name != "" {
			if _, dup := position[step.Name]; dup {
				result.AddError(CodeDuplicateStep, fmt.Sprintf("step name %s is used more than once", step.Name), step.Name)
			} else {
				position[step.Name] = i
			}
		}
	}

	structural := true
	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				structural = false
				result.AddError(CodeUnknownDependency,
					fmt.Sprintf("step %s depends on unknown step %s", step.Name, dep), step.ID)
			}
		}
	}
	if structural {
		if err := models.DetectCycles(plan.Steps); err != nil {
			result.AddError(CodeCircularDependency, err.Error(), plan.ID)
		}
	}

	for i, step := range plan.Steps {
		for param, ref := range step.OutputRefs {
			name, _, ok := strategy.SplitOutputRef(ref)
			pos, known := position[name]
			if !ok || !known || pos >= i {
				result.AddError(CodeInvalidOutputRef,
					fmt.Sprintf("step %s: parameter %s references %q, which is not an earlier step output", step.Name, param, ref), step.ID)
			}
		}
	}

	for i := range plan.Steps {
		stepResult, err := e.ValidateStep(ctx, &plan.Steps[i])
		if err != nil {
			return result, err
		}
		result = result.Merge(stepResult)
	}

	e.logger.Debug(ctx, "plan validated",
		zap.String("plan", plan.ID), zap.Bool("valid", result.IsValid), zap.Int("errors", len(result.Errors)))
	return result, nil
}

// ValidateStep checks a step's action against the step type rules. Once
// the step has completed it also checks expected outputs and the success
// condition.
func (e *Engine) ValidateStep(ctx context.Context, step *models.RemediationStep) (models.ValidationResult, error) {
	if step == nil {
		return models.ValidationResult{}, fmt.Errorf("%w: step", models.ErrNilArgument)
	}
	result := models.NewValidationResult()
	field := step.Name
	if field == "" {
		field = step.ID
	}

	if step.MaxRetries < 0 {
		result.AddError(CodeInvalidRetries, fmt.Sprintf("step %s: max retries must not be negative", field), field)
	}
	if step.TimeoutSeconds < 0 || step.Action.Timeout < 0 {
		result.AddError(CodeInvalidTimeout, fmt.Sprintf("step %s: timeout must not be negative", field), field)
	}
	if step.Action.RequiresManualApproval {
		result.AddWarning(CodeManualApproval, fmt.Sprintf("step %s requires manual approval", field), field)
	}

	provided := make(map[string]bool, len(step.OutputRefs))
	for param := range step.OutputRefs {
		provided[param] = true
	}
	e.checkAction(&result, field, &step.Action, provided)
	if step.Action.RollbackAction != nil {
		e.checkAction(&result, field+" rollback", step.Action.RollbackAction, nil)
	}

	if step.Status == models.StepCompleted {
		e.checkOutcome(&result, field, step)
	}
	return result, nil
}

func (e *Engine) checkAction(result *models.ValidationResult, field string, action *models.RemediationAction, provided map[string]bool) {
	if !action.Severity.Valid() {
		result.AddError(CodeInvalidEnum, fmt.Sprintf("%s: invalid severity %d", field, int(action.Severity)), field)
	}
	if !action.ImpactScope.Valid() {
		result.AddError(CodeInvalidEnum, fmt.Sprintf("%s: invalid impact scope %d", field, int(action.ImpactScope)), field)
	}

	typeName := string(action.Type)
	required, allowed := e.rules.StepTypes[typeName]
	if !allowed {
		result.AddError(CodeUnknownStepType, fmt.Sprintf("%s: step type %q is not allowed", field, typeName), field)
		return
	}
	for _, param := range required {
		if _, ok := action.Parameters[param]; !ok && !provided[param] {
			result.AddError(CodeMissingParameter, fmt.Sprintf("%s: required parameter %s is missing", field, param), field)
		}
	}

	s, ok := e.rules.Schemas[typeName]
	if !ok {
		return
	}
	if len(e.processor.Unresolved(action.Parameters)) > 0 || len(provided) > 0 {
		result.AddWarning(CodeSchemaDeferred, fmt.Sprintf("%s: schema check deferred until parameters resolve", field), field)
		return
	}
	if err := schema.ValidateParams(s, action.Parameters); err != nil {
		result.AddError(CodeSchemaViolation, fmt.Sprintf("%s: %v", field, err), field)
	}
}

func (e *Engine) checkOutcome(result *models.ValidationResult, field string, step *models.RemediationStep) {
	for _, key := range step.Action.ExpectedOutputs {
		if _, ok := step.OutputResults[key]; !ok {
			result.AddError(CodeMissingOutput, fmt.Sprintf("step %s: expected output %s is missing", field, key), field)
		}
	}
	if step.Action.SuccessCondition == "" {
		return
	}
	outputs := step.OutputResults
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	ok, err := e.evaluator.Evaluate(step.Action.SuccessCondition, map[string]interface{}{condition.VarOutputs: outputs})
	switch {
	case err != nil:
		result.AddError(CodeConditionError, fmt.Sprintf("step %s: %v", field, err), field)
	case !ok:
		result.AddError(CodeConditionFailed,
			fmt.Sprintf("step %s: success condition %q is false", field, step.Action.SuccessCondition), field)
	}
}

// ValidateStrategy checks a strategy's type and parameters against the
// strategy rules, then merges the strategy's own validation for ec.
func (e *Engine) ValidateStrategy(ctx context.Context, s strategy.Strategy, ec *models.ErrorContext) (models.ValidationResult, error) {
	if s == nil {
		return models.ValidationResult{}, fmt.Errorf("%w: strategy", models.ErrNilArgument)
	}
	meta := s.Metadata()
	result := models.NewValidationResult()

	required, allowed := e.rules.StrategyTypes[meta.Type]
	if !allowed {
		result.AddError(CodeUnknownStrategy, fmt.Sprintf("strategy %s: type %q is not allowed", meta.Name, meta.Type), meta.Name)
	}
	for _, param := range required {
		if _, ok := meta.Parameters[param]; !ok {
			result.AddError(CodeMissingParameter, fmt.Sprintf("strategy %s: required parameter %s is missing", meta.Name, param), meta.Name)
		}
	}

	if ec == nil {
		return result, nil
	}
	own, err := s.Validate(ctx, ec)
	if err != nil {
		return result, fmt.Errorf("strategy %s: %w", meta.Name, err)
	}
	merged := result.Merge(own)
	merged.CorrelationID = ec.CorrelationID
	return merged, nil
}

// ValidateRemediation checks an executed plan: every required step must
// have completed and every step's validation results must pass. Failed
// optional steps are reported as warnings.
func (e *Engine) ValidateRemediation(ctx context.Context, plan *models.RemediationPlan) (models.ValidationResult, error) {
	if plan == nil {
		return models.ValidationResult{}, fmt.Errorf("%w: plan", models.ErrNilArgument)
	}
	result := models.NewValidationResult()
	result.CorrelationID = plan.CorrelationID

	for _, step := range plan.Steps {
		if step.Status != models.StepCompleted {
			if step.IsRequired {
				result.AddError(CodeRequiredIncomplete,
					fmt.Sprintf("required step %s ended %s", step.Name, step.Status), step.ID)
			} else {
				result.AddWarning(CodeOptionalFailed,
					fmt.Sprintf("optional step %s ended %s", step.Name, step.Status), step.ID)
			}
			continue
		}
		for _, vr := range step.ValidationResults {
			if !step.IsRequired && !vr.IsValid {
				// A failed check on an optional step only warns.
				for _, issue := range vr.Errors {
					result.AddWarning(issue.Code, issue.Message, issue.Field)
				}
				continue
			}
			result = result.Merge(vr)
		}
	}
	return result, nil
}

// ValidateSystemHealth queries the health oracle for serviceName within the
// configured deadline. Without an oracle it reports a healthy status.
func (e *Engine) ValidateSystemHealth(ctx context.Context, serviceName string) (*models.HealthStatus, error) {
	if e.oracle == nil {
		return &models.HealthStatus{
			ServiceName: serviceName,
			IsHealthy:   true,
			HealthScore: 1,
			Message:     "no health oracle configured",
			CheckedAt:   time.Now(),
		}, nil
	}
	if e.healthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.healthTimeout)
		defer cancel()
	}
	status, err := e.oracle.GetServiceHealth(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("health check for %s: %w", serviceName, err)
	}
	return status, nil
}

// HealthVerdict turns a health reading into a validation result using the
// configured minimum score.
func (e *Engine) HealthVerdict(status *models.HealthStatus, err error) models.ValidationResult {
	result := models.NewValidationResult()
	if err != nil {
		if e.rules.RequireHealthy {
			result.AddError(CodeHealthUnavailable, err.Error(), "")
		} else {
			result.AddWarning(CodeHealthUnavailable, err.Error(), "")
		}
		return result
	}
	if status == nil {
		result.AddWarning(CodeNoHealthOracle, "no health reading", "")
		return result
	}
	result.SetMetadata("health_score", status.HealthScore)
	if !status.IsHealthy || status.HealthScore < e.rules.MinHealthScore {
		msg := fmt.Sprintf("service %s is unhealthy (score %.2f, minimum %.2f)",
			status.ServiceName, status.HealthScore, e.rules.MinHealthScore)
		if e.rules.RequireHealthy {
			result.AddError(CodeUnhealthy, msg, status.ServiceName)
		} else {
			result.AddWarning(CodeUnhealthy, msg, status.ServiceName)
		}
	}
	return result
}

// StepTypes returns the allowed step types, sorted.
func (e *Engine) StepTypes() []string {
	out := make([]string, 0, len(e.rules.StepTypes))
	for t := range e.rules.StepTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
