// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/action"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/core/parameters"
	"github.com/kusari-oss/remedy/internal/logging"
	"github.com/kusari-oss/remedy/internal/remedy/condition"
)

// Catalog is the file format of a strategy catalog.
type Catalog struct {
	Strategies []Definition `yaml:"strategies" json:"strategies"`
}

// Definition declares a strategy in a catalog file.
type Definition struct {
	Name        string          `yaml:"name"`
	Version     string          `yaml:"version"`
	Type        string          `yaml:"type"`
	Description string          `yaml:"description,omitempty"`
	Priority    models.Priority `yaml:"priority,omitempty"`
	// Condition is a CEL expression over `error` and `analysis`.
	Condition string `yaml:"condition,omitempty"`
	// ErrorTypes restricts the strategy to these error types when set.
	ErrorTypes []string               `yaml:"error_types,omitempty"`
	Labels     map[string][]string    `yaml:"labels,omitempty"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty"`
	Actions    []ActionDefinition     `yaml:"actions"`
}

// ActionDefinition declares one action of a strategy.
type ActionDefinition struct {
	Name                   string                 `yaml:"name"`
	Type                   models.ActionType      `yaml:"type"`
	Description            string                 `yaml:"description,omitempty"`
	Severity               models.Severity        `yaml:"severity,omitempty"`
	ImpactScope            models.ImpactScope     `yaml:"impact_scope,omitempty"`
	Parameters             map[string]interface{} `yaml:"parameters,omitempty"`
	Timeout                time.Duration          `yaml:"timeout,omitempty"`
	MaxRetries             int                    `yaml:"max_retries,omitempty"`
	RetryDelay             time.Duration          `yaml:"retry_delay,omitempty"`
	RequiresManualApproval bool                   `yaml:"requires_manual_approval,omitempty"`
	ConfirmationMessage    string                 `yaml:"confirmation_message,omitempty"`
	Warnings               []string               `yaml:"warnings,omitempty"`
	// Optional actions do not fail the plan.
	Optional         bool                   `yaml:"optional,omitempty"`
	DependsOn        []string               `yaml:"depends_on,omitempty"`
	ExpectedOutputs  []string               `yaml:"expected_outputs,omitempty"`
	SuccessCondition string                 `yaml:"success_condition,omitempty"`
	OutputRefs       map[string]string      `yaml:"output_refs,omitempty"`
	Outputs          map[string]interface{} `yaml:"outputs,omitempty"`
	Rollback         *ActionDefinition      `yaml:"rollback,omitempty"`
}

// Declarative is a strategy defined by a catalog entry.
type Declarative struct {
	def       Definition
	source    string
	evaluator *condition.Evaluator
	factory   *action.Factory
	processor *parameters.ParameterProcessor
	logger    *logging.Logger
}

// DeclarativeOption configures a Declarative strategy.
type DeclarativeOption func(*Declarative)

// WithEvaluator sets the CEL evaluator used for conditions.
func WithEvaluator(e *condition.Evaluator) DeclarativeOption {
	return func(d *Declarative) { d.evaluator = e }
}

// WithFactory sets the action factory used by Execute.
func WithFactory(f *action.Factory) DeclarativeOption {
	return func(d *Declarative) { d.factory = f }
}

// WithSource records where the definition was loaded from.
func WithSource(source string) DeclarativeOption {
	return func(d *Declarative) { d.source = source }
}

func WithDeclarativeLogger(l *logging.Logger) DeclarativeOption {
	return func(d *Declarative) { d.logger = logging.OrNop(l) }
}

// NewDeclarative checks def and builds a strategy from it.
func NewDeclarative(def Definition, opts ...DeclarativeOption) (*Declarative, error) {
	d := &Declarative{
		def:       def,
		processor: parameters.NewParameterProcessor(),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.def.Priority == 0 {
		d.def.Priority = models.PriorityMedium
	}
	if d.evaluator == nil {
		ev, err := condition.NewEvaluator()
		if err != nil {
			return nil, err
		}
		d.evaluator = ev
	}
	if err := d.check(); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", def.Name, err)
	}
	return d, nil
}

func (d *Declarative) check() error {
	if d.def.Name == "" {
		return fmt.Errorf("name is required")
	}
	if CanonicalVersion(d.def.Version) == "" {
		return fmt.Errorf("invalid version %q", d.def.Version)
	}
	if len(d.def.Actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}
	if d.def.Condition != "" {
		if err := d.evaluator.Compile(d.def.Condition); err != nil {
			return err
		}
	}

	seen := make(map[string]bool)
	for i, a := range d.def.Actions {
		if err := d.checkAction(a); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate action name %q", a.Name)
		}
		// Dependencies and output references point backwards, so the
		// declared order is always a valid execution order.
		for _, dep := range a.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("action %s depends on %q, which is not declared before it", a.Name, dep)
			}
		}
		for param, ref := range a.OutputRefs {
			stepName, _, ok := SplitOutputRef(ref)
			if !ok {
				return fmt.Errorf("action %s: output reference %q for %s must be step.output", a.Name, ref, param)
			}
			if !seen[stepName] {
				return fmt.Errorf("action %s: output reference %q points to an unknown or later action", a.Name, ref)
			}
		}
		seen[a.Name] = true
	}
	return nil
}

func (d *Declarative) checkAction(a ActionDefinition) error {
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.Contains(a.Name, ".") {
		return fmt.Errorf("action name %q must not contain '.'", a.Name)
	}
	if a.Type == "" {
		return fmt.Errorf("action %s: type is required", a.Name)
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("action %s: max_retries must not be negative", a.Name)
	}
	if a.SuccessCondition != "" {
		if err := d.evaluator.Compile(a.SuccessCondition); err != nil {
			return fmt.Errorf("action %s: %w", a.Name, err)
		}
	}
	if a.Rollback != nil {
		rb := *a.Rollback
		if rb.Name == "" {
			rb.Name = a.Name + "-rollback"
		}
		if rb.Rollback != nil {
			return fmt.Errorf("action %s: rollback actions cannot declare their own rollback", a.Name)
		}
		return d.checkAction(rb)
	}
	return nil
}

// SplitOutputRef splits "step.output" at the first dot.
func SplitOutputRef(ref string) (step, output string, ok bool) {
	step, output, ok = strings.Cut(ref, ".")
	if !ok || step == "" || output == "" {
		return "", "", false
	}
	return step, output, true
}

// Definition returns a copy of the underlying definition.
func (d *Declarative) Definition() Definition {
	return d.def
}

func (d *Declarative) Metadata() Metadata {
	return Metadata{
		Name:        d.def.Name,
		Version:     d.def.Version,
		Type:        d.def.Type,
		Description: d.def.Description,
		Priority:    d.def.Priority,
		Parameters:  d.def.Parameters,
		Labels:      d.def.Labels,
		Source:      d.source,
	}
}

// ErrorData flattens an error context into the data used for conditions
// and parameter substitution.
func ErrorData(ec *models.ErrorContext) map[string]interface{} {
	if ec == nil {
		return map[string]interface{}{"analysis": (*models.ErrorAnalysisResult)(nil).Fields()}
	}
	data := ec.Fields()
	data["analysis"] = ec.Analysis.Fields()
	return data
}

func (d *Declarative) CanHandle(ctx context.Context, ec *models.ErrorContext) (bool, error) {
	if ec == nil {
		return false, fmt.Errorf("%w: error context", models.ErrNilArgument)
	}
	if len(d.def.ErrorTypes) > 0 && !contains(d.def.ErrorTypes, ec.ErrorType) {
		return false, nil
	}
	if d.def.Condition == "" {
		return true, nil
	}
	return d.evaluator.Evaluate(d.def.Condition, map[string]interface{}{
		condition.VarError:    ec.Fields(),
		condition.VarAnalysis: ec.Analysis.Fields(),
	})
}

// Priority returns the declared priority, raised by one level when the
// analyzer suggested this strategy by name or type.
func (d *Declarative) Priority(ctx context.Context, ec *models.ErrorContext) (models.Priority, error) {
	prio := d.def.Priority
	if ec != nil && ec.Analysis != nil {
		if contains(ec.Analysis.SuggestedActions, d.def.Name) ||
			(d.def.Type != "" && contains(ec.Analysis.SuggestedActions, d.def.Type)) {
			if prio < models.PriorityCritical {
				prio++
			}
		}
	}
	return prio, nil
}

// Validate reports strategy parameters that the error context cannot
// resolve as errors, and action references left for execution time as
// warnings.
func (d *Declarative) Validate(ctx context.Context, ec *models.ErrorContext) (models.ValidationResult, error) {
	if ec == nil {
		return models.ValidationResult{}, fmt.Errorf("%w: error context", models.ErrNilArgument)
	}
	result := models.NewValidationResult()
	result.CorrelationID = ec.CorrelationID

	data, err := d.data(ec)
	if err != nil {
		result.AddError("invalid_parameter", err.Error(), d.def.Name)
		return result, nil
	}
	strategyParams, _ := d.processor.ProcessMap(d.def.Parameters, ErrorData(ec), parameters.Partial)
	for _, ref := range d.processor.Unresolved(strategyParams) {
		result.AddError("unresolved_parameter",
			fmt.Sprintf("strategy parameter reference %q is not available in the error context", ref), d.def.Name)
	}

	for _, a := range d.def.Actions {
		params, err := d.processor.ProcessMap(a.Parameters, data, parameters.Partial)
		if err != nil {
			result.AddError("invalid_parameter", err.Error(), a.Name)
			continue
		}
		for _, ref := range d.processor.Unresolved(params) {
			result.AddWarning("deferred_parameter",
				fmt.Sprintf("action %s: reference %q resolves at execution time", a.Name, ref), a.Name)
		}
	}
	return result, nil
}

// data is the error data overlaid with the strategy's resolved parameters.
func (d *Declarative) data(ec *models.ErrorContext) (map[string]interface{}, error) {
	data := ErrorData(ec)
	resolved, err := d.processor.ProcessMap(d.def.Parameters, data, parameters.Partial)
	if err != nil {
		return nil, err
	}
	for k, v := range resolved {
		data[k] = v
	}
	return data, nil
}

// Steps builds one step per declared action with parameters resolved as
// far as the error context allows.
func (d *Declarative) Steps(ctx context.Context, ec *models.ErrorContext) ([]models.RemediationStep, error) {
	data, err := d.data(ec)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", d.def.Name, err)
	}

	steps := make([]models.RemediationStep, 0, len(d.def.Actions))
	for i, a := range d.def.Actions {
		act, err := d.buildAction(a, data)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", d.def.Name, err)
		}
		step := models.RemediationStep{
			Name:         a.Name,
			Order:        i,
			StrategyName: d.def.Name,
			Action:       act,
			IsRequired:   !a.Optional,
			MaxRetries:   a.MaxRetries,
			Status:       models.StepNotStarted,
			DependsOn:    append([]string(nil), a.DependsOn...),
		}
		if a.Timeout > 0 && a.Timeout%time.Second == 0 {
			step.TimeoutSeconds = int(a.Timeout / time.Second)
		}
		if len(a.OutputRefs) > 0 {
			step.OutputRefs = make(map[string]string, len(a.OutputRefs))
			for k, v := range a.OutputRefs {
				step.OutputRefs[k] = v
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func (d *Declarative) buildAction(a ActionDefinition, data map[string]interface{}) (models.RemediationAction, error) {
	params, err := d.processor.ProcessMap(a.Parameters, data, parameters.Partial)
	if err != nil {
		return models.RemediationAction{}, fmt.Errorf("action %s: %w", a.Name, err)
	}
	act := models.RemediationAction{
		Name:                   a.Name,
		Type:                   a.Type,
		Description:            a.Description,
		Severity:               a.Severity,
		ImpactScope:            a.ImpactScope,
		Parameters:             params,
		Timeout:                a.Timeout,
		RequiresManualApproval: a.RequiresManualApproval,
		ConfirmationMessage:    a.ConfirmationMessage,
		MaxRetries:             a.MaxRetries,
		RetryDelay:             a.RetryDelay,
		Warnings:               append([]string(nil), a.Warnings...),
		ExpectedOutputs:        append([]string(nil), a.ExpectedOutputs...),
		SuccessCondition:       a.SuccessCondition,
		Outputs:                a.Outputs,
	}
	if a.Rollback != nil {
		rb := *a.Rollback
		if rb.Name == "" {
			rb.Name = a.Name + "-rollback"
		}
		rollback, err := d.buildAction(rb, data)
		if err != nil {
			return models.RemediationAction{}, err
		}
		act.RollbackAction = &rollback
	}
	return act, nil
}

// Execute runs the strategy's actions in declared order without retries or
// rollback. It stops at the first failing required action.
func (d *Declarative) Execute(ctx context.Context, ec *models.ErrorContext) (*Result, error) {
	if d.factory == nil {
		return nil, fmt.Errorf("strategy %s: no action factory configured", d.def.Name)
	}
	steps, err := d.Steps(ctx, ec)
	if err != nil {
		return nil, err
	}
	data, err := d.data(ec)
	if err != nil {
		return nil, err
	}

	result := &Result{Strategy: d.def.Name, Success: true, Outputs: make(map[string]map[string]interface{})}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outputs, err := d.runStep(ctx, step, data, result.Outputs)
		if err != nil {
			if step.IsRequired {
				result.Success = false
				result.Error = fmt.Sprintf("action %s: %v", step.Name, err)
				return result, nil
			}
			d.logger.Warn(ctx, "optional action failed",
				zap.String("strategy", d.def.Name), zap.String("action", step.Name), zap.Error(err))
			continue
		}
		result.Outputs[step.Name] = outputs
	}
	return result, nil
}

func (d *Declarative) runStep(ctx context.Context, step models.RemediationStep, data map[string]interface{},
	prior map[string]map[string]interface{}) (map[string]interface{}, error) {
	inputs := make(map[string]interface{}, len(step.Action.Parameters)+len(step.OutputRefs))
	for k, v := range step.Action.Parameters {
		inputs[k] = v
	}
	for param, ref := range step.OutputRefs {
		name, key, _ := SplitOutputRef(ref)
		value, ok := prior[name][key]
		if !ok {
			return nil, fmt.Errorf("output %q is not available", ref)
		}
		inputs[param] = value
	}

	scope := make(map[string]interface{}, len(data)+len(inputs))
	for k, v := range data {
		scope[k] = v
	}
	for k, v := range inputs {
		scope[k] = v
	}
	params, err := d.processor.ProcessMap(inputs, scope, parameters.Strict)
	if err != nil {
		return nil, err
	}

	act := step.Action
	act.Parameters = params
	impl, err := d.factory.CreateFor(&act)
	if err != nil {
		return nil, err
	}
	return action.Run(ctx, impl, params)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
