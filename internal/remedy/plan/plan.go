// SPDX-License-Identifier: Apache-2.0

// Package plan builds remediation plans from the strategies that can handle
// an error.
package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/logging"
	"github.com/kusari-oss/remedy/internal/remedy/risk"
	"github.com/kusari-oss/remedy/internal/remedy/strategy"
	"github.com/kusari-oss/remedy/internal/remedy/validation"
)

// StatusRecorder receives plan status transitions.
type StatusRecorder interface {
	UpdateStatus(ctx context.Context, planID string, status models.PlanStatus, details map[string]interface{}) error
}

// Manager creates and validates plans.
type Manager struct {
	registry  *strategy.Registry
	assessor  *risk.Assessor
	validator *validation.Engine
	recorder  StatusRecorder
	logger    *logging.Logger

	autoRollback     bool
	parallel         bool
	escalateOptional bool
	now              func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithRecorder(r StatusRecorder) Option {
	return func(m *Manager) { m.recorder = r }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l).Named("plan") }
}

// WithAutoRollback sets AutoRollback on created plans. Defaults to true.
func WithAutoRollback(enabled bool) Option {
	return func(m *Manager) { m.autoRollback = enabled }
}

// WithParallel marks created plans as eligible for parallel waves.
func WithParallel(enabled bool) Option {
	return func(m *Manager) { m.parallel = enabled }
}

// WithEscalateOnOptionalFailure sets the optional-failure risk flag on
// created plans.
func WithEscalateOnOptionalFailure(enabled bool) Option {
	return func(m *Manager) { m.escalateOptional = enabled }
}

// NewManager creates a plan manager.
func NewManager(registry *strategy.Registry, assessor *risk.Assessor, validator *validation.Engine, opts ...Option) *Manager {
	m := &Manager{
		registry:     registry,
		assessor:     assessor,
		validator:    validator,
		logger:       logging.NewNop(),
		autoRollback: true,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreatePlan builds a plan for ec. Steps come from every applicable strategy
// that passes validation, highest priority first and in declared action
// order within a strategy, then reordered to satisfy DependsOn. The plan
// risk is the highest step risk.
func (m *Manager) CreatePlan(ctx context.Context, ec *models.ErrorContext) (*models.RemediationPlan, error) {
	if ec == nil {
		return nil, fmt.Errorf("%w: error context", models.ErrNilArgument)
	}

	candidates, err := m.registry.GetStrategiesForError(ctx, ec)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no strategy can handle %s error %s", models.ErrPlanConstruction, ec.ErrorType, ec.ID)
	}

	plan := &models.RemediationPlan{
		ID:                        uuid.New().String(),
		ErrorID:                   ec.ID,
		CorrelationID:             ec.CorrelationID,
		ServiceName:               ec.ServiceName,
		Status:                    models.PlanCreated,
		CreatedAt:                 m.now(),
		AutoRollback:              m.autoRollback,
		Parallel:                  m.parallel,
		EscalateOnOptionalFailure: m.escalateOptional,
	}

	var selected, skipped []string
	for _, c := range candidates {
		meta := c.Strategy.Metadata()
		vr, err := m.validator.ValidateStrategy(ctx, c.Strategy, ec)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Warn(ctx, "strategy validation failed", zap.String("strategy", meta.Name), zap.Error(err))
			skipped = append(skipped, meta.Name)
			continue
		}
		if !vr.IsValid {
			m.logger.Info(ctx, "skipping invalid strategy",
				zap.String("strategy", meta.Name), zap.Strings("errors", vr.ErrorMessages()))
			skipped = append(skipped, meta.Name)
			continue
		}

		steps, err := c.Strategy.Steps(ctx, ec)
		if err != nil {
			m.logger.Warn(ctx, "strategy produced no steps", zap.String("strategy", meta.Name), zap.Error(err))
			skipped = append(skipped, meta.Name)
			continue
		}
		if len(steps) == 0 {
			skipped = append(skipped, meta.Name)
			continue
		}
		plan.Steps = append(plan.Steps, scopeSteps(plan.ID, meta.Name, steps)...)
		selected = append(selected, meta.Name)
	}

	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("%w: no applicable strategy produced steps for error %s (skipped: %v)",
			models.ErrPlanConstruction, ec.ID, skipped)
	}

	sorted, err := models.SortSteps(plan.Steps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPlanConstruction, err)
	}
	plan.Steps = sorted

	plan.Name = fmt.Sprintf("remediate %s", ec.ErrorType)
	if ec.ServiceName != "" {
		plan.Name = fmt.Sprintf("remediate %s in %s", ec.ErrorType, ec.ServiceName)
	}
	plan.SetMetadata("strategies", selected)
	if len(skipped) > 0 {
		plan.SetMetadata("skipped_strategies", skipped)
	}

	assessment, err := m.assessor.AssessPlan(ctx, plan, ec)
	if err != nil {
		return nil, err
	}
	plan.RiskLevel = assessment.RiskLevel
	plan.SetMetadata("risk_confidence", assessment.Confidence)

	m.record(ctx, plan, nil)
	m.logger.Info(logging.WithPlanID(ctx, plan.ID), "plan created",
		zap.Int("steps", len(plan.Steps)), zap.Strings("strategies", selected),
		zap.String("risk", plan.RiskLevel.String()))
	return plan, nil
}

// scopeSteps gives each step of a strategy a plan-unique id and name.
// Step names become "<strategy>-<action>" and dependencies and output
// references are rewritten to match.
func scopeSteps(planID, strategyName string, steps []models.RemediationStep) []models.RemediationStep {
	ids := make(map[string]string, len(steps))
	names := make(map[string]string, len(steps))
	for _, s := range steps {
		ids[s.Name] = uuid.New().String()
		names[s.Name] = fmt.Sprintf("%s-%s", strategyName, s.Name)
	}

	out := make([]models.RemediationStep, 0, len(steps))
	for _, s := range steps {
		step := s
		step.ID = ids[s.Name]
		step.PlanID = planID
		step.Name = names[s.Name]
		if step.StrategyName == "" {
			step.StrategyName = strategyName
		}
		if step.Status == "" {
			step.Status = models.StepNotStarted
		}
		if step.Action.ID == "" {
			step.Action.ID = uuid.New().String()
		}
		if rb := step.Action.RollbackAction; rb != nil && rb.ID == "" {
			rollback := *rb
			rollback.ID = uuid.New().String()
			step.Action.RollbackAction = &rollback
		}

		if len(s.DependsOn) > 0 {
			step.DependsOn = make([]string, len(s.DependsOn))
			for i, dep := range s.DependsOn {
				if id, ok := ids[dep]; ok {
					step.DependsOn[i] = id
				} else {
					step.DependsOn[i] = dep
				}
			}
		}
		if len(s.OutputRefs) > 0 {
			step.OutputRefs = make(map[string]string, len(s.OutputRefs))
			for param, ref := range s.OutputRefs {
				if src, key, ok := strategy.SplitOutputRef(ref); ok {
					if scoped, known := names[src]; known {
						ref = scoped + "." + key
					}
				}
				step.OutputRefs[param] = ref
			}
		}
		out = append(out, step)
	}
	return out
}

// ValidatePlan runs plan validation and moves the plan through Validating
// to Validated or ValidationFailed.
func (m *Manager) ValidatePlan(ctx context.Context, plan *models.RemediationPlan) (bool, models.ValidationResult, error) {
	if plan == nil {
		return false, models.ValidationResult{}, fmt.Errorf("%w: plan", models.ErrNilArgument)
	}
	if err := plan.Transition(models.PlanValidating); err != nil {
		return false, models.ValidationResult{}, err
	}
	m.record(ctx, plan, nil)

	result, err := m.validator.ValidatePlan(ctx, plan)
	if err != nil {
		_ = plan.Transition(models.PlanValidationFailed)
		m.record(ctx, plan, map[string]interface{}{"error": err.Error()})
		return false, result, err
	}

	next := models.PlanValidated
	var details map[string]interface{}
	if !result.IsValid {
		next = models.PlanValidationFailed
		details = map[string]interface{}{"errors": result.ErrorMessages()}
	}
	if err := plan.Transition(next); err != nil {
		return false, result, err
	}
	m.record(ctx, plan, details)

	m.logger.Info(logging.WithPlanID(ctx, plan.ID), "plan validated",
		zap.Bool("valid", result.IsValid), zap.Int("warnings", len(result.Warnings)))
	return result.IsValid, result, nil
}

// CreateValidatedPlan creates a plan and validates it. A plan that fails
// validation is returned together with an error wrapping
// ErrPlanConstruction.
func (m *Manager) CreateValidatedPlan(ctx context.Context, ec *models.ErrorContext) (*models.RemediationPlan, models.ValidationResult, error) {
	plan, err := m.CreatePlan(ctx, ec)
	if err != nil {
		return nil, models.ValidationResult{}, err
	}
	ok, result, err := m.ValidatePlan(ctx, plan)
	if err != nil {
		return plan, result, err
	}
	if !ok {
		return plan, result, fmt.Errorf("%w: %s", models.ErrPlanConstruction,
			strings.Join(result.ErrorMessages(), "; "))
	}
	return plan, result, nil
}

func (m *Manager) record(ctx context.Context, plan *models.RemediationPlan, details map[string]interface{}) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.UpdateStatus(ctx, plan.ID, plan.Status, details); err != nil {
		m.logger.Warn(ctx, "error recording plan status", zap.String("plan", plan.ID), zap.Error(err))
	}
}
