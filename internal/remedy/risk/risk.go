// SPDX-License-Identifier: Apache-2.0

// Package risk scores remediation actions and plans.
package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/logging"
)

// riskMatrix is indexed by [severity][impact scope].
var riskMatrix = [...][6]models.RiskLevel{
	models.SeverityNone: {
		models.RiskNone, models.RiskNone, models.RiskNone, models.RiskNone, models.RiskNone, models.RiskNone,
	},
	models.SeverityLow: {
		models.RiskLow, models.RiskLow, models.RiskLow, models.RiskLow, models.RiskLow, models.RiskMedium,
	},
	models.SeverityMedium: {
		models.RiskMedium, models.RiskMedium, models.RiskMedium, models.RiskMedium, models.RiskHigh, models.RiskHigh,
	},
	models.SeverityHigh: {
		models.RiskHigh, models.RiskHigh, models.RiskHigh, models.RiskCritical, models.RiskCritical, models.RiskCritical,
	},
	models.SeverityCritical: {
		models.RiskHigh, models.RiskHigh, models.RiskCritical, models.RiskCritical, models.RiskCritical, models.RiskCritical,
	},
}

// CalculateRiskLevel maps severity and impact scope to a risk level.
// Values outside the defined enums fall back to the next lower defined cell.
func CalculateRiskLevel(severity models.Severity, scope models.ImpactScope) models.RiskLevel {
	if severity < models.SeverityNone {
		severity = models.SeverityNone
	}
	if severity > models.SeverityCritical {
		severity = models.SeverityCritical
	}
	if scope < models.ImpactNone {
		scope = models.ImpactNone
	}
	if scope > models.ImpactGlobal {
		scope = models.ImpactGlobal
	}
	return riskMatrix[severity][scope]
}

// PatternSource supplies historical error patterns for a service.
type PatternSource interface {
	GetPatterns(ctx context.Context, serviceName string) ([]models.ErrorPattern, error)
}

const (
	confidenceWithoutContext = 0.6
	confidenceWithContext    = 0.8
	confidenceCap            = 0.95

	defaultPatternTimeout = 500 * time.Millisecond
)

// Assessor produces risk assessments.
type Assessor struct {
	patterns       PatternSource
	patternTimeout time.Duration
	logger         *logging.Logger
	now            func() time.Time
}

// Option configures an Assessor.
type Option func(*Assessor)

// WithPatternSource lets the assessor consult historical patterns to raise
// its confidence. Lookups are bounded and their failures ignored.
func WithPatternSource(p PatternSource) Option {
	return func(a *Assessor) { a.patterns = p }
}

func WithPatternTimeout(d time.Duration) Option {
	return func(a *Assessor) { a.patternTimeout = d }
}

func WithLogger(l *logging.Logger) Option {
	return func(a *Assessor) { a.logger = logging.OrNop(l).Named("risk") }
}

// NewAssessor creates an Assessor.
func NewAssessor(opts ...Option) *Assessor {
	a := &Assessor{
		patternTimeout: defaultPatternTimeout,
		logger:         logging.NewNop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AssessRisk scores a single action. ec may be nil.
func (a *Assessor) AssessRisk(ctx context.Context, action *models.RemediationAction, ec *models.ErrorContext) (*models.RiskAssessmentResult, error) {
	if action == nil {
		return nil, fmt.Errorf("%w: action", models.ErrNilArgument)
	}

	level := CalculateRiskLevel(action.Severity, action.ImpactScope)
	result := &models.RiskAssessmentResult{
		RiskLevel:          level,
		Status:             models.AnalysisCompleted,
		PotentialIssues:    potentialIssues(action, level),
		MitigationSteps:    mitigationSteps(action),
		AffectedComponents: affectedComponents(action.ImpactScope, ec),
		RiskFactors:        riskFactors(action),
		Confidence:         confidenceWithoutContext,
		Metadata: map[string]interface{}{
			"action_id":   action.ID,
			"action_name": action.Name,
			"action_type": string(action.Type),
		},
		AssessedAt: a.now(),
	}

	if ec != nil {
		result.CorrelationID = ec.CorrelationID
		result.Confidence = confidenceWithContext
		if ec.Analysis != nil && ec.Analysis.Confidence > 0 {
			result.Confidence += 0.05
		}
		if n := a.patternOccurrences(ctx, ec); n > 0 {
			result.Confidence += 0.05
			result.RiskFactors = append(result.RiskFactors, fmt.Sprintf("history: %d prior occurrences", n))
		}
		if result.Confidence > confidenceCap {
			result.Confidence = confidenceCap
		}
	}

	result.Notes = fmt.Sprintf("%s severity action with %s impact scope assessed as %s risk",
		action.Severity, action.ImpactScope, level)
	return result, nil
}

// AssessPlan scores every step of a plan. The plan risk is the highest
// step risk; issues are prefixed with the step name.
func (a *Assessor) AssessPlan(ctx context.Context, plan *models.RemediationPlan, ec *models.ErrorContext) (*models.RiskAssessmentResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: plan", models.ErrNilArgument)
	}

	result := &models.RiskAssessmentResult{
		CorrelationID:      plan.CorrelationID,
		RiskLevel:          models.RiskNone,
		Status:             models.AnalysisCompleted,
		PotentialIssues:    []string{},
		MitigationSteps:    []string{},
		AffectedComponents: []string{},
		RiskFactors:        []string{},
		Confidence:         confidenceWithoutContext,
		Metadata:           map[string]interface{}{"plan_id": plan.ID, "steps": len(plan.Steps)},
		AssessedAt:         a.now(),
	}
	if ec != nil {
		result.Confidence = confidenceWithContext
	}

	seen := make(map[string]bool)
	addUnique := func(dst *[]string, v string) {
		if seen[v] {
			return
		}
		seen[v] = true
		*dst = append(*dst, v)
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		sr, err := a.AssessRisk(ctx, &step.Action, ec)
		if err != nil {
			return nil, err
		}
		result.RiskLevel = models.MaxRisk(result.RiskLevel, sr.RiskLevel)
		for _, issue := range sr.PotentialIssues {
			result.PotentialIssues = append(result.PotentialIssues, fmt.Sprintf("[%s] %s", step.Name, issue))
		}
		for _, m := range sr.MitigationSteps {
			addUnique(&result.MitigationSteps, m)
		}
		for _, c := range sr.AffectedComponents {
			addUnique(&result.AffectedComponents, c)
		}
		for _, f := range sr.RiskFactors {
			addUnique(&result.RiskFactors, f)
		}
		if i == 0 || sr.Confidence < result.Confidence {
			result.Confidence = sr.Confidence
		}
	}

	result.Notes = fmt.Sprintf("plan with %d steps assessed as %s risk", len(plan.Steps), result.RiskLevel)
	return result, nil
}

func (a *Assessor) patternOccurrences(ctx context.Context, ec *models.ErrorContext) int {
	if a.patterns == nil || ec.ServiceName == "" {
		return 0
	}
	pctx, cancel := context.WithTimeout(ctx, a.patternTimeout)
	defer cancel()

	patterns, err := a.patterns.GetPatterns(pctx, ec.ServiceName)
	if err != nil {
		a.logger.Debug(ctx, "pattern lookup failed, continuing without history",
			zap.String("service", ec.ServiceName), zap.Error(err))
		return 0
	}
	total := 0
	for _, p := range patterns {
		if p.ErrorType == ec.ErrorType {
			total += p.Occurrences
		}
	}
	return total
}

func potentialIssues(action *models.RemediationAction, level models.RiskLevel) []string {
	issues := []string{}
	if action.RequiresManualApproval {
		issues = append(issues, "Action requires manual approval before execution")
	}
	if action.ConfirmationMessage != "" {
		issues = append(issues, "Action requires confirmation: "+action.ConfirmationMessage)
	}
	for _, w := range action.Warnings {
		issues = append(issues, "Warning: "+w)
	}
	if level >= models.RiskHigh {
		issues = append(issues, fmt.Sprintf("%s risk: %s severity action affects %s scope",
			level, action.Severity, action.ImpactScope))
	}
	return issues
}

func mitigationSteps(action *models.RemediationAction) []string {
	steps := []string{}
	if action.MaxRetries > 0 {
		steps = append(steps, fmt.Sprintf("Action supports up to %d automatic retries", action.MaxRetries))
	}
	if action.RollbackAction != nil {
		steps = append(steps, "Rollback procedure is available")
	} else {
		steps = append(steps, "No automatic rollback available; manual recovery may be required")
	}
	if action.Timeout > 0 {
		steps = append(steps, fmt.Sprintf("Execution is bounded by a %s timeout", action.Timeout))
	}
	if action.RequiresManualApproval {
		steps = append(steps, "Execution is gated by manual approval")
	}
	return steps
}

func affectedComponents(scope models.ImpactScope, ec *models.ErrorContext) []string {
	components := []string{}
	switch scope {
	case models.ImpactGlobal:
		components = append(components, "Global Infrastructure", "Entire System")
	case models.ImpactSystem:
		components = append(components, "Entire System")
	case models.ImpactService:
		components = append(components, "Service Layer")
		if ec != nil && ec.ServiceName != "" {
			components = append(components, "Service: "+ec.ServiceName)
		}
	case models.ImpactModule:
		components = append(components, "Module Layer")
		if ec != nil && ec.ComponentName != "" {
			components = append(components, "Module/Component: "+ec.ComponentName)
		}
	}
	return components
}

func riskFactors(action *models.RemediationAction) []string {
	factors := []string{
		"severity: " + action.Severity.String(),
		"impact_scope: " + action.ImpactScope.String(),
	}
	if action.RequiresManualApproval {
		factors = append(factors, "manual approval required")
	}
	if action.RollbackAction == nil {
		factors = append(factors, "no rollback action")
	}
	if action.MaxRetries > 0 {
		factors = append(factors, fmt.Sprintf("retries: %d", action.MaxRetries))
	}
	return factors
}
