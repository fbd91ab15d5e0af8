// SPDX-License-Identifier: Apache-2.0

package risk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kusari-oss/remedy/internal/core/models"
)

func TestCalculateRiskLevel(t *testing.T) {
	const (
		none     = models.RiskNone
		low      = models.RiskLow
		medium   = models.RiskMedium
		high     = models.RiskHigh
		critical = models.RiskCritical
	)

	tests := []struct {
		severity models.Severity
		scope    models.ImpactScope
		want     models.RiskLevel
	}{
		{models.SeverityCritical, models.ImpactGlobal, critical},
		{models.SeverityCritical, models.ImpactSystem, critical},
		{models.SeverityCritical, models.ImpactService, critical},
		{models.SeverityCritical, models.ImpactModule, critical},
		{models.SeverityCritical, models.ImpactLocal, high},
		{models.SeverityCritical, models.ImpactNone, high},

		{models.SeverityHigh, models.ImpactGlobal, critical},
		{models.SeverityHigh, models.ImpactSystem, critical},
		{models.SeverityHigh, models.ImpactService, critical},
		{models.SeverityHigh, models.ImpactModule, high},
		{models.SeverityHigh, models.ImpactLocal, high},
		{models.SeverityHigh, models.ImpactNone, high},

		{models.SeverityMedium, models.ImpactGlobal, high},
		{models.SeverityMedium, models.ImpactSystem, high},
		{models.SeverityMedium, models.ImpactService, medium},
		{models.SeverityMedium, models.ImpactModule, medium},
		{models.SeverityMedium, models.ImpactLocal, medium},
		{models.SeverityMedium, models.ImpactNone, medium},

		{models.SeverityLow, models.ImpactGlobal, medium},
		{models.SeverityLow, models.ImpactSystem, low},
		{models.SeverityLow, models.ImpactService, low},
		{models.SeverityLow, models.ImpactModule, low},
		{models.SeverityLow, models.ImpactLocal, low},
		{models.SeverityLow, models.ImpactNone, low},

		{models.SeverityNone, models.ImpactGlobal, none},
		{models.SeverityNone, models.ImpactSystem, none},
		{models.SeverityNone, models.ImpactService, none},
		{models.SeverityNone, models.ImpactModule, none},
		{models.SeverityNone, models.ImpactLocal, none},
		{models.SeverityNone, models.ImpactNone, none},
	}
	require.Len(t, tests, 30)

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.severity, tt.scope), func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateRiskLevel(tt.severity, tt.scope))
		})
	}
}

func TestCalculateRiskLevelOutOfRange(t *testing.T) {
	assert.Equal(t, models.RiskCritical, CalculateRiskLevel(models.Severity(9), models.ImpactScope(9)))
	assert.Equal(t, models.RiskNone, CalculateRiskLevel(models.Severity(-1), models.ImpactGlobal))
	assert.Equal(t, models.RiskHigh, CalculateRiskLevel(models.SeverityHigh, models.ImpactScope(-3)))
}

func TestAssessRiskNilAction(t *testing.T) {
	_, err := NewAssessor().AssessRisk(context.Background(), nil, nil)
	assert.ErrorIs(t, err, models.ErrNilArgument)
}

func TestAssessRiskRollbackMitigationIsExclusive(t *testing.T) {
	a := NewAssessor()
	withRollback := &models.RemediationAction{
		Severity:       models.SeverityLow,
		RollbackAction: &models.RemediationAction{Name: "undo"},
	}
	without := &models.RemediationAction{Severity: models.SeverityLow}

	r1, err := a.AssessRisk(context.Background(), withRollback, nil)
	require.NoError(t, err)
	assert.Contains(t, r1.MitigationSteps, "Rollback procedure is available")
	assert.NotContains(t, r1.MitigationSteps, "No automatic rollback available; manual recovery may be required")

	r2, err := a.AssessRisk(context.Background(), without, nil)
	require.NoError(t, err)
	assert.Contains(t, r2.MitigationSteps, "No automatic rollback available; manual recovery may be required")
	assert.NotContains(t, r2.MitigationSteps, "Rollback procedure is available")
}

func TestAssessRiskHighServiceAction(t *testing.T) {
	action := &models.RemediationAction{
		Name:                   "restart-service",
		Severity:               models.SeverityHigh,
		ImpactScope:            models.ImpactService,
		RequiresManualApproval: true,
		Warnings:               []string{"drops in-flight requests"},
		MaxRetries:             2,
		RollbackAction:         &models.RemediationAction{Name: "restore-replicas"},
	}
	ec := &models.ErrorContext{ServiceName: "checkout", CorrelationID: "corr-1"}

	result, err := NewAssessor().AssessRisk(context.Background(), action, ec)
	require.NoError(t, err)

	assert.Equal(t, models.RiskCritical, result.RiskLevel)
	assert.GreaterOrEqual(t, len(result.PotentialIssues), 3)
	assert.Contains(t, result.PotentialIssues, "Warning: drops in-flight requests")
	assert.Contains(t, result.MitigationSteps, "Action supports up to 2 automatic retries")
	assert.Contains(t, result.MitigationSteps, "Rollback procedure is available")
	assert.Equal(t, []string{"Service Layer", "Service: checkout"}, result.AffectedComponents)
	assert.Equal(t, "corr-1", result.CorrelationID)
	assert.Equal(t, models.AnalysisCompleted, result.Status)
}

func TestAssessRiskConfidence(t *testing.T) {
	a := NewAssessor()
	action := &models.RemediationAction{Severity: models.SeverityMedium, ImpactScope: models.ImpactModule}

	without, err := a.AssessRisk(context.Background(), action, nil)
	require.NoError(t, err)
	with, err := a.AssessRisk(context.Background(), action, &models.ErrorContext{ComponentName: "cache"})
	require.NoError(t, err)

	assert.Greater(t, with.Confidence, without.Confidence)
	assert.Equal(t, []string{"Module Layer", "Module/Component: cache"}, with.AffectedComponents)
	assert.Equal(t, []string{"Module Layer"}, without.AffectedComponents)
}

func TestAffectedComponentsByScope(t *testing.T) {
	assert.Equal(t, []string{"Entire System"}, affectedComponents(models.ImpactSystem, nil))
	assert.Equal(t, []string{"Global Infrastructure", "Entire System"}, affectedComponents(models.ImpactGlobal, nil))
	assert.Empty(t, affectedComponents(models.ImpactLocal, &models.ErrorContext{ServiceName: "x"}))
}

type patternSourceFunc func(ctx context.Context, service string) ([]models.ErrorPattern, error)

func (f patternSourceFunc) GetPatterns(ctx context.Context, service string) ([]models.ErrorPattern, error) {
	return f(ctx, service)
}

func TestAssessRiskPatterns(t *testing.T) {
	action := &models.RemediationAction{Severity: models.SeverityLow}
	ec := &models.ErrorContext{ServiceName: "checkout", ErrorType: "Timeout"}

	t.Run("HistoryRaisesConfidence", func(t *testing.T) {
		a := NewAssessor(WithPatternSource(patternSourceFunc(func(ctx context.Context, service string) ([]models.ErrorPattern, error) {
			return []models.ErrorPattern{{ServiceName: service, ErrorType: "Timeout", Occurrences: 4}}, nil
		})))
		result, err := a.AssessRisk(context.Background(), action, ec)
		require.NoError(t, err)
		assert.InDelta(t, 0.85, result.Confidence, 1e-9)
		assert.Contains(t, result.RiskFactors, "history: 4 prior occurrences")
	})

	t.Run("FailuresAreIgnored", func(t *testing.T) {
		a := NewAssessor(WithPatternSource(patternSourceFunc(func(ctx context.Context, service string) ([]models.ErrorPattern, error) {
			return nil, errors.New("store unavailable")
		})))
		result, err := a.AssessRisk(context.Background(), action, ec)
		require.NoError(t, err)
		assert.InDelta(t, confidenceWithContext, result.Confidence, 1e-9)
	})

	t.Run("SlowStoreIsBounded", func(t *testing.T) {
		a := NewAssessor(
			WithPatternTimeout(10*time.Millisecond),
			WithPatternSource(patternSourceFunc(func(ctx context.Context, service string) ([]models.ErrorPattern, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})),
		)
		start := time.Now()
		_, err := a.AssessRisk(context.Background(), action, ec)
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestAssessPlan(t *testing.T) {
	plan := &models.RemediationPlan{
		ID: "plan-1",
		Steps: []models.RemediationStep{
			{Name: "clear-cache", Action: models.RemediationAction{Severity: models.SeverityLow, ImpactScope: models.ImpactLocal}},
			{Name: "restart", Action: models.RemediationAction{
				Severity:    models.SeverityMedium,
				ImpactScope: models.ImpactSystem,
				Warnings:    []string{"brief outage"},
			}},
		},
	}

	result, err := NewAssessor().AssessPlan(context.Background(), plan, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, result.RiskLevel)
	assert.Contains(t, result.PotentialIssues, "[restart] Warning: brief outage")
	assert.Contains(t, result.AffectedComponents, "Entire System")

	_, err = NewAssessor().AssessPlan(context.Background(), nil, nil)
	assert.ErrorIs(t, err, models.ErrNilArgument)
}
