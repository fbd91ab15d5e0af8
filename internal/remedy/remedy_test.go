// SPDX-License-Identifier: Apache-2.0

package remedy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kusari-oss/remedy/internal/core/config"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/logging"
	"github.com/kusari-oss/remedy/internal/remedy"
	"github.com/kusari-oss/remedy/internal/remedy/strategy"
	"github.com/kusari-oss/remedy/internal/testutil"
)

func noopStep(name string, deps ...string) models.RemediationStep {
	return models.RemediationStep{
		Name:       name,
		IsRequired: true,
		DependsOn:  deps,
		Status:     models.StepNotStarted,
		Action: models.RemediationAction{
			Name:        name,
			Type:        models.ActionTypeNoop,
			Severity:    models.SeverityLow,
			ImpactScope: models.ImpactLocal,
		},
	}
}

func newService(t *testing.T, cfg *config.Config, opts remedy.Options) *remedy.Service {
	t.Helper()
	t.Setenv(config.HomeEnv, t.TempDir())
	opts.Config = cfg
	opts.ProjectDir = t.TempDir()
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	s, err := remedy.New(context.Background(), opts)
	require.NoError(t, err)
	return s
}

func testContext() *models.ErrorContext {
	return &models.ErrorContext{
		ID:            "err-1",
		CorrelationID: "corr-1",
		ServiceName:   "checkout",
		ErrorType:     "OutOfMemoryError",
		Message:       "container killed",
		Severity:      models.SeverityHigh,
	}
}

func TestServiceRunsPlanAndRecordsOutcome(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Strategies.UseEmbedded = false
	logs := logging.NewTestLogger()

	s := newService(t, cfg, remedy.Options{
		Logger: logs.Logger,
		Strategies: []strategy.Strategy{
			testutil.NewMockStrategy("mock-restart", "1.0.0", models.PriorityHigh,
				noopStep("drain"), noopStep("restart", "drain")),
		},
	})
	ctx := context.Background()
	ec := testContext()

	p, result, err := s.CreatePlan(ctx, ec)
	require.NoError(t, err)
	require.True(t, result.IsValid, result.ErrorMessages())
	assert.Equal(t, models.PlanValidated, p.Status)
	assert.Nil(t, ec.Analysis, "caller's error context must not be mutated")

	exec, err := s.Run(ctx, p, ec)
	require.NoError(t, err)
	assert.True(t, exec.Success, exec.Error)
	assert.Equal(t, models.PlanCompleted, exec.Status)

	status, err := s.GetStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, status)

	history, err := s.GetStatusHistory(ctx, p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, models.PlanCompleted, history[len(history)-1].Status)

	stored, err := s.GetExecution(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, stored.ExecutedActions, 2)

	require.NoError(t, s.Close())

	patterns, err := s.Patterns().GetPatterns(ctx, "checkout")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 1, patterns[0].Occurrences)
	assert.Equal(t, []string{"mock-restart"}, patterns[0].SuccessfulStrategies)

	contexts, err := s.Patterns().GetContexts(ctx, "checkout", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.NotNil(t, contexts[0].Analysis)
}

func TestServiceLoadsEmbeddedCatalog(t *testing.T) {
	s := newService(t, config.NewDefaultConfig(), remedy.Options{DryRun: true})
	defer s.Close()

	_, err := s.Registry().GetLatestVersion("restart-service")
	require.NoError(t, err)

	ctx := context.Background()
	p, result, err := s.CreatePlan(ctx, testContext())
	require.NoError(t, err)
	require.True(t, result.IsValid, result.ErrorMessages())
	assert.Contains(t, p.Metadata["strategies"], "restart-service")

	exec, err := s.Run(ctx, p, testContext())
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, exec.Status, exec.Error)
}

func TestEngineConfigShapesNewPlans(t *testing.T) {
	tests := []struct {
		name     string
		parallel bool
		escalate bool
		rollback bool
	}{
		{"defaults", false, false, true},
		{"parallel and escalating", true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			cfg.Engine.Parallel = tt.parallel
			cfg.Engine.EscalateOnOptionalFailure = tt.escalate
			cfg.Engine.RollbackOnFailure = tt.rollback
			s := newService(t, cfg, remedy.Options{DryRun: true})
			defer s.Close()

			p, _, err := s.CreatePlan(context.Background(), testContext())
			require.NoError(t, err)
			assert.Equal(t, tt.parallel, p.Parallel)
			assert.Equal(t, tt.escalate, p.EscalateOnOptionalFailure)
			assert.Equal(t, tt.rollback, p.AutoRollback)
		})
	}
}

func TestProjectCatalogOverridesEmbedded(t *testing.T) {
	cfg := config.NewDefaultConfig()
	t.Setenv(config.HomeEnv, t.TempDir())
	projectDir := t.TempDir()
	dir := filepath.Join(projectDir, config.DefaultConfigDir, config.DefaultStrategiesDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "restart.yaml"), []byte(`strategies:
  - name: restart-service
    version: 1.0.0
    type: custom
    priority: low
    description: project override
    actions:
      - name: noop
        type: noop
        severity: low
        impact_scope: local
`), 0644))

	s, err := remedy.New(context.Background(), remedy.Options{Config: cfg, ProjectDir: projectDir})
	require.NoError(t, err)
	defer s.Close()

	meta, err := s.Registry().GetMetadata("restart-service", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "project override", meta.Description)
}

func TestServiceWithRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.NewDefaultConfig()
	cfg.Strategies.UseEmbedded = false
	cfg.Store.Backend = "redis"
	cfg.Store.Redis.Address = mr.Addr()

	s := newService(t, cfg, remedy.Options{
		Strategies: []strategy.Strategy{
			testutil.NewMockStrategy("mock", "1.0.0", models.PriorityMedium, noopStep("only")),
		},
	})
	ctx := context.Background()

	p, _, err := s.CreatePlan(ctx, testContext())
	require.NoError(t, err)
	_, err = s.Run(ctx, p, testContext())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	keys := mr.Keys()
	assert.NotEmpty(t, keys)
	for _, k := range keys {
		assert.Contains(t, k, "remedy:")
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	_, err := remedy.OpenStore(context.Background(), config.StoreConfig{Backend: "etcd"})
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := remedy.New(context.Background(), remedy.Options{})
	assert.ErrorIs(t, err, models.ErrNilArgument)
}

func TestPlanFiles(t *testing.T) {
	dir := t.TempDir()

	t.Run("SaveAndLoad", func(t *testing.T) {
		p := &models.RemediationPlan{
			ID:    "plan-1",
			Name:  "restart checkout",
			Steps: []models.RemediationStep{noopStep("a"), noopStep("b", "a")},
		}
		path := filepath.Join(dir, "plan.yaml")
		require.NoError(t, remedy.SavePlanToFile(p, path))

		loaded, err := remedy.LoadPlanFile(path)
		require.NoError(t, err)
		assert.Equal(t, "plan-1", loaded.ID)
		require.Len(t, loaded.Steps, 2)
		assert.Equal(t, []string{"a"}, loaded.Steps[1].DependsOn)
	})

	t.Run("RejectsEmptyPlan", func(t *testing.T) {
		err := remedy.SavePlanToFile(&models.RemediationPlan{ID: "empty"}, filepath.Join(dir, "empty.yaml"))
		assert.ErrorContains(t, err, "no steps")
	})

	t.Run("RejectsCycles", func(t *testing.T) {
		p := &models.RemediationPlan{
			ID:    "cyclic",
			Steps: []models.RemediationStep{noopStep("a", "b"), noopStep("b", "a")},
		}
		err := remedy.SavePlanToFile(p, filepath.Join(dir, "cyclic.yaml"))
		assert.Error(t, err)
		assert.NoFileExists(t, filepath.Join(dir, "cyclic.yaml"))
	})
}

func TestLoadErrorContextFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("Valid", func(t *testing.T) {
		path := filepath.Join(dir, "error.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`id: err-9
service_name: checkout
error_type: OutOfMemoryError
message: container killed
severity: high
`), 0644))

		ec, err := remedy.LoadErrorContextFile(path)
		require.NoError(t, err)
		assert.Equal(t, "checkout", ec.ServiceName)
		assert.Equal(t, models.SeverityHigh, ec.Severity)
	})

	t.Run("MissingFields", func(t *testing.T) {
		path := filepath.Join(dir, "partial.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"id": "err-10", "message": "boom"}`), 0644))

		_, err := remedy.LoadErrorContextFile(path)
		assert.ErrorContains(t, err, "service_name and error_type")
	})
}
