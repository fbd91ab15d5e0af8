// SPDX-License-Identifier: Apache-2.0

// Package remedy wires the remediation components into a Service.
package remedy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/action"
	"github.com/kusari-oss/remedy/internal/core/config"
	"github.com/kusari-oss/remedy/internal/core/format"
	"github.com/kusari-oss/remedy/internal/core/kv"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/defaults"
	"github.com/kusari-oss/remedy/internal/logging"
	"github.com/kusari-oss/remedy/internal/remedy/analysis"
	"github.com/kusari-oss/remedy/internal/remedy/condition"
	"github.com/kusari-oss/remedy/internal/remedy/executor"
	"github.com/kusari-oss/remedy/internal/remedy/health"
	"github.com/kusari-oss/remedy/internal/remedy/metrics"
	"github.com/kusari-oss/remedy/internal/remedy/plan"
	"github.com/kusari-oss/remedy/internal/remedy/risk"
	"github.com/kusari-oss/remedy/internal/remedy/strategy"
	"github.com/kusari-oss/remedy/internal/remedy/tracker"
	"github.com/kusari-oss/remedy/internal/remedy/validation"
)

// Options configures a Service. Only Config is required.
type Options struct {
	Config *config.Config
	// ProjectDir resolves the local strategy directory and is the working
	// directory of actions. Defaults to the current directory.
	ProjectDir string
	Logger     *logging.Logger
	// Registerer receives the Prometheus collectors. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
	// Store overrides the configured store backend.
	Store kv.Store
	// Oracle overrides the static health oracle. It is wrapped in a
	// circuit breaker either way.
	Oracle   health.Oracle
	Analyzer analysis.Analyzer
	Approver executor.Approver
	// Strategies are registered before any catalog, so they take
	// precedence over catalog entries with the same name and version.
	Strategies     []strategy.Strategy
	DryRun         bool
	Verbose        io.Writer
	TracerProvider trace.TracerProvider
}

// Service is the entry point for creating, executing and observing
// remediations.
type Service struct {
	cfg       *config.Config
	logger    *logging.Logger
	store     kv.Store
	tracker   *tracker.Tracker
	patterns  *analysis.PatternStore
	analyzer  analysis.Analyzer
	assessor  *risk.Assessor
	validator *validation.Engine
	registry  *strategy.Registry
	loader    *strategy.Loader
	factory   *action.Factory
	planner   *plan.Manager
	engine    *executor.Engine

	wg sync.WaitGroup
}

// OpenStore opens the configured key-value backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return kv.NewMemoryStore(), nil
	case "redis":
		return kv.NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// New creates a Service and loads the strategy catalogs.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: config", models.ErrNilArgument)
	}
	cfg := opts.Config
	logger := logging.OrNop(opts.Logger)

	projectDir := opts.ProjectDir
	if projectDir == "" {
		var err error
		if projectDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("error getting working directory: %w", err)
		}
	}
	workingDir := cfg.Engine.WorkingDir
	if workingDir == "" {
		workingDir = projectDir
	}

	store := opts.Store
	if store == nil {
		var err error
		if store, err = OpenStore(ctx, cfg.Store); err != nil {
			return nil, err
		}
	}

	m := metrics.New(opts.Registerer)
	tr := tracker.New(store, logger)
	patterns := analysis.NewPatternStore(store, logger)

	oracle := opts.Oracle
	if oracle == nil {
		oracle = health.NewStaticOracleFromConfig(cfg)
	}
	oracle = health.NewBreakerOracle(oracle, cfg.Health.Breaker, m, logger)

	evaluator, err := condition.NewEvaluator()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewEngine(cfg.Validation,
		validation.WithOracle(oracle),
		validation.WithEvaluator(evaluator),
		validation.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	assessor := risk.NewAssessor(risk.WithPatternSource(patterns), risk.WithLogger(logger))

	factory := action.NewDefaultFactory(action.ActionContext{
		TemplatesDir:       filepath.Join(projectDir, cfg.Strategies.TemplatesDir),
		GlobalTemplatesDir: filepath.Join(filepath.Dir(config.ExpandPathWithTilde(cfg.Strategies.GlobalDir)), config.DefaultTemplatesDir),
		WorkingDir:         workingDir,
		Verbose:            opts.Verbose,
		UseLocal:           cfg.Strategies.UseLocal,
		UseGlobal:          cfg.Strategies.UseGlobal,
		GlobalFirst:        cfg.Strategies.GlobalFirst,
		Logger:             logger,
	})

	registry := strategy.NewRegistry(logger)
	for _, s := range opts.Strategies {
		if err := registry.Register(s); err != nil {
			return nil, err
		}
	}
	loader := strategy.NewLoader(evaluator, factory, logger)
	if _, err := loader.LoadDirs(registry, cfg.StrategyDirs(projectDir)...); err != nil {
		return nil, err
	}
	if cfg.Strategies.UseEmbedded {
		embedded, err := loader.LoadFS(defaults.Strategies(), ".")
		if err != nil {
			return nil, err
		}
		loader.Register(registry, embedded)
	}

	planner := plan.NewManager(registry, assessor, validator,
		plan.WithRecorder(tr),
		plan.WithLogger(logger),
		plan.WithAutoRollback(cfg.Engine.RollbackOnFailure),
		plan.WithParallel(cfg.Engine.Parallel),
		plan.WithEscalateOnOptionalFailure(cfg.Engine.EscalateOnOptionalFailure))

	settings := executor.SettingsFromConfig(cfg.Engine)
	settings.DryRun = opts.DryRun
	engineOpts := []executor.Option{
		executor.WithTracker(tr),
		executor.WithMetrics(m),
		executor.WithLogger(logger),
	}
	if opts.Approver != nil {
		engineOpts = append(engineOpts, executor.WithApprover(opts.Approver))
	}
	if opts.TracerProvider != nil {
		engineOpts = append(engineOpts, executor.WithTracerProvider(opts.TracerProvider))
	}

	analyzer := opts.Analyzer
	if analyzer == nil {
		analyzer = analysis.NewHistoryAnalyzer(patterns)
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger.Named("remedy"),
		store:     store,
		tracker:   tr,
		patterns:  patterns,
		analyzer:  analyzer,
		assessor:  assessor,
		validator: validator,
		registry:  registry,
		loader:    loader,
		factory:   factory,
		planner:   planner,
		engine:    executor.NewEngine(factory, validator, assessor, settings, engineOpts...),
	}
	s.logger.Debug(ctx, "service ready", zap.Int("strategies", registry.Len()), zap.String("store", cfg.Store.Backend))
	return s, nil
}

// Registry returns the strategy registry.
func (s *Service) Registry() *strategy.Registry { return s.registry }

// LoadCatalogFile parses a strategy catalog file without registering it.
func (s *Service) LoadCatalogFile(filePath string) ([]*strategy.Declarative, error) {
	return s.loader.LoadFile(filePath)
}

// Validator returns the validation engine.
func (s *Service) Validator() *validation.Engine { return s.validator }

// Patterns returns the pattern store.
func (s *Service) Patterns() *analysis.PatternStore { return s.patterns }

// CreatePlan analyses ec when it carries no analysis yet, then builds and
// validates a plan. The error context is recorded in the pattern history.
func (s *Service) CreatePlan(ctx context.Context, ec *models.ErrorContext) (*models.RemediationPlan, models.ValidationResult, error) {
	if ec == nil {
		return nil, models.ValidationResult{}, fmt.Errorf("%w: error context", models.ErrNilArgument)
	}
	ctx = logging.WithCorrelationID(ctx, ec.CorrelationID)

	seeded := *ec
	if seeded.Timestamp.IsZero() {
		seeded.Timestamp = time.Now()
	}
	if seeded.Analysis == nil && s.analyzer != nil {
		result, err := s.analyzer.AnalyzeError(ctx, &seeded)
		if err != nil {
			s.logger.Warn(ctx, "error analysis failed, planning without it", zap.Error(err))
		} else {
			seeded.Analysis = result
		}
	}
	if err := s.patterns.RecordContext(ctx, &seeded); err != nil {
		s.logger.Warn(ctx, "error recording error context", zap.Error(err))
	}

	return s.planner.CreateValidatedPlan(ctx, &seeded)
}

// ValidatePlan validates a plan that was created earlier, for example one
// loaded from a file. The plan is reset to Created first, so a plan file
// saved after validation is validated again against the current rules.
func (s *Service) ValidatePlan(ctx context.Context, p *models.RemediationPlan) (bool, models.ValidationResult, error) {
	if p == nil {
		return false, models.ValidationResult{}, fmt.Errorf("%w: plan", models.ErrNilArgument)
	}
	p.Status = models.PlanCreated
	for i := range p.Steps {
		if p.Steps[i].Status == "" {
			p.Steps[i].Status = models.StepNotStarted
		}
	}
	return s.planner.ValidatePlan(ctx, p)
}

// ExecutePlan starts executing a validated plan and returns immediately.
// When the run finishes, its outcome is credited to the plan's strategies
// in the pattern history.
func (s *Service) ExecutePlan(ctx context.Context, p *models.RemediationPlan, ec *models.ErrorContext) (*models.RemediationExecution, error) {
	exec, err := s.engine.ExecutePlan(ctx, p, ec)
	if err != nil {
		return nil, err
	}

	strategies := planStrategies(p)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bg := context.WithoutCancel(ctx)
		result, err := s.engine.Wait(bg, p.ID)
		if err != nil || ec == nil {
			return
		}
		for _, name := range strategies {
			if err := s.patterns.RecordOutcome(bg, ec, name, result.Success); err != nil {
				s.logger.Warn(bg, "error recording outcome", zap.String("strategy", name), zap.Error(err))
			}
		}
	}()
	return exec, nil
}

// planStrategies returns the strategy names recorded in the plan metadata.
// Plans decoded from a file carry them as []interface{}.
func planStrategies(p *models.RemediationPlan) []string {
	switch v := p.Metadata["strategies"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if name, ok := item.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

// Run executes a plan and waits for its result.
func (s *Service) Run(ctx context.Context, p *models.RemediationPlan, ec *models.ErrorContext) (*models.RemediationExecution, error) {
	if _, err := s.ExecutePlan(ctx, p, ec); err != nil {
		return nil, err
	}
	return s.Wait(ctx, p.ID)
}

// Wait blocks until a remediation finishes.
func (s *Service) Wait(ctx context.Context, id string) (*models.RemediationExecution, error) {
	return s.engine.Wait(ctx, id)
}

// GetStatus returns the status of a remediation.
func (s *Service) GetStatus(ctx context.Context, id string) (models.PlanStatus, error) {
	return s.engine.GetStatus(ctx, id)
}

// GetStatusHistory returns the recorded status transitions of a remediation.
func (s *Service) GetStatusHistory(ctx context.Context, id string) ([]tracker.StatusEntry, error) {
	return s.tracker.GetStatusHistory(ctx, id)
}

// GetExecution returns the recorded result of a finished remediation.
func (s *Service) GetExecution(ctx context.Context, id string) (*models.RemediationExecution, error) {
	return s.tracker.GetExecution(ctx, id)
}

// CancelRemediation requests cancellation of a running remediation.
func (s *Service) CancelRemediation(id string) bool {
	return s.engine.CancelRemediation(id)
}

// GetMetrics returns progress metrics of a remediation.
func (s *Service) GetMetrics(ctx context.Context, id string) (*models.RemediationMetrics, error) {
	return s.engine.GetMetrics(ctx, id)
}

// Rollback compensates a failed or cancelled remediation.
func (s *Service) Rollback(ctx context.Context, id, reason string) (*models.RollbackExecutionDetails, error) {
	return s.engine.Rollback(ctx, id, reason)
}

// AssessRisk assesses a single action. ec may be nil.
func (s *Service) AssessRisk(ctx context.Context, a *models.RemediationAction, ec *models.ErrorContext) (*models.RiskAssessmentResult, error) {
	return s.assessor.AssessRisk(ctx, a, ec)
}

// AssessPlan assesses a whole plan. ec may be nil.
func (s *Service) AssessPlan(ctx context.Context, p *models.RemediationPlan, ec *models.ErrorContext) (*models.RiskAssessmentResult, error) {
	return s.assessor.AssessPlan(ctx, p, ec)
}

// Close waits for outcome bookkeeping of started runs and closes the store.
// Runs still in flight are not cancelled.
func (s *Service) Close() error {
	s.wg.Wait()
	return s.store.Close()
}

// LoadPlanFile loads a remediation plan from a YAML or JSON file.
func LoadPlanFile(filePath string) (*models.RemediationPlan, error) {
	var p models.RemediationPlan
	if err := format.ParseFile(filePath, &p); err != nil {
		return nil, fmt.Errorf("error parsing plan file: %w", err)
	}
	return &p, nil
}

// LoadErrorContextFile loads an error context from a YAML or JSON file.
// An analysis section, when present, must satisfy the analysis schema.
func LoadErrorContextFile(filePath string) (*models.ErrorContext, error) {
	var ec models.ErrorContext
	if err := format.ParseFile(filePath, &ec); err != nil {
		return nil, fmt.Errorf("error parsing error context file: %w", err)
	}
	if ec.ServiceName == "" || ec.ErrorType == "" {
		return nil, errors.New("error context requires service_name and error_type")
	}
	if ec.Analysis != nil {
		data, err := analysis.MarshalAnalysis(ec.Analysis)
		if err != nil {
			return nil, err
		}
		if ec.Analysis, err = analysis.ParseAnalysis(data); err != nil {
			return nil, err
		}
	}
	return &ec, nil
}

// SavePlanToFile writes a plan as YAML or JSON, chosen by file extension.
func SavePlanToFile(p *models.RemediationPlan, filePath string) error {
	if len(p.Steps) == 0 {
		return errors.New("invalid plan: plan contains no steps")
	}
	if err := models.DetectCycles(p.Steps); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	if err := format.WriteFile(filePath, p); err != nil {
		return fmt.Errorf("error writing plan to file: %w", err)
	}
	return nil
}
