// SPDX-License-Identifier: Apache-2.0

// Package executor runs remediation plans: steps with retries and timeouts,
// outcome validation, risk checks and rollback of completed steps.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kusari-oss/remedy/internal/core/action"
	"github.com/kusari-oss/remedy/internal/core/config"
	"github.com/kusari-oss/remedy/internal/core/kv"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/core/parameters"
	"github.com/kusari-oss/remedy/internal/logging"
	"github.com/kusari-oss/remedy/internal/remedy/metrics"
	"github.com/kusari-oss/remedy/internal/remedy/risk"
	"github.com/kusari-oss/remedy/internal/remedy/tracker"
	"github.com/kusari-oss/remedy/internal/remedy/validation"
)

const tracerName = "github.com/kusari-oss/remedy/internal/remedy/executor"

// Backoff kinds.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// Tracker records execution progress.
type Tracker interface {
	UpdateStatus(ctx context.Context, planID string, status models.PlanStatus, details map[string]interface{}) error
	GetStatus(ctx context.Context, planID string) (models.PlanStatus, error)
	RecordStep(ctx context.Context, planID string, step models.RemediationStep) error
	RecordMetrics(ctx context.Context, m models.RemediationMetrics) error
	GetMetrics(ctx context.Context, planID string) (*models.RemediationMetrics, error)
	RecordExecution(ctx context.Context, exec *models.RemediationExecution) error
}

// Approver grants steps that require manual approval.
type Approver interface {
	Approve(ctx context.Context, plan *models.RemediationPlan, step *models.RemediationStep) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, plan *models.RemediationPlan, step *models.RemediationStep) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, plan *models.RemediationPlan, step *models.RemediationStep) (bool, error) {
	return f(ctx, plan, step)
}

// Settings are the engine-wide execution settings.
type Settings struct {
	MaxConcurrentPlans int
	// DefaultStepTimeout bounds steps that declare no timeout. Zero means
	// unbounded.
	DefaultStepTimeout time.Duration
	// DefaultRetryDelay applies to steps whose action declares no delay.
	DefaultRetryDelay time.Duration
	Backoff           string
	MaxBackoff        time.Duration
	ActionRateLimit   float64
	ActionBurst       int
	// MaxRiskLevel is the highest pre-execution plan risk that runs
	// automatically.
	MaxRiskLevel models.RiskLevel
	DryRun       bool
}

// SettingsFromConfig converts the engine configuration section.
func SettingsFromConfig(cfg config.EngineConfig) Settings {
	return Settings{
		MaxConcurrentPlans: cfg.MaxConcurrentPlans,
		DefaultStepTimeout: cfg.DefaultStepTimeout,
		DefaultRetryDelay:  cfg.DefaultRetryDelay,
		Backoff:            cfg.Backoff,
		MaxBackoff:         cfg.MaxBackoff,
		ActionRateLimit:    cfg.ActionRateLimit,
		ActionBurst:        cfg.ActionBurst,
		MaxRiskLevel:       cfg.MaxRiskLevel,
	}
}

// Option configures an Engine.
type Option func(*Engine)

func WithTracker(t Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithApprover(a Approver) Option {
	return func(e *Engine) { e.approver = a }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l).Named("executor") }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// Engine executes remediation plans. At most one execution per plan id is
// in flight at any time.
type Engine struct {
	factory   *action.Factory
	validator *validation.Engine
	assessor  *risk.Assessor
	tracker   Tracker
	metrics   *metrics.Metrics
	approver  Approver
	logger    *logging.Logger
	tracer    trace.Tracer
	settings  Settings
	processor *parameters.ParameterProcessor
	limiter   *rate.Limiter
	slots     *semaphore.Weighted
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

// NewEngine creates an execution engine.
func NewEngine(factory *action.Factory, validator *validation.Engine, assessor *risk.Assessor, settings Settings, opts ...Option) *Engine {
	if settings.MaxConcurrentPlans < 1 {
		settings.MaxConcurrentPlans = 1
	}
	if settings.Backoff == "" {
		settings.Backoff = BackoffConstant
	}
	if !settings.MaxRiskLevel.Valid() || settings.MaxRiskLevel == models.RiskNone {
		settings.MaxRiskLevel = models.RiskCritical
	}

	e := &Engine{
		factory:   factory,
		validator: validator,
		assessor:  assessor,
		logger:    logging.NewNop(),
		tracer:    otel.Tracer(tracerName),
		settings:  settings,
		processor: parameters.NewParameterProcessor(),
		limiter:   rate.NewLimiter(rate.Inf, 1),
		slots:     semaphore.NewWeighted(int64(settings.MaxConcurrentPlans)),
		now:       time.Now,
		runs:      make(map[string]*run),
	}
	if settings.ActionRateLimit > 0 {
		burst := settings.ActionBurst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(settings.ActionRateLimit), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracker == nil {
		e.tracker = tracker.New(kv.NewMemoryStore(), e.logger)
	}
	return e
}

// ExecutePlan starts executing a validated plan and returns immediately.
// The engine works on its own copy of the plan. The returned execution
// carries the ids used by GetStatus, Wait and CancelRemediation; the final
// result is available from Wait once the run finishes.
//
// A plan whose pre-execution risk exceeds the configured ceiling is
// rejected with ErrRiskTooHigh before any step runs. A second request for
// a plan id that is still in flight is rejected with ErrAlreadyRunning.
func (e *Engine) ExecutePlan(ctx context.Context, plan *models.RemediationPlan, ec *models.ErrorContext) (*models.RemediationExecution, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: plan", models.ErrNilArgument)
	}
	if plan.ID == "" {
		return nil, fmt.Errorf("%w: plan id", models.ErrNilArgument)
	}
	if plan.Status != models.PlanValidated {
		return nil, fmt.Errorf("%w: plan %s is %s, not %s", models.ErrInvalidTransition, plan.ID, plan.Status, models.PlanValidated)
	}

	r := newRun(clonePlan(plan), ec, e.now())

	e.mu.Lock()
	prev, hadPrev := e.runs[plan.ID]
	if hadPrev && prev.active {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: plan %s", models.ErrAlreadyRunning, plan.ID)
	}
	r.active = true
	e.runs[plan.ID] = r
	e.mu.Unlock()

	ctx = logging.WithCorrelationID(logging.WithExecutionID(logging.WithPlanID(ctx, plan.ID), r.exec.ID), plan.CorrelationID)

	pre, err := e.assessor.AssessPlan(ctx, r.plan, ec)
	if err != nil {
		e.abandon(r, prev)
		return nil, err
	}
	e.metrics.RiskAssessed(pre.RiskLevel)
	r.exec.PreRisk = pre
	if pre.RiskLevel > e.settings.MaxRiskLevel {
		e.abandon(r, prev)
		e.logger.Warn(ctx, "plan risk exceeds ceiling",
			zap.String("risk", pre.RiskLevel.String()), zap.String("ceiling", e.settings.MaxRiskLevel.String()))
		return nil, fmt.Errorf("%w: plan %s is %s risk, ceiling is %s",
			models.ErrRiskTooHigh, plan.ID, pre.RiskLevel, e.settings.MaxRiskLevel)
	}

	// The run outlives the request that started it; only CancelRemediation
	// stops it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.setCancel(cancel)

	snapshot := r.snapshotExecution()
	go e.execute(runCtx, r)
	return snapshot, nil
}

// Run executes a plan and waits for the result.
func (e *Engine) Run(ctx context.Context, plan *models.RemediationPlan, ec *models.ErrorContext) (*models.RemediationExecution, error) {
	if _, err := e.ExecutePlan(ctx, plan, ec); err != nil {
		return nil, err
	}
	return e.Wait(ctx, plan.ID)
}

// Wait blocks until the execution of plan id finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*models.RemediationExecution, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}
	return r.snapshotExecution(), nil
}

// GetStatus returns the current status of a remediation. Finished runs
// that are no longer in memory are looked up in the tracker.
func (e *Engine) GetStatus(ctx context.Context, id string) (models.PlanStatus, error) {
	if r, err := e.lookup(id); err == nil {
		return r.status(), nil
	}
	return e.tracker.GetStatus(ctx, id)
}

// GetPlan returns a copy of the plan as the engine currently sees it.
func (e *Engine) GetPlan(id string) (*models.RemediationPlan, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.snapshotPlan(), nil
}

// GetMetrics returns progress metrics for a remediation.
func (e *Engine) GetMetrics(ctx context.Context, id string) (*models.RemediationMetrics, error) {
	if r, err := e.lookup(id); err == nil {
		m := r.computeMetrics(e.now())
		return &m, nil
	}
	return e.tracker.GetMetrics(ctx, id)
}

// CancelRemediation requests cooperative cancellation. It reports whether
// the request was accepted; finished or unknown remediations cannot be
// cancelled. Completed steps are not compensated.
func (e *Engine) CancelRemediation(id string) bool {
	r, err := e.lookup(id)
	if err != nil {
		return false
	}
	if !r.requestCancel() {
		return false
	}
	e.logger.Info(logging.WithPlanID(context.Background(), id), "cancellation requested")
	return true
}

func (e *Engine) lookup(id string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: remediation %s", models.ErrNotFound, id)
	}
	return r, nil
}

func (e *Engine) release(r *run) {
	e.mu.Lock()
	r.active = false
	e.mu.Unlock()
}

// abandon undoes the registration of a run that never started.
func (e *Engine) abandon(r *run, prev *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r.active = false
	if e.runs[r.plan.ID] != r {
		return
	}
	if prev != nil {
		e.runs[r.plan.ID] = prev
	} else {
		delete(e.runs, r.plan.ID)
	}
}

// clonePlan copies the parts of a plan the engine mutates.
func clonePlan(p *models.RemediationPlan) *models.RemediationPlan {
	out := *p
	out.Steps = make([]models.RemediationStep, len(p.Steps))
	copy(out.Steps, p.Steps)
	for i := range out.Steps {
		out.Steps[i].ValidationResults = append([]models.ValidationResult(nil), p.Steps[i].ValidationResults...)
	}
	out.Metadata = make(map[string]interface{}, len(p.Metadata))
	for k, v := range p.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

func newExecutionID() string {
	return uuid.New().String()
}
