// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kusari-oss/remedy/internal/core/action"
	"github.com/kusari-oss/remedy/internal/core/config"
	"github.com/kusari-oss/remedy/internal/core/kv"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/remedy/health"
	"github.com/kusari-oss/remedy/internal/remedy/metrics"
	"github.com/kusari-oss/remedy/internal/remedy/risk"
	"github.com/kusari-oss/remedy/internal/remedy/tracker"
	"github.com/kusari-oss/remedy/internal/remedy/validation"
)

const stubType = "stub"

// recorder backs the stub action type. Behaviour is keyed by action name.
type recorder struct {
	mu        sync.Mutex
	calls     map[string]int
	order     []string
	params    map[string]map[string]interface{}
	failTimes map[string]int // -1 fails forever
	outputs   map[string]map[string]interface{}
	block     map[string]bool
	meet      map[string]bool
	arrived   int
	met       chan struct{}
	started   chan string
}

func newRecorder() *recorder {
	return &recorder{
		calls:     make(map[string]int),
		params:    make(map[string]map[string]interface{}),
		failTimes: make(map[string]int),
		outputs:   make(map[string]map[string]interface{}),
		block:     make(map[string]bool),
		meet:      make(map[string]bool),
		met:       make(chan struct{}),
		started:   make(chan string, 16),
	}
}

func (r *recorder) callCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *recorder) callOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) lastParams(name string) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params[name]
}

type stubAction struct {
	name string
	rec  *recorder
}

func (p *stubAction) Execute(ctx context.Context, params map[string]interface{}) error {
	_, err := p.ExecuteWithOutput(ctx, params)
	return err
}

func (p *stubAction) ExecuteWithOutput(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	r := p.rec
	r.mu.Lock()
	r.calls[p.name]++
	n := r.calls[p.name]
	r.order = append(r.order, p.name)
	r.params[p.name] = params
	fail := r.failTimes[p.name]
	out := r.outputs[p.name]
	block := r.block[p.name]
	meet := r.meet[p.name]
	if meet {
		r.arrived++
		if r.arrived == 2 {
			close(r.met)
		}
	}
	r.mu.Unlock()

	select {
	case r.started <- p.name:
	default:
	}

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if meet {
		select {
		case <-r.met:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail < 0 || n <= fail {
		return nil, fmt.Errorf("%s failed on attempt %d", p.name, n)
	}
	return out, nil
}

func (p *stubAction) Description() string { return "stub " + p.name }

type fixture struct {
	engine  *Engine
	rec     *recorder
	tracker *tracker.Tracker
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, settings Settings, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithValidator(t, settings, nil, opts...)
}

func newFixtureWithValidator(t *testing.T, settings Settings, vopts []validation.Option, opts ...Option) *fixture {
	t.Helper()
	rec := newRecorder()
	factory := action.NewDefaultFactory(action.ActionContext{})
	factory.Register(stubType, func(cfg action.Config, _ action.ActionContext) (action.Action, error) {
		return &stubAction{name: cfg.Name, rec: rec}, nil
	})

	rules := config.NewDefaultConfig().Validation
	rules.StepTypes[stubType] = []string{}
	v, err := validation.NewEngine(rules, vopts...)
	require.NoError(t, err)

	tr := tracker.New(kv.NewMemoryStore(), nil)
	m := metrics.New(prometheus.NewRegistry())
	if settings.DefaultRetryDelay == 0 {
		settings.DefaultRetryDelay = time.Millisecond
	}
	opts = append([]Option{WithTracker(tr), WithMetrics(m)}, opts...)
	return &fixture{
		engine:  NewEngine(factory, v, risk.NewAssessor(), settings, opts...),
		rec:     rec,
		tracker: tr,
		metrics: m,
	}
}

func stubAct(name string) models.RemediationAction {
	return models.RemediationAction{
		ID:          "act-" + name,
		Name:        name,
		Type:        stubType,
		Severity:    models.SeverityLow,
		ImpactScope: models.ImpactLocal,
	}
}

func stubStep(name string, deps ...string) models.RemediationStep {
	return models.RemediationStep{
		ID:         name,
		Name:       name,
		Action:     stubAct(name),
		IsRequired: true,
		DependsOn:  deps,
		Status:     models.StepNotStarted,
	}
}

func withRollback(s models.RemediationStep) models.RemediationStep {
	rb := stubAct("undo-" + s.Name)
	s.Action.RollbackAction = &rb
	return s
}

func validatedPlan(id string, steps ...models.RemediationStep) *models.RemediationPlan {
	for i := range steps {
		steps[i].Order = i
		steps[i].PlanID = id
	}
	return &models.RemediationPlan{
		ID:          id,
		ServiceName: "checkout",
		Steps:       steps,
		Status:      models.PlanValidated,
	}
}

var errCtx = &models.ErrorContext{ID: "err-1", ServiceName: "checkout", ErrorType: "OutOfMemoryError", Severity: models.SeverityHigh}

func runPlan(t *testing.T, f *fixture, plan *models.RemediationPlan) *models.RemediationExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := f.engine.Run(ctx, plan, errCtx)
	require.NoError(t, err)
	return exec
}

func stepByName(t *testing.T, f *fixture, planID, name string) models.RemediationStep {
	t.Helper()
	p, err := f.engine.GetPlan(planID)
	require.NoError(t, err)
	for _, s := range p.Steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("step %s not found", name)
	return models.RemediationStep{}
}

func TestExecutePlanCompletes(t *testing.T) {
	f := newFixture(t, Settings{})
	f.rec.outputs["a"] = map[string]interface{}{"pod": "checkout-1"}

	b := stubStep("b", "a")
	b.Action.Parameters = map[string]interface{}{"svc": "{{.service}}"}
	b.OutputRefs = map[string]string{"target": "a.pod"}

	exec := runPlan(t, f, validatedPlan("plan-1", stubStep("a"), b))

	assert.Equal(t, models.PlanCompleted, exec.Status)
	assert.True(t, exec.Success)
	assert.Equal(t, "plan-1", exec.PlanID)
	assert.Len(t, exec.ExecutedActions, 2)
	assert.Equal(t, 2, exec.Metrics.CompletedSteps)
	assert.Equal(t, 1.0, exec.Metrics.Progress)
	require.NotNil(t, exec.PreRisk)
	require.NotNil(t, exec.PostRisk)
	require.NotNil(t, exec.Health)

	params := f.rec.lastParams("b")
	assert.Equal(t, "checkout-1", params["target"])
	assert.Equal(t, "checkout", params["svc"])
	assert.Equal(t, []string{"a", "b"}, f.rec.callOrder())

	status, err := f.engine.GetStatus(context.Background(), "plan-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, status)

	history, err := f.tracker.GetStatusHistory(context.Background(), "plan-1")
	require.NoError(t, err)
	var statuses []models.PlanStatus
	for _, h := range history {
		statuses = append(statuses, h.Status)
	}
	assert.Equal(t, []models.PlanStatus{models.PlanExecuting, models.PlanExecuted, models.PlanCompleted}, statuses)

	stored, err := f.tracker.GetExecution(context.Background(), "plan-1")
	require.NoError(t, err)
	assert.Equal(t, exec.ID, stored.ID)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.PlansTotal.WithLabelValues("completed")))
}

func TestExecutePlanRejectsUnvalidatedPlans(t *testing.T) {
	f := newFixture(t, Settings{})

	_, err := f.engine.ExecutePlan(context.Background(), nil, errCtx)
	assert.ErrorIs(t, err, models.ErrNilArgument)

	p := validatedPlan("plan-1", stubStep("a"))
	p.Status = models.PlanCreated
	_, err = f.engine.ExecutePlan(context.Background(), p, errCtx)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRetriesAreBounded(t *testing.T) {
	tests := []struct {
		name          string
		failTimes     int
		maxRetries    int
		actionRetries int
		wantCalls     int
		wantStatus    models.StepStatus
		wantPlan      models.PlanStatus
	}{
		{"always failing", -1, 2, 0, 3, models.StepFailed, models.PlanExecutionFailed},
		{"no retries", -1, 0, 0, 1, models.StepFailed, models.PlanExecutionFailed},
		{"recovers on retry", 1, 2, 0, 2, models.StepCompleted, models.PlanCompleted},
		{"budget from action", -1, 0, 2, 3, models.StepFailed, models.PlanExecutionFailed},
		{"step budget wins", -1, 1, 3, 2, models.StepFailed, models.PlanExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Settings{})
			f.rec.failTimes["a"] = tt.failTimes
			step := stubStep("a")
			step.MaxRetries = tt.maxRetries
			step.Action.MaxRetries = tt.actionRetries

			exec := runPlan(t, f, validatedPlan("plan-1", step))

			assert.Equal(t, tt.wantCalls, f.rec.callCount("a"))
			assert.Equal(t, tt.wantPlan, exec.Status)
			require.Len(t, exec.ExecutedActions, 1)
			assert.Equal(t, tt.wantCalls, exec.ExecutedActions[0].Attempts)
			assert.Equal(t, tt.wantStatus, exec.ExecutedActions[0].Status)

			s := stepByName(t, f, "plan-1", "a")
			assert.Equal(t, tt.wantCalls-1, s.RetryCount)
			assert.LessOrEqual(t, s.RetryCount, s.MaxRetries, "the recorded budget covers every retry")
			assert.Equal(t, tt.wantCalls, exec.Metrics.TotalAttempts)
		})
	}
}

func TestFailedRequiredStepRollsBackCompletedSteps(t *testing.T) {
	f := newFixture(t, Settings{})
	f.rec.failTimes["b"] = -1
	b := withRollback(stubStep("b", "a"))
	b.MaxRetries = 2

	p := validatedPlan("plan-1", withRollback(stubStep("a")), b, withRollback(stubStep("c", "b")))
	p.AutoRollback = true
	exec := runPlan(t, f, p)

	assert.Equal(t, 1, f.rec.callCount("a"))
	assert.Equal(t, 3, f.rec.callCount("b"))
	assert.Equal(t, 0, f.rec.callCount("c"))
	assert.Equal(t, 1, f.rec.callCount("undo-a"))
	assert.Equal(t, 0, f.rec.callCount("undo-b"))

	assert.Equal(t, models.PlanRolledBack, exec.Status)
	assert.False(t, exec.Success)
	require.NotNil(t, exec.Rollback)
	assert.True(t, exec.Rollback.Success)
	assert.Equal(t, []string{"a"}, exec.Rollback.ExecutedSteps)
	assert.Empty(t, exec.Rollback.FailedSteps)
	assert.Contains(t, exec.Error, "required step b failed")

	a := stepByName(t, f, "plan-1", "a")
	require.NotNil(t, a.RollbackStatus)
	assert.Equal(t, models.RollbackSucceeded, *a.RollbackStatus)
	assert.Equal(t, models.StepNotStarted, stepByName(t, f, "plan-1", "c").Status)
}

func TestRollbackRunsInReverseCompletionOrder(t *testing.T) {
	f := newFixture(t, Settings{})
	f.rec.failTimes["d"] = -1

	p := validatedPlan("plan-1",
		withRollback(stubStep("a")),
		stubStep("b", "a"),
		withRollback(stubStep("c", "b")),
		stubStep("d", "c"),
	)
	p.AutoRollback = true
	exec := runPlan(t, f, p)

	order := f.rec.callOrder()
	assert.Equal(t, []string{"a", "b", "c", "d", "undo-c", "undo-a"}, order)
	require.NotNil(t, exec.Rollback)
	assert.Equal(t, []string{"c", "a"}, exec.Rollback.ExecutedSteps)
	assert.Equal(t, []string{"b"}, exec.Rollback.SkippedSteps)
	assert.Equal(t, models.PlanRolledBack, exec.Status, "skipped steps are not failures")

	b := stepByName(t, f, "plan-1", "b")
	require.NotNil(t, b.RollbackStatus)
	assert.Equal(t, models.RollbackSkipped, *b.RollbackStatus)
}

func TestRollbackFailureIsReported(t *testing.T) {
	f := newFixture(t, Settings{})
	f.rec.failTimes["b"] = -1
	f.rec.failTimes["undo-a"] = -1

	p := validatedPlan("plan-1", withRollback(stubStep("a")), stubStep("b", "a"))
	p.AutoRollback = true
	exec := runPlan(t, f, p)

	assert.Equal(t, models.PlanRollbackFailed, exec.Status)
	require.NotNil(t, exec.Rollback)
	assert.False(t, exec.Rollback.Success)
	assert.Equal(t, []string{"a"}, exec.Rollback.FailedSteps)
	assert.Contains(t, exec.Rollback.Errors["a"], "undo-a failed")
}

func TestExplicitRollback(t *testing.T) {
	f := newFixture(t, Settings{})
	f.rec.failTimes["b"] = -1
	f.rec.outputs["a"] = map[string]interface{}{"revision": "42"}

	a := withRollback(stubStep("a"))
	a.Action.RollbackAction.Parameters = map[string]interface{}{"revision": "{{.outputs.revision}}"}
	p := validatedPlan("plan-1", a, stubStep("b", "a"))
	exec := runPlan(t, f, p)
	require.Equal(t, models.PlanExecutionFailed, exec.Status)
	assert.Equal(t, 0, f.rec.callCount("undo-a"))

	details, err := f.engine.Rollback(context.Background(), "plan-1", "operator request")
	require.NoError(t, err)
	assert.True(t, details.Success)
	assert.Equal(t, "operator request", details.Reason)
	assert.Equal(t, "42", f.rec.lastParams("undo-a")["revision"])

	status, err := f.engine.GetStatus(context.Background(), "plan-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanRolledBack, status)

	_, err = f.engine.Rollback(context.Background(), "plan-1", "again")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.engine.Rollback(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStepTimeout(t *testing.T) {
	f := newFixture(t, Settings{})
	f.rec.block["a"] = true
	step := stubStep("a")
	step.Action.Timeout = 20 * time.Millisecond
	step.MaxRetries = 1

	exec := runPlan(t, f, validatedPlan("plan-1", step))

	assert.Equal(t, models.PlanExecutionFailed, exec.Status)
	assert.Equal(t, 2, f.rec.callCount("a"))
	require.Len(t, exec.ExecutedActions, 1)
	outcome := exec.ExecutedActions[0]
	assert.True(t, outcome.TimedOut)
	assert.Equal(t, models.StepFailed, outcome.Status, "a timed out step ends failed once retries are exhausted")
	assert.Contains(t, outcome.Error, models.ErrStepTimeout.Error())
	assert.Equal(t, 1, exec.Metrics.TimedOutSteps)
}

func TestCancelRemediation(t *testing.T) {
	f := newFixture(t, Settings{})
	f.rec.block["b"] = true

	p := validatedPlan("plan-1", withRollback(stubStep("a")), stubStep("b", "a"), stubStep("c", "b"))
	p.AutoRollback = true
	_, err := f.engine.ExecutePlan(context.Background(), p, errCtx)
	require.NoError(t, err)

	waitStarted(t, f.rec, "b")
	assert.True(t, f.engine.CancelRemediation("plan-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := f.engine.Wait(ctx, "plan-1")
	require.NoError(t, err)

	assert.Equal(t, models.PlanCancelled, exec.Status)
	assert.Equal(t, 0, f.rec.callCount("c"))
	assert.Equal(t, 0, f.rec.callCount("undo-a"), "cancellation does not compensate")
	assert.Nil(t, exec.Rollback)
	assert.False(t, f.engine.CancelRemediation("plan-1"))
	assert.False(t, f.engine.CancelRemediation("missing"))
}

// healthGate is a health oracle that parks post-execution validation until
// the run context is cancelled, or until release is closed when it ignores
// the context.
type healthGate struct {
	entered   chan struct{}
	release   chan struct{}
	ignoreCtx bool
	once      sync.Once
}

func newHealthGate(ignoreCtx bool) *healthGate {
	return &healthGate{entered: make(chan struct{}), release: make(chan struct{}), ignoreCtx: ignoreCtx}
}

func (g *healthGate) GetServiceHealth(ctx context.Context, serviceName string) (*models.HealthStatus, error) {
	g.once.Do(func() { close(g.entered) })
	if !g.ignoreCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	<-g.release
	return &models.HealthStatus{ServiceName: serviceName, IsHealthy: true, HealthScore: 1, CheckedAt: time.Now()}, nil
}

func (r *recorder) undoCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, c := range r.calls {
		if strings.HasPrefix(name, "undo-") {
			n += c
		}
	}
	return n
}

func TestCancellationNeverCompensates(t *testing.T) {
	tests := []struct {
		name      string
		settings  Settings
		ignoreCtx bool
		// before runs ahead of the cancelled plan and returns a cleanup.
		before  func(t *testing.T, f *fixture) func()
		plan    func() *models.RemediationPlan
		reached func(t *testing.T, f *fixture, gate *healthGate)
	}{
		{
			name:     "validated and waiting for a slot",
			settings: Settings{MaxConcurrentPlans: 1},
			before: func(t *testing.T, f *fixture) func() {
				f.rec.block["hold"] = true
				_, err := f.engine.ExecutePlan(context.Background(), validatedPlan("plan-0", withRollback(stubStep("hold"))), errCtx)
				require.NoError(t, err)
				waitStarted(t, f.rec, "hold")
				return func() {
					require.True(t, f.engine.CancelRemediation("plan-0"))
					_, err := f.engine.Wait(context.Background(), "plan-0")
					require.NoError(t, err)
				}
			},
			plan: func() *models.RemediationPlan {
				return validatedPlan("plan-1", withRollback(stubStep("a")))
			},
			reached: func(t *testing.T, f *fixture, _ *healthGate) {
				p, err := f.engine.GetPlan("plan-1")
				require.NoError(t, err)
				assert.Equal(t, models.PlanValidated, p.Status)
			},
		},
		{
			name: "executing a parallel wave",
			before: func(t *testing.T, f *fixture) func() {
				f.rec.block["x"] = true
				f.rec.block["y"] = true
				return nil
			},
			plan: func() *models.RemediationPlan {
				p := validatedPlan("plan-1", withRollback(stubStep("x")), withRollback(stubStep("y")), withRollback(stubStep("z", "x", "y")))
				p.Parallel = true
				return p
			},
			reached: func(t *testing.T, f *fixture, _ *healthGate) {
				waitAllStarted(t, f.rec, "x", "y")
			},
		},
		{
			name: "executed and verifying health",
			plan: func() *models.RemediationPlan {
				return validatedPlan("plan-1", withRollback(stubStep("a")))
			},
			reached: func(t *testing.T, f *fixture, gate *healthGate) {
				waitClosed(t, gate.entered)
			},
		},
		{
			name:      "executed with an oracle that ignores cancellation",
			ignoreCtx: true,
			plan: func() *models.RemediationPlan {
				return validatedPlan("plan-1", withRollback(stubStep("a")))
			},
			reached: func(t *testing.T, f *fixture, gate *healthGate) {
				waitClosed(t, gate.entered)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := newHealthGate(tt.ignoreCtx)
			f := newFixtureWithValidator(t, tt.settings, []validation.Option{validation.WithOracle(gate)})
			var cleanup func()
			if tt.before != nil {
				cleanup = tt.before(t, f)
			}

			p := tt.plan()
			p.AutoRollback = true
			_, err := f.engine.ExecutePlan(context.Background(), p, errCtx)
			require.NoError(t, err)
			tt.reached(t, f, gate)

			require.True(t, f.engine.CancelRemediation(p.ID))
			close(gate.release)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			exec, err := f.engine.Wait(ctx, p.ID)
			require.NoError(t, err)

			assert.Equal(t, models.PlanCancelled, exec.Status)
			assert.False(t, exec.Success)
			assert.Equal(t, models.ErrCancelled.Error(), exec.Error)
			assert.Nil(t, exec.Rollback)
			assert.Zero(t, f.rec.undoCalls(), "cancellation does not compensate")

			history, err := f.tracker.GetStatusHistory(context.Background(), p.ID)
			require.NoError(t, err)
			require.NotEmpty(t, history)
			assert.Equal(t, models.PlanCancelled, history[len(history)-1].Status)
			for _, h := range history {
				assert.NotEqual(t, models.PlanRollingBack, h.Status)
			}

			if cleanup != nil {
				cleanup()
			}
		})
	}
}

func TestAutoRollbackAfterFailedVerification(t *testing.T) {
	oracle := health.NewStaticOracle(map[string]float64{"checkout": 0.1}, 0.9, 0.5)
	f := newFixtureWithValidator(t, Settings{}, []validation.Option{validation.WithOracle(oracle)})

	p := validatedPlan("plan-1", withRollback(stubStep("a")))
	p.AutoRollback = true
	exec := runPlan(t, f, p)

	assert.Equal(t, models.PlanRolledBack, exec.Status)
	require.NotNil(t, exec.Rollback)
	assert.Equal(t, []string{"a"}, exec.Rollback.ExecutedSteps)
	assert.Equal(t, 1, f.rec.callCount("undo-a"))
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
}

func waitAllStarted(t *testing.T, rec *recorder, names ...string) {
	t.Helper()
	pending := make(map[string]bool, len(names))
	for _, n := range names {
		pending[n] = true
	}
	timeout := time.After(5 * time.Second)
	for len(pending) > 0 {
		select {
		case got := <-rec.started:
			delete(pending, got)
		case <-timeout:
			t.Fatalf("steps %v never started", pending)
		}
	}
}

func waitStarted(t *testing.T, rec *recorder, name string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-rec.started:
			if got == name {
				return
			}
		case <-timeout:
			t.Fatalf("step %s never started", name)
		}
	}
}

func TestConcurrentExecutionOfSamePlanIsRejected(t *testing.T) {
	f := newFixture(t, Settings{MaxConcurrentPlans: 2})
	f.rec.block["a"] = true
	p := validatedPlan("plan-1", stubStep("a"))

	_, err := f.engine.ExecutePlan(context.Background(), p, errCtx)
	require.NoError(t, err)
	waitStarted(t, f.rec, "a")

	_, err = f.engine.ExecutePlan(context.Background(), p, errCtx)
	assert.ErrorIs(t, err, models.ErrAlreadyRunning)
	_, err = f.engine.Rollback(context.Background(), "plan-1", "x")
	assert.ErrorIs(t, err, models.ErrAlreadyRunning)

	require.True(t, f.engine.CancelRemediation("plan-1"))
	_, err = f.engine.Wait(context.Background(), "plan-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.rec.callCount("a"))

	f.rec.mu.Lock()
	f.rec.block["a"] = false
	f.rec.mu.Unlock()
	exec := runPlan(t, f, p)
	assert.Equal(t, models.PlanCompleted, exec.Status, "a finished plan id may run again")
}

func TestRiskCeiling(t *testing.T) {
	f := newFixture(t, Settings{MaxRiskLevel: models.RiskLow})
	step := stubStep("a")
	step.Action.Severity = models.SeverityCritical
	step.Action.ImpactScope = models.ImpactGlobal

	_, err := f.engine.ExecutePlan(context.Background(), validatedPlan("plan-1", step), errCtx)
	assert.ErrorIs(t, err, models.ErrRiskTooHigh)
	assert.Equal(t, 0, f.rec.callCount("a"))

	_, err = f.engine.GetStatus(context.Background(), "plan-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDryRunThreadsStaticOutputs(t *testing.T) {
	f := newFixture(t, Settings{DryRun: true})
	a := stubStep("a")
	a.Action.Outputs = map[string]interface{}{"pod": "dry-pod"}
	b := stubStep("b", "a")
	b.OutputRefs = map[string]string{"target": "a.pod"}

	exec := runPlan(t, f, validatedPlan("plan-1", a, b))

	assert.Equal(t, models.PlanCompleted, exec.Status)
	assert.Equal(t, 0, f.rec.callCount("a"))
	assert.Equal(t, 0, f.rec.callCount("b"))
	assert.Equal(t, "dry-pod", stepByName(t, f, "plan-1", "b").InputParameters["target"])
}

func TestManualApproval(t *testing.T) {
	step := stubStep("a")
	step.Action.RequiresManualApproval = true
	step.MaxRetries = 3

	t.Run("NoApprover", func(t *testing.T) {
		f := newFixture(t, Settings{})
		exec := runPlan(t, f, validatedPlan("plan-1", step))
		assert.Equal(t, models.PlanExecutionFailed, exec.Status)
		assert.Equal(t, 0, f.rec.callCount("a"))
		assert.Contains(t, stepByName(t, f, "plan-1", "a").ErrorMessage, models.ErrApprovalRequired.Error())
	})

	t.Run("Denied", func(t *testing.T) {
		f := newFixture(t, Settings{}, WithApprover(ApproverFunc(
			func(context.Context, *models.RemediationPlan, *models.RemediationStep) (bool, error) {
				return false, nil
			})))
		exec := runPlan(t, f, validatedPlan("plan-1", step))
		assert.Equal(t, models.PlanExecutionFailed, exec.Status)
		assert.Equal(t, 0, f.rec.callCount("a"))
	})

	t.Run("Approved", func(t *testing.T) {
		var asked string
		f := newFixture(t, Settings{}, WithApprover(ApproverFunc(
			func(_ context.Context, _ *models.RemediationPlan, s *models.RemediationStep) (bool, error) {
				asked = s.Name
				return true, nil
			})))
		exec := runPlan(t, f, validatedPlan("plan-1", step))
		assert.Equal(t, models.PlanCompleted, exec.Status)
		assert.Equal(t, "a", asked)
		assert.Equal(t, 1, f.rec.callCount("a"))
	})
}

func TestOptionalStepFailure(t *testing.T) {
	build := func() *models.RemediationPlan {
		opt := stubStep("opt")
		opt.IsRequired = false
		return validatedPlan("plan-1", stubStep("a"), opt, stubStep("c", "a"))
	}
	base := risk.CalculateRiskLevel(models.SeverityLow, models.ImpactLocal)

	t.Run("Annotates", func(t *testing.T) {
		f := newFixture(t, Settings{})
		f.rec.failTimes["opt"] = -1
		exec := runPlan(t, f, build())

		assert.Equal(t, models.PlanCompleted, exec.Status)
		assert.Equal(t, 1, f.rec.callCount("c"))
		require.NotNil(t, exec.PostRisk)
		assert.Equal(t, base, exec.PostRisk.RiskLevel)

		p, err := f.engine.GetPlan("plan-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"opt"}, p.Metadata["optional_failures"])
	})

	t.Run("Escalates", func(t *testing.T) {
		f := newFixture(t, Settings{})
		f.rec.failTimes["opt"] = -1
		p := build()
		p.EscalateOnOptionalFailure = true
		exec := runPlan(t, f, p)

		assert.Equal(t, models.PlanCompleted, exec.Status)
		require.NotNil(t, exec.PostRisk)
		assert.Equal(t, base.Raise(), exec.PostRisk.RiskLevel)
	})
}

func TestParallelWavesRunIndependentStepsConcurrently(t *testing.T) {
	f := newFixture(t, Settings{})
	f.rec.meet["x"] = true
	f.rec.meet["y"] = true

	x := stubStep("x")
	x.Action.Parameters = map[string]interface{}{"x": "1"}
	x.Action.Timeout = 5 * time.Second
	y := stubStep("y")
	y.Action.Parameters = map[string]interface{}{"y": "1"}
	y.Action.Timeout = 5 * time.Second

	p := validatedPlan("plan-1", x, y, stubStep("z", "x", "y"))
	p.Parallel = true
	exec := runPlan(t, f, p)

	assert.Equal(t, models.PlanCompleted, exec.Status)
	order := f.rec.callOrder()
	require.Len(t, order, 3)
	assert.Equal(t, "z", order[2])
}

func TestPartitionSerializesSharedKeys(t *testing.T) {
	a := stubStep("a")
	a.Action.Parameters = map[string]interface{}{"service": "checkout"}
	b := stubStep("b")
	b.Action.Parameters = map[string]interface{}{"service": "cart"}
	c := stubStep("c")
	c.OutputRefs = map[string]string{"target": "x.pod"}

	f := newFixture(t, Settings{})
	r := newRun(validatedPlan("plan-1", a, b, c), errCtx, time.Now())
	concurrent, sequential := f.engine.partition(r, []int{0, 1, 2})
	assert.Equal(t, []int{0, 2}, concurrent)
	assert.Equal(t, []int{1}, sequential)
}

func TestMissingOutputReferenceFailsStep(t *testing.T) {
	f := newFixture(t, Settings{})
	b := stubStep("b")
	b.OutputRefs = map[string]string{"target": "a.pod"}

	exec := runPlan(t, f, validatedPlan("plan-1", b))
	assert.Equal(t, models.PlanExecutionFailed, exec.Status)
	assert.Equal(t, 0, f.rec.callCount("b"))
	assert.Contains(t, stepByName(t, f, "plan-1", "b").ErrorMessage, "has not completed")
}

func TestUnknownRemediation(t *testing.T) {
	f := newFixture(t, Settings{})
	_, err := f.engine.Wait(context.Background(), "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = f.engine.GetMetrics(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
