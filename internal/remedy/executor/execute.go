// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kusari-oss/remedy/internal/core/action"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/core/parameters"
	"github.com/kusari-oss/remedy/internal/remedy/strategy"
)

// execute drives a run to a terminal status.
func (e *Engine) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer e.release(r)

	ctx, span := e.tracer.Start(ctx, "remedy.execute_plan", trace.WithAttributes(
		attribute.String("plan.id", r.plan.ID),
		attribute.String("execution.id", r.exec.ID),
		attribute.Int("plan.steps", len(r.plan.Steps)),
	))
	defer span.End()

	e.metrics.PlanStarted()
	if err := e.slots.Acquire(ctx, 1); err != nil {
		e.cancelRun(ctx, r)
		e.finish(ctx, r, span)
		return
	}
	defer e.slots.Release(1)

	if r.isCancelled() {
		e.cancelRun(ctx, r)
		e.finish(ctx, r, span)
		return
	}

	e.logger.Info(ctx, "executing plan", zap.Int("steps", len(r.plan.Steps)), zap.Bool("dry_run", e.settings.DryRun))
	e.transition(ctx, r, models.PlanExecuting, nil)

	failure := e.runSteps(ctx, r)
	if failure == "" && !r.isCancelled() {
		e.transition(ctx, r, models.PlanExecuted, nil)
		failure = e.verify(ctx, r)
	}

	to := models.PlanCompleted
	var details map[string]interface{}
	if failure != "" {
		to = models.PlanExecutionFailed
		details = map[string]interface{}{"error": failure}
	}
	if !e.settle(ctx, r, to, failure, details) {
		e.cancelRun(ctx, r)
		e.finish(ctx, r, span)
		return
	}

	if to == models.PlanExecutionFailed && r.plan.AutoRollback {
		// A failed plan is no longer cancellable; compensation ignores runCtx.
		e.rollback(context.WithoutCancel(ctx), r, failure)
	}
	e.finish(ctx, r, span)
}

// settle moves an executing or executed plan to its outcome unless
// cancellation was requested first. It reports whether the plan moved.
func (e *Engine) settle(ctx context.Context, r *run, to models.PlanStatus, failure string, details map[string]interface{}) bool {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return false
	}
	if failure != "" {
		r.exec.Error = failure
	}
	err := e.apply(r, to)
	r.mu.Unlock()

	e.recordTransition(ctx, r, to, details, err)
	return true
}

// runSteps executes the plan's steps and returns a description of the
// first required failure, or "" when every required step completed or the
// run was cancelled.
func (e *Engine) runSteps(ctx context.Context, r *run) string {
	if r.plan.Parallel {
		return e.runWaves(ctx, r)
	}
	for i := range r.plan.Steps {
		if r.isCancelled() || ctx.Err() != nil {
			return ""
		}
		if !e.runStep(ctx, r, i) {
			if s := r.step(i); s.IsRequired {
				return fmt.Sprintf("required step %s failed: %s", s.Name, s.ErrorMessage)
			}
		}
	}
	return ""
}

// runWaves executes dependency waves. Steps of a wave run concurrently
// when their parameter keys are disjoint; the rest of the wave runs
// sequentially afterwards.
func (e *Engine) runWaves(ctx context.Context, r *run) string {
	r.mu.RLock()
	waves := models.Waves(r.plan.Steps)
	r.mu.RUnlock()

	for _, wave := range waves {
		if r.isCancelled() || ctx.Err() != nil {
			return ""
		}
		concurrent, sequential := e.partition(r, wave)

		ok := make([]bool, len(concurrent))
		var g errgroup.Group
		for j, idx := range concurrent {
			g.Go(func() error {
				ok[j] = e.runStep(ctx, r, idx)
				return nil
			})
		}
		_ = g.Wait()

		for j, idx := range concurrent {
			if s := r.step(idx); !ok[j] && s.IsRequired {
				return fmt.Sprintf("required step %s failed: %s", s.Name, s.ErrorMessage)
			}
		}
		for _, idx := range sequential {
			if r.isCancelled() || ctx.Err() != nil {
				return ""
			}
			if s := r.step(idx); !e.runStep(ctx, r, idx) && s.IsRequired {
				s = r.step(idx)
				return fmt.Sprintf("required step %s failed: %s", s.Name, s.ErrorMessage)
			}
		}
	}
	return ""
}

func (e *Engine) partition(r *run, wave []int) (concurrent, sequential []int) {
	used := make(map[string]bool)
	for _, idx := range wave {
		s := r.step(idx)
		keys := make([]string, 0, len(s.Action.Parameters)+len(s.OutputRefs))
		for k := range s.Action.Parameters {
			keys = append(keys, k)
		}
		for k := range s.OutputRefs {
			keys = append(keys, k)
		}
		disjoint := true
		for _, k := range keys {
			if used[k] {
				disjoint = false
				break
			}
		}
		if !disjoint {
			sequential = append(sequential, idx)
			continue
		}
		for _, k := range keys {
			used[k] = true
		}
		concurrent = append(concurrent, idx)
	}
	return concurrent, sequential
}

// runStep executes step i and reports whether it completed.
func (e *Engine) runStep(ctx context.Context, r *run, i int) bool {
	step := r.step(i)
	ctx, span := e.tracer.Start(ctx, "remedy.step", trace.WithAttributes(
		attribute.String("step.name", step.Name),
		attribute.String("action.type", string(step.Action.Type)),
	))
	defer span.End()

	start := e.now()
	r.update(i, func(s *models.RemediationStep) { s.StartTime = &start })
	defer e.finishStep(ctx, r, i, span)

	log := e.logger.With(zap.String("step", step.Name))
	log.Info(ctx, "executing step", zap.Int("order", step.Order))

	for _, dep := range step.DependsOn {
		if st, _ := r.stepStatusByID(dep); st != models.StepCompleted {
			e.failStep(r, i, fmt.Errorf("%w: dependency %s did not complete", models.ErrStepExecution, dep))
			return false
		}
	}

	if step.Action.RequiresManualApproval {
		if err := e.approve(ctx, r, &step); err != nil {
			e.failStep(r, i, err)
			return false
		}
	}

	params, err := e.resolveParams(r, &step)
	if err != nil {
		e.failStep(r, i, err)
		return false
	}
	r.update(i, func(s *models.RemediationStep) { s.InputParameters = params })

	resolved := step.Action
	resolved.Parameters = params
	var impl action.Action
	if !e.settings.DryRun {
		impl, err = e.factory.CreateFor(&resolved)
		if err != nil {
			e.failStep(r, i, fmt.Errorf("%w: %w", models.ErrStepExecution, err))
			return false
		}
	}

	timeout := step.Timeout()
	if timeout == 0 {
		timeout = e.settings.DefaultStepTimeout
	}
	maxRetries := step.MaxRetries
	if maxRetries == 0 {
		maxRetries = step.Action.MaxRetries
	}
	delay := step.Action.RetryDelay
	if delay == 0 {
		delay = e.settings.DefaultRetryDelay
	}

	err = e.retry(ctx, maxRetries, delay, func(attempt int) error {
		r.update(i, func(s *models.RemediationStep) {
			s.MaxRetries = maxRetries
			if attempt > 1 {
				_ = s.Transition(models.StepRetrying)
				s.RetryCount++
			}
			_ = s.Transition(models.StepInProgress)
		})
		r.countAttempt(step.ID)
		e.metrics.Attempt()
		if attempt > 1 {
			log.Info(ctx, "retrying step", zap.Int("attempt", attempt))
		}

		if err := e.limiter.Wait(ctx); err != nil {
			r.update(i, func(s *models.RemediationStep) {
				_ = s.Transition(models.StepFailed)
				s.ErrorMessage = err.Error()
			})
			return backoff.Permanent(fmt.Errorf("%w: %w", models.ErrCancelled, err))
		}

		outputs, err := e.invoke(ctx, impl, &resolved, params, timeout)
		if err == nil {
			err = e.checkOutcome(ctx, r, i, params, outputs)
		}
		if err == nil {
			return nil
		}

		status := models.StepFailed
		if errors.Is(err, models.ErrStepTimeout) {
			status = models.StepTimeout
			r.markTimedOut(step.ID)
		}
		r.update(i, func(s *models.RemediationStep) {
			_ = s.Transition(status)
			s.ErrorMessage = err.Error()
		})
		log.Warn(ctx, "step attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	})

	if err != nil {
		r.update(i, func(s *models.RemediationStep) {
			if s.Status == models.StepTimeout {
				_ = s.Transition(models.StepFailed)
			}
			if s.ErrorMessage == "" {
				s.ErrorMessage = err.Error()
			}
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}
	return true
}

func (e *Engine) approve(ctx context.Context, r *run, step *models.RemediationStep) error {
	if e.approver == nil {
		return fmt.Errorf("%w: step %s: no approver configured", models.ErrApprovalRequired, step.Name)
	}
	ok, err := e.approver.Approve(ctx, r.snapshotPlan(), step)
	if err != nil {
		return fmt.Errorf("%w: step %s: %w", models.ErrApprovalRequired, step.Name, err)
	}
	if !ok {
		return fmt.Errorf("%w: step %s was not approved", models.ErrApprovalRequired, step.Name)
	}
	return nil
}

// resolveParams applies output references and substitutes {{.key}}
// references from the error context and completed step outputs.
func (e *Engine) resolveParams(r *run, step *models.RemediationStep) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(step.Action.Parameters)+len(step.OutputRefs))
	for k, v := range step.Action.Parameters {
		params[k] = v
	}
	resolved, err := e.processor.ProcessMap(params, r.data(), parameters.Strict)
	if err != nil {
		return nil, fmt.Errorf("%w: step %s: %w", models.ErrStepExecution, step.Name, err)
	}

	for param, ref := range step.OutputRefs {
		src, key, ok := strategy.SplitOutputRef(ref)
		if !ok {
			return nil, fmt.Errorf("%w: step %s: invalid output reference %q", models.ErrStepExecution, step.Name, ref)
		}
		outputs, ok := r.outputsOf(src)
		if !ok {
			return nil, fmt.Errorf("%w: step %s: referenced step %s has not completed", models.ErrStepExecution, step.Name, src)
		}
		v, ok := outputs[key]
		if !ok {
			return nil, fmt.Errorf("%w: step %s: output %s not found in step %s", models.ErrStepExecution, step.Name, key, src)
		}
		resolved[param] = v
	}
	return resolved, nil
}

// checkOutcome stores the outputs of a successful invocation and validates
// them. A failed validation of a required step fails the attempt; for an
// optional step it is only recorded.
func (e *Engine) checkOutcome(ctx context.Context, r *run, i int, params, outputs map[string]interface{}) error {
	var candidate models.RemediationStep
	r.update(i, func(s *models.RemediationStep) {
		if len(outputs) == 0 && len(s.Action.Outputs) > 0 {
			outputs = make(map[string]interface{}, len(s.Action.Outputs))
			for k, v := range s.Action.Outputs {
				outputs[k] = v
			}
		}
		s.OutputResults = outputs
		candidate = *s
	})

	if !e.settings.DryRun {
		candidate.Status = models.StepCompleted
		candidate.Action.Parameters = params
		vr, err := e.validator.ValidateStep(ctx, &candidate)
		if err != nil {
			return fmt.Errorf("%w: %w", models.ErrValidation, err)
		}
		r.update(i, func(s *models.RemediationStep) { s.ValidationResults = append(s.ValidationResults, vr) })
		if !vr.IsValid && candidate.IsRequired {
			return fmt.Errorf("%w: step %s: %s", models.ErrValidation, candidate.Name, strings.Join(vr.ErrorMessages(), "; "))
		}
	}

	r.update(i, func(s *models.RemediationStep) {
		_ = s.Transition(models.StepCompleted)
		s.ErrorMessage = ""
	})
	r.complete(i, outputs)
	return nil
}

// failStep fails a step before any attempt; such failures are not retried.
func (e *Engine) failStep(r *run, i int, err error) {
	r.update(i, func(s *models.RemediationStep) {
		if s.Status == models.StepNotStarted {
			_ = s.Transition(models.StepInProgress)
		}
		_ = s.Transition(models.StepFailed)
		s.ErrorMessage = err.Error()
	})
}

func (e *Engine) finishStep(ctx context.Context, r *run, i int, span trace.Span) {
	end := e.now()
	var snapshot models.RemediationStep
	r.mu.Lock()
	s := &r.plan.Steps[i]
	s.EndTime = &end
	snapshot = *s
	outcome := models.ActionOutcome{
		StepID:     s.ID,
		ActionID:   s.Action.ID,
		ActionName: s.Action.Name,
		Status:     s.Status,
		Attempts:   r.attempts[s.ID],
		TimedOut:   r.timedOut[s.ID],
		EndTime:    end,
		Error:      s.ErrorMessage,
		Outputs:    s.OutputResults,
	}
	if s.StartTime != nil {
		outcome.StartTime = *s.StartTime
	}
	r.exec.ExecutedActions = append(r.exec.ExecutedActions, outcome)
	r.mu.Unlock()

	e.metrics.StepFinished(snapshot.Status, snapshot.Action.Type, end.Sub(outcome.StartTime))
	span.SetAttributes(attribute.String("step.status", string(snapshot.Status)), attribute.Int("step.attempts", outcome.Attempts))
	if err := e.tracker.RecordStep(context.WithoutCancel(ctx), r.plan.ID, snapshot); err != nil {
		e.logger.Warn(ctx, "error recording step", zap.String("step", snapshot.Name), zap.Error(err))
	}
	e.logger.Info(ctx, "step finished",
		zap.String("step", snapshot.Name), zap.String("status", string(snapshot.Status)),
		zap.Int("attempts", outcome.Attempts))
}

// verify runs the post-execution checks and returns a description of the
// first problem, or "".
func (e *Engine) verify(ctx context.Context, r *run) string {
	plan := r.snapshotPlan()
	result, err := e.validator.ValidateRemediation(ctx, plan)
	if err != nil {
		return fmt.Sprintf("remediation validation: %v", err)
	}
	health, herr := e.validator.ValidateSystemHealth(ctx, plan.ServiceName)
	verdict := e.validator.HealthVerdict(health, herr)

	r.mu.Lock()
	r.exec.ValidationResults = append(r.exec.ValidationResults, result, verdict)
	r.exec.Health = health
	r.mu.Unlock()

	merged := result.Merge(verdict)
	if !merged.IsValid {
		return fmt.Sprintf("%v: %s", models.ErrValidation, strings.Join(merged.ErrorMessages(), "; "))
	}
	return ""
}

func (e *Engine) cancelRun(ctx context.Context, r *run) {
	e.setError(r, models.ErrCancelled.Error())
	e.transition(ctx, r, models.PlanCancelling, nil)
	e.transition(ctx, r, models.PlanCancelled, nil)
}

func (e *Engine) setError(r *run, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.Error = msg
}

// transition moves the plan to status to and records it.
func (e *Engine) transition(ctx context.Context, r *run, to models.PlanStatus, details map[string]interface{}) {
	r.mu.Lock()
	err := e.apply(r, to)
	r.mu.Unlock()
	e.recordTransition(ctx, r, to, details, err)
}

// apply moves the plan to status to. The caller holds r.mu.
func (e *Engine) apply(r *run, to models.PlanStatus) error {
	now := e.now()
	if err := r.plan.Transition(to); err != nil {
		return err
	}
	r.exec.Status = to
	switch {
	case to == models.PlanExecuting:
		r.plan.ExecutedAt = &now
	case to.IsTerminal():
		r.plan.CompletedAt = &now
	}
	return nil
}

func (e *Engine) recordTransition(ctx context.Context, r *run, to models.PlanStatus, details map[string]interface{}, err error) {
	if err != nil {
		e.logger.Error(ctx, "invalid plan transition", zap.Error(err))
		return
	}
	if err := e.tracker.UpdateStatus(context.WithoutCancel(ctx), r.plan.ID, to, details); err != nil {
		e.logger.Warn(ctx, "error recording status", zap.String("status", string(to)), zap.Error(err))
	}
	e.logger.Debug(ctx, "plan status changed", zap.String("status", string(to)))
}

// finish assesses the final risk and records the execution result.
func (e *Engine) finish(ctx context.Context, r *run, span trace.Span) {
	// Results are recorded even when the run itself was cancelled.
	ctx = context.WithoutCancel(ctx)
	plan := r.snapshotPlan()

	var optionalFailures []string
	for _, s := range plan.Steps {
		if !s.IsRequired && s.StartTime != nil && s.Status != models.StepCompleted {
			optionalFailures = append(optionalFailures, s.Name)
		}
	}

	post, err := e.assessor.AssessPlan(ctx, plan, r.ec)
	if err != nil {
		e.logger.Warn(ctx, "post-execution risk assessment failed", zap.Error(err))
	}

	end := e.now()
	r.mu.Lock()
	if post != nil {
		if r.plan.EscalateOnOptionalFailure {
			for range optionalFailures {
				post.RiskLevel = post.RiskLevel.Raise()
			}
		}
		if post.Metadata == nil {
			post.Metadata = make(map[string]interface{})
		}
		post.Metadata["optional_failures"] = len(optionalFailures)
		r.plan.RiskLevel = post.RiskLevel
		r.exec.PostRisk = post
	}
	if len(optionalFailures) > 0 && !r.plan.EscalateOnOptionalFailure {
		r.plan.SetMetadata("optional_failures", optionalFailures)
	}
	r.exec.EndTime = &end
	r.exec.Status = r.plan.Status
	r.exec.Success = r.plan.Status == models.PlanCompleted
	r.exec.Metrics = r.metricsLocked(end)
	exec := *r.exec
	r.mu.Unlock()

	if post != nil {
		e.metrics.RiskAssessed(post.RiskLevel)
	}
	e.metrics.PlanFinished(exec.Status)
	if err := e.tracker.RecordMetrics(ctx, exec.Metrics); err != nil {
		e.logger.Warn(ctx, "error recording metrics", zap.Error(err))
	}
	if err := e.tracker.RecordExecution(ctx, &exec); err != nil {
		e.logger.Warn(ctx, "error recording execution", zap.Error(err))
	}

	span.SetAttributes(attribute.String("plan.status", string(exec.Status)))
	if !exec.Success {
		span.SetStatus(codes.Error, exec.Error)
	}
	e.logger.Info(ctx, "plan finished",
		zap.String("status", string(exec.Status)), zap.Bool("success", exec.Success),
		zap.Duration("duration", exec.Metrics.Duration))
}
