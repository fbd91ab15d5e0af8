// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/action"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/core/parameters"
	"github.com/kusari-oss/remedy/internal/logging"
)

// Rollback compensates the completed steps of a failed or cancelled
// remediation, most recently completed first. Steps without a rollback
// action are reported as skipped.
func (e *Engine) Rollback(ctx context.Context, id, reason string) (*models.RollbackExecutionDetails, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: remediation %s", models.ErrNotFound, id)
	}
	if r.active {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: plan %s", models.ErrAlreadyRunning, id)
	}
	if st := r.status(); !st.IsRollbackEligible() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: plan %s is %s", models.ErrInvalidTransition, id, st)
	}
	r.active = true
	e.mu.Unlock()
	defer e.release(r)

	ctx = logging.WithExecutionID(logging.WithPlanID(ctx, id), r.exec.ID)
	details := e.rollback(ctx, r, reason)

	exec := r.snapshotExecution()
	if err := e.tracker.RecordExecution(context.WithoutCancel(ctx), exec); err != nil {
		e.logger.Warn(ctx, "error recording execution", zap.Error(err))
	}
	if !details.Success {
		return details, fmt.Errorf("%w: %d of %d steps failed", models.ErrRollback,
			len(details.FailedSteps), len(details.FailedSteps)+len(details.ExecutedSteps))
	}
	return details, nil
}

// rollback compensates the completed steps of r and moves the plan to
// RolledBack or RollbackFailed.
func (e *Engine) rollback(ctx context.Context, r *run, reason string) *models.RollbackExecutionDetails {
	ctx, span := e.tracer.Start(ctx, "remedy.rollback")
	defer span.End()

	details := &models.RollbackExecutionDetails{
		Reason:        reason,
		StartTime:     e.now(),
		ExecutedSteps: []string{},
		FailedSteps:   []string{},
		SkippedSteps:  []string{},
		Errors:        make(map[string]string),
	}
	e.logger.Info(ctx, "rolling back plan", zap.String("reason", reason))
	e.transition(ctx, r, models.PlanRollingBack, map[string]interface{}{"reason": reason})

	for _, i := range r.rollbackOrder() {
		step := r.step(i)
		status := models.RollbackSkipped
		if step.Action.RollbackAction != nil {
			if err := e.compensate(ctx, r, &step); err != nil {
				status = models.RollbackFailed
				details.FailedSteps = append(details.FailedSteps, step.Name)
				details.Errors[step.Name] = err.Error()
				e.logger.Warn(ctx, "rollback of step failed", zap.String("step", step.Name), zap.Error(err))
			} else {
				status = models.RollbackSucceeded
				details.ExecutedSteps = append(details.ExecutedSteps, step.Name)
			}
		} else {
			details.SkippedSteps = append(details.SkippedSteps, step.Name)
		}

		var snapshot models.RemediationStep
		r.update(i, func(s *models.RemediationStep) {
			st := status
			s.RollbackStatus = &st
			snapshot = *s
		})
		if err := e.tracker.RecordStep(context.WithoutCancel(ctx), r.plan.ID, snapshot); err != nil {
			e.logger.Warn(ctx, "error recording step", zap.String("step", step.Name), zap.Error(err))
		}
	}

	details.EndTime = e.now()
	details.Success = len(details.FailedSteps) == 0
	if len(details.Errors) == 0 {
		details.Errors = nil
	}

	final := models.PlanRolledBack
	if !details.Success {
		final = models.PlanRollbackFailed
		span.SetStatus(codes.Error, "rollback failed")
	}
	span.SetAttributes(
		attribute.Int("rollback.executed", len(details.ExecutedSteps)),
		attribute.Int("rollback.failed", len(details.FailedSteps)),
		attribute.Int("rollback.skipped", len(details.SkippedSteps)),
	)

	r.mu.Lock()
	r.exec.Rollback = details
	r.mu.Unlock()
	e.transition(ctx, r, final, map[string]interface{}{
		"executed": details.ExecutedSteps,
		"failed":   details.FailedSteps,
		"skipped":  details.SkippedSteps,
	})
	e.metrics.RollbackFinished(details.Success)
	e.logger.Info(ctx, "rollback finished", zap.Bool("success", details.Success),
		zap.Int("executed", len(details.ExecutedSteps)), zap.Int("failed", len(details.FailedSteps)),
		zap.Int("skipped", len(details.SkippedSteps)))
	return details
}

// compensate runs the rollback action of a completed step with the same
// retry and timeout discipline as forward execution. Its parameters may
// reference the step's resolved inputs and outputs.
func (e *Engine) compensate(ctx context.Context, r *run, step *models.RemediationStep) error {
	rb := *step.Action.RollbackAction

	data := r.data()
	data["inputs"] = step.InputParameters
	data["outputs"] = step.OutputResults
	params, err := e.processor.ProcessMap(rb.Parameters, data, parameters.Strict)
	if err != nil {
		return fmt.Errorf("%w: step %s: %w", models.ErrRollback, step.Name, err)
	}
	rb.Parameters = params

	var impl action.Action
	if !e.settings.DryRun {
		impl, err = e.factory.CreateFor(&rb)
		if err != nil {
			return fmt.Errorf("%w: step %s: %w", models.ErrRollback, step.Name, err)
		}
	}

	timeout := rb.Timeout
	if timeout == 0 {
		timeout = step.Timeout()
	}
	if timeout == 0 {
		timeout = e.settings.DefaultStepTimeout
	}
	maxRetries := rb.MaxRetries
	if maxRetries == 0 {
		maxRetries = step.MaxRetries
	}
	delay := rb.RetryDelay
	if delay == 0 {
		delay = e.settings.DefaultRetryDelay
	}

	return e.retry(ctx, maxRetries, delay, func(attempt int) error {
		e.metrics.Attempt()
		if attempt > 1 {
			e.logger.Info(ctx, "retrying rollback", zap.String("step", step.Name), zap.Int("attempt", attempt))
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		_, err := e.invoke(ctx, impl, &rb, params, timeout)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	})
}
