// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kusari-oss/remedy/internal/core/action"
	"github.com/kusari-oss/remedy/internal/core/models"
)

// retry calls op until it succeeds, returns a permanent error, or has been
// retried maxRetries times. op receives the 1-based attempt number.
func (e *Engine) retry(ctx context.Context, maxRetries int, delay time.Duration, op func(attempt int) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var b backoff.BackOff
	switch e.settings.Backoff {
	case BackoffExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = delay
		if e.settings.MaxBackoff > 0 {
			eb.MaxInterval = e.settings.MaxBackoff
		}
		eb.MaxElapsedTime = 0
		b = eb
	default:
		b = backoff.NewConstantBackOff(delay)
	}

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		return op(attempt)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx))
}

type invocation struct {
	outputs map[string]interface{}
	err     error
}

// invoke runs one attempt of an action under timeout. A deadline hit is
// reported as ErrStepTimeout and cancellation of ctx as ErrCancelled. In
// dry-run mode the action is not called and its static outputs are
// returned.
func (e *Engine) invoke(ctx context.Context, impl action.Action, a *models.RemediationAction, params map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	if e.settings.DryRun {
		outputs := make(map[string]interface{}, len(a.Outputs))
		for k, v := range a.Outputs {
			outputs[k] = v
		}
		return outputs, nil
	}

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- invocation{err: fmt.Errorf("action %s panicked: %v", a.Name, p)}
			}
		}()
		outputs, err := action.Run(actx, impl, params)
		ch <- invocation{outputs: outputs, err: err}
	}()

	select {
	case res := <-ch:
		if res.err == nil {
			return res.outputs, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrCancelled, ctx.Err())
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", models.ErrStepTimeout, timeout, res.err)
		}
		return nil, fmt.Errorf("%w: %w", models.ErrStepExecution, res.err)
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w after %s", models.ErrStepTimeout, timeout)
	}
}
