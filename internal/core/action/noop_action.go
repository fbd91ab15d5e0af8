// SPDX-License-Identifier: Apache-2.0

package action

import (
	"context"
	"errors"
	"time"
)

// NoopAction performs no side effects. It returns its configured outputs,
// optionally after a delay or with a simulated failure, which makes it
// useful for drills and for placeholder steps in strategy catalogs.
type NoopAction struct {
	config Config
}

func NewNoopAction(config Config) *NoopAction {
	return &NoopAction{config: config}
}

func (a *NoopAction) Execute(ctx context.Context, params map[string]interface{}) error {
	_, err := a.ExecuteWithOutput(ctx, params)
	return err
}

func (a *NoopAction) ExecuteWithOutput(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	if a.config.Delay > 0 {
		timer := time.NewTimer(a.config.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if a.config.Fail != "" {
		return nil, errors.New(a.config.Fail)
	}

	outputs := make(map[string]interface{})
	if static, ok := a.config.Outputs.(map[string]interface{}); ok {
		for k, v := range static {
			outputs[k] = v
		}
	}
	return outputs, nil
}

func (a *NoopAction) Description() string {
	if a.config.Description != "" {
		return a.config.Description
	}
	return "No operation"
}
