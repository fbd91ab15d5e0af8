// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/kusari-oss/remedy/internal/core/action"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/remedy/strategy"
)

// MockAction is a mock implementation of action.Action. Without
// expectations it behaves like a no-op action.
type MockAction struct {
	mock.Mock
	Config  action.Config
	Context action.ActionContext
}

// Execute mocks the Execute method.
func (m *MockAction) Execute(ctx context.Context, params map[string]interface{}) error {
	if len(m.ExpectedCalls) > 0 {
		args := m.Called(params)
		return args.Error(0)
	}
	return nil
}

// Description returns the configured description.
func (m *MockAction) Description() string {
	return m.Config.Description
}

// MockOutputAction extends MockAction to also implement action.OutputAction.
type MockOutputAction struct {
	MockAction
}

// ExecuteWithOutput mocks the ExecuteWithOutput method.
func (m *MockOutputAction) ExecuteWithOutput(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}

// NewMockActionCreator returns a creator suitable for Factory.Register.
func NewMockActionCreator() action.ActionCreator {
	return func(config action.Config, ctx action.ActionContext) (action.Action, error) {
		return &MockAction{
			Config:  config,
			Context: ctx,
		}, nil
	}
}

// MockStrategy is a configurable strategy.Strategy. Fields drive the
// answers; On/Called expectations are only used for Execute.
type MockStrategy struct {
	mock.Mock
	Meta       strategy.Metadata
	Handles    bool
	HandleErr  error
	Prio       models.Priority
	Validation *models.ValidationResult
	StepList   []models.RemediationStep
}

func (m *MockStrategy) Metadata() strategy.Metadata { return m.Meta }

func (m *MockStrategy) CanHandle(ctx context.Context, ec *models.ErrorContext) (bool, error) {
	return m.Handles, m.HandleErr
}

func (m *MockStrategy) Priority(ctx context.Context, ec *models.ErrorContext) (models.Priority, error) {
	if m.Prio == 0 {
		return m.Meta.Priority, nil
	}
	return m.Prio, nil
}

func (m *MockStrategy) Validate(ctx context.Context, ec *models.ErrorContext) (models.ValidationResult, error) {
	if m.Validation != nil {
		return *m.Validation, nil
	}
	return models.NewValidationResult(), nil
}

func (m *MockStrategy) Steps(ctx context.Context, ec *models.ErrorContext) ([]models.RemediationStep, error) {
	steps := make([]models.RemediationStep, len(m.StepList))
	copy(steps, m.StepList)
	return steps, nil
}

func (m *MockStrategy) Execute(ctx context.Context, ec *models.ErrorContext) (*strategy.Result, error) {
	args := m.Called(ec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*strategy.Result), args.Error(1)
}

// NewMockStrategy returns an applicable strategy with the given steps.
func NewMockStrategy(name, version string, prio models.Priority, steps ...models.RemediationStep) *MockStrategy {
	return &MockStrategy{
		Meta:     strategy.Metadata{Name: name, Version: version, Type: "custom", Priority: prio},
		Handles:  true,
		StepList: steps,
	}
}

// MockOracle is a mock health oracle.
type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) GetServiceHealth(ctx context.Context, serviceName string) (*models.HealthStatus, error) {
	args := m.Called(serviceName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.HealthStatus), args.Error(1)
}
