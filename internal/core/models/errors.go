// SPDX-License-Identifier: Apache-2.0

package models

import "errors"

// Error kinds. Wrap them with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrPlanConstruction  = errors.New("plan construction failed")
	ErrStepExecution     = errors.New("step execution failed")
	ErrStepTimeout       = errors.New("step timed out")
	ErrValidation        = errors.New("validation failed")
	ErrRollback          = errors.New("rollback failed")
	ErrCancelled         = errors.New("remediation cancelled")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyRunning    = errors.New("remediation already in progress")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNilArgument       = errors.New("required argument is nil")
	ErrApprovalRequired  = errors.New("manual approval required")
	ErrRiskTooHigh       = errors.New("risk level exceeds allowed ceiling")
)
