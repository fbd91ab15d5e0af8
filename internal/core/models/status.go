// SPDX-License-Identifier: Apache-2.0

package models

import "fmt"

// PlanStatus is the lifecycle state of a remediation plan. It is also the
// status reported for a remediation by GetStatus.
type PlanStatus string

const (
	PlanCreated          PlanStatus = "created"
	PlanValidating       PlanStatus = "validating"
	PlanValidated        PlanStatus = "validated"
	PlanValidationFailed PlanStatus = "validation_failed"
	PlanExecuting        PlanStatus = "executing"
	PlanExecuted         PlanStatus = "executed"
	PlanExecutionFailed  PlanStatus = "execution_failed"
	PlanRollingBack      PlanStatus = "rolling_back"
	PlanRolledBack       PlanStatus = "rolled_back"
	PlanRollbackFailed   PlanStatus = "rollback_failed"
	PlanCompleted        PlanStatus = "completed"
	PlanCancelling       PlanStatus = "cancelling"
	PlanCancelled        PlanStatus = "cancelled"
)

// Aliases used by status consumers that speak in terms of a remediation
// rather than a plan.
const (
	StatusPending   = PlanCreated
	StatusRunning   = PlanExecuting
	StatusSucceeded = PlanCompleted
	StatusFailed    = PlanExecutionFailed
)

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanCreated:         {PlanValidating, PlanCancelling},
	PlanValidating:      {PlanValidated, PlanValidationFailed, PlanCancelling},
	PlanValidated:       {PlanExecuting, PlanCancelling},
	PlanExecuting:       {PlanExecuted, PlanExecutionFailed, PlanCancelling},
	PlanExecuted:        {PlanCompleted, PlanExecutionFailed, PlanCancelling},
	PlanExecutionFailed: {PlanRollingBack},
	PlanRollingBack:     {PlanRolledBack, PlanRollbackFailed},
	PlanCancelling:      {PlanCancelled},
	// Cancellation never compensates on its own; rollback has to be requested.
	PlanCancelled: {PlanRollingBack},
}

// CanTransitionPlan reports whether a plan may move from one status to another.
func CanTransitionPlan(from, to PlanStatus) bool {
	for _, next := range planTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further forward progress happens without an
// explicit rollback request.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanValidationFailed, PlanExecutionFailed, PlanCompleted,
		PlanRolledBack, PlanRollbackFailed, PlanCancelled:
		return true
	}
	return false
}

// IsCancellable reports whether Cancelling is reachable from s.
func (s PlanStatus) IsCancellable() bool {
	return CanTransitionPlan(s, PlanCancelling)
}

// IsRollbackEligible reports whether rollback may run from s.
func (s PlanStatus) IsRollbackEligible() bool {
	return s == PlanExecutionFailed || s == PlanCancelled
}

// Transition moves the plan to status to.
func (p *RemediationPlan) Transition(to PlanStatus) error {
	if !CanTransitionPlan(p.Status, to) {
		return fmt.Errorf("%w: plan %s from %s to %s", ErrInvalidTransition, p.ID, p.Status, to)
	}
	p.Status = to
	return nil
}

// StepStatus is the execution state of a single plan step.
type StepStatus string

const (
	StepNotStarted StepStatus = "not_started"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepTimeout    StepStatus = "timeout"
	StepRetrying   StepStatus = "retrying"
)

var stepTransitions = map[StepStatus][]StepStatus{
	StepNotStarted: {StepInProgress},
	StepInProgress: {StepCompleted, StepFailed, StepTimeout},
	StepFailed:     {StepRetrying},
	StepTimeout:    {StepRetrying, StepFailed},
	StepRetrying:   {StepInProgress},
}

// CanTransitionStep reports whether a step may move from one status to another.
func CanTransitionStep(from, to StepStatus) bool {
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the step to status to.
func (s *RemediationStep) Transition(to StepStatus) error {
	if !CanTransitionStep(s.Status, to) {
		return fmt.Errorf("%w: step %s from %s to %s", ErrInvalidTransition, s.Name, s.Status, to)
	}
	s.Status = to
	return nil
}

// RollbackStatus records the outcome of compensating a single step.
type RollbackStatus string

const (
	RollbackSucceeded RollbackStatus = "succeeded"
	RollbackFailed    RollbackStatus = "failed"
	RollbackSkipped   RollbackStatus = "skipped"
)
