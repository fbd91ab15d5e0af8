// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// ErrorContext describes one error occurrence that needs remediation.
type ErrorContext struct {
	ID            string                 `json:"id" yaml:"id"`
	CorrelationID string                 `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	ServiceName   string                 `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	ComponentName string                 `json:"component_name,omitempty" yaml:"component_name,omitempty"`
	ErrorType     string                 `json:"error_type" yaml:"error_type"`
	Message       string                 `json:"message" yaml:"message"`
	StackTrace    string                 `json:"stack_trace,omitempty" yaml:"stack_trace,omitempty"`
	Severity      Severity               `json:"severity" yaml:"severity"`
	Environment   string                 `json:"environment,omitempty" yaml:"environment,omitempty"`
	Timestamp     time.Time              `json:"timestamp" yaml:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Analysis      *ErrorAnalysisResult   `json:"analysis,omitempty" yaml:"analysis,omitempty"`
}

// Fields flattens the context into the map used for condition evaluation
// and parameter substitution.
func (e *ErrorContext) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"id":             e.ID,
		"correlation_id": e.CorrelationID,
		"service":        e.ServiceName,
		"component":      e.ComponentName,
		"type":           e.ErrorType,
		"message":        e.Message,
		"severity":       e.Severity.String(),
		"environment":    e.Environment,
	}
	metadata := make(map[string]interface{}, len(e.Metadata))
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	fields["metadata"] = metadata
	return fields
}

// ErrorAnalysisResult is produced by the external error analyzer and seeds
// strategy selection.
type ErrorAnalysisResult struct {
	CorrelationID    string                 `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	RootCause        string                 `json:"root_cause" yaml:"root_cause"`
	Category         string                 `json:"category,omitempty" yaml:"category,omitempty"`
	Confidence       float64                `json:"confidence" yaml:"confidence"`
	SuggestedActions []string               `json:"suggested_actions,omitempty" yaml:"suggested_actions,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Fields flattens the analysis for condition evaluation.
func (a *ErrorAnalysisResult) Fields() map[string]interface{} {
	if a == nil {
		return map[string]interface{}{
			"root_cause":        "",
			"category":          "",
			"confidence":        0.0,
			"suggested_actions": []interface{}{},
		}
	}
	actions := make([]interface{}, 0, len(a.SuggestedActions))
	for _, s := range a.SuggestedActions {
		actions = append(actions, s)
	}
	return map[string]interface{}{
		"root_cause":        a.RootCause,
		"category":          a.Category,
		"confidence":        a.Confidence,
		"suggested_actions": actions,
	}
}

// RemediationAction is a single remediation operation plus its optional
// compensating action.
type RemediationAction struct {
	ID                     string                 `json:"id" yaml:"id"`
	Name                   string                 `json:"name" yaml:"name"`
	Type                   ActionType             `json:"type" yaml:"type"`
	Description            string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Severity               Severity               `json:"severity" yaml:"severity"`
	ImpactScope            ImpactScope            `json:"impact_scope" yaml:"impact_scope"`
	RollbackAction         *RemediationAction     `json:"rollback_action,omitempty" yaml:"rollback_action,omitempty"`
	Parameters             map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Timeout                time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RequiresManualApproval bool                   `json:"requires_manual_approval,omitempty" yaml:"requires_manual_approval,omitempty"`
	ConfirmationMessage    string                 `json:"confirmation_message,omitempty" yaml:"confirmation_message,omitempty"`
	MaxRetries             int                    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryDelay             time.Duration          `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	Warnings               []string               `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	// ExpectedOutputs lists output keys that must be present after execution.
	ExpectedOutputs []string `json:"expected_outputs,omitempty" yaml:"expected_outputs,omitempty"`
	// SuccessCondition is a CEL expression over `outputs` checked after execution.
	SuccessCondition string `json:"success_condition,omitempty" yaml:"success_condition,omitempty"`
	// Outputs are static outputs, threaded to later steps in dry runs.
	Outputs map[string]interface{} `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// RemediationStep is the unit of scheduling. It wraps exactly one action.
type RemediationStep struct {
	ID                string                 `json:"id" yaml:"id"`
	PlanID            string                 `json:"plan_id" yaml:"plan_id"`
	Name              string                 `json:"name" yaml:"name"`
	Order             int                    `json:"order" yaml:"order"`
	StrategyName      string                 `json:"strategy_name,omitempty" yaml:"strategy_name,omitempty"`
	Action            RemediationAction      `json:"action" yaml:"action"`
	IsRequired        bool                   `json:"is_required" yaml:"is_required"`
	MaxRetries        int                    `json:"max_retries" yaml:"max_retries"`
	TimeoutSeconds    int                    `json:"timeout_seconds" yaml:"timeout_seconds"`
	DependsOn         []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status            StepStatus             `json:"status" yaml:"status"`
	StartTime         *time.Time             `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime           *time.Time             `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	RetryCount        int                    `json:"retry_count" yaml:"retry_count"`
	InputParameters   map[string]interface{} `json:"input_parameters,omitempty" yaml:"input_parameters,omitempty"`
	OutputResults     map[string]interface{} `json:"output_results,omitempty" yaml:"output_results,omitempty"`
	OutputRefs        map[string]string      `json:"output_refs,omitempty" yaml:"output_refs,omitempty"`
	ValidationResults []ValidationResult     `json:"validation_results,omitempty" yaml:"validation_results,omitempty"`
	RollbackStatus    *RollbackStatus        `json:"rollback_status,omitempty" yaml:"rollback_status,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Timeout returns the effective per-attempt deadline of the step, or zero
// when neither the step nor its action bounds it.
func (s *RemediationStep) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return s.Action.Timeout
}

// RemediationPlan is an ordered sequence of steps addressing one error occurrence.
type RemediationPlan struct {
	ID            string                 `json:"id" yaml:"id"`
	Name          string                 `json:"name" yaml:"name"`
	ErrorID       string                 `json:"error_id,omitempty" yaml:"error_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	ServiceName   string                 `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Steps         []RemediationStep      `json:"steps" yaml:"steps"`
	Status        PlanStatus             `json:"status" yaml:"status"`
	RiskLevel     RiskLevel              `json:"risk_level" yaml:"risk_level"`
	CreatedAt     time.Time              `json:"created_at" yaml:"created_at"`
	ScheduledAt   *time.Time             `json:"scheduled_at,omitempty" yaml:"scheduled_at,omitempty"`
	ExecutedAt    *time.Time             `json:"executed_at,omitempty" yaml:"executed_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// Parallel allows dependency-free steps to run concurrently.
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	// AutoRollback compensates completed steps when execution fails.
	AutoRollback bool `json:"auto_rollback" yaml:"auto_rollback"`
	// EscalateOnOptionalFailure raises the final risk level once per failed
	// non-required step instead of only annotating metadata.
	EscalateOnOptionalFailure bool `json:"escalate_on_optional_failure,omitempty" yaml:"escalate_on_optional_failure,omitempty"`
}

// SetMetadata sets a metadata entry, allocating the map when needed.
func (p *RemediationPlan) SetMetadata(key string, value interface{}) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata[key] = value
}

// Step returns a pointer to the step with the given id.
func (p *RemediationPlan) Step(id string) *RemediationStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// RiskAssessmentResult is the outcome of assessing an action, strategy or plan.
type RiskAssessmentResult struct {
	CorrelationID      string                 `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	RiskLevel          RiskLevel              `json:"risk_level" yaml:"risk_level"`
	Status             AnalysisStatus         `json:"status" yaml:"status"`
	PotentialIssues    []string               `json:"potential_issues" yaml:"potential_issues"`
	MitigationSteps    []string               `json:"mitigation_steps" yaml:"mitigation_steps"`
	AffectedComponents []string               `json:"affected_components" yaml:"affected_components"`
	RiskFactors        []string               `json:"risk_factors" yaml:"risk_factors"`
	Confidence         float64                `json:"confidence" yaml:"confidence"`
	Notes              string                 `json:"notes,omitempty" yaml:"notes,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	AssessedAt         time.Time              `json:"assessed_at" yaml:"assessed_at"`
}

// HealthPrediction is an optional forecast attached to a health reading.
type HealthPrediction struct {
	PredictedScore float64       `json:"predicted_score" yaml:"predicted_score"`
	Horizon        time.Duration `json:"horizon" yaml:"horizon"`
	Trend          string        `json:"trend,omitempty" yaml:"trend,omitempty"`
}

// HealthStatus is a reading from the health oracle.
type HealthStatus struct {
	ServiceName string             `json:"service_name" yaml:"service_name"`
	IsHealthy   bool               `json:"is_healthy" yaml:"is_healthy"`
	HealthScore float64            `json:"health_score" yaml:"health_score"`
	Metrics     map[string]float64 `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Prediction  *HealthPrediction  `json:"prediction,omitempty" yaml:"prediction,omitempty"`
	Message     string             `json:"message,omitempty" yaml:"message,omitempty"`
	CheckedAt   time.Time          `json:"checked_at" yaml:"checked_at"`
}

// ErrorPattern is a recurring error signature kept by the pattern store.
type ErrorPattern struct {
	ID                   string                 `json:"id"`
	ServiceName          string                 `json:"service_name"`
	ErrorType            string                 `json:"error_type"`
	MessagePattern       string                 `json:"message_pattern,omitempty"`
	Occurrences          int                    `json:"occurrences"`
	SuccessfulStrategies []string               `json:"successful_strategies,omitempty"`
	LastSeen             time.Time              `json:"last_seen"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

// ActionOutcome is the per-action record kept in an execution result.
type ActionOutcome struct {
	StepID     string                 `json:"step_id"`
	ActionID   string                 `json:"action_id"`
	ActionName string                 `json:"action_name"`
	Status     StepStatus             `json:"status"`
	Attempts   int                    `json:"attempts"`
	TimedOut   bool                   `json:"timed_out,omitempty"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    time.Time              `json:"end_time"`
	Error      string                 `json:"error,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
}

// RollbackExecutionDetails records a rollback run.
type RollbackExecutionDetails struct {
	Reason        string            `json:"reason"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
	Success       bool              `json:"success"`
	ExecutedSteps []string          `json:"executed_steps"`
	FailedSteps   []string          `json:"failed_steps"`
	SkippedSteps  []string          `json:"skipped_steps"`
	Errors        map[string]string `json:"errors,omitempty"`
}

// RemediationMetrics summarises the progress of one remediation.
type RemediationMetrics struct {
	PlanID         string                   `json:"plan_id"`
	TotalSteps     int                      `json:"total_steps"`
	CompletedSteps int                      `json:"completed_steps"`
	FailedSteps    int                      `json:"failed_steps"`
	TimedOutSteps  int                      `json:"timed_out_steps"`
	TotalAttempts  int                      `json:"total_attempts"`
	TotalRetries   int                      `json:"total_retries"`
	RolledBack     int                      `json:"rolled_back_steps"`
	Progress       float64                  `json:"progress"`
	Duration       time.Duration            `json:"duration"`
	StepDurations  map[string]time.Duration `json:"step_durations,omitempty"`
	StartedAt      time.Time                `json:"started_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// RemediationExecution is the result of executing a plan.
type RemediationExecution struct {
	ID                string                    `json:"id"`
	PlanID            string                    `json:"plan_id"`
	RemediationID     string                    `json:"remediation_id"`
	CorrelationID     string                    `json:"correlation_id,omitempty"`
	ErrorID           string                    `json:"error_id,omitempty"`
	StartTime         time.Time                 `json:"start_time"`
	EndTime           *time.Time                `json:"end_time,omitempty"`
	Status            PlanStatus                `json:"status"`
	Success           bool                      `json:"success"`
	ExecutedActions   []ActionOutcome           `json:"executed_actions"`
	ValidationResults []ValidationResult        `json:"validation_results,omitempty"`
	PreRisk           *RiskAssessmentResult     `json:"pre_risk,omitempty"`
	PostRisk          *RiskAssessmentResult     `json:"post_risk,omitempty"`
	Health            *HealthStatus             `json:"health,omitempty"`
	Rollback          *RollbackExecutionDetails `json:"rollback,omitempty"`
	Metrics           RemediationMetrics        `json:"metrics"`
	Error             string                    `json:"error,omitempty"`
}
