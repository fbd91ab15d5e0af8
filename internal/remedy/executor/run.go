// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/remedy/strategy"
)

// run is the in-memory state of one plan execution. mu guards every field
// except active, which belongs to Engine.mu.
type run struct {
	mu        sync.RWMutex
	plan      *models.RemediationPlan
	ec        *models.ErrorContext
	exec      *models.RemediationExecution
	outputs   map[string]map[string]interface{}
	attempts  map[string]int
	timedOut  map[string]bool
	completed map[string]int
	seq       int
	startedAt time.Time
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}

	active bool
}

func newRun(plan *models.RemediationPlan, ec *models.ErrorContext, now time.Time) *run {
	return &run{
		plan: plan,
		ec:   ec,
		exec: &models.RemediationExecution{
			ID:              newExecutionID(),
			PlanID:          plan.ID,
			RemediationID:   plan.ID,
			CorrelationID:   plan.CorrelationID,
			ErrorID:         plan.ErrorID,
			StartTime:       now,
			Status:          plan.Status,
			ExecutedActions: []models.ActionOutcome{},
		},
		outputs:   make(map[string]map[string]interface{}),
		attempts:  make(map[string]int),
		timedOut:  make(map[string]bool),
		completed: make(map[string]int),
		startedAt: now,
		done:      make(chan struct{}),
	}
}

func (r *run) status() models.PlanStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plan.Status
}

func (r *run) isCancelled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelled
}

func (r *run) setCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
	if r.cancelled {
		cancel()
	}
}

func (r *run) requestCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled || !r.plan.Status.IsCancellable() {
		return false
	}
	r.cancelled = true
	if r.cancel != nil {
		r.cancel()
	}
	return true
}

// step returns a copy of step i.
func (r *run) step(i int) models.RemediationStep {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plan.Steps[i]
}

// update mutates step i under the lock.
func (r *run) update(i int, fn func(s *models.RemediationStep)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.plan.Steps[i])
}

func (r *run) stepStatusByID(id string) (models.StepStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.plan.Steps {
		if s.ID == id {
			return s.Status, true
		}
	}
	return "", false
}

// complete records the outputs of a completed step and its completion order.
func (r *run) complete(i int, outputs map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.plan.Steps[i]
	r.outputs[s.Name] = outputs
	r.seq++
	r.completed[s.ID] = r.seq
}

func (r *run) outputsOf(name string) (map[string]interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.outputs[name]
	return out, ok
}

// data builds the substitution data: the error fields plus the outputs of
// completed steps under "steps.<name>".
func (r *run) data() map[string]interface{} {
	data := strategy.ErrorData(r.ec)
	r.mu.RLock()
	defer r.mu.RUnlock()
	steps := make(map[string]interface{}, len(r.outputs))
	for name, outs := range r.outputs {
		copied := make(map[string]interface{}, len(outs))
		for k, v := range outs {
			copied[k] = v
		}
		steps[name] = copied
	}
	data["steps"] = steps
	return data
}

func (r *run) countAttempt(stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[stepID]++
}

func (r *run) markTimedOut(stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timedOut[stepID] = true
}

// rollbackOrder returns the completed, not yet compensated steps, latest
// completion first.
func (r *run) rollbackOrder() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var idx []int
	for i, s := range r.plan.Steps {
		if s.Status == models.StepCompleted && s.RollbackStatus == nil {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := r.plan.Steps[idx[a]], r.plan.Steps[idx[b]]
		if sa.EndTime != nil && sb.EndTime != nil && !sa.EndTime.Equal(*sb.EndTime) {
			return sa.EndTime.After(*sb.EndTime)
		}
		return r.completed[sa.ID] > r.completed[sb.ID]
	})
	return idx
}

func (r *run) snapshotPlan() *models.RemediationPlan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clonePlan(r.plan)
}

func (r *run) snapshotExecution() *models.RemediationExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec := *r.exec
	exec.ExecutedActions = append([]models.ActionOutcome(nil), r.exec.ExecutedActions...)
	exec.ValidationResults = append([]models.ValidationResult(nil), r.exec.ValidationResults...)
	exec.Metrics = r.metricsLocked(time.Now())
	return &exec
}

func (r *run) computeMetrics(now time.Time) models.RemediationMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metricsLocked(now)
}

func (r *run) metricsLocked(now time.Time) models.RemediationMetrics {
	m := models.RemediationMetrics{
		PlanID:        r.plan.ID,
		TotalSteps:    len(r.plan.Steps),
		StepDurations: make(map[string]time.Duration),
		StartedAt:     r.startedAt,
		UpdatedAt:     now,
	}
	for _, s := range r.plan.Steps {
		switch s.Status {
		case models.StepCompleted:
			m.CompletedSteps++
		case models.StepFailed:
			m.FailedSteps++
		}
		if r.timedOut[s.ID] {
			m.TimedOutSteps++
		}
		m.TotalAttempts += r.attempts[s.ID]
		m.TotalRetries += s.RetryCount
		if s.RollbackStatus != nil && *s.RollbackStatus == models.RollbackSucceeded {
			m.RolledBack++
		}
		if s.StartTime != nil && s.EndTime != nil {
			m.StepDurations[s.Name] = s.EndTime.Sub(*s.StartTime)
		}
	}
	if m.TotalSteps > 0 {
		m.Progress = float64(m.CompletedSteps+m.FailedSteps) / float64(m.TotalSteps)
	}
	end := now
	if r.exec.EndTime != nil {
		end = *r.exec.EndTime
	}
	m.Duration = end.Sub(r.startedAt)
	return m
}
