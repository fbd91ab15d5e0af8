// SPDX-License-Identifier: Apache-2.0

// Package tracker records remediation status transitions, step history and
// metrics in a key/value store.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/kv"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/logging"
)

const (
	statusPrefix    = "status/"
	stepsPrefix     = "steps/"
	metricsPrefix   = "metrics/"
	executionPrefix = "execution/"
)

// StatusEntry is one recorded status transition.
type StatusEntry struct {
	PlanID    string                 `json:"plan_id"`
	Status    models.PlanStatus      `json:"status"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Tracker is an append-only record of remediation progress. Entries are
// never rewritten; the latest status entry is the current status.
type Tracker struct {
	store  kv.Store
	logger *logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	last  map[string]time.Time
	locks map[string]*sync.Mutex
}

// New creates a tracker over store.
func New(store kv.Store, logger *logging.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logging.OrNop(logger).Named("tracker"),
		now:    time.Now,
		last:   make(map[string]time.Time),
		locks:  make(map[string]*sync.Mutex),
	}
}

// planLock returns the lock that orders status appends for planID.
func (t *Tracker) planLock(planID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[planID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[planID] = l
	}
	return l
}

// stamp returns a timestamp strictly after the previous one for planID.
func (t *Tracker) stamp(planID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.now()
	if prev, ok := t.last[planID]; ok && !ts.After(prev) {
		ts = prev.Add(time.Nanosecond)
	}
	t.last[planID] = ts
	return ts
}

// UpdateStatus appends a status transition for planID.
func (t *Tracker) UpdateStatus(ctx context.Context, planID string, status models.PlanStatus, details map[string]interface{}) error {
	if planID == "" {
		return fmt.Errorf("%w: plan id", models.ErrNilArgument)
	}
	// Stamp and append together so the stored history stays in timestamp order.
	l := t.planLock(planID)
	l.Lock()
	defer l.Unlock()

	entry := StatusEntry{
		PlanID:    planID,
		Status:    status,
		Details:   details,
		Timestamp: t.stamp(planID),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("error encoding status entry: %w", err)
	}
	if err := t.store.Append(ctx, statusPrefix+planID, data); err != nil {
		return fmt.Errorf("error recording status for plan %s: %w", planID, err)
	}
	t.logger.Debug(ctx, "status recorded", zap.String("plan", planID), zap.String("status", string(status)))
	return nil
}

// GetStatusHistory returns every recorded transition in order.
func (t *Tracker) GetStatusHistory(ctx context.Context, planID string) ([]StatusEntry, error) {
	items, err := t.store.List(ctx, statusPrefix+planID)
	if err != nil {
		return nil, fmt.Errorf("error reading status history for plan %s: %w", planID, err)
	}
	history := make([]StatusEntry, 0, len(items))
	for _, item := range items {
		var entry StatusEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			return nil, fmt.Errorf("error decoding status entry: %w", err)
		}
		history = append(history, entry)
	}
	return history, nil
}

// GetStatus returns the latest recorded status.
func (t *Tracker) GetStatus(ctx context.Context, planID string) (models.PlanStatus, error) {
	history, err := t.GetStatusHistory(ctx, planID)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", fmt.Errorf("%w: no status for plan %s", models.ErrNotFound, planID)
	}
	return history[len(history)-1].Status, nil
}

// RecordStep appends a snapshot of step.
func (t *Tracker) RecordStep(ctx context.Context, planID string, step models.RemediationStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("error encoding step %s: %w", step.Name, err)
	}
	if err := t.store.Append(ctx, stepsPrefix+planID, data); err != nil {
		return fmt.Errorf("error recording step %s: %w", step.Name, err)
	}
	return nil
}

// GetStepHistory returns the recorded step snapshots in order.
func (t *Tracker) GetStepHistory(ctx context.Context, planID string) ([]models.RemediationStep, error) {
	items, err := t.store.List(ctx, stepsPrefix+planID)
	if err != nil {
		return nil, fmt.Errorf("error reading step history for plan %s: %w", planID, err)
	}
	steps := make([]models.RemediationStep, 0, len(items))
	for _, item := range items {
		var step models.RemediationStep
		if err := json.Unmarshal(item, &step); err != nil {
			return nil, fmt.Errorf("error decoding step snapshot: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// RecordMetrics stores the latest metrics for a plan.
func (t *Tracker) RecordMetrics(ctx context.Context, m models.RemediationMetrics) error {
	return t.put(ctx, metricsPrefix+m.PlanID, m)
}

// GetMetrics returns the latest metrics for a plan.
func (t *Tracker) GetMetrics(ctx context.Context, planID string) (*models.RemediationMetrics, error) {
	var m models.RemediationMetrics
	if err := t.get(ctx, metricsPrefix+planID, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordExecution stores the execution result of a plan.
func (t *Tracker) RecordExecution(ctx context.Context, exec *models.RemediationExecution) error {
	return t.put(ctx, executionPrefix+exec.PlanID, exec)
}

// GetExecution returns the stored execution result of a plan.
func (t *Tracker) GetExecution(ctx context.Context, planID string) (*models.RemediationExecution, error) {
	var exec models.RemediationExecution
	if err := t.get(ctx, executionPrefix+planID, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (t *Tracker) put(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error encoding %s: %w", key, err)
	}
	if err := t.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("error storing %s: %w", key, err)
	}
	return nil
}

func (t *Tracker) get(ctx context.Context, key string, v interface{}) error {
	data, err := t.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error decoding %s: %w", key, err)
	}
	return nil
}
