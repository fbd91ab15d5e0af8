// SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/kv"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/logging"
)

const (
	patternPrefix = "patterns/"
	contextPrefix = "contexts/"
)

// PatternStore keeps error patterns and past error contexts per service.
// Reads may be stale; callers use them only as hints.
type PatternStore struct {
	store  kv.Store
	logger *logging.Logger
	now    func() time.Time

	// mu serializes read-modify-write updates of patterns.
	mu sync.Mutex
}

// NewPatternStore creates a pattern store over store.
func NewPatternStore(store kv.Store, logger *logging.Logger) *PatternStore {
	return &PatternStore{
		store:  store,
		logger: logging.OrNop(logger).Named("patterns"),
		now:    time.Now,
	}
}

func patternKey(service, errorType string) string {
	return patternPrefix + service + "/" + errorType
}

// GetPatterns returns the patterns recorded for a service, ordered by key.
func (s *PatternStore) GetPatterns(ctx context.Context, serviceName string) ([]models.ErrorPattern, error) {
	keys, err := s.store.Keys(ctx, patternPrefix+serviceName+"/")
	if err != nil {
		return nil, fmt.Errorf("error listing patterns for %s: %w", serviceName, err)
	}
	patterns := make([]models.ErrorPattern, 0, len(keys))
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		var p models.ErrorPattern
		if err := json.Unmarshal(data, &p); err != nil {
			s.logger.Warn(ctx, "skipping unreadable pattern", zap.String("key", key), zap.Error(err))
			continue
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// StorePattern writes p, replacing any pattern for the same service and
// error type.
func (s *PatternStore) StorePattern(ctx context.Context, p models.ErrorPattern) error {
	if p.ServiceName == "" || p.ErrorType == "" {
		return errors.New("pattern requires a service name and an error type")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("error encoding pattern: %w", err)
	}
	return s.store.Put(ctx, patternKey(p.ServiceName, p.ErrorType), data)
}

// RecordOutcome counts an occurrence of ec's error and, on success, credits
// strategyName as having resolved it.
func (s *PatternStore) RecordOutcome(ctx context.Context, ec *models.ErrorContext, strategyName string, success bool) error {
	if ec == nil {
		return fmt.Errorf("%w: error context", models.ErrNilArgument)
	}
	if ec.ServiceName == "" || ec.ErrorType == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := models.ErrorPattern{ServiceName: ec.ServiceName, ErrorType: ec.ErrorType, MessagePattern: ec.Message}
	data, err := s.store.Get(ctx, patternKey(ec.ServiceName, ec.ErrorType))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("error decoding pattern: %w", err)
		}
	case !errors.Is(err, models.ErrNotFound):
		return err
	}

	p.Occurrences++
	p.LastSeen = s.now()
	if success && strategyName != "" {
		p.SuccessfulStrategies = append(p.SuccessfulStrategies, strategyName)
	}
	return s.StorePattern(ctx, p)
}

// RecordContext appends ec to the context history of its service.
func (s *PatternStore) RecordContext(ctx context.Context, ec *models.ErrorContext) error {
	if ec == nil {
		return fmt.Errorf("%w: error context", models.ErrNilArgument)
	}
	data, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("error encoding error context: %w", err)
	}
	return s.store.Append(ctx, contextPrefix+ec.ServiceName, data)
}

// GetContexts returns the recorded contexts of a service whose timestamp
// falls within [start, end].
func (s *PatternStore) GetContexts(ctx context.Context, serviceName string, start, end time.Time) ([]models.ErrorContext, error) {
	items, err := s.store.List(ctx, contextPrefix+serviceName)
	if err != nil {
		return nil, fmt.Errorf("error reading contexts for %s: %w", serviceName, err)
	}
	var out []models.ErrorContext
	for _, item := range items {
		var ec models.ErrorContext
		if err := json.Unmarshal(item, &ec); err != nil {
			s.logger.Warn(ctx, "skipping unreadable error context", zap.String("service", serviceName), zap.Error(err))
			continue
		}
		if ec.Timestamp.Before(start) || ec.Timestamp.After(end) {
			continue
		}
		out = append(out, ec)
	}
	return out, nil
}
