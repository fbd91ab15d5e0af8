// SPDX-License-Identifier: Apache-2.0

// Package health provides the service health oracle consulted after
// remediation.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/config"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/logging"
	"github.com/kusari-oss/remedy/internal/remedy/metrics"
)

// ErrUnavailable is returned when the oracle cannot be consulted.
var ErrUnavailable = errors.New("health oracle unavailable")

// Oracle reports the health of a service.
type Oracle interface {
	GetServiceHealth(ctx context.Context, serviceName string) (*models.HealthStatus, error)
}

// StaticOracle serves configured scores. A service is healthy when its
// score reaches the threshold.
type StaticOracle struct {
	mu           sync.RWMutex
	scores       map[string]float64
	defaultScore float64
	threshold    float64
	now          func() time.Time
}

// NewStaticOracle creates a static oracle.
func NewStaticOracle(scores map[string]float64, defaultScore, threshold float64) *StaticOracle {
	o := &StaticOracle{
		scores:       make(map[string]float64, len(scores)),
		defaultScore: defaultScore,
		threshold:    threshold,
		now:          time.Now,
	}
	for k, v := range scores {
		o.scores[k] = v
	}
	return o
}

// NewStaticOracleFromConfig creates a static oracle from the health and
// validation configuration.
func NewStaticOracleFromConfig(cfg *config.Config) *StaticOracle {
	return NewStaticOracle(cfg.Health.Scores, cfg.Health.DefaultScore, cfg.Validation.MinHealthScore)
}

// Set updates the score of a service.
func (o *StaticOracle) Set(serviceName string, score float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scores[serviceName] = score
}

func (o *StaticOracle) GetServiceHealth(ctx context.Context, serviceName string) (*models.HealthStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.RLock()
	score, ok := o.scores[serviceName]
	o.mu.RUnlock()
	if !ok {
		score = o.defaultScore
	}
	return &models.HealthStatus{
		ServiceName: serviceName,
		IsHealthy:   score >= o.threshold,
		HealthScore: score,
		CheckedAt:   o.now(),
	}, nil
}

// BreakerOracle guards another oracle with one circuit breaker per service.
type BreakerOracle struct {
	next     Oracle
	settings config.BreakerConfig
	metrics  *metrics.Metrics
	logger   *logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerOracle wraps next. m may be nil.
func NewBreakerOracle(next Oracle, settings config.BreakerConfig, m *metrics.Metrics, logger *logging.Logger) *BreakerOracle {
	return &BreakerOracle{
		next:     next,
		settings: settings,
		metrics:  m,
		logger:   logging.OrNop(logger).Named("health"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (o *BreakerOracle) breaker(serviceName string) *gobreaker.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cb, ok := o.breakers[serviceName]; ok {
		return cb
	}
	threshold := o.settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = 3
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        serviceName,
		MaxRequests: o.settings.MaxRequests,
		Interval:    o.settings.Interval,
		Timeout:     o.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Info(context.Background(), "health breaker state changed",
				zap.String("service", name), zap.String("from", from.String()), zap.String("to", to.String()))
			o.metrics.BreakerStateChanged(name, from, to)
		},
	})
	o.breakers[serviceName] = cb
	return cb
}

// State returns the breaker state for a service.
func (o *BreakerOracle) State(serviceName string) gobreaker.State {
	return o.breaker(serviceName).State()
}

func (o *BreakerOracle) GetServiceHealth(ctx context.Context, serviceName string) (*models.HealthStatus, error) {
	result, err := o.breaker(serviceName).Execute(func() (interface{}, error) {
		return o.next.GetServiceHealth(ctx, serviceName)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, serviceName, err)
		}
		return nil, err
	}
	return result.(*models.HealthStatus), nil
}
