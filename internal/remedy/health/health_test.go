// SPDX-License-Identifier: Apache-2.0

package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kusari-oss/remedy/internal/core/config"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/remedy/health"
	"github.com/kusari-oss/remedy/internal/testutil"
)

func TestStaticOracle(t *testing.T) {
	oracle := health.NewStaticOracle(map[string]float64{"checkout": 0.4}, 1.0, 0.7)
	ctx := context.Background()

	status, err := oracle.GetServiceHealth(ctx, "checkout")
	require.NoError(t, err)
	assert.False(t, status.IsHealthy)
	assert.Equal(t, 0.4, status.HealthScore)

	status, err = oracle.GetServiceHealth(ctx, "payments")
	require.NoError(t, err)
	assert.True(t, status.IsHealthy, "unknown services use the default score")

	oracle.Set("checkout", 0.9)
	status, err = oracle.GetServiceHealth(ctx, "checkout")
	require.NoError(t, err)
	assert.True(t, status.IsHealthy)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = oracle.GetServiceHealth(cancelled, "checkout")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticOracleFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Health.Scores = map[string]float64{"db": 0.5}
	status, err := health.NewStaticOracleFromConfig(cfg).GetServiceHealth(context.Background(), "db")
	require.NoError(t, err)
	assert.False(t, status.IsHealthy)
}

func TestBreakerOracleOpensAfterConsecutiveFailures(t *testing.T) {
	next := &testutil.MockOracle{}
	next.On("GetServiceHealth", "checkout").Return(nil, errors.New("probe failed")).Times(2)

	oracle := health.NewBreakerOracle(next, config.BreakerConfig{
		MaxRequests:         1,
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
	}, nil, nil)

	for i := 0; i < 2; i++ {
		_, err := oracle.GetServiceHealth(context.Background(), "checkout")
		require.Error(t, err)
		assert.NotErrorIs(t, err, health.ErrUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, oracle.State("checkout"))

	_, err := oracle.GetServiceHealth(context.Background(), "checkout")
	assert.ErrorIs(t, err, health.ErrUnavailable)
	next.AssertNumberOfCalls(t, "GetServiceHealth", 2)
}

func TestBreakerOraclePassesThrough(t *testing.T) {
	next := &testutil.MockOracle{}
	next.On("GetServiceHealth", mock.Anything).Return(&models.HealthStatus{IsHealthy: true, HealthScore: 0.95}, nil)

	oracle := health.NewBreakerOracle(next, config.NewDefaultConfig().Health.Breaker, nil, nil)
	status, err := oracle.GetServiceHealth(context.Background(), "payments")
	require.NoError(t, err)
	assert.True(t, status.IsHealthy)
	assert.Equal(t, gobreaker.StateClosed, oracle.State("payments"))
}
