// SPDX-License-Identifier: Apache-2.0

package strategy_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/logging"
	"github.com/kusari-oss/remedy/internal/remedy/strategy"
	"github.com/kusari-oss/remedy/internal/testutil"
)

func names(candidates []strategy.Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Strategy.Metadata().Name)
	}
	return out
}

func TestRegistryRegister(t *testing.T) {
	reg := strategy.NewRegistry(nil)

	require.NoError(t, reg.Register(testutil.NewMockStrategy("restart", "1.0.0", models.PriorityMedium)))
	assert.Error(t, reg.Register(testutil.NewMockStrategy("restart", "v1.0.0", models.PriorityMedium)), "same version with prefix is a duplicate")
	assert.Error(t, reg.Register(testutil.NewMockStrategy("restart", "one", models.PriorityMedium)))
	assert.Error(t, reg.Register(testutil.NewMockStrategy("", "1.0.0", models.PriorityMedium)))
	assert.ErrorIs(t, reg.Register(nil), models.ErrNilArgument)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryVersions(t *testing.T) {
	reg := strategy.NewRegistry(nil)
	for _, v := range []string{"1.2.0", "1.10.0", "1.9.3"} {
		require.NoError(t, reg.Register(testutil.NewMockStrategy("scale", v, models.PriorityLow)))
	}

	latest, err := reg.GetLatestVersion("scale")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest.Metadata().Version, "versions compare semantically, not lexically")

	_, err = reg.GetLatestVersion("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	meta, err := reg.GetMetadata("scale", "v1.9.3")
	require.NoError(t, err)
	assert.Equal(t, "1.9.3", meta.Version)

	s, err := reg.Get("scale", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", s.Metadata().Version)

	require.NoError(t, reg.Unregister("scale", "1.10.0"))
	latest, err = reg.GetLatestVersion("scale")
	require.NoError(t, err)
	assert.Equal(t, "1.9.3", latest.Metadata().Version)

	assert.ErrorIs(t, reg.Unregister("scale", "1.10.0"), models.ErrNotFound)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "1.2.0", list[0].Version)
	assert.Equal(t, "1.9.3", list[1].Version)
}

func TestGetStrategiesForError(t *testing.T) {
	ec := &models.ErrorContext{ID: "e1", ErrorType: "OutOfMemoryError"}

	t.Run("OrderedByPriorityThenRegistration", func(t *testing.T) {
		reg := strategy.NewRegistry(nil)
		require.NoError(t, reg.Register(testutil.NewMockStrategy("a-medium", "1.0.0", models.PriorityMedium)))
		require.NoError(t, reg.Register(testutil.NewMockStrategy("b-high", "1.0.0", models.PriorityHigh)))
		require.NoError(t, reg.Register(testutil.NewMockStrategy("c-medium", "1.0.0", models.PriorityMedium)))
		require.NoError(t, reg.Register(testutil.NewMockStrategy("d-critical", "1.0.0", models.PriorityCritical)))
		require.NoError(t, reg.Register(testutil.NewMockStrategy("e-high", "1.0.0", models.PriorityHigh)))

		for i := 0; i < 10; i++ {
			got, err := reg.GetStrategiesForError(context.Background(), ec)
			require.NoError(t, err)
			assert.Equal(t, []string{"d-critical", "b-high", "e-high", "a-medium", "c-medium"}, names(got))
		}
	})

	t.Run("SkipsInapplicableAndFailingStrategies", func(t *testing.T) {
		logger := logging.NewTestLogger()
		reg := strategy.NewRegistry(logger.Logger)

		no := testutil.NewMockStrategy("no", "1.0.0", models.PriorityHigh)
		no.Handles = false
		broken := testutil.NewMockStrategy("broken", "1.0.0", models.PriorityHigh)
		broken.HandleErr = errors.New("boom")
		require.NoError(t, reg.Register(no))
		require.NoError(t, reg.Register(broken))
		require.NoError(t, reg.Register(testutil.NewMockStrategy("yes", "1.0.0", models.PriorityLow)))

		got, err := reg.GetStrategiesForError(context.Background(), ec)
		require.NoError(t, err)
		assert.Equal(t, []string{"yes"}, names(got))
		logger.AssertLogged(t, zapcore.WarnLevel, "strategy applicability check failed")
	})

	t.Run("OnlyLatestVersion", func(t *testing.T) {
		reg := strategy.NewRegistry(nil)
		require.NoError(t, reg.Register(testutil.NewMockStrategy("restart", "2.0.0", models.PriorityLow)))
		require.NoError(t, reg.Register(testutil.NewMockStrategy("restart", "1.0.0", models.PriorityCritical)))

		got, err := reg.GetStrategiesForError(context.Background(), ec)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "2.0.0", got[0].Strategy.Metadata().Version)
	})

	t.Run("NilContext", func(t *testing.T) {
		_, err := strategy.NewRegistry(nil).GetStrategiesForError(context.Background(), nil)
		assert.ErrorIs(t, err, models.ErrNilArgument)
	})
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := strategy.NewRegistry(nil)
	ec := &models.ErrorContext{ID: "e1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, reg.Register(testutil.NewMockStrategy(fmt.Sprintf("s%d", i), "1.0.0", models.PriorityMedium)))
		}(i)
		go func() {
			defer wg.Done()
			_, err := reg.GetStrategiesForError(context.Background(), ec)
			assert.NoError(t, err)
			_ = reg.List()
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, reg.Len())
}

func TestFilterByLabels(t *testing.T) {
	reg := strategy.NewRegistry(nil)
	k8s := testutil.NewMockStrategy("k8s-restart", "1.0.0", models.PriorityMedium)
	k8s.Meta.Labels = map[string][]string{"platform": {"kubernetes"}, "tier": {"web", "api"}}
	vm := testutil.NewMockStrategy("vm-restart", "1.0.0", models.PriorityMedium)
	vm.Meta.Labels = map[string][]string{"platform": {"vm"}}
	require.NoError(t, reg.Register(k8s))
	require.NoError(t, reg.Register(vm))

	got := reg.Filter(map[string][]string{"platform": {"kubernetes"}, "tier": {"api"}})
	require.Len(t, got, 1)
	assert.Equal(t, "k8s-restart", got[0].Name)

	assert.Empty(t, reg.Filter(map[string][]string{"region": {"eu"}}))
	assert.Len(t, reg.Filter(nil), 2)
}
