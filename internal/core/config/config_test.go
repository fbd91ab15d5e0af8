// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kusari-oss/remedy/internal/core/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestNewDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, models.RiskCritical, cfg.Engine.MaxRiskLevel)
	assert.Contains(t, cfg.Validation.StepTypes, "cli")
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoadConfig_Prioritization(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	t.Run("DefaultsWhenNoFiles", func(t *testing.T) {
		cfg, err := LoadConfig("", "")
		require.NoError(t, err)
		assert.Equal(t, NewDefaultConfig().Engine, cfg.Engine)
		assert.Equal(t, filepath.Join(home, DefaultConfigDir, DefaultStrategiesDir), cfg.Strategies.GlobalDir)
	})

	globalPath := filepath.Join(home, DefaultConfigDir, DefaultConfigFileName)
	writeFile(t, globalPath, `
engine:
  max_concurrent_plans: 2
  default_retry_delay: 500ms
  max_risk_level: high
  parallel: true
  escalate_on_optional_failure: true
store:
  backend: redis
  redis:
    address: redis:6379
`)

	t.Run("GlobalOverridesDefaults", func(t *testing.T) {
		cfg, err := LoadConfig("", "")
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Engine.MaxConcurrentPlans)
		assert.Equal(t, 500*time.Millisecond, cfg.Engine.DefaultRetryDelay)
		assert.Equal(t, models.RiskHigh, cfg.Engine.MaxRiskLevel)
		assert.True(t, cfg.Engine.Parallel)
		assert.True(t, cfg.Engine.EscalateOnOptionalFailure)
		assert.True(t, cfg.Engine.RollbackOnFailure)
		assert.Equal(t, "redis:6379", cfg.Store.Redis.Address)
		assert.Equal(t, "remedy:", cfg.Store.Redis.KeyPrefix, "unset nested fields keep their defaults")
		assert.Equal(t, 5*time.Minute, cfg.Engine.DefaultStepTimeout)
	})

	t.Run("ProjectOverridesGlobal", func(t *testing.T) {
		project := t.TempDir()
		writeFile(t, filepath.Join(project, DefaultConfigDir, DefaultConfigFileName), `
engine:
  max_concurrent_plans: 4
`)
		cfg, err := LoadConfig(project, "")
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Engine.MaxConcurrentPlans)
		assert.Equal(t, models.RiskHigh, cfg.Engine.MaxRiskLevel)
	})

	t.Run("OverridePath", func(t *testing.T) {
		custom := filepath.Join(t.TempDir(), "custom.yaml")
		writeFile(t, custom, "engine:\n  backoff: exponential\n")
		cfg, err := LoadConfig("", custom)
		require.NoError(t, err)
		assert.Equal(t, "exponential", cfg.Engine.Backoff)
		assert.Equal(t, 8, cfg.Engine.MaxConcurrentPlans, "the default global file is not read when overridden")
	})

	t.Run("InvalidValues", func(t *testing.T) {
		custom := filepath.Join(t.TempDir(), "bad.yaml")
		writeFile(t, custom, "engine:\n  backoff: fibonacci\n")
		_, err := LoadConfig("", custom)
		assert.ErrorContains(t, err, "engine.backoff")
	})

	t.Run("MalformedFile", func(t *testing.T) {
		custom := filepath.Join(t.TempDir(), "broken.yaml")
		writeFile(t, custom, "engine: [\n")
		_, err := LoadConfig("", custom)
		assert.ErrorContains(t, err, "error parsing config file")
	})
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.Engine.ActionRateLimit = 5
	cfg.Validation.StepTypes["kubectl"] = []string{"namespace"}
	require.NoError(t, SaveConfig(cfg, dir))

	loaded, err := LoadConfigFile(filepath.Join(dir, DefaultConfigDir, DefaultConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, 5.0, loaded.Engine.ActionRateLimit)
	assert.Equal(t, []string{"namespace"}, loaded.Validation.StepTypes["kubectl"])
}

func TestExpandPathWithTilde(t *testing.T) {
	t.Setenv(HomeEnv, "/home/remedy")
	assert.Equal(t, "/home/remedy", ExpandPathWithTilde("~"))
	assert.Equal(t, "/home/remedy/x/y", ExpandPathWithTilde("~/x/y"))
	assert.Equal(t, "/abs", ExpandPathWithTilde("/abs"))
	assert.Equal(t, "~other", ExpandPathWithTilde("~other"))
}

func TestStrategyDirs(t *testing.T) {
	t.Setenv(HomeEnv, "/home/remedy")
	cfg := NewDefaultConfig()
	cfg.Strategies.Dirs = []string{"/opt/strategies"}

	assert.Equal(t, []string{
		"/work/.remedy/strategies",
		"/home/remedy/.remedy/strategies",
		"/opt/strategies",
	}, cfg.StrategyDirs("/work"))

	cfg.Strategies.GlobalFirst = true
	assert.Equal(t, "/home/remedy/.remedy/strategies", cfg.StrategyDirs("/work")[0])

	cfg.Strategies.UseGlobal = false
	assert.Equal(t, []string{"/work/.remedy/strategies", "/opt/strategies"}, cfg.StrategyDirs("/work"))
}
