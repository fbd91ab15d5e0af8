// SPDX-License-Identifier: Apache-2.0

// Package config loads the remedy configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kusari-oss/remedy/internal/core/kv"
	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/logging"
)

const (
	DefaultConfigDir      = ".remedy"
	DefaultConfigFileName = "config.yaml"
	DefaultStrategiesDir  = "strategies"
	DefaultTemplatesDir   = "templates"

	// HomeEnv overrides the home directory, mainly for tests.
	HomeEnv = "REMEDY_HOME"
)

// Config holds the application configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Validation ValidationConfig `yaml:"validation"`
	Health     HealthConfig     `yaml:"health"`
	Store      StoreConfig      `yaml:"store"`
	Logging    logging.Config   `yaml:"logging"`
	Strategies StrategiesConfig `yaml:"strategies"`
}

// EngineConfig tunes plan execution.
type EngineConfig struct {
	MaxConcurrentPlans int           `yaml:"max_concurrent_plans"`
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`
	DefaultRetryDelay  time.Duration `yaml:"default_retry_delay"`
	// Backoff is "constant" or "exponential".
	Backoff    string        `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// ActionRateLimit is the number of action attempts per second across
	// all plans. Zero disables limiting.
	ActionRateLimit   float64          `yaml:"action_rate_limit"`
	ActionBurst       int              `yaml:"action_burst"`
	MaxRiskLevel      models.RiskLevel `yaml:"max_risk_level"`
	RollbackOnFailure bool             `yaml:"rollback_on_failure"`
	// Parallel lets new plans run dependency-free steps concurrently.
	Parallel bool `yaml:"parallel"`
	// EscalateOnOptionalFailure raises a plan's post-execution risk once
	// per failed optional step.
	EscalateOnOptionalFailure bool   `yaml:"escalate_on_optional_failure"`
	WorkingDir                string `yaml:"working_dir,omitempty"`
}

// ValidationConfig holds the data-driven validation rules.
type ValidationConfig struct {
	// StepTypes maps each allowed step (action) type to its required parameters.
	StepTypes map[string][]string `yaml:"step_types"`
	// StrategyTypes maps each allowed strategy type to its required parameters.
	StrategyTypes map[string][]string `yaml:"strategy_types"`
	// Schemas optionally attaches a JSON schema to a step type.
	Schemas        map[string]map[string]interface{} `yaml:"schemas,omitempty"`
	MinHealthScore float64                           `yaml:"min_health_score"`
	RequireHealthy bool                              `yaml:"require_healthy"`
}

// HealthConfig configures the health oracle and its circuit breaker.
type HealthConfig struct {
	// Scores are static health scores per service, used by the static oracle.
	Scores       map[string]float64 `yaml:"scores,omitempty"`
	DefaultScore float64            `yaml:"default_score"`
	Breaker      BreakerConfig      `yaml:"breaker"`
}

// BreakerConfig mirrors gobreaker.Settings.
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// StoreConfig selects the tracker and pattern store backend.
type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string         `yaml:"backend"`
	Redis   kv.RedisConfig `yaml:"redis"`
}

// StrategiesConfig locates strategy catalogs.
type StrategiesConfig struct {
	// Dirs are additional catalog directories, searched after local and global.
	Dirs         []string `yaml:"dirs,omitempty"`
	LocalDir     string   `yaml:"local_dir"`
	GlobalDir    string   `yaml:"global_dir"`
	UseLocal     bool     `yaml:"use_local"`
	UseGlobal    bool     `yaml:"use_global"`
	GlobalFirst  bool     `yaml:"global_first"`
	UseEmbedded  bool     `yaml:"use_embedded"`
	TemplatesDir string   `yaml:"templates_dir"`
}

// NewDefaultConfig creates a default configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentPlans: 8,
			DefaultStepTimeout: 5 * time.Minute,
			DefaultRetryDelay:  2 * time.Second,
			Backoff:            "constant",
			MaxBackoff:         time.Minute,
			ActionRateLimit:    0,
			ActionBurst:        1,
			MaxRiskLevel:       models.RiskCritical,
			RollbackOnFailure:  true,
		},
		Validation: ValidationConfig{
			StepTypes: map[string][]string{
				string(models.ActionTypeCLI):  {"command"},
				string(models.ActionTypeFile): {"target_path"},
				string(models.ActionTypeNoop): {},
			},
			StrategyTypes: map[string][]string{
				"restart":    {"service"},
				"scaling":    {"service"},
				"cache":      {},
				"connection": {"service"},
				"diagnostic": {},
				"custom":     {},
			},
			MinHealthScore: 0.7,
			RequireHealthy: true,
		},
		Health: HealthConfig{
			DefaultScore: 1.0,
			Breaker: BreakerConfig{
				MaxRequests:         1,
				Interval:            time.Minute,
				Timeout:             30 * time.Second,
				ConsecutiveFailures: 3,
			},
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: kv.RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "remedy:",
			},
		},
		Logging: *logging.NewDefaultConfig(),
		Strategies: StrategiesConfig{
			LocalDir:     filepath.Join(DefaultConfigDir, DefaultStrategiesDir),
			GlobalDir:    filepath.Join("~", DefaultConfigDir, DefaultStrategiesDir),
			UseLocal:     true,
			UseGlobal:    true,
			GlobalFirst:  false,
			UseEmbedded:  true,
			TemplatesDir: filepath.Join(DefaultConfigDir, DefaultTemplatesDir),
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MaxConcurrentPlans < 1 {
		errs = append(errs, errors.New("engine.max_concurrent_plans must be at least 1"))
	}
	switch c.Engine.Backoff {
	case "constant", "exponential":
	default:
		errs = append(errs, fmt.Errorf("engine.backoff must be constant or exponential, got %q", c.Engine.Backoff))
	}
	if c.Engine.ActionRateLimit < 0 {
		errs = append(errs, errors.New("engine.action_rate_limit must not be negative"))
	}
	if c.Validation.MinHealthScore < 0 || c.Validation.MinHealthScore > 1 {
		errs = append(errs, errors.New("validation.min_health_score must be between 0 and 1"))
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Address == "" {
			errs = append(errs, errors.New("store.redis.address is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ExpandPathWithTilde expands ~ to the user home directory.
// It respects the REMEDY_HOME environment variable.
func ExpandPathWithTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home := getHomeDir()
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

func getHomeDir() string {
	if home := os.Getenv(HomeEnv); home != "" {
		return home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// GlobalConfigFilePath returns the path of the global config file.
func GlobalConfigFilePath() (string, error) {
	home := getHomeDir()
	if home == "" {
		return "", errors.New("could not determine home directory")
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFileName), nil
}

// LoadConfig loads the configuration. It starts with the defaults, then
// applies the global config file (or globalConfigPathOverride when set),
// then the project config in projectDir when projectDir is not empty.
// Missing files are skipped.
func LoadConfig(projectDir, globalConfigPathOverride string) (*Config, error) {
	cfg := NewDefaultConfig()

	globalPath := ExpandPathWithTilde(globalConfigPathOverride)
	if globalPath == "" {
		var err error
		if globalPath, err = GlobalConfigFilePath(); err != nil {
			globalPath = ""
		}
	}

	paths := []string{globalPath}
	if projectDir != "" {
		paths = append(paths, filepath.Join(projectDir, DefaultConfigDir, DefaultConfigFileName))
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := applyConfigFile(cfg, path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
	}

	cfg.Strategies.GlobalDir = ExpandPathWithTilde(cfg.Strategies.GlobalDir)
	for i, dir := range cfg.Strategies.Dirs {
		cfg.Strategies.Dirs[i] = ExpandPathWithTilde(dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile loads a configuration file on top of the defaults.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config file path cannot be empty")
	}
	cfg := NewDefaultConfig()
	if err := applyConfigFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyConfigFile decodes path over cfg; fields absent from the file keep
// their current values.
func applyConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	return nil
}

// SaveConfig writes the configuration into dir/.remedy/config.yaml.
func SaveConfig(cfg *Config, dir string) error {
	return writeConfig(cfg, filepath.Join(dir, DefaultConfigDir, DefaultConfigFileName))
}

// SaveGlobalConfig writes the configuration to the global config path.
func SaveGlobalConfig(cfg *Config) error {
	path, err := GlobalConfigFilePath()
	if err != nil {
		return fmt.Errorf("could not determine global config path for saving: %w", err)
	}
	return writeConfig(cfg, path)
}

func writeConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory '%s': %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing config file '%s': %w", path, err)
	}
	return nil
}

// StrategyDirs returns the catalog directories in search order, relative
// paths resolved against projectDir.
func (c *Config) StrategyDirs(projectDir string) []string {
	local := c.Strategies.LocalDir
	if local != "" && !filepath.IsAbs(local) {
		local = filepath.Join(projectDir, local)
	}
	global := ExpandPathWithTilde(c.Strategies.GlobalDir)

	var dirs []string
	switch {
	case c.Strategies.UseLocal && c.Strategies.UseGlobal && c.Strategies.GlobalFirst:
		dirs = append(dirs, global, local)
	case c.Strategies.UseLocal && c.Strategies.UseGlobal:
		dirs = append(dirs, local, global)
	case c.Strategies.UseLocal:
		dirs = append(dirs, local)
	case c.Strategies.UseGlobal:
		dirs = append(dirs, global)
	}
	dirs = append(dirs, c.Strategies.Dirs...)

	out := dirs[:0]
	for _, d := range dirs {
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
