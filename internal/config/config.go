// Package config handles configuration loading and management for wavemux.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for wavemux.
type Config struct {
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Conflict    ConflictConfig    `mapstructure:"conflict"`
	Impact      ImpactConfig      `mapstructure:"impact"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Anthropic   AnthropicConfig   `mapstructure:"anthropic"`
}

// SchedulerConfig holds wave planning settings.
type SchedulerConfig struct {
	// TickInterval is the coordinator loop period.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// MaxConcurrentAgents caps how many agent processes run at once.
	MaxConcurrentAgents int `mapstructure:"max_concurrent_agents"`
	// MaxWaveSize caps a single wave; 0 means capped by agents only.
	MaxWaveSize int `mapstructure:"max_wave_size"`
}

// SupervisorConfig holds worker supervision settings.
type SupervisorConfig struct {
	// HeartbeatTimeout is the silence window before a worker counts as stuck.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// SweepInterval is how often stuck detection runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// MaxRetries bounds requeues of a failed task.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBackoffInitial seeds the exponential retry delay.
	RetryBackoffInitial time.Duration `mapstructure:"retry_backoff_initial"`
}

// CoordinatorConfig holds run lifecycle settings.
type CoordinatorConfig struct {
	// WaveFailureThreshold is the wave failure rate that fails the whole run.
	WaveFailureThreshold float64 `mapstructure:"wave_failure_threshold"`
}

// ConflictConfig holds parallelism analysis settings.
type ConflictConfig struct {
	// CacheTTL is the validity window of cached parallelism verdicts.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ImpactConfig holds file impact estimation settings.
type ImpactConfig struct {
	// ConfidenceThreshold excludes lower-confidence impacts from analysis.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	// Oracle selects the estimator: "heuristic" or "claude".
	Oracle string `mapstructure:"oracle"`
	// Observe enables the per-worker filesystem observer.
	Observe bool `mapstructure:"observe"`
}

// WorkerConfig holds agent process settings.
type WorkerConfig struct {
	// Command is the agent command spawned per task.
	Command string `mapstructure:"command"`
	// Args are passed to the agent command.
	Args []string `mapstructure:"args"`
	// WorkDir is the directory agents execute in; empty means cwd.
	WorkDir string `mapstructure:"work_dir"`
	// HeartbeatIntervalSeconds is handed to spawned agents.
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
}

// AnthropicConfig holds Anthropic API settings for the Claude impact oracle.
type AnthropicConfig struct {
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (WAVEMUX_*, ANTHROPIC_API_KEY)
// 2. Project config (.wavemux.yaml in current directory or parent)
// 3. User config (~/.config/wavemux/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load user config from XDG path
	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Environment variable overrides (WAVEMUX_SCHEDULER_TICK_INTERVAL etc.)
	v.SetEnvPrefix("WAVEMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map specific environment variables
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("scheduler.tick_interval", cfg.Scheduler.TickInterval.String())
	v.Set("scheduler.max_concurrent_agents", cfg.Scheduler.MaxConcurrentAgents)
	v.Set("scheduler.max_wave_size", cfg.Scheduler.MaxWaveSize)
	v.Set("supervisor.heartbeat_timeout", cfg.Supervisor.HeartbeatTimeout.String())
	v.Set("supervisor.sweep_interval", cfg.Supervisor.SweepInterval.String())
	v.Set("supervisor.max_retries", cfg.Supervisor.MaxRetries)
	v.Set("supervisor.retry_backoff_initial", cfg.Supervisor.RetryBackoffInitial.String())
	v.Set("coordinator.wave_failure_threshold", cfg.Coordinator.WaveFailureThreshold)
	v.Set("conflict.cache_ttl", cfg.Conflict.CacheTTL.String())
	v.Set("impact.confidence_threshold", cfg.Impact.ConfidenceThreshold)
	v.Set("impact.oracle", cfg.Impact.Oracle)
	v.Set("impact.observe", cfg.Impact.Observe)
	v.Set("worker.command", cfg.Worker.Command)
	v.Set("worker.args", cfg.Worker.Args)
	v.Set("worker.work_dir", cfg.Worker.WorkDir)
	v.Set("worker.heartbeat_interval_seconds", cfg.Worker.HeartbeatIntervalSeconds)
	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_aws_bedrock", cfg.Anthropic.UseAWSBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval", "30s")
	v.SetDefault("scheduler.max_concurrent_agents", 4)
	v.SetDefault("scheduler.max_wave_size", 0)

	// Supervisor defaults
	v.SetDefault("supervisor.heartbeat_timeout", "5m")
	v.SetDefault("supervisor.sweep_interval", "30s")
	v.SetDefault("supervisor.max_retries", 3)
	v.SetDefault("supervisor.retry_backoff_initial", "1s")

	// Coordinator defaults
	v.SetDefault("coordinator.wave_failure_threshold", 0.5)

	// Conflict analysis defaults
	v.SetDefault("conflict.cache_ttl", "1h")

	// Impact estimation defaults
	v.SetDefault("impact.confidence_threshold", 0.3)
	v.SetDefault("impact.oracle", "heuristic")
	v.SetDefault("impact.observe", true)

	// Worker defaults
	v.SetDefault("worker.command", "wavemux-agent")
	v.SetDefault("worker.heartbeat_interval_seconds", 30)

	// Anthropic defaults
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
}

// getUserConfigDir returns the XDG config directory for wavemux.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "wavemux")
	}

	// Fall back to ~/.config/wavemux
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "wavemux")
	}
	return filepath.Join(home, ".config", "wavemux")
}

// findProjectConfig searches for .wavemux.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".wavemux.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// ErrNoAPIKey means no Anthropic API key could be resolved from the
// environment or the loaded configuration.
var ErrNoAPIKey = errors.New("anthropic API key not configured")

// GetAPIKey resolves the Anthropic API key for the Claude oracle.
// ANTHROPIC_API_KEY in the environment wins over the config value; ${VAR}
// references in the config value are expanded, and one that resolves to
// nothing counts as unset.
func GetAPIKey(cfg *Config) (string, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}
	if cfg == nil || cfg.Anthropic.APIKey == "" {
		return "", ErrNoAPIKey
	}
	if key := expandEnv(cfg.Anthropic.APIKey); key != "" {
		return key, nil
	}
	return "", ErrNoAPIKey
}

// ValidateAPIKey checks the shape of a key without calling the API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("API key must start with sk-ant-")
	}
	if len(key) < 20 {
		return errors.New("API key is too short")
	}
	return nil
}

// MaskAPIKey renders a key for display without leaking it.
func MaskAPIKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 15:
		return "***"
	default:
		return key[:7] + "..." + key[len(key)-4:]
	}
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			TickInterval:        30 * time.Second,
			MaxConcurrentAgents: 4,
			MaxWaveSize:         0,
		},
		Supervisor: SupervisorConfig{
			HeartbeatTimeout:    5 * time.Minute,
			SweepInterval:       30 * time.Second,
			MaxRetries:          3,
			RetryBackoffInitial: time.Second,
		},
		Coordinator: CoordinatorConfig{
			WaveFailureThreshold: 0.5,
		},
		Conflict: ConflictConfig{
			CacheTTL: time.Hour,
		},
		Impact: ImpactConfig{
			ConfidenceThreshold: 0.3,
			Oracle:              "heuristic",
			Observe:             true,
		},
		Worker: WorkerConfig{
			Command:                  "wavemux-agent",
			HeartbeatIntervalSeconds: 30,
		},
		Anthropic: AnthropicConfig{
			APIKey: "",
			Model:  "claude-sonnet-4-20250514",
		},
	}
}
