package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wavemux/wavemux/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify wavemux configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/wavemux/config.yaml
Project-specific overrides can be placed in .wavemux.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("scheduler.tick_interval: %s\n", cfg.Scheduler.TickInterval)
	fmt.Printf("scheduler.max_concurrent_agents: %d\n", cfg.Scheduler.MaxConcurrentAgents)
	fmt.Printf("scheduler.max_wave_size: %d\n", cfg.Scheduler.MaxWaveSize)
	fmt.Printf("supervisor.heartbeat_timeout: %s\n", cfg.Supervisor.HeartbeatTimeout)
	fmt.Printf("supervisor.sweep_interval: %s\n", cfg.Supervisor.SweepInterval)
	fmt.Printf("supervisor.max_retries: %d\n", cfg.Supervisor.MaxRetries)
	fmt.Printf("supervisor.retry_backoff_initial: %s\n", cfg.Supervisor.RetryBackoffInitial)
	fmt.Printf("coordinator.wave_failure_threshold: %g\n", cfg.Coordinator.WaveFailureThreshold)
	fmt.Printf("conflict.cache_ttl: %s\n", cfg.Conflict.CacheTTL)
	fmt.Printf("impact.confidence_threshold: %g\n", cfg.Impact.ConfidenceThreshold)
	fmt.Printf("impact.oracle: %s\n", cfg.Impact.Oracle)
	fmt.Printf("impact.observe: %t\n", cfg.Impact.Observe)
	fmt.Printf("worker.command: %s\n", cfg.Worker.Command)
	fmt.Printf("worker.work_dir: %s\n", cfg.Worker.WorkDir)
	fmt.Printf("worker.heartbeat_interval_seconds: %d\n", cfg.Worker.HeartbeatIntervalSeconds)
	fmt.Printf("anthropic.api_key: %s\n", config.MaskAPIKey(cfg.Anthropic.APIKey))
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_aws_bedrock: %t\n", cfg.Anthropic.UseAWSBedrock)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "scheduler.tick_interval":
		return cfg.Scheduler.TickInterval.String(), nil
	case "scheduler.max_concurrent_agents":
		return strconv.Itoa(cfg.Scheduler.MaxConcurrentAgents), nil
	case "scheduler.max_wave_size":
		return strconv.Itoa(cfg.Scheduler.MaxWaveSize), nil
	case "supervisor.heartbeat_timeout":
		return cfg.Supervisor.HeartbeatTimeout.String(), nil
	case "supervisor.sweep_interval":
		return cfg.Supervisor.SweepInterval.String(), nil
	case "supervisor.max_retries":
		return strconv.Itoa(cfg.Supervisor.MaxRetries), nil
	case "supervisor.retry_backoff_initial":
		return cfg.Supervisor.RetryBackoffInitial.String(), nil
	case "coordinator.wave_failure_threshold":
		return strconv.FormatFloat(cfg.Coordinator.WaveFailureThreshold, 'g', -1, 64), nil
	case "conflict.cache_ttl":
		return cfg.Conflict.CacheTTL.String(), nil
	case "impact.confidence_threshold":
		return strconv.FormatFloat(cfg.Impact.ConfidenceThreshold, 'g', -1, 64), nil
	case "impact.oracle":
		return cfg.Impact.Oracle, nil
	case "impact.observe":
		return strconv.FormatBool(cfg.Impact.Observe), nil
	case "worker.command":
		return cfg.Worker.Command, nil
	case "worker.work_dir":
		return cfg.Worker.WorkDir, nil
	case "worker.heartbeat_interval_seconds":
		return strconv.Itoa(cfg.Worker.HeartbeatIntervalSeconds), nil
	case "anthropic.api_key":
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.use_aws_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseAWSBedrock), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "scheduler.tick_interval":
		return setDuration(&cfg.Scheduler.TickInterval, key, value)
	case "scheduler.max_concurrent_agents":
		return setInt(&cfg.Scheduler.MaxConcurrentAgents, key, value)
	case "scheduler.max_wave_size":
		return setInt(&cfg.Scheduler.MaxWaveSize, key, value)
	case "supervisor.heartbeat_timeout":
		return setDuration(&cfg.Supervisor.HeartbeatTimeout, key, value)
	case "supervisor.sweep_interval":
		return setDuration(&cfg.Supervisor.SweepInterval, key, value)
	case "supervisor.max_retries":
		return setInt(&cfg.Supervisor.MaxRetries, key, value)
	case "supervisor.retry_backoff_initial":
		return setDuration(&cfg.Supervisor.RetryBackoffInitial, key, value)
	case "coordinator.wave_failure_threshold":
		return setFloat(&cfg.Coordinator.WaveFailureThreshold, key, value)
	case "conflict.cache_ttl":
		return setDuration(&cfg.Conflict.CacheTTL, key, value)
	case "impact.confidence_threshold":
		return setFloat(&cfg.Impact.ConfidenceThreshold, key, value)
	case "impact.oracle":
		if value != "heuristic" && value != "claude" {
			return fmt.Errorf("impact.oracle must be 'heuristic' or 'claude'")
		}
		cfg.Impact.Oracle = value
	case "impact.observe":
		return setBool(&cfg.Impact.Observe, key, value)
	case "worker.command":
		cfg.Worker.Command = value
	case "worker.work_dir":
		cfg.Worker.WorkDir = value
	case "worker.heartbeat_interval_seconds":
		return setInt(&cfg.Worker.HeartbeatIntervalSeconds, key, value)
	case "anthropic.api_key":
		// ${VAR} references are resolved at load time, not here.
		if !strings.Contains(value, "${") {
			if err := config.ValidateAPIKey(value); err != nil {
				return err
			}
		}
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_aws_bedrock":
		return setBool(&cfg.Anthropic.UseAWSBedrock, key, value)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

func setDuration(dst *time.Duration, key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	*dst = b
	return nil
}
