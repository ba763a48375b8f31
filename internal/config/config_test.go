package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Scheduler.TickInterval != 30*time.Second {
		t.Errorf("expected tick interval 30s, got %v", cfg.Scheduler.TickInterval)
	}

	if cfg.Scheduler.MaxConcurrentAgents != 4 {
		t.Errorf("expected max_concurrent_agents 4, got %d", cfg.Scheduler.MaxConcurrentAgents)
	}

	if cfg.Scheduler.MaxWaveSize != 0 {
		t.Errorf("expected max_wave_size 0, got %d", cfg.Scheduler.MaxWaveSize)
	}

	if cfg.Supervisor.HeartbeatTimeout != 5*time.Minute {
		t.Errorf("expected heartbeat timeout 5m, got %v", cfg.Supervisor.HeartbeatTimeout)
	}

	if cfg.Supervisor.MaxRetries != 3 {
		t.Errorf("expected max_retries 3, got %d", cfg.Supervisor.MaxRetries)
	}

	if cfg.Coordinator.WaveFailureThreshold != 0.5 {
		t.Errorf("expected wave failure threshold 0.5, got %v", cfg.Coordinator.WaveFailureThreshold)
	}

	if cfg.Conflict.CacheTTL != time.Hour {
		t.Errorf("expected cache TTL 1h, got %v", cfg.Conflict.CacheTTL)
	}

	if cfg.Impact.ConfidenceThreshold != 0.3 {
		t.Errorf("expected confidence threshold 0.3, got %v", cfg.Impact.ConfidenceThreshold)
	}

	if cfg.Impact.Oracle != "heuristic" {
		t.Errorf("expected oracle 'heuristic', got %q", cfg.Impact.Oracle)
	}

	if !cfg.Impact.Observe {
		t.Error("expected impact.observe to be true")
	}
}

func TestLoadFromPath(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
scheduler:
  tick_interval: 10s
  max_concurrent_agents: 8
  max_wave_size: 6
supervisor:
  heartbeat_timeout: 2m
  max_retries: 5
coordinator:
  wave_failure_threshold: 0.75
impact:
  oracle: claude
  confidence_threshold: 0.5
anthropic:
  api_key: test-key
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Scheduler.TickInterval != 10*time.Second {
		t.Errorf("expected tick interval 10s, got %v", cfg.Scheduler.TickInterval)
	}

	if cfg.Scheduler.MaxConcurrentAgents != 8 {
		t.Errorf("expected max_concurrent_agents 8, got %d", cfg.Scheduler.MaxConcurrentAgents)
	}

	if cfg.Scheduler.MaxWaveSize != 6 {
		t.Errorf("expected max_wave_size 6, got %d", cfg.Scheduler.MaxWaveSize)
	}

	if cfg.Supervisor.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("expected heartbeat timeout 2m, got %v", cfg.Supervisor.HeartbeatTimeout)
	}

	if cfg.Supervisor.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", cfg.Supervisor.MaxRetries)
	}

	if cfg.Coordinator.WaveFailureThreshold != 0.75 {
		t.Errorf("expected wave failure threshold 0.75, got %v", cfg.Coordinator.WaveFailureThreshold)
	}

	if cfg.Impact.Oracle != "claude" {
		t.Errorf("expected oracle 'claude', got %q", cfg.Impact.Oracle)
	}

	if cfg.Impact.ConfidenceThreshold != 0.5 {
		t.Errorf("expected confidence threshold 0.5, got %v", cfg.Impact.ConfidenceThreshold)
	}

	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("expected api_key 'test-key', got %q", cfg.Anthropic.APIKey)
	}

	// Unset keys keep their defaults
	if cfg.Supervisor.SweepInterval != 30*time.Second {
		t.Errorf("expected default sweep interval 30s, got %v", cfg.Supervisor.SweepInterval)
	}

	if cfg.Conflict.CacheTTL != time.Hour {
		t.Errorf("expected default cache TTL 1h, got %v", cfg.Conflict.CacheTTL)
	}
}

func TestExpandEnv(t *testing.T) {
	// Set environment variable
	os.Setenv("TEST_VAR", "expanded-value")
	defer os.Unsetenv("TEST_VAR")

	result := expandEnv("${TEST_VAR}")
	if result != "expanded-value" {
		t.Errorf("expected 'expanded-value', got %q", result)
	}

	result = expandEnv("prefix-${TEST_VAR}-suffix")
	if result != "prefix-expanded-value-suffix" {
		t.Errorf("expected 'prefix-expanded-value-suffix', got %q", result)
	}
}

func TestGetAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := Default()
	if _, err := GetAPIKey(cfg); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey with nothing configured, got %v", err)
	}

	cfg.Anthropic.APIKey = "sk-ant-REDACTED"
	key, err := GetAPIKey(cfg)
	if err != nil {
		t.Fatalf("config key: %v", err)
	}
	if key != "sk-ant-REDACTED" {
		t.Errorf("key = %q, want config value", key)
	}

	// Environment wins over the config file.
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env-0123456789")
	key, err = GetAPIKey(cfg)
	if err != nil {
		t.Fatalf("env key: %v", err)
	}
	if key != "sk-ant-from-env-0123456789" {
		t.Errorf("key = %q, want env value", key)
	}

	// A ${VAR} reference that resolves to nothing counts as unset.
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg.Anthropic.APIKey = "${WAVEMUX_TEST_MISSING_KEY}"
	if _, err := GetAPIKey(cfg); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey for dangling reference, got %v", err)
	}
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"well formed", "sk-ant-REDACTED", false},
		{"empty", "", true},
		{"wrong prefix", "sk-other-12345678901234567890", true},
		{"too short", "sk-ant-xyz", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateAPIKey(tt.key); (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey(%q) = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	if got := MaskAPIKey(""); got != "(not set)" {
		t.Errorf("empty key masked as %q", got)
	}
	if got := MaskAPIKey("sk-ant-short"); got != "***" {
		t.Errorf("short key masked as %q", got)
	}
	if got := MaskAPIKey("sk-ant-REDACTED"); got != "sk-ant-...wxyz" {
		t.Errorf("long key masked as %q", got)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	// Test with XDG_CONFIG_HOME set
	os.Setenv("XDG_CONFIG_HOME", "/custom/config")
	defer os.Unsetenv("XDG_CONFIG_HOME")

	dir := getUserConfigDir()
	expected := "/custom/config/wavemux"
	if dir != expected {
		t.Errorf("expected %q, got %q", expected, dir)
	}
}
