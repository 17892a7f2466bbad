package model

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Health   HealthConfig   `yaml:"health"`
	Retry    RetryDefaults  `yaml:"retry"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type EngineConfig struct {
	MaxConcurrent      int `yaml:"max_concurrent"`
	PollIntervalMs     int `yaml:"poll_interval_ms"`
	IdleMaxIntervalMs  int `yaml:"idle_max_interval_ms"`
	TaskTimeoutSec     int `yaml:"task_timeout_sec"`
	GracePeriodSec     int `yaml:"grace_period_sec"`
	BreakerThreshold   int `yaml:"breaker_threshold"`
	BreakerCooldownSec int `yaml:"breaker_cooldown_sec"`
}

type HealthConfig struct {
	SampleIntervalSec int     `yaml:"sample_interval_sec"`
	QueueWaitWarnSec  float64 `yaml:"queue_wait_warn_sec"`
	QueueWaitCritSec  float64 `yaml:"queue_wait_crit_sec"`
	FailureRateWarn   float64 `yaml:"failure_rate_warn"`
	FailureRateCrit   float64 `yaml:"failure_rate_crit"`
	HeartbeatStaleSec int     `yaml:"heartbeat_stale_sec"`
}

type RetryDefaults struct {
	MaxRetries         int  `yaml:"max_retries"`
	RetryDelayMs       int  `yaml:"retry_delay_ms"`
	ExponentialBackoff bool `yaml:"exponential_backoff"`
}

type PipelineConfig struct {
	MaxStageRetries int     `yaml:"max_stage_retries"`
	PollIntervalMs  int     `yaml:"poll_interval_ms"`
	CostBudget      float64 `yaml:"cost_budget"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	SocketPath         string `yaml:"socket_path"`
	AuditLogPath       string `yaml:"audit_log_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a config with every knob at its default.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields in place.
func (c *Config) ApplyDefaults() {
	if c.Engine.MaxConcurrent <= 0 {
		c.Engine.MaxConcurrent = 4
	}
	if c.Engine.PollIntervalMs <= 0 {
		c.Engine.PollIntervalMs = 100
	}
	if c.Engine.IdleMaxIntervalMs <= 0 {
		c.Engine.IdleMaxIntervalMs = 2000
	}
	if c.Engine.TaskTimeoutSec <= 0 {
		c.Engine.TaskTimeoutSec = 300
	}
	if c.Engine.GracePeriodSec <= 0 {
		c.Engine.GracePeriodSec = 10
	}
	if c.Engine.BreakerThreshold <= 0 {
		c.Engine.BreakerThreshold = 5
	}
	if c.Engine.BreakerCooldownSec <= 0 {
		c.Engine.BreakerCooldownSec = 30
	}
	if c.Health.SampleIntervalSec <= 0 {
		c.Health.SampleIntervalSec = 5
	}
	if c.Health.QueueWaitWarnSec <= 0 {
		c.Health.QueueWaitWarnSec = 30
	}
	if c.Health.QueueWaitCritSec <= 0 {
		c.Health.QueueWaitCritSec = 120
	}
	if c.Health.FailureRateWarn <= 0 {
		c.Health.FailureRateWarn = 0.2
	}
	if c.Health.FailureRateCrit <= 0 {
		c.Health.FailureRateCrit = 0.5
	}
	if c.Health.HeartbeatStaleSec <= 0 {
		c.Health.HeartbeatStaleSec = 60
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Retry.RetryDelayMs <= 0 {
		c.Retry.RetryDelayMs = 1000
	}
	if c.Pipeline.MaxStageRetries <= 0 {
		c.Pipeline.MaxStageRetries = 2
	}
	if c.Pipeline.PollIntervalMs <= 0 {
		c.Pipeline.PollIntervalMs = 50
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 15
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// LoadConfig reads a YAML config file and applies defaults. A missing file is
// not an error: defaults are returned.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Derived durations.

func (c EngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c EngineConfig) IdleMaxInterval() time.Duration {
	return time.Duration(c.IdleMaxIntervalMs) * time.Millisecond
}

func (c EngineConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSec) * time.Second
}

func (c EngineConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSec) * time.Second
}

func (c RetryDefaults) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c PipelineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
