package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global OpenPortal configuration.
type Config struct {
	// RootDir is the base directory for persistent data (registry document
	// and per-sandbox workspaces).
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// PoolSize bounds concurrent sandbox operations during sweeps.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`

	// ProvisionTimeoutSeconds bounds a single container provision, including
	// the wait for the agent endpoint to come up.
	ProvisionTimeoutSeconds int `json:"provision_timeout_seconds" mapstructure:"provision_timeout_seconds"`
	// StopTimeoutSeconds bounds the graceful window of a container stop.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`
	// MaxLifetimeSeconds is how long a sandbox may keep running before the
	// sweep stops it. Zero disables lifetime enforcement.
	MaxLifetimeSeconds int `json:"max_lifetime_seconds" mapstructure:"max_lifetime_seconds"`
	// SweepIntervalSeconds is the period of the housekeeping sweep loop.
	SweepIntervalSeconds int `json:"sweep_interval_seconds" mapstructure:"sweep_interval_seconds"`

	Docker DockerConfig `json:"docker" mapstructure:"docker"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DockerConfig holds the Docker-backed gateway settings.
type DockerConfig struct {
	// Host is the daemon address. Empty means DOCKER_HOST / default socket.
	Host string `json:"host" mapstructure:"host"`
	// Image is the agent container image every sandbox runs.
	Image string `json:"image" mapstructure:"image"`
	// AgentPort is the port the agent process listens on inside the container.
	AgentPort int `json:"agent_port" mapstructure:"agent_port"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:                 "/var/lib/openportal",
		PoolSize:                runtime.NumCPU(),
		ProvisionTimeoutSeconds: 60,
		StopTimeoutSeconds:      30,
		MaxLifetimeSeconds:      86400,
		SweepIntervalSeconds:    300,
		Docker: DockerConfig{
			Image:     "openportal/agent:latest",
			AgentPort: 4096,
		},
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	return conf, nil
}

// ProvisionTimeout returns the provision bound as a duration.
func (c *Config) ProvisionTimeout() time.Duration {
	return time.Duration(c.ProvisionTimeoutSeconds) * time.Second
}

// StopTimeout returns the graceful stop window as a duration.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// MaxLifetime returns the running-sandbox lifetime cap as a duration.
func (c *Config) MaxLifetime() time.Duration {
	return time.Duration(c.MaxLifetimeSeconds) * time.Second
}

// SweepInterval returns the sweep loop period as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
