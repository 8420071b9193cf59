package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the scheduling core configuration consumed by the
// surrounding gateway process. The core only reads it.
type Config struct {
	// Heartbeat configuration
	Heartbeat HeartbeatConfig `json:"heartbeat" mapstructure:"heartbeat"`

	// Cron configuration
	Cron CronConfig `json:"cron" mapstructure:"cron"`

	// Queue configuration
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// HeartbeatConfig holds the global default interval and per-agent overrides
type HeartbeatConfig struct {
	Every  Duration        `json:"every" mapstructure:"every"`
	Agents []AgentOverride `json:"agents" mapstructure:"agents"`
}

// AgentOverride overrides the heartbeat interval for a single agent
type AgentOverride struct {
	AgentID string   `json:"agent_id" mapstructure:"agent_id"`
	Every   Duration `json:"every" mapstructure:"every"`
}

// CronConfig holds cron store settings
type CronConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	StorePath string `json:"store_path" mapstructure:"store_path"`
}

// QueueConfig holds per-lane concurrency limits
type QueueConfig struct {
	Lanes map[string]int `json:"lanes" mapstructure:"lanes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
	File  string `json:"file" mapstructure:"file"`
}

// Duration is a time.Duration that marshals as a string like "30m"
type Duration time.Duration

// ToDuration returns the underlying time.Duration
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler, accepting "30m" strings or
// millisecond numbers
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value) * time.Millisecond)
	default:
		return fmt.Errorf("invalid duration value: %v", v)
	}
	return nil
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Heartbeat: HeartbeatConfig{
			Every: Duration(30 * time.Minute),
		},
		Cron: CronConfig{
			Enabled: true,
		},
		Queue: QueueConfig{
			Lanes: map[string]int{
				"main": 1,
				"cron": 5,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Heartbeat.Every <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	seen := make(map[string]bool)
	for i, override := range c.Heartbeat.Agents {
		if override.AgentID == "" {
			return fmt.Errorf("heartbeat agent override %d: agent_id is required", i)
		}
		if seen[override.AgentID] {
			return fmt.Errorf("heartbeat agent override %s: duplicate agent_id", override.AgentID)
		}
		seen[override.AgentID] = true
		if override.Every <= 0 {
			return fmt.Errorf("heartbeat agent override %s: interval must be positive", override.AgentID)
		}
	}

	for lane, limit := range c.Queue.Lanes {
		if lane == "" {
			return fmt.Errorf("queue lane name must not be empty")
		}
		if limit < 1 {
			return fmt.Errorf("queue lane %s: concurrency must be at least 1", lane)
		}
	}

	return nil
}
