// Package config handles Kennel configuration using Viper.
//
// Configuration sources (in priority order):
//  1. Environment variables (KENNEL_*)
//  2. Config file (~/.config/kennel/config.yaml)
//  3. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kennel-dev/kennel/internal/paths"
)

const (
	// DefaultSnapshotInterval is how often live terminals are persisted.
	DefaultSnapshotInterval = 30 * time.Second
	// DefaultUsageCheckInterval is how often proactive usage checks run.
	DefaultUsageCheckInterval = 5 * time.Minute
	// DefaultSessionThreshold is the proactive-switch threshold (percent) for session limits.
	DefaultSessionThreshold = 80
	// DefaultWeeklyThreshold is the proactive-switch threshold (percent) for weekly limits.
	DefaultWeeklyThreshold = 90
)

// AutoSwitchSettings is the process-wide profile failover policy.
type AutoSwitchSettings struct {
	// Enabled turns proactive switch consideration on.
	Enabled bool
	// SessionThreshold is the usage percentage (0-100) at which a
	// session-scoped limit makes a terminal a switch candidate.
	SessionThreshold int
	// WeeklyThreshold is the usage percentage (0-100) at which a
	// weekly-scoped limit makes a terminal a switch candidate.
	WeeklyThreshold int
	// OnRateLimit switches without prompting when a rate limit is hit.
	OnRateLimit bool
	// UsageCheckInterval is how often usage thresholds are evaluated.
	UsageCheckInterval time.Duration
}

// Config holds the Kennel configuration.
type Config struct {
	v *viper.Viper
}

// Load reads configuration from all sources.
func Load() *Config {
	v := viper.New()

	// Set defaults
	v.SetDefault("agent.command", "")
	v.SetDefault("snapshot.interval", DefaultSnapshotInterval.String())
	v.SetDefault("notify.desktop", true)
	v.SetDefault("switch.enabled", true)
	v.SetDefault("switch.session_threshold", DefaultSessionThreshold)
	v.SetDefault("switch.weekly_threshold", DefaultWeeklyThreshold)
	v.SetDefault("switch.on_rate_limit", false)
	v.SetDefault("switch.usage_check_interval", DefaultUsageCheckInterval.String())

	// Config file location
	if configDir, err := paths.ConfigRoot(); err == nil {
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Environment variables
	v.SetEnvPrefix("KENNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found, but warn on other errors)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: error reading config file: %v\n", err)
		}
	}

	return &Config{v: v}
}

// Get returns a configuration value.
func (c *Config) Get(key string) interface{} {
	return c.v.Get(key)
}

// GetString returns a configuration value as string.
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt returns a configuration value as int.
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetBool returns a configuration value as bool.
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// Set sets a configuration value and persists it.
func (c *Config) Set(key string, value interface{}) error {
	c.v.Set(key, value)

	configDir, err := paths.ConfigRoot()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return err
	}

	configFile := filepath.Join(configDir, "config.yaml")
	return c.v.WriteConfigAs(configFile)
}

// All returns all configuration as a map.
func (c *Config) All() map[string]interface{} {
	return c.v.AllSettings()
}

// AgentCommand returns the agent CLI override, or empty for the provider default.
func (c *Config) AgentCommand() string {
	return c.GetString("agent.command")
}

// SnapshotInterval returns the session persistence interval.
func (c *Config) SnapshotInterval() time.Duration {
	return c.duration("snapshot.interval", DefaultSnapshotInterval)
}

// DesktopNotifications returns whether desktop notifications are enabled.
func (c *Config) DesktopNotifications() bool {
	return c.GetBool("notify.desktop")
}

// AutoSwitch returns the profile failover policy.
func (c *Config) AutoSwitch() AutoSwitchSettings {
	return AutoSwitchSettings{
		Enabled:            c.GetBool("switch.enabled"),
		SessionThreshold:   clampPercent(c.GetInt("switch.session_threshold")),
		WeeklyThreshold:    clampPercent(c.GetInt("switch.weekly_threshold")),
		OnRateLimit:        c.GetBool("switch.on_rate_limit"),
		UsageCheckInterval: c.duration("switch.usage_check_interval", DefaultUsageCheckInterval),
	}
}

func (c *Config) duration(key string, fallback time.Duration) time.Duration {
	raw := c.GetString(key)
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}

	if v > 100 {
		return 100
	}

	return v
}
