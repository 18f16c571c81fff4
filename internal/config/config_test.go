package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := Load()

	if got := cfg.SnapshotInterval(); got != DefaultSnapshotInterval {
		t.Errorf("SnapshotInterval() = %v, want %v", got, DefaultSnapshotInterval)
	}

	sw := cfg.AutoSwitch()
	if !sw.Enabled {
		t.Error("switch.enabled should default to true")
	}
	if sw.OnRateLimit {
		t.Error("switch.on_rate_limit should default to false")
	}
	if sw.SessionThreshold != DefaultSessionThreshold {
		t.Errorf("SessionThreshold = %d, want %d", sw.SessionThreshold, DefaultSessionThreshold)
	}
	if sw.WeeklyThreshold != DefaultWeeklyThreshold {
		t.Errorf("WeeklyThreshold = %d, want %d", sw.WeeklyThreshold, DefaultWeeklyThreshold)
	}
	if sw.UsageCheckInterval != DefaultUsageCheckInterval {
		t.Errorf("UsageCheckInterval = %v, want %v", sw.UsageCheckInterval, DefaultUsageCheckInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("KENNEL_SWITCH_ON_RATE_LIMIT", "true")
	t.Setenv("KENNEL_AGENT_COMMAND", "/usr/local/bin/fake-agent")
	t.Setenv("KENNEL_SNAPSHOT_INTERVAL", "10s")

	cfg := Load()

	if !cfg.AutoSwitch().OnRateLimit {
		t.Error("env var should enable switch.on_rate_limit")
	}
	if got := cfg.AgentCommand(); got != "/usr/local/bin/fake-agent" {
		t.Errorf("AgentCommand() = %q", got)
	}
	if got := cfg.SnapshotInterval(); got != 10*time.Second {
		t.Errorf("SnapshotInterval() = %v, want 10s", got)
	}
}

func TestConfigFile(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)

	configDir := filepath.Join(configHome, "kennel")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		t.Fatal(err)
	}

	content := "switch:\n  session_threshold: 50\n  weekly_threshold: 120\n"
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Load()

	sw := cfg.AutoSwitch()
	if sw.SessionThreshold != 50 {
		t.Errorf("SessionThreshold = %d, want 50", sw.SessionThreshold)
	}

	// Out-of-range values are clamped to 0-100.
	if sw.WeeklyThreshold != 100 {
		t.Errorf("WeeklyThreshold = %d, want clamp to 100", sw.WeeklyThreshold)
	}
}

func TestBadDurationFallsBack(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("KENNEL_SNAPSHOT_INTERVAL", "often")

	cfg := Load()
	if got := cfg.SnapshotInterval(); got != DefaultSnapshotInterval {
		t.Errorf("SnapshotInterval() = %v, want default on parse failure", got)
	}
}
