package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/config"
)

func TestLoadCoordinatorConfig_DefaultsWhenAbsent(t *testing.T) {
	cfg, err := config.LoadCoordinatorConfig(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8700" {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.HeartbeatMonitorInterval != 30*time.Second {
		t.Fatalf("expected default heartbeat monitor interval, got %v", cfg.HeartbeatMonitorInterval)
	}
	if cfg.UnresponsiveAfter != 60*time.Second {
		t.Fatalf("expected default unresponsive_after, got %v", cfg.UnresponsiveAfter)
	}
}

func TestLoadCoordinatorConfig_YAMLOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	yaml := "listen_addr: \":9100\"\nrebalance_interval: \"90s\"\nallow_origins:\n  - https://dash.example.com\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadCoordinatorConfig(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9100" {
		t.Fatalf("expected overridden listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.RebalanceInterval != 90*time.Second {
		t.Fatalf("expected overridden rebalance interval, got %v", cfg.RebalanceInterval)
	}
	if len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "https://dash.example.com" {
		t.Fatalf("expected allow_origins parsed, got %v", cfg.AllowOrigins)
	}
}

func TestLoadCoordinatorConfig_EnvOverridesAuthToken(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("auth_token: from-yaml\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("COORD_AUTH_TOKEN", "from-env")

	cfg, err := config.LoadCoordinatorConfig(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthToken != "from-env" {
		t.Fatalf("expected env override to win, got %q", cfg.AuthToken)
	}
}

func TestCoordinatorConfig_AuthDisabledWithoutToken(t *testing.T) {
	cfg, _ := config.LoadCoordinatorConfig(t.TempDir())
	if cfg.Auth().Enabled {
		t.Fatal("expected auth disabled when no token configured")
	}
}

func TestCoordinatorConfig_AuthEnabledWithToken(t *testing.T) {
	cfg, _ := config.LoadCoordinatorConfig(t.TempDir())
	cfg.AuthToken = "secret"
	auth := cfg.Auth()
	if !auth.Enabled || len(auth.Keys) != 1 || auth.Keys[0].Key != "secret" {
		t.Fatalf("unexpected auth config: %+v", auth)
	}
}

func TestLoadAgentConfig_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("AGENT_ID", "agent-7")
	t.Setenv("AGENT_CAPABILITIES", "shell_commands, code_generation")
	t.Setenv("MAX_CONCURRENT_TASKS", "9")

	cfg := config.LoadAgentConfig()
	if cfg.AgentID != "agent-7" {
		t.Fatalf("expected AGENT_ID honored, got %q", cfg.AgentID)
	}
	if len(cfg.Capabilities) != 2 || cfg.Capabilities[0] != "shell_commands" {
		t.Fatalf("unexpected capabilities: %v", cfg.Capabilities)
	}
	if cfg.MaxConcurrentTasks != 9 {
		t.Fatalf("expected overridden max concurrent tasks, got %d", cfg.MaxConcurrentTasks)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("expected default heartbeat interval, got %v", cfg.HeartbeatInterval)
	}
}

func TestLoadAgentConfig_EmptyCapabilitiesDefaultsToGeneral(t *testing.T) {
	cfg := config.LoadAgentConfig()
	if len(cfg.Capabilities) != 1 || cfg.Capabilities[0] != "general" {
		t.Fatalf("expected default [general] capability, got %v", cfg.Capabilities)
	}
}
