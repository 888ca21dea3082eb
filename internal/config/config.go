// Package config loads the coordinator's YAML configuration and the agent
// client's environment-variable configuration, following the teacher's
// load-then-apply-env-overrides-then-normalize pattern.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// APIKeyEntry is one accepted bearer token. The coordinator normally carries
// exactly one (AuthToken), but the gateway's middleware accepts a set so a
// deployment can rotate tokens without a restart.
type APIKeyEntry struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
}

// AuthConfig gates the agent and dashboard WebSocket upgrades behind a
// shared bearer token.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"-"`
}

// CORSConfig controls the dashboard's cross-origin policy.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// CoordinatorConfig is the coordinator process's YAML configuration (§6).
type CoordinatorConfig struct {
	HomeDir string `yaml:"-"`

	ListenAddr string `yaml:"listen_addr"`

	// AuthToken gates /ws/agent and /dashboard/stream upgrades. Env override:
	// COORD_AUTH_TOKEN. Empty disables auth (local development only).
	AuthToken string `yaml:"auth_token"`

	AllowOrigins []string `yaml:"allow_origins"`
	DBPath       string   `yaml:"db_path"`

	HeartbeatMonitorInterval time.Duration `yaml:"heartbeat_monitor_interval"`
	UnresponsiveAfter        time.Duration `yaml:"unresponsive_after"`
	RebalanceInterval        time.Duration `yaml:"rebalance_interval"`

	// OTelExporter selects the metrics exporter: "stdout", "otlp", or "none".
	OTelExporter string `yaml:"otel_exporter"`

	LogLevel string `yaml:"log_level"`
}

// Auth builds the AuthConfig the gateway's middleware consumes from the
// single configured token.
func (c CoordinatorConfig) Auth() AuthConfig {
	if c.AuthToken == "" {
		return AuthConfig{Enabled: false}
	}
	return AuthConfig{
		Enabled: true,
		Keys:    []APIKeyEntry{{Key: c.AuthToken, Description: "coordinator"}},
	}
}

// CORS builds the CORSConfig the gateway's middleware consumes.
func (c CoordinatorConfig) CORS() CORSConfig {
	if len(c.AllowOrigins) == 0 {
		return CORSConfig{Enabled: false}
	}
	return CORSConfig{Enabled: true, AllowedOrigins: c.AllowOrigins}
}

func defaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		ListenAddr:               ":8700",
		DBPath:                   "./coordinator.db",
		HeartbeatMonitorInterval: 30 * time.Second,
		UnresponsiveAfter:        60 * time.Second,
		RebalanceInterval:        60 * time.Second,
		OTelExporter:             "stdout",
		LogLevel:                 "info",
	}
}

// coordinatorConfigYAML mirrors CoordinatorConfig but with duration fields as
// strings, since yaml.v3 does not natively unmarshal time.Duration.
type coordinatorConfigYAML struct {
	ListenAddr               string   `yaml:"listen_addr"`
	AuthToken                string   `yaml:"auth_token"`
	AllowOrigins             []string `yaml:"allow_origins"`
	DBPath                   string   `yaml:"db_path"`
	HeartbeatMonitorInterval string   `yaml:"heartbeat_monitor_interval"`
	UnresponsiveAfter        string   `yaml:"unresponsive_after"`
	RebalanceInterval        string   `yaml:"rebalance_interval"`
	OTelExporter             string   `yaml:"otel_exporter"`
	LogLevel                 string   `yaml:"log_level"`
}

// LoadCoordinatorConfig reads homeDir/config.yaml, applies the
// COORD_AUTH_TOKEN environment override, and normalizes defaults.
func LoadCoordinatorConfig(homeDir string) (CoordinatorConfig, error) {
	cfg := defaultCoordinatorConfig()
	cfg.HomeDir = homeDir

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		var raw coordinatorConfigYAML
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
		applyCoordinatorYAML(&cfg, raw)
	}

	if v := os.Getenv("COORD_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	normalizeCoordinatorConfig(&cfg)
	return cfg, nil
}

func applyCoordinatorYAML(cfg *CoordinatorConfig, raw coordinatorConfigYAML) {
	if raw.ListenAddr != "" {
		cfg.ListenAddr = raw.ListenAddr
	}
	if raw.AuthToken != "" {
		cfg.AuthToken = raw.AuthToken
	}
	if raw.AllowOrigins != nil {
		cfg.AllowOrigins = raw.AllowOrigins
	}
	if raw.DBPath != "" {
		cfg.DBPath = raw.DBPath
	}
	if d, err := time.ParseDuration(raw.HeartbeatMonitorInterval); err == nil {
		cfg.HeartbeatMonitorInterval = d
	}
	if d, err := time.ParseDuration(raw.UnresponsiveAfter); err == nil {
		cfg.UnresponsiveAfter = d
	}
	if d, err := time.ParseDuration(raw.RebalanceInterval); err == nil {
		cfg.RebalanceInterval = d
	}
	if raw.OTelExporter != "" {
		cfg.OTelExporter = raw.OTelExporter
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
}

func normalizeCoordinatorConfig(cfg *CoordinatorConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8700"
	}
	if cfg.HeartbeatMonitorInterval <= 0 {
		cfg.HeartbeatMonitorInterval = 30 * time.Second
	}
	if cfg.UnresponsiveAfter <= 0 {
		cfg.UnresponsiveAfter = 60 * time.Second
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = 60 * time.Second
	}
	switch cfg.OTelExporter {
	case "stdout", "otlp", "none":
	default:
		cfg.OTelExporter = "stdout"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Fingerprint returns a stable hash of the active coordinator config, useful
// for logging which config a running process loaded without echoing secrets.
func (c CoordinatorConfig) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "listen=%s|db=%s|origins=%v|hb=%s|unresp=%s|rebal=%s",
		c.ListenAddr, c.DBPath, c.AllowOrigins, c.HeartbeatMonitorInterval, c.UnresponsiveAfter, c.RebalanceInterval)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// AgentConfig is the agent client's environment-derived configuration (§6).
type AgentConfig struct {
	AgentID      string
	AgentType    string
	Capabilities []string

	MaxConcurrentTasks  int
	HeartbeatInterval   time.Duration
	IdleTimeoutSeconds  int

	CoordinationServer string
	ReportEndpoint     string

	AutoRequestTasks bool
	CacheDir         string
	CacheMaxSizeMB   int
	MemoryDBPath     string
}

// LoadAgentConfig reads the agent's configuration from environment
// variables, applying the defaults listed in §6.
func LoadAgentConfig() AgentConfig {
	cfg := AgentConfig{
		AgentID:            envOr("AGENT_ID", randomAgentID()),
		AgentType:          envOr("AGENT_TYPE", "general"),
		Capabilities:       splitCommaList(os.Getenv("AGENT_CAPABILITIES")),
		MaxConcurrentTasks: envOrInt("MAX_CONCURRENT_TASKS", 5),
		HeartbeatInterval:  time.Duration(envOrInt("HEARTBEAT_INTERVAL_MS", 5000)) * time.Millisecond,
		IdleTimeoutSeconds: envOrInt("IDLE_TIMEOUT_SECONDS", 10),
		CoordinationServer: envOr("COORDINATION_SERVER", "ws://localhost:8080/ws/agent"),
		ReportEndpoint:     envOr("REPORT_ENDPOINT", "http://localhost:8080/reports"),
		AutoRequestTasks:   envOrBool("AUTO_REQUEST_TASKS", true),
		CacheDir:           os.Getenv("CACHE_DIR"),
		CacheMaxSizeMB:     envOrInt("CACHE_MAX_SIZE_MB", 500),
		MemoryDBPath:       os.Getenv("MEMORY_DB_PATH"),
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []string{"general"}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitCommaList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// randomAgentID is used only as a fallback default; callers that need a
// stable identity across restarts should pass AGENT_ID explicitly.
func randomAgentID() string {
	return "agent-" + uuid.NewString()
}
