package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Storage       StorageConfig   `yaml:"storage"`
	Runtime       RuntimeConfig   `yaml:"runtime"`
	Discovery     DiscoveryConfig `yaml:"discovery"`
	Health        HealthConfig    `yaml:"health"`
	Chat          ChatConfig      `yaml:"chat"`
	Observability ObsConfig       `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	Version             string `yaml:"version"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	HealthPublic        bool   `yaml:"health_public"`
}

type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
}

type RateLimitConfig struct {
	Enabled     bool    `yaml:"enabled"`
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
	PerIPRPS    float64 `yaml:"per_ip_rps"`
	PerIPBurst  int     `yaml:"per_ip_burst"`
}

type StorageConfig struct {
	RegistryFile string `yaml:"registry_file"`
	ChatBackend  string `yaml:"chat_backend"`
	ChatDir      string `yaml:"chat_dir"`
	RedisURL     string `yaml:"redis_url"`
	RedisPrefix  string `yaml:"redis_prefix"`
}

// Endpoint is one runtime connection strategy. An empty Host means "use the
// DOCKER_* environment".
type Endpoint struct {
	Name      string   `yaml:"name"`
	Host      string   `yaml:"host"`
	Platforms []string `yaml:"platforms"`
}

type RuntimeConfig struct {
	PingTimeoutMillis int        `yaml:"ping_timeout_ms"`
	Endpoints         []Endpoint `yaml:"endpoints"`
}

type DiscoveryConfig struct {
	TypicalPorts    []int    `yaml:"typical_ports"`
	NamePatterns    []string `yaml:"name_patterns"`
	MatchMode       string   `yaml:"match_mode"`
	Host            string   `yaml:"host"`
	OnStartup       bool     `yaml:"on_startup"`
	IntervalSeconds int      `yaml:"interval_seconds"`
}

type HealthConfig struct {
	TimeoutMillis   int    `yaml:"timeout_ms"`
	MaxInFlight     int    `yaml:"max_in_flight"`
	Path            string `yaml:"path"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

type ChatConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	ContextWindow  int `yaml:"context_window"`
}

type ObsConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPath string `yaml:"metrics_path"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:          ":8000",
			Version:             "dev",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 60,
			IdleTimeoutSeconds:  60,
			HealthPublic:        true,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			GlobalRPS:   100,
			GlobalBurst: 200,
			PerIPRPS:    20,
			PerIPBurst:  40,
		},
		Storage: StorageConfig{
			RegistryFile: "data/instances.json",
			ChatBackend:  "file",
			ChatDir:      "data/chat_history",
			RedisPrefix:  "fleetdash:chat",
		},
		Runtime: RuntimeConfig{
			PingTimeoutMillis: 2000,
			Endpoints: []Endpoint{
				{Name: "env"},
				{Name: "unix-socket", Host: "unix:///var/run/docker.sock", Platforms: []string{"linux", "darwin"}},
				{Name: "named-pipe", Host: "npipe:////./pipe/docker_engine", Platforms: []string{"windows"}},
				{Name: "tcp", Host: "tcp://localhost:2375"},
			},
		},
		Discovery: DiscoveryConfig{
			TypicalPorts:    []int{8000, 8080, 3000, 5000},
			NamePatterns:    []string{"claude", "anthropic"},
			MatchMode:       "any",
			Host:            "localhost",
			OnStartup:       true,
			IntervalSeconds: 300,
		},
		Health: HealthConfig{
			TimeoutMillis:   3000,
			MaxInFlight:     8,
			Path:            "/health",
			IntervalSeconds: 60,
		},
		Chat: ChatConfig{
			TimeoutSeconds: 30,
			ContextWindow:  10,
		},
		Observability: ObsConfig{LogLevel: "info", MetricsPath: "/metrics"},
	}
}

func Load() (Config, error) {
	return LoadFrom(os.Getenv("FLEETDASH_CONFIG_FILE"))
}

// LoadFrom is Load with an explicit YAML file; an empty path skips the file.
func LoadFrom(configFile string) (Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "FLEETDASH_LISTEN_ADDR")
	setString(&cfg.Server.Version, "FLEETDASH_VERSION")
	setInt(&cfg.Server.ReadTimeoutSeconds, "FLEETDASH_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeoutSeconds, "FLEETDASH_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.IdleTimeoutSeconds, "FLEETDASH_IDLE_TIMEOUT_SECONDS")
	setBool(&cfg.Server.HealthPublic, "FLEETDASH_HEALTH_PUBLIC")

	setString(&cfg.Auth.BearerToken, "FLEETDASH_TOKEN")

	setBool(&cfg.RateLimit.Enabled, "FLEETDASH_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.GlobalRPS, "FLEETDASH_RATE_LIMIT_GLOBAL_RPS")
	setInt(&cfg.RateLimit.GlobalBurst, "FLEETDASH_RATE_LIMIT_GLOBAL_BURST")
	setFloat64(&cfg.RateLimit.PerIPRPS, "FLEETDASH_RATE_LIMIT_PER_IP_RPS")
	setInt(&cfg.RateLimit.PerIPBurst, "FLEETDASH_RATE_LIMIT_PER_IP_BURST")

	setString(&cfg.Storage.RegistryFile, "FLEETDASH_REGISTRY_FILE")
	setString(&cfg.Storage.ChatBackend, "FLEETDASH_CHAT_BACKEND")
	setString(&cfg.Storage.ChatDir, "FLEETDASH_CHAT_DIR")
	setString(&cfg.Storage.RedisURL, "FLEETDASH_REDIS_URL")
	setString(&cfg.Storage.RedisPrefix, "FLEETDASH_REDIS_PREFIX")

	setInt(&cfg.Runtime.PingTimeoutMillis, "FLEETDASH_RUNTIME_PING_TIMEOUT_MS")

	setIntCSV(&cfg.Discovery.TypicalPorts, "FLEETDASH_DISCOVERY_PORTS")
	setCSV(&cfg.Discovery.NamePatterns, "FLEETDASH_DISCOVERY_PATTERNS")
	setString(&cfg.Discovery.MatchMode, "FLEETDASH_DISCOVERY_MATCH_MODE")
	setString(&cfg.Discovery.Host, "FLEETDASH_DISCOVERY_HOST")
	setBool(&cfg.Discovery.OnStartup, "FLEETDASH_DISCOVERY_ON_STARTUP")
	setInt(&cfg.Discovery.IntervalSeconds, "FLEETDASH_DISCOVERY_INTERVAL_SECONDS")

	setInt(&cfg.Health.TimeoutMillis, "FLEETDASH_HEALTH_TIMEOUT_MS")
	setInt(&cfg.Health.MaxInFlight, "FLEETDASH_HEALTH_MAX_IN_FLIGHT")
	setString(&cfg.Health.Path, "FLEETDASH_HEALTH_PATH")
	setInt(&cfg.Health.IntervalSeconds, "FLEETDASH_HEALTH_INTERVAL_SECONDS")

	setInt(&cfg.Chat.TimeoutSeconds, "FLEETDASH_CHAT_TIMEOUT_SECONDS")
	setInt(&cfg.Chat.ContextWindow, "FLEETDASH_CHAT_CONTEXT_WINDOW")

	setString(&cfg.Observability.LogLevel, "FLEETDASH_LOG_LEVEL")
	setString(&cfg.Observability.MetricsPath, "FLEETDASH_METRICS_PATH")
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Storage.RegistryFile == "" {
		return errors.New("registry file is required")
	}
	switch strings.ToLower(cfg.Storage.ChatBackend) {
	case "file":
		if cfg.Storage.ChatDir == "" {
			return errors.New("chat dir is required for the file backend")
		}
	case "redis":
		if cfg.Storage.RedisURL == "" {
			return errors.New("FLEETDASH_REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid chat backend: %s", cfg.Storage.ChatBackend)
	}
	if cfg.Runtime.PingTimeoutMillis <= 0 {
		return errors.New("runtime ping timeout must be > 0")
	}
	if len(cfg.Runtime.Endpoints) == 0 {
		return errors.New("at least one runtime endpoint is required")
	}
	for _, ep := range cfg.Runtime.Endpoints {
		if ep.Name == "" {
			return errors.New("runtime endpoint name is required")
		}
	}
	for _, p := range cfg.Discovery.TypicalPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid discovery port: %d", p)
		}
	}
	switch strings.ToLower(cfg.Discovery.MatchMode) {
	case "any", "all":
	default:
		return fmt.Errorf("invalid discovery match mode: %s", cfg.Discovery.MatchMode)
	}
	if cfg.Discovery.Host == "" {
		return errors.New("discovery host is required")
	}
	if cfg.Discovery.IntervalSeconds < 0 || cfg.Health.IntervalSeconds < 0 {
		return errors.New("loop intervals must be >= 0")
	}
	if cfg.Health.TimeoutMillis <= 0 {
		return errors.New("health timeout must be > 0")
	}
	if cfg.Health.MaxInFlight <= 0 {
		return errors.New("health max in flight must be > 0")
	}
	if !strings.HasPrefix(cfg.Health.Path, "/") {
		return errors.New("health path must start with /")
	}
	if cfg.Chat.TimeoutSeconds <= 0 {
		return errors.New("chat timeout must be > 0")
	}
	if cfg.Chat.ContextWindow < 0 {
		return errors.New("chat context window must be >= 0")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.GlobalRPS <= 0 || cfg.RateLimit.GlobalBurst <= 0 {
			return errors.New("global rate limit values must be > 0")
		}
		if cfg.RateLimit.PerIPRPS <= 0 || cfg.RateLimit.PerIPBurst <= 0 {
			return errors.New("per-ip rate limit values must be > 0")
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setCSV(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		out := splitCSV(v)
		if len(out) > 0 {
			*dst = out
		}
	}
}
func setIntCSV(dst *[]int, key string) {
	if v := os.Getenv(key); v != "" {
		parts := splitCSV(v)
		out := make([]int, 0, len(parts))
		for _, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil {
				return
			}
			out = append(out, n)
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = p
		}
	}
}

func splitCSV(v string) []string {
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
