// Package config loads the broker's settings from defaults, environment
// variables, and an optional TOML file, in that layering order, following
// the same defaults-then-overlay shape the teacher uses for its container
// config but adding the file layer the teacher never needed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// SandboxBackend selects which Driver implementation the orchestrator uses.
type SandboxBackend string

const (
	BackendDocker SandboxBackend = "docker"
	BackendK8s    SandboxBackend = "k8s"
)

// CredentialMode is C8's selection policy.
type CredentialMode string

const (
	CredentialAuto CredentialMode = "auto"
	CredentialKey  CredentialMode = "key"
	CredentialOAuth CredentialMode = "oauth"
)

// Config is the single settings structure threaded through every component
// so tests can substitute it instead of reaching for the environment
// directly.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Auth      AuthConfig      `toml:"auth"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Registry  RegistryConfig  `toml:"registry"`
}

type ServerConfig struct {
	HTTPAddr             string        `toml:"http_addr"`
	LogLevel             string        `toml:"log_level"`
	DataDir              string        `toml:"data_dir"`
	MaxConcurrentSessions int          `toml:"max_concurrent_sessions"`
	SessionIdleTimeout   time.Duration `toml:"session_idle_timeout"`
	ReaperInterval       time.Duration `toml:"reaper_interval"`
	TurnTimeoutDefault   time.Duration `toml:"turn_timeout_default"`
}

type SandboxConfig struct {
	Backend          SandboxBackend `toml:"backend"`
	Image            string         `toml:"image"`
	MemoryLimitBytes int64          `toml:"memory_limit_bytes"`
	CPUQuotaMillis   int64          `toml:"cpu_quota_millis"`
	NetworkMode      string         `toml:"network_mode"`
	OpConcurrency    int            `toml:"op_concurrency"`
	BuildTimeout     time.Duration  `toml:"build_timeout"`
	Namespace        string         `toml:"namespace"` // k8s backend only
}

type AuthConfig struct {
	CredentialMode          CredentialMode `toml:"credential_mode"`
	PreferOAuth             bool           `toml:"prefer_oauth"`
	TokenRefreshGuardSeconds int           `toml:"token_refresh_guard_seconds"`
	APIKeyPrefix            string         `toml:"api_key_prefix"`
	// APIKeyEnvVar names the broker-process environment variable consulted
	// for a session's API key when a get_or_create/turn call does not
	// supply one in its request body.
	APIKeyEnvVar            string         `toml:"api_key_env_var"`
	CallbackPortBase        int            `toml:"callback_port_base"`
	OAuthTokenEndpoint      string         `toml:"oauth_token_endpoint"`
	OAuthRevokeEndpoint     string         `toml:"oauth_revoke_endpoint"`
	OAuthClientID           string         `toml:"oauth_client_id"`
}

type BridgeConfig struct {
	IncludeReasoningInReply bool `toml:"include_reasoning_in_reply"`
}

type RegistryConfig struct {
	SessionTimeout time.Duration `toml:"session_timeout"`
}

// Default returns the built-in defaults before any environment or file
// overlay is applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:              "localhost:8000",
			LogLevel:              "info",
			DataDir:               "./data",
			MaxConcurrentSessions: 20,
			SessionIdleTimeout:    1 * time.Hour,
			ReaperInterval:        1 * time.Minute,
			TurnTimeoutDefault:    60 * time.Second,
		},
		Sandbox: SandboxConfig{
			Backend:          BackendDocker,
			Image:            "agentbroker-sandbox:latest",
			MemoryLimitBytes: 2 * 1024 * 1024 * 1024,
			CPUQuotaMillis:   2000,
			NetworkMode:      "bridge",
			OpConcurrency:    10,
			BuildTimeout:     10 * time.Minute,
			Namespace:        "default",
		},
		Auth: AuthConfig{
			CredentialMode:           CredentialAuto,
			PreferOAuth:              false,
			TokenRefreshGuardSeconds: 300,
			APIKeyPrefix:             "sk-",
			APIKeyEnvVar:             "OPENAI_API_KEY",
			CallbackPortBase:         8765,
		},
		Bridge: BridgeConfig{
			IncludeReasoningInReply: false,
		},
		Registry: RegistryConfig{
			SessionTimeout: 1 * time.Hour,
		},
	}
}

// Load builds the layered config: defaults, then environment variables,
// then an optional TOML file if path is non-empty and exists.
func Load(path string) (Config, error) {
	cfg := Default()
	applyEnv(&cfg)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.Server.HTTPAddr)
	cfg.Server.LogLevel = envOrDefault("LOG_LEVEL", cfg.Server.LogLevel)
	cfg.Server.DataDir = envOrDefault("DATA_DIR", cfg.Server.DataDir)
	cfg.Server.MaxConcurrentSessions = envIntOrDefault("MAX_CONCURRENT_SESSIONS", cfg.Server.MaxConcurrentSessions)
	cfg.Server.SessionIdleTimeout = envDurationOrDefault("SESSION_IDLE_TIMEOUT", cfg.Server.SessionIdleTimeout)
	cfg.Server.ReaperInterval = envDurationOrDefault("REAPER_INTERVAL", cfg.Server.ReaperInterval)
	cfg.Server.TurnTimeoutDefault = envDurationOrDefault("TURN_TIMEOUT_DEFAULT", cfg.Server.TurnTimeoutDefault)

	cfg.Sandbox.Backend = SandboxBackend(envOrDefault("SANDBOX_BACKEND", string(cfg.Sandbox.Backend)))
	cfg.Sandbox.Image = envOrDefault("SANDBOX_IMAGE", cfg.Sandbox.Image)
	cfg.Sandbox.MemoryLimitBytes = envInt64OrDefault("SANDBOX_MEMORY_LIMIT_BYTES", cfg.Sandbox.MemoryLimitBytes)
	cfg.Sandbox.CPUQuotaMillis = envInt64OrDefault("SANDBOX_CPU_QUOTA_MILLIS", cfg.Sandbox.CPUQuotaMillis)
	cfg.Sandbox.NetworkMode = envOrDefault("SANDBOX_NETWORK_MODE", cfg.Sandbox.NetworkMode)
	cfg.Sandbox.OpConcurrency = envIntOrDefault("SANDBOX_OP_CONCURRENCY", cfg.Sandbox.OpConcurrency)
	cfg.Sandbox.BuildTimeout = envDurationOrDefault("SANDBOX_BUILD_TIMEOUT", cfg.Sandbox.BuildTimeout)
	cfg.Sandbox.Namespace = envOrDefault("SANDBOX_NAMESPACE", cfg.Sandbox.Namespace)

	cfg.Auth.CredentialMode = CredentialMode(envOrDefault("CREDENTIAL_MODE", string(cfg.Auth.CredentialMode)))
	cfg.Auth.PreferOAuth = envBoolOrDefault("PREFER_OAUTH", cfg.Auth.PreferOAuth)
	cfg.Auth.TokenRefreshGuardSeconds = envIntOrDefault("TOKEN_REFRESH_GUARD_SECONDS", cfg.Auth.TokenRefreshGuardSeconds)
	cfg.Auth.APIKeyPrefix = envOrDefault("API_KEY_PREFIX", cfg.Auth.APIKeyPrefix)
	cfg.Auth.APIKeyEnvVar = envOrDefault("API_KEY_ENV_VAR", cfg.Auth.APIKeyEnvVar)
	cfg.Auth.CallbackPortBase = envIntOrDefault("CALLBACK_PORT_BASE", cfg.Auth.CallbackPortBase)
	cfg.Auth.OAuthTokenEndpoint = envOrDefault("OAUTH_TOKEN_ENDPOINT", cfg.Auth.OAuthTokenEndpoint)
	cfg.Auth.OAuthRevokeEndpoint = envOrDefault("OAUTH_REVOKE_ENDPOINT", cfg.Auth.OAuthRevokeEndpoint)
	cfg.Auth.OAuthClientID = envOrDefault("OAUTH_CLIENT_ID", cfg.Auth.OAuthClientID)

	cfg.Bridge.IncludeReasoningInReply = envBoolOrDefault("BRIDGE_INCLUDE_REASONING", cfg.Bridge.IncludeReasoningInReply)

	cfg.Registry.SessionTimeout = envDurationOrDefault("REGISTRY_SESSION_TIMEOUT", cfg.Registry.SessionTimeout)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
