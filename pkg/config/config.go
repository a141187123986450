package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"clawgate/pkg/channel"
)

const (
	envConfigPath      = "CLAWGATE_CONFIG"
	envSecretsPath     = "CLAWGATE_SECRETS"
	defaultSecretsFile = "clawgate.secrets"
)

// channelTokenEnv maps channels to the env var that overrides their top-level token.
var channelTokenEnv = map[channel.ID]string{
	channel.Telegram: "TELEGRAM_BOT_TOKEN",
	channel.Discord:  "DISCORD_BOT_TOKEN",
}

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Channels map[string]ChannelConfig `json:"channels" yaml:"channels"`
	Auth     AuthConfig               `json:"auth" yaml:"auth"`
	Gateway  GatewayConfig            `json:"gateway" yaml:"gateway"`
	Storage  StorageConfig            `json:"storage,omitempty" yaml:"storage,omitempty"`
	Logging  LoggingConfig            `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// StorageConfig locates persisted credential usage statistics.
type StorageConfig struct {
	UsageDB string `json:"usage_db,omitempty" yaml:"usage_db,omitempty"`
}

// GatewayConfig configures the status server and lifecycle bounds.
type GatewayConfig struct {
	Host                  string        `json:"host" yaml:"host"`
	Port                  int           `json:"port" yaml:"port"`
	InitTimeoutSeconds    int           `json:"init_timeout_seconds,omitempty" yaml:"init_timeout_seconds,omitempty"`
	ConnectTimeoutSeconds int           `json:"connect_timeout_seconds,omitempty" yaml:"connect_timeout_seconds,omitempty"`
	ShutdownGraceSeconds  int           `json:"shutdown_grace_seconds,omitempty" yaml:"shutdown_grace_seconds,omitempty"`
	MaxConcurrentStarts   int           `json:"max_concurrent_starts,omitempty" yaml:"max_concurrent_starts,omitempty"`
	Restart               RestartConfig `json:"restart" yaml:"restart"`
}

// RestartConfig bounds reconnect attempts for failed gateways.
type RestartConfig struct {
	MaxAttempts        int     `json:"max_attempts" yaml:"max_attempts"`
	InitialIntervalMS  int     `json:"initial_interval_ms" yaml:"initial_interval_ms"`
	MaxIntervalSeconds int     `json:"max_interval_seconds" yaml:"max_interval_seconds"`
	Multiplier         float64 `json:"multiplier" yaml:"multiplier"`
}

// AuthConfig declares credential profiles and how they are refreshed.
type AuthConfig struct {
	RefreshSkewSeconds int               `json:"refresh_skew_seconds,omitempty" yaml:"refresh_skew_seconds,omitempty"`
	Profiles           []ProfileConfig   `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	ChannelDefaults    map[string]string `json:"channel_defaults,omitempty" yaml:"channel_defaults,omitempty"`
}

// ProfileConfig describes one credential record.
//
// Secret fields may be given inline or through the matching *_env variable name.
type ProfileConfig struct {
	ID      string `json:"id" yaml:"id"`
	Channel string `json:"channel" yaml:"channel"`
	Account string `json:"account,omitempty" yaml:"account,omitempty"`
	Kind    string `json:"kind" yaml:"kind"`

	Key    string `json:"key,omitempty" yaml:"key,omitempty"`
	KeyEnv string `json:"key_env,omitempty" yaml:"key_env,omitempty"`

	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
	TokenEnv string `json:"token_env,omitempty" yaml:"token_env,omitempty"`

	AccessToken     string `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	AccessTokenEnv  string `json:"access_token_env,omitempty" yaml:"access_token_env,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
	RefreshTokenEnv string `json:"refresh_token_env,omitempty" yaml:"refresh_token_env,omitempty"`
	ExpiresAt       string `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`

	TokenURL        string   `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	ClientID        string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecretEnv string   `json:"client_secret_env,omitempty" yaml:"client_secret_env,omitempty"`
	Scopes          []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// LoadConfig resolves the config file, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one config file; the extension selects YAML or JSON.
func LoadFile(path string) (*Config, error) {
	if err := LoadSecrets(); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadSecrets loads KEY=VALUE pairs from the secrets file into the environment.
//
// CLAWGATE_SECRETS must exist when set; the cwd-local default is optional.
// Variables already present in the environment win.
func LoadSecrets() error {
	if value := strings.TrimSpace(os.Getenv(envSecretsPath)); value != "" {
		if err := godotenv.Load(value); err != nil {
			return fmt.Errorf("load secrets file: %w", err)
		}
		return nil
	}

	if info, err := os.Stat(defaultSecretsFile); err != nil || info.IsDir() {
		return nil
	}
	if err := godotenv.Load(defaultSecretsFile); err != nil {
		return fmt.Errorf("load secrets file: %w", err)
	}

	return nil
}

// Validate checks channel names, profile references, and lifecycle bounds.
func (c *Config) Validate() error {
	var errs []error

	for name := range c.Channels {
		if _, ok := channel.Normalize(name); !ok {
			errs = append(errs, fmt.Errorf("channels.%s: unknown channel", name))
		}
	}

	seen := make(map[string]struct{}, len(c.Auth.Profiles))
	for i, profile := range c.Auth.Profiles {
		if strings.TrimSpace(profile.ID) == "" {
			errs = append(errs, fmt.Errorf("auth.profiles[%d]: id is required", i))
			continue
		}
		if _, dup := seen[profile.ID]; dup {
			errs = append(errs, fmt.Errorf("auth.profiles[%d]: duplicate id %q", i, profile.ID))
		}
		seen[profile.ID] = struct{}{}

		if _, ok := channel.Normalize(profile.Channel); !ok {
			errs = append(errs, fmt.Errorf("auth.profiles[%d]: unknown channel %q", i, profile.Channel))
		}
		if profile.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, profile.ExpiresAt); err != nil {
				errs = append(errs, fmt.Errorf("auth.profiles[%d]: expires_at: %w", i, err))
			}
		}
	}

	for name, profileID := range c.Auth.ChannelDefaults {
		if _, ok := channel.Normalize(name); !ok {
			errs = append(errs, fmt.Errorf("auth.channel_defaults.%s: unknown channel", name))
		}
		if _, ok := seen[profileID]; !ok {
			errs = append(errs, fmt.Errorf("auth.channel_defaults.%s: unknown profile %q", name, profileID))
		}
	}

	if c.Gateway.Restart.Multiplier != 0 && c.Gateway.Restart.Multiplier < 1 {
		errs = append(errs, errors.New("gateway.restart.multiplier must be at least 1"))
	}

	return errors.Join(errs...)
}

// Channel returns the config block for a canonical channel id, accepting any alias key.
func (c *Config) Channel(id channel.ID) (ChannelConfig, bool) {
	for name, cfg := range c.Channels {
		if normalized, ok := channel.Normalize(name); ok && normalized == id {
			return cfg, true
		}
	}

	return ChannelConfig{}, false
}

// ChannelIDs lists configured canonical channel ids in stable order.
func (c *Config) ChannelIDs() []channel.ID {
	ids := make([]channel.ID, 0, len(c.Channels))
	for name := range c.Channels {
		if id, ok := channel.Normalize(name); ok && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	return ids
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	for id, envName := range channelTokenEnv {
		token := strings.TrimSpace(os.Getenv(envName))
		if token == "" {
			continue
		}

		if cfg.Channels == nil {
			cfg.Channels = make(map[string]ChannelConfig)
		}

		key := string(id)
		for name := range cfg.Channels {
			if normalized, ok := channel.Normalize(name); ok && normalized == id {
				key = name
				break
			}
		}

		channelCfg := cfg.Channels[key]
		channelCfg.Token = token
		cfg.Channels[key] = channelCfg
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is CLAWGATE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
