package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "TGPIPE_"
	envConfigPath        = "TGPIPE_CONFIG"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"

	defaultStrategy      = "direct_discard"
	defaultPeriod        = 5 * time.Second
	defaultBurst         = 1
	defaultJitter        = 5 * time.Second
	defaultIdleTTL       = 15 * time.Minute
	defaultCleanupEvery  = 2 * time.Minute
	defaultHost          = "127.0.0.1"
	defaultPort          = 18790
	defaultMaxConcurrent = 16
	defaultQueueSize     = 100
	defaultTimeout       = 60 * time.Second
	defaultPollTimeout   = 30
	defaultStatsBackend  = StatsBackendMemory
	defaultRedisAddr     = "127.0.0.1:6379"
	defaultRedisPrefix   = "tgpipe:ratelimit"
	defaultRedisTTL      = 24 * time.Hour
)

const (
	StatsBackendNone   = "none"
	StatsBackendMemory = "memory"
	StatsBackendRedis  = "redis"
)

// Config is the root runtime configuration.
type Config struct {
	Channels  ChannelsConfig  `json:"channels" yaml:"channels" envPrefix:"CHANNELS_"`
	Transport TransportConfig `json:"transport" yaml:"transport" envPrefix:"TRANSPORT_"`
	Access    AccessConfig    `json:"access" yaml:"access" envPrefix:"ACCESS_"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Stats     StatsConfig     `json:"stats" yaml:"stats" envPrefix:"STATS_"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway" envPrefix:"GATEWAY_"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty" envPrefix:"LOG_"`

	// Path is the file the configuration was read from, empty when only defaults and
	// environment were used.
	Path string `json:"-" yaml:"-"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty" env:"FORMAT"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty" env:"LEVEL"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty" env:"ADD_SOURCE"`
}

// ChannelsConfig stores update source settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram" envPrefix:"TELEGRAM_"`
}

// TelegramConfig configures Telegram long polling.
type TelegramConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Token              string `json:"token" yaml:"token" env:"TOKEN"`
	PollTimeoutSeconds int    `json:"poll_timeout_seconds" yaml:"poll_timeout_seconds" env:"POLL_TIMEOUT_SECONDS"`
}

// TransportConfig configures outbound Bot API calls.
type TransportConfig struct {
	BaseURL string   `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	Proxy   string   `json:"proxy" yaml:"proxy" env:"PROXY"`
	Timeout Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`
}

// AccessConfig lists access rules. Allow entries are shorthand allow rules evaluated before
// Rules. With neither set, access control is off.
type AccessConfig struct {
	Allow []string           `json:"allow,omitempty" yaml:"allow,omitempty" env:"ALLOW"`
	Rules []AccessRuleConfig `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// AccessRuleConfig is one rule: Action is "allow" or "deny"; Principal is "*", a user id,
// "@username" or "chat:<id>".
type AccessRuleConfig struct {
	Action    string `json:"action" yaml:"action"`
	Principal string `json:"principal" yaml:"principal"`
}

// Enabled reports whether any access rule is configured.
func (a AccessConfig) Enabled() bool {
	return len(a.Allow) > 0 || len(a.Rules) > 0
}

// RateLimitConfig selects the strategy and quota of the rate-limited demo handler.
type RateLimitConfig struct {
	Strategy     string   `json:"strategy" yaml:"strategy" env:"STRATEGY"`
	Period       Duration `json:"period" yaml:"period" env:"PERIOD"`
	Burst        int      `json:"burst" yaml:"burst" env:"BURST"`
	Jitter       Duration `json:"jitter" yaml:"jitter" env:"JITTER"`
	IdleTTL      Duration `json:"idle_ttl" yaml:"idle_ttl" env:"IDLE_TTL"`
	CleanupEvery Duration `json:"cleanup_every" yaml:"cleanup_every" env:"CLEANUP_EVERY"`
}

// StatsConfig selects where limiter decisions are counted.
type StatsConfig struct {
	Backend   string      `json:"backend" yaml:"backend" env:"BACKEND"`
	TrackKeys bool        `json:"track_keys" yaml:"track_keys" env:"TRACK_KEYS"`
	Redis     RedisConfig `json:"redis" yaml:"redis" envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Addr     string   `json:"addr" yaml:"addr" env:"ADDR"`
	Password string   `json:"password" yaml:"password" env:"PASSWORD"`
	DB       int      `json:"db" yaml:"db" env:"DB"`
	Prefix   string   `json:"prefix" yaml:"prefix" env:"PREFIX"`
	TTL      Duration `json:"ttl" yaml:"ttl" env:"TTL"`
}

// GatewayConfig configures dispatch workers and the status server. A negative port disables
// the status server.
type GatewayConfig struct {
	Host          string `json:"host" yaml:"host" env:"HOST"`
	Port          int    `json:"port" yaml:"port" env:"PORT"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	QueueSize     int    `json:"queue_size" yaml:"queue_size" env:"QUEUE_SIZE"`
}

// StatusEnabled reports whether the status server should listen.
func (g GatewayConfig) StatusEnabled() bool {
	return g.Port > 0
}

// Addr is the status server listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// Duration is a time.Duration written as "5s" or "1m30s" in files and environment.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadConfig resolves the config file, applies .env and environment overrides, then defaults.
//
// Precedence for the file is the explicit path, then TGPIPE_CONFIG, then cwd-local candidates.
// An explicit or env path that does not exist is an error; when no candidate exists the
// configuration starts empty.
func LoadConfig(explicitPath string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	configPath, err := findConfigPath(explicitPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if configPath != "" {
		if err := decodeFile(configPath, &cfg); err != nil {
			return nil, err
		}
		cfg.Path = configPath
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv exports variables from path without overriding the real environment. A missing
// file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}

	return nil
}

func decodeFile(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	}

	return nil
}

// applyEnvOverrides decodes TGPIPE_* variables on top of file config, plus the
// TELEGRAM_BOT_TOKEN and TELEGRAM_ALLOW_FROM shortcuts.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Access.Allow = parseCSV(rawAllowFrom)
	}

	cfg.Access.Allow = compact(cfg.Access.Allow)
	return nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Channels.Telegram.PollTimeoutSeconds <= 0 {
		c.Channels.Telegram.PollTimeoutSeconds = defaultPollTimeout
	}
	if c.Transport.Timeout <= 0 {
		c.Transport.Timeout = Duration(defaultTimeout)
	}

	rl := &c.RateLimit
	if strings.TrimSpace(rl.Strategy) == "" {
		rl.Strategy = defaultStrategy
	}
	if rl.Period <= 0 {
		rl.Period = Duration(defaultPeriod)
	}
	if rl.Burst <= 0 {
		rl.Burst = defaultBurst
	}
	if rl.Jitter <= 0 {
		rl.Jitter = Duration(defaultJitter)
	}
	if rl.IdleTTL <= 0 {
		rl.IdleTTL = Duration(defaultIdleTTL)
	}
	if rl.CleanupEvery <= 0 {
		rl.CleanupEvery = Duration(defaultCleanupEvery)
	}

	if strings.TrimSpace(c.Stats.Backend) == "" {
		c.Stats.Backend = defaultStatsBackend
	}
	c.Stats.Backend = strings.ToLower(strings.TrimSpace(c.Stats.Backend))
	if c.Stats.Redis.Addr == "" {
		c.Stats.Redis.Addr = defaultRedisAddr
	}
	if c.Stats.Redis.Prefix == "" {
		c.Stats.Redis.Prefix = defaultRedisPrefix
	}
	if c.Stats.Redis.TTL <= 0 {
		c.Stats.Redis.TTL = Duration(defaultRedisTTL)
	}

	if c.Gateway.Host == "" {
		c.Gateway.Host = defaultHost
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = defaultPort
	}
	if c.Gateway.MaxConcurrent <= 0 {
		c.Gateway.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Gateway.QueueSize <= 0 {
		c.Gateway.QueueSize = defaultQueueSize
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Stats.Backend {
	case StatsBackendNone, StatsBackendMemory, StatsBackendRedis:
	default:
		return fmt.Errorf("stats.backend must be one of none, memory, redis; got %q", c.Stats.Backend)
	}

	for i, rule := range c.Access.Rules {
		action := strings.ToLower(strings.TrimSpace(rule.Action))
		if action != "allow" && action != "deny" {
			return fmt.Errorf("access.rules[%d].action must be allow or deny; got %q", i, rule.Action)
		}
		if strings.TrimSpace(rule.Principal) == "" {
			return fmt.Errorf("access.rules[%d].principal is required", i)
		}
	}

	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		return errors.New("channels.telegram.token is required when telegram is enabled")
	}

	return nil
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	return compact(strings.Split(input, ","))
}

func compact(values []string) []string {
	if len(values) == 0 {
		return nil
	}

	clean := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}
	if len(clean) == 0 {
		return nil
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
func findConfigPath(explicitPath string) (string, error) {
	if value := strings.TrimSpace(explicitPath); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("config file not found: %s", value)
	}

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
		filepath.Join(cwd, "config.yml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
