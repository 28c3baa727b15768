package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	t.Chdir(t.TempDir())

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{
	  "channels": {"telegram": {"enabled": true, "token": "123:abc"}},
	  "transport": {"proxy": "socks5://127.0.0.1:1080", "timeout": "10s"},
	  "access": {"rules": [{"action": "allow", "principal": "@alice"}]},
	  "rate_limit": {"strategy": "keyed_wait", "period": "2s", "burst": 3},
	  "gateway": {"host": "0.0.0.0", "port": 18791, "max_concurrent": 4},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`)

	t.Setenv(envConfigPath, path)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Path != path {
		t.Fatalf("path = %q, want %q", cfg.Path, path)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" || !cfg.Logging.AddSource {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Transport.Timeout.Std() != 10*time.Second {
		t.Fatalf("transport.timeout = %s, want 10s", cfg.Transport.Timeout)
	}
	if cfg.RateLimit.Strategy != "keyed_wait" || cfg.RateLimit.Period.Std() != 2*time.Second || cfg.RateLimit.Burst != 3 {
		t.Fatalf("rate_limit = %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.Jitter.Std() != defaultJitter {
		t.Fatalf("rate_limit.jitter = %s, want default", cfg.RateLimit.Jitter)
	}
	if !cfg.Access.Enabled() || cfg.Access.Rules[0].Principal != "@alice" {
		t.Fatalf("access = %+v", cfg.Access)
	}
	if cfg.Gateway.Addr() != "0.0.0.0:18791" || cfg.Gateway.MaxConcurrent != 4 {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.QueueSize != defaultQueueSize {
		t.Fatalf("gateway.queue_size = %d, want default", cfg.Gateway.QueueSize)
	}
}

func TestLoadConfigYAMLExplicitPath(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, "")

	path := filepath.Join(t.TempDir(), "tgpipe.yaml")
	writeFile(t, path, `
rate_limit:
  strategy: direct_wait_with_jitter
  jitter: 1500ms
stats:
  backend: Redis
  track_keys: true
  redis:
    addr: redis:6379
    ttl: 1h
access:
  allow: ["42", "chat:-100"]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.RateLimit.Jitter.Std() != 1500*time.Millisecond {
		t.Fatalf("rate_limit.jitter = %s, want 1.5s", cfg.RateLimit.Jitter)
	}
	if cfg.Stats.Backend != StatsBackendRedis || !cfg.Stats.TrackKeys {
		t.Fatalf("stats = %+v", cfg.Stats)
	}
	if cfg.Stats.Redis.Addr != "redis:6379" || cfg.Stats.Redis.TTL.Std() != time.Hour {
		t.Fatalf("stats.redis = %+v", cfg.Stats.Redis)
	}
	if len(cfg.Access.Allow) != 2 {
		t.Fatalf("access.allow = %v", cfg.Access.Allow)
	}
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, "")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Path != "" {
		t.Fatalf("path = %q, want empty", cfg.Path)
	}
	if cfg.RateLimit.Strategy != defaultStrategy || cfg.RateLimit.Burst != defaultBurst {
		t.Fatalf("rate_limit = %+v", cfg.RateLimit)
	}
	if cfg.Stats.Backend != StatsBackendMemory {
		t.Fatalf("stats.backend = %q", cfg.Stats.Backend)
	}
	if !cfg.Gateway.StatusEnabled() || cfg.Gateway.Addr() != "127.0.0.1:18790" {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Access.Enabled() {
		t.Fatal("access must be off without rules")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Chdir(t.TempDir())

	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"rate_limit": {"strategy": "direct_wait"}, "gateway": {"port": 1}}`)

	t.Setenv(envConfigPath, path)
	t.Setenv("TGPIPE_RATE_LIMIT_STRATEGY", "keyed_discard")
	t.Setenv("TGPIPE_RATE_LIMIT_PERIOD", "30s")
	t.Setenv("TGPIPE_GATEWAY_PORT", "-1")
	t.Setenv("TGPIPE_LOG_LEVEL", "warn")
	t.Setenv(envTelegramBotToken, " 999:xyz ")
	t.Setenv(envTelegramAllowFrom, "@alice, ,7")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.RateLimit.Strategy != "keyed_discard" || cfg.RateLimit.Period.Std() != 30*time.Second {
		t.Fatalf("rate_limit = %+v", cfg.RateLimit)
	}
	if cfg.Gateway.StatusEnabled() {
		t.Fatal("negative port must disable the status server")
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Channels.Telegram.Token != "999:xyz" {
		t.Fatalf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if len(cfg.Access.Allow) != 2 || cfg.Access.Allow[0] != "@alice" || cfg.Access.Allow[1] != "7" {
		t.Fatalf("access.allow = %v", cfg.Access.Allow)
	}
}

func TestDotEnvIsLoaded(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(envConfigPath, "")

	const key = "TGPIPE_GATEWAY_QUEUE_SIZE"
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unset %s: %v", key, err)
	}
	writeFile(t, filepath.Join(dir, ".env"), key+"=7\n")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Gateway.QueueSize != 7 {
		t.Fatalf("gateway.queue_size = %d, want 7 from .env", cfg.Gateway.QueueSize)
	}
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestLoadConfigMissingExplicitPath(t *testing.T) {
	t.Chdir(t.TempDir())

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, "")
	t.Setenv(envTelegramBotToken, "")

	tests := map[string]string{
		"stats backend":    `{"stats": {"backend": "postgres"}}`,
		"rule action":      `{"access": {"rules": [{"action": "maybe", "principal": "1"}]}}`,
		"rule principal":   `{"access": {"rules": [{"action": "allow"}]}}`,
		"telegram token":   `{"channels": {"telegram": {"enabled": true}}}`,
		"bad duration":     `{"rate_limit": {"period": "soon"}}`,
		"malformed config": `{"gateway":`,
	}

	for name, content := range tests {
		path := filepath.Join(t.TempDir(), "config.json")
		writeFile(t, path, content)
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
