package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
symbols: [btcusdt, " ETHUSDT ", BTCUSDT]
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeTestnet {
		t.Fatalf("mode = %q, want %q", cfg.Mode, ModeTestnet)
	}
	if strings.Join(cfg.Symbols, ",") != "BTCUSDT,ETHUSDT" {
		t.Fatalf("symbols = %v, want [BTCUSDT ETHUSDT]", cfg.Symbols)
	}
	if cfg.Exchange.RestBaseURL != "https://testnet.binance.vision" {
		t.Fatalf("exchange.rest_base_url = %q", cfg.Exchange.RestBaseURL)
	}
	if cfg.Exchange.StreamURL != "wss://stream.testnet.binance.vision/ws" {
		t.Fatalf("exchange.stream_url = %q", cfg.Exchange.StreamURL)
	}
	if cfg.RateLimit.Capacity != 6000 || cfg.RateLimit.Policy != RatePolicyWait {
		t.Fatalf("rate_limit = %+v, want capacity 6000 policy wait", cfg.RateLimit)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Fatalf("retry.max_attempts = %d, want 4", cfg.Retry.MaxAttempts)
	}
	if cfg.Stream.HeartbeatSec != 30 || cfg.Stream.BackoffMaxMs != 30000 {
		t.Fatalf("stream = %+v", cfg.Stream)
	}
	if cfg.Book.SnapshotDepth != 1000 || cfg.Book.BufferLimit != 4096 {
		t.Fatalf("book = %+v", cfg.Book)
	}
	if cfg.CircuitBreaker.Enabled || cfg.CircuitBreaker.MaxReconnectFailures != 10 || cfg.CircuitBreaker.ReconnectCooldownSec != 300 {
		t.Fatalf("circuit_breaker = %+v", cfg.CircuitBreaker)
	}
	if !cfg.Exchange.Credentials().Empty() {
		t.Fatalf("credentials = %+v, want empty", cfg.Exchange.Credentials())
	}
}

func TestLoadLiveURLs(t *testing.T) {
	clearCredentialEnv(t)
	cfg, err := Load(writeTempConfig(t, `
mode: LIVE
symbols: [BTCUSDT]
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.RestBaseURL != "https://api.binance.com" {
		t.Fatalf("exchange.rest_base_url = %q", cfg.Exchange.RestBaseURL)
	}
	if cfg.Exchange.StreamURL != "wss://stream.binance.com:9443/ws" {
		t.Fatalf("exchange.stream_url = %q", cfg.Exchange.StreamURL)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	_, err := Load(writeTempConfig(t, `
symbols: [BTCUSDT]
orderbook:
  depth: 3
`))
	if err == nil {
		t.Fatalf("Load() error = nil, want unknown field error")
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	_, err := Load(writeTempConfig(t, `
symbols: [BTCUSDT]
---
symbols: [ETHUSDT]
`))
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v, want single document error", err)
	}
}

func TestLoadValidation(t *testing.T) {
	clearCredentialEnv(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no symbols", `mode: testnet`, "symbols must list"},
		{"bad symbol", `symbols: [BTC-USDT]`, "must match [A-Z0-9]"},
		{"half credentials", "symbols: [BTCUSDT]\nexchange:\n  api_key: k", "must be set together"},
		{"ed25519 without key", "symbols: [BTCUSDT]\nexchange:\n  api_key: k\n  key_type: ed25519", "ed25519_private_key_path"},
		{"bad policy", "symbols: [BTCUSDT]\nrate_limit:\n  policy: maybe", "policy must be fail or wait"},
		{"bad update speed", "symbols: [BTCUSDT]\nstream:\n  update_speed: 250ms", "update_speed"},
		{"depth too large", "symbols: [BTCUSDT]\nbook:\n  snapshot_depth: 9000", "snapshot_depth"},
		{"bad stream url", "symbols: [BTCUSDT]\nexchange:\n  stream_url: https://example.com", "stream_url"},
		{"breaker cooldown too long", "symbols: [BTCUSDT]\ncircuit_breaker:\n  enabled: true\n  reconnect_cooldown_sec: 7200", "reconnect_cooldown_sec"},
		{"telegram missing token", "symbols: [BTCUSDT]\nobservability:\n  telegram:\n    enabled: true\n    chat_id: \"1\"", "bot_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestLoadExampleConfig(t *testing.T) {
	clearCredentialEnv(t)
	cfg, err := Load(filepath.Join("..", "..", "config", "config.example.yaml"))
	if err != nil {
		t.Fatalf("Load(example) error = %v", err)
	}
	if !cfg.CircuitBreaker.Enabled || cfg.Observability.MetricsAddr != ":9102" {
		t.Fatalf("example config = %+v", cfg)
	}
}

func TestLoadEnvOverridesCredentials(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "env-secret")
	cfg, err := Load(writeTempConfig(t, `
symbols: [BTCUSDT]
exchange:
  api_key: file-key
  api_secret: file-secret
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Exchange.Credentials(); got.APIKey != "env-key" || got.APISecret != "env-secret" {
		t.Fatalf("credentials = %+v, want env values", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearCredentialEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("BINANCE_API_KEY=dot-key\nBINANCE_API_SECRET=dot-secret\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	cfg, err := Load(writeTempConfig(t, `symbols: [BTCUSDT]`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "dot-key" || cfg.Exchange.APISecret != "dot-secret" {
		t.Fatalf("credentials = %+v, want .env values", cfg.Exchange.Credentials())
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadEnvFile(missing) error = %v, want nil", err)
	}
}

// clearCredentialEnv unsets the credential variables for the test and
// restores them afterwards.
func clearCredentialEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvAPIKey, EnvAPISecret} {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("Unsetenv(%s) error = %v", key, err)
		}
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
