package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Mode string

type KeyType string

type RatePolicy string

const (
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const (
	KeyTypeHMAC    KeyType = "hmac"
	KeyTypeEd25519 KeyType = "ed25519"
)

const (
	RatePolicyFail RatePolicy = "fail"
	RatePolicyWait RatePolicy = "wait"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Symbols        []string             `yaml:"symbols"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Retry          RetryConfig          `yaml:"retry"`
	Stream         StreamConfig         `yaml:"stream"`
	Book           BookConfig           `yaml:"book"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	KeyType           KeyType `yaml:"key_type"`
	Ed25519KeyPath    string  `yaml:"ed25519_private_key_path"`
	RestBaseURL       string  `yaml:"rest_base_url"`
	StreamURL         string  `yaml:"stream_url"`
	RecvWindowMs      int64   `yaml:"recv_window_ms"`
	HTTPTimeoutSec    int64   `yaml:"http_timeout_sec"`
	ClientOrderPrefix string  `yaml:"client_order_prefix"`
}

// RateLimitConfig sizes the request-weight bucket. Binance spot allows 6000
// weight per minute per IP.
type RateLimitConfig struct {
	Capacity     int        `yaml:"capacity"`
	RefillPerSec float64    `yaml:"refill_per_sec"`
	Policy       RatePolicy `yaml:"policy"`
	MaxWaitMs    int64      `yaml:"max_wait_ms"`
}

type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialIntervalMs int64   `yaml:"initial_interval_ms"`
	MaxIntervalMs     int64   `yaml:"max_interval_ms"`
	Jitter            float64 `yaml:"jitter"`
	AttemptTimeoutSec int64   `yaml:"attempt_timeout_sec"`
}

type StreamConfig struct {
	HeartbeatSec        int64   `yaml:"heartbeat_sec"`
	HandshakeTimeoutSec int64   `yaml:"handshake_timeout_sec"`
	BackoffBaseMs       int64   `yaml:"backoff_base_ms"`
	BackoffMaxMs        int64   `yaml:"backoff_max_ms"`
	BackoffJitter       float64 `yaml:"backoff_jitter"`
	UpdateSpeed         string  `yaml:"update_speed"`
	EventBuffer         int     `yaml:"event_buffer"`
	LifecycleBuffer     int     `yaml:"lifecycle_buffer"`
}

type BookConfig struct {
	SnapshotDepth int `yaml:"snapshot_depth"`
	BufferLimit   int `yaml:"buffer_limit"`
}

// CircuitBreakerConfig bounds consecutive failures before reconnects pause
// for a cooldown and order calls are refused.
type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
	ReconnectProbePasses int   `yaml:"reconnect_probe_passes"`
}

type ObservabilityConfig struct {
	LogLevel    string         `yaml:"log_level"`
	MetricsAddr string         `yaml:"metrics_addr"`
	Telegram    TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	symbols := make([]string, 0, len(c.Symbols))
	seen := make(map[string]struct{}, len(c.Symbols))
	for _, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	c.Symbols = symbols
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.KeyType = KeyType(strings.ToLower(strings.TrimSpace(string(c.Exchange.KeyType))))
	c.Exchange.Ed25519KeyPath = strings.TrimSpace(c.Exchange.Ed25519KeyPath)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.StreamURL = strings.TrimSpace(c.Exchange.StreamURL)
	c.Exchange.ClientOrderPrefix = strings.ToLower(strings.TrimSpace(c.Exchange.ClientOrderPrefix))
	c.RateLimit.Policy = RatePolicy(strings.ToLower(strings.TrimSpace(string(c.RateLimit.Policy))))
	c.Stream.UpdateSpeed = strings.ToLower(strings.TrimSpace(c.Stream.UpdateSpeed))
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.MetricsAddr = strings.TrimSpace(c.Observability.MetricsAddr)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTestnet
	}
	if c.Exchange.KeyType == "" {
		c.Exchange.KeyType = KeyTypeHMAC
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.ClientOrderPrefix == "" {
		c.Exchange.ClientOrderPrefix = "sc"
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		case ModeLive:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.StreamURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.StreamURL = "wss://stream.testnet.binance.vision/ws"
		case ModeLive:
			c.Exchange.StreamURL = "wss://stream.binance.com:9443/ws"
		}
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 6000
	}
	if c.RateLimit.RefillPerSec == 0 {
		c.RateLimit.RefillPerSec = 100
	}
	if c.RateLimit.Policy == "" {
		c.RateLimit.Policy = RatePolicyWait
	}
	if c.RateLimit.MaxWaitMs == 0 {
		c.RateLimit.MaxWaitMs = 5000
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Retry.InitialIntervalMs == 0 {
		c.Retry.InitialIntervalMs = 250
	}
	if c.Retry.MaxIntervalMs == 0 {
		c.Retry.MaxIntervalMs = 5000
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = 0.2
	}
	if c.Retry.AttemptTimeoutSec == 0 {
		c.Retry.AttemptTimeoutSec = 10
	}
	if c.Stream.HeartbeatSec == 0 {
		c.Stream.HeartbeatSec = 30
	}
	if c.Stream.HandshakeTimeoutSec == 0 {
		c.Stream.HandshakeTimeoutSec = 10
	}
	if c.Stream.BackoffBaseMs == 0 {
		c.Stream.BackoffBaseMs = 1000
	}
	if c.Stream.BackoffMaxMs == 0 {
		c.Stream.BackoffMaxMs = 30000
	}
	if c.Stream.BackoffJitter == 0 {
		c.Stream.BackoffJitter = 0.2
	}
	if c.Stream.UpdateSpeed == "" {
		c.Stream.UpdateSpeed = "100ms"
	}
	if c.Stream.EventBuffer == 0 {
		c.Stream.EventBuffer = 1024
	}
	if c.Stream.LifecycleBuffer == 0 {
		c.Stream.LifecycleBuffer = 64
	}
	if c.Book.SnapshotDepth == 0 {
		c.Book.SnapshotDepth = 1000
	}
	if c.Book.BufferLimit == 0 {
		c.Book.BufferLimit = 4096
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.ReconnectCooldownSec == 0 {
		c.CircuitBreaker.ReconnectCooldownSec = 300
	}
	if c.CircuitBreaker.ReconnectProbePasses == 0 {
		c.CircuitBreaker.ReconnectProbePasses = 1
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be testnet or live")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one symbol")
	}
	for _, s := range c.Symbols {
		if !isValidSymbol(s) {
			return fmt.Errorf("symbol %q must match [A-Z0-9], length 2..20", s)
		}
	}
	if (c.Exchange.APIKey == "") != (c.Exchange.APISecret == "") && c.Exchange.KeyType == KeyTypeHMAC {
		return fmt.Errorf("exchange api_key and api_secret must be set together")
	}
	switch c.Exchange.KeyType {
	case KeyTypeHMAC:
	case KeyTypeEd25519:
		if c.Exchange.APIKey == "" || c.Exchange.Ed25519KeyPath == "" {
			return fmt.Errorf("exchange api_key and ed25519_private_key_path are required for ed25519 keys")
		}
	default:
		return fmt.Errorf("exchange key_type must be hmac or ed25519")
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.StreamURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange stream_url %v", err)
	}
	if !isValidPrefix(c.Exchange.ClientOrderPrefix) {
		return fmt.Errorf("exchange client_order_prefix must match [a-z0-9_-], length 1..20")
	}
	if c.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate_limit capacity must be >= 1")
	}
	if c.RateLimit.RefillPerSec <= 0 {
		return fmt.Errorf("rate_limit refill_per_sec must be > 0")
	}
	if c.RateLimit.Policy != RatePolicyFail && c.RateLimit.Policy != RatePolicyWait {
		return fmt.Errorf("rate_limit policy must be fail or wait")
	}
	if c.RateLimit.MaxWaitMs < 0 || c.RateLimit.MaxWaitMs > 60000 {
		return fmt.Errorf("rate_limit max_wait_ms must be between 0 and 60000")
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry max_attempts must be between 1 and 10")
	}
	if c.Retry.InitialIntervalMs < 1 || c.Retry.MaxIntervalMs < c.Retry.InitialIntervalMs {
		return fmt.Errorf("retry intervals must satisfy 1 <= initial_interval_ms <= max_interval_ms")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be between 0 and 1")
	}
	if c.Retry.AttemptTimeoutSec < 1 || c.Retry.AttemptTimeoutSec > 120 {
		return fmt.Errorf("retry attempt_timeout_sec must be between 1 and 120")
	}
	if c.Stream.HeartbeatSec < 1 || c.Stream.HeartbeatSec > 600 {
		return fmt.Errorf("stream heartbeat_sec must be between 1 and 600")
	}
	if c.Stream.HandshakeTimeoutSec < 1 || c.Stream.HandshakeTimeoutSec > 120 {
		return fmt.Errorf("stream handshake_timeout_sec must be between 1 and 120")
	}
	if c.Stream.BackoffBaseMs < 1 || c.Stream.BackoffMaxMs < c.Stream.BackoffBaseMs {
		return fmt.Errorf("stream backoff must satisfy 1 <= backoff_base_ms <= backoff_max_ms")
	}
	if c.Stream.BackoffJitter < 0 || c.Stream.BackoffJitter > 1 {
		return fmt.Errorf("stream backoff_jitter must be between 0 and 1")
	}
	if c.Stream.UpdateSpeed != "100ms" && c.Stream.UpdateSpeed != "1000ms" {
		return fmt.Errorf("stream update_speed must be 100ms or 1000ms")
	}
	if c.Stream.EventBuffer < 1 || c.Stream.LifecycleBuffer < 1 {
		return fmt.Errorf("stream event_buffer and lifecycle_buffer must be >= 1")
	}
	if c.Book.SnapshotDepth < 1 || c.Book.SnapshotDepth > 5000 {
		return fmt.Errorf("book snapshot_depth must be between 1 and 5000")
	}
	if c.Book.BufferLimit < 1 {
		return fmt.Errorf("book buffer_limit must be >= 1")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.ReconnectCooldownSec < 1 || c.CircuitBreaker.ReconnectCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.reconnect_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ReconnectProbePasses < 1 || c.CircuitBreaker.ReconnectProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.reconnect_probe_passes must be between 1 and 20")
		}
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability log_level must be debug, info, warn, or error")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func isValidPrefix(v string) bool {
	if len(v) < 1 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 2 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
