package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"spot-connect/internal/config"
	"spot-connect/internal/core"
	"spot-connect/internal/metrics"
	"spot-connect/internal/ratelimit"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RequestSpec describes one REST call. Weight is the number of bucket
// tokens the call costs; zero means 1.
type RequestSpec struct {
	Method string
	Path   string
	Params url.Values
	Auth   AuthType
	Weight int
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type RetryOptions struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Jitter          float64
	AttemptTimeout  time.Duration
}

// Client is the request dispatcher: it signs, rate limits and retries REST
// calls against one Binance account.
type Client struct {
	apiKey            string
	signer            Signer
	baseURL           string
	clientOrderPrefix string
	recvWindow        time.Duration
	httpClient        Doer
	budget            *ratelimit.Budget
	retry             RetryOptions
	nonce             *nonceSource
	logger            *zap.Logger
	metrics           *metrics.Metrics
}

type Options struct {
	APIKey            string
	Signer            Signer
	RestBaseURL       string
	ClientOrderPrefix string
	RecvWindow        time.Duration
	HTTPTimeout       time.Duration
	HTTPClient        Doer
	Budget            *ratelimit.Budget
	Retry             RetryOptions
	Clock             clock.Clock
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// NewClient builds a dispatcher from config. Credentials are optional; without
// them only public endpoints can be called.
func NewClient(cfg config.Config, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	var signer Signer
	creds := cfg.Exchange.Credentials()
	switch cfg.Exchange.KeyType {
	case config.KeyTypeEd25519:
		s, err := LoadEd25519Signer(cfg.Exchange.Ed25519KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load ed25519 key: %w", err)
		}
		signer = s
	default:
		if creds.APISecret != "" {
			signer = NewHMACSigner(creds.APISecret)
		}
	}
	budget, err := ratelimit.New(ratelimit.Options{
		Capacity:        cfg.RateLimit.Capacity,
		RefillPerSecond: cfg.RateLimit.RefillPerSec,
		Policy:          ratelimit.Policy(cfg.RateLimit.Policy),
		MaxWait:         time.Duration(cfg.RateLimit.MaxWaitMs) * time.Millisecond,
		Clock:           clk,
	})
	if err != nil {
		return nil, err
	}
	return NewClientWithOptions(Options{
		APIKey:            creds.APIKey,
		Signer:            signer,
		RestBaseURL:       cfg.Exchange.RestBaseURL,
		ClientOrderPrefix: cfg.Exchange.ClientOrderPrefix,
		RecvWindow:        time.Duration(cfg.Exchange.RecvWindowMs) * time.Millisecond,
		HTTPTimeout:       time.Duration(cfg.Exchange.HTTPTimeoutSec) * time.Second,
		Budget:            budget,
		Retry: RetryOptions{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: time.Duration(cfg.Retry.InitialIntervalMs) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Retry.MaxIntervalMs) * time.Millisecond,
			Jitter:          cfg.Retry.Jitter,
			AttemptTimeout:  time.Duration(cfg.Retry.AttemptTimeoutSec) * time.Second,
		},
		Clock:   clk,
		Logger:  logger,
		Metrics: m,
	}), nil
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeout > 0 {
		timeout = opts.HTTPTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	retry := opts.Retry
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 250 * time.Millisecond
	}
	if retry.MaxInterval < retry.InitialInterval {
		retry.MaxInterval = retry.InitialInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Discard()
	}
	c := &Client{
		apiKey:            opts.APIKey,
		signer:            opts.Signer,
		baseURL:           strings.TrimRight(opts.RestBaseURL, "/"),
		clientOrderPrefix: normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		recvWindow:        opts.RecvWindow,
		httpClient:        httpClient,
		budget:            opts.Budget,
		retry:             retry,
		nonce:             newNonceSource(opts.Clock),
		logger:            logger.Named("binance"),
		metrics:           m,
	}
	if c.budget != nil {
		m.RegisterGauge("rest_budget_tokens", "Request-weight tokens currently available.", c.budget.Tokens)
	}
	return c
}

// HasCredentials reports whether signed endpoints can be called.
func (c *Client) HasCredentials() bool { return c.signer != nil && c.apiKey != "" }

// FetchSnapshot loads a depth snapshot. Malformed payloads are retried like
// transient failures.
func (c *Client) FetchSnapshot(ctx context.Context, symbol core.Symbol, depth int) (core.OrderBookSnapshot, error) {
	if symbol == "" {
		return core.OrderBookSnapshot{}, errors.New("symbol is required")
	}
	if depth < 1 || depth > 5000 {
		return core.OrderBookSnapshot{}, fmt.Errorf("depth must be between 1 and 5000, got %d", depth)
	}
	params := url.Values{}
	params.Set("symbol", symbol.String())
	params.Set("limit", strconv.Itoa(depth))
	auth := AuthNone
	if c.HasCredentials() {
		auth = AuthSigned
	}
	var snap core.OrderBookSnapshot
	_, err := c.execute(ctx, RequestSpec{
		Method: http.MethodGet,
		Path:   "/api/v3/depth",
		Params: params,
		Auth:   auth,
		Weight: depthWeight(depth),
	}, func(body []byte) error {
		var resp depthResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		parsed, err := resp.toSnapshot(symbol)
		if err != nil {
			return err
		}
		snap = parsed
		return nil
	})
	if err != nil {
		return core.OrderBookSnapshot{}, err
	}
	return snap, nil
}

// SignedRequest sends an authenticated call. Only GET is retried.
func (c *Client) SignedRequest(ctx context.Context, spec RequestSpec) (Response, error) {
	if !c.HasCredentials() {
		return Response{}, fmt.Errorf("%s %s: no credentials configured: %w", spec.Method, spec.Path, core.ErrUnauthorized)
	}
	spec.Auth = AuthSigned
	return c.execute(ctx, spec, nil)
}

// depthWeight follows the /api/v3/depth weight table.
func depthWeight(limit int) int {
	switch {
	case limit <= 100:
		return 5
	case limit <= 500:
		return 25
	case limit <= 1000:
		return 50
	default:
		return 250
	}
}

func (c *Client) execute(ctx context.Context, spec RequestSpec, decode func([]byte) error) (Response, error) {
	idempotent := spec.Method == http.MethodGet
	maxAttempts := 1
	if idempotent {
		maxAttempts = c.retry.MaxAttempts
	}
	attempt := 0
	op := func() (Response, error) {
		attempt++
		if attempt > 1 {
			c.metrics.Retries.Inc()
		}
		resp, err := c.doRequest(ctx, spec, decode)
		if err == nil {
			return resp, nil
		}
		if !idempotent || !core.Retryable(err) || ctx.Err() != nil {
			return resp, backoff.Permanent(err)
		}
		if attempt < maxAttempts {
			c.logger.Warn("rest_attempt_failed",
				zap.String("method", spec.Method),
				zap.String("path", spec.Path),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return resp, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.RandomizationFactor = c.retry.Jitter
	b.Multiplier = 2
	b.Reset()
	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	if err != nil {
		return resp, fmt.Errorf("%s %s: %w", spec.Method, spec.Path, err)
	}
	return resp, nil
}

func (c *Client) doRequest(ctx context.Context, spec RequestSpec, decode func([]byte) error) (Response, error) {
	weight := spec.Weight
	if weight <= 0 {
		weight = 1
	}
	if c.budget != nil {
		if err := c.budget.Acquire(ctx, weight); err != nil {
			if errors.Is(err, core.ErrRateLimited) {
				c.metrics.RateLimited.Inc()
			}
			return Response{}, err
		}
	}

	if c.retry.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.retry.AttemptTimeout)
		defer cancel()
	}

	params := cloneValues(spec.Params)
	encoded := params.Encode()
	if spec.Auth == AuthSigned {
		signed, err := signParams(params, c.signer, c.nonce.Next(), c.recvWindow)
		if err != nil {
			return Response{}, err
		}
		encoded = signed
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + spec.Path
	if spec.Method == http.MethodGet || spec.Method == http.MethodDelete {
		if encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, spec.Method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, spec.Method, urlStr, strings.NewReader(encoded))
	}
	if err != nil {
		return Response{}, err
	}
	if spec.Method != http.MethodGet && spec.Method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if spec.Auth == AuthAPIKey || spec.Auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(spec.Path, "transient")
		return Response{}, transientError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(spec.Path, "transient")
		return Response{}, transientError(fmt.Errorf("read body: %w", err))
	}
	out := Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if resp.StatusCode/100 != 2 {
		err := parseAPIError(resp.StatusCode, body)
		c.observe(spec.Path, outcomeOf(err))
		return out, err
	}
	if decode != nil {
		if err := decode(body); err != nil {
			c.observe(spec.Path, "invalid")
			c.logger.Warn("rest_invalid_response", zap.String("path", spec.Path), zap.Error(err))
			return out, invalidResponse(err)
		}
	}
	c.observe(spec.Path, "ok")
	return out, nil
}

func (c *Client) observe(path, outcome string) {
	c.metrics.Requests.WithLabelValues(path, outcome).Inc()
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, core.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, core.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}

func cloneValues(src url.Values) url.Values {
	dst := make(url.Values, len(src)+3)
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
	return dst
}
