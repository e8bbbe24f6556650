package binance

import (
	"bytes"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Signer produces the signature parameter for a canonical query string.
// Implementations must be deterministic: equal payloads give equal signatures.
type Signer interface {
	Sign(payload string) string
}

type HMACSigner struct {
	secret []byte
}

func NewHMACSigner(secret string) HMACSigner {
	return HMACSigner{secret: []byte(secret)}
}

func (s HMACSigner) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Ed25519Signer signs with an Ed25519 API key. Ed25519 signatures are
// deterministic for a fixed key and message.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

func NewEd25519Signer(key ed25519.PrivateKey) (Ed25519Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return Ed25519Signer{}, errors.New("invalid ed25519 private key size")
	}
	return Ed25519Signer{key: key}, nil
}

// LoadEd25519Signer reads the private key registered with the API key.
func LoadEd25519Signer(path string) (Ed25519Signer, error) {
	if path == "" {
		return Ed25519Signer{}, errors.New("ed25519_private_key_path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Ed25519Signer{}, err
	}
	key, err := parseEd25519Key(bytes.TrimSpace(data))
	if err != nil {
		return Ed25519Signer{}, fmt.Errorf("%s: %w", path, err)
	}
	return NewEd25519Signer(key)
}

var errKeyFormat = errors.New("unsupported ed25519 private key format")

// parseEd25519Key accepts a PKCS#8 PEM block (what openssl genpkey writes),
// or base64 of either the 64-byte private key or its 32-byte seed.
func parseEd25519Key(data []byte) (ed25519.PrivateKey, error) {
	if len(data) == 0 {
		return nil, errors.New("empty ed25519 private key")
	}
	if block, _ := pem.Decode(data); block != nil {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("pkcs8: %w", err)
		}
		key, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("pem holds %T: %w", parsed, errKeyFormat)
		}
		return key, nil
	}
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, errKeyFormat
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	}
	return nil, fmt.Errorf("%d decoded bytes: %w", len(raw), errKeyFormat)
}

func (s Ed25519Signer) Sign(payload string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, []byte(payload)))
}

// nonceSource hands out millisecond timestamps that strictly increase even
// when the clock stalls or steps backwards.
type nonceSource struct {
	clock clock.Clock
	last  atomic.Int64
}

func newNonceSource(clk clock.Clock) *nonceSource {
	if clk == nil {
		clk = clock.New()
	}
	return &nonceSource{clock: clk}
}

func (n *nonceSource) Next() int64 {
	for {
		now := n.clock.Now().UnixMilli()
		last := n.last.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if n.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// signParams adds timestamp and recvWindow to params and returns the encoded
// query with the signature appended last. The signed payload is
// params.Encode(), which sorts keys, so equal params give equal signatures.
func signParams(params url.Values, signer Signer, timestamp int64, recvWindow time.Duration) (string, error) {
	if signer == nil {
		return "", fmt.Errorf("signed request without credentials")
	}
	params.Del("signature")
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	if recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))
	}
	payload := params.Encode()
	signature := signer.Sign(payload)
	params.Set("signature", signature)
	return payload + "&signature=" + url.QueryEscape(signature), nil
}
