package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func lvl(price, qty string) PriceLevel {
	return PriceLevel{Price: decimal.RequireFromString(price), Qty: decimal.RequireFromString(qty)}
}

func TestParseSymbol(t *testing.T) {
	got, err := ParseSymbol(" btcusdt ")
	if err != nil {
		t.Fatalf("ParseSymbol() error = %v", err)
	}
	if got != "BTCUSDT" {
		t.Fatalf("ParseSymbol() = %q, want BTCUSDT", got)
	}
	if got.Stream() != "btcusdt" {
		t.Fatalf("Stream() = %q, want btcusdt", got.Stream())
	}
	for _, bad := range []string{"", "B", "BTC-USDT", "BTC/USDT"} {
		if _, err := ParseSymbol(bad); err == nil {
			t.Fatalf("ParseSymbol(%q) error = nil, want non-nil", bad)
		}
	}
}

func TestNewPriceLevel(t *testing.T) {
	l, err := NewPriceLevel("10.10", "0")
	if err != nil {
		t.Fatalf("NewPriceLevel() error = %v", err)
	}
	if !l.IsRemoval() {
		t.Fatalf("IsRemoval() = false, want true")
	}
	if _, err := NewPriceLevel("abc", "1"); err == nil {
		t.Fatalf("NewPriceLevel(bad price) error = nil")
	}
	if _, err := NewPriceLevel("1", "-1"); err == nil {
		t.Fatalf("NewPriceLevel(negative qty) error = nil")
	}
}

func TestPriceLevelOrderingIsExact(t *testing.T) {
	a := lvl("0.1", "1")
	b := lvl("0.10", "2")
	if a.Compare(b) != 0 {
		t.Fatalf("Compare(0.1, 0.10) = %d, want 0", a.Compare(b))
	}
	if d := a.Delta(b); !d.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("Delta() = %s, want 1", d)
	}

	bids := []PriceLevel{lvl("10", "1"), lvl("10.2", "1"), lvl("9.99", "1")}
	SortBids(bids)
	if bids[0].Price.String() != "10.2" || bids[2].Price.String() != "9.99" {
		t.Fatalf("SortBids() = %v", bids)
	}
	asks := []PriceLevel{lvl("10.3", "1"), lvl("10.1", "1"), lvl("10.2", "1")}
	SortAsks(asks)
	if asks[0].Price.String() != "10.1" || asks[2].Price.String() != "10.3" {
		t.Fatalf("SortAsks() = %v", asks)
	}
}

func TestDiffEventContinues(t *testing.T) {
	d := DiffEvent{FirstUpdateID: 101, FinalUpdateID: 105}
	if !d.Continues(100) {
		t.Fatalf("Continues(100) = false, want true")
	}
	if d.Continues(101) {
		t.Fatalf("Continues(101) = true, want false")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(fmt.Errorf("fetch: %w", ErrTransient)) {
		t.Fatalf("Retryable(transient) = false")
	}
	if !Retryable(errors.Join(errors.New("bad json"), ErrInvalidResponse)) {
		t.Fatalf("Retryable(invalid response) = false")
	}
	if Retryable(ErrUnauthorized) {
		t.Fatalf("Retryable(unauthorized) = true")
	}
}

func TestConnectionStateString(t *testing.T) {
	if Live.String() != "live" || Backoff.String() != "backoff" {
		t.Fatalf("String() mismatch")
	}
	if !Syncing.Connected() || Backoff.Connected() {
		t.Fatalf("Connected() mismatch")
	}
}
