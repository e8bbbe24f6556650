package main

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"spot-connect/internal/core"
)

func TestParseCheckFlag(t *testing.T) {
	got, err := parseCheckFlag("default")
	if err != nil || !got.snapshot || !got.stream || got.signed {
		t.Fatalf("parseCheckFlag(default) = %+v, %v", got, err)
	}
	got, err = parseCheckFlag(" Signed, snapshot ")
	if err != nil || !got.snapshot || !got.signed || got.stream {
		t.Fatalf("parseCheckFlag(list) = %+v, %v", got, err)
	}
	if _, err := parseCheckFlag("bootstrap"); err == nil {
		t.Fatalf("parseCheckFlag(bootstrap) error = nil, want non-nil")
	}
	if _, err := parseCheckFlag(","); err == nil {
		t.Fatalf("parseCheckFlag(,) error = nil, want non-nil")
	}
}

func lvl(price string) core.PriceLevel {
	return core.PriceLevel{Price: decimal.RequireFromString(price), Qty: decimal.NewFromInt(1)}
}

func TestDescribeSnapshot(t *testing.T) {
	detail, err := describeSnapshot(core.OrderBookSnapshot{
		LastUpdateID: 9,
		Bids:         []core.PriceLevel{lvl("99")},
		Asks:         []core.PriceLevel{lvl("101")},
	})
	if err != nil {
		t.Fatalf("describeSnapshot() error = %v", err)
	}
	if !strings.Contains(detail, "spread_bps=200.00") {
		t.Fatalf("detail = %q, want spread_bps=200.00", detail)
	}

	if _, err := describeSnapshot(core.OrderBookSnapshot{
		Bids: []core.PriceLevel{lvl("101")},
		Asks: []core.PriceLevel{lvl("100")},
	}); err == nil {
		t.Fatalf("crossed book accepted")
	}

	detail, err = describeSnapshot(core.OrderBookSnapshot{Bids: []core.PriceLevel{lvl("1")}})
	if err != nil || !strings.Contains(detail, "one_sided=true") {
		t.Fatalf("one sided = %q, %v", detail, err)
	}
}
