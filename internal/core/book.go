package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol identifies a tradable instrument. Values are upper case, e.g. BTCUSDT.
type Symbol string

// ParseSymbol normalizes and validates a raw symbol.
func ParseSymbol(raw string) (Symbol, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	if !isValidSymbol(v) {
		return "", fmt.Errorf("invalid symbol %q: must match [A-Z0-9], length 2..20", raw)
	}
	return Symbol(v), nil
}

func (s Symbol) String() string { return string(s) }

// Stream returns the lower-case name used in stream subscriptions.
func (s Symbol) Stream() string { return strings.ToLower(string(s)) }

func isValidSymbol(v string) bool {
	if len(v) < 2 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// PriceLevel is one price on one side of a book. A zero Qty in an update
// removes the level.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

func NewPriceLevel(price, qty string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("qty %q: %w", qty, err)
	}
	if p.Sign() < 0 || q.Sign() < 0 {
		return PriceLevel{}, fmt.Errorf("negative level %s@%s", qty, price)
	}
	return PriceLevel{Price: p, Qty: q}, nil
}

func (l PriceLevel) IsRemoval() bool { return l.Qty.IsZero() }

func (l PriceLevel) IsZero() bool { return l.Price.IsZero() && l.Qty.IsZero() }

// Compare orders levels by price only.
func (l PriceLevel) Compare(other PriceLevel) int { return l.Price.Cmp(other.Price) }

// Delta returns other.Qty - l.Qty.
func (l PriceLevel) Delta(other PriceLevel) decimal.Decimal { return other.Qty.Sub(l.Qty) }

func (l PriceLevel) String() string { return l.Qty.String() + "@" + l.Price.String() }

// SortBids orders levels by descending price.
func SortBids(levels []PriceLevel) {
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Compare(levels[j]) > 0 })
}

// SortAsks orders levels by ascending price.
func SortAsks(levels []PriceLevel) {
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Compare(levels[j]) < 0 })
}

type OrderBookSnapshot struct {
	Symbol       Symbol
	LastUpdateID uint64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// BestBid returns the first bid, or a zero level for an empty side.
func (s OrderBookSnapshot) BestBid() PriceLevel {
	if len(s.Bids) == 0 {
		return PriceLevel{}
	}
	return s.Bids[0]
}

func (s OrderBookSnapshot) BestAsk() PriceLevel {
	if len(s.Asks) == 0 {
		return PriceLevel{}
	}
	return s.Asks[0]
}

// DiffEvent is an incremental book update covering [FirstUpdateID, FinalUpdateID].
type DiffEvent struct {
	Symbol        Symbol
	FirstUpdateID uint64
	FinalUpdateID uint64
	Bids          []PriceLevel
	Asks          []PriceLevel
	EventTime     time.Time
}

// Continues reports whether d directly follows an update id.
func (d DiffEvent) Continues(lastID uint64) bool { return d.FirstUpdateID == lastID+1 }
