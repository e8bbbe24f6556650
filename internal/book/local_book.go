package book

import "spot-connect/internal/core"

// localBook is one symbol's reconstructed book. Levels are keyed by the
// normalized decimal string so 10.0 and 10 are the same price.
type localBook struct {
	bids        map[string]core.PriceLevel
	asks        map[string]core.PriceLevel
	lastApplied uint64
}

func newLocalBook(snap core.OrderBookSnapshot) *localBook {
	b := &localBook{
		bids:        make(map[string]core.PriceLevel, len(snap.Bids)),
		asks:        make(map[string]core.PriceLevel, len(snap.Asks)),
		lastApplied: snap.LastUpdateID,
	}
	setLevels(b.bids, snap.Bids)
	setLevels(b.asks, snap.Asks)
	return b
}

func (b *localBook) apply(ev core.DiffEvent) {
	setLevels(b.bids, ev.Bids)
	setLevels(b.asks, ev.Asks)
	b.lastApplied = ev.FinalUpdateID
}

func setLevels(side map[string]core.PriceLevel, levels []core.PriceLevel) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if lvl.IsRemoval() {
			delete(side, key)
			continue
		}
		side[key] = lvl
	}
}

// best returns the highest bid and lowest ask. An empty side yields a zero level.
func (b *localBook) best() (bid, ask core.PriceLevel) {
	first := true
	for _, lvl := range b.bids {
		if first || lvl.Price.GreaterThan(bid.Price) {
			bid = lvl
			first = false
		}
	}
	first = true
	for _, lvl := range b.asks {
		if first || lvl.Price.LessThan(ask.Price) {
			ask = lvl
			first = false
		}
	}
	return bid, ask
}

// snapshot copies the top limit levels per side; limit <= 0 copies everything.
func (b *localBook) snapshot(symbol core.Symbol, limit int) core.OrderBookSnapshot {
	bids := collect(b.bids)
	asks := collect(b.asks)
	core.SortBids(bids)
	core.SortAsks(asks)
	if limit > 0 {
		if len(bids) > limit {
			bids = bids[:limit]
		}
		if len(asks) > limit {
			asks = asks[:limit]
		}
	}
	return core.OrderBookSnapshot{
		Symbol:       symbol,
		LastUpdateID: b.lastApplied,
		Bids:         bids,
		Asks:         asks,
	}
}

func collect(side map[string]core.PriceLevel) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(side))
	for _, lvl := range side {
		out = append(out, lvl)
	}
	return out
}
