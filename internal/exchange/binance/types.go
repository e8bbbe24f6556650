package binance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"spot-connect/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type depthResponse struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type orderResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	TimeInForce        string `json:"timeInForce"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Time               int64  `json:"time"`
	TransactTime       int64  `json:"transactTime"`
	UpdateTime         int64  `json:"updateTime"`
}

func parseLevels(raw [][]string) ([]core.PriceLevel, error) {
	levels := make([]core.PriceLevel, 0, len(raw))
	for i, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level %d has %d fields", i, len(pair))
		}
		lvl, err := core.NewPriceLevel(pair[0], pair[1])
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

func (r depthResponse) toSnapshot(symbol core.Symbol) (core.OrderBookSnapshot, error) {
	if r.LastUpdateID == 0 {
		return core.OrderBookSnapshot{}, fmt.Errorf("depth response missing lastUpdateId")
	}
	bids, err := parseLevels(r.Bids)
	if err != nil {
		return core.OrderBookSnapshot{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(r.Asks)
	if err != nil {
		return core.OrderBookSnapshot{}, fmt.Errorf("asks: %w", err)
	}
	core.SortBids(bids)
	core.SortAsks(asks)
	return core.OrderBookSnapshot{
		Symbol:       symbol,
		LastUpdateID: r.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
	}, nil
}

func (r orderResponse) toOrder() core.Order {
	price, _ := decimal.NewFromString(r.Price)
	qty, _ := decimal.NewFromString(r.OrigQty)
	executed, _ := decimal.NewFromString(r.ExecutedQty)
	order := core.Order{
		ID:          strconv.FormatInt(r.OrderID, 10),
		ClientID:    r.ClientOrderID,
		Symbol:      core.Symbol(r.Symbol),
		Side:        core.Side(r.Side),
		Type:        core.OrderType(r.Type),
		TimeInForce: core.TimeInForce(r.TimeInForce),
		Price:       price,
		Qty:         qty,
		ExecutedQty: executed,
		Status:      core.OrderStatus(r.Status),
	}
	created := r.Time
	if created == 0 {
		created = r.TransactTime
	}
	if created > 0 {
		order.CreatedAt = time.UnixMilli(created)
	}
	if r.UpdateTime > 0 {
		order.UpdatedAt = time.UnixMilli(r.UpdateTime)
	}
	return order
}
