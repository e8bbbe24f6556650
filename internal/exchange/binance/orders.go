package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"spot-connect/internal/core"
)

var orderSeq uint64

// PlaceOrder submits a new order. It is never retried; a duplicate client id
// rejection is resolved by looking the order up instead.
func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.Symbol == "" {
		return core.Order{}, errors.New("symbol required")
	}
	if order.Qty.Sign() <= 0 {
		return core.Order{}, errors.New("qty must be > 0")
	}
	if order.ClientID == "" {
		order.ClientID = newClientOrderID(c.clientOrderPrefix)
	}
	params := url.Values{}
	params.Set("symbol", order.Symbol.String())
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("quantity", order.Qty.String())
	params.Set("newClientOrderId", order.ClientID)
	params.Set("newOrderRespType", "RESULT")
	if order.Type == core.Limit {
		tif := order.TimeInForce
		if tif == "" {
			tif = core.GTC
		}
		params.Set("timeInForce", string(tif))
		params.Set("price", order.Price.String())
	}

	resp, err := c.SignedRequest(ctx, RequestSpec{
		Method: http.MethodPost,
		Path:   "/api/v3/order",
		Params: params,
		Weight: 1,
	})
	if err != nil {
		if errors.Is(err, core.ErrDuplicateOrder) {
			existing, qerr := c.QueryOrder(ctx, order.Symbol, "", order.ClientID)
			if qerr == nil {
				c.logger.Info("order_duplicate_resolved", zap.String("client_id", order.ClientID))
				return existing, nil
			}
		}
		return core.Order{}, err
	}
	var placed orderResponse
	if err := json.Unmarshal(resp.Body, &placed); err != nil {
		return core.Order{}, invalidResponse(err)
	}
	return placed.toOrder(), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol core.Symbol, orderID string) error {
	if symbol == "" || orderID == "" {
		return errors.New("symbol and orderID required")
	}
	params := url.Values{}
	params.Set("symbol", symbol.String())
	params.Set("orderId", orderID)
	_, err := c.SignedRequest(ctx, RequestSpec{
		Method: http.MethodDelete,
		Path:   "/api/v3/order",
		Params: params,
		Weight: 1,
	})
	return err
}

func (c *Client) QueryOrder(ctx context.Context, symbol core.Symbol, orderID, clientID string) (core.Order, error) {
	if symbol == "" {
		return core.Order{}, errors.New("symbol required")
	}
	if orderID == "" && clientID == "" {
		return core.Order{}, errors.New("orderID or clientID required")
	}
	params := url.Values{}
	params.Set("symbol", symbol.String())
	if orderID != "" {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", clientID)
	}
	resp, err := c.SignedRequest(ctx, RequestSpec{
		Method: http.MethodGet,
		Path:   "/api/v3/order",
		Params: params,
		Weight: 4,
	})
	if err != nil {
		return core.Order{}, err
	}
	var out orderResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return core.Order{}, invalidResponse(err)
	}
	return out.toOrder(), nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol core.Symbol) ([]core.Order, error) {
	params := url.Values{}
	weight := 80
	if symbol != "" {
		params.Set("symbol", symbol.String())
		weight = 6
	}
	resp, err := c.SignedRequest(ctx, RequestSpec{
		Method: http.MethodGet,
		Path:   "/api/v3/openOrders",
		Params: params,
		Weight: weight,
	})
	if err != nil {
		return nil, err
	}
	var raw []orderResponse
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, invalidResponse(err)
	}
	orders := make([]core.Order, 0, len(raw))
	for _, r := range raw {
		orders = append(orders, r.toOrder())
	}
	return orders, nil
}

// OwnsClientID reports whether clientID was generated with this client's prefix.
func (c *Client) OwnsClientID(clientID string) bool {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return false
	}
	return clientID == c.clientOrderPrefix || strings.HasPrefix(clientID, c.clientOrderPrefix+"-")
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "sc"
	}
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}

// newClientOrderID fits the 36 character limit on client order ids.
func newClientOrderID(prefix string) string {
	if prefix == "" {
		prefix = "sc"
	}
	tsPart := strconv.FormatInt(time.Now().UnixNano(), 36)
	seqPart := strconv.FormatUint(atomic.AddUint64(&orderSeq, 1), 36)
	suffix := tsPart + "-" + seqPart
	maxPrefix := 36 - 1 - len(suffix)
	if maxPrefix < 1 {
		maxPrefix = 1
	}
	if len(prefix) > maxPrefix {
		prefix = prefix[:maxPrefix]
	}
	return fmt.Sprintf("%s-%s", prefix, suffix)
}
