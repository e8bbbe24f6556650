package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

type TimeInForce string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

type Order struct {
	ID          string
	ClientID    string
	Symbol      Symbol
	Side        Side
	Type        OrderType
	TimeInForce TimeInForce
	Price       decimal.Decimal
	Qty         decimal.Decimal
	ExecutedQty decimal.Decimal
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
