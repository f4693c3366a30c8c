// Package exchange defines the capability surface the execution core expects
// from an exchange integration. Concrete venue clients live outside the core;
// they only need to satisfy Adapter and speak this package's normalized types.
package exchange

import (
	"context"
	"encoding/json"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the core places.
type OrderType string

const (
	TypeMarket     OrderType = "MARKET"
	TypeLimit      OrderType = "LIMIT"
	TypeStopMarket OrderType = "STOP_MARKET"
	TypeStopLimit  OrderType = "STOP_LIMIT"
	TypeBestLimit  OrderType = "BEST_LIMIT"
)

// MarketType distinguishes spot vs futures venues.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketFutures MarketType = "FUTURES"
)

// Status normalizes exchange order status into a small set.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusPartial   Status = "PARTIALLY_FILLED"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether a normalized status is final on the exchange.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol    string
	Side      Side
	Type      OrderType
	Quantity  float64
	Price     float64 // required for LIMIT / STOP_LIMIT
	StopPrice float64 // required for STOP_MARKET / STOP_LIMIT
	Market    MarketType
	ClientID  string
	Params    map[string]string // venue-specific passthrough
}

// Order is the normalized exchange view of an order.
type Order struct {
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Type            OrderType
	Status          Status
	Price           float64
	StopPrice       float64
	Quantity        float64
	FilledQuantity  float64
	AveragePrice    float64
	Fee             float64
	Raw             json.RawMessage
}

// Balance is a normalized asset balance.
type Balance struct {
	Asset string
	Total float64
	Free  float64
}

// StreamEvent is a raw private-stream order notification. The fill monitor
// never trusts Status by itself; it REST-confirms before any state change.
type StreamEvent struct {
	ExchangeOrderID string
	Symbol          string
	Status          string
	Raw             []byte
}

// Adapter is the normalized capability set for one exchange account.
// Credentials live behind the implementation and must never leak out of it.
type Adapter interface {
	Name() string

	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (*Order, error)
	FetchOrder(ctx context.Context, symbol, exchangeOrderID string, market MarketType) (*Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	FetchBalance(ctx context.Context, asset string, market MarketType) (Balance, error)

	// SubscribePrivateOrders invokes onEvent for every order state change on
	// the account's private stream until ctx is done.
	SubscribePrivateOrders(ctx context.Context, onEvent func(StreamEvent)) error

	NormalizeSymbol(standard string) string
	NormalizeStatus(raw string) Status
}
