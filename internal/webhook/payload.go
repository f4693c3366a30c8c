// Package webhook authenticates external trading signals and fans them out
// across the strategy's bound accounts.
package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/binee108/webserver-sub003/pkg/db"
)

// Payload is one TradingView-style signal. Numeric fields arrive as strings.
type Payload struct {
	GroupName string `json:"group_name"`
	Token     string `json:"token"`
	Exchange  string `json:"exchange"`
	Market    string `json:"market"`   // SPOT or FUTURE
	Currency  string `json:"currency"` // sizing currency, e.g. USDT or KRW
	Symbol    string `json:"symbol"`
	OrderType string `json:"orderType"` // MARKET, LIMIT, STOP_LIMIT, STOP_MARKET, CANCEL, CANCEL_ALL_ORDER
	Side      string `json:"side"`      // buy or sell
	Price     string `json:"price,omitempty"`
	StopPrice string `json:"stop_price,omitempty"`
	QtyPer    *int   `json:"qty_per,omitempty"` // percent of allocated capital; negative = close entire position
}

// Signal is the validated, normalized form of a payload.
type Signal struct {
	GroupName  string
	Token      string
	Exchange   string
	MarketType string
	Currency   string
	Symbol     string // BASE/QUOTE
	OrderType  string
	Side       string
	Price      float64
	StopPrice  float64
	QtyPer     int
	CloseAll   bool
}

const (
	ActionCancel    = "CANCEL"
	ActionCancelAll = "CANCEL_ALL_ORDER"
)

// quoteAssets are tried longest-first when splitting a compact symbol.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "KRW", "USD", "BTC", "ETH"}

// NormalizeSymbol converts source symbol spellings (BTCUSDT, BTCUSDT.P,
// BTC/USDT) to the canonical BASE/QUOTE form.
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".P")
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}
	if strings.Contains(s, "/") {
		parts := strings.SplitN(s, "/", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("malformed symbol %q", raw)
		}
		return parts[0] + "/" + parts[1], nil
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "/" + q, nil
		}
	}
	return "", fmt.Errorf("cannot derive quote asset from symbol %q", raw)
}

// Normalize validates a payload and produces the canonical signal.
func (p Payload) Normalize() (Signal, error) {
	sig := Signal{
		GroupName: strings.TrimSpace(p.GroupName),
		Token:     p.Token,
		Exchange:  strings.ToLower(strings.TrimSpace(p.Exchange)),
		Currency:  strings.ToUpper(strings.TrimSpace(p.Currency)),
	}
	if sig.GroupName == "" {
		return sig, fmt.Errorf("group_name is required")
	}
	if sig.Token == "" {
		return sig, fmt.Errorf("token is required")
	}

	switch strings.ToUpper(strings.TrimSpace(p.Market)) {
	case "SPOT", "":
		sig.MarketType = db.MarketSpot
	case "FUTURE", "FUTURES":
		sig.MarketType = db.MarketFutures
	default:
		return sig, fmt.Errorf("unknown market %q", p.Market)
	}

	symbol, err := NormalizeSymbol(p.Symbol)
	if err != nil {
		return sig, err
	}
	sig.Symbol = symbol

	sig.OrderType = strings.ToUpper(strings.TrimSpace(p.OrderType))
	switch sig.OrderType {
	case db.TypeMarket, db.TypeLimit, db.TypeStopMarket, db.TypeStopLimit, db.TypeBestLimit,
		ActionCancel, ActionCancelAll:
	default:
		return sig, fmt.Errorf("unknown orderType %q", p.OrderType)
	}

	switch strings.ToLower(strings.TrimSpace(p.Side)) {
	case "buy":
		sig.Side = db.SideBuy
	case "sell":
		sig.Side = db.SideSell
	case "":
		if sig.OrderType != ActionCancel && sig.OrderType != ActionCancelAll {
			return sig, fmt.Errorf("side is required")
		}
	default:
		return sig, fmt.Errorf("unknown side %q", p.Side)
	}

	if p.Price != "" {
		v, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || v < 0 {
			return sig, fmt.Errorf("bad price %q", p.Price)
		}
		sig.Price = v
	}
	if p.StopPrice != "" {
		v, err := strconv.ParseFloat(p.StopPrice, 64)
		if err != nil || v < 0 {
			return sig, fmt.Errorf("bad stop_price %q", p.StopPrice)
		}
		sig.StopPrice = v
	}

	switch sig.OrderType {
	case db.TypeLimit, db.TypeStopLimit:
		if sig.Price <= 0 {
			return sig, fmt.Errorf("%s requires price", sig.OrderType)
		}
	}
	if db.IsStopType(sig.OrderType) && sig.StopPrice <= 0 {
		return sig, fmt.Errorf("%s requires stop_price", sig.OrderType)
	}

	if p.QtyPer != nil {
		sig.QtyPer = *p.QtyPer
		if sig.QtyPer < 0 {
			sig.CloseAll = true
		} else if sig.QtyPer == 0 || sig.QtyPer > 100 {
			return sig, fmt.Errorf("qty_per %d out of range", sig.QtyPer)
		}
	} else if sig.OrderType != ActionCancel && sig.OrderType != ActionCancelAll {
		return sig, fmt.Errorf("qty_per is required")
	}
	return sig, nil
}
