package webhook

import (
	"testing"

	"github.com/binee108/webserver-sub003/pkg/db"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"BTCUSDT", "BTC/USDT", false},
		{"BTCUSDT.P", "BTC/USDT", false},
		{"btc/usdt", "BTC/USDT", false},
		{" ETHUSDC ", "ETH/USDC", false},
		{"ETHBTC", "ETH/BTC", false},
		{"SOLKRW", "SOL/KRW", false},
		{"FOO", "", true},
		{"", "", true},
		{"/USDT", "", true},
		{"USDT", "", true},
	}
	for _, c := range cases {
		got, err := NormalizeSymbol(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("NormalizeSymbol(%q) = %q, want error", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeSymbol(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func intPtr(v int) *int { return &v }

func basePayload() Payload {
	return Payload{
		GroupName: "trend-1",
		Token:     "tok",
		Exchange:  "paper",
		Market:    "FUTURE",
		Currency:  "USDT",
		Symbol:    "BTCUSDT",
		OrderType: "LIMIT",
		Side:      "buy",
		Price:     "50000",
		QtyPer:    intPtr(10),
	}
}

func TestPayloadNormalize(t *testing.T) {
	t.Run("valid limit order", func(t *testing.T) {
		sig, err := basePayload().Normalize()
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if sig.Symbol != "BTC/USDT" || sig.MarketType != db.MarketFutures ||
			sig.Side != db.SideBuy || sig.Price != 50000 || sig.QtyPer != 10 {
			t.Errorf("unexpected signal: %+v", sig)
		}
	})

	t.Run("negative qty_per closes position", func(t *testing.T) {
		p := basePayload()
		p.OrderType = "MARKET"
		p.Price = ""
		p.QtyPer = intPtr(-1)
		sig, err := p.Normalize()
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if !sig.CloseAll {
			t.Error("negative qty_per must set CloseAll")
		}
	})

	t.Run("cancel without side or qty_per", func(t *testing.T) {
		p := basePayload()
		p.OrderType = "CANCEL_ALL_ORDER"
		p.Side = ""
		p.Price = ""
		p.QtyPer = nil
		if _, err := p.Normalize(); err != nil {
			t.Errorf("cancel-all should not require side or qty_per: %v", err)
		}
	})

	invalid := []struct {
		name   string
		mutate func(*Payload)
	}{
		{"missing group", func(p *Payload) { p.GroupName = "" }},
		{"missing token", func(p *Payload) { p.Token = "" }},
		{"unknown market", func(p *Payload) { p.Market = "OPTIONS" }},
		{"unknown orderType", func(p *Payload) { p.OrderType = "ICEBERG" }},
		{"unknown side", func(p *Payload) { p.Side = "long" }},
		{"limit without price", func(p *Payload) { p.Price = "" }},
		{"bad price", func(p *Payload) { p.Price = "fifty" }},
		{"stop without stop_price", func(p *Payload) { p.OrderType = "STOP_MARKET"; p.Price = "" }},
		{"qty_per zero", func(p *Payload) { p.QtyPer = intPtr(0) }},
		{"qty_per above 100", func(p *Payload) { p.QtyPer = intPtr(150) }},
		{"qty_per missing", func(p *Payload) { p.QtyPer = nil }},
		{"bad symbol", func(p *Payload) { p.Symbol = "???" }},
	}
	for _, c := range invalid {
		t.Run(c.name, func(t *testing.T) {
			p := basePayload()
			c.mutate(&p)
			if _, err := p.Normalize(); err == nil {
				t.Errorf("expected error for %s", c.name)
			}
		})
	}
}
