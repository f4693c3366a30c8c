package symbols

import (
	"strings"
	"testing"
)

func seededValidator() *Validator {
	v := NewValidator()
	v.Put(Key{Exchange: "paper", Symbol: "BTC/USDT", MarketType: "FUTURES"}, MarketInfo{
		MinQty:          0.001,
		MaxQty:          100,
		StepSize:        0.001,
		TickSize:        0.1,
		MinNotional:     10,
		PricePrecision:  1,
		AmountPrecision: 3,
	})
	return v
}

func TestValidateOrderRoundsDown(t *testing.T) {
	v := seededValidator()

	qty, price, err := v.ValidateOrder("paper", "BTC/USDT", "FUTURES", 0.12345, 50000.19, 0)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if qty != 0.123 {
		t.Errorf("qty = %v, want 0.123 (floored to step)", qty)
	}
	if price != 50000.1 {
		t.Errorf("price = %v, want 50000.1 (floored to tick)", price)
	}
}

func TestValidateOrderRejectsBelowMinQty(t *testing.T) {
	v := seededValidator()
	// 0.0009 floors to 0.000, below the 0.001 minimum.
	if _, _, err := v.ValidateOrder("paper", "BTC/USDT", "FUTURES", 0.0009, 50000, 0); err == nil {
		t.Error("expected minimum-quantity rejection")
	}
}

func TestValidateOrderRejectsAboveMaxQty(t *testing.T) {
	v := seededValidator()
	if _, _, err := v.ValidateOrder("paper", "BTC/USDT", "FUTURES", 500, 50000, 0); err == nil {
		t.Error("expected maximum-quantity rejection")
	}
}

func TestValidateOrderMinNotional(t *testing.T) {
	v := seededValidator()

	// 0.001 * 5000 = 5 < 10 minimum notional.
	if _, _, err := v.ValidateOrder("paper", "BTC/USDT", "FUTURES", 0.001, 5000, 0); err == nil {
		t.Error("expected notional rejection on a priced order")
	}

	// Market order: price 0, the reference price carries the notional check.
	if _, _, err := v.ValidateOrder("paper", "BTC/USDT", "FUTURES", 0.001, 0, 5000); err == nil {
		t.Error("expected notional rejection through refPrice")
	}
	if _, _, err := v.ValidateOrder("paper", "BTC/USDT", "FUTURES", 0.001, 0, 50000); err != nil {
		t.Errorf("notional 50 should pass: %v", err)
	}
}

func TestValidateOrderUnknownSymbolFailsClosed(t *testing.T) {
	v := seededValidator()
	_, _, err := v.ValidateOrder("paper", "DOGE/USDT", "FUTURES", 1, 0.1, 0)
	if err == nil {
		t.Fatal("unknown symbol must be rejected")
	}
	if !strings.Contains(err.Error(), ErrSymbolUnknown.Error()) {
		t.Errorf("err = %v, want ErrSymbolUnknown", err)
	}
}

func TestRoundDownNeverRoundsUp(t *testing.T) {
	// 0.1 steps are classic float trouble; flooring must not creep upward.
	cases := []struct {
		value, step float64
		precision   int
		want        float64
	}{
		{0.29999999, 0.1, 8, 0.2},
		{0.3, 0.1, 8, 0.3},
		{1.005, 0.01, 8, 1.0},
		{123.456, 0, 2, 123.45},
	}
	for _, c := range cases {
		if got := roundDownToStep(c.value, c.step, c.precision); got != c.want {
			t.Errorf("roundDownToStep(%v, %v, %d) = %v, want %v", c.value, c.step, c.precision, got, c.want)
		}
	}
}
