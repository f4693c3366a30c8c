// Package position maintains the signed per-(strategy-account, symbol)
// position ledger from realized fills.
package position

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/binee108/webserver-sub003/internal/events"
	"github.com/binee108/webserver-sub003/pkg/db"
)

// Fill is a realized execution applied to the ledger.
type Fill struct {
	StrategyAccountID int64
	Symbol            string
	Side              string // BUY or SELL
	Quantity          float64
	Price             float64
}

// Result reports the ledger outcome of applying a fill.
type Result struct {
	Position    db.StrategyPosition
	RealizedPnL float64
	// IsEntry is true when the fill opened or added to a position in the
	// direction of the fill. A flip counts as an entry for the surplus.
	IsEntry bool
}

// Reconciler applies fills to the strategy_positions ledger and publishes
// position updates on the bus.
type Reconciler struct {
	bus *events.Bus
	log *logrus.Entry
}

// NewReconciler builds a reconciler publishing on bus. bus may be nil in tests.
func NewReconciler(bus *events.Bus) *Reconciler {
	return &Reconciler{bus: bus, log: logrus.WithField("component", "position")}
}

// ApplyFill folds a fill into the position for (strategyAccountID, symbol)
// and persists the new row through repo. The caller decides transactionality
// by passing a tx-bound repository.
//
// Same-direction fills move the entry price to the quantity-weighted average.
// Reducing fills realize PnL against the existing entry and keep it.
// A fill larger than the open position flips it: the covered part realizes
// PnL, the surplus opens a fresh position at the fill price.
func (rc *Reconciler) ApplyFill(ctx context.Context, repo *db.Repository, f Fill) (Result, error) {
	if f.Quantity <= 0 {
		return Result{}, fmt.Errorf("apply fill: non-positive quantity %v", f.Quantity)
	}

	cur, err := repo.GetPosition(ctx, f.StrategyAccountID, f.Symbol)
	if err != nil {
		return Result{}, err
	}

	signedFill := decimal.NewFromFloat(f.Quantity)
	if f.Side == db.SideSell {
		signedFill = signedFill.Neg()
	}
	price := decimal.NewFromFloat(f.Price)
	posQty := decimal.NewFromFloat(cur.Quantity)
	entry := decimal.NewFromFloat(cur.EntryPrice)

	var (
		newQty   decimal.Decimal
		newEntry decimal.Decimal
		realized decimal.Decimal
		isEntry  bool
	)

	switch {
	case posQty.IsZero():
		// Fresh open.
		newQty = signedFill
		newEntry = price
		isEntry = true

	case posQty.Sign() == signedFill.Sign():
		// Add in the same direction: weighted average entry.
		newQty = posQty.Add(signedFill)
		notional := posQty.Abs().Mul(entry).Add(signedFill.Abs().Mul(price))
		newEntry = notional.Div(newQty.Abs())
		isEntry = true

	case signedFill.Abs().LessThanOrEqual(posQty.Abs()):
		// Reduce or full close: realize PnL, keep the entry price so a
		// later partial close settles against the same basis.
		closed := signedFill.Abs()
		realized = price.Sub(entry).Mul(closed).Mul(decimal.NewFromInt(int64(posQty.Sign())))
		newQty = posQty.Add(signedFill)
		newEntry = entry

	default:
		// Flip: close out the whole position, re-base the surplus.
		closed := posQty.Abs()
		realized = price.Sub(entry).Mul(closed).Mul(decimal.NewFromInt(int64(posQty.Sign())))
		newQty = posQty.Add(signedFill)
		newEntry = price
		isEntry = true
	}

	if newQty.IsZero() {
		newEntry = decimal.Zero
	}

	next := db.StrategyPosition{
		StrategyAccountID: f.StrategyAccountID,
		Symbol:            f.Symbol,
		Quantity:          newQty.InexactFloat64(),
		EntryPrice:        newEntry.InexactFloat64(),
	}
	if err := repo.UpsertPosition(ctx, next); err != nil {
		return Result{}, err
	}

	res := Result{
		Position:    next,
		RealizedPnL: realized.InexactFloat64(),
		IsEntry:     isEntry,
	}

	if rc.bus != nil {
		rc.bus.Publish(events.EventPositionUpdated, events.PositionEvent{
			StrategyAccountID: f.StrategyAccountID,
			Symbol:            f.Symbol,
			Quantity:          next.Quantity,
			EntryPrice:        next.EntryPrice,
			RealizedPnL:       res.RealizedPnL,
		})
	}

	rc.log.WithFields(logrus.Fields{
		"strategy_account_id": f.StrategyAccountID,
		"symbol":              f.Symbol,
		"qty":                 next.Quantity,
		"entry":               next.EntryPrice,
		"realized_pnl":        res.RealizedPnL,
	}).Debug("position updated")

	return res, nil
}
