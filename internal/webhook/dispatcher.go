package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/binee108/webserver-sub003/internal/locks"
	"github.com/binee108/webserver-sub003/internal/pricing"
	"github.com/binee108/webserver-sub003/internal/queue"
	"github.com/binee108/webserver-sub003/pkg/db"
)

// dispatchTimeout caps end-to-end webhook processing. On expiry the caller
// still gets a 200 so the upstream does not retry; the work continues in the
// background and is logged.
const dispatchTimeout = 10 * time.Second

// AccountResult is the per-account outcome of a fan-out.
type AccountResult struct {
	AccountID       int64  `json:"account_id"`
	Account         string `json:"account"`
	Success         bool   `json:"success"`
	Queued          bool   `json:"queued,omitempty"`
	OrderID         int64  `json:"order_id,omitempty"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	Cancelled       int    `json:"cancelled,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Summary aggregates the fan-out.
type Summary struct {
	TotalAccounts    int     `json:"total_accounts"`
	SuccessfulOrders int     `json:"successful_orders"`
	FailedOrders     int     `json:"failed_orders"`
	SuccessRate      float64 `json:"success_rate"`
}

// Metrics reports processing latency.
type Metrics struct {
	TotalMS      int64 `json:"total_ms"`
	ValidationMS int64 `json:"validation_ms"`
	ExecutionMS  int64 `json:"execution_ms"`
}

// Response is the webhook reply body. Business rejections still ship with
// HTTP 200; only transport and parse failures get another status.
type Response struct {
	Success            bool            `json:"success"`
	Action             string          `json:"action"`
	Strategy           string          `json:"strategy"`
	Message            string          `json:"message"`
	Results            []AccountResult `json:"results"`
	Summary            Summary         `json:"summary"`
	PerformanceMetrics Metrics         `json:"performance_metrics"`
}

// Dispatcher authenticates signals and fans them out across bindings.
type Dispatcher struct {
	database *db.Database
	queue    *queue.Manager
	prices   *pricing.Cache
	fx       *pricing.FXService
	locks    *locks.Registry
	log      *logrus.Entry

	lockTimeout time.Duration
}

// NewDispatcher wires the webhook dispatcher.
func NewDispatcher(database *db.Database, qm *queue.Manager, prices *pricing.Cache,
	fx *pricing.FXService, lockReg *locks.Registry, lockTimeout time.Duration) *Dispatcher {
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	return &Dispatcher{
		database:    database,
		queue:       qm,
		prices:      prices,
		fx:          fx,
		locks:       lockReg,
		log:         logrus.WithField("component", "webhook"),
		lockTimeout: lockTimeout,
	}
}

// Dispatch processes one batch of signals sharing a strategy and token. It
// authenticates, takes every (strategy, symbol) lock in sorted order, sizes
// the intents and hands them to the queue manager per account.
func (d *Dispatcher) Dispatch(ctx context.Context, payloads []Payload) *Response {
	start := time.Now()
	resp := &Response{Success: false}
	if len(payloads) == 0 {
		resp.Message = "empty batch"
		return resp
	}

	signals := make([]Signal, 0, len(payloads))
	for _, p := range payloads {
		sig, err := p.Normalize()
		if err != nil {
			resp.Message = fmt.Sprintf("invalid payload: %v", err)
			resp.PerformanceMetrics.TotalMS = time.Since(start).Milliseconds()
			return resp
		}
		signals = append(signals, sig)
	}
	first := signals[0]
	resp.Action = first.OrderType
	resp.Strategy = first.GroupName
	validationDone := time.Now()
	resp.PerformanceMetrics.ValidationMS = validationDone.Sub(start).Milliseconds()

	repo := d.database.Repo()
	strategy, err := repo.GetStrategyByGroup(ctx, first.GroupName)
	if err != nil || !strategy.IsActive {
		resp.Message = "unknown or inactive strategy"
		resp.PerformanceMetrics.TotalMS = time.Since(start).Milliseconds()
		return resp
	}
	bindings, accounts, err := repo.ActiveBindings(ctx, strategy.ID)
	if err != nil {
		resp.Message = "binding lookup failed"
		resp.PerformanceMetrics.TotalMS = time.Since(start).Milliseconds()
		return resp
	}
	if !d.authenticate(strategy, bindings, first.Token) {
		resp.Message = "authentication failed"
		resp.PerformanceMetrics.TotalMS = time.Since(start).Milliseconds()
		return resp
	}

	// Deterministic sorted lock order across the batch's symbols prevents
	// two overlapping webhooks from deadlocking.
	keys := make([]string, 0, len(signals))
	seen := make(map[string]bool)
	for _, sig := range signals {
		k := fmt.Sprintf("webhook:%d:%s", strategy.ID, sig.Symbol)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	done := make(chan *Response, 1)
	workCtx, cancelWork := context.WithCancel(context.Background())
	go func() {
		defer cancelWork()
		releaseAll, err := d.locks.AcquireAll(workCtx, keys, d.lockTimeout)
		if err != nil {
			done <- &Response{
				Success: false, Action: resp.Action, Strategy: resp.Strategy,
				Message: fmt.Sprintf("lock acquisition failed: %v", err),
			}
			return
		}
		defer releaseAll()
		done <- d.execute(workCtx, signals, strategy, bindings, accounts)
	}()

	select {
	case r := <-done:
		r.PerformanceMetrics.ValidationMS = resp.PerformanceMetrics.ValidationMS
		r.PerformanceMetrics.ExecutionMS = time.Since(validationDone).Milliseconds()
		r.PerformanceMetrics.TotalMS = time.Since(start).Milliseconds()
		r.Action = resp.Action
		r.Strategy = resp.Strategy
		return r
	case <-time.After(dispatchTimeout):
		d.log.Warnf("webhook for %s timed out after %s; continuing in background",
			first.GroupName, dispatchTimeout)
		go func() {
			r := <-done
			d.log.Infof("background webhook for %s finished: success=%v %s",
				first.GroupName, r.Success, r.Message)
		}()
		resp.Success = true
		resp.Message = "accepted; processing continues in background"
		resp.PerformanceMetrics.TotalMS = time.Since(start).Milliseconds()
		return resp
	}
}

// authenticate compares the presented token against the strategy owner token
// and, for public strategies, the subscriber tokens of active bindings. All
// comparisons are constant-time.
func (d *Dispatcher) authenticate(strategy *db.Strategy, bindings []db.StrategyAccount, token string) bool {
	if tokenEqual(token, strategy.WebhookToken) {
		return true
	}
	if !strategy.IsPublic {
		return false
	}
	for _, b := range bindings {
		if b.SubscriberToken != "" && tokenEqual(token, b.SubscriberToken) {
			return true
		}
	}
	return false
}

func tokenEqual(a, b string) bool {
	if len(a) != len(b) || a == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (d *Dispatcher) execute(ctx context.Context, signals []Signal, strategy *db.Strategy,
	bindings []db.StrategyAccount, accounts map[int64]db.Account) *Response {
	resp := &Response{}
	receivedAt := time.Now().UTC()

	for _, sig := range signals {
		for _, binding := range bindings {
			account, ok := accounts[binding.AccountID]
			if !ok {
				continue
			}
			res, failClosed := d.executeOne(ctx, sig, binding, account, receivedAt)
			resp.Results = append(resp.Results, res)
			// FX blackout fails the entire flow closed: no later account may
			// place an order the earlier ones could not size consistently.
			if failClosed {
				resp.Message = pricing.ErrExchangeRateUnavailable.Error()
				d.finish(resp, len(bindings)*len(signals))
				return resp
			}
		}
	}
	d.finish(resp, len(bindings)*len(signals))
	if resp.Summary.FailedOrders == 0 {
		resp.Success = true
		resp.Message = "ok"
	} else if resp.Summary.SuccessfulOrders > 0 {
		resp.Success = true
		resp.Message = "partial success"
	} else {
		resp.Message = "all accounts failed"
	}
	return resp
}

func (d *Dispatcher) finish(resp *Response, total int) {
	resp.Summary.TotalAccounts = total
	for _, r := range resp.Results {
		if r.Success {
			resp.Summary.SuccessfulOrders++
		} else {
			resp.Summary.FailedOrders++
		}
	}
	if total > 0 {
		resp.Summary.SuccessRate = float64(resp.Summary.SuccessfulOrders) / float64(total)
	}
}

// executeOne handles one (signal, binding) pair. failClosed reports that the
// FX rate was unavailable and the remainder of the batch must not run.
func (d *Dispatcher) executeOne(ctx context.Context, sig Signal, binding db.StrategyAccount,
	account db.Account, receivedAt time.Time) (_ AccountResult, failClosed bool) {
	res := AccountResult{AccountID: account.ID, Account: account.Name}

	switch sig.OrderType {
	case ActionCancelAll:
		cancelled, dropped, err := d.queue.RequestCancelAll(ctx, account.ID, sig.Symbol)
		if err != nil {
			res.Error = err.Error()
			return res, false
		}
		res.Success = true
		res.Cancelled = cancelled + dropped
		return res, false

	case ActionCancel:
		cancelled, err := d.cancelBySide(ctx, account.ID, sig.Symbol, sig.Side)
		if err != nil {
			res.Error = err.Error()
			return res, false
		}
		res.Success = true
		res.Cancelled = cancelled
		return res, false
	}

	qty, side, err := d.size(ctx, sig, binding, account)
	if err != nil {
		res.Error = err.Error()
		return res, errors.Is(err, pricing.ErrExchangeRateUnavailable)
	}
	if qty <= 0 {
		res.Error = "sized quantity is zero"
		return res, false
	}

	out, err := d.queue.Enqueue(ctx, queue.Intent{
		StrategyAccountID: binding.ID,
		AccountID:         account.ID,
		Exchange:          account.Exchange,
		Symbol:            sig.Symbol,
		Side:              side,
		OrderType:         sig.OrderType,
		Price:             sig.Price,
		StopPrice:         sig.StopPrice,
		Quantity:          qty,
		MarketType:        sig.MarketType,
		Priority:          priorityFor(sig.OrderType),
		SortPrice:         sig.Price,
		WebhookReceivedAt: receivedAt,
	})
	if err != nil {
		res.Error = err.Error()
		return res, false
	}
	res.Success = true
	res.Queued = out.Queued
	res.OrderID = out.OrderID
	res.ExchangeOrderID = out.ExchangeOrderID
	return res, false
}

// cancelBySide routes each matching live order through the durable cancel
// path. An empty side cancels the whole bucket's live orders.
func (d *Dispatcher) cancelBySide(ctx context.Context, accountID int64, symbol, side string) (int, error) {
	open, err := d.database.Repo().OpenOrdersForBucket(ctx, accountID, symbol)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, o := range open {
		if o.Status == db.StatusCancelling {
			continue
		}
		if side != "" && o.Side != side {
			continue
		}
		if err := d.queue.RequestCancel(ctx, o.ID); err != nil {
			if errors.Is(err, db.ErrTerminalStatus) || errors.Is(err, db.ErrNotFound) {
				continue
			}
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// size converts qty_per into a base-asset quantity. Allocated capital is in
// the signal's currency; KRW capital converts through the live FX rate and
// fails closed when the rate is unavailable. A negative qty_per closes the
// whole position instead.
func (d *Dispatcher) size(ctx context.Context, sig Signal, binding db.StrategyAccount,
	account db.Account) (float64, string, error) {
	repo := d.database.Repo()

	if sig.CloseAll {
		pos, err := repo.GetPosition(ctx, binding.ID, sig.Symbol)
		if err != nil {
			return 0, "", err
		}
		if pos.Quantity == 0 {
			return 0, "", fmt.Errorf("no position to close for %s", sig.Symbol)
		}
		side := db.SideSell
		if pos.Quantity < 0 {
			side = db.SideBuy
		}
		qty := pos.Quantity
		if qty < 0 {
			qty = -qty
		}
		return qty, side, nil
	}

	capital, err := repo.AllocatedCapital(ctx, binding.ID)
	if err != nil {
		return 0, "", err
	}
	if capital <= 0 {
		return 0, "", fmt.Errorf("no capital allocated to binding %d", binding.ID)
	}

	if sig.Currency == "KRW" {
		rate, err := d.fx.USDTKRWRate(ctx)
		if err != nil {
			return 0, "", err
		}
		capital = capital / rate
	}

	price := sig.Price
	if price == 0 {
		p, err := d.prices.GetPrice(ctx, pricing.PriceKey{
			Exchange: account.Exchange, MarketType: sig.MarketType, Symbol: sig.Symbol,
		})
		if err != nil {
			return 0, "", fmt.Errorf("no reference price for %s: %w", sig.Symbol, err)
		}
		price = p
	}

	leverage := binding.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	notional := capital * float64(sig.QtyPer) / 100.0 * float64(leverage) * binding.Weight
	if notional <= 0 || price <= 0 {
		return 0, "", fmt.Errorf("cannot size order: notional %v at price %v", notional, price)
	}
	return notional / price, sig.Side, nil
}

// priorityFor orders urgency classes: market intents execute first, then
// protective stops, then resting limit orders.
func priorityFor(orderType string) int {
	switch orderType {
	case db.TypeMarket, db.TypeBestLimit:
		return 0
	case db.TypeStopMarket, db.TypeStopLimit:
		return 5
	default:
		return 10
	}
}
