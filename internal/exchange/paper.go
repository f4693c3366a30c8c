package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Paper is an in-process adapter: it acks orders immediately and keeps them
// resting until Fill or CancelOrder is called. It backs local runs without
// exchange credentials and lets tests script failures deterministically.
type Paper struct {
	name string

	mu         sync.Mutex
	seq        int64
	orders     map[string]*Order
	subs       []func(StreamEvent)
	createErrs []error
	cancelErrs []error
	fetchErrs  []error
	balances   map[string]Balance
}

// NewPaper creates a paper adapter for the named venue.
func NewPaper(name string) *Paper {
	return &Paper{
		name:     name,
		orders:   make(map[string]*Order),
		balances: make(map[string]Balance),
	}
}

func (p *Paper) Name() string { return p.name }

// FailNextCreate scripts errors returned by upcoming CreateOrder calls, in order.
func (p *Paper) FailNextCreate(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErrs = append(p.createErrs, errs...)
}

// FailNextCancel scripts errors returned by upcoming CancelOrder calls, in order.
func (p *Paper) FailNextCancel(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelErrs = append(p.cancelErrs, errs...)
}

// FailNextFetch scripts errors returned by upcoming FetchOrder calls, in order.
func (p *Paper) FailNextFetch(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchErrs = append(p.fetchErrs, errs...)
}

// SetBalance seeds an asset balance.
func (p *Paper) SetBalance(asset string, total, free float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] = Balance{Asset: asset, Total: total, Free: free}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (p *Paper) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := popErr(&p.createErrs); err != nil {
		return nil, err
	}
	p.seq++
	o := &Order{
		ExchangeOrderID: fmt.Sprintf("%s-%d", p.name, p.seq),
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Status:          StatusOpen,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		Quantity:        req.Quantity,
	}
	// Market orders fill at once at the requested reference price.
	if req.Type == TypeMarket {
		o.Status = StatusFilled
		o.FilledQuantity = req.Quantity
		o.AveragePrice = req.Price
	}
	p.orders[o.ExchangeOrderID] = o
	cp := *o
	return &cp, nil
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (*Order, error) {
	p.mu.Lock()
	if err := popErr(&p.cancelErrs); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	o, ok := p.orders[exchangeOrderID]
	if !ok || o.Status.Terminal() {
		p.mu.Unlock()
		return nil, ErrOrderNotFound
	}
	o.Status = StatusCancelled
	cp := *o
	p.mu.Unlock()

	p.emit(StreamEvent{ExchangeOrderID: cp.ExchangeOrderID, Symbol: cp.Symbol, Status: string(cp.Status)})
	return &cp, nil
}

func (p *Paper) FetchOrder(ctx context.Context, symbol, exchangeOrderID string, market MarketType) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := popErr(&p.fetchErrs); err != nil {
		return nil, err
	}
	o, ok := p.orders[exchangeOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (p *Paper) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, o := range p.orders {
		if o.Status.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (p *Paper) FetchBalance(ctx context.Context, asset string, market MarketType) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.balances[asset]; ok {
		return b, nil
	}
	return Balance{Asset: asset}, nil
}

// Subscribers reports how many private-stream listeners are attached.
func (p *Paper) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Paper) SubscribePrivateOrders(ctx context.Context, onEvent func(StreamEvent)) error {
	p.mu.Lock()
	p.subs = append(p.subs, onEvent)
	p.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// Fill settles quantity of a resting order at price and emits the stream event.
func (p *Paper) Fill(exchangeOrderID string, qty, price float64) error {
	p.mu.Lock()
	o, ok := p.orders[exchangeOrderID]
	if !ok || o.Status.Terminal() {
		p.mu.Unlock()
		return ErrOrderNotFound
	}
	o.FilledQuantity += qty
	if o.AveragePrice == 0 {
		o.AveragePrice = price
	}
	if o.FilledQuantity >= o.Quantity {
		o.FilledQuantity = o.Quantity
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
	cp := *o
	p.mu.Unlock()

	p.emit(StreamEvent{ExchangeOrderID: cp.ExchangeOrderID, Symbol: cp.Symbol, Status: string(cp.Status)})
	return nil
}

func (p *Paper) emit(ev StreamEvent) {
	p.mu.Lock()
	subs := make([]func(StreamEvent), len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// NormalizeSymbol converts BASE/QUOTE to the venue-native concatenated form.
func (p *Paper) NormalizeSymbol(standard string) string {
	return strings.ReplaceAll(standard, "/", "")
}

// NormalizeStatus maps raw status strings onto the normalized set.
func (p *Paper) NormalizeStatus(raw string) Status {
	switch strings.ToUpper(raw) {
	case "NEW", "OPEN", "ACCEPTED":
		return StatusOpen
	case "PARTIALLY_FILLED", "PARTIAL":
		return StatusPartial
	case "FILLED":
		return StatusFilled
	case "CANCELLED", "CANCELED":
		return StatusCancelled
	case "EXPIRED":
		return StatusExpired
	default:
		return StatusFailed
	}
}
