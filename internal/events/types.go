package events

// Event identifies a lifecycle topic on the bus.
type Event string

const (
	EventOrderSubmitted  Event = "order.submitted"
	EventOrderQueued     Event = "order.queued"
	EventOrderFilled     Event = "order.filled"
	EventOrderCancelled  Event = "order.cancelled"
	EventOrderFailed     Event = "order.failed"
	EventPositionUpdated Event = "position.updated"
	EventCriticalAlert   Event = "alert.critical"
)

// OrderEvent is the payload for order lifecycle topics.
type OrderEvent struct {
	AccountID         int64   `json:"account_id"`
	StrategyAccountID int64   `json:"strategy_account_id"`
	Exchange          string  `json:"exchange"`
	ExchangeOrderID   string  `json:"exchange_order_id,omitempty"`
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	OrderType         string  `json:"order_type"`
	Quantity          float64 `json:"qty"`
	Price             float64 `json:"price,omitempty"`
	Status            string  `json:"status"`
	Reason            string  `json:"reason,omitempty"`
}

// PositionEvent is the payload for position updates.
type PositionEvent struct {
	StrategyAccountID int64   `json:"strategy_account_id"`
	Symbol            string  `json:"symbol"`
	Quantity          float64 `json:"qty"`
	EntryPrice        float64 `json:"entry_price"`
	RealizedPnL       float64 `json:"realized_pnl,omitempty"`
}

// Alert is the payload for critical operator alerts.
type Alert struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}
