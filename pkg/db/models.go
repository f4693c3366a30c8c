package db

import "time"

// Order side / type / market constants shared across the core.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket     = "MARKET"
	TypeLimit      = "LIMIT"
	TypeStopMarket = "STOP_MARKET"
	TypeStopLimit  = "STOP_LIMIT"
	TypeBestLimit  = "BEST_LIMIT"

	MarketSpot    = "SPOT"
	MarketFutures = "FUTURES"
)

// OpenOrder statuses. FILLED, CANCELLED, EXPIRED and FAILED are terminal;
// the repository rejects any transition out of them.
const (
	StatusOpen       = "OPEN"
	StatusCancelling = "CANCELLING"
	StatusPartial    = "PARTIALLY_FILLED"
	StatusFilled     = "FILLED"
	StatusCancelled  = "CANCELLED"
	StatusExpired    = "EXPIRED"
	StatusFailed     = "FAILED"
)

// CancelQueue statuses.
const (
	CancelPending    = "PENDING"
	CancelProcessing = "PROCESSING"
	CancelSuccess    = "SUCCESS"
	CancelFailed     = "FAILED"
)

// FailedOrder statuses and operation types.
const (
	FailedPendingRetry = "pending_retry"
	FailedCompleted    = "completed"
	FailedRemoved      = "removed"

	OpCreate = "CREATE"
	OpCancel = "CANCEL"
)

// IsTerminalOrderStatus reports whether an OpenOrder status is a sink.
func IsTerminalOrderStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// IsStopType reports whether the order type counts against the stop-order limit.
func IsStopType(orderType string) bool {
	return orderType == TypeStopMarket || orderType == TypeStopLimit
}

// Account is an exchange account. Credentials are never stored here; the
// exchange adapter layer owns them.
type Account struct {
	ID         int64
	Name       string
	Exchange   string
	MarketType string
	IsActive   bool
}

// Strategy is a signal source identified by its group name.
type Strategy struct {
	ID           int64
	GroupName    string
	WebhookToken string
	IsActive     bool
	IsPublic     bool
}

// StrategyAccount binds a strategy to an account with sizing parameters.
type StrategyAccount struct {
	ID              int64
	StrategyID      int64
	AccountID       int64
	Weight          float64
	Leverage        int
	MaxSymbols      int
	IsActive        bool
	SubscriberToken string
}

// StrategyCapital is written by the external capital allocator and read for
// queue sizing.
type StrategyCapital struct {
	StrategyAccountID int64
	AllocatedCapital  float64
	LastRebalanceAt   time.Time
}

// OpenOrder is an order believed to be live on the exchange.
type OpenOrder struct {
	ID                  int64
	StrategyAccountID   int64
	AccountID           int64
	ExchangeOrderID     string
	Symbol              string
	Side                string
	OrderType           string
	Price               float64
	StopPrice           float64
	Quantity            float64
	FilledQuantity      float64
	Status              string
	MarketType          string
	Priority            int
	SortPrice           float64
	WebhookReceivedAt   time.Time
	IsProcessing        bool
	ProcessingStartedAt *time.Time
	CancelAttemptedAt   *time.Time
	ErrorMessage        string
	CreatedAt           time.Time
}

// PendingOrder is a queued intent waiting for an exchange slot.
type PendingOrder struct {
	ID                int64
	AccountID         int64
	StrategyAccountID int64
	Symbol            string
	Side              string
	OrderType         string
	Price             float64
	StopPrice         float64
	Quantity          float64
	Priority          int
	SortPrice         float64
	MarketType        string
	WebhookReceivedAt time.Time
	RetryCount        int
	Reason            string
	CreatedAt         time.Time
}

// Trade is the realized record of a fill. UNIQUE(exchange_order_id) keeps it
// at-most-once no matter how many stream events arrive.
type Trade struct {
	ID                int64
	StrategyAccountID int64
	ExchangeOrderID   string
	Symbol            string
	Side              string
	Quantity          float64
	OrderPrice        float64
	AveragePrice      float64
	Fee               float64
	RealizedPnL       float64
	IsEntry           bool
	MarketType        string
	Timestamp         time.Time
}

// StrategyPosition is the signed per-(strategy-account, symbol) position.
type StrategyPosition struct {
	StrategyAccountID int64
	Symbol            string
	Quantity          float64
	EntryPrice        float64
	UpdatedAt         time.Time
}

// CancelQueueItem is a durable cancel intent.
type CancelQueueItem struct {
	ID           int64
	OrderID      int64
	StrategyID   int64
	AccountID    int64
	RequestedAt  time.Time
	RetryCount   int
	MaxRetries   int
	NextRetryAt  *time.Time
	Status       string
	ErrorMessage string
}

// FailedOrder is a durable create/cancel failure scheduled for retry.
type FailedOrder struct {
	ID                int64
	OperationType     string
	StrategyAccountID int64
	AccountID         int64
	Symbol            string
	Side              string
	OrderType         string
	Quantity          float64
	Price             float64
	StopPrice         float64
	MarketType        string
	Reason            string
	ExchangeError     string
	OrderParams       string // JSON-encoded original request
	OriginalOrderID   int64  // for CANCEL retries
	RetryCount        int
	Status            string
	CreatedAt         time.Time
}
