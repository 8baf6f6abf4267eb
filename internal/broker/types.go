package broker

import (
	"context"
	"time"
)

// Credentials is the decrypted credential field set handed to an adapter
// constructor, keyed by the field names the registry validates.
type Credentials map[string]string

// Side is the canonical order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the canonical order type vocabulary. Adapters translate these
// into whatever their broker calls them.
type OrderType string

const (
	TypeMarket       OrderType = "MARKET"
	TypeLimit        OrderType = "LIMIT"
	TypeStop         OrderType = "STOP"
	TypeStopLimit    OrderType = "STOP_LIMIT"
	TypeTrailingStop OrderType = "TRAILING_STOP"
)

// Status is the canonical order status. Raw broker status strings never
// leave an adapter; they are mapped through a StatusTable first.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
	StatusUnknown   Status = "UNKNOWN"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// TimeInForce is the canonical time-in-force vocabulary.
type TimeInForce string

const (
	TIFGoodTillCancel TimeInForce = "GTC"
	TIFDay            TimeInForce = "DAY"
	TIFImmediate      TimeInForce = "IOC"
	TIFFillOrKill     TimeInForce = "FOK"
)

// StatusTable maps raw broker status strings to canonical statuses. Each
// adapter owns one table; lookups never fail.
type StatusTable map[string]Status

// Map resolves a raw broker status. Unmapped statuses resolve to
// StatusUnknown rather than erroring.
func (t StatusTable) Map(raw string) Status {
	if s, ok := t[raw]; ok {
		return s
	}
	return StatusUnknown
}

// OrderRequest is the canonical new-order shape handed to an adapter.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	LimitPrice    float64
	StopPrice     float64
	TrailPercent  float64
	TimeInForce   TimeInForce
	ClientOrderID string
}

// Order is the canonical order as reported back by an adapter.
type Order struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Type           OrderType
	Status         Status
	Quantity       float64
	FilledQuantity float64
	ExecutedPrice  float64
	LimitPrice     float64
	StopPrice      float64
	TimeInForce    TimeInForce
	Commission     float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Position is a broker-reported holding. The broker is authoritative; this
// is never persisted as a source of truth.
type Position struct {
	Symbol        string
	Quantity      float64
	Side          Side
	EntryPrice    float64
	CurrentPrice  float64
	UnrealizedPnL float64
	Source        string
}

// Balance is an account balance snapshot.
type Balance struct {
	Currency  string
	Total     float64
	Available float64
}

// Quote is a market price snapshot for a symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	At     time.Time
}

// FeeSchedule describes a broker's commission structure for a symbol.
type FeeSchedule struct {
	MakerRate float64
	TakerRate float64
	PerTrade  float64
	Currency  string
}

// StopParams describes a protective stop-loss or take-profit order.
type StopParams struct {
	Symbol       string
	Side         Side
	Quantity     float64
	StopPrice    float64
	LimitPrice   float64
	Trailing     bool
	TrailPercent float64
}

// HistoryFilter narrows an order-history query.
type HistoryFilter struct {
	Symbol string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Adapter is the uniform capability contract every broker implementer must
// satisfy. Contract rules:
//
//   - Authenticate is idempotent and re-entrant; operations invoked while
//     unauthenticated lazily authenticate then retry exactly once.
//   - CancelOrder returns (true, nil) when the broker reports the order as
//     already filled, cancelled, or not found: cancellation is a convergence
//     operation, not a strict transition.
//   - Symbol normalization and status/type mapping happen inside the
//     adapter; callers only ever see the canonical vocabulary.
type Adapter interface {
	// Key returns the registry key this adapter was constructed under.
	Key() string

	Authenticate(ctx context.Context) error
	GetBalance(ctx context.Context) (*Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	GetOrderStatus(ctx context.Context, orderID string) (Status, error)
	SetStopLoss(ctx context.Context, params StopParams) (*Order, error)
	SetTakeProfit(ctx context.Context, params StopParams) (*Order, error)
	GetOrderHistory(ctx context.Context, filter HistoryFilter) ([]Order, error)
	GetMarketPrice(ctx context.Context, symbol string) (*Quote, error)
	IsSymbolSupported(ctx context.Context, symbol string) (bool, error)
	GetFees(ctx context.Context, symbol string) (*FeeSchedule, error)

	// SupportsTrailingStop reports native trailing-stop support. Callers
	// degrade to a computed static stop when false.
	SupportsTrailingStop() bool
}
