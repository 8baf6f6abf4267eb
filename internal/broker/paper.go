package broker

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// PaperAdapter implements the Adapter contract entirely in memory. It backs
// the "paper" environment and the executor's dry-run mode, and doubles as
// the test double for the execution pipeline. Orders fill immediately at the
// configured mark price.
type PaperAdapter struct {
	mu        sync.Mutex
	key       string
	cash      float64
	positions map[string]*Position
	orders    map[string]*Order
	prices    map[string]float64
	nextID    int
	trailing  bool
}

var _ Adapter = (*PaperAdapter)(nil)

// NewPaperAdapter creates a paper adapter with the given starting cash.
func NewPaperAdapter(key string, startingCash float64) *PaperAdapter {
	return &PaperAdapter{
		key:       key,
		cash:      startingCash,
		positions: make(map[string]*Position),
		orders:    make(map[string]*Order),
		prices:    make(map[string]float64),
	}
}

// SetMarkPrice sets the simulated market price for a symbol.
func (a *PaperAdapter) SetMarkPrice(symbol string, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prices[NormalizeSymbol(symbol)] = price
}

// SetTrailingSupport toggles native trailing-stop support, letting tests
// exercise the degradation path.
func (a *PaperAdapter) SetTrailingSupport(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trailing = ok
}

// Key returns the key this adapter was constructed under.
func (a *PaperAdapter) Key() string { return a.key }

// SupportsTrailingStop reports the configured trailing support.
func (a *PaperAdapter) SupportsTrailingStop() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trailing
}

// Authenticate always succeeds.
func (a *PaperAdapter) Authenticate(ctx context.Context) error { return nil }

// GetBalance returns cash plus marked position value.
func (a *PaperAdapter) GetBalance(ctx context.Context) (*Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.cash
	for _, p := range a.positions {
		price := a.prices[p.Symbol]
		if price == 0 {
			price = p.EntryPrice
		}
		total += p.Quantity * price
	}
	return &Balance{Currency: "USD", Total: total, Available: a.cash}, nil
}

// GetPositions returns copies of all open positions.
func (a *PaperAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make([]Position, 0, len(a.positions))
	for _, p := range a.positions {
		cp := *p
		if price, ok := a.prices[p.Symbol]; ok {
			cp.CurrentPrice = price
			cp.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity
		}
		positions = append(positions, cp)
	}
	return positions, nil
}

// CreateOrder fills the order immediately at the mark price. Stop and limit
// orders rest as PENDING.
func (a *PaperAdapter) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	symbol := NormalizeSymbol(req.Symbol)
	price := a.prices[symbol]
	if price == 0 {
		price = req.LimitPrice
	}

	a.nextID++
	now := time.Now()
	order := &Order{
		OrderID:       "paper-" + strconv.Itoa(a.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        StatusPending,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.Type == TypeMarket {
		if req.Side == SideBuy {
			cost := req.Quantity * price
			if cost > a.cash {
				return nil, &BrokerBusinessError{BrokerKey: a.key, Code: "insufficient-funds", Message: "not enough cash"}
			}
			a.cash -= cost
			if p, ok := a.positions[symbol]; ok {
				total := p.Quantity + req.Quantity
				p.EntryPrice = (p.EntryPrice*p.Quantity + price*req.Quantity) / total
				p.Quantity = total
			} else {
				a.positions[symbol] = &Position{
					Symbol: symbol, Quantity: req.Quantity, Side: SideBuy,
					EntryPrice: price, CurrentPrice: price, Source: a.key,
				}
			}
		} else {
			p, ok := a.positions[symbol]
			if !ok || p.Quantity < req.Quantity {
				return nil, &BrokerBusinessError{BrokerKey: a.key, Code: "insufficient-position", Message: "not enough " + symbol}
			}
			p.Quantity -= req.Quantity
			a.cash += req.Quantity * price
			if p.Quantity == 0 {
				delete(a.positions, symbol)
			}
		}
		order.Status = StatusFilled
		order.FilledQuantity = req.Quantity
		order.ExecutedPrice = price
	}

	a.orders[order.OrderID] = order
	cp := *order
	return &cp, nil
}

// CancelOrder marks a resting order cancelled. Terminal and unknown orders
// report success.
func (a *PaperAdapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	order, ok := a.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		return true, nil
	}
	order.Status = StatusCancelled
	order.UpdatedAt = time.Now()
	return true, nil
}

// GetOrderStatus returns the canonical status, UNKNOWN for unseen ids.
func (a *PaperAdapter) GetOrderStatus(ctx context.Context, orderID string) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if order, ok := a.orders[orderID]; ok {
		return order.Status, nil
	}
	return StatusUnknown, nil
}

// SetStopLoss rests a stop order.
func (a *PaperAdapter) SetStopLoss(ctx context.Context, params StopParams) (*Order, error) {
	return a.CreateOrder(ctx, OrderRequest{
		Symbol:    params.Symbol,
		Side:      params.Side,
		Type:      TypeStop,
		Quantity:  params.Quantity,
		StopPrice: params.StopPrice,
	})
}

// SetTakeProfit rests a limit order.
func (a *PaperAdapter) SetTakeProfit(ctx context.Context, params StopParams) (*Order, error) {
	return a.CreateOrder(ctx, OrderRequest{
		Symbol:     params.Symbol,
		Side:       params.Side,
		Type:       TypeLimit,
		Quantity:   params.Quantity,
		LimitPrice: params.LimitPrice,
	})
}

// GetOrderHistory returns all orders, optionally filtered by symbol.
func (a *PaperAdapter) GetOrderHistory(ctx context.Context, filter HistoryFilter) ([]Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	want := NormalizeSymbol(filter.Symbol)
	orders := make([]Order, 0, len(a.orders))
	for _, o := range a.orders {
		if want != "" && o.Symbol != want {
			continue
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// GetMarketPrice returns the configured mark price.
func (a *PaperAdapter) GetMarketPrice(ctx context.Context, symbol string) (*Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	price, ok := a.prices[NormalizeSymbol(symbol)]
	if !ok {
		return nil, &BrokerBusinessError{BrokerKey: a.key, Code: "no-data", Message: "no mark price for " + symbol}
	}
	return &Quote{Symbol: NormalizeSymbol(symbol), Last: price, Bid: price, Ask: price, At: time.Now()}, nil
}

// IsSymbolSupported reports whether a mark price exists.
func (a *PaperAdapter) IsSymbolSupported(ctx context.Context, symbol string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.prices[NormalizeSymbol(symbol)]
	return ok, nil
}

// GetFees returns a zero fee schedule.
func (a *PaperAdapter) GetFees(ctx context.Context, symbol string) (*FeeSchedule, error) {
	return &FeeSchedule{Currency: "USD"}, nil
}
