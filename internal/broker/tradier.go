package broker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	tradierLiveBaseURL    = "https://api.tradier.com/v1"
	tradierSandboxBaseURL = "https://sandbox.tradier.com/v1"
)

var tradierStatuses = StatusTable{
	"pending":          StatusPending,
	"open":             StatusPending,
	"partially_filled": StatusPartial,
	"filled":           StatusFilled,
	"canceled":         StatusCancelled,
	"expired":          StatusCancelled,
	"rejected":         StatusRejected,
	"error":            StatusRejected,
}

// TradierAdapter trades US equities through the Tradier REST API using an
// OAuth bearer token. Tradier access tokens live 24 hours, so the attached
// TokenSource is consulted on every call.
type TradierAdapter struct {
	transport *transport
	session   *SessionHolder
	tokens    TokenSource
	accountID string
	logger    *zap.Logger
}

var _ Adapter = (*TradierAdapter)(nil)

// NewTradierAdapter creates a Tradier adapter. Credentials key accountId is
// optional; when absent the first account on the profile is used.
func NewTradierAdapter(creds Credentials, environment string, tokens TokenSource, perSecond float64, burst int, logger *zap.Logger) *TradierAdapter {
	base := tradierLiveBaseURL
	if environment == "paper" || environment == "testnet" {
		base = tradierSandboxBaseURL
	}

	a := &TradierAdapter{
		transport: newTransport(base, "tradier", perSecond, burst, logger),
		session:   &SessionHolder{},
		tokens:    tokens,
		accountID: creds["accountId"],
		logger:    logger,
	}
	a.transport.reauth = a.refreshSession
	return a
}

// refreshSession drops a server-side-rejected session and authenticates anew.
func (a *TradierAdapter) refreshSession(ctx context.Context) error {
	a.session.Invalidate()
	return a.Authenticate(ctx)
}

// Key returns "tradier".
func (a *TradierAdapter) Key() string { return "tradier" }

// SupportsTrailingStop returns false; callers degrade to a static stop.
func (a *TradierAdapter) SupportsTrailingStop() bool { return false }

// UsesOAuth always returns true; Tradier only supports bearer tokens.
func (a *TradierAdapter) UsesOAuth() bool { return true }

func (a *TradierAdapter) bearer(ctx context.Context) (string, error) {
	token, err := a.tokens.AccessToken(ctx)
	if err != nil {
		return "", &AuthenticationError{BrokerKey: a.Key(), Reason: err.Error()}
	}
	return "Bearer " + token, nil
}

// Authenticate resolves the user's profile and pins the account id into the
// session. Concurrent callers share one in-flight profile fetch.
func (a *TradierAdapter) Authenticate(ctx context.Context) error {
	_, err := a.session.Ensure(ctx, func(ctx context.Context) (*Session, error) {
		ctx = authProbe(ctx)
		auth, err := a.bearer(ctx)
		if err != nil {
			return nil, err
		}

		var result struct {
			Profile struct {
				Account struct {
					AccountNumber string `json:"account_number"`
				} `json:"account"`
			} `json:"profile"`
		}
		req := a.transport.client.R().
			SetHeader("Authorization", auth).
			SetHeader("Accept", "application/json").
			SetResult(&result)

		if _, err := a.transport.do(ctx, "GET", "/user/profile", req, true); err != nil {
			return nil, err
		}

		accountID := a.accountID
		if accountID == "" {
			accountID = result.Profile.Account.AccountNumber
		}
		if accountID == "" {
			return nil, &AuthenticationError{BrokerKey: a.Key(), Reason: "no account on profile"}
		}
		return &Session{Token: auth, AccountID: accountID}, nil
	})
	return err
}

func (a *TradierAdapter) ensureAuth(ctx context.Context) (*Session, error) {
	if s := a.session.Current(); s.Valid(time.Now()) {
		return s, nil
	}
	if err := a.Authenticate(ctx); err != nil {
		return nil, err
	}
	return a.session.Current(), nil
}

// GetBalance returns total equity and option/stock buying power.
func (a *TradierAdapter) GetBalance(ctx context.Context) (*Balance, error) {
	s, err := a.ensureAuth(ctx)
	if err != nil {
		return nil, err
	}
	auth, err := a.bearer(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		Balances struct {
			TotalEquity float64 `json:"total_equity"`
			TotalCash   float64 `json:"total_cash"`
		} `json:"balances"`
	}
	req := a.transport.client.R().
		SetHeader("Authorization", auth).
		SetHeader("Accept", "application/json").
		SetResult(&result)

	if _, err := a.transport.do(ctx, "GET", "/accounts/"+s.AccountID+"/balances", req, true); err != nil {
		return nil, err
	}
	return &Balance{
		Currency:  "USD",
		Total:     result.Balances.TotalEquity,
		Available: result.Balances.TotalCash,
	}, nil
}

// GetPositions returns open positions with cost basis.
func (a *TradierAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	s, err := a.ensureAuth(ctx)
	if err != nil {
		return nil, err
	}
	auth, err := a.bearer(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		Positions struct {
			Position []struct {
				Symbol    string  `json:"symbol"`
				Quantity  float64 `json:"quantity"`
				CostBasis float64 `json:"cost_basis"`
			} `json:"position"`
		} `json:"positions"`
	}
	req := a.transport.client.R().
		SetHeader("Authorization", auth).
		SetHeader("Accept", "application/json").
		SetResult(&result)

	if _, err := a.transport.do(ctx, "GET", "/accounts/"+s.AccountID+"/positions", req, true); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(result.Positions.Position))
	for _, p := range result.Positions.Position {
		side := SideBuy
		qty := p.Quantity
		if qty < 0 {
			side = SideSell
			qty = -qty
		}
		entry := 0.0
		if qty > 0 {
			entry = p.CostBasis / qty
		}
		positions = append(positions, Position{
			Symbol:     NormalizeSymbol(p.Symbol),
			Quantity:   qty,
			Side:       side,
			EntryPrice: entry,
			Source:     a.Key(),
		})
	}
	return positions, nil
}

type tradierOrder struct {
	ID           int     `json:"id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	ExecQuantity float64 `json:"exec_quantity"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	Type         string  `json:"type"`
	Status       string  `json:"status"`
	Duration     string  `json:"duration"`
	Price        float64 `json:"price"`
	StopPrice    float64 `json:"stop_price"`
	Tag          string  `json:"tag"`
}

func (a *TradierAdapter) toOrder(o *tradierOrder) *Order {
	side := SideBuy
	if o.Side == "sell" || o.Side == "sell_short" {
		side = SideSell
	}

	var typ OrderType
	switch o.Type {
	case "limit":
		typ = TypeLimit
	case "stop":
		typ = TypeStop
	case "stop_limit":
		typ = TypeStopLimit
	default:
		typ = TypeMarket
	}

	tif := TIFDay
	if o.Duration == "gtc" {
		tif = TIFGoodTillCancel
	}

	now := time.Now()
	return &Order{
		OrderID:        strconv.Itoa(o.ID),
		ClientOrderID:  o.Tag,
		Symbol:         NormalizeSymbol(o.Symbol),
		Side:           side,
		Type:           typ,
		Status:         tradierStatuses.Map(o.Status),
		Quantity:       o.Quantity,
		FilledQuantity: o.ExecQuantity,
		ExecutedPrice:  o.AvgFillPrice,
		LimitPrice:     o.Price,
		StopPrice:      o.StopPrice,
		TimeInForce:    tif,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CreateOrder submits a new equity order. Not retried on ambiguous failure.
func (a *TradierAdapter) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	s, err := a.ensureAuth(ctx)
	if err != nil {
		return nil, err
	}
	auth, err := a.bearer(ctx)
	if err != nil {
		return nil, err
	}

	form := map[string]string{
		"class":    "equity",
		"symbol":   NormalizeSymbol(req.Symbol),
		"side":     map[Side]string{SideBuy: "buy", SideSell: "sell"}[req.Side],
		"quantity": strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	switch req.Type {
	case TypeLimit:
		form["type"] = "limit"
		form["price"] = strconv.FormatFloat(req.LimitPrice, 'f', -1, 64)
	case TypeStop:
		form["type"] = "stop"
		form["stop"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	case TypeStopLimit:
		form["type"] = "stop_limit"
		form["stop"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
		form["price"] = strconv.FormatFloat(req.LimitPrice, 'f', -1, 64)
	default:
		form["type"] = "market"
	}
	if req.TimeInForce == TIFGoodTillCancel {
		form["duration"] = "gtc"
	} else {
		form["duration"] = "day"
	}
	if req.ClientOrderID != "" {
		form["tag"] = req.ClientOrderID
	}

	var result struct {
		Order struct {
			ID     int    `json:"id"`
			Status string `json:"status"`
		} `json:"order"`
	}
	r := a.transport.client.R().
		SetHeader("Authorization", auth).
		SetHeader("Accept", "application/json").
		SetFormData(form).
		SetResult(&result)

	if _, err := a.transport.do(ctx, "POST", "/accounts/"+s.AccountID+"/orders", r, false); err != nil {
		a.logger.Error("failed to create order", zap.String("symbol", req.Symbol), zap.Error(err))
		return nil, err
	}

	order := &Order{
		OrderID:       strconv.Itoa(result.Order.ID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        NormalizeSymbol(req.Symbol),
		Side:          req.Side,
		Type:          req.Type,
		Status:        tradierStatuses.Map(result.Order.Status),
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	a.logger.Info("order created",
		zap.String("broker", a.Key()),
		zap.String("order_id", order.OrderID),
		zap.String("symbol", order.Symbol),
	)
	return order, nil
}

// CancelOrder cancels an open order, converging on success when the order is
// already terminal or unknown.
func (a *TradierAdapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	s, err := a.ensureAuth(ctx)
	if err != nil {
		return false, err
	}
	auth, err := a.bearer(ctx)
	if err != nil {
		return false, err
	}

	r := a.transport.client.R().
		SetHeader("Authorization", auth).
		SetHeader("Accept", "application/json")

	if _, err := a.transport.do(ctx, "DELETE", "/accounts/"+s.AccountID+"/orders/"+orderID, r, true); err != nil {
		// A 404 means the order is unknown to the account: converged. Any
		// other rejection leaves the order live and must be surfaced.
		var bizErr *BrokerBusinessError
		if errors.As(err, &bizErr) && bizErr.Code == "404" {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// GetOrderStatus polls a single order's canonical status.
func (a *TradierAdapter) GetOrderStatus(ctx context.Context, orderID string) (Status, error) {
	s, err := a.ensureAuth(ctx)
	if err != nil {
		return StatusUnknown, err
	}
	auth, err := a.bearer(ctx)
	if err != nil {
		return StatusUnknown, err
	}

	var result struct {
		Order tradierOrder `json:"order"`
	}
	r := a.transport.client.R().
		SetHeader("Authorization", auth).
		SetHeader("Accept", "application/json").
		SetResult(&result)

	if _, err := a.transport.do(ctx, "GET", "/accounts/"+s.AccountID+"/orders/"+orderID, r, true); err != nil {
		return StatusUnknown, err
	}
	return tradierStatuses.Map(result.Order.Status), nil
}

// SetStopLoss places an independent stop order.
func (a *TradierAdapter) SetStopLoss(ctx context.Context, params StopParams) (*Order, error) {
	req := OrderRequest{
		Symbol:    params.Symbol,
		Side:      params.Side,
		Type:      TypeStop,
		Quantity:  params.Quantity,
		StopPrice: params.StopPrice,
	}
	if params.LimitPrice > 0 {
		req.Type = TypeStopLimit
		req.LimitPrice = params.LimitPrice
	}
	return a.CreateOrder(ctx, req)
}

// SetTakeProfit places an independent take-profit limit order.
func (a *TradierAdapter) SetTakeProfit(ctx context.Context, params StopParams) (*Order, error) {
	return a.CreateOrder(ctx, OrderRequest{
		Symbol:     params.Symbol,
		Side:       params.Side,
		Type:       TypeLimit,
		Quantity:   params.Quantity,
		LimitPrice: params.LimitPrice,
	})
}

// GetOrderHistory lists the account's orders.
func (a *TradierAdapter) GetOrderHistory(ctx context.Context, filter HistoryFilter) ([]Order, error) {
	s, err := a.ensureAuth(ctx)
	if err != nil {
		return nil, err
	}
	auth, err := a.bearer(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		Orders struct {
			Order []tradierOrder `json:"order"`
		} `json:"orders"`
	}
	r := a.transport.client.R().
		SetHeader("Authorization", auth).
		SetHeader("Accept", "application/json").
		SetResult(&result)

	if _, err := a.transport.do(ctx, "GET", "/accounts/"+s.AccountID+"/orders", r, true); err != nil {
		return nil, err
	}

	want := NormalizeSymbol(filter.Symbol)
	orders := make([]Order, 0, len(result.Orders.Order))
	for i := range result.Orders.Order {
		o := a.toOrder(&result.Orders.Order[i])
		if want != "" && o.Symbol != want {
			continue
		}
		orders = append(orders, *o)
		if filter.Limit > 0 && len(orders) >= filter.Limit {
			break
		}
	}
	return orders, nil
}

// GetMarketPrice fetches the latest quote for a symbol.
func (a *TradierAdapter) GetMarketPrice(ctx context.Context, symbol string) (*Quote, error) {
	auth, err := a.bearer(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		Quotes struct {
			Quote struct {
				Symbol string  `json:"symbol"`
				Last   float64 `json:"last"`
				Bid    float64 `json:"bid"`
				Ask    float64 `json:"ask"`
			} `json:"quote"`
		} `json:"quotes"`
	}
	r := a.transport.client.R().
		SetHeader("Authorization", auth).
		SetHeader("Accept", "application/json").
		SetQueryParam("symbols", NormalizeSymbol(symbol)).
		SetResult(&result)

	if _, err := a.transport.do(ctx, "GET", "/markets/quotes", r, true); err != nil {
		return nil, err
	}
	q := result.Quotes.Quote
	return &Quote{Symbol: NormalizeSymbol(symbol), Last: q.Last, Bid: q.Bid, Ask: q.Ask, At: time.Now()}, nil
}

// IsSymbolSupported checks the symbol resolves to a security.
func (a *TradierAdapter) IsSymbolSupported(ctx context.Context, symbol string) (bool, error) {
	q, err := a.GetMarketPrice(ctx, symbol)
	if err != nil {
		var bizErr *BrokerBusinessError
		if errors.As(err, &bizErr) {
			return false, nil
		}
		return false, err
	}
	return q.Last > 0 || q.Bid > 0, nil
}

// GetFees returns Tradier's flat commission schedule.
func (a *TradierAdapter) GetFees(ctx context.Context, symbol string) (*FeeSchedule, error) {
	return &FeeSchedule{MakerRate: 0, TakerRate: 0, PerTrade: 0, Currency: "USD"}, nil
}
