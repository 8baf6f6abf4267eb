package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Conventional local defaults for the gateway process. Injected by the
// registry when the user leaves them blank.
const (
	IBGatewayDefaultHost = "127.0.0.1"
	IBGatewayDefaultPort = "5000"
)

var ibStatuses = StatusTable{
	"PendingSubmit": StatusPending,
	"PreSubmitted":  StatusPending,
	"Submitted":     StatusPending,
	"Filled":        StatusFilled,
	"Cancelled":     StatusCancelled,
	"PendingCancel": StatusPending,
	"Inactive":      StatusRejected,
}

// IBGatewayAdapter trades through a locally running Interactive Brokers
// gateway process over its Client Portal style HTTP API. It only works where
// the gateway runs next to the engine, so the registry rejects it for
// multi-user deployments.
type IBGatewayAdapter struct {
	transport *transport
	session   *SessionHolder
	logger    *zap.Logger
}

var _ Adapter = (*IBGatewayAdapter)(nil)

// NewIBGatewayAdapter creates an adapter against the local gateway.
// Credentials keys: gatewayHost, gatewayPort (defaults injected upstream).
func NewIBGatewayAdapter(creds Credentials, perSecond float64, burst int, logger *zap.Logger) *IBGatewayAdapter {
	host := creds["gatewayHost"]
	if host == "" {
		host = IBGatewayDefaultHost
	}
	port := creds["gatewayPort"]
	if port == "" {
		port = IBGatewayDefaultPort
	}
	base := fmt.Sprintf("https://%s:%s/v1/api", host, port)

	a := &IBGatewayAdapter{
		transport: newTransport(base, "ibkr", perSecond, burst, logger),
		session:   &SessionHolder{},
		logger:    logger,
	}
	a.transport.reauth = a.refreshSession
	return a
}

// refreshSession drops a gateway session the gateway itself invalidated and
// authenticates anew. The gateway times sessions out server-side, so a
// mid-call rejection can arrive well before the local expiry.
func (a *IBGatewayAdapter) refreshSession(ctx context.Context) error {
	a.session.Invalidate()
	return a.Authenticate(ctx)
}

// Key returns "ibkr".
func (a *IBGatewayAdapter) Key() string { return "ibkr" }

// SupportsTrailingStop returns true; the gateway supports TRAIL orders.
func (a *IBGatewayAdapter) SupportsTrailingStop() bool { return true }

// Authenticate confirms the gateway session is live and pins the selected
// account. The gateway holds the actual brokerage credentials; the engine
// never sees them.
func (a *IBGatewayAdapter) Authenticate(ctx context.Context) error {
	_, err := a.session.Ensure(ctx, func(ctx context.Context) (*Session, error) {
		ctx = authProbe(ctx)
		var status struct {
			Authenticated bool `json:"authenticated"`
		}
		req := a.transport.client.R().SetResult(&status)
		if _, err := a.transport.do(ctx, "POST", "/iserver/auth/status", req, true); err != nil {
			return nil, err
		}
		if !status.Authenticated {
			return nil, &AuthenticationError{BrokerKey: a.Key(), Reason: "gateway session not authenticated; log in to the local gateway"}
		}

		var accounts struct {
			SelectedAccount string `json:"selectedAccount"`
		}
		req = a.transport.client.R().SetResult(&accounts)
		if _, err := a.transport.do(ctx, "GET", "/iserver/accounts", req, true); err != nil {
			return nil, err
		}
		return &Session{
			Token:     "gateway", // gateway owns the credentials
			AccountID: accounts.SelectedAccount,
			ExpiresAt: time.Now().Add(5 * time.Minute),
		}, nil
	})
	return err
}

func (a *IBGatewayAdapter) ensureAuth(ctx context.Context) (*Session, error) {
	if s := a.session.Current(); s.Valid(time.Now()) {
		return s, nil
	}
	if err := a.Authenticate(ctx); err != nil {
		return nil, err
	}
	return a.session.Current(), nil
}

// GetBalance returns net liquidation value and available funds.
func (a *IBGatewayAdapter) GetBalance(ctx context.Context) (*Balance, error) {
	s, err := a.ensureAuth(ctx)
	if err != nil {
		return nil, err
	}

	var summary struct {
		NetLiquidation struct {
			Amount float64 `json:"amount"`
		} `json:"netliquidation"`
		AvailableFunds struct {
			Amount float64 `json:"amount"`
		} `json:"availablefunds"`
	}
	req := a.transport.client.R().SetResult(&summary)
	if _, err := a.transport.do(ctx, "GET", "/portfolio/"+s.AccountID+"/summary", req, true); err != nil {
		return nil, err
	}
	return &Balance{
		Currency:  "USD",
		Total:     summary.NetLiquidation.Amount,
		Available: summary.AvailableFunds.Amount,
	}, nil
}

// GetPositions returns portfolio positions.
func (a *IBGatewayAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	s, err := a.ensureAuth(ctx)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		ContractDesc  string  `json:"contractDesc"`
		Position      float64 `json:"position"`
		AvgCost       float64 `json:"avgCost"`
		MktPrice      float64 `json:"mktPrice"`
		UnrealizedPnL float64 `json:"unrealizedPnl"`
	}
	req := a.transport.client.R().SetResult(&raw)
	if _, err := a.transport.do(ctx, "GET", "/portfolio/"+s.AccountID+"/positions/0", req, true); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		side := SideBuy
		qty := p.Position
		if qty < 0 {
			side = SideSell
			qty = -qty
		}
		positions = append(positions, Position{
			Symbol:        NormalizeSymbol(p.ContractDesc),
			Quantity:      qty,
			Side:          side,
			EntryPrice:    p.AvgCost,
			CurrentPrice:  p.MktPrice,
			UnrealizedPnL: p.UnrealizedPnL,
			Source:        a.Key(),
		})
	}
	return positions, nil
}

func ibOrderType(t OrderType) string {
	switch t {
	case TypeLimit:
		return "LMT"
	case TypeStop:
		return "STP"
	case TypeStopLimit:
		return "STOP_LIMIT"
	case TypeTrailingStop:
		return "TRAIL"
	default:
		return "MKT"
	}
}

// CreateOrder submits an order through the gateway. Not retried on ambiguous
// failure.
func (a *IBGatewayAdapter) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	s, err := a.ensureAuth(ctx)
	if err != nil {
		return nil, err
	}

	order := map[string]interface{}{
		"ticker":    NormalizeSymbol(req.Symbol),
		"secType":   "STK",
		"orderType": ibOrderType(req.Type),
		"side":      string(req.Side),
		"quantity":  req.Quantity,
		"tif":       string(req.TimeInForce),
	}
	if req.ClientOrderID != "" {
		order["cOID"] = req.ClientOrderID
	}
	if req.LimitPrice > 0 {
		order["price"] = req.LimitPrice
	}
	if req.StopPrice > 0 {
		order["auxPrice"] = req.StopPrice
	}
	if req.Type == TypeTrailingStop {
		order["trailingAmt"] = req.TrailPercent
		order["trailingType"] = "%"
	}

	var results []struct {
		OrderID     string `json:"order_id"`
		OrderStatus string `json:"order_status"`
	}
	r := a.transport.client.R().
		SetBody(map[string]interface{}{"orders": []map[string]interface{}{order}}).
		SetResult(&results)

	if _, err := a.transport.do(ctx, "POST", "/iserver/account/"+s.AccountID+"/orders", r, false); err != nil {
		a.logger.Error("failed to create order", zap.String("symbol", req.Symbol), zap.Error(err))
		return nil, err
	}
	if len(results) == 0 {
		return nil, &BrokerBusinessError{BrokerKey: a.Key(), Code: "empty", Message: "gateway returned no order"}
	}

	now := time.Now()
	return &Order{
		OrderID:       results[0].OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        NormalizeSymbol(req.Symbol),
		Side:          req.Side,
		Type:          req.Type,
		Status:        ibStatuses.Map(results[0].OrderStatus),
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// CancelOrder cancels via the gateway, treating unknown orders as converged.
func (a *IBGatewayAdapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	s, err := a.ensureAuth(ctx)
	if err != nil {
		return false, err
	}

	r := a.transport.client.R()
	if _, err := a.transport.do(ctx, "DELETE", "/iserver/account/"+s.AccountID+"/order/"+orderID, r, true); err != nil {
		// Converge only when the gateway does not know the order. Any other
		// rejection leaves the order live and must be surfaced.
		var bizErr *BrokerBusinessError
		if errors.As(err, &bizErr) &&
			(bizErr.Code == "404" || strings.Contains(strings.ToLower(bizErr.Message), "not found")) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// GetOrderStatus polls an order's canonical status.
func (a *IBGatewayAdapter) GetOrderStatus(ctx context.Context, orderID string) (Status, error) {
	if _, err := a.ensureAuth(ctx); err != nil {
		return StatusUnknown, err
	}

	var result struct {
		OrderStatus string `json:"order_status"`
	}
	r := a.transport.client.R().SetResult(&result)
	if _, err := a.transport.do(ctx, "GET", "/iserver/account/order/status/"+orderID, r, true); err != nil {
		return StatusUnknown, err
	}
	return ibStatuses.Map(result.OrderStatus), nil
}

// SetStopLoss places an independent stop order, trailing when requested.
func (a *IBGatewayAdapter) SetStopLoss(ctx context.Context, params StopParams) (*Order, error) {
	req := OrderRequest{
		Symbol:      params.Symbol,
		Side:        params.Side,
		Quantity:    params.Quantity,
		StopPrice:   params.StopPrice,
		TimeInForce: TIFGoodTillCancel,
	}
	if params.Trailing {
		req.Type = TypeTrailingStop
		req.TrailPercent = params.TrailPercent
	} else {
		req.Type = TypeStop
	}
	return a.CreateOrder(ctx, req)
}

// SetTakeProfit places an independent limit order at the target.
func (a *IBGatewayAdapter) SetTakeProfit(ctx context.Context, params StopParams) (*Order, error) {
	return a.CreateOrder(ctx, OrderRequest{
		Symbol:      params.Symbol,
		Side:        params.Side,
		Type:        TypeLimit,
		Quantity:    params.Quantity,
		LimitPrice:  params.LimitPrice,
		TimeInForce: TIFGoodTillCancel,
	})
}

// GetOrderHistory lists live and recent orders from the gateway.
func (a *IBGatewayAdapter) GetOrderHistory(ctx context.Context, filter HistoryFilter) ([]Order, error) {
	if _, err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Orders []struct {
			OrderID  int     `json:"orderId"`
			Ticker   string  `json:"ticker"`
			Side     string  `json:"side"`
			Quantity float64 `json:"totalSize"`
			Filled   float64 `json:"filledQuantity"`
			AvgPrice float64 `json:"avgPrice"`
			Status   string  `json:"status"`
		} `json:"orders"`
	}
	r := a.transport.client.R().SetResult(&result)
	if _, err := a.transport.do(ctx, "GET", "/iserver/account/orders", r, true); err != nil {
		return nil, err
	}

	want := NormalizeSymbol(filter.Symbol)
	orders := make([]Order, 0, len(result.Orders))
	for _, o := range result.Orders {
		symbol := NormalizeSymbol(o.Ticker)
		if want != "" && symbol != want {
			continue
		}
		side := SideBuy
		if o.Side == "SELL" {
			side = SideSell
		}
		orders = append(orders, Order{
			OrderID:        strconv.Itoa(o.OrderID),
			Symbol:         symbol,
			Side:           side,
			Status:         ibStatuses.Map(o.Status),
			Quantity:       o.Quantity,
			FilledQuantity: o.Filled,
			ExecutedPrice:  o.AvgPrice,
		})
		if filter.Limit > 0 && len(orders) >= filter.Limit {
			break
		}
	}
	return orders, nil
}

// GetMarketPrice fetches a snapshot quote. The gateway requires a contract
// id lookup first.
func (a *IBGatewayAdapter) GetMarketPrice(ctx context.Context, symbol string) (*Quote, error) {
	if _, err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}
	conid, err := a.lookupConid(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var snapshots []struct {
		Last string `json:"31"` // field 31 is last price
	}
	r := a.transport.client.R().
		SetQueryParam("conids", strconv.Itoa(conid)).
		SetQueryParam("fields", "31").
		SetResult(&snapshots)

	if _, err := a.transport.do(ctx, "GET", "/iserver/marketdata/snapshot", r, true); err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, &BrokerBusinessError{BrokerKey: a.Key(), Code: "no-data", Message: "no snapshot for " + symbol}
	}

	last, _ := strconv.ParseFloat(snapshots[0].Last, 64)
	return &Quote{Symbol: NormalizeSymbol(symbol), Last: last, Bid: last, Ask: last, At: time.Now()}, nil
}

func (a *IBGatewayAdapter) lookupConid(ctx context.Context, symbol string) (int, error) {
	var results []struct {
		Conid int `json:"conid"`
	}
	r := a.transport.client.R().
		SetQueryParam("symbol", NormalizeSymbol(symbol)).
		SetQueryParam("secType", "STK").
		SetResult(&results)

	if _, err := a.transport.do(ctx, "GET", "/iserver/secdef/search", r, true); err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, &BrokerBusinessError{BrokerKey: a.Key(), Code: "unknown-symbol", Message: symbol}
	}
	return results[0].Conid, nil
}

// IsSymbolSupported checks the symbol resolves to a contract.
func (a *IBGatewayAdapter) IsSymbolSupported(ctx context.Context, symbol string) (bool, error) {
	if _, err := a.ensureAuth(ctx); err != nil {
		return false, err
	}
	_, err := a.lookupConid(ctx, symbol)
	if err != nil {
		var bizErr *BrokerBusinessError
		if errors.As(err, &bizErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetFees returns IBKR's tiered commission approximation.
func (a *IBGatewayAdapter) GetFees(ctx context.Context, symbol string) (*FeeSchedule, error) {
	return &FeeSchedule{PerTrade: 0.35, Currency: "USD"}, nil
}
