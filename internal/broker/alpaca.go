package broker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	alpacaLiveBaseURL  = "https://api.alpaca.markets/v2"
	alpacaPaperBaseURL = "https://paper-api.alpaca.markets/v2"
	alpacaDataBaseURL  = "https://data.alpaca.markets/v2"
)

var alpacaStatuses = StatusTable{
	"new":              StatusPending,
	"accepted":         StatusPending,
	"pending_new":      StatusPending,
	"partially_filled": StatusPartial,
	"filled":           StatusFilled,
	"canceled":         StatusCancelled,
	"pending_cancel":   StatusPending,
	"expired":          StatusCancelled,
	"rejected":         StatusRejected,
	"suspended":        StatusPending,
	"done_for_day":     StatusFilled,
}

// TokenSource supplies a current OAuth access token, refreshing it first when
// expired. Implemented by the OAuth lifecycle manager; adapters only see this
// narrow contract.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// AlpacaAdapter trades US equities through the Alpaca REST API. It
// authenticates either with API key/secret headers or, when a TokenSource is
// attached, with an OAuth bearer token that is transparently refreshed.
type AlpacaAdapter struct {
	transport *transport
	data      *transport
	session   *SessionHolder
	apiKey    string
	apiSecret string
	tokens    TokenSource
	logger    *zap.Logger
}

var _ Adapter = (*AlpacaAdapter)(nil)

// NewAlpacaAdapter creates an Alpaca adapter. Credentials keys: apiKey,
// apiSecret. Environment "paper" targets the paper endpoint. Pass a non-nil
// tokens source to authenticate via OAuth instead of key headers.
func NewAlpacaAdapter(creds Credentials, environment string, tokens TokenSource, perSecond float64, burst int, logger *zap.Logger) *AlpacaAdapter {
	base := alpacaLiveBaseURL
	if environment == "paper" {
		base = alpacaPaperBaseURL
	}

	a := &AlpacaAdapter{
		transport: newTransport(base, "alpaca", perSecond, burst, logger),
		data:      newTransport(alpacaDataBaseURL, "alpaca", perSecond, burst, logger),
		session:   &SessionHolder{},
		apiKey:    creds["apiKey"],
		apiSecret: creds["apiSecret"],
		tokens:    tokens,
		logger:    logger,
	}
	a.transport.reauth = a.refreshSession
	a.data.reauth = a.refreshSession
	return a
}

// refreshSession drops a server-side-rejected session and authenticates anew.
func (a *AlpacaAdapter) refreshSession(ctx context.Context) error {
	a.session.Invalidate()
	return a.Authenticate(ctx)
}

// Key returns "alpaca".
func (a *AlpacaAdapter) Key() string { return "alpaca" }

// SupportsTrailingStop returns true; Alpaca has native trailing-stop orders.
func (a *AlpacaAdapter) SupportsTrailingStop() bool { return true }

// UsesOAuth reports whether this instance authenticates with a bearer token.
func (a *AlpacaAdapter) UsesOAuth() bool { return a.tokens != nil }

// authHeaders returns the auth headers for a request, refreshing the OAuth
// token first when one is in use and expired.
func (a *AlpacaAdapter) authHeaders(ctx context.Context) (map[string]string, error) {
	if a.tokens != nil {
		token, err := a.tokens.AccessToken(ctx)
		if err != nil {
			return nil, &AuthenticationError{BrokerKey: a.Key(), Reason: err.Error()}
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}
	return map[string]string{
		"APCA-API-KEY-ID":     a.apiKey,
		"APCA-API-SECRET-KEY": a.apiSecret,
	}, nil
}

// Authenticate verifies credentials against the account endpoint and caches
// the account id in the session. Safe to call concurrently.
func (a *AlpacaAdapter) Authenticate(ctx context.Context) error {
	_, err := a.session.Ensure(ctx, func(ctx context.Context) (*Session, error) {
		ctx = authProbe(ctx)
		headers, err := a.authHeaders(ctx)
		if err != nil {
			return nil, err
		}

		var account struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		req := a.transport.client.R().SetHeaders(headers).SetResult(&account)
		if _, err := a.transport.do(ctx, "GET", "/account", req, true); err != nil {
			return nil, err
		}
		if account.Status != "ACTIVE" {
			return nil, &AuthenticationError{BrokerKey: a.Key(), Reason: "account status " + account.Status}
		}
		return &Session{Token: headers["Authorization"], AccountID: account.ID}, nil
	})
	return err
}

func (a *AlpacaAdapter) ensureAuth(ctx context.Context) error {
	if a.session.Current().Valid(time.Now()) {
		return nil
	}
	return a.Authenticate(ctx)
}

// GetBalance returns the account's equity and buying power.
func (a *AlpacaAdapter) GetBalance(ctx context.Context) (*Balance, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return nil, err
	}

	var account struct {
		Equity      string `json:"equity"`
		Cash        string `json:"cash"`
		BuyingPower string `json:"buying_power"`
		Currency    string `json:"currency"`
	}
	req := a.transport.client.R().SetHeaders(headers).SetResult(&account)
	if _, err := a.transport.do(ctx, "GET", "/account", req, true); err != nil {
		return nil, err
	}

	equity, _ := strconv.ParseFloat(account.Equity, 64)
	cash, _ := strconv.ParseFloat(account.Cash, 64)
	return &Balance{Currency: account.Currency, Total: equity, Available: cash}, nil
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	UnrealizedPnL string `json:"unrealized_pl"`
}

// GetPositions returns all open positions.
func (a *AlpacaAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return nil, err
	}

	var raw []alpacaPosition
	req := a.transport.client.R().SetHeaders(headers).SetResult(&raw)
	if _, err := a.transport.do(ctx, "GET", "/positions", req, true); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		qty, _ := strconv.ParseFloat(p.Qty, 64)
		entry, _ := strconv.ParseFloat(p.AvgEntryPrice, 64)
		current, _ := strconv.ParseFloat(p.CurrentPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnrealizedPnL, 64)
		side := SideBuy
		if p.Side == "short" {
			side = SideSell
		}
		positions = append(positions, Position{
			Symbol:        NormalizeSymbol(p.Symbol),
			Quantity:      qty,
			Side:          side,
			EntryPrice:    entry,
			CurrentPrice:  current,
			UnrealizedPnL: pnl,
			Source:        a.Key(),
		})
	}
	return positions, nil
}

type alpacaOrder struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Qty            string    `json:"qty"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	TimeInForce    string    `json:"time_in_force"`
	LimitPrice     string    `json:"limit_price"`
	StopPrice      string    `json:"stop_price"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (a *AlpacaAdapter) toOrder(o *alpacaOrder) *Order {
	qty, _ := strconv.ParseFloat(o.Qty, 64)
	filled, _ := strconv.ParseFloat(o.FilledQty, 64)
	avg, _ := strconv.ParseFloat(o.FilledAvgPrice, 64)
	limit, _ := strconv.ParseFloat(o.LimitPrice, 64)
	stop, _ := strconv.ParseFloat(o.StopPrice, 64)

	side := SideBuy
	if o.Side == "sell" {
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
	case "trailing_stop":
		typ = TypeTrailingStop
	default:
		typ = TypeMarket
	}

	return &Order{
		OrderID:        o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         NormalizeSymbol(o.Symbol),
		Side:           side,
		Type:           typ,
		Status:         alpacaStatuses.Map(o.Status),
		Quantity:       qty,
		FilledQuantity: filled,
		ExecutedPrice:  avg,
		LimitPrice:     limit,
		StopPrice:      stop,
		TimeInForce:    TimeInForce(o.TimeInForce),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

// CreateOrder submits a new order. Not retried on ambiguous failure.
func (a *AlpacaAdapter) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"symbol": NormalizeSymbol(req.Symbol),
		"qty":    strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"side":   map[Side]string{SideBuy: "buy", SideSell: "sell"}[req.Side],
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = TIFGoodTillCancel
	}
	body["time_in_force"] = map[TimeInForce]string{
		TIFGoodTillCancel: "gtc", TIFDay: "day", TIFImmediate: "ioc", TIFFillOrKill: "fok",
	}[tif]
	if req.ClientOrderID != "" {
		body["client_order_id"] = req.ClientOrderID
	}

	switch req.Type {
	case TypeLimit:
		body["type"] = "limit"
		body["limit_price"] = strconv.FormatFloat(req.LimitPrice, 'f', -1, 64)
	case TypeStop:
		body["type"] = "stop"
		body["stop_price"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	case TypeStopLimit:
		body["type"] = "stop_limit"
		body["stop_price"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
		body["limit_price"] = strconv.FormatFloat(req.LimitPrice, 'f', -1, 64)
	case TypeTrailingStop:
		body["type"] = "trailing_stop"
		body["trail_percent"] = strconv.FormatFloat(req.TrailPercent, 'f', -1, 64)
	default:
		body["type"] = "market"
	}

	var result alpacaOrder
	r := a.transport.client.R().SetHeaders(headers).SetBody(body).SetResult(&result)
	if _, err := a.transport.do(ctx, "POST", "/orders", r, false); err != nil {
		a.logger.Error("failed to create order", zap.String("symbol", req.Symbol), zap.Error(err))
		return nil, err
	}

	order := a.toOrder(&result)
	a.logger.Info("order created",
		zap.String("broker", a.Key()),
		zap.String("order_id", order.OrderID),
		zap.String("symbol", order.Symbol),
	)
	return order, nil
}

// CancelOrder cancels an open order, treating already-terminal and not-found
// responses as success.
func (a *AlpacaAdapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return false, err
	}
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return false, err
	}

	r := a.transport.client.R().SetHeaders(headers)
	if _, err := a.transport.do(ctx, "DELETE", "/orders/"+orderID, r, true); err != nil {
		// 404 unknown order / 422 order already terminal: converged. Any
		// other rejection leaves the order live and must be surfaced.
		var bizErr *BrokerBusinessError
		if errors.As(err, &bizErr) && (bizErr.Code == "404" || bizErr.Code == "422") {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// GetOrderStatus polls a single order's canonical status.
func (a *AlpacaAdapter) GetOrderStatus(ctx context.Context, orderID string) (Status, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return StatusUnknown, err
	}
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return StatusUnknown, err
	}

	var result alpacaOrder
	r := a.transport.client.R().SetHeaders(headers).SetResult(&result)
	if _, err := a.transport.do(ctx, "GET", "/orders/"+orderID, r, true); err != nil {
		return StatusUnknown, err
	}
	return alpacaStatuses.Map(result.Status), nil
}

// SetStopLoss places an independent stop order. Trailing stops use Alpaca's
// native trailing_stop type.
func (a *AlpacaAdapter) SetStopLoss(ctx context.Context, params StopParams) (*Order, error) {
	req := OrderRequest{
		Symbol:   params.Symbol,
		Side:     params.Side,
		Quantity: params.Quantity,
	}
	if params.Trailing {
		req.Type = TypeTrailingStop
		req.TrailPercent = params.TrailPercent
	} else if params.LimitPrice > 0 {
		req.Type = TypeStopLimit
		req.StopPrice = params.StopPrice
		req.LimitPrice = params.LimitPrice
	} else {
		req.Type = TypeStop
		req.StopPrice = params.StopPrice
	}
	return a.CreateOrder(ctx, req)
}

// SetTakeProfit places an independent take-profit limit order.
func (a *AlpacaAdapter) SetTakeProfit(ctx context.Context, params StopParams) (*Order, error) {
	return a.CreateOrder(ctx, OrderRequest{
		Symbol:     params.Symbol,
		Side:       params.Side,
		Type:       TypeLimit,
		Quantity:   params.Quantity,
		LimitPrice: params.LimitPrice,
	})
}

// GetOrderHistory lists closed and open orders, newest first.
func (a *AlpacaAdapter) GetOrderHistory(ctx context.Context, filter HistoryFilter) ([]Order, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return nil, err
	}

	r := a.transport.client.R().SetHeaders(headers).SetQueryParam("status", "all")
	if filter.Symbol != "" {
		r.SetQueryParam("symbols", NormalizeSymbol(filter.Symbol))
	}
	if !filter.Since.IsZero() {
		r.SetQueryParam("after", filter.Since.Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		r.SetQueryParam("limit", strconv.Itoa(filter.Limit))
	}

	var raw []alpacaOrder
	r.SetResult(&raw)
	if _, err := a.transport.do(ctx, "GET", "/orders", r, true); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(raw))
	for i := range raw {
		orders = append(orders, *a.toOrder(&raw[i]))
	}
	return orders, nil
}

// GetMarketPrice fetches the latest trade price from the data API.
func (a *AlpacaAdapter) GetMarketPrice(ctx context.Context, symbol string) (*Quote, error) {
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		Trade struct {
			Price float64 `json:"p"`
		} `json:"trade"`
	}
	r := a.data.client.R().SetHeaders(headers).SetResult(&result)
	if _, err := a.data.do(ctx, "GET", "/stocks/"+NormalizeSymbol(symbol)+"/trades/latest", r, true); err != nil {
		return nil, err
	}
	return &Quote{
		Symbol: NormalizeSymbol(symbol),
		Last:   result.Trade.Price,
		Bid:    result.Trade.Price,
		Ask:    result.Trade.Price,
		At:     time.Now(),
	}, nil
}

// IsSymbolSupported checks the asset is tradable.
func (a *AlpacaAdapter) IsSymbolSupported(ctx context.Context, symbol string) (bool, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return false, err
	}
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return false, err
	}

	var asset struct {
		Tradable bool `json:"tradable"`
	}
	r := a.transport.client.R().SetHeaders(headers).SetResult(&asset)
	if _, err := a.transport.do(ctx, "GET", "/assets/"+NormalizeSymbol(symbol), r, true); err != nil {
		var bizErr *BrokerBusinessError
		if errors.As(err, &bizErr) {
			return false, nil
		}
		return false, err
	}
	return asset.Tradable, nil
}

// GetFees returns Alpaca's commission schedule. US equity trades are
// commission-free; regulatory fees apply on sells only and are ignored here.
func (a *AlpacaAdapter) GetFees(ctx context.Context, symbol string) (*FeeSchedule, error) {
	return &FeeSchedule{MakerRate: 0, TakerRate: 0, Currency: "USD"}, nil
}
