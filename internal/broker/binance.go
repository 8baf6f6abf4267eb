package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	binanceBaseURL        = "https://api.binance.com/api/v3"
	binanceTestnetBaseURL = "https://testnet.binance.vision/api/v3"
	binanceRecvWindow     = "5000" // request validity window in ms

	// -2011 "Unknown order sent": the order is already filled, cancelled or
	// never existed.
	binanceCodeUnknownOrder = -2011
)

// binanceStatuses maps Binance order statuses to the canonical vocabulary.
var binanceStatuses = StatusTable{
	"NEW":              StatusPending,
	"PARTIALLY_FILLED": StatusPartial,
	"FILLED":           StatusFilled,
	"CANCELED":         StatusCancelled,
	"PENDING_CANCEL":   StatusPending,
	"REJECTED":         StatusRejected,
	"EXPIRED":          StatusCancelled,
}

// BinanceAdapter trades spot crypto through the Binance REST API using
// HMAC-SHA256 signed requests.
type BinanceAdapter struct {
	transport *transport
	session   *SessionHolder
	apiKey    string
	secretKey string
	logger    *zap.Logger
}

var _ Adapter = (*BinanceAdapter)(nil)

// NewBinanceAdapter creates a Binance adapter. Config keys: apiKey,
// secretKey; environment "testnet" targets the Binance testnet.
func NewBinanceAdapter(creds Credentials, environment string, perSecond float64, burst int, logger *zap.Logger) *BinanceAdapter {
	base := binanceBaseURL
	if environment == "testnet" {
		base = binanceTestnetBaseURL
		logger.Warn("using Binance testnet")
	}

	a := &BinanceAdapter{
		transport: newTransport(base, "binance", perSecond, burst, logger),
		session:   &SessionHolder{},
		apiKey:    creds["apiKey"],
		secretKey: creds["secretKey"],
		logger:    logger,
	}
	a.transport.reauth = a.refreshSession
	return a
}

// refreshSession drops a server-side-rejected session and authenticates anew.
func (a *BinanceAdapter) refreshSession(ctx context.Context) error {
	a.session.Invalidate()
	return a.Authenticate(ctx)
}

// Key returns "binance".
func (a *BinanceAdapter) Key() string { return "binance" }

// SupportsTrailingStop returns false; Binance spot has no native trailing
// stop, so callers degrade to a computed static stop.
func (a *BinanceAdapter) SupportsTrailingStop() bool { return false }

// sign creates an HMAC-SHA256 signature over the query string.
func (a *BinanceAdapter) sign(data string) string {
	h := hmac.New(sha256.New, []byte(a.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedParams appends timestamp, recvWindow and signature to params.
func (a *BinanceAdapter) signedParams(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", binanceRecvWindow)
	qs := params.Encode()
	return qs + "&signature=" + a.sign(qs)
}

// Authenticate verifies the API key against the account endpoint. Idempotent;
// concurrent callers share one in-flight check.
func (a *BinanceAdapter) Authenticate(ctx context.Context) error {
	_, err := a.session.Ensure(ctx, func(ctx context.Context) (*Session, error) {
		ctx = authProbe(ctx)
		var account struct {
			UID int64 `json:"uid"`
		}
		req := a.transport.client.R().
			SetHeader("X-MBX-APIKEY", a.apiKey).
			SetResult(&account)

		if _, err := a.transport.do(ctx, "GET", "/account?"+a.signedParams(url.Values{}), req, true); err != nil {
			return nil, err
		}
		return &Session{
			Token:     a.apiKey,
			AccountID: strconv.FormatInt(account.UID, 10),
		}, nil
	})
	return err
}

// ensureAuth lazily authenticates before a signed call.
func (a *BinanceAdapter) ensureAuth(ctx context.Context) error {
	if a.session.Current().Valid(time.Now()) {
		return nil
	}
	return a.Authenticate(ctx)
}

type binanceBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// GetBalance sums the USDT balance across free and locked.
func (a *BinanceAdapter) GetBalance(ctx context.Context) (*Balance, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}

	var account struct {
		Balances []binanceBalance `json:"balances"`
	}
	req := a.transport.client.R().
		SetHeader("X-MBX-APIKEY", a.apiKey).
		SetResult(&account)

	if _, err := a.transport.do(ctx, "GET", "/account?"+a.signedParams(url.Values{}), req, true); err != nil {
		return nil, err
	}

	out := &Balance{Currency: "USDT"}
	for _, b := range account.Balances {
		if b.Asset != "USDT" {
			continue
		}
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		out.Available = free
		out.Total = free + locked
	}
	return out, nil
}

// GetPositions derives positions from non-zero asset balances. Binance spot
// has no position concept, so each held asset is reported as a long.
func (a *BinanceAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}

	var account struct {
		Balances []binanceBalance `json:"balances"`
	}
	req := a.transport.client.R().
		SetHeader("X-MBX-APIKEY", a.apiKey).
		SetResult(&account)

	if _, err := a.transport.do(ctx, "GET", "/account?"+a.signedParams(url.Values{}), req, true); err != nil {
		return nil, err
	}

	var positions []Position
	for _, b := range account.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		qty := free + locked
		if qty <= 0 || b.Asset == "USDT" {
			continue
		}
		positions = append(positions, Position{
			Symbol:   NormalizeSymbol(b.Asset),
			Quantity: qty,
			Side:     SideBuy,
			Source:   a.Key(),
		})
	}
	return positions, nil
}

type binanceOrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Price               string `json:"price"`
	OrigQuantity        string `json:"origQty"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	TimeInForce         string `json:"timeInForce"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	StopPrice           string `json:"stopPrice"`
}

func (a *BinanceAdapter) toOrder(r *binanceOrderResponse) *Order {
	qty, _ := strconv.ParseFloat(r.OrigQuantity, 64)
	filled, _ := strconv.ParseFloat(r.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(r.CummulativeQuoteQty, 64)
	limit, _ := strconv.ParseFloat(r.Price, 64)
	stop, _ := strconv.ParseFloat(r.StopPrice, 64)

	executed := 0.0
	if filled > 0 {
		executed = quote / filled
	}

	return &Order{
		OrderID:        strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:  r.ClientOrderID,
		Symbol:         NormalizeSymbol(r.Symbol),
		Side:           Side(r.Side),
		Type:           a.mapType(r.Type),
		Status:         binanceStatuses.Map(r.Status),
		Quantity:       qty,
		FilledQuantity: filled,
		ExecutedPrice:  executed,
		LimitPrice:     limit,
		StopPrice:      stop,
		TimeInForce:    TimeInForce(r.TimeInForce),
		CreatedAt:      time.UnixMilli(r.TransactTime),
		UpdatedAt:      time.UnixMilli(r.TransactTime),
	}
}

func (a *BinanceAdapter) mapType(raw string) OrderType {
	switch raw {
	case "MARKET":
		return TypeMarket
	case "LIMIT", "LIMIT_MAKER":
		return TypeLimit
	case "STOP_LOSS", "TAKE_PROFIT":
		return TypeStop
	case "STOP_LOSS_LIMIT", "TAKE_PROFIT_LIMIT":
		return TypeStopLimit
	}
	return TypeMarket
}

func binanceOrderType(t OrderType) string {
	switch t {
	case TypeLimit:
		return "LIMIT"
	case TypeStop:
		return "STOP_LOSS"
	case TypeStopLimit:
		return "STOP_LOSS_LIMIT"
	default:
		return "MARKET"
	}
}

// CreateOrder places a new order. Not retried on ambiguous failure.
func (a *BinanceAdapter) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", binanceOrderType(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.Type == TypeLimit || req.Type == TypeStopLimit {
		params.Set("price", strconv.FormatFloat(req.LimitPrice, 'f', -1, 64))
		tif := req.TimeInForce
		if tif == "" {
			tif = TIFGoodTillCancel
		}
		params.Set("timeInForce", string(tif))
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}

	var result binanceOrderResponse
	r := a.transport.client.R().
		SetHeader("X-MBX-APIKEY", a.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(a.signedParams(params)).
		SetResult(&result)

	if _, err := a.transport.do(ctx, "POST", "/order", r, false); err != nil {
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

// CancelOrder cancels an open order. An order the broker reports as unknown
// or already terminal counts as a successful cancellation.
func (a *BinanceAdapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return false, err
	}

	params := url.Values{}
	params.Set("orderId", orderID)

	r := a.transport.client.R().SetHeader("X-MBX-APIKEY", a.apiKey)
	_, err := a.transport.do(ctx, "DELETE", "/order?"+a.signedParams(params), r, true)
	if err != nil {
		// Converge only when the order is provably gone. Any other
		// rejection (bad timestamp, symbol filters) leaves it live.
		var bizErr *BrokerBusinessError
		if errors.As(err, &bizErr) && binanceErrorCode(bizErr.Message) == binanceCodeUnknownOrder {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// binanceErrorCode extracts the numeric code from an error body such as
// {"code":-2011,"msg":"Unknown order sent."}.
func binanceErrorCode(body string) int {
	var payload struct {
		Code int `json:"code"`
	}
	if json.Unmarshal([]byte(body), &payload) != nil {
		return 0
	}
	return payload.Code
}

// GetOrderStatus polls a single order's canonical status.
func (a *BinanceAdapter) GetOrderStatus(ctx context.Context, orderID string) (Status, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return StatusUnknown, err
	}

	params := url.Values{}
	params.Set("orderId", orderID)

	var result binanceOrderResponse
	r := a.transport.client.R().
		SetHeader("X-MBX-APIKEY", a.apiKey).
		SetResult(&result)

	if _, err := a.transport.do(ctx, "GET", "/order?"+a.signedParams(params), r, true); err != nil {
		return StatusUnknown, err
	}
	return binanceStatuses.Map(result.Status), nil
}

// SetStopLoss places an independent stop-loss order for an existing holding.
func (a *BinanceAdapter) SetStopLoss(ctx context.Context, params StopParams) (*Order, error) {
	return a.CreateOrder(ctx, OrderRequest{
		Symbol:    params.Symbol,
		Side:      params.Side,
		Type:      TypeStop,
		Quantity:  params.Quantity,
		StopPrice: params.StopPrice,
	})
}

// SetTakeProfit places an independent take-profit limit order.
func (a *BinanceAdapter) SetTakeProfit(ctx context.Context, params StopParams) (*Order, error) {
	return a.CreateOrder(ctx, OrderRequest{
		Symbol:     params.Symbol,
		Side:       params.Side,
		Type:       TypeLimit,
		Quantity:   params.Quantity,
		LimitPrice: params.LimitPrice,
	})
}

// GetOrderHistory lists past orders for a symbol.
func (a *BinanceAdapter) GetOrderHistory(ctx context.Context, filter HistoryFilter) ([]Order, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(filter.Symbol))
	if !filter.Since.IsZero() {
		params.Set("startTime", strconv.FormatInt(filter.Since.UnixMilli(), 10))
	}
	if filter.Limit > 0 {
		params.Set("limit", strconv.Itoa(filter.Limit))
	}

	var results []binanceOrderResponse
	r := a.transport.client.R().
		SetHeader("X-MBX-APIKEY", a.apiKey).
		SetResult(&results)

	if _, err := a.transport.do(ctx, "GET", "/allOrders?"+a.signedParams(params), r, true); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(results))
	for i := range results {
		orders = append(orders, *a.toOrder(&results[i]))
	}
	return orders, nil
}

// GetMarketPrice fetches the latest ticker price for a symbol.
func (a *BinanceAdapter) GetMarketPrice(ctx context.Context, symbol string) (*Quote, error) {
	var ticker struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	r := a.transport.client.R().
		SetQueryParam("symbol", NormalizeSymbol(symbol)).
		SetResult(&ticker)

	if _, err := a.transport.do(ctx, "GET", "/ticker/price", r, true); err != nil {
		return nil, err
	}

	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price %q for %s: %w", ticker.Price, symbol, err)
	}
	return &Quote{Symbol: NormalizeSymbol(symbol), Last: price, Bid: price, Ask: price, At: time.Now()}, nil
}

// IsSymbolSupported checks the symbol against exchange info.
func (a *BinanceAdapter) IsSymbolSupported(ctx context.Context, symbol string) (bool, error) {
	var info struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	r := a.transport.client.R().
		SetQueryParam("symbol", NormalizeSymbol(symbol)).
		SetResult(&info)

	if _, err := a.transport.do(ctx, "GET", "/exchangeInfo", r, true); err != nil {
		var bizErr *BrokerBusinessError
		if errors.As(err, &bizErr) {
			return false, nil
		}
		return false, err
	}

	want := NormalizeSymbol(symbol)
	for _, s := range info.Symbols {
		if s.Symbol == want && s.Status == "TRADING" {
			return true, nil
		}
	}
	return false, nil
}

// GetFees returns the account's commission rates for a symbol.
func (a *BinanceAdapter) GetFees(ctx context.Context, symbol string) (*FeeSchedule, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))

	var result struct {
		StandardCommission struct {
			Maker string `json:"maker"`
			Taker string `json:"taker"`
		} `json:"standardCommission"`
	}
	r := a.transport.client.R().
		SetHeader("X-MBX-APIKEY", a.apiKey).
		SetResult(&result)

	if _, err := a.transport.do(ctx, "GET", "/account/commission?"+a.signedParams(params), r, true); err != nil {
		return nil, err
	}

	maker, _ := strconv.ParseFloat(result.StandardCommission.Maker, 64)
	taker, _ := strconv.ParseFloat(result.StandardCommission.Taker, 64)
	return &FeeSchedule{MakerRate: maker, TakerRate: taker, Currency: "USDT"}, nil
}
