// Package executor runs the trade pipeline: risk validation, adapter
// resolution, position sizing, order submission, protective orders and
// recording. Nothing an adapter returns escapes this package as a panic or
// raw error; callers always get a structured ExecResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/broker"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/events"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/ratelimit"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/registry"
)

// Failure codes carried in ExecResult.Code.
const (
	CodeRiskRejected  = "RISK_REJECTED"
	CodeValidation    = "VALIDATION"
	CodeAccessDenied  = "ACCESS_DENIED"
	CodeRateLimited   = "RATE_LIMITED"
	CodeAuth          = "AUTH"
	CodeNetwork       = "NETWORK"
	CodeBroker        = "BROKER"
	CodeUnknownBroker = "UNKNOWN_BROKER"
	CodeInternal      = "INTERNAL"
)

// ExecResult is the structured outcome of one execution. Failures carry a
// machine code and a human reason; they are results, not errors.
type ExecResult struct {
	Success bool
	Reason  string
	Code    string
	Order   *models.Order
}

// Options tunes one execution.
type Options struct {
	// Broker overrides the profile's preferred broker for this signal.
	Broker string
	// DryRun sizes and validates without submitting.
	DryRun bool
}

// knownCryptoAssets routes bare symbols like BTCUSDT to a crypto exchange.
var knownCryptoAssets = []string{"BTC", "ETH", "SOL", "BNB", "XRP", "ADA", "DOGE", "DOT", "LTC", "AVAX"}

// Executor drives trade executions for all users. Safe for concurrent use;
// per-user serialization is never required because adapters own their own
// session state.
type Executor struct {
	db     *gorm.DB
	reg    *registry.Registry
	pool   ConnectionPool
	limits *ratelimit.Gate
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	defaultStockBroker  string
	defaultCryptoBroker string
	// dryRun forces every execution into dry-run mode, regardless of the
	// per-call option.
	dryRun bool
}

// SetDryRun forces dry-run mode engine-wide.
func (e *Executor) SetDryRun(on bool) { e.dryRun = on }

// New builds an Executor.
func New(db *gorm.DB, reg *registry.Registry, pool ConnectionPool, limits *ratelimit.Gate, bus *events.Bus, defaultStock, defaultCrypto string, logger *zap.Logger) *Executor {
	return &Executor{
		db:                  db,
		reg:                 reg,
		pool:                pool,
		limits:              limits,
		bus:                 bus,
		logger:              logger.Named("executor"),
		now:                 time.Now,
		defaultStockBroker:  defaultStock,
		defaultCryptoBroker: defaultCrypto,
	}
}

// ExecuteTrade runs the full pipeline for one signal. Risk rejections cost
// zero network calls; adapter failures come back as failed results.
func (e *Executor) ExecuteTrade(ctx context.Context, userID string, signal models.TradeSignal, opts Options) *ExecResult {
	profile := e.loadProfile(userID)
	log := e.logger.With(zap.String("user_id", userID), zap.String("symbol", signal.Symbol))

	if rej := e.validateRisk(userID, signal, profile); rej != nil {
		log.Info("signal rejected", zap.String("check", rej.Check), zap.String("detail", rej.Detail))
		return e.fail(userID, CodeRiskRejected, rej.Error())
	}

	brokerKey, adapter, res := e.resolveAdapter(ctx, userID, signal, profile, opts)
	if res != nil {
		return e.emitFailure(userID, res)
	}
	log = log.With(zap.String("broker", brokerKey))

	if err := e.limits.Allow(userID, brokerKey); err != nil {
		return e.emitFailure(userID, e.adapterFailure(err))
	}

	balance, err := adapter.GetBalance(ctx)
	if err != nil {
		return e.emitFailure(userID, e.adapterFailure(err))
	}

	wholeUnits := e.assetClass(brokerKey) != registry.TypeCrypto
	stats := loadTradeStats(e.db, userID)
	units, exposure, err := sizePosition(profile, signal, balance.Available, stats, wholeUnits)
	if err != nil {
		return e.fail(userID, CodeRiskRejected, err.Error())
	}

	req := buildOrderRequest(signal, units)
	if opts.DryRun || e.dryRun {
		log.Info("dry run, order not submitted", zap.Float64("units", units))
		return &ExecResult{Success: true, Reason: "dry run", Order: toModel(userID, brokerKey, &broker.Order{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Quantity:      units,
		})}
	}

	placed, err := adapter.CreateOrder(ctx, req)
	if err != nil {
		log.Warn("order submission failed", zap.Error(err))
		return e.emitFailure(userID, e.adapterFailure(err))
	}
	log.Info("order submitted",
		zap.String("order_id", placed.OrderID),
		zap.Float64("units", units),
		zap.String("status", string(placed.Status)),
	)

	// Exposure is charged at submission, not fill; a later rejection does
	// not refund it.
	if err := e.chargeExposure(userID, profile, exposure); err != nil {
		log.Warn("failed to charge daily exposure", zap.Error(err))
	}

	e.attachProtectiveOrders(ctx, adapter, signal, profile, placed, log)

	rec := toModel(userID, brokerKey, placed)
	if err := e.db.Create(rec).Error; err != nil {
		log.Warn("failed to persist order", zap.Error(err))
	}

	e.bus.Emit(events.Event{Type: events.TradeExecuted, UserID: userID, Payload: rec})
	e.bus.Emit(events.Event{Type: events.PortfolioUpdated, UserID: userID})
	return &ExecResult{Success: true, Order: rec}
}

// ClosePosition sells the given percentage of a held position through the
// adapter that opened it.
func (e *Executor) ClosePosition(ctx context.Context, userID, symbol string, percentage float64) *ExecResult {
	if percentage <= 0 || percentage > 100 {
		return e.fail(userID, CodeValidation, fmt.Sprintf("percentage must be in (0, 100], got %.2f", percentage))
	}
	symbol = broker.NormalizeSymbol(symbol)
	profile := e.loadProfile(userID)

	brokerKey, err := e.positionBroker(userID, symbol)
	if err != nil {
		return e.fail(userID, CodeValidation, err.Error())
	}
	adapter, err := e.pool.Adapter(ctx, userID, brokerKey)
	if err != nil {
		return e.emitFailure(userID, e.adapterFailure(err))
	}

	if err := e.limits.Allow(userID, brokerKey); err != nil {
		return e.emitFailure(userID, e.adapterFailure(err))
	}

	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		return e.emitFailure(userID, e.adapterFailure(err))
	}
	var pos *broker.Position
	for i := range positions {
		if broker.NormalizeSymbol(positions[i].Symbol) == symbol {
			pos = &positions[i]
			break
		}
	}
	if pos == nil || pos.Quantity <= 0 {
		return e.fail(userID, CodeValidation, fmt.Sprintf("no open position in %s", symbol))
	}

	qty := pos.Quantity * percentage / 100
	if e.assetClass(brokerKey) != registry.TypeCrypto {
		qty = math.Floor(qty)
	}
	if qty <= 0 {
		return e.fail(userID, CodeValidation, fmt.Sprintf("%.2f%% of %.4f units rounds to nothing", percentage, pos.Quantity))
	}

	placed, err := adapter.CreateOrder(ctx, broker.OrderRequest{
		Symbol:        symbol,
		Side:          broker.SideSell,
		Type:          broker.TypeMarket,
		Quantity:      qty,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return e.emitFailure(userID, e.adapterFailure(err))
	}

	e.settleClose(userID, symbol, profile, pos, percentage, placed)

	rec := toModel(userID, brokerKey, placed)
	if err := e.db.Create(rec).Error; err != nil {
		e.logger.Warn("failed to persist close order", zap.Error(err))
	}

	e.bus.Emit(events.Event{Type: events.PositionClosed, UserID: userID, Payload: pos})
	e.bus.Emit(events.Event{Type: events.PortfolioUpdated, UserID: userID})
	return &ExecResult{Success: true, Order: rec}
}

// settleClose updates the entry-order bookkeeping behind a close: full exits
// mark entries closed, and any realized loss is charged to the daily
// tracker.
func (e *Executor) settleClose(userID, symbol string, profile *models.RiskProfile, pos *broker.Position, percentage float64, exit *broker.Order) {
	realized := pos.UnrealizedPnL * percentage / 100

	if percentage >= 100 {
		err := e.db.Model(&models.Order{}).
			Where("user_id = ? AND symbol = ? AND side = ? AND closed = ?", userID, symbol, "BUY", false).
			Updates(map[string]interface{}{"closed": true, "realized_pnl": realized}).Error
		if err != nil {
			e.logger.Warn("failed to close entry orders", zap.Error(err))
		}
	}

	if realized < 0 && pos.EntryPrice > 0 && pos.Quantity > 0 {
		notional := pos.EntryPrice * pos.Quantity
		e.recordRealizedLoss(userID, profile, -realized/notional)
	}
}

// resolveAdapter picks the broker for a signal: the per-call override, then
// the profile preference when connected, then asset-class routing across the
// user's connections, preferring OAuth-authenticated stock brokers.
func (e *Executor) resolveAdapter(ctx context.Context, userID string, signal models.TradeSignal, profile *models.RiskProfile, opts Options) (string, broker.Adapter, *ExecResult) {
	conns, err := e.pool.Connected(userID)
	if err != nil {
		return "", nil, &ExecResult{Code: CodeInternal, Reason: err.Error()}
	}
	if len(conns) == 0 {
		return "", nil, &ExecResult{Code: CodeValidation, Reason: "no brokers connected"}
	}
	byKey := make(map[string]models.BrokerConnection, len(conns))
	for _, c := range conns {
		byKey[c.BrokerKey] = c
	}

	pick := func(key string) (string, broker.Adapter, *ExecResult) {
		a, err := e.pool.Adapter(ctx, userID, key)
		if err != nil {
			return "", nil, e.adapterFailure(err)
		}
		return key, a, nil
	}

	if opts.Broker != "" {
		if _, ok := byKey[opts.Broker]; !ok {
			return "", nil, &ExecResult{Code: CodeValidation, Reason: fmt.Sprintf("%s is not connected", opts.Broker)}
		}
		return pick(opts.Broker)
	}
	if profile.PreferredBroker != "" {
		if _, ok := byKey[profile.PreferredBroker]; ok {
			return pick(profile.PreferredBroker)
		}
	}

	wantCrypto := isCryptoSymbol(signal.Symbol)
	var fallback string
	for _, c := range conns {
		class := e.assetClass(c.BrokerKey)
		if wantCrypto != (class == registry.TypeCrypto) {
			continue
		}
		if !wantCrypto && c.AuthMethod == "oauth" {
			return pick(c.BrokerKey)
		}
		if fallback == "" {
			fallback = c.BrokerKey
		}
	}
	if fallback != "" {
		return pick(fallback)
	}

	// Last resort: the operator defaults, if connected.
	def := e.defaultStockBroker
	if wantCrypto {
		def = e.defaultCryptoBroker
	}
	if _, ok := byKey[def]; ok {
		return pick(def)
	}
	return "", nil, &ExecResult{
		Code:   CodeValidation,
		Reason: fmt.Sprintf("no connected broker can trade %s", signal.Symbol),
	}
}

func (e *Executor) assetClass(brokerKey string) registry.BrokerType {
	m, err := e.reg.Get(brokerKey)
	if err != nil {
		return registry.TypeStock
	}
	return m.Type
}

// isCryptoSymbol routes a raw symbol to the crypto side: either it spells a
// trading pair (BTC/USD, ETH-USDT) or it starts with a known crypto asset.
func isCryptoSymbol(raw string) bool {
	if broker.HasQuoteSeparator(raw) {
		return true
	}
	norm := broker.NormalizeSymbol(raw)
	for _, asset := range knownCryptoAssets {
		if strings.HasPrefix(norm, asset) {
			return true
		}
	}
	return false
}

func buildOrderRequest(signal models.TradeSignal, units float64) broker.OrderRequest {
	side := broker.SideBuy
	if signal.Action == "sell" {
		side = broker.SideSell
	}
	typ := broker.TypeMarket
	if strings.EqualFold(signal.OrderType, "limit") {
		typ = broker.TypeLimit
	}
	tif := broker.TIFGoodTillCancel
	if signal.TimeInForce != "" {
		tif = broker.TimeInForce(strings.ToUpper(signal.TimeInForce))
	}

	req := broker.OrderRequest{
		Symbol:        broker.NormalizeSymbol(signal.Symbol),
		Side:          side,
		Type:          typ,
		Quantity:      units,
		TimeInForce:   tif,
		ClientOrderID: uuid.NewString(),
	}
	if typ == broker.TypeLimit {
		req.LimitPrice = signal.Price
	}
	return req
}

// attachProtectiveOrders places the stop-loss and take-profit as separate,
// independent orders after the entry. A protective failure never fails the
// trade; it is logged and the entry stands.
func (e *Executor) attachProtectiveOrders(ctx context.Context, adapter broker.Adapter, signal models.TradeSignal, profile *models.RiskProfile, entry *broker.Order, log *zap.Logger) {
	if entry.Side != broker.SideBuy {
		return
	}
	exitSide := broker.SideSell

	stopPrice := signal.StopLoss
	if stopPrice <= 0 && profile.DefaultStopLossPct > 0 {
		stopPrice = signal.Price * (1 - profile.DefaultStopLossPct)
	}
	if stopPrice > 0 || profile.UseTrailingStop {
		params := broker.StopParams{
			Symbol:    entry.Symbol,
			Side:      exitSide,
			Quantity:  entry.Quantity,
			StopPrice: stopPrice,
		}
		if profile.UseTrailingStop {
			if adapter.SupportsTrailingStop() {
				params.Trailing = true
				params.TrailPercent = profile.TrailingStopPct
			} else {
				// Degrade to a static stop computed off the live
				// market price.
				if q, err := adapter.GetMarketPrice(ctx, entry.Symbol); err == nil && q.Last > 0 {
					params.StopPrice = q.Last * (1 - profile.TrailingStopPct)
				}
				log.Warn("trailing stop unsupported, degraded to static stop",
					zap.Float64("stop_price", params.StopPrice))
			}
		}
		if _, err := adapter.SetStopLoss(ctx, params); err != nil {
			log.Warn("stop-loss placement failed", zap.Error(err))
		}
	}

	target := signal.TakeProfit
	if target <= 0 && profile.DefaultTakeProfitPct > 0 {
		target = signal.Price * (1 + profile.DefaultTakeProfitPct)
	}
	if target > 0 {
		_, err := adapter.SetTakeProfit(ctx, broker.StopParams{
			Symbol:     entry.Symbol,
			Side:       exitSide,
			Quantity:   entry.Quantity,
			LimitPrice: target,
		})
		if err != nil {
			log.Warn("take-profit placement failed", zap.Error(err))
		}
	}
}

// positionBroker finds which broker holds a symbol by the most recent open
// entry order.
func (e *Executor) positionBroker(userID, symbol string) (string, error) {
	var rec models.Order
	err := e.db.Where("user_id = ? AND symbol = ? AND side = ? AND closed = ?", userID, symbol, "BUY", false).
		Order("id DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("no open position in %s", symbol)
	}
	if err != nil {
		return "", fmt.Errorf("look up position broker: %w", err)
	}
	return rec.BrokerKey, nil
}

func (e *Executor) loadProfile(userID string) *models.RiskProfile {
	var profile models.RiskProfile
	err := e.db.Where("user_id = ?", userID).First(&profile).Error
	if err != nil {
		// Conservative defaults for users who never configured one.
		return &models.RiskProfile{
			UserID:                userID,
			MaxPositionSize:       0.1,
			PositionSizingMethod:  models.SizingFixed,
			MaxRiskPerTrade:       0.02,
			MaxOpenPositions:      10,
			MaxPositionsPerSymbol: 1,
			DefaultStopLossPct:    0.05,
			DefaultTakeProfitPct:  0.1,
			TrailingStopPct:       0.03,
			DailyLossLimit:        0.06,
			WeekdaysOnly:          true,
		}
	}
	return &profile
}

// adapterFailure maps the error taxonomy onto a failed result. Rate-limit
// failures surface their retry-after so callers can schedule.
func (e *Executor) adapterFailure(err error) *ExecResult {
	var (
		vErr  *broker.ValidationError
		dErr  *broker.AccessDeniedError
		rlErr *broker.RateLimitError
		aErr  *broker.AuthenticationError
		nErr  *broker.NetworkError
		bErr  *broker.BrokerBusinessError
		uErr  *broker.UnknownBrokerError
	)
	res := &ExecResult{Reason: err.Error(), Code: CodeInternal}
	switch {
	case errors.As(err, &vErr):
		res.Code = CodeValidation
	case errors.As(err, &dErr):
		res.Code = CodeAccessDenied
	case errors.As(err, &rlErr):
		res.Code = CodeRateLimited
	case errors.As(err, &aErr):
		res.Code = CodeAuth
	case errors.As(err, &bErr):
		res.Code = CodeBroker
	case errors.As(err, &nErr):
		res.Code = CodeNetwork
	case errors.As(err, &uErr):
		res.Code = CodeUnknownBroker
	}
	return res
}

func (e *Executor) fail(userID, code, reason string) *ExecResult {
	return e.emitFailure(userID, &ExecResult{Code: code, Reason: reason})
}

func (e *Executor) emitFailure(userID string, res *ExecResult) *ExecResult {
	res.Success = false
	e.bus.Emit(events.Event{Type: events.TradeFailed, UserID: userID, Payload: res})
	return res
}

// toModel converts a canonical adapter order into the persisted record.
func toModel(userID, brokerKey string, o *broker.Order) *models.Order {
	return &models.Order{
		UserID:         userID,
		BrokerKey:      brokerKey,
		OrderID:        o.OrderID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Status:         string(o.Status),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		ExecutedPrice:  o.ExecutedPrice,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		TimeInForce:    string(o.TimeInForce),
		Commission:     o.Commission,
		IsPaper:        brokerKey == "paper",
	}
}

// SyncOrder refreshes a persisted order's status from its adapter. Safe to
// call repeatedly; terminal orders are left untouched.
func (e *Executor) SyncOrder(ctx context.Context, rec *models.Order) error {
	if broker.Status(rec.Status).IsTerminal() {
		return nil
	}
	adapter, err := e.pool.Adapter(ctx, rec.UserID, rec.BrokerKey)
	if err != nil {
		return err
	}
	status, err := adapter.GetOrderStatus(ctx, rec.OrderID)
	if err != nil {
		return err
	}
	if string(status) == rec.Status {
		return nil
	}
	rec.Status = string(status)
	return e.db.Model(rec).Update("status", rec.Status).Error
}
