package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/broker"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/events"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/ratelimit"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/registry"
)

// fakePool hands out pre-built adapters without touching the database.
type fakePool struct {
	adapters map[string]broker.Adapter
	conns    []models.BrokerConnection
}

func (f *fakePool) Adapter(ctx context.Context, userID, brokerKey string) (broker.Adapter, error) {
	a, ok := f.adapters[brokerKey]
	if !ok {
		return nil, &broker.ValidationError{Field: "broker", Message: brokerKey + " is not connected"}
	}
	return a, nil
}

func (f *fakePool) Connected(userID string) ([]models.BrokerConnection, error) {
	return f.conns, nil
}

func execDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Order{}, &models.RiskProfile{}, &models.DailyRisk{}))
	return db
}

// tradingWednesday is a weekday afternoon in New York, inside regular hours.
var tradingWednesday = time.Date(2026, time.August, 26, 18, 0, 0, 0, time.UTC) // 14:00 in New York

func newTestExecutor(t *testing.T, pool ConnectionPool, limits map[string]ratelimit.Limit) (*Executor, *gorm.DB) {
	t.Helper()
	db := execDB(t)
	e := New(db,
		registry.New(registry.ModeMultiUser, zap.NewNop()),
		pool,
		ratelimit.NewGate(limits),
		events.NewBus(zap.NewNop()),
		"alpaca", "binance",
		zap.NewNop(),
	)
	e.now = func() time.Time { return tradingWednesday }
	return e, db
}

func paperPool(key string, cash float64) (*fakePool, *broker.PaperAdapter) {
	a := broker.NewPaperAdapter(key, cash)
	return &fakePool{
		adapters: map[string]broker.Adapter{key: a},
		conns:    []models.BrokerConnection{{BrokerKey: key, AuthMethod: "api-key"}},
	}, a
}

func defaultProfile(userID string) *models.RiskProfile {
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

func TestRiskBasedSizingDeterministic(t *testing.T) {
	profile := defaultProfile("u1")
	profile.PositionSizingMethod = models.SizingRiskBased
	signal := models.TradeSignal{Symbol: "ACME", Action: "buy", Price: 100, StopLoss: 95}

	for i := 0; i < 3; i++ {
		units, exposure, err := sizePosition(profile, signal, 10000, tradeStats{}, true)
		require.NoError(t, err)
		assert.Equal(t, 40.0, units, "riskCapital 200 over stop distance 5 is 40 units")
		assert.Equal(t, 0.02, exposure)
	}
}

func TestFixedSizing(t *testing.T) {
	profile := defaultProfile("u1")
	signal := models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 150}

	units, _, err := sizePosition(profile, signal, 100000, tradeStats{}, true)
	require.NoError(t, err)
	assert.Equal(t, 66.0, units, "10000 dollars at 150 rounds down to 66 shares")

	// Crypto keeps the fractional size.
	units, _, err = sizePosition(profile, signal, 100000, tradeStats{}, false)
	require.NoError(t, err)
	assert.InDelta(t, 66.666, units, 0.01)
}

func TestKellySizing(t *testing.T) {
	stats := tradeStats{WinRate: 0.6, AvgWin: 0.1, AvgLoss: 0.05}
	assert.InDelta(t, 0.4, kellyFraction(stats), 1e-9)

	// Negative-edge stats never size above zero.
	assert.Equal(t, 0.0, kellyFraction(tradeStats{WinRate: 0.3, AvgWin: 0.05, AvgLoss: 0.1}))

	// The profile ceiling clamps the Kelly fraction.
	profile := defaultProfile("u1")
	profile.PositionSizingMethod = models.SizingKelly
	signal := models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 100}
	units, _, err := sizePosition(profile, signal, 10000, stats, true)
	require.NoError(t, err)
	assert.Equal(t, 10.0, units, "0.4 Kelly clamped to the 0.1 position ceiling")
}

func TestSizingRejectsZeroStopDistance(t *testing.T) {
	profile := defaultProfile("u1")
	profile.PositionSizingMethod = models.SizingRiskBased

	_, _, err := sizePosition(profile, models.TradeSignal{Symbol: "ACME", Action: "buy", Price: 100, StopLoss: 100}, 10000, tradeStats{}, true)
	assert.Error(t, err)
}

func TestExecuteTradeEndToEnd(t *testing.T) {
	pool, paper := paperPool("paper", 100000)
	paper.SetMarkPrice("AAPL", 150)
	e, db := newTestExecutor(t, pool, nil)
	require.NoError(t, db.Create(defaultProfile("u1")).Error)

	res := e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 150}, Options{})
	require.True(t, res.Success, "reason: %s", res.Reason)
	require.NotNil(t, res.Order)
	assert.Equal(t, 66.0, res.Order.Quantity)
	assert.Equal(t, "FILLED", res.Order.Status)
	assert.Equal(t, 150.0, res.Order.ExecutedPrice)

	// The order is persisted and exposure charged for the day.
	var persisted models.Order
	require.NoError(t, db.Where("user_id = ?", "u1").First(&persisted).Error)
	assert.Equal(t, res.Order.ClientOrderID, persisted.ClientOrderID)

	var risk models.DailyRisk
	require.NoError(t, db.Where("user_id = ?", "u1").First(&risk).Error)
	assert.Greater(t, risk.Exposure, 0.0)

	// Protective stop and target rest alongside the filled entry.
	history, err := paper.GetOrderHistory(context.Background(), broker.HistoryFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	var stops, targets int
	for _, o := range history {
		switch o.Type {
		case broker.TypeStop:
			stops++
			assert.InDelta(t, 142.5, o.StopPrice, 1e-9)
		case broker.TypeLimit:
			targets++
			assert.InDelta(t, 165.0, o.LimitPrice, 1e-9)
		}
	}
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, targets)

	// Closing half the position leaves half with the broker.
	res = e.ClosePosition(context.Background(), "u1", "AAPL", 50)
	require.True(t, res.Success, "reason: %s", res.Reason)

	positions, err := paper.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 33.0, positions[0].Quantity)
}

func TestClosePositionFullyMarksEntriesClosed(t *testing.T) {
	pool, paper := paperPool("paper", 100000)
	paper.SetMarkPrice("AAPL", 150)
	e, db := newTestExecutor(t, pool, nil)
	require.NoError(t, db.Create(defaultProfile("u1")).Error)

	res := e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 150}, Options{})
	require.True(t, res.Success, "reason: %s", res.Reason)

	res = e.ClosePosition(context.Background(), "u1", "AAPL", 100)
	require.True(t, res.Success, "reason: %s", res.Reason)

	var entry models.Order
	require.NoError(t, db.Where("user_id = ? AND side = ?", "u1", "BUY").First(&entry).Error)
	assert.True(t, entry.Closed)

	positions, err := paper.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	res = e.ClosePosition(context.Background(), "u1", "AAPL", 50)
	assert.False(t, res.Success)
	assert.Equal(t, CodeValidation, res.Code)
}

func TestDailyLossLimitBlocksBeforeNetwork(t *testing.T) {
	pool, paper := paperPool("paper", 100000)
	paper.SetMarkPrice("AAPL", 150)
	e, db := newTestExecutor(t, pool, nil)
	require.NoError(t, db.Create(defaultProfile("u1")).Error)

	day := tradingWednesday.In(profileLocation(defaultProfile("u1"))).Format("2006-01-02")
	require.NoError(t, db.Create(&models.DailyRisk{UserID: "u1", Day: day, Exposure: 0.06}).Error)

	res := e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 150}, Options{})
	require.False(t, res.Success)
	assert.Equal(t, CodeRiskRejected, res.Code)
	assert.Contains(t, res.Reason, "daily_loss_limit")

	// The rejection never reached the adapter.
	history, err := paper.GetOrderHistory(context.Background(), broker.HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDailyRiskChargesAccumulateInOneRow(t *testing.T) {
	// Charges increment the tracker row in the database itself, so two
	// executions landing together cannot overwrite each other's fraction.
	e, db := newTestExecutor(t, &fakePool{}, nil)
	profile := defaultProfile("u1")

	require.NoError(t, e.chargeExposure("u1", profile, 0.02))
	require.NoError(t, e.chargeExposure("u1", profile, 0.01))
	e.recordRealizedLoss("u1", profile, 0.005)

	var rows []models.DailyRisk
	require.NoError(t, db.Where("user_id = ?", "u1").Find(&rows).Error)
	require.Len(t, rows, 1, "all charges for the day share one row")
	assert.InDelta(t, 0.03, rows[0].Exposure, 1e-9)
	assert.InDelta(t, 0.005, rows[0].Realized, 1e-9)
}

func TestTradingHoursAndWeekends(t *testing.T) {
	pool, _ := paperPool("paper", 100000)
	e, db := newTestExecutor(t, pool, nil)
	profile := defaultProfile("u1")
	profile.TradingHoursStart = "09:30"
	profile.TradingHoursEnd = "16:00"
	require.NoError(t, db.Create(profile).Error)

	signal := models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 150}

	// Saturday.
	e.now = func() time.Time { return time.Date(2026, time.August, 29, 18, 0, 0, 0, time.UTC) }
	res := e.ExecuteTrade(context.Background(), "u1", signal, Options{})
	require.False(t, res.Success)
	assert.Contains(t, res.Reason, "weekend")

	// Weekday, after the close (18:00 New York).
	e.now = func() time.Time { return time.Date(2026, time.August, 26, 22, 0, 0, 0, time.UTC) }
	res = e.ExecuteTrade(context.Background(), "u1", signal, Options{})
	require.False(t, res.Success)
	assert.Contains(t, res.Reason, "trading_hours")
}

func TestMaxPositionsPerSymbol(t *testing.T) {
	pool, paper := paperPool("paper", 100000)
	paper.SetMarkPrice("AAPL", 150)
	e, db := newTestExecutor(t, pool, nil)
	require.NoError(t, db.Create(defaultProfile("u1")).Error)

	require.NoError(t, db.Create(&models.Order{
		UserID: "u1", BrokerKey: "paper", ClientOrderID: "existing",
		Symbol: "AAPL", Side: "BUY", Status: "FILLED", Quantity: 10,
	}).Error)

	res := e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 150}, Options{})
	require.False(t, res.Success)
	assert.Equal(t, CodeRiskRejected, res.Code)
	assert.Contains(t, res.Reason, "max_positions_per_symbol")
}

func TestSignalFieldValidation(t *testing.T) {
	pool, _ := paperPool("paper", 100000)
	e, db := newTestExecutor(t, pool, nil)
	require.NoError(t, db.Create(defaultProfile("u1")).Error)

	for _, signal := range []models.TradeSignal{
		{Action: "buy", Price: 100},
		{Symbol: "AAPL", Action: "hold", Price: 100},
		{Symbol: "AAPL", Action: "buy"},
	} {
		res := e.ExecuteTrade(context.Background(), "u1", signal, Options{})
		require.False(t, res.Success)
		assert.Equal(t, CodeRiskRejected, res.Code)
	}
}

func TestTrailingStopDegradesToStatic(t *testing.T) {
	pool, paper := paperPool("paper", 100000)
	paper.SetMarkPrice("AAPL", 200)
	paper.SetTrailingSupport(false)
	e, db := newTestExecutor(t, pool, nil)
	profile := defaultProfile("u1")
	profile.UseTrailingStop = true
	profile.DefaultTakeProfitPct = 0
	require.NoError(t, db.Create(profile).Error)

	res := e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 200}, Options{})
	require.True(t, res.Success, "reason: %s", res.Reason)

	history, err := paper.GetOrderHistory(context.Background(), broker.HistoryFilter{})
	require.NoError(t, err)
	var found bool
	for _, o := range history {
		if o.Type == broker.TypeStop {
			found = true
			assert.InDelta(t, 194.0, o.StopPrice, 1e-9, "static stop at market minus trail percent")
		}
	}
	assert.True(t, found, "a degraded static stop must still be placed")
}

func TestRateLimitSurfacesRetryAfter(t *testing.T) {
	pool, paper := paperPool("paper", 100000)
	paper.SetMarkPrice("AAPL", 150)
	paper.SetMarkPrice("MSFT", 300)
	e, db := newTestExecutor(t, pool, map[string]ratelimit.Limit{
		"paper": {Count: 1, WindowMs: 60_000},
	})
	require.NoError(t, db.Create(defaultProfile("u1")).Error)

	res := e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 150}, Options{})
	require.True(t, res.Success, "reason: %s", res.Reason)

	res = e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "MSFT", Action: "buy", Price: 300}, Options{})
	require.False(t, res.Success)
	assert.Equal(t, CodeRateLimited, res.Code)
}

func TestBrokerBusinessErrorSurfaced(t *testing.T) {
	pool, paper := paperPool("paper", 10000)
	// The fill price is double the sizing price, so the sized order costs
	// more cash than the account holds.
	paper.SetMarkPrice("AAPL", 200)
	e, db := newTestExecutor(t, pool, nil)
	profile := defaultProfile("u1")
	profile.MaxPositionSize = 1.0
	require.NoError(t, db.Create(profile).Error)

	res := e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 100}, Options{})
	require.False(t, res.Success)
	assert.Equal(t, CodeBroker, res.Code)
	assert.Contains(t, res.Reason, "not enough cash")
}

func TestNoConnectedBrokers(t *testing.T) {
	e, db := newTestExecutor(t, &fakePool{}, nil)
	require.NoError(t, db.Create(defaultProfile("u1")).Error)

	res := e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 150}, Options{})
	require.False(t, res.Success)
	assert.Equal(t, CodeValidation, res.Code)
}

func TestAdapterRouting(t *testing.T) {
	stock := broker.NewPaperAdapter("alpaca", 100000)
	stock.SetMarkPrice("AAPL", 150)
	crypto := broker.NewPaperAdapter("binance", 100000)
	crypto.SetMarkPrice("BTCUSD", 50000)
	pool := &fakePool{
		adapters: map[string]broker.Adapter{"alpaca": stock, "binance": crypto},
		conns: []models.BrokerConnection{
			{BrokerKey: "alpaca", AuthMethod: "oauth"},
			{BrokerKey: "binance", AuthMethod: "api-key"},
		},
	}
	e, db := newTestExecutor(t, pool, nil)
	require.NoError(t, db.Create(defaultProfile("u1")).Error)

	res := e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 150}, Options{})
	require.True(t, res.Success, "reason: %s", res.Reason)
	assert.Equal(t, "alpaca", res.Order.BrokerKey)

	res = e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "BTC/USD", Action: "buy", Price: 50000}, Options{})
	require.True(t, res.Success, "reason: %s", res.Reason)
	assert.Equal(t, "binance", res.Order.BrokerKey)
	assert.InDelta(t, 0.2, res.Order.Quantity, 1e-9, "crypto sizing stays fractional")
}

func TestIsCryptoSymbol(t *testing.T) {
	assert.True(t, isCryptoSymbol("BTC/USD"))
	assert.True(t, isCryptoSymbol("ETH-USDT"))
	assert.True(t, isCryptoSymbol("BTCUSDT"))
	assert.False(t, isCryptoSymbol("AAPL"))
	assert.False(t, isCryptoSymbol("F"))
}

func TestDryRunSkipsSubmission(t *testing.T) {
	pool, paper := paperPool("paper", 100000)
	paper.SetMarkPrice("AAPL", 150)
	e, db := newTestExecutor(t, pool, nil)
	require.NoError(t, db.Create(defaultProfile("u1")).Error)

	res := e.ExecuteTrade(context.Background(), "u1",
		models.TradeSignal{Symbol: "AAPL", Action: "buy", Price: 150}, Options{DryRun: true})
	require.True(t, res.Success)
	assert.Equal(t, 66.0, res.Order.Quantity)

	history, err := paper.GetOrderHistory(context.Background(), broker.HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSyncOrderSkipsTerminal(t *testing.T) {
	e, _ := newTestExecutor(t, &fakePool{}, nil)

	rec := &models.Order{UserID: "u1", BrokerKey: "gone", OrderID: "x", Status: "FILLED"}
	// Terminal orders return before the pool is consulted; an empty pool
	// would otherwise error.
	assert.NoError(t, e.SyncOrder(context.Background(), rec))
}
