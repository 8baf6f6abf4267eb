package executor

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
)

// defaultTimezone anchors trading-hours checks when the profile leaves the
// zone blank.
const defaultTimezone = "America/New_York"

// riskRejection is a pre-network rejection from the validation pipeline. It
// never wraps adapter or transport errors.
type riskRejection struct {
	Check  string
	Detail string
}

func (r *riskRejection) Error() string {
	return fmt.Sprintf("risk check %s failed: %s", r.Check, r.Detail)
}

// validateRisk runs the ordered, first-failure-wins risk pipeline. Every
// check here is local: a rejection is guaranteed to have cost zero network
// calls. Open-position counts come from persisted non-terminal orders, not a
// broker query, for the same reason.
func (e *Executor) validateRisk(userID string, signal models.TradeSignal, profile *models.RiskProfile) *riskRejection {
	if r := e.checkDailyLoss(userID, profile); r != nil {
		return r
	}
	if r := checkTradingHours(profile, e.now()); r != nil {
		return r
	}
	if r := e.checkOpenPositions(userID, signal.Symbol, profile); r != nil {
		return r
	}
	return checkSignalFields(signal)
}

func (e *Executor) checkDailyLoss(userID string, profile *models.RiskProfile) *riskRejection {
	if profile.DailyLossLimit <= 0 {
		return nil
	}
	day := e.tradingDay(profile)
	var risk models.DailyRisk
	err := e.db.Where("user_id = ? AND day = ?", userID, day).First(&risk).Error
	if err != nil {
		// No row yet means nothing charged today.
		return nil
	}
	if risk.Exposure+risk.Realized >= profile.DailyLossLimit {
		return &riskRejection{
			Check: "daily_loss_limit",
			Detail: fmt.Sprintf("daily exposure %.4f has reached the limit %.4f",
				risk.Exposure+risk.Realized, profile.DailyLossLimit),
		}
	}
	return nil
}

// tradingDay formats today in the profile's timezone, so the daily tracker
// rolls over at the user's midnight rather than UTC's.
func (e *Executor) tradingDay(profile *models.RiskProfile) string {
	loc := profileLocation(profile)
	return e.now().In(loc).Format("2006-01-02")
}

func profileLocation(profile *models.RiskProfile) *time.Location {
	name := profile.Timezone
	if name == "" {
		name = defaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func checkTradingHours(profile *models.RiskProfile, now time.Time) *riskRejection {
	local := now.In(profileLocation(profile))

	if profile.WeekdaysOnly {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return &riskRejection{Check: "trading_hours", Detail: "market closed on weekends"}
		}
	}
	if profile.TradingHoursStart == "" || profile.TradingHoursEnd == "" {
		return nil
	}

	start, err1 := parseClock(profile.TradingHoursStart)
	end, err2 := parseClock(profile.TradingHoursEnd)
	if err1 != nil || err2 != nil {
		// An unparseable window fails closed.
		return &riskRejection{Check: "trading_hours", Detail: "trading-hours window is malformed"}
	}

	minutes := local.Hour()*60 + local.Minute()
	if minutes < start || minutes >= end {
		return &riskRejection{
			Check: "trading_hours",
			Detail: fmt.Sprintf("%s is outside the %s-%s window",
				local.Format("15:04"), profile.TradingHoursStart, profile.TradingHoursEnd),
		}
	}
	return nil
}

// parseClock parses "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (e *Executor) checkOpenPositions(userID, symbol string, profile *models.RiskProfile) *riskRejection {
	open, err := e.countOpenOrders(userID, "")
	if err != nil {
		return &riskRejection{Check: "max_open_positions", Detail: err.Error()}
	}
	if profile.MaxOpenPositions > 0 && open >= int64(profile.MaxOpenPositions) {
		return &riskRejection{
			Check:  "max_open_positions",
			Detail: fmt.Sprintf("%d open positions at the limit of %d", open, profile.MaxOpenPositions),
		}
	}

	perSymbol, err := e.countOpenOrders(userID, symbol)
	if err != nil {
		return &riskRejection{Check: "max_positions_per_symbol", Detail: err.Error()}
	}
	if profile.MaxPositionsPerSymbol > 0 && perSymbol >= int64(profile.MaxPositionsPerSymbol) {
		return &riskRejection{
			Check:  "max_positions_per_symbol",
			Detail: fmt.Sprintf("%d open positions in %s at the limit of %d", perSymbol, symbol, profile.MaxPositionsPerSymbol),
		}
	}
	return nil
}

func (e *Executor) countOpenOrders(userID, symbol string) (int64, error) {
	q := e.db.Model(&models.Order{}).
		Where("user_id = ? AND side = ? AND closed = ? AND status IN ?", userID, "BUY", false,
			[]string{"PENDING", "PARTIAL", "FILLED"})
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count open orders: %w", err)
	}
	return n, nil
}

func checkSignalFields(signal models.TradeSignal) *riskRejection {
	switch {
	case strings.TrimSpace(signal.Symbol) == "":
		return &riskRejection{Check: "signal_fields", Detail: "symbol is required"}
	case signal.Action != "buy" && signal.Action != "sell":
		return &riskRejection{Check: "signal_fields", Detail: fmt.Sprintf("action must be buy or sell, got %q", signal.Action)}
	case signal.Price <= 0:
		return &riskRejection{Check: "signal_fields", Detail: "price must be positive"}
	default:
		return nil
	}
}

// chargeExposure records a risk fraction against the user's daily tracker at
// submission time. Fill outcome never refunds it. The increment happens in
// the database so concurrent executions for the same user cannot lose one.
func (e *Executor) chargeExposure(userID string, profile *models.RiskProfile, fraction float64) error {
	if err := e.bumpDailyRisk(userID, profile, "exposure", fraction); err != nil {
		return fmt.Errorf("record daily exposure: %w", err)
	}
	return nil
}

// recordRealizedLoss adds a realized loss fraction on position close.
func (e *Executor) recordRealizedLoss(userID string, profile *models.RiskProfile, fraction float64) {
	if fraction <= 0 {
		return
	}
	if err := e.bumpDailyRisk(userID, profile, "realized", fraction); err != nil {
		e.logger.Warn("failed to record realized loss", zap.Error(err))
	}
}

// bumpDailyRisk atomically adds amount to one column of today's tracker row,
// inserting the row on first charge of the day.
func (e *Executor) bumpDailyRisk(userID string, profile *models.RiskProfile, column string, amount float64) error {
	day := e.tradingDay(profile)
	risk := models.DailyRisk{UserID: userID, Day: day}
	switch column {
	case "exposure":
		risk.Exposure = amount
	case "realized":
		risk.Realized = amount
	}
	return e.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			column: gorm.Expr(column+" + ?", amount),
		}),
	}).Create(&risk).Error
}
