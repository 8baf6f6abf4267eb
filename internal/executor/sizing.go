package executor

import (
	"fmt"
	"math"

	"gorm.io/gorm"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
)

// Fallback Kelly inputs used until the user has enough closed trades to
// derive real statistics.
const (
	kellyMinSample      = 20
	kellyFallbackWin    = 0.55
	kellyFallbackPayoff = 1.5
)

// tradeStats summarizes a user's closed-trade performance for Kelly sizing.
type tradeStats struct {
	WinRate float64
	AvgWin  float64 // average winning return, fraction of entry notional
	AvgLoss float64 // average losing return, positive fraction
}

// sizePosition converts a risk profile and entry price into asset units plus
// the exposure fraction to charge against the daily tracker. Stock units are
// rounded down to whole shares; crypto stays fractional.
func sizePosition(profile *models.RiskProfile, signal models.TradeSignal, balance float64, stats tradeStats, wholeUnits bool) (units, exposure float64, err error) {
	if balance <= 0 {
		return 0, 0, fmt.Errorf("account balance is %.2f, nothing to allocate", balance)
	}

	var notional float64
	switch profile.PositionSizingMethod {
	case models.SizingFixed, "":
		notional = balance * profile.MaxPositionSize
		exposure = profile.MaxPositionSize * stopFraction(profile, signal)

	case models.SizingRiskBased:
		stop := signal.StopLoss
		if stop <= 0 {
			stop = signal.Price * (1 - profile.DefaultStopLossPct)
		}
		distance := math.Abs(signal.Price - stop)
		if distance <= 0 {
			return 0, 0, fmt.Errorf("stop price %.2f equals entry %.2f, stop distance is zero", stop, signal.Price)
		}
		riskCapital := balance * profile.MaxRiskPerTrade
		units = riskCapital / distance
		notional = units * signal.Price
		exposure = profile.MaxRiskPerTrade

	case models.SizingKelly:
		f := kellyFraction(stats)
		if f > profile.MaxPositionSize {
			f = profile.MaxPositionSize
		}
		notional = balance * f
		exposure = f * stopFraction(profile, signal)

	default:
		return 0, 0, fmt.Errorf("unknown position sizing method %q", profile.PositionSizingMethod)
	}

	units = notional / signal.Price
	if wholeUnits {
		units = math.Floor(units)
	}
	if units <= 0 {
		return 0, 0, fmt.Errorf("computed size of %.4f units is not tradable at %.2f", units, signal.Price)
	}
	return units, exposure, nil
}

// stopFraction is the loss fraction assumed for methods that size by
// allocation rather than risk: the distance to the protective stop.
func stopFraction(profile *models.RiskProfile, signal models.TradeSignal) float64 {
	if signal.StopLoss > 0 && signal.Price > 0 {
		return math.Abs(signal.Price-signal.StopLoss) / signal.Price
	}
	if profile.DefaultStopLossPct > 0 {
		return profile.DefaultStopLossPct
	}
	return 1
}

// kellyFraction computes clamp(((winRate*avgWin) - (lossRate*avgLoss)) /
// avgWin, 0, 1). Callers apply the profile ceiling.
func kellyFraction(stats tradeStats) float64 {
	if stats.AvgWin <= 0 {
		return 0
	}
	lossRate := 1 - stats.WinRate
	f := (stats.WinRate*stats.AvgWin - lossRate*stats.AvgLoss) / stats.AvgWin
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// loadTradeStats derives Kelly inputs from the user's closed entry orders.
// Below kellyMinSample closed trades the fallback statistics apply; sizing
// from a handful of trades is noise.
func loadTradeStats(db *gorm.DB, userID string) tradeStats {
	fallback := tradeStats{
		WinRate: kellyFallbackWin,
		AvgWin:  0.05 * kellyFallbackPayoff,
		AvgLoss: 0.05,
	}

	var orders []models.Order
	err := db.Where("user_id = ? AND side = ? AND closed = ? AND executed_price > 0",
		userID, "BUY", true).
		Order("id DESC").Limit(200).
		Find(&orders).Error
	if err != nil || len(orders) < kellyMinSample {
		return fallback
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, o := range orders {
		ret := o.RealizedReturn()
		switch {
		case ret > 0:
			wins++
			winSum += ret
		case ret < 0:
			losses++
			lossSum += -ret
		}
	}
	if wins+losses < kellyMinSample || wins == 0 {
		return fallback
	}

	stats := tradeStats{WinRate: float64(wins) / float64(wins+losses)}
	stats.AvgWin = winSum / float64(wins)
	if losses > 0 {
		stats.AvgLoss = lossSum / float64(losses)
	}
	return stats
}
