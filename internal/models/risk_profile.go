package models

import "gorm.io/gorm"

// Position sizing methods.
const (
	SizingFixed     = "fixed"
	SizingRiskBased = "risk_based"
	SizingKelly     = "kelly"
)

// RiskProfile holds a user's risk controls. Mutated only by the user; the
// executor treats it as read-only input.
type RiskProfile struct {
	gorm.Model
	UserID                string  `gorm:"uniqueIndex;not null"`
	MaxPositionSize       float64 `gorm:"default:0.1"` // fraction of balance per trade
	PositionSizingMethod  string  `gorm:"default:fixed"`
	MaxRiskPerTrade       float64 `gorm:"default:0.02"` // fraction of balance at risk (risk_based)
	MaxOpenPositions      int     `gorm:"default:10"`
	MaxPositionsPerSymbol int     `gorm:"default:1"`
	DefaultStopLossPct    float64 `gorm:"default:0.05"`
	DefaultTakeProfitPct  float64 `gorm:"default:0.1"`
	UseTrailingStop       bool
	TrailingStopPct       float64 `gorm:"default:0.03"`
	DailyLossLimit        float64 `gorm:"default:0.06"` // fraction of balance per day
	PreferredBroker       string

	// Trading-hours window, evaluated in Timezone. Zero Start and End mean
	// no restriction.
	TradingHoursStart string // "09:30"
	TradingHoursEnd   string // "16:00"
	Timezone          string // IANA name, defaults to America/New_York
	WeekdaysOnly      bool   `gorm:"default:true"`
}

// DailyRisk accumulates the exposure fraction charged against a user's daily
// loss limit. Exposure is recorded at order-submission time, not fill time,
// so a restart cannot forget intra-day exposure.
type DailyRisk struct {
	gorm.Model
	UserID   string  `gorm:"uniqueIndex:idx_user_day;not null"`
	Day      string  `gorm:"uniqueIndex:idx_user_day;not null"` // YYYY-MM-DD in the profile's timezone
	Exposure float64 // summed risk fractions
	Realized float64 // realized loss fraction, updated on close
}
