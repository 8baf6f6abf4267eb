package models

import "gorm.io/gorm"

// Order is the persisted canonical order record. Status always holds a
// canonical value; broker-native statuses are mapped inside the adapters
// before an order ever reaches persistence.
type Order struct {
	gorm.Model
	UserID         string `gorm:"index:idx_user_broker_order"`
	BrokerKey      string `gorm:"index:idx_user_broker_order"`
	OrderID        string `gorm:"index"`
	ClientOrderID  string `gorm:"uniqueIndex"`
	Symbol         string `gorm:"index"`
	Side           string
	Type           string
	Status         string
	Quantity       float64
	FilledQuantity float64
	ExecutedPrice  float64
	LimitPrice     float64
	StopPrice      float64
	TimeInForce    string
	Commission     float64
	IsPaper        bool
	// Closed marks entry orders whose position has been fully exited.
	// Open-position risk counts exclude closed entries.
	Closed bool
	// RealizedPnL is set when the position behind an entry order is
	// closed. Feeds the Kelly sizing statistics.
	RealizedPnL float64 `gorm:"column:realized_pnl"`
}

// RealizedReturn is the realized profit or loss as a fraction of the entry
// notional. Zero until the position is closed.
func (o *Order) RealizedReturn() float64 {
	notional := o.ExecutedPrice * o.Quantity
	if notional == 0 {
		return 0
	}
	return o.RealizedPnL / notional
}
