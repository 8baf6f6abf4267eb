package models

// TradeSignal is the immutable input to the trade executor. It is not
// persisted; orders created from it are.
type TradeSignal struct {
	Symbol      string  `json:"symbol"`
	Action      string  `json:"action"` // buy|sell
	Price       float64 `json:"price"`
	StopLoss    float64 `json:"stop_loss,omitempty"`
	TakeProfit  float64 `json:"take_profit,omitempty"`
	OrderType   string  `json:"order_type,omitempty"` // defaults to market
	TimeInForce string  `json:"time_in_force,omitempty"`
}
