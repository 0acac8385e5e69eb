// Package broker defines the wire types and interfaces for the binary-option
// broker the engine trades against: price candles, trade placement, the push
// update channel and the settled-trade history endpoint.
package broker

import "time"

// Direction is the side of a binary-option trade.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Opposite returns the reversed direction.
func (d Direction) Opposite() Direction {
	if d == DirectionUp {
		return DirectionDown
	}
	return DirectionUp
}

// AccountKind selects the demo or real account on the broker side.
type AccountKind string

const (
	AccountDemo AccountKind = "demo"
	AccountReal AccountKind = "real"
)

// Candle is one OHLC price sample.
type Candle struct {
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
	Time  time.Time `json:"time"`
}

// EventKind identifies a push update from the broker stream.
type EventKind string

const (
	EventOpened         EventKind = "opened"
	EventClosed         EventKind = "closed"
	EventDealResult     EventKind = "deal_result"
	EventTradeUpdate    EventKind = "trade_update"
	EventBalanceChanged EventKind = "balance_changed"
)

// UpdateEvent is one message from the push update channel. Fields are
// populated depending on Kind; Win and Balance are nil when the broker
// did not send them.
type UpdateEvent struct {
	Kind      EventKind `json:"kind"`
	ID        string    `json:"id,omitempty"`
	UUID      string    `json:"uuid,omitempty"`
	Status    string    `json:"status,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Win       *bool     `json:"win,omitempty"`
	Balance   *int64    `json:"balance,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

// TradeStatus is the settlement state of a trade in the history feed.
type TradeStatus string

const (
	TradeWon      TradeStatus = "won"
	TradeLost     TradeStatus = "lost"
	TradeOpen     TradeStatus = "open"
	TradeCanceled TradeStatus = "canceled"
)

// TradeRecord is one settled or open trade from the history feed.
type TradeRecord struct {
	UUID       string      `json:"uuid"`
	Status     TradeStatus `json:"status"`
	Amount     int64       `json:"amount"`
	Direction  Direction   `json:"direction"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	DealType   AccountKind `json:"deal_type"`
}

// SettledAt returns the best known settlement time for the record.
func (t TradeRecord) SettledAt() time.Time {
	if t.FinishedAt != nil {
		return *t.FinishedAt
	}
	return t.CreatedAt
}
