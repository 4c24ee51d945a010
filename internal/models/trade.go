package models

import "time"

// TradeRecord is one row of the session trade log. Exit fields stay nil until
// the leg is closed.
type TradeRecord struct {
	ID          string
	SessionDate time.Time
	EntryTime   time.Time
	ExitTime    *time.Time
	Instrument  string
	Side        OrderSide
	Quantity    int
	EntryPrice  float64
	ExitPrice   *float64
}

// IsOpen reports whether the record has not been matched with an exit yet.
func (r TradeRecord) IsOpen() bool {
	return r.ExitTime == nil
}

// PnL returns the realized P&L of a closed record, or 0 while open.
func (r TradeRecord) PnL() float64 {
	if r.ExitPrice == nil {
		return 0
	}
	diff := *r.ExitPrice - r.EntryPrice
	if r.Side == OrderSideSell {
		diff = -diff
	}
	return diff * float64(r.Quantity)
}

// ExitReason is why a session liquidated its legs.
type ExitReason string

const (
	ExitReasonNone     ExitReason = ""
	ExitReasonTime     ExitReason = "time_exit"
	ExitReasonStopLoss ExitReason = "stop_loss"
)

// SessionSummary is emitted once per completed trading session.
type SessionSummary struct {
	Date        time.Time
	PnL         float64
	Adjustments int
	Trades      int
	ExitReason  ExitReason
	ClosedAt    time.Time
}
