// Package trading provides the delta-neutral hedging engine: option selection,
// the position ledger, the hedge state machine and the session lifecycle.
package trading

import (
	"context"
	"time"

	"delta-hedger/internal/models"
)

// MarketData is the per-tick view of the market.
type MarketData interface {
	// Time is the tick timestamp.
	Time() time.Time
	// LastPrice returns the latest traded price of symbol.
	LastPrice(symbol string) (float64, bool)
}

// GreeksProvider supplies the option greeks computed for the current tick.
type GreeksProvider interface {
	OptionGreeks() map[string]models.OptionGreeksSnapshot
}

// Executor submits orders. Fills are reported asynchronously through the
// engine's OnEntryFilled and OnExitFilled.
type Executor interface {
	EnterShort(ctx context.Context, symbol string, quantity int) (*models.Leg, error)
	EnterLong(ctx context.Context, symbol string, quantity int) (*models.Leg, error)
	ExitMarket(ctx context.Context, leg *models.Leg) error
}

// TradeSink persists trade records and session summaries.
type TradeSink interface {
	SaveTrade(ctx context.Context, trade models.TradeRecord) error
	SaveSession(ctx context.Context, summary models.SessionSummary) error
}

// PriceLookup resolves the mark price of an instrument.
type PriceLookup interface {
	LastPrice(symbol string) (float64, bool)
}

// PriceMap is a PriceLookup backed by a map.
type PriceMap map[string]float64

// LastPrice implements PriceLookup.
func (m PriceMap) LastPrice(symbol string) (float64, bool) {
	p, ok := m[symbol]
	return p, ok
}

// HedgeState is the state of the hedge state machine.
type HedgeState int

const (
	StateLive HedgeState = iota
	StatePlacingOrders
	StateEntered
	StateExited
)

func (s HedgeState) String() string {
	switch s {
	case StateLive:
		return "LIVE"
	case StatePlacingOrders:
		return "PLACING_ORDERS"
	case StateEntered:
		return "ENTERED"
	case StateExited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}
