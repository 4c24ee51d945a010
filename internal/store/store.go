// Package store persists the trade log and session summaries.
package store

import (
	"context"
	"time"

	"delta-hedger/internal/models"
)

// TradeStore defines the interface for trade persistence. It satisfies
// trading.TradeSink.
type TradeStore interface {
	// Trades
	SaveTrade(ctx context.Context, trade models.TradeRecord) error
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error)

	// Sessions
	SaveSession(ctx context.Context, summary models.SessionSummary) error
	GetSessions(ctx context.Context, filter SessionFilter) ([]models.SessionSummary, error)

	// Lifecycle
	Close() error
}

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	SessionDate time.Time
	Instrument  string
	OpenOnly    bool
	Limit       int
}

// SessionFilter represents filters for querying session summaries.
type SessionFilter struct {
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

const dateLayout = "2006-01-02"

func dateKey(t time.Time) string {
	return t.Format(dateLayout)
}
