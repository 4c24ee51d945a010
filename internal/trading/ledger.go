package trading

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"delta-hedger/internal/errors"
	"delta-hedger/internal/models"
)

// Ledger tracks open and closed hedge legs and the session trade log.
type Ledger struct {
	mu          sync.RWMutex
	sessionDate time.Time
	open        map[string]*models.Leg
	closed      map[string][]models.ClosedPosition
	closedLegs  []closedLeg
	trades      []models.TradeRecord
}

type closedLeg struct {
	side  models.PositionSide
	entry models.Order
	exit  models.Order
}

// NewLedger creates an empty ledger for the session starting on sessionDate.
func NewLedger(sessionDate time.Time) *Ledger {
	return &Ledger{
		sessionDate: sessionDate,
		open:        make(map[string]*models.Leg),
		closed:      make(map[string][]models.ClosedPosition),
	}
}

// RecordEntry marks leg as open and appends an open trade record.
func (l *Ledger) RecordEntry(leg *models.Leg) (models.TradeRecord, error) {
	if leg == nil || leg.EntryOrder == nil {
		return models.TradeRecord{}, errors.NewInvariantError("record_entry", legSymbol(leg), "entry fill without entry order")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.open[leg.Symbol]; ok {
		return models.TradeRecord{}, errors.NewInvariantError("record_entry", leg.Symbol,
			"instrument already open as leg "+existing.ID)
	}

	l.open[leg.Symbol] = leg.Clone()

	record := models.TradeRecord{
		ID:          uuid.NewString(),
		SessionDate: l.sessionDate,
		EntryTime:   leg.EntryOrder.FilledAt,
		Instrument:  leg.Symbol,
		Side:        leg.Side.EntrySide(),
		Quantity:    fillQuantity(leg.EntryOrder),
		EntryPrice:  fillPrice(leg.EntryOrder),
	}
	l.trades = append(l.trades, record)

	return record, nil
}

// RecordExit closes the open leg and back-fills the most recent unmatched
// trade record of its instrument.
func (l *Ledger) RecordExit(leg *models.Leg) (models.TradeRecord, error) {
	if leg == nil || leg.ExitOrder == nil {
		return models.TradeRecord{}, errors.NewInvariantError("record_exit", legSymbol(leg), "exit fill without exit order")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	open, ok := l.open[leg.Symbol]
	if !ok {
		return models.TradeRecord{}, errors.NewInvariantError("record_exit", leg.Symbol, "exit for instrument with no open leg")
	}
	if open.ID != leg.ID {
		return models.TradeRecord{}, errors.NewInvariantError("record_exit", leg.Symbol,
			"exit for leg "+leg.ID+" but open leg is "+open.ID)
	}

	delete(l.open, leg.Symbol)

	entry := *open.EntryOrder
	exit := *leg.ExitOrder
	l.closed[leg.Symbol] = append(l.closed[leg.Symbol], models.ClosedPosition{Entry: &entry, Exit: &exit})
	l.closedLegs = append(l.closedLegs, closedLeg{side: open.Side, entry: entry, exit: exit})

	for i := len(l.trades) - 1; i >= 0; i-- {
		rec := &l.trades[i]
		if rec.Instrument != leg.Symbol || !rec.IsOpen() {
			continue
		}
		exitTime := exit.FilledAt
		exitPrice := fillPrice(&exit)
		rec.ExitTime = &exitTime
		rec.ExitPrice = &exitPrice
		return copyRecord(*rec), nil
	}

	return models.TradeRecord{}, errors.NewInvariantError("record_exit", leg.Symbol, "no unmatched trade record")
}

// PnL returns realized P&L of closed legs plus mark-to-market P&L of open
// legs. It fails with a DataError if an open leg has no mark price.
func (l *Ledger) PnL(prices PriceLookup) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero

	for _, c := range l.closedLegs {
		entry := proceeds(&c.entry)
		exit := proceeds(&c.exit)
		if c.side == models.PositionShort {
			total = total.Add(entry.Sub(exit))
		} else {
			total = total.Add(exit.Sub(entry))
		}
	}

	for symbol, leg := range l.open {
		mark, ok := prices.LastPrice(symbol)
		if !ok {
			return decimal.Zero, errors.NewDataError("price", symbol, "no mark for open leg", errors.ErrDataUnavailable)
		}
		qty := decimal.NewFromInt(int64(fillQuantity(leg.EntryOrder)))
		diff := decimal.NewFromFloat(mark).Sub(decimal.NewFromFloat(fillPrice(leg.EntryOrder)))
		if leg.Side == models.PositionShort {
			diff = diff.Neg()
		}
		total = total.Add(diff.Mul(qty))
	}

	return total, nil
}

// IsOpen reports whether leg is the open leg of its instrument.
func (l *Ledger) IsOpen(leg *models.Leg) bool {
	if leg == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	open, ok := l.open[leg.Symbol]
	return ok && open.ID == leg.ID
}

// IsSymbolOpen reports whether any leg is open on symbol.
func (l *Ledger) IsSymbolOpen(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.open[symbol]
	return ok
}

// OpenCount returns the number of open legs.
func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.open)
}

// OpenLegs returns copies of the open legs ordered by symbol.
func (l *Ledger) OpenLegs() []*models.Leg {
	l.mu.RLock()
	defer l.mu.RUnlock()

	legs := make([]*models.Leg, 0, len(l.open))
	for _, leg := range l.open {
		legs = append(legs, leg.Clone())
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].Symbol < legs[j].Symbol })
	return legs
}

// Closed returns copies of the closed positions of symbol.
func (l *Ledger) Closed(symbol string) []models.ClosedPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	src := l.closed[symbol]
	out := make([]models.ClosedPosition, len(src))
	for i, c := range src {
		entry, exit := *c.Entry, *c.Exit
		out[i] = models.ClosedPosition{Entry: &entry, Exit: &exit}
	}
	return out
}

// ClosedCount returns the number of closed positions across instruments.
func (l *Ledger) ClosedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.closedLegs)
}

// Trades returns a copy of the trade log in chronological order.
func (l *Ledger) Trades() []models.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.TradeRecord, len(l.trades))
	for i, r := range l.trades {
		out[i] = copyRecord(r)
	}
	return out
}

// SessionDate returns the session date the ledger was created for.
func (l *Ledger) SessionDate() time.Time {
	return l.sessionDate
}

func copyRecord(r models.TradeRecord) models.TradeRecord {
	if r.ExitTime != nil {
		t := *r.ExitTime
		r.ExitTime = &t
	}
	if r.ExitPrice != nil {
		p := *r.ExitPrice
		r.ExitPrice = &p
	}
	return r
}

func proceeds(o *models.Order) decimal.Decimal {
	return decimal.NewFromFloat(fillPrice(o)).Mul(decimal.NewFromInt(int64(fillQuantity(o))))
}

func fillPrice(o *models.Order) float64 {
	if o.AveragePrice != 0 {
		return o.AveragePrice
	}
	return o.Price
}

func fillQuantity(o *models.Order) int {
	if o.FilledQty > 0 {
		return o.FilledQty
	}
	return o.Quantity
}

func legSymbol(leg *models.Leg) string {
	if leg == nil {
		return ""
	}
	return leg.Symbol
}
