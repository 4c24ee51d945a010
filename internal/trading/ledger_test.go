package trading

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta-hedger/internal/errors"
	"delta-hedger/internal/models"
)

var sessionStart = time.Date(2024, 1, 8, 9, 17, 0, 0, testExpiry.Location())

func newLeg(id, symbol string, side models.PositionSide, qty int) *models.Leg {
	return &models.Leg{
		ID:       id,
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		EntryOrder: &models.Order{
			ID:       "ord-" + id,
			Symbol:   symbol,
			Side:     side.EntrySide(),
			Quantity: qty,
			Status:   models.OrderStatusOpen,
		},
	}
}

func filledEntry(leg *models.Leg, price float64, at time.Time) *models.Leg {
	c := leg.Clone()
	c.EntryOrder.Status = models.OrderStatusComplete
	c.EntryOrder.FilledQty = c.Quantity
	c.EntryOrder.AveragePrice = price
	c.EntryOrder.FilledAt = at
	return c
}

func filledExit(leg *models.Leg, price float64, at time.Time) *models.Leg {
	c := leg.Clone()
	c.ExitOrder = &models.Order{
		ID:           "exit-" + leg.ID,
		Symbol:       leg.Symbol,
		Side:         leg.Side.ExitSide(),
		Quantity:     leg.Quantity,
		Status:       models.OrderStatusComplete,
		FilledQty:    leg.Quantity,
		AveragePrice: price,
		FilledAt:     at,
	}
	return c
}

func TestLedger_EntryThenExit(t *testing.T) {
	l := NewLedger(sessionStart)

	leg := filledEntry(newLeg("L1", "NIFTY24JAN21500CE", models.PositionShort, 25), 100, sessionStart)
	rec, err := l.RecordEntry(leg)
	require.NoError(t, err)
	assert.True(t, rec.IsOpen())
	assert.Equal(t, models.OrderSideSell, rec.Side)
	assert.Equal(t, 1, l.OpenCount())
	assert.True(t, l.IsOpen(leg))

	exitAt := sessionStart.Add(time.Hour)
	rec, err = l.RecordExit(filledExit(leg, 80, exitAt))
	require.NoError(t, err)
	require.NotNil(t, rec.ExitPrice)
	assert.Equal(t, 80.0, *rec.ExitPrice)
	assert.Equal(t, exitAt, *rec.ExitTime)
	assert.Equal(t, 500.0, rec.PnL())

	assert.Equal(t, 0, l.OpenCount())
	assert.False(t, l.IsOpen(leg))
	require.Len(t, l.Closed("NIFTY24JAN21500CE"), 1)

	pnl, err := l.PnL(PriceMap{})
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(500)), pnl.String())
}

func TestLedger_ExitWithoutEntryIsFatal(t *testing.T) {
	l := NewLedger(sessionStart)

	leg := filledExit(newLeg("L1", "NIFTY24JAN21500CE", models.PositionShort, 25), 80, sessionStart)
	_, err := l.RecordExit(leg)
	require.Error(t, err)

	var inv *errors.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "NIFTY24JAN21500CE", inv.Symbol)
	assert.True(t, errors.IsFatal(err))
}

func TestLedger_ExitForDifferentLegIsFatal(t *testing.T) {
	l := NewLedger(sessionStart)

	_, err := l.RecordEntry(filledEntry(newLeg("L1", "SYM", models.PositionShort, 25), 100, sessionStart))
	require.NoError(t, err)

	_, err = l.RecordExit(filledExit(newLeg("L2", "SYM", models.PositionShort, 25), 80, sessionStart))
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 1, l.OpenCount())
}

func TestLedger_DuplicateEntryIsFatal(t *testing.T) {
	l := NewLedger(sessionStart)

	_, err := l.RecordEntry(filledEntry(newLeg("L1", "SYM", models.PositionShort, 25), 100, sessionStart))
	require.NoError(t, err)

	_, err = l.RecordEntry(filledEntry(newLeg("L2", "SYM", models.PositionShort, 25), 100, sessionStart))
	assert.True(t, errors.IsFatal(err))
}

func TestLedger_BackfillsMostRecentUnmatchedRecord(t *testing.T) {
	l := NewLedger(sessionStart)
	sym := "NIFTY24JAN21000PE"

	first := filledEntry(newLeg("L1", sym, models.PositionShort, 25), 50, sessionStart)
	_, err := l.RecordEntry(first)
	require.NoError(t, err)
	_, err = l.RecordExit(filledExit(first, 40, sessionStart.Add(time.Minute)))
	require.NoError(t, err)

	second := filledEntry(newLeg("L2", sym, models.PositionShort, 25), 60, sessionStart.Add(2*time.Minute))
	_, err = l.RecordEntry(second)
	require.NoError(t, err)
	_, err = l.RecordExit(filledExit(second, 70, sessionStart.Add(3*time.Minute)))
	require.NoError(t, err)

	trades := l.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, 40.0, *trades[0].ExitPrice)
	assert.Equal(t, 70.0, *trades[1].ExitPrice)
	assert.Len(t, l.Closed(sym), 2)
}

func TestLedger_PnLNeedsMarkForOpenLegs(t *testing.T) {
	l := NewLedger(sessionStart)

	_, err := l.RecordEntry(filledEntry(newLeg("L1", "SYM", models.PositionLong, 25), 100, sessionStart))
	require.NoError(t, err)

	_, err = l.PnL(PriceMap{})
	assert.ErrorIs(t, err, errors.ErrDataUnavailable)

	pnl, err := l.PnL(PriceMap{"SYM": 110})
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(250)), pnl.String())
}

func TestLedger_ReadersReturnCopies(t *testing.T) {
	l := NewLedger(sessionStart)

	leg := filledEntry(newLeg("L1", "SYM", models.PositionShort, 25), 100, sessionStart)
	_, err := l.RecordEntry(leg)
	require.NoError(t, err)

	open := l.OpenLegs()
	require.Len(t, open, 1)
	open[0].EntryOrder.AveragePrice = 1
	leg.EntryOrder.AveragePrice = 2

	pnl, err := l.PnL(PriceMap{"SYM": 100})
	require.NoError(t, err)
	assert.True(t, pnl.IsZero(), pnl.String())

	trades := l.Trades()
	trades[0].Instrument = "OTHER"
	assert.Equal(t, "SYM", l.Trades()[0].Instrument)
}

// Feature: delta-hedger, Property: Ledger round-trip
// Entering then exiting a leg moves it from open to closed exactly once, and
// realized PnL after the exit equals unrealized PnL just before it at the same price.
func TestProperty_LedgerRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("realized PnL after exit equals unrealized PnL before exit", prop.ForAll(
		func(entryPaise, exitPaise int64, lots int, short bool) bool {
			side := models.PositionLong
			if short {
				side = models.PositionShort
			}
			entry := float64(entryPaise) / 100
			exit := float64(exitPaise) / 100
			qty := lots * 25

			l := NewLedger(sessionStart)
			leg := filledEntry(newLeg("L1", "SYM", side, qty), entry, sessionStart)
			if _, err := l.RecordEntry(leg); err != nil {
				return false
			}

			before, err := l.PnL(PriceMap{"SYM": exit})
			if err != nil {
				return false
			}

			if _, err := l.RecordExit(filledExit(leg, exit, sessionStart.Add(time.Minute))); err != nil {
				return false
			}

			after, err := l.PnL(PriceMap{})
			if err != nil {
				return false
			}

			return l.OpenCount() == 0 &&
				len(l.Closed("SYM")) == 1 &&
				before.Equal(after)
		},
		gen.Int64Range(5, 100000),
		gen.Int64Range(5, 100000),
		gen.IntRange(1, 10),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Feature: delta-hedger, Property: Every exit back-fills exactly one trade record
func TestProperty_LedgerTradeLogMatchesFills(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("closed records equal exits, open records equal open legs", prop.ForAll(
		func(n, closeN int) bool {
			if closeN > n {
				closeN = n
			}
			l := NewLedger(sessionStart)
			legs := make([]*models.Leg, n)
			for i := range legs {
				legs[i] = filledEntry(newLeg(fmt.Sprintf("L%d", i), fmt.Sprintf("S%d", i), models.PositionShort, 25), 100, sessionStart)
				if _, err := l.RecordEntry(legs[i]); err != nil {
					return false
				}
			}
			for i := 0; i < closeN; i++ {
				if _, err := l.RecordExit(filledExit(legs[i], 90, sessionStart)); err != nil {
					return false
				}
			}

			var open, closed int
			for _, r := range l.Trades() {
				if r.IsOpen() {
					open++
				} else {
					closed++
				}
			}
			return open == l.OpenCount() && closed == closeN && l.ClosedCount() == closeN
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
