package trading

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta-hedger/internal/models"
)

type fakeExecutor struct {
	seq       int
	entries   []*models.Leg
	exits     []*models.Leg
	failEnter map[string]error
	failExit  map[string]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{failEnter: make(map[string]error), failExit: make(map[string]error)}
}

func (f *fakeExecutor) EnterShort(_ context.Context, symbol string, qty int) (*models.Leg, error) {
	return f.enter(symbol, qty, models.PositionShort)
}

func (f *fakeExecutor) EnterLong(_ context.Context, symbol string, qty int) (*models.Leg, error) {
	return f.enter(symbol, qty, models.PositionLong)
}

func (f *fakeExecutor) enter(symbol string, qty int, side models.PositionSide) (*models.Leg, error) {
	if err := f.failEnter[symbol]; err != nil {
		return nil, err
	}
	f.seq++
	leg := newLeg(fmt.Sprintf("leg-%d", f.seq), symbol, side, qty)
	f.entries = append(f.entries, leg.Clone())
	return leg, nil
}

func (f *fakeExecutor) ExitMarket(_ context.Context, leg *models.Leg) error {
	if err := f.failExit[leg.Symbol]; err != nil {
		return err
	}
	f.exits = append(f.exits, leg.Clone())
	return nil
}

type fakeSink struct {
	trades   []models.TradeRecord
	sessions []models.SessionSummary
}

func (s *fakeSink) SaveTrade(_ context.Context, trade models.TradeRecord) error {
	s.trades = append(s.trades, trade)
	return nil
}

func (s *fakeSink) SaveSession(_ context.Context, summary models.SessionSummary) error {
	s.sessions = append(s.sessions, summary)
	return nil
}

type tick struct {
	at     time.Time
	prices PriceMap
	greeks map[string]models.OptionGreeksSnapshot
}

func (t tick) Time() time.Time                         { return t.at }
func (t tick) LastPrice(symbol string) (float64, bool) { return t.prices.LastPrice(symbol) }
func (t tick) OptionGreeks() map[string]models.OptionGreeksSnapshot {
	return t.greeks
}

func newTick(at time.Time, snaps ...models.OptionGreeksSnapshot) tick {
	t := tick{at: at, prices: PriceMap{}, greeks: make(map[string]models.OptionGreeksSnapshot)}
	for _, s := range snaps {
		t.greeks[s.Symbol()] = s
		t.prices[s.Symbol()] = 100
	}
	return t
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	exec   *fakeExecutor
	sink   *fakeSink
	logs   *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	logs := &bytes.Buffer{}
	exec := newFakeExecutor()
	sink := &fakeSink{}
	engine := NewEngine(DefaultEngineConfig(), NewSessionManager(DefaultSessionConfig()), exec, sink, zerolog.New(logs))
	return &harness{t: t, ctx: context.Background(), engine: engine, exec: exec, sink: sink, logs: logs}
}

func (h *harness) tick(tk tick) {
	require.NoError(h.t, h.engine.OnTick(h.ctx, tk, tk))
}

func (h *harness) fillEntry(leg *models.Leg, price float64, at time.Time) {
	require.NoError(h.t, h.engine.OnEntryFilled(h.ctx, filledEntry(leg, price, at)))
}

func (h *harness) fillExit(leg *models.Leg, price float64, at time.Time) {
	require.NoError(h.t, h.engine.OnExitFilled(h.ctx, filledExit(leg, price, at)))
}

// enter drives the engine from LIVE to ENTERED on CE/PE at 09:17.
func (h *harness) enter() (call, put *models.Leg) {
	at := ist(2024, 1, 8, 9, 17)
	h.tick(newTick(at, snap("CE", models.OptionCall, 0.18), snap("PE", models.OptionPut, -0.22)))
	require.Equal(h.t, StatePlacingOrders, h.engine.State())
	require.Len(h.t, h.exec.entries, 2)

	call, put = h.exec.entries[0], h.exec.entries[1]
	h.fillEntry(call, 100, at)
	h.fillEntry(put, 100, at)
	h.tick(newTick(at.Add(time.Minute), snap("CE", models.OptionCall, 0.18), snap("PE", models.OptionPut, -0.22)))
	require.Equal(h.t, StateEntered, h.engine.State())
	return call, put
}

func TestEngine_EndToEndEntryAndRebalance(t *testing.T) {
	h := newHarness(t)

	at := ist(2024, 1, 8, 9, 17)
	chain := []models.OptionGreeksSnapshot{
		snap("NIFTY21500CE", models.OptionCall, 0.18),
		snap("NIFTY21400CE", models.OptionCall, 0.35),
		snap("NIFTY21600CE", models.OptionCall, 0.08),
		snap("NIFTY21000PE", models.OptionPut, -0.22),
		snap("NIFTY21100PE", models.OptionPut, -0.36),
		snap("NIFTY20900PE", models.OptionPut, -0.10),
	}
	h.tick(newTick(at, chain...))

	require.Equal(t, StatePlacingOrders, h.engine.State())
	require.Len(t, h.exec.entries, 2)
	call, put := h.exec.entries[0], h.exec.entries[1]
	assert.Equal(t, "NIFTY21500CE", call.Symbol)
	assert.Equal(t, "NIFTY21000PE", put.Symbol)
	assert.Equal(t, 25, call.Quantity)
	assert.Equal(t, models.PositionShort, put.Side)

	// One fill is not enough
	h.fillEntry(call, 120, at)
	h.tick(newTick(at.Add(time.Minute), chain...))
	assert.Equal(t, StatePlacingOrders, h.engine.State())

	h.fillEntry(put, 110, at)
	h.tick(newTick(at.Add(2*time.Minute), chain...))
	require.Equal(t, StateEntered, h.engine.State())

	// 11:00: call 0.35, put -0.05, difference 0.30
	later := ist(2024, 1, 8, 11, 0)
	h.tick(newTick(later,
		snap("NIFTY21500CE", models.OptionCall, 0.35),
		snap("NIFTY21400CE", models.OptionCall, 0.52),
		snap("NIFTY21000PE", models.OptionPut, -0.05),
		snap("NIFTY21100PE", models.OptionPut, -0.12),
		snap("NIFTY21300PE", models.OptionPut, -0.34),
		snap("NIFTY21400PE", models.OptionPut, -0.48),
	))

	assert.Equal(t, StatePlacingOrders, h.engine.State())
	require.Len(t, h.exec.exits, 1)
	assert.Equal(t, "NIFTY21000PE", h.exec.exits[0].Symbol)
	require.Len(t, h.exec.entries, 3)
	assert.Equal(t, "NIFTY21300PE", h.exec.entries[2].Symbol)

	s := h.engine.Session()
	assert.Equal(t, 1, s.Adjustments)
	assert.Equal(t, "NIFTY21500CE", s.Call.Symbol)
	assert.Equal(t, "NIFTY21300PE", s.Put.Symbol)
	assert.Nil(t, s.Vega)
}

func TestEngine_SubmittedLegIsLogged(t *testing.T) {
	h := newHarness(t)
	h.enter()

	logs := h.logs.String()
	assert.Contains(t, logs, `"message":"Order submitted"`)
	assert.Contains(t, logs, `"leg_id":"leg-1"`)
	assert.Contains(t, logs, `"symbol":"PE"`)
	assert.Contains(t, logs, `"delta":-0.22`)
}

func TestEngine_EntryDeferredWithoutQuotes(t *testing.T) {
	h := newHarness(t)

	tk := newTick(ist(2024, 1, 8, 9, 20), snap("CE", models.OptionCall, 0.2), snap("PE", models.OptionPut, -0.2))
	delete(tk.prices, "PE")
	h.tick(tk)

	assert.Equal(t, StateLive, h.engine.State())
	assert.Empty(t, h.exec.entries)
}

func TestEngine_EntryOnlyInsideWindow(t *testing.T) {
	h := newHarness(t)
	chain := []models.OptionGreeksSnapshot{snap("CE", models.OptionCall, 0.2), snap("PE", models.OptionPut, -0.2)}

	h.tick(newTick(ist(2024, 1, 8, 9, 16), chain...))
	h.tick(newTick(ist(2024, 1, 8, 15, 0), chain...))
	assert.Equal(t, StateLive, h.engine.State())
	assert.Empty(t, h.exec.entries)
}

func TestEngine_WarmupGate(t *testing.T) {
	h := newHarness(t)

	h.tick(newTick(ist(2024, 1, 8, 9, 20), snap("CE", models.OptionCall, 0.2)))
	assert.Equal(t, StateLive, h.engine.State())
	assert.Empty(t, h.exec.entries)
}

func TestEngine_FailedPutSubmissionRetriedNextTick(t *testing.T) {
	h := newHarness(t)
	h.exec.failEnter["PE"] = fmt.Errorf("rejected")

	at := ist(2024, 1, 8, 9, 17)
	chain := []models.OptionGreeksSnapshot{snap("CE", models.OptionCall, 0.2), snap("PE", models.OptionPut, -0.2)}
	h.tick(newTick(at, chain...))
	require.Equal(t, StatePlacingOrders, h.engine.State())
	require.Len(t, h.exec.entries, 1)
	assert.Nil(t, h.engine.Session().Put)

	delete(h.exec.failEnter, "PE")
	h.tick(newTick(at.Add(time.Minute), chain...))
	require.Len(t, h.exec.entries, 2)
	assert.Equal(t, "PE", h.engine.Session().Put.Symbol)
}

func TestEngine_StopLoss(t *testing.T) {
	h := newHarness(t)
	h.enter()

	tk := newTick(ist(2024, 1, 8, 12, 0), snap("CE", models.OptionCall, 0.18), snap("PE", models.OptionPut, -0.22))
	// Short call from 100 to 600 on 25 units loses 12500
	tk.prices["CE"] = 600
	h.tick(tk)

	assert.Equal(t, StateExited, h.engine.State())
	assert.Equal(t, models.ExitReasonStopLoss, h.engine.Session().ExitReason)
	assert.Len(t, h.exec.exits, 2)
	assert.Contains(t, h.logs.String(), "Portfolio stop-loss hit")
}

func TestEngine_StopLossSkippedWithoutMarks(t *testing.T) {
	h := newHarness(t)
	h.enter()

	tk := newTick(ist(2024, 1, 8, 12, 0), snap("CE", models.OptionCall, 0.18), snap("PE", models.OptionPut, -0.22))
	delete(tk.prices, "CE")
	h.tick(tk)

	assert.Equal(t, StateEntered, h.engine.State())
	assert.Empty(t, h.exec.exits)
}

func TestEngine_TimeExitPrecedesStopLoss(t *testing.T) {
	h := newHarness(t)
	h.enter()

	tk := newTick(ist(2024, 1, 8, 15, 0), snap("CE", models.OptionCall, 0.18), snap("PE", models.OptionPut, -0.22))
	tk.prices["CE"] = 600
	h.tick(tk)

	assert.Equal(t, StateExited, h.engine.State())
	assert.Equal(t, models.ExitReasonTime, h.engine.Session().ExitReason)
	assert.Len(t, h.exec.exits, 2)
	assert.NotContains(t, h.logs.String(), "stop-loss")
	assert.Empty(t, h.sink.sessions)
}

func TestEngine_SessionResetIdempotent(t *testing.T) {
	h := newHarness(t)
	call, put := h.enter()

	exitAt := ist(2024, 1, 8, 15, 0)
	h.tick(newTick(exitAt, snap("CE", models.OptionCall, 0.18), snap("PE", models.OptionPut, -0.22)))
	require.Equal(t, StateExited, h.engine.State())

	// Exit-time tick never resets in the same tick
	assert.False(t, h.engine.ResetIfDone(exitAt))

	h.fillExit(call, 90, exitAt)
	assert.False(t, h.engine.ResetIfDone(exitAt), "put still open")
	h.fillExit(put, 80, exitAt)

	h.tick(newTick(exitAt.Add(time.Minute), snap("CE", models.OptionCall, 0.18), snap("PE", models.OptionPut, -0.22)))

	assert.Equal(t, StateLive, h.engine.State())
	s := h.engine.Session()
	assert.Zero(t, s.Adjustments)
	assert.Zero(t, s.RunningPnL)
	assert.Nil(t, s.Call)
	assert.Nil(t, s.Put)
	assert.Equal(t, 0, h.engine.Ledger().OpenCount())
	assert.Equal(t, 0, h.engine.Ledger().ClosedCount())
	assert.Empty(t, h.engine.Ledger().Trades())

	require.Len(t, h.sink.sessions, 1)
	summary := h.sink.sessions[0]
	assert.InDelta(t, 750.0, summary.PnL, 1e-9) // (100-90)*25 + (100-80)*25
	assert.Equal(t, 2, summary.Trades)
	assert.Equal(t, models.ExitReasonTime, summary.ExitReason)
	assert.Contains(t, h.logs.String(), "Overall PnL for date")

	assert.False(t, h.engine.ResetIfDone(exitAt.Add(2*time.Minute)))
	assert.Len(t, h.sink.sessions, 1)
}

func TestEngine_TradesPushedToSink(t *testing.T) {
	h := newHarness(t)
	call, _ := h.enter()

	require.Len(t, h.sink.trades, 2)
	assert.True(t, h.sink.trades[0].IsOpen())

	h.tick(newTick(ist(2024, 1, 8, 15, 0), snap("CE", models.OptionCall, 0.18), snap("PE", models.OptionPut, -0.22)))
	h.fillExit(call, 90, ist(2024, 1, 8, 15, 0))

	require.Len(t, h.sink.trades, 3)
	last := h.sink.trades[2]
	assert.Equal(t, h.sink.trades[0].ID, last.ID)
	assert.False(t, last.IsOpen())
}

func TestEngine_LateEntryFillIsExited(t *testing.T) {
	h := newHarness(t)

	at := ist(2024, 1, 8, 9, 17)
	chain := []models.OptionGreeksSnapshot{snap("CE", models.OptionCall, 0.2), snap("PE", models.OptionPut, -0.2)}
	h.tick(newTick(at, chain...))
	call, put := h.exec.entries[0], h.exec.entries[1]
	h.fillEntry(call, 100, at)
	h.fillEntry(put, 100, at)
	h.tick(newTick(at.Add(time.Minute), chain...))
	require.Equal(t, StateEntered, h.engine.State())

	// Two rebalances trigger a vega buy whose fill is still pending at exit
	h.engine.state.Adjustments = 2
	vegaChain := []models.OptionGreeksSnapshot{
		snap("CE", models.OptionCall, 0.25),
		snap("PE", models.OptionPut, -0.2),
		snap("VEGA-PE", models.OptionPut, -0.5),
	}
	h.tick(newTick(at.Add(2*time.Minute), vegaChain...))
	require.Len(t, h.exec.entries, 3)
	vega := h.exec.entries[2]
	assert.Equal(t, models.PositionLong, vega.Side)

	h.tick(newTick(ist(2024, 1, 8, 15, 0), vegaChain...))
	require.Equal(t, StateExited, h.engine.State())
	assert.Len(t, h.exec.exits, 2)

	h.fillEntry(vega, 50, ist(2024, 1, 8, 15, 0))
	require.Len(t, h.exec.exits, 3)
	assert.Equal(t, vega.ID, h.exec.exits[2].ID)
}

func TestEngine_VegaLegAfterTwoAdjustments(t *testing.T) {
	h := newHarness(t)
	h.enter()

	// First rebalance: call profitable, put replaced by PE2
	h.tick(newTick(ist(2024, 1, 8, 10, 0),
		snap("CE", models.OptionCall, 0.40),
		snap("PE", models.OptionPut, -0.10),
		snap("PE2", models.OptionPut, -0.41),
	))
	require.Equal(t, 1, h.engine.Session().Adjustments)
	pe2 := h.exec.entries[2]
	h.fillExit(h.exec.exits[0], 90, ist(2024, 1, 8, 10, 0))
	h.fillEntry(pe2, 100, ist(2024, 1, 8, 10, 0))
	h.tick(newTick(ist(2024, 1, 8, 10, 1), snap("CE", models.OptionCall, 0.40), snap("PE2", models.OptionPut, -0.41)))
	require.Equal(t, StateEntered, h.engine.State())

	// Second rebalance: call profitable again, vega buys a put near 0.5
	h.tick(newTick(ist(2024, 1, 8, 11, 0),
		snap("CE", models.OptionCall, 0.60),
		snap("PE2", models.OptionPut, -0.15),
		snap("PE3", models.OptionPut, -0.62),
		snap("PE4", models.OptionPut, -0.50),
	))

	s := h.engine.Session()
	assert.Equal(t, 2, s.Adjustments)
	require.NotNil(t, s.Vega)
	assert.Equal(t, "PE4", s.Vega.Symbol)
	assert.Equal(t, models.PositionLong, s.Vega.Side)
}

func TestEngine_VegaSkippedWhenCandidateAlreadyShort(t *testing.T) {
	h := newHarness(t)
	h.enter()
	h.engine.state.Adjustments = 2

	// The only put candidate is the open short put
	h.tick(newTick(ist(2024, 1, 8, 10, 0),
		snap("CE", models.OptionCall, 0.45),
		snap("PE", models.OptionPut, -0.30),
	))

	assert.Nil(t, h.engine.Session().Vega)
	assert.Len(t, h.exec.entries, 2)
	assert.Contains(t, h.logs.String(), "Vega candidate is already held short")
}

func TestEngine_RebalanceReentersSameContractAfterExit(t *testing.T) {
	h := newHarness(t)
	_, put := h.enter()

	// Only the open put exists, so the replacement is the lagging put itself
	at := ist(2024, 1, 8, 10, 0)
	chain := []models.OptionGreeksSnapshot{
		snap("CE", models.OptionCall, 0.40),
		snap("PE", models.OptionPut, -0.10),
	}
	h.tick(newTick(at, chain...))

	assert.Equal(t, StatePlacingOrders, h.engine.State())
	assert.Equal(t, 1, h.engine.Session().Adjustments)
	require.Len(t, h.exec.exits, 1)
	assert.Equal(t, put.ID, h.exec.exits[0].ID)
	assert.Nil(t, h.engine.Session().Put)
	require.Len(t, h.exec.entries, 2, "re-entry waits for the exit fill")

	h.fillExit(put, 90, at)
	require.Len(t, h.exec.entries, 3)
	again := h.exec.entries[2]
	assert.Equal(t, "PE", again.Symbol)
	assert.Equal(t, models.PositionShort, again.Side)

	h.fillEntry(again, 95, at)
	h.tick(newTick(at.Add(time.Minute), snap("CE", models.OptionCall, 0.30), snap("PE", models.OptionPut, -0.25)))
	assert.Equal(t, StateEntered, h.engine.State())
	assert.Equal(t, 1, h.engine.Ledger().ClosedCount())
}

func TestEngine_RebalanceDeferredWhenReplacementIsVegaLeg(t *testing.T) {
	h := newHarness(t)
	h.enter()
	h.engine.state.Adjustments = 2

	// Call profitable: vega buys VP, the put nearest 0.5
	at := ist(2024, 1, 8, 10, 0)
	h.tick(newTick(at,
		snap("CE", models.OptionCall, 0.25),
		snap("PE", models.OptionPut, -0.20),
		snap("VP", models.OptionPut, -0.50),
	))
	vega := h.engine.Session().Vega
	require.NotNil(t, vega)
	require.Equal(t, "VP", vega.Symbol)
	h.fillEntry(vega, 40, at)

	// Drift: the nearest put to the call delta is the vega put
	h.tick(newTick(at.Add(time.Minute),
		snap("CE", models.OptionCall, 0.50),
		snap("PE", models.OptionPut, -0.10),
		snap("VP", models.OptionPut, -0.52),
	))

	assert.Equal(t, StateEntered, h.engine.State())
	assert.Equal(t, 2, h.engine.Session().Adjustments)
	assert.Empty(t, h.exec.exits)
	assert.Contains(t, h.logs.String(), "Replacement coincides with an open leg")
}

func TestEngine_FailedExitSubmissionRetriedNextTick(t *testing.T) {
	h := newHarness(t)
	call, put := h.enter()
	h.exec.failExit["CE"] = fmt.Errorf("network error")

	exitAt := ist(2024, 1, 8, 15, 0)
	chain := []models.OptionGreeksSnapshot{snap("CE", models.OptionCall, 0.18), snap("PE", models.OptionPut, -0.22)}
	h.tick(newTick(exitAt, chain...))
	require.Equal(t, StateExited, h.engine.State())
	require.Len(t, h.exec.exits, 1)
	assert.Equal(t, put.ID, h.exec.exits[0].ID)

	h.fillExit(put, 80, exitAt)
	h.tick(newTick(exitAt.Add(time.Minute), chain...))
	assert.Equal(t, StateExited, h.engine.State(), "call still open")

	delete(h.exec.failExit, "CE")
	h.tick(newTick(exitAt.Add(2*time.Minute), chain...))
	require.Len(t, h.exec.exits, 2)
	assert.Equal(t, call.ID, h.exec.exits[1].ID)

	h.fillExit(call, 90, exitAt)
	h.tick(newTick(exitAt.Add(3*time.Minute), chain...))
	assert.Equal(t, StateLive, h.engine.State())
	require.Len(t, h.sink.sessions, 1)
}

func TestEngine_RejectedExitIsResubmitted(t *testing.T) {
	h := newHarness(t)
	call, put := h.enter()

	exitAt := ist(2024, 1, 8, 15, 0)
	chain := []models.OptionGreeksSnapshot{snap("CE", models.OptionCall, 0.18), snap("PE", models.OptionPut, -0.22)}
	h.tick(newTick(exitAt, chain...))
	require.Len(t, h.exec.exits, 2)
	h.fillExit(put, 80, exitAt)

	// The call exit was accepted but never filled
	require.NoError(t, h.engine.OnExitRejected(h.ctx, h.exec.exits[0], "no price"))
	h.tick(newTick(exitAt.Add(time.Minute), chain...))
	require.Len(t, h.exec.exits, 3)
	assert.Equal(t, call.ID, h.exec.exits[2].ID)
	assert.Equal(t, StateExited, h.engine.State())

	h.fillExit(call, 90, exitAt)
	h.tick(newTick(exitAt.Add(2*time.Minute), chain...))
	assert.Equal(t, StateLive, h.engine.State())
	assert.Equal(t, 0, h.engine.Ledger().OpenCount())
}

func TestEngine_RejectedExitOfClosedLegIgnored(t *testing.T) {
	h := newHarness(t)
	leg := newLeg("gone", "CE", models.PositionShort, 25)
	require.NoError(t, h.engine.OnExitRejected(h.ctx, leg, "cancelled"))
	assert.Empty(t, h.engine.retryExit)
}

func TestEngine_RejectedEntryReselectedNextTick(t *testing.T) {
	h := newHarness(t)

	at := ist(2024, 1, 8, 9, 17)
	chain := []models.OptionGreeksSnapshot{snap("CE", models.OptionCall, 0.2), snap("PE", models.OptionPut, -0.2)}
	h.tick(newTick(at, chain...))
	require.Len(t, h.exec.entries, 2)
	call, put := h.exec.entries[0], h.exec.entries[1]

	require.NoError(t, h.engine.OnEntryRejected(h.ctx, put, "margin"))
	assert.Nil(t, h.engine.Session().Put)

	h.fillEntry(call, 100, at)
	h.tick(newTick(at.Add(time.Minute), chain...))
	require.Len(t, h.exec.entries, 3)
	again := h.exec.entries[2]
	assert.Equal(t, "PE", again.Symbol)
	assert.Equal(t, StatePlacingOrders, h.engine.State())

	h.fillEntry(again, 100, at)
	h.tick(newTick(at.Add(2*time.Minute), chain...))
	assert.Equal(t, StateEntered, h.engine.State())
}

func TestEngine_RejectedPendingExitEntryUnblocksReset(t *testing.T) {
	h := newHarness(t)
	call, put := h.enter()
	h.engine.state.Adjustments = 2

	at := ist(2024, 1, 8, 10, 0)
	vegaChain := []models.OptionGreeksSnapshot{
		snap("CE", models.OptionCall, 0.25),
		snap("PE", models.OptionPut, -0.2),
		snap("VP", models.OptionPut, -0.5),
	}
	h.tick(newTick(at, vegaChain...))
	vega := h.engine.Session().Vega
	require.NotNil(t, vega)

	exitAt := ist(2024, 1, 8, 15, 0)
	h.tick(newTick(exitAt, vegaChain...))
	require.Equal(t, StateExited, h.engine.State())
	h.fillExit(call, 90, exitAt)
	h.fillExit(put, 90, exitAt)

	// The vega entry never fills, so there is nothing left to close
	require.NoError(t, h.engine.OnEntryRejected(h.ctx, vega, "rejected"))
	h.tick(newTick(exitAt.Add(time.Minute), vegaChain...))
	assert.Equal(t, StateLive, h.engine.State())
	assert.Len(t, h.sink.sessions, 1)
}

func TestEngine_RejectedVegaEntryRetried(t *testing.T) {
	h := newHarness(t)
	h.enter()
	h.engine.state.Adjustments = 2

	at := ist(2024, 1, 8, 10, 0)
	vegaChain := []models.OptionGreeksSnapshot{
		snap("CE", models.OptionCall, 0.25),
		snap("PE", models.OptionPut, -0.2),
		snap("VP", models.OptionPut, -0.5),
	}
	h.tick(newTick(at, vegaChain...))
	vega := h.engine.Session().Vega
	require.NotNil(t, vega)

	require.NoError(t, h.engine.OnEntryRejected(h.ctx, vega, "rejected"))
	assert.Nil(t, h.engine.Session().Vega)

	h.tick(newTick(at.Add(time.Minute), vegaChain...))
	require.NotNil(t, h.engine.Session().Vega)
	assert.NotEqual(t, vega.ID, h.engine.Session().Vega.ID)
}

func TestEngine_FailedReplacementRetriedNextTick(t *testing.T) {
	h := newHarness(t)
	_, put := h.enter()
	h.exec.failEnter["PE2"] = fmt.Errorf("rejected")

	at := ist(2024, 1, 8, 10, 0)
	chain := []models.OptionGreeksSnapshot{
		snap("CE", models.OptionCall, 0.40),
		snap("PE", models.OptionPut, -0.10),
		snap("PE2", models.OptionPut, -0.41),
	}
	h.tick(newTick(at, chain...))

	// The lagging exit went out even though the replacement failed
	require.Len(t, h.exec.exits, 1)
	assert.Equal(t, put.ID, h.exec.exits[0].ID)
	assert.Equal(t, 1, h.engine.Session().Adjustments)
	assert.Nil(t, h.engine.Session().Put)
	assert.Equal(t, StatePlacingOrders, h.engine.State())

	h.fillExit(put, 90, at)
	delete(h.exec.failEnter, "PE2")
	h.tick(newTick(at.Add(time.Minute), chain...))
	require.Len(t, h.exec.entries, 3)
	assert.Equal(t, "PE2", h.exec.entries[2].Symbol)
	assert.Equal(t, "PE2", h.engine.Session().Put.Symbol)
	assert.Equal(t, 1, h.engine.Session().Adjustments)
}

func TestEngine_InvariantViolationIsFatal(t *testing.T) {
	h := newHarness(t)

	leg := filledExit(newLeg("ghost", "CE", models.PositionShort, 25), 90, ist(2024, 1, 8, 10, 0))
	err := h.engine.OnExitFilled(h.ctx, leg)
	require.Error(t, err)
}

// Feature: delta-hedger, Property: Rebalance closes exactly one leg
func TestProperty_RebalanceReplacesExactlyOneLeg(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	chain := make([]models.OptionGreeksSnapshot, 0, 38)
	for i := 1; i <= 19; i++ {
		d := float64(i) * 0.05
		chain = append(chain,
			snap(fmt.Sprintf("C%02d", i), models.OptionCall, d),
			snap(fmt.Sprintf("P%02d", i), models.OptionPut, -d),
		)
	}

	properties.Property("one leg replaced and counter +1 iff difference exceeds threshold", prop.ForAll(
		func(callDelta, putDelta float64) bool {
			h := newHarness(t)
			h.enter()

			snaps := append([]models.OptionGreeksSnapshot{
				snap("CE", models.OptionCall, callDelta),
				snap("PE", models.OptionPut, putDelta),
			}, chain...)
			h.tick(newTick(ist(2024, 1, 8, 11, 0), snaps...))

			s := h.engine.Session()
			callReplaced := s.Call.Symbol != "CE"
			putReplaced := s.Put.Symbol != "PE"

			if abs(callDelta+putDelta) > DefaultEngineConfig().DeltaThreshold {
				return callReplaced != putReplaced &&
					len(h.exec.exits) == 1 &&
					s.Adjustments == 1 &&
					s.State == StatePlacingOrders
			}
			return !callReplaced && !putReplaced && s.Adjustments == 0 && s.State == StateEntered
		},
		gen.Float64Range(0.01, 0.99),
		gen.Float64Range(-0.99, -0.01),
	))

	properties.TestingRun(t)
}

// Feature: delta-hedger, Property: ENTERED is reached only after every leg is open
func TestProperty_EnteredOnlyAfterAllFills(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("state is ENTERED iff both entries filled", prop.ForAll(
		func(fillCall, fillPut bool, ticks int) bool {
			h := newHarness(t)
			at := ist(2024, 1, 8, 9, 17)
			chain := []models.OptionGreeksSnapshot{snap("CE", models.OptionCall, 0.2), snap("PE", models.OptionPut, -0.2)}
			h.tick(newTick(at, chain...))

			if fillCall {
				h.fillEntry(h.exec.entries[0], 100, at)
			}
			if fillPut {
				h.fillEntry(h.exec.entries[1], 100, at)
			}
			for i := 1; i <= ticks; i++ {
				h.tick(newTick(at.Add(time.Duration(i)*time.Minute), chain...))
			}

			entered := h.engine.State() == StateEntered
			return entered == (fillCall && fillPut)
		},
		gen.Bool(),
		gen.Bool(),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
