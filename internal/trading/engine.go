package trading

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"delta-hedger/internal/errors"
	"delta-hedger/internal/logging"
	"delta-hedger/internal/models"
)

// EngineConfig holds the strategy parameters of the hedge engine.
type EngineConfig struct {
	Quantity              int
	InitialDelta          float64
	DeltaThreshold        float64
	PortfolioStopLoss     float64
	VegaAdjustmentTrigger int
	VegaTargetDelta       float64
	MinInstruments        int
}

// DefaultEngineConfig returns the default strategy parameters.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Quantity:              25,
		InitialDelta:          0.2,
		DeltaThreshold:        0.2,
		PortfolioStopLoss:     10000,
		VegaAdjustmentTrigger: 2,
		VegaTargetDelta:       0.5,
		MinInstruments:        2,
	}
}

// Engine is the delta-neutral hedge state machine. It is driven by a single
// goroutine: OnTick, OnEntryFilled and OnExitFilled must not be called
// concurrently.
type Engine struct {
	cfg      EngineConfig
	session  *SessionManager
	executor Executor
	sink     TradeSink
	logger   zerolog.Logger

	state  *SessionState
	ledger *Ledger

	// Target |delta| of legs whose submission failed, keyed by option type.
	missing map[models.OptionType]float64
	// Type and target of short legs whose entry has not filled, keyed by leg ID.
	targets map[string]legTarget
	// Re-entries waiting for the exit of the leg they replace, keyed by its ID.
	reentry map[string]legTarget
	// Legs liquidated while their entry was still in flight.
	pendingExit map[string]bool
	// Open legs whose exit submission failed or was rejected.
	retryExit []*models.Leg
}

type legTarget struct {
	typ    models.OptionType
	target float64
}

// NewEngine creates an engine in the LIVE state. sink may be nil.
func NewEngine(cfg EngineConfig, session *SessionManager, executor Executor, sink TradeSink, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		session:     session,
		executor:    executor,
		sink:        sink,
		logger:      logging.WithComponent(logger, "engine"),
		state:       NewSessionState(),
		ledger:      NewLedger(time.Time{}),
		missing:     make(map[models.OptionType]float64),
		targets:     make(map[string]legTarget),
		reentry:     make(map[string]legTarget),
		pendingExit: make(map[string]bool),
	}
}

// State returns the current hedge state.
func (e *Engine) State() HedgeState {
	return e.state.State
}

// Session returns a copy of the session state.
func (e *Engine) Session() SessionState {
	s := *e.state
	s.Call = e.state.Call.Clone()
	s.Put = e.state.Put.Clone()
	s.Vega = e.state.Vega.Clone()
	s.optionData = nil
	return s
}

// Ledger returns the ledger of the current session.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// NetDelta returns the position-weighted delta of the open legs using the
// current tick's greeks. Short legs contribute the negated delta.
func (e *Engine) NetDelta() float64 {
	var total float64
	for _, leg := range e.ledger.OpenLegs() {
		g, ok := e.state.Greeks(leg.Symbol)
		if !ok {
			continue
		}
		if leg.IsShort() {
			total -= g.Delta
		} else {
			total += g.Delta
		}
	}
	return total
}

// OnTick processes one market snapshot. Only fatal errors are returned;
// everything else is logged and retried on a later tick.
func (e *Engine) OnTick(ctx context.Context, md MarketData, greeks GreeksProvider) error {
	now := md.Time().In(e.session.Location())

	optionData := make(map[string]models.OptionGreeksSnapshot)
	for sym, g := range greeks.OptionGreeks() {
		optionData[sym] = g
	}
	e.state.optionData = optionData

	if len(optionData) < e.cfg.MinInstruments {
		e.logger.Debug().
			Int("instruments", len(optionData)).
			Int("required", e.cfg.MinInstruments).
			Msg("Option data not warmed up, skipping tick")
		return nil
	}

	expiry := e.session.ExpiryFor(now)
	e.retryExits(ctx)

	switch e.state.State {
	case StateLive:
		e.onLive(ctx, now, md, expiry)
	case StatePlacingOrders:
		e.onPlacingOrders(ctx, expiry)
	case StateEntered:
		if done := e.onEntered(ctx, now, md, expiry); done {
			return nil
		}
	}

	if pnl, err := e.ledger.PnL(md); err == nil {
		e.state.RunningPnL = pnl.InexactFloat64()
	}

	e.ResetIfDone(now)
	return nil
}

func (e *Engine) onLive(ctx context.Context, now time.Time, md MarketData, expiry time.Time) {
	if !e.session.InEntryWindow(now) {
		return
	}

	date := e.session.SessionDate(now)
	if len(e.ledger.Trades()) == 0 && !e.ledger.SessionDate().Equal(date) {
		e.ledger = NewLedger(date)
		e.state.SessionDate = date
	}

	contracts := SortedSnapshots(e.state.optionData)
	call, okCall := SelectNearestDelta(contracts, models.OptionCall, e.cfg.InitialDelta, expiry)
	put, okPut := SelectNearestDelta(contracts, models.OptionPut, e.cfg.InitialDelta, expiry)
	if !okCall || !okPut {
		e.logger.Debug().
			Err(errors.ErrNoCandidate).
			Time("expiry", expiry).
			Bool("call", okCall).
			Bool("put", okPut).
			Msg("No entry candidate, deferring")
		return
	}

	// Entry waits until both instruments are quotable
	if _, ok := md.LastPrice(call.Symbol()); !ok {
		e.logger.Debug().Str("symbol", call.Symbol()).Msg("No quote for call candidate, deferring entry")
		return
	}
	if _, ok := md.LastPrice(put.Symbol()); !ok {
		e.logger.Debug().Str("symbol", put.Symbol()).Msg("No quote for put candidate, deferring entry")
		return
	}

	callLeg, err := e.enterShort(ctx, call, e.cfg.InitialDelta)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", call.Symbol()).Msg("Failed to submit call entry")
		return
	}
	e.state.Call = callLeg

	putLeg, err := e.enterShort(ctx, put, e.cfg.InitialDelta)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", put.Symbol()).Msg("Failed to submit put entry, retrying next tick")
		e.missing[models.OptionPut] = e.cfg.InitialDelta
	} else {
		e.state.Put = putLeg
	}

	e.setState(StatePlacingOrders, "entry orders submitted")
}

func (e *Engine) onPlacingOrders(ctx context.Context, expiry time.Time) {
	e.resubmitMissing(ctx, expiry)

	s := e.state
	if s.Call == nil || s.Put == nil {
		return
	}
	if !e.ledger.IsOpen(s.Call) || !e.ledger.IsOpen(s.Put) {
		return
	}
	if s.Vega != nil && !e.ledger.IsOpen(s.Vega) {
		return
	}
	e.setState(StateEntered, "all legs open")
}

func (e *Engine) resubmitMissing(ctx context.Context, expiry time.Time) {
	if len(e.missing) == 0 {
		return
	}
	contracts := SortedSnapshots(e.state.optionData)

	for _, typ := range []models.OptionType{models.OptionCall, models.OptionPut} {
		target, ok := e.missing[typ]
		if !ok {
			continue
		}
		sel, ok := SelectNearestDelta(contracts, typ, target, expiry)
		if !ok || e.symbolInUse(sel.Symbol()) {
			e.logger.Debug().Str("type", typ.String()).Msg("No replacement for missing leg yet")
			continue
		}
		leg, err := e.enterShort(ctx, sel, target)
		if err != nil {
			e.logger.Error().Err(err).Str("symbol", sel.Symbol()).Msg("Failed to resubmit missing leg")
			continue
		}
		delete(e.missing, typ)
		if typ == models.OptionCall {
			e.state.Call = leg
		} else {
			e.state.Put = leg
		}
	}
}

// onEntered runs the per-tick checks in their fixed order: time exit, stop
// loss, delta rebalance, vega management. It reports true when the tick must
// end immediately.
func (e *Engine) onEntered(ctx context.Context, now time.Time, md MarketData, expiry time.Time) bool {
	if e.session.PastExit(now) {
		e.closeAll(ctx, models.ExitReasonTime)
		return true
	}

	pnl, err := e.ledger.PnL(md)
	if err != nil {
		e.logger.Debug().Err(err).Msg("PnL not computable, skipping stop-loss check")
	} else {
		e.state.RunningPnL = pnl.InexactFloat64()
		if e.state.RunningPnL <= -e.cfg.PortfolioStopLoss {
			e.logger.Warn().
				Float64("pnl", e.state.RunningPnL).
				Float64("stop_loss", e.cfg.PortfolioStopLoss).
				Msg("Portfolio stop-loss hit, exiting all positions")
			e.closeAll(ctx, models.ExitReasonStopLoss)
			return true
		}
	}

	callG, okCall := e.state.Greeks(e.state.Call.Symbol)
	putG, okPut := e.state.Greeks(e.state.Put.Symbol)
	if !okCall || !okPut {
		e.logger.Debug().Msg("Greeks missing for open leg, deferring adjustments")
		return false
	}

	profitable := models.OptionPut
	if math.Abs(callG.Delta) > math.Abs(putG.Delta) {
		profitable = models.OptionCall
	}

	if diff := math.Abs(callG.Delta + putG.Delta); diff > e.cfg.DeltaThreshold {
		e.rebalance(ctx, callG, putG, profitable, diff, expiry)
	}

	e.manageVega(ctx, profitable, expiry)
	return false
}

func (e *Engine) rebalance(ctx context.Context, callG, putG models.OptionGreeksSnapshot, profitable models.OptionType, diff float64, expiry time.Time) {
	var (
		lagging  *models.Leg
		lagType  models.OptionType
		target   float64
		laggingG models.OptionGreeksSnapshot
	)
	switch profitable {
	case models.OptionCall:
		lagging, lagType, target, laggingG = e.state.Put, models.OptionPut, callG.Delta, putG
	case models.OptionPut:
		lagging, lagType, target, laggingG = e.state.Call, models.OptionCall, putG.Delta, callG
	}

	sel, ok := SelectNearestDelta(SortedSnapshots(e.state.optionData), lagType, target, expiry)
	if !ok {
		e.logger.Info().
			Err(errors.ErrNoCandidate).
			Str("type", lagType.String()).
			Float64("target", target).
			Msg("No replacement contract, deferring rebalance")
		return
	}
	// The replacement may be the lagging contract itself. It is re-entered
	// once the exit fills since the ledger holds one open leg per symbol.
	sameContract := sel.Symbol() == lagging.Symbol
	if !sameContract && e.symbolInUse(sel.Symbol()) {
		e.logger.Info().
			Str("symbol", sel.Symbol()).
			Msg("Replacement coincides with an open leg, deferring rebalance")
		return
	}

	if err := e.executor.ExitMarket(ctx, lagging); err != nil {
		e.logger.Error().Err(err).Str("symbol", lagging.Symbol).Msg("Failed to exit lagging leg, deferring rebalance")
		return
	}

	e.logger.Info().
		Float64("delta_difference", diff).
		Str("profitable", profitable.String()).
		Str("exit", lagging.Symbol).
		Float64("exit_delta", laggingG.Delta).
		Str("enter", sel.Symbol()).
		Float64("enter_delta", sel.Delta).
		Msg("Rebalancing lagging leg")

	var leg *models.Leg
	if sameContract {
		e.reentry[lagging.ID] = legTarget{typ: lagType, target: math.Abs(target)}
	} else {
		var err error
		leg, err = e.enterShort(ctx, sel, math.Abs(target))
		if err != nil {
			e.logger.Error().Err(err).Str("symbol", sel.Symbol()).Msg("Failed to submit replacement, retrying next tick")
			e.missing[lagType] = math.Abs(target)
		}
	}
	if lagType == models.OptionCall {
		e.state.Call = leg
	} else {
		e.state.Put = leg
	}

	e.state.Adjustments++
	e.setState(StatePlacingOrders, "rebalance")
}

func (e *Engine) manageVega(ctx context.Context, profitable models.OptionType, expiry time.Time) {
	if e.state.Vega != nil || e.state.Adjustments < e.cfg.VegaAdjustmentTrigger {
		return
	}

	sel, ok := SelectNearestDelta(SortedSnapshots(e.state.optionData), profitable.Opposite(), e.cfg.VegaTargetDelta, expiry)
	if !ok {
		e.logger.Debug().Err(errors.ErrNoCandidate).Msg("No vega candidate")
		return
	}
	if e.symbolInUse(sel.Symbol()) {
		e.logger.Info().
			Str("symbol", sel.Symbol()).
			Msg("Vega candidate is already held short, skipping")
		return
	}

	e.logger.Info().
		Int("adjustments", e.state.Adjustments).
		Float64("pnl", e.state.RunningPnL).
		Str("symbol", sel.Symbol()).
		Msg("Managing vega by buying an option")

	leg, err := e.executor.EnterLong(ctx, sel.Symbol(), e.cfg.Quantity)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", sel.Symbol()).Msg("Failed to submit vega leg")
		return
	}
	e.state.Vega = leg
	e.logLegSubmitted("vega", leg, sel.Delta)
}

// symbolInUse reports whether symbol is referenced by a leg or still open in
// the ledger.
func (e *Engine) symbolInUse(symbol string) bool {
	for _, leg := range e.state.Legs() {
		if leg.Symbol == symbol {
			return true
		}
	}
	return e.ledger.IsSymbolOpen(symbol)
}

func (e *Engine) closeAll(ctx context.Context, reason models.ExitReason) {
	e.state.ExitReason = reason
	e.setState(StateExited, string(reason))

	var errs []error
	for _, leg := range e.state.Legs() {
		if !e.ledger.IsOpen(leg) {
			// Entry still in flight, exit once it fills
			e.pendingExit[leg.ID] = true
			continue
		}
		if err := e.executor.ExitMarket(ctx, leg); err != nil {
			errs = append(errs, err)
			e.queueExitRetry(leg)
		}
	}

	e.state.Call, e.state.Put, e.state.Vega = nil, nil, nil
	e.missing = make(map[models.OptionType]float64)
	e.reentry = make(map[string]legTarget)

	if err := errors.Join(errs...); err != nil {
		e.logger.Error().Err(err).Msg("Failed to submit some exits, retrying next tick")
	}
}

func (e *Engine) retryExits(ctx context.Context) {
	if len(e.retryExit) == 0 {
		return
	}
	pending := e.retryExit
	e.retryExit = nil
	for _, leg := range pending {
		if !e.ledger.IsOpen(leg) {
			continue
		}
		if err := e.executor.ExitMarket(ctx, leg); err != nil {
			e.logger.Error().Err(err).Str("symbol", leg.Symbol).Msg("Exit retry failed")
			e.queueExitRetry(leg)
		}
	}
}

func (e *Engine) queueExitRetry(leg *models.Leg) {
	for _, l := range e.retryExit {
		if l.ID == leg.ID {
			return
		}
	}
	e.retryExit = append(e.retryExit, leg.Clone())
}

// OnEntryFilled records an entry fill in the ledger. Ledger invariant
// violations are returned and are fatal.
func (e *Engine) OnEntryFilled(ctx context.Context, leg *models.Leg) error {
	rec, err := e.ledger.RecordEntry(leg)
	if err != nil {
		return err
	}

	delete(e.targets, leg.ID)
	logging.LogFill(logging.WithComponent(e.logger, "ledger"), "entry", leg.Symbol,
		string(rec.Side), rec.Quantity, rec.EntryPrice)
	if g, ok := e.state.Greeks(leg.Symbol); ok {
		e.logger.Debug().Str("symbol", leg.Symbol).Float64("delta", g.Delta).Msg("Option greeks at entry")
	}
	e.saveTrade(ctx, rec)

	switch {
	case e.state.Call != nil && e.state.Call.ID == leg.ID:
		e.state.Call = leg.Clone()
	case e.state.Put != nil && e.state.Put.ID == leg.ID:
		e.state.Put = leg.Clone()
	case e.state.Vega != nil && e.state.Vega.ID == leg.ID:
		e.state.Vega = leg.Clone()
	}

	if e.pendingExit[leg.ID] {
		delete(e.pendingExit, leg.ID)
		if err := e.executor.ExitMarket(ctx, leg); err != nil {
			e.logger.Error().Err(err).Str("symbol", leg.Symbol).Msg("Failed to exit late fill, retrying next tick")
			e.queueExitRetry(leg)
		}
	}
	return nil
}

// OnExitFilled records an exit fill in the ledger. Ledger invariant
// violations are returned and are fatal.
func (e *Engine) OnExitFilled(ctx context.Context, leg *models.Leg) error {
	rec, err := e.ledger.RecordExit(leg)
	if err != nil {
		return err
	}

	var price float64
	if rec.ExitPrice != nil {
		price = *rec.ExitPrice
	}
	logging.LogFill(logging.WithComponent(e.logger, "ledger"), "exit", leg.Symbol,
		string(leg.Side.ExitSide()), rec.Quantity, price)
	e.saveTrade(ctx, rec)

	if t, ok := e.reentry[leg.ID]; ok {
		delete(e.reentry, leg.ID)
		e.reenter(ctx, leg.Symbol, t)
	}
	return nil
}

func (e *Engine) reenter(ctx context.Context, symbol string, t legTarget) {
	g, ok := e.state.Greeks(symbol)
	if !ok {
		g = models.OptionGreeksSnapshot{Contract: models.OptionContract{Symbol: symbol, Type: t.typ}}
	}
	leg, err := e.enterShort(ctx, g, t.target)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to re-enter rebalanced contract, retrying next tick")
		e.missing[t.typ] = t.target
		return
	}
	if t.typ == models.OptionCall {
		e.state.Call = leg
	} else {
		e.state.Put = leg
	}
}

// OnEntryRejected handles an entry order that will never fill. Short legs
// are re-selected on the next tick and a rejected vega leg is retried by
// vega management.
func (e *Engine) OnEntryRejected(ctx context.Context, leg *models.Leg, reason string) error {
	if e.ledger.IsOpen(leg) {
		return errors.NewInvariantError("entry rejected", leg.Symbol, "leg is already open")
	}
	t, tracked := e.targets[leg.ID]
	delete(e.targets, leg.ID)

	log := logging.WithSymbol(e.logger, leg.Symbol)
	log.Warn().Str("leg_id", leg.ID).Str("reason", reason).Msg("Entry order rejected")

	if e.pendingExit[leg.ID] {
		delete(e.pendingExit, leg.ID)
		return nil
	}

	switch {
	case e.state.Call != nil && e.state.Call.ID == leg.ID:
		e.state.Call = nil
		if tracked {
			e.missing[models.OptionCall] = t.target
		}
	case e.state.Put != nil && e.state.Put.ID == leg.ID:
		e.state.Put = nil
		if tracked {
			e.missing[models.OptionPut] = t.target
		}
	case e.state.Vega != nil && e.state.Vega.ID == leg.ID:
		e.state.Vega = nil
	}
	return nil
}

// OnExitRejected handles an exit order that will never fill. The leg is
// still open, so its exit is submitted again on the next tick.
func (e *Engine) OnExitRejected(ctx context.Context, leg *models.Leg, reason string) error {
	log := logging.WithSymbol(e.logger, leg.Symbol)
	if !e.ledger.IsOpen(leg) {
		log.Warn().Str("leg_id", leg.ID).Str("reason", reason).Msg("Exit rejected for a leg that is not open, ignoring")
		return nil
	}
	log.Warn().Str("leg_id", leg.ID).Str("reason", reason).Msg("Exit order rejected, retrying next tick")
	e.queueExitRetry(leg)
	return nil
}

// ResetIfDone starts a fresh session once the exit time has passed, the
// hedge is EXITED and every leg is confirmed closed. It reports whether a
// reset happened.
func (e *Engine) ResetIfDone(now time.Time) bool {
	if !e.session.PastExit(now) || e.state.State != StateExited {
		return false
	}
	if e.ledger.OpenCount() > 0 || len(e.pendingExit) > 0 || len(e.retryExit) > 0 {
		return false
	}

	// No open legs, so no mark prices are needed
	pnl, err := e.ledger.PnL(PriceMap{})
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to compute session PnL")
	}

	summary := models.SessionSummary{
		Date:        e.ledger.SessionDate(),
		PnL:         pnl.InexactFloat64(),
		Adjustments: e.state.Adjustments,
		Trades:      len(e.ledger.Trades()),
		ExitReason:  e.state.ExitReason,
		ClosedAt:    now,
	}
	logging.LogSession(e.logger, summary.Date, summary.PnL, summary.Adjustments, summary.Trades, string(summary.ExitReason))

	if e.sink != nil {
		if err := e.sink.SaveSession(context.Background(), summary); err != nil {
			e.logger.Error().Err(err).Msg("Failed to save session summary")
		}
	}

	e.state = NewSessionState()
	e.ledger = NewLedger(e.session.SessionDate(now))
	e.missing = make(map[models.OptionType]float64)
	e.targets = make(map[string]legTarget)
	e.reentry = make(map[string]legTarget)
	logging.LogStateChange(e.logger, StateExited.String(), StateLive.String(), "session reset")
	return true
}

func (e *Engine) setState(to HedgeState, reason string) {
	from := e.state.State
	e.state.State = to
	if from != to {
		logging.LogStateChange(e.logger, from.String(), to.String(), reason)
	}
}

func (e *Engine) saveTrade(ctx context.Context, rec models.TradeRecord) {
	if e.sink == nil {
		return
	}
	if err := e.sink.SaveTrade(ctx, rec); err != nil {
		e.logger.Error().Err(err).Str("trade_id", rec.ID).Msg("Failed to save trade")
	}
}

// enterShort submits a short entry for sel and remembers its target so a
// rejected entry can be re-selected.
func (e *Engine) enterShort(ctx context.Context, sel models.OptionGreeksSnapshot, target float64) (*models.Leg, error) {
	leg, err := e.executor.EnterShort(ctx, sel.Symbol(), e.cfg.Quantity)
	if err != nil {
		return nil, err
	}
	typ := sel.Contract.Type
	e.targets[leg.ID] = legTarget{typ: typ, target: target}
	e.logLegSubmitted(typ.String(), leg, sel.Delta)
	return leg, nil
}

func (e *Engine) logLegSubmitted(role string, leg *models.Leg, delta float64) {
	log := logging.WithLeg(e.logger, role, leg.ID, leg.Symbol)
	log.Info().
		Str("side", string(leg.Side)).
		Int("quantity", leg.Quantity).
		Float64("delta", delta).
		Msg("Order submitted")
}
