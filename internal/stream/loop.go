// Package stream drives the hedge engine from the market feed and broker fills.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"delta-hedger/internal/broker"
	"delta-hedger/internal/errors"
	"delta-hedger/internal/feed"
	"delta-hedger/internal/logging"
	"delta-hedger/internal/trading"
	"delta-hedger/pkg/utils"
)

// LoopConfig holds configuration for the event loop.
type LoopConfig struct {
	// StatusInterval is how often the hedge status is logged. Zero disables it.
	StatusInterval time.Duration
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{StatusInterval: time.Minute}
}

// LoopMetrics holds counters of processed events.
type LoopMetrics struct {
	Ticks       uint64
	EntryFills  uint64
	ExitFills   uint64
	Rejections  uint64
	FatalErrors uint64
}

// Loop is the only goroutine that touches the engine. Pending fills are
// always applied before the next snapshot.
type Loop struct {
	config    LoopConfig
	engine    *trading.Engine
	snapshots <-chan *feed.Snapshot
	fills     <-chan broker.FillEvent
	logger    zerolog.Logger

	// Metrics
	ticks       uint64
	entryFills  uint64
	exitFills   uint64
	rejections  uint64
	fatalErrors uint64
	metricsMu   sync.RWMutex
}

// NewLoop creates an event loop for engine.
func NewLoop(config LoopConfig, engine *trading.Engine, snapshots <-chan *feed.Snapshot, fills <-chan broker.FillEvent, logger zerolog.Logger) *Loop {
	return &Loop{
		config:    config,
		engine:    engine,
		snapshots: snapshots,
		fills:     fills,
		logger:    logging.WithComponent(logger, "loop"),
	}
}

// Run processes events until ctx is cancelled or the engine reports a fatal
// error.
func (l *Loop) Run(ctx context.Context) error {
	var status <-chan time.Time
	if l.config.StatusInterval > 0 {
		t := time.NewTicker(l.config.StatusInterval)
		defer t.Stop()
		status = t.C
	}

	for {
		// Fills first
		select {
		case ev := <-l.fills:
			if err := l.handleFill(ctx, ev); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.fills:
			if err := l.handleFill(ctx, ev); err != nil {
				return err
			}
		case snap, ok := <-l.snapshots:
			if !ok {
				return nil
			}
			if err := l.handleTick(ctx, snap); err != nil {
				return err
			}
		case <-status:
			l.logStatus()
		}
	}
}

func (l *Loop) handleTick(ctx context.Context, snap *feed.Snapshot) error {
	l.metricsMu.Lock()
	l.ticks++
	l.metricsMu.Unlock()

	if err := l.engine.OnTick(ctx, snap, snap); err != nil {
		return l.fatal(err)
	}
	return nil
}

func (l *Loop) handleFill(ctx context.Context, ev broker.FillEvent) error {
	if ev.Rejected {
		return l.handleRejection(ctx, ev)
	}

	var err error
	switch ev.Kind {
	case broker.FillEntry:
		err = l.engine.OnEntryFilled(ctx, ev.Leg)
		l.metricsMu.Lock()
		l.entryFills++
		l.metricsMu.Unlock()
	case broker.FillExit:
		err = l.engine.OnExitFilled(ctx, ev.Leg)
		l.metricsMu.Lock()
		l.exitFills++
		l.metricsMu.Unlock()
	}
	if err == nil {
		return nil
	}
	if errors.IsFatal(err) {
		return l.fatal(err)
	}
	l.logger.Error().Err(err).Str("kind", ev.Kind.String()).Msg("Failed to apply fill")
	return nil
}

func (l *Loop) handleRejection(ctx context.Context, ev broker.FillEvent) error {
	l.metricsMu.Lock()
	l.rejections++
	l.metricsMu.Unlock()

	var err error
	switch ev.Kind {
	case broker.FillEntry:
		err = l.engine.OnEntryRejected(ctx, ev.Leg, ev.Reason)
	case broker.FillExit:
		err = l.engine.OnExitRejected(ctx, ev.Leg, ev.Reason)
	}
	if err != nil {
		return l.fatal(err)
	}
	return nil
}

func (l *Loop) fatal(err error) error {
	l.metricsMu.Lock()
	l.fatalErrors++
	l.metricsMu.Unlock()
	l.logger.Error().Err(err).Msg("Stopping hedge engine")
	return err
}

func (l *Loop) logStatus() {
	s := l.engine.Session()
	l.logger.Info().
		Str("state", s.State.String()).
		Int("open_legs", l.engine.Ledger().OpenCount()).
		Int("adjustments", s.Adjustments).
		Str("pnl", utils.FormatPnL(s.RunningPnL)).
		Str("net_delta", utils.FormatDelta(l.engine.NetDelta())).
		Msg("Hedge status")
}

// GetMetrics returns the current counters.
func (l *Loop) GetMetrics() LoopMetrics {
	l.metricsMu.RLock()
	defer l.metricsMu.RUnlock()
	return LoopMetrics{
		Ticks:       l.ticks,
		EntryFills:  l.entryFills,
		ExitFills:   l.exitFills,
		Rejections:  l.rejections,
		FatalErrors: l.fatalErrors,
	}
}
