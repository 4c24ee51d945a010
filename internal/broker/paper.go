package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"delta-hedger/internal/errors"
	"delta-hedger/internal/logging"
	"delta-hedger/internal/models"
	"delta-hedger/internal/trading"
)

// PaperExecutor simulates market orders. Orders fill in submission order at
// the last traded price, on a background loop started by Run.
type PaperExecutor struct {
	prices   trading.PriceLookup
	clock    func() time.Time
	latency  time.Duration
	defaults OrderDefaults
	fills    chan<- FillEvent
	queue    chan paperOrder
	logger   zerolog.Logger

	orders map[string]*models.Order
	mu     sync.RWMutex
}

type paperOrder struct {
	kind FillKind
	leg  *models.Leg
}

// PaperConfig holds configuration for the paper executor.
type PaperConfig struct {
	// Prices supplies fill prices.
	Prices trading.PriceLookup
	// Clock stamps fills. Defaults to time.Now.
	Clock func() time.Time
	// Latency delays every fill.
	Latency   time.Duration
	Defaults  OrderDefaults
	QueueSize int
}

// NewPaperExecutor creates a paper executor that reports fills on fills.
func NewPaperExecutor(cfg PaperConfig, fills chan<- FillEvent, logger zerolog.Logger) *PaperExecutor {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	defaults := cfg.Defaults
	if defaults.Exchange == "" {
		defaults = DefaultOrderDefaults()
	}

	return &PaperExecutor{
		prices:   cfg.Prices,
		clock:    clock,
		latency:  cfg.Latency,
		defaults: defaults,
		fills:    fills,
		queue:    make(chan paperOrder, queueSize),
		logger:   logging.WithComponent(logger, "paper"),
		orders:   make(map[string]*models.Order),
	}
}

// EnterShort submits a simulated sell-to-open order.
func (p *PaperExecutor) EnterShort(ctx context.Context, symbol string, qty int) (*models.Leg, error) {
	return p.enter(ctx, symbol, qty, models.PositionShort)
}

// EnterLong submits a simulated buy-to-open order.
func (p *PaperExecutor) EnterLong(ctx context.Context, symbol string, qty int) (*models.Leg, error) {
	return p.enter(ctx, symbol, qty, models.PositionLong)
}

func (p *PaperExecutor) enter(ctx context.Context, symbol string, qty int, side models.PositionSide) (*models.Leg, error) {
	if qty <= 0 {
		return nil, errors.NewOrderError("", symbol, "enter", "quantity must be positive", errors.ErrOrderRejected)
	}

	leg := newLeg(symbol, side, qty, p.defaults)
	p.place(leg.EntryOrder)

	if err := p.enqueue(ctx, paperOrder{kind: FillEntry, leg: leg.Clone()}); err != nil {
		return nil, err
	}
	return leg, nil
}

// ExitMarket submits a simulated closing order for leg.
func (p *PaperExecutor) ExitMarket(ctx context.Context, leg *models.Leg) error {
	if leg == nil {
		return errors.NewOrderError("", "", "exit", "nil leg", errors.ErrOrderRejected)
	}

	closing := leg.Clone()
	closing.ExitOrder = exitOrder(leg, p.defaults)
	p.place(closing.ExitOrder)

	return p.enqueue(ctx, paperOrder{kind: FillExit, leg: closing})
}

func (p *PaperExecutor) place(order *models.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order.ID = "PAPER_" + uuid.NewString()
	order.PlacedAt = p.clock()
	stored := *order
	p.orders[order.ID] = &stored
}

func (p *PaperExecutor) enqueue(ctx context.Context, o paperOrder) error {
	select {
	case p.queue <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.NewOrderError(orderOf(o).ID, o.leg.Symbol, o.kind.String(), "paper order queue full", errors.ErrOrderRejected)
	}
}

// Run fills queued orders until ctx is done.
func (p *PaperExecutor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-p.queue:
			if p.latency > 0 {
				timer := time.NewTimer(p.latency)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
			ev := FillEvent{Kind: o.kind, Leg: o.leg}
			if err := p.fill(o); err != nil {
				p.logger.Error().Err(err).Str("symbol", o.leg.Symbol).Msg("Paper order not filled")
				ev.Rejected, ev.Reason = true, err.Error()
			}
			if err := sendFill(ctx, p.fills, ev); err != nil {
				return err
			}
		}
	}
}

func (p *PaperExecutor) fill(o paperOrder) error {
	order := orderOf(o)

	price, ok := p.prices.LastPrice(o.leg.Symbol)
	if !ok || price <= 0 {
		order.Status = models.OrderStatusRejected
		p.setStatus(order.ID, models.OrderStatusRejected)
		return errors.NewDataError("price", o.leg.Symbol, fmt.Sprintf("no price to fill %s order", o.kind), errors.ErrDataUnavailable)
	}

	order.Status = models.OrderStatusComplete
	order.FilledQty = order.Quantity
	order.AveragePrice = price
	order.FilledAt = p.clock()

	p.mu.Lock()
	stored := *order
	p.orders[order.ID] = &stored
	p.mu.Unlock()

	logging.LogOrder(p.logger, order.ID, order.Symbol, string(order.Side), order.Status)
	return nil
}

func (p *PaperExecutor) setStatus(orderID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderID]; ok {
		o.Status = status
	}
}

// GetOrder returns a copy of a simulated order.
func (p *PaperExecutor) GetOrder(orderID string) (models.Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.orders[orderID]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

func orderOf(o paperOrder) *models.Order {
	if o.kind == FillExit {
		return o.leg.ExitOrder
	}
	return o.leg.EntryOrder
}

var _ Runner = (*PaperExecutor)(nil)
