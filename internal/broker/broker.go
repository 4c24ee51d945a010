// Package broker provides order executors for the hedge engine.
package broker

import (
	"context"

	"github.com/google/uuid"

	"delta-hedger/internal/models"
	"delta-hedger/internal/trading"
)

// FillKind tells whether a fill opened or closed a leg.
type FillKind int

const (
	FillEntry FillKind = iota
	FillExit
)

func (k FillKind) String() string {
	switch k {
	case FillEntry:
		return "entry"
	case FillExit:
		return "exit"
	default:
		return "unknown"
	}
}

// FillEvent reports a completed order. Leg carries the filled entry order,
// and the filled exit order for exits. A Rejected event means the order was
// accepted but will never fill (rejected, cancelled or timed out), and Reason
// says why.
type FillEvent struct {
	Kind     FillKind
	Leg      *models.Leg
	Rejected bool
	Reason   string
}

// OrderDefaults holds the routing fields shared by every order.
type OrderDefaults struct {
	Exchange models.Exchange
	Product  models.ProductType
	Tag      string
}

// DefaultOrderDefaults returns NFO intraday routing.
func DefaultOrderDefaults() OrderDefaults {
	return OrderDefaults{
		Exchange: models.NFO,
		Product:  models.ProductMIS,
		Tag:      "hedger",
	}
}

// Runner is an executor that delivers fills from a background loop.
type Runner interface {
	trading.Executor
	Run(ctx context.Context) error
}

func newLeg(symbol string, side models.PositionSide, qty int, d OrderDefaults) *models.Leg {
	return &models.Leg{
		ID:       uuid.NewString(),
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		EntryOrder: &models.Order{
			Symbol:   symbol,
			Exchange: d.Exchange,
			Side:     side.EntrySide(),
			Type:     models.OrderTypeMarket,
			Product:  d.Product,
			Quantity: qty,
			Validity: "DAY",
			Tag:      d.Tag,
			Status:   models.OrderStatusOpen,
		},
	}
}

func exitOrder(leg *models.Leg, d OrderDefaults) *models.Order {
	return &models.Order{
		Symbol:   leg.Symbol,
		Exchange: d.Exchange,
		Side:     leg.Side.ExitSide(),
		Type:     models.OrderTypeMarket,
		Product:  d.Product,
		Quantity: leg.Quantity,
		Validity: "DAY",
		Tag:      d.Tag,
		Status:   models.OrderStatusOpen,
	}
}

func sendFill(ctx context.Context, out chan<- FillEvent, ev FillEvent) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
