package models

import "time"

// Order represents a trading order.
type Order struct {
	ID           string
	Symbol       string
	Exchange     Exchange
	Side         OrderSide
	Type         OrderType
	Product      ProductType
	Quantity     int
	Price        float64
	Validity     string // DAY, IOC
	Tag          string
	Status       string
	FilledQty    int
	AveragePrice float64
	PlacedAt     time.Time
	FilledAt     time.Time
}

// Order statuses as reported by Kite Connect.
const (
	OrderStatusOpen      = "OPEN"
	OrderStatusComplete  = "COMPLETE"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRejected  = "REJECTED"
)

// PositionSide is the direction of a hedge leg.
type PositionSide string

const (
	PositionShort PositionSide = "SHORT"
	PositionLong  PositionSide = "LONG"
)

// EntrySide returns the order side that opens a position of this side.
func (s PositionSide) EntrySide() OrderSide {
	if s == PositionLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitSide returns the order side that closes a position of this side.
func (s PositionSide) ExitSide() OrderSide {
	if s == PositionLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Leg is one option position of the hedge.
type Leg struct {
	ID         string
	Symbol     string
	Side       PositionSide
	Quantity   int
	EntryOrder *Order
	ExitOrder  *Order
}

// IsShort reports whether the leg is a short position.
func (l *Leg) IsShort() bool {
	return l.Side == PositionShort
}

// Clone returns a deep copy of the leg and its orders.
func (l *Leg) Clone() *Leg {
	if l == nil {
		return nil
	}
	c := *l
	if l.EntryOrder != nil {
		o := *l.EntryOrder
		c.EntryOrder = &o
	}
	if l.ExitOrder != nil {
		o := *l.ExitOrder
		c.ExitOrder = &o
	}
	return &c
}

// ClosedPosition pairs the entry and exit order of a closed leg.
type ClosedPosition struct {
	Entry *Order
	Exit  *Order
}
