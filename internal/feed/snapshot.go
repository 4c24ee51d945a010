// Package feed receives price and greeks snapshots from an external provider.
package feed

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"delta-hedger/internal/errors"
	"delta-hedger/internal/models"
)

// OptionFrame is one option of a snapshot frame.
type OptionFrame struct {
	Symbol string  `json:"symbol"`
	Type   string  `json:"type"`   // CE, PE
	Expiry string  `json:"expiry"` // YYYY-MM-DD
	Strike float64 `json:"strike"`
	Delta  float64 `json:"delta"`
}

// Frame is the wire format of one snapshot. Prices may be partial; symbols
// missing from a frame keep their last known price.
type Frame struct {
	Time    time.Time          `json:"time"`
	Prices  map[string]float64 `json:"prices"`
	Options []OptionFrame      `json:"options"`
}

// DecodeFrame parses a JSON frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.NewDataError("frame", "", "malformed snapshot frame", err)
	}
	if f.Time.IsZero() {
		return Frame{}, errors.NewDataError("frame", "", "snapshot frame without time", errors.ErrDataUnavailable)
	}
	return f, nil
}

// Snapshot is an immutable view of the market at one tick.
type Snapshot struct {
	at     time.Time
	prices map[string]float64
	greeks map[string]models.OptionGreeksSnapshot
}

// NewSnapshot creates a snapshot. The maps are owned by the snapshot.
func NewSnapshot(at time.Time, prices map[string]float64, greeks map[string]models.OptionGreeksSnapshot) *Snapshot {
	if prices == nil {
		prices = map[string]float64{}
	}
	if greeks == nil {
		greeks = map[string]models.OptionGreeksSnapshot{}
	}
	return &Snapshot{at: at, prices: prices, greeks: greeks}
}

// Time returns the tick timestamp.
func (s *Snapshot) Time() time.Time {
	return s.at
}

// LastPrice returns the latest known price of symbol.
func (s *Snapshot) LastPrice(symbol string) (float64, bool) {
	p, ok := s.prices[symbol]
	return p, ok
}

// OptionGreeks returns the greeks of this tick. Callers must not modify it.
func (s *Snapshot) OptionGreeks() map[string]models.OptionGreeksSnapshot {
	return s.greeks
}

// PriceBook keeps the latest price of every symbol seen on the feed.
type PriceBook struct {
	mu       sync.RWMutex
	location *time.Location
	prices   map[string]float64
	at       time.Time
}

// NewPriceBook creates an empty price book. Option expiries are interpreted
// in loc.
func NewPriceBook(loc *time.Location) *PriceBook {
	if loc == nil {
		loc = time.UTC
	}
	return &PriceBook{location: loc, prices: make(map[string]float64)}
}

// Apply merges a frame into the book and returns the snapshot for it.
// Options with an unknown type or expiry are skipped.
func (b *PriceBook) Apply(f Frame) (*Snapshot, []error) {
	var errs []error
	greeks := make(map[string]models.OptionGreeksSnapshot, len(f.Options))
	for _, o := range f.Options {
		g, err := b.parseOption(o)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		greeks[o.Symbol] = g
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sym, p := range f.Prices {
		b.prices[sym] = p
	}
	if f.Time.After(b.at) {
		b.at = f.Time
	}

	prices := make(map[string]float64, len(b.prices))
	for sym, p := range b.prices {
		prices[sym] = p
	}
	return NewSnapshot(f.Time, prices, greeks), errs
}

func (b *PriceBook) parseOption(o OptionFrame) (models.OptionGreeksSnapshot, error) {
	if o.Symbol == "" {
		return models.OptionGreeksSnapshot{}, fmt.Errorf("option without symbol")
	}
	typ, err := models.ParseOptionType(o.Type)
	if err != nil {
		return models.OptionGreeksSnapshot{}, fmt.Errorf("option %s: %w", o.Symbol, err)
	}
	expiry, err := time.ParseInLocation("2006-01-02", o.Expiry, b.location)
	if err != nil {
		return models.OptionGreeksSnapshot{}, fmt.Errorf("option %s: invalid expiry %q: %w", o.Symbol, o.Expiry, err)
	}
	return models.OptionGreeksSnapshot{
		Contract: models.OptionContract{
			Symbol: o.Symbol,
			Type:   typ,
			Expiry: expiry,
			Strike: o.Strike,
		},
		Delta: o.Delta,
	}, nil
}

// LastPrice returns the latest price of symbol.
func (b *PriceBook) LastPrice(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[symbol]
	return p, ok
}

// Time returns the timestamp of the newest frame applied, or the current
// time before any frame arrived.
func (b *PriceBook) Time() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.at.IsZero() {
		return time.Now()
	}
	return b.at
}
