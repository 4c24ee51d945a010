package trading

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"delta-hedger/internal/models"
)

// SelectNearestDelta returns the contract of type typ expiring on expiry whose
// delta is closest to the target. Calls are measured against +|target| and
// puts against -|target|. Ties keep the first candidate in input order.
// Distances are exact decimals so quotes like 0.1 and 0.3 are equidistant
// from 0.2.
func SelectNearestDelta(contracts []models.OptionGreeksSnapshot, typ models.OptionType, targetAbsDelta float64, expiry time.Time) (models.OptionGreeksSnapshot, bool) {
	target := decimal.NewFromFloat(math.Abs(targetAbsDelta))

	var (
		best     models.OptionGreeksSnapshot
		bestDist decimal.Decimal
		found    bool
	)
	for _, c := range contracts {
		if c.Contract.Type != typ || !models.SameDay(c.Contract.Expiry, expiry) {
			continue
		}
		d, ok := deltaDistance(c, target)
		if !ok {
			continue
		}
		if !found || d.LessThan(bestDist) {
			best, bestDist, found = c, d, true
		}
	}
	return best, found
}

func deltaDistance(c models.OptionGreeksSnapshot, target decimal.Decimal) (decimal.Decimal, bool) {
	if math.IsNaN(c.Delta) || math.IsInf(c.Delta, 0) {
		return decimal.Zero, false
	}
	delta := decimal.NewFromFloat(c.Delta)
	switch c.Contract.Type {
	case models.OptionCall:
		return delta.Sub(target).Abs(), true
	case models.OptionPut:
		return delta.Add(target).Abs(), true
	default:
		return decimal.Zero, false
	}
}

// SortedSnapshots returns the snapshots of m ordered by symbol.
func SortedSnapshots(m map[string]models.OptionGreeksSnapshot) []models.OptionGreeksSnapshot {
	out := make([]models.OptionGreeksSnapshot, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Symbol() < out[j].Symbol()
	})
	return out
}
