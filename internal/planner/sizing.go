package planner

import (
	"math"

	"github.com/shopspring/decimal"
)

// geometricWeights returns n normalized weights w_i = ratio^i, i=0..n-1,
// summing to 1. ratio is derived from the configured weightDistribution bias
// (see weightRatio): ratio > 1 favors later (center-ward) indices, ratio < 1
// favors earlier (edge-ward) indices, ratio == 1 is a flat split.
func geometricWeights(n int, ratio decimal.Decimal) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	raw := make([]decimal.Decimal, n)
	sum := decimal.Zero
	w := decimal.NewFromInt(1)
	for i := 0; i < n; i++ {
		raw[i] = w
		sum = sum.Add(w)
		w = w.Mul(ratio)
	}
	out := make([]decimal.Decimal, n)
	for i, v := range raw {
		out[i] = v.Div(sum)
	}
	return out
}

// weightRatio maps a configured weightDistribution value in [-1, 2] to a
// geometric ratio: 0 is neutral (flat, ratio=1), negative biases weight
// toward the first (edge) slots, positive biases weight toward the later
// (center) slots.
func weightRatio(weightDistribution decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Add(weightDistribution.Mul(decimal.NewFromFloat(0.25)))
}

// allocateSizes distributes budget across n active slots by geometric
// weight, quantizes each to precision base units via round-half-to-even,
// and returns the per-slot sizes plus the unallocated remainder (from
// quantization and from slots below minEconomicSize, which are zeroed) to
// be folded into cacheFunds.
func allocateSizes(budget decimal.Decimal, n int, weightDistribution decimal.Decimal, precision int, minEconomicSize decimal.Decimal) (sizes []decimal.Decimal, remainder decimal.Decimal) {
	if n <= 0 || budget.LessThanOrEqual(decimal.Zero) {
		return make([]decimal.Decimal, n), budget
	}

	ratio := weightRatio(weightDistribution)
	weights := geometricWeights(n, ratio)

	sizes = make([]decimal.Decimal, n)
	allocated := decimal.Zero
	for i, w := range weights {
		raw := budget.Mul(w)
		q := raw.RoundBank(int32(precision))
		if q.LessThan(minEconomicSize) {
			q = decimal.Zero
		}
		sizes[i] = q
		allocated = allocated.Add(q)
	}

	remainder = budget.Sub(allocated)
	if remainder.IsNegative() {
		remainder = decimal.Zero
	}
	return sizes, remainder
}

// isDoubleDust reports whether a proposed size change is too small to be
// worth a CANCEL+CREATE rotation: the "double-dust floor" of 2x the
// minimum economic size.
func isDoubleDust(delta, minEconomicSize decimal.Decimal) bool {
	return delta.Abs().LessThan(minEconomicSize.Mul(decimal.NewFromInt(2)))
}

// rms computes the root-mean-square of (ideal-current)/ideal across a set
// of slots, skipping slots whose ideal size is zero (inactive/virtual by
// design, not a divergence signal).
func rms(ideal, current []decimal.Decimal) decimal.Decimal {
	if len(ideal) == 0 {
		return decimal.Zero
	}
	sumSq := decimal.Zero
	count := 0
	for i := range ideal {
		if ideal[i].IsZero() {
			continue
		}
		ratio := ideal[i].Sub(current[i]).Div(ideal[i])
		sumSq = sumSq.Add(ratio.Mul(ratio))
		count++
	}
	if count == 0 {
		return decimal.Zero
	}
	meanSq := sumSq.Div(decimal.NewFromInt(int64(count)))
	// RMS feeds a threshold comparison only (never fund accounting), so the
	// float64 round-trip through math.Sqrt is precise enough here.
	f, _ := meanSq.Float64()
	return decimal.NewFromFloat(math.Sqrt(f))
}
