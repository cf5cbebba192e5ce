package planner

import (
	"github.com/shopspring/decimal"

	"dexmm/internal/core"
	"dexmm/internal/grid"
)

// BoundaryInputs carries the free-balance ratio inputs a boundary sync
// check needs; the worker resolves these from the Ledger before invoking
// the planner, since the planner itself never reads the Ledger.
type BoundaryInputs struct {
	BuyFree  decimal.Decimal
	SellFree decimal.Decimal
}

// planBoundarySyncWithInputs shifts boundaryIdx by at most one slot toward
// the heavier side when the buy share of free balance differs from a fixed
// 50/50 split by more than one step, clamped to never cross an existing
// ACTIVE or PARTIAL order. The configured weightDistribution does not enter
// this comparison.
func planBoundarySyncWithInputs(wg *grid.WorkingGrid, params Params, in BoundaryInputs) (Result, error) {
	res := Result{}

	total := in.BuyFree.Add(in.SellFree)
	if total.IsZero() {
		return res, nil
	}
	buyShare := in.BuyFree.Div(total)

	// A step is one slot's worth of the grid's share of 1.0.
	step := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(wg.Len())))

	targetShare := decimal.NewFromFloat(0.5) // neutral target; weightDistribution biases sizing, not the boundary's balance target
	diff := buyShare.Sub(targetShare)
	if diff.Abs().LessThanOrEqual(step) {
		return res, nil
	}

	direction := 1 // buy overweight in free funds relative to a 50/50 target: grow BUY side, shift boundary up
	if diff.IsNegative() {
		direction = -1
	}

	current := wg.BoundaryIdx()
	newBoundary := current + direction
	if newBoundary < 0 || newBoundary > wg.Len() {
		return res, nil
	}

	// Clamp: never move the boundary through a non-empty (ACTIVE/PARTIAL)
	// slot.
	if direction > 0 {
		o, _ := wg.Slot(current)
		if o.State != core.StateVirtual {
			return res, nil
		}
	} else {
		o, _ := wg.Slot(newBoundary)
		if o.State != core.StateVirtual {
			return res, nil
		}
	}

	wg.SetPendingBoundary(newBoundary)
	return res, nil
}

// planBoundarySync is the zero-input entry point used by the generic event
// dispatcher; boundary sync without resolved free-balance inputs is a
// no-op, since the worker is expected to call PlanBoundarySync directly
// once it has read the Ledger.
func planBoundarySync(wg *grid.WorkingGrid, params Params) (Result, error) {
	return Result{}, nil
}

// PlanBoundarySync is the exported entry point the worker calls once it has
// resolved BoundaryInputs from the Ledger.
func PlanBoundarySync(wg *grid.WorkingGrid, params Params, in BoundaryInputs) (Result, error) {
	return planBoundarySyncWithInputs(wg, params, in)
}
