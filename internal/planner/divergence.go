package planner

import (
	"github.com/shopspring/decimal"

	"dexmm/internal/core"
	"dexmm/internal/grid"
)

// sideSlots collects the indices of the slots with the given role, in
// ascending slot-index order.
func sideSlots(wg *grid.WorkingGrid, role core.Role) []int {
	var out []int
	for i := 0; i < wg.Len(); i++ {
		o, _ := wg.Slot(i)
		if o.Role == role {
			out = append(out, i)
		}
	}
	return out
}

// idealSizes computes the geometric-ideal size for every slot of one role
// given its side's budget, independent of current on-chain state.
func idealSizes(wg *grid.WorkingGrid, role core.Role, params Params) (indices []int, ideal []decimal.Decimal) {
	indices = sideSlots(wg, role)
	side := roleSide(role)
	sizes, _ := allocateSizes(params.budget(side), len(indices), params.weightDistribution(side), 18, params.minEconomicSize(side))
	// allocateSizes orders weights edge → center; SELL indices ascend from
	// the center outward, so their sizes are reversed to line up.
	if role == core.RoleSell {
		for i, j := 0, len(sizes)-1; i < j; i, j = i+1, j-1 {
			sizes[i], sizes[j] = sizes[j], sizes[i]
		}
	}
	return indices, sizes
}

// planDivergence compares geometric-ideal sizes against current slot sizes
// per side; if the RMS of the relative error exceeds
// divergenceThresholdPercent, resizes each slot toward ideal, pairing
// changes that clear the double-dust floor into CANCEL+CREATE rotations
// (plain Updates otherwise).
func planDivergence(wg *grid.WorkingGrid, params Params) (Result, error) {
	res := Result{}

	for _, role := range []core.Role{core.RoleBuy, core.RoleSell} {
		indices, ideal := idealSizes(wg, role, params)
		if len(indices) == 0 {
			continue
		}

		current := make([]decimal.Decimal, len(indices))
		for i, idx := range indices {
			o, _ := wg.Slot(idx)
			current[i] = o.Size
		}

		deviation := rms(ideal, current)
		threshold := params.DivergenceThresholdPercent.Div(decimal.NewFromInt(100))
		if deviation.LessThanOrEqual(threshold) {
			continue
		}

		side := roleSide(role)
		minSize := params.minEconomicSize(side)

		for i, idx := range indices {
			o, _ := wg.Slot(idx)
			if o.State == core.StateVirtual {
				continue // resize only applies to live orders; VIRTUAL slots are sized at activation time
			}
			delta := ideal[i].Sub(o.Size)
			if delta.IsZero() {
				continue
			}

			newSize := ideal[i]

			if isDoubleDust(delta, minSize) {
				// Below the double-dust floor: a plain in-place Update, no
				// rotation churn for a marginal resize.
				res.Plan.Actions = append(res.Plan.Actions, core.Action{
					Kind:         core.ActionUpdate,
					Slot:         idx,
					ChainOrderID: o.ChainOrderID,
					Price:        o.Price,
					Size:         newSize,
					Side:         side,
					Reason:       "divergence-resize",
				})
			} else {
				// Size change clears the double-dust floor: pair into a
				// same-slot CANCEL+CREATE rotation for cleaner fund
				// accounting than an in-place resize.
				res.Plan.Actions = append(res.Plan.Actions, core.Action{
					Kind:         core.ActionRotate,
					Slot:         idx,
					ChainOrderID: o.ChainOrderID,
					DstSlot:      idx,
					Price:        o.Price,
					Size:         newSize,
					Side:         side,
					Reason:       "divergence-resize",
				})
			}
			_ = wg.Update(idx, func(o core.Order) core.Order {
				o.Size = newSize
				return o
			})
		}
	}

	return res, nil
}
