package planner

import (
	"github.com/shopspring/decimal"

	"dexmm/internal/core"
	"dexmm/internal/grid"
)

// planFills processes at most params.MaxFillsPerRebalance fills (the
// per-cycle fill reaction cap): fills beyond the cap get no planning
// reaction in this call, and nothing keeps them for a later cycle (the
// worker has already credited them to the Ledger). Within the cap, each
// fill either:
//   - marks a substantial partial in place,
//   - merges a dust partial into an adjacent same-role slot, or
//   - rotates a fully-consumed order to a replacement on the opposite side.
func planFills(fills []core.FillEvent, wg *grid.WorkingGrid, params Params) (Result, error) {
	res := Result{}
	cap := params.MaxFillsPerRebalance
	if cap <= 0 {
		cap = len(fills)
	}

	for i, f := range fills {
		if i >= cap {
			break
		}

		slotIdx := findSlotByChainOrderID(wg, f.ChainOrderID)
		if slotIdx < 0 {
			// Orphan: no matching slot in this working grid. The reconciler
			// owns classifying fills with no live slot match.
			continue
		}
		o, _ := wg.Slot(slotIdx)

		if f.Full {
			planFullFill(wg, &res, slotIdx, o, params)
			continue
		}
		planPartialFill(wg, &res, slotIdx, o, f, params)
	}

	return res, nil
}

func findSlotByChainOrderID(wg *grid.WorkingGrid, id string) int {
	if id == "" {
		return -1
	}
	for i := 0; i < wg.Len(); i++ {
		o, _ := wg.Slot(i)
		if o.ChainOrderID == id {
			return i
		}
	}
	return -1
}

// planFullFill rotates a fully-consumed order to a replacement slot on the
// opposite side, preferring a SPREAD placeholder nearest the boundary
// (closest to market) over the next VIRTUAL slot of that role.
func planFullFill(wg *grid.WorkingGrid, res *Result, srcSlot int, src core.Order, params Params) {
	oppositeRole := core.RoleBuy
	if src.Role == core.RoleBuy {
		oppositeRole = core.RoleSell
	}

	dst := findReplacementSlot(wg, srcSlot, oppositeRole)
	if dst < 0 {
		// No eligible destination: free the capital to cacheFunds instead
		// of rotating.
		res.Cache.add(roleSide(src.Role), src.Size)
		res.Plan.Actions = append(res.Plan.Actions, core.Action{
			Kind:         core.ActionCancel,
			Slot:         srcSlot,
			ChainOrderID: src.ChainOrderID,
			Side:         roleSide(src.Role),
			Reason:       "fill-no-replacement",
		})
		_ = wg.Update(srcSlot, clearSlot)
		return
	}

	dstOrder, _ := wg.Slot(dst)
	size, remainder := quantizeSingle(src.Size, oppositeRole, params)
	if size.IsZero() || isDoubleDust(size, params.minEconomicSize(roleSide(oppositeRole))) {
		// Destination would be sub-double-dust: convert to a plain cancel,
		// freed capital goes to cacheFunds.
		res.Cache.add(roleSide(src.Role), src.Size)
		res.Plan.Actions = append(res.Plan.Actions, core.Action{
			Kind:         core.ActionCancel,
			Slot:         srcSlot,
			ChainOrderID: src.ChainOrderID,
			Side:         roleSide(src.Role),
			Reason:       "fill-subdust-destination",
		})
		_ = wg.Update(srcSlot, clearSlot)
		return
	}

	res.Cache.add(roleSide(oppositeRole), remainder)
	res.Plan.Actions = append(res.Plan.Actions, core.Action{
		Kind:         core.ActionRotate,
		Slot:         srcSlot,
		ChainOrderID: src.ChainOrderID,
		DstSlot:      dst,
		Price:        dstOrder.Price,
		Size:         size,
		Side:         roleSide(oppositeRole),
		Reason:       "fill-rotate",
	})

	_ = wg.Update(srcSlot, clearSlot)
	_ = wg.Update(dst, func(o core.Order) core.Order {
		o.State = core.StateVirtual // becomes ACTIVE only once the executor confirms the broadcast
		o.Size = size
		o.OriginalSize = size
		if o.Role == core.RoleSpread {
			o.Role = oppositeRole
		}
		return o
	})
}

func clearSlot(o core.Order) core.Order {
	o.State = core.StateVirtual
	o.ChainOrderID = ""
	o.Size = decimal.Zero
	o.OriginalSize = decimal.Zero
	return o
}

// findReplacementSlot prefers the nearest SPREAD placeholder to srcSlot,
// then the nearest VIRTUAL slot of the wanted role.
func findReplacementSlot(wg *grid.WorkingGrid, srcSlot int, wantRole core.Role) int {
	best := -1
	bestDist := wg.Len() + 1
	for i := 0; i < wg.Len(); i++ {
		o, _ := wg.Slot(i)
		if o.State != core.StateVirtual {
			continue
		}
		if o.Role != core.RoleSpread && o.Role != wantRole {
			continue
		}
		dist := i - srcSlot
		if dist < 0 {
			dist = -dist
		}
		priority := dist
		if o.Role == core.RoleSpread {
			priority -= wg.Len() // SPREAD placeholders always win ties over same-distance plain VIRTUAL slots
		}
		if priority < bestDist {
			bestDist = priority
			best = i
		}
	}
	return best
}

// quantizeSingle sizes one replacement slot from the proceeds alone: if they
// reach the side's minimum economic size they become the size in full,
// otherwise the size is zero and all proceeds are returned as remainder.
// No precision rounding is applied.
func quantizeSingle(proceeds decimal.Decimal, role core.Role, params Params) (size, remainder decimal.Decimal) {
	min := params.minEconomicSize(roleSide(role))
	if proceeds.LessThan(min) {
		return decimal.Zero, proceeds
	}
	return proceeds, decimal.Zero
}

// planPartialFill classifies a partial fill as dust or substantial per
// partialDustThresholdPercent and reacts accordingly.
func planPartialFill(wg *grid.WorkingGrid, res *Result, slotIdx int, o core.Order, f core.FillEvent, params Params) {
	remaining := o.Size
	if o.OriginalSize.IsZero() {
		return
	}
	dustFloor := params.PartialDustThresholdPercent.Div(decimal.NewFromInt(100)).Mul(o.OriginalSize)

	if remaining.GreaterThanOrEqual(dustFloor) {
		// Substantial partial: anchor in place, mark PARTIAL.
		_ = wg.Update(slotIdx, func(o core.Order) core.Order {
			o.State = core.StatePartial
			return o
		})
		return
	}

	// Dust partial: merge the remainder into an adjacent same-role slot
	// rather than leaving a sliver order live. A SPREAD slot immediately
	// adjacent is preferred as the merge target, but only if activating it
	// with the merged size would clear the minimum economic size;
	// otherwise fall back to the next same-role active slot.
	adjacent := findAdjacentSpreadSlot(wg, slotIdx, params.minEconomicSize(roleSide(o.Role)), remaining)
	if adjacent < 0 {
		adjacent = findAdjacentSameRole(wg, slotIdx, o.Role)
	}
	res.Cache.add(roleSide(o.Role), remaining)
	res.Plan.Actions = append(res.Plan.Actions, core.Action{
		Kind:         core.ActionCancel,
		Slot:         slotIdx,
		ChainOrderID: o.ChainOrderID,
		Side:         roleSide(o.Role),
		Reason:       "fill-dust-merge",
	})
	_ = wg.Update(slotIdx, clearSlot)

	if adjacent < 0 {
		return
	}
	adjOrder, _ := wg.Slot(adjacent)

	switch adjOrder.State {
	case core.StateActive, core.StatePartial:
		newSize := adjOrder.Size.Add(remaining)
		res.Plan.Actions = append(res.Plan.Actions, core.Action{
			Kind:         core.ActionUpdate,
			Slot:         adjacent,
			ChainOrderID: adjOrder.ChainOrderID,
			Price:        adjOrder.Price,
			Size:         newSize,
			Side:         roleSide(adjOrder.Role),
			Reason:       "fill-dust-merge-target",
		})
		_ = wg.Update(adjacent, func(o core.Order) core.Order {
			o.Size = newSize
			return o
		})
		res.Cache.add(roleSide(o.Role), remaining.Neg()) // merged into the order itself, not cacheFunds
	case core.StateVirtual:
		// Activating a VIRTUAL (SPREAD) placeholder as the merge target.
		mergeRole := o.Role
		res.Plan.Actions = append(res.Plan.Actions, core.Action{
			Kind:   core.ActionCreate,
			Slot:   adjacent,
			Price:  adjOrder.Price,
			Size:   remaining,
			Side:   roleSide(mergeRole),
			Reason: "fill-dust-merge-spread-activate",
		})
		_ = wg.Update(adjacent, func(o core.Order) core.Order {
			o.Size = remaining
			o.OriginalSize = remaining
			o.Role = mergeRole
			return o
		})
		res.Cache.add(roleSide(mergeRole), remaining.Neg())
	}
}

// findAdjacentSpreadSlot returns the nearer of the two immediately-adjacent
// SPREAD slots, if activating it with mergeSize would meet the minimum
// economic size; otherwise -1.
func findAdjacentSpreadSlot(wg *grid.WorkingGrid, slotIdx int, minEconomicSize, mergeSize decimal.Decimal) int {
	if mergeSize.LessThan(minEconomicSize) {
		return -1
	}
	for _, i := range []int{slotIdx - 1, slotIdx + 1} {
		if i < 0 || i >= wg.Len() {
			continue
		}
		o, _ := wg.Slot(i)
		if o.Role == core.RoleSpread && o.State == core.StateVirtual {
			return i
		}
	}
	return -1
}

func findAdjacentSameRole(wg *grid.WorkingGrid, slotIdx int, role core.Role) int {
	for d := 1; d < wg.Len(); d++ {
		for _, i := range []int{slotIdx - d, slotIdx + d} {
			if i < 0 || i >= wg.Len() {
				continue
			}
			o, _ := wg.Slot(i)
			if o.Role == role && (o.State == core.StateActive || o.State == core.StatePartial) {
				return i
			}
		}
	}
	return -1
}
