package planner

import (
	"github.com/shopspring/decimal"

	"dexmm/internal/core"
	"dexmm/internal/grid"
)

// planSpreadCorrection emits at most one action: the gap between the
// highest ACTIVE buy and the lowest ACTIVE sell is compared against
// targetSpreadPercent*(1+toleranceSteps); if it exceeds that, the planner
// prefers resizing the nearest PARTIAL at the edge back toward its ideal
// size, and otherwise activates one SPREAD placeholder at the edge.
// Single-action-per-call prevents cascade placements in one tick.
func planSpreadCorrection(wg *grid.WorkingGrid, params Params) (Result, error) {
	res := Result{}

	highestBuy, hasBuy := highestActive(wg, core.RoleBuy)
	lowestSell, hasSell := lowestActive(wg, core.RoleSell)
	if !hasBuy || !hasSell {
		return res, nil
	}

	gap := lowestSell.Price.Ratio().Sub(highestBuy.Price.Ratio()).Div(highestBuy.Price.Ratio())
	limit := params.TargetSpreadPercent.Div(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(1).Add(params.ToleranceSteps))
	if gap.LessThanOrEqual(limit) {
		return res, nil
	}

	// Prefer resizing the nearest PARTIAL at either edge back to ideal.
	if idx, o, ok := nearestPartialAtEdge(wg); ok {
		side := roleSide(o.Role)
		ideal := o.OriginalSize
		res.Plan.Actions = append(res.Plan.Actions, core.Action{
			Kind:         core.ActionUpdate,
			Slot:         idx,
			ChainOrderID: o.ChainOrderID,
			Price:        o.Price,
			Size:         ideal,
			Side:         side,
			Reason:       "spread-correction-partial-restore",
		})
		_ = wg.Update(idx, func(o core.Order) core.Order {
			o.Size = ideal
			o.State = core.StateActive
			return o
		})
		return res, nil
	}

	// Otherwise activate one SPREAD placeholder at the edge nearest market.
	idx, ok := nearestSpreadSlot(wg, highestBuy.SlotIndex, lowestSell.SlotIndex)
	if !ok {
		return res, nil
	}
	o, _ := wg.Slot(idx)
	role := sideRoleForSpreadActivation(wg, idx)
	side := roleSide(role)
	size := params.minEconomicSize(side)
	res.Plan.Actions = append(res.Plan.Actions, core.Action{
		Kind:   core.ActionCreate,
		Slot:   idx,
		Price:  o.Price,
		Size:   size,
		Side:   side,
		Reason: "spread-correction-activate",
	})
	_ = wg.Update(idx, func(o core.Order) core.Order {
		o.Size = size
		o.OriginalSize = size
		o.Role = role
		return o
	})

	return res, nil
}

func highestActive(wg *grid.WorkingGrid, role core.Role) (core.Order, bool) {
	var best core.Order
	found := false
	for i := 0; i < wg.Len(); i++ {
		o, _ := wg.Slot(i)
		if o.Role != role || (o.State != core.StateActive && o.State != core.StatePartial) {
			continue
		}
		if !found || best.Price.Less(o.Price) {
			best = o
			found = true
		}
	}
	return best, found
}

func lowestActive(wg *grid.WorkingGrid, role core.Role) (core.Order, bool) {
	var best core.Order
	found := false
	for i := 0; i < wg.Len(); i++ {
		o, _ := wg.Slot(i)
		if o.Role != role || (o.State != core.StateActive && o.State != core.StatePartial) {
			continue
		}
		if !found || o.Price.Less(best.Price) {
			best = o
			found = true
		}
	}
	return best, found
}

// nearestPartialAtEdge finds a PARTIAL order adjacent to the spread window
// (the last BUY or first SELL slot carrying PARTIAL state).
func nearestPartialAtEdge(wg *grid.WorkingGrid) (int, core.Order, bool) {
	for i := 0; i < wg.Len(); i++ {
		o, _ := wg.Slot(i)
		if o.State != core.StatePartial {
			continue
		}
		if i+1 < wg.Len() {
			next, _ := wg.Slot(i + 1)
			if next.Role == core.RoleSpread {
				return i, o, true
			}
		}
		if i > 0 {
			prev, _ := wg.Slot(i - 1)
			if prev.Role == core.RoleSpread {
				return i, o, true
			}
		}
	}
	return 0, core.Order{}, false
}

// nearestSpreadSlot picks the SPREAD slot closest to the midpoint of the
// current active buy/sell edge.
func nearestSpreadSlot(wg *grid.WorkingGrid, buyEdge, sellEdge int) (int, bool) {
	best := -1
	bestDist := wg.Len() + 1
	mid := (buyEdge + sellEdge) / 2
	for i := 0; i < wg.Len(); i++ {
		o, _ := wg.Slot(i)
		if o.Role != core.RoleSpread || o.State != core.StateVirtual {
			continue
		}
		dist := i - mid
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	return best, best >= 0
}

// sideRoleForSpreadActivation decides whether an activated SPREAD slot
// should join the BUY or SELL side, by its position relative to boundary.
func sideRoleForSpreadActivation(wg *grid.WorkingGrid, idx int) core.Role {
	// A SPREAD slot's role on activation follows its index alone: slots
	// below the grid's buy/sell boundary join BUY, the rest SELL.
	if idx < wg.BoundaryIdx() {
		return core.RoleBuy
	}
	return core.RoleSell
}
