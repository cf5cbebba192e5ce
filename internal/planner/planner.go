// Package planner computes a Plan of actions from an event and a forked
// WorkingGrid, patching that WorkingGrid as it plans; the master Grid is
// never touched, and the caller commits the WorkingGrid.
package planner

import (
	"github.com/shopspring/decimal"

	"dexmm/internal/core"
	"dexmm/internal/grid"
)

// Params is the subset of bot configuration the planner needs, resolved
// into absolute base-unit quantities by the worker before each cycle
// (botFunds percentages against current totals, min/max price bounds,
// reference price, etc. are already baked into the Grid and Ledger by then).
type Params struct {
	PartialDustThresholdPercent decimal.Decimal
	DivergenceThresholdPercent  decimal.Decimal
	TargetSpreadPercent         decimal.Decimal
	ToleranceSteps              decimal.Decimal

	WeightDistributionSell decimal.Decimal
	WeightDistributionBuy  decimal.Decimal

	BudgetSell decimal.Decimal // sideBudget = min(configuredBudget, chainFree+cacheFunds-feesReservation), precomputed by caller
	BudgetBuy  decimal.Decimal

	MinEconomicSizeSell decimal.Decimal
	MinEconomicSizeBuy  decimal.Decimal

	MaxFillsPerRebalance int
}

func (p Params) weightDistribution(side core.Side) decimal.Decimal {
	if side == core.SideSell {
		return p.WeightDistributionSell
	}
	return p.WeightDistributionBuy
}

func (p Params) budget(side core.Side) decimal.Decimal {
	if side == core.SideSell {
		return p.BudgetSell
	}
	return p.BudgetBuy
}

func (p Params) minEconomicSize(side core.Side) decimal.Decimal {
	if side == core.SideSell {
		return p.MinEconomicSizeSell
	}
	return p.MinEconomicSizeBuy
}

// roleSide maps a slot Role to the Ledger side whose budget its size draws
// from: a BUY-role slot commits buy-asset funds, a SELL-role slot commits
// sell-asset funds.
func roleSide(role core.Role) core.Side {
	if role == core.RoleSell {
		return core.SideSell
	}
	return core.SideBuy
}

// CacheDelta is a per-side adjustment to Ledger.cacheFunds the caller must
// apply (AddCache for positive, DeductCache for negative) after committing
// the returned Plan's WorkingGrid patches.
type CacheDelta struct {
	Sell decimal.Decimal
	Buy  decimal.Decimal
}

func (c *CacheDelta) add(side core.Side, amount decimal.Decimal) {
	if side == core.SideSell {
		c.Sell = c.Sell.Add(amount)
	} else {
		c.Buy = c.Buy.Add(amount)
	}
}

// Result is what one planning cycle produces: the Plan of actions to
// broadcast, the WorkingGrid patches already applied (by Plan, in-place),
// and any cacheFunds adjustment to apply on commit.
type Result struct {
	Plan  core.Plan
	Cache CacheDelta
}

// Plan computes a Plan from an event against the given WorkingGrid,
// applying Grid-side patches (role/state/size changes) to wg directly and
// returning the chain actions plus ledger cache adjustments separately,
// since the planner must not touch the Ledger itself (§4.3: "it must not
// mutate master", and funds mutation is the Ledger's and executor's job).
func Plan(event core.Event, wg *grid.WorkingGrid, params Params) (Result, error) {
	switch event.Kind {
	case core.EventFill:
		return planFills(event.Fills, wg, params)
	case core.EventDivergenceCheck:
		return planDivergence(wg, params)
	case core.EventSpreadCheck:
		return planSpreadCorrection(wg, params)
	case core.EventBoundarySync:
		return planBoundarySync(wg, params)
	case core.EventReset:
		return planReset(wg)
	default:
		return Result{}, nil
	}
}

// planReset cancels every on-chain order; the caller is responsible for
// rebuilding the Grid from config afterward and running startup
// reconciliation, per §4.3 event 5.
func planReset(wg *grid.WorkingGrid) (Result, error) {
	var actions []core.Action
	for i := 0; i < wg.Len(); i++ {
		o, _ := wg.Slot(i)
		if o.State == core.StateVirtual {
			continue
		}
		actions = append(actions, core.Action{
			Kind:         core.ActionCancel,
			Slot:         i,
			ChainOrderID: o.ChainOrderID,
			Side:         roleSide(o.Role),
			Reason:       "reset",
		})
		_ = wg.Update(i, func(o core.Order) core.Order {
			o.State = core.StateVirtual
			o.ChainOrderID = ""
			o.Size = decimal.Zero
			return o
		})
	}
	return Result{Plan: core.Plan{Actions: actions}}, nil
}
