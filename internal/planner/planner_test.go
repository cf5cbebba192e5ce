package planner

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexmm/internal/core"
	"dexmm/internal/grid"
)

func dd(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testGrid(t *testing.T) *grid.Grid {
	g, err := grid.Build(grid.BuildParams{
		SellAsset:           core.Asset{Symbol: "WETH", Precision: 18},
		BuyAsset:            core.Asset{Symbol: "USDC", Precision: 6},
		MinPrice:            dd("1500"),
		MaxPrice:            dd("3000"),
		IncrementPercent:    dd("2"),
		RefPrice:            dd("2200"),
		TargetSpreadPercent: dd("2"),
		SessionID:           "sess-1",
	})
	require.NoError(t, err)
	return g
}

func testParams() Params {
	return Params{
		PartialDustThresholdPercent: dd("5"),
		DivergenceThresholdPercent:  dd("3"),
		TargetSpreadPercent:         dd("2"),
		ToleranceSteps:              dd("0.5"),
		WeightDistributionSell:      dd("0"),
		WeightDistributionBuy:       dd("0"),
		BudgetSell:                  dd("10"),
		BudgetBuy:                   dd("20000"),
		MinEconomicSizeSell:         dd("0.01"),
		MinEconomicSizeBuy:          dd("10"),
		MaxFillsPerRebalance:        4,
	}
}

func activateSlot(t *testing.T, wg *grid.WorkingGrid, slot int, size decimal.Decimal, chainID string) {
	err := wg.Update(slot, func(o core.Order) core.Order {
		o.State = core.StateActive
		o.ChainOrderID = chainID
		o.Size = size
		o.OriginalSize = size
		return o
	})
	require.NoError(t, err)
}

func TestPlanFills_FullFillRotatesToOppositeSide(t *testing.T) {
	g := testGrid(t)
	wg := grid.Fork(g)

	// Pick the highest-indexed BUY slot as the fill source.
	srcSlot := g.BoundaryIdx - 1
	require.GreaterOrEqual(t, srcSlot, 0)
	activateSlot(t, wg, srcSlot, dd("100"), "chain-src")

	res, err := Plan(core.Event{
		Kind: core.EventFill,
		Fills: []core.FillEvent{
			{ChainOrderID: "chain-src", Full: true, Paid: dd("100"), Received: dd("0.05")},
		},
	}, wg, testParams())
	require.NoError(t, err)

	require.Len(t, res.Plan.Actions, 1)
	assert.Equal(t, core.ActionRotate, res.Plan.Actions[0].Kind)

	src, _ := wg.Slot(srcSlot)
	assert.Equal(t, core.StateVirtual, src.State)
	assert.Empty(t, src.ChainOrderID)
}

func TestPlanFills_SubstantialPartialStaysAnchored(t *testing.T) {
	g := testGrid(t)
	wg := grid.Fork(g)

	srcSlot := g.BoundaryIdx - 1
	activateSlot(t, wg, srcSlot, dd("100"), "chain-src")
	// Remaining 50/100 = 50% >= 5% dust threshold.
	err := wg.Update(srcSlot, func(o core.Order) core.Order {
		o.Size = dd("50")
		return o
	})
	require.NoError(t, err)

	res, err := Plan(core.Event{
		Kind: core.EventFill,
		Fills: []core.FillEvent{
			{ChainOrderID: "chain-src", Full: false, Paid: dd("50"), Received: dd("0.025")},
		},
	}, wg, testParams())
	require.NoError(t, err)
	assert.Empty(t, res.Plan.Actions, "substantial partial produces no chain action, only a state mark")

	src, _ := wg.Slot(srcSlot)
	assert.Equal(t, core.StatePartial, src.State)
}

func TestPlanFills_DustPartialMergesAndFreesCache(t *testing.T) {
	g := testGrid(t)
	wg := grid.Fork(g)

	srcSlot := g.BoundaryIdx - 1
	activateSlot(t, wg, srcSlot, dd("100"), "chain-src")
	// Remaining 2/100 = 2% < 5% dust threshold.
	err := wg.Update(srcSlot, func(o core.Order) core.Order {
		o.Size = dd("2")
		return o
	})
	require.NoError(t, err)

	res, err := Plan(core.Event{
		Kind: core.EventFill,
		Fills: []core.FillEvent{
			{ChainOrderID: "chain-src", Full: false, Paid: dd("98"), Received: dd("0.049")},
		},
	}, wg, testParams())
	require.NoError(t, err)

	src, _ := wg.Slot(srcSlot)
	assert.Equal(t, core.StateVirtual, src.State, "dusty slot must be cleared, not left PARTIAL")
	assert.NotEmpty(t, res.Plan.Actions)
}

func TestPlanFills_RespectsFillReactionCap(t *testing.T) {
	g := testGrid(t)
	wg := grid.Fork(g)

	params := testParams()
	params.MaxFillsPerRebalance = 1

	var fills []core.FillEvent
	for i := 0; i < 3; i++ {
		slot := g.BoundaryIdx - 1 - i
		id := "chain-" + string(rune('a'+i))
		activateSlot(t, wg, slot, dd("10"), id)
		fills = append(fills, core.FillEvent{ChainOrderID: id, Full: true, Paid: dd("10"), Received: dd("0.005")})
	}

	res, err := Plan(core.Event{Kind: core.EventFill, Fills: fills}, wg, params)
	require.NoError(t, err)
	assert.Len(t, res.Plan.Actions, 1, "only the first fill (within the cap) should produce an action")
}

func TestPlanReset_CancelsAllLiveOrders(t *testing.T) {
	g := testGrid(t)
	wg := grid.Fork(g)
	activateSlot(t, wg, 0, dd("5"), "chain-1")
	activateSlot(t, wg, g.BoundaryIdx, dd("0.01"), "chain-2")

	res, err := Plan(core.Event{Kind: core.EventReset}, wg, testParams())
	require.NoError(t, err)
	assert.Len(t, res.Plan.Actions, 2)
	for _, a := range res.Plan.Actions {
		assert.Equal(t, core.ActionCancel, a.Kind)
	}
}

func TestAllocateSizes_RespectsMinEconomicSize(t *testing.T) {
	sizes, remainder := allocateSizes(dd("100"), 5, dd("0"), 6, dd("50"))
	for _, s := range sizes {
		assert.True(t, s.IsZero() || s.GreaterThanOrEqual(dd("50")))
	}
	assert.True(t, remainder.GreaterThanOrEqual(decimal.Zero))
}

func TestGeometricWeights_SumToOne(t *testing.T) {
	weights := geometricWeights(5, dd("1.1"))
	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}
	assert.True(t, sum.Sub(decimal.NewFromInt(1)).Abs().LessThan(dd("0.0000001")))
}
