package worker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexmm/internal/chainadapter"
	"dexmm/internal/config"
	"dexmm/internal/core"
	"dexmm/internal/grid"
)

type scenarioLogger struct{}

func (scenarioLogger) Debug(string, ...interface{})                    {}
func (scenarioLogger) Info(string, ...interface{})                     {}
func (scenarioLogger) Warn(string, ...interface{})                     {}
func (scenarioLogger) Error(string, ...interface{})                    {}
func (scenarioLogger) Fatal(string, ...interface{})                    {}
func (l scenarioLogger) WithField(string, interface{}) core.ILogger    { return l }
func (l scenarioLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func scenarioBotConfig() config.BotConfig {
	return config.BotConfig{
		AssetA:                      "WETH",
		AssetB:                      "USDC",
		StartPrice:                  "1000",
		MinPrice:                    "900",
		MaxPrice:                    "1110",
		IncrementPercent:            decimal.NewFromFloat(0.5),
		TargetSpreadPercent:         decimal.NewFromInt(2),
		WeightDistribution:          config.SideAmount{Sell: "0", Buy: "0"},
		BotFunds:                    config.SideAmount{Sell: "100%", Buy: "100%"},
		ActiveOrdersSell:            3,
		ActiveOrdersBuy:             3,
		PartialDustThresholdPercent: decimal.NewFromInt(5),
		DivergenceThresholdPercent:  decimal.NewFromInt(3),
		GridRegenerationPercent:     decimal.NewFromInt(20),
		SpreadToleranceSteps:        decimal.NewFromFloat(0.1),
		MaxRecoveryAttempts:         5,
		RecoveryRetryIntervalMs:     2000,
		MaxFillBatchSize:            20,
	}
}

func newScenarioWorker(t *testing.T, stateDir string, fake *chainadapter.Fake) *Worker {
	return New(Deps{
		BotKey:      "weth-usdc",
		Account:     "acct-1",
		Adapter:     fake,
		Credentials: &chainadapter.FakeCredentialClient{Keys: map[string]chainadapter.Secret{"acct-1": "key"}},
		Logger:      scenarioLogger{},
		StateDir:    stateDir,
	}, scenarioBotConfig())
}

func newScenarioFake() *chainadapter.Fake {
	return chainadapter.NewFake(chainadapter.AccountTotals{
		BuyTotal: decimal.NewFromInt(3_000_000_000), BuyFree: decimal.NewFromInt(3_000_000_000),
		SellTotal: decimal.NewFromInt(3_000_000_000_000_000_000), SellFree: decimal.NewFromInt(3_000_000_000_000_000_000),
	}, map[string]int{"WETH": 18, "USDC": 6})
}

// TestS1_ColdStartAdoptsExistingBook seeds the fake adapter's open-order
// book with two live orders nearest the spread on each side before
// Bootstrap runs, and expects the reconciler to adopt all of them into the
// freshly built Grid by price rather than re-broadcasting duplicates.
func TestS1_ColdStartAdoptsExistingBook(t *testing.T) {
	fake := newScenarioFake()
	w := newScenarioWorker(t, t.TempDir(), fake)

	// Build the same Grid the worker will build, to discover the exact
	// slot prices nearest the boundary on each side.
	g, err := grid.Build(grid.BuildParams{
		SellAsset: core.Asset{Symbol: "WETH", Precision: 18},
		BuyAsset:  core.Asset{Symbol: "USDC", Precision: 6},
		MinPrice:  decimal.NewFromInt(900), MaxPrice: decimal.NewFromInt(1110),
		IncrementPercent: decimal.NewFromFloat(0.5), RefPrice: decimal.NewFromInt(1000),
		TargetSpreadPercent: decimal.NewFromInt(2), SessionID: "probe",
	})
	require.NoError(t, err)

	var buySlots, sellSlots []core.Order
	for _, s := range g.Slots {
		switch s.Role {
		case core.RoleBuy:
			buySlots = append(buySlots, s)
		case core.RoleSell:
			sellSlots = append(sellSlots, s)
		}
	}
	require.GreaterOrEqual(t, len(buySlots), 2)
	require.GreaterOrEqual(t, len(sellSlots), 2)

	// Seed live orders at the two nearest-boundary slots per side (the
	// buy slots closest to the spread are the last two in buySlots; the
	// sell slots closest to the spread are the first two in sellSlots).
	seedBuy := buySlots[len(buySlots)-2:]
	seedSell := sellSlots[:2]

	for _, s := range seedBuy {
		_, err := fake.BroadcastBatch(context.Background(), []chainadapter.Op{
			{Kind: chainadapter.OpCreate, Price: s.Price, Size: decimal.NewFromInt(1000), Side: core.SideBuy},
		})
		require.NoError(t, err)
	}
	for _, s := range seedSell {
		_, err := fake.BroadcastBatch(context.Background(), []chainadapter.Op{
			{Kind: chainadapter.OpCreate, Price: s.Price, Size: decimal.NewFromInt(1000), Side: core.SideSell},
		})
		require.NoError(t, err)
	}

	require.NoError(t, w.Bootstrap(context.Background()))
	assert.Equal(t, StateNormal, w.getState())

	finalGrid := w.currentGrid()
	activeBuy, activeSell := 0, 0
	for _, o := range finalGrid.Slots {
		if o.State != core.StateActive {
			continue
		}
		if o.Role == core.RoleBuy {
			activeBuy++
		}
		if o.Role == core.RoleSell {
			activeSell++
		}
		assert.NotEmpty(t, o.ChainOrderID, "an adopted slot must carry the chain's assigned order id")
	}
	assert.Equal(t, 2, activeBuy, "both seeded buy orders must be adopted by price")
	assert.Equal(t, 2, activeSell, "both seeded sell orders must be adopted by price")

	buy, sell := w.ledger.Snapshot()
	assert.True(t, buy.GridCommitted.GreaterThan(decimal.Zero))
	assert.True(t, sell.GridCommitted.GreaterThan(decimal.Zero))
}

// TestS2_FullFillTriggersRotation drives a single fill event against an
// already-adopted buy order and expects the planner to rotate its
// proceeds into a new sell-side order, crediting the Ledger exactly once.
func TestS2_FullFillTriggersRotation(t *testing.T) {
	fake := newScenarioFake()
	w := newScenarioWorker(t, t.TempDir(), fake)
	require.NoError(t, w.Bootstrap(context.Background()))

	master := w.currentGrid()
	var buySlot core.Order
	found := false
	for _, o := range master.Slots {
		if o.Role == core.RoleBuy {
			buySlot = o
			found = true
			break
		}
	}
	require.True(t, found, "grid must contain at least one buy slot")

	wg := grid.Fork(master)
	require.NoError(t, wg.Update(buySlot.SlotIndex, func(o core.Order) core.Order {
		o.State = core.StateActive
		o.ChainOrderID = "chain-buy-1"
		o.Size = decimal.NewFromInt(10_000)
		o.OriginalSize = decimal.NewFromInt(10_000)
		return o
	}))
	committed, err := w.gridStore.Commit(wg)
	require.NoError(t, err)
	require.NoError(t, w.ledger.Recalculate(committed.Summary()))

	buyBefore, _ := w.ledger.Snapshot()

	ev := core.Event{Kind: core.EventFill, Fills: []core.FillEvent{
		{ChainOrderID: "chain-buy-1", BlockNum: 1, HistoryID: 1, Full: true, Paid: decimal.NewFromInt(10_000), Received: decimal.NewFromInt(10_000)},
	}}
	w.handleEvent(context.Background(), ev)

	buyAfter, _ := w.ledger.Snapshot()
	assert.True(t, buyAfter.ChainFree.GreaterThan(buyBefore.ChainFree), "the fill's proceeds must credit buy.chainFree")

	after := w.currentGrid()
	slot, ok := after.LookupBySlot(buySlot.SlotIndex)
	require.True(t, ok)
	assert.NotEqual(t, core.StateActive, slot.State, "the rotated-from slot must no longer carry the consumed order")

	assert.Equal(t, StateNormal, w.getState())
}

// TestS3_RestartAfterOfflineFillCreditsExactlyOnce simulates a worker
// process that died after a fill executed on-chain but before a
// replacement broadcast, then restarts against the same persisted state:
// the chain no longer reports the order open, but fillHistory carries the
// fill, and it must be credited exactly once.
func TestS3_RestartAfterOfflineFillCreditsExactlyOnce(t *testing.T) {
	stateDir := t.TempDir()
	fake := newScenarioFake()

	w1 := newScenarioWorker(t, stateDir, fake)
	require.NoError(t, w1.Bootstrap(context.Background()))

	master := w1.currentGrid()
	var sellSlot core.Order
	found := false
	for _, o := range master.Slots {
		if o.Role == core.RoleSell {
			sellSlot = o
			found = true
			break
		}
	}
	require.True(t, found)

	wg := grid.Fork(master)
	require.NoError(t, wg.Update(sellSlot.SlotIndex, func(o core.Order) core.Order {
		o.State = core.StateActive
		o.ChainOrderID = "chain-sell-dead"
		o.Size = decimal.NewFromInt(5_000)
		o.OriginalSize = decimal.NewFromInt(5_000)
		return o
	}))
	committed, err := w1.gridStore.Commit(wg)
	require.NoError(t, err)
	require.NoError(t, w1.ledger.Recalculate(committed.Summary()))
	w1.persist(context.Background())

	// The order is no longer open on chain (it fully filled), and
	// fillHistory now carries the fill the dead process never saw.
	fake.PushFill(core.FillEvent{ChainOrderID: "chain-sell-dead", BlockNum: 5, HistoryID: 1, Full: true, Paid: decimal.NewFromInt(5_000), Received: decimal.NewFromInt(5_100)})

	w2 := newScenarioWorker(t, stateDir, fake)
	require.NoError(t, w2.Bootstrap(context.Background()))

	sellAfter := w2.currentGrid()
	slot, ok := sellAfter.LookupBySlot(sellSlot.SlotIndex)
	require.True(t, ok)
	assert.Equal(t, core.StateVirtual, slot.State, "the dead order's slot must clear back to Virtual")

	w2.processedMu.Lock()
	_, credited := w2.processedFills["chain-sell-dead:5:1"]
	w2.processedMu.Unlock()
	assert.True(t, credited, "the restart must credit the offline fill exactly once")

	// A second reconcile pass must not re-credit the same fill again.
	w2.reconcileNow(context.Background())
	buy, sell := w2.ledger.Snapshot()
	assert.False(t, buy.Available.IsNegative())
	assert.False(t, sell.Available.IsNegative())
}

// TestS5_StaleOrderInBatchDropsAndReconciles drives broadcastAndCommit
// directly with a plan that the fake adapter scripts as StaleOrder, then
// verifies the caller is told to reconcile and that the stale id is
// removed from the Grid rather than re-broadcast.
func TestS5_StaleOrderInBatchDropsAndReconciles(t *testing.T) {
	fake := newScenarioFake()
	w := newScenarioWorker(t, t.TempDir(), fake)
	require.NoError(t, w.Bootstrap(context.Background()))

	master := w.currentGrid()
	var cancelSlot core.Order
	found := false
	for _, o := range master.Slots {
		if o.Role == core.RoleBuy {
			cancelSlot = o
			found = true
			break
		}
	}
	require.True(t, found)

	wg := grid.Fork(master)
	require.NoError(t, wg.Update(cancelSlot.SlotIndex, func(o core.Order) core.Order {
		o.State = core.StateActive
		o.ChainOrderID = "1.7.12345"
		o.Size = decimal.NewFromInt(1_000)
		o.OriginalSize = decimal.NewFromInt(1_000)
		return o
	}))
	committed, err := w.gridStore.Commit(wg)
	require.NoError(t, err)
	require.NoError(t, w.ledger.Recalculate(committed.Summary()))

	fake.NextResult = &core.BatchResult{Kind: core.StaleOrder, StaleIDs: map[string]bool{"1.7.12345": true}}

	wg2 := grid.Fork(w.currentGrid())
	plan := core.Plan{Actions: []core.Action{
		{Kind: core.ActionCancel, Slot: cancelSlot.SlotIndex, ChainOrderID: "1.7.12345", Side: core.SideBuy},
	}}
	needsReconcile := w.broadcastAndCommit(context.Background(), wg2, plan)
	assert.True(t, needsReconcile)
	assert.Equal(t, StateResyncing, w.getState())

	w.finishReconcile(context.Background(), needsReconcile)
	assert.Equal(t, StateNormal, w.getState())

	after := w.currentGrid()
	slot, ok := after.LookupBySlot(cancelSlot.SlotIndex)
	require.True(t, ok)
	assert.NotEqual(t, "1.7.12345", slot.ChainOrderID, "the stale id must not remain attached to the slot")
}

// TestS6_AdaptiveBatchUnderBurstCreditsEveryFillExactlyOnce pushes a burst
// of fills, one event at a time (as the chain subscription delivers them),
// and asserts every fill is credited exactly once with invariants holding
// after each cycle.
func TestS6_AdaptiveBatchUnderBurstCreditsEveryFillExactlyOnce(t *testing.T) {
	fake := newScenarioFake()
	w := newScenarioWorker(t, t.TempDir(), fake)
	require.NoError(t, w.Bootstrap(context.Background()))

	master := w.currentGrid()
	var buySlots []core.Order
	for _, o := range master.Slots {
		if o.Role == core.RoleBuy {
			buySlots = append(buySlots, o)
		}
	}
	require.GreaterOrEqual(t, len(buySlots), 1)

	wg := grid.Fork(master)
	const burst = 29
	ids := make([]string, 0, burst)
	for i := 0; i < burst; i++ {
		slot := buySlots[i%len(buySlots)]
		id := "burst-order-" + decimal.NewFromInt(int64(i)).String()
		require.NoError(t, wg.Update(slot.SlotIndex, func(o core.Order) core.Order {
			o.State = core.StateActive
			o.ChainOrderID = id
			o.Size = decimal.NewFromInt(1_000)
			o.OriginalSize = decimal.NewFromInt(1_000)
			return o
		}))
		ids = append(ids, id)
	}
	committed, err := w.gridStore.Commit(wg)
	require.NoError(t, err)
	require.NoError(t, w.ledger.Recalculate(committed.Summary()))

	for i, id := range ids {
		ev := core.Event{Kind: core.EventFill, Fills: []core.FillEvent{
			{ChainOrderID: id, BlockNum: int64(i), HistoryID: 1, Full: true, Paid: decimal.NewFromInt(1_000), Received: decimal.NewFromInt(1_000)},
		}}
		w.handleEvent(context.Background(), ev)

		buy, sell := w.ledger.Snapshot()
		assert.False(t, buy.Available.IsNegative(), "ledger invariant must hold after every commit")
		assert.False(t, sell.Available.IsNegative())
	}

	w.processedMu.Lock()
	defer w.processedMu.Unlock()
	assert.Len(t, w.processedFills, burst, "every fill in the burst must be credited exactly once")
}
