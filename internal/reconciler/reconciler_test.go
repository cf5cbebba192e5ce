package reconciler

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
	"dexmm/internal/ledger"
)

type stubLogger struct{}

func (stubLogger) Debug(string, ...interface{})               {}
func (stubLogger) Info(string, ...interface{})                {}
func (stubLogger) Warn(string, ...interface{})                {}
func (stubLogger) Error(string, ...interface{})               {}
func (stubLogger) Fatal(string, ...interface{})               {}
func (l stubLogger) WithField(string, interface{}) core.ILogger   { return l }
func (l stubLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func buildTestGrid(t *testing.T) *grid.Grid {
	g, err := grid.Build(grid.BuildParams{
		SellAsset:           core.Asset{Symbol: "WETH", Precision: 18},
		BuyAsset:            core.Asset{Symbol: "USDC", Precision: 6},
		MinPrice:            decimal.NewFromInt(1500),
		MaxPrice:            decimal.NewFromInt(3000),
		IncrementPercent:    decimal.NewFromInt(2),
		RefPrice:            decimal.NewFromInt(2200),
		TargetSpreadPercent: decimal.NewFromInt(2),
		SessionID:           "sess-old",
	})
	require.NoError(t, err)
	return g
}

func TestStartupReconcile_AdoptsStillOpenOrder(t *testing.T) {
	g := buildTestGrid(t)
	slotIdx := g.BoundaryIdx - 1
	g.Slots[slotIdx].State = core.StateActive
	g.Slots[slotIdx].ChainOrderID = "chain-1"
	g.Slots[slotIdx].OriginalSize = decimal.NewFromInt(100)
	g.Slots[slotIdx].Size = decimal.NewFromInt(100)
	g.Slots[slotIdx].SessionID = "sess-old"

	fake := chainadapter.NewFake(chainadapter.AccountTotals{
		BuyTotal: decimal.NewFromInt(10000), BuyFree: decimal.NewFromInt(5000),
		SellTotal: decimal.NewFromInt(10), SellFree: decimal.NewFromInt(5),
	}, map[string]int{"WETH": 18, "USDC": 6})

	r := New(fake, stubLogger{}, config.ConcurrencyConfig{ReconcilePoolSize: 2, ReconcilePoolBuffer: 8})
	l := ledger.New(6, 18)

	// Seed the fake's open-order book via a CREATE broadcast so
	// GetOpenOrders reflects an order still live on chain.
	res, err := fake.BroadcastBatch(context.Background(), []chainadapter.Op{
		{Kind: chainadapter.OpCreate, Price: g.Slots[slotIdx].Price, Size: decimal.NewFromInt(100), Side: core.SideBuy},
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	g.Slots[slotIdx].ChainOrderID = res.Outcomes[0].ChainOrderID

	result, err := r.StartupReconcile(context.Background(), Account{Account: "acct", CurrentSessionID: "sess-new"}, g, l)
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, result.Grid.Slots[slotIdx].State)
	assert.Equal(t, res.Outcomes[0].ChainOrderID, result.Grid.Slots[slotIdx].ChainOrderID)
}

func TestStartupReconcile_CreditsFillForClosedOrder(t *testing.T) {
	g := buildTestGrid(t)
	slotIdx := g.BoundaryIdx - 1
	g.Slots[slotIdx].State = core.StateActive
	g.Slots[slotIdx].ChainOrderID = "chain-closed"
	g.Slots[slotIdx].OriginalSize = decimal.NewFromInt(100)
	g.Slots[slotIdx].Size = decimal.NewFromInt(100)

	fake := chainadapter.NewFake(chainadapter.AccountTotals{
		BuyTotal: decimal.NewFromInt(10000), BuyFree: decimal.NewFromInt(10000),
		SellTotal: decimal.NewFromInt(10), SellFree: decimal.NewFromInt(10),
	}, map[string]int{"WETH": 18, "USDC": 6})
	fake.PushFill(core.FillEvent{ChainOrderID: "chain-closed", BlockNum: 1, HistoryID: 1, Full: true, Paid: decimal.NewFromInt(100), Received: decimal.NewFromFloat(0.05)})

	r := New(fake, stubLogger{}, config.ConcurrencyConfig{ReconcilePoolSize: 2, ReconcilePoolBuffer: 8})
	l := ledger.New(6, 18)

	result, err := r.StartupReconcile(context.Background(), Account{Account: "acct", CurrentSessionID: "sess-new"}, g, l)
	require.NoError(t, err)
	assert.Equal(t, core.StateVirtual, result.Grid.Slots[slotIdx].State)
	require.Len(t, result.CreditFills, 1)
	assert.Equal(t, "chain-closed", result.CreditFills[0].ChainOrderID)
}

func TestFilterAlreadyCredited_BlocksDuplicateOrphanCredit(t *testing.T) {
	fake := chainadapter.NewFake(chainadapter.AccountTotals{}, map[string]int{})
	r := New(fake, stubLogger{}, config.ConcurrencyConfig{ReconcilePoolSize: 2, ReconcilePoolBuffer: 8})
	r.MarkStaleIDs(map[string]bool{"chain-x": true})

	fill := core.FillEvent{ChainOrderID: "chain-x", BlockNum: 1, HistoryID: 1}
	out := r.filterAlreadyCredited([]core.FillEvent{fill})
	assert.Empty(t, out, "a fill already marked stale-cleaned must not be credited again")
}
