package chainadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"dexmm/internal/core"
)

// Fake is a deterministic in-memory Adapter used by tests: no network, no
// randomness, every broadcast either confirms or returns the queued
// scripted result.
type Fake struct {
	mu sync.Mutex

	totals    AccountTotals
	open      map[string]OpenOrder
	fills     []core.FillEvent
	precision map[string]int
	fees      FeeQuote
	refPrice  decimal.Decimal

	idCounter int
	onFill    func(core.FillEvent)

	// NextResult overrides the outcome of the next BroadcastBatch call, for
	// exercising StaleOrder/InsufficientFunds/IllegalState/TransientError
	// paths deterministically. Reset to nil after one use.
	NextResult *core.BatchResult
}

// NewFake builds an empty fake seeded with the given totals and asset
// precisions.
func NewFake(totals AccountTotals, precision map[string]int) *Fake {
	return &Fake{
		totals:    totals,
		open:      make(map[string]OpenOrder),
		precision: precision,
		refPrice:  decimal.Zero,
	}
}

func (f *Fake) Subscribe(ctx context.Context, account string, onFill func(core.FillEvent), onError func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFill = onFill
	return nil
}

// PushFill delivers a fill to the registered subscriber, as the chain
// adapter's subscription transport would. Intended for tests driving the
// worker's event loop end to end.
func (f *Fake) PushFill(fill core.FillEvent) {
	f.mu.Lock()
	cb := f.onFill
	f.fills = append(f.fills, fill)
	f.mu.Unlock()
	if cb != nil {
		cb(fill)
	}
}

func (f *Fake) GetAccountTotals(ctx context.Context, account string) (AccountTotals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals, nil
}

// SetAccountTotals lets a test script a balance change between ticks.
func (f *Fake) SetAccountTotals(t AccountTotals) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totals = t
}

func (f *Fake) GetOpenOrders(ctx context.Context, account string) ([]OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OpenOrder, 0, len(f.open))
	for _, o := range f.open {
		out = append(out, o)
	}
	return out, nil
}

func (f *Fake) GetFillHistory(ctx context.Context, account string, sinceMs int64) ([]core.FillEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.FillEvent, len(f.fills))
	copy(out, f.fills)
	return out, nil
}

// BroadcastBatch applies ops against the fake's open-order book unless a
// scripted NextResult is queued, in which case that result is returned
// (and the book left untouched) exactly once.
func (f *Fake) BroadcastBatch(ctx context.Context, ops []Op) (core.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.NextResult != nil {
		res := *f.NextResult
		f.NextResult = nil
		return res, nil
	}

	outcomes := make([]core.ActionOutcome, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpCreate:
			f.idCounter++
			id := fmt.Sprintf("fake-order-%d", f.idCounter)
			f.open[id] = OpenOrder{ChainOrderID: id, Price: op.Price, RemainingSize: op.Size, Side: op.Side}
			outcomes = append(outcomes, core.ActionOutcome{ChainOrderID: id})
		case OpUpdate:
			if o, ok := f.open[op.ChainOrderID]; ok {
				o.RemainingSize = op.Size
				o.Price = op.Price
				f.open[op.ChainOrderID] = o
			}
			outcomes = append(outcomes, core.ActionOutcome{ChainOrderID: op.ChainOrderID})
		case OpCancel:
			delete(f.open, op.ChainOrderID)
			outcomes = append(outcomes, core.ActionOutcome{ChainOrderID: op.ChainOrderID})
		}
	}
	return core.BatchResult{Kind: core.Confirmed, Outcomes: outcomes}, nil
}

func (f *Fake) GetAssetPrecision(ctx context.Context, symbol string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.precision[symbol]
	if !ok {
		return 0, fmt.Errorf("chainadapter: no precision configured for asset %q", symbol)
	}
	return p, nil
}

func (f *Fake) GetReferencePrice(ctx context.Context, mode ReferenceMode, numeric decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mode == "" || mode == ReferenceMode("numeric") {
		return numeric, nil
	}
	return f.refPrice, nil
}

// SetReferencePrice seeds the value returned for pool/market/orderbook modes.
func (f *Fake) SetReferencePrice(p decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refPrice = p
}

func (f *Fake) GetAssetFees(ctx context.Context, asset string, amount decimal.Decimal, isMaker bool) (FeeQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fees, nil
}

// SetFeeQuote configures the fee quote every GetAssetFees call returns.
func (f *Fake) SetFeeQuote(q FeeQuote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fees = q
}

// FakeCredentialClient is a deterministic CredentialClient for tests.
type FakeCredentialClient struct {
	Keys map[string]Secret
}

func (c *FakeCredentialClient) PrivateKey(ctx context.Context, accountName string) (Secret, error) {
	k, ok := c.Keys[accountName]
	if !ok {
		return "", fmt.Errorf("chainadapter: no credential configured for account %q", accountName)
	}
	return k, nil
}
