// Package reconciler brings internal Grid/Ledger state into agreement with
// the chain at startup, periodically, after batch failures, and on
// explicit request, per §4.5.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"dexmm/internal/chainadapter"
	"dexmm/internal/config"
	"dexmm/internal/core"
	"dexmm/internal/grid"
	"dexmm/internal/ledger"
	"dexmm/pkg/concurrency"
	apperrors "dexmm/pkg/errors"
)

// PriceTolerance is the relative price band within which an on-chain order
// is considered an "exact slot match" rather than requiring an Update.
var PriceTolerance = decimal.NewFromFloat(0.0005)

// Reconciler reconciles a Grid/Ledger pair against the chain adapter.
type Reconciler struct {
	adapter chainadapter.Adapter
	logger  core.ILogger
	pool    *concurrency.WorkerPool

	mu              sync.Mutex
	staleCleanedIDs map[string]time.Time // TTL dedup shield against orphan-fill double-credit
	staleTTL        time.Duration
}

// New constructs a Reconciler. cfg sizes the bounded worker pool its
// startup pass uses to fan the independent chain-adapter queries
// (totals, open orders, fill history) out concurrently rather than
// round-tripping them one at a time.
func New(adapter chainadapter.Adapter, logger core.ILogger, cfg config.ConcurrencyConfig) *Reconciler {
	logger = logger.WithField("component", "reconciler")
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "reconciler-fanout",
		MaxWorkers:  cfg.ReconcilePoolSize,
		MaxCapacity: cfg.ReconcilePoolBuffer,
	}, logger)
	return &Reconciler{
		adapter:         adapter,
		logger:          logger,
		pool:            pool,
		staleCleanedIDs: make(map[string]time.Time),
		staleTTL:        time.Hour,
	}
}

// Result is what a reconciliation pass produces: the reconstructed Grid,
// recalculated Ledger summary inputs, any drift detected, and fills that
// must still be credited to the Ledger by the caller (the worker holds
// fundLock while crediting, reconciler only classifies).
type Result struct {
	Grid          *grid.Grid
	CreditFills   []core.FillEvent
	DriftDetected bool
	DriftDetail   string
}

// Account identifies the chain account a bot's orders live under, plus the
// session marker needed by the session-identity guard.
type Account struct {
	Account           string
	CurrentSessionID  string
	PreviousSessionID string // empty on a clean first run
}

// StartupReconcile implements the algorithm in §4.5: load the persisted
// Grid (already provided by the caller as persisted), fetch live chain
// state, classify every on-chain order against it, and re-derive
// chainCommitted for comparison against the chain's own total-minus-free.
func (r *Reconciler) StartupReconcile(ctx context.Context, acct Account, persisted *grid.Grid, l *ledger.Ledger) (Result, error) {
	var totals chainadapter.AccountTotals
	var openOrders []chainadapter.OpenOrder
	var fillHistory []core.FillEvent

	var eg errgroup.Group
	eg.Go(func() error {
		var err error
		r.pool.SubmitAndWait(func() {
			totals, err = r.adapter.GetAccountTotals(ctx, acct.Account)
		})
		if err != nil {
			return fmt.Errorf("%w: fetching account totals: %v", apperrors.ErrTransient, err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		r.pool.SubmitAndWait(func() {
			openOrders, err = r.adapter.GetOpenOrders(ctx, acct.Account)
		})
		if err != nil {
			return fmt.Errorf("%w: fetching open orders: %v", apperrors.ErrTransient, err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		r.pool.SubmitAndWait(func() {
			fillHistory, err = r.adapter.GetFillHistory(ctx, acct.Account, 0)
		})
		if err != nil {
			return fmt.Errorf("%w: fetching fill history: %v", apperrors.ErrTransient, err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	openByID := make(map[string]chainadapter.OpenOrder, len(openOrders))
	for _, o := range openOrders {
		openByID[o.ChainOrderID] = o
	}

	slots := make([]core.Order, len(persisted.Slots))
	copy(slots, persisted.Slots)

	var creditFills []core.FillEvent
	var chainCommittedBuy, chainCommittedSell decimal.Decimal
	claimed := make(map[string]bool, len(openOrders))

	for i, slot := range slots {
		if slot.State == core.StateVirtual {
			continue
		}

		// Session-identity guard: an order tagged with a stale sessionId
		// may only be adopted if its chainOrderId is confirmed present in
		// openOrders; otherwise it is potentially stale and treated as
		// already-resolved (fall through to the no-match branches below).
		staleSession := acct.PreviousSessionID != "" && slot.SessionID == acct.PreviousSessionID

		live, stillOpen := openByID[slot.ChainOrderID]
		switch {
		case stillOpen && !staleSession:
			// Exact or adjacent-slot match: adopt, resync size/state from
			// the observed remaining size.
			slots[i] = adoptOrder(slot, live)
			claimed[slot.ChainOrderID] = true
		case stillOpen && staleSession:
			// Confirmed present despite being from a prior session:
			// adoption is allowed per the guard's explicit exception.
			slots[i] = adoptOrder(slot, live)
			claimed[slot.ChainOrderID] = true
		default:
			// Not in openOrders: either fully filled (credit from
			// fillHistory, exactly once) or cancelled out from under us.
			if fill, ok := r.findFillFor(slot.ChainOrderID, fillHistory); ok {
				creditFills = append(creditFills, fill)
			}
			slots[i] = clearVirtual(slot)
		}
	}

	// Cold-start adoption: a slot with no prior chainOrderId (a freshly
	// built Grid, or one the above pass left Virtual) is matched against
	// any still-unclaimed live order of the matching role by price, so a
	// worker starting against a book it did not itself place still adopts
	// it rather than re-broadcasting duplicates alongside it.
	for i, slot := range slots {
		if slot.State != core.StateVirtual || slot.Role == core.RoleSpread {
			continue
		}
		wantSide := core.SideBuy
		if slot.Role == core.RoleSell {
			wantSide = core.SideSell
		}
		for id, live := range openByID {
			if claimed[id] || live.Side != wantSide {
				continue
			}
			if !pricesMatch(slot.Price, live.Price) {
				continue
			}
			slots[i] = coldAdopt(slot, live, acct.CurrentSessionID)
			claimed[id] = true
			break
		}
	}

	for _, slot := range slots {
		switch slot.Role {
		case core.RoleBuy:
			chainCommittedBuy = chainCommittedBuy.Add(slot.Size)
		case core.RoleSell:
			chainCommittedSell = chainCommittedSell.Add(slot.Size)
		}
	}

	rebuilt := &grid.Grid{
		Slots:            slots,
		BoundaryIdx:      persisted.BoundaryIdx,
		GapSlots:         persisted.GapSlots,
		SessionID:        acct.CurrentSessionID,
		Generation:       persisted.Generation,
		MinPrice:         persisted.MinPrice,
		MaxPrice:         persisted.MaxPrice,
		IncrementPercent: persisted.IncrementPercent,
		SellAsset:        persisted.SellAsset,
		BuyAsset:         persisted.BuyAsset,
	}

	res := Result{Grid: rebuilt, CreditFills: dedupFills(r.filterAlreadyCredited(creditFills))}

	observedCommittedBuy := totals.BuyTotal.Sub(totals.BuyFree)
	observedCommittedSell := totals.SellTotal.Sub(totals.SellFree)
	tol := decimal.NewFromFloat(0.001)
	if driftExceeds(chainCommittedBuy, observedCommittedBuy, tol) || driftExceeds(chainCommittedSell, observedCommittedSell, tol) {
		res.DriftDetected = true
		res.DriftDetail = fmt.Sprintf("re-derived chainCommitted (buy=%s sell=%s) vs chain-observed (buy=%s sell=%s)",
			chainCommittedBuy, chainCommittedSell, observedCommittedBuy, observedCommittedSell)
		r.logger.Warn("reconciliation drift detected", "detail", res.DriftDetail)
	}

	if err := l.SetChainTotals(totals.BuyTotal, totals.BuyFree, totals.SellTotal, totals.SellFree); err != nil {
		return res, err
	}

	return res, nil
}

func adoptOrder(slot core.Order, live chainadapter.OpenOrder) core.Order {
	slot.State = core.StateActive
	if live.RemainingSize.LessThan(slot.OriginalSize) && live.RemainingSize.IsPositive() {
		slot.State = core.StatePartial
	}
	slot.Size = live.RemainingSize
	return slot
}

// coldAdopt wires a Virtual slot to a live on-chain order it was never
// persisted as owning, used for the cold-start adoption pass.
func coldAdopt(slot core.Order, live chainadapter.OpenOrder, sessionID string) core.Order {
	slot.State = core.StateActive
	slot.ChainOrderID = live.ChainOrderID
	slot.Size = live.RemainingSize
	slot.OriginalSize = live.RemainingSize
	slot.SessionID = sessionID
	return slot
}

// pricesMatch reports whether a live order's price falls within
// PriceTolerance of a Grid slot's price, the criterion cold-start adoption
// uses to assign an observed order to the slot it was meant to occupy.
func pricesMatch(slotPrice, livePrice core.Price) bool {
	sr := slotPrice.Ratio()
	lr := livePrice.Ratio()
	if sr.IsZero() {
		return lr.IsZero()
	}
	diff := sr.Sub(lr).Abs().Div(sr)
	return diff.LessThanOrEqual(PriceTolerance)
}

func clearVirtual(slot core.Order) core.Order {
	slot.State = core.StateVirtual
	slot.ChainOrderID = ""
	slot.Size = decimal.Zero
	slot.OriginalSize = decimal.Zero
	return slot
}

func (r *Reconciler) findFillFor(chainOrderID string, history []core.FillEvent) (core.FillEvent, bool) {
	if chainOrderID == "" {
		return core.FillEvent{}, false
	}
	for _, f := range history {
		if f.ChainOrderID == chainOrderID {
			return f, true
		}
	}
	return core.FillEvent{}, false
}

// filterAlreadyCredited drops fills whose chainOrderId is already recorded
// in staleCleanedIds, the orphan-fill double-credit guard from §4.5: when
// the executor reports StaleOrder(idSet), those ids are marked here via
// MarkStaleIDs *before* a later reconciliation pass would otherwise credit
// the same fill a second time from fillHistory.
func (r *Reconciler) filterAlreadyCredited(fills []core.FillEvent) []core.FillEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneStaleLocked()

	out := make([]core.FillEvent, 0, len(fills))
	for _, f := range fills {
		if _, seen := r.staleCleanedIDs[f.ChainOrderID]; seen {
			continue
		}
		r.staleCleanedIDs[f.ChainOrderID] = time.Now()
		out = append(out, f)
	}
	return out
}

func (r *Reconciler) pruneStaleLocked() {
	cutoff := time.Now().Add(-r.staleTTL)
	for k, t := range r.staleCleanedIDs {
		if t.Before(cutoff) {
			delete(r.staleCleanedIDs, k)
		}
	}
}

// MarkStaleIDs records chainOrderIds the executor reported as StaleOrder,
// so that if fillHistory later surfaces a fill for the same id the
// reconciler credits it exactly once rather than double-counting it
// through both the StaleOrder path and a later orphan-fill sighting.
func (r *Reconciler) MarkStaleIDs(ids map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id := range ids {
		r.staleCleanedIDs[id] = now
	}
}

func dedupFills(fills []core.FillEvent) []core.FillEvent {
	seen := make(map[string]bool, len(fills))
	out := make([]core.FillEvent, 0, len(fills))
	for _, f := range fills {
		key := f.ID()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

func driftExceeds(derived, observed, relTol decimal.Decimal) bool {
	diff := derived.Sub(observed).Abs()
	base := observed.Abs()
	if base.IsZero() {
		return diff.IsPositive()
	}
	return diff.Div(base).GreaterThan(relTol)
}

// PeriodicTick fetches fresh totals, walks open orders once, and returns
// price-correction actions for slots whose on-chain price drifted outside
// PriceTolerance. No-op updates (sub-precision or equal after quantization)
// are suppressed by the caller comparing old vs new size/price before
// emitting an Update action.
func (r *Reconciler) PeriodicTick(ctx context.Context, acct Account, g *grid.Grid) ([]core.Order, error) {
	openOrders, err := r.adapter.GetOpenOrders(ctx, acct.Account)
	if err != nil {
		return nil, fmt.Errorf("%w: periodic tick open orders: %v", apperrors.ErrTransient, err)
	}
	openByID := make(map[string]chainadapter.OpenOrder, len(openOrders))
	for _, o := range openOrders {
		openByID[o.ChainOrderID] = o
	}

	var drifted []core.Order
	for _, slot := range g.Slots {
		if slot.State == core.StateVirtual || slot.ChainOrderID == "" {
			continue
		}
		live, ok := openByID[slot.ChainOrderID]
		if !ok {
			continue
		}
		if priceDrifted(slot.Price, live.Price) {
			updated := slot
			updated.Price = live.Price
			drifted = append(drifted, updated)
		}
	}
	return drifted, nil
}

func priceDrifted(persisted, live core.Price) bool {
	ratio := persisted.Ratio()
	liveRatio := live.Ratio()
	if ratio.IsZero() {
		return !liveRatio.IsZero()
	}
	diff := ratio.Sub(liveRatio).Abs().Div(ratio)
	return diff.GreaterThan(PriceTolerance)
}
