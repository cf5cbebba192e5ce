package worker

import (
	"context"

	"dexmm/internal/chainadapter"
	"dexmm/internal/core"
	"dexmm/internal/grid"
	"dexmm/internal/planner"
	"dexmm/internal/reconciler"
	"dexmm/pkg/telemetry"
)

// handleEvent dispatches one popped event through the canonical
// fillLock -> gridLock -> fundLock pipeline. It acquires the chain once and
// runs the cycle body directly (runCycleLocked), since runCycle's own
// gridLock/fundLock acquisition would deadlock against the fillLock chain
// already held here.
func (w *Worker) handleEvent(ctx context.Context, ev core.Event) {
	if ev.Kind != core.EventFill {
		return
	}
	release, err := w.locks.acquireFillPipeline(ctx)
	if err != nil {
		w.logger.Error("fill pipeline lock acquisition failed", "error", err.Error())
		return
	}

	w.creditFills(ev.Fills)
	needsReconcile := w.runCycleLocked(ctx, func(wg *grid.WorkingGrid) (planner.Result, error) {
		return planner.Plan(ev, wg, w.params)
	})
	release()
	w.finishReconcile(ctx, needsReconcile)
}

// handlePeriodicTick runs, if NORMAL, the reconciler's drift check and the
// divergence/spread/boundary-sync checks. In any other state the whole tick
// is dropped rather than queued (§5 backpressure).
func (w *Worker) handlePeriodicTick(ctx context.Context) {
	if w.getState() != StateNormal {
		w.logger.Debug("periodic tick dropped, pipeline busy", "state", w.getState().String())
		return
	}

	w.runReconcileDrift(ctx)

	w.runCycle(ctx, func(wg *grid.WorkingGrid) (planner.Result, error) {
		return planner.Plan(core.Event{Kind: core.EventDivergenceCheck}, wg, w.params)
	})
	w.runCycle(ctx, func(wg *grid.WorkingGrid) (planner.Result, error) {
		return planner.Plan(core.Event{Kind: core.EventSpreadCheck}, wg, w.params)
	})
	w.runBoundarySync(ctx)
}

// runReconcileDrift fetches fresh open orders and corrects any slot whose
// on-chain price drifted outside tolerance, per §4.5's PeriodicTick.
func (w *Worker) runReconcileDrift(ctx context.Context) {
	release, err := w.locks.acquireReconcilePipeline(ctx)
	if err != nil {
		w.logger.Error("reconcile pipeline lock acquisition failed", "error", err.Error())
		return
	}

	master := w.currentGrid()
	drifted, err := w.recon.PeriodicTick(ctx, w.acctIdentity(), master)
	if err != nil {
		w.logger.Warn("periodic reconcile tick failed", "error", err.Error())
		release()
		return
	}
	if len(drifted) == 0 {
		release()
		return
	}

	wg := grid.Fork(master)
	var actions []core.Action
	for _, d := range drifted {
		slot := d.SlotIndex
		newPrice := d.Price
		_ = wg.Update(slot, func(o core.Order) core.Order {
			o.Price = newPrice
			return o
		})
		actions = append(actions, core.Action{
			Kind:         core.ActionUpdate,
			Slot:         slot,
			ChainOrderID: d.ChainOrderID,
			Price:        newPrice,
			Size:         d.Size,
			Side:         roleSideOf(d.Role),
			Reason:       "reconcile-price-drift",
		})
	}
	if len(actions) == 0 {
		release()
		return
	}
	needsReconcile := w.broadcastAndCommit(ctx, wg, core.Plan{Actions: actions})
	release()
	w.finishReconcile(ctx, needsReconcile)
}

func (w *Worker) acctIdentity() reconciler.Account {
	return reconciler.Account{Account: w.account, CurrentSessionID: w.sessionID, PreviousSessionID: w.previousSessionID}
}

// runBoundarySync resolves BoundaryInputs from the Ledger and invokes the
// planner's dedicated entry point, since generic dispatch is a no-op for
// EventBoundarySync (the planner never reads the Ledger itself).
func (w *Worker) runBoundarySync(ctx context.Context) {
	buy, sell := w.ledger.Snapshot()
	w.runCycle(ctx, func(wg *grid.WorkingGrid) (planner.Result, error) {
		return planner.PlanBoundarySync(wg, w.params, planner.BoundaryInputs{
			BuyFree: buy.ChainFree, SellFree: sell.ChainFree,
		})
	})
}

// runCycle acquires gridLock/fundLock itself and runs the cycle body. Used
// by callers that don't already hold that chain (divergence/spread/boundary
// checks); callers that already hold it (the fill pipeline) must call
// runCycleLocked directly instead.
func (w *Worker) runCycle(ctx context.Context, planFn func(*grid.WorkingGrid) (planner.Result, error)) {
	release, err := w.locks.acquireGridFund(ctx)
	if err != nil {
		w.logger.Error("grid/fund lock acquisition failed", "error", err.Error())
		return
	}
	needsReconcile := w.runCycleLocked(ctx, planFn)
	release()
	w.finishReconcile(ctx, needsReconcile)
}

// runCycleLocked forks the master Grid, runs planFn to produce a Result,
// and — if it produced any chain actions — broadcasts and commits. A plan
// with no actions broadcasts nothing but still commits the WorkingGrid (so
// a staged boundary shift lands); its only state transition is into and
// back out of REBALANCING within this call. The caller
// must already hold gridLock and fundLock (and fillLock/reconcileLock if
// applicable); it reports whether a reconcile pass is needed once those
// locks are released.
func (w *Worker) runCycleLocked(ctx context.Context, planFn func(*grid.WorkingGrid) (planner.Result, error)) (needsReconcile bool) {
	w.setState(StateRebalancing)
	master := w.currentGrid()
	wg := grid.Fork(master)

	result, err := planFn(wg)
	if err != nil {
		w.logger.Error("planning failed", "error", err.Error())
		w.setState(StateNormal)
		return false
	}

	if !result.Cache.Sell.IsZero() {
		w.ledger.AddCache(core.SideSell, result.Cache.Sell)
	}
	if !result.Cache.Buy.IsZero() {
		w.ledger.AddCache(core.SideBuy, result.Cache.Buy)
	}

	if len(result.Plan.Actions) == 0 {
		// No chain actions, but the WorkingGrid may still carry a pending
		// boundary shift (boundary sync moves boundaryIdx without emitting
		// an action); commit it directly.
		if newMaster, cerr := w.gridStore.Commit(wg); cerr == nil {
			if err := w.ledger.Recalculate(newMaster.Summary()); err != nil {
				w.logger.Error("ledger recalculate after no-op commit failed", "error", err.Error())
			}
		}
		w.setState(StateNormal)
		return false
	}

	return w.broadcastAndCommit(ctx, wg, result.Plan)
}

// finishReconcile runs a reconciliation pass after the gridLock/fundLock
// pair used by the triggering cycle has already been released (reconcileNow
// re-acquires them as part of reconcileLock -> gridLock -> fundLock, which
// would deadlock against the same goroutine if called while still held).
func (w *Worker) finishReconcile(ctx context.Context, needed bool) {
	if !needed {
		return
	}
	w.reconcileNow(ctx)
	if w.getState() == StateResyncing {
		w.setState(StateNormal)
	}
}

// broadcastAndCommit enters BROADCASTING, executes the Plan, and reacts to
// the classified BatchResult per §4.4/§7. On Confirmed the provisional
// WorkingGrid commits, then a second small commit applies the executor's
// assigned chainOrderIds. It must be called with gridLock/fundLock already
// held by the caller; it never reconciles itself (that requires releasing
// those locks first) — it only reports whether the caller should, via the
// returned needsReconcile.
func (w *Worker) broadcastAndCommit(ctx context.Context, wg *grid.WorkingGrid, plan core.Plan) (needsReconcile bool) {
	w.setState(StateBroadcasting)

	outcome, err := w.exec.Execute(ctx, plan, w.ledger)
	if err != nil {
		w.logger.Error("executor call failed", "error", err.Error())
		w.setState(StateNormal)
		return false
	}

	m := telemetry.GetGlobalMetrics()
	switch outcome.Result.Kind {
	case core.Confirmed:
		newMaster, cerr := w.gridStore.Commit(wg)
		if cerr != nil {
			w.logger.Warn("plan commit lost generation race, discarding", "error", cerr.Error())
			w.setState(StateNormal)
			return false
		}
		confirmedWg := applyOutcomes(newMaster, outcome.Ops, outcome.Result.Outcomes)
		finalMaster, cerr := w.gridStore.Commit(confirmedWg)
		if cerr != nil {
			w.logger.Warn("confirm commit lost generation race", "error", cerr.Error())
			finalMaster = newMaster
		}
		if err := w.ledger.Recalculate(finalMaster.Summary()); err != nil {
			w.logger.Error("ledger recalculate after commit failed", "error", err.Error())
		}
		m.SetGridGeneration(w.botKey, finalMaster.Generation)
		m.PlanCommitsTotal.Add(ctx, 1)
		w.setState(StateConfirmed)
		w.persist(ctx)
		w.setState(StateNormal)
		return false

	case core.StaleOrder:
		w.recon.MarkStaleIDs(outcome.Result.StaleIDs)
		w.logger.Warn("batch reported stale orders, scheduling reconcile", "ids", len(outcome.Result.StaleIDs))
		// StateResyncing is only reachable from StateNormal, so the discarded
		// WorkingGrid settles back to NORMAL first before the resync begins.
		w.setState(StateNormal)
		w.setState(StateResyncing)
		return true

	case core.InsufficientFunds:
		w.logger.Warn("batch rejected for insufficient funds, refreshing totals next tick", "error", errString(outcome.Result.Err))
		w.setState(StateNormal)
		return false

	case core.IllegalState:
		w.logger.Error("batch reported illegal state, scheduling reconcile", "error", errString(outcome.Result.Err))
		w.setState(StateNormal)
		w.setState(StateResyncing)
		return true

	case core.TransientError:
		w.logger.Warn("batch exhausted retries as transient", "error", errString(outcome.Result.Err))
		w.setState(StateNormal)
		return false

	default:
		w.setState(StateNormal)
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// applyOutcomes zips a confirmed batch's ops back to Grid slots
// positionally (BatchResult.Outcomes correspond 1:1 to the ops sent),
// marking CREATE destinations ACTIVE with their assigned chainOrderId.
// CANCEL/UPDATE targets already carry their final state from planning.
func applyOutcomes(master *grid.Grid, ops []chainadapter.Op, outcomes []core.ActionOutcome) *grid.WorkingGrid {
	wg := grid.Fork(master)
	for i, op := range ops {
		if i >= len(outcomes) {
			break
		}
		oc := outcomes[i]
		if op.Kind != chainadapter.OpCreate {
			continue
		}
		_ = wg.Update(op.Slot, func(o core.Order) core.Order {
			o.State = core.StateActive
			o.ChainOrderID = oc.ChainOrderID
			return o
		})
	}
	return wg
}

// reconcileNow runs a fresh startup-style reconciliation pass against the
// current master Grid, used after StaleOrder/IllegalState.
func (w *Worker) reconcileNow(ctx context.Context) {
	release, err := w.locks.acquireReconcilePipeline(ctx)
	if err != nil {
		w.logger.Error("reconcile lock acquisition failed", "error", err.Error())
		return
	}
	defer release()

	master := w.currentGrid()
	result, err := w.recon.StartupReconcile(ctx, w.acctIdentity(), master, w.ledger)
	if err != nil {
		w.logger.Error("reconcile pass failed", "error", err.Error())
		return
	}
	w.creditFills(result.CreditFills)
	newMaster, cerr := w.gridStore.Commit(grid.Fork(result.Grid))
	if cerr != nil {
		w.logger.Warn("reconcile commit lost generation race", "error", cerr.Error())
		newMaster = result.Grid
	}
	if err := w.ledger.Recalculate(newMaster.Summary()); err != nil {
		w.logger.Error("ledger recalculate after reconcile failed", "error", err.Error())
	}
	w.persist(ctx)
}
