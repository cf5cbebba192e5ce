package worker

import (
	"context"

	"dexmm/internal/core"
	"dexmm/internal/grid"
	"dexmm/internal/planner"
)

// Reset requests a reset: cancel every on-chain order, then reconcile the
// existing Grid against the chain. The Grid is not rebuilt from the bot's
// configuration, and the resolved configuration is not recomputed.
func (w *Worker) Reset(ctx context.Context) {
	ack := make(chan struct{})
	select {
	case w.control <- controlMsg{kind: controlReset, ack: ack}:
		<-ack
	case <-ctx.Done():
	}
}

// Disable stops the worker from reacting to further events without tearing
// down its in-memory state, per §6's control surface.
func (w *Worker) Disable(ctx context.Context) {
	ack := make(chan struct{})
	select {
	case w.control <- controlMsg{kind: controlDisable, ack: ack}:
		<-ack
	case <-ctx.Done():
	}
}

func (w *Worker) handleControl(ctx context.Context, msg controlMsg) {
	defer func() {
		if msg.ack != nil {
			close(msg.ack)
		}
	}()

	switch msg.kind {
	case controlReset:
		w.runReset(ctx)
	case controlDisable:
		w.disabled = true
		w.logger.Info("worker disabled via control request")
	case controlShutdown:
		w.shutdown(ctx)
	}
}

// runReset cancels every live order via the planner's EventReset path, then
// runs a fresh reconciliation pass so the Grid reflects whatever the chain
// confirms, rather than assuming every cancel succeeded.
func (w *Worker) runReset(ctx context.Context) {
	release, err := w.locks.acquireGridFund(ctx)
	if err != nil {
		w.logger.Error("grid/fund lock acquisition failed during reset", "error", err.Error())
		return
	}

	w.setState(StateRebalancing)
	master := w.currentGrid()
	wg := grid.Fork(master)

	result, err := planner.Plan(core.Event{Kind: core.EventReset}, wg, w.params)
	if err != nil {
		w.logger.Error("reset planning failed", "error", err.Error())
		w.setState(StateNormal)
		release()
		return
	}

	if len(result.Plan.Actions) == 0 {
		if _, cerr := w.gridStore.Commit(wg); cerr != nil {
			w.logger.Warn("reset no-op commit failed", "error", cerr.Error())
		}
		w.setState(StateNormal)
		release()
		return
	}

	w.broadcastAndCommit(ctx, wg, result.Plan)
	release()
	// A reset always reconciles afterward regardless of the batch outcome,
	// since the goal is a Grid that matches whatever the chain actually did
	// with the cancels, not just the happy path.
	w.finishReconcile(ctx, true)
}
