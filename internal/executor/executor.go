// Package executor broadcasts a Plan as one chain batch, enforces the
// pre-flight funds guard, and classifies the result into the behavioral
// taxonomy the worker reacts to.
package executor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"dexmm/internal/chainadapter"
	"dexmm/internal/core"
	"dexmm/internal/ledger"
	apperrors "dexmm/pkg/errors"
	"dexmm/pkg/retry"
	"dexmm/pkg/telemetry"
)

// Executor broadcasts Plans against a chainadapter.Adapter, one batch at a
// time.
type Executor struct {
	adapter chainadapter.Adapter
	logger  core.ILogger

	rateLimiter *rate.Limiter
	retryPolicy retry.RetryPolicy

	tracer       trace.Tracer
	batchCounter metric.Int64Counter
	staleCounter metric.Int64Counter
	retryCounter metric.Int64Counter
}

// New constructs an Executor. Broadcast batches are rate limited (a grid
// worker issues at most a handful of batches per rebalance cycle, so the
// limiter exists to protect the chain adapter from a runaway reaction loop
// rather than to model per-order throughput).
func New(adapter chainadapter.Adapter, logger core.ILogger) *Executor {
	tracer := telemetry.GetTracer("executor")
	meter := telemetry.GetMeter("executor")

	batchCounter, _ := meter.Int64Counter("gridcore_batches_broadcast_total",
		metric.WithDescription("Total number of Plan batches broadcast"))
	staleCounter, _ := meter.Int64Counter("gridcore_batches_stale_total",
		metric.WithDescription("Total number of batches rejected as StaleOrder"))
	retryCounter, _ := meter.Int64Counter("gridcore_batches_retried_total",
		metric.WithDescription("Total number of batch broadcast retries"))

	return &Executor{
		adapter:      adapter,
		logger:       logger.WithField("component", "executor"),
		rateLimiter:  rate.NewLimiter(rate.Limit(2), 4),
		retryPolicy:  retry.DefaultPolicy,
		tracer:       tracer,
		batchCounter: batchCounter,
		staleCounter: staleCounter,
		retryCounter: retryCounter,
	}
}

// Outcome is what Execute returns: the classified BatchResult the worker
// reacts to per §4.4, plus the ops that were actually sent so the caller
// can zip Result.Outcomes back to Grid slots positionally.
type Outcome struct {
	Result core.BatchResult
	Ops    []chainadapter.Op
}

// Execute runs the pre-flight funds check, converts the Plan into chain
// Ops (splitting ROTATE into a CANCEL+CREATE pair since the chain has no
// atomic rotate primitive), and broadcasts. TransientError results are
// retried with backoff internally; every other kind is returned to the
// caller for its own state-machine reaction.
func (e *Executor) Execute(ctx context.Context, plan core.Plan, shadow *ledger.Ledger) (Outcome, error) {
	if err := e.preflight(plan, shadow); err != nil {
		return Outcome{Result: core.BatchResult{Kind: core.InsufficientFunds, Err: err}}, nil
	}

	ops := toOps(plan)
	if len(ops) == 0 {
		return Outcome{Result: core.BatchResult{Kind: core.Confirmed}}, nil
	}

	ctx, span := e.tracer.Start(ctx, "Execute")
	defer span.End()
	span.SetAttributes(attribute.Int("ops", len(ops)))

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return Outcome{Ops: ops}, fmt.Errorf("executor: rate limiter wait: %w", err)
	}

	var result core.BatchResult
	err := retry.Do(ctx, e.retryPolicy, apperrors.IsTransient, func() error {
		r, err := e.adapter.BroadcastBatch(ctx, ops)
		if err != nil {
			return err
		}
		result = r
		if r.Kind == core.TransientError {
			e.retryCounter.Add(ctx, 1)
			if r.Err != nil {
				return r.Err
			}
			return apperrors.ErrTransient
		}
		return nil
	})
	if err != nil && result.Kind != core.TransientError {
		// The adapter call itself failed (not a classified BatchResult);
		// surface as TransientError so the caller's retry/backoff path
		// applies uniformly.
		result = core.BatchResult{Kind: core.TransientError, Err: err}
	}

	e.batchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result.Kind.String())))
	if result.Kind == core.StaleOrder {
		e.staleCounter.Add(ctx, 1)
	}

	if result.Kind == core.Confirmed {
		e.accrueOpFees(ctx, ops, shadow)
	}

	return Outcome{Result: result, Ops: ops}, nil
}

// preflight re-verifies per-side available funds against the Plan's
// required funds using the shadow Ledger, even though the planner should
// already have respected it (§4.4: "this guard runs even if the planner
// should already have").
func (e *Executor) preflight(plan core.Plan, shadow *ledger.Ledger) error {
	buy, sell := shadow.Snapshot()
	reqBuy := plan.RequiredFunds(core.SideBuy)
	reqSell := plan.RequiredFunds(core.SideSell)

	if reqBuy.GreaterThan(buy.Available) {
		return fmt.Errorf("%w: buy side requires %s, available %s", apperrors.ErrPlanInsufficientFunds, reqBuy, buy.Available)
	}
	if reqSell.GreaterThan(sell.Available) {
		return fmt.Errorf("%w: sell side requires %s, available %s", apperrors.ErrPlanInsufficientFunds, reqSell, sell.Available)
	}
	return nil
}

// toOps flattens a Plan's actions into chain ops, splitting ROTATE into a
// CANCEL (source) followed by a CREATE (destination) since broadcastBatch
// has no rotate primitive; the two ops still travel in the same batch so
// the chain confirms or rejects them together.
func toOps(plan core.Plan) []chainadapter.Op {
	var ops []chainadapter.Op
	for _, a := range plan.Actions {
		switch a.Kind {
		case core.ActionCreate:
			ops = append(ops, chainadapter.Op{Kind: chainadapter.OpCreate, Price: a.Price, Size: a.Size, Side: a.Side, ClientTag: slotTag(a.Slot), Slot: a.Slot})
		case core.ActionUpdate:
			ops = append(ops, chainadapter.Op{Kind: chainadapter.OpUpdate, ChainOrderID: a.ChainOrderID, Price: a.Price, Size: a.Size, Side: a.Side, Slot: a.Slot})
		case core.ActionCancel:
			ops = append(ops, chainadapter.Op{Kind: chainadapter.OpCancel, ChainOrderID: a.ChainOrderID, Side: a.Side, Slot: a.Slot})
		case core.ActionRotate:
			ops = append(ops,
				chainadapter.Op{Kind: chainadapter.OpCancel, ChainOrderID: a.ChainOrderID, Side: a.Side, Slot: a.Slot},
				chainadapter.Op{Kind: chainadapter.OpCreate, Price: a.Price, Size: a.Size, Side: a.Side, ClientTag: slotTag(a.DstSlot), Slot: a.DstSlot},
			)
		}
	}
	return ops
}

func slotTag(slot int) string {
	return fmt.Sprintf("slot-%d", slot)
}

// accrueOpFees charges feesOwed for every CREATE op in a confirmed batch,
// per §4.4: "only the chain operation lifecycle changes feesOwed." Fee
// lookup failures are logged and skipped rather than failing the whole
// (already-confirmed) batch.
func (e *Executor) accrueOpFees(ctx context.Context, ops []chainadapter.Op, shadow *ledger.Ledger) {
	for _, op := range ops {
		if op.Kind != chainadapter.OpCreate {
			continue
		}
		asset := assetSymbolFor(op.Side)
		quote, err := e.adapter.GetAssetFees(ctx, asset, op.Size, true)
		if err != nil {
			e.logger.Warn("fee lookup failed, skipping accrual", "side", op.Side.String(), "error", err.Error())
			continue
		}
		if quote.IsNativeFee {
			continue // native fee refund is already projected into netProceeds, not a ledger-side fee accrual
		}
		shadow.AccrueFee(op.Side, quote.CreationFee)
	}
}

func assetSymbolFor(side core.Side) string {
	if side == core.SideBuy {
		return "buy"
	}
	return "sell"
}
