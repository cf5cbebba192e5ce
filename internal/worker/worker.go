package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dexmm/internal/chainadapter"
	"dexmm/internal/config"
	"dexmm/internal/core"
	"dexmm/internal/executor"
	"dexmm/internal/grid"
	"dexmm/internal/ledger"
	"dexmm/internal/persistence"
	"dexmm/internal/planner"
	"dexmm/internal/reconciler"
	apperrors "dexmm/pkg/errors"
	"dexmm/pkg/telemetry"
)

// PipelineTimeout clears a stuck REBALANCING/BROADCASTING state without
// touching orders, per §5's backpressure safeguard (default 5 minutes).
var PipelineTimeout = 5 * time.Minute

// PeriodicTickInterval drives divergence/spread/boundary/reconciler-drift
// checks outside of fill reaction.
var PeriodicTickInterval = 30 * time.Second

// Deps bundles everything a Worker needs beyond the bot's own
// configuration: the chain adapter, the logger, and the directories/paths
// persistence and credentials live at.
type Deps struct {
	BotKey      string
	Account     string
	Adapter     chainadapter.Adapter
	Credentials chainadapter.CredentialClient
	Logger      core.ILogger
	StateDir    string
	// Concurrency sizes the reconciler's chain-adapter fan-out pool; the
	// zero value falls back to concurrency.NewWorkerPool's own defaults.
	Concurrency config.ConcurrencyConfig
}

// Worker owns one trading pair's Grid/Ledger pair and runs the single
// consumer event loop of §5/§9: callbacks enqueue events, one loop pops
// them and runs the planner/executor/commit sequence synchronously inside
// the canonical lock order.
type Worker struct {
	botKey  string
	account string
	logger  core.ILogger

	adapter     chainadapter.Adapter
	credentials chainadapter.CredentialClient

	bot    config.BotConfig
	params planner.Params

	sellAsset, buyAsset core.Asset

	gridStore *grid.Store
	ledger    *ledger.Ledger
	exec      *executor.Executor
	recon     *reconciler.Reconciler
	store     *persistence.Store
	locks     *Locks

	sessionID         string
	previousSessionID string

	stateMu sync.Mutex
	state   State

	processedMu    sync.Mutex
	processedFills map[string]int64

	events  chan core.Event
	control chan controlMsg
	done    chan struct{}

	disabled bool
}

type controlKind int

const (
	controlReset controlKind = iota
	controlDisable
	controlShutdown
)

type controlMsg struct {
	kind controlKind
	ack  chan struct{}
}

// New constructs a Worker. Bootstrap must be called before Run.
func New(deps Deps, bot config.BotConfig) *Worker {
	return &Worker{
		botKey:         deps.BotKey,
		account:        deps.Account,
		logger:         deps.Logger.WithField("component", "worker").WithField("bot", deps.BotKey),
		adapter:        deps.Adapter,
		credentials:    deps.Credentials,
		bot:            bot,
		exec:           executor.New(deps.Adapter, deps.Logger),
		recon:          reconciler.New(deps.Adapter, deps.Logger, deps.Concurrency),
		store:          persistence.NewStore(deps.StateDir, deps.BotKey),
		locks:          NewLocks(),
		processedFills: make(map[string]int64),
		events:         make(chan core.Event, 256),
		control:        make(chan controlMsg),
		done:           make(chan struct{}),
		state:          StateBootstrapping,
	}
}

// Bootstrap implements §4.3 event 0 / §4.5's startup path: resolve config
// against live chain state, load or build the Grid, run startup
// reconciliation, and transition to NORMAL. The worker must not enter
// NORMAL with an invalid config (ConfigError fails loudly per §7).
func (w *Worker) Bootstrap(ctx context.Context) error {
	if w.bot.Disabled {
		w.disabled = true
		w.logger.Info("bot disabled in configuration, skipping bootstrap")
		return nil
	}

	persisted, existed, err := w.store.Load()
	if err != nil {
		return fmt.Errorf("%w: bootstrap load: %v", apperrors.ErrPersist, err)
	}
	if existed {
		w.previousSessionID = persisted.SessionID
		for id, ts := range persisted.ProcessedFills {
			w.processedFills[id] = ts
		}
	}
	w.sessionID = uuid.NewString()

	totals, err := w.adapter.GetAccountTotals(ctx, w.account)
	if err != nil {
		return fmt.Errorf("%w: bootstrap account totals: %v", apperrors.ErrTransient, err)
	}

	rc, err := resolveBotConfig(ctx, w.adapter, w.bot, totals)
	if err != nil {
		return err
	}
	w.sellAsset = core.Asset{Symbol: w.bot.AssetA, Precision: rc.sellPrecision}
	w.buyAsset = core.Asset{Symbol: w.bot.AssetB, Precision: rc.buyPrecision}
	w.ledger = ledger.New(rc.buyPrecision, rc.sellPrecision)
	w.params = buildPlannerParams(w.bot, rc)

	var baseGrid *grid.Grid
	if existed && len(persisted.Grid.Slots) > 0 {
		baseGrid = &grid.Grid{
			Slots:       persistence.ToOrders(persisted.Grid, persisted.SessionID),
			BoundaryIdx: persisted.Grid.BoundaryIdx,
			GapSlots:    persisted.Grid.GapSlots,
			SessionID:   w.sessionID,
			Generation:  persisted.Generation,
		}
		built, berr := grid.Build(grid.BuildParams{
			SellAsset: w.sellAsset, BuyAsset: w.buyAsset,
			MinPrice: rc.minPrice, MaxPrice: rc.maxPrice,
			IncrementPercent: w.bot.IncrementPercent, RefPrice: rc.startPrice,
			TargetSpreadPercent: w.bot.TargetSpreadPercent, SessionID: w.sessionID,
		})
		if berr != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrConfig, berr)
		}
		baseGrid.MinPrice, baseGrid.MaxPrice = built.MinPrice, built.MaxPrice
		baseGrid.IncrementPercent = built.IncrementPercent
		baseGrid.SellAsset, baseGrid.BuyAsset = built.SellAsset, built.BuyAsset
	} else {
		built, berr := grid.Build(grid.BuildParams{
			SellAsset: w.sellAsset, BuyAsset: w.buyAsset,
			MinPrice: rc.minPrice, MaxPrice: rc.maxPrice,
			IncrementPercent: w.bot.IncrementPercent, RefPrice: rc.startPrice,
			TargetSpreadPercent: w.bot.TargetSpreadPercent, SessionID: w.sessionID,
		})
		if berr != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrConfig, berr)
		}
		baseGrid = built
	}

	result, err := w.recon.StartupReconcile(ctx, reconciler.Account{
		Account:           w.account,
		CurrentSessionID:  w.sessionID,
		PreviousSessionID: w.previousSessionID,
	}, baseGrid, w.ledger)
	if err != nil {
		return err
	}
	if result.DriftDetected {
		w.logger.Warn("startup reconciliation drift detected", "detail", result.DriftDetail)
	}

	w.creditFills(result.CreditFills)

	if err := w.ledger.Recalculate(result.Grid.Summary()); err != nil {
		w.logger.Error("ledger recalculate failed at bootstrap", "error", err.Error())
	}

	w.gridStore = grid.NewStore(result.Grid)
	telemetry.GetGlobalMetrics().SetGridGeneration(w.botKey, result.Grid.Generation)

	if err := w.adapter.Subscribe(ctx, w.account, w.onFill, w.onSubscribeError); err != nil {
		return fmt.Errorf("%w: subscribe: %v", apperrors.ErrTransient, err)
	}

	w.setState(StateNormal)
	w.persist(ctx)
	return nil
}

func buildPlannerParams(bot config.BotConfig, rc resolvedConfig) planner.Params {
	bot = bot.WithDefaults()
	return planner.Params{
		PartialDustThresholdPercent: bot.PartialDustThresholdPercent,
		DivergenceThresholdPercent:  bot.DivergenceThresholdPercent,
		TargetSpreadPercent:         bot.TargetSpreadPercent,
		ToleranceSteps:              bot.SpreadToleranceSteps,
		WeightDistributionSell:      parseWeight(bot.WeightDistribution.Sell),
		WeightDistributionBuy:       parseWeight(bot.WeightDistribution.Buy),
		BudgetSell:                  rc.budgetSell,
		BudgetBuy:                   rc.budgetBuy,
		MinEconomicSizeSell:         rc.minEconomicSizeSell,
		MinEconomicSizeBuy:          rc.minEconomicSizeBuy,
		MaxFillsPerRebalance:        bot.MaxFillBatchSize,
	}
}

func parseWeight(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// onFill is the chain adapter's subscription callback; it must be thin per
// §9 ("event-loop callbacks are thin — they enqueue events") and never
// block on locks itself.
func (w *Worker) onFill(f core.FillEvent) {
	select {
	case w.events <- core.Event{Kind: core.EventFill, Fills: []core.FillEvent{f}}:
	case <-w.done:
	}
}

func (w *Worker) onSubscribeError(err error) {
	w.logger.Warn("chain subscription error", "error", err.Error())
}

// Run is the single consumer loop: it pops one event/control message at a
// time and processes it to completion before the next, so no computation
// ever races another computation (§5: "no computation yields").
func (w *Worker) Run(ctx context.Context) {
	if w.disabled {
		return
	}
	ticker := time.NewTicker(PeriodicTickInterval)
	defer ticker.Stop()
	pipelineGuard := time.NewTicker(PipelineTimeout)
	defer pipelineGuard.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown(context.Background())
			return
		case ev := <-w.events:
			if w.disabled {
				continue
			}
			w.handleEvent(ctx, ev)
		case <-ticker.C:
			if w.disabled {
				continue
			}
			w.handlePeriodicTick(ctx)
		case <-pipelineGuard.C:
			w.checkPipelineTimeout()
		case msg := <-w.control:
			w.handleControl(ctx, msg)
			if msg.kind == controlShutdown {
				return
			}
		}
	}
}

// Shutdown requests a graceful stop: drain the in-flight batch (the
// current event finishes processing since control messages are handled
// between events, never interrupting one), stop accepting subscription
// callbacks into the event queue, flush persistence. The chain
// subscription itself is not closed.
func (w *Worker) Shutdown(ctx context.Context) {
	ack := make(chan struct{})
	select {
	case w.control <- controlMsg{kind: controlShutdown, ack: ack}:
		<-ack
	case <-ctx.Done():
	}
}

func (w *Worker) shutdown(ctx context.Context) {
	close(w.done)
	w.persist(ctx)
	w.logger.Info("worker shutdown complete")
}

// checkPipelineTimeout clears a stuck REBALANCING/BROADCASTING flag back
// to NORMAL without touching any order, unblocking maintenance per §5.
func (w *Worker) checkPipelineTimeout() {
	s := w.getState()
	if s == StateRebalancing || s == StateBroadcasting {
		w.logger.Warn("pipeline timeout safeguard fired, clearing stuck state", "from", s.String())
		w.setState(StateNormal)
	}
}

func (w *Worker) getState() State {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

func (w *Worker) setState(next State) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if !canTransition(w.state, next) {
		w.logger.Warn("illegal state transition attempted", "from", w.state.String(), "to", next.String())
		return
	}
	w.state = next
	telemetry.GetGlobalMetrics().SetWorkerState(w.botKey, int64(next))
}

// creditFills applies not-yet-processed fills to the Ledger, guarded by
// the processedFills dedup map so a fill is credited at most once across
// arbitrary restart sequences (§8 property 5).
func (w *Worker) creditFills(fills []core.FillEvent) {
	sort.Slice(fills, func(i, j int) bool {
		if fills[i].BlockNum != fills[j].BlockNum {
			return fills[i].BlockNum < fills[j].BlockNum
		}
		return fills[i].HistoryID < fills[j].HistoryID
	})

	w.processedMu.Lock()
	defer w.processedMu.Unlock()

	g := w.currentGrid()
	for _, f := range fills {
		id := f.ID()
		if _, seen := w.processedFills[id]; seen {
			continue
		}
		o, ok := g.LookupByChainOrderId(f.ChainOrderID)
		side := core.SideBuy
		if ok {
			side = roleSideOf(o.Role)
		}
		if err := w.ledger.ApplyFill(side, f.Received, decimal.Zero, ledger.FeeAssetNative); err != nil {
			w.logger.Error("ledger apply fill failed", "error", err.Error(), "fill", id)
		}
		w.processedFills[id] = nowMs()
	}
}

func (w *Worker) currentGrid() *grid.Grid {
	if w.gridStore == nil {
		return &grid.Grid{}
	}
	return w.gridStore.Load()
}

func roleSideOf(role core.Role) core.Side {
	if role == core.RoleSell {
		return core.SideSell
	}
	return core.SideBuy
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// persist saves the current Grid/Ledger/processedFills to disk, under
// persistLock, per §4.6's reload-before-write rule.
func (w *Worker) persist(ctx context.Context) {
	release, err := w.locks.Persist.Acquire(ctx)
	if err != nil {
		w.logger.Error("persist lock acquisition failed", "error", err.Error())
		return
	}
	defer release()

	g := w.currentGrid()
	w.processedMu.Lock()
	fillsCopy := make(map[string]int64, len(w.processedFills))
	for k, v := range w.processedFills {
		fillsCopy[k] = v
	}
	w.processedMu.Unlock()

	err = w.store.Save(func(st persistence.State) persistence.State {
		st.BotKey = w.botKey
		st.SessionID = w.sessionID
		st.Generation = g.Generation
		st.Grid = persistence.FromGrid(g)
		st.Ledger = persistence.FromLedger(w.ledger)
		st.ProcessedFills = fillsCopy
		return st
	}, nowMs())
	if err != nil {
		w.logger.Error("persist failed, in-memory state remains authoritative", "error", err.Error())
	}
}
