package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names, scoped to the grid core's own concerns: invariants, plan
// throughput, reconciliation, and lock contention. Per-exchange PnL/risk
// metrics belong to the out-of-scope portfolio/risk layer and are not carried.
const (
	MetricInvariantViolations = "gridcore_invariant_violations_total"
	MetricPlanActionsTotal    = "gridcore_plan_actions_total"
	MetricPlanCommitsTotal    = "gridcore_plan_commits_total"
	MetricGridGeneration      = "gridcore_grid_generation"
	MetricReconcilePasses     = "gridcore_reconcile_passes_total"
	MetricReconcileDrift      = "gridcore_reconcile_drift_events_total"
	MetricLockWaitMs          = "gridcore_lock_wait_ms"
	MetricCacheFunds          = "gridcore_cache_funds"
	MetricOrdersByState       = "gridcore_orders_by_state"
	MetricWorkerState         = "gridcore_worker_state"
)

// MetricsHolder holds initialized instruments for one worker process.
type MetricsHolder struct {
	InvariantViolations metric.Int64Counter
	PlanActionsTotal    metric.Int64Counter
	PlanCommitsTotal    metric.Int64Counter
	ReconcilePasses     metric.Int64Counter
	ReconcileDrift      metric.Int64Counter
	LockWaitMs          metric.Float64Histogram

	GridGeneration metric.Int64ObservableGauge
	CacheFunds     metric.Float64ObservableGauge
	OrdersByState  metric.Int64ObservableGauge
	WorkerState    metric.Int64ObservableGauge

	mu             sync.RWMutex
	generationMap  map[string]int64
	cacheFundsMap  map[string]float64 // key "<symbol>:<side>"
	ordersStateMap map[string]int64   // key "<symbol>:<state>"
	workerStateMap map[string]int64   // key "<symbol>"
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			generationMap:  make(map[string]int64),
			cacheFundsMap:  make(map[string]float64),
			ordersStateMap: make(map[string]int64),
			workerStateMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.InvariantViolations, err = meter.Int64Counter(MetricInvariantViolations, metric.WithDescription("Ledger invariant violations, by invariant and severity"))
	if err != nil {
		return err
	}

	m.PlanActionsTotal, err = meter.Int64Counter(MetricPlanActionsTotal, metric.WithDescription("Planner actions emitted, by kind"))
	if err != nil {
		return err
	}

	m.PlanCommitsTotal, err = meter.Int64Counter(MetricPlanCommitsTotal, metric.WithDescription("WorkingGrid commits, by outcome"))
	if err != nil {
		return err
	}

	m.ReconcilePasses, err = meter.Int64Counter(MetricReconcilePasses, metric.WithDescription("Reconciliation passes run, by trigger"))
	if err != nil {
		return err
	}

	m.ReconcileDrift, err = meter.Int64Counter(MetricReconcileDrift, metric.WithDescription("Drift events recorded during reconciliation"))
	if err != nil {
		return err
	}

	m.LockWaitMs, err = meter.Float64Histogram(MetricLockWaitMs, metric.WithDescription("Time spent waiting to acquire a named lock"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.GridGeneration, err = meter.Int64ObservableGauge(MetricGridGeneration, metric.WithDescription("Current Grid generation counter"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.generationMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CacheFunds, err = meter.Float64ObservableGauge(MetricCacheFunds, metric.WithDescription("Current cacheFunds surplus, by side"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.cacheFundsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("side", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersByState, err = meter.Int64ObservableGauge(MetricOrdersByState, metric.WithDescription("Slot count by order state"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.ordersStateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("state", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.WorkerState, err = meter.Int64ObservableGauge(MetricWorkerState, metric.WithDescription("Worker state machine position, by symbol"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.workerStateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetGridGeneration records the current Grid generation for a symbol.
func (m *MetricsHolder) SetGridGeneration(symbol string, gen int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generationMap[symbol] = gen
}

// SetCacheFunds records the current cacheFunds surplus for a side key
// (conventionally "<symbol>:BUY" / "<symbol>:SELL").
func (m *MetricsHolder) SetCacheFunds(sideKey string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheFundsMap[sideKey] = value
}

// SetOrdersByState records the slot count for a state key
// (conventionally "<symbol>:ACTIVE" / "<symbol>:PARTIAL" / "<symbol>:VIRTUAL").
func (m *MetricsHolder) SetOrdersByState(stateKey string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersStateMap[stateKey] = count
}

// SetWorkerState records the worker's current state machine position
// (encoded by the caller, e.g. worker.State as an int64).
func (m *MetricsHolder) SetWorkerState(symbol string, state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workerStateMap[symbol] = state
}

// GetGridGeneration returns a snapshot of the generation map, for tests.
func (m *MetricsHolder) GetGridGeneration() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.generationMap))
	for k, v := range m.generationMap {
		res[k] = v
	}
	return res
}
