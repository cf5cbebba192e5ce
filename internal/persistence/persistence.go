// Package persistence reads and writes one worker's state file: the Grid,
// Ledger, cacheFunds, feesOwed, and the processed-fills dedup map, per
// §4.6 and the JSON layout in §6.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dexmm/internal/core"
	"dexmm/internal/grid"
	"dexmm/internal/ledger"
	apperrors "dexmm/pkg/errors"
)

// ProcessedFillsTTL is the minimum retention window for entries in
// processedFills, a dedup shield against restart-time fill replay.
const ProcessedFillsTTL = time.Hour

// OrderState is the on-disk shape of one Grid slot.
type OrderState struct {
	SlotIndex     int             `json:"slotIndex"`
	Role          int             `json:"role"`
	State         int             `json:"state"`
	ChainOrderID  string          `json:"chainOrderId,omitempty"`
	PayAmount     int64           `json:"payAmount"`
	ReceiveAmount int64           `json:"receiveAmount"`
	Size          decimal.Decimal `json:"size"`
	OriginalSize  decimal.Decimal `json:"originalSize"`
}

// GridState is the on-disk shape of the Grid.
type GridState struct {
	BoundaryIdx int          `json:"boundaryIdx"`
	GapSlots    int          `json:"gapSlots"`
	Slots       []OrderState `json:"slots"`
}

// BookState is the on-disk shape of one Ledger side.
type BookState struct {
	ChainTotal     decimal.Decimal `json:"chainTotal"`
	ChainFree      decimal.Decimal `json:"chainFree"`
	ChainCommitted decimal.Decimal `json:"chainCommitted"`
	GridCommitted  decimal.Decimal `json:"gridCommitted"`
	Virtual        decimal.Decimal `json:"virtual"`
	CacheFunds     decimal.Decimal `json:"cacheFunds"`
	FeesOwed       decimal.Decimal `json:"feesOwed"`
}

// LedgerState is the on-disk shape of the Ledger.
type LedgerState struct {
	Buy  BookState `json:"buy"`
	Sell BookState `json:"sell"`
}

// State is the complete per-worker state-file document, matching §6's
// persisted-state layout.
type State struct {
	BotKey                string           `json:"botKey"`
	SessionID             string           `json:"sessionId"`
	Generation            int64            `json:"generation"`
	Grid                  GridState        `json:"grid"`
	Ledger                LedgerState      `json:"ledger"`
	ProcessedFills        map[string]int64 `json:"processedFills"`
	PreviousSessionMarker bool             `json:"previousSessionMarker"`
}

// Store serializes load-modify-save cycles for one worker's state file
// under a file-scoped lock (persistLock, a leaf lock per §5).
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore wraps the state file for botKey under stateDir.
func NewStore(stateDir, botKey string) *Store {
	return &Store{path: filepath.Join(stateDir, botKey+".json")}
}

// Load reads the state file. A missing file is not an error: it returns a
// zero-value State and false so the caller treats it as "first run".
func (s *Store) Load() (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (State, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return State{ProcessedFills: make(map[string]int64)}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("%w: reading %s: %v", apperrors.ErrPersist, s.path, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("%w: parsing %s: %v", apperrors.ErrPersist, s.path, err)
	}
	if st.ProcessedFills == nil {
		st.ProcessedFills = make(map[string]int64)
	}
	return st, true, nil
}

// Save reloads from disk first (to avoid a stale-overwrite race against a
// concurrent external write, per §4.6's reload-before-write rule), applies
// mutate to the freshly loaded state, prunes processedFills beyond the TTL,
// and writes atomically (temp file + rename).
func (s *Store) Save(mutate func(State) State, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _, err := s.loadLocked()
	if err != nil {
		return err
	}

	next := mutate(current)
	pruneProcessedFills(next.ProcessedFills, nowMs)

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling state: %v", apperrors.ErrPersist, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: creating state dir: %v", apperrors.ErrPersist, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing temp state file: %v", apperrors.ErrPersist, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: renaming temp state file: %v", apperrors.ErrPersist, err)
	}
	return nil
}

// pruneProcessedFills drops entries older than ProcessedFillsTTL, bounding
// the map's size across long-running workers.
func pruneProcessedFills(m map[string]int64, nowMs int64) {
	cutoff := nowMs - ProcessedFillsTTL.Milliseconds()
	for k, ts := range m {
		if ts < cutoff {
			delete(m, k)
		}
	}
}

// FromGrid converts a committed Grid into its on-disk shape.
func FromGrid(g *grid.Grid) GridState {
	slots := make([]OrderState, len(g.Slots))
	for i, o := range g.Slots {
		slots[i] = OrderState{
			SlotIndex:     o.SlotIndex,
			Role:          int(o.Role),
			State:         int(o.State),
			ChainOrderID:  o.ChainOrderID,
			PayAmount:     o.Price.PayAmount,
			ReceiveAmount: o.Price.ReceiveAmount,
			Size:          o.Size,
			OriginalSize:  o.OriginalSize,
		}
	}
	return GridState{BoundaryIdx: g.BoundaryIdx, GapSlots: g.GapSlots, Slots: slots}
}

// ToOrders converts a persisted GridState back into Grid slot records,
// tagged with sessionID so the reconciler's session-identity guard can
// tell freshly-loaded orders from the current run's own writes.
func ToOrders(gs GridState, sessionID string) []core.Order {
	out := make([]core.Order, len(gs.Slots))
	for i, s := range gs.Slots {
		out[i] = core.Order{
			SlotIndex:    s.SlotIndex,
			Role:         core.Role(s.Role),
			State:        core.OrderState(s.State),
			ChainOrderID: s.ChainOrderID,
			Price:        core.Price{PayAmount: s.PayAmount, ReceiveAmount: s.ReceiveAmount},
			Size:         s.Size,
			OriginalSize: s.OriginalSize,
			SessionID:    sessionID,
		}
	}
	return out
}

// FromLedger converts a Ledger snapshot into its on-disk shape.
func FromLedger(l *ledger.Ledger) LedgerState {
	buy, sell := l.Snapshot()
	return LedgerState{Buy: bookState(buy), Sell: bookState(sell)}
}

func bookState(b ledger.Book) BookState {
	return BookState{
		ChainTotal:     b.ChainTotal,
		ChainFree:      b.ChainFree,
		ChainCommitted: b.ChainCommitted,
		GridCommitted:  b.GridCommitted,
		Virtual:        b.Virtual,
		CacheFunds:     b.CacheFunds,
		FeesOwed:       b.FeesOwed,
	}
}
