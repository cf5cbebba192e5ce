package grid

import (
	"fmt"
	"sync"

	apperrors "dexmm/pkg/errors"
	"dexmm/internal/core"
)

// WorkingGrid is a copy-on-write clone of a Grid taken at the start of a
// planning cycle: the only surface the Planner is allowed to mutate.
// It holds its own copy of the slot records, so the source Grid is never
// touched by an Update.
type WorkingGrid struct {
	baseGeneration int64
	slots          []core.Order
	boundaryIdx    int
	gapSlots       int
	sessionID      string

	pendingBoundaryIdx *int // set by a role-reassignment patch; applied atomically at commit
}

// Fork clones the master's metadata and slot array. Every order record is
// copied by value into a fresh slice at fork time, which is a full copy
// since core.Order holds no pointers into Grid.
func Fork(master *Grid) *WorkingGrid {
	slots := make([]core.Order, len(master.Slots))
	copy(slots, master.Slots)
	return &WorkingGrid{
		baseGeneration: master.Generation,
		slots:          slots,
		boundaryIdx:    master.BoundaryIdx,
		gapSlots:       master.GapSlots,
		sessionID:      master.SessionID,
	}
}

// BaseGeneration returns the master generation this WorkingGrid was forked
// from, for logging and pre-commit checks.
func (w *WorkingGrid) BaseGeneration() int64 { return w.baseGeneration }

// Slot returns the working copy's current record at i.
func (w *WorkingGrid) Slot(i int) (core.Order, bool) {
	if i < 0 || i >= len(w.slots) {
		return core.Order{}, false
	}
	return w.slots[i], true
}

// Len reports the number of slots.
func (w *WorkingGrid) Len() int { return len(w.slots) }

// BoundaryIdx returns the working copy's current boundary index: the
// pending value if a boundary shift has been staged by SetPendingBoundary,
// otherwise the value forked from master.
func (w *WorkingGrid) BoundaryIdx() int {
	if w.pendingBoundaryIdx != nil {
		return *w.pendingBoundaryIdx
	}
	return w.boundaryIdx
}

// Update produces a new order record at slot, replacing the old one. patch
// receives the current record and returns the replacement.
func (w *WorkingGrid) Update(slot int, patch func(core.Order) core.Order) error {
	if slot < 0 || slot >= len(w.slots) {
		return fmt.Errorf("working grid: slot %d out of range [0,%d)", slot, len(w.slots))
	}
	w.slots[slot] = patch(w.slots[slot])
	return nil
}

// SetPendingBoundary records a boundary shift to be applied together with
// the slot-role patches at commit time, so master never holds a moment
// where boundaryIdx is inconsistent with slot roles.
func (w *WorkingGrid) SetPendingBoundary(idx int) {
	w.pendingBoundaryIdx = &idx
}

// Store holds the current master Grid pointer and serializes commits. The
// caller is still responsible for holding gridLock around a commit per the
// canonical lock order; Store's own mutex only protects the pointer swap
// itself against concurrent readers.
type Store struct {
	mu     sync.RWMutex
	master *Grid
}

// NewStore wraps an initial master Grid.
func NewStore(initial *Grid) *Store {
	return &Store{master: initial}
}

// Load returns the current master. The returned *Grid must be treated as
// read-only by the caller; only Commit may publish a new one.
func (s *Store) Load() *Grid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.master
}

// Commit atomically replaces master with a new Grid built from w, but only
// if master.Generation still equals w.baseGeneration. On success,
// generation increases by exactly one and the boundary/role patches apply
// together. On a generation mismatch, master is returned unchanged and the
// error wraps apperrors.ErrGenerationConflict so the caller can discard its
// WorkingGrid and replan against the fresh master.
func (s *Store) Commit(w *WorkingGrid) (*Grid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master.Generation != w.baseGeneration {
		return s.master, fmt.Errorf("%w: master at generation %d, working grid forked at %d", apperrors.ErrGenerationConflict, s.master.Generation, w.baseGeneration)
	}

	newSlots := make([]core.Order, len(w.slots))
	copy(newSlots, w.slots)

	boundaryIdx := w.boundaryIdx
	if w.pendingBoundaryIdx != nil {
		boundaryIdx = *w.pendingBoundaryIdx
	}

	newGrid := &Grid{
		Slots:            newSlots,
		BoundaryIdx:      boundaryIdx,
		GapSlots:         w.gapSlots,
		SessionID:        w.sessionID,
		Generation:       s.master.Generation + 1,
		MinPrice:         s.master.MinPrice,
		MaxPrice:         s.master.MaxPrice,
		IncrementPercent: s.master.IncrementPercent,
		SellAsset:        s.master.SellAsset,
		BuyAsset:         s.master.BuyAsset,
	}

	if err := newGrid.Validate(); err != nil {
		return s.master, fmt.Errorf("working grid commit would violate grid invariants: %w", err)
	}

	s.master = newGrid
	return newGrid, nil
}
