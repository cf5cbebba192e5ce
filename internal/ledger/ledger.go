// Package ledger provides the authoritative in-memory fund bookkeeping for
// a grid worker: per-side balances, derived availability, and invariant
// verification after every mutation.
package ledger

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	apperrors "dexmm/pkg/errors"
	"dexmm/internal/core"
)

// Book is one side's (buy-asset or sell-asset) fund bookkeeping, all
// amounts in integer base units.
type Book struct {
	ChainTotal     decimal.Decimal
	ChainFree      decimal.Decimal
	ChainCommitted decimal.Decimal
	GridCommitted  decimal.Decimal
	Virtual        decimal.Decimal
	CacheFunds     decimal.Decimal
	FeesOwed       decimal.Decimal
	FeesReserved   decimal.Decimal

	Available decimal.Decimal // derived
}

func (b *Book) recomputeDerived() {
	b.ChainCommitted = b.ChainTotal.Sub(b.ChainFree)
	avail := b.ChainFree.Sub(b.Virtual).Sub(b.CacheFunds).Sub(b.FeesOwed).Sub(b.FeesReserved)
	if avail.IsNegative() {
		avail = decimal.Zero
	}
	b.Available = avail
}

func (b Book) clone() Book {
	return b // all fields are value types (decimal.Decimal is immutable-by-value)
}

// Ledger holds both sides' books plus the precision used for invariant
// tolerance, and serializes mutation via batched recalculation.
type Ledger struct {
	mu sync.Mutex

	Buy  Book
	Sell Book

	// precision of the respective asset, used for the invariant tolerance
	// floor max(2 base units, 0.1% * chainTotal); 2 base units is
	// 2*10^-precision of the asset.
	buyPrecision  int
	sellPrecision int

	pauseDepth int
	dirty      bool
}

// New creates an empty Ledger for the given asset precisions.
func New(buyPrecision, sellPrecision int) *Ledger {
	return &Ledger{buyPrecision: buyPrecision, sellPrecision: sellPrecision}
}

func (l *Ledger) book(side core.Side) *Book {
	if side == core.SideBuy {
		return &l.Buy
	}
	return &l.Sell
}

func (l *Ledger) precision(side core.Side) int {
	if side == core.SideBuy {
		return l.buyPrecision
	}
	return l.sellPrecision
}

// SetChainTotals replaces chain-observed fields from a fresh account-totals
// snapshot and recomputes derived state.
func (l *Ledger) SetChainTotals(buyTotal, buyFree, sellTotal, sellFree decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.Buy.ChainTotal = buyTotal
	l.Buy.ChainFree = buyFree
	l.Sell.ChainTotal = sellTotal
	l.Sell.ChainFree = sellFree

	return l.recalcLocked()
}

// Recalculate recomputes gridCommitted/virtual from a grid summary and
// re-verifies all invariants. Call sites pass the current Grid's summary
// (core.GridSummary lives in internal/core to avoid an import cycle between
// ledger and grid).
func (l *Ledger) Recalculate(summary core.GridSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.Buy.GridCommitted = summary.BuyCommitted
	l.Buy.Virtual = summary.BuyVirtual
	l.Sell.GridCommitted = summary.SellCommitted
	l.Sell.Virtual = summary.SellVirtual

	return l.recalcLocked()
}

// recalcLocked recomputes derived fields and verifies invariants, unless a
// pause is in effect, in which case it marks the ledger dirty for the
// matching Resume to settle.
func (l *Ledger) recalcLocked() error {
	if l.pauseDepth > 0 {
		l.dirty = true
		return nil
	}
	l.Buy.recomputeDerived()
	l.Sell.recomputeDerived()
	return l.verifyInvariantsLocked()
}

// Pause defers invariant verification across a batch of mutations. Calls
// nest; verification runs once the outermost Resume completes.
func (l *Ledger) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pauseDepth++
}

// Resume ends one Pause. On the outermost Resume it recomputes derived
// state once and verifies invariants.
func (l *Ledger) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pauseDepth == 0 {
		return nil
	}
	l.pauseDepth--
	if l.pauseDepth > 0 || !l.dirty {
		return nil
	}
	l.dirty = false
	l.Buy.recomputeDerived()
	l.Sell.recomputeDerived()
	return l.verifyInvariantsLocked()
}

// TryDeduct atomically checks `amount <= available` on the given side and,
// if so, subtracts it from chainFree (reserving it against a plan about to
// broadcast). Returns false without mutating if funds are insufficient.
func (l *Ledger) TryDeduct(side core.Side, amount decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.book(side)
	if amount.GreaterThan(b.Available) {
		return false
	}
	b.ChainFree = b.ChainFree.Sub(amount)
	_ = l.recalcLocked() // a deduction within available can't break I1/I2/I3
	return true
}

// AddCache credits a surplus amount to cacheFunds on the given side.
func (l *Ledger) AddCache(side core.Side, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.book(side)
	b.CacheFunds = b.CacheFunds.Add(amount)
	_ = l.recalcLocked()
}

// DeductCache debits cacheFunds on the given side, floored at zero.
func (l *Ledger) DeductCache(side core.Side, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.book(side)
	b.CacheFunds = b.CacheFunds.Sub(amount)
	if b.CacheFunds.IsNegative() {
		b.CacheFunds = decimal.Zero
	}
	_ = l.recalcLocked()
}

// FeeAsset identifies which side's asset a fill's fee was charged in. A
// fee charged in an asset other than either side's budget (the chain's
// native asset) is tracked purely in feesOwed without crediting either
// book's chainFree.
type FeeAsset int

const (
	FeeAssetNative FeeAsset = iota
	FeeAssetBuy
	FeeAssetSell
)

// ApplyFill credits proceeds to the opposite side's chainFree and debits
// the sold amount from the filled side's chainCommitted bookkeeping (via a
// Recalculate the caller performs after updating Grid), accruing or
// settling fees. For the native fee asset the `fee` argument is not
// recorded; any maker refund must already be netted into `proceeds` by the
// caller, since the refund rate is configuration, not something the Ledger
// recomputes.
func (l *Ledger) ApplyFill(filledSide core.Side, proceeds, fee decimal.Decimal, feeAsset FeeAsset) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	opposite := l.book(filledSide.Opposite())
	opposite.ChainFree = opposite.ChainFree.Add(proceeds)
	opposite.ChainTotal = opposite.ChainTotal.Add(proceeds)

	switch feeAsset {
	case FeeAssetBuy:
		l.Buy.FeesOwed = l.Buy.FeesOwed.Add(fee)
	case FeeAssetSell:
		l.Sell.FeesOwed = l.Sell.FeesOwed.Add(fee)
	case FeeAssetNative:
		// Native fees are tracked only in aggregate via feesReservation on
		// both books' derived availability; nothing to credit here beyond
		// what the caller already netted into proceeds.
	}

	return l.recalcLocked()
}

// AccrueFee adds to a side's feesOwed. Only the chain operation lifecycle
// (create/update/cancel) calls this; fills do not accrue fees beyond the
// already-refund-projected proceeds applied in ApplyFill.
func (l *Ledger) AccrueFee(side core.Side, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.book(side).FeesOwed = l.book(side).FeesOwed.Add(amount)
	_ = l.recalcLocked()
}

// SettleFees clears pending fees once the chain-side totals snapshot
// already reflects them (called after a fresh SetChainTotals).
func (l *Ledger) SettleFees(side core.Side) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.book(side).FeesOwed = decimal.Zero
	_ = l.recalcLocked()
}

// Snapshot returns an immutable copy of both books for post-event analysis
// or persistence.
func (l *Ledger) Snapshot() (buy, sell Book) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Buy.clone(), l.Sell.clone()
}

// tolerance returns max(2, 0.1% * chainTotal) in base units (2 base units
// being 2 * 10^-precision of the asset), per the invariant check's
// dual-bound rule: an absolute precision slack for small balances, a
// percentage slack for large ones, whichever is larger.
func tolerance(precision int, chainTotal decimal.Decimal) decimal.Decimal {
	precisionSlack := decimal.NewFromInt(2)
	pctSlack := chainTotal.Abs().Mul(decimal.NewFromFloat(0.001))
	if pctSlack.GreaterThan(precisionSlack) {
		return pctSlack
	}
	return precisionSlack
}

func (l *Ledger) verifyInvariantsLocked() error {
	if err := verifyBook(l.Buy, l.buyPrecision, "BUY"); err != nil {
		return err
	}
	if err := verifyBook(l.Sell, l.sellPrecision, "SELL"); err != nil {
		return err
	}
	return nil
}

func verifyBook(b Book, precision int, sideLabel string) error {
	tol := tolerance(precision, b.ChainTotal)

	// I1 Conservation: chainTotal = chainFree + chainCommitted.
	diff := b.ChainTotal.Sub(b.ChainFree.Add(b.ChainCommitted)).Abs()
	if diff.GreaterThan(tol) {
		return &apperrors.InvariantError{
			Invariant: "I1",
			Severity:  severityFor(diff, tol),
			Detail:    fmt.Sprintf("%s: chainTotal=%s != chainFree=%s + chainCommitted=%s (diff %s > tol %s)", sideLabel, b.ChainTotal, b.ChainFree, b.ChainCommitted, diff, tol),
		}
	}

	// I2 Bound: available <= chainFree.
	if b.Available.GreaterThan(b.ChainFree.Add(tol)) {
		return &apperrors.InvariantError{
			Invariant: "I2",
			Severity:  severityFor(b.Available.Sub(b.ChainFree), tol),
			Detail:    fmt.Sprintf("%s: available=%s > chainFree=%s", sideLabel, b.Available, b.ChainFree),
		}
	}

	// I3 Commitment: gridCommitted <= chainTotal.
	if b.GridCommitted.GreaterThan(b.ChainTotal.Add(tol)) {
		return &apperrors.InvariantError{
			Invariant: "I3",
			Severity:  severityFor(b.GridCommitted.Sub(b.ChainTotal), tol),
			Detail:    fmt.Sprintf("%s: gridCommitted=%s > chainTotal=%s", sideLabel, b.GridCommitted, b.ChainTotal),
		}
	}

	return nil
}

// severityFor escalates to critical once the violation exceeds a few
// multiples of tolerance, matching the taxonomy's "< tolerance" vs
// "≫ tolerance" split.
func severityFor(excess, tol decimal.Decimal) apperrors.Severity {
	if tol.IsZero() {
		return apperrors.SeverityCritical
	}
	if excess.Abs().GreaterThan(tol.Mul(decimal.NewFromInt(5))) {
		return apperrors.SeverityCritical
	}
	return apperrors.SeverityRecoverable
}
