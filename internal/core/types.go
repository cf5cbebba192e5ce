// Package core defines the shared domain types for the grid market-making
// engine: assets, prices, order records, and the tagged Action/BatchResult/
// Event variants the planner, executor, and worker pass between each other.
package core

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Asset identifies a chain asset and the base-unit precision used to convert
// between human-facing amounts and on-chain integer quantities.
type Asset struct {
	Symbol    string
	Precision int
}

// ToBaseUnits converts a human-facing amount to base units (floor).
func (a Asset) ToBaseUnits(human decimal.Decimal) decimal.Decimal {
	scale := decimal.New(1, int32(a.Precision))
	return human.Mul(scale).Truncate(0)
}

// FormatByPrecision renders a base-unit amount as a human-facing string,
// side-aware since buy-asset and sell-asset precision may differ.
func (a Asset) FormatByPrecision(baseUnits decimal.Decimal) string {
	scale := decimal.New(1, int32(a.Precision))
	human := baseUnits.DivRound(scale, int32(a.Precision)+2)
	return human.StringFixed(int32(a.Precision))
}

// Price is an on-chain rational price expressed as the integer pair the
// exchange actually quotes: pay `PayAmount` base units of one asset to
// receive `ReceiveAmount` base units of the other. Keeping the raw pair
// (rather than a single float ratio) avoids drift from repeated division.
type Price struct {
	PayAmount     int64
	ReceiveAmount int64
}

// Ratio returns ReceiveAmount/PayAmount as an exact decimal, used for display
// and for comparisons where a fixed-point ratio is precise enough (prices in
// a geometric grid are quantized to chain precision, so the ratio is exact
// once rounded to that precision).
func (p Price) Ratio() decimal.Decimal {
	if p.PayAmount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p.ReceiveAmount).DivRound(decimal.NewFromInt(p.PayAmount), 18)
}

// Less reports p < other using exact cross-multiplication
// (p.Receive/p.Pay < o.Receive/o.Pay  <=>  p.Receive*o.Pay < o.Receive*p.Pay),
// avoiding any rounding error division would introduce. big.Int is used
// because the corpus carries no rational-number library and cross-
// multiplication is foundational arithmetic, not an ambient concern.
func (p Price) Less(o Price) bool {
	lhs := new(big.Int).Mul(big.NewInt(p.ReceiveAmount), big.NewInt(o.PayAmount))
	rhs := new(big.Int).Mul(big.NewInt(o.ReceiveAmount), big.NewInt(p.PayAmount))
	return lhs.Cmp(rhs) < 0
}

// Equal reports exact equality of the two rational prices.
func (p Price) Equal(o Price) bool {
	lhs := new(big.Int).Mul(big.NewInt(p.ReceiveAmount), big.NewInt(o.PayAmount))
	rhs := new(big.Int).Mul(big.NewInt(o.ReceiveAmount), big.NewInt(p.PayAmount))
	return lhs.Cmp(rhs) == 0
}

func (p Price) String() string {
	return fmt.Sprintf("%s/%s", decimal.NewFromInt(p.ReceiveAmount).String(), decimal.NewFromInt(p.PayAmount).String())
}

// Role is which side of the book a slot is expected to play, independent of
// whether it currently carries a live on-chain order.
type Role int

const (
	RoleBuy Role = iota
	RoleSell
	RoleSpread
)

func (r Role) String() string {
	switch r {
	case RoleBuy:
		return "BUY"
	case RoleSell:
		return "SELL"
	case RoleSpread:
		return "SPREAD"
	default:
		return "UNKNOWN"
	}
}

// OrderState is the on-chain status of a slot's order.
type OrderState int

const (
	StateVirtual OrderState = iota
	StateActive
	StatePartial
)

func (s OrderState) String() string {
	switch s {
	case StateVirtual:
		return "VIRTUAL"
	case StateActive:
		return "ACTIVE"
	case StatePartial:
		return "PARTIAL"
	default:
		return "UNKNOWN"
	}
}

// RawOnChain is the last observed on-chain integer pair for an order; it is
// the authoritative size reference once an order is ACTIVE or PARTIAL.
type RawOnChain struct {
	ForSale   decimal.Decimal
	ToReceive decimal.Decimal
}

// Order is one Grid slot's order record. Grid owns Orders by index; Orders
// hold no back-pointer to Grid.
type Order struct {
	SlotIndex    int
	Role         Role
	State        OrderState
	ChainOrderID string // empty when VIRTUAL
	Price        Price
	Size         decimal.Decimal // base units of the committed asset
	OriginalSize decimal.Decimal // size when the order was first placed
	RawOnChain   RawOnChain
	SessionID    string
	CreatedAtMs  int64
}

// Validate checks the per-record invariants from spec §3/§8 property 2.
func (o Order) Validate() error {
	switch o.State {
	case StateActive:
		if o.ChainOrderID == "" {
			return fmt.Errorf("slot %d: ACTIVE order missing chainOrderId", o.SlotIndex)
		}
		if !o.Size.IsPositive() {
			return fmt.Errorf("slot %d: ACTIVE order has non-positive size %s", o.SlotIndex, o.Size)
		}
	case StatePartial:
		if o.ChainOrderID == "" {
			return fmt.Errorf("slot %d: PARTIAL order missing chainOrderId", o.SlotIndex)
		}
		if !(o.Size.IsPositive() && o.Size.LessThan(o.OriginalSize)) {
			return fmt.Errorf("slot %d: PARTIAL order size %s not in (0, %s)", o.SlotIndex, o.Size, o.OriginalSize)
		}
	case StateVirtual:
		if o.ChainOrderID != "" {
			return fmt.Errorf("slot %d: VIRTUAL order has a chainOrderId", o.SlotIndex)
		}
	}
	if o.Role == RoleSpread {
		if o.State != StateVirtual {
			return fmt.Errorf("slot %d: SPREAD slot must be VIRTUAL, got %s", o.SlotIndex, o.State)
		}
		if !o.Size.IsZero() {
			return fmt.Errorf("slot %d: SPREAD slot must have zero size", o.SlotIndex)
		}
	}
	return nil
}

// GridSummary is the aggregate Grid state the Ledger needs to recompute
// gridCommitted/virtual without importing the grid package (which would
// create an import cycle since grid depends on core only).
type GridSummary struct {
	BuyCommitted  decimal.Decimal
	SellCommitted decimal.Decimal
	BuyVirtual    decimal.Decimal
	SellVirtual   decimal.Decimal
}

// Side identifies which budget ledger (and which asset) an amount belongs to.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the other side; used when crediting fill proceeds.
func (s Side) Opposite() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}
