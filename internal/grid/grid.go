// Package grid implements the Grid master slot array and the copy-on-write
// WorkingGrid a planning cycle mutates before committing back.
package grid

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"dexmm/internal/core"
)

// Grid is the frozen master slot array between commits: an ordered,
// strictly price-monotonic sequence of order records plus the metadata a
// planning cycle needs to reason about roles and the spread window.
type Grid struct {
	Slots            []core.Order
	BoundaryIdx      int // slots [0, BoundaryIdx) are BUY, [BoundaryIdx, len) are SELL/SPREAD
	GapSlots         int // count of SPREAD placeholders nearest the boundary
	SessionID        string
	Generation       int64
	MinPrice         core.Price
	MaxPrice         core.Price
	IncrementPercent decimal.Decimal
	SellAsset        core.Asset
	BuyAsset         core.Asset
}

// BuildParams carries the inputs to Build. RefPrice is the resolved
// reference price (already converted from config's numeric-or-mode form).
type BuildParams struct {
	SellAsset           core.Asset
	BuyAsset            core.Asset
	MinPrice            decimal.Decimal
	MaxPrice            decimal.Decimal
	IncrementPercent    decimal.Decimal // percent, e.g. 1.5 means 1.015 ratio
	RefPrice            decimal.Decimal
	TargetSpreadPercent decimal.Decimal
	SessionID           string
}

// Build produces the initial N-slot geometric layout from (minPrice,
// maxPrice, incrementPercent), assigns roles by comparing each slot price
// to refPrice offset by targetSpreadPercent/2, and marks the slots nearest
// the boundary as SPREAD placeholders.
func Build(p BuildParams) (*Grid, error) {
	if p.IncrementPercent.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("grid: incrementPercent must be positive")
	}
	if p.MinPrice.LessThanOrEqual(decimal.Zero) || p.MaxPrice.LessThanOrEqual(p.MinPrice) {
		return nil, fmt.Errorf("grid: maxPrice must exceed minPrice > 0")
	}

	ratio := decimal.NewFromInt(1).Add(p.IncrementPercent.Div(decimal.NewFromInt(100)))

	var humanPrices []decimal.Decimal
	cur := p.MinPrice
	for cur.LessThanOrEqual(p.MaxPrice) {
		humanPrices = append(humanPrices, cur)
		cur = cur.Mul(ratio)
	}
	if len(humanPrices) < 2 {
		return nil, fmt.Errorf("grid: price range too narrow for incrementPercent %s", p.IncrementPercent)
	}

	halfSpread := p.TargetSpreadPercent.Div(decimal.NewFromInt(100)).Div(decimal.NewFromInt(2))
	lowerEdge := p.RefPrice.Mul(decimal.NewFromInt(1).Sub(halfSpread))
	upperEdge := p.RefPrice.Mul(decimal.NewFromInt(1).Add(halfSpread))

	slots := make([]core.Order, len(humanPrices))
	boundaryIdx := len(humanPrices)
	gapSlots := 0
	for i, hp := range humanPrices {
		price := toChainPrice(hp, p.SellAsset, p.BuyAsset)
		role := core.RoleBuy
		switch {
		case hp.LessThan(lowerEdge):
			role = core.RoleBuy
		case hp.GreaterThan(upperEdge):
			role = core.RoleSell
			if boundaryIdx == len(humanPrices) {
				boundaryIdx = i
			}
		default:
			role = core.RoleSpread
			gapSlots++
			if boundaryIdx == len(humanPrices) {
				boundaryIdx = i
			}
		}
		slots[i] = core.Order{
			SlotIndex: i,
			Role:      role,
			State:     core.StateVirtual,
			Price:     price,
			Size:      decimal.Zero,
			SessionID: p.SessionID,
		}
	}

	return &Grid{
		Slots:            slots,
		BoundaryIdx:      boundaryIdx,
		GapSlots:         gapSlots,
		SessionID:        p.SessionID,
		Generation:       0,
		MinPrice:         toChainPrice(p.MinPrice, p.SellAsset, p.BuyAsset),
		MaxPrice:         toChainPrice(p.MaxPrice, p.SellAsset, p.BuyAsset),
		IncrementPercent: p.IncrementPercent,
		SellAsset:        p.SellAsset,
		BuyAsset:         p.BuyAsset,
	}, nil
}

// toChainPrice converts a human price (buy-asset units per one sell-asset
// unit) to the integer (payAmount, receiveAmount) pair: pay one sell-asset
// base unit, receive the price's worth of buy-asset base units.
func toChainPrice(human decimal.Decimal, sellAsset, buyAsset core.Asset) core.Price {
	pay := sellAsset.ToBaseUnits(decimal.NewFromInt(1))
	receive := buyAsset.ToBaseUnits(human)
	return core.Price{PayAmount: pay.IntPart(), ReceiveAmount: receive.IntPart()}
}

// LookupBySlot returns the order at the given slot index.
func (g *Grid) LookupBySlot(i int) (core.Order, bool) {
	if i < 0 || i >= len(g.Slots) {
		return core.Order{}, false
	}
	return g.Slots[i], true
}

// LookupByChainOrderId does a linear scan for the slot carrying the given
// on-chain order id. Grids are small (tens to low hundreds of slots), so
// this is cheap enough to avoid maintaining a second index.
func (g *Grid) LookupByChainOrderId(id string) (core.Order, bool) {
	if id == "" {
		return core.Order{}, false
	}
	for _, o := range g.Slots {
		if o.ChainOrderID == id {
			return o, true
		}
	}
	return core.Order{}, false
}

// OrderedByPrice returns slots sorted ascending by price. Grid already
// maintains this order internally, but callers that received a mutated
// working copy may need to re-derive it defensively.
func (g *Grid) OrderedByPrice() []core.Order {
	out := make([]core.Order, len(g.Slots))
	copy(out, g.Slots)
	sort.Slice(out, func(i, j int) bool { return out[i].Price.Less(out[j].Price) })
	return out
}

// RoleStateKey is the (role, state) pair CountByRoleAndState groups by.
type RoleStateKey struct {
	Role  core.Role
	State core.OrderState
}

// CountByRoleAndState tallies slot counts per (role, state) pair, used for
// telemetry and for boundary-behavior checks (e.g. activeOrders=0 on a
// side).
func (g *Grid) CountByRoleAndState() map[RoleStateKey]int {
	counts := make(map[RoleStateKey]int)
	for _, o := range g.Slots {
		counts[RoleStateKey{Role: o.Role, State: o.State}]++
	}
	return counts
}

// Summary aggregates committed and virtual size per side for the Ledger's
// Recalculate, translating Role (BUY/SELL/SPREAD) into the buy/sell budget
// side each slot's size is denominated in: a BUY slot commits buy-asset
// funds, a SELL slot commits sell-asset funds.
func (g *Grid) Summary() core.GridSummary {
	var s core.GridSummary
	for _, o := range g.Slots {
		switch o.Role {
		case core.RoleBuy:
			switch o.State {
			case core.StateActive, core.StatePartial:
				s.BuyCommitted = s.BuyCommitted.Add(o.Size)
			case core.StateVirtual:
				s.BuyVirtual = s.BuyVirtual.Add(o.Size)
			}
		case core.RoleSell:
			switch o.State {
			case core.StateActive, core.StatePartial:
				s.SellCommitted = s.SellCommitted.Add(o.Size)
			case core.StateVirtual:
				s.SellVirtual = s.SellVirtual.Add(o.Size)
			}
		}
	}
	return s
}

// Validate checks the grid-wide invariants from §8 property 2-4: strictly
// increasing price, role/state coherence per slot, and role matching the
// boundary index.
func (g *Grid) Validate() error {
	for i, o := range g.Slots {
		if err := o.Validate(); err != nil {
			return err
		}
		if i > 0 && !g.Slots[i-1].Price.Less(o.Price) {
			return fmt.Errorf("grid: slot %d price %s not strictly greater than slot %d price %s", i, o.Price, i-1, g.Slots[i-1].Price)
		}
		wantBuy := i < g.BoundaryIdx
		if o.Role == core.RoleBuy && !wantBuy {
			return fmt.Errorf("grid: slot %d has role BUY at or past boundaryIdx %d", i, g.BoundaryIdx)
		}
		if o.Role == core.RoleSell && wantBuy {
			return fmt.Errorf("grid: slot %d has role SELL before boundaryIdx %d", i, g.BoundaryIdx)
		}
	}
	return nil
}
