// Package chainadapter defines the narrow interfaces the core consumes to
// reach the chain RPC client and the credential daemon, mirroring the
// teacher's core.IExchange seam: components depend on these interfaces,
// never on a concrete transport, so tests run against an in-memory fake.
package chainadapter

import (
	"context"

	"github.com/shopspring/decimal"

	"dexmm/internal/core"
)

// AccountTotals is the per-side chain-observed balance snapshot.
type AccountTotals struct {
	BuyTotal  decimal.Decimal
	BuyFree   decimal.Decimal
	SellTotal decimal.Decimal
	SellFree  decimal.Decimal
}

// OpenOrder is one order the chain currently reports as live.
type OpenOrder struct {
	ChainOrderID  string
	Price         core.Price
	RemainingSize decimal.Decimal
	Side          core.Side
}

// FeeQuote is the result of getAssetFees: for the chain's native fee asset
// netProceeds already has the maker-refund fraction projected in, per
// spec §6; for any other asset it is a plain scalar fee.
type FeeQuote struct {
	CreationFee  decimal.Decimal
	NetProceeds  decimal.Decimal
	IsNativeFee  bool
}

// ReferenceMode selects how getReferencePrice resolves startPrice/refPrice.
type ReferenceMode string

const (
	ReferenceModePool      ReferenceMode = "pool"
	ReferenceModeMarket    ReferenceMode = "market"
	ReferenceModeOrderbook ReferenceMode = "orderbook"
)

// Op is one operation within a broadcast batch; OpKind mirrors
// core.ActionKind but only the three chain-facing verbs apply (a ROTATE
// action is split by the caller into a CANCEL+CREATE pair of Ops before
// reaching the adapter, since the chain has no atomic rotate primitive).
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpCancel
)

type Op struct {
	Kind         OpKind
	ChainOrderID string // UPDATE, CANCEL
	Price        core.Price
	Size         decimal.Decimal
	Side         core.Side
	ClientTag    string // correlates a CREATE's assigned id back to (slot) in the caller
	Slot         int    // the Grid slot this op targets, so the caller can zip BatchResult.Outcomes back to slots positionally
}

// Adapter is the chain RPC client surface the core depends on. The
// concrete implementation (operations builder, signer, subscription
// transport) lives outside this module's scope.
type Adapter interface {
	Subscribe(ctx context.Context, account string, onFill func(core.FillEvent), onError func(error)) error

	GetAccountTotals(ctx context.Context, account string) (AccountTotals, error)
	GetOpenOrders(ctx context.Context, account string) ([]OpenOrder, error)
	GetFillHistory(ctx context.Context, account string, sinceMs int64) ([]core.FillEvent, error)

	BroadcastBatch(ctx context.Context, ops []Op) (core.BatchResult, error)

	GetAssetPrecision(ctx context.Context, symbol string) (int, error)
	GetReferencePrice(ctx context.Context, mode ReferenceMode, numeric decimal.Decimal) (decimal.Decimal, error)
	GetAssetFees(ctx context.Context, asset string, amount decimal.Decimal, isMaker bool) (FeeQuote, error)
}

// CredentialClient is the narrow seam onto the credential daemon's
// Unix-domain socket (localhost named equivalent on Windows): newline-
// delimited JSON request/response, per spec §6. The core never holds the
// master password, only a one-shot signing key handed back per request.
type CredentialClient interface {
	PrivateKey(ctx context.Context, accountName string) (Secret, error)
}

// Secret is re-exported locally (rather than importing config, which would
// create an internal/config -> internal/chainadapter -> internal/config
// cycle risk) so callers never need to know the key came from a socket
// versus a config file.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}
