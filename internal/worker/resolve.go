package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"dexmm/internal/chainadapter"
	"dexmm/internal/config"
	apperrors "dexmm/pkg/errors"
)

// resolveStartPrice turns config's startPrice (numeric or a reference-mode
// identifier) into an absolute human price, per §6's bot-configuration
// table.
func resolveStartPrice(ctx context.Context, adapter chainadapter.Adapter, spec string) (decimal.Decimal, error) {
	switch chainadapter.ReferenceMode(spec) {
	case chainadapter.ReferenceModePool, chainadapter.ReferenceModeMarket, chainadapter.ReferenceModeOrderbook:
		p, err := adapter.GetReferencePrice(ctx, chainadapter.ReferenceMode(spec), decimal.Zero)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: resolving startPrice mode %q: %v", apperrors.ErrConfig, spec, err)
		}
		return p, nil
	default:
		p, err := decimal.NewFromString(spec)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: startPrice %q is neither numeric nor a reference mode: %v", apperrors.ErrConfig, spec, err)
		}
		return p, nil
	}
}

// resolvePriceBound turns minPrice/maxPrice (numeric, or "Nx" meaning
// N x startPrice) into an absolute human price.
func resolvePriceBound(spec string, startPrice decimal.Decimal) (decimal.Decimal, error) {
	if strings.HasSuffix(strings.ToLower(spec), "x") {
		factorStr := spec[:len(spec)-1]
		factor, err := decimal.NewFromString(factorStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: price bound %q: %v", apperrors.ErrConfig, spec, err)
		}
		return startPrice.Mul(factor), nil
	}
	p, err := decimal.NewFromString(spec)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: price bound %q is neither numeric nor \"Nx\": %v", apperrors.ErrConfig, spec, err)
	}
	return p, nil
}

// resolveBudget turns botFunds's {sell,buy} spec (a number or a "N%"
// percentage of chainTotal) into an absolute base-unit budget.
func resolveBudget(spec string, chainTotal decimal.Decimal) (decimal.Decimal, error) {
	if strings.HasSuffix(spec, "%") {
		pctStr := strings.TrimSuffix(spec, "%")
		pct, err := strconv.ParseFloat(pctStr, 64)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: botFunds %q: %v", apperrors.ErrConfig, spec, err)
		}
		return chainTotal.Mul(decimal.NewFromFloat(pct / 100.0)), nil
	}
	amt, err := decimal.NewFromString(spec)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: botFunds %q is neither numeric nor a percentage: %v", apperrors.ErrConfig, spec, err)
	}
	return amt, nil
}

// resolvedConfig is a BotConfig with every string-or-mode field resolved
// into absolute decimals, computed once at bootstrap (a reset does not
// recompute it) since it depends on live chain state (precision, startPrice mode,
// chainTotal for percentage budgets).
type resolvedConfig struct {
	sellPrecision, buyPrecision int
	startPrice                  decimal.Decimal
	minPrice, maxPrice          decimal.Decimal
	budgetSell, budgetBuy       decimal.Decimal
	minEconomicSizeSell         decimal.Decimal
	minEconomicSizeBuy          decimal.Decimal
}

// resolveBotConfig fetches asset precisions and the reference price from
// the adapter and resolves every percent/mode field in bot against the
// chain's latest account totals.
func resolveBotConfig(ctx context.Context, adapter chainadapter.Adapter, bot config.BotConfig, totals chainadapter.AccountTotals) (resolvedConfig, error) {
	var rc resolvedConfig

	sellPrec, err := adapter.GetAssetPrecision(ctx, bot.AssetA)
	if err != nil {
		return rc, fmt.Errorf("%w: resolving precision for %s: %v", apperrors.ErrConfig, bot.AssetA, err)
	}
	buyPrec, err := adapter.GetAssetPrecision(ctx, bot.AssetB)
	if err != nil {
		return rc, fmt.Errorf("%w: resolving precision for %s: %v", apperrors.ErrConfig, bot.AssetB, err)
	}
	rc.sellPrecision, rc.buyPrecision = sellPrec, buyPrec

	startPrice, err := resolveStartPrice(ctx, adapter, bot.StartPrice)
	if err != nil {
		return rc, err
	}
	rc.startPrice = startPrice

	minPrice, err := resolvePriceBound(bot.MinPrice, startPrice)
	if err != nil {
		return rc, err
	}
	maxPrice, err := resolvePriceBound(bot.MaxPrice, startPrice)
	if err != nil {
		return rc, err
	}
	rc.minPrice, rc.maxPrice = minPrice, maxPrice

	budgetSell, err := resolveBudget(bot.BotFunds.Sell, totals.SellTotal)
	if err != nil {
		return rc, err
	}
	budgetBuy, err := resolveBudget(bot.BotFunds.Buy, totals.BuyTotal)
	if err != nil {
		return rc, err
	}
	rc.budgetSell, rc.budgetBuy = budgetSell, budgetBuy

	// Minimum economic size floors at one base unit; the planner's own
	// double-dust floor (2x this) is applied on top where relevant.
	rc.minEconomicSizeSell = decimal.NewFromInt(1)
	rc.minEconomicSizeBuy = decimal.NewFromInt(1)

	return rc, nil
}
