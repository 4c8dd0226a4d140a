package synth

import (
	"math/big"
	"time"
)

// All monetary arithmetic multiplies in big.Int intermediates and
// truncates with a single divide so results match the reference
// scenarios bit for bit on uint64 state.

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// valueScale is 10^(decimals + OracleDecimals - Accuracy), the divisor
// that brings amount*price products back to AmountScale USD.
func valueScale(decimals uint8) *big.Int {
	return pow10(int(decimals) + OracleDecimals - Accuracy)
}

// usdValue converts a token amount at a given price to a USD value at
// AmountScale.
func usdValue(amount, price uint64, decimals uint8) uint64 {
	v := new(big.Int).Mul(new(big.Int).SetUint64(price), new(big.Int).SetUint64(amount))
	v.Div(v, valueScale(decimals))
	return v.Uint64()
}

// stale reports whether a feed-backed asset's cached price is unusable
// in a solvency check: too old, or zero. A feed may legally publish 0,
// but a zero price cannot value collateral or price a swap leg. Assets
// without a feed reference (the synthetic USD entry) are never stale.
func stale(a *Asset, now time.Time, maxDelay time.Duration) bool {
	if a.FeedAddress == "" {
		return false
	}
	if a.Price == 0 {
		return true
	}
	return now.Sub(a.LastUpdate) > maxDelay
}

// calculateDebt sums the USD value of every asset's outstanding supply.
// Any stale feed-backed asset poisons the whole computation.
func calculateDebt(assets []Asset, now time.Time, maxDelay time.Duration) (uint64, error) {
	debt := new(big.Int)
	for i := range assets {
		if stale(&assets[i], now, maxDelay) {
			return 0, ErrOutdatedOracle
		}
		term := new(big.Int).Mul(
			new(big.Int).SetUint64(assets[i].Price),
			new(big.Int).SetUint64(assets[i].Supply),
		)
		term.Div(term, valueScale(assets[i].Decimals))
		debt.Add(debt, term)
	}
	return debt.Uint64(), nil
}

// calculateUserDebt is the user's pro-rata slice of the pool debt.
func calculateUserDebt(user *UserAccount, debt, totalShares uint64) uint64 {
	if totalShares == 0 {
		return 0
	}
	v := new(big.Int).Mul(new(big.Int).SetUint64(debt), new(big.Int).SetUint64(user.Shares))
	v.Div(v, new(big.Int).SetUint64(totalShares))
	return v.Uint64()
}

// calculateMaxUserDebt is the largest debt the user's collateral can
// carry at the given collateralization level (percent).
func calculateMaxUserDebt(collateral *Asset, level uint32, user *UserAccount) uint64 {
	v := new(big.Int).Mul(
		new(big.Int).SetUint64(collateral.Price),
		new(big.Int).SetUint64(user.Collateral),
	)
	v.Div(v, valueScale(collateral.Decimals))
	v.Mul(v, big.NewInt(100))
	v.Div(v, new(big.Int).SetUint64(uint64(level)))
	return v.Uint64()
}

// calculateMaxWithdraw is the USD value of collateral the user may pull
// out while keeping the required level.
func calculateMaxWithdraw(maxUserDebt, userDebt uint64, level uint32) uint64 {
	if maxUserDebt < userDebt {
		return 0
	}
	v := new(big.Int).SetUint64(maxUserDebt - userDebt)
	v.Mul(v, new(big.Int).SetUint64(uint64(level)))
	v.Div(v, big.NewInt(100))
	return v.Uint64()
}

// calculateNewShares prices freshly minted debt in shares. The first
// mint bootstraps 1:1 against the minted USD value; afterwards shares
// dilute proportionally against the pool debt. Residual shares over a
// zero debt (all supply burned with rounding dust left) re-bootstrap.
func calculateNewShares(shares, debt, mintedUsd uint64) uint64 {
	if shares == 0 || debt == 0 {
		return mintedUsd
	}
	v := new(big.Int).Mul(new(big.Int).SetUint64(shares), new(big.Int).SetUint64(mintedUsd))
	v.Div(v, new(big.Int).SetUint64(debt))
	return v.Uint64()
}

// calculateBurnedShares converts a burned token amount to the shares it
// retires, at the caller's current share-to-debt ratio.
func calculateBurnedShares(asset *Asset, userDebt, userShares, amount uint64) uint64 {
	burnUsd := usdValue(amount, asset.Price, asset.Decimals)
	v := new(big.Int).Mul(new(big.Int).SetUint64(burnUsd), new(big.Int).SetUint64(userShares))
	v.Div(v, new(big.Int).SetUint64(userDebt))
	return v.Uint64()
}

// calculateMaxBurnedInToken is the token amount that would retire the
// user's entire debt.
func calculateMaxBurnedInToken(asset *Asset, userDebt uint64) uint64 {
	v := new(big.Int).Mul(new(big.Int).SetUint64(userDebt), pow10(OracleDecimals))
	v.Div(v, new(big.Int).SetUint64(asset.Price))
	return v.Uint64()
}

// calculateSwapOut converts amount of assetIn into assetOut at cached
// oracle prices, then deducts the fee (basis points of 1e4).
func calculateSwapOut(assetIn, assetOut *Asset, amount, fee uint64) uint64 {
	before := new(big.Int).Mul(new(big.Int).SetUint64(assetIn.Price), new(big.Int).SetUint64(amount))
	before.Div(before, new(big.Int).SetUint64(assetOut.Price))
	cut := new(big.Int).Mul(before, new(big.Int).SetUint64(fee))
	cut.Div(cut, new(big.Int).SetUint64(PriceScale))
	before.Sub(before, cut)
	return before.Uint64()
}
