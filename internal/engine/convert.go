package engine

import (
	"errors"
	"math/big"
)

// StableDecimals is the stablecoin's base-unit scale (micro-units).
const StableDecimals = 6

var ErrNonPositiveRate = errors.New("conversion rate must be positive")

// FiatToStable converts a fiat amount in minor units to stablecoin base units
// at the quoted rate (fiat per whole stable unit). The result is always
// floored, never rounded up, so we never credit more than was paid for.
func FiatToStable(amountMinor int64, fiatDecimals int, rate *big.Rat) (*big.Int, error) {
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrNonPositiveRate
	}

	// floor(amountMinor * 10^stableDecimals / (rate * 10^fiatDecimals))
	num := new(big.Int).Mul(big.NewInt(amountMinor), pow10(StableDecimals))
	num.Mul(num, rate.Denom())
	den := new(big.Int).Mul(rate.Num(), pow10(fiatDecimals))

	return new(big.Int).Quo(num, den), nil
}

// StableToAsset converts stablecoin base units to target-asset base units at
// the quoted rate (whole target units per whole stable unit), floored.
func StableToAsset(stableUnits *big.Int, rate *big.Rat, assetDecimals int) (*big.Int, error) {
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrNonPositiveRate
	}

	// floor(stableUnits * rate * 10^assetDecimals / 10^stableDecimals)
	num := new(big.Int).Mul(stableUnits, rate.Num())
	num.Mul(num, pow10(assetDecimals))
	den := new(big.Int).Mul(rate.Denom(), pow10(StableDecimals))

	return new(big.Int).Quo(num, den), nil
}

// ApplySlippage floors the minimum acceptable output to the given basis
// points below the quote.
func ApplySlippage(amount *big.Int, toleranceBps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(10000-toleranceBps))
	return out.Quo(out, big.NewInt(10000))
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// assetScale returns 10^assetDecimals as an int64; the largest scale in use
// is 10^18, which still fits.
func assetScale(symbol string) int64 {
	return pow10(assetDecimals(symbol)).Int64()
}

// assetDecimals returns the base-unit scale for the assets we execute into.
func assetDecimals(symbol string) int {
	switch symbol {
	case "USDC", "USDT":
		return 6
	case "WBTC", "BTC":
		return 8
	default:
		return 18
	}
}
