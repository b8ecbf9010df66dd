package fund

import "math/big"

// NAV values the fund's index holdings at current oracle prices, in
// stablecoin base units: Σ price_i * balance_i / scale_i. Prices quote
// stablecoin base units per whole token; scales divide out each token's
// decimal precision so mixed-precision indices value consistently.
func NAV(balances []*big.Int, prices []*big.Rat, scales []*big.Int) *big.Int {
	total := new(big.Rat)
	for i, balance := range balances {
		if balance == nil || balance.Sign() <= 0 {
			continue
		}
		if i >= len(prices) || prices[i] == nil || prices[i].Sign() <= 0 {
			continue
		}
		value := new(big.Rat).Mul(new(big.Rat).SetInt(balance), prices[i])
		if i < len(scales) && scales[i] != nil && scales[i].Sign() > 0 {
			value.Quo(value, new(big.Rat).SetInt(scales[i]))
		}
		total.Add(total, value)
	}
	return new(big.Int).Quo(total.Num(), total.Denom())
}

// SharePrice converts a NAV into the stablecoin-denominated price of one
// share: nav * stableScale / totalSupply. Callers must handle the zero-supply
// bootstrap case before invoking; a zero supply yields a zero price here.
func SharePrice(nav, stableScale, totalSupply *big.Int) *big.Int {
	if nav == nil || stableScale == nil || totalSupply == nil || totalSupply.Sign() == 0 {
		return big.NewInt(0)
	}
	price := new(big.Int).Mul(nav, stableScale)
	return price.Quo(price, totalSupply)
}

// SharesForStable converts a stablecoin amount into shares at the supplied
// price, floor division: stableIn * stableScale / sharePrice.
func SharesForStable(stableIn, sharePrice, stableScale *big.Int) *big.Int {
	if stableIn == nil || stableIn.Sign() <= 0 || sharePrice == nil || sharePrice.Sign() <= 0 {
		return big.NewInt(0)
	}
	shares := new(big.Int).Mul(stableIn, stableScale)
	return shares.Quo(shares, sharePrice)
}

// StableForShares is the inverse conversion: shares * sharePrice / stableScale.
func StableForShares(shares, sharePrice, stableScale *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || sharePrice == nil || sharePrice.Sign() <= 0 {
		return big.NewInt(0)
	}
	if stableScale == nil || stableScale.Sign() <= 0 {
		return big.NewInt(0)
	}
	stable := new(big.Int).Mul(shares, sharePrice)
	return stable.Quo(stable, stableScale)
}

// ProRataRedemption computes a burner's slice of one fund holding:
// balance * burned / supplyBefore, floor division against the share supply
// captured before the burn.
func ProRataRedemption(balance, burned, supplyBefore *big.Int) *big.Int {
	if balance == nil || balance.Sign() <= 0 || burned == nil || burned.Sign() <= 0 {
		return big.NewInt(0)
	}
	if supplyBefore == nil || supplyBefore.Sign() <= 0 {
		return big.NewInt(0)
	}
	amount := new(big.Int).Mul(balance, burned)
	return amount.Quo(amount, supplyBefore)
}
