package fund

import (
	"fmt"
	"math/big"
)

// Allocations splits total proportionally across the supplied weights using
// floor division: alloc_i = total * weight_i / totalWeight. The sum of the
// allocations may fall short of total by up to len(weights)-1 base units; the
// residual is an accepted, bounded rounding loss and is not tracked.
//
// The allocator holds no state. Bucket accumulation, threshold detection and
// flush execution are the caller's responsibility.
func Allocations(total *big.Int, weights []*big.Int, totalWeight *big.Int) ([]*big.Int, error) {
	if total == nil || total.Sign() < 0 {
		return nil, fmt.Errorf("fund: allocation total must be non-negative")
	}
	if totalWeight == nil || totalWeight.Sign() <= 0 {
		return nil, fmt.Errorf("fund: total weight must be positive")
	}
	allocs := make([]*big.Int, len(weights))
	for i, weight := range weights {
		if weight == nil || weight.Sign() < 0 {
			return nil, fmt.Errorf("fund: negative allocation weight at index %d", i)
		}
		alloc := new(big.Int).Mul(total, weight)
		alloc.Quo(alloc, totalWeight)
		allocs[i] = alloc
	}
	return allocs, nil
}
