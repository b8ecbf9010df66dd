package fund

import (
	"math/big"
	"testing"
)

func TestAllocationsFloorDivision(t *testing.T) {
	total := big.NewInt(999)
	weights := []*big.Int{big.NewInt(500), big.NewInt(500)}
	allocs, err := Allocations(total, weights, big.NewInt(1000))
	if err != nil {
		t.Fatalf("Allocations: %v", err)
	}
	for i, alloc := range allocs {
		if alloc.Cmp(big.NewInt(499)) != 0 {
			t.Fatalf("alloc[%d] = %s, want 499", i, alloc)
		}
	}
}

func TestAllocationsResidualBounded(t *testing.T) {
	cases := []struct {
		total   int64
		weights []int64
	}{
		{1000, []int64{1, 1, 1}},
		{999, []int64{500, 500}},
		{7, []int64{3, 3, 1}},
		{1, []int64{999, 1}},
	}
	for _, tc := range cases {
		weights := make([]*big.Int, len(tc.weights))
		totalWeight := big.NewInt(0)
		for i, w := range tc.weights {
			weights[i] = big.NewInt(w)
			totalWeight.Add(totalWeight, weights[i])
		}
		allocs, err := Allocations(big.NewInt(tc.total), weights, totalWeight)
		if err != nil {
			t.Fatalf("Allocations(%d): %v", tc.total, err)
		}
		sum := big.NewInt(0)
		for _, alloc := range allocs {
			sum.Add(sum, alloc)
		}
		if sum.Cmp(big.NewInt(tc.total)) > 0 {
			t.Fatalf("allocations exceed total: %s > %d", sum, tc.total)
		}
		residual := new(big.Int).Sub(big.NewInt(tc.total), sum)
		if residual.Cmp(big.NewInt(int64(len(tc.weights)-1))) > 0 {
			t.Fatalf("residual %s exceeds bound %d", residual, len(tc.weights)-1)
		}
	}
}

func TestAllocationsRejectsZeroWeight(t *testing.T) {
	if _, err := Allocations(big.NewInt(100), nil, big.NewInt(0)); err == nil {
		t.Fatalf("zero total weight must be rejected")
	}
	if _, err := Allocations(big.NewInt(100), []*big.Int{big.NewInt(-1)}, big.NewInt(10)); err == nil {
		t.Fatalf("negative weight must be rejected")
	}
	if _, err := Allocations(big.NewInt(-1), nil, big.NewInt(10)); err == nil {
		t.Fatalf("negative total must be rejected")
	}
}
