package storage

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/romain-mg/unknownfinance/fund"
)

// RLP cannot encode maps or signed integers, so every persisted record goes
// through a stored* shadow struct: maps flatten into sorted parallel slices,
// big.Int values serialise as decimal strings and timestamps as uint64.

type storedPoolKey struct {
	Base    string
	Quote   string
	FeeBps  uint32
	VenueID string
}

type storedFundState struct {
	IndexTokens         []string
	PoolKeys            []storedPoolKey
	Stablecoin          string
	PlainStablecoin     string
	ShareSymbol         string
	DecimalTokens       []string
	DecimalValues       []uint8
	StableDecimals      uint8
	SharePrice          string
	CollectedFees       string
	PendingMintCount    uint32
	PendingBurnCount    uint32
	MintBucketTokens    []string
	MintBucketAmounts   []string
	BurnBucketTokens    []string
	BurnBucketAmounts   []string
	BatchSize           uint32
	MaxSwapAmount       string
	MaxMintOrBurnAmount string
	FeeDivisor          string
	ProtocolOwner       [20]byte
	BurnEpoch           uint64
	CreatedAt           uint64
}

type storedRequest struct {
	User        [20]byte
	Kind        uint8
	Amount      [32]byte
	SubmittedAt uint64
	Deadline    uint64
}

type storedMint struct {
	User       [20]byte
	Amount     string
	Unwrapped  bool
	ResolvedAt uint64
}

type storedWithdrawal struct {
	User         [20]byte
	Kind         uint8
	TokenSymbols []string
	TokenAmounts []string
	Stable       string
	Epoch        uint64
}

func encodeBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeBig(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("storage: corrupt amount %q", raw)
	}
	return parsed, nil
}

func flattenBucket(src map[string]*big.Int) ([]string, []string) {
	tokens := make([]string, 0, len(src))
	for token := range src {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	amounts := make([]string, len(tokens))
	for i, token := range tokens {
		amounts[i] = encodeBig(src[token])
	}
	return tokens, amounts
}

func unflattenBucket(tokens, amounts []string) (map[string]*big.Int, error) {
	if len(tokens) != len(amounts) {
		return nil, fmt.Errorf("storage: bucket slices misaligned")
	}
	bucket := make(map[string]*big.Int, len(tokens))
	for i, token := range tokens {
		amount, err := decodeBig(amounts[i])
		if err != nil {
			return nil, err
		}
		bucket[token] = amount
	}
	return bucket, nil
}

func toStoredFundState(state *fund.FundState) (*storedFundState, error) {
	decimalTokens := make([]string, 0, len(state.TokenDecimals))
	for token := range state.TokenDecimals {
		decimalTokens = append(decimalTokens, token)
	}
	sort.Strings(decimalTokens)
	decimalValues := make([]uint8, len(decimalTokens))
	for i, token := range decimalTokens {
		decimalValues[i] = state.TokenDecimals[token]
	}
	pools := make([]storedPoolKey, len(state.PoolKeys))
	for i, pool := range state.PoolKeys {
		pools[i] = storedPoolKey(pool)
	}
	mintTokens, mintAmounts := flattenBucket(state.PendingMintAmountByToken)
	burnTokens, burnAmounts := flattenBucket(state.PendingBurnAmountByToken)
	if state.CreatedAt < 0 {
		return nil, fmt.Errorf("storage: negative creation time")
	}
	return &storedFundState{
		IndexTokens:         append([]string(nil), state.IndexTokens...),
		PoolKeys:            pools,
		Stablecoin:          state.Stablecoin,
		PlainStablecoin:     state.PlainStablecoin,
		ShareSymbol:         state.ShareSymbol,
		DecimalTokens:       decimalTokens,
		DecimalValues:       decimalValues,
		StableDecimals:      state.StableDecimals,
		SharePrice:          encodeBig(state.SharePrice),
		CollectedFees:       encodeBig(state.CollectedFees),
		PendingMintCount:    state.PendingMintCount,
		PendingBurnCount:    state.PendingBurnCount,
		MintBucketTokens:    mintTokens,
		MintBucketAmounts:   mintAmounts,
		BurnBucketTokens:    burnTokens,
		BurnBucketAmounts:   burnAmounts,
		BatchSize:           state.BatchSize,
		MaxSwapAmount:       encodeBig(state.MaxSwapAmount),
		MaxMintOrBurnAmount: encodeBig(state.MaxMintOrBurnAmount),
		FeeDivisor:          encodeBig(state.FeeDivisor),
		ProtocolOwner:       state.ProtocolOwner,
		BurnEpoch:           state.BurnEpoch,
		CreatedAt:           uint64(state.CreatedAt),
	}, nil
}

func (r *storedFundState) toFundState() (*fund.FundState, error) {
	if len(r.DecimalTokens) != len(r.DecimalValues) {
		return nil, fmt.Errorf("storage: decimal slices misaligned")
	}
	decimals := make(map[string]uint8, len(r.DecimalTokens))
	for i, token := range r.DecimalTokens {
		decimals[token] = r.DecimalValues[i]
	}
	pools := make([]fund.PoolKey, len(r.PoolKeys))
	for i, pool := range r.PoolKeys {
		pools[i] = fund.PoolKey(pool)
	}
	sharePrice, err := decodeBig(r.SharePrice)
	if err != nil {
		return nil, err
	}
	fees, err := decodeBig(r.CollectedFees)
	if err != nil {
		return nil, err
	}
	maxSwap, err := decodeBig(r.MaxSwapAmount)
	if err != nil {
		return nil, err
	}
	maxMintOrBurn, err := decodeBig(r.MaxMintOrBurnAmount)
	if err != nil {
		return nil, err
	}
	feeDivisor, err := decodeBig(r.FeeDivisor)
	if err != nil {
		return nil, err
	}
	mintBuckets, err := unflattenBucket(r.MintBucketTokens, r.MintBucketAmounts)
	if err != nil {
		return nil, err
	}
	burnBuckets, err := unflattenBucket(r.BurnBucketTokens, r.BurnBucketAmounts)
	if err != nil {
		return nil, err
	}
	return &fund.FundState{
		IndexTokens:              append([]string(nil), r.IndexTokens...),
		PoolKeys:                 pools,
		Stablecoin:               r.Stablecoin,
		PlainStablecoin:          r.PlainStablecoin,
		ShareSymbol:              r.ShareSymbol,
		TokenDecimals:            decimals,
		StableDecimals:           r.StableDecimals,
		SharePrice:               sharePrice,
		CollectedFees:            fees,
		PendingMintCount:         r.PendingMintCount,
		PendingBurnCount:         r.PendingBurnCount,
		PendingMintAmountByToken: mintBuckets,
		PendingBurnAmountByToken: burnBuckets,
		BatchSize:                r.BatchSize,
		MaxSwapAmount:            maxSwap,
		MaxMintOrBurnAmount:      maxMintOrBurn,
		FeeDivisor:               feeDivisor,
		ProtocolOwner:            r.ProtocolOwner,
		BurnEpoch:                r.BurnEpoch,
		CreatedAt:                int64(r.CreatedAt),
	}, nil
}

func toStoredRequest(req *fund.PendingRequest) *storedRequest {
	stored := &storedRequest{
		User:   req.User,
		Kind:   uint8(req.Kind),
		Amount: req.Amount,
	}
	if req.SubmittedAt > 0 {
		stored.SubmittedAt = uint64(req.SubmittedAt)
	}
	if req.Deadline > 0 {
		stored.Deadline = uint64(req.Deadline)
	}
	return stored
}

func (r *storedRequest) toRequest() *fund.PendingRequest {
	return &fund.PendingRequest{
		User:        r.User,
		Kind:        fund.RequestKind(r.Kind),
		Amount:      r.Amount,
		SubmittedAt: int64(r.SubmittedAt),
		Deadline:    int64(r.Deadline),
	}
}

func toStoredMint(rec *fund.PendingMintAmount) *storedMint {
	stored := &storedMint{
		User:      rec.User,
		Amount:    encodeBig(rec.Amount),
		Unwrapped: rec.Unwrapped,
	}
	if rec.ResolvedAt > 0 {
		stored.ResolvedAt = uint64(rec.ResolvedAt)
	}
	return stored
}

func (r *storedMint) toMint() (*fund.PendingMintAmount, error) {
	amount, err := decodeBig(r.Amount)
	if err != nil {
		return nil, err
	}
	return &fund.PendingMintAmount{
		User:       r.User,
		Amount:     amount,
		Unwrapped:  r.Unwrapped,
		ResolvedAt: int64(r.ResolvedAt),
	}, nil
}

func toStoredWithdrawal(rec *fund.PendingWithdrawal) *storedWithdrawal {
	tokens, amounts := flattenBucket(rec.Tokens)
	return &storedWithdrawal{
		User:         rec.User,
		Kind:         uint8(rec.Kind),
		TokenSymbols: tokens,
		TokenAmounts: amounts,
		Stable:       encodeBig(rec.Stable),
		Epoch:        rec.Epoch,
	}
}

func (r *storedWithdrawal) toWithdrawal() (*fund.PendingWithdrawal, error) {
	tokens, err := unflattenBucket(r.TokenSymbols, r.TokenAmounts)
	if err != nil {
		return nil, err
	}
	stable, err := decodeBig(r.Stable)
	if err != nil {
		return nil, err
	}
	return &fund.PendingWithdrawal{
		User:   r.User,
		Kind:   fund.WithdrawalKind(r.Kind),
		Tokens: tokens,
		Stable: stable,
		Epoch:  r.Epoch,
	}, nil
}
