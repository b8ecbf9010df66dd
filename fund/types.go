package fund

import (
	"fmt"
	"math/big"
	"strings"
)

// CiphertextHandle is an opaque reference to an encrypted value. The handle
// itself carries no plaintext information; only the decryption oracle can
// resolve it.
type CiphertextHandle [32]byte

// IsZero reports whether the handle is the empty value.
func (h CiphertextHandle) IsZero() bool { return h == CiphertextHandle{} }

// PoolKey describes the swap-venue route used to trade one index token against
// the fund's stablecoin. Pool keys align positionally with FundState.IndexTokens.
type PoolKey struct {
	Base    string
	Quote   string
	FeeBps  uint32
	VenueID string
}

// SwapDirection selects which side of a pool the input amount enters on.
type SwapDirection uint8

const (
	// SwapStableToToken deploys stablecoin into an index token (mint side).
	SwapStableToToken SwapDirection = iota
	// SwapTokenToStable unwinds an index token back into stablecoin (burn side).
	SwapTokenToStable
)

// RequestKind distinguishes the pipeline a decryption request belongs to.
type RequestKind uint8

const (
	RequestMint RequestKind = iota + 1
	RequestBurn
)

// Valid reports whether the kind is within the supported range.
func (k RequestKind) Valid() bool {
	return k == RequestMint || k == RequestBurn
}

// WithdrawalKind distinguishes the two redemption outcomes a burn can settle
// into.
type WithdrawalKind uint8

const (
	// WithdrawTokens pays the user their pro-rata slice of each index token.
	WithdrawTokens WithdrawalKind = iota + 1
	// WithdrawStablecoin pays the user the stablecoin value of their slice,
	// re-wrapped into confidential form.
	WithdrawStablecoin
)

// FundState aggregates the configuration and mutable accounting for a single
// fund instance. The engine owns the state exclusively; callers interact with
// it only through engine operations.
type FundState struct {
	// IndexTokens is fixed at creation. Order is significant: it aligns
	// positionally with PoolKeys.
	IndexTokens []string
	PoolKeys    []PoolKey

	// Stablecoin is the confidential deposit asset; PlainStablecoin is its
	// unwrapped counterpart used for swaps and fee accounting.
	Stablecoin      string
	PlainStablecoin string
	ShareSymbol     string

	TokenDecimals  map[string]uint8
	StableDecimals uint8

	// SharePrice is the stablecoin-denominated value of one whole share,
	// scaled by the stablecoin decimals. It must be strictly positive before
	// it is used as a divisor.
	SharePrice    *big.Int
	CollectedFees *big.Int

	PendingMintCount         uint32
	PendingBurnCount         uint32
	PendingMintAmountByToken map[string]*big.Int
	PendingBurnAmountByToken map[string]*big.Int

	BatchSize           uint32
	MaxSwapAmount       *big.Int
	MaxMintOrBurnAmount *big.Int

	// FeeDivisor and ProtocolOwner are snapshotted from the factory at
	// creation time and never re-queried.
	FeeDivisor    *big.Int
	ProtocolOwner [20]byte

	// BurnEpoch increments on every burn-side flush. Redemption claims are
	// gated until the epoch recorded at burn time has passed.
	BurnEpoch uint64

	CreatedAt int64
}

// PendingRequest correlates an outstanding decryption request with the user
// who triggered it. A request resolves at most one callback: the state layer
// deletes the record in the same operation that returns it.
type PendingRequest struct {
	User        [20]byte
	Kind        RequestKind
	Amount      CiphertextHandle
	SubmittedAt int64
	Deadline    int64
}

// PendingMintAmount bridges a resolved-but-not-yet-settled mint. It is created
// by the oracle callback and consumed exactly once by FinishMintShares.
type PendingMintAmount struct {
	User   [20]byte
	Amount *big.Int
	// Unwrapped marks that the deposit has already been converted to plain
	// stablecoin; a settlement retry must not unwrap it again.
	Unwrapped  bool
	ResolvedAt int64
}

// PendingWithdrawal bridges a computed-but-not-yet-paid-out burn redemption.
// Exactly one of Tokens or Stable is populated depending on Kind.
type PendingWithdrawal struct {
	User   [20]byte
	Kind   WithdrawalKind
	Tokens map[string]*big.Int
	Stable *big.Int
	Epoch  uint64
}

// FundParams captures the factory-supplied configuration used to create a
// fund.
type FundParams struct {
	IndexTokens         []string
	PoolKeys            []PoolKey
	Stablecoin          string
	PlainStablecoin     string
	ShareSymbol         string
	TokenDecimals       map[string]uint8
	StableDecimals      uint8
	InitialSharePrice   *big.Int
	BatchSize           uint32
	MaxSwapAmount       *big.Int
	MaxMintOrBurnAmount *big.Int
	FeeDivisor          *big.Int
	ProtocolOwner       [20]byte
}

// NewFundState validates the supplied parameters and returns the initial fund
// aggregate.
func NewFundState(params FundParams, now int64) (*FundState, error) {
	if len(params.IndexTokens) == 0 {
		return nil, fmt.Errorf("fund: at least one index token required")
	}
	if len(params.PoolKeys) != len(params.IndexTokens) {
		return nil, fmt.Errorf("fund: pool keys must align with index tokens")
	}
	seen := make(map[string]struct{}, len(params.IndexTokens))
	for _, token := range params.IndexTokens {
		trimmed := strings.TrimSpace(token)
		if trimmed == "" {
			return nil, fmt.Errorf("fund: empty index token symbol")
		}
		if _, dup := seen[trimmed]; dup {
			return nil, fmt.Errorf("fund: duplicate index token %s", trimmed)
		}
		seen[trimmed] = struct{}{}
		if _, ok := params.TokenDecimals[trimmed]; !ok {
			return nil, fmt.Errorf("fund: missing decimals for token %s", trimmed)
		}
	}
	if strings.TrimSpace(params.Stablecoin) == "" || strings.TrimSpace(params.PlainStablecoin) == "" {
		return nil, fmt.Errorf("fund: stablecoin symbols required")
	}
	if params.BatchSize == 0 {
		return nil, fmt.Errorf("fund: batch size must be positive")
	}
	if params.InitialSharePrice == nil || params.InitialSharePrice.Sign() <= 0 {
		return nil, fmt.Errorf("fund: initial share price must be positive")
	}
	if params.FeeDivisor == nil || params.FeeDivisor.Sign() <= 0 {
		return nil, fmt.Errorf("fund: fee divisor must be positive")
	}
	if params.MaxSwapAmount == nil || params.MaxSwapAmount.Sign() <= 0 {
		return nil, fmt.Errorf("fund: max swap amount must be positive")
	}
	if params.MaxMintOrBurnAmount == nil || params.MaxMintOrBurnAmount.Sign() <= 0 {
		return nil, fmt.Errorf("fund: max mint or burn amount must be positive")
	}
	if params.ProtocolOwner == ([20]byte{}) {
		return nil, fmt.Errorf("fund: protocol owner required")
	}
	state := &FundState{
		IndexTokens:              append([]string(nil), params.IndexTokens...),
		PoolKeys:                 append([]PoolKey(nil), params.PoolKeys...),
		Stablecoin:               strings.TrimSpace(params.Stablecoin),
		PlainStablecoin:          strings.TrimSpace(params.PlainStablecoin),
		ShareSymbol:              strings.TrimSpace(params.ShareSymbol),
		TokenDecimals:            make(map[string]uint8, len(params.TokenDecimals)),
		StableDecimals:           params.StableDecimals,
		SharePrice:               new(big.Int).Set(params.InitialSharePrice),
		CollectedFees:            big.NewInt(0),
		PendingMintAmountByToken: make(map[string]*big.Int, len(params.IndexTokens)),
		PendingBurnAmountByToken: make(map[string]*big.Int, len(params.IndexTokens)),
		BatchSize:                params.BatchSize,
		MaxSwapAmount:            new(big.Int).Set(params.MaxSwapAmount),
		MaxMintOrBurnAmount:      new(big.Int).Set(params.MaxMintOrBurnAmount),
		FeeDivisor:               new(big.Int).Set(params.FeeDivisor),
		ProtocolOwner:            params.ProtocolOwner,
		CreatedAt:                now,
	}
	for token, decimals := range params.TokenDecimals {
		state.TokenDecimals[token] = decimals
	}
	for _, token := range state.IndexTokens {
		state.PendingMintAmountByToken[token] = big.NewInt(0)
		state.PendingBurnAmountByToken[token] = big.NewInt(0)
	}
	return state, nil
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (f *FundState) Clone() *FundState {
	if f == nil {
		return nil
	}
	clone := *f
	clone.IndexTokens = append([]string(nil), f.IndexTokens...)
	clone.PoolKeys = append([]PoolKey(nil), f.PoolKeys...)
	clone.TokenDecimals = make(map[string]uint8, len(f.TokenDecimals))
	for token, decimals := range f.TokenDecimals {
		clone.TokenDecimals[token] = decimals
	}
	clone.SharePrice = cloneBigInt(f.SharePrice)
	clone.CollectedFees = cloneBigInt(f.CollectedFees)
	clone.MaxSwapAmount = cloneBigInt(f.MaxSwapAmount)
	clone.MaxMintOrBurnAmount = cloneBigInt(f.MaxMintOrBurnAmount)
	clone.FeeDivisor = cloneBigInt(f.FeeDivisor)
	clone.PendingMintAmountByToken = cloneBucket(f.PendingMintAmountByToken)
	clone.PendingBurnAmountByToken = cloneBucket(f.PendingBurnAmountByToken)
	return &clone
}

// StableScale returns 10^StableDecimals.
func (f *FundState) StableScale() *big.Int {
	return pow10(f.StableDecimals)
}

// TokenScale returns 10^decimals for the supplied token symbol, defaulting to
// the stablecoin scale when the token is unknown.
func (f *FundState) TokenScale(token string) *big.Int {
	if decimals, ok := f.TokenDecimals[token]; ok {
		return pow10(decimals)
	}
	return f.StableScale()
}

// Clone returns a deep copy of the pending withdrawal.
func (w *PendingWithdrawal) Clone() *PendingWithdrawal {
	if w == nil {
		return nil
	}
	clone := *w
	clone.Stable = cloneBigInt(w.Stable)
	clone.Tokens = cloneBucket(w.Tokens)
	return &clone
}

// Clone returns a deep copy of the pending mint record.
func (p *PendingMintAmount) Clone() *PendingMintAmount {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Amount = cloneBigInt(p.Amount)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func cloneBucket(src map[string]*big.Int) map[string]*big.Int {
	if src == nil {
		return nil
	}
	dst := make(map[string]*big.Int, len(src))
	for token, amount := range src {
		dst[token] = cloneBigInt(amount)
	}
	return dst
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
