package fund

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	errNilState  = errors.New("fund engine: state not configured")
	errNilOracle = errors.New("fund engine: decryption oracle not configured")
	errNilVenue  = errors.New("fund engine: swap venue not configured")
	errNilMarket = errors.New("fund engine: market data not configured")
	errNilStable = errors.New("fund engine: confidential stablecoin not configured")
	errNilShares = errors.New("fund engine: share token not configured")
)

// slippageNum/slippageDen encode the fixed 10% slippage tolerance applied to
// oracle prices when deriving minimum swap outputs.
const (
	slippageNum = 9
	slippageDen = 10
)

// ConfidentialTransfers is the encrypted-balance transfer surface shared by
// the stablecoin and share primitives. TransferFrom always reports success at
// the call site; the authoritative outcome is the encrypted error code
// appended to the primitive's append-only error log. Callers must read the
// log length during the triggering call and decrypt the entry at length-1.
type ConfidentialTransfers interface {
	TransferFrom(from, to [20]byte, amount CiphertextHandle, proof []byte) bool
	Transfer(from, to [20]byte, amount CiphertextHandle) bool
	ErrorLogLength() (uint64, error)
	ErrorAt(index uint64) (CiphertextHandle, error)
}

// ConfidentialToken models the encrypted stablecoin primitive, including the
// wrap/unwrap bridge between its confidential and plain forms.
type ConfidentialToken interface {
	ConfidentialTransfers
	Wrap(to [20]byte, amount *big.Int) error
	Unwrap(from [20]byte, amount *big.Int) error
}

// ShareToken models the fund's share-supply ledger: confidential transfers
// for user-facing movement plus the plain mint/burn/supply hooks the
// settlement engine drives.
type ShareToken interface {
	ConfidentialTransfers
	BalanceOf(addr [20]byte) (CiphertextHandle, error)
	Le(a, b CiphertextHandle) (CiphertextHandle, error)
	Mint(to [20]byte, amount *big.Int) error
	Burn(from [20]byte, amount *big.Int) error
	TotalSupply() (*big.Int, error)
}

// DecryptionOracle accepts ciphertext handles and later delivers plaintext
// values to the engine's registered callback, authenticated as the oracle.
type DecryptionOracle interface {
	RequestDecryption(handles []CiphertextHandle, deadline int64) (uint64, error)
}

// SwapVenue executes swaps between the plain stablecoin and index tokens.
type SwapVenue interface {
	ApproveSpend(token string, amount *big.Int, expiry int64) error
	Swap(pool PoolKey, amountIn, minAmountOut *big.Int, deadline int64, direction SwapDirection) (*big.Int, error)
}

// MarketData serves index market capitalisations and spot prices. TokenPrice
// is expressed as stablecoin base units per whole token.
type MarketData interface {
	IndexMarketCaps(tokens []string) (*big.Int, []*big.Int, error)
	TokenPrice(token string) (*big.Rat, error)
}

// EngineState is the persistence surface required by the settlement engine:
// the fund aggregate, the plain token ledger, and the three transient pending
// tables. Take operations delete the record in the same call that returns it
// so a record is consumed at most once. Credit and Debit record value entering
// or leaving the fund's custody through external venues.
type EngineState interface {
	Fund() (*FundState, error)
	PutFund(*FundState) error

	PendingRequestPut(id uint64, req *PendingRequest) error
	PendingRequestGet(id uint64) (*PendingRequest, bool, error)
	PendingRequestTake(id uint64) (*PendingRequest, bool, error)

	PendingMintPut(user [20]byte, rec *PendingMintAmount) error
	PendingMintGet(user [20]byte) (*PendingMintAmount, bool, error)
	PendingMintTake(user [20]byte) (*PendingMintAmount, bool, error)

	PendingWithdrawalPut(user [20]byte, rec *PendingWithdrawal) error
	PendingWithdrawalGet(user [20]byte) (*PendingWithdrawal, bool, error)
	PendingWithdrawalTake(user [20]byte) (*PendingWithdrawal, bool, error)

	TokenBalance(token string, addr [20]byte) (*big.Int, error)
	TokenTransfer(token string, from, to [20]byte, amount *big.Int) error
	TokenCredit(token string, addr [20]byte, amount *big.Int) error
	TokenDebit(token string, addr [20]byte, amount *big.Int) error
}

// Engine wires the settlement pipelines with external state, the confidential
// value primitives and the swap/market collaborators.
type Engine struct {
	state   EngineState
	emitter Emitter

	stable ConfidentialToken
	shares ShareToken
	oracle DecryptionOracle
	venue  SwapVenue
	market MarketData

	fundAddress     [20]byte
	oracleAuthority [20]byte

	requestTTL int64
	nowFn      func() int64
	entered    bool
}

// NewEngine creates a settlement engine with a no-op emitter and a one hour
// decryption deadline. Collaborators are wired via the Set methods before the
// first operation.
func NewEngine(fundAddress [20]byte) *Engine {
	return &Engine{
		emitter:     NoopEmitter{},
		fundAddress: fundAddress,
		requestTTL:  3600,
		nowFn:       func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state EngineState) { e.state = state }

// SetStablecoin configures the confidential stablecoin primitive.
func (e *Engine) SetStablecoin(token ConfidentialToken) { e.stable = token }

// SetShareToken configures the fund share primitive.
func (e *Engine) SetShareToken(token ShareToken) { e.shares = token }

// SetOracle configures the decryption oracle and the identity its callbacks
// must authenticate as.
func (e *Engine) SetOracle(oracle DecryptionOracle, authority [20]byte) {
	e.oracle = oracle
	e.oracleAuthority = authority
}

// SetSwapVenue configures the swap execution venue.
func (e *Engine) SetSwapVenue(venue SwapVenue) { e.venue = venue }

// SetMarketData configures the market-data provider.
func (e *Engine) SetMarketData(market MarketData) { e.market = market }

// SetRequestTTL overrides the deadline, in seconds, attached to decryption
// requests. Requests unanswered past the deadline become expirable.
func (e *Engine) SetRequestTTL(seconds int64) {
	if seconds > 0 {
		e.requestTTL = seconds
	}
}

// SetNowFunc overrides the engine clock, primarily for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// enter guards state-mutating entry points against reentrant re-entry during
// their own execution. Calls are serialised by the underlying execution
// order; the guard only rejects recursion through collaborator callbacks.
func (e *Engine) enter() error {
	if e.entered {
		return ErrReentrantCall
	}
	e.entered = true
	return nil
}

func (e *Engine) leave() { e.entered = false }

func (e *Engine) checkWired() error {
	switch {
	case e == nil || e.state == nil:
		return errNilState
	case e.stable == nil:
		return errNilStable
	case e.shares == nil:
		return errNilShares
	case e.oracle == nil:
		return errNilOracle
	case e.venue == nil:
		return errNilVenue
	case e.market == nil:
		return errNilMarket
	}
	return nil
}

// readErrorHandle fetches the encrypted error code appended by the transfer
// that just executed on the supplied primitive. The boolean returned by the
// transfer itself is never authoritative.
func readErrorHandle(primitive ConfidentialTransfers) (CiphertextHandle, error) {
	length, err := primitive.ErrorLogLength()
	if err != nil {
		return CiphertextHandle{}, fmt.Errorf("fund: read error log length: %w", err)
	}
	if length == 0 {
		return CiphertextHandle{}, ErrTransferValidationFailed
	}
	handle, err := primitive.ErrorAt(length - 1)
	if err != nil {
		return CiphertextHandle{}, fmt.Errorf("fund: read error log entry: %w", err)
	}
	return handle, nil
}

func (e *Engine) loadFund() (*FundState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	fundState, err := e.state.Fund()
	if err != nil {
		return nil, err
	}
	if fundState == nil {
		return nil, fmt.Errorf("fund engine: fund not initialised")
	}
	return fundState, nil
}

// refreshSharePrice recomputes the share price from current balances and
// oracle prices, leaving it untouched while the supply is zero (bootstrap).
func (e *Engine) refreshSharePrice(fundState *FundState) error {
	supply, err := e.shares.TotalSupply()
	if err != nil {
		return err
	}
	if supply == nil || supply.Sign() == 0 {
		return nil
	}
	balances := make([]*big.Int, len(fundState.IndexTokens))
	prices := make([]*big.Rat, len(fundState.IndexTokens))
	scales := make([]*big.Int, len(fundState.IndexTokens))
	for i, token := range fundState.IndexTokens {
		balance, err := e.state.TokenBalance(token, e.fundAddress)
		if err != nil {
			return err
		}
		price, err := e.market.TokenPrice(token)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPriceFeedUnavailable, err)
		}
		balances[i] = balance
		prices[i] = price
		scales[i] = fundState.TokenScale(token)
	}
	nav := NAV(balances, prices, scales)
	price := SharePrice(nav, fundState.StableScale(), supply)
	if price.Sign() <= 0 {
		return ErrZeroSharePrice
	}
	fundState.SharePrice = price
	return nil
}

// minSwapOutput derives the minimum acceptable output for a swap from the
// oracle price at the fixed slippage tolerance, decimal-scaled to the output
// side's precision. Prices quote stablecoin base units per whole token.
func minSwapOutput(amountIn *big.Int, price *big.Rat, tokenScale *big.Int, direction SwapDirection) *big.Int {
	if amountIn == nil || amountIn.Sign() <= 0 || price == nil || price.Sign() <= 0 {
		return big.NewInt(0)
	}
	if tokenScale == nil || tokenScale.Sign() <= 0 {
		return big.NewInt(0)
	}
	rate := new(big.Rat).SetFrac(tokenScale, big.NewInt(1))
	rate.Quo(rate, price)
	if direction == SwapTokenToStable {
		rate.Inv(rate)
	}
	out := new(big.Rat).Mul(new(big.Rat).SetInt(amountIn), rate)
	out.Mul(out, big.NewRat(slippageNum, slippageDen))
	return new(big.Int).Quo(out.Num(), out.Denom())
}

// ExpireRequest unwinds a decryption request the oracle never answered. Once
// the request deadline has elapsed anyone may trigger the refund of the
// parked encrypted amount.
func (e *Engine) ExpireRequest(requestID uint64, now int64) error {
	if err := e.checkWired(); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	req, ok, err := e.state.PendingRequestGet(requestID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownRequest
	}
	if now < req.Deadline {
		return ErrRequestNotExpired
	}
	req, ok, err = e.state.PendingRequestTake(requestID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownRequest
	}
	switch req.Kind {
	case RequestBurn:
		e.shares.Transfer(e.fundAddress, req.User, req.Amount)
	default:
		e.stable.Transfer(e.fundAddress, req.User, req.Amount)
	}
	e.emit(NewRequestExpiredEvent(req.User, requestID, req.Kind))
	return nil
}

// SendFeesToProtocolOwner sweeps the accumulated protocol fee to the owner
// snapshotted at fund creation.
func (e *Engine) SendFeesToProtocolOwner(caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	fundState, err := e.loadFund()
	if err != nil {
		return err
	}
	if caller != fundState.ProtocolOwner {
		return ErrNotOwner
	}
	fees := cloneBigInt(fundState.CollectedFees)
	if fees.Sign() == 0 {
		return ErrNoPendingAction
	}
	if err := e.state.TokenTransfer(fundState.PlainStablecoin, e.fundAddress, fundState.ProtocolOwner, fees); err != nil {
		return err
	}
	fundState.CollectedFees = big.NewInt(0)
	if err := e.state.PutFund(fundState); err != nil {
		return err
	}
	e.emit(NewFeeCollectedEvent(fundState.ProtocolOwner, fees.String()))
	return nil
}
