package fund

import (
	"fmt"
	"math/big"
)

// Rejection reasons attached to deposit/burn rejection events.
const (
	rejectTransferFailed    = "transfer_validation_failed"
	rejectAmountBound       = "amount_exceeds_bound"
	rejectInsufficientBal   = "insufficient_balance"
	rejectPendingSettlement = "pending_settlement_exists"
)

// SubmitMint begins the mint pipeline: it pulls the encrypted deposit into
// the fund, reads the error-code channel for the transfer that just executed,
// and submits a decryption request correlated to the caller. The returned
// identifier is the oracle request id.
func (e *Engine) SubmitMint(caller [20]byte, amount CiphertextHandle, proof []byte) (uint64, error) {
	if err := e.checkWired(); err != nil {
		return 0, err
	}
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.leave()
	if _, err := e.loadFund(); err != nil {
		return 0, err
	}
	if amount.IsZero() {
		return 0, fmt.Errorf("fund: encrypted amount required")
	}
	// The boolean result is not authoritative; the encrypted error code
	// appended to the primitive's log decides the real outcome.
	_ = e.stable.TransferFrom(caller, e.fundAddress, amount, proof)
	errHandle, err := readErrorHandle(e.stable)
	if err != nil {
		return 0, err
	}
	now := e.now()
	deadline := now + e.requestTTL
	requestID, err := e.oracle.RequestDecryption([]CiphertextHandle{errHandle, amount}, deadline)
	if err != nil {
		return 0, fmt.Errorf("fund: request decryption: %w", err)
	}
	req := &PendingRequest{
		User:        caller,
		Kind:        RequestMint,
		Amount:      amount,
		SubmittedAt: now,
		Deadline:    deadline,
	}
	if err := e.state.PendingRequestPut(requestID, req); err != nil {
		return 0, err
	}
	e.emit(NewMintRequestedEvent(caller, requestID))
	return requestID, nil
}

// MintCallback resumes the mint pipeline with decrypted values. Only the
// configured oracle identity may invoke it, and a request id resolves at most
// once: the pending request is deleted before any of its context is used.
//
// Validation failures refund the original encrypted deposit and emit a
// rejection event rather than failing the callback; the user keeps their
// funds and the pipeline ends cleanly.
func (e *Engine) MintCallback(caller [20]byte, requestID uint64, errorCode uint64, amount *big.Int) error {
	if err := e.checkWired(); err != nil {
		return err
	}
	if caller != e.oracleAuthority {
		return ErrNotOracle
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	req, ok, err := e.state.PendingRequestTake(requestID)
	if err != nil {
		return err
	}
	if !ok || req.Kind != RequestMint {
		return ErrUnknownRequest
	}
	fundState, err := e.loadFund()
	if err != nil {
		return err
	}
	if errorCode != 0 {
		return e.rejectMint(req, requestID, rejectTransferFailed)
	}
	if amount == nil || amount.Sign() <= 0 {
		return e.rejectMint(req, requestID, rejectTransferFailed)
	}
	if amount.Cmp(fundState.MaxMintOrBurnAmount) > 0 {
		return e.rejectMint(req, requestID, rejectAmountBound)
	}
	if _, exists, err := e.state.PendingMintGet(req.User); err != nil {
		return err
	} else if exists {
		// A second resolved deposit cannot overwrite an unsettled one.
		return e.rejectMint(req, requestID, rejectPendingSettlement)
	}
	rec := &PendingMintAmount{
		User:       req.User,
		Amount:     new(big.Int).Set(amount),
		ResolvedAt: e.now(),
	}
	if err := e.state.PendingMintPut(req.User, rec); err != nil {
		return err
	}
	e.emit(NewMintResolvedEvent(req.User, requestID, amount.String()))
	return nil
}

func (e *Engine) rejectMint(req *PendingRequest, requestID uint64, reason string) error {
	e.stable.Transfer(e.fundAddress, req.User, req.Amount)
	e.emit(NewDepositRejectedEvent(req.User, requestID, reason))
	return nil
}

// FinishMintShares settles a resolved deposit: unwrap, fee split, market-cap
// weighted allocation into the shared mint buckets, flush once the batch
// threshold is reached, share price recomputation and share issuance.
func (e *Engine) FinishMintShares(user [20]byte) error {
	if err := e.checkWired(); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	rec, ok, err := e.state.PendingMintTake(user)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPendingAction
	}
	if err := e.settleMint(user, rec); err != nil {
		// The record survives a failed settlement so the user can retry
		// once the upstream condition clears.
		if putErr := e.state.PendingMintPut(user, rec); putErr != nil {
			return fmt.Errorf("fund: restore pending mint: %v (settlement: %w)", putErr, err)
		}
		return err
	}
	return nil
}

func (e *Engine) settleMint(user [20]byte, rec *PendingMintAmount) error {
	fundState, err := e.loadFund()
	if err != nil {
		return err
	}
	// Market data is fetched before any balance-changing step so a feed
	// outage leaves the deposit untouched and retryable.
	totalCap, caps, err := e.market.IndexMarketCaps(fundState.IndexTokens)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPriceFeedUnavailable, err)
	}
	if len(caps) != len(fundState.IndexTokens) {
		return fmt.Errorf("%w: market cap count mismatch", ErrPriceFeedUnavailable)
	}
	amount := cloneBigInt(rec.Amount)
	// Unwrap is not idempotent: the record carries a flag so a retried
	// settlement skips the conversion it already performed.
	if !rec.Unwrapped {
		if err := e.stable.Unwrap(e.fundAddress, amount); err != nil {
			return fmt.Errorf("fund: unwrap deposit: %w", err)
		}
		if err := e.state.TokenCredit(fundState.PlainStablecoin, e.fundAddress, amount); err != nil {
			return err
		}
		rec.Unwrapped = true
	}
	fee := new(big.Int).Quo(amount, fundState.FeeDivisor)
	stableIn := new(big.Int).Sub(amount, fee)
	fundState.CollectedFees = new(big.Int).Add(fundState.CollectedFees, fee)
	allocs, err := Allocations(stableIn, caps, totalCap)
	if err != nil {
		return err
	}
	for i, token := range fundState.IndexTokens {
		bucket := fundState.PendingMintAmountByToken[token]
		if bucket == nil {
			bucket = big.NewInt(0)
		}
		fundState.PendingMintAmountByToken[token] = new(big.Int).Add(bucket, allocs[i])
	}
	fundState.PendingMintCount++
	if fundState.PendingMintCount >= fundState.BatchSize {
		if err := e.flushMintBuckets(fundState); err != nil {
			return err
		}
	}
	if err := e.refreshSharePrice(fundState); err != nil {
		return err
	}
	if fundState.SharePrice == nil || fundState.SharePrice.Sign() <= 0 {
		return ErrZeroSharePrice
	}
	shares := SharesForStable(stableIn, fundState.SharePrice, fundState.StableScale())
	if shares.Cmp(fundState.MaxMintOrBurnAmount) > 0 {
		return ErrAmountExceedsBound
	}
	if err := e.shares.Mint(user, shares); err != nil {
		return err
	}
	if err := e.state.PutFund(fundState); err != nil {
		return err
	}
	e.emit(NewSharesMintedEvent(user, stableIn.String(), fee.String(), shares.String()))
	return nil
}

// flushMintBuckets executes the accumulated stablecoin-to-token swaps for
// every index token. The counter resets as soon as the threshold is observed;
// bounds are verified for every bucket before the first swap executes so an
// oversized bucket aborts the whole flush. Each executed swap moves its value
// through the ledger: the stablecoin spent is debited and the venue's reported
// output credited, so the next share-price computation prices the
// post-settlement holdings.
func (e *Engine) flushMintBuckets(fundState *FundState) error {
	for _, token := range fundState.IndexTokens {
		amount := fundState.PendingMintAmountByToken[token]
		if amount != nil && amount.Cmp(fundState.MaxSwapAmount) > 0 {
			return fmt.Errorf("%w: mint bucket for %s", ErrAmountExceedsBound, token)
		}
	}
	fundState.PendingMintCount = 0
	deadline := e.now() + e.requestTTL
	executed := make(map[string]string, len(fundState.IndexTokens))
	for i, token := range fundState.IndexTokens {
		amount := fundState.PendingMintAmountByToken[token]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		price, err := e.market.TokenPrice(token)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPriceFeedUnavailable, err)
		}
		minOut := minSwapOutput(amount, price, fundState.TokenScale(token), SwapStableToToken)
		if err := e.venue.ApproveSpend(fundState.PlainStablecoin, amount, deadline); err != nil {
			return err
		}
		out, err := e.venue.Swap(fundState.PoolKeys[i], amount, minOut, deadline, SwapStableToToken)
		if err != nil {
			return err
		}
		if err := e.state.TokenDebit(fundState.PlainStablecoin, e.fundAddress, amount); err != nil {
			return err
		}
		if err := e.state.TokenCredit(token, e.fundAddress, out); err != nil {
			return err
		}
		executed[token] = amount.String()
		fundState.PendingMintAmountByToken[token] = big.NewInt(0)
	}
	e.emit(NewMintBatchExecutedEvent(executed))
	return nil
}
