package fund

import (
	"fmt"
	"math/big"
)

// SubmitBurn begins the burn pipeline: it computes an encrypted
// sufficient-balance flag against the caller's share balance, pulls the
// encrypted share amount into the fund, and submits a decryption request for
// the transfer error code, the amount, the redeem flag and the balance flag.
func (e *Engine) SubmitBurn(caller [20]byte, amount, redeemFlag CiphertextHandle, proof []byte) (uint64, error) {
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
	if amount.IsZero() || redeemFlag.IsZero() {
		return 0, fmt.Errorf("fund: encrypted amount and redeem flag required")
	}
	balance, err := e.shares.BalanceOf(caller)
	if err != nil {
		return 0, err
	}
	// Compared before the transfer mutates the balance.
	sufficient, err := e.shares.Le(amount, balance)
	if err != nil {
		return 0, err
	}
	_ = e.shares.TransferFrom(caller, e.fundAddress, amount, proof)
	errHandle, err := readErrorHandle(e.shares)
	if err != nil {
		return 0, err
	}
	now := e.now()
	deadline := now + e.requestTTL
	handles := []CiphertextHandle{errHandle, amount, redeemFlag, sufficient}
	requestID, err := e.oracle.RequestDecryption(handles, deadline)
	if err != nil {
		return 0, fmt.Errorf("fund: request decryption: %w", err)
	}
	req := &PendingRequest{
		User:        caller,
		Kind:        RequestBurn,
		Amount:      amount,
		SubmittedAt: now,
		Deadline:    deadline,
	}
	if err := e.state.PendingRequestPut(requestID, req); err != nil {
		return 0, err
	}
	e.emit(NewBurnRequestedEvent(caller, requestID))
	return requestID, nil
}

// BurnCallback resumes the burn pipeline with decrypted values. Oracle-only;
// the pending request is deleted before use so a request id resolves at most
// once. Validation failures return the transferred-in shares to the caller
// and emit a rejection event instead of failing the callback.
func (e *Engine) BurnCallback(caller [20]byte, requestID uint64, errorCode uint64, amount *big.Int, redeemTokens, hasSufficientBalance bool) error {
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
	if !ok || req.Kind != RequestBurn {
		return ErrUnknownRequest
	}
	fundState, err := e.loadFund()
	if err != nil {
		return err
	}
	if errorCode != 0 || amount == nil || amount.Sign() <= 0 {
		return e.rejectBurn(req, requestID, rejectTransferFailed)
	}
	if amount.Cmp(fundState.MaxMintOrBurnAmount) > 0 {
		return e.rejectBurn(req, requestID, rejectAmountBound)
	}
	if !hasSufficientBalance {
		return e.rejectBurn(req, requestID, rejectInsufficientBal)
	}
	if _, exists, err := e.state.PendingWithdrawalGet(req.User); err != nil {
		return err
	} else if exists {
		return e.rejectBurn(req, requestID, rejectPendingSettlement)
	}

	if err := e.refreshSharePrice(fundState); err != nil {
		return err
	}
	supplyBefore, err := e.shares.TotalSupply()
	if err != nil {
		return err
	}
	if supplyBefore == nil || supplyBefore.Sign() <= 0 {
		return e.rejectBurn(req, requestID, rejectInsufficientBal)
	}

	redemptions := make(map[string]*big.Int, len(fundState.IndexTokens))
	for _, token := range fundState.IndexTokens {
		balance, err := e.state.TokenBalance(token, e.fundAddress)
		if err != nil {
			return err
		}
		redemptions[token] = ProRataRedemption(balance, amount, supplyBefore)
	}

	withdrawal := &PendingWithdrawal{
		User:  req.User,
		Epoch: fundState.BurnEpoch,
	}
	if redeemTokens {
		withdrawal.Kind = WithdrawTokens
		withdrawal.Tokens = redemptions
	} else {
		withdrawal.Kind = WithdrawStablecoin
		// The claim is valued at the flush's minimum acceptable swap output,
		// not the raw oracle quote: realized proceeds always cover the
		// recorded payout.
		stableValue := big.NewInt(0)
		for _, token := range fundState.IndexTokens {
			price, err := e.market.TokenPrice(token)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrPriceFeedUnavailable, err)
			}
			floor := minSwapOutput(redemptions[token], price, fundState.TokenScale(token), SwapTokenToStable)
			stableValue.Add(stableValue, floor)
		}
		withdrawal.Stable = stableValue
		for _, token := range fundState.IndexTokens {
			bucket := fundState.PendingBurnAmountByToken[token]
			if bucket == nil {
				bucket = big.NewInt(0)
			}
			fundState.PendingBurnAmountByToken[token] = new(big.Int).Add(bucket, redemptions[token])
		}
	}
	fundState.PendingBurnCount++
	// The claim and the batch contribution are durable before any external
	// effect: a failed burn or flush leaves the user with a claimable
	// withdrawal, and the persisted counter re-arms the flush for the next
	// callback.
	if err := e.state.PendingWithdrawalPut(req.User, withdrawal); err != nil {
		return err
	}
	if err := e.state.PutFund(fundState); err != nil {
		return err
	}
	if err := e.shares.Burn(e.fundAddress, amount); err != nil {
		return err
	}
	if fundState.PendingBurnCount >= fundState.BatchSize {
		if err := e.flushBurnBuckets(fundState); err != nil {
			return err
		}
		if err := e.state.PutFund(fundState); err != nil {
			return err
		}
	}
	e.emit(NewSharesBurnedEvent(req.User, amount.String(), withdrawal.Kind))
	return nil
}

func (e *Engine) rejectBurn(req *PendingRequest, requestID uint64, reason string) error {
	e.shares.Transfer(e.fundAddress, req.User, req.Amount)
	e.emit(NewBurnRejectedEvent(req.User, requestID, reason))
	return nil
}

// flushBurnBuckets swaps the accumulated token amounts back into stablecoin
// and advances the burn epoch, unblocking every redemption claim recorded
// under the previous epoch. Each executed swap debits the tokens sold and
// credits the venue's reported stablecoin proceeds to the fund's ledger.
func (e *Engine) flushBurnBuckets(fundState *FundState) error {
	for _, token := range fundState.IndexTokens {
		amount := fundState.PendingBurnAmountByToken[token]
		if amount != nil && amount.Cmp(fundState.MaxSwapAmount) > 0 {
			return fmt.Errorf("%w: burn bucket for %s", ErrAmountExceedsBound, token)
		}
	}
	fundState.PendingBurnCount = 0
	deadline := e.now() + e.requestTTL
	executed := make(map[string]string, len(fundState.IndexTokens))
	for i, token := range fundState.IndexTokens {
		amount := fundState.PendingBurnAmountByToken[token]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		price, err := e.market.TokenPrice(token)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPriceFeedUnavailable, err)
		}
		minOut := minSwapOutput(amount, price, fundState.TokenScale(token), SwapTokenToStable)
		if err := e.venue.ApproveSpend(token, amount, deadline); err != nil {
			return err
		}
		out, err := e.venue.Swap(fundState.PoolKeys[i], amount, minOut, deadline, SwapTokenToStable)
		if err != nil {
			return err
		}
		if err := e.state.TokenDebit(token, e.fundAddress, amount); err != nil {
			return err
		}
		if err := e.state.TokenCredit(fundState.PlainStablecoin, e.fundAddress, out); err != nil {
			return err
		}
		executed[token] = amount.String()
		fundState.PendingBurnAmountByToken[token] = big.NewInt(0)
	}
	fundState.BurnEpoch++
	e.emit(NewBurnBatchExecutedEvent(fundState.BurnEpoch, executed))
	return nil
}

// InitRedeemAfterBurn claims a token-kind redemption once the batch that
// contains the caller's burn has flushed. Each recorded token amount is
// transferred directly to the caller and the pending record is deleted.
func (e *Engine) InitRedeemAfterBurn(caller [20]byte) error {
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
	withdrawal, ok, err := e.state.PendingWithdrawalGet(caller)
	if err != nil {
		return err
	}
	if !ok || withdrawal.Kind != WithdrawTokens {
		return ErrNoPendingAction
	}
	if withdrawal.Epoch >= fundState.BurnEpoch {
		return ErrBatchNotReady
	}
	withdrawal, ok, err = e.state.PendingWithdrawalTake(caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPendingAction
	}
	paid := make(map[string]string, len(withdrawal.Tokens))
	for _, token := range fundState.IndexTokens {
		amount := withdrawal.Tokens[token]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		if err := e.state.TokenTransfer(token, e.fundAddress, caller, amount); err != nil {
			// Paid entries were zeroed as they transferred, so the restored
			// record holds only the unpaid remainder for the retry.
			if putErr := e.state.PendingWithdrawalPut(caller, withdrawal); putErr != nil {
				return fmt.Errorf("fund: restore pending withdrawal: %v (payout: %w)", putErr, err)
			}
			return err
		}
		paid[token] = amount.String()
		withdrawal.Tokens[token] = big.NewInt(0)
	}
	e.emit(NewTokensRedeemedEvent(caller, WithdrawTokens, paid))
	return nil
}

// FinishRedeemInStablecoinCase claims a stablecoin-kind redemption: the
// recorded amount is wrapped back into confidential form and credited to the
// user, completing the burn pipeline.
func (e *Engine) FinishRedeemInStablecoinCase(user [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.stable == nil {
		return errNilStable
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	fundState, err := e.loadFund()
	if err != nil {
		return err
	}
	withdrawal, ok, err := e.state.PendingWithdrawalGet(user)
	if err != nil {
		return err
	}
	if !ok || withdrawal.Kind != WithdrawStablecoin {
		return ErrNoPendingAction
	}
	if withdrawal.Epoch >= fundState.BurnEpoch {
		return ErrBatchNotReady
	}
	withdrawal, ok, err = e.state.PendingWithdrawalTake(user)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPendingAction
	}
	amount := cloneBigInt(withdrawal.Stable)
	if amount.Sign() > 0 {
		if err := e.stable.Wrap(user, amount); err != nil {
			if putErr := e.state.PendingWithdrawalPut(user, withdrawal); putErr != nil {
				return fmt.Errorf("fund: restore pending withdrawal: %v (payout: %w)", putErr, err)
			}
			return err
		}
		// The ledger draw-down follows the payout; a claim is never restored
		// once the user has been paid.
		if err := e.state.TokenDebit(fundState.PlainStablecoin, e.fundAddress, amount); err != nil {
			return err
		}
	}
	e.emit(NewTokensRedeemedEvent(user, WithdrawStablecoin, map[string]string{
		fundState.Stablecoin: amount.String(),
	}))
	return nil
}
