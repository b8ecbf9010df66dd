package fund

import (
	"errors"
	"math/big"
	"testing"
)

func submitMint(t *testing.T, fix *fixture, user [20]byte, handle CiphertextHandle) uint64 {
	t.Helper()
	requestID, err := fix.engine.SubmitMint(user, handle, []byte("proof"))
	if err != nil {
		t.Fatalf("SubmitMint: %v", err)
	}
	return requestID
}

func TestSubmitMintRegistersRequest(t *testing.T) {
	fix := newFixture(t, 2)
	deposit := testHandle(0x11)
	requestID := submitMint(t, fix, userAddr, deposit)

	if len(fix.stable.transfersIn) != 1 {
		t.Fatalf("expected one inbound transfer, got %d", len(fix.stable.transfersIn))
	}
	transfer := fix.stable.transfersIn[0]
	if transfer.from != userAddr || transfer.to != fundAddr {
		t.Fatalf("unexpected transfer endpoints %+v", transfer)
	}
	handles := fix.oracle.requests[requestID]
	if len(handles) != 2 {
		t.Fatalf("expected error code and amount handles, got %d", len(handles))
	}
	if handles[0] != fix.stable.errorLog[0] {
		t.Fatalf("first handle must be the just-appended error log entry")
	}
	if handles[1] != deposit {
		t.Fatalf("second handle must be the deposit amount")
	}
	req, ok := fix.state.requests[requestID]
	if !ok {
		t.Fatalf("pending request not registered")
	}
	if req.User != userAddr || req.Kind != RequestMint || req.Amount != deposit {
		t.Fatalf("unexpected pending request %+v", req)
	}
	if req.Deadline <= req.SubmittedAt {
		t.Fatalf("request deadline must be in the future")
	}
	if fix.emitter.lastOfType(EventTypeMintRequested) == nil {
		t.Fatalf("missing mint requested event")
	}
}

func TestMintCallbackOracleOnly(t *testing.T) {
	fix := newFixture(t, 2)
	requestID := submitMint(t, fix, userAddr, testHandle(0x11))
	err := fix.engine.MintCallback(userAddr, requestID, 0, big.NewInt(1000))
	if err != ErrNotOracle {
		t.Fatalf("expected ErrNotOracle, got %v", err)
	}
	if _, ok := fix.state.requests[requestID]; !ok {
		t.Fatalf("request must survive an unauthorized callback")
	}
}

func TestMintCallbackSingleUseCorrelation(t *testing.T) {
	fix := newFixture(t, 2)
	requestID := submitMint(t, fix, userAddr, testHandle(0x11))
	if err := fix.engine.MintCallback(oracleAddr, requestID, 0, big.NewInt(1000)); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	err := fix.engine.MintCallback(oracleAddr, requestID, 0, big.NewInt(1000))
	if err != ErrUnknownRequest {
		t.Fatalf("second callback must fail with ErrUnknownRequest, got %v", err)
	}
	if err := fix.engine.MintCallback(oracleAddr, 999, 0, big.NewInt(1)); err != ErrUnknownRequest {
		t.Fatalf("unknown id must fail with ErrUnknownRequest, got %v", err)
	}
}

func TestMintCallbackTransferErrorRefunds(t *testing.T) {
	fix := newFixture(t, 2)
	deposit := testHandle(0x11)
	requestID := submitMint(t, fix, userAddr, deposit)
	if err := fix.engine.MintCallback(oracleAddr, requestID, 7, big.NewInt(1000)); err != nil {
		t.Fatalf("callback with transfer error: %v", err)
	}
	if len(fix.stable.refunds) != 1 {
		t.Fatalf("expected refund of the encrypted deposit")
	}
	refund := fix.stable.refunds[0]
	if refund.from != fundAddr || refund.to != userAddr || refund.amount != deposit {
		t.Fatalf("unexpected refund %+v", refund)
	}
	if _, ok := fix.state.mints[userAddr]; ok {
		t.Fatalf("no pending mint may exist after a rejected deposit")
	}
	if len(fix.shares.minted) != 0 {
		t.Fatalf("no shares may be minted for a rejected deposit")
	}
	event := fix.emitter.lastOfType(EventTypeDepositRejected)
	if event == nil {
		t.Fatalf("missing deposit rejected event")
	}
	if event.Attributes["reason"] != rejectTransferFailed {
		t.Fatalf("reason = %q", event.Attributes["reason"])
	}
}

func TestMintCallbackAmountBoundRefunds(t *testing.T) {
	fix := newFixture(t, 2)
	requestID := submitMint(t, fix, userAddr, testHandle(0x11))
	over := new(big.Int).Add(fix.fund(t).MaxMintOrBurnAmount, big.NewInt(1))
	if err := fix.engine.MintCallback(oracleAddr, requestID, 0, over); err != nil {
		t.Fatalf("callback with oversized amount: %v", err)
	}
	if len(fix.stable.refunds) != 1 {
		t.Fatalf("oversized deposit must be refunded, not truncated")
	}
	event := fix.emitter.lastOfType(EventTypeDepositRejected)
	if event == nil || event.Attributes["reason"] != rejectAmountBound {
		t.Fatalf("expected amount bound rejection event, got %+v", event)
	}
}

func TestFinishMintSettlesSingleDeposit(t *testing.T) {
	fix := newFixture(t, 2)
	requestID := submitMint(t, fix, userAddr, testHandle(0x11))
	if err := fix.engine.MintCallback(oracleAddr, requestID, 0, big.NewInt(1000)); err != nil {
		t.Fatalf("MintCallback: %v", err)
	}
	if err := fix.engine.FinishMintShares(userAddr); err != nil {
		t.Fatalf("FinishMintShares: %v", err)
	}

	fundState := fix.fund(t)
	// fee = 1000/1000 = 1, stableIn = 999, caps [500,500] => [499,499].
	if fundState.CollectedFees.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("collected fees = %s, want 1", fundState.CollectedFees)
	}
	for _, token := range []string{tokenA, tokenB} {
		if fundState.PendingMintAmountByToken[token].Cmp(big.NewInt(499)) != 0 {
			t.Fatalf("bucket %s = %s, want 499", token, fundState.PendingMintAmountByToken[token])
		}
	}
	if fundState.PendingMintCount != 1 {
		t.Fatalf("pending mint count = %d, want 1", fundState.PendingMintCount)
	}
	if len(fix.venue.swaps) != 0 {
		t.Fatalf("no swap may execute below the batch threshold")
	}
	// Bootstrap supply: price stays at the creation default of 1 stable/share.
	if fundState.SharePrice.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("share price = %s, want 1000000", fundState.SharePrice)
	}
	minted := fix.shares.minted[userAddr]
	if minted == nil || minted.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("minted shares = %v, want 999", minted)
	}
	if len(fix.stable.unwraps) != 1 || fix.stable.unwraps[0].Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("deposit must be unwrapped in full")
	}
	stableHeld, _ := fix.state.TokenBalance("USDX", fundAddr)
	if stableHeld.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unwrapped stable ledger = %s, want 1000", stableHeld)
	}
	event := fix.emitter.lastOfType(EventTypeSharesMinted)
	if event == nil {
		t.Fatalf("missing shares minted event")
	}
	if event.Attributes["stableIn"] != "999" || event.Attributes["fee"] != "1" {
		t.Fatalf("conservation attributes wrong: %+v", event.Attributes)
	}
	if _, ok := fix.state.mints[userAddr]; ok {
		t.Fatalf("pending mint record must be consumed")
	}
}

func TestFinishMintBatchFlush(t *testing.T) {
	fix := newFixture(t, 2)

	first := submitMint(t, fix, userAddr, testHandle(0x11))
	if err := fix.engine.MintCallback(oracleAddr, first, 0, big.NewInt(1000)); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if err := fix.engine.FinishMintShares(userAddr); err != nil {
		t.Fatalf("first finish: %v", err)
	}
	if len(fix.venue.swaps) != 0 {
		t.Fatalf("first contribution must not flush")
	}

	second := submitMint(t, fix, otherUser, testHandle(0x22))
	if err := fix.engine.MintCallback(oracleAddr, second, 0, big.NewInt(500)); err != nil {
		t.Fatalf("second callback: %v", err)
	}
	if err := fix.engine.FinishMintShares(otherUser); err != nil {
		t.Fatalf("second finish: %v", err)
	}

	// Second deposit: fee 0, stableIn 500, allocations [250, 250]; combined
	// buckets 749 per token swap in one batch.
	if len(fix.venue.swaps) != 2 {
		t.Fatalf("expected 2 swaps, got %d", len(fix.venue.swaps))
	}
	for _, swap := range fix.venue.swaps {
		if swap.amountIn.Cmp(big.NewInt(749)) != 0 {
			t.Fatalf("swap amount = %s, want combined 749", swap.amountIn)
		}
		if swap.direction != SwapStableToToken {
			t.Fatalf("mint flush must swap stable into tokens")
		}
		// 749 stable => ~749 token base units at price 1; minus 10%.
		if swap.minOut.Cmp(big.NewInt(674)) != 0 {
			t.Fatalf("min out = %s, want 674", swap.minOut)
		}
	}
	fundState := fix.fund(t)
	if fundState.PendingMintCount != 0 {
		t.Fatalf("counter must reset on flush, got %d", fundState.PendingMintCount)
	}
	for _, token := range []string{tokenA, tokenB} {
		if fundState.PendingMintAmountByToken[token].Sign() != 0 {
			t.Fatalf("bucket %s must be cleared on flush", token)
		}
	}
	if fix.emitter.countOfType(EventTypeMintBatchExecuted) != 1 {
		t.Fatalf("expected exactly one batch event")
	}

	// Each swap credited the venue's output (674) and debited the 749 spent;
	// of the 1500 unwrapped only the fee and rounding residue remain.
	for _, token := range []string{tokenA, tokenB} {
		held, _ := fix.state.TokenBalance(token, fundAddr)
		if held.Cmp(big.NewInt(674)) != 0 {
			t.Fatalf("ledger %s = %s, want 674", token, held)
		}
	}
	stableHeld, _ := fix.state.TokenBalance("USDX", fundAddr)
	if stableHeld.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("residual stable = %s, want 2", stableHeld)
	}

	// Post-settlement price: NAV = 674 + 674 = 1348 stable units over 999 shares.
	wantPrice := new(big.Int).Quo(big.NewInt(1_348_000_000), big.NewInt(999))
	if fundState.SharePrice.Cmp(wantPrice) != 0 {
		t.Fatalf("share price = %s, want %s", fundState.SharePrice, wantPrice)
	}
	wantShares := new(big.Int).Quo(big.NewInt(500_000_000), wantPrice)
	minted := fix.shares.minted[otherUser]
	if minted == nil || minted.Cmp(wantShares) != 0 {
		t.Fatalf("minted shares = %v, want %s", minted, wantShares)
	}
}

func TestFinishMintNoPendingAction(t *testing.T) {
	fix := newFixture(t, 2)
	if err := fix.engine.FinishMintShares(userAddr); err != ErrNoPendingAction {
		t.Fatalf("expected ErrNoPendingAction, got %v", err)
	}
}

func TestFinishMintRestoresRecordOnFailure(t *testing.T) {
	fix := newFixture(t, 2)
	requestID := submitMint(t, fix, userAddr, testHandle(0x11))
	if err := fix.engine.MintCallback(oracleAddr, requestID, 0, big.NewInt(1000)); err != nil {
		t.Fatalf("MintCallback: %v", err)
	}
	fix.market.capsErr = errors.New("feed down")
	err := fix.engine.FinishMintShares(userAddr)
	if !errors.Is(err, ErrPriceFeedUnavailable) {
		t.Fatalf("expected ErrPriceFeedUnavailable, got %v", err)
	}
	if _, ok := fix.state.mints[userAddr]; !ok {
		t.Fatalf("pending mint must survive a failed settlement")
	}
	fix.market.capsErr = nil
	if err := fix.engine.FinishMintShares(userAddr); err != nil {
		t.Fatalf("retry after feed recovery: %v", err)
	}
}

func TestFinishMintUnwrapsDepositOnce(t *testing.T) {
	fix := newFixture(t, 1)
	requestID := submitMint(t, fix, userAddr, testHandle(0x11))
	if err := fix.engine.MintCallback(oracleAddr, requestID, 0, big.NewInt(1000)); err != nil {
		t.Fatalf("MintCallback: %v", err)
	}
	fix.venue.swapErr = errors.New("venue down")
	if err := fix.engine.FinishMintShares(userAddr); err == nil {
		t.Fatalf("expected settlement failure while the venue is down")
	}
	rec := fix.state.mints[userAddr]
	if rec == nil {
		t.Fatalf("pending mint must survive a failed settlement")
	}
	if !rec.Unwrapped {
		t.Fatalf("restored record must remember the completed unwrap")
	}
	fix.venue.swapErr = nil
	if err := fix.engine.FinishMintShares(userAddr); err != nil {
		t.Fatalf("retry after venue recovery: %v", err)
	}
	if len(fix.stable.unwraps) != 1 {
		t.Fatalf("deposit unwrapped %d times, want once", len(fix.stable.unwraps))
	}
	if fix.shares.minted[userAddr] == nil {
		t.Fatalf("retry must mint shares")
	}
}

func TestMintCallbackRejectsSecondUnsettledDeposit(t *testing.T) {
	fix := newFixture(t, 2)
	first := submitMint(t, fix, userAddr, testHandle(0x11))
	if err := fix.engine.MintCallback(oracleAddr, first, 0, big.NewInt(1000)); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	second := submitMint(t, fix, userAddr, testHandle(0x22))
	if err := fix.engine.MintCallback(oracleAddr, second, 0, big.NewInt(500)); err != nil {
		t.Fatalf("second callback: %v", err)
	}
	event := fix.emitter.lastOfType(EventTypeDepositRejected)
	if event == nil || event.Attributes["reason"] != rejectPendingSettlement {
		t.Fatalf("second unsettled deposit must be refunded, got %+v", event)
	}
	rec := fix.state.mints[userAddr]
	if rec == nil || rec.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("first resolved deposit must be preserved")
	}
}
