package fund

import (
	"errors"
	"math/big"
	"testing"
)

func newBurnFixture(t *testing.T, batchSize uint32) *fixture {
	t.Helper()
	fix := newFixture(t, batchSize)
	fix.shares = newMockShares(999)
	fix.engine.SetShareToken(fix.shares)
	fix.state.setBalance(tokenA, fundAddr, big.NewInt(1_000_000))
	fix.state.setBalance(tokenB, fundAddr, big.NewInt(1_000_000))
	return fix
}

func submitBurn(t *testing.T, fix *fixture, user [20]byte, amount CiphertextHandle) uint64 {
	t.Helper()
	requestID, err := fix.engine.SubmitBurn(user, amount, testHandle(0xF1), []byte("proof"))
	if err != nil {
		t.Fatalf("SubmitBurn: %v", err)
	}
	return requestID
}

func TestSubmitBurnRegistersRequest(t *testing.T) {
	fix := newBurnFixture(t, 2)
	amount := testHandle(0x33)
	requestID := submitBurn(t, fix, userAddr, amount)

	if fix.shares.leCalls != 1 {
		t.Fatalf("sufficient-balance comparison must run before transfer")
	}
	if len(fix.shares.transfersIn) != 1 {
		t.Fatalf("expected one inbound share transfer")
	}
	handles := fix.oracle.requests[requestID]
	if len(handles) != 4 {
		t.Fatalf("expected 4 handles (error, amount, flag, sufficient), got %d", len(handles))
	}
	if handles[0] != fix.shares.errorLog[0] {
		t.Fatalf("first handle must be the share primitive's error log entry")
	}
	if handles[1] != amount {
		t.Fatalf("second handle must be the share amount")
	}
	req := fix.state.requests[requestID]
	if req == nil || req.Kind != RequestBurn || req.User != userAddr {
		t.Fatalf("unexpected pending request %+v", req)
	}
	if fix.emitter.lastOfType(EventTypeBurnRequested) == nil {
		t.Fatalf("missing burn requested event")
	}
}

func TestBurnCallbackOracleOnly(t *testing.T) {
	fix := newBurnFixture(t, 2)
	requestID := submitBurn(t, fix, userAddr, testHandle(0x33))
	err := fix.engine.BurnCallback(userAddr, requestID, 0, big.NewInt(500), true, true)
	if err != ErrNotOracle {
		t.Fatalf("expected ErrNotOracle, got %v", err)
	}
}

func TestBurnCallbackInsufficientBalanceRefunds(t *testing.T) {
	fix := newBurnFixture(t, 2)
	amount := testHandle(0x33)
	requestID := submitBurn(t, fix, userAddr, amount)
	if err := fix.engine.BurnCallback(oracleAddr, requestID, 0, big.NewInt(500), true, false); err != nil {
		t.Fatalf("callback with insufficient balance: %v", err)
	}
	if len(fix.shares.burned) != 0 {
		t.Fatalf("shares must not be burned on rejection")
	}
	if len(fix.shares.refunds) != 1 {
		t.Fatalf("transferred-in shares must be refunded")
	}
	refund := fix.shares.refunds[0]
	if refund.to != userAddr || refund.amount != amount {
		t.Fatalf("unexpected refund %+v", refund)
	}
	event := fix.emitter.lastOfType(EventTypeBurnRejected)
	if event == nil || event.Attributes["reason"] != rejectInsufficientBal {
		t.Fatalf("expected insufficient balance rejection, got %+v", event)
	}
}

func TestBurnCallbackTransferErrorRefunds(t *testing.T) {
	fix := newBurnFixture(t, 2)
	requestID := submitBurn(t, fix, userAddr, testHandle(0x33))
	if err := fix.engine.BurnCallback(oracleAddr, requestID, 3, big.NewInt(500), true, true); err != nil {
		t.Fatalf("callback with transfer error: %v", err)
	}
	if len(fix.shares.refunds) != 1 || len(fix.shares.burned) != 0 {
		t.Fatalf("rejected burn must refund and not burn")
	}
	if err := fix.engine.BurnCallback(oracleAddr, requestID, 3, big.NewInt(500), true, true); err != ErrUnknownRequest {
		t.Fatalf("request id must be single-use, got %v", err)
	}
}

func TestBurnCallbackTokenRedemption(t *testing.T) {
	fix := newBurnFixture(t, 2)
	requestID := submitBurn(t, fix, userAddr, testHandle(0x33))
	if err := fix.engine.BurnCallback(oracleAddr, requestID, 0, big.NewInt(500), true, true); err != nil {
		t.Fatalf("BurnCallback: %v", err)
	}
	if len(fix.shares.burned) != 1 || fix.shares.burned[0].Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected burn of 500 shares, got %v", fix.shares.burned)
	}
	withdrawal := fix.state.withdrawals[userAddr]
	if withdrawal == nil || withdrawal.Kind != WithdrawTokens {
		t.Fatalf("expected token-kind withdrawal, got %+v", withdrawal)
	}
	// 1,000,000 * 500 / 999 = 500500 (floor).
	for _, token := range []string{tokenA, tokenB} {
		if withdrawal.Tokens[token].Cmp(big.NewInt(500_500)) != 0 {
			t.Fatalf("redemption for %s = %s, want 500500", token, withdrawal.Tokens[token])
		}
	}
	if fix.fund(t).PendingBurnCount != 1 {
		t.Fatalf("pending burn count = %d, want 1", fix.fund(t).PendingBurnCount)
	}

	// Claim before the batch containing the burn has flushed.
	if err := fix.engine.InitRedeemAfterBurn(userAddr); err != ErrBatchNotReady {
		t.Fatalf("expected ErrBatchNotReady, got %v", err)
	}

	// A second burn crosses the threshold and advances the epoch.
	second := submitBurn(t, fix, otherUser, testHandle(0x44))
	if err := fix.engine.BurnCallback(oracleAddr, second, 0, big.NewInt(100), true, true); err != nil {
		t.Fatalf("second BurnCallback: %v", err)
	}
	if fix.fund(t).BurnEpoch != 1 {
		t.Fatalf("burn epoch = %d, want 1", fix.fund(t).BurnEpoch)
	}
	if fix.fund(t).PendingBurnCount != 0 {
		t.Fatalf("counter must reset on flush")
	}

	if err := fix.engine.InitRedeemAfterBurn(userAddr); err != nil {
		t.Fatalf("InitRedeemAfterBurn: %v", err)
	}
	userBalance, _ := fix.state.TokenBalance(tokenA, userAddr)
	if userBalance.Cmp(big.NewInt(500_500)) != 0 {
		t.Fatalf("claimed balance = %s, want 500500", userBalance)
	}
	if _, ok := fix.state.withdrawals[userAddr]; ok {
		t.Fatalf("withdrawal record must be consumed by the claim")
	}
	if err := fix.engine.InitRedeemAfterBurn(userAddr); err != ErrNoPendingAction {
		t.Fatalf("second claim must fail, got %v", err)
	}
	if fix.emitter.lastOfType(EventTypeTokensRedeemed) == nil {
		t.Fatalf("missing tokens redeemed event")
	}
}

func TestBurnCallbackStablecoinRedemption(t *testing.T) {
	fix := newBurnFixture(t, 2)
	requestID := submitBurn(t, fix, userAddr, testHandle(0x33))
	if err := fix.engine.BurnCallback(oracleAddr, requestID, 0, big.NewInt(500), false, true); err != nil {
		t.Fatalf("BurnCallback: %v", err)
	}
	withdrawal := fix.state.withdrawals[userAddr]
	if withdrawal == nil || withdrawal.Kind != WithdrawStablecoin {
		t.Fatalf("expected stablecoin-kind withdrawal, got %+v", withdrawal)
	}
	// 500500 token units per token at price 1 stable/token, floored to the
	// 90% minimum swap output the flush enforces: 450450 per token.
	if withdrawal.Stable.Cmp(big.NewInt(900_900)) != 0 {
		t.Fatalf("stable value = %s, want 900900", withdrawal.Stable)
	}
	fundState := fix.fund(t)
	for _, token := range []string{tokenA, tokenB} {
		if fundState.PendingBurnAmountByToken[token].Cmp(big.NewInt(500_500)) != 0 {
			t.Fatalf("burn bucket %s = %s, want 500500", token, fundState.PendingBurnAmountByToken[token])
		}
	}
	if len(fix.venue.swaps) != 0 {
		t.Fatalf("no swap may execute below the batch threshold")
	}

	second := submitBurn(t, fix, otherUser, testHandle(0x44))
	if err := fix.engine.BurnCallback(oracleAddr, second, 0, big.NewInt(100), false, true); err != nil {
		t.Fatalf("second BurnCallback: %v", err)
	}
	// 1,000,000 * 100 / 499 = 200400; combined buckets 700900 per token.
	if len(fix.venue.swaps) != 2 {
		t.Fatalf("expected 2 burn-side swaps, got %d", len(fix.venue.swaps))
	}
	for _, swap := range fix.venue.swaps {
		if swap.amountIn.Cmp(big.NewInt(700_900)) != 0 {
			t.Fatalf("swap amount = %s, want 700900", swap.amountIn)
		}
		if swap.direction != SwapTokenToStable {
			t.Fatalf("burn flush must swap tokens into stable")
		}
		if swap.minOut.Cmp(big.NewInt(630_810)) != 0 {
			t.Fatalf("min out = %s, want 630810", swap.minOut)
		}
	}
	fundState = fix.fund(t)
	for _, token := range []string{tokenA, tokenB} {
		if fundState.PendingBurnAmountByToken[token].Sign() != 0 {
			t.Fatalf("burn bucket %s must be cleared on flush", token)
		}
	}
	// The flush debited the 700900 sold per token and credited the venue's
	// stablecoin output (630810 per swap).
	for _, token := range []string{tokenA, tokenB} {
		held, _ := fix.state.TokenBalance(token, fundAddr)
		if held.Cmp(big.NewInt(299_100)) != 0 {
			t.Fatalf("ledger %s = %s, want 299100", token, held)
		}
	}
	stableHeld, _ := fix.state.TokenBalance("USDX", fundAddr)
	if stableHeld.Cmp(big.NewInt(1_261_620)) != 0 {
		t.Fatalf("stable proceeds = %s, want 1261620", stableHeld)
	}

	if err := fix.engine.FinishRedeemInStablecoinCase(userAddr); err != nil {
		t.Fatalf("FinishRedeemInStablecoinCase: %v", err)
	}
	wrapped := fix.stable.wraps[userAddr]
	if wrapped == nil || wrapped.Cmp(big.NewInt(900_900)) != 0 {
		t.Fatalf("wrapped payout = %v, want 900900", wrapped)
	}
	stableHeld, _ = fix.state.TokenBalance("USDX", fundAddr)
	if stableHeld.Cmp(big.NewInt(360_720)) != 0 {
		t.Fatalf("stable after payout = %s, want 360720", stableHeld)
	}
	if _, ok := fix.state.withdrawals[userAddr]; ok {
		t.Fatalf("withdrawal record must be consumed")
	}
}

func TestBurnCallbackFlushFailureKeepsClaim(t *testing.T) {
	fix := newBurnFixture(t, 1)
	requestID := submitBurn(t, fix, userAddr, testHandle(0x33))
	fix.venue.swapErr = errors.New("venue down")
	if err := fix.engine.BurnCallback(oracleAddr, requestID, 0, big.NewInt(500), false, true); err == nil {
		t.Fatalf("expected callback failure while the venue is down")
	}
	if len(fix.shares.burned) != 1 {
		t.Fatalf("expected the burn to have executed, got %v", fix.shares.burned)
	}
	withdrawal := fix.state.withdrawals[userAddr]
	if withdrawal == nil || withdrawal.Stable.Cmp(big.NewInt(900_900)) != 0 {
		t.Fatalf("claim must survive the failed flush, got %+v", withdrawal)
	}
	if err := fix.engine.BurnCallback(oracleAddr, requestID, 0, big.NewInt(500), false, true); err != ErrUnknownRequest {
		t.Fatalf("consumed request must stay consumed, got %v", err)
	}
	fundState := fix.fund(t)
	if fundState.PendingBurnCount != 1 {
		t.Fatalf("persisted burn count = %d, want 1", fundState.PendingBurnCount)
	}
	if fundState.PendingBurnAmountByToken[tokenA].Cmp(big.NewInt(500_500)) != 0 {
		t.Fatalf("persisted bucket = %s, want 500500", fundState.PendingBurnAmountByToken[tokenA])
	}

	// The next callback re-arms the flush over the persisted buckets.
	fix.venue.swapErr = nil
	second := submitBurn(t, fix, otherUser, testHandle(0x44))
	if err := fix.engine.BurnCallback(oracleAddr, second, 0, big.NewInt(100), false, true); err != nil {
		t.Fatalf("second BurnCallback: %v", err)
	}
	if fix.fund(t).BurnEpoch != 1 {
		t.Fatalf("burn epoch = %d, want 1", fix.fund(t).BurnEpoch)
	}
	if err := fix.engine.FinishRedeemInStablecoinCase(userAddr); err != nil {
		t.Fatalf("FinishRedeemInStablecoinCase: %v", err)
	}
	wrapped := fix.stable.wraps[userAddr]
	if wrapped == nil || wrapped.Cmp(big.NewInt(900_900)) != 0 {
		t.Fatalf("wrapped payout = %v, want 900900", wrapped)
	}
}

func TestInitRedeemRestoresUnpaidTokensOnFailure(t *testing.T) {
	fix := newBurnFixture(t, 1)
	requestID := submitBurn(t, fix, userAddr, testHandle(0x33))
	if err := fix.engine.BurnCallback(oracleAddr, requestID, 0, big.NewInt(500), true, true); err != nil {
		t.Fatalf("BurnCallback: %v", err)
	}
	fix.state.setBalance(tokenB, fundAddr, big.NewInt(0))
	if err := fix.engine.InitRedeemAfterBurn(userAddr); err == nil {
		t.Fatalf("expected payout failure with an empty %s ledger", tokenB)
	}
	paidA, _ := fix.state.TokenBalance(tokenA, userAddr)
	if paidA.Cmp(big.NewInt(500_500)) != 0 {
		t.Fatalf("first leg = %s, want 500500", paidA)
	}
	withdrawal := fix.state.withdrawals[userAddr]
	if withdrawal == nil {
		t.Fatalf("claim must survive a failed payout")
	}
	if withdrawal.Tokens[tokenA].Sign() != 0 {
		t.Fatalf("paid leg must be zeroed in the restored claim")
	}
	if withdrawal.Tokens[tokenB].Cmp(big.NewInt(500_500)) != 0 {
		t.Fatalf("unpaid leg = %s, want 500500", withdrawal.Tokens[tokenB])
	}

	fix.state.setBalance(tokenB, fundAddr, big.NewInt(1_000_000))
	if err := fix.engine.InitRedeemAfterBurn(userAddr); err != nil {
		t.Fatalf("retry: %v", err)
	}
	paidA, _ = fix.state.TokenBalance(tokenA, userAddr)
	if paidA.Cmp(big.NewInt(500_500)) != 0 {
		t.Fatalf("paid leg must not pay twice, got %s", paidA)
	}
	paidB, _ := fix.state.TokenBalance(tokenB, userAddr)
	if paidB.Cmp(big.NewInt(500_500)) != 0 {
		t.Fatalf("second leg = %s, want 500500", paidB)
	}
	if _, ok := fix.state.withdrawals[userAddr]; ok {
		t.Fatalf("claim must be consumed after full payout")
	}
}

func TestFinishRedeemRestoresClaimOnWrapFailure(t *testing.T) {
	fix := newBurnFixture(t, 1)
	requestID := submitBurn(t, fix, userAddr, testHandle(0x33))
	if err := fix.engine.BurnCallback(oracleAddr, requestID, 0, big.NewInt(500), false, true); err != nil {
		t.Fatalf("BurnCallback: %v", err)
	}
	fix.stable.wrapErr = errors.New("gateway unavailable")
	if err := fix.engine.FinishRedeemInStablecoinCase(userAddr); err == nil {
		t.Fatalf("expected payout failure while wrapping is down")
	}
	if _, ok := fix.state.withdrawals[userAddr]; !ok {
		t.Fatalf("claim must survive a failed wrap")
	}
	if len(fix.stable.wraps) != 0 {
		t.Fatalf("no payout may be recorded for a failed wrap")
	}

	fix.stable.wrapErr = nil
	if err := fix.engine.FinishRedeemInStablecoinCase(userAddr); err != nil {
		t.Fatalf("retry: %v", err)
	}
	wrapped := fix.stable.wraps[userAddr]
	if wrapped == nil || wrapped.Cmp(big.NewInt(900_900)) != 0 {
		t.Fatalf("wrapped payout = %v, want 900900", wrapped)
	}
	if _, ok := fix.state.withdrawals[userAddr]; ok {
		t.Fatalf("claim must be consumed after payout")
	}
}

func TestRedeemClaimsRejectWrongKind(t *testing.T) {
	fix := newBurnFixture(t, 1)
	requestID := submitBurn(t, fix, userAddr, testHandle(0x33))
	// Batch size 1: the burn itself flushes, so the claim is immediately ready.
	if err := fix.engine.BurnCallback(oracleAddr, requestID, 0, big.NewInt(500), true, true); err != nil {
		t.Fatalf("BurnCallback: %v", err)
	}
	if err := fix.engine.FinishRedeemInStablecoinCase(userAddr); err != ErrNoPendingAction {
		t.Fatalf("stablecoin claim on token-kind withdrawal must fail, got %v", err)
	}
	if err := fix.engine.InitRedeemAfterBurn(userAddr); err != nil {
		t.Fatalf("InitRedeemAfterBurn: %v", err)
	}
}

func TestInitRedeemNoPendingAction(t *testing.T) {
	fix := newBurnFixture(t, 2)
	if err := fix.engine.InitRedeemAfterBurn(userAddr); err != ErrNoPendingAction {
		t.Fatalf("expected ErrNoPendingAction, got %v", err)
	}
	if err := fix.engine.FinishRedeemInStablecoinCase(userAddr); err != ErrNoPendingAction {
		t.Fatalf("expected ErrNoPendingAction, got %v", err)
	}
}
