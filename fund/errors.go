package fund

import "errors"

var (
	// ErrTransferValidationFailed indicates the encrypted error-code channel
	// reported a non-success outcome for an inbound transfer.
	ErrTransferValidationFailed = errors.New("fund: transfer validation failed")
	// ErrAmountExceedsBound indicates a mint, burn or swap amount is over its
	// configured ceiling. Amounts are rejected, never truncated.
	ErrAmountExceedsBound = errors.New("fund: amount exceeds configured bound")
	// ErrInsufficientBalance indicates a burn requested more shares than the
	// caller holds.
	ErrInsufficientBalance = errors.New("fund: insufficient balance")
	// ErrBatchNotReady indicates a redemption claim arrived before the batch
	// containing the claimer's contribution has flushed.
	ErrBatchNotReady = errors.New("fund: batch not ready")
	// ErrNoPendingAction indicates a claim or finalize call with nothing
	// pending for the caller.
	ErrNoPendingAction = errors.New("fund: no pending action")
	// ErrPriceFeedUnavailable indicates the market-data provider could not
	// serve prices or market caps.
	ErrPriceFeedUnavailable = errors.New("fund: price feed unavailable")
	// ErrZeroSharePrice indicates the recomputed share price was not strictly
	// positive.
	ErrZeroSharePrice = errors.New("fund: zero share price")
	// ErrUnknownRequest indicates no pending request matches the supplied
	// identifier. A second callback for an already-consumed request fails
	// with this error.
	ErrUnknownRequest = errors.New("fund: unknown decryption request")
	// ErrRequestNotExpired indicates an expiry attempt before the request's
	// oracle deadline has elapsed.
	ErrRequestNotExpired = errors.New("fund: request not expired")
	// ErrNotOracle indicates a callback invocation by anything other than the
	// configured oracle identity.
	ErrNotOracle = errors.New("fund: caller is not the decryption oracle")
	// ErrNotOwner indicates an owner-only operation invoked by another caller.
	ErrNotOwner = errors.New("fund: caller is not the protocol owner")
	// ErrReentrantCall indicates a state-mutating entry point re-entered the
	// engine while another call was in flight.
	ErrReentrantCall = errors.New("fund: reentrant call")
)
