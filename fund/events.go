package fund

import (
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	EventTypeMintRequested     = "fund.mint.requested"
	EventTypeDepositRejected   = "fund.deposit.rejected"
	EventTypeMintResolved      = "fund.mint.resolved"
	EventTypeMintBatchExecuted = "fund.mint.batch_executed"
	EventTypeSharesMinted      = "fund.shares.minted"
	EventTypeBurnRequested     = "fund.burn.requested"
	EventTypeBurnRejected      = "fund.burn.rejected"
	EventTypeBurnBatchExecuted = "fund.burn.batch_executed"
	EventTypeSharesBurned      = "fund.shares.burned"
	EventTypeTokensRedeemed    = "fund.tokens.redeemed"
	EventTypeFeeCollected      = "fund.fee.collected"
	EventTypeRequestExpired    = "fund.request.expired"
)

// Event represents a structured state change emitted by the settlement engine.
type Event struct {
	Type       string
	Attributes map[string]string
}

// EventType returns the canonical type identifier.
func (e *Event) EventType() string {
	if e == nil {
		return ""
	}
	return e.Type
}

// Emitter broadcasts events to downstream subscribers (audit log, metrics,
// indexers).
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(*Event) {}

func newEvent(eventType string, attrs map[string]string) *Event {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	return &Event{Type: eventType, Attributes: attrs}
}

func addrAttr(addr [20]byte) string { return hex.EncodeToString(addr[:]) }

// NewMintRequestedEvent records a submitted mint intent awaiting decryption.
func NewMintRequestedEvent(user [20]byte, requestID uint64) *Event {
	return newEvent(EventTypeMintRequested, map[string]string{
		"user":      addrAttr(user),
		"requestId": strconv.FormatUint(requestID, 10),
	})
}

// NewDepositRejectedEvent records a refunded deposit. The reason identifies
// which validation failed; the deposit itself has been returned, not burned.
func NewDepositRejectedEvent(user [20]byte, requestID uint64, reason string) *Event {
	return newEvent(EventTypeDepositRejected, map[string]string{
		"user":      addrAttr(user),
		"requestId": strconv.FormatUint(requestID, 10),
		"reason":    strings.TrimSpace(reason),
	})
}

// NewMintResolvedEvent records a decrypted deposit awaiting settlement.
func NewMintResolvedEvent(user [20]byte, requestID uint64, amount string) *Event {
	return newEvent(EventTypeMintResolved, map[string]string{
		"user":      addrAttr(user),
		"requestId": strconv.FormatUint(requestID, 10),
		"amount":    amount,
	})
}

// NewMintBatchExecutedEvent records a flushed mint-side swap batch. Amounts
// are keyed by token symbol and reflect the combined contributions of every
// depositor in the batch.
func NewMintBatchExecutedEvent(amounts map[string]string) *Event {
	attrs := make(map[string]string, len(amounts))
	for token, amount := range amounts {
		attrs["in:"+token] = amount
	}
	return newEvent(EventTypeMintBatchExecuted, attrs)
}

// NewSharesMintedEvent records a completed mint settlement.
func NewSharesMintedEvent(user [20]byte, stableIn, fee, shares string) *Event {
	return newEvent(EventTypeSharesMinted, map[string]string{
		"user":     addrAttr(user),
		"stableIn": stableIn,
		"fee":      fee,
		"shares":   shares,
	})
}

// NewBurnRequestedEvent records a submitted burn intent awaiting decryption.
func NewBurnRequestedEvent(user [20]byte, requestID uint64) *Event {
	return newEvent(EventTypeBurnRequested, map[string]string{
		"user":      addrAttr(user),
		"requestId": strconv.FormatUint(requestID, 10),
	})
}

// NewBurnRejectedEvent records a refunded burn attempt.
func NewBurnRejectedEvent(user [20]byte, requestID uint64, reason string) *Event {
	return newEvent(EventTypeBurnRejected, map[string]string{
		"user":      addrAttr(user),
		"requestId": strconv.FormatUint(requestID, 10),
		"reason":    strings.TrimSpace(reason),
	})
}

// NewBurnBatchExecutedEvent records a flushed burn-side swap batch.
func NewBurnBatchExecutedEvent(epoch uint64, amounts map[string]string) *Event {
	attrs := make(map[string]string, len(amounts)+1)
	attrs["epoch"] = strconv.FormatUint(epoch, 10)
	for token, amount := range amounts {
		attrs["in:"+token] = amount
	}
	return newEvent(EventTypeBurnBatchExecuted, attrs)
}

// NewSharesBurnedEvent records a completed burn settlement.
func NewSharesBurnedEvent(user [20]byte, shares string, kind WithdrawalKind) *Event {
	redeem := "tokens"
	if kind == WithdrawStablecoin {
		redeem = "stablecoin"
	}
	return newEvent(EventTypeSharesBurned, map[string]string{
		"user":   addrAttr(user),
		"shares": shares,
		"redeem": redeem,
	})
}

// NewTokensRedeemedEvent records a claimed redemption payout.
func NewTokensRedeemedEvent(user [20]byte, kind WithdrawalKind, amounts map[string]string) *Event {
	attrs := make(map[string]string, len(amounts)+2)
	attrs["user"] = addrAttr(user)
	if kind == WithdrawStablecoin {
		attrs["redeem"] = "stablecoin"
	} else {
		attrs["redeem"] = "tokens"
	}
	for token, amount := range amounts {
		attrs["out:"+token] = amount
	}
	return newEvent(EventTypeTokensRedeemed, attrs)
}

// NewFeeCollectedEvent records a protocol fee sweep.
func NewFeeCollectedEvent(owner [20]byte, amount string) *Event {
	return newEvent(EventTypeFeeCollected, map[string]string{
		"owner":  addrAttr(owner),
		"amount": amount,
	})
}

// NewRequestExpiredEvent records an expired decryption request whose parked
// funds were returned to the submitter.
func NewRequestExpiredEvent(user [20]byte, requestID uint64, kind RequestKind) *Event {
	pipeline := "mint"
	if kind == RequestBurn {
		pipeline = "burn"
	}
	return newEvent(EventTypeRequestExpired, map[string]string{
		"user":      addrAttr(user),
		"requestId": strconv.FormatUint(requestID, 10),
		"pipeline":  pipeline,
	})
}
