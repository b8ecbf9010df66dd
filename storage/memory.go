package storage

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/romain-mg/unknownfinance/fund"
)

// MemState is an in-memory implementation of the engine state interface used
// for development mode and tests. All records are deep-copied on the way in
// and out so callers never share mutable state with the store.
type MemState struct {
	mu          sync.Mutex
	fundState   *fund.FundState
	requests    map[uint64]*fund.PendingRequest
	mints       map[[20]byte]*fund.PendingMintAmount
	withdrawals map[[20]byte]*fund.PendingWithdrawal
	balances    map[string]*big.Int
}

// NewMemState returns an empty in-memory state.
func NewMemState() *MemState {
	return &MemState{
		requests:    make(map[uint64]*fund.PendingRequest),
		mints:       make(map[[20]byte]*fund.PendingMintAmount),
		withdrawals: make(map[[20]byte]*fund.PendingWithdrawal),
		balances:    make(map[string]*big.Int),
	}
}

func (m *MemState) Fund() (*fund.FundState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fundState == nil {
		return nil, ErrFundNotInitialised
	}
	return m.fundState.Clone(), nil
}

func (m *MemState) PutFund(state *fund.FundState) error {
	if state == nil {
		return fmt.Errorf("storage: nil fund state")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fundState = state.Clone()
	return nil
}

func (m *MemState) PendingRequestPut(id uint64, req *fund.PendingRequest) error {
	if req == nil {
		return fmt.Errorf("storage: nil pending request")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *req
	m.requests[id] = &copied
	return nil
}

func (m *MemState) PendingRequestGet(id uint64) (*fund.PendingRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, false, nil
	}
	copied := *req
	return &copied, true, nil
}

func (m *MemState) PendingRequestTake(id uint64) (*fund.PendingRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, false, nil
	}
	delete(m.requests, id)
	copied := *req
	return &copied, true, nil
}

func (m *MemState) PendingMintPut(user [20]byte, rec *fund.PendingMintAmount) error {
	if rec == nil {
		return fmt.Errorf("storage: nil pending mint")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mints[user] = rec.Clone()
	return nil
}

func (m *MemState) PendingMintGet(user [20]byte) (*fund.PendingMintAmount, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.mints[user]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *MemState) PendingMintTake(user [20]byte) (*fund.PendingMintAmount, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.mints[user]
	if !ok {
		return nil, false, nil
	}
	delete(m.mints, user)
	return rec.Clone(), true, nil
}

func (m *MemState) PendingWithdrawalPut(user [20]byte, rec *fund.PendingWithdrawal) error {
	if rec == nil {
		return fmt.Errorf("storage: nil pending withdrawal")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawals[user] = rec.Clone()
	return nil
}

func (m *MemState) PendingWithdrawalGet(user [20]byte) (*fund.PendingWithdrawal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.withdrawals[user]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *MemState) PendingWithdrawalTake(user [20]byte) (*fund.PendingWithdrawal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.withdrawals[user]
	if !ok {
		return nil, false, nil
	}
	delete(m.withdrawals, user)
	return rec.Clone(), true, nil
}

func (m *MemState) TokenBalance(token string, addr [20]byte) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[string(balanceKey(token, addr))]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

// SetTokenBalance overwrites a ledger balance; used for seeding dev mode.
func (m *MemState) SetTokenBalance(token string, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: invalid balance")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[string(balanceKey(token, addr))] = new(big.Int).Set(amount)
	return nil
}

func (m *MemState) TokenTransfer(token string, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: invalid transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fromKey := string(balanceKey(token, from))
	fromBal, ok := m.balances[fromKey]
	if !ok || fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("storage: insufficient %s balance", token)
	}
	toKey := string(balanceKey(token, to))
	toBal, ok := m.balances[toKey]
	if !ok {
		toBal = big.NewInt(0)
	}
	m.balances[fromKey] = new(big.Int).Sub(fromBal, amount)
	m.balances[toKey] = new(big.Int).Add(toBal, amount)
	return nil
}

func (m *MemState) TokenCredit(token string, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: invalid credit amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(balanceKey(token, addr))
	balance, ok := m.balances[key]
	if !ok {
		balance = big.NewInt(0)
	}
	m.balances[key] = new(big.Int).Add(balance, amount)
	return nil
}

func (m *MemState) TokenDebit(token string, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: invalid debit amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(balanceKey(token, addr))
	balance, ok := m.balances[key]
	if !ok || balance.Cmp(amount) < 0 {
		return fmt.Errorf("storage: insufficient %s balance", token)
	}
	m.balances[key] = new(big.Int).Sub(balance, amount)
	return nil
}

var _ fund.EngineState = (*MemState)(nil)
