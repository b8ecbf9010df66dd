// Package storage provides the durable state backend for the fund settlement
// engine: the fund aggregate, the plain token ledger and the transient
// pending tables, persisted in a single BoltDB file with RLP-encoded records.
package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	bolt "go.etcd.io/bbolt"

	"github.com/romain-mg/unknownfinance/fund"
)

var (
	bucketFund        = []byte("fund")
	bucketBalances    = []byte("balances")
	bucketRequests    = []byte("pending_requests")
	bucketMints       = []byte("pending_mints")
	bucketWithdrawals = []byte("pending_withdrawals")

	fundStateKey = []byte("state")

	// ErrFundNotInitialised is returned when the fund aggregate has not been
	// seeded yet.
	ErrFundNotInitialised = errors.New("storage: fund not initialised")
)

// Store implements fund.EngineState on top of BoltDB.
type Store struct {
	db *bolt.DB
}

// Open initialises (and migrates) the Bolt-backed store at the supplied path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	buckets := [][]byte{bucketFund, bucketBalances, bucketRequests, bucketMints, bucketWithdrawals}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Fund loads the fund aggregate.
func (s *Store) Fund() (*fund.FundState, error) {
	var stored []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		stored = append([]byte(nil), tx.Bucket(bucketFund).Get(fundStateKey)...)
		return nil
	}); err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, ErrFundNotInitialised
	}
	var record storedFundState
	if err := rlp.DecodeBytes(stored, &record); err != nil {
		return nil, fmt.Errorf("storage: decode fund state: %w", err)
	}
	return record.toFundState()
}

// PutFund persists the fund aggregate.
func (s *Store) PutFund(state *fund.FundState) error {
	if state == nil {
		return fmt.Errorf("storage: nil fund state")
	}
	record, err := toStoredFundState(state)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return fmt.Errorf("storage: encode fund state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFund).Put(fundStateKey, encoded)
	})
}

func requestKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// PendingRequestPut registers an outstanding decryption request.
func (s *Store) PendingRequestPut(id uint64, req *fund.PendingRequest) error {
	if req == nil {
		return fmt.Errorf("storage: nil pending request")
	}
	encoded, err := rlp.EncodeToBytes(toStoredRequest(req))
	if err != nil {
		return fmt.Errorf("storage: encode pending request: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).Put(requestKey(id), encoded)
	})
}

// PendingRequestGet returns the request without consuming it.
func (s *Store) PendingRequestGet(id uint64) (*fund.PendingRequest, bool, error) {
	var stored []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		stored = append([]byte(nil), tx.Bucket(bucketRequests).Get(requestKey(id))...)
		return nil
	}); err != nil {
		return nil, false, err
	}
	if len(stored) == 0 {
		return nil, false, nil
	}
	var record storedRequest
	if err := rlp.DecodeBytes(stored, &record); err != nil {
		return nil, false, fmt.Errorf("storage: decode pending request: %w", err)
	}
	return record.toRequest(), true, nil
}

// PendingRequestTake returns the request and deletes it in the same
// transaction, guaranteeing single consumption.
func (s *Store) PendingRequestTake(id uint64) (*fund.PendingRequest, bool, error) {
	var stored []byte
	if err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRequests)
		key := requestKey(id)
		value := bucket.Get(key)
		if value == nil {
			return nil
		}
		stored = append([]byte(nil), value...)
		return bucket.Delete(key)
	}); err != nil {
		return nil, false, err
	}
	if len(stored) == 0 {
		return nil, false, nil
	}
	var record storedRequest
	if err := rlp.DecodeBytes(stored, &record); err != nil {
		return nil, false, fmt.Errorf("storage: decode pending request: %w", err)
	}
	return record.toRequest(), true, nil
}

// PendingMintPut records a resolved-but-unsettled mint.
func (s *Store) PendingMintPut(user [20]byte, rec *fund.PendingMintAmount) error {
	if rec == nil {
		return fmt.Errorf("storage: nil pending mint")
	}
	encoded, err := rlp.EncodeToBytes(toStoredMint(rec))
	if err != nil {
		return fmt.Errorf("storage: encode pending mint: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMints).Put(user[:], encoded)
	})
}

// PendingMintGet returns the record without consuming it.
func (s *Store) PendingMintGet(user [20]byte) (*fund.PendingMintAmount, bool, error) {
	var stored []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		stored = append([]byte(nil), tx.Bucket(bucketMints).Get(user[:])...)
		return nil
	}); err != nil {
		return nil, false, err
	}
	return decodeMint(stored)
}

// PendingMintTake returns the record and deletes it atomically.
func (s *Store) PendingMintTake(user [20]byte) (*fund.PendingMintAmount, bool, error) {
	var stored []byte
	if err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMints)
		value := bucket.Get(user[:])
		if value == nil {
			return nil
		}
		stored = append([]byte(nil), value...)
		return bucket.Delete(user[:])
	}); err != nil {
		return nil, false, err
	}
	return decodeMint(stored)
}

func decodeMint(stored []byte) (*fund.PendingMintAmount, bool, error) {
	if len(stored) == 0 {
		return nil, false, nil
	}
	var record storedMint
	if err := rlp.DecodeBytes(stored, &record); err != nil {
		return nil, false, fmt.Errorf("storage: decode pending mint: %w", err)
	}
	mint, err := record.toMint()
	if err != nil {
		return nil, false, err
	}
	return mint, true, nil
}

// PendingWithdrawalPut records a computed-but-unclaimed redemption.
func (s *Store) PendingWithdrawalPut(user [20]byte, rec *fund.PendingWithdrawal) error {
	if rec == nil {
		return fmt.Errorf("storage: nil pending withdrawal")
	}
	encoded, err := rlp.EncodeToBytes(toStoredWithdrawal(rec))
	if err != nil {
		return fmt.Errorf("storage: encode pending withdrawal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWithdrawals).Put(user[:], encoded)
	})
}

// PendingWithdrawalGet returns the record without consuming it.
func (s *Store) PendingWithdrawalGet(user [20]byte) (*fund.PendingWithdrawal, bool, error) {
	var stored []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		stored = append([]byte(nil), tx.Bucket(bucketWithdrawals).Get(user[:])...)
		return nil
	}); err != nil {
		return nil, false, err
	}
	return decodeWithdrawal(stored)
}

// PendingWithdrawalTake returns the record and deletes it atomically.
func (s *Store) PendingWithdrawalTake(user [20]byte) (*fund.PendingWithdrawal, bool, error) {
	var stored []byte
	if err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketWithdrawals)
		value := bucket.Get(user[:])
		if value == nil {
			return nil
		}
		stored = append([]byte(nil), value...)
		return bucket.Delete(user[:])
	}); err != nil {
		return nil, false, err
	}
	return decodeWithdrawal(stored)
}

func decodeWithdrawal(stored []byte) (*fund.PendingWithdrawal, bool, error) {
	if len(stored) == 0 {
		return nil, false, nil
	}
	var record storedWithdrawal
	if err := rlp.DecodeBytes(stored, &record); err != nil {
		return nil, false, fmt.Errorf("storage: decode pending withdrawal: %w", err)
	}
	withdrawal, err := record.toWithdrawal()
	if err != nil {
		return nil, false, err
	}
	return withdrawal, true, nil
}

func balanceKey(token string, addr [20]byte) []byte {
	var key bytes.Buffer
	key.WriteString(token)
	key.WriteByte('/')
	key.Write(addr[:])
	return key.Bytes()
}

// TokenBalance returns the ledger balance for token at addr, zero when the
// holder is unknown.
func (s *Store) TokenBalance(token string, addr [20]byte) (*big.Int, error) {
	var stored []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		stored = append([]byte(nil), tx.Bucket(bucketBalances).Get(balanceKey(token, addr))...)
		return nil
	}); err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return big.NewInt(0), nil
	}
	balance, ok := new(big.Int).SetString(string(stored), 10)
	if !ok {
		return nil, fmt.Errorf("storage: corrupt balance for %s", token)
	}
	return balance, nil
}

// SetTokenBalance overwrites a ledger balance; used for seeding and
// reconciling against external settlement.
func (s *Store) SetTokenBalance(token string, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: invalid balance")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBalances).Put(balanceKey(token, addr), []byte(amount.String()))
	})
}

// TokenTransfer moves amount between two ledger accounts in one transaction.
func (s *Store) TokenTransfer(token string, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: invalid transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBalances)
		fromKey := balanceKey(token, from)
		fromBal := big.NewInt(0)
		if stored := bucket.Get(fromKey); len(stored) > 0 {
			parsed, ok := new(big.Int).SetString(string(stored), 10)
			if !ok {
				return fmt.Errorf("storage: corrupt balance for %s", token)
			}
			fromBal = parsed
		}
		if fromBal.Cmp(amount) < 0 {
			return fmt.Errorf("storage: insufficient %s balance", token)
		}
		toKey := balanceKey(token, to)
		toBal := big.NewInt(0)
		if stored := bucket.Get(toKey); len(stored) > 0 {
			parsed, ok := new(big.Int).SetString(string(stored), 10)
			if !ok {
				return fmt.Errorf("storage: corrupt balance for %s", token)
			}
			toBal = parsed
		}
		if err := bucket.Put(fromKey, []byte(new(big.Int).Sub(fromBal, amount).String())); err != nil {
			return err
		}
		return bucket.Put(toKey, []byte(new(big.Int).Add(toBal, amount).String()))
	})
}

// TokenCredit adds amount to a ledger balance, mirroring value that entered
// the fund's custody through an external venue.
func (s *Store) TokenCredit(token string, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: invalid credit amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBalances)
		key := balanceKey(token, addr)
		balance := big.NewInt(0)
		if stored := bucket.Get(key); len(stored) > 0 {
			parsed, ok := new(big.Int).SetString(string(stored), 10)
			if !ok {
				return fmt.Errorf("storage: corrupt balance for %s", token)
			}
			balance = parsed
		}
		return bucket.Put(key, []byte(new(big.Int).Add(balance, amount).String()))
	})
}

// TokenDebit subtracts amount from a ledger balance, failing when the balance
// cannot cover it.
func (s *Store) TokenDebit(token string, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: invalid debit amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBalances)
		key := balanceKey(token, addr)
		balance := big.NewInt(0)
		if stored := bucket.Get(key); len(stored) > 0 {
			parsed, ok := new(big.Int).SetString(string(stored), 10)
			if !ok {
				return fmt.Errorf("storage: corrupt balance for %s", token)
			}
			balance = parsed
		}
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("storage: insufficient %s balance", token)
		}
		return bucket.Put(key, []byte(new(big.Int).Sub(balance, amount).String()))
	})
}

var _ fund.EngineState = (*Store)(nil)
