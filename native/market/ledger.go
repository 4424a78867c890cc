package market

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"keymarket/core/types"
	"keymarket/storage"
)

var (
	subjectPrefix = []byte("market/subject/")
	sharesPrefix  = []byte("market/shares/")
	holdersPrefix = []byte("market/holders/")
	accountPrefix = []byte("market/account/")
)

// storedSubjectState is the RLP representation of SubjectState. RLP has no
// signed integers, so timestamps are stored as uint64.
type storedSubjectState struct {
	Supply    uint64
	SpotPrice *big.Int
	CreatedAt uint64
	UpdatedAt uint64
}

type storedAccount struct {
	Balance *big.Int
	Nonce   uint64
}

// Ledger persists per-subject curve state, per-holder share balances, and
// currency accounts in the underlying key-value store.
type Ledger struct {
	db storage.Database
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func subjectKey(id SubjectID) []byte {
	return append(append([]byte{}, subjectPrefix...), []byte(id)...)
}

func sharesKey(id SubjectID, holder [20]byte) []byte {
	key := append(append([]byte{}, sharesPrefix...), []byte(id)...)
	key = append(key, '/')
	return append(key, holder[:]...)
}

func holdersKey(id SubjectID) []byte {
	return append(append([]byte{}, holdersPrefix...), []byte(id)...)
}

func accountKey(addr [20]byte) []byte {
	return append(append([]byte{}, accountPrefix...), addr[:]...)
}

// Subject loads the stored state for a subject. The second return reports
// whether the subject has been touched before; callers treat a missing
// record as the Uninitialized state.
func (l *Ledger) Subject(id SubjectID) (*SubjectState, bool, error) {
	raw, err := l.db.Get(subjectKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored storedSubjectState
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("decode subject %q: %w", id, err)
	}
	state := &SubjectState{
		Supply:    stored.Supply,
		SpotPrice: bigToUint256(stored.SpotPrice),
		CreatedAt: int64(stored.CreatedAt),
		UpdatedAt: int64(stored.UpdatedAt),
	}
	return state, true, nil
}

// SharesOf returns the share count the holder owns for the subject.
func (l *Ledger) SharesOf(id SubjectID, holder [20]byte) (uint64, error) {
	raw, err := l.db.Get(sharesKey(id, holder))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count uint64
	if err := rlp.DecodeBytes(raw, &count); err != nil {
		return 0, fmt.Errorf("decode shares for %q: %w", id, err)
	}
	return count, nil
}

// Holders returns the addresses currently holding shares of the subject.
func (l *Ledger) Holders(id SubjectID) ([][20]byte, error) {
	raw, err := l.db.Get(holdersKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var holders [][20]byte
	if err := rlp.DecodeBytes(raw, &holders); err != nil {
		return nil, fmt.Errorf("decode holders for %q: %w", id, err)
	}
	return holders, nil
}

// HolderShareTotal sums every holder balance for the subject. Tests use it to
// assert the sum(balances) == supply invariant.
func (l *Ledger) HolderShareTotal(id SubjectID) (uint64, error) {
	holders, err := l.Holders(id)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, holder := range holders {
		count, err := l.SharesOf(id, holder)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// Account loads the currency account for an address, normalised so a missing
// record reads as a zero balance.
func (l *Ledger) Account(addr [20]byte) (*types.Account, error) {
	raw, err := l.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return types.EnsureAccount(nil), nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return types.EnsureAccount(&types.Account{Balance: stored.Balance, Nonce: stored.Nonce}), nil
}

// PutAccount writes a currency account directly, outside any trade commit.
// The node uses it to seed balances at genesis and in tests.
func (l *Ledger) PutAccount(addr [20]byte, acc *types.Account) error {
	acc = types.EnsureAccount(acc)
	raw, err := rlp.EncodeToBytes(&storedAccount{Balance: acc.Balance, Nonce: acc.Nonce})
	if err != nil {
		return err
	}
	return l.db.Put(accountKey(addr), raw)
}

// Commit batches the writes of a single trade. Every write records the prior
// value so a failure unwinds the whole batch and the caller never observes a
// half-applied trade.
type Commit struct {
	ledger  *Ledger
	entries []commitEntry
}

type commitEntry struct {
	key     []byte
	prev    []byte
	existed bool
}

// Begin opens a commit against the ledger.
func (l *Ledger) Begin() *Commit {
	return &Commit{ledger: l}
}

func (c *Commit) write(key, value []byte) error {
	prev, err := c.ledger.db.Get(key)
	existed := true
	if errors.Is(err, storage.ErrKeyNotFound) {
		existed = false
		prev = nil
	} else if err != nil {
		return err
	}
	if err := c.ledger.db.Put(key, value); err != nil {
		return err
	}
	c.entries = append(c.entries, commitEntry{key: key, prev: prev, existed: existed})
	return nil
}

func (c *Commit) delete(key []byte) error {
	prev, err := c.ledger.db.Get(key)
	existed := true
	if errors.Is(err, storage.ErrKeyNotFound) {
		existed = false
		prev = nil
	} else if err != nil {
		return err
	}
	if err := c.ledger.db.Delete(key); err != nil {
		return err
	}
	c.entries = append(c.entries, commitEntry{key: key, prev: prev, existed: existed})
	return nil
}

// Revert restores every written key to its prior value, newest first.
func (c *Commit) Revert() {
	for i := len(c.entries) - 1; i >= 0; i-- {
		entry := c.entries[i]
		if entry.existed {
			_ = c.ledger.db.Put(entry.key, entry.prev)
		} else {
			_ = c.ledger.db.Delete(entry.key)
		}
	}
	c.entries = nil
}

// PutSubject writes the subject state within the commit.
func (c *Commit) PutSubject(id SubjectID, state *SubjectState) error {
	stored := &storedSubjectState{
		Supply:    state.Supply,
		SpotPrice: state.spot().ToBig(),
		CreatedAt: uint64(state.CreatedAt),
		UpdatedAt: uint64(state.UpdatedAt),
	}
	raw, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return c.write(subjectKey(id), raw)
}

// PutShares writes a holder's share count and keeps the holder index in
// step: holders appear when their balance turns positive and drop out when
// it returns to zero.
func (c *Commit) PutShares(id SubjectID, holder [20]byte, count uint64) error {
	holders, err := c.ledger.Holders(id)
	if err != nil {
		return err
	}
	if count == 0 {
		if err := c.delete(sharesKey(id, holder)); err != nil {
			return err
		}
		return c.putHolders(id, removeHolder(holders, holder))
	}
	raw, err := rlp.EncodeToBytes(count)
	if err != nil {
		return err
	}
	if err := c.write(sharesKey(id, holder), raw); err != nil {
		return err
	}
	return c.putHolders(id, addHolder(holders, holder))
}

// PutAccount writes a currency account within the commit.
func (c *Commit) PutAccount(addr [20]byte, acc *types.Account) error {
	acc = types.EnsureAccount(acc)
	raw, err := rlp.EncodeToBytes(&storedAccount{Balance: acc.Balance, Nonce: acc.Nonce})
	if err != nil {
		return err
	}
	return c.write(accountKey(addr), raw)
}

func (c *Commit) putHolders(id SubjectID, holders [][20]byte) error {
	raw, err := rlp.EncodeToBytes(holders)
	if err != nil {
		return err
	}
	return c.write(holdersKey(id), raw)
}

func addHolder(holders [][20]byte, holder [20]byte) [][20]byte {
	for _, existing := range holders {
		if existing == holder {
			return holders
		}
	}
	holders = append(holders, holder)
	sort.Slice(holders, func(i, j int) bool {
		return bytes.Compare(holders[i][:], holders[j][:]) < 0
	})
	return holders
}

func removeHolder(holders [][20]byte, holder [20]byte) [][20]byte {
	out := holders[:0]
	for _, existing := range holders {
		if existing != holder {
			out = append(out, existing)
		}
	}
	return out
}

func bigToUint256(v *big.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		// Stored prices are capped far below 2^256; treat as corrupt zero.
		return new(uint256.Int)
	}
	return out
}
