package ledger

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Ledger manages all asset accounts in a thread-safe manner.
// Transfers are atomic and conditional: they either move the full amount or
// fail without touching either side.
// Uses in-memory cache + Pebble persistence for durability.
type Ledger struct {
	mu       sync.Mutex
	accounts map[common.Address]*Account
	db       *pebble.DB
}

// NewLedger opens (or creates) a ledger backed by a Pebble database at path.
func NewLedger(path string) (*Ledger, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	return &Ledger{
		accounts: make(map[common.Address]*Account),
		db:       db,
	}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func acctKey(id common.Address) []byte {
	return append([]byte("acct:"), []byte(id.Hex())...)
}

// Open creates an account for (owner, asset) under the given id, or returns
// the existing one. An existing account with a different owner or asset is an
// error: account ids are bound to their creation inputs.
func (l *Ledger) Open(id, owner common.Address, asset string) (*Account, error) {
	if asset == "" {
		return nil, fmt.Errorf("open account %s: empty asset id", id.Hex())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.getLocked(id)
	if acc != nil {
		if acc.Owner != owner || acc.Asset != asset {
			return nil, fmt.Errorf("account %s already exists with different owner/asset", id.Hex())
		}
		return snapshot(acc), nil
	}

	acc = &Account{ID: id, Owner: owner, Asset: asset}
	l.accounts[id] = acc
	if err := l.saveLocked(acc); err != nil {
		delete(l.accounts, id)
		return nil, err
	}
	return snapshot(acc), nil
}

// Mint credits freshly bridged-in units to an account. Deposit path; tests
// use it to seed balances.
func (l *Ledger) Mint(id common.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("mint amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.getLocked(id)
	if acc == nil {
		return fmt.Errorf("account not found: %s", id.Hex())
	}
	acc.Balance += amount
	return l.saveLocked(acc)
}

// Transfer moves amount from one account to another. Fails entirely if the
// source has insufficient balance or the assets do not match.
func (l *Ledger) Transfer(from, to common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if from == to {
		return fmt.Errorf("transfer to self: %s", from.Hex())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.getLocked(from)
	if src == nil {
		return fmt.Errorf("source account not found: %s", from.Hex())
	}
	dst := l.getLocked(to)
	if dst == nil {
		return fmt.Errorf("destination account not found: %s", to.Hex())
	}
	if src.Asset != dst.Asset {
		return fmt.Errorf("asset mismatch: %s vs %s", src.Asset, dst.Asset)
	}
	if src.Balance < amount {
		return fmt.Errorf("insufficient balance: have %d, need %d", src.Balance, amount)
	}

	src.Balance -= amount
	dst.Balance += amount

	// Both sides in one batch so a crash cannot split the transfer.
	b := l.db.NewBatch()
	defer b.Close()
	if err := batchSet(b, src); err != nil {
		return err
	}
	if err := batchSet(b, dst); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		src.Balance += amount
		dst.Balance -= amount
		return fmt.Errorf("commit transfer: %w", err)
	}
	return nil
}

// Get returns a snapshot of the account, or nil if it does not exist.
// Takes the write lock: a cache miss populates the cache from Pebble.
func (l *Ledger) Get(id common.Address) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.getLocked(id)
	if acc == nil {
		return nil
	}
	return snapshot(acc)
}

// BalanceOf returns the account balance, zero for unknown accounts.
func (l *Ledger) BalanceOf(id common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acc := l.getLocked(id); acc != nil {
		return acc.Balance
	}
	return 0
}

// CloseAccount removes an empty account. Non-zero balance is an error: funds
// must be transferred out first.
func (l *Ledger) CloseAccount(id common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.getLocked(id)
	if acc == nil {
		return fmt.Errorf("account not found: %s", id.Hex())
	}
	if acc.Balance != 0 {
		return fmt.Errorf("account %s not empty: %d", id.Hex(), acc.Balance)
	}

	delete(l.accounts, id)
	if err := l.db.Delete(acctKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// getLocked loads from cache or Pebble. Assumes l.mu is held.
func (l *Ledger) getLocked(id common.Address) *Account {
	if acc, ok := l.accounts[id]; ok {
		return acc
	}

	data, closer, err := l.db.Get(acctKey(id))
	if err != nil {
		return nil
	}
	defer closer.Close()

	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil
	}
	l.accounts[id] = &acc
	return &acc
}

func (l *Ledger) saveLocked(acc *Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if err := l.db.Set(acctKey(acc.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func batchSet(b *pebble.Batch, acc *Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	return b.Set(acctKey(acc.ID), data, nil)
}

func snapshot(acc *Account) *Account {
	cp := *acc
	return &cp
}
