package storage

import (
	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/p2pclear/escrowd/pkg/escrow"
)

// Storage deposits: every record charges its creator's deposit balance a
// fixed amount when written and releases that same amount to a receiver when
// destroyed. Balances live in their own unit, separate from ledger funds.

// depositBalance returns the staged balance if one exists, else the
// committed one.
func (tx *storeTx) depositBalance(addr common.Address) uint64 {
	if bal, ok := tx.balances[addr]; ok {
		return bal
	}
	return tx.s.deposits[addr]
}

// chargeDeposit debits payer for one record of the given size and remembers
// the exact amount against the record key so releases survive config changes.
func (tx *storeTx) chargeDeposit(payer common.Address, recordKey common.Hash, amount uint64) error {
	bal := tx.depositBalance(payer)
	if bal < amount {
		return escrow.ErrInsufficientDeposit
	}
	tx.balances[payer] = bal - amount
	tx.recordDeposits[recordKey] = &amount
	return nil
}

// releaseDeposit credits the receiver with whatever the record was charged.
func (tx *storeTx) releaseDeposit(receiver common.Address, recordKey common.Hash) {
	var amount uint64
	if staged, ok := tx.recordDeposits[recordKey]; ok {
		if staged != nil {
			amount = *staged
		}
	} else {
		amount = tx.s.recordDeposits[recordKey]
	}
	tx.balances[receiver] = tx.depositBalance(receiver) + amount
	tx.recordDeposits[recordKey] = nil
}

// FundDeposits credits addr's storage deposit balance. Used to stake the
// custodian at startup and to top it up while running.
func (s *Store) FundDeposits(addr common.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.deposits[addr] + amount
	if err := s.db.Set(kRentBal(addr), encodeU64(next), pebble.Sync); err != nil {
		return err
	}
	s.deposits[addr] = next
	return nil
}
