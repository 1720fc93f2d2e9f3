package escrow

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Record keys are pure functions of stable inputs so any collaborator can
// derive them offline. No ownership semantics, just lookup keys.

func OrderKey(creator common.Address, asset string, orderID uint64) common.Hash {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], orderID)

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("order"))
	h.Write(creator.Bytes())
	h.Write([]byte(asset))
	h.Write(id[:])
	return common.BytesToHash(h.Sum(nil))
}

func VaultKey(orderKey common.Hash) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("vault"))
	h.Write(orderKey.Bytes())
	return common.BytesToHash(h.Sum(nil))
}

func TicketKey(orderKey common.Hash, ticketID uint64) common.Hash {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], ticketID)

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("ticket"))
	h.Write(orderKey.Bytes())
	h.Write(id[:])
	return common.BytesToHash(h.Sum(nil))
}

// VaultAuthority is the address that owns an order's vault account. Derived
// from the order key, so only the engine can move vault funds.
func VaultAuthority(orderKey common.Hash) common.Address {
	return common.BytesToAddress(orderKey[12:])
}

// VaultAccountID is the ledger account id backing a vault record.
func VaultAccountID(vaultKey common.Hash) common.Address {
	return common.BytesToAddress(vaultKey[12:])
}
