package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Account is a balance holder for a single fungible asset. The account id is
// distinct from the owner identity: one owner may hold many accounts, and
// vaults are accounts owned by an order rather than a user.
type Account struct {
	ID      common.Address `json:"id"`
	Owner   common.Address `json:"owner"`
	Asset   string         `json:"asset"`
	Balance uint64         `json:"balance"`
}

// DeriveAccountID returns the canonical account id for (owner, asset).
// Pure function of stable inputs so collaborators can compute it offline.
func DeriveAccountID(owner common.Address, asset string) common.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("asset_account"))
	h.Write(owner.Bytes())
	h.Write([]byte(asset))
	sum := h.Sum(nil)
	return common.BytesToAddress(sum[12:])
}

// Validate checks account invariants
func (a *Account) Validate() error {
	if a.Asset == "" {
		return fmt.Errorf("account %s: empty asset id", a.ID.Hex())
	}
	return nil
}
