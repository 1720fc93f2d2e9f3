package escrow

import (
	"github.com/ethereum/go-ethereum/common"
)

// Side determines who funds the vault and when.
type Side uint8

const (
	// AssetSeller: the creator holds the asset and funds the vault at
	// creation; acceptors pay the off-ledger currency.
	AssetSeller Side = iota
	// CurrencyBuyer: the creator pays the off-ledger currency; each
	// acceptor funds the vault when reserving a ticket.
	CurrencyBuyer
)

func (s Side) String() string {
	switch s {
	case AssetSeller:
		return "asset_seller"
	case CurrencyBuyer:
		return "currency_buyer"
	default:
		return "unknown"
	}
}

// OrderStatus is the lifecycle state of an order. Completed and Cancelled are
// terminal: the record is destroyed in the same operation that sets them.
type OrderStatus uint8

const (
	StatusOpen OrderStatus = iota
	StatusCompleted
	StatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Order is the aggregate position for one trade intent.
//
// Invariant: FilledAmount + ReservedAmount <= TargetAmount at every
// observable point, all three non-negative.
type Order struct {
	Key     common.Hash    `json:"key"`
	Creator common.Address `json:"creator"`
	Asset   string         `json:"asset"`
	OrderID uint64         `json:"orderId"`
	Side    Side           `json:"side"`

	// TargetAmount only shrinks after creation (partial cancel, admin shrink).
	TargetAmount   uint64 `json:"targetAmount"`
	FilledAmount   uint64 `json:"filledAmount"`
	ReservedAmount uint64 `json:"reservedAmount"`

	// RefAmount is the off-ledger reference currency amount. Display only;
	// the engine never verifies the off-ledger payment.
	RefAmount uint64 `json:"refAmount"`

	Status   OrderStatus `json:"status"`
	VaultKey common.Hash `json:"vaultKey"`

	// Rate limiting state (reservation creation only).
	LastActionAt int64 `json:"lastActionAt"` // unix seconds of last successful reservation
	WindowCount  int   `json:"windowCount"`  // reservations in the current 24h window
	WindowStart  int64 `json:"windowStart"`  // unix seconds the window opened

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Remaining returns the unfilled portion of the target.
func (o *Order) Remaining() uint64 {
	if o.FilledAmount > o.TargetAmount {
		return 0
	}
	return o.TargetAmount - o.FilledAmount
}

// Available returns the capacity open to new reservations. Never negative.
func (o *Order) Available() uint64 {
	rem := o.Remaining()
	if o.ReservedAmount > rem {
		return 0
	}
	return rem - o.ReservedAmount
}

// Holder returns the asset-holder identity for a ticket on this order.
func (o *Order) Holder(t *Ticket) common.Address {
	if o.Side == AssetSeller {
		return o.Creator
	}
	return t.Acceptor
}

// Payer returns the currency-payer identity for a ticket on this order.
func (o *Order) Payer(t *Ticket) common.Address {
	if o.Side == AssetSeller {
		return t.Acceptor
	}
	return o.Creator
}

// Vault is the escrow balance holder bound 1:1 to an order. The balance
// itself lives in a ledger account owned by the order's authority address, so
// fund movements go through the same atomic-transfer path as user accounts.
type Vault struct {
	OrderKey  common.Hash    `json:"orderKey"`
	Account   common.Address `json:"account"` // ledger account id
	Asset     string         `json:"asset"`
	CreatedAt int64          `json:"createdAt"`
}

// Ticket is a single reservation against an order's available capacity.
// An existing record is open; settlement, cancellation and admin override
// destroy it, so a re-fetch after any terminal path fails with
// ErrTicketNotFound.
type Ticket struct {
	Key      common.Hash    `json:"key"`
	OrderKey common.Hash    `json:"orderKey"`
	TicketID uint64         `json:"ticketId"`
	Acceptor common.Address `json:"acceptor"`
	Amount   uint64         `json:"amount"`

	// PayerSigned must flip first; HolderSigned flips only in the settlement
	// transition itself, so a persisted ticket never has HolderSigned set.
	PayerSigned  bool `json:"payerSigned"`
	HolderSigned bool `json:"holderSigned"`

	CreatedAt int64 `json:"createdAt"`
}
