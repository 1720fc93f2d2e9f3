package escrow

import "errors"

// Error taxonomy. Every operation detects its error before any mutation and
// aborts atomically; callers branch with errors.Is.
var (
	// ErrInvalidAmount: zero, below minimum, or exceeding available capacity.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDuplicateOrder: an order already exists for (creator, asset, id).
	ErrDuplicateOrder = errors.New("duplicate order id")

	// ErrDuplicateTicket: a ticket with this id is still live on the order.
	ErrDuplicateTicket = errors.New("duplicate ticket id")

	// ErrUnauthorized: wrong signer, role, or admin identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAccountMismatch: destination account ownership or asset does not
	// match the expected party.
	ErrAccountMismatch = errors.New("account mismatch")

	// ErrSignatureRequired: the currency payer must confirm before the
	// asset holder.
	ErrSignatureRequired = errors.New("payer signature required first")

	// ErrRaceCondition: confirmation already recorded for this role.
	ErrRaceCondition = errors.New("already signed")

	// ErrCannotCancel: cancellation after the first confirmation, by an
	// unauthorized party, or while reservations are outstanding.
	ErrCannotCancel = errors.New("cannot cancel")

	// ErrRateLimited: reservation cooldown or daily cap exceeded.
	ErrRateLimited = errors.New("rate limited")

	// ErrOrderCompleted: operation against an order with nothing left to do.
	ErrOrderCompleted = errors.New("order already completed")

	// ErrInsufficientBalance: funding account cannot cover the amount.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientDeposit: the custodian cannot front the storage deposit.
	ErrInsufficientDeposit = errors.New("insufficient storage deposit balance")

	ErrOrderNotFound  = errors.New("order not found")
	ErrVaultNotFound  = errors.New("vault not found")
	ErrTicketNotFound = errors.New("ticket not found")
)
