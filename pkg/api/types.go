package api

import (
	"errors"
	"net/http"

	"github.com/p2pclear/escrowd/pkg/escrow"
)

// Request bodies. Actor identity is an explicit field; authentication is
// handled upstream of this service.

type CreateOrderRequest struct {
	Creator        string `json:"creator"`
	Asset          string `json:"asset"`
	OrderID        uint64 `json:"orderId"`
	Side           string `json:"side"` // "asset_seller" or "currency_buyer"
	TargetAmount   uint64 `json:"targetAmount"`
	RefAmount      uint64 `json:"refAmount"`
	FundingAccount string `json:"fundingAccount,omitempty"`
}

type AcceptOfferRequest struct {
	Locker         string `json:"locker"`
	Creator        string `json:"creator"`
	Counterparty   string `json:"counterparty,omitempty"`
	Asset          string `json:"asset"`
	OrderID        uint64 `json:"orderId"`
	TicketID       uint64 `json:"ticketId"`
	Side           string `json:"side"`
	TargetAmount   uint64 `json:"targetAmount"`
	RefAmount      uint64 `json:"refAmount"`
	FundingAccount string `json:"fundingAccount"`
}

type AcceptTicketRequest struct {
	Acceptor       string `json:"acceptor"`
	TicketID       uint64 `json:"ticketId"`
	Amount         uint64 `json:"amount"`
	FundingAccount string `json:"fundingAccount,omitempty"`
}

type SignTicketRequest struct {
	Signer        string `json:"signer"`
	PayoutAccount string `json:"payoutAccount,omitempty"`
}

type CancelTicketRequest struct {
	Canceller     string `json:"canceller"`
	RefundAccount string `json:"refundAccount,omitempty"`
}

type CancelOrderRequest struct {
	Creator       string `json:"creator"`
	RefundAccount string `json:"refundAccount,omitempty"`
}

type CloseOrderRequest struct {
	Closer string `json:"closer"`
}

type AdminResolveTicketRequest struct {
	Admin          string `json:"admin"`
	OrderKey       string `json:"orderKey"`
	TicketID       uint64 `json:"ticketId"`
	ReleaseToPayer bool   `json:"releaseToPayer"`
	Destination    string `json:"destination"`
}

type AdminResolveOrderRequest struct {
	Admin       string `json:"admin"`
	OrderKey    string `json:"orderKey"`
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination"`
}

type OpenAccountRequest struct {
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount,omitempty"` // optional initial credit
}

// Responses.

type CreateOrderResponse struct {
	OrderKey string `json:"orderKey"`
	VaultKey string `json:"vaultKey"`
}

type AcceptOfferResponse struct {
	OrderKey  string `json:"orderKey"`
	VaultKey  string `json:"vaultKey"`
	TicketKey string `json:"ticketKey"`
}

type AcceptTicketResponse struct {
	TicketKey string `json:"ticketKey"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type OrderInfo struct {
	Key            string `json:"key"`
	Creator        string `json:"creator"`
	Asset          string `json:"asset"`
	OrderID        uint64 `json:"orderId"`
	Side           string `json:"side"`
	TargetAmount   uint64 `json:"targetAmount"`
	FilledAmount   uint64 `json:"filledAmount"`
	ReservedAmount uint64 `json:"reservedAmount"`
	Available      uint64 `json:"available"`
	Remaining      uint64 `json:"remaining"`
	RefAmount      uint64 `json:"refAmount"`
	Status         string `json:"status"`
	VaultKey       string `json:"vaultKey"`
	VaultBalance   uint64 `json:"vaultBalance"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

type TicketInfo struct {
	Key         string `json:"key"`
	OrderKey    string `json:"orderKey"`
	TicketID    uint64 `json:"ticketId"`
	Acceptor    string `json:"acceptor"`
	Amount      uint64 `json:"amount"`
	PayerSigned bool   `json:"payerSigned"`
	CreatedAt   int64  `json:"createdAt"`
}

type AccountInfo struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Asset   string `json:"asset"`
	Balance uint64 `json:"balance"`
}

type DepositInfo struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client-to-server subscription message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// errorStatus maps engine sentinels to HTTP statuses. Unknown errors are
// internal.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, escrow.ErrOrderNotFound),
		errors.Is(err, escrow.ErrVaultNotFound),
		errors.Is(err, escrow.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, escrow.ErrDuplicateOrder),
		errors.Is(err, escrow.ErrDuplicateTicket),
		errors.Is(err, escrow.ErrRaceCondition),
		errors.Is(err, escrow.ErrSignatureRequired),
		errors.Is(err, escrow.ErrCannotCancel),
		errors.Is(err, escrow.ErrOrderCompleted):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrAccountMismatch),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrInsufficientDeposit):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
