package escrow

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// Events are emitted on every successful state transition for external
// indexing. The engine never depends on delivery; emitters must not block.

type Event interface {
	EventType() string
}

// Emitter receives events synchronously after an operation commits.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Envelope is the wire form shared by the websocket hub and gossip publisher.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalEvent wraps an event in its type envelope.
func MarshalEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Data: data})
}

type OrderCreated struct {
	Order     common.Hash    `json:"order"`
	OrderID   uint64         `json:"orderId"`
	Creator   common.Address `json:"creator"`
	Asset     string         `json:"asset"`
	Side      string         `json:"side"`
	Target    uint64         `json:"target"`
	RefAmount uint64         `json:"refAmount"`
	Vault     common.Hash    `json:"vault"`
	Timestamp int64          `json:"timestamp"`
}

func (OrderCreated) EventType() string { return "order_created" }

type OfferAccepted struct {
	Order     common.Hash    `json:"order"`
	OrderID   uint64         `json:"orderId"`
	Creator   common.Address `json:"creator"`
	Asset     string         `json:"asset"`
	Side      string         `json:"side"`
	Target    uint64         `json:"target"`
	RefAmount uint64         `json:"refAmount"`
	Vault     common.Hash    `json:"vault"`
	Ticket    common.Hash    `json:"ticket"`
	TicketID  uint64         `json:"ticketId"`
	Locker    common.Address `json:"locker"`
	Payer     common.Address `json:"payer"`
	Timestamp int64          `json:"timestamp"`
}

func (OfferAccepted) EventType() string { return "offer_accepted" }

type TicketAccepted struct {
	Order     common.Hash    `json:"order"`
	Ticket    common.Hash    `json:"ticket"`
	TicketID  uint64         `json:"ticketId"`
	Acceptor  common.Address `json:"acceptor"`
	Amount    uint64         `json:"amount"`
	Side      string         `json:"side"`
	Timestamp int64          `json:"timestamp"`
}

func (TicketAccepted) EventType() string { return "ticket_accepted" }

type TicketSigned struct {
	Order      common.Hash    `json:"order"`
	Ticket     common.Hash    `json:"ticket"`
	Signer     common.Address `json:"signer"`
	Role       string         `json:"role"` // "payer" or "holder"
	BothSigned bool           `json:"bothSigned"`
	Timestamp  int64          `json:"timestamp"`
}

func (TicketSigned) EventType() string { return "ticket_signed" }

type TicketSettled struct {
	Order       common.Hash    `json:"order"`
	Ticket      common.Hash    `json:"ticket"`
	Amount      uint64         `json:"amount"`
	Fee         uint64         `json:"fee"`
	Net         uint64         `json:"net"`
	Payer       common.Address `json:"payer"`
	Holder      common.Address `json:"holder"`
	TotalFilled uint64         `json:"totalFilled"`
	Timestamp   int64          `json:"timestamp"`
}

func (TicketSettled) EventType() string { return "ticket_settled" }

type TicketCancelled struct {
	Order     common.Hash    `json:"order"`
	Ticket    common.Hash    `json:"ticket"`
	Canceller common.Address `json:"canceller"`
	Amount    uint64         `json:"amount"`
	Refunded  bool           `json:"refunded"` // buyer-side vault refund happened
	Timestamp int64          `json:"timestamp"`
}

func (TicketCancelled) EventType() string { return "ticket_cancelled" }

type OrderCancelled struct {
	Order          common.Hash    `json:"order"`
	Creator        common.Address `json:"creator"`
	AmountReturned uint64         `json:"amountReturned"`
	Side           string         `json:"side"`
	RemainingAfter uint64         `json:"remainingAfter"`
	Timestamp      int64          `json:"timestamp"`
}

func (OrderCancelled) EventType() string { return "order_cancelled" }

type OrderClosed struct {
	Order      common.Hash    `json:"order"`
	Creator    common.Address `json:"creator"`
	DustAmount uint64         `json:"dustAmount"`
	DepositsTo common.Address `json:"depositsTo"`
	Timestamp  int64          `json:"timestamp"`
}

func (OrderClosed) EventType() string { return "order_closed" }

type AdminResolved struct {
	Order      common.Hash    `json:"order"`
	Ticket     *common.Hash   `json:"ticket,omitempty"` // nil for order-level
	Admin      common.Address `json:"admin"`
	Amount     uint64         `json:"amount"`
	Recipient  common.Address `json:"recipient"`
	Resolution string         `json:"resolution"` // "ticket_settle", "ticket_refund", "order_release"
	Timestamp  int64          `json:"timestamp"`
}

func (AdminResolved) EventType() string { return "admin_resolved" }
