package escrow

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/p2pclear/escrowd/pkg/ledger"
	"github.com/p2pclear/escrowd/pkg/util"
)

// Store is the durable keyed record store the engine runs against.
// Reads return the not-found sentinels from errors.go; Update runs fn against
// a transaction whose writes commit atomically or not at all.
type Store interface {
	Order(key common.Hash) (*Order, error)
	Vault(key common.Hash) (*Vault, error)
	Ticket(key common.Hash) (*Ticket, error)
	OpenTickets(orderKey common.Hash) ([]*Ticket, error)
	Update(fn func(tx Tx) error) error
	DepositBalance(addr common.Address) uint64
}

// Tx is a single atomic record-store transaction. Creating a record charges
// the payer's storage deposit; deleting one releases the deposit to the
// receiver. Deposit movements commit together with the record writes.
type Tx interface {
	CreateOrder(o *Order, depositPayer common.Address) error
	CreateVault(key common.Hash, v *Vault, depositPayer common.Address) error
	CreateTicket(t *Ticket, depositPayer common.Address) error
	PutOrder(o *Order) error
	PutTicket(t *Ticket) error
	DeleteOrder(key common.Hash, depositReceiver common.Address) error
	DeleteVault(key common.Hash, depositReceiver common.Address) error
	DeleteTicket(key common.Hash, depositReceiver common.Address) error
}

// Config holds the engine policy knobs. The admin identity is injected and
// compared at call time so it can rotate without redeploying logic.
type Config struct {
	Admin          common.Address
	DustThreshold  uint64
	FillCooldown   time.Duration
	MaxFillsPerDay int
}

// Engine is the escrow state machine. One mutex serializes all state
// transitions: every operation is a single bounded atomic step with no
// external I/O mid-operation, so contention is short and invariants are
// never observable torn.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	store   Store
	ledger  *ledger.Ledger
	clock   util.Clock
	log     *zap.SugaredLogger
	emitter Emitter
}

func NewEngine(cfg Config, store Store, lgr *ledger.Ledger, clock util.Clock, log *zap.SugaredLogger) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		ledger: lgr,
		clock:  clock,
		log:    log,
	}
}

// SetEmitter installs the event sink. Must be called before serving traffic.
func (e *Engine) SetEmitter(em Emitter) { e.emitter = em }

func (e *Engine) emit(ev Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

// Admin returns the configured custodian identity.
func (e *Engine) Admin() common.Address { return e.cfg.Admin }

// ==============================
// Queries
// ==============================

// Queries take the same lock as transitions so a reader never observes an
// operation between its ledger transfers and its record commit.

func (e *Engine) GetOrder(key common.Hash) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Order(key)
}

func (e *Engine) GetTicket(orderKey common.Hash, ticketID uint64) (*Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Ticket(TicketKey(orderKey, ticketID))
}

func (e *Engine) GetOpenTickets(orderKey common.Hash) ([]*Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.OpenTickets(orderKey)
}

// VaultBalance returns the custodied units currently held for an order.
func (e *Engine) VaultBalance(orderKey common.Hash) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.store.Vault(VaultKey(orderKey))
	if err != nil {
		return 0, err
	}
	return e.ledger.BalanceOf(v.Account), nil
}

// ==============================
// Order / Vault creation
// ==============================

// CreateOrder allocates an order and its vault. Seller-side orders fund the
// vault with the full target from fundingAccount in the same step; creation
// fails entirely if the creator cannot fund it.
func (e *Engine) CreateOrder(creator common.Address, asset string, orderID uint64, target, refAmount uint64, side Side, fundingAccount common.Address) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if target == 0 {
		return common.Hash{}, ErrInvalidAmount
	}

	key := OrderKey(creator, asset, orderID)
	if _, err := e.store.Order(key); err == nil {
		return common.Hash{}, ErrDuplicateOrder
	}

	now := e.clock.Now().Unix()
	vaultKey := VaultKey(key)
	vaultAcct := VaultAccountID(vaultKey)

	var funding *ledger.Account
	if side == AssetSeller {
		var err error
		funding, err = e.partyAccount(fundingAccount, creator, asset)
		if err != nil {
			return common.Hash{}, err
		}
		if funding.Balance < target {
			return common.Hash{}, ErrInsufficientBalance
		}
	}

	if _, err := e.ledger.Open(vaultAcct, VaultAuthority(key), asset); err != nil {
		return common.Hash{}, fmt.Errorf("open vault account: %w", err)
	}

	if side == AssetSeller {
		if err := e.ledger.Transfer(funding.ID, vaultAcct, target); err != nil {
			return common.Hash{}, fmt.Errorf("fund vault: %w", err)
		}
	}

	order := &Order{
		Key:          key,
		Creator:      creator,
		Asset:        asset,
		OrderID:      orderID,
		Side:         side,
		TargetAmount: target,
		RefAmount:    refAmount,
		Status:       StatusOpen,
		VaultKey:     vaultKey,
		WindowStart:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	vault := &Vault{
		OrderKey:  key,
		Account:   vaultAcct,
		Asset:     asset,
		CreatedAt: now,
	}

	err := e.store.Update(func(tx Tx) error {
		if err := tx.CreateOrder(order, e.cfg.Admin); err != nil {
			return err
		}
		return tx.CreateVault(vaultKey, vault, e.cfg.Admin)
	})
	if err != nil {
		// Undo the funding so nothing is partially applied.
		if side == AssetSeller {
			_ = e.ledger.Transfer(vaultAcct, funding.ID, target)
		}
		_ = e.ledger.CloseAccount(vaultAcct)
		return common.Hash{}, err
	}

	e.log.Infow("order_created",
		"order", key.Hex(), "creator", creator.Hex(), "asset", asset,
		"side", side.String(), "target", target)
	e.emit(OrderCreated{
		Order: key, OrderID: orderID, Creator: creator, Asset: asset,
		Side: side.String(), Target: target, RefAmount: refAmount,
		Vault: vaultKey, Timestamp: now,
	})
	return key, nil
}

// AcceptOfferAndLock creates an order, its vault and the first ticket in one
// step, with the full target reserved and locked immediately. This is the
// entry point for off-ledger offers that already have a matched counterparty:
// the asset holder (locker) funds the vault here, whichever side it sits on.
// Seller-side offers require locker == creator and counterparty as acceptor;
// buyer-side offers require locker != creator, the locker becoming acceptor.
func (e *Engine) AcceptOfferAndLock(locker, creator, counterparty common.Address, asset string, orderID, ticketID uint64, target, refAmount uint64, side Side, fundingAccount common.Address) (common.Hash, common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if target == 0 || refAmount == 0 || ticketID == 0 {
		return common.Hash{}, common.Hash{}, ErrInvalidAmount
	}

	var acceptor, payer common.Address
	switch side {
	case AssetSeller:
		if locker != creator || counterparty == locker {
			return common.Hash{}, common.Hash{}, ErrUnauthorized
		}
		acceptor, payer = counterparty, counterparty
	case CurrencyBuyer:
		if locker == creator {
			return common.Hash{}, common.Hash{}, ErrUnauthorized
		}
		acceptor, payer = locker, creator
	default:
		return common.Hash{}, common.Hash{}, ErrInvalidAmount
	}

	key := OrderKey(creator, asset, orderID)
	if _, err := e.store.Order(key); err == nil {
		return common.Hash{}, common.Hash{}, ErrDuplicateOrder
	}

	funding, err := e.partyAccount(fundingAccount, locker, asset)
	if err != nil {
		return common.Hash{}, common.Hash{}, err
	}
	if funding.Balance < target {
		return common.Hash{}, common.Hash{}, ErrInsufficientBalance
	}

	now := e.clock.Now()
	vaultKey := VaultKey(key)
	vaultAcct := VaultAccountID(vaultKey)
	ticketKey := TicketKey(key, ticketID)

	if _, err := e.ledger.Open(vaultAcct, VaultAuthority(key), asset); err != nil {
		return common.Hash{}, common.Hash{}, fmt.Errorf("open vault account: %w", err)
	}
	if err := e.ledger.Transfer(funding.ID, vaultAcct, target); err != nil {
		return common.Hash{}, common.Hash{}, fmt.Errorf("fund vault: %w", err)
	}

	order := &Order{
		Key:            key,
		Creator:        creator,
		Asset:          asset,
		OrderID:        orderID,
		Side:           side,
		TargetAmount:   target,
		ReservedAmount: target,
		RefAmount:      refAmount,
		Status:         StatusOpen,
		VaultKey:       vaultKey,
		WindowStart:    now.Unix(),
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
	}
	recordReservation(order, now)
	vault := &Vault{
		OrderKey:  key,
		Account:   vaultAcct,
		Asset:     asset,
		CreatedAt: now.Unix(),
	}
	ticket := &Ticket{
		Key:       ticketKey,
		OrderKey:  key,
		TicketID:  ticketID,
		Acceptor:  acceptor,
		Amount:    target,
		CreatedAt: now.Unix(),
	}

	err = e.store.Update(func(tx Tx) error {
		if err := tx.CreateOrder(order, e.cfg.Admin); err != nil {
			return err
		}
		if err := tx.CreateVault(vaultKey, vault, e.cfg.Admin); err != nil {
			return err
		}
		return tx.CreateTicket(ticket, e.cfg.Admin)
	})
	if err != nil {
		_ = e.ledger.Transfer(vaultAcct, funding.ID, target)
		_ = e.ledger.CloseAccount(vaultAcct)
		return common.Hash{}, common.Hash{}, err
	}

	e.log.Infow("offer_accepted",
		"order", key.Hex(), "ticket", ticketKey.Hex(), "creator", creator.Hex(),
		"locker", locker.Hex(), "side", side.String(), "target", target)
	e.emit(OfferAccepted{
		Order: key, OrderID: orderID, Creator: creator, Asset: asset,
		Side: side.String(), Target: target, RefAmount: refAmount,
		Vault: vaultKey, Ticket: ticketKey, TicketID: ticketID,
		Locker: locker, Payer: payer, Timestamp: now.Unix(),
	})
	return key, ticketKey, nil
}

// ==============================
// Ticket reservation
// ==============================

// AcceptTicket reserves part of an order's available capacity for acceptor.
// Buyer-side orders are funded by the acceptor (the asset holder in that
// direction) in the same atomic step.
func (e *Engine) AcceptTicket(acceptor common.Address, orderKey common.Hash, ticketID, amount uint64, fundingAccount common.Address) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.Order(orderKey)
	if err != nil {
		return common.Hash{}, err
	}

	if amount == 0 || amount > o.Available() {
		return common.Hash{}, ErrInvalidAmount
	}
	if acceptor == o.Creator {
		return common.Hash{}, ErrUnauthorized
	}

	key := TicketKey(orderKey, ticketID)
	if _, err := e.store.Ticket(key); err == nil {
		return common.Hash{}, ErrDuplicateTicket
	}

	now := e.clock.Now()
	if err := e.checkRateLimit(o, now); err != nil {
		return common.Hash{}, err
	}

	var funding *ledger.Account
	if o.Side == CurrencyBuyer {
		funding, err = e.partyAccount(fundingAccount, acceptor, o.Asset)
		if err != nil {
			return common.Hash{}, err
		}
		if funding.Balance < amount {
			return common.Hash{}, ErrInsufficientBalance
		}
	}

	vaultAcct := VaultAccountID(o.VaultKey)
	if o.Side == CurrencyBuyer {
		if err := e.ledger.Transfer(funding.ID, vaultAcct, amount); err != nil {
			return common.Hash{}, fmt.Errorf("fund vault: %w", err)
		}
	}

	t := &Ticket{
		Key:       key,
		OrderKey:  orderKey,
		TicketID:  ticketID,
		Acceptor:  acceptor,
		Amount:    amount,
		CreatedAt: now.Unix(),
	}
	o.ReservedAmount += amount
	recordReservation(o, now)
	o.UpdatedAt = now.Unix()

	err = e.store.Update(func(tx Tx) error {
		if err := tx.CreateTicket(t, e.cfg.Admin); err != nil {
			return err
		}
		return tx.PutOrder(o)
	})
	if err != nil {
		if o.Side == CurrencyBuyer {
			_ = e.ledger.Transfer(vaultAcct, funding.ID, amount)
		}
		return common.Hash{}, err
	}

	e.log.Infow("ticket_accepted",
		"order", orderKey.Hex(), "ticket", key.Hex(), "acceptor", acceptor.Hex(), "amount", amount)
	e.emit(TicketAccepted{
		Order: orderKey, Ticket: key, TicketID: ticketID, Acceptor: acceptor,
		Amount: amount, Side: o.Side.String(), Timestamp: now.Unix(),
	})
	return key, nil
}

// ==============================
// Dual-confirmation settlement
// ==============================

// SignTicket records one party's confirmation. The currency payer must sign
// strictly first; the asset holder's confirmation settles the ticket in the
// same step, paying payoutAccount (which must belong to the payer).
func (e *Engine) SignTicket(signer common.Address, orderKey common.Hash, ticketID uint64, payoutAccount common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, t, err := e.orderAndTicket(orderKey, ticketID)
	if err != nil {
		return err
	}

	payer := o.Payer(t)
	holder := o.Holder(t)
	now := e.clock.Now().Unix()

	switch signer {
	case payer:
		if t.PayerSigned {
			return ErrRaceCondition
		}
		t.PayerSigned = true
		o.UpdatedAt = now
		err := e.store.Update(func(tx Tx) error {
			if err := tx.PutTicket(t); err != nil {
				return err
			}
			return tx.PutOrder(o)
		})
		if err != nil {
			return err
		}
		e.emit(TicketSigned{
			Order: orderKey, Ticket: t.Key, Signer: signer, Role: "payer",
			BothSigned: false, Timestamp: now,
		})
		return nil

	case holder:
		if !t.PayerSigned {
			return ErrSignatureRequired
		}
		res, err := e.settleTicket(o, t, payoutAccount, e.cfg.Admin, now)
		if err != nil {
			return err
		}
		// The confirmation goes out before the settlement it caused.
		e.emit(TicketSigned{
			Order: orderKey, Ticket: t.Key, Signer: signer, Role: "holder",
			BothSigned: true, Timestamp: now,
		})
		e.emit(TicketSettled{
			Order: orderKey, Ticket: t.Key, Amount: t.Amount, Fee: res.fee, Net: res.net,
			Payer: payer, Holder: holder, TotalFilled: o.FilledAmount, Timestamp: now,
		})
		if res.closed {
			e.emit(OrderClosed{
				Order: o.Key, Creator: o.Creator, DustAmount: res.dust,
				DepositsTo: e.cfg.Admin, Timestamp: now,
			})
		}
		return nil

	default:
		return ErrUnauthorized
	}
}

// settlement is the outcome of settleTicket, handed back so each caller can
// emit its own event sequence after the confirmation that triggered it.
type settlement struct {
	fee    uint64
	net    uint64
	dust   uint64
	closed bool
}

// settleTicket performs the terminal fund release shared by the holder's
// confirmation and the admin override: fee split to the custodian, net to
// the payer, bookkeeping, ticket destruction and the dust auto-close check.
// Caller holds e.mu, has verified the trigger is authorized, and emits the
// TicketSettled/OrderClosed events from the returned settlement.
func (e *Engine) settleTicket(o *Order, t *Ticket, payoutAccount, ticketDepositTo common.Address, now int64) (settlement, error) {
	payer := o.Payer(t)

	payout, err := e.partyAccount(payoutAccount, payer, o.Asset)
	if err != nil {
		return settlement{}, err
	}

	feeAcct := ledger.DeriveAccountID(e.cfg.Admin, o.Asset)
	if _, err := e.ledger.Open(feeAcct, e.cfg.Admin, o.Asset); err != nil {
		return settlement{}, fmt.Errorf("open fee account: %w", err)
	}

	vaultAcct := VaultAccountID(o.VaultKey)
	if e.ledger.BalanceOf(vaultAcct) < t.Amount {
		return settlement{}, fmt.Errorf("vault underfunded for order %s: have %d, need %d",
			o.Key.Hex(), e.ledger.BalanceOf(vaultAcct), t.Amount)
	}

	fee, net := SettlementFee(t.Amount)
	if err := e.ledger.Transfer(vaultAcct, payout.ID, net); err != nil {
		return settlement{}, fmt.Errorf("payout transfer: %w", err)
	}
	if fee > 0 {
		if err := e.ledger.Transfer(vaultAcct, feeAcct, fee); err != nil {
			_ = e.ledger.Transfer(payout.ID, vaultAcct, net)
			return settlement{}, fmt.Errorf("fee transfer: %w", err)
		}
	}

	t.HolderSigned = true
	o.FilledAmount += t.Amount
	o.ReservedAmount -= t.Amount
	o.UpdatedAt = now

	closed, dust, err := e.finishOrDestroy(o, t, e.cfg.Admin, ticketDepositTo, now)
	if err != nil {
		// Undo the fund movements so the failed commit changes nothing.
		_ = e.ledger.Transfer(payout.ID, vaultAcct, net)
		if fee > 0 {
			_ = e.ledger.Transfer(feeAcct, vaultAcct, fee)
		}
		return settlement{}, err
	}

	e.log.Infow("ticket_settled",
		"order", o.Key.Hex(), "ticket", t.Key.Hex(), "amount", t.Amount,
		"fee", fee, "net", net, "auto_closed", closed)
	return settlement{fee: fee, net: net, dust: dust, closed: closed}, nil
}

// finishOrDestroy destroys the ticket and, when the order has no outstanding
// reservations and only dust remains, the vault and order with it. Deposits
// for vault and order always return to the custodian on auto-close.
func (e *Engine) finishOrDestroy(o *Order, t *Ticket, orderDepositTo, ticketDepositTo common.Address, now int64) (bool, uint64, error) {
	vaultAcct := VaultAccountID(o.VaultKey)

	shouldClose := o.ReservedAmount == 0 && o.Remaining() <= e.cfg.DustThreshold
	if !shouldClose {
		err := e.store.Update(func(tx Tx) error {
			if err := tx.DeleteTicket(t.Key, ticketDepositTo); err != nil {
				return err
			}
			return tx.PutOrder(o)
		})
		return false, 0, err
	}

	// Pay out any seller-side dust remainder to the creator before destroy.
	dust := e.ledger.BalanceOf(vaultAcct)
	creatorAcct := ledger.DeriveAccountID(o.Creator, o.Asset)
	if dust > 0 {
		if o.Side != AssetSeller {
			return false, 0, fmt.Errorf("buyer-side vault %s not drained: %d", o.VaultKey.Hex(), dust)
		}
		if _, err := e.ledger.Open(creatorAcct, o.Creator, o.Asset); err != nil {
			return false, 0, fmt.Errorf("open creator account: %w", err)
		}
		if err := e.ledger.Transfer(vaultAcct, creatorAcct, dust); err != nil {
			return false, 0, fmt.Errorf("dust refund: %w", err)
		}
	}

	if o.Remaining() == 0 {
		o.Status = StatusCompleted
	} else {
		o.Status = StatusCancelled
	}

	err := e.store.Update(func(tx Tx) error {
		if err := tx.DeleteTicket(t.Key, ticketDepositTo); err != nil {
			return err
		}
		if err := tx.DeleteVault(o.VaultKey, orderDepositTo); err != nil {
			return err
		}
		return tx.DeleteOrder(o.Key, orderDepositTo)
	})
	if err != nil {
		if dust > 0 {
			_ = e.ledger.Transfer(creatorAcct, vaultAcct, dust)
		}
		return false, 0, err
	}
	_ = e.ledger.CloseAccount(vaultAcct)
	return true, dust, nil
}

// ==============================
// Cancellation
// ==============================

// CancelTicket withdraws an open reservation before the payer has confirmed.
// Only the order creator or the ticket acceptor may cancel. The ticket's
// storage deposit goes back to the canceller. When the last reservation on
// the order is cancelled the whole order closes: a seller-side vault returns
// its remaining balance to the creator.
func (e *Engine) CancelTicket(canceller common.Address, orderKey common.Hash, ticketID uint64, refundAccount common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, t, err := e.orderAndTicket(orderKey, ticketID)
	if err != nil {
		return err
	}

	if t.PayerSigned {
		return ErrCannotCancel
	}
	if canceller != o.Creator && canceller != t.Acceptor {
		return ErrCannotCancel
	}

	now := e.clock.Now().Unix()
	vaultAcct := VaultAccountID(o.VaultKey)

	// Buyer-side tickets were funded by the acceptor at reservation time;
	// their amount leaves the vault with the ticket.
	refunded := false
	var refundAcct common.Address
	if o.Side == CurrencyBuyer {
		refund, err := e.partyAccount(refundAccount, t.Acceptor, o.Asset)
		if err != nil {
			return err
		}
		if err := e.ledger.Transfer(vaultAcct, refund.ID, t.Amount); err != nil {
			return fmt.Errorf("ticket refund: %w", err)
		}
		refunded = true
		refundAcct = refund.ID
	}

	revertRefund := func() {
		if refunded {
			_ = e.ledger.Transfer(refundAcct, vaultAcct, t.Amount)
		}
	}

	o.ReservedAmount -= t.Amount
	o.UpdatedAt = now

	closed := false
	var remainder uint64
	if o.ReservedAmount == 0 {
		// No reservations left after a cancellation: the trade is over.
		remainder = e.ledger.BalanceOf(vaultAcct)
		creatorAcct := ledger.DeriveAccountID(o.Creator, o.Asset)
		if remainder > 0 {
			if _, err := e.ledger.Open(creatorAcct, o.Creator, o.Asset); err != nil {
				revertRefund()
				return fmt.Errorf("open creator account: %w", err)
			}
			if err := e.ledger.Transfer(vaultAcct, creatorAcct, remainder); err != nil {
				revertRefund()
				return fmt.Errorf("vault refund: %w", err)
			}
		}
		o.Status = StatusCancelled

		err = e.store.Update(func(tx Tx) error {
			if err := tx.DeleteTicket(t.Key, canceller); err != nil {
				return err
			}
			if err := tx.DeleteVault(o.VaultKey, e.cfg.Admin); err != nil {
				return err
			}
			return tx.DeleteOrder(o.Key, e.cfg.Admin)
		})
		if err != nil {
			if remainder > 0 {
				_ = e.ledger.Transfer(creatorAcct, vaultAcct, remainder)
			}
			revertRefund()
			return err
		}
		_ = e.ledger.CloseAccount(vaultAcct)
		closed = true
	} else {
		err = e.store.Update(func(tx Tx) error {
			if err := tx.DeleteTicket(t.Key, canceller); err != nil {
				return err
			}
			return tx.PutOrder(o)
		})
		if err != nil {
			revertRefund()
			return err
		}
	}

	e.log.Infow("ticket_cancelled",
		"order", orderKey.Hex(), "ticket", t.Key.Hex(), "canceller", canceller.Hex(),
		"amount", t.Amount, "order_closed", closed)
	e.emit(TicketCancelled{
		Order: orderKey, Ticket: t.Key, Canceller: canceller, Amount: t.Amount,
		Refunded: refunded, Timestamp: now,
	})
	if closed {
		e.emit(OrderClosed{
			Order: o.Key, Creator: o.Creator, DustAmount: remainder,
			DepositsTo: e.cfg.Admin, Timestamp: now,
		})
	}
	return nil
}

// CancelOrder releases the unreserved remainder of an order back to its
// creator and shrinks the target to what is filled plus still reserved.
// Creator only. Open tickets are untouched; the order closes once none are
// left.
func (e *Engine) CancelOrder(creator common.Address, orderKey common.Hash, refundAccount common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.Order(orderKey)
	if err != nil {
		return err
	}
	if creator != o.Creator {
		return ErrUnauthorized
	}
	if o.Remaining() == 0 {
		return ErrOrderCompleted
	}

	releasable := o.Available()
	if releasable == 0 {
		return ErrCannotCancel
	}

	now := e.clock.Now().Unix()
	vaultAcct := VaultAccountID(o.VaultKey)

	released := false
	var refundAcct common.Address
	if o.Side == AssetSeller {
		refund, err := e.partyAccount(refundAccount, creator, o.Asset)
		if err != nil {
			return err
		}
		if err := e.ledger.Transfer(vaultAcct, refund.ID, releasable); err != nil {
			return fmt.Errorf("release transfer: %w", err)
		}
		released = true
		refundAcct = refund.ID
	}

	revertRelease := func() {
		if released {
			_ = e.ledger.Transfer(refundAcct, vaultAcct, releasable)
		}
	}

	o.TargetAmount = o.FilledAmount + o.ReservedAmount
	o.UpdatedAt = now

	closed := false
	if o.ReservedAmount == 0 {
		o.Status = StatusCancelled
		err = e.store.Update(func(tx Tx) error {
			if err := tx.DeleteVault(o.VaultKey, e.cfg.Admin); err != nil {
				return err
			}
			return tx.DeleteOrder(o.Key, e.cfg.Admin)
		})
		if err != nil {
			revertRelease()
			return err
		}
		_ = e.ledger.CloseAccount(vaultAcct)
		closed = true
	} else {
		if err := e.store.Update(func(tx Tx) error { return tx.PutOrder(o) }); err != nil {
			revertRelease()
			return err
		}
	}

	e.log.Infow("order_cancelled",
		"order", orderKey.Hex(), "released", releasable, "order_closed", closed)
	e.emit(OrderCancelled{
		Order: orderKey, Creator: creator, AmountReturned: releasable,
		Side: o.Side.String(), RemainingAfter: o.Remaining(), Timestamp: now,
	})
	if closed {
		e.emit(OrderClosed{
			Order: o.Key, Creator: o.Creator, DustAmount: 0,
			DepositsTo: e.cfg.Admin, Timestamp: now,
		})
	}
	return nil
}

// CloseOrder explicitly destroys an order whose unfilled remainder is at or
// below the dust threshold and that has no open reservations. Seller-side
// dust returns to the creator; all storage deposits go to the closer.
// Creator or admin only.
func (e *Engine) CloseOrder(closer common.Address, orderKey common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.Order(orderKey)
	if err != nil {
		return err
	}
	if closer != o.Creator && closer != e.cfg.Admin {
		return ErrUnauthorized
	}
	if o.ReservedAmount != 0 {
		return ErrCannotCancel
	}
	remaining := o.Remaining()
	if remaining > e.cfg.DustThreshold {
		return ErrCannotCancel
	}

	now := e.clock.Now().Unix()
	vaultAcct := VaultAccountID(o.VaultKey)

	creatorAcct := ledger.DeriveAccountID(o.Creator, o.Asset)
	drained := o.Side == AssetSeller && remaining > 0
	if drained {
		if _, err := e.ledger.Open(creatorAcct, o.Creator, o.Asset); err != nil {
			return fmt.Errorf("open creator account: %w", err)
		}
		if err := e.ledger.Transfer(vaultAcct, creatorAcct, remaining); err != nil {
			return fmt.Errorf("dust refund: %w", err)
		}
	}

	if remaining == 0 {
		o.Status = StatusCompleted
	} else {
		o.Status = StatusCancelled
	}

	err = e.store.Update(func(tx Tx) error {
		if err := tx.DeleteVault(o.VaultKey, closer); err != nil {
			return err
		}
		return tx.DeleteOrder(o.Key, closer)
	})
	if err != nil {
		if drained {
			_ = e.ledger.Transfer(creatorAcct, vaultAcct, remaining)
		}
		return err
	}
	_ = e.ledger.CloseAccount(vaultAcct)

	e.log.Infow("order_closed", "order", orderKey.Hex(), "dust", remaining, "closer", closer.Hex())
	e.emit(OrderClosed{
		Order: o.Key, Creator: o.Creator, DustAmount: remaining,
		DepositsTo: closer, Timestamp: now,
	})
	return nil
}

// ==============================
// Admin override
// ==============================

// AdminResolveTicket resolves a stuck open ticket unilaterally, bypassing
// the two-confirmation protocol. releaseToPayer=true settles exactly like
// the holder's confirmation (fee included); false refunds the asset holder
// with no fee, shrinking seller-side targets by the refunded amount.
// destination must be owned by the receiving party.
func (e *Engine) AdminResolveTicket(caller common.Address, orderKey common.Hash, ticketID uint64, releaseToPayer bool, destination common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Admin {
		return ErrUnauthorized
	}

	o, t, err := e.orderAndTicket(orderKey, ticketID)
	if err != nil {
		return err
	}

	now := e.clock.Now().Unix()
	tk := t.Key

	if releaseToPayer {
		payer := o.Payer(t)
		holder := o.Holder(t)
		res, err := e.settleTicket(o, t, destination, e.cfg.Admin, now)
		if err != nil {
			return err
		}
		e.emit(TicketSettled{
			Order: orderKey, Ticket: tk, Amount: t.Amount, Fee: res.fee, Net: res.net,
			Payer: payer, Holder: holder, TotalFilled: o.FilledAmount, Timestamp: now,
		})
		if res.closed {
			e.emit(OrderClosed{
				Order: o.Key, Creator: o.Creator, DustAmount: res.dust,
				DepositsTo: e.cfg.Admin, Timestamp: now,
			})
		}
		e.emit(AdminResolved{
			Order: orderKey, Ticket: &tk, Admin: caller, Amount: t.Amount,
			Recipient: payer, Resolution: "ticket_settle", Timestamp: now,
		})
		return nil
	}

	// Refund path: amount back to the asset holder, no fee.
	holder := o.Holder(t)
	refund, err := e.partyAccount(destination, holder, o.Asset)
	if err != nil {
		return err
	}

	vaultAcct := VaultAccountID(o.VaultKey)
	if err := e.ledger.Transfer(vaultAcct, refund.ID, t.Amount); err != nil {
		return fmt.Errorf("admin refund: %w", err)
	}

	o.ReservedAmount -= t.Amount
	if o.Side == AssetSeller {
		// The refunded units left the trade entirely.
		o.TargetAmount -= t.Amount
	}
	o.UpdatedAt = now

	closed, dust, err := e.finishOrDestroy(o, t, e.cfg.Admin, e.cfg.Admin, now)
	if err != nil {
		_ = e.ledger.Transfer(refund.ID, vaultAcct, t.Amount)
		return err
	}

	e.log.Infow("admin_resolved_ticket",
		"order", orderKey.Hex(), "ticket", tk.Hex(), "release_to_payer", false,
		"amount", t.Amount, "auto_closed", closed)
	e.emit(AdminResolved{
		Order: orderKey, Ticket: &tk, Admin: caller, Amount: t.Amount,
		Recipient: holder, Resolution: "ticket_refund", Timestamp: now,
	})
	if closed {
		e.emit(OrderClosed{
			Order: o.Key, Creator: o.Creator, DustAmount: dust,
			DepositsTo: e.cfg.Admin, Timestamp: now,
		})
	}
	return nil
}

// AdminResolveOrder releases stuck unreserved seller-side funds back to the
// creator (shrinking the target), or finalizes a buyer-side order with no
// outstanding tickets.
func (e *Engine) AdminResolveOrder(caller common.Address, orderKey common.Hash, amount uint64, destination common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Admin {
		return ErrUnauthorized
	}

	o, err := e.store.Order(orderKey)
	if err != nil {
		return err
	}
	if o.Remaining() == 0 {
		return ErrOrderCompleted
	}

	now := e.clock.Now().Unix()
	vaultAcct := VaultAccountID(o.VaultKey)

	if o.Side == AssetSeller {
		releasable := o.Available()
		if releasable == 0 {
			return ErrCannotCancel
		}
		if amount == 0 || amount > releasable {
			return ErrInvalidAmount
		}

		dest, err := e.partyAccount(destination, o.Creator, o.Asset)
		if err != nil {
			return err
		}
		if err := e.ledger.Transfer(vaultAcct, dest.ID, amount); err != nil {
			return fmt.Errorf("admin release: %w", err)
		}

		o.TargetAmount = o.FilledAmount + o.ReservedAmount + (releasable - amount)
		o.UpdatedAt = now

		if o.ReservedAmount == 0 && o.Remaining() == 0 {
			o.Status = StatusCancelled
			err = e.store.Update(func(tx Tx) error {
				if err := tx.DeleteVault(o.VaultKey, e.cfg.Admin); err != nil {
					return err
				}
				return tx.DeleteOrder(o.Key, e.cfg.Admin)
			})
			if err != nil {
				_ = e.ledger.Transfer(dest.ID, vaultAcct, amount)
				return err
			}
			_ = e.ledger.CloseAccount(vaultAcct)
		} else {
			if err := e.store.Update(func(tx Tx) error { return tx.PutOrder(o) }); err != nil {
				_ = e.ledger.Transfer(dest.ID, vaultAcct, amount)
				return err
			}
		}

		e.emit(AdminResolved{
			Order: orderKey, Admin: caller, Amount: amount,
			Recipient: o.Creator, Resolution: "order_release", Timestamp: now,
		})
		return nil
	}

	// Buyer-side: nothing custodied outside open tickets. Only finalize.
	if o.ReservedAmount != 0 {
		return ErrCannotCancel
	}
	o.TargetAmount = o.FilledAmount
	o.Status = StatusCancelled
	err = e.store.Update(func(tx Tx) error {
		if err := tx.DeleteVault(o.VaultKey, e.cfg.Admin); err != nil {
			return err
		}
		return tx.DeleteOrder(o.Key, e.cfg.Admin)
	})
	if err != nil {
		return err
	}
	_ = e.ledger.CloseAccount(vaultAcct)

	e.emit(AdminResolved{
		Order: orderKey, Admin: caller, Amount: 0,
		Recipient: o.Creator, Resolution: "order_release", Timestamp: now,
	})
	return nil
}

// ==============================
// Helpers
// ==============================

func (e *Engine) orderAndTicket(orderKey common.Hash, ticketID uint64) (*Order, *Ticket, error) {
	o, err := e.store.Order(orderKey)
	if err != nil {
		return nil, nil, err
	}
	t, err := e.store.Ticket(TicketKey(orderKey, ticketID))
	if err != nil {
		return nil, nil, err
	}
	return o, t, nil
}

// partyAccount fetches an account and verifies it belongs to the expected
// party and carries the expected asset.
func (e *Engine) partyAccount(id, expectedOwner common.Address, asset string) (*ledger.Account, error) {
	acc := e.ledger.Get(id)
	if acc == nil {
		return nil, ErrAccountMismatch
	}
	if acc.Owner != expectedOwner || acc.Asset != asset {
		return nil, ErrAccountMismatch
	}
	return acc, nil
}
