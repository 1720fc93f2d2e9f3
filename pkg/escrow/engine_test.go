package escrow_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/p2pclear/escrowd/params"
	"github.com/p2pclear/escrowd/pkg/escrow"
	"github.com/p2pclear/escrowd/pkg/ledger"
	"github.com/p2pclear/escrowd/pkg/storage"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol = common.HexToAddress("0xCC00000000000000000000000000000000000000")
	admin = common.HexToAddress("0xAD00000000000000000000000000000000000000")
)

const (
	asset = "USDT"
	unit  = 1_000_000 // 6 decimals
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// testEnv wires an engine against real pebble-backed stores in temp dirs.
type testEnv struct {
	t      *testing.T
	engine *escrow.Engine
	ledger *ledger.Ledger
	store  *storage.Store
	clock  *fakeClock
	events []escrow.Event
}

const (
	orderDeposit  = 300
	vaultDeposit  = 200
	ticketDeposit = 100
	adminStake    = 1_000_000
)

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, escrow.Config{
		Admin:          admin,
		DustThreshold:  10,
		FillCooldown:   0,
		MaxFillsPerDay: 70,
	})
}

func newTestEnvWith(t *testing.T, cfg escrow.Config) *testEnv {
	dir := t.TempDir()

	lgr, err := ledger.NewLedger(filepath.Join(dir, "ledger"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { lgr.Close() })

	store, err := storage.NewStore(filepath.Join(dir, "records"), params.Rent{
		OrderDeposit:  orderDeposit,
		VaultDeposit:  vaultDeposit,
		TicketDeposit: ticketDeposit,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.FundDeposits(cfg.Admin, adminStake); err != nil {
		t.Fatalf("fund deposits: %v", err)
	}

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	env := &testEnv{t: t, ledger: lgr, store: store, clock: clock}

	env.engine = escrow.NewEngine(cfg, store, lgr, clock, nil)
	env.engine.SetEmitter(escrow.EmitterFunc(func(ev escrow.Event) {
		env.events = append(env.events, ev)
	}))
	return env
}

// fund opens owner's canonical account and credits it.
func (e *testEnv) fund(owner common.Address, amount uint64) common.Address {
	e.t.Helper()
	id := ledger.DeriveAccountID(owner, asset)
	if _, err := e.ledger.Open(id, owner, asset); err != nil {
		e.t.Fatalf("open account: %v", err)
	}
	if amount > 0 {
		if err := e.ledger.Mint(id, amount); err != nil {
			e.t.Fatalf("mint: %v", err)
		}
	}
	return id
}

func (e *testEnv) balance(id common.Address) uint64 { return e.ledger.BalanceOf(id) }

func (e *testEnv) feeBalance() uint64 {
	return e.balance(ledger.DeriveAccountID(admin, asset))
}

func (e *testEnv) sellOrder(creator common.Address, orderID, target uint64) common.Hash {
	e.t.Helper()
	funding := e.fund(creator, target)
	key, err := e.engine.CreateOrder(creator, asset, orderID, target, target*2, escrow.AssetSeller, funding)
	if err != nil {
		e.t.Fatalf("create seller order: %v", err)
	}
	return key
}

func (e *testEnv) buyOrder(creator common.Address, orderID, target uint64) common.Hash {
	e.t.Helper()
	key, err := e.engine.CreateOrder(creator, asset, orderID, target, target*2, escrow.CurrencyBuyer, common.Address{})
	if err != nil {
		e.t.Fatalf("create buyer order: %v", err)
	}
	return key
}

func (e *testEnv) eventTypes() []string {
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.EventType()
	}
	return out
}

// ==============================
// Order creation
// ==============================

func TestCreateSellerOrderFundsVault(t *testing.T) {
	env := newTestEnv(t)
	funding := env.fund(alice, 10*unit)

	key, err := env.engine.CreateOrder(alice, asset, 1, 10*unit, 20*unit, escrow.AssetSeller, funding)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	o, err := env.engine.GetOrder(key)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.TargetAmount != 10*unit || o.FilledAmount != 0 || o.ReservedAmount != 0 {
		t.Errorf("wrong totals: target=%d filled=%d reserved=%d", o.TargetAmount, o.FilledAmount, o.ReservedAmount)
	}
	if got := env.balance(funding); got != 0 {
		t.Errorf("funding account not drained: got %d", got)
	}
	if got, _ := env.engine.VaultBalance(key); got != 10*unit {
		t.Errorf("vault balance: got %d, want %d", got, 10*unit)
	}
}

func TestCreateOrderDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.sellOrder(alice, 1, 10*unit)

	funding := env.fund(alice, 10*unit)
	_, err := env.engine.CreateOrder(alice, asset, 1, 10*unit, 0, escrow.AssetSeller, funding)
	if !errors.Is(err, escrow.ErrDuplicateOrder) {
		t.Errorf("got %v, want ErrDuplicateOrder", err)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	funding := env.fund(alice, unit)

	if _, err := env.engine.CreateOrder(alice, asset, 1, 0, 0, escrow.AssetSeller, funding); !errors.Is(err, escrow.ErrInvalidAmount) {
		t.Errorf("zero target: got %v, want ErrInvalidAmount", err)
	}
	if _, err := env.engine.CreateOrder(alice, asset, 1, 5*unit, 0, escrow.AssetSeller, funding); !errors.Is(err, escrow.ErrInsufficientBalance) {
		t.Errorf("underfunded: got %v, want ErrInsufficientBalance", err)
	}
	// Funding account owned by someone else.
	bobAcct := env.fund(bob, 10*unit)
	if _, err := env.engine.CreateOrder(alice, asset, 1, 5*unit, 0, escrow.AssetSeller, bobAcct); !errors.Is(err, escrow.ErrAccountMismatch) {
		t.Errorf("foreign funding: got %v, want ErrAccountMismatch", err)
	}
}

func TestBuyerOrderVaultStartsEmpty(t *testing.T) {
	env := newTestEnv(t)
	key := env.buyOrder(alice, 1, 10*unit)

	if got, _ := env.engine.VaultBalance(key); got != 0 {
		t.Errorf("vault balance: got %d, want 0", got)
	}
}

// ==============================
// Reservation
// ==============================

func TestAcceptTicketReservesCapacity(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 6*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	o, _ := env.engine.GetOrder(key)
	if o.ReservedAmount != 6*unit {
		t.Errorf("reserved: got %d, want %d", o.ReservedAmount, 6*unit)
	}
	if o.Available() != 4*unit {
		t.Errorf("available: got %d, want %d", o.Available(), 4*unit)
	}
}

// Two tickets of 6 against a 10-capacity order: the second must fail.
func TestAcceptTicketOverAvailable(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 6*unit, common.Address{}); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	_, err := env.engine.AcceptTicket(carol, key, 2, 6*unit, common.Address{})
	if !errors.Is(err, escrow.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestAcceptTicketRejectsCreatorAndDuplicates(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)

	if _, err := env.engine.AcceptTicket(alice, key, 1, unit, common.Address{}); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Errorf("self-accept: got %v, want ErrUnauthorized", err)
	}
	if _, err := env.engine.AcceptTicket(bob, key, 1, unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.engine.AcceptTicket(carol, key, 1, unit, common.Address{}); !errors.Is(err, escrow.ErrDuplicateTicket) {
		t.Errorf("duplicate id: got %v, want ErrDuplicateTicket", err)
	}
}

func TestBuyerSideAcceptFundsVault(t *testing.T) {
	env := newTestEnv(t)
	key := env.buyOrder(alice, 1, 10*unit)
	bobAcct := env.fund(bob, 10*unit)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 10*unit, bobAcct); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if got := env.balance(bobAcct); got != 0 {
		t.Errorf("acceptor account: got %d, want 0", got)
	}
	if got, _ := env.engine.VaultBalance(key); got != 10*unit {
		t.Errorf("vault balance: got %d, want %d", got, 10*unit)
	}
}

func TestBuyerSideAcceptUnderfunded(t *testing.T) {
	env := newTestEnv(t)
	key := env.buyOrder(alice, 1, 10*unit)
	bobAcct := env.fund(bob, unit)

	_, err := env.engine.AcceptTicket(bob, key, 1, 5*unit, bobAcct)
	if !errors.Is(err, escrow.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

// ==============================
// Dual confirmation and settlement
// ==============================

// Seller order of 10, single full ticket, both confirm: payer nets 9.98,
// the fee account gets 0.02, and order plus vault are gone.
func TestFullSettlementWithFee(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)
	bobAcct := env.fund(bob, 0)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 10*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// bob pays off-ledger currency, so bob confirms first
	if err := env.engine.SignTicket(bob, key, 1, common.Address{}); err != nil {
		t.Fatalf("payer sign: %v", err)
	}
	if err := env.engine.SignTicket(alice, key, 1, bobAcct); err != nil {
		t.Fatalf("holder sign: %v", err)
	}

	if got := env.balance(bobAcct); got != 9_980_000 {
		t.Errorf("payer received: got %d, want 9980000", got)
	}
	if got := env.feeBalance(); got != 20_000 {
		t.Errorf("fee account: got %d, want 20000", got)
	}
	if _, err := env.engine.GetOrder(key); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Errorf("order should be destroyed, got %v", err)
	}
	if _, err := env.store.Vault(escrow.VaultKey(key)); !errors.Is(err, escrow.ErrVaultNotFound) {
		t.Errorf("vault should be destroyed, got %v", err)
	}
	// All storage deposits flowed back to the custodian.
	if got := env.store.DepositBalance(admin); got != adminStake {
		t.Errorf("admin deposits: got %d, want %d", got, adminStake)
	}

	// The holder's confirmation is emitted before the settlement it caused.
	want := []string{"order_created", "ticket_accepted", "ticket_signed", "ticket_signed", "ticket_settled", "order_closed"}
	got := env.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d]: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSignOrderEnforced(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)
	if _, err := env.engine.AcceptTicket(bob, key, 1, 10*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Holder cannot settle before the payer confirms.
	bobAcct := env.fund(bob, 0)
	if err := env.engine.SignTicket(alice, key, 1, bobAcct); !errors.Is(err, escrow.ErrSignatureRequired) {
		t.Errorf("holder first: got %v, want ErrSignatureRequired", err)
	}
	// Third parties cannot sign at all.
	if err := env.engine.SignTicket(carol, key, 1, common.Address{}); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Errorf("stranger: got %v, want ErrUnauthorized", err)
	}

	if err := env.engine.SignTicket(bob, key, 1, common.Address{}); err != nil {
		t.Fatalf("payer sign: %v", err)
	}
	// Double payer confirmation is rejected.
	if err := env.engine.SignTicket(bob, key, 1, common.Address{}); !errors.Is(err, escrow.ErrRaceCondition) {
		t.Errorf("double sign: got %v, want ErrRaceCondition", err)
	}
}

func TestPartialFillLeavesOrderOpen(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)
	bobAcct := env.fund(bob, 0)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 4*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.SignTicket(bob, key, 1, common.Address{}); err != nil {
		t.Fatalf("payer sign: %v", err)
	}
	if err := env.engine.SignTicket(alice, key, 1, bobAcct); err != nil {
		t.Fatalf("holder sign: %v", err)
	}

	o, err := env.engine.GetOrder(key)
	if err != nil {
		t.Fatalf("order should survive partial fill: %v", err)
	}
	if o.FilledAmount != 4*unit || o.ReservedAmount != 0 {
		t.Errorf("totals after fill: filled=%d reserved=%d", o.FilledAmount, o.ReservedAmount)
	}
	if o.Remaining() != 6*unit {
		t.Errorf("remaining: got %d, want %d", o.Remaining(), 6*unit)
	}
	if got, _ := env.engine.VaultBalance(key); got != 6*unit {
		t.Errorf("vault balance: got %d, want %d", got, 6*unit)
	}
	if _, err := env.engine.GetTicket(key, 1); !errors.Is(err, escrow.ErrTicketNotFound) {
		t.Errorf("ticket should be destroyed, got %v", err)
	}
}

// Settlement that leaves only dust behind destroys the order and pays the
// seller-side remainder to the creator.
func TestSettlementAutoCloseOnDust(t *testing.T) {
	env := newTestEnvWith(t, escrow.Config{
		Admin:          admin,
		DustThreshold:  5,
		MaxFillsPerDay: 70,
	})
	key := env.sellOrder(alice, 1, 10*unit)
	aliceAcct := ledger.DeriveAccountID(alice, asset)
	bobAcct := env.fund(bob, 0)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 10*unit-3, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.SignTicket(bob, key, 1, common.Address{}); err != nil {
		t.Fatalf("payer sign: %v", err)
	}
	if err := env.engine.SignTicket(alice, key, 1, bobAcct); err != nil {
		t.Fatalf("holder sign: %v", err)
	}

	if _, err := env.engine.GetOrder(key); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Errorf("order should auto-close, got %v", err)
	}
	// The 3-unit dust remainder went back to the creator.
	if got := env.balance(aliceAcct); got != 3 {
		t.Errorf("creator dust refund: got %d, want 3", got)
	}
}

// ==============================
// Ticket cancellation
// ==============================

// Seller order fully reserved and then cancelled by the acceptor: no money
// moves to the acceptor, and the whole escrow returns to the creator.
func TestCancelTicketClosesSellerOrder(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 20*unit)
	aliceAcct := ledger.DeriveAccountID(alice, asset)
	bobAcct := env.fund(bob, 0)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 20*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.CancelTicket(bob, key, 1, common.Address{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := env.balance(bobAcct); got != 0 {
		t.Errorf("acceptor balance changed: got %d", got)
	}
	if got := env.balance(aliceAcct); got != 20*unit {
		t.Errorf("creator refund: got %d, want %d", got, 20*unit)
	}
	if _, err := env.engine.GetOrder(key); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Errorf("order should close, got %v", err)
	}
	// Ticket deposit goes to the canceller, order and vault deposits back to
	// the custodian. The custodian funded all three, so it stays down by the
	// ticket deposit it ceded to bob.
	if got := env.store.DepositBalance(bob); got != ticketDeposit {
		t.Errorf("canceller deposit: got %d, want %d", got, ticketDeposit)
	}
	if got := env.store.DepositBalance(admin); got != adminStake-ticketDeposit {
		t.Errorf("admin deposits: got %d, want %d", got, adminStake-ticketDeposit)
	}
}

func TestCancelTicketReturnsBuyerFunds(t *testing.T) {
	env := newTestEnv(t)
	key := env.buyOrder(alice, 1, 10*unit)
	bobAcct := env.fund(bob, 10*unit)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 10*unit, bobAcct); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.CancelTicket(bob, key, 1, bobAcct); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := env.balance(bobAcct); got != 10*unit {
		t.Errorf("acceptor refund: got %d, want %d", got, 10*unit)
	}
	if _, err := env.engine.GetOrder(key); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Errorf("order should close, got %v", err)
	}
}

func TestCancelTicketBlockedAfterPayerSigned(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 10*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.SignTicket(bob, key, 1, common.Address{}); err != nil {
		t.Fatalf("payer sign: %v", err)
	}

	if err := env.engine.CancelTicket(bob, key, 1, common.Address{}); !errors.Is(err, escrow.ErrCannotCancel) {
		t.Errorf("got %v, want ErrCannotCancel", err)
	}
}

func TestCancelTicketAuthz(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 5*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.CancelTicket(carol, key, 1, common.Address{}); !errors.Is(err, escrow.ErrCannotCancel) {
		t.Errorf("stranger cancel: got %v, want ErrCannotCancel", err)
	}
	// The order creator may cancel an acceptor's ticket.
	if err := env.engine.CancelTicket(alice, key, 1, common.Address{}); err != nil {
		t.Errorf("creator cancel: %v", err)
	}
}

// ==============================
// Order cancellation and close
// ==============================

func TestCancelOrderReleasesAvailable(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)
	aliceAcct := ledger.DeriveAccountID(alice, asset)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 3*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.CancelOrder(alice, key, aliceAcct); err != nil {
		t.Fatalf("cancel order: %v", err)
	}

	// 7 released, target shrunk to the reserved amount, order still live.
	if got := env.balance(aliceAcct); got != 7*unit {
		t.Errorf("released: got %d, want %d", got, 7*unit)
	}
	o, err := env.engine.GetOrder(key)
	if err != nil {
		t.Fatalf("order should survive with open ticket: %v", err)
	}
	if o.TargetAmount != 3*unit || o.Available() != 0 {
		t.Errorf("after cancel: target=%d available=%d", o.TargetAmount, o.Available())
	}
}

func TestCancelOrderWithoutReservationsDestroys(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)
	aliceAcct := ledger.DeriveAccountID(alice, asset)

	if err := env.engine.CancelOrder(alice, key, aliceAcct); err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if got := env.balance(aliceAcct); got != 10*unit {
		t.Errorf("refund: got %d, want %d", got, 10*unit)
	}
	if _, err := env.engine.GetOrder(key); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Errorf("order should be destroyed, got %v", err)
	}
}

// Buyer order fully reserved: the creator cannot pull the rug out.
func TestCancelOrderBlockedWhileFullyReserved(t *testing.T) {
	env := newTestEnv(t)
	key := env.buyOrder(alice, 1, 10*unit)
	bobAcct := env.fund(bob, 10*unit)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 10*unit, bobAcct); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.CancelOrder(alice, key, common.Address{}); !errors.Is(err, escrow.ErrCannotCancel) {
		t.Errorf("got %v, want ErrCannotCancel", err)
	}
}

func TestCancelOrderAuthz(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)

	if err := env.engine.CancelOrder(bob, key, common.Address{}); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestCloseOrderDustRule(t *testing.T) {
	env := newTestEnvWith(t, escrow.Config{
		Admin:          admin,
		DustThreshold:  5,
		MaxFillsPerDay: 70,
	})
	key := env.sellOrder(alice, 1, 10*unit)
	aliceAcct := ledger.DeriveAccountID(alice, asset)
	bobAcct := env.fund(bob, 0)

	// Remaining far above dust: close refused.
	if err := env.engine.CloseOrder(alice, key); !errors.Is(err, escrow.ErrCannotCancel) {
		t.Errorf("above dust: got %v, want ErrCannotCancel", err)
	}

	// Fill down to 3 remaining (dust threshold is 5).
	if _, err := env.engine.AcceptTicket(bob, key, 1, 10*unit-3, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.CloseOrder(alice, key); !errors.Is(err, escrow.ErrCannotCancel) {
		t.Errorf("with open ticket: got %v, want ErrCannotCancel", err)
	}
	if err := env.engine.SignTicket(bob, key, 1, common.Address{}); err != nil {
		t.Fatalf("payer sign: %v", err)
	}
	if err := env.engine.SignTicket(alice, key, 1, bobAcct); err != nil {
		t.Fatalf("holder sign: %v", err)
	}

	// Settlement auto-closed already (remaining 3 <= dust 5), so nothing left.
	if _, err := env.engine.GetOrder(key); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Fatalf("order should be gone, got %v", err)
	}
	if got := env.balance(aliceAcct); got != 3 {
		t.Errorf("creator dust: got %d, want 3", got)
	}
}

func TestCloseOrderExplicit(t *testing.T) {
	// Dust threshold above the whole target so an untouched order can close.
	env := newTestEnvWith(t, escrow.Config{
		Admin:          admin,
		DustThreshold:  10 * unit,
		MaxFillsPerDay: 70,
	})
	key := env.sellOrder(alice, 1, 10*unit)
	aliceAcct := ledger.DeriveAccountID(alice, asset)

	if err := env.engine.CloseOrder(bob, key); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Errorf("stranger close: got %v, want ErrUnauthorized", err)
	}
	if err := env.engine.CloseOrder(admin, key); err != nil {
		t.Fatalf("admin close: %v", err)
	}

	if got := env.balance(aliceAcct); got != 10*unit {
		t.Errorf("creator refund: got %d, want %d", got, 10*unit)
	}
	// Closer collects the storage deposits.
	if got := env.store.DepositBalance(admin); got != adminStake {
		t.Errorf("closer deposits: got %d, want %d", got, adminStake)
	}
}

// ==============================
// Rate limiting
// ==============================

func TestRateLimitCooldown(t *testing.T) {
	env := newTestEnvWith(t, escrow.Config{
		Admin:          admin,
		DustThreshold:  10,
		FillCooldown:   2 * time.Second,
		MaxFillsPerDay: 70,
	})
	key := env.sellOrder(alice, 1, 10*unit)

	// First reservation is never throttled.
	if _, err := env.engine.AcceptTicket(bob, key, 1, unit, common.Address{}); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := env.engine.AcceptTicket(carol, key, 2, unit, common.Address{}); !errors.Is(err, escrow.ErrRateLimited) {
		t.Errorf("inside cooldown: got %v, want ErrRateLimited", err)
	}

	env.clock.advance(2 * time.Second)
	if _, err := env.engine.AcceptTicket(carol, key, 2, unit, common.Address{}); err != nil {
		t.Errorf("after cooldown: %v", err)
	}
}

func TestRateLimitDailyCap(t *testing.T) {
	env := newTestEnvWith(t, escrow.Config{
		Admin:          admin,
		DustThreshold:  10,
		FillCooldown:   time.Second,
		MaxFillsPerDay: 3,
	})
	key := env.sellOrder(alice, 1, 100*unit)

	for i := uint64(1); i <= 3; i++ {
		env.clock.advance(time.Minute)
		if _, err := env.engine.AcceptTicket(bob, key, i, unit, common.Address{}); err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
	}

	env.clock.advance(time.Minute)
	if _, err := env.engine.AcceptTicket(bob, key, 4, unit, common.Address{}); !errors.Is(err, escrow.ErrRateLimited) {
		t.Errorf("over daily cap: got %v, want ErrRateLimited", err)
	}

	// A fresh 24h window resets the count.
	env.clock.advance(24 * time.Hour)
	if _, err := env.engine.AcceptTicket(bob, key, 4, unit, common.Address{}); err != nil {
		t.Errorf("new window: %v", err)
	}
}

// ==============================
// Admin override
// ==============================

func TestAdminResolveTicketRelease(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)
	bobAcct := env.fund(bob, 0)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 10*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := env.engine.AdminResolveTicket(bob, key, 1, true, bobAcct); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Errorf("non-admin: got %v, want ErrUnauthorized", err)
	}
	if err := env.engine.AdminResolveTicket(admin, key, 1, true, bobAcct); err != nil {
		t.Fatalf("admin release: %v", err)
	}

	// Same economics as a normal settlement, fee included.
	if got := env.balance(bobAcct); got != 9_980_000 {
		t.Errorf("payer received: got %d, want 9980000", got)
	}
	if got := env.feeBalance(); got != 20_000 {
		t.Errorf("fee account: got %d, want 20000", got)
	}
	if _, err := env.engine.GetOrder(key); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Errorf("order should auto-close, got %v", err)
	}
}

// Refund override on a seller order: holder (creator) gets the amount back
// with no fee and the target shrinks by the refunded amount.
func TestAdminResolveTicketRefund(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 12*unit)
	aliceAcct := ledger.DeriveAccountID(alice, asset)

	if _, err := env.engine.AcceptTicket(bob, key, 1, 5*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.AdminResolveTicket(admin, key, 1, false, aliceAcct); err != nil {
		t.Fatalf("admin refund: %v", err)
	}

	if got := env.balance(aliceAcct); got != 5*unit {
		t.Errorf("creator refund: got %d, want %d", got, 5*unit)
	}
	if got := env.feeBalance(); got != 0 {
		t.Errorf("fee charged on refund: got %d", got)
	}
	o, err := env.engine.GetOrder(key)
	if err != nil {
		t.Fatalf("order should survive: %v", err)
	}
	if o.TargetAmount != 7*unit || o.ReservedAmount != 0 {
		t.Errorf("after refund: target=%d reserved=%d", o.TargetAmount, o.ReservedAmount)
	}
	if got, _ := env.engine.VaultBalance(key); got != 7*unit {
		t.Errorf("vault balance: got %d, want %d", got, 7*unit)
	}
}

func TestAdminResolveOrderRelease(t *testing.T) {
	env := newTestEnv(t)
	key := env.sellOrder(alice, 1, 10*unit)
	aliceAcct := ledger.DeriveAccountID(alice, asset)

	if err := env.engine.AdminResolveOrder(admin, key, 4*unit, aliceAcct); err != nil {
		t.Fatalf("admin release: %v", err)
	}
	o, err := env.engine.GetOrder(key)
	if err != nil {
		t.Fatalf("order should survive partial release: %v", err)
	}
	if o.TargetAmount != 6*unit {
		t.Errorf("target: got %d, want %d", o.TargetAmount, 6*unit)
	}
	if got := env.balance(aliceAcct); got != 4*unit {
		t.Errorf("released: got %d, want %d", got, 4*unit)
	}

	// Releasing the rest destroys the order.
	if err := env.engine.AdminResolveOrder(admin, key, 6*unit, aliceAcct); err != nil {
		t.Fatalf("admin release rest: %v", err)
	}
	if _, err := env.engine.GetOrder(key); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Errorf("order should be destroyed, got %v", err)
	}
}

func TestAdminResolveOrderBuyerFinalize(t *testing.T) {
	env := newTestEnv(t)
	key := env.buyOrder(alice, 1, 10*unit)

	if err := env.engine.AdminResolveOrder(admin, key, 0, common.Address{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := env.engine.GetOrder(key); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Errorf("order should be destroyed, got %v", err)
	}
}

// ==============================
// Conservation
// ==============================

// The sum of all ledger balances never changes across escrow operations:
// funds only move, they are never created or destroyed by the engine.
func TestFundConservation(t *testing.T) {
	env := newTestEnv(t)
	aliceAcct := env.fund(alice, 50*unit)
	bobAcct := env.fund(bob, 50*unit)
	feeAcct := ledger.DeriveAccountID(admin, asset)

	total := func(key common.Hash) uint64 {
		sum := env.balance(aliceAcct) + env.balance(bobAcct) + env.balance(feeAcct)
		if vb, err := env.engine.VaultBalance(key); err == nil {
			sum += vb
		}
		return sum
	}

	key, err := env.engine.CreateOrder(alice, asset, 1, 30*unit, 0, escrow.AssetSeller, aliceAcct)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := total(key); got != 100*unit {
		t.Fatalf("after create: total %d", got)
	}

	if _, err := env.engine.AcceptTicket(bob, key, 1, 12*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.engine.SignTicket(bob, key, 1, common.Address{}); err != nil {
		t.Fatalf("payer sign: %v", err)
	}
	if err := env.engine.SignTicket(alice, key, 1, bobAcct); err != nil {
		t.Fatalf("holder sign: %v", err)
	}
	if got := total(key); got != 100*unit {
		t.Fatalf("after settle: total %d", got)
	}

	if err := env.engine.CancelOrder(alice, key, aliceAcct); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := total(key); got != 100*unit {
		t.Fatalf("after cancel: total %d", got)
	}
}

// ==============================
// Matched-offer entry point
// ==============================

// A matched seller-side offer creates order, vault and a fully-reserving
// first ticket in one step, then settles through the normal confirmations.
func TestAcceptOfferAndLockSeller(t *testing.T) {
	env := newTestEnv(t)
	funding := env.fund(alice, 10*unit)
	bobAcct := env.fund(bob, 0)

	orderKey, ticketKey, err := env.engine.AcceptOfferAndLock(
		alice, alice, bob, asset, 1, 1, 10*unit, 20*unit, escrow.AssetSeller, funding)
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}

	o, err := env.engine.GetOrder(orderKey)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.ReservedAmount != 10*unit || o.Available() != 0 {
		t.Errorf("reservation: reserved=%d available=%d", o.ReservedAmount, o.Available())
	}
	tk, err := env.engine.GetTicket(orderKey, 1)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if tk.Key != ticketKey || tk.Acceptor != bob || tk.Amount != 10*unit {
		t.Errorf("ticket: key=%s acceptor=%s amount=%d", tk.Key.Hex(), tk.Acceptor.Hex(), tk.Amount)
	}
	if got, _ := env.engine.VaultBalance(orderKey); got != 10*unit {
		t.Errorf("vault balance: got %d, want %d", got, 10*unit)
	}
	if got := env.balance(funding); got != 0 {
		t.Errorf("locker funding drained: got %d", got)
	}
	if got := env.eventTypes()[0]; got != "offer_accepted" {
		t.Errorf("first event: got %s, want offer_accepted", got)
	}

	// The locked ticket settles like any other: bob pays off-ledger and
	// confirms, alice's confirmation releases with the fee split.
	if err := env.engine.SignTicket(bob, orderKey, 1, common.Address{}); err != nil {
		t.Fatalf("payer sign: %v", err)
	}
	if err := env.engine.SignTicket(alice, orderKey, 1, bobAcct); err != nil {
		t.Fatalf("holder sign: %v", err)
	}
	if got := env.balance(bobAcct); got != 9_980_000 {
		t.Errorf("payer received: got %d, want 9980000", got)
	}
	if _, err := env.engine.GetOrder(orderKey); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Errorf("order should close on full fill, got %v", err)
	}
	if got := env.store.DepositBalance(admin); got != adminStake {
		t.Errorf("admin deposits: got %d, want %d", got, adminStake)
	}
}

// Buyer-side offers are locked by the accepting asset holder, who becomes
// the ticket's acceptor; the creator is the payer.
func TestAcceptOfferAndLockBuyer(t *testing.T) {
	env := newTestEnv(t)
	funding := env.fund(bob, 10*unit)

	orderKey, _, err := env.engine.AcceptOfferAndLock(
		bob, alice, common.Address{}, asset, 1, 1, 10*unit, 20*unit, escrow.CurrencyBuyer, funding)
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}

	tk, err := env.engine.GetTicket(orderKey, 1)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if tk.Acceptor != bob {
		t.Errorf("acceptor: got %s, want locker", tk.Acceptor.Hex())
	}
	if got, _ := env.engine.VaultBalance(orderKey); got != 10*unit {
		t.Errorf("vault balance: got %d, want %d", got, 10*unit)
	}

	// Cancelling the only ticket unwinds everything back to the locker.
	if err := env.engine.CancelTicket(bob, orderKey, 1, funding); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := env.balance(funding); got != 10*unit {
		t.Errorf("locker refund: got %d, want %d", got, 10*unit)
	}
	if _, err := env.engine.GetOrder(orderKey); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Errorf("order should close, got %v", err)
	}
}

func TestAcceptOfferAndLockValidation(t *testing.T) {
	env := newTestEnv(t)
	funding := env.fund(alice, 20*unit)
	bobAcct := env.fund(bob, unit)

	cases := []struct {
		name   string
		locker common.Address
		target uint64
		ref    uint64
		ticket uint64
		side   escrow.Side
		fund   common.Address
		want   error
	}{
		{"zero target", alice, 0, 20 * unit, 1, escrow.AssetSeller, funding, escrow.ErrInvalidAmount},
		{"zero ref", alice, 10 * unit, 0, 1, escrow.AssetSeller, funding, escrow.ErrInvalidAmount},
		{"zero ticket id", alice, 10 * unit, 20 * unit, 0, escrow.AssetSeller, funding, escrow.ErrInvalidAmount},
		{"seller locker not creator", bob, 10 * unit, 20 * unit, 1, escrow.AssetSeller, bobAcct, escrow.ErrUnauthorized},
		{"buyer locker is creator", alice, 10 * unit, 20 * unit, 1, escrow.CurrencyBuyer, funding, escrow.ErrUnauthorized},
		{"underfunded locker", bob, 10 * unit, 20 * unit, 1, escrow.CurrencyBuyer, bobAcct, escrow.ErrInsufficientBalance},
	}
	for _, c := range cases {
		_, _, err := env.engine.AcceptOfferAndLock(
			c.locker, alice, bob, asset, 7, c.ticket, c.target, c.ref, c.side, c.fund)
		if !errors.Is(err, c.want) {
			t.Errorf("%s: got %v, want %v", c.name, err, c.want)
		}
	}

	// Self-dealing on the seller side is rejected.
	if _, _, err := env.engine.AcceptOfferAndLock(
		alice, alice, alice, asset, 7, 1, 10*unit, 20*unit, escrow.AssetSeller, funding); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Errorf("self counterparty: got %v, want ErrUnauthorized", err)
	}

	// Duplicate order key.
	if _, _, err := env.engine.AcceptOfferAndLock(
		alice, alice, bob, asset, 8, 1, 10*unit, 20*unit, escrow.AssetSeller, funding); err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	if _, _, err := env.engine.AcceptOfferAndLock(
		alice, alice, bob, asset, 8, 2, 5*unit, 20*unit, escrow.AssetSeller, funding); !errors.Is(err, escrow.ErrDuplicateOrder) {
		t.Errorf("duplicate: got %v, want ErrDuplicateOrder", err)
	}
}

// ==============================
// Query isolation
// ==============================

// slowCommitStore holds a transition inside Update once armed, so the test
// can check that readers wait for the commit instead of observing the
// ledger and record store out of step.
type slowCommitStore struct {
	*storage.Store
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (s *slowCommitStore) Update(fn func(tx escrow.Tx) error) error {
	if s.armed {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.Store.Update(fn)
}

func TestQueriesWaitForTransitionCommit(t *testing.T) {
	dir := t.TempDir()
	lgr, err := ledger.NewLedger(filepath.Join(dir, "ledger"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { lgr.Close() })
	store, err := storage.NewStore(filepath.Join(dir, "records"), params.Rent{
		OrderDeposit:  orderDeposit,
		VaultDeposit:  vaultDeposit,
		TicketDeposit: ticketDeposit,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.FundDeposits(admin, adminStake); err != nil {
		t.Fatalf("fund deposits: %v", err)
	}

	slow := &slowCommitStore{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	engine := escrow.NewEngine(escrow.Config{Admin: admin, DustThreshold: 10, MaxFillsPerDay: 70}, slow, lgr, clock, nil)

	aliceAcct := ledger.DeriveAccountID(alice, asset)
	if _, err := lgr.Open(aliceAcct, alice, asset); err != nil {
		t.Fatalf("open account: %v", err)
	}
	if err := lgr.Mint(aliceAcct, 10*unit); err != nil {
		t.Fatalf("mint: %v", err)
	}
	bobAcct := ledger.DeriveAccountID(bob, asset)
	if _, err := lgr.Open(bobAcct, bob, asset); err != nil {
		t.Fatalf("open account: %v", err)
	}

	key, err := engine.CreateOrder(alice, asset, 1, 10*unit, 20*unit, escrow.AssetSeller, aliceAcct)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.AcceptTicket(bob, key, 1, 4*unit, common.Address{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := engine.SignTicket(bob, key, 1, common.Address{}); err != nil {
		t.Fatalf("payer sign: %v", err)
	}

	// Hold the holder's settlement between its ledger transfers and the
	// record commit, then query concurrently.
	slow.armed = true
	settle := make(chan error, 1)
	go func() { settle <- engine.SignTicket(alice, key, 1, bobAcct) }()
	<-slow.entered

	observed := make(chan uint64, 1)
	go func() {
		bal, err := engine.VaultBalance(key)
		if err != nil {
			t.Errorf("concurrent vault query: %v", err)
		}
		observed <- bal
	}()

	select {
	case bal := <-observed:
		t.Fatalf("query returned mid-transition: vault=%d", bal)
	case <-time.After(50 * time.Millisecond):
	}

	slow.armed = false
	close(slow.release)
	if err := <-settle; err != nil {
		t.Fatalf("holder sign: %v", err)
	}

	// The reader only ran after the commit, so the vault-balance law holds:
	// 10 target minus 4 filled leaves 6 still custodied.
	if bal := <-observed; bal != 6*unit {
		t.Errorf("vault after settle: got %d, want %d", bal, 6*unit)
	}
	o, err := engine.GetOrder(key)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.TargetAmount-o.FilledAmount != 6*unit {
		t.Errorf("target-filled: got %d, want %d", o.TargetAmount-o.FilledAmount, 6*unit)
	}
}
