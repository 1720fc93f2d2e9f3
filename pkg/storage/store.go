package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/p2pclear/escrowd/params"
	"github.com/p2pclear/escrowd/pkg/escrow"
)

// Store implements escrow.Store over pebble with a full in-memory cache.
// Reads serve from memory; Update stages every write and commits record and
// deposit mutations in one synced batch before touching the cache.
type Store struct {
	mu   sync.Mutex
	db   *pebble.DB
	rent params.Rent

	orders  map[common.Hash]*escrow.Order
	vaults  map[common.Hash]*escrow.Vault
	tickets map[common.Hash]*escrow.Ticket

	deposits       map[common.Address]uint64
	recordDeposits map[common.Hash]uint64
}

func NewStore(path string, rent params.Rent) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:             db,
		rent:           rent,
		orders:         make(map[common.Hash]*escrow.Order),
		vaults:         make(map[common.Hash]*escrow.Vault),
		tickets:        make(map[common.Hash]*escrow.Ticket),
		deposits:       make(map[common.Address]uint64),
		recordDeposits: make(map[common.Hash]uint64),
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) load() error {
	if err := scan(s.db, []byte("ord:"), func(k, v []byte) error {
		var o escrow.Order
		if err := decodeJSON(v, &o); err != nil {
			return err
		}
		s.orders[o.Key] = &o
		return nil
	}); err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	if err := scan(s.db, []byte("vlt:"), func(k, v []byte) error {
		var vault escrow.Vault
		if err := decodeJSON(v, &vault); err != nil {
			return err
		}
		s.vaults[common.BytesToHash(k[4:])] = &vault
		return nil
	}); err != nil {
		return fmt.Errorf("load vaults: %w", err)
	}
	if err := scan(s.db, []byte("tkt:"), func(k, v []byte) error {
		var t escrow.Ticket
		if err := decodeJSON(v, &t); err != nil {
			return err
		}
		s.tickets[t.Key] = &t
		return nil
	}); err != nil {
		return fmt.Errorf("load tickets: %w", err)
	}
	if err := scan(s.db, []byte("rb:"), func(k, v []byte) error {
		s.deposits[common.BytesToAddress(k[3:])] = decodeU64(v)
		return nil
	}); err != nil {
		return fmt.Errorf("load deposit balances: %w", err)
	}
	if err := scan(s.db, []byte("rd:"), func(k, v []byte) error {
		s.recordDeposits[common.BytesToHash(k[3:])] = decodeU64(v)
		return nil
	}); err != nil {
		return fmt.Errorf("load record deposits: %w", err)
	}
	return nil
}

func scan(db *pebble.DB, prefix []byte, fn func(k, v []byte) error) error {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// ==============================
// escrow.Store reads
// ==============================

func (s *Store) Order(key common.Hash) (*escrow.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[key]
	if !ok {
		return nil, escrow.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) Vault(key common.Hash) (*escrow.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vaults[key]
	if !ok {
		return nil, escrow.ErrVaultNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *Store) Ticket(key common.Hash) (*escrow.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[key]
	if !ok {
		return nil, escrow.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) OpenTickets(orderKey common.Hash) ([]*escrow.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*escrow.Ticket
	for _, t := range s.tickets {
		if t.OrderKey == orderKey {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketID < out[j].TicketID })
	return out, nil
}

// Orders returns a snapshot of every live order, for the query API.
func (s *Store) Orders() []*escrow.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*escrow.Order, 0, len(s.orders))
	for _, o := range s.orders {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

func (s *Store) DepositBalance(addr common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deposits[addr]
}

// ==============================
// Transactions
// ==============================

// storeTx stages writes against the committed state. A nil map value marks a
// delete. Nothing is visible to readers until commit.
type storeTx struct {
	s *Store

	orders  map[common.Hash]*escrow.Order
	vaults  map[common.Hash]*escrow.Vault
	tickets map[common.Hash]*escrow.Ticket

	balances       map[common.Address]uint64
	recordDeposits map[common.Hash]*uint64
}

func (s *Store) Update(fn func(tx escrow.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &storeTx{
		s:              s,
		orders:         make(map[common.Hash]*escrow.Order),
		vaults:         make(map[common.Hash]*escrow.Vault),
		tickets:        make(map[common.Hash]*escrow.Ticket),
		balances:       make(map[common.Address]uint64),
		recordDeposits: make(map[common.Hash]*uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *storeTx) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for key, o := range tx.orders {
		if o == nil {
			if err := batch.Delete(kOrder(key), nil); err != nil {
				return err
			}
			continue
		}
		val, err := encodeJSON(o)
		if err != nil {
			return err
		}
		if err := batch.Set(kOrder(key), val, nil); err != nil {
			return err
		}
	}
	for key, v := range tx.vaults {
		if v == nil {
			if err := batch.Delete(kVault(key), nil); err != nil {
				return err
			}
			continue
		}
		val, err := encodeJSON(v)
		if err != nil {
			return err
		}
		if err := batch.Set(kVault(key), val, nil); err != nil {
			return err
		}
	}
	for key, t := range tx.tickets {
		if t == nil {
			if err := batch.Delete(kTicket(key), nil); err != nil {
				return err
			}
			continue
		}
		val, err := encodeJSON(t)
		if err != nil {
			return err
		}
		if err := batch.Set(kTicket(key), val, nil); err != nil {
			return err
		}
	}
	for addr, bal := range tx.balances {
		if err := batch.Set(kRentBal(addr), encodeU64(bal), nil); err != nil {
			return err
		}
	}
	for key, amt := range tx.recordDeposits {
		if amt == nil {
			if err := batch.Delete(kRentRec(key), nil); err != nil {
				return err
			}
			continue
		}
		if err := batch.Set(kRentRec(key), encodeU64(*amt), nil); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for key, o := range tx.orders {
		if o == nil {
			delete(s.orders, key)
		} else {
			s.orders[key] = o
		}
	}
	for key, v := range tx.vaults {
		if v == nil {
			delete(s.vaults, key)
		} else {
			s.vaults[key] = v
		}
	}
	for key, t := range tx.tickets {
		if t == nil {
			delete(s.tickets, key)
		} else {
			s.tickets[key] = t
		}
	}
	for addr, bal := range tx.balances {
		s.deposits[addr] = bal
	}
	for key, amt := range tx.recordDeposits {
		if amt == nil {
			delete(s.recordDeposits, key)
		} else {
			s.recordDeposits[key] = *amt
		}
	}
	return nil
}

// ==============================
// escrow.Tx writes
// ==============================

func (tx *storeTx) CreateOrder(o *escrow.Order, depositPayer common.Address) error {
	if _, live := tx.s.orders[o.Key]; live {
		return escrow.ErrDuplicateOrder
	}
	if err := tx.chargeDeposit(depositPayer, o.Key, tx.s.rent.OrderDeposit); err != nil {
		return err
	}
	cp := *o
	tx.orders[o.Key] = &cp
	return nil
}

func (tx *storeTx) CreateVault(key common.Hash, v *escrow.Vault, depositPayer common.Address) error {
	if _, live := tx.s.vaults[key]; live {
		return escrow.ErrDuplicateOrder
	}
	if err := tx.chargeDeposit(depositPayer, key, tx.s.rent.VaultDeposit); err != nil {
		return err
	}
	cp := *v
	tx.vaults[key] = &cp
	return nil
}

func (tx *storeTx) CreateTicket(t *escrow.Ticket, depositPayer common.Address) error {
	if _, live := tx.s.tickets[t.Key]; live {
		return escrow.ErrDuplicateTicket
	}
	if err := tx.chargeDeposit(depositPayer, t.Key, tx.s.rent.TicketDeposit); err != nil {
		return err
	}
	cp := *t
	tx.tickets[t.Key] = &cp
	return nil
}

func (tx *storeTx) PutOrder(o *escrow.Order) error {
	cp := *o
	tx.orders[o.Key] = &cp
	return nil
}

func (tx *storeTx) PutTicket(t *escrow.Ticket) error {
	cp := *t
	tx.tickets[t.Key] = &cp
	return nil
}

func (tx *storeTx) DeleteOrder(key common.Hash, depositReceiver common.Address) error {
	tx.releaseDeposit(depositReceiver, key)
	tx.orders[key] = nil
	return nil
}

func (tx *storeTx) DeleteVault(key common.Hash, depositReceiver common.Address) error {
	tx.releaseDeposit(depositReceiver, key)
	tx.vaults[key] = nil
	return nil
}

func (tx *storeTx) DeleteTicket(key common.Hash, depositReceiver common.Address) error {
	tx.releaseDeposit(depositReceiver, key)
	tx.tickets[key] = nil
	return nil
}
