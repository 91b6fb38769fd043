// Package memstore is the in-memory store implementation. It models the
// relational layout with per-row mutexes acquired via TryLock, which gives
// the same NOWAIT semantics the Postgres store gets from FOR UPDATE NOWAIT:
// contended locks fail fast with apperr.Contention and the gateway retries.
//
// Orders are serialized per instrument by a ticker mutex, matching the
// spec's per-instrument admission ordering. Open limit orders are indexed in
// a btree per (ticker, side) ordered by price-time priority.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/model"
	"github.com/KomotsKE/stockMarketProject/pkg/store"
)

type balanceRow struct {
	mu  sync.Mutex
	bal model.Balance
}

type bookKey struct {
	ticker string
	side   model.Direction
}

// Store holds all state behind a structure mutex; balance rows carry their
// own lock so transactions only contend on the rows they touch.
type Store struct {
	mu          sync.Mutex
	users       map[uuid.UUID]*model.User
	byAPIKey    map[string]uuid.UUID
	instruments map[string]model.Instrument
	balances    map[store.BalanceKey]*balanceRow
	orders      map[uuid.UUID]*model.Order
	books       map[bookKey]*btree.BTreeG[*model.Order]
	tickerMu    map[string]*sync.Mutex
	trades      []model.Trade
}

// New returns an empty store with the cash instrument pre-registered.
func New() *Store {
	s := &Store{
		users:       make(map[uuid.UUID]*model.User),
		byAPIKey:    make(map[string]uuid.UUID),
		instruments: make(map[string]model.Instrument),
		balances:    make(map[store.BalanceKey]*balanceRow),
		orders:      make(map[uuid.UUID]*model.Order),
		books:       make(map[bookKey]*btree.BTreeG[*model.Order]),
		tickerMu:    make(map[string]*sync.Mutex),
	}
	s.instruments[model.CashTicker] = model.Instrument{Name: "Russian rouble", Ticker: model.CashTicker}
	return s
}

func (s *Store) book(ticker string, side model.Direction) *btree.BTreeG[*model.Order] {
	k := bookKey{ticker: ticker, side: side}
	b, ok := s.books[k]
	if !ok {
		b = btree.NewG(2, store.PriorityLess)
		s.books[k] = b
	}
	return b
}

// Begin opens a transaction. No locks are taken until the first row access.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	return &memTx{
		s:        s,
		rows:     make(map[store.BalanceKey]*balanceRow),
		staged:   make(map[store.BalanceKey]*model.Balance),
		tickers:  make(map[string]*sync.Mutex),
		copies:   make(map[uuid.UUID]*model.Order),
		inserted: make(map[uuid.UUID]struct{}),
		dirty:    make(map[uuid.UUID]struct{}),
	}, nil
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAPIKey[u.APIKey]; ok {
		return apperr.E(apperr.Validation, "api key already registered")
	}
	cp := *u
	s.users[u.ID] = &cp
	s.byAPIKey[u.APIKey] = u.ID
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return apperr.E(apperr.NotFound, "user %s not found", id)
	}
	delete(s.byAPIKey, u.APIKey)
	delete(s.users, id)
	for k := range s.balances {
		if k.UserID == id {
			delete(s.balances, k)
		}
	}
	for oid, o := range s.orders {
		if o.UserID == id {
			if o.Open() && o.Type == model.Limit {
				s.book(o.Ticker, o.Direction).Delete(o)
			}
			delete(s.orders, oid)
		}
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "user %s not found", id)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByKey(ctx context.Context, apiKey string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAPIKey[apiKey]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "unknown api key")
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) CreateInstrument(ctx context.Context, ins model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instruments[ins.Ticker]; ok {
		return apperr.E(apperr.Validation, "instrument %s already exists", ins.Ticker)
	}
	s.instruments[ins.Ticker] = ins
	return nil
}

func (s *Store) DeleteInstrument(ctx context.Context, ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instruments[ticker]; !ok {
		return apperr.E(apperr.NotFound, "instrument %s not found", ticker)
	}
	delete(s.instruments, ticker)
	// Cascade, mirroring the relational foreign keys.
	for k := range s.balances {
		if k.Ticker == ticker {
			delete(s.balances, k)
		}
	}
	for oid, o := range s.orders {
		if o.Ticker == ticker {
			delete(s.orders, oid)
		}
	}
	delete(s.books, bookKey{ticker: ticker, side: model.Buy})
	delete(s.books, bookKey{ticker: ticker, side: model.Sell})
	return nil
}

func (s *Store) GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ins, ok := s.instruments[ticker]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "instrument %s not found", ticker)
	}
	return &ins, nil
}

func (s *Store) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Instrument, 0, len(s.instruments))
	for _, ins := range s.instruments {
		out = append(out, ins)
	}
	return out, nil
}

func (s *Store) ListBalances(ctx context.Context, userID uuid.UUID) ([]model.Balance, error) {
	s.mu.Lock()
	rows := make([]*balanceRow, 0)
	for k, r := range s.balances {
		if k.UserID == userID {
			rows = append(rows, r)
		}
	}
	s.mu.Unlock()

	// Row locks are taken outside the structure mutex so a commit in
	// flight cannot deadlock against this read.
	out := make([]model.Balance, 0, len(rows))
	for _, r := range rows {
		r.mu.Lock()
		out = append(out, r.bal)
		r.mu.Unlock()
	}
	return out, nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "order %s not found", id)
	}
	return o.Clone(), nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Order, 0)
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o.Clone())
		}
	}
	sortByTimestamp(out)
	return out, nil
}

func (s *Store) OpenOrders(ctx context.Context, ticker string, side model.Direction) ([]*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Order, 0)
	s.book(ticker, side).Ascend(func(o *model.Order) bool {
		out = append(out, o.Clone())
		return true
	})
	return out, nil
}

func (s *Store) ListTrades(ctx context.Context, ticker string, limit int) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Trade, 0)
	for _, t := range s.trades {
		if t.Ticker != ticker {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func sortByTimestamp(orders []*model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Timestamp.Before(orders[j].Timestamp)
	})
}
