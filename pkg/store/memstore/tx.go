package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/model"
	"github.com/KomotsKE/stockMarketProject/pkg/store"
)

// memTx stages every mutation and applies the whole set on Commit. Row and
// ticker locks are held from first acquisition until Commit or Rollback;
// acquisition never blocks, it fails with apperr.Contention instead.
type memTx struct {
	s    *Store
	done bool

	rows   map[store.BalanceKey]*balanceRow
	staged map[store.BalanceKey]*model.Balance

	tickers  map[string]*sync.Mutex
	copies   map[uuid.UUID]*model.Order
	inserted map[uuid.UUID]struct{}
	dirty    map[uuid.UUID]struct{}
	order    []uuid.UUID
	trades   []model.Trade
}

func (tx *memTx) LockBalances(ctx context.Context, keys []store.BalanceKey) (map[store.BalanceKey]*model.Balance, error) {
	out := make(map[store.BalanceKey]*model.Balance)
	for _, k := range store.SortKeys(keys) {
		if b, ok := tx.staged[k]; ok {
			out[k] = b
			continue
		}
		tx.s.mu.Lock()
		row, ok := tx.s.balances[k]
		tx.s.mu.Unlock()
		if !ok {
			continue
		}
		if !row.mu.TryLock() {
			return nil, apperr.E(apperr.Contention, "balance row (%s, %s) is locked", k.UserID, k.Ticker)
		}
		cp := row.bal
		tx.rows[k] = row
		tx.staged[k] = &cp
		out[k] = &cp
	}
	return out, nil
}

func (tx *memTx) CreateBalance(ctx context.Context, key store.BalanceKey) (*model.Balance, error) {
	if b, ok := tx.staged[key]; ok {
		return b, nil
	}
	tx.s.mu.Lock()
	row, ok := tx.s.balances[key]
	if !ok {
		row = &balanceRow{bal: model.Balance{UserID: key.UserID, Ticker: key.Ticker}}
		row.mu.Lock()
		tx.s.balances[key] = row
		tx.s.mu.Unlock()
	} else {
		// Row appeared since the caller's lock attempt; take it the
		// normal way.
		tx.s.mu.Unlock()
		if !row.mu.TryLock() {
			return nil, apperr.E(apperr.Contention, "balance row (%s, %s) is locked", key.UserID, key.Ticker)
		}
	}
	cp := row.bal
	tx.rows[key] = row
	tx.staged[key] = &cp
	return &cp, nil
}

func (tx *memTx) UpdateBalance(ctx context.Context, b *model.Balance) error {
	key := store.BalanceKey{UserID: b.UserID, Ticker: b.Ticker}
	staged, ok := tx.staged[key]
	if !ok {
		return apperr.E(apperr.Consistency, "balance (%s, %s) updated without a lock", b.UserID, b.Ticker)
	}
	if err := checkRow(b); err != nil {
		return err
	}
	*staged = *b
	return nil
}

func checkRow(b *model.Balance) error {
	if b.Amount < 0 || b.Reserved < 0 || b.Reserved > b.Amount {
		return apperr.E(apperr.Consistency,
			"balance (%s, %s) violates row invariants: amount=%d reserved=%d",
			b.UserID, b.Ticker, b.Amount, b.Reserved)
	}
	return nil
}

// lockTicker serializes order access per instrument, NOWAIT style.
func (tx *memTx) lockTicker(ticker string) error {
	if _, held := tx.tickers[ticker]; held {
		return nil
	}
	tx.s.mu.Lock()
	mu, ok := tx.s.tickerMu[ticker]
	if !ok {
		mu = &sync.Mutex{}
		tx.s.tickerMu[ticker] = mu
	}
	tx.s.mu.Unlock()
	if !mu.TryLock() {
		return apperr.E(apperr.Contention, "instrument %s is locked", ticker)
	}
	tx.tickers[ticker] = mu
	return nil
}

func (tx *memTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if err := tx.lockTicker(o.Ticker); err != nil {
		return err
	}
	tx.copies[o.ID] = o.Clone()
	tx.inserted[o.ID] = struct{}{}
	tx.order = append(tx.order, o.ID)
	return nil
}

func (tx *memTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	if err := tx.lockTicker(o.Ticker); err != nil {
		return err
	}
	if _, ok := tx.copies[o.ID]; !ok {
		return apperr.E(apperr.Consistency, "order %s updated without a lock", o.ID)
	}
	tx.copies[o.ID] = o.Clone()
	if _, ins := tx.inserted[o.ID]; !ins {
		tx.dirty[o.ID] = struct{}{}
	}
	return nil
}

func (tx *memTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	if cp, ok := tx.copies[id]; ok {
		return cp.Clone(), nil
	}
	tx.s.mu.Lock()
	o, ok := tx.s.orders[id]
	tx.s.mu.Unlock()
	if !ok {
		return nil, apperr.E(apperr.NotFound, "order %s not found", id)
	}
	if err := tx.lockTicker(o.Ticker); err != nil {
		return nil, err
	}
	cp := o.Clone()
	tx.copies[id] = cp
	return cp.Clone(), nil
}

func (tx *memTx) OpenOrdersForUpdate(ctx context.Context, ticker string, side model.Direction) ([]*model.Order, error) {
	if err := tx.lockTicker(ticker); err != nil {
		return nil, err
	}
	tx.s.mu.Lock()
	live := make([]*model.Order, 0)
	tx.s.book(ticker, side).Ascend(func(o *model.Order) bool {
		live = append(live, o)
		return true
	})
	tx.s.mu.Unlock()

	out := make([]*model.Order, 0, len(live))
	for _, o := range live {
		cp, ok := tx.copies[o.ID]
		if !ok {
			cp = o.Clone()
			tx.copies[o.ID] = cp
		}
		if cp.Open() {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (tx *memTx) InsertTrade(ctx context.Context, t model.Trade) error {
	tx.trades = append(tx.trades, t)
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return apperr.E(apperr.Consistency, "commit on a finished transaction")
	}
	// Validate every staged row before anything becomes visible.
	for _, b := range tx.staged {
		if err := checkRow(b); err != nil {
			tx.release()
			return err
		}
	}
	for k, b := range tx.staged {
		tx.rows[k].bal = *b
	}

	tx.s.mu.Lock()
	for _, id := range tx.order {
		cp := tx.copies[id]
		live := cp.Clone()
		tx.s.orders[id] = live
		if live.Type == model.Limit && live.Open() {
			tx.s.book(live.Ticker, live.Direction).ReplaceOrInsert(live)
		}
	}
	for id := range tx.dirty {
		cp := tx.copies[id]
		live, ok := tx.s.orders[id]
		if !ok {
			continue
		}
		wasOpen := live.Open()
		*live = *cp
		if wasOpen && !live.Open() && live.Type == model.Limit {
			tx.s.book(live.Ticker, live.Direction).Delete(live)
		}
	}
	tx.s.trades = append(tx.s.trades, tx.trades...)
	tx.s.mu.Unlock()

	tx.release()
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.release()
	return nil
}

func (tx *memTx) release() {
	tx.done = true
	for _, row := range tx.rows {
		row.mu.Unlock()
	}
	for _, mu := range tx.tickers {
		mu.Unlock()
	}
}
