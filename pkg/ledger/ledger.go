// Package ledger is the balance engine. Every unit of cash or stock that
// moves through the exchange flows through this package: admin deposits and
// withdrawals, order collateral reservations, and the four-legged settlement
// of each fill.
//
// A Ledger is bound to one storage transaction. All operations lock the rows
// they touch through the transaction, so mutations are atomic with the order
// state changes committed alongside them. Lock acquisition is NOWAIT: under
// contention an operation fails with apperr.Contention and the gateway
// retries the whole unit.
package ledger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/model"
	"github.com/KomotsKE/stockMarketProject/pkg/store"
)

// Ledger exposes the balance primitives over one transaction.
type Ledger struct {
	tx  store.Tx
	log *zap.Logger
}

// New binds a ledger to a transaction.
func New(tx store.Tx, log *zap.Logger) *Ledger {
	return &Ledger{tx: tx, log: log}
}

// LockMany acquires the given rows in canonical order. Missing rows are
// absent from the result; callers decide whether absence is an error.
func (l *Ledger) LockMany(ctx context.Context, keys []store.BalanceKey) (map[store.BalanceKey]*model.Balance, error) {
	return l.tx.LockBalances(ctx, keys)
}

// lockOne locks a single row, optionally creating it when absent.
func (l *Ledger) lockOne(ctx context.Context, userID uuid.UUID, ticker string, create bool) (*model.Balance, error) {
	key := store.BalanceKey{UserID: userID, Ticker: ticker}
	rows, err := l.tx.LockBalances(ctx, []store.BalanceKey{key})
	if err != nil {
		return nil, err
	}
	if b, ok := rows[key]; ok {
		return b, nil
	}
	if !create {
		return nil, apperr.E(apperr.NotFound, "balance (%s, %s) not found", userID, ticker)
	}
	return l.tx.CreateBalance(ctx, key)
}

// Credit increases amount by n, creating the row on first credit.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, ticker string, n int64) error {
	b, err := l.lockOne(ctx, userID, ticker, true)
	if err != nil {
		return err
	}
	b.Amount += n
	return l.tx.UpdateBalance(ctx, b)
}

// Debit decreases amount by n. It does not consult reserved; callers are
// responsible for checking free funds.
func (l *Ledger) Debit(ctx context.Context, userID uuid.UUID, ticker string, n int64) error {
	b, err := l.lockOne(ctx, userID, ticker, false)
	if err != nil {
		return err
	}
	if b.Amount < n {
		return apperr.E(apperr.InsufficientFunds, "balance (%s, %s): amount %d < %d", userID, ticker, b.Amount, n)
	}
	b.Amount -= n
	return l.tx.UpdateBalance(ctx, b)
}

// Reserve earmarks n units against free funds.
func (l *Ledger) Reserve(ctx context.Context, userID uuid.UUID, ticker string, n int64) error {
	b, err := l.lockOne(ctx, userID, ticker, false)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return apperr.E(apperr.InsufficientFunds, "no %s balance for %s", ticker, userID)
		}
		return err
	}
	if b.Free() < n {
		return apperr.E(apperr.InsufficientFunds, "balance (%s, %s): free %d < %d", userID, ticker, b.Free(), n)
	}
	b.Reserved += n
	return l.tx.UpdateBalance(ctx, b)
}

// Release gives back up to n reserved units, floored at zero. Never fails
// on headroom.
func (l *Ledger) Release(ctx context.Context, userID uuid.UUID, ticker string, n int64) error {
	b, err := l.lockOne(ctx, userID, ticker, false)
	if err != nil {
		return err
	}
	if n > b.Reserved {
		n = b.Reserved
	}
	b.Reserved -= n
	return l.tx.UpdateBalance(ctx, b)
}

// Free returns the spendable portion of a row under lock, zero when the row
// does not exist yet.
func (l *Ledger) Free(ctx context.Context, userID uuid.UUID, ticker string) (int64, error) {
	b, err := l.lockOne(ctx, userID, ticker, false)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return 0, nil
		}
		return 0, err
	}
	return b.Free(), nil
}
