// Package store defines the persistence contract of the exchange: a
// relational-style store whose transactions hand out row-locked balances and
// priority-ordered runs of open orders. Implementations must provide NOWAIT
// lock semantics: a lock that cannot be acquired immediately fails with
// apperr.Contention and the caller retries the whole unit.
package store

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/KomotsKE/stockMarketProject/pkg/model"
)

// BalanceKey identifies one balance row.
type BalanceKey struct {
	UserID uuid.UUID
	Ticker string
}

// SortKeys deduplicates and orders keys canonically by (user_id, ticker).
// Every caller acquiring multiple rows goes through this, which gives all
// transactions a total lock order.
func SortKeys(keys []BalanceKey) []BalanceKey {
	seen := make(map[BalanceKey]struct{}, len(keys))
	out := make([]BalanceKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c := strings.Compare(a.UserID.String(), b.UserID.String()); c != 0 {
			return c < 0
		}
		return a.Ticker < b.Ticker
	})
	return out
}

// PriorityLess orders two open orders of the same side by price-time
// priority: better price first (higher for buys, lower for sells), then
// earlier timestamp, then id as the final tie-break.
func PriorityLess(a, b *model.Order) bool {
	if a.Price != b.Price {
		if a.Direction == model.Buy {
			return a.Price > b.Price
		}
		return a.Price < b.Price
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return strings.Compare(a.ID.String(), b.ID.String()) < 0
}

// Store is the root persistence handle. Reads outside a transaction serve
// the query surface; every mutation goes through a Tx.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	CreateUser(ctx context.Context, u *model.User) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetUserByKey(ctx context.Context, apiKey string) (*model.User, error)

	CreateInstrument(ctx context.Context, ins model.Instrument) error
	DeleteInstrument(ctx context.Context, ticker string) error
	GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error)
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	ListBalances(ctx context.Context, userID uuid.UUID) ([]model.Balance, error)

	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]*model.Order, error)
	// OpenOrders is the read-side book view for public aggregation; no
	// locks are taken.
	OpenOrders(ctx context.Context, ticker string, side model.Direction) ([]*model.Order, error)

	ListTrades(ctx context.Context, ticker string, limit int) ([]model.Trade, error)
}

// Tx is one atomic commit unit. All mutating methods stage work that becomes
// visible only on Commit; Rollback leaves no trace. Lock acquisitions fail
// fast with apperr.Contention instead of queueing.
type Tx interface {
	Commit() error
	Rollback() error

	// LockBalances acquires row locks on the given keys in canonical
	// order and returns the rows that exist. Re-locking a key already
	// held by this transaction returns the same staged row.
	LockBalances(ctx context.Context, keys []BalanceKey) (map[BalanceKey]*model.Balance, error)
	// CreateBalance inserts a zero row and returns it locked by this
	// transaction. Used for lazy creation on first credit.
	CreateBalance(ctx context.Context, key BalanceKey) (*model.Balance, error)
	// UpdateBalance stages the mutated row for write-back. Fails with
	// apperr.Consistency if amount < 0, reserved < 0 or reserved > amount.
	UpdateBalance(ctx context.Context, b *model.Balance) error

	InsertOrder(ctx context.Context, o *model.Order) error
	UpdateOrder(ctx context.Context, o *model.Order) error
	// GetOrderForUpdate locks the order's instrument and returns a
	// mutable copy.
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*model.Order, error)
	// OpenOrdersForUpdate locks the instrument and returns the open run
	// of the given side in priority order.
	OpenOrdersForUpdate(ctx context.Context, ticker string, side model.Direction) ([]*model.Order, error)

	InsertTrade(ctx context.Context, t model.Trade) error
}
