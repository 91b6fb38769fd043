package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/model"
	"github.com/KomotsKE/stockMarketProject/pkg/store"
)

func begin(t *testing.T, s *Store) store.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func seedBalance(t *testing.T, s *Store, userID uuid.UUID, ticker string, amount int64) {
	t.Helper()
	ctx := context.Background()
	tx := begin(t, s)
	b, err := tx.CreateBalance(ctx, store.BalanceKey{UserID: userID, Ticker: ticker})
	require.NoError(t, err)
	b.Amount = amount
	require.NoError(t, tx.UpdateBalance(ctx, b))
	require.NoError(t, tx.Commit())
}

func TestNew(t *testing.T) {
	t.Run("should pre-register the cash instrument", func(t *testing.T) {
		s := New()
		ins, err := s.GetInstrument(context.Background(), model.CashTicker)
		require.NoError(t, err)
		require.Equal(t, model.CashTicker, ins.Ticker)
	})
}

func TestLockBalances(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	key := store.BalanceKey{UserID: user, Ticker: "RUB"}

	t.Run("should fail fast on a held row", func(t *testing.T) {
		s := New()
		seedBalance(t, s, user, "RUB", 100)

		tx1 := begin(t, s)
		_, err := tx1.LockBalances(ctx, []store.BalanceKey{key})
		require.NoError(t, err)

		tx2 := begin(t, s)
		_, err = tx2.LockBalances(ctx, []store.BalanceKey{key})
		require.True(t, apperr.Is(err, apperr.Contention))
		require.NoError(t, tx2.Rollback())
		require.NoError(t, tx1.Rollback())
	})

	t.Run("should hand the row over after rollback", func(t *testing.T) {
		s := New()
		seedBalance(t, s, user, "RUB", 100)

		tx1 := begin(t, s)
		_, err := tx1.LockBalances(ctx, []store.BalanceKey{key})
		require.NoError(t, err)
		require.NoError(t, tx1.Rollback())

		tx2 := begin(t, s)
		rows, err := tx2.LockBalances(ctx, []store.BalanceKey{key})
		require.NoError(t, err)
		require.Equal(t, int64(100), rows[key].Amount)
		require.NoError(t, tx2.Rollback())
	})

	t.Run("should skip absent rows rather than create them", func(t *testing.T) {
		s := New()
		tx := begin(t, s)
		rows, err := tx.LockBalances(ctx, []store.BalanceKey{key})
		require.NoError(t, err)
		require.Empty(t, rows)
		require.NoError(t, tx.Rollback())
	})

	t.Run("should return the same staged copy on a re-lock", func(t *testing.T) {
		s := New()
		seedBalance(t, s, user, "RUB", 100)

		tx := begin(t, s)
		first, err := tx.LockBalances(ctx, []store.BalanceKey{key})
		require.NoError(t, err)
		first[key].Amount = 42
		second, err := tx.LockBalances(ctx, []store.BalanceKey{key})
		require.NoError(t, err)
		require.Equal(t, int64(42), second[key].Amount)
		require.NoError(t, tx.Rollback())
	})
}

func TestBalanceStaging(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	key := store.BalanceKey{UserID: user, Ticker: "RUB"}

	t.Run("should hide staged writes until commit", func(t *testing.T) {
		s := New()
		seedBalance(t, s, user, "RUB", 100)

		tx := begin(t, s)
		rows, err := tx.LockBalances(ctx, []store.BalanceKey{key})
		require.NoError(t, err)
		rows[key].Amount = 250
		require.NoError(t, tx.UpdateBalance(ctx, rows[key]))

		balances, err := s.ListBalances(ctx, user)
		require.NoError(t, err)
		require.Equal(t, int64(100), balances[0].Amount)

		require.NoError(t, tx.Commit())
		balances, err = s.ListBalances(ctx, user)
		require.NoError(t, err)
		require.Equal(t, int64(250), balances[0].Amount)
	})

	t.Run("should discard staged writes on rollback", func(t *testing.T) {
		s := New()
		seedBalance(t, s, user, "RUB", 100)

		tx := begin(t, s)
		rows, err := tx.LockBalances(ctx, []store.BalanceKey{key})
		require.NoError(t, err)
		rows[key].Amount = 250
		require.NoError(t, tx.UpdateBalance(ctx, rows[key]))
		require.NoError(t, tx.Rollback())

		balances, err := s.ListBalances(ctx, user)
		require.NoError(t, err)
		require.Equal(t, int64(100), balances[0].Amount)
	})

	t.Run("should reject updates without a lock", func(t *testing.T) {
		s := New()
		tx := begin(t, s)
		err := tx.UpdateBalance(ctx, &model.Balance{UserID: user, Ticker: "RUB", Amount: 10})
		require.True(t, apperr.Is(err, apperr.Consistency))
		require.NoError(t, tx.Rollback())
	})

	t.Run("should enforce the row invariants", func(t *testing.T) {
		s := New()
		seedBalance(t, s, user, "RUB", 100)

		tx := begin(t, s)
		rows, err := tx.LockBalances(ctx, []store.BalanceKey{key})
		require.NoError(t, err)

		rows[key].Reserved = 200 // reserved > amount
		err = tx.UpdateBalance(ctx, rows[key])
		require.True(t, apperr.Is(err, apperr.Consistency))

		rows[key].Reserved = 0
		rows[key].Amount = -1
		err = tx.UpdateBalance(ctx, rows[key])
		require.True(t, apperr.Is(err, apperr.Consistency))
		require.NoError(t, tx.Rollback())
	})
}

func TestTickerLock(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()

	newOrder := func(price int64) *model.Order {
		return &model.Order{
			ID:        uuid.New(),
			UserID:    user,
			Ticker:    "AAPL",
			Type:      model.Limit,
			Direction: model.Sell,
			Qty:       5,
			Price:     price,
			Status:    model.StatusNew,
			Timestamp: time.Now(),
		}
	}

	t.Run("should serialize order writes per instrument", func(t *testing.T) {
		s := New()
		tx1 := begin(t, s)
		require.NoError(t, tx1.InsertOrder(ctx, newOrder(100)))

		tx2 := begin(t, s)
		err := tx2.InsertOrder(ctx, newOrder(101))
		require.True(t, apperr.Is(err, apperr.Contention))
		require.NoError(t, tx2.Rollback())
		require.NoError(t, tx1.Commit())
	})

	t.Run("should leave other instruments unaffected", func(t *testing.T) {
		s := New()
		tx1 := begin(t, s)
		require.NoError(t, tx1.InsertOrder(ctx, newOrder(100)))

		tx2 := begin(t, s)
		other := newOrder(100)
		other.Ticker = "MSFT"
		require.NoError(t, tx2.InsertOrder(ctx, other))
		require.NoError(t, tx2.Commit())
		require.NoError(t, tx1.Commit())
	})
}

func TestBookIndex(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()

	insert := func(t *testing.T, s *Store, o *model.Order) {
		t.Helper()
		tx := begin(t, s)
		require.NoError(t, tx.InsertOrder(ctx, o))
		require.NoError(t, tx.Commit())
	}

	newOrder := func(dir model.Direction, price int64, ts time.Time) *model.Order {
		return &model.Order{
			ID:        uuid.New(),
			UserID:    user,
			Ticker:    "AAPL",
			Type:      model.Limit,
			Direction: dir,
			Qty:       5,
			Price:     price,
			Status:    model.StatusNew,
			Timestamp: ts,
		}
	}

	t.Run("should order asks by price then time", func(t *testing.T) {
		s := New()
		base := time.Now()
		late := newOrder(model.Sell, 100, base.Add(time.Second))
		early := newOrder(model.Sell, 100, base)
		cheap := newOrder(model.Sell, 95, base.Add(2*time.Second))
		insert(t, s, late)
		insert(t, s, early)
		insert(t, s, cheap)

		open, err := s.OpenOrders(ctx, "AAPL", model.Sell)
		require.NoError(t, err)
		require.Len(t, open, 3)
		require.Equal(t, cheap.ID, open[0].ID)
		require.Equal(t, early.ID, open[1].ID)
		require.Equal(t, late.ID, open[2].ID)
	})

	t.Run("should order bids highest price first", func(t *testing.T) {
		s := New()
		base := time.Now()
		low := newOrder(model.Buy, 95, base)
		high := newOrder(model.Buy, 100, base.Add(time.Second))
		insert(t, s, low)
		insert(t, s, high)

		open, err := s.OpenOrders(ctx, "AAPL", model.Buy)
		require.NoError(t, err)
		require.Equal(t, high.ID, open[0].ID)
		require.Equal(t, low.ID, open[1].ID)
	})

	t.Run("should drop closed orders from the book", func(t *testing.T) {
		s := New()
		o := newOrder(model.Sell, 100, time.Now())
		insert(t, s, o)

		tx := begin(t, s)
		got, err := tx.GetOrderForUpdate(ctx, o.ID)
		require.NoError(t, err)
		got.Status = model.StatusCancelled
		require.NoError(t, tx.UpdateOrder(ctx, got))
		require.NoError(t, tx.Commit())

		open, err := s.OpenOrders(ctx, "AAPL", model.Sell)
		require.NoError(t, err)
		require.Empty(t, open)

		stored, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		require.Equal(t, model.StatusCancelled, stored.Status)
	})

	t.Run("should never index market orders", func(t *testing.T) {
		s := New()
		o := newOrder(model.Sell, 0, time.Now())
		o.Type = model.Market
		insert(t, s, o)

		open, err := s.OpenOrders(ctx, "AAPL", model.Sell)
		require.NoError(t, err)
		require.Empty(t, open)
	})
}

func TestOpenOrdersForUpdate(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()

	t.Run("should reflect in-transaction fills", func(t *testing.T) {
		s := New()
		o := &model.Order{
			ID: uuid.New(), UserID: user, Ticker: "AAPL", Type: model.Limit,
			Direction: model.Sell, Qty: 5, Price: 100,
			Status: model.StatusNew, Timestamp: time.Now(),
		}
		tx := begin(t, s)
		require.NoError(t, tx.InsertOrder(ctx, o))
		require.NoError(t, tx.Commit())

		tx = begin(t, s)
		open, err := tx.OpenOrdersForUpdate(ctx, "AAPL", model.Sell)
		require.NoError(t, err)
		require.Len(t, open, 1)

		open[0].Filled = 5
		open[0].Status = model.StatusExecuted
		require.NoError(t, tx.UpdateOrder(ctx, open[0]))

		open, err = tx.OpenOrdersForUpdate(ctx, "AAPL", model.Sell)
		require.NoError(t, err)
		require.Empty(t, open)
		require.NoError(t, tx.Commit())
	})
}

func TestCascades(t *testing.T) {
	ctx := context.Background()

	t.Run("should drop a deleted user's balances and orders", func(t *testing.T) {
		s := New()
		u := &model.User{ID: uuid.New(), Name: "trader", Role: model.RoleUser, APIKey: "key-1"}
		require.NoError(t, s.CreateUser(ctx, u))
		seedBalance(t, s, u.ID, "AAPL", 10)

		tx := begin(t, s)
		require.NoError(t, tx.InsertOrder(ctx, &model.Order{
			ID: uuid.New(), UserID: u.ID, Ticker: "AAPL", Type: model.Limit,
			Direction: model.Sell, Qty: 5, Price: 100,
			Status: model.StatusNew, Timestamp: time.Now(),
		}))
		require.NoError(t, tx.Commit())

		require.NoError(t, s.DeleteUser(ctx, u.ID))
		_, err := s.GetUserByKey(ctx, "key-1")
		require.True(t, apperr.Is(err, apperr.NotFound))

		balances, err := s.ListBalances(ctx, u.ID)
		require.NoError(t, err)
		require.Empty(t, balances)

		open, err := s.OpenOrders(ctx, "AAPL", model.Sell)
		require.NoError(t, err)
		require.Empty(t, open)
	})

	t.Run("should drop a delisted instrument's book", func(t *testing.T) {
		s := New()
		require.NoError(t, s.CreateInstrument(ctx, model.Instrument{Name: "Apple", Ticker: "AAPL"}))
		u := uuid.New()
		seedBalance(t, s, u, "AAPL", 10)

		require.NoError(t, s.DeleteInstrument(ctx, "AAPL"))
		balances, err := s.ListBalances(ctx, u)
		require.NoError(t, err)
		require.Empty(t, balances)
	})

	t.Run("should refuse duplicate api keys", func(t *testing.T) {
		s := New()
		require.NoError(t, s.CreateUser(ctx, &model.User{ID: uuid.New(), Name: "a", APIKey: "dup"}))
		err := s.CreateUser(ctx, &model.User{ID: uuid.New(), Name: "b", APIKey: "dup"})
		require.True(t, apperr.Is(err, apperr.Validation))
	})
}

func TestTrades(t *testing.T) {
	ctx := context.Background()

	t.Run("should append trades on commit only", func(t *testing.T) {
		s := New()
		tx := begin(t, s)
		require.NoError(t, tx.InsertTrade(ctx, model.Trade{ID: uuid.New(), Ticker: "AAPL", Amount: 5, Price: 100}))

		trades, err := s.ListTrades(ctx, "AAPL", 0)
		require.NoError(t, err)
		require.Empty(t, trades)

		require.NoError(t, tx.Commit())
		trades, err = s.ListTrades(ctx, "AAPL", 0)
		require.NoError(t, err)
		require.Len(t, trades, 1)
	})

	t.Run("should filter by ticker and honor the limit", func(t *testing.T) {
		s := New()
		tx := begin(t, s)
		for i := 0; i < 3; i++ {
			require.NoError(t, tx.InsertTrade(ctx, model.Trade{ID: uuid.New(), Ticker: "AAPL", Amount: 1, Price: 100}))
		}
		require.NoError(t, tx.InsertTrade(ctx, model.Trade{ID: uuid.New(), Ticker: "MSFT", Amount: 1, Price: 50}))
		require.NoError(t, tx.Commit())

		trades, err := s.ListTrades(ctx, "AAPL", 2)
		require.NoError(t, err)
		require.Len(t, trades, 2)
	})
}
