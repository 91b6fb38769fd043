package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/model"
	"github.com/KomotsKE/stockMarketProject/pkg/store"
	"github.com/KomotsKE/stockMarketProject/pkg/store/memstore"
)

func newLedger(t *testing.T, st *memstore.Store) (*Ledger, store.Tx) {
	t.Helper()
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	return New(tx, zap.NewNop()), tx
}

func balanceOf(t *testing.T, st *memstore.Store, userID uuid.UUID, ticker string) model.Balance {
	t.Helper()
	balances, err := st.ListBalances(context.Background(), userID)
	require.NoError(t, err)
	for _, b := range balances {
		if b.Ticker == ticker {
			return b
		}
	}
	return model.Balance{UserID: userID, Ticker: ticker}
}

func TestCredit(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()

	t.Run("should create the row on first credit", func(t *testing.T) {
		st := memstore.New()
		led, tx := newLedger(t, st)
		require.NoError(t, led.Credit(ctx, user, "RUB", 500))
		require.NoError(t, tx.Commit())

		b := balanceOf(t, st, user, "RUB")
		require.Equal(t, int64(500), b.Amount)
		require.Equal(t, int64(0), b.Reserved)
	})

	t.Run("should accumulate on an existing row", func(t *testing.T) {
		st := memstore.New()
		led, tx := newLedger(t, st)
		require.NoError(t, led.Credit(ctx, user, "RUB", 500))
		require.NoError(t, led.Credit(ctx, user, "RUB", 250))
		require.NoError(t, tx.Commit())
		require.Equal(t, int64(750), balanceOf(t, st, user, "RUB").Amount)
	})

	t.Run("should stay invisible until commit", func(t *testing.T) {
		st := memstore.New()
		led, tx := newLedger(t, st)
		require.NoError(t, led.Credit(ctx, user, "RUB", 500))
		require.Equal(t, int64(0), balanceOf(t, st, user, "RUB").Amount)
		require.NoError(t, tx.Rollback())
		require.Equal(t, int64(0), balanceOf(t, st, user, "RUB").Amount)
	})
}

func TestDebit(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()

	seed := func(t *testing.T, amount int64) *memstore.Store {
		st := memstore.New()
		led, tx := newLedger(t, st)
		require.NoError(t, led.Credit(ctx, user, "RUB", amount))
		require.NoError(t, tx.Commit())
		return st
	}

	t.Run("should decrease amount", func(t *testing.T) {
		st := seed(t, 100)
		led, tx := newLedger(t, st)
		require.NoError(t, led.Debit(ctx, user, "RUB", 60))
		require.NoError(t, tx.Commit())
		require.Equal(t, int64(40), balanceOf(t, st, user, "RUB").Amount)
	})

	t.Run("should fail when amount is short", func(t *testing.T) {
		st := seed(t, 100)
		led, tx := newLedger(t, st)
		err := led.Debit(ctx, user, "RUB", 101)
		require.True(t, apperr.Is(err, apperr.InsufficientFunds))
		require.NoError(t, tx.Rollback())
	})

	t.Run("should fail on a missing row", func(t *testing.T) {
		st := memstore.New()
		led, tx := newLedger(t, st)
		err := led.Debit(ctx, user, "RUB", 1)
		require.True(t, apperr.Is(err, apperr.NotFound))
		require.NoError(t, tx.Rollback())
	})

	t.Run("should not consult reserved", func(t *testing.T) {
		st := seed(t, 100)
		led, tx := newLedger(t, st)
		require.NoError(t, led.Reserve(ctx, user, "RUB", 80))
		require.NoError(t, tx.Commit())

		// 100 held, 80 reserved: debit of 90 still passes the amount
		// check; the row invariant reserved <= amount then fails the
		// commit unit instead.
		led, tx = newLedger(t, st)
		err := led.Debit(ctx, user, "RUB", 90)
		require.True(t, apperr.Is(err, apperr.Consistency))
		require.NoError(t, tx.Rollback())
	})
}

func TestReserve(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()

	t.Run("should earmark free funds", func(t *testing.T) {
		st := memstore.New()
		led, tx := newLedger(t, st)
		require.NoError(t, led.Credit(ctx, user, "RUB", 100))
		require.NoError(t, led.Reserve(ctx, user, "RUB", 70))
		require.NoError(t, tx.Commit())

		b := balanceOf(t, st, user, "RUB")
		require.Equal(t, int64(100), b.Amount)
		require.Equal(t, int64(70), b.Reserved)
	})

	t.Run("should fail when free headroom is short", func(t *testing.T) {
		st := memstore.New()
		led, tx := newLedger(t, st)
		require.NoError(t, led.Credit(ctx, user, "RUB", 100))
		require.NoError(t, led.Reserve(ctx, user, "RUB", 70))
		err := led.Reserve(ctx, user, "RUB", 31)
		require.True(t, apperr.Is(err, apperr.InsufficientFunds))
		require.NoError(t, tx.Rollback())
	})

	t.Run("should report missing rows as insufficient funds", func(t *testing.T) {
		st := memstore.New()
		led, tx := newLedger(t, st)
		err := led.Reserve(ctx, user, "RUB", 1)
		require.True(t, apperr.Is(err, apperr.InsufficientFunds))
		require.NoError(t, tx.Rollback())
	})
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()

	t.Run("should floor at zero instead of failing", func(t *testing.T) {
		st := memstore.New()
		led, tx := newLedger(t, st)
		require.NoError(t, led.Credit(ctx, user, "RUB", 100))
		require.NoError(t, led.Reserve(ctx, user, "RUB", 40))
		require.NoError(t, led.Release(ctx, user, "RUB", 100))
		require.NoError(t, tx.Commit())

		b := balanceOf(t, st, user, "RUB")
		require.Equal(t, int64(100), b.Amount)
		require.Equal(t, int64(0), b.Reserved)
	})
}

func TestReserveOrder(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()

	t.Run("should reserve cash for a buy", func(t *testing.T) {
		st := memstore.New()
		led, tx := newLedger(t, st)
		require.NoError(t, led.Credit(ctx, user, "RUB", 1000))
		o := &model.Order{UserID: user, Ticker: "AAPL", Type: model.Limit, Direction: model.Buy, Qty: 5, Price: 100}
		require.NoError(t, led.ReserveOrder(ctx, o))
		require.NoError(t, tx.Commit())
		require.Equal(t, int64(500), balanceOf(t, st, user, "RUB").Reserved)
	})

	t.Run("should reserve the asset for a sell", func(t *testing.T) {
		st := memstore.New()
		led, tx := newLedger(t, st)
		require.NoError(t, led.Credit(ctx, user, "AAPL", 10))
		o := &model.Order{UserID: user, Ticker: "AAPL", Type: model.Limit, Direction: model.Sell, Qty: 7, Price: 100}
		require.NoError(t, led.ReserveOrder(ctx, o))
		require.NoError(t, tx.Commit())
		require.Equal(t, int64(7), balanceOf(t, st, user, "AAPL").Reserved)
	})

	t.Run("should release only the unfilled remainder", func(t *testing.T) {
		st := memstore.New()
		led, tx := newLedger(t, st)
		require.NoError(t, led.Credit(ctx, user, "RUB", 1000))
		o := &model.Order{UserID: user, Ticker: "AAPL", Type: model.Limit, Direction: model.Buy, Qty: 10, Price: 100}
		require.NoError(t, led.Reserve(ctx, user, "RUB", 1000))
		o.Filled = 6
		require.NoError(t, led.ReleaseRemainder(ctx, o))
		require.NoError(t, tx.Commit())
		require.Equal(t, int64(600), balanceOf(t, st, user, "RUB").Reserved)
	})
}
