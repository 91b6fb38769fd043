package engine

import (
	"testing"

	"github.com/matryer/is"

	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/model"
)

func ord(dir model.Direction, qty, price, filled int64) *model.Order {
	return &model.Order{
		Direction: dir,
		Ticker:    "AAPL",
		Type:      model.Limit,
		Qty:       qty,
		Price:     price,
		Filled:    filled,
		Status:    model.StatusNew,
	}
}

func TestCrosses(t *testing.T) {
	is := is.New(t)

	is.True(crosses(ord(model.Buy, 1, 100, 0), ord(model.Sell, 1, 100, 0)))  // buy at the ask crosses
	is.True(crosses(ord(model.Buy, 1, 101, 0), ord(model.Sell, 1, 100, 0)))  // buy above the ask crosses
	is.True(!crosses(ord(model.Buy, 1, 99, 0), ord(model.Sell, 1, 100, 0)))  // buy below the ask rests
	is.True(crosses(ord(model.Sell, 1, 100, 0), ord(model.Buy, 1, 100, 0)))  // sell at the bid crosses
	is.True(!crosses(ord(model.Sell, 1, 101, 0), ord(model.Buy, 1, 100, 0))) // sell above the bid rests
}

func TestMatchLimit(t *testing.T) {
	t.Run("should fill at maker prices in book order", func(t *testing.T) {
		is := is.New(t)
		agg := ord(model.Buy, 7, 100, 0)
		resting := []*model.Order{
			ord(model.Sell, 5, 98, 0),
			ord(model.Sell, 5, 100, 0),
		}
		fills := matchLimit(agg, resting)
		is.Equal(len(fills), 2)
		is.Equal(fills[0].qty, int64(5))
		is.Equal(fills[0].price, int64(98))
		is.Equal(fills[1].qty, int64(2))
		is.Equal(fills[1].price, int64(100))
	})

	t.Run("should stop when the top of book no longer crosses", func(t *testing.T) {
		is := is.New(t)
		agg := ord(model.Buy, 10, 100, 0)
		resting := []*model.Order{
			ord(model.Sell, 4, 100, 0),
			ord(model.Sell, 4, 101, 0),
			ord(model.Sell, 4, 99, 0), // would cross, but sits behind a worse price
		}
		fills := matchLimit(agg, resting)
		is.Equal(len(fills), 1)
		is.Equal(fills[0].qty, int64(4))
	})

	t.Run("should respect the maker's remaining quantity", func(t *testing.T) {
		is := is.New(t)
		agg := ord(model.Buy, 10, 100, 0)
		resting := []*model.Order{ord(model.Sell, 10, 100, 6)}
		fills := matchLimit(agg, resting)
		is.Equal(len(fills), 1)
		is.Equal(fills[0].qty, int64(4))
	})

	t.Run("should not mutate the aggressor", func(t *testing.T) {
		is := is.New(t)
		agg := ord(model.Buy, 7, 100, 0)
		matchLimit(agg, []*model.Order{ord(model.Sell, 7, 100, 0)})
		is.Equal(agg.Filled, int64(0))
		is.Equal(agg.Status, model.StatusNew)
	})

	t.Run("should produce nothing for an empty book", func(t *testing.T) {
		is := is.New(t)
		is.Equal(len(matchLimit(ord(model.Buy, 7, 100, 0), nil)), 0)
	})
}

func TestPlanMarket(t *testing.T) {
	t.Run("should plan the full quantity and total the cost", func(t *testing.T) {
		is := is.New(t)
		agg := &model.Order{Direction: model.Buy, Ticker: "AAPL", Type: model.Market, Qty: 7, Status: model.StatusNew}
		resting := []*model.Order{
			ord(model.Sell, 5, 98, 0),
			ord(model.Sell, 5, 103, 0),
		}
		plan, cost, err := planMarket(agg, resting)
		is.NoErr(err)
		is.Equal(len(plan), 2)
		is.Equal(cost, int64(5*98+2*103))
	})

	t.Run("should reject when liquidity cannot cover the quantity", func(t *testing.T) {
		is := is.New(t)
		agg := &model.Order{Direction: model.Buy, Ticker: "AAPL", Type: model.Market, Qty: 7, Status: model.StatusNew}
		plan, _, err := planMarket(agg, []*model.Order{ord(model.Sell, 5, 98, 0)})
		is.True(apperr.Is(err, apperr.UnfillableMarket))
		is.Equal(len(plan), 0)
	})
}

func TestApplyFill(t *testing.T) {
	is := is.New(t)

	o := ord(model.Buy, 10, 100, 0)
	applyFill(o, 4)
	is.Equal(o.Status, model.StatusPartial)
	is.Equal(o.Remaining(), int64(6))

	applyFill(o, 6)
	is.Equal(o.Status, model.StatusExecuted)
	is.Equal(o.Remaining(), int64(0))
}
