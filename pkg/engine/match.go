// Package engine couples the order gateway, the continuous matcher and the
// trade settler into one transactional unit per admitted order.
package engine

import (
	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/model"
)

// fill pairs the aggressor with one resting maker order. Qty is the matched
// quantity; Price is always the maker's price.
type fill struct {
	maker *model.Order
	qty   int64
	price int64
}

// crosses reports whether the aggressor's limit price reaches the resting
// order's price.
func crosses(agg, resting *model.Order) bool {
	if agg.Direction == model.Buy {
		return agg.Price >= resting.Price
	}
	return agg.Price <= resting.Price
}

// matchLimit walks the opposite side in priority order and produces fills
// until the aggressor is satisfied or the top of book no longer crosses.
// The resting slice must already be priority-sorted, which OpenOrdersForUpdate
// guarantees.
func matchLimit(agg *model.Order, resting []*model.Order) []fill {
	var (
		fills []fill
		need  = agg.Remaining()
	)
	for _, r := range resting {
		if need == 0 {
			break
		}
		if !crosses(agg, r) {
			break
		}
		qty := min64(need, r.Remaining())
		fills = append(fills, fill{maker: r, qty: qty, price: r.Price})
		need -= qty
	}
	return fills
}

// planMarket simulates a walk of the opposite side with no price guard.
// It returns the fill plan and the total cash cost, or UnfillableMarket when
// current liquidity cannot cover the full quantity. Nothing is mutated:
// the caller applies the plan only after the admissibility check passes.
func planMarket(agg *model.Order, resting []*model.Order) ([]fill, int64, error) {
	var (
		fills []fill
		cost  int64
		need  = agg.Remaining()
	)
	for _, r := range resting {
		if need == 0 {
			break
		}
		qty := min64(need, r.Remaining())
		fills = append(fills, fill{maker: r, qty: qty, price: r.Price})
		cost += qty * r.Price
		need -= qty
	}
	if need > 0 {
		return nil, 0, apperr.E(apperr.UnfillableMarket,
			"market %s %d %s: book covers only %d", agg.Direction, agg.Qty, agg.Ticker, agg.Qty-need)
	}
	return fills, cost, nil
}

// applyFill advances filled and status on one side of a match.
func applyFill(o *model.Order, qty int64) {
	o.Filled += qty
	if o.Filled >= o.Qty {
		o.Status = model.StatusExecuted
	} else {
		o.Status = model.StatusPartial
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
