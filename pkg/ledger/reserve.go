package ledger

import (
	"context"

	"go.uber.org/zap"

	"github.com/KomotsKE/stockMarketProject/pkg/model"
)

// ReserveOrder collateralizes a new limit order: qty*price of cash for a
// buy, qty of the instrument for a sell. Market orders never reserve; they
// are admission-checked against the book instead.
func (l *Ledger) ReserveOrder(ctx context.Context, o *model.Order) error {
	if o.Direction == model.Buy {
		return l.Reserve(ctx, o.UserID, model.CashTicker, o.Qty*o.Price)
	}
	return l.Reserve(ctx, o.UserID, o.Ticker, o.Qty)
}

// ReleaseRemainder gives back the reservation on the unfilled quantity of a
// limit order, used on cancellation.
func (l *Ledger) ReleaseRemainder(ctx context.Context, o *model.Order) error {
	remaining := o.Remaining()
	if remaining <= 0 {
		return nil
	}
	l.log.Debug("releasing order reservation",
		zap.Stringer("order_id", o.ID),
		zap.Int64("remaining", remaining))
	if o.Direction == model.Buy {
		return l.Release(ctx, o.UserID, model.CashTicker, remaining*o.Price)
	}
	return l.Release(ctx, o.UserID, o.Ticker, remaining)
}
