package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/ledger"
	"github.com/KomotsKE/stockMarketProject/pkg/model"
	"github.com/KomotsKE/stockMarketProject/pkg/store"
)

// settle posts one fill to the ledger: four balance legs under one canonical
// lock acquisition, reservation decrements for the limit sides, and a trade
// record. Any failure here aborts the surrounding unit; under correct
// reservations the consistency checks never fire.
func (e *Engine) settle(ctx context.Context, tx store.Tx, led *ledger.Ledger, agg, maker *model.Order, qty, price int64, now time.Time) error {
	buyer, seller := agg, maker
	if agg.Direction == model.Sell {
		buyer, seller = maker, agg
	}
	cash := qty * price

	keys := []store.BalanceKey{
		{UserID: buyer.UserID, Ticker: model.CashTicker},
		{UserID: seller.UserID, Ticker: model.CashTicker},
		{UserID: buyer.UserID, Ticker: agg.Ticker},
		{UserID: seller.UserID, Ticker: agg.Ticker},
	}
	// SortKeys inside LockBalances deduplicates when buyer == seller.
	rows, err := led.LockMany(ctx, keys)
	if err != nil {
		return err
	}

	sellerAsset, ok := rows[store.BalanceKey{UserID: seller.UserID, Ticker: agg.Ticker}]
	if !ok || sellerAsset.Amount < qty {
		return apperr.E(apperr.Consistency, "seller %s lacks %d %s at settlement", seller.UserID, qty, agg.Ticker)
	}
	buyerCash, ok := rows[store.BalanceKey{UserID: buyer.UserID, Ticker: model.CashTicker}]
	if !ok || buyerCash.Amount < cash {
		return apperr.E(apperr.Consistency, "buyer %s lacks %d %s at settlement", buyer.UserID, cash, model.CashTicker)
	}

	sellerAsset.Amount -= qty
	buyerCash.Amount -= cash

	// Limit legs give back their collateral as it is consumed, floored at
	// zero to absorb released remainders. The buyer leg decrements at the
	// reserved rate, qty times the buyer's own limit price: a fill at a
	// better price consumed less cash than it collateralized, and the
	// surplus is freed here rather than stranded on the row.
	if seller.Type == model.Limit {
		sellerAsset.Reserved -= min64(qty, sellerAsset.Reserved)
	}
	if buyer.Type == model.Limit {
		buyerCash.Reserved -= min64(qty*buyer.Price, buyerCash.Reserved)
	}

	if err := tx.UpdateBalance(ctx, sellerAsset); err != nil {
		return err
	}
	if err := tx.UpdateBalance(ctx, buyerCash); err != nil {
		return err
	}
	if err := led.Credit(ctx, buyer.UserID, agg.Ticker, qty); err != nil {
		return err
	}
	if err := led.Credit(ctx, seller.UserID, model.CashTicker, cash); err != nil {
		return err
	}

	trade := model.Trade{
		ID:        uuid.New(),
		Ticker:    agg.Ticker,
		Amount:    qty,
		Price:     price,
		Timestamp: now,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return err
	}

	e.log.Debug("fill settled",
		zap.String("ticker", agg.Ticker),
		zap.Int64("qty", qty),
		zap.Int64("price", price),
		zap.Stringer("buyer", buyer.UserID),
		zap.Stringer("seller", seller.UserID))
	return nil
}
