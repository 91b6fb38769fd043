package engine

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/ledger"
	"github.com/KomotsKE/stockMarketProject/pkg/model"
	"github.com/KomotsKE/stockMarketProject/pkg/store"
)

// PlaceRequest is an incoming order. Price present means LIMIT, absent means
// MARKET.
type PlaceRequest struct {
	Direction model.Direction `json:"direction" validate:"required,oneof=BUY SELL"`
	Ticker    string          `json:"ticker" validate:"required,ticker"`
	Qty       int64           `json:"qty" validate:"required,gte=1"`
	Price     *int64          `json:"price,omitempty"`
}

// PlaceOrder admits an order: it validates, reserves, matches and settles as
// one atomic unit, retrying the whole unit on lock contention. The returned
// order reflects the committed state. A rejected market order is committed
// as CANCELLED and returned together with an UnfillableMarket error.
func (e *Engine) PlaceOrder(ctx context.Context, userID uuid.UUID, req PlaceRequest) (*model.Order, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "bad order body")
	}
	typ := model.Market
	var price int64
	if req.Price != nil {
		if *req.Price <= 0 {
			return nil, apperr.E(apperr.Validation, "limit price must be positive")
		}
		typ = model.Limit
		price = *req.Price
	}

	var (
		placed *model.Order
		reject error
	)
	err := e.withRetry(ctx, func(tx store.Tx) error {
		placed, reject = nil, nil
		if _, err := e.store.GetInstrument(ctx, req.Ticker); err != nil {
			return err
		}
		o := &model.Order{
			ID:        uuid.New(),
			UserID:    userID,
			Ticker:    req.Ticker,
			Type:      typ,
			Direction: req.Direction,
			Qty:       req.Qty,
			Price:     price,
			Status:    model.StatusNew,
			Timestamp: e.clock.now(),
		}
		led := ledger.New(tx, e.log)

		var err error
		if typ == model.Limit {
			err = e.admitLimit(ctx, tx, led, o)
		} else {
			reject, err = e.admitMarket(ctx, tx, led, o)
		}
		if err != nil {
			return err
		}
		placed = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reject != nil {
		return placed, reject
	}
	e.log.Info("order placed",
		zap.Stringer("order_id", placed.ID),
		zap.String("ticker", placed.Ticker),
		zap.String("type", string(placed.Type)),
		zap.String("direction", string(placed.Direction)),
		zap.String("status", string(placed.Status)))
	return placed, nil
}

// admitLimit reserves the collateral leg, rests the order and matches it
// against the opposite side inside the same unit.
func (e *Engine) admitLimit(ctx context.Context, tx store.Tx, led *ledger.Ledger, o *model.Order) error {
	if err := led.ReserveOrder(ctx, o); err != nil {
		return err
	}
	if err := tx.InsertOrder(ctx, o); err != nil {
		return err
	}
	resting, err := tx.OpenOrdersForUpdate(ctx, o.Ticker, o.Direction.Opposite())
	if err != nil {
		return err
	}

	for _, f := range matchLimit(o, resting) {
		applyFill(o, f.qty)
		applyFill(f.maker, f.qty)
		if err := e.settle(ctx, tx, led, o, f.maker, f.qty, f.price, e.clock.now()); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, f.maker); err != nil {
			return err
		}
	}
	return tx.UpdateOrder(ctx, o)
}

// admitMarket walks the book to plan a full fill. An underfilled plan
// commits the order as CANCELLED with no other state touched and reports
// UnfillableMarket; a viable plan is admission-checked against free funds
// and then executed whole.
func (e *Engine) admitMarket(ctx context.Context, tx store.Tx, led *ledger.Ledger, o *model.Order) (reject error, err error) {
	resting, err := tx.OpenOrdersForUpdate(ctx, o.Ticker, o.Direction.Opposite())
	if err != nil {
		return nil, err
	}
	plan, cost, planErr := planMarket(o, resting)
	if planErr != nil {
		o.Status = model.StatusCancelled
		if err := tx.InsertOrder(ctx, o); err != nil {
			return nil, err
		}
		return planErr, nil
	}

	if o.Direction == model.Buy {
		free, err := led.Free(ctx, o.UserID, model.CashTicker)
		if err != nil {
			return nil, err
		}
		if free < cost {
			return nil, apperr.E(apperr.InsufficientFunds, "market buy needs %d %s, free %d", cost, model.CashTicker, free)
		}
	} else {
		free, err := led.Free(ctx, o.UserID, o.Ticker)
		if err != nil {
			return nil, err
		}
		if free < o.Qty {
			return nil, apperr.E(apperr.InsufficientFunds, "market sell needs %d %s, free %d", o.Qty, o.Ticker, free)
		}
	}

	if err := tx.InsertOrder(ctx, o); err != nil {
		return nil, err
	}
	for _, f := range plan {
		applyFill(o, f.qty)
		applyFill(f.maker, f.qty)
		if err := e.settle(ctx, tx, led, o, f.maker, f.qty, f.price, e.clock.now()); err != nil {
			return nil, err
		}
		if err := tx.UpdateOrder(ctx, f.maker); err != nil {
			return nil, err
		}
	}
	return nil, tx.UpdateOrder(ctx, o)
}

// Cancel transitions an open order to CANCELLED and releases the
// reservation on its unfilled remainder. Terminal orders are rejected.
func (e *Engine) Cancel(ctx context.Context, userID, orderID uuid.UUID) error {
	return e.withRetry(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return apperr.E(apperr.Forbidden, "order %s belongs to another user", orderID)
		}
		if o.Status.Terminal() {
			return apperr.E(apperr.TerminalState, "order %s is already %s", orderID, o.Status)
		}
		if o.Type == model.Limit {
			led := ledger.New(tx, e.log)
			if err := led.ReleaseRemainder(ctx, o); err != nil {
				return err
			}
		}
		o.Status = model.StatusCancelled
		return tx.UpdateOrder(ctx, o)
	})
}

// Deposit credits a user's balance, creating the row on first use.
func (e *Engine) Deposit(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	if amount <= 0 || !tickerRe.MatchString(ticker) {
		return apperr.E(apperr.Validation, "bad deposit of %d %s", amount, ticker)
	}
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return err
	}
	if _, err := e.store.GetInstrument(ctx, ticker); err != nil {
		return err
	}
	return e.withRetry(ctx, func(tx store.Tx) error {
		return ledger.New(tx, e.log).Credit(ctx, userID, ticker, amount)
	})
}

// Withdraw debits a user's balance. It does not consult the reserved
// portion; an underfunded open order surfaces later as a settlement
// consistency failure rather than corrupting the row here.
func (e *Engine) Withdraw(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	if amount <= 0 || !tickerRe.MatchString(ticker) {
		return apperr.E(apperr.Validation, "bad withdrawal of %d %s", amount, ticker)
	}
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return err
	}
	return e.withRetry(ctx, func(tx store.Tx) error {
		return ledger.New(tx, e.log).Debit(ctx, userID, ticker, amount)
	})
}

// Order returns a single order to its owner.
func (e *Engine) Order(ctx context.Context, userID, orderID uuid.UUID) (*model.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, apperr.E(apperr.Forbidden, "order %s belongs to another user", orderID)
	}
	return o, nil
}

// Orders lists the user's orders, oldest first.
func (e *Engine) Orders(ctx context.Context, userID uuid.UUID) ([]*model.Order, error) {
	return e.store.ListOrdersByUser(ctx, userID)
}

// Level is one aggregated price level of the public book.
type Level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// L2Book is the public aggregated view of one instrument's book.
type L2Book struct {
	BidLevels []Level `json:"bid_levels"`
	AskLevels []Level `json:"ask_levels"`
}

// OrderBook aggregates open limit orders by price: bids descending, asks
// ascending, capped at limit levels per side.
func (e *Engine) OrderBook(ctx context.Context, ticker string, limit int) (*L2Book, error) {
	if _, err := e.store.GetInstrument(ctx, ticker); err != nil {
		return nil, err
	}
	bids, err := e.aggregate(ctx, ticker, model.Buy, limit)
	if err != nil {
		return nil, err
	}
	asks, err := e.aggregate(ctx, ticker, model.Sell, limit)
	if err != nil {
		return nil, err
	}
	return &L2Book{BidLevels: bids, AskLevels: asks}, nil
}

func (e *Engine) aggregate(ctx context.Context, ticker string, side model.Direction, limit int) ([]Level, error) {
	orders, err := e.store.OpenOrders(ctx, ticker, side)
	if err != nil {
		return nil, err
	}
	byPrice := make(map[int64]int64)
	for _, o := range orders {
		byPrice[o.Price] += o.Remaining()
	}
	levels := make([]Level, 0, len(byPrice))
	for price, qty := range byPrice {
		levels = append(levels, Level{Price: price, Qty: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		if side == model.Buy {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if limit > 0 && len(levels) > limit {
		levels = levels[:limit]
	}
	return levels, nil
}

// Balances maps every registered instrument to the user's amount, zero when
// the user holds none.
func (e *Engine) Balances(ctx context.Context, userID uuid.UUID) (map[string]int64, error) {
	instruments, err := e.store.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(instruments))
	for _, ins := range instruments {
		out[ins.Ticker] = 0
	}
	balances, err := e.store.ListBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, b := range balances {
		if b.Amount > 0 {
			out[b.Ticker] = b.Amount
		}
	}
	return out, nil
}

// Trades returns the trade log for a ticker, oldest first.
func (e *Engine) Trades(ctx context.Context, ticker string, limit int) ([]model.Trade, error) {
	if _, err := e.store.GetInstrument(ctx, ticker); err != nil {
		return nil, err
	}
	return e.store.ListTrades(ctx, ticker, limit)
}

// CreateInstrument registers a new tradable asset.
func (e *Engine) CreateInstrument(ctx context.Context, ins model.Instrument) error {
	if !tickerRe.MatchString(ins.Ticker) || ins.Name == "" {
		return apperr.E(apperr.Validation, "bad instrument %q (%q)", ins.Ticker, ins.Name)
	}
	return e.store.CreateInstrument(ctx, ins)
}

// DeleteInstrument removes an instrument; balances and orders cascade. The
// cash ticker is protected.
func (e *Engine) DeleteInstrument(ctx context.Context, ticker string) error {
	if ticker == model.CashTicker {
		return apperr.E(apperr.Validation, "%s cannot be delisted", model.CashTicker)
	}
	return e.store.DeleteInstrument(ctx, ticker)
}

// Instruments lists the registered instruments.
func (e *Engine) Instruments(ctx context.Context) ([]model.Instrument, error) {
	return e.store.ListInstruments(ctx)
}

// RegisterUser stores a new principal with a pre-minted api key.
func (e *Engine) RegisterUser(ctx context.Context, name string, role model.Role, apiKey string) (*model.User, error) {
	if len(name) < 3 {
		return nil, apperr.E(apperr.Validation, "name must be at least 3 characters")
	}
	u := &model.User{ID: uuid.New(), Name: name, Role: role, APIKey: apiKey}
	if err := e.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// DeleteUser removes a user; balances and orders cascade.
func (e *Engine) DeleteUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	u, err := e.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return u, e.store.DeleteUser(ctx, id)
}
