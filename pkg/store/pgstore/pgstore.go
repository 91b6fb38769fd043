// Package pgstore is the Postgres store implementation on pgx. Row locks
// use FOR UPDATE NOWAIT so contended transactions fail fast and the gateway
// retries them; the canonical (user_id, ticker) ordering of lock selects
// keeps concurrent settlements off each other's toes.
package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/model"
	"github.com/KomotsKE/stockMarketProject/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS "user" (
	id       uuid PRIMARY KEY,
	name     text NOT NULL,
	role     text NOT NULL,
	api_key  text NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS instrument (
	ticker  text PRIMARY KEY CHECK (ticker ~ '^[A-Z]{2,10}$'),
	name    text NOT NULL
);

CREATE TABLE IF NOT EXISTS balance (
	user_id   uuid NOT NULL REFERENCES "user"(id) ON DELETE CASCADE,
	ticker    text NOT NULL REFERENCES instrument(ticker) ON DELETE CASCADE,
	amount    bigint NOT NULL DEFAULT 0 CHECK (amount >= 0),
	reserved  bigint NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= amount),
	PRIMARY KEY (user_id, ticker)
);

CREATE TABLE IF NOT EXISTS "order" (
	id         uuid PRIMARY KEY,
	user_id    uuid NOT NULL REFERENCES "user"(id) ON DELETE CASCADE,
	ticker     text NOT NULL REFERENCES instrument(ticker) ON DELETE CASCADE,
	type       text NOT NULL,
	direction  text NOT NULL,
	qty        bigint NOT NULL CHECK (qty >= 1),
	price      bigint NOT NULL DEFAULT 0 CHECK (price >= 0),
	filled     bigint NOT NULL DEFAULT 0 CHECK (filled >= 0 AND filled <= qty),
	status     text NOT NULL,
	ts         timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS order_book_idx
	ON "order" (ticker, direction, price, ts)
	WHERE status IN ('NEW', 'PARTIALLY_EXECUTED');

CREATE TABLE IF NOT EXISTS "transaction" (
	id      uuid PRIMARY KEY,
	ticker  text NOT NULL REFERENCES instrument(ticker) ON DELETE CASCADE,
	amount  bigint NOT NULL,
	price   bigint NOT NULL,
	ts      timestamptz NOT NULL
);

INSERT INTO instrument (ticker, name)
	VALUES ('RUB', 'Russian rouble')
	ON CONFLICT DO NOTHING;
`

const orderCols = `id, user_id, ticker, type, direction, qty, price, filled, status, ts`

// Store wraps a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the schema and seeds the cash instrument.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return errors.Wrap(err, "applying schema")
}

// classify converts driver errors into engine error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03": // lock_not_available
			return apperr.Wrap(apperr.Contention, err, "row locked")
		case "23514": // check_violation
			return apperr.Wrap(apperr.Consistency, err, "row invariant violated")
		case "23505": // unique_violation
			return apperr.Wrap(apperr.Validation, err, "duplicate row")
		case "23503": // foreign_key_violation
			return apperr.Wrap(apperr.NotFound, err, "referenced row missing")
		}
	}
	return err
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO "user" (id, name, role, api_key) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Name, u.Role, u.APIKey)
	return classify(err)
}

func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM "user" WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.E(apperr.NotFound, "user %s not found", id)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, name, role, api_key FROM "user" WHERE id = $1`, id))
}

func (s *Store) GetUserByKey(ctx context.Context, apiKey string) (*model.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, name, role, api_key FROM "user" WHERE api_key = $1`, apiKey))
}

func (s *Store) scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.APIKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.E(apperr.NotFound, "user not found")
		}
		return nil, classify(err)
	}
	return &u, nil
}

func (s *Store) CreateInstrument(ctx context.Context, ins model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instrument (ticker, name) VALUES ($1, $2)`, ins.Ticker, ins.Name)
	return classify(err)
}

func (s *Store) DeleteInstrument(ctx context.Context, ticker string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM instrument WHERE ticker = $1`, ticker)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.E(apperr.NotFound, "instrument %s not found", ticker)
	}
	return nil
}

func (s *Store) GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error) {
	var ins model.Instrument
	err := s.pool.QueryRow(ctx,
		`SELECT ticker, name FROM instrument WHERE ticker = $1`, ticker).
		Scan(&ins.Ticker, &ins.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "instrument %s not found", ticker)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &ins, nil
}

func (s *Store) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx, `SELECT ticker, name FROM instrument ORDER BY ticker`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Instrument
	for rows.Next() {
		var ins model.Instrument
		if err := rows.Scan(&ins.Ticker, &ins.Name); err != nil {
			return nil, classify(err)
		}
		out = append(out, ins)
	}
	return out, classify(rows.Err())
}

func (s *Store) ListBalances(ctx context.Context, userID uuid.UUID) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, ticker, amount, reserved FROM balance WHERE user_id = $1 ORDER BY ticker`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Balance
	for rows.Next() {
		var b model.Balance
		if err := rows.Scan(&b.UserID, &b.Ticker, &b.Amount, &b.Reserved); err != nil {
			return nil, classify(err)
		}
		out = append(out, b)
	}
	return out, classify(rows.Err())
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM "order" WHERE id = $1`, id))
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]*model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM "order" WHERE user_id = $1 ORDER BY ts`, userID)
	if err != nil {
		return nil, classify(err)
	}
	return scanOrders(rows)
}

func (s *Store) OpenOrders(ctx context.Context, ticker string, side model.Direction) ([]*model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM "order"
		 WHERE ticker = $1 AND direction = $2
		   AND status IN ('NEW', 'PARTIALLY_EXECUTED') AND filled < qty
		 ORDER BY `+priceOrder(side)+`, ts, id`, ticker, side)
	if err != nil {
		return nil, classify(err)
	}
	return scanOrders(rows)
}

func (s *Store) ListTrades(ctx context.Context, ticker string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, ticker, amount, price, ts FROM "transaction"
		 WHERE ticker = $1 ORDER BY ts LIMIT $2`, ticker, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.Ticker, &t.Amount, &t.Price, &t.Timestamp); err != nil {
			return nil, classify(err)
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

func priceOrder(side model.Direction) string {
	if side == model.Buy {
		return "price DESC"
	}
	return "price ASC"
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Type, &o.Direction,
		&o.Qty, &o.Price, &o.Filled, &o.Status, &o.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "order not found")
	}
	if err != nil {
		return nil, classify(err)
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]*model.Order, error) {
	defer rows.Close()
	var out []*model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Type, &o.Direction,
			&o.Qty, &o.Price, &o.Filled, &o.Status, &o.Timestamp); err != nil {
			return nil, classify(err)
		}
		out = append(out, &o)
	}
	return out, classify(rows.Err())
}

// pgTx implements store.Tx over one pgx transaction. Staged writes are
// ordinary statements inside the transaction; re-locking a row already held
// by this transaction is a no-op for Postgres.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit() error   { return classify(t.tx.Commit(context.Background())) }
func (t *pgTx) Rollback() error { return classify(t.tx.Rollback(context.Background())) }

func (t *pgTx) LockBalances(ctx context.Context, keys []store.BalanceKey) (map[store.BalanceKey]*model.Balance, error) {
	keys = store.SortKeys(keys)
	if len(keys) == 0 {
		return map[store.BalanceKey]*model.Balance{}, nil
	}
	conds := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys)*2)
	for i, k := range keys {
		conds = append(conds, fmt.Sprintf("(user_id = $%d AND ticker = $%d)", i*2+1, i*2+2))
		args = append(args, k.UserID, k.Ticker)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT user_id, ticker, amount, reserved FROM balance
		 WHERE `+strings.Join(conds, " OR ")+`
		 ORDER BY user_id, ticker
		 FOR UPDATE NOWAIT`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := make(map[store.BalanceKey]*model.Balance, len(keys))
	for rows.Next() {
		var b model.Balance
		if err := rows.Scan(&b.UserID, &b.Ticker, &b.Amount, &b.Reserved); err != nil {
			return nil, classify(err)
		}
		out[store.BalanceKey{UserID: b.UserID, Ticker: b.Ticker}] = &b
	}
	return out, classify(rows.Err())
}

func (t *pgTx) CreateBalance(ctx context.Context, key store.BalanceKey) (*model.Balance, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balance (user_id, ticker, amount, reserved) VALUES ($1, $2, 0, 0)`,
		key.UserID, key.Ticker)
	if err != nil {
		return nil, classify(err)
	}
	return &model.Balance{UserID: key.UserID, Ticker: key.Ticker}, nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, b *model.Balance) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE balance SET amount = $3, reserved = $4 WHERE user_id = $1 AND ticker = $2`,
		b.UserID, b.Ticker, b.Amount, b.Reserved)
	return classify(err)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO "order" (`+orderCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.UserID, o.Ticker, o.Type, o.Direction, o.Qty, o.Price, o.Filled, o.Status, o.Timestamp)
	return classify(err)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE "order" SET filled = $2, status = $3 WHERE id = $1`,
		o.ID, o.Filled, o.Status)
	return classify(err)
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderCols+` FROM "order" WHERE id = $1 FOR UPDATE NOWAIT`, id))
}

func (t *pgTx) OpenOrdersForUpdate(ctx context.Context, ticker string, side model.Direction) ([]*model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderCols+` FROM "order"
		 WHERE ticker = $1 AND direction = $2
		   AND status IN ('NEW', 'PARTIALLY_EXECUTED') AND filled < qty
		 ORDER BY `+priceOrder(side)+`, ts, id
		 FOR UPDATE NOWAIT`, ticker, side)
	if err != nil {
		return nil, classify(err)
	}
	return scanOrders(rows)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO "transaction" (id, ticker, amount, price, ts) VALUES ($1, $2, $3, $4, $5)`,
		tr.ID, tr.Ticker, tr.Amount, tr.Price, tr.Timestamp)
	return classify(err)
}
