// Package model holds the plain row structs shared by the storage layer and
// the engine. Rows are owned by the store; the engine borrows them for the
// duration of one transaction and never retains references across commits.
package model

import (
	"time"

	"github.com/google/uuid"
)

// CashTicker is the reserved ticker for the fiat cash leg. Every buy-side
// order settles against it.
const CashTicker = "RUB"

// Role controls access to the admin surface.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// OrderType distinguishes resting-capable limit orders from
// full-fill-or-reject market orders.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// Direction is the side of an order.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the other side of the book.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus forms the order state machine. Terminal orders stay in the
// store as historical records; the book excludes them by status.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusPartial   OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is permitted.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// User is an API principal. The api key is minted once at registration.
type User struct {
	ID     uuid.UUID
	Name   string
	Role   Role
	APIKey string
}

// Instrument is an admin-registered tradable asset, immutable once created.
type Instrument struct {
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// Balance is one (user, ticker) row. Amount and Reserved only mutate inside
// a transaction that holds the row lock; Reserved collateralizes open limit
// orders and is not spendable by other orders.
type Balance struct {
	UserID   uuid.UUID
	Ticker   string
	Amount   int64
	Reserved int64
}

// Free is the spendable portion of the row.
func (b *Balance) Free() int64 {
	return b.Amount - b.Reserved
}

// Order is a single order row. Price is set for LIMIT and zero for MARKET.
type Order struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Ticker    string
	Type      OrderType
	Direction Direction
	Qty       int64
	Price     int64
	Filled    int64
	Status    OrderStatus
	Timestamp time.Time
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Qty - o.Filled
}

// Open reports whether the order belongs on the book.
func (o *Order) Open() bool {
	return (o.Status == StatusNew || o.Status == StatusPartial) && o.Remaining() > 0
}

// Clone returns a copy safe to hand outside the store.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Trade is one executed fill, append-only.
type Trade struct {
	ID        uuid.UUID `json:"id"`
	Ticker    string    `json:"ticker"`
	Amount    int64     `json:"amount"`
	Price     int64     `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
