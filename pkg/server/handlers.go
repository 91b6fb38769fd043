package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/KomotsKE/stockMarketProject/pkg/engine"
	"github.com/KomotsKE/stockMarketProject/pkg/model"
)

var okMessage = map[string]bool{"success": true}

type registerBody struct {
	Name string     `json:"name"`
	Role model.Role `json:"role,omitempty"`
}

type userResponse struct {
	ID     uuid.UUID  `json:"id"`
	Name   string     `json:"name"`
	Role   model.Role `json:"role"`
	APIKey string     `json:"api_key"`
}

func (s *Server) register(c echo.Context) error {
	var body registerBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Role == "" {
		body.Role = model.RoleUser
	}
	key, err := s.minter.Mint(body.Name)
	if err != nil {
		return err
	}
	u, err := s.engine.RegisterUser(c.Request().Context(), body.Name, body.Role, key)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, userResponse{ID: u.ID, Name: u.Name, Role: u.Role, APIKey: u.APIKey})
}

func (s *Server) deleteUser(c echo.Context) error {
	id, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad user id")
	}
	u, err := s.engine.DeleteUser(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, userResponse{ID: u.ID, Name: u.Name, Role: u.Role, APIKey: u.APIKey})
}

type createOrderResponse struct {
	Success bool      `json:"success"`
	OrderID uuid.UUID `json:"order_id"`
}

func (s *Server) createOrder(c echo.Context) error {
	var req engine.PlaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := s.engine.PlaceOrder(c.Request().Context(), currentUser(c).ID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, createOrderResponse{Success: true, OrderID: o.ID})
}

// orderBody mirrors the request shape inside order listings.
type orderBody struct {
	Direction model.Direction `json:"direction"`
	Ticker    string          `json:"ticker"`
	Qty       int64           `json:"qty"`
	Price     *int64          `json:"price,omitempty"`
}

type orderResponse struct {
	ID        uuid.UUID         `json:"id"`
	Status    model.OrderStatus `json:"status"`
	UserID    uuid.UUID         `json:"user_id"`
	Timestamp string            `json:"timestamp"`
	Body      orderBody         `json:"body"`
	Filled    *int64            `json:"filled,omitempty"`
}

func renderOrder(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:        o.ID,
		Status:    o.Status,
		UserID:    o.UserID,
		Timestamp: o.Timestamp.Format("2006-01-02T15:04:05.999999Z07:00"),
		Body: orderBody{
			Direction: o.Direction,
			Ticker:    o.Ticker,
			Qty:       o.Qty,
		},
	}
	if o.Type == model.Limit {
		price, filled := o.Price, o.Filled
		resp.Body.Price = &price
		resp.Filled = &filled
	}
	return resp
}

func (s *Server) listOrders(c echo.Context) error {
	orders, err := s.engine.Orders(c.Request().Context(), currentUser(c).ID)
	if err != nil {
		return err
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, renderOrder(o))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad order id")
	}
	o, err := s.engine.Order(c.Request().Context(), currentUser(c).ID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, renderOrder(o))
}

func (s *Server) cancelOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad order id")
	}
	if err := s.engine.Cancel(c.Request().Context(), currentUser(c).ID, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, okMessage)
}

func (s *Server) balances(c echo.Context) error {
	out, err := s.engine.Balances(c.Request().Context(), currentUser(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type balanceTransaction struct {
	UserID uuid.UUID `json:"user_id"`
	Ticker string    `json:"ticker"`
	Amount int64     `json:"amount"`
}

func (s *Server) deposit(c echo.Context) error {
	var body balanceTransaction
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.engine.Deposit(c.Request().Context(), body.UserID, body.Ticker, body.Amount); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, okMessage)
}

func (s *Server) withdraw(c echo.Context) error {
	var body balanceTransaction
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.engine.Withdraw(c.Request().Context(), body.UserID, body.Ticker, body.Amount); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, okMessage)
}

func (s *Server) listInstruments(c echo.Context) error {
	out, err := s.engine.Instruments(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createInstrument(c echo.Context) error {
	var ins model.Instrument
	if err := c.Bind(&ins); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.engine.CreateInstrument(c.Request().Context(), ins); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, okMessage)
}

func (s *Server) deleteInstrument(c echo.Context) error {
	if err := s.engine.DeleteInstrument(c.Request().Context(), c.Param("ticker")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, okMessage)
}

func (s *Server) orderbook(c echo.Context) error {
	limit := queryInt(c, "limit", 10)
	book, err := s.engine.OrderBook(c.Request().Context(), c.Param("ticker"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, book)
}

func (s *Server) trades(c echo.Context) error {
	limit := queryInt(c, "limit", 10)
	out, err := s.engine.Trades(c.Request().Context(), c.Param("ticker"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
