// Package server exposes the exchange engine over HTTP. Routes, auth scheme
// and response shapes follow the v1 API: api keys in `Authorization: TOKEN`
// headers, a public sub-tree for registration and market data, and an admin
// sub-tree for instruments and balance operations.
package server

import (
	"fmt"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/engine"
	"github.com/KomotsKE/stockMarketProject/pkg/store"
)

// Server wires the engine to an echo instance.
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	store  store.Store
	minter *Minter
	log    *zap.Logger
}

// New builds the HTTP surface.
func New(eng *engine.Engine, st store.Store, minter *Minter, log *zap.Logger) *Server {
	s := &Server{
		echo:   echo.New(),
		engine: eng,
		store:  st,
		minter: minter,
		log:    log,
	}
	s.echo.HideBanner = true
	s.echo.HTTPErrorHandler = s.errorHandler
	s.echo.Use(count)
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.echo.Group("/api/v1")

	pub := v1.Group("/public")
	pub.POST("/register", s.register)
	pub.GET("/instrument", s.listInstruments)
	pub.GET("/orderbook/:ticker", s.orderbook)
	pub.GET("/transaction/:ticker", s.trades)

	auth := v1.Group("", s.authenticate)
	auth.POST("/order", s.createOrder)
	auth.GET("/order", s.listOrders)
	auth.GET("/order/:id", s.getOrder)
	auth.DELETE("/order/:id", s.cancelOrder)
	auth.GET("/balance", s.balances)

	admin := auth.Group("/admin", s.requireAdmin)
	admin.POST("/balance/deposit", s.deposit)
	admin.POST("/balance/withdraw", s.withdraw)
	admin.POST("/instrument", s.createInstrument)
	admin.DELETE("/instrument/:ticker", s.deleteInstrument)
	admin.DELETE("/user/:user_id", s.deleteUser)
}

// Run starts serving on addr until the listener fails.
func (s *Server) Run(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// errorHandler maps engine error kinds onto the HTTP contract.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, map[string]interface{}{"detail": he.Message})
		return
	}
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	if kind != 0 {
		status = kind.HTTPStatus()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	_ = c.JSON(status, map[string]interface{}{"detail": err.Error()})
}

// count is the per-path request counter middleware.
func count(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := metrics.GetOrCreateCounter(fmt.Sprintf(`requests_total{path=%q}`, c.Path()))
		path.Inc()
		return next(c)
	}
}
