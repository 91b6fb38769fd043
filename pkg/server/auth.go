package server

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/KomotsKE/stockMarketProject/pkg/model"
)

const userKey = "user"

// Minter issues api keys as signed JWTs over the user's name. The key is
// stored on the user row and looked up verbatim on every request; the
// signature just makes keys unforgeable offline.
type Minter struct {
	secret []byte
}

// NewMinter builds a minter from the configured secret.
func NewMinter(secret string) *Minter {
	return &Minter{secret: []byte(secret)}
}

// Mint signs an api key for the given user name.
func (m *Minter) Mint(name string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": name})
	return token.SignedString(m.secret)
}

// authenticate resolves the `Authorization: TOKEN <api_key>` header into a
// user and stashes it on the request context.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "authorization header missing")
		}
		key, ok := strings.CutPrefix(header, "TOKEN ")
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header format")
		}
		u, err := s.store.GetUserByKey(c.Request().Context(), key)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "token invalid")
		}
		c.Set(userKey, u)
		return next(c)
	}
}

// requireAdmin guards the admin surface.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if currentUser(c).Role != model.RoleAdmin {
			return echo.NewHTTPError(http.StatusForbidden, "not enough rights")
		}
		return next(c)
	}
}

func currentUser(c echo.Context) *model.User {
	return c.Get(userKey).(*model.User)
}
