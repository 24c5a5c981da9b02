package handler

import (
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ZeroPathAI/openerrata/internal/domain"
)

const contextKeyClientID = "client_id"

// TokenValidator resolves a bearer token to a client id.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// RequestLogger logs each HTTP request with structured fields.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Resolve the status before logging it.
				c.Error(err)
			}

			slog.Info("http request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"client_id", c.Get(contextKeyClientID),
			)

			return nil
		}
	}
}

// JWTAuth validates the Bearer token and injects the client ID into echo context.
func JWTAuth(tokens TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return domain.ErrUnauthorized
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				return domain.ErrUnauthorized
			}

			clientID, err := tokens.Validate(parts[1])
			if err != nil {
				return domain.ErrUnauthorized
			}

			c.Set(contextKeyClientID, clientID)
			return next(c)
		}
	}
}

// GetClientID extracts the authenticated client ID from echo context.
func GetClientID(c echo.Context) (string, bool) {
	id, ok := c.Get(contextKeyClientID).(string)
	return id, ok
}
