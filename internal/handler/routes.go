package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	AllowedOrigins []string
	// BodyLimit caps request bodies, in echo's size notation. Defaults to "2M".
	BodyLimit string
}

// NewServer builds the echo instance with middleware and all routes registered.
func NewServer(cfg ServerConfig, investigations Investigations, tokens TokenValidator) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler
	e.Validator = NewAppValidator()

	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "2M"
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(RequestLogger())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  cfg.AllowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentType},
			ExposeHeaders: []string{echo.HeaderXRequestID},
			MaxAge:        300,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return JSON(c, http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	h := NewInvestigationHandler(investigations)
	api := e.Group("/api/v1", JWTAuth(tokens))
	api.POST("/investigations", h.Submit)
	api.GET("/investigations/:id", h.Get)

	return e
}
