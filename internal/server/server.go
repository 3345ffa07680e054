// Package server wires the HTTP API around the pipeline runner and run store.
package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/trialops/ptd/internal/config"
	"github.com/trialops/ptd/internal/pipeline"
	"github.com/trialops/ptd/internal/platform/auth"
	"github.com/trialops/ptd/internal/platform/middleware"
	"github.com/trialops/ptd/internal/runner"
	"github.com/trialops/ptd/internal/runstore"
)

// New builds the echo server with all middleware and routes registered.
func New(cfg *config.Config, stages *pipeline.StageConfigs, repo runstore.Repository, log zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(log))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	h := NewHandler(repo, runner.New(stages, log), cfg.DataDir, log)
	h.RegisterRoutes(apiV1)

	return e
}
