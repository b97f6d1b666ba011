package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/parleyhq/parley/cmd/chatd/container"
	"github.com/parleyhq/parley/cmd/chatd/routes"
	"github.com/parleyhq/parley/common/bootstrap"
	parleymw "github.com/parleyhq/parley/common/middleware"
	"github.com/parleyhq/parley/common/server"
)

func main() {
	ctx := context.Background()

	// Local development convenience; missing .env is fine
	_ = godotenv.Load()

	// Bootstrap common components (DB, logger, redis, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "chatd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap chatd: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Cross-instance abort broadcasts
	go func() {
		if err := serviceContainer.Aborts.Start(ctx); err != nil {
			components.Logger.Error("abort subscriber stopped", "error", err)
		}
	}()

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e, serviceContainer)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server
	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, serviceContainer *container.Container) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	// Per-owner API ceiling; the per-generation tiered limits are enforced
	// separately by the orchestrator
	if serviceContainer.Limiter != nil {
		limit := serviceContainer.Components.Config.Limits.APIRequestsPerMin
		e.Use(parleymw.OwnerRateLimit(serviceContainer.Limiter, limit))
	}
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status":  "degraded",
				"service": "chatd",
				"error":   err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "chatd",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterGenerationRoutes(e, serviceContainer)
	routes.RegisterProfileRoutes(e, serviceContainer)
}

// startServer runs the Echo handler behind the graceful-shutdown wrapper
func startServer(e *echo.Echo, components *bootstrap.Components) {
	srv := server.New("chatd", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
