package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/weftlabs/weft/cmd/weftd/container"
	"github.com/weftlabs/weft/cmd/weftd/routes"
	"github.com/weftlabs/weft/common/bootstrap"
	"github.com/weftlabs/weft/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap common components (config, logger, redis, postgres, cache)
	components, err := bootstrap.Setup(ctx, "weftd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap weftd: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	c, err := container.New(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	registerRoutes(e, c)

	startBackground(ctx, c)

	if components.Telemetry != nil {
		components.Telemetry.RecordEvent("service_started", map[string]any{
			"port":    components.Config.Service.Port,
			"workers": components.Config.Engine.WorkerCount,
			"relay":   c.Relay != nil,
		})
	}

	// Start server with graceful shutdown
	srv := server.New("weftd", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "degraded",
				"service": "weftd",
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "weftd",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterWorkflowRoutes(e, c)
	routes.RegisterExecutionRoutes(e, c)
}

// startBackground launches the cluster relay listener and the async run
// workers. Both stop when ctx is cancelled at shutdown.
func startBackground(ctx context.Context, c *container.Container) {
	log := c.Components.Logger

	if c.Relay != nil {
		go func() {
			if err := c.Relay.Listen(ctx, c.Components.Redis); err != nil && ctx.Err() == nil {
				log.Error("cluster relay stopped", "error", err)
			}
		}()
		log.Info("cluster event relay enabled")
	}

	if c.Workers != nil {
		if err := c.Workers.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start worker pool: %v\n", err)
			os.Exit(1)
		}
	}
}
