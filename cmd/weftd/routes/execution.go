package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/weftd/container"
	"github.com/weftlabs/weft/cmd/weftd/handlers"
	"github.com/weftlabs/weft/common/middleware"
)

// RegisterExecutionRoutes registers the execution lifecycle and streaming
// endpoints. Rate limits guard execution starts only; status and stream
// reads stay unthrottled.
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecutionHandler(c)
	s := handlers.NewStreamHandler(c)

	executions := e.Group("/api/v1/executions", middleware.ExtractUsername())

	start := []echo.MiddlewareFunc{}
	if c.Limiter != nil {
		cfg := c.Components.Config.RateLimit
		start = append(start,
			middleware.GlobalRateLimitMiddleware(c.Limiter, cfg.GlobalLimit),
			middleware.UserRateLimitMiddleware(c.Limiter, cfg.UserLimit),
		)
	}

	executions.POST("", h.Start, start...)          // POST /api/v1/executions
	executions.GET("/:id", h.Status)                // GET /api/v1/executions/{execution_id}
	executions.POST("/:id/cancel", h.Cancel)        // POST /api/v1/executions/{execution_id}/cancel
	executions.POST("/:id/signals/:node", h.Signal) // POST /api/v1/executions/{execution_id}/signals/{node_id}
	executions.GET("/:id/events", s.Events)         // GET /api/v1/executions/{execution_id}/events (SSE)
	executions.GET("/:id/ws", s.Socket)             // GET /api/v1/executions/{execution_id}/ws
}
