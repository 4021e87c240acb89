// Package routes wires the weftd API surface onto the echo instance.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/weftd/container"
	"github.com/weftlabs/weft/cmd/weftd/handlers"
	"github.com/weftlabs/weft/common/middleware"
)

// RegisterWorkflowRoutes registers workflow registration and retrieval
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c)

	workflows := e.Group("/api/v1/workflows", middleware.ExtractUsername())
	{
		workflows.POST("", h.Register)      // POST /api/v1/workflows
		workflows.GET("/:id", h.Get)        // GET /api/v1/workflows/{workflow_id}
		workflows.PATCH("/:id", h.Patch)    // PATCH /api/v1/workflows/{workflow_id}
	}
}
