package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/weftd/container"
	"github.com/weftlabs/weft/engine/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now (TODO: Configure CORS properly in production)
		return true
	},
}

// StreamHandler attaches event stream consumers to executions
type StreamHandler struct {
	container *container.Container
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(c *container.Container) *StreamHandler {
	return &StreamHandler{container: c}
}

// Events streams execution events over SSE. The execution may be running
// on another replica; the relay feeds those events into the local bus, so
// subscribing here is always valid.
// GET /api/v1/executions/:id/events
func (h *StreamHandler) Events(c echo.Context) error {
	sub := h.container.Bus.Subscribe(c.Param("id"))
	return stream.ServeSSE(c.Response(), c.Request(), sub, stream.SSEOptions{
		KeepAliveInterval: h.container.Components.Config.Streaming.KeepAliveInterval,
	})
}

// Socket streams execution events over a WebSocket
// GET /api/v1/executions/:id/ws
func (h *StreamHandler) Socket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the failure response
		return nil
	}
	sub := h.container.Bus.Subscribe(c.Param("id"))
	return stream.ServeWebSocket(conn, sub)
}
