package handler

import (
	"github.com/gin-gonic/gin"

	"ridedispatch/internal/realtime"
)

// WebSocketHandler upgrades connections onto the realtime hub.
type WebSocketHandler struct {
	hub *realtime.Hub
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(hub *realtime.Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// Serve handles GET /v1/ws
func (h *WebSocketHandler) Serve(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}
