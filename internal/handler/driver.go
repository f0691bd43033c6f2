package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/repository"
	"ridedispatch/internal/service"
)

// DriverHandler handles HTTP requests for drivers.
type DriverHandler struct {
	sessions *service.SessionRegistry
	orders   *service.OrderService
}

// NewDriverHandler creates a new DriverHandler.
func NewDriverHandler(sessions *service.SessionRegistry, orders *service.OrderService) *DriverHandler {
	return &DriverHandler{
		sessions: sessions,
		orders:   orders,
	}
}

// CreateSessionRequest is the HTTP request body for opening a driver session.
type CreateSessionRequest struct {
	DriverID string `json:"driver_id"`
}

// SessionResponse is the HTTP response for a driver session.
type SessionResponse struct {
	SessionID  string `json:"session_id"`
	DriverID   string `json:"driver_id"`
	DriverName string `json:"driver_name"`
	ExpiresAt  string `json:"expires_at"`
}

// CreateSession handles POST /v1/sessions
// It is called by the login service once it has authenticated the driver.
func (h *DriverHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if req.DriverID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "driver_id is required"})
		return
	}

	session, err := h.sessions.Login(c.Request.Context(), req.DriverID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, SessionResponse{
		SessionID:  session.ID,
		DriverID:   session.DriverID,
		DriverName: session.DriverName,
		ExpiresAt:  session.ExpiresAt.Format(time.RFC3339),
	})
}

// GetActiveOrder handles GET /v1/drivers/:id/active-order
// The caller must present the driver's own session in X-Session-ID.
func (h *DriverHandler) GetActiveOrder(c *gin.Context) {
	sessionID := c.GetHeader(sessionHeader)
	if sessionID == "" {
		respondError(c, repository.ErrNotFound)
		return
	}

	order, err := h.orders.ActiveForDriver(c.Request.Context(), c.Param("id"), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, order.View())
}
