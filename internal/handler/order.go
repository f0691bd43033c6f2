package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
	"ridedispatch/internal/service"
)

// OrderHandler handles HTTP requests for orders.
type OrderHandler struct {
	dispatcher *service.Dispatcher
	orders     *service.OrderService
	locations  *service.LocationRelay
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(dispatcher *service.Dispatcher, orders *service.OrderService, locations *service.LocationRelay) *OrderHandler {
	return &OrderHandler{
		dispatcher: dispatcher,
		orders:     orders,
		locations:  locations,
	}
}

// CreateOrderRequest is the HTTP request body for creating an order.
type CreateOrderRequest struct {
	ClientID      string           `json:"client_id,omitempty"`
	Pricing       domain.Pricing   `json:"pricing"`
	PaymentMethod string           `json:"payment_method,omitempty"` // cash, card
	Addresses     []domain.Address `json:"addresses"`
}

// CreateOrderResponse is the HTTP response for creating an order.
type CreateOrderResponse struct {
	Order       domain.OrderView `json:"order"`
	ClientToken string           `json:"client_token"`
}

// LocationResponse is the HTTP response for the latest driver location.
type LocationResponse struct {
	OrderID  string           `json:"order_id"`
	Location *domain.Location `json:"location"` // null until the first fix
}

// CreateOrder handles POST /v1/orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	result, err := h.dispatcher.CreateOrder(c.Request.Context(), service.CreateOrderRequest{
		ClientID:      req.ClientID,
		Pricing:       req.Pricing,
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
		Addresses:     req.Addresses,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, CreateOrderResponse{
		Order:       result.Order.View(),
		ClientToken: result.ClientToken,
	})
}

// GetOrder handles GET /v1/orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.orders.Viewable(c.Request.Context(), c.Param("id"), c.GetHeader(clientTokenHeader), c.GetHeader(sessionHeader))
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, order.View())
}

// GetOrderLocation handles GET /v1/orders/:id/location
func (h *OrderHandler) GetOrderLocation(c *gin.Context) {
	ctx := c.Request.Context()

	order, err := h.orders.Viewable(ctx, c.Param("id"), c.GetHeader(clientTokenHeader), c.GetHeader(sessionHeader))
	if err != nil {
		respondError(c, err)
		return
	}

	loc, err := h.locations.LatestDriverLocation(ctx, order.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	response := LocationResponse{OrderID: order.ID}
	if loc != nil {
		response.Location = &loc.Location
	}
	respondJSON(c, http.StatusOK, response)
}

// GetClientActiveOrder handles GET /v1/clients/:id/active-order
// The caller must present the order's client token in X-Client-Token.
func (h *OrderHandler) GetClientActiveOrder(c *gin.Context) {
	token := c.GetHeader(clientTokenHeader)
	if token == "" {
		respondError(c, repository.ErrNotFound)
		return
	}

	order, err := h.orders.ActiveForClient(c.Request.Context(), c.Param("id"), token)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, order.View())
}
