package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"ridedispatch/internal/service"
)

// PaymentHandler handles HTTP requests for settlements.
type PaymentHandler struct {
	payments *service.PaymentCoordinator
	orders   *service.OrderService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(payments *service.PaymentCoordinator, orders *service.OrderService) *PaymentHandler {
	return &PaymentHandler{payments: payments, orders: orders}
}

// PaymentResponse is the HTTP response for a settlement record.
type PaymentResponse struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Method    string          `json:"method"`
	Status    string          `json:"status"`
	CardBrand string          `json:"card_brand,omitempty"`
	CardLast4 string          `json:"card_last4,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// GetPayment handles GET /v1/orders/:id/payment
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	ctx := c.Request.Context()

	order, err := h.orders.Viewable(ctx, c.Param("id"), c.GetHeader(clientTokenHeader), c.GetHeader(sessionHeader))
	if err != nil {
		respondError(c, err)
		return
	}

	payment, err := h.payments.Settlement(ctx, order.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, PaymentResponse{
		ID:        payment.ID,
		OrderID:   payment.OrderID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Method:    string(payment.Method),
		Status:    string(payment.Status),
		CardBrand: payment.CardBrand,
		CardLast4: payment.CardLast4,
		CreatedAt: payment.CreatedAt.Format(time.RFC3339),
	})
}
