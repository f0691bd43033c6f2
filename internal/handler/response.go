package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/service"
)

const (
	clientTokenHeader = "X-Client-Token"
	sessionHeader     = "X-Session-ID"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError sends an error response with the appropriate HTTP status code.
func respondError(c *gin.Context, err error) {
	code := mapErrorToHTTPStatus(err)
	c.JSON(code, ErrorResponse{Error: service.PublicMessage(err)})
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(c *gin.Context, code int, data any) {
	c.JSON(code, data)
}

// mapErrorToHTTPStatus maps service/repository errors to HTTP status codes.
func mapErrorToHTTPStatus(err error) int {
	switch service.KindOf(err) {
	case service.KindNotFound, service.KindSilent:
		return http.StatusNotFound
	case service.KindInvalid:
		return http.StatusBadRequest
	case service.KindConflict:
		return http.StatusConflict
	case service.KindUnauthorized:
		return http.StatusForbidden
	case service.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
