package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents the status of a settlement record.
type PaymentStatus string

const (
	PaymentStatusSuccess  PaymentStatus = "SUCCESS"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// Payment is the settlement record written when an order is paid.
type Payment struct {
	ID             string
	OrderID        string
	Amount         decimal.Decimal
	Currency       string
	Method         PaymentMethod
	Status         PaymentStatus
	ChargeID       string
	CardBrand      string
	CardLast4      string
	IdempotencyKey string
	CreatedAt      time.Time
}

// PaymentInstrument is a client's stored card, managed outside this core.
type PaymentInstrument struct {
	ID        string
	ClientID  string
	Reference string // gateway-side handle
	Brand     string
	Last4     string
	IsDefault bool
}

// CardInfo is the masked card data shown to both parties.
type CardInfo struct {
	Brand string `json:"brand,omitempty"`
	Last4 string `json:"last4,omitempty"`
}

// PaymentConfirmationState tracks an in-flight settlement attempt for one order.
type PaymentConfirmationState struct {
	InProgress bool
	Attempt    int
	StartedAt  time.Time
}
