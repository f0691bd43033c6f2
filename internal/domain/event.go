package domain

import "time"

// EventType names an outbound event delivered to live connections.
type EventType string

const (
	EventOrderNew           EventType = "order.new"
	EventOrderCreated       EventType = "order.created"
	EventOrderTaken         EventType = "order.taken"
	EventOrderExpired       EventType = "order.expired"
	EventOrderAcceptSuccess EventType = "order.accept.success"
	EventOrderAcceptError   EventType = "order.accept.error"
	EventOrderDeclineAck    EventType = "order.decline.ack"
	EventRideStatusChanged  EventType = "ride.status.changed"
	EventRideCancelled      EventType = "ride.cancelled"
	EventRideJoined         EventType = "ride.joined"
	EventPaymentStatus      EventType = "payment.status"
	EventPaymentRetryReady  EventType = "payment.retry.ready"
	EventPaymentClientAck   EventType = "payment.client.ack"
	EventLocationDriver     EventType = "location.driver"
	EventLocationClient     EventType = "location.client"
	EventDriverStatus       EventType = "driver.status"
	EventError              EventType = "error"
)

// Event is a typed message pushed to a connection.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// PaymentPhase values reported in payment.status events.
const (
	PaymentPhaseProcessing = "processing"
	PaymentPhaseConfirmed  = "payment_confirmed"
	PaymentPhaseFailed     = "payment_failed"
)

// OrderView is the wire representation of an order.
type OrderView struct {
	ID                 string        `json:"id"`
	Status             OrderStatus   `json:"status"`
	AssignedDriverID   string        `json:"assigned_driver_id,omitempty"`
	AssignedDriverName string        `json:"assigned_driver_name,omitempty"`
	ClientID           string        `json:"client_id,omitempty"`
	Pricing            Pricing       `json:"pricing"`
	PaymentMethod      PaymentMethod `json:"payment_method"`
	Addresses          []Address     `json:"addresses"`
	CreatedAt          string        `json:"created_at"`
	ExpiresAt          string        `json:"expires_at"`
	CancelReason       string        `json:"cancel_reason,omitempty"`
	CancelledBy        ActorRole     `json:"cancelled_by,omitempty"`
}

// View converts the order into its wire representation.
func (o *Order) View() OrderView {
	return OrderView{
		ID:                 o.ID,
		Status:             o.Status,
		AssignedDriverID:   o.AssignedDriverID,
		AssignedDriverName: o.AssignedDriverName,
		ClientID:           o.ClientID,
		Pricing:            o.Pricing,
		PaymentMethod:      o.PaymentMethod,
		Addresses:          o.Addresses,
		CreatedAt:          o.CreatedAt.Format(time.RFC3339),
		ExpiresAt:          o.ExpiresAt.Format(time.RFC3339),
		CancelReason:       o.CancelReason,
		CancelledBy:        o.CancelledBy,
	}
}

// OrderRef identifies an order in lightweight events.
type OrderRef struct {
	OrderID string `json:"order_id"`
}

// StatusChange is the payload of ride.status.changed.
type StatusChange struct {
	OrderID    string      `json:"order_id"`
	Status     OrderStatus `json:"status"`
	DriverID   string      `json:"driver_id,omitempty"`
	DriverName string      `json:"driver_name,omitempty"`
}

// Cancellation is the payload of ride.cancelled.
type Cancellation struct {
	OrderID     string    `json:"order_id"`
	CancelledBy ActorRole `json:"cancelled_by"`
	Reason      string    `json:"reason,omitempty"`
}

// PaymentUpdate is the payload of payment.status.
type PaymentUpdate struct {
	OrderID        string        `json:"order_id"`
	Status         string        `json:"status"`
	Method         PaymentMethod `json:"method,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	RequiresAction bool          `json:"requires_action,omitempty"`
	Card           *CardInfo     `json:"card,omitempty"`
}

// ErrorPayload is the payload of error and *.error events.
type ErrorPayload struct {
	Command string `json:"command,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DriverStatus is the payload of driver.status.
type DriverStatus struct {
	SessionID string `json:"session_id"`
	DriverID  string `json:"driver_id"`
	Online    bool   `json:"online"`
}

// OrderCreated is the payload of order.created. The token is only ever sent
// to the creating connection.
type OrderCreated struct {
	Order       OrderView `json:"order"`
	ClientToken string    `json:"client_token"`
}

// RideJoined is the payload of ride.joined.
type RideJoined struct {
	Order          OrderView       `json:"order"`
	DriverLocation *DriverLocation `json:"driver_location,omitempty"`
}
