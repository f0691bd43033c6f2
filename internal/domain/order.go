package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus represents the current status of an order.
type OrderStatus string

const (
	OrderStatusPending          OrderStatus = "pending"
	OrderStatusAccepted         OrderStatus = "accepted"
	OrderStatusDriverEnroute    OrderStatus = "driver_enroute"
	OrderStatusDriverArrived    OrderStatus = "driver_arrived"
	OrderStatusInProgress       OrderStatus = "in_progress"
	OrderStatusCompleted        OrderStatus = "completed"
	OrderStatusPaymentPending   OrderStatus = "payment_pending"
	OrderStatusPaymentConfirmed OrderStatus = "payment_confirmed"
	OrderStatusPaymentFailed    OrderStatus = "payment_failed"
	OrderStatusCancelled        OrderStatus = "cancelled"
	OrderStatusExpired          OrderStatus = "expired"
	OrderStatusDeclined         OrderStatus = "declined"
)

// transitions lists the statuses reachable from each status.
// Ride stages may skip forward, so every later stage is listed.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusAccepted, OrderStatusExpired, OrderStatusDeclined, OrderStatusCancelled,
	},
	OrderStatusAccepted: {
		OrderStatusDriverEnroute, OrderStatusDriverArrived, OrderStatusInProgress, OrderStatusCancelled,
	},
	OrderStatusDriverEnroute: {
		OrderStatusDriverArrived, OrderStatusInProgress, OrderStatusCancelled,
	},
	OrderStatusDriverArrived: {
		OrderStatusInProgress, OrderStatusCancelled,
	},
	OrderStatusInProgress: {
		OrderStatusCompleted, OrderStatusCancelled,
	},
	OrderStatusCompleted: {
		OrderStatusPaymentPending,
	},
	OrderStatusPaymentPending: {
		OrderStatusPaymentConfirmed, OrderStatusPaymentFailed, OrderStatusCancelled,
	},
	OrderStatusPaymentFailed: {
		OrderStatusPaymentPending, OrderStatusCancelled,
	},
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusExpired, OrderStatusDeclined, OrderStatusPaymentConfirmed:
		return true
	}
	return false
}

// IsRideActive reports whether a driver is assigned and the ride has not finished.
// Location relay only runs for these statuses.
func (s OrderStatus) IsRideActive() bool {
	switch s {
	case OrderStatusAccepted, OrderStatusDriverEnroute, OrderStatusDriverArrived, OrderStatusInProgress:
		return true
	}
	return false
}

// IsRideStage reports whether s is a stage a driver may report via a status update.
func (s OrderStatus) IsRideStage() bool {
	switch s {
	case OrderStatusDriverEnroute, OrderStatusDriverArrived, OrderStatusInProgress, OrderStatusCompleted:
		return true
	}
	return false
}

// PaymentMethod represents the payment method for an order.
type PaymentMethod string

const (
	PaymentMethodCash PaymentMethod = "cash"
	PaymentMethodCard PaymentMethod = "card"
)

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCash || m == PaymentMethodCard
}

// AddressType tags an entry in an order's route.
type AddressType string

const (
	AddressTypePickup      AddressType = "pickup"
	AddressTypeStop        AddressType = "stop"
	AddressTypeDestination AddressType = "destination"
)

// Address is one point of an order's route.
type Address struct {
	Type  AddressType `json:"type"`
	Label string      `json:"label"`
	Lat   float64     `json:"lat"`
	Lng   float64     `json:"lng"`
}

// Pricing is the fare breakdown quoted when the order was placed.
type Pricing struct {
	Base     decimal.Decimal `json:"base"`
	Distance decimal.Decimal `json:"distance"`
	Time     decimal.Decimal `json:"time"`
	Extras   decimal.Decimal `json:"extras"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`
}

// ComputedTotal sums the components of the breakdown.
func (p Pricing) ComputedTotal() decimal.Decimal {
	return p.Base.Add(p.Distance).Add(p.Time).Add(p.Extras).Sub(p.Discount)
}

// ActorRole identifies which party performed an action.
type ActorRole string

const (
	RoleDriver ActorRole = "driver"
	RoleClient ActorRole = "client"
	RoleSystem ActorRole = "system"
)

// Order represents a ride request from creation through final settlement.
type Order struct {
	ID                 string
	Status             OrderStatus
	AssignedDriverID   string // empty until accepted, then never changes
	AssignedDriverName string
	ClientID           string // empty for anonymous orders
	Pricing            Pricing
	PaymentMethod      PaymentMethod
	Addresses          []Address
	CreatedAt          time.Time
	ExpiresAt          time.Time
	AcceptedAt         time.Time
	CompletedAt        time.Time
	CancelledAt        time.Time
	CancelledBy        ActorRole
	CancelReason       string
}

// Pickup returns the pickup address, if any.
func (o *Order) Pickup() (Address, bool) {
	for _, a := range o.Addresses {
		if a.Type == AddressTypePickup {
			return a, true
		}
	}
	return Address{}, false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (o *Order) Clone() *Order {
	c := *o
	c.Addresses = append([]Address(nil), o.Addresses...)
	return &c
}
