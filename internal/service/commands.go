package service

import "ridedispatch/internal/domain"

// Command is one inbound request from a live connection.
// The set is closed; Engine.Handle switches over every implementation.
type Command interface {
	CommandName() string
	command()
}

// orderScoped is implemented by commands that target one order.
type orderScoped interface {
	targetOrder() string
}

// DriverJoin attaches the connection to a driver session.
type DriverJoin struct {
	SessionID string `json:"session_id"`
}

// DriverSetStatus opts a session in or out of dispatch.
type DriverSetStatus struct {
	SessionID string `json:"session_id"`
	Online    bool   `json:"online"`
}

// OrderCreate places a new order from a client connection.
type OrderCreate struct {
	ClientID      string               `json:"client_id"`
	Pricing       domain.Pricing       `json:"pricing"`
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
	Addresses     []domain.Address     `json:"addresses"`
}

// OrderAccept claims a pending order for the session's driver.
type OrderAccept struct {
	OrderID   string `json:"order_id"`
	SessionID string `json:"session_id"`
}

// OrderDecline passes on a pending order.
type OrderDecline struct {
	OrderID   string `json:"order_id"`
	SessionID string `json:"session_id"`
}

// RideStatusUpdate reports a ride stage.
type RideStatusUpdate struct {
	OrderID   string             `json:"order_id"`
	SessionID string             `json:"session_id"`
	Stage     domain.OrderStatus `json:"stage"`
}

// RideCancel cancels an order on behalf of either party.
type RideCancel struct {
	OrderID   string           `json:"order_id"`
	Role      domain.ActorRole `json:"role"`
	Token     string           `json:"token,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// RideJoin (re)subscribes the connection to an order.
type RideJoin struct {
	OrderID   string           `json:"order_id"`
	Role      domain.ActorRole `json:"role"`
	Token     string           `json:"token,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
}

// PaymentConfirm is a party's settlement confirmation.
type PaymentConfirm struct {
	OrderID   string           `json:"order_id"`
	Role      domain.ActorRole `json:"role"`
	Token     string           `json:"token,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Confirmed bool             `json:"confirmed"`
}

// PaymentRetry asks the driver to confirm again.
type PaymentRetry struct {
	OrderID string `json:"order_id"`
	Token   string `json:"token"`
}

// PaymentSwitchToCash moves the order to cash before re-confirming.
type PaymentSwitchToCash struct {
	OrderID string `json:"order_id"`
	Token   string `json:"token"`
}

// DriverLocationUpdate is a GPS fix from the assigned driver.
type DriverLocationUpdate struct {
	OrderID   string `json:"order_id"`
	SessionID string `json:"session_id"`
	domain.Location
}

// ClientLocationUpdate is a GPS fix from the order's client.
type ClientLocationUpdate struct {
	OrderID string `json:"order_id"`
	Token   string `json:"token"`
	domain.Location
}

func (*DriverJoin) CommandName() string { return "driver.join" }
func (*DriverSetStatus) CommandName() string { return "driver.setStatus" }
func (*OrderCreate) CommandName() string { return "order.create" }
func (*OrderAccept) CommandName() string { return "order.accept" }
func (*OrderDecline) CommandName() string { return "order.decline" }
func (*RideStatusUpdate) CommandName() string { return "ride.statusUpdate" }
func (*RideCancel) CommandName() string { return "ride.cancel" }
func (*RideJoin) CommandName() string { return "ride.join" }
func (*PaymentConfirm) CommandName() string { return "payment.confirm" }
func (*PaymentRetry) CommandName() string { return "payment.retry" }
func (*PaymentSwitchToCash) CommandName() string { return "payment.switchToCash" }
func (*DriverLocationUpdate) CommandName() string { return "location.driverUpdate" }
func (*ClientLocationUpdate) CommandName() string { return "location.clientUpdate" }

func (*DriverJoin) command() {}
func (*DriverSetStatus) command() {}
func (*OrderCreate) command() {}
func (*OrderAccept) command() {}
func (*OrderDecline) command() {}
func (*RideStatusUpdate) command() {}
func (*RideCancel) command() {}
func (*RideJoin) command() {}
func (*PaymentConfirm) command() {}
func (*PaymentRetry) command() {}
func (*PaymentSwitchToCash) command() {}
func (*DriverLocationUpdate) command() {}
func (*ClientLocationUpdate) command() {}

func (c *OrderAccept) targetOrder() string { return c.OrderID }
func (c *OrderDecline) targetOrder() string { return c.OrderID }
func (c *RideStatusUpdate) targetOrder() string { return c.OrderID }
func (c *RideCancel) targetOrder() string { return c.OrderID }
func (c *RideJoin) targetOrder() string { return c.OrderID }
func (c *PaymentConfirm) targetOrder() string { return c.OrderID }
func (c *PaymentRetry) targetOrder() string { return c.OrderID }
func (c *PaymentSwitchToCash) targetOrder() string { return c.OrderID }
func (c *DriverLocationUpdate) targetOrder() string { return c.OrderID }
func (c *ClientLocationUpdate) targetOrder() string { return c.OrderID }

// Commands lists a zero value of every command, keyed by name. Decoders use
// it to pick the type to unmarshal into.
func Commands() map[string]func() Command {
	return map[string]func() Command{
		"driver.join":           func() Command { return &DriverJoin{} },
		"driver.setStatus":      func() Command { return &DriverSetStatus{} },
		"order.create":          func() Command { return &OrderCreate{} },
		"order.accept":          func() Command { return &OrderAccept{} },
		"order.decline":         func() Command { return &OrderDecline{} },
		"ride.statusUpdate":     func() Command { return &RideStatusUpdate{} },
		"ride.cancel":           func() Command { return &RideCancel{} },
		"ride.join":             func() Command { return &RideJoin{} },
		"payment.confirm":       func() Command { return &PaymentConfirm{} },
		"payment.retry":         func() Command { return &PaymentRetry{} },
		"payment.switchToCash":  func() Command { return &PaymentSwitchToCash{} },
		"location.driverUpdate": func() Command { return &DriverLocationUpdate{} },
		"location.clientUpdate": func() Command { return &ClientLocationUpdate{} },
	}
}
