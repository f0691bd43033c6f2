package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ridedispatch/internal/domain"
)

const defaultCurrency = "USD"

// Dispatcher offers new orders to online drivers and settles who gets them.
type Dispatcher struct {
	orders   *OrderService
	sessions *SessionRegistry
	tokens   *TokenRegistry
	expiry   *ExpiryScheduler
	notifier *NotificationService
	logger   *zap.SugaredLogger
	orderTTL time.Duration
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(
	orders *OrderService,
	expiry *ExpiryScheduler,
	notifier *NotificationService,
	orderTTL time.Duration,
	logger *zap.SugaredLogger,
) *Dispatcher {
	return &Dispatcher{
		orders:   orders,
		sessions: orders.sessions,
		tokens:   orders.tokens,
		expiry:   expiry,
		notifier: notifier,
		logger:   logger,
		orderTTL: orderTTL,
	}
}

// CreateOrderRequest contains the parameters for placing an order.
type CreateOrderRequest struct {
	ClientID      string
	Pricing       domain.Pricing
	PaymentMethod domain.PaymentMethod // Optional: defaults to cash
	Addresses     []domain.Address
	ConnID        string // Optional: bound to the new token when set
}

// CreateOrderResult contains the new order and the client's secret for it.
type CreateOrderResult struct {
	Order       *domain.Order
	ClientToken string
}

// CreateOrder persists a pending order, offers it to every online driver and
// arms its expiry.
func (d *Dispatcher) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	// Validate input.
	if err := validateCreateRequest(&req); err != nil {
		return nil, err
	}

	now := time.Now()
	order := &domain.Order{
		ID:            uuid.New().String(),
		Status:        domain.OrderStatusPending,
		ClientID:      req.ClientID,
		Pricing:       req.Pricing,
		PaymentMethod: req.PaymentMethod,
		Addresses:     req.Addresses,
		CreatedAt:     now,
		ExpiresAt:     now.Add(d.orderTTL),
	}

	if err := d.orders.Create(ctx, order); err != nil {
		return nil, err
	}

	token, err := d.tokens.Issue(order.ID)
	if err != nil {
		return nil, err
	}
	if req.ConnID != "" {
		if err := d.tokens.Bind(order.ID, token, req.ConnID); err != nil {
			return nil, err
		}
	}

	d.orders.audience.send(d.orders.audience.onlineDrivers(), domain.EventOrderNew, order.View())
	snapshot := order.Clone()
	d.notifier.Go(func(ctx context.Context) error {
		return d.notifier.NotifyOrderAvailable(ctx, snapshot)
	})
	d.expiry.Arm(order.ID, order.ExpiresAt)

	d.logger.Infow("order created",
		"order_id", order.ID,
		"client_id", order.ClientID,
		"payment_method", order.PaymentMethod,
		"total", order.Pricing.Total.String(),
	)

	return &CreateOrderResult{Order: order, ClientToken: token}, nil
}

// AcceptRequest contains the parameters for a driver accepting an order.
type AcceptRequest struct {
	OrderID   string
	SessionID string
	ConnID    string
}

// Accept assigns the order to the requesting driver if it is still pending.
// Exactly one concurrent accept wins; the rest get ErrOrderNoLongerAvailable.
func (d *Dispatcher) Accept(ctx context.Context, req AcceptRequest) (*domain.Order, error) {
	session, err := d.sessions.Resolve(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	order, err := d.orders.Mutate(ctx, req.OrderID, func(order *domain.Order) error {
		if order.Status != domain.OrderStatusPending || order.AssignedDriverID != "" {
			return ErrOrderNoLongerAvailable
		}
		if err := transition(order, domain.OrderStatusAccepted); err != nil {
			return err
		}
		order.AssignedDriverID = session.DriverID
		order.AssignedDriverName = session.DriverName
		order.AcceptedAt = time.Now()
		return nil
	}, func(order *domain.Order) {
		a := d.orders.audience
		winner := a.driverSide(order)
		if req.ConnID != "" {
			a.reply(req.ConnID, domain.EventOrderAcceptSuccess, order.View())
		} else {
			a.send(winner, domain.EventOrderAcceptSuccess, order.View())
		}
		a.send(a.onlineDrivers(winner...), domain.EventOrderTaken, domain.OrderRef{OrderID: order.ID})
		a.send(a.clientSide(order), domain.EventRideStatusChanged, domain.StatusChange{
			OrderID:    order.ID,
			Status:     order.Status,
			DriverID:   order.AssignedDriverID,
			DriverName: order.AssignedDriverName,
		})
		d.notifier.Go(func(ctx context.Context) error {
			return d.notifier.NotifyDriverAssigned(ctx, order)
		})
	})
	if err != nil {
		if errors.Is(err, ErrOrderNoLongerAvailable) {
			d.logger.Debugw("accept lost race", "order_id", req.OrderID, "driver_id", session.DriverID)
		}
		return nil, err
	}

	// The winning connection follows the order from now on.
	if req.ConnID != "" {
		if _, err := d.sessions.Join(ctx, session.ID, req.ConnID); err != nil {
			d.logger.Warnw("failed to attach winning connection", "order_id", order.ID, "error", err)
		}
	}

	d.logger.Infow("order accepted", "order_id", order.ID, "driver_id", session.DriverID)
	return order, nil
}

// DeclineRequest contains the parameters for a driver declining an order.
type DeclineRequest struct {
	OrderID   string
	SessionID string
}

// Decline is advisory: the order stays pending for other drivers.
func (d *Dispatcher) Decline(ctx context.Context, req DeclineRequest) error {
	session, err := d.sessions.Resolve(ctx, req.SessionID)
	if err != nil {
		return err
	}
	d.logger.Debugw("order declined", "order_id", req.OrderID, "driver_id", session.DriverID)
	return nil
}

// Cancel cancels the order and pushes the news to the other party, who may
// not be connected.
func (d *Dispatcher) Cancel(ctx context.Context, req CancelRequest) (*domain.Order, error) {
	order, err := d.orders.Cancel(ctx, req)
	if err != nil {
		return nil, err
	}
	d.notifier.Go(func(ctx context.Context) error {
		return d.notifier.NotifyRideCancelled(ctx, order)
	})
	return order, nil
}

// JoinDriver attaches a connection to a driver session.
func (d *Dispatcher) JoinDriver(ctx context.Context, sessionID, connID string) (*domain.DriverSession, error) {
	return d.sessions.Join(ctx, sessionID, connID)
}

// SetDriverOnline opts a session in or out of dispatch. Going online
// delivers every still-pending order to the session's connections.
func (d *Dispatcher) SetDriverOnline(ctx context.Context, sessionID string, online bool) (*domain.DriverSession, error) {
	session, err := d.sessions.SetOnline(ctx, sessionID, online)
	if err != nil {
		return nil, err
	}

	if online {
		pending, err := d.orders.ListPending(ctx)
		if err != nil {
			return nil, err
		}
		conns := session.Connections()
		for _, order := range pending {
			d.orders.audience.send(conns, domain.EventOrderNew, order.View())
		}
	}

	d.logger.Infow("driver availability changed",
		"session_id", session.ID,
		"driver_id", session.DriverID,
		"online", session.Online(),
	)
	return session, nil
}

// Disconnect forgets a closed connection.
func (d *Dispatcher) Disconnect(connID string) {
	for _, session := range d.sessions.Disconnect(connID) {
		d.logger.Infow("driver forced offline", "session_id", session.ID, "driver_id", session.DriverID)
	}
}

func validateCreateRequest(req *CreateOrderRequest) error {
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentMethodCash
	}
	if !req.PaymentMethod.Valid() {
		return ErrInvalidPaymentMethod
	}

	var pickup, destination bool
	for _, addr := range req.Addresses {
		if !(domain.Location{Lat: addr.Lat, Lng: addr.Lng}).Valid() {
			return ErrInvalidLocation
		}
		switch addr.Type {
		case domain.AddressTypePickup:
			pickup = true
		case domain.AddressTypeDestination:
			destination = true
		case domain.AddressTypeStop:
		default:
			return ErrInvalidOrder
		}
	}
	if !pickup || !destination {
		return ErrInvalidOrder
	}

	if req.Pricing.Total.IsZero() {
		req.Pricing.Total = req.Pricing.ComputedTotal()
	}
	if req.Pricing.Total.IsNegative() {
		return ErrInvalidOrder
	}
	if req.Pricing.Currency == "" {
		req.Pricing.Currency = defaultCurrency
	}
	return nil
}
