package service

import (
	"context"

	"go.uber.org/zap"

	"ridedispatch/internal/domain"
)

// Engine routes commands from live connections to the owning component and
// turns failures into rejection events for the caller.
type Engine struct {
	dispatcher *Dispatcher
	orders     *OrderService
	payments   *PaymentCoordinator
	locations  *LocationRelay
	logger     *zap.SugaredLogger
}

// NewEngine creates a new Engine.
func NewEngine(
	dispatcher *Dispatcher,
	orders *OrderService,
	payments *PaymentCoordinator,
	locations *LocationRelay,
	logger *zap.SugaredLogger,
) *Engine {
	return &Engine{
		dispatcher: dispatcher,
		orders:     orders,
		payments:   payments,
		locations:  locations,
		logger:     logger,
	}
}

// Handle executes cmd on behalf of connID. Any error has already been
// reported to the connection (or deliberately swallowed) when it returns.
func (e *Engine) Handle(ctx context.Context, connID string, cmd Command) error {
	err := e.dispatch(ctx, connID, cmd)
	if err != nil {
		e.reject(connID, cmd, err)
	}
	return err
}

// Disconnect releases everything held for a closed connection.
func (e *Engine) Disconnect(connID string) {
	e.dispatcher.Disconnect(connID)
}

func (e *Engine) dispatch(ctx context.Context, connID string, cmd Command) error {
	a := e.orders.audience

	switch c := cmd.(type) {
	case *DriverJoin:
		session, err := e.dispatcher.JoinDriver(ctx, c.SessionID, connID)
		if err != nil {
			return err
		}
		a.reply(connID, domain.EventDriverStatus, driverStatus(session))
		return nil

	case *DriverSetStatus:
		session, err := e.dispatcher.SetDriverOnline(ctx, c.SessionID, c.Online)
		if err != nil {
			return err
		}
		a.send(session.Connections(), domain.EventDriverStatus, driverStatus(session))
		return nil

	case *OrderCreate:
		res, err := e.dispatcher.CreateOrder(ctx, CreateOrderRequest{
			ClientID:      c.ClientID,
			Pricing:       c.Pricing,
			PaymentMethod: c.PaymentMethod,
			Addresses:     c.Addresses,
			ConnID:        connID,
		})
		if err != nil {
			return err
		}
		a.reply(connID, domain.EventOrderCreated, domain.OrderCreated{
			Order:       res.Order.View(),
			ClientToken: res.ClientToken,
		})
		return nil

	case *OrderAccept:
		_, err := e.dispatcher.Accept(ctx, AcceptRequest{
			OrderID:   c.OrderID,
			SessionID: c.SessionID,
			ConnID:    connID,
		})
		return err

	case *OrderDecline:
		if err := e.dispatcher.Decline(ctx, DeclineRequest{OrderID: c.OrderID, SessionID: c.SessionID}); err != nil {
			return err
		}
		a.reply(connID, domain.EventOrderDeclineAck, domain.OrderRef{OrderID: c.OrderID})
		return nil

	case *RideStatusUpdate:
		_, err := e.orders.UpdateStage(ctx, UpdateStageRequest{
			OrderID:   c.OrderID,
			SessionID: c.SessionID,
			Stage:     c.Stage,
		})
		return err

	case *RideCancel:
		_, err := e.dispatcher.Cancel(ctx, CancelRequest{
			OrderID: c.OrderID,
			Actor:   actorOf(c.Role, c.SessionID, c.Token, connID),
			Reason:  c.Reason,
		})
		return err

	case *RideJoin:
		order, err := e.orders.Join(ctx, JoinRequest{
			OrderID: c.OrderID,
			Actor:   actorOf(c.Role, c.SessionID, c.Token, connID),
		})
		if err != nil {
			return err
		}
		joined := domain.RideJoined{Order: order.View()}
		if order.Status.IsRideActive() {
			loc, err := e.locations.LatestDriverLocation(ctx, order.ID)
			if err != nil {
				e.logger.Warnw("failed to load driver location", "order_id", order.ID, "error", err)
			}
			joined.DriverLocation = loc
		}
		a.reply(connID, domain.EventRideJoined, joined)
		return nil

	case *PaymentConfirm:
		return e.payments.Confirm(ctx, ConfirmRequest{
			OrderID:   c.OrderID,
			Actor:     actorOf(c.Role, c.SessionID, c.Token, connID),
			Confirmed: c.Confirmed,
		})

	case *PaymentRetry:
		return e.payments.Retry(ctx, RetryRequest{OrderID: c.OrderID, Token: c.Token, ConnID: connID})

	case *PaymentSwitchToCash:
		return e.payments.SwitchToCash(ctx, RetryRequest{OrderID: c.OrderID, Token: c.Token, ConnID: connID})

	case *DriverLocationUpdate:
		return e.locations.UpdateDriverLocation(ctx, DriverLocationRequest{
			OrderID:   c.OrderID,
			SessionID: c.SessionID,
			Location:  c.Location,
		})

	case *ClientLocationUpdate:
		return e.locations.UpdateClientLocation(ctx, ClientLocationRequest{
			OrderID:  c.OrderID,
			Token:    c.Token,
			ConnID:   connID,
			Location: c.Location,
		})

	default:
		return ErrInvalidCommand
	}
}

// reject reports err to the caller. Non-bound client events get no reply, and
// gateway failures were already broadcast to both parties.
func (e *Engine) reject(connID string, cmd Command, err error) {
	name := "unknown"
	if cmd != nil {
		name = cmd.CommandName()
	}
	var orderID string
	if scoped, ok := cmd.(orderScoped); ok {
		orderID = scoped.targetOrder()
	}

	kind := KindOf(err)
	switch kind {
	case KindSilent:
		e.logger.Debugw("dropped event from unbound connection", "command", name, "order_id", orderID, "conn_id", connID)
		return
	case KindGateway:
		return
	case KindInternal:
		e.logger.Errorw("command failed", "command", name, "order_id", orderID, "error", err)
	default:
		e.logger.Debugw("command rejected", "command", name, "order_id", orderID, "kind", kind, "error", err)
	}

	eventType := domain.EventError
	if _, ok := cmd.(*OrderAccept); ok {
		eventType = domain.EventOrderAcceptError
	}
	e.orders.audience.reply(connID, eventType, domain.ErrorPayload{
		Command: name,
		OrderID: orderID,
		Code:    string(kind),
		Message: PublicMessage(err),
	})
}

func actorOf(role domain.ActorRole, sessionID, token, connID string) Actor {
	return Actor{Role: role, SessionID: sessionID, Token: token, ConnID: connID}
}

func driverStatus(session *domain.DriverSession) domain.DriverStatus {
	return domain.DriverStatus{
		SessionID: session.ID,
		DriverID:  session.DriverID,
		Online:    session.Online(),
	}
}
