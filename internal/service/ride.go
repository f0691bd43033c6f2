package service

import (
	"context"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// Actor is the caller of an order-scoped operation together with its proof:
// a session id for drivers, a token plus the originating connection for clients.
type Actor struct {
	Role      domain.ActorRole
	SessionID string
	Token     string
	ConnID    string
}

// authorize checks the actor's proof. For drivers it returns the resolved
// session; assignment is checked separately against the locked order.
func (s *OrderService) authorize(ctx context.Context, orderID string, actor Actor) (*domain.DriverSession, error) {
	switch actor.Role {
	case domain.RoleDriver:
		return s.sessions.Resolve(ctx, actor.SessionID)
	case domain.RoleClient:
		return nil, s.tokens.Authorize(orderID, actor.Token, actor.ConnID)
	default:
		return nil, ErrInvalidRole
	}
}

// assigned reports whether session belongs to the order's driver.
func assigned(order *domain.Order, session *domain.DriverSession) bool {
	return session != nil && order.AssignedDriverID != "" && order.AssignedDriverID == session.DriverID
}

// UpdateStageRequest contains the parameters for a driver stage report.
type UpdateStageRequest struct {
	OrderID   string
	SessionID string
	Stage     domain.OrderStatus
}

// UpdateStage moves an accepted order to a later ride stage. Completing the
// ride opens the settlement window in the same write.
func (s *OrderService) UpdateStage(ctx context.Context, req UpdateStageRequest) (*domain.Order, error) {
	if !req.Stage.IsRideStage() {
		return nil, ErrInvalidStage
	}

	session, err := s.sessions.Resolve(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	var passed []domain.OrderStatus
	return s.Mutate(ctx, req.OrderID, func(order *domain.Order) error {
		if !assigned(order, session) {
			return ErrUnauthorized
		}
		if err := transition(order, req.Stage); err != nil {
			return err
		}
		passed = []domain.OrderStatus{order.Status}
		if order.Status == domain.OrderStatusCompleted {
			order.CompletedAt = s.now()
			if err := transition(order, domain.OrderStatusPaymentPending); err != nil {
				return err
			}
			passed = append(passed, order.Status)
		}
		return nil
	}, func(order *domain.Order) {
		for _, status := range passed {
			s.audience.send(s.audience.parties(order), domain.EventRideStatusChanged, domain.StatusChange{
				OrderID:    order.ID,
				Status:     status,
				DriverID:   order.AssignedDriverID,
				DriverName: order.AssignedDriverName,
			})
		}
	})
}

// CancelRequest contains the parameters for cancelling an order.
type CancelRequest struct {
	OrderID string
	Actor   Actor
	Reason  string
}

// Cancel moves a non-terminal order to cancelled. Drivers must be the
// assignee; clients must hold the bound token.
func (s *OrderService) Cancel(ctx context.Context, req CancelRequest) (*domain.Order, error) {
	session, err := s.authorize(ctx, req.OrderID, req.Actor)
	if err != nil {
		return nil, err
	}

	var wasPending bool
	return s.Mutate(ctx, req.OrderID, func(order *domain.Order) error {
		if req.Actor.Role == domain.RoleDriver && !assigned(order, session) {
			return ErrUnauthorized
		}
		wasPending = order.Status == domain.OrderStatusPending
		if err := transition(order, domain.OrderStatusCancelled); err != nil {
			return err
		}
		order.CancelledBy = req.Actor.Role
		order.CancelReason = req.Reason
		order.CancelledAt = s.now()
		return nil
	}, func(order *domain.Order) {
		payload := domain.Cancellation{
			OrderID:     order.ID,
			CancelledBy: order.CancelledBy,
			Reason:      order.CancelReason,
		}
		conns := s.audience.parties(order)
		if wasPending {
			// Nobody is assigned yet; drop it from every driver's list.
			conns = append(conns, s.audience.onlineDrivers()...)
		}
		s.audience.send(conns, domain.EventRideCancelled, payload)
	})
}

// JoinRequest contains the parameters for (re)subscribing to an order.
type JoinRequest struct {
	OrderID string
	Actor   Actor
}

// Join subscribes the actor's connection to an order's events and returns the
// current order. Drivers must be the assignee and get their connection
// attached to the session; clients get the token bound to the connection.
func (s *OrderService) Join(ctx context.Context, req JoinRequest) (*domain.Order, error) {
	var order *domain.Order
	switch req.Actor.Role {
	case domain.RoleDriver:
		session, err := s.sessions.Resolve(ctx, req.Actor.SessionID)
		if err != nil {
			return nil, err
		}
		err = s.Inspect(ctx, req.OrderID, func(o *domain.Order) error {
			if !assigned(o, session) {
				return ErrUnauthorized
			}
			order = o
			return nil
		})
		if err != nil {
			return nil, err
		}
		if _, err := s.sessions.Join(ctx, session.ID, req.Actor.ConnID); err != nil {
			return nil, err
		}
	case domain.RoleClient:
		if err := s.tokens.Bind(req.OrderID, req.Actor.Token, req.Actor.ConnID); err != nil {
			return nil, err
		}
		var err error
		order, err = s.orderRepo.GetByID(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidRole
	}
	return order, nil
}

// Viewable returns the order if token is its client token or sessionID
// belongs to its driver. Any failure looks like a missing order.
func (s *OrderService) Viewable(ctx context.Context, orderID, token, sessionID string) (*domain.Order, error) {
	var session *domain.DriverSession
	switch {
	case token != "":
		if err := s.tokens.Verify(orderID, token); err != nil {
			return nil, repository.ErrNotFound
		}
	case sessionID != "":
		var err error
		session, err = s.sessions.Resolve(ctx, sessionID)
		if err != nil {
			return nil, repository.ErrNotFound
		}
	default:
		return nil, repository.ErrNotFound
	}

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if session != nil && !assigned(order, session) {
		return nil, repository.ErrNotFound
	}
	return order, nil
}
