package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/redis"
)

// LocationRelay streams GPS fixes between the parties of an active ride and
// keeps the driver's latest fix for polling readers.
type LocationRelay struct {
	orders *OrderService
	store  redis.LocationStoreInterface
	logger *zap.SugaredLogger
}

// NewLocationRelay creates a new LocationRelay and registers it to discard
// an order's fix once the ride is no longer active.
func NewLocationRelay(orders *OrderService, store redis.LocationStoreInterface, logger *zap.SugaredLogger) *LocationRelay {
	r := &LocationRelay{
		orders: orders,
		store:  store,
		logger: logger,
	}
	orders.OnTransition(func(ctx context.Context, from domain.OrderStatus, order *domain.Order) {
		if from.IsRideActive() && !order.Status.IsRideActive() {
			r.Discard(ctx, order.ID)
		}
	})
	return r
}

// DriverLocationRequest contains a fix reported by the assigned driver.
type DriverLocationRequest struct {
	OrderID   string
	SessionID string
	Location  domain.Location
}

// UpdateDriverLocation stores the fix and relays it to both parties.
func (r *LocationRelay) UpdateDriverLocation(ctx context.Context, req DriverLocationRequest) error {
	if !req.Location.Valid() {
		return ErrInvalidLocation
	}
	if req.Location.Timestamp.IsZero() {
		req.Location.Timestamp = time.Now()
	}

	session, err := r.orders.sessions.Resolve(ctx, req.SessionID)
	if err != nil {
		return err
	}

	return r.orders.Inspect(ctx, req.OrderID, func(order *domain.Order) error {
		if !assigned(order, session) {
			return ErrUnauthorized
		}
		if !order.Status.IsRideActive() {
			return ErrInvalidTransition
		}

		fix := &domain.DriverLocation{
			OrderID:  order.ID,
			DriverID: session.DriverID,
			Location: req.Location,
		}
		if err := r.store.SetDriverLocation(ctx, fix); err != nil {
			return err
		}
		r.orders.audience.send(r.orders.audience.parties(order), domain.EventLocationDriver, fix)
		return nil
	})
}

// ClientLocationRequest contains a fix reported by the order's client.
type ClientLocationRequest struct {
	OrderID  string
	Token    string
	ConnID   string
	Location domain.Location
}

// UpdateClientLocation relays the client's fix to the driver side only.
func (r *LocationRelay) UpdateClientLocation(ctx context.Context, req ClientLocationRequest) error {
	if !req.Location.Valid() {
		return ErrInvalidLocation
	}
	if req.Location.Timestamp.IsZero() {
		req.Location.Timestamp = time.Now()
	}

	if err := r.orders.tokens.Authorize(req.OrderID, req.Token, req.ConnID); err != nil {
		return err
	}

	return r.orders.Inspect(ctx, req.OrderID, func(order *domain.Order) error {
		if !order.Status.IsRideActive() {
			return ErrInvalidTransition
		}
		r.orders.audience.send(r.orders.audience.driverSide(order), domain.EventLocationClient, domain.ClientLocation{
			OrderID:  order.ID,
			Location: req.Location,
		})
		return nil
	})
}

// LatestDriverLocation returns the last fix for the order, or nil if none yet.
func (r *LocationRelay) LatestDriverLocation(ctx context.Context, orderID string) (*domain.DriverLocation, error) {
	return r.store.GetDriverLocation(ctx, orderID)
}

// Discard drops the order's cached fix.
func (r *LocationRelay) Discard(ctx context.Context, orderID string) {
	if err := r.store.DeleteDriverLocation(ctx, orderID); err != nil {
		r.logger.Warnw("failed to discard driver location", "order_id", orderID, "error", err)
	}
}
