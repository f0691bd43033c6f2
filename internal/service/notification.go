package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ridedispatch/internal/domain"
)

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationOrderAvailable   NotificationType = "ORDER_AVAILABLE"
	NotificationDriverAssigned   NotificationType = "DRIVER_ASSIGNED"
	NotificationOrderExpired     NotificationType = "ORDER_EXPIRED"
	NotificationPaymentConfirmed NotificationType = "PAYMENT_CONFIRMED"
	NotificationPaymentFailed    NotificationType = "PAYMENT_FAILED"
	NotificationRideCancelled    NotificationType = "RIDE_CANCELLED"
)

// RecipientAllDrivers addresses every driver that is not live-connected.
const RecipientAllDrivers = "drivers"

// Notification is a push message handed to the delivery service.
type Notification struct {
	ID          string                 `json:"id"`
	Type        NotificationType       `json:"type"`
	RecipientID string                 `json:"recipient_id"` // client, driver or RecipientAllDrivers
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Data        map[string]interface{} `json:"data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Publisher hands notifications to the push delivery service.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// NotificationService sends push notifications for parties that may not be
// live-connected. Without a publisher notifications are only logged.
type NotificationService struct {
	publisher Publisher
	logger    *zap.SugaredLogger
	timeout   time.Duration
}

// NewNotificationService creates a new NotificationService. publisher may be nil.
func NewNotificationService(publisher Publisher, logger *zap.SugaredLogger) *NotificationService {
	return &NotificationService{
		publisher: publisher,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

// NotifyOrderAvailable tells offline drivers about a new order.
func (s *NotificationService) NotifyOrderAvailable(ctx context.Context, order *domain.Order) error {
	data := map[string]interface{}{
		"order_id": order.ID,
		"total":    order.Pricing.Total.String(),
		"currency": order.Pricing.Currency,
	}
	message := "A new ride request is waiting"
	if pickup, ok := order.Pickup(); ok {
		message = fmt.Sprintf("New ride request. Pickup at %s", pickup.Label)
		data["pickup_lat"] = pickup.Lat
		data["pickup_lng"] = pickup.Lng
	}
	return s.send(ctx, Notification{
		Type:        NotificationOrderAvailable,
		RecipientID: RecipientAllDrivers,
		Title:       "New Ride Request",
		Message:     message,
		Data:        data,
	})
}

// NotifyDriverAssigned tells the client a driver took the order.
func (s *NotificationService) NotifyDriverAssigned(ctx context.Context, order *domain.Order) error {
	if order.ClientID == "" {
		return nil
	}
	return s.send(ctx, Notification{
		Type:        NotificationDriverAssigned,
		RecipientID: order.ClientID,
		Title:       "Driver Assigned",
		Message:     fmt.Sprintf("Driver %s has accepted your ride", order.AssignedDriverName),
		Data: map[string]interface{}{
			"order_id":    order.ID,
			"driver_id":   order.AssignedDriverID,
			"driver_name": order.AssignedDriverName,
		},
	})
}

// NotifyOrderExpired tells the client nobody took the order.
func (s *NotificationService) NotifyOrderExpired(ctx context.Context, order *domain.Order) error {
	if order.ClientID == "" {
		return nil
	}
	return s.send(ctx, Notification{
		Type:        NotificationOrderExpired,
		RecipientID: order.ClientID,
		Title:       "No Driver Found",
		Message:     "No driver accepted your ride in time. Please try again.",
		Data:        map[string]interface{}{"order_id": order.ID},
	})
}

// NotifyPaymentConfirmed tells the client the ride was paid.
func (s *NotificationService) NotifyPaymentConfirmed(ctx context.Context, order *domain.Order) error {
	if order.ClientID == "" {
		return nil
	}
	return s.send(ctx, Notification{
		Type:        NotificationPaymentConfirmed,
		RecipientID: order.ClientID,
		Title:       "Payment Successful",
		Message:     fmt.Sprintf("Payment of %s %s was successful", order.Pricing.Total.StringFixed(2), order.Pricing.Currency),
		Data: map[string]interface{}{
			"order_id": order.ID,
			"amount":   order.Pricing.Total.String(),
			"method":   string(order.PaymentMethod),
		},
	})
}

// NotifyPaymentFailed tells the client settlement needs their attention.
func (s *NotificationService) NotifyPaymentFailed(ctx context.Context, order *domain.Order, reason string) error {
	if order.ClientID == "" {
		return nil
	}
	return s.send(ctx, Notification{
		Type:        NotificationPaymentFailed,
		RecipientID: order.ClientID,
		Title:       "Payment Failed",
		Message:     fmt.Sprintf("Payment failed: %s. Retry or switch to cash.", reason),
		Data: map[string]interface{}{
			"order_id": order.ID,
			"reason":   reason,
		},
	})
}

// NotifyRideCancelled notifies the party that did not cancel.
func (s *NotificationService) NotifyRideCancelled(ctx context.Context, order *domain.Order) error {
	var recipientID, message string
	if order.CancelledBy == domain.RoleClient {
		recipientID = order.AssignedDriverID
		message = "The client has cancelled the ride"
	} else {
		recipientID = order.ClientID
		message = "The driver has cancelled the ride"
	}

	if recipientID == "" {
		return nil // No one to notify
	}

	return s.send(ctx, Notification{
		Type:        NotificationRideCancelled,
		RecipientID: recipientID,
		Title:       "Ride Cancelled",
		Message:     message,
		Data: map[string]interface{}{
			"order_id":     order.ID,
			"cancelled_by": string(order.CancelledBy),
			"reason":       order.CancelReason,
		},
	})
}

// Go runs fn in the background with its own deadline. Push delivery is
// best-effort and must never hold up the caller.
func (s *NotificationService) Go(fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warnw("push notification failed", "error", err)
		}
	}()
}

func (s *NotificationService) send(ctx context.Context, n Notification) error {
	n.ID = uuid.New().String()
	n.CreatedAt = time.Now()

	if s.publisher == nil {
		s.logger.Infow("notification",
			"type", n.Type,
			"recipient", n.RecipientID,
			"title", n.Title,
			"message", n.Message,
		)
		return nil
	}
	if err := s.publisher.Publish(ctx, n); err != nil {
		return fmt.Errorf("publish %s: %w", n.Type, err)
	}
	return nil
}
