package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"ridedispatch/internal/domain"
)

var errNotPending = errors.New("order left pending")

type timerEntry struct {
	timer *time.Timer
	seq   uint64
}

// ExpiryScheduler owns every single-shot timer of the core: order expiry and
// the payment watchdog. A timer that fires after Cancel or Stop does nothing.
type ExpiryScheduler struct {
	orders   *OrderService
	notifier *NotificationService
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	timers map[string]timerEntry
	seq    uint64
	closed bool
}

// NewExpiryScheduler creates a new ExpiryScheduler and registers it to drop
// an order's expiry timer as soon as the order leaves pending.
func NewExpiryScheduler(orders *OrderService, notifier *NotificationService, logger *zap.SugaredLogger) *ExpiryScheduler {
	s := &ExpiryScheduler{
		orders:   orders,
		notifier: notifier,
		logger:   logger,
		timers:   make(map[string]timerEntry),
	}
	orders.OnTransition(func(_ context.Context, from domain.OrderStatus, order *domain.Order) {
		if from == domain.OrderStatusPending && order.Status != domain.OrderStatusPending {
			s.Cancel(order.ID)
		}
	})
	return s
}

func expiryKey(orderID string) string   { return "order:" + orderID }
func watchdogKey(orderID string) string { return "payment:" + orderID }

// Arm schedules the order to expire at deadline. A past deadline fires at once.
func (s *ExpiryScheduler) Arm(orderID string, deadline time.Time) {
	s.schedule(expiryKey(orderID), time.Until(deadline), func() {
		s.expire(orderID)
	})
}

// Cancel drops the order's expiry timer.
func (s *ExpiryScheduler) Cancel(orderID string) {
	s.cancel(expiryKey(orderID))
}

// ArmWatchdog schedules fn to run after d unless CancelWatchdog comes first.
func (s *ExpiryScheduler) ArmWatchdog(orderID string, d time.Duration, fn func()) {
	s.schedule(watchdogKey(orderID), d, fn)
}

// CancelWatchdog drops the order's payment watchdog.
func (s *ExpiryScheduler) CancelWatchdog(orderID string) {
	s.cancel(watchdogKey(orderID))
}

// Recover re-arms expiry for every pending order, typically at startup.
func (s *ExpiryScheduler) Recover(ctx context.Context) (int, error) {
	pending, err := s.orders.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, order := range pending {
		s.Arm(order.ID, order.ExpiresAt)
	}
	return len(pending), nil
}

// Stop cancels every timer. Later Arm calls are ignored.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for key, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}

// Armed returns the number of live timers.
func (s *ExpiryScheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *ExpiryScheduler) schedule(key string, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.timers[key] = timerEntry{
		seq: seq,
		timer: time.AfterFunc(d, func() {
			if !s.claim(key, seq) {
				return
			}
			fn()
		}),
	}
}

// claim removes the entry if it is still the one that fired.
func (s *ExpiryScheduler) claim(key string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[key]
	if s.closed || !ok || entry.seq != seq {
		return false
	}
	delete(s.timers, key)
	return true
}

func (s *ExpiryScheduler) cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.timers[key]; ok {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}

func (s *ExpiryScheduler) expire(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		if order.Status != domain.OrderStatusPending {
			return errNotPending
		}
		return transition(order, domain.OrderStatusExpired)
	}, func(order *domain.Order) {
		ref := domain.OrderRef{OrderID: order.ID}
		s.orders.audience.send(s.orders.audience.onlineDrivers(), domain.EventOrderExpired, ref)
		s.orders.audience.send(s.orders.audience.clientSide(order), domain.EventOrderExpired, ref)
		s.notifier.Go(func(ctx context.Context) error {
			return s.notifier.NotifyOrderExpired(ctx, order)
		})
	})
	switch {
	case err == nil:
		s.logger.Infow("order expired", "order_id", orderID)
	case errors.Is(err, errNotPending):
		s.logger.Debugw("expiry timer fired after order moved on", "order_id", orderID)
	default:
		s.logger.Errorw("failed to expire order", "order_id", orderID, "error", err)
	}
}
