package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/redis"
	"ridedispatch/internal/repository"
)

const listPageSize = 500

// TransitionHook observes every committed order write. It runs while the
// order's lock is held and must not write the same order again.
type TransitionHook func(ctx context.Context, from domain.OrderStatus, order *domain.Order)

// OrderService owns order state. Every write to an order goes through it,
// one at a time per order.
type OrderService struct {
	orderRepo repository.OrderRepository
	cache     redis.CacheStoreInterface
	sessions  *SessionRegistry
	tokens    *TokenRegistry
	audience  *audience
	logger    *zap.SugaredLogger
	now       func() time.Time

	locks orderLocks
	hooks []TransitionHook
}

// NewOrderService creates a new OrderService. cache may be nil.
func NewOrderService(
	orderRepo repository.OrderRepository,
	cache redis.CacheStoreInterface,
	sessions *SessionRegistry,
	tokens *TokenRegistry,
	transport Transport,
	logger *zap.SugaredLogger,
) *OrderService {
	s := &OrderService{
		orderRepo: orderRepo,
		cache:     cache,
		sessions:  sessions,
		tokens:    tokens,
		audience:  newAudience(transport, sessions, tokens),
		logger:    logger,
		now:       time.Now,
	}
	s.OnTransition(func(_ context.Context, _ domain.OrderStatus, order *domain.Order) {
		if order.Status.IsTerminal() {
			tokens.Revoke(order.ID)
		}
	})
	return s
}

// OnTransition registers a hook. Hooks must be registered before serving.
func (s *OrderService) OnTransition(hook TransitionHook) {
	s.hooks = append(s.hooks, hook)
}

// Create persists a new order.
func (s *OrderService) Create(ctx context.Context, order *domain.Order) error {
	if err := s.orderRepo.Create(ctx, order); err != nil {
		return err
	}
	s.cacheOrder(ctx, order)
	return nil
}

// Get returns an order, served from the read cache when possible.
func (s *OrderService) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetOrder(ctx, orderID); err == nil && cached != nil {
			return cached, nil
		}
	}

	// The fill holds the order lock so a concurrent write's invalidation
	// cannot land between the read and the cache write.
	var order *domain.Order
	err := s.Locked(orderID, func() error {
		var err error
		order, err = s.orderRepo.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		s.cacheOrder(ctx, order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ListPending returns every order still waiting for a driver, oldest first.
func (s *OrderService) ListPending(ctx context.Context) ([]*domain.Order, error) {
	var (
		pending []*domain.Order
		after   repository.OrderCursor
	)
	for {
		page, err := s.orderRepo.ListByStatus(ctx, domain.OrderStatusPending, after, listPageSize)
		if err != nil {
			return nil, err
		}
		pending = append(pending, page...)
		if len(page) < listPageSize {
			return pending, nil
		}
		last := page[len(page)-1]
		after = repository.OrderCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

// ActiveForClient returns the client's open order if token is that order's
// client token. No open order and a bad token look the same.
func (s *OrderService) ActiveForClient(ctx context.Context, clientID, token string) (*domain.Order, error) {
	if clientID == "" || token == "" {
		return nil, repository.ErrNotFound
	}

	order, err := s.orderRepo.GetActiveByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if order == nil || s.tokens.Verify(order.ID, token) != nil {
		return nil, repository.ErrNotFound
	}
	return order, nil
}

// ActiveForDriver returns the order the driver is serving. sessionID must
// belong to driverID.
func (s *OrderService) ActiveForDriver(ctx context.Context, driverID, sessionID string) (*domain.Order, error) {
	if driverID == "" || sessionID == "" {
		return nil, repository.ErrNotFound
	}

	session, err := s.sessions.Resolve(ctx, sessionID)
	if err != nil || session.DriverID != driverID {
		return nil, repository.ErrNotFound
	}

	order, err := s.orderRepo.GetActiveByDriverID(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, repository.ErrNotFound
	}
	return order, nil
}

// Locked runs fn while holding the order's lock.
func (s *OrderService) Locked(orderID string, fn func() error) error {
	unlock := s.locks.lock(orderID)
	defer unlock()
	return fn()
}

// Inspect runs fn on a fresh copy of the order while holding its lock.
func (s *OrderService) Inspect(ctx context.Context, orderID string, fn func(order *domain.Order) error) error {
	return s.Locked(orderID, func() error {
		order, err := s.orderRepo.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		return fn(order)
	})
}

// Mutate applies fn to the order under its lock. When the write commits,
// after runs first, then the transition hooks; both still hold the lock so
// observers see writes in commit order.
func (s *OrderService) Mutate(ctx context.Context, orderID string, fn repository.UpdateFunc, after func(order *domain.Order)) (*domain.Order, error) {
	var out *domain.Order
	err := s.Locked(orderID, func() error {
		var err error
		out, err = s.mutateLocked(ctx, orderID, fn, after)
		return err
	})
	return out, err
}

// mutateLocked is Mutate for callers that already hold the order's lock.
func (s *OrderService) mutateLocked(ctx context.Context, orderID string, fn repository.UpdateFunc, after func(order *domain.Order)) (*domain.Order, error) {
	var from domain.OrderStatus
	updated, err := s.orderRepo.Update(ctx, orderID, func(order *domain.Order) error {
		from = order.Status
		return fn(order)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, orderID)

	if from != updated.Status {
		s.logger.Infow("order status changed",
			"order_id", orderID,
			"from", from,
			"to", updated.Status,
		)
	}

	if after != nil {
		after(updated.Clone())
	}
	for _, hook := range s.hooks {
		hook(ctx, from, updated.Clone())
	}
	return updated, nil
}

// transition returns an UpdateFunc-compatible check for moving to next.
func transition(order *domain.Order, next domain.OrderStatus) error {
	if !order.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	order.Status = next
	return nil
}

func (s *OrderService) cacheOrder(ctx context.Context, order *domain.Order) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetOrder(ctx, order); err != nil {
		s.logger.Debugw("order cache write failed", "order_id", order.ID, "error", err)
	}
}

func (s *OrderService) invalidate(ctx context.Context, orderID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateOrder(ctx, orderID); err != nil {
		s.logger.Warnw("order cache invalidation failed", "order_id", orderID, "error", err)
	}
}
