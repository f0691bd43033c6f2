package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/redis"
	"ridedispatch/internal/repository"
)

// ChargeRequest contains the parameters of one gateway charge.
type ChargeRequest struct {
	OrderID        string
	InstrumentRef  string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// ChargeResult is a successful gateway charge.
type ChargeResult struct {
	ChargeID string
	Card     domain.CardInfo
}

// PaymentGateway is the external card processor.
// Charge returns a *GatewayError for declines and authentication challenges.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, chargeID string) error
}

// Instrument references understood by MockGateway.
const (
	MockInstrumentDecline       = "tok_decline"
	MockInstrumentRequiresAuth  = "tok_requires_action"
	MockInstrumentGatewayOutage = "tok_outage"
)

// MockGateway is a deterministic PaymentGateway for local runs and tests.
// Every reference charges successfully except the Mock* constants above.
type MockGateway struct{}

// NewMockGateway creates a new mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// Charge simulates a card charge.
func (g *MockGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &GatewayError{Reason: "gateway timeout", Err: err}
	}
	switch req.InstrumentRef {
	case MockInstrumentDecline:
		return nil, &GatewayError{Reason: "card declined"}
	case MockInstrumentRequiresAuth:
		return nil, &GatewayError{Soft: true, Reason: "additional authentication required"}
	case MockInstrumentGatewayOutage:
		return nil, &GatewayError{Reason: "payment processor unavailable"}
	}
	return &ChargeResult{
		ChargeID: "ch_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Card:     domain.CardInfo{Brand: "visa", Last4: "4242"},
	}, nil
}

// Refund simulates a refund. Always succeeds.
func (g *MockGateway) Refund(ctx context.Context, chargeID string) error {
	return nil
}

// settlement is the outcome of one attempt, produced without the order lock.
type settlement struct {
	chargeID string
	card     *domain.CardInfo
	err      error
}

func (s settlement) ok() bool      { return s.err == nil }
func (s settlement) charged() bool { return s.err == nil && s.chargeID != "" }

// PaymentCoordinator drives a completed order to a settled state. Only the
// assigned driver's confirmation settles; the client may ask for a retry or
// switch to cash but never triggers a charge.
type PaymentCoordinator struct {
	orders      *OrderService
	paymentRepo repository.PaymentRepository
	instruments repository.InstrumentRepository
	gateway     PaymentGateway
	chargeLock  redis.LockStoreInterface
	scheduler   *ExpiryScheduler
	notifier    *NotificationService
	logger      *zap.SugaredLogger

	timeout  time.Duration
	watchdog time.Duration
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*domain.PaymentConfirmationState
}

// PaymentConfig holds the timing of settlement attempts.
type PaymentConfig struct {
	Timeout  time.Duration // per gateway call
	Watchdog time.Duration // after which a stuck attempt is force-cleared
}

// NewPaymentCoordinator creates a new PaymentCoordinator. chargeLock may be nil.
func NewPaymentCoordinator(
	orders *OrderService,
	paymentRepo repository.PaymentRepository,
	instruments repository.InstrumentRepository,
	gateway PaymentGateway,
	chargeLock redis.LockStoreInterface,
	scheduler *ExpiryScheduler,
	notifier *NotificationService,
	cfg PaymentConfig,
	logger *zap.SugaredLogger,
) *PaymentCoordinator {
	c := &PaymentCoordinator{
		orders:      orders,
		paymentRepo: paymentRepo,
		instruments: instruments,
		gateway:     gateway,
		chargeLock:  chargeLock,
		scheduler:   scheduler,
		notifier:    notifier,
		logger:      logger,
		timeout:     cfg.Timeout,
		watchdog:    cfg.Watchdog,
		now:         time.Now,
		states:      make(map[string]*domain.PaymentConfirmationState),
	}
	orders.OnTransition(func(_ context.Context, from domain.OrderStatus, order *domain.Order) {
		switch {
		case order.Status.IsTerminal():
			c.clear(order.ID)
		case order.Status == domain.OrderStatusPaymentPending && from != domain.OrderStatusPaymentPending:
			c.open(order.ID)
		}
	})
	return c
}

// State returns a copy of the order's confirmation state, if open.
func (c *PaymentCoordinator) State(orderID string) (domain.PaymentConfirmationState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[orderID]
	if !ok {
		return domain.PaymentConfirmationState{}, false
	}
	return *st, true
}

// Settlement returns the order's settlement record.
func (c *PaymentCoordinator) Settlement(ctx context.Context, orderID string) (*domain.Payment, error) {
	return c.paymentRepo.GetByOrderID(ctx, orderID)
}

// ConfirmRequest contains a party's payment confirmation.
type ConfirmRequest struct {
	OrderID   string
	Actor     Actor
	Confirmed bool
}

// Confirm handles a payment confirmation. A client confirmation is relayed
// to the driver and changes nothing. A driver confirmation runs one
// settlement attempt; a concurrent second one fails with ErrAlreadyProcessing.
func (c *PaymentCoordinator) Confirm(ctx context.Context, req ConfirmRequest) error {
	switch req.Actor.Role {
	case domain.RoleClient:
		return c.clientAck(ctx, req)
	case domain.RoleDriver:
	default:
		return ErrInvalidRole
	}

	session, err := c.orders.sessions.Resolve(ctx, req.Actor.SessionID)
	if err != nil {
		return err
	}

	var (
		snapshot *domain.Order
		attempt  int
	)
	err = c.orders.Inspect(ctx, req.OrderID, func(order *domain.Order) error {
		if !assigned(order, session) {
			return ErrUnauthorized
		}
		switch order.Status {
		case domain.OrderStatusPaymentPending, domain.OrderStatusPaymentFailed:
		case domain.OrderStatusPaymentConfirmed:
			return ErrAlreadySettled
		default:
			return ErrInvalidTransition
		}

		c.mu.Lock()
		st := c.stateLocked(order.ID)
		if st.InProgress {
			c.mu.Unlock()
			return ErrAlreadyProcessing
		}
		if !req.Confirmed {
			c.mu.Unlock()
			c.broadcastFailure(order, "payment rejected by driver", false)
			return nil
		}
		st.InProgress = true
		st.Attempt++
		st.StartedAt = c.now()
		attempt = st.Attempt
		c.mu.Unlock()

		snapshot = order
		c.scheduler.ArmWatchdog(order.ID, c.watchdog, func() {
			c.expireAttempt(order.ID, attempt)
		})
		c.orders.audience.send(c.orders.audience.parties(order), domain.EventPaymentStatus, domain.PaymentUpdate{
			OrderID: order.ID,
			Status:  domain.PaymentPhaseProcessing,
			Method:  order.PaymentMethod,
		})
		return nil
	})
	if err != nil || snapshot == nil {
		return err
	}

	c.logger.Infow("settlement attempt started",
		"order_id", snapshot.ID,
		"attempt", attempt,
		"method", snapshot.PaymentMethod,
	)

	// The charge runs without the order lock so a cancellation can proceed.
	result := c.settle(ctx, snapshot, attempt)
	return c.commit(ctx, snapshot, attempt, result)
}

// settle performs the attempt's side effects outside the order lock.
func (c *PaymentCoordinator) settle(ctx context.Context, order *domain.Order, attempt int) settlement {
	if order.PaymentMethod == domain.PaymentMethodCash {
		return settlement{}
	}

	if order.ClientID == "" {
		return settlement{err: &GatewayError{Reason: "no card on file"}}
	}
	instrument, err := c.instruments.GetDefaultByClientID(ctx, order.ClientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return settlement{err: &GatewayError{Reason: "no card on file"}}
		}
		return settlement{err: &GatewayError{Reason: "could not load payment instrument", Err: err}}
	}

	if c.chargeLock != nil {
		acquired, err := c.chargeLock.AcquireChargeLock(ctx, order.ID, c.watchdog)
		if err != nil {
			return settlement{err: &GatewayError{Reason: "payment temporarily unavailable", Err: err}}
		}
		if !acquired {
			return settlement{err: ErrAlreadyProcessing}
		}
		defer func() {
			if err := c.chargeLock.ReleaseChargeLock(context.WithoutCancel(ctx), order.ID); err != nil {
				c.logger.Warnw("failed to release charge lock", "order_id", order.ID, "error", err)
			}
		}()
	}

	chargeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	res, err := c.gateway.Charge(chargeCtx, ChargeRequest{
		OrderID:        order.ID,
		InstrumentRef:  instrument.Reference,
		Amount:         order.Pricing.Total,
		Currency:       order.Pricing.Currency,
		IdempotencyKey: chargeKey(order.ID, attempt),
	})
	if err != nil {
		var gwErr *GatewayError
		if !errors.As(err, &gwErr) {
			reason := "payment processor error"
			if errors.Is(err, context.DeadlineExceeded) {
				reason = "gateway timeout"
			}
			err = &GatewayError{Reason: reason, Err: err}
		}
		return settlement{err: err}
	}

	card := res.Card
	if card.Brand == "" && card.Last4 == "" {
		card = domain.CardInfo{Brand: instrument.Brand, Last4: instrument.Last4}
	}
	return settlement{chargeID: res.ChargeID, card: &card}
}

// commit re-acquires the order and applies the attempt's result, refunding a
// charge that can no longer be applied.
func (c *PaymentCoordinator) commit(ctx context.Context, snapshot *domain.Order, attempt int, result settlement) error {
	ctx = context.WithoutCancel(ctx)
	orderID := snapshot.ID

	var (
		refund    bool
		commitErr error
	)
	err := c.orders.Locked(orderID, func() error {
		order, err := c.orders.orderRepo.GetByID(ctx, orderID)
		if err != nil {
			current, _ := c.attemptStatus(orderID, attempt)
			refund = result.charged()
			c.finish(orderID, attempt)
			if current {
				c.broadcastFailure(snapshot, "could not confirm payment", false)
			}
			return err
		}

		current, inFlight := c.attemptStatus(orderID, attempt)

		if order.Status != domain.OrderStatusPaymentPending && order.Status != domain.OrderStatusPaymentFailed {
			refund = result.charged()
			c.finish(orderID, attempt)
			c.logger.Warnw("order moved during settlement",
				"order_id", orderID,
				"status", order.Status,
				"attempt", attempt,
				"charged", result.charged(),
			)
			return nil
		}

		if !current {
			// Superseded by the watchdog. Apply a late success only if nothing
			// else is in flight; otherwise give the money back.
			if !result.ok() {
				return nil
			}
			if inFlight {
				refund = result.charged()
				return nil
			}
		}

		if !result.ok() {
			if errors.Is(result.err, ErrAlreadyProcessing) {
				c.finish(orderID, attempt)
				commitErr = ErrAlreadyProcessing
				return nil
			}
			c.finish(orderID, attempt)
			var gwErr *GatewayError
			if !errors.As(result.err, &gwErr) {
				gwErr = &GatewayError{Reason: "payment processor error", Err: result.err}
			}
			c.broadcastFailure(order, gwErr.Reason, gwErr.Soft)
			c.logger.Warnw("settlement attempt failed",
				"order_id", orderID,
				"attempt", attempt,
				"soft", gwErr.Soft,
				"error", result.err,
			)
			commitErr = result.err
			return nil
		}

		record, err := c.record(ctx, order, attempt, result)
		if err != nil {
			refund = result.charged()
			c.finish(orderID, attempt)
			c.broadcastFailure(order, "could not record settlement", false)
			return err
		}

		_, err = c.orders.mutateLocked(ctx, orderID, func(o *domain.Order) error {
			if o.Status == domain.OrderStatusPaymentFailed {
				if err := transition(o, domain.OrderStatusPaymentPending); err != nil {
					return err
				}
			}
			return transition(o, domain.OrderStatusPaymentConfirmed)
		}, func(o *domain.Order) {
			c.orders.audience.send(c.orders.audience.parties(o), domain.EventPaymentStatus, domain.PaymentUpdate{
				OrderID: o.ID,
				Status:  domain.PaymentPhaseConfirmed,
				Method:  o.PaymentMethod,
				Card:    result.card,
			})
			c.notifier.Go(func(ctx context.Context) error {
				return c.notifier.NotifyPaymentConfirmed(ctx, o)
			})
		})
		if err != nil {
			refund = result.charged()
			c.finish(orderID, attempt)
			if uerr := c.paymentRepo.UpdateStatus(ctx, record.ID, domain.PaymentStatusRefunded); uerr != nil {
				c.logger.Errorw("failed to mark settlement refunded", "payment_id", record.ID, "error", uerr)
			}
			c.broadcastFailure(order, "could not record settlement", false)
			return err
		}

		c.logger.Infow("order settled",
			"order_id", orderID,
			"attempt", attempt,
			"method", order.PaymentMethod,
			"payment_id", record.ID,
		)
		return nil
	})

	if refund {
		c.refund(ctx, orderID, result.chargeID)
	}
	if err != nil {
		return err
	}
	return commitErr
}

// record writes the settlement record once per attempt. A refunded earlier
// attempt keeps its own record.
func (c *PaymentCoordinator) record(ctx context.Context, order *domain.Order, attempt int, result settlement) (*domain.Payment, error) {
	key := settlementKey(order.ID, attempt)

	existing, err := c.paymentRepo.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	payment := &domain.Payment{
		ID:             uuid.New().String(),
		OrderID:        order.ID,
		Amount:         order.Pricing.Total,
		Currency:       order.Pricing.Currency,
		Method:         order.PaymentMethod,
		Status:         domain.PaymentStatusSuccess,
		ChargeID:       result.chargeID,
		IdempotencyKey: key,
		CreatedAt:      c.now(),
	}
	if result.card != nil {
		payment.CardBrand = result.card.Brand
		payment.CardLast4 = result.card.Last4
	}
	if err := c.paymentRepo.Create(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

func (c *PaymentCoordinator) refund(ctx context.Context, orderID, chargeID string) {
	refundCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.gateway.Refund(refundCtx, chargeID); err != nil {
		c.logger.Errorw("refund of unapplied charge failed",
			"order_id", orderID,
			"charge_id", chargeID,
			"error", err,
		)
		return
	}
	c.logger.Warnw("unapplied charge refunded", "order_id", orderID, "charge_id", chargeID)
}

// RetryRequest contains a client's request to re-open settlement.
type RetryRequest struct {
	OrderID string
	Token   string
	ConnID  string
}

// Retry re-arms the confirmation state and tells the driver to confirm again.
// It never charges.
func (c *PaymentCoordinator) Retry(ctx context.Context, req RetryRequest) error {
	return c.rearm(ctx, req, nil)
}

// SwitchToCash moves the order to cash and re-arms the confirmation state.
func (c *PaymentCoordinator) SwitchToCash(ctx context.Context, req RetryRequest) error {
	return c.rearm(ctx, req, func(order *domain.Order) {
		order.PaymentMethod = domain.PaymentMethodCash
	})
}

func (c *PaymentCoordinator) rearm(ctx context.Context, req RetryRequest, mutate func(order *domain.Order)) error {
	if err := c.orders.tokens.Authorize(req.OrderID, req.Token, req.ConnID); err != nil {
		return err
	}

	return c.orders.Locked(req.OrderID, func() error {
		order, err := c.orders.orderRepo.GetByID(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPaymentPending && order.Status != domain.OrderStatusPaymentFailed {
			return ErrInvalidTransition
		}

		c.mu.Lock()
		st := c.stateLocked(order.ID)
		busy := st.InProgress
		c.mu.Unlock()
		if busy {
			return ErrAlreadyProcessing
		}

		if mutate != nil || order.Status == domain.OrderStatusPaymentFailed {
			order, err = c.orders.mutateLocked(ctx, order.ID, func(o *domain.Order) error {
				if o.Status == domain.OrderStatusPaymentFailed {
					if err := transition(o, domain.OrderStatusPaymentPending); err != nil {
						return err
					}
				}
				if mutate != nil {
					mutate(o)
				}
				return nil
			}, nil)
			if err != nil {
				return err
			}
		}

		c.mu.Lock()
		st = c.stateLocked(order.ID)
		st.InProgress = false
		st.StartedAt = time.Time{}
		c.mu.Unlock()

		c.orders.audience.send(c.orders.audience.parties(order), domain.EventPaymentRetryReady, domain.PaymentUpdate{
			OrderID: order.ID,
			Status:  string(order.Status),
			Method:  order.PaymentMethod,
		})
		c.logger.Infow("settlement re-armed", "order_id", order.ID, "method", order.PaymentMethod)
		return nil
	})
}

func (c *PaymentCoordinator) clientAck(ctx context.Context, req ConfirmRequest) error {
	if err := c.orders.tokens.Authorize(req.OrderID, req.Actor.Token, req.Actor.ConnID); err != nil {
		return err
	}
	return c.orders.Inspect(ctx, req.OrderID, func(order *domain.Order) error {
		if order.Status != domain.OrderStatusPaymentPending && order.Status != domain.OrderStatusPaymentFailed {
			return ErrInvalidTransition
		}
		c.orders.audience.send(c.orders.audience.driverSide(order), domain.EventPaymentClientAck, domain.PaymentUpdate{
			OrderID: order.ID,
			Status:  string(order.Status),
			Method:  order.PaymentMethod,
		})
		return nil
	})
}

// expireAttempt force-clears an attempt that outlived the watchdog.
func (c *PaymentCoordinator) expireAttempt(orderID string, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.orders.Locked(orderID, func() error {
		c.mu.Lock()
		st, ok := c.states[orderID]
		stuck := ok && st.InProgress && st.Attempt == attempt
		if stuck {
			st.InProgress = false
		}
		c.mu.Unlock()
		if !stuck {
			return nil
		}

		order, err := c.orders.orderRepo.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		c.broadcastFailure(order, "payment confirmation timed out", false)
		c.logger.Warnw("settlement attempt timed out", "order_id", orderID, "attempt", attempt)
		return nil
	})
	if err != nil {
		c.logger.Errorw("payment watchdog failed", "order_id", orderID, "error", err)
	}
}

// broadcastFailure reports a failed attempt to both parties. The order stays
// retryable and the client keeps its token.
func (c *PaymentCoordinator) broadcastFailure(order *domain.Order, reason string, requiresAction bool) {
	c.orders.audience.send(c.orders.audience.parties(order), domain.EventPaymentStatus, domain.PaymentUpdate{
		OrderID:        order.ID,
		Status:         domain.PaymentPhaseFailed,
		Method:         order.PaymentMethod,
		Reason:         reason,
		RequiresAction: requiresAction,
	})
	snapshot := order.Clone()
	c.notifier.Go(func(ctx context.Context) error {
		return c.notifier.NotifyPaymentFailed(ctx, snapshot, reason)
	})
}

func (c *PaymentCoordinator) open(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[orderID]; !ok {
		c.states[orderID] = &domain.PaymentConfirmationState{}
	}
}

func (c *PaymentCoordinator) clear(orderID string) {
	c.mu.Lock()
	delete(c.states, orderID)
	c.mu.Unlock()
	c.scheduler.CancelWatchdog(orderID)
}

// stateLocked returns the order's state, opening it if this process has not
// seen the order reach payment_pending. The caller must hold c.mu.
func (c *PaymentCoordinator) stateLocked(orderID string) *domain.PaymentConfirmationState {
	st, ok := c.states[orderID]
	if !ok {
		st = &domain.PaymentConfirmationState{}
		c.states[orderID] = st
	}
	return st
}

// attemptStatus reports whether attempt is still the live one and whether
// any attempt is in flight.
func (c *PaymentCoordinator) attemptStatus(orderID string, attempt int) (current, inFlight bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[orderID]
	if !ok {
		return false, false
	}
	return st.InProgress && st.Attempt == attempt, st.InProgress
}

// finish clears the in-progress flag if attempt still owns it.
func (c *PaymentCoordinator) finish(orderID string, attempt int) {
	c.mu.Lock()
	st, ok := c.states[orderID]
	owned := ok && st.Attempt == attempt && st.InProgress
	if owned {
		st.InProgress = false
	}
	c.mu.Unlock()
	if owned {
		c.scheduler.CancelWatchdog(orderID)
	}
}

func chargeKey(orderID string, attempt int) string {
	return fmt.Sprintf("order:%s:attempt:%d", orderID, attempt)
}

func settlementKey(orderID string, attempt int) string {
	return "settlement:" + chargeKey(orderID, attempt)
}
