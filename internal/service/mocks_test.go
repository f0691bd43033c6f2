package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// ──────────────────────────────────────────────
// MOCK ORDER REPOSITORY
// ──────────────────────────────────────────────

// mockOrderRepository is an in-memory OrderRepository.
type mockOrderRepository struct {
	mu     sync.Mutex
	orders map[string]*domain.Order

	// Counters for verification
	UpdateCallCount int32

	// Error injection
	UpdateError error
	getError    error

	// onGet runs after every successful GetByID, outside the mock's lock.
	onGet func(id string)
}

func newMockOrderRepository() *mockOrderRepository {
	return &mockOrderRepository{orders: make(map[string]*domain.Order)}
}

func (m *mockOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *mockOrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	if m.getError != nil {
		err := m.getError
		m.mu.Unlock()
		return nil, err
	}
	order, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return nil, repository.ErrNotFound
	}
	out := order.Clone()
	m.mu.Unlock()

	if m.onGet != nil {
		m.onGet(id)
	}
	return out, nil
}

// failGets makes every following GetByID return err.
func (m *mockOrderRepository) failGets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getError = err
}

func (m *mockOrderRepository) Update(ctx context.Context, id string, fn repository.UpdateFunc) (*domain.Order, error) {
	atomic.AddInt32(&m.UpdateCallCount, 1)
	if m.UpdateError != nil {
		return nil, m.UpdateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	working := order.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	m.orders[id] = working
	return working.Clone(), nil
}

func (m *mockOrderRepository) ListByStatus(ctx context.Context, status domain.OrderStatus, after repository.OrderCursor, limit int) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*domain.Order
	for _, o := range m.orders {
		if o.Status == status {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	var out []*domain.Order
	for _, o := range matched {
		if o.CreatedAt.Before(after.CreatedAt) || (o.CreatedAt.Equal(after.CreatedAt) && o.ID <= after.ID) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, o.Clone())
	}
	return out, nil
}

func (m *mockOrderRepository) GetActiveByClientID(ctx context.Context, clientID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ClientID == clientID && !o.Status.IsTerminal() {
			return o.Clone(), nil
		}
	}
	return nil, nil
}

func (m *mockOrderRepository) GetActiveByDriverID(ctx context.Context, driverID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.AssignedDriverID == driverID && !o.Status.IsTerminal() {
			return o.Clone(), nil
		}
	}
	return nil, nil
}

// put stores an order directly, bypassing the service.
func (m *mockOrderRepository) put(order *domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order.Clone()
}

// status returns the stored status for test assertions.
func (m *mockOrderRepository) status(id string) domain.OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

// ──────────────────────────────────────────────
// MOCK DRIVER AND SESSION REPOSITORIES
// ──────────────────────────────────────────────

type mockDriverRepository struct {
	mu      sync.RWMutex
	drivers map[string]*domain.Driver
}

func newMockDriverRepository(drivers ...*domain.Driver) *mockDriverRepository {
	m := &mockDriverRepository{drivers: make(map[string]*domain.Driver)}
	for _, d := range drivers {
		m.drivers[d.ID] = d
	}
	return m
}

func (m *mockDriverRepository) GetByID(ctx context.Context, id string) (*domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	driver, ok := m.drivers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *driver
	return &copy, nil
}

type mockSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*domain.DriverSession

	TouchCallCount int32
}

func newMockSessionRepository() *mockSessionRepository {
	return &mockSessionRepository{sessions: make(map[string]*domain.DriverSession)}
}

func (m *mockSessionRepository) Create(ctx context.Context, session *domain.DriverSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *mockSessionRepository) GetByID(ctx context.Context, id string) (*domain.DriverSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return session.Clone(), nil
}

func (m *mockSessionRepository) Touch(ctx context.Context, id string, expiresAt time.Time) error {
	atomic.AddInt32(&m.TouchCallCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[id]; ok {
		session.ExpiresAt = expiresAt
	}
	return nil
}

func (m *mockSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, session := range m.sessions {
		if session.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────
// MOCK PAYMENT REPOSITORIES
// ──────────────────────────────────────────────

type mockPaymentRepository struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment

	CreateCallCount int32
}

func newMockPaymentRepository() *mockPaymentRepository {
	return &mockPaymentRepository{payments: make(map[string]*domain.Payment)}
}

func (m *mockPaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	atomic.AddInt32(&m.CreateCallCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *payment
	m.payments[payment.ID] = &copy
	return nil
}

func (m *mockPaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.Payment
	for _, p := range m.payments {
		if p.OrderID != orderID {
			continue
		}
		if best == nil || (p.Status == domain.PaymentStatusSuccess && best.Status != domain.PaymentStatusSuccess) ||
			(p.Status == best.Status && p.CreatedAt.After(best.CreatedAt)) {
			best = p
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	copy := *best
	return &copy, nil
}

func (m *mockPaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.IdempotencyKey == key {
			copy := *p
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *mockPaymentRepository) UpdateStatus(ctx context.Context, id string, status domain.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	return nil
}

type mockInstrumentRepository struct {
	mu          sync.Mutex
	instruments map[string]*domain.PaymentInstrument // clientID -> default
}

func newMockInstrumentRepository() *mockInstrumentRepository {
	return &mockInstrumentRepository{instruments: make(map[string]*domain.PaymentInstrument)}
}

func (m *mockInstrumentRepository) GetDefaultByClientID(ctx context.Context, clientID string) (*domain.PaymentInstrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instruments[clientID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *inst
	return &copy, nil
}

func (m *mockInstrumentRepository) setDefault(clientID, reference string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instruments[clientID] = &domain.PaymentInstrument{
		ID:        "inst-" + clientID,
		ClientID:  clientID,
		Reference: reference,
		Brand:     "visa",
		Last4:     "4242",
		IsDefault: true,
	}
}

// ──────────────────────────────────────────────
// MOCK GATEWAY
// ──────────────────────────────────────────────

// countingGateway wraps MockGateway, counting calls and optionally holding
// every charge until release is closed.
type countingGateway struct {
	MockGateway

	ChargeCallCount int32
	RefundCallCount int32

	started chan struct{}            // receives once per charge, if set
	release chan struct{}            // charges block until closed, if set
	hold    map[string]chan struct{} // per idempotency key; overrides release
}

func (g *countingGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	atomic.AddInt32(&g.ChargeCallCount, 1)
	if g.started != nil {
		g.started <- struct{}{}
	}
	if gate, ok := g.hold[req.IdempotencyKey]; ok {
		<-gate
	} else if g.release != nil {
		<-g.release
	}
	return g.MockGateway.Charge(context.Background(), req)
}

func (g *countingGateway) Refund(ctx context.Context, chargeID string) error {
	atomic.AddInt32(&g.RefundCallCount, 1)
	return nil
}

func (g *countingGateway) charges() int32 { return atomic.LoadInt32(&g.ChargeCallCount) }
func (g *countingGateway) refunds() int32 { return atomic.LoadInt32(&g.RefundCallCount) }

// ──────────────────────────────────────────────
// MOCK REDIS STORES
// ──────────────────────────────────────────────

type mockLocationStore struct {
	mu        sync.Mutex
	locations map[string]*domain.DriverLocation
}

func newMockLocationStore() *mockLocationStore {
	return &mockLocationStore{locations: make(map[string]*domain.DriverLocation)}
}

func (m *mockLocationStore) SetDriverLocation(ctx context.Context, loc *domain.DriverLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *loc
	m.locations[loc.OrderID] = &copy
	return nil
}

func (m *mockLocationStore) GetDriverLocation(ctx context.Context, orderID string) (*domain.DriverLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[orderID]
	if !ok {
		return nil, nil
	}
	copy := *loc
	return &copy, nil
}

func (m *mockLocationStore) DeleteDriverLocation(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locations, orderID)
	return nil
}

type mockLockStore struct {
	mu    sync.Mutex
	locks map[string]bool
}

func newMockLockStore() *mockLockStore {
	return &mockLockStore{locks: make(map[string]bool)}
}

func (m *mockLockStore) AcquireChargeLock(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[orderID] {
		return false, nil
	}
	m.locks[orderID] = true
	return true, nil
}

func (m *mockLockStore) ReleaseChargeLock(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, orderID)
	return nil
}

type mockCacheStore struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

func newMockCacheStore() *mockCacheStore {
	return &mockCacheStore{orders: make(map[string]*domain.Order)}
}

func (m *mockCacheStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	return order.Clone(), nil
}

func (m *mockCacheStore) SetOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *mockCacheStore) InvalidateOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, orderID)
	return nil
}

// ──────────────────────────────────────────────
// FAKE TRANSPORT
// ──────────────────────────────────────────────

// fakeTransport records every event per connection.
type fakeTransport struct {
	mu     sync.Mutex
	live   map[string]bool
	events map[string][]domain.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		live:   make(map[string]bool),
		events: make(map[string][]domain.Event),
	}
}

func (f *fakeTransport) Send(connID string, event domain.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[connID] {
		return false
	}
	f.events[connID] = append(f.events[connID], event)
	return true
}

func (f *fakeTransport) IsLive(connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[connID]
}

func (f *fakeTransport) connect(connIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range connIDs {
		f.live[id] = true
	}
}

func (f *fakeTransport) drop(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, connID)
}

// received returns the events of the given type sent to connID.
func (f *fakeTransport) received(connID string, eventType domain.EventType) []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, e := range f.events[connID] {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = make(map[string][]domain.Event)
}

// ──────────────────────────────────────────────
// TEST ENVIRONMENT
// ──────────────────────────────────────────────

type testEnv struct {
	orderRepo   *mockOrderRepository
	sessionRepo *mockSessionRepository
	paymentRepo *mockPaymentRepository
	instruments *mockInstrumentRepository
	locations   *mockLocationStore
	gateway     *countingGateway
	chargeLocks *mockLockStore
	transport   *fakeTransport

	sessions   *SessionRegistry
	tokens     *TokenRegistry
	orders     *OrderService
	expiry     *ExpiryScheduler
	relay      *LocationRelay
	payments   *PaymentCoordinator
	dispatcher *Dispatcher
	engine     *Engine
}

type envOption func(*envConfig)

type envConfig struct {
	orderTTL time.Duration
	watchdog time.Duration
	gateway  *countingGateway
}

func withOrderTTL(d time.Duration) envOption {
	return func(c *envConfig) { c.orderTTL = d }
}

func withWatchdog(d time.Duration) envOption {
	return func(c *envConfig) { c.watchdog = d }
}

func withGateway(g *countingGateway) envOption {
	return func(c *envConfig) { c.gateway = g }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := envConfig{
		orderTTL: time.Hour,
		watchdog: time.Hour,
		gateway:  &countingGateway{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := zap.NewNop().Sugar()
	env := &testEnv{
		orderRepo:   newMockOrderRepository(),
		sessionRepo: newMockSessionRepository(),
		paymentRepo: newMockPaymentRepository(),
		instruments: newMockInstrumentRepository(),
		locations:   newMockLocationStore(),
		gateway:     cfg.gateway,
		chargeLocks: newMockLockStore(),
		transport:   newFakeTransport(),
	}
	drivers := newMockDriverRepository(
		&domain.Driver{ID: "driver-1", Name: "Alice"},
		&domain.Driver{ID: "driver-2", Name: "Bob"},
		&domain.Driver{ID: "driver-3", Name: "Carol"},
	)

	notifier := NewNotificationService(nil, logger)
	env.sessions = NewSessionRegistry(env.sessionRepo, drivers, time.Hour, logger)
	env.tokens = NewTokenRegistry(env.transport)
	env.orders = NewOrderService(env.orderRepo, nil, env.sessions, env.tokens, env.transport, logger)
	env.expiry = NewExpiryScheduler(env.orders, notifier, logger)
	env.relay = NewLocationRelay(env.orders, env.locations, logger)
	env.payments = NewPaymentCoordinator(
		env.orders,
		env.paymentRepo,
		env.instruments,
		env.gateway,
		env.chargeLocks,
		env.expiry,
		notifier,
		PaymentConfig{Timeout: time.Second, Watchdog: cfg.watchdog},
		logger,
	)
	env.dispatcher = NewDispatcher(env.orders, env.expiry, notifier, cfg.orderTTL, logger)
	env.engine = NewEngine(env.dispatcher, env.orders, env.payments, env.relay, logger)

	t.Cleanup(env.expiry.Stop)
	return env
}

// onlineDriver logs a driver in, attaches connID and opts in.
func (e *testEnv) onlineDriver(t *testing.T, driverID, connID string) *domain.DriverSession {
	t.Helper()
	ctx := context.Background()

	session, err := e.sessions.Login(ctx, driverID)
	if err != nil {
		t.Fatalf("login %s: %v", driverID, err)
	}
	e.transport.connect(connID)
	if _, err := e.dispatcher.JoinDriver(ctx, session.ID, connID); err != nil {
		t.Fatalf("join %s: %v", driverID, err)
	}
	if _, err := e.dispatcher.SetDriverOnline(ctx, session.ID, true); err != nil {
		t.Fatalf("set online %s: %v", driverID, err)
	}
	return session
}

// placeOrder creates an order from a live client connection.
func (e *testEnv) placeOrder(t *testing.T, clientConn string, method domain.PaymentMethod) *CreateOrderResult {
	t.Helper()
	e.transport.connect(clientConn)
	res, err := e.dispatcher.CreateOrder(context.Background(), CreateOrderRequest{
		ClientID:      "client-1",
		Pricing:       testPricing(),
		PaymentMethod: method,
		Addresses:     testAddresses(),
		ConnID:        clientConn,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return res
}

// rideToPayment accepts the order for session and drives it to payment_pending.
func (e *testEnv) rideToPayment(t *testing.T, orderID string, session *domain.DriverSession) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.dispatcher.Accept(ctx, AcceptRequest{OrderID: orderID, SessionID: session.ID}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, stage := range []domain.OrderStatus{domain.OrderStatusInProgress, domain.OrderStatusCompleted} {
		if _, err := e.orders.UpdateStage(ctx, UpdateStageRequest{OrderID: orderID, SessionID: session.ID, Stage: stage}); err != nil {
			t.Fatalf("stage %s: %v", stage, err)
		}
	}
}

func testPricing() domain.Pricing {
	return domain.Pricing{
		Base:     decimal.RequireFromString("3.00"),
		Distance: decimal.RequireFromString("8.50"),
		Time:     decimal.RequireFromString("2.25"),
		Extras:   decimal.Zero,
		Discount: decimal.RequireFromString("1.00"),
		Total:    decimal.RequireFromString("12.75"),
		Currency: "USD",
	}
}

func testAddresses() []domain.Address {
	return []domain.Address{
		{Type: domain.AddressTypePickup, Label: "Main St 1", Lat: 52.52, Lng: 13.40},
		{Type: domain.AddressTypeDestination, Label: "Airport", Lat: 52.36, Lng: 13.50},
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
