package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"ridedispatch/internal/domain"
)

func TestCreateOrder_BroadcastsToOnlineDrivers(t *testing.T) {
	env := newTestEnv(t)
	env.onlineDriver(t, "driver-1", "d1")
	env.onlineDriver(t, "driver-2", "d2")

	res := env.placeOrder(t, "c1", domain.PaymentMethodCard)

	if res.Order.Status != domain.OrderStatusPending {
		t.Errorf("expected status pending, got %s", res.Order.Status)
	}
	if len(res.ClientToken) != 2*clientTokenBytes {
		t.Errorf("expected %d-char token, got %d", 2*clientTokenBytes, len(res.ClientToken))
	}
	for _, conn := range []string{"d1", "d2"} {
		if got := len(env.transport.received(conn, domain.EventOrderNew)); got != 1 {
			t.Errorf("expected 1 order.new on %s, got %d", conn, got)
		}
	}
	if got := len(env.transport.received("c1", domain.EventOrderNew)); got != 0 {
		t.Errorf("client should not receive order.new, got %d", got)
	}
	if conn, ok := env.tokens.BoundConnection(res.Order.ID); !ok || conn != "c1" {
		t.Errorf("expected token bound to c1, got %q (%v)", conn, ok)
	}
	if env.expiry.Armed() != 1 {
		t.Errorf("expected expiry armed, got %d timers", env.expiry.Armed())
	}
}

func TestCreateOrder_SkipsOfflineDrivers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.sessions.Login(ctx, "driver-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	env.transport.connect("d1")
	if _, err := env.dispatcher.JoinDriver(ctx, session.ID, "d1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	env.placeOrder(t, "c1", domain.PaymentMethodCash)

	if got := len(env.transport.received("d1", domain.EventOrderNew)); got != 0 {
		t.Errorf("opted-out driver should not receive order.new, got %d", got)
	}
}

func TestCreateOrder_Defaults(t *testing.T) {
	env := newTestEnv(t)

	pricing := testPricing()
	pricing.Total = decimal.Zero
	pricing.Currency = ""

	res, err := env.dispatcher.CreateOrder(context.Background(), CreateOrderRequest{
		Pricing:   pricing,
		Addresses: testAddresses(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Order.PaymentMethod != domain.PaymentMethodCash {
		t.Errorf("expected cash default, got %s", res.Order.PaymentMethod)
	}
	if res.Order.Pricing.Currency != defaultCurrency {
		t.Errorf("expected currency %s, got %s", defaultCurrency, res.Order.Pricing.Currency)
	}
	if !res.Order.Pricing.Total.Equal(decimal.RequireFromString("12.75")) {
		t.Errorf("expected computed total 12.75, got %s", res.Order.Pricing.Total)
	}
	if _, ok := env.tokens.BoundConnection(res.Order.ID); ok {
		t.Error("token should stay unbound without a connection")
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	env := newTestEnv(t)

	negative := testPricing()
	negative.Total = decimal.NewFromInt(-5)

	testCases := []struct {
		name    string
		req     CreateOrderRequest
		wantErr error
	}{
		{
			name:    "unknown payment method",
			req:     CreateOrderRequest{Pricing: testPricing(), PaymentMethod: "crypto", Addresses: testAddresses()},
			wantErr: ErrInvalidPaymentMethod,
		},
		{
			name: "missing destination",
			req: CreateOrderRequest{Pricing: testPricing(), Addresses: []domain.Address{
				{Type: domain.AddressTypePickup, Lat: 52.5, Lng: 13.4},
			}},
			wantErr: ErrInvalidOrder,
		},
		{
			name: "pickup off the globe",
			req: CreateOrderRequest{Pricing: testPricing(), Addresses: []domain.Address{
				{Type: domain.AddressTypePickup, Lat: 95, Lng: 13.4},
				{Type: domain.AddressTypeDestination, Lat: 52.4, Lng: 13.5},
			}},
			wantErr: ErrInvalidLocation,
		},
		{
			name: "unknown address type",
			req: CreateOrderRequest{Pricing: testPricing(), Addresses: append(testAddresses(),
				domain.Address{Type: "detour", Lat: 52.4, Lng: 13.5},
			)},
			wantErr: ErrInvalidOrder,
		},
		{
			name:    "negative total",
			req:     CreateOrderRequest{Pricing: negative, Addresses: testAddresses()},
			wantErr: ErrInvalidOrder,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.dispatcher.CreateOrder(context.Background(), tc.req)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestAccept_ExactlyOneWinner(t *testing.T) {
	env := newTestEnv(t)
	conns := []string{"d1", "d2", "d3"}
	sessions := []*domain.DriverSession{
		env.onlineDriver(t, "driver-1", "d1"),
		env.onlineDriver(t, "driver-2", "d2"),
		env.onlineDriver(t, "driver-3", "d3"),
	}
	res := env.placeOrder(t, "c1", domain.PaymentMethodCash)

	var wg sync.WaitGroup
	errs := make([]error, len(sessions))
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.engine.Handle(context.Background(), conns[i], &OrderAccept{
				OrderID:   res.Order.ID,
				SessionID: sessions[i].ID,
			})
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != -1 {
				t.Fatalf("two winners: %d and %d", winner, i)
			}
			winner = i
		case !errors.Is(err, ErrOrderNoLongerAvailable):
			t.Errorf("driver %d: expected ErrOrderNoLongerAvailable, got %v", i, err)
		}
	}
	if winner == -1 {
		t.Fatal("expected one winner")
	}

	order, _ := env.orderRepo.GetByID(context.Background(), res.Order.ID)
	if order.AssignedDriverID != sessions[winner].DriverID {
		t.Errorf("expected driver %s assigned, got %s", sessions[winner].DriverID, order.AssignedDriverID)
	}

	for i, conn := range conns {
		success := len(env.transport.received(conn, domain.EventOrderAcceptSuccess))
		acceptErr := len(env.transport.received(conn, domain.EventOrderAcceptError))
		if i == winner {
			if success != 1 || acceptErr != 0 {
				t.Errorf("winner %s: success=%d error=%d", conn, success, acceptErr)
			}
			continue
		}
		if success != 0 || acceptErr != 1 {
			t.Errorf("loser %s: success=%d error=%d", conn, success, acceptErr)
		}
		if got := len(env.transport.received(conn, domain.EventOrderTaken)); got != 1 {
			t.Errorf("loser %s: expected 1 order.taken, got %d", conn, got)
		}
	}

	changes := env.transport.received("c1", domain.EventRideStatusChanged)
	if len(changes) != 1 {
		t.Fatalf("expected 1 status change for client, got %d", len(changes))
	}
	change := changes[0].Data.(domain.StatusChange)
	if change.Status != domain.OrderStatusAccepted || change.DriverID != sessions[winner].DriverID {
		t.Errorf("unexpected status change %+v", change)
	}
	if env.expiry.Armed() != 0 {
		t.Errorf("expected expiry cancelled on accept, got %d timers", env.expiry.Armed())
	}
}

func TestAccept_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	res := env.placeOrder(t, "c1", domain.PaymentMethodCash)

	_, err := env.dispatcher.Accept(context.Background(), AcceptRequest{OrderID: res.Order.ID, SessionID: "nope"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if got := env.orderRepo.status(res.Order.ID); got != domain.OrderStatusPending {
		t.Errorf("expected order to stay pending, got %s", got)
	}
}

func TestDecline_LeavesOrderPending(t *testing.T) {
	env := newTestEnv(t)
	session := env.onlineDriver(t, "driver-1", "d1")
	res := env.placeOrder(t, "c1", domain.PaymentMethodCash)

	if err := env.engine.Handle(context.Background(), "d1", &OrderDecline{OrderID: res.Order.ID, SessionID: session.ID}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.orderRepo.status(res.Order.ID); got != domain.OrderStatusPending {
		t.Errorf("expected pending, got %s", got)
	}
	if got := len(env.transport.received("d1", domain.EventOrderDeclineAck)); got != 1 {
		t.Errorf("expected decline ack, got %d", got)
	}
}

func TestSetDriverOnline(t *testing.T) {
	t.Run("requires a live connection", func(t *testing.T) {
		env := newTestEnv(t)
		session, err := env.sessions.Login(context.Background(), "driver-1")
		if err != nil {
			t.Fatalf("login: %v", err)
		}
		_, err = env.dispatcher.SetDriverOnline(context.Background(), session.ID, true)
		if !errors.Is(err, ErrNoLiveConnection) {
			t.Errorf("expected ErrNoLiveConnection, got %v", err)
		}
	})

	t.Run("replays pending orders", func(t *testing.T) {
		env := newTestEnv(t)
		first := env.placeOrder(t, "c1", domain.PaymentMethodCash)
		second := env.placeOrder(t, "c2", domain.PaymentMethodCash)

		env.onlineDriver(t, "driver-1", "d1")

		seen := make(map[string]bool)
		for _, e := range env.transport.received("d1", domain.EventOrderNew) {
			seen[e.Data.(domain.OrderView).ID] = true
		}
		if !seen[first.Order.ID] || !seen[second.Order.ID] {
			t.Errorf("expected both pending orders replayed, got %v", seen)
		}
	})

	t.Run("disconnect forces offline", func(t *testing.T) {
		env := newTestEnv(t)
		env.onlineDriver(t, "driver-1", "d1")

		env.transport.drop("d1")
		env.engine.Disconnect("d1")

		if conns := env.sessions.OnlineConnections(); len(conns) != 0 {
			t.Errorf("expected no online connections, got %v", conns)
		}
	})
}
