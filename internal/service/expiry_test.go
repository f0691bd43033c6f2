package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ridedispatch/internal/domain"
)

func TestExpiry_FiresOnce(t *testing.T) {
	env := newTestEnv(t, withOrderTTL(20*time.Millisecond))
	env.onlineDriver(t, "driver-1", "d1")
	res := env.placeOrder(t, "c1", domain.PaymentMethodCash)

	eventually(t, func() bool {
		return env.orderRepo.status(res.Order.ID) == domain.OrderStatusExpired
	}, "order did not expire")

	// Give a stray second firing a chance to show up.
	time.Sleep(30 * time.Millisecond)

	for _, conn := range []string{"d1", "c1"} {
		if got := len(env.transport.received(conn, domain.EventOrderExpired)); got != 1 {
			t.Errorf("expected 1 order.expired on %s, got %d", conn, got)
		}
	}
	if env.expiry.Armed() != 0 {
		t.Errorf("expected no timers left, got %d", env.expiry.Armed())
	}
	if err := env.tokens.Verify(res.Order.ID, res.ClientToken); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("expected token revoked on expiry, got %v", err)
	}

	session := env.onlineDriver(t, "driver-2", "d2")
	_, err := env.dispatcher.Accept(context.Background(), AcceptRequest{OrderID: res.Order.ID, SessionID: session.ID})
	if !errors.Is(err, ErrOrderNoLongerAvailable) {
		t.Errorf("expected expired order to be unavailable, got %v", err)
	}
}

func TestExpiry_NoOpAfterAccept(t *testing.T) {
	env := newTestEnv(t, withOrderTTL(40*time.Millisecond))
	session := env.onlineDriver(t, "driver-1", "d1")
	res := env.placeOrder(t, "c1", domain.PaymentMethodCash)

	if _, err := env.dispatcher.Accept(context.Background(), AcceptRequest{OrderID: res.Order.ID, SessionID: session.ID}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if env.expiry.Armed() != 0 {
		t.Fatalf("expected expiry disarmed by accept, got %d timers", env.expiry.Armed())
	}

	time.Sleep(80 * time.Millisecond)

	if got := env.orderRepo.status(res.Order.ID); got != domain.OrderStatusAccepted {
		t.Errorf("expected accepted, got %s", got)
	}
	if got := len(env.transport.received("c1", domain.EventOrderExpired)); got != 0 {
		t.Errorf("expected no order.expired, got %d", got)
	}
}

func TestExpiry_Recover(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	env.orderRepo.put(&domain.Order{
		ID:        "stale",
		Status:    domain.OrderStatusPending,
		Pricing:   testPricing(),
		Addresses: testAddresses(),
		CreatedAt: now.Add(-2 * time.Minute),
		ExpiresAt: now.Add(-time.Minute),
	})
	env.orderRepo.put(&domain.Order{
		ID:        "fresh",
		Status:    domain.OrderStatusPending,
		Pricing:   testPricing(),
		Addresses: testAddresses(),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	})
	env.orderRepo.put(&domain.Order{
		ID:        "riding",
		Status:    domain.OrderStatusInProgress,
		ExpiresAt: now.Add(-time.Minute),
	})

	n, err := env.expiry.Recover(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 orders re-armed, got %d", n)
	}

	eventually(t, func() bool {
		return env.orderRepo.status("stale") == domain.OrderStatusExpired
	}, "overdue order did not expire")

	if got := env.orderRepo.status("fresh"); got != domain.OrderStatusPending {
		t.Errorf("expected fresh order still pending, got %s", got)
	}
	if got := env.orderRepo.status("riding"); got != domain.OrderStatusInProgress {
		t.Errorf("expected riding order untouched, got %s", got)
	}
}

func TestExpiry_StopDisarms(t *testing.T) {
	env := newTestEnv(t)
	env.expiry.Arm("a", time.Now().Add(time.Hour))
	env.expiry.ArmWatchdog("a", time.Hour, func() {})
	if env.expiry.Armed() != 2 {
		t.Fatalf("expected 2 timers, got %d", env.expiry.Armed())
	}

	env.expiry.Stop()
	env.expiry.Arm("b", time.Now().Add(time.Hour))

	if env.expiry.Armed() != 0 {
		t.Errorf("expected no timers after stop, got %d", env.expiry.Armed())
	}
}

func TestExpiry_RearmReplacesTimer(t *testing.T) {
	env := newTestEnv(t)
	fired := make(chan string, 2)

	env.expiry.ArmWatchdog("a", 10*time.Millisecond, func() { fired <- "first" })
	env.expiry.ArmWatchdog("a", 20*time.Millisecond, func() { fired <- "second" })

	select {
	case got := <-fired:
		if got != "second" {
			t.Errorf("expected the replacement to fire, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired")
	}

	select {
	case got := <-fired:
		t.Errorf("unexpected extra firing %s", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestExpiry_RecoverReadsEveryPage(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	total := 2*listPageSize + 1
	for i := 0; i < total; i++ {
		env.orderRepo.put(&domain.Order{
			ID:        fmt.Sprintf("order-%04d", i),
			Status:    domain.OrderStatusPending,
			Pricing:   testPricing(),
			Addresses: testAddresses(),
			// Pairs share a timestamp so the id breaks ties across pages.
			CreatedAt: now.Add(time.Duration(i/2) * time.Millisecond),
			ExpiresAt: now.Add(time.Hour),
		})
	}

	n, err := env.expiry.Recover(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != total {
		t.Errorf("expected %d orders re-armed, got %d", total, n)
	}
	if got := env.expiry.Armed(); got != total {
		t.Errorf("expected %d live timers, got %d", total, got)
	}
}
