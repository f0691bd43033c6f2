package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"ridedispatch/internal/domain"
)

func newTestRegistry(sessionRepo *mockSessionRepository) *SessionRegistry {
	drivers := newMockDriverRepository(&domain.Driver{ID: "driver-1", Name: "Alice"})
	return NewSessionRegistry(sessionRepo, drivers, time.Hour, zap.NewNop().Sugar())
}

func TestSessionRegistry_Login(t *testing.T) {
	registry := newTestRegistry(newMockSessionRepository())
	ctx := context.Background()

	session, err := registry.Login(ctx, "driver-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.DriverName != "Alice" || session.Online() {
		t.Errorf("unexpected session %+v", session)
	}

	if _, err := registry.Login(ctx, "ghost"); !errors.Is(err, ErrDriverNotFound) {
		t.Errorf("expected ErrDriverNotFound, got %v", err)
	}
	if _, err := registry.Login(ctx, ""); !errors.Is(err, ErrDriverNotFound) {
		t.Errorf("expected ErrDriverNotFound for empty id, got %v", err)
	}
}

func TestSessionRegistry_SurvivesRestart(t *testing.T) {
	repo := newMockSessionRepository()
	ctx := context.Background()

	first := newTestRegistry(repo)
	session, err := first.Login(ctx, "driver-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := first.Join(ctx, session.ID, "conn-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := first.SetOnline(ctx, session.ID, true); err != nil {
		t.Fatalf("set online: %v", err)
	}

	second := newTestRegistry(repo)
	resolved, err := second.Resolve(ctx, session.ID)
	if err != nil {
		t.Fatalf("expected session to load from the store, got %v", err)
	}
	if resolved.DriverID != "driver-1" || resolved.Online() {
		t.Errorf("expected offline session for driver-1, got %+v", resolved)
	}
	if conns := second.ConnectionsOf("driver-1"); len(conns) != 0 {
		t.Errorf("connections must not survive a restart, got %v", conns)
	}
}

func TestSessionRegistry_Expiry(t *testing.T) {
	repo := newMockSessionRepository()
	registry := newTestRegistry(repo)
	ctx := context.Background()

	now := time.Now()
	registry.now = func() time.Time { return now }

	session, err := registry.Login(ctx, "driver-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// Resolving slides the deadline.
	now = now.Add(50 * time.Minute)
	if _, err := registry.Resolve(ctx, session.ID); err != nil {
		t.Fatalf("expected live session, got %v", err)
	}
	now = now.Add(50 * time.Minute)
	if _, err := registry.Resolve(ctx, session.ID); err != nil {
		t.Fatalf("expected sliding expiry to keep session alive, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := registry.Resolve(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after expiry, got %v", err)
	}

	n, err := registry.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 session swept, got %d", n)
	}
	if _, err := repo.GetByID(ctx, session.ID); err == nil {
		t.Error("expected session removed from the store")
	}
}

func TestSessionRegistry_MultipleConnections(t *testing.T) {
	registry := newTestRegistry(newMockSessionRepository())
	ctx := context.Background()

	session, err := registry.Login(ctx, "driver-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	for _, conn := range []string{"phone", "tablet"} {
		if _, err := registry.Join(ctx, session.ID, conn); err != nil {
			t.Fatalf("join %s: %v", conn, err)
		}
	}
	if _, err := registry.SetOnline(ctx, session.ID, true); err != nil {
		t.Fatalf("set online: %v", err)
	}

	if offline := registry.Disconnect("phone"); len(offline) != 0 {
		t.Errorf("session should stay online with one connection left, got %d offline", len(offline))
	}
	if conns := registry.OnlineConnections(); len(conns) != 1 || conns[0] != "tablet" {
		t.Errorf("expected only tablet online, got %v", conns)
	}

	offline := registry.Disconnect("tablet")
	if len(offline) != 1 || offline[0].ID != session.ID {
		t.Fatalf("expected session forced offline, got %v", offline)
	}

	// Reconnecting does not opt back in.
	rejoined, err := registry.Join(ctx, session.ID, "phone")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !rejoined.HasConnection("phone") || rejoined.HasConnection("tablet") {
		t.Errorf("expected only phone attached, got %v", rejoined.Connections())
	}
	if conns := registry.OnlineConnections(); len(conns) != 0 {
		t.Errorf("expected session to stay opted out, got %v", conns)
	}
}

type liveSet map[string]bool

func (l liveSet) IsLive(connID string) bool { return l[connID] }

func TestTokenRegistry(t *testing.T) {
	live := liveSet{"c1": true, "c2": true}
	tokens := NewTokenRegistry(live)

	token, err := tokens.Issue("o-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other, _ := tokens.Issue("o-2")
	if token == other {
		t.Fatal("tokens must be unique")
	}

	if err := tokens.Authorize("o-1", other, "c1"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("expected ErrTokenNotFound for another order's token, got %v", err)
	}

	// The first event from a connection claims an unbound token.
	if err := tokens.Authorize("o-1", token, "c1"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := tokens.Authorize("o-1", token, "c2"); !errors.Is(err, ErrNotBound) {
		t.Errorf("expected ErrNotBound from a second live connection, got %v", err)
	}
	if err := tokens.Bind("o-1", token, "c2"); !errors.Is(err, ErrSessionAlreadyActive) {
		t.Errorf("expected ErrSessionAlreadyActive, got %v", err)
	}

	delete(live, "c1")
	if _, ok := tokens.BoundConnection("o-1"); ok {
		t.Error("stale binding should not be reported")
	}
	if err := tokens.Authorize("o-1", token, "c2"); err != nil {
		t.Errorf("expected c2 to take over a stale binding, got %v", err)
	}
	if conn, ok := tokens.BoundConnection("o-1"); !ok || conn != "c2" {
		t.Errorf("expected binding on c2, got %q", conn)
	}

	if err := tokens.Verify("o-1", token); err != nil {
		t.Errorf("verify: %v", err)
	}
	tokens.Revoke("o-1")
	if err := tokens.Verify("o-1", token); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("expected ErrTokenNotFound after revoke, got %v", err)
	}
}
