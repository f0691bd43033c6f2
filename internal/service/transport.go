package service

import (
	"ridedispatch/internal/domain"
)

// Transport delivers events to live connections.
// Send must not block; it returns false if the connection is gone.
type Transport interface {
	Send(connID string, event domain.Event) bool
	IsLive(connID string) bool
}

// audience resolves which connections belong to each party of an order.
type audience struct {
	transport Transport
	sessions  *SessionRegistry
	tokens    *TokenRegistry
}

func newAudience(transport Transport, sessions *SessionRegistry, tokens *TokenRegistry) *audience {
	return &audience{transport: transport, sessions: sessions, tokens: tokens}
}

// clientSide returns the client's bound connection, if it is live.
func (a *audience) clientSide(order *domain.Order) []string {
	if conn, ok := a.tokens.BoundConnection(order.ID); ok {
		return []string{conn}
	}
	return nil
}

// driverSide returns every live connection of the assigned driver.
func (a *audience) driverSide(order *domain.Order) []string {
	if order.AssignedDriverID == "" {
		return nil
	}
	return a.sessions.ConnectionsOf(order.AssignedDriverID)
}

// parties returns both sides of an order.
func (a *audience) parties(order *domain.Order) []string {
	return append(a.driverSide(order), a.clientSide(order)...)
}

// onlineDrivers returns the connections of every online driver, minus exclude.
func (a *audience) onlineDrivers(exclude ...string) []string {
	conns := a.sessions.OnlineConnections()
	if len(exclude) == 0 {
		return conns
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	out := conns[:0]
	for _, id := range conns {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// send delivers event to each connection once.
func (a *audience) send(conns []string, eventType domain.EventType, data any) {
	event := domain.Event{Type: eventType, Data: data}
	seen := make(map[string]struct{}, len(conns))
	for _, id := range conns {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		a.transport.Send(id, event)
	}
}

// reply sends a single event to one connection.
func (a *audience) reply(connID string, eventType domain.EventType, data any) {
	if connID == "" {
		return
	}
	a.transport.Send(connID, domain.Event{Type: eventType, Data: data})
}
