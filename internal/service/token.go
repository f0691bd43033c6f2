package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
)

const clientTokenBytes = 32

// Liveness reports whether a connection is still open.
type Liveness interface {
	IsLive(connID string) bool
}

type clientBinding struct {
	token  string
	connID string
}

// TokenRegistry holds the secret issued to each order's client and the one
// connection allowed to act on the order with it.
type TokenRegistry struct {
	live Liveness

	mu       sync.Mutex
	bindings map[string]*clientBinding // orderID -> binding
}

// NewTokenRegistry creates a new TokenRegistry.
func NewTokenRegistry(live Liveness) *TokenRegistry {
	return &TokenRegistry{
		live:     live,
		bindings: make(map[string]*clientBinding),
	}
}

// Issue generates a fresh token for an order, replacing any previous one.
func (r *TokenRegistry) Issue(orderID string) (string, error) {
	buf := make([]byte, clientTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	r.mu.Lock()
	r.bindings[orderID] = &clientBinding{token: token}
	r.mu.Unlock()
	return token, nil
}

// Bind attaches connID to the order. A token already bound to another live
// connection is refused; a stale binding is taken over.
func (r *TokenRegistry) Bind(orderID, token, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	binding, err := r.matchLocked(orderID, token)
	if err != nil {
		return err
	}
	if binding.connID != "" && binding.connID != connID && r.live.IsLive(binding.connID) {
		return ErrSessionAlreadyActive
	}
	binding.connID = connID
	return nil
}

// Authorize checks that a client event for orderID came from its bound
// connection. An unbound or stale binding is claimed by connID. Events from
// any other connection fail with ErrNotBound.
func (r *TokenRegistry) Authorize(orderID, token, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	binding, err := r.matchLocked(orderID, token)
	if err != nil {
		return err
	}
	switch {
	case binding.connID == connID:
		return nil
	case binding.connID == "" || !r.live.IsLive(binding.connID):
		binding.connID = connID
		return nil
	default:
		return ErrNotBound
	}
}

// Verify checks a token without touching the binding. Used by read-only
// polling paths that have no live connection.
func (r *TokenRegistry) Verify(orderID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.matchLocked(orderID, token)
	return err
}

// BoundConnection returns the order's bound connection if it is still live.
func (r *TokenRegistry) BoundConnection(orderID string) (string, bool) {
	r.mu.Lock()
	binding, ok := r.bindings[orderID]
	var connID string
	if ok {
		connID = binding.connID
	}
	r.mu.Unlock()

	if connID == "" || !r.live.IsLive(connID) {
		return "", false
	}
	return connID, true
}

// Revoke forgets the order's token.
func (r *TokenRegistry) Revoke(orderID string) {
	r.mu.Lock()
	delete(r.bindings, orderID)
	r.mu.Unlock()
}

func (r *TokenRegistry) matchLocked(orderID, token string) (*clientBinding, error) {
	binding, ok := r.bindings[orderID]
	if !ok || token == "" || subtle.ConstantTimeCompare([]byte(binding.token), []byte(token)) != 1 {
		return nil, ErrTokenNotFound
	}
	return binding, nil
}
