package domain

import "time"

// SessionTTL is how long an untouched driver session stays valid.
const SessionTTL = 7 * 24 * time.Hour

// Driver is the account data this core needs about a driver.
type Driver struct {
	ID   string
	Name string
}

// DriverSession represents one logical driver login.
type DriverSession struct {
	ID         string
	DriverID   string
	DriverName string
	OptedIn    bool
	CreatedAt  time.Time
	ExpiresAt  time.Time

	conns map[string]struct{}
}

// NewDriverSession creates a session that expires ttl after now.
func NewDriverSession(id, driverID, name string, now time.Time, ttl time.Duration) *DriverSession {
	return &DriverSession{
		ID:         id,
		DriverID:   driverID,
		DriverName: name,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		conns:      make(map[string]struct{}),
	}
}

// Online reports whether the session should receive dispatch broadcasts.
func (s *DriverSession) Online() bool {
	return s.OptedIn && len(s.conns) > 0
}

// Expired reports whether the session has passed its sliding deadline.
func (s *DriverSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Touch slides the expiry forward.
func (s *DriverSession) Touch(now time.Time, ttl time.Duration) {
	s.ExpiresAt = now.Add(ttl)
}

// AddConnection registers a live connection.
func (s *DriverSession) AddConnection(connID string) {
	if s.conns == nil {
		s.conns = make(map[string]struct{})
	}
	s.conns[connID] = struct{}{}
}

// RemoveConnection drops a connection. When the last one goes the session is
// forced offline. It returns true if the connection was present.
func (s *DriverSession) RemoveConnection(connID string) bool {
	if _, ok := s.conns[connID]; !ok {
		return false
	}
	delete(s.conns, connID)
	if len(s.conns) == 0 {
		s.OptedIn = false
	}
	return true
}

// HasConnection reports whether connID belongs to this session.
func (s *DriverSession) HasConnection(connID string) bool {
	_, ok := s.conns[connID]
	return ok
}

// Connections returns the live connection ids.
func (s *DriverSession) Connections() []string {
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

// Clone returns a copy that does not share the connection set.
func (s *DriverSession) Clone() *DriverSession {
	c := *s
	c.conns = make(map[string]struct{}, len(s.conns))
	for id := range s.conns {
		c.conns[id] = struct{}{}
	}
	return &c
}
