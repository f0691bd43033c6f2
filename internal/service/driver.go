package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// touchPersistEvery bounds how often a sliding expiry is written back to the store.
const touchPersistEvery = time.Minute

// SessionRegistry tracks driver logins, their live connections and opt-in state.
// Sessions are persisted so a login survives restarts; connections and
// opt-in are process-local.
type SessionRegistry struct {
	sessionRepo repository.SessionRepository
	driverRepo  repository.DriverRepository
	logger      *zap.SugaredLogger
	ttl         time.Duration
	now         func() time.Time

	mu          sync.RWMutex
	sessions    map[string]*domain.DriverSession
	byConn      map[string]map[string]struct{} // connID -> session ids
	lastPersist map[string]time.Time
}

// NewSessionRegistry creates a new SessionRegistry.
func NewSessionRegistry(
	sessionRepo repository.SessionRepository,
	driverRepo repository.DriverRepository,
	ttl time.Duration,
	logger *zap.SugaredLogger,
) *SessionRegistry {
	if ttl <= 0 {
		ttl = domain.SessionTTL
	}
	return &SessionRegistry{
		sessionRepo: sessionRepo,
		driverRepo:  driverRepo,
		logger:      logger,
		ttl:         ttl,
		now:         time.Now,
		sessions:    make(map[string]*domain.DriverSession),
		byConn:      make(map[string]map[string]struct{}),
		lastPersist: make(map[string]time.Time),
	}
}

// Login opens a new session for a driver.
func (r *SessionRegistry) Login(ctx context.Context, driverID string) (*domain.DriverSession, error) {
	if driverID == "" {
		return nil, ErrDriverNotFound
	}

	driver, err := r.driverRepo.GetByID(ctx, driverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDriverNotFound
		}
		return nil, err
	}

	now := r.now()
	session := domain.NewDriverSession(uuid.New().String(), driver.ID, driver.Name, now, r.ttl)
	if err := r.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.lastPersist[session.ID] = now
	r.mu.Unlock()

	r.logger.Infow("driver session opened", "session_id", session.ID, "driver_id", driver.ID)
	return session.Clone(), nil
}

// Join attaches a live connection to a session.
func (r *SessionRegistry) Join(ctx context.Context, sessionID, connID string) (*domain.DriverSession, error) {
	if err := r.ensureLoaded(ctx, sessionID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	session, err := r.liveLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	session.AddConnection(connID)
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]struct{})
	}
	r.byConn[connID][sessionID] = struct{}{}
	session.Touch(r.now(), r.ttl)
	out := session.Clone()
	r.mu.Unlock()

	r.persistTouch(ctx, out)
	return out, nil
}

// SetOnline opts a session in or out of dispatch broadcasts.
// Opting in requires at least one live connection.
func (r *SessionRegistry) SetOnline(ctx context.Context, sessionID string, online bool) (*domain.DriverSession, error) {
	if err := r.ensureLoaded(ctx, sessionID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	session, err := r.liveLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if online && len(session.Connections()) == 0 {
		r.mu.Unlock()
		return nil, ErrNoLiveConnection
	}
	session.OptedIn = online
	session.Touch(r.now(), r.ttl)
	out := session.Clone()
	r.mu.Unlock()

	r.persistTouch(ctx, out)
	return out, nil
}

// Disconnect detaches a connection from every session it joined and returns
// the sessions that were forced offline as a result.
func (r *SessionRegistry) Disconnect(connID string) []*domain.DriverSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var offline []*domain.DriverSession
	for sessionID := range r.byConn[connID] {
		session, ok := r.sessions[sessionID]
		if !ok {
			continue
		}
		wasOnline := session.Online()
		session.RemoveConnection(connID)
		if wasOnline && !session.Online() {
			offline = append(offline, session.Clone())
		}
	}
	delete(r.byConn, connID)
	return offline
}

// Resolve returns the driver behind a session and slides its expiry.
func (r *SessionRegistry) Resolve(ctx context.Context, sessionID string) (*domain.DriverSession, error) {
	if err := r.ensureLoaded(ctx, sessionID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	session, err := r.liveLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	session.Touch(r.now(), r.ttl)
	out := session.Clone()
	r.mu.Unlock()

	r.persistTouch(ctx, out)
	return out, nil
}

// OnlineConnections returns the live connections of every online session.
func (r *SessionRegistry) OnlineConnections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var conns []string
	for _, session := range r.sessions {
		if session.Online() && !session.Expired(now) {
			conns = append(conns, session.Connections()...)
		}
	}
	return conns
}

// ConnectionsOf returns the live connections of every session of a driver,
// online or not. Ride events follow the driver regardless of opt-in.
func (r *SessionRegistry) ConnectionsOf(driverID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []string
	for _, session := range r.sessions {
		if session.DriverID == driverID {
			conns = append(conns, session.Connections()...)
		}
	}
	return conns
}

// Sweep drops expired sessions from memory and the store.
func (r *SessionRegistry) Sweep(ctx context.Context) (int64, error) {
	now := r.now()

	r.mu.Lock()
	var dropped int64
	for id, session := range r.sessions {
		if !session.Expired(now) {
			continue
		}
		for _, connID := range session.Connections() {
			delete(r.byConn[connID], id)
			if len(r.byConn[connID]) == 0 {
				delete(r.byConn, connID)
			}
		}
		delete(r.sessions, id)
		delete(r.lastPersist, id)
		dropped++
	}
	r.mu.Unlock()

	deleted, err := r.sessionRepo.DeleteExpired(ctx, now)
	if err != nil {
		return dropped, err
	}
	if deleted > dropped {
		dropped = deleted
	}
	return dropped, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *SessionRegistry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Warnw("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Infow("expired driver sessions swept", "count", n)
			}
		}
	}
}

// ensureLoaded pulls a session from the store if this process has not seen it.
func (r *SessionRegistry) ensureLoaded(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionNotFound
	}

	r.mu.RLock()
	_, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return nil
	}

	session, err := r.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}

	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; !ok {
		// Connections and opt-in never survive a restart.
		r.sessions[sessionID] = domain.NewDriverSession(session.ID, session.DriverID, session.DriverName, session.CreatedAt, 0)
		r.sessions[sessionID].ExpiresAt = session.ExpiresAt
		r.lastPersist[sessionID] = r.now()
	}
	r.mu.Unlock()
	return nil
}

// liveLocked returns the session if it exists and has not expired.
// The caller must hold r.mu.
func (r *SessionRegistry) liveLocked(sessionID string) (*domain.DriverSession, error) {
	session, ok := r.sessions[sessionID]
	if !ok || session.Expired(r.now()) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (r *SessionRegistry) persistTouch(ctx context.Context, session *domain.DriverSession) {
	now := r.now()

	r.mu.Lock()
	last := r.lastPersist[session.ID]
	due := now.Sub(last) >= touchPersistEvery
	if due {
		r.lastPersist[session.ID] = now
	}
	r.mu.Unlock()

	if !due {
		return
	}
	if err := r.sessionRepo.Touch(ctx, session.ID, session.ExpiresAt); err != nil {
		r.logger.Warnw("failed to persist session expiry", "session_id", session.ID, "error", err)
	}
}
