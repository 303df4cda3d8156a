// Package registry is the single source of truth for live connection
// topology: the mapping from transport socket ids to logical users, each with
// any number of concurrent sessions. All cross-component access goes through
// explicit operations; the maps are never shared.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/courier-chat/courier-server/internal/metrics"
	"github.com/courier-chat/courier-server/internal/protocol"
	"github.com/courier-chat/courier-server/internal/user"
)

// Sentinel errors for the registry package.
var (
	ErrCapacityExceeded = errors.New("maximum number of connections reached")
	ErrUnknownSocket    = errors.New("socket is not registered")
	ErrNotAuthenticated = errors.New("socket is not authenticated")
)

// Identity is the claim attached to a session by the authentication gate.
type Identity struct {
	UserID   string
	UserName string
	Claims   map[string]any
}

// Broadcaster delivers an event to every connected client. The registry uses
// it for user_disconnected notifications; it is bound after construction so
// the transport can be built with a handle to the registry first.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, data any) error
}

// Config tunes the registry.
type Config struct {
	// MaxTotalConnections caps the number of live sessions across all users.
	MaxTotalConnections int

	// InactivityThreshold is the idle time after which a session is removed
	// by the periodic sweep.
	InactivityThreshold time.Duration

	// InactivityCheckInterval is the sweep cadence.
	InactivityCheckInterval time.Duration

	// CacheReloadThreshold triggers a lazy reload from persistence when the
	// in-memory user cache holds fewer entries. Zero disables reloading.
	CacheReloadThreshold int
}

// Registry is the in-memory index of users and their sessions. It owns the
// userId->User map and the socketId->userId index exclusively.
type Registry struct {
	mu          sync.RWMutex
	users       map[string]*user.User
	socketIndex map[string]string

	repo    user.Repository
	cfg     Config
	metrics *metrics.Metrics
	log     zerolog.Logger

	broadcaster Broadcaster
}

// New creates a registry backed by the given persistence repository.
func New(repo user.Repository, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		users:       make(map[string]*user.User),
		socketIndex: make(map[string]string),
		repo:        repo,
		cfg:         cfg,
		metrics:     m,
		log:         logger.With().Str("component", "registry").Logger(),
	}
}

// BindBroadcaster wires the transport back into the registry for disconnect
// broadcasts. Must be called once during startup before connections are
// accepted.
func (r *Registry) BindBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// StoreUser creates or updates the user for an authenticated (or connecting)
// session, appending or replacing the session for socketID. The in-memory
// mutation is rolled back if persistence fails.
func (r *Registry) StoreUser(ctx context.Context, socketID string, ident Identity, authenticated bool) (*user.User, error) {
	r.mu.Lock()

	if _, known := r.socketIndex[socketID]; !known && len(r.socketIndex) >= r.cfg.MaxTotalConnections {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active", ErrCapacityExceeded, r.cfg.MaxTotalConnections)
	}

	now := time.Now().UTC()
	state := user.StateConnected
	if authenticated {
		state = user.StateAuthenticated
	}

	u, existed := r.users[ident.UserID]
	var snapshot *user.User
	if existed {
		snapshot = u.Clone()
	} else {
		u = &user.User{
			UserID:      ident.UserID,
			UserName:    ident.UserName,
			CreatedAt:   now,
			ConnectedAt: now,
		}
		r.users[ident.UserID] = u
	}

	u.UserName = ident.UserName
	u.LastActivity = now

	if sess := u.Session(socketID); sess != nil {
		sess.State = state
		sess.LastActivity = now
		sess.Claims = ident.Claims
	} else {
		u.Sockets = append(u.Sockets, user.Session{
			SocketID:     socketID,
			SessionID:    uuid.NewString(),
			State:        state,
			ConnectedAt:  now,
			LastActivity: now,
			Claims:       ident.Claims,
		})
	}
	u.Reduce()

	prevOwner, hadOwner := r.socketIndex[socketID]
	r.socketIndex[socketID] = ident.UserID

	result := u.Clone()
	r.mu.Unlock()

	if err := r.repo.Save(ctx, result); err != nil {
		// Roll back the in-memory mutation so no phantom session remains.
		r.mu.Lock()
		if existed {
			r.users[ident.UserID] = snapshot
		} else {
			delete(r.users, ident.UserID)
		}
		if hadOwner {
			r.socketIndex[socketID] = prevOwner
		} else {
			delete(r.socketIndex, socketID)
		}
		r.mu.Unlock()
		r.syncMetrics()
		return nil, fmt.Errorf("persist user %s: %w", ident.UserID, err)
	}

	r.syncMetrics()
	r.log.Debug().Str("user_id", ident.UserID).Str("socket_id", socketID).
		Bool("authenticated", authenticated).Int("sessions", len(result.Sockets)).
		Msg("Session stored")
	return result, nil
}

// DisconnectUser removes the session for socketID and recomputes the user
// state. When the last session closes, a user_disconnected broadcast is
// emitted. Returns nil without error when the socket is unknown.
func (r *Registry) DisconnectUser(ctx context.Context, socketID string) (*user.User, error) {
	u, removed := r.removeSession(socketID)
	if u == nil {
		return nil, nil
	}

	reason := protocol.DisconnectReasonManual
	if removed != nil && r.cfg.InactivityThreshold > 0 &&
		time.Since(removed.LastActivity) > r.cfg.InactivityThreshold {
		reason = protocol.DisconnectReasonInactivity
	}

	if err := r.repo.Save(ctx, u); err != nil {
		r.log.Warn().Err(err).Str("user_id", u.UserID).Msg("Failed to persist disconnect")
	}

	if u.State == user.StateOffline {
		r.broadcastDisconnected(ctx, u, reason)
	}

	r.syncMetrics()
	r.metrics.ConnectionClosed()
	r.log.Debug().Str("user_id", u.UserID).Str("socket_id", socketID).
		Str("state", string(u.State)).Msg("Session removed")
	return u, nil
}

// removeSession takes the session out of the maps under the lock and returns
// a detached copy of the updated user.
func (r *Registry) removeSession(socketID string) (*user.User, *user.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.socketIndex[socketID]
	if !ok {
		return nil, nil
	}
	delete(r.socketIndex, socketID)

	u, ok := r.users[userID]
	if !ok {
		return nil, nil
	}
	removed := u.RemoveSession(socketID)
	u.Reduce()
	return u.Clone(), removed
}

// GetUserBySocketID returns the user owning the socket, or nil.
func (r *Registry) GetUserBySocketID(socketID string) *user.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.socketIndex[socketID]
	if !ok {
		return nil
	}
	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	return u.Clone()
}

// GetUser returns the user by id, or nil.
func (r *Registry) GetUser(userID string) *user.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	return u.Clone()
}

// KnownUser reports whether the user exists in the live cache or in
// persistence. The send path uses it to validate recipients.
func (r *Registry) KnownUser(ctx context.Context, userID string) bool {
	r.mu.RLock()
	_, ok := r.users[userID]
	r.mu.RUnlock()
	if ok {
		return true
	}
	if _, err := r.repo.GetByID(ctx, userID); err == nil {
		return true
	}
	return false
}

// GetUserSockets returns the user's live sessions. The delivery path fans out
// over this list.
func (r *Registry) GetUserSockets(userID string) []user.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]user.Session, len(u.Sockets))
	copy(out, u.Sockets)
	return out
}

// AuthenticatedUser is the guard run at the top of every side-effecting
// operation: it resolves the socket to a user and fails when the socket is
// unknown or its session is not authenticated.
func (r *Registry) AuthenticatedUser(socketID string) (*user.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.socketIndex[socketID]
	if !ok {
		return nil, ErrUnknownSocket
	}
	u, ok := r.users[userID]
	if !ok {
		return nil, ErrUnknownSocket
	}
	sess := u.Session(socketID)
	if sess == nil {
		return nil, ErrUnknownSocket
	}
	if sess.State != user.StateAuthenticated {
		return nil, ErrNotAuthenticated
	}
	return u.Clone(), nil
}

// Touch refreshes the activity timestamps for the socket's session. Called by
// the dispatcher on every inbound event.
func (r *Registry) Touch(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.socketIndex[socketID]
	if !ok {
		return
	}
	u, ok := r.users[userID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	u.LastActivity = now
	if sess := u.Session(socketID); sess != nil {
		sess.LastActivity = now
	}
}

// GetUsers returns users matching the query. When the in-memory cache is
// colder than the configured threshold, it is first lazily repopulated from
// persistence; live entries always win over persisted ones.
func (r *Registry) GetUsers(ctx context.Context, q user.Query) ([]user.User, int, error) {
	r.mu.RLock()
	cold := r.cfg.CacheReloadThreshold > 0 && len(r.users) < r.cfg.CacheReloadThreshold
	r.mu.RUnlock()

	if cold {
		if err := r.reloadFromPersistence(ctx); err != nil {
			r.log.Warn().Err(err).Msg("Lazy cache reload failed")
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[user.State]struct{}, len(q.States))
	for _, s := range q.States {
		states[s] = struct{}{}
	}

	var matches []user.User
	for _, u := range r.users {
		if len(states) > 0 {
			if _, ok := states[u.State]; !ok {
				continue
			}
		}
		matches = append(matches, *u.Clone())
	}
	sortUsers(matches)

	total := len(matches)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if q.Limit > 0 && offset+q.Limit < total {
		end = offset + q.Limit
	}
	return matches[offset:end], total, nil
}

// reloadFromPersistence merges persisted users into the cache without
// overwriting live entries.
func (r *Registry) reloadFromPersistence(ctx context.Context) error {
	persisted, _, err := r.repo.List(ctx, user.Query{})
	if err != nil {
		return fmt.Errorf("list persisted users: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range persisted {
		if _, live := r.users[persisted[i].UserID]; live {
			continue
		}
		cp := persisted[i].Clone()
		// Persisted sessions are stale by definition; the transport will
		// re-register live ones.
		cp.Sockets = nil
		cp.State = user.StateOffline
		r.users[cp.UserID] = cp
	}
	return nil
}

// ConnectionMetrics describes a user's live sessions for the
// getUserConnectionMetrics event.
type ConnectionMetrics struct {
	UserID         string         `json:"userId"`
	UserName       string         `json:"userName"`
	State          user.State     `json:"state"`
	ActiveSessions int            `json:"activeSessions"`
	Sessions       []user.Session `json:"sessions"`
	ConnectedAt    time.Time      `json:"connectedAt"`
	LastActivity   time.Time      `json:"lastActivity"`
}

// ConnectionMetricsFor returns the connection metrics for a user, or nil when
// the user is unknown.
func (r *Registry) ConnectionMetricsFor(userID string) *ConnectionMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	sessions := make([]user.Session, len(u.Sockets))
	copy(sessions, u.Sockets)
	return &ConnectionMetrics{
		UserID:         u.UserID,
		UserName:       u.UserName,
		State:          u.State,
		ActiveSessions: len(sessions),
		Sessions:       sessions,
		ConnectedAt:    u.ConnectedAt,
		LastActivity:   u.LastActivity,
	}
}

// Counts returns the number of live sessions and of users holding at least
// one session.
func (r *Registry) Counts() (sessions, activeUsers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if len(u.Sockets) > 0 {
			activeUsers++
		}
	}
	return len(r.socketIndex), activeUsers
}

// Run drives the periodic inactivity sweep until the context is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.InactivityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.CheckInactivity(ctx)
		}
	}
}

// CheckInactivity removes sessions idle longer than the threshold. Users left
// without sessions transition to offline, are persisted, and a
// user_disconnected broadcast with reason inactivity is emitted.
func (r *Registry) CheckInactivity(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.InactivityThreshold)

	r.mu.Lock()
	var expired []*user.User
	for _, u := range r.users {
		removedAny := false
		for i := 0; i < len(u.Sockets); {
			if u.Sockets[i].LastActivity.Before(cutoff) {
				delete(r.socketIndex, u.Sockets[i].SocketID)
				u.Sockets = append(u.Sockets[:i], u.Sockets[i+1:]...)
				removedAny = true
				continue
			}
			i++
		}
		if removedAny {
			u.Reduce()
			expired = append(expired, u.Clone())
		}
	}
	r.mu.Unlock()

	for _, u := range expired {
		r.metrics.ConnectionClosed()
		if err := r.repo.Save(ctx, u); err != nil {
			r.log.Warn().Err(err).Str("user_id", u.UserID).Msg("Failed to persist inactivity sweep")
		}
		if u.State == user.StateOffline {
			r.broadcastDisconnected(ctx, u, protocol.DisconnectReasonInactivity)
		}
	}
	if len(expired) > 0 {
		r.syncMetrics()
		r.log.Info().Int("users", len(expired)).Msg("Inactivity sweep removed sessions")
	}
}

func (r *Registry) broadcastDisconnected(ctx context.Context, u *user.User, reason string) {
	if r.broadcaster == nil {
		return
	}
	data := protocol.UserDisconnectedData{
		UserID:   u.UserID,
		UserName: u.UserName,
		State:    string(u.State),
		Reason:   reason,
	}
	if err := r.broadcaster.Broadcast(ctx, protocol.EventUserDisconnected, data); err != nil {
		r.log.Warn().Err(err).Str("user_id", u.UserID).Msg("Failed to broadcast disconnect")
	}
}

func (r *Registry) syncMetrics() {
	sessions, users := r.Counts()
	r.metrics.SetActive(sessions, users)
}

func sortUsers(users []user.User) {
	// Newest activity first, user id as tiebreaker for stable pages.
	for i := 1; i < len(users); i++ {
		for j := i; j > 0; j-- {
			a, b := &users[j-1], &users[j]
			if b.LastActivity.After(a.LastActivity) ||
				(b.LastActivity.Equal(a.LastActivity) && b.UserID < a.UserID) {
				users[j-1], users[j] = users[j], users[j-1]
			} else {
				break
			}
		}
	}
}
