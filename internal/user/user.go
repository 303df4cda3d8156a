// Package user defines the logical-user and session entities, the state
// reduction over a user's sessions, and the persistence contract for
// user-session records.
package user

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the user package.
var (
	ErrNotFound = errors.New("user not found")
)

// State is the connection state of a session or the reduced state of a user.
type State string

const (
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateDisconnected  State = "disconnected"
	StateOffline       State = "offline"
)

// ValidState reports whether s is one of the known states.
func ValidState(s State) bool {
	switch s {
	case StateConnected, StateAuthenticated, StateDisconnected, StateOffline:
		return true
	default:
		return false
	}
}

// Session is one live transport connection belonging to one user. SocketID is
// assigned by the transport and unique globally; SessionID is a server-assigned
// UUID.
type Session struct {
	SocketID     string         `json:"socketId"`
	SessionID    string         `json:"sessionId"`
	State        State          `json:"state"`
	ConnectedAt  time.Time      `json:"connectedAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Claims       map[string]any `json:"claims,omitempty"`
}

// User is a logical user with an ordered list of concurrent sessions. The
// record persists across all sessions closing; the user becomes offline but is
// retained.
type User struct {
	UserID       string         `json:"userId"`
	UserName     string         `json:"userName"`
	State        State          `json:"state"`
	Sockets      []Session      `json:"sockets"`
	CreatedAt    time.Time      `json:"createdAt"`
	ConnectedAt  time.Time      `json:"connectedAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ReduceState computes the user state from its sessions: offline when no
// sessions remain, authenticated when any session is authenticated, connected
// when any session is connected, disconnected otherwise.
func ReduceState(sockets []Session) State {
	if len(sockets) == 0 {
		return StateOffline
	}
	anyConnected := false
	for _, s := range sockets {
		switch s.State {
		case StateAuthenticated:
			return StateAuthenticated
		case StateConnected:
			anyConnected = true
		}
	}
	if anyConnected {
		return StateConnected
	}
	return StateDisconnected
}

// Reduce recomputes and stores the user's state from its sessions.
func (u *User) Reduce() {
	u.State = ReduceState(u.Sockets)
}

// Session returns the session with the given socket id, or nil.
func (u *User) Session(socketID string) *Session {
	for i := range u.Sockets {
		if u.Sockets[i].SocketID == socketID {
			return &u.Sockets[i]
		}
	}
	return nil
}

// RemoveSession deletes the session with the given socket id, preserving the
// order of the remaining sessions. Returns the removed session, or nil.
func (u *User) RemoveSession(socketID string) *Session {
	for i := range u.Sockets {
		if u.Sockets[i].SocketID == socketID {
			removed := u.Sockets[i]
			u.Sockets = append(u.Sockets[:i], u.Sockets[i+1:]...)
			return &removed
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (u *User) Clone() *User {
	cp := *u
	cp.Sockets = make([]Session, len(u.Sockets))
	copy(cp.Sockets, u.Sockets)
	if u.Metadata != nil {
		cp.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Query filters and paginates a user listing.
type Query struct {
	States []State
	Limit  int
	Offset int
}

// Repository defines the data-access contract for user-session records. Save
// replaces the sockets array wholesale; there is no merge.
type Repository interface {
	Save(ctx context.Context, u *User) error
	GetByID(ctx context.Context, userID string) (*User, error)
	List(ctx context.Context, q Query) ([]User, int, error)

	// CleanupInactiveSessions clears sessions and marks users offline where
	// the last activity is older than maxAge. Returns affected users.
	CleanupInactiveSessions(ctx context.Context, maxAge time.Duration) (int64, error)
}
