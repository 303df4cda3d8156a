package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/courier-chat/courier-server/internal/metrics"
	"github.com/courier-chat/courier-server/internal/protocol"
	"github.com/courier-chat/courier-server/internal/user"
)

type broadcastRecord struct {
	Event string
	Data  any
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	records []broadcastRecord
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, broadcastRecord{Event: event, Data: data})
	return nil
}

func (f *fakeBroadcaster) all() []broadcastRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broadcastRecord, len(f.records))
	copy(out, f.records)
	return out
}

// failingRepo rejects every save so rollback paths can be exercised.
type failingRepo struct {
	user.Repository
}

func (failingRepo) Save(context.Context, *user.User) error {
	return errors.New("persistence down")
}

func newTestRegistry(repo user.Repository, maxConns int) *Registry {
	if repo == nil {
		repo = user.NewMemoryRepository()
	}
	return New(repo, Config{
		MaxTotalConnections:     maxConns,
		InactivityThreshold:     time.Hour,
		InactivityCheckInterval: time.Hour,
	}, metrics.New(nil), zerolog.Nop())
}

func TestStoreUserStates(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(nil, 10)
	ctx := context.Background()

	u, err := r.StoreUser(ctx, "sock-1", Identity{UserID: "alice", UserName: "alice"}, false)
	if err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}
	if u.State != user.StateConnected {
		t.Errorf("unauthenticated state = %s, want connected", u.State)
	}

	u, err = r.StoreUser(ctx, "sock-1", Identity{UserID: "alice", UserName: "alice"}, true)
	if err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}
	if u.State != user.StateAuthenticated {
		t.Errorf("authenticated state = %s, want authenticated", u.State)
	}
	if len(u.Sockets) != 1 {
		t.Errorf("sessions = %d, want 1 (same socket re-registered)", len(u.Sockets))
	}

	// A second socket for the same user is an additional session.
	u, err = r.StoreUser(ctx, "sock-2", Identity{UserID: "alice", UserName: "alice"}, true)
	if err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}
	if len(u.Sockets) != 2 {
		t.Errorf("sessions = %d, want 2", len(u.Sockets))
	}

	sessions, users := r.Counts()
	if sessions != 2 || users != 1 {
		t.Errorf("Counts() = (%d, %d), want (2, 1)", sessions, users)
	}
}

func TestStoreUserCapacity(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(nil, 1)
	ctx := context.Background()

	if _, err := r.StoreUser(ctx, "sock-1", Identity{UserID: "alice"}, true); err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}

	_, err := r.StoreUser(ctx, "sock-2", Identity{UserID: "bob"}, true)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("StoreUser() error = %v, want ErrCapacityExceeded", err)
	}

	// Re-registering the existing socket is exempt from the cap.
	if _, err := r.StoreUser(ctx, "sock-1", Identity{UserID: "alice"}, true); err != nil {
		t.Errorf("re-register error = %v, want nil", err)
	}
}

func TestStoreUserRollbackOnPersistFailure(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(failingRepo{}, 10)
	ctx := context.Background()

	_, err := r.StoreUser(ctx, "sock-1", Identity{UserID: "alice"}, true)
	if err == nil {
		t.Fatal("StoreUser() error = nil, want persistence failure")
	}

	if got := r.GetUser("alice"); got != nil {
		t.Errorf("GetUser() = %+v, want nil after rollback", got)
	}
	if got := r.GetUserBySocketID("sock-1"); got != nil {
		t.Errorf("GetUserBySocketID() = %+v, want nil after rollback", got)
	}
	sessions, _ := r.Counts()
	if sessions != 0 {
		t.Errorf("sessions = %d, want 0 after rollback", sessions)
	}
}

func TestDisconnectUserBroadcastsWhenOffline(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(nil, 10)
	b := &fakeBroadcaster{}
	r.BindBroadcaster(b)
	ctx := context.Background()

	for _, sock := range []string{"sock-1", "sock-2"} {
		if _, err := r.StoreUser(ctx, sock, Identity{UserID: "alice", UserName: "alice"}, true); err != nil {
			t.Fatalf("StoreUser() error = %v", err)
		}
	}

	// First disconnect leaves one session; no broadcast.
	u, err := r.DisconnectUser(ctx, "sock-1")
	if err != nil {
		t.Fatalf("DisconnectUser() error = %v", err)
	}
	if u.State != user.StateAuthenticated {
		t.Errorf("state after first disconnect = %s, want authenticated", u.State)
	}
	if got := b.all(); len(got) != 0 {
		t.Fatalf("broadcasts = %d, want 0 while sessions remain", len(got))
	}

	// Last disconnect flips the user offline and announces it.
	u, err = r.DisconnectUser(ctx, "sock-2")
	if err != nil {
		t.Fatalf("DisconnectUser() error = %v", err)
	}
	if u.State != user.StateOffline {
		t.Errorf("state after last disconnect = %s, want offline", u.State)
	}

	got := b.all()
	if len(got) != 1 || got[0].Event != protocol.EventUserDisconnected {
		t.Fatalf("broadcasts = %+v, want one user_disconnected", got)
	}
	data, ok := got[0].Data.(protocol.UserDisconnectedData)
	if !ok {
		t.Fatalf("broadcast payload type = %T", got[0].Data)
	}
	if data.UserID != "alice" || data.Reason != protocol.DisconnectReasonManual {
		t.Errorf("payload = %+v, want alice/manual", data)
	}
}

func TestDisconnectUnknownSocket(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(nil, 10)

	u, err := r.DisconnectUser(context.Background(), "nope")
	if err != nil || u != nil {
		t.Errorf("DisconnectUser(unknown) = (%+v, %v), want (nil, nil)", u, err)
	}
}

func TestAuthenticatedUserGuard(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(nil, 10)
	ctx := context.Background()

	if _, err := r.AuthenticatedUser("nope"); !errors.Is(err, ErrUnknownSocket) {
		t.Errorf("unknown socket error = %v, want ErrUnknownSocket", err)
	}

	if _, err := r.StoreUser(ctx, "sock-1", Identity{UserID: "alice"}, false); err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}
	if _, err := r.AuthenticatedUser("sock-1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("connected-only error = %v, want ErrNotAuthenticated", err)
	}

	if _, err := r.StoreUser(ctx, "sock-1", Identity{UserID: "alice"}, true); err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}
	u, err := r.AuthenticatedUser("sock-1")
	if err != nil {
		t.Fatalf("AuthenticatedUser() error = %v", err)
	}
	if u.UserID != "alice" {
		t.Errorf("user = %s, want alice", u.UserID)
	}
}

func TestKnownUserFallsBackToPersistence(t *testing.T) {
	t.Parallel()
	repo := user.NewMemoryRepository()
	r := newTestRegistry(repo, 10)
	ctx := context.Background()

	if r.KnownUser(ctx, "alice") {
		t.Error("KnownUser(alice) = true before any record exists")
	}

	// Persisted but not live.
	if err := repo.Save(ctx, &user.User{UserID: "alice", State: user.StateOffline}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !r.KnownUser(ctx, "alice") {
		t.Error("KnownUser(alice) = false, want persisted fallback hit")
	}
}

func TestCheckInactivityExpiresSessions(t *testing.T) {
	t.Parallel()
	repo := user.NewMemoryRepository()
	r := New(repo, Config{
		MaxTotalConnections:     10,
		InactivityThreshold:     time.Minute,
		InactivityCheckInterval: time.Hour,
	}, metrics.New(nil), zerolog.Nop())
	b := &fakeBroadcaster{}
	r.BindBroadcaster(b)
	ctx := context.Background()

	if _, err := r.StoreUser(ctx, "sock-1", Identity{UserID: "alice", UserName: "alice"}, true); err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}

	// Backdate the session past the threshold.
	r.mu.Lock()
	r.users["alice"].Sockets[0].LastActivity = time.Now().UTC().Add(-2 * time.Minute)
	r.mu.Unlock()

	r.CheckInactivity(ctx)

	if got := r.GetUser("alice"); got == nil || got.State != user.StateOffline {
		t.Errorf("user after sweep = %+v, want retained offline record", got)
	}
	sessions, _ := r.Counts()
	if sessions != 0 {
		t.Errorf("sessions after sweep = %d, want 0", sessions)
	}

	got := b.all()
	if len(got) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(got))
	}
	data := got[0].Data.(protocol.UserDisconnectedData)
	if data.Reason != protocol.DisconnectReasonInactivity {
		t.Errorf("reason = %s, want inactivity", data.Reason)
	}

	persisted, err := repo.GetByID(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if persisted.State != user.StateOffline {
		t.Errorf("persisted state = %s, want offline", persisted.State)
	}
}

func TestTouchRefreshesActivity(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(nil, 10)
	ctx := context.Background()

	if _, err := r.StoreUser(ctx, "sock-1", Identity{UserID: "alice"}, true); err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}

	r.mu.Lock()
	old := time.Now().UTC().Add(-time.Hour)
	r.users["alice"].LastActivity = old
	r.users["alice"].Sockets[0].LastActivity = old
	r.mu.Unlock()

	r.Touch("sock-1")

	u := r.GetUser("alice")
	if !u.LastActivity.After(old) || !u.Sockets[0].LastActivity.After(old) {
		t.Error("Touch() did not refresh activity timestamps")
	}
}

func TestGetUsersFiltersAndReloads(t *testing.T) {
	t.Parallel()
	repo := user.NewMemoryRepository()
	ctx := context.Background()

	if err := repo.Save(ctx, &user.User{UserID: "ghost", State: user.StateAuthenticated,
		Sockets: []user.Session{{SocketID: "dead"}}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	r := New(repo, Config{
		MaxTotalConnections:     10,
		InactivityThreshold:     time.Hour,
		InactivityCheckInterval: time.Hour,
		CacheReloadThreshold:    1,
	}, metrics.New(nil), zerolog.Nop())

	// The cold cache pulls the persisted record in, demoted to offline with
	// its stale sockets dropped.
	users, total, err := r.GetUsers(ctx, user.Query{})
	if err != nil {
		t.Fatalf("GetUsers() error = %v", err)
	}
	if total != 1 || users[0].UserID != "ghost" {
		t.Fatalf("GetUsers() = %+v, want the persisted ghost", users)
	}
	if users[0].State != user.StateOffline || len(users[0].Sockets) != 0 {
		t.Errorf("reloaded user = %+v, want offline with no sockets", users[0])
	}

	// Live entries win over persisted ones and the state filter applies.
	if _, err := r.StoreUser(ctx, "sock-1", Identity{UserID: "alice"}, true); err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}
	users, total, err = r.GetUsers(ctx, user.Query{States: []user.State{user.StateAuthenticated}})
	if err != nil {
		t.Fatalf("GetUsers() error = %v", err)
	}
	if total != 1 || users[0].UserID != "alice" {
		t.Errorf("filtered users = %+v, want only the live alice", users)
	}
}

func TestConnectionMetricsFor(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(nil, 10)
	ctx := context.Background()

	if m := r.ConnectionMetricsFor("alice"); m != nil {
		t.Errorf("metrics for unknown user = %+v, want nil", m)
	}

	if _, err := r.StoreUser(ctx, "sock-1", Identity{UserID: "alice", UserName: "alice"}, true); err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}

	m := r.ConnectionMetricsFor("alice")
	if m == nil {
		t.Fatal("ConnectionMetricsFor() = nil")
	}
	if m.ActiveSessions != 1 || m.State != user.StateAuthenticated {
		t.Errorf("metrics = %+v, want 1 authenticated session", m)
	}
}
