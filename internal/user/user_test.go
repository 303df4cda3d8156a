package user

import (
	"testing"
	"time"
)

func TestReduceState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sockets []Session
		want    State
	}{
		{"no sessions", nil, StateOffline},
		{"single connected", []Session{{State: StateConnected}}, StateConnected},
		{"single authenticated", []Session{{State: StateAuthenticated}}, StateAuthenticated},
		{
			"authenticated wins over connected",
			[]Session{{State: StateConnected}, {State: StateAuthenticated}},
			StateAuthenticated,
		},
		{
			"connected wins over disconnected",
			[]Session{{State: StateDisconnected}, {State: StateConnected}},
			StateConnected,
		},
		{
			"all disconnected",
			[]Session{{State: StateDisconnected}, {State: StateDisconnected}},
			StateDisconnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ReduceState(tt.sockets); got != tt.want {
				t.Errorf("ReduceState() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidState(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateConnected, StateAuthenticated, StateDisconnected, StateOffline} {
		if !ValidState(s) {
			t.Errorf("ValidState(%s) = false, want true", s)
		}
	}
	if ValidState("banned") {
		t.Error("ValidState(banned) = true, want false")
	}
}

func TestRemoveSessionPreservesOrder(t *testing.T) {
	t.Parallel()

	u := &User{Sockets: []Session{
		{SocketID: "a"}, {SocketID: "b"}, {SocketID: "c"},
	}}

	removed := u.RemoveSession("b")
	if removed == nil || removed.SocketID != "b" {
		t.Fatalf("RemoveSession(b) = %+v, want session b", removed)
	}
	if len(u.Sockets) != 2 || u.Sockets[0].SocketID != "a" || u.Sockets[1].SocketID != "c" {
		t.Errorf("remaining sockets = %+v, want [a c]", u.Sockets)
	}

	if got := u.RemoveSession("missing"); got != nil {
		t.Errorf("RemoveSession(missing) = %+v, want nil", got)
	}
}

func TestSessionLookup(t *testing.T) {
	t.Parallel()

	u := &User{Sockets: []Session{{SocketID: "a", State: StateConnected}}}

	sess := u.Session("a")
	if sess == nil {
		t.Fatal("Session(a) = nil")
	}

	// The returned pointer aliases the stored session.
	sess.State = StateAuthenticated
	if u.Sockets[0].State != StateAuthenticated {
		t.Error("Session() did not return a pointer into the user")
	}

	if got := u.Session("missing"); got != nil {
		t.Errorf("Session(missing) = %+v, want nil", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	u := &User{
		UserID:   "alice",
		Sockets:  []Session{{SocketID: "a", State: StateConnected}},
		Metadata: map[string]any{"k": "v"},
	}

	cp := u.Clone()
	cp.Sockets[0].State = StateOffline
	cp.Metadata["k"] = "changed"

	if u.Sockets[0].State != StateConnected {
		t.Error("clone shares the sockets slice")
	}
	if u.Metadata["k"] != "v" {
		t.Error("clone shares the metadata map")
	}
}

func TestMemoryRepositorySaveAndGet(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := t.Context()

	if _, err := repo.GetByID(ctx, "alice"); err != ErrNotFound {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}

	u := &User{UserID: "alice", UserName: "Alice", State: StateAuthenticated,
		Sockets: []Session{{SocketID: "a"}}}
	if err := repo.Save(ctx, u); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.UserName != "Alice" || len(got.Sockets) != 1 {
		t.Errorf("GetByID() = %+v", got)
	}

	// The stored record is detached from the caller's copy.
	u.UserName = "Mallory"
	again, _ := repo.GetByID(ctx, "alice")
	if again.UserName != "Alice" {
		t.Error("repository shares memory with the caller")
	}
}

func TestMemoryRepositoryList(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := t.Context()

	now := time.Now().UTC()
	users := []*User{
		{UserID: "a", State: StateAuthenticated, LastActivity: now.Add(-2 * time.Minute)},
		{UserID: "b", State: StateOffline, LastActivity: now.Add(-1 * time.Minute)},
		{UserID: "c", State: StateAuthenticated, LastActivity: now},
	}
	for _, u := range users {
		if err := repo.Save(ctx, u); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	got, total, err := repo.List(ctx, Query{States: []State{StateAuthenticated}})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if len(got) != 2 || got[0].UserID != "c" || got[1].UserID != "a" {
		t.Errorf("order = %+v, want newest activity first", got)
	}

	page, total, err := repo.List(ctx, Query{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 || len(page) != 1 {
		t.Errorf("page = %d of %d, want 1 of 3", len(page), total)
	}
}

func TestMemoryRepositoryCleanupInactiveSessions(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := t.Context()

	stale := &User{UserID: "stale", State: StateAuthenticated,
		Sockets:      []Session{{SocketID: "a"}},
		LastActivity: time.Now().UTC().Add(-2 * time.Hour)}
	fresh := &User{UserID: "fresh", State: StateAuthenticated,
		Sockets:      []Session{{SocketID: "b"}},
		LastActivity: time.Now().UTC()}
	for _, u := range []*User{stale, fresh} {
		if err := repo.Save(ctx, u); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	affected, err := repo.CleanupInactiveSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupInactiveSessions() error = %v", err)
	}
	if affected != 1 {
		t.Errorf("affected = %d, want 1", affected)
	}

	got, _ := repo.GetByID(ctx, "stale")
	if got.State != StateOffline || len(got.Sockets) != 0 {
		t.Errorf("stale user = %+v, want offline with no sockets", got)
	}
	kept, _ := repo.GetByID(ctx, "fresh")
	if kept.State != StateAuthenticated || len(kept.Sockets) != 1 {
		t.Errorf("fresh user = %+v, want untouched", kept)
	}
}
