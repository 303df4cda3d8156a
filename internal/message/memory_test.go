package message

import (
	"context"
	"testing"
	"time"
)

// storePair persists both copies of a private message the way the send path
// does.
func storePair(t *testing.T, repo *MemoryRepository, id, sender, recipient string, status Status) {
	t.Helper()
	msg := Message{
		MessageID:   id,
		Sender:      Participant{UserID: sender, UserName: sender},
		RecipientID: recipient,
		Content:     "hello",
		Type:        TypePrivate,
		Status:      status,
		Direction:   DirectionOutgoing,
	}
	if _, err := repo.Store(context.Background(), sender, &msg); err != nil {
		t.Fatalf("Store(outgoing) error = %v", err)
	}
	in := msg
	in.Direction = DirectionIncoming
	if _, err := repo.Store(context.Background(), recipient, &in); err != nil {
		t.Fatalf("Store(incoming) error = %v", err)
	}
}

func TestMemoryStoreDualRows(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := context.Background()

	storePair(t, repo, "m1", "alice", "bob", StatusSent)

	out, err := repo.List(ctx, "alice", Query{Direction: DirectionOutgoing})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("sender outgoing rows = %d, want 1", len(out.Messages))
	}

	in, err := repo.List(ctx, "bob", Query{Direction: DirectionIncoming})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(in.Messages) != 1 {
		t.Fatalf("recipient incoming rows = %d, want 1", len(in.Messages))
	}
	if in.Messages[0].MessageID != out.Messages[0].MessageID {
		t.Error("copies do not share a message id")
	}
}

func TestMemoryStoreUpsertKeepsCreatedAt(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := context.Background()

	msg := Message{
		MessageID: "m1", Sender: Participant{UserID: "alice"}, RecipientID: "bob",
		Content: "hi", Type: TypePrivate, Status: StatusSent, Direction: DirectionOutgoing,
	}
	first, err := repo.Store(ctx, "alice", &msg)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	msg.Status = StatusPending
	second, err := repo.Store(ctx, "alice", &msg)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("upsert changed created_at")
	}
	if second.Status != StatusPending {
		t.Errorf("upsert status = %s, want pending", second.Status)
	}
}

func TestMemoryUpdateStatusAdvancesBothCopies(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := context.Background()

	storePair(t, repo, "m1", "alice", "bob", StatusSent)

	rows, err := repo.UpdateStatus(ctx, "alice", "m1", StatusPending, []Status{StatusSent})
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("updated rows = %d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.Status != StatusPending {
			t.Errorf("row %s status = %s, want pending", row.Direction, row.Status)
		}
	}
}

func TestMemoryUpdateStatusRejectsRegression(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := context.Background()

	storePair(t, repo, "m1", "alice", "bob", StatusDelivered)

	rows, err := repo.UpdateStatus(ctx, "alice", "m1", StatusPending, []Status{StatusSent})
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("regression updated %d rows, want 0", len(rows))
	}
}

func TestMemoryMarkReadIncomingOnly(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := context.Background()

	storePair(t, repo, "m1", "alice", "bob", StatusDelivered)

	rows, err := repo.MarkRead(ctx, "bob", []string{"m1"})
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("marked rows = %d, want 1", len(rows))
	}
	if rows[0].Direction != DirectionIncoming {
		t.Errorf("marked direction = %s, want incoming", rows[0].Direction)
	}
	if rows[0].ReadAt == nil {
		t.Error("read_at not set")
	}

	// Idempotent: a second pass matches nothing.
	again, err := repo.MarkRead(ctx, "bob", []string{"m1"})
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second MarkRead matched %d rows, want 0", len(again))
	}

	// The sender cannot read their own outgoing copy.
	senderRows, err := repo.MarkRead(ctx, "alice", []string{"m1"})
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if len(senderRows) != 0 {
		t.Errorf("sender MarkRead matched %d rows, want 0", len(senderRows))
	}
}

func TestMemoryMarkDelivered(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := context.Background()

	storePair(t, repo, "m1", "alice", "bob", StatusPending)
	storePair(t, repo, "m2", "alice", "bob", StatusDelivered)

	rows, err := repo.MarkDelivered(ctx, "bob", []string{"m1", "m2"})
	if err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}
	// Both copies of m1 advance; m2 is not pending and stays put.
	if len(rows) != 2 {
		t.Fatalf("marked rows = %d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.MessageID != "m1" || row.Status != StatusDelivered {
			t.Errorf("row %+v, want m1 delivered", row)
		}
	}
}

func TestMemoryListFiltersAndPaginates(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := context.Background()

	storePair(t, repo, "m1", "alice", "bob", StatusPending)
	storePair(t, repo, "m2", "alice", "bob", StatusPending)
	storePair(t, repo, "m3", "carol", "alice", StatusPending)

	all, err := repo.List(ctx, "alice", Query{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if all.Total != 3 {
		t.Errorf("alice total rows = %d, want 3", all.Total)
	}

	page, err := repo.List(ctx, "alice", Query{Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Errorf("page = %d messages hasMore=%v, want 2 true", len(page.Messages), page.HasMore)
	}

	fromCarol, err := repo.List(ctx, "alice", Query{OtherParty: "carol"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(fromCarol.Messages) != 1 || fromCarol.Messages[0].MessageID != "m3" {
		t.Errorf("other-party filter returned %+v, want only m3", fromCarol.Messages)
	}
}

func TestMemoryUnreadByPartner(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := context.Background()

	storePair(t, repo, "m1", "alice", "bob", StatusPending)
	storePair(t, repo, "m2", "carol", "bob", StatusPending)

	unread, err := repo.Unread(ctx, "bob", UnreadQuery{ConversationPartnerID: "alice"})
	if err != nil {
		t.Fatalf("Unread() error = %v", err)
	}
	if len(unread) != 1 || unread[0].MessageID != "m1" {
		t.Errorf("unread from alice = %+v, want only m1", unread)
	}
}

func TestMemoryConversations(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := context.Background()

	storePair(t, repo, "m1", "alice", "bob", StatusDelivered)
	storePair(t, repo, "m2", "alice", "bob", StatusPending)
	storePair(t, repo, "m3", "bob", "alice", StatusRead)

	page, err := repo.Conversations(ctx, "alice", ConversationQuery{})
	if err != nil {
		t.Fatalf("Conversations() error = %v", err)
	}
	if len(page.Conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(page.Conversations))
	}
	conv := page.Conversations[0]
	if conv.OtherPartyID != "bob" {
		t.Errorf("other party = %s, want bob", conv.OtherPartyID)
	}
	if conv.TotalMessages != 3 {
		t.Errorf("total messages = %d, want 3", conv.TotalMessages)
	}
	if conv.Outgoing.Delivered != 1 || conv.Outgoing.Pending != 1 {
		t.Errorf("outgoing counts = %+v, want 1 delivered 1 pending", conv.Outgoing)
	}
	if conv.Incoming.Read != 1 {
		t.Errorf("incoming counts = %+v, want 1 read", conv.Incoming)
	}
}

func TestMemoryCleanupOldScopedByType(t *testing.T) {
	t.Parallel()
	repo := NewMemoryRepository()
	ctx := context.Background()

	storePair(t, repo, "m1", "alice", "bob", StatusDelivered)
	pub := Message{
		MessageID: "p1", Sender: Participant{UserID: "alice"}, RecipientID: "EVERY_ONE_ONLINE",
		Content: "hi all", Type: TypePublic, Status: StatusDelivered, Direction: DirectionIncoming,
	}
	if _, err := repo.Store(ctx, "EVERY_ONE_ONLINE", &pub); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// Nothing is old enough yet.
	removed, err := repo.CleanupOld(ctx, TypePublic, time.Hour)
	if err != nil {
		t.Fatalf("CleanupOld() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}

	// Everything is older than a zero-age cutoff, but only public rows go.
	removed, err = repo.CleanupOld(ctx, TypePublic, 0)
	if err != nil {
		t.Fatalf("CleanupOld() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	left, err := repo.List(ctx, "alice", Query{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if left.Total != 1 {
		t.Errorf("private rows remaining = %d, want 1", left.Total)
	}
}
