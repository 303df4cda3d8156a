package message

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is a mutex-guarded, map-backed Repository used for
// development and tests. Rows are keyed by (messageId, direction), matching
// the relational unique constraint.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]*Message
}

// NewMemoryRepository creates an empty in-memory message repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*Message)}
}

func rowKey(messageID string, d Direction) string {
	return messageID + "|" + string(d)
}

// owner returns the user a stored row belongs to: the recipient for incoming
// rows, the sender for outgoing rows.
func owner(m *Message) string {
	if m.Direction == DirectionIncoming {
		return m.RecipientID
	}
	return m.Sender.UserID
}

// Store upserts the row keyed by (messageId, direction). Re-issuing a store
// for an existing key updates status, readAt, and metadata without duplicating
// the row.
func (r *MemoryRepository) Store(_ context.Context, ownerID string, msg *Message) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *msg
	cp.Direction = DeriveDirection(ownerID, msg)
	key := rowKey(cp.MessageID, cp.Direction)

	if existing, ok := r.rows[key]; ok {
		existing.Status = cp.Status
		existing.ReadAt = cp.ReadAt
		existing.Metadata = cp.Metadata
		existing.UpdatedAt = time.Now().UTC()
		out := *existing
		return &out, nil
	}

	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.rows[key] = &cp

	out := cp
	return &out, nil
}

// UpdateStatus conditionally advances every row of the message whose sender is
// userID and whose current status is in from. Both stored copies of a private
// message carry the sender's id, so one call moves sender and recipient copies
// together.
func (r *MemoryRepository) UpdateStatus(_ context.Context, userID, messageID string, newStatus Status, from []Status) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fromSet := make(map[Status]struct{}, len(from))
	for _, s := range from {
		fromSet[s] = struct{}{}
	}

	var updated []Message
	now := time.Now().UTC()
	for _, row := range r.rows {
		if row.MessageID != messageID || row.Sender.UserID != userID {
			continue
		}
		if _, ok := fromSet[row.Status]; !ok {
			continue
		}
		row.Status = newStatus
		row.UpdatedAt = now
		if newStatus == StatusRead && row.ReadAt == nil {
			at := now
			row.ReadAt = &at
		}
		updated = append(updated, *row)
	}
	return updated, nil
}

// MarkRead flips the recipient's unread incoming rows to read. Rows already
// read are skipped, making the call idempotent.
func (r *MemoryRepository) MarkRead(_ context.Context, userID string, messageIDs []string) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := stringSet(messageIDs)
	var updated []Message
	now := time.Now().UTC()
	for _, row := range r.rows {
		if row.Direction != DirectionIncoming || row.RecipientID != userID || row.ReadAt != nil {
			continue
		}
		if _, ok := ids[row.MessageID]; !ok {
			continue
		}
		at := now
		row.Status = StatusRead
		row.ReadAt = &at
		row.UpdatedAt = now
		updated = append(updated, *row)
	}
	return updated, nil
}

// MarkDelivered advances rows addressed to the recipient that are still
// pending and unread. Both copies of a private message carry the recipient's
// id, so the sender's outgoing copy advances in the same pass.
func (r *MemoryRepository) MarkDelivered(_ context.Context, userID string, messageIDs []string) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := stringSet(messageIDs)
	var updated []Message
	now := time.Now().UTC()
	for _, row := range r.rows {
		if row.RecipientID != userID || row.Status != StatusPending || row.ReadAt != nil {
			continue
		}
		if _, ok := ids[row.MessageID]; !ok {
			continue
		}
		row.Status = StatusDelivered
		row.UpdatedAt = now
		updated = append(updated, *row)
	}
	return updated, nil
}

// List returns the user's rows matching the query ordered by updated_at
// descending, with pagination metadata.
func (r *MemoryRepository) List(_ context.Context, userID string, q Query) (*Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := stringSet(q.MessageIDs)
	var matches []Message
	for _, row := range r.rows {
		if owner(row) != userID {
			continue
		}
		if !matchesQuery(row, q, ids) {
			continue
		}
		matches = append(matches, *row)
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].UpdatedAt.Equal(matches[j].UpdatedAt) {
			return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
		}
		return matches[i].MessageID > matches[j].MessageID
	})

	return paginate(matches, q.Limit, q.Offset), nil
}

// Unread returns the user's unread incoming private rows filtered by partner
// or explicit ids.
func (r *MemoryRepository) Unread(_ context.Context, userID string, q UnreadQuery) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := stringSet(q.MessageIDs)
	var matches []Message
	for _, row := range r.rows {
		if row.Direction != DirectionIncoming || row.RecipientID != userID || row.ReadAt != nil {
			continue
		}
		if q.ConversationPartnerID != "" && row.Sender.UserID != q.ConversationPartnerID {
			continue
		}
		if len(ids) > 0 {
			if _, ok := ids[row.MessageID]; !ok {
				continue
			}
		}
		matches = append(matches, *row)
	}
	return matches, nil
}

// Conversations groups the user's private rows by conversation partner and
// aggregates per-direction status counts.
func (r *MemoryRepository) Conversations(_ context.Context, userID string, q ConversationQuery) (*ConversationPage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgType := q.Type
	if msgType == "" {
		msgType = TypePrivate
	}

	byPartner := make(map[string]*Conversation)
	for _, row := range r.rows {
		if owner(row) != userID || row.Type != msgType {
			continue
		}
		other := row.RecipientID
		if row.Direction == DirectionIncoming {
			other = row.Sender.UserID
		}
		conv, ok := byPartner[other]
		if !ok {
			conv = &Conversation{
				UserID:         userID,
				OtherPartyID:   other,
				FirstMessageAt: row.CreatedAt,
				LastMessageAt:  row.CreatedAt,
			}
			byPartner[other] = conv
		}
		if row.Direction == DirectionOutgoing {
			conv.Outgoing.add(row.Status)
		} else {
			conv.Incoming.add(row.Status)
		}
		conv.TotalMessages++
		if row.CreatedAt.Before(conv.FirstMessageAt) {
			conv.FirstMessageAt = row.CreatedAt
		}
		if row.CreatedAt.After(conv.LastMessageAt) {
			conv.LastMessageAt = row.CreatedAt
		}
	}

	convs := make([]Conversation, 0, len(byPartner))
	for _, c := range byPartner {
		convs = append(convs, *c)
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return strings.Compare(convs[i].OtherPartyID, convs[j].OtherPartyID) < 0
	})

	total := len(convs)
	limit := ClampLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return &ConversationPage{
		Conversations: convs[offset:end],
		Total:         total,
		HasMore:       end < total,
	}, nil
}

// CleanupOld removes rows of the given type whose last update is older than
// maxAge.
func (r *MemoryRepository) CleanupOld(_ context.Context, msgType Type, maxAge time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var removed int64
	for key, row := range r.rows {
		if msgType != "" && row.Type != msgType {
			continue
		}
		if row.UpdatedAt.Before(cutoff) {
			delete(r.rows, key)
			removed++
		}
	}
	return removed, nil
}

func matchesQuery(row *Message, q Query, ids map[string]struct{}) bool {
	if q.Type != "" && row.Type != q.Type {
		return false
	}
	if q.Direction != "" && row.Direction != q.Direction {
		return false
	}
	if q.Status != "" && row.Status != q.Status {
		return false
	}
	if q.SenderID != "" && row.Sender.UserID != q.SenderID {
		return false
	}
	if q.RecipientID != "" && row.RecipientID != q.RecipientID {
		return false
	}
	if q.OtherParty != "" {
		other := row.RecipientID
		if row.Direction == DirectionIncoming {
			other = row.Sender.UserID
		}
		if other != q.OtherParty {
			return false
		}
	}
	if q.UnreadOnly && row.ReadAt != nil {
		return false
	}
	if !q.Since.IsZero() && row.UpdatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && row.UpdatedAt.After(q.Until) {
		return false
	}
	if len(ids) > 0 {
		if _, ok := ids[row.MessageID]; !ok {
			return false
		}
	}
	return true
}

func paginate(matches []Message, limit, offset int) *Page {
	total := len(matches)
	limit = ClampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return &Page{
		Messages: matches[offset:end],
		Total:    total,
		HasMore:  end < total,
	}
}

func stringSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
