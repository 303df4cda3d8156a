package message

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `message_id, sender_id, sender_name, recipient_id, content,
message_type, direction, status, created_at, updated_at, read_at, metadata`

// ownerPredicate restricts rows to those belonging to the placeholder user:
// outgoing rows at the sender, incoming rows at the recipient.
const ownerPredicate = `((direction = 'outgoing' AND sender_id = %[1]s) OR (direction = 'incoming' AND recipient_id = %[1]s))`

// PGRepository implements Repository using PostgreSQL. All mutations are
// single-statement conditional updates; no explicit transactions are needed on
// the core path.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger.With().Str("component", "message-repo").Logger()}
}

// Store upserts the row keyed by (message_id, direction). On conflict the
// status, read_at, and metadata are replaced and updated_at is advanced.
func (r *PGRepository) Store(ctx context.Context, ownerID string, msg *Message) (*Message, error) {
	direction := DeriveDirection(ownerID, msg)

	row := r.db.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO messages (message_id, sender_id, sender_name, recipient_id, content,
		                       message_type, direction, status, created_at, updated_at, read_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW(), $9, $10)
		 ON CONFLICT (message_id, direction) DO UPDATE
		 SET status = EXCLUDED.status,
		     read_at = EXCLUDED.read_at,
		     metadata = EXCLUDED.metadata,
		     updated_at = NOW()
		 RETURNING %s`, selectColumns),
		msg.MessageID, msg.Sender.UserID, msg.Sender.UserName, msg.RecipientID, msg.Content,
		msg.Type, direction, msg.Status, msg.ReadAt, msg.Metadata,
	)

	stored, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	return stored, nil
}

// UpdateStatus conditionally advances every copy of the message whose sender
// is userID and whose current status is in from. Both stored copies carry the
// sender's id, so one statement moves sender and recipient copies together.
func (r *PGRepository) UpdateStatus(ctx context.Context, userID, messageID string, newStatus Status, from []Status) ([]Message, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}

	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`UPDATE messages
		 SET status = $1,
		     updated_at = NOW(),
		     read_at = CASE WHEN $1 = 'read' AND read_at IS NULL THEN NOW() ELSE read_at END
		 WHERE sender_id = $2 AND message_id = $3 AND status = ANY($4)
		 RETURNING %s`, selectColumns),
		newStatus, userID, messageID, fromStr,
	)
	if err != nil {
		return nil, fmt.Errorf("update message status: %w", err)
	}
	return collectMessages(rows)
}

// MarkRead flips the recipient's unread incoming rows to read in a single
// conditional statement. Rows already read do not match and are skipped.
func (r *PGRepository) MarkRead(ctx context.Context, userID string, messageIDs []string) ([]Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`UPDATE messages
		 SET status = 'read', read_at = NOW(), updated_at = NOW()
		 WHERE direction = 'incoming' AND recipient_id = $1 AND read_at IS NULL AND message_id = ANY($2)
		 RETURNING %s`, selectColumns),
		userID, messageIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	return collectMessages(rows)
}

// MarkDelivered advances rows addressed to the recipient that are still
// pending and unread. Both copies carry the recipient's id, so the sender's
// outgoing copy advances in the same statement.
func (r *PGRepository) MarkDelivered(ctx context.Context, userID string, messageIDs []string) ([]Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`UPDATE messages
		 SET status = 'delivered', updated_at = NOW()
		 WHERE recipient_id = $1 AND status = 'pending' AND read_at IS NULL AND message_id = ANY($2)
		 RETURNING %s`, selectColumns),
		userID, messageIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("mark messages delivered: %w", err)
	}
	return collectMessages(rows)
}

// List returns the user's rows matching the query ordered by updated_at
// descending, with a total count for pagination.
func (r *PGRepository) List(ctx context.Context, userID string, q Query) (*Page, error) {
	where, args := buildListFilter(userID, q)

	var total int
	if err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM messages WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	limit := ClampLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args = append(args, limit, offset)
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM messages WHERE %s
		 ORDER BY updated_at DESC, id DESC
		 LIMIT $%d OFFSET $%d`, selectColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	return &Page{
		Messages: messages,
		Total:    total,
		HasMore:  offset+len(messages) < total,
	}, nil
}

// Unread returns the user's unread incoming rows filtered by conversation
// partner or explicit ids.
func (r *PGRepository) Unread(ctx context.Context, userID string, q UnreadQuery) ([]Message, error) {
	var sb strings.Builder
	args := []any{userID}
	sb.WriteString("direction = 'incoming' AND recipient_id = $1 AND read_at IS NULL")

	if q.ConversationPartnerID != "" {
		args = append(args, q.ConversationPartnerID)
		fmt.Fprintf(&sb, " AND sender_id = $%d", len(args))
	}
	if len(q.MessageIDs) > 0 {
		args = append(args, q.MessageIDs)
		fmt.Fprintf(&sb, " AND message_id = ANY($%d)", len(args))
	}

	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM messages WHERE %s ORDER BY updated_at DESC", selectColumns, sb.String()),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query unread messages: %w", err)
	}
	return collectMessages(rows)
}

// conversationAggregate is the grouped per-partner subquery shared by the
// count and page queries.
const conversationAggregate = `
SELECT CASE WHEN direction = 'incoming' THEN sender_id ELSE recipient_id END AS other_party,
       COUNT(*) FILTER (WHERE direction = 'outgoing' AND status = 'sent')      AS out_sent,
       COUNT(*) FILTER (WHERE direction = 'outgoing' AND status = 'pending')   AS out_pending,
       COUNT(*) FILTER (WHERE direction = 'outgoing' AND status = 'delivered') AS out_delivered,
       COUNT(*) FILTER (WHERE direction = 'outgoing' AND status = 'read')      AS out_read,
       COUNT(*) FILTER (WHERE direction = 'outgoing' AND status = 'failed')    AS out_failed,
       COUNT(*) FILTER (WHERE direction = 'incoming' AND status = 'sent')      AS in_sent,
       COUNT(*) FILTER (WHERE direction = 'incoming' AND status = 'pending')   AS in_pending,
       COUNT(*) FILTER (WHERE direction = 'incoming' AND status = 'delivered') AS in_delivered,
       COUNT(*) FILTER (WHERE direction = 'incoming' AND status = 'read')      AS in_read,
       COUNT(*) FILTER (WHERE direction = 'incoming' AND status = 'failed')    AS in_failed,
       COUNT(*)        AS total,
       MIN(created_at) AS first_message_at,
       MAX(created_at) AS last_message_at
FROM messages
WHERE message_type = $2 AND ((direction = 'outgoing' AND sender_id = $1) OR (direction = 'incoming' AND recipient_id = $1))
GROUP BY other_party`

// Conversations returns the user's per-partner aggregates, most recently
// active first.
func (r *PGRepository) Conversations(ctx context.Context, userID string, q ConversationQuery) (*ConversationPage, error) {
	msgType := q.Type
	if msgType == "" {
		msgType = TypePrivate
	}

	var total int
	if err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM ("+conversationAggregate+") t", userID, msgType,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	limit := ClampLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(ctx,
		conversationAggregate+" ORDER BY last_message_at DESC, other_party LIMIT $3 OFFSET $4",
		userID, msgType, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		c.UserID = userID
		err := rows.Scan(
			&c.OtherPartyID,
			&c.Outgoing.Sent, &c.Outgoing.Pending, &c.Outgoing.Delivered, &c.Outgoing.Read, &c.Outgoing.Failed,
			&c.Incoming.Sent, &c.Incoming.Pending, &c.Incoming.Delivered, &c.Incoming.Read, &c.Incoming.Failed,
			&c.TotalMessages, &c.FirstMessageAt, &c.LastMessageAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return &ConversationPage{
		Conversations: convs,
		Total:         total,
		HasMore:       offset+len(convs) < total,
	}, nil
}

// CleanupOld deletes rows of the given type whose last update is older than
// maxAge. An empty type matches all rows.
func (r *PGRepository) CleanupOld(ctx context.Context, msgType Type, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	query := "DELETE FROM messages WHERE updated_at < $1"
	args := []any{cutoff}
	if msgType != "" {
		args = append(args, msgType)
		query += " AND message_type = $2"
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup old messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// buildListFilter assembles the WHERE clause and arguments for List.
func buildListFilter(userID string, q Query) (string, []any) {
	var sb strings.Builder
	args := []any{userID}
	sb.WriteString(fmt.Sprintf(ownerPredicate, "$1"))

	add := func(clause string, value any) {
		args = append(args, value)
		fmt.Fprintf(&sb, " AND "+clause, len(args))
	}

	if q.Type != "" {
		add("message_type = $%d", q.Type)
	}
	if q.Direction != "" {
		add("direction = $%d", q.Direction)
	}
	if q.Status != "" {
		add("status = $%d", q.Status)
	}
	if q.SenderID != "" {
		add("sender_id = $%d", q.SenderID)
	}
	if q.RecipientID != "" {
		add("recipient_id = $%d", q.RecipientID)
	}
	if q.OtherParty != "" {
		add("(CASE WHEN direction = 'incoming' THEN sender_id ELSE recipient_id END) = $%d", q.OtherParty)
	}
	if len(q.MessageIDs) > 0 {
		add("message_id = ANY($%d)", q.MessageIDs)
	}
	if !q.Since.IsZero() {
		add("updated_at >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		add("updated_at <= $%d", q.Until)
	}
	if q.UnreadOnly {
		sb.WriteString(" AND read_at IS NULL")
	}

	return sb.String(), args
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	err := row.Scan(
		&msg.MessageID, &msg.Sender.UserID, &msg.Sender.UserName, &msg.RecipientID, &msg.Content,
		&msg.Type, &msg.Direction, &msg.Status, &msg.CreatedAt, &msg.UpdatedAt, &msg.ReadAt, &msg.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
