// Package message owns the message entity, its status state machine, the
// persistence contract for message rows, and the send/deliver/acknowledge
// service that drives messages through their lifecycle.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Sentinel errors for the message package.
var (
	ErrEmptyContent     = errors.New("message content must not be empty")
	ErrContentTooLong   = errors.New("message content exceeds the maximum length")
	ErrUnknownRecipient = errors.New("recipient is not a known user")
	ErrInvalidSelector  = errors.New("either messageIds or senderId must be provided")
	ErrStatusConflict   = errors.New("message status changed concurrently")
	ErrNotFound         = errors.New("message not found")
)

// MaxContentLength is the maximum message content size in Unicode characters.
const MaxContentLength = 2000

// Pagination defaults shared by list queries.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Status is the delivery-lifecycle state of one stored message copy.
type Status string

// Lifecycle statuses, ordered sent -> pending -> delivered -> read. Failed is
// terminal and reachable from any state; no current path emits it.
const (
	StatusSent      Status = "sent"
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusOrder is the monotone lifecycle sequence. Transitions move strictly
// forward along it; regressions are rejected by conditional updates.
var statusOrder = []Status{StatusSent, StatusPending, StatusDelivered, StatusRead}

// Predecessor returns the status immediately preceding s in the lifecycle
// sequence. The boolean is false for StatusSent (no predecessor) and for
// statuses outside the ordered sequence.
func Predecessor(s Status) (Status, bool) {
	for i, st := range statusOrder {
		if st == s && i > 0 {
			return statusOrder[i-1], true
		}
	}
	return "", false
}

// CanTransition reports whether moving from one status to another respects the
// ordered lifecycle. Failed is terminal: reachable from anything, leavable
// from nothing.
func CanTransition(from, to Status) bool {
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return true
	}
	pred, ok := Predecessor(to)
	return ok && pred == from
}

// ValidStatus reports whether s is one of the known lifecycle statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusSent, StatusPending, StatusDelivered, StatusRead, StatusFailed:
		return true
	default:
		return false
	}
}

// Direction is the perspective of a stored row: outgoing for the sender's
// copy, incoming for the recipient's copy.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Type distinguishes directed messages from public-room broadcasts.
type Type string

const (
	TypePrivate Type = "private"
	TypePublic  Type = "public"
)

// Participant identifies the sender of a message.
type Participant struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Message is one stored copy of a message. Every private send produces two
// rows sharing MessageID: one outgoing at the sender, one incoming at the
// recipient.
type Message struct {
	MessageID   string         `json:"messageId"`
	Sender      Participant    `json:"sender"`
	RecipientID string         `json:"recipientId"`
	Content     string         `json:"content"`
	Type        Type           `json:"type"`
	Status      Status         `json:"status"`
	Direction   Direction      `json:"direction"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	ReadAt      *time.Time     `json:"readAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WithDirection returns a shallow copy of the message with the direction
// adjusted to the given perspective. Used when notifying the party whose
// stored copy points the other way.
func (m Message) WithDirection(d Direction) Message {
	m.Direction = d
	return m
}

// DeriveDirection computes the stored direction of a row from the owner's
// perspective. Self-messages keep the caller-supplied direction so both copies
// can live on the same user.
func DeriveDirection(ownerID string, m *Message) Direction {
	if ownerID == m.RecipientID && ownerID == m.Sender.UserID {
		return m.Direction
	}
	if ownerID == m.RecipientID {
		return DirectionIncoming
	}
	return DirectionOutgoing
}

// contentPolicy strips all markup from user-supplied content before storage.
var contentPolicy = bluemonday.StrictPolicy()

// ValidateContent trims, sanitizes, and length-checks message content. The
// returned string is what gets persisted.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(contentPolicy.Sanitize(content))
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to
// DefaultLimit when the input is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Query filters a message listing. Zero values mean "no constraint".
type Query struct {
	Type        Type
	MessageIDs  []string
	Direction   Direction
	Status      Status
	Since       time.Time
	Until       time.Time
	SenderID    string
	RecipientID string
	OtherParty  string
	UnreadOnly  bool
	Limit       int
	Offset      int
}

// Page is a message listing result ordered by updated_at descending.
type Page struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}

// UnreadQuery selects unread incoming rows either by conversation partner or
// by an explicit id set.
type UnreadQuery struct {
	ConversationPartnerID string
	MessageIDs            []string
}

// ConversationQuery pages through a user's conversation index.
type ConversationQuery struct {
	Type   Type
	Limit  int
	Offset int
}

// DirectionCounts aggregates per-status row counts for one direction of a
// conversation.
type DirectionCounts struct {
	Sent      int `json:"sent"`
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
}

// add increments the counter matching the status.
func (c *DirectionCounts) add(s Status) {
	switch s {
	case StatusSent:
		c.Sent++
	case StatusPending:
		c.Pending++
	case StatusDelivered:
		c.Delivered++
	case StatusRead:
		c.Read++
	case StatusFailed:
		c.Failed++
	}
}

// Conversation is the derived per-partner aggregate. It is computed by query
// and never stored.
type Conversation struct {
	UserID         string          `json:"userId"`
	OtherPartyID   string          `json:"otherPartyId"`
	Outgoing       DirectionCounts `json:"outgoing"`
	Incoming       DirectionCounts `json:"incoming"`
	TotalMessages  int             `json:"totalMessages"`
	FirstMessageAt time.Time       `json:"firstMessageAt"`
	LastMessageAt  time.Time       `json:"lastMessageAt"`
}

// ConversationPage is a conversation listing result.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"hasMore"`
}

// Repository defines the data-access contract for message rows. Both the
// in-memory and the PostgreSQL implementations satisfy it; all mutations are
// conditional single operations so concurrent writers cannot regress a status.
type Repository interface {
	// Store upserts the row keyed by (messageId, direction), deriving the
	// direction from the owner's perspective. Returns the persisted row.
	Store(ctx context.Context, ownerID string, msg *Message) (*Message, error)

	// UpdateStatus conditionally moves rows with the given messageID to
	// newStatus where sender_id = userID and the current status is in from.
	// Returns the updated rows; an empty result means no row matched.
	UpdateStatus(ctx context.Context, userID, messageID string, newStatus Status, from []Status) ([]Message, error)

	// MarkRead sets read_at and status='read' on the recipient's unread rows
	// matching messageIDs. Rows already read are skipped.
	MarkRead(ctx context.Context, userID string, messageIDs []string) ([]Message, error)

	// MarkDelivered sets status='delivered' on the recipient's rows matching
	// messageIDs that are still pending and unread.
	MarkDelivered(ctx context.Context, userID string, messageIDs []string) ([]Message, error)

	// List returns the user's rows matching the query, newest update first.
	List(ctx context.Context, userID string, q Query) (*Page, error)

	// Unread returns the user's unread incoming rows matching the selector.
	Unread(ctx context.Context, userID string, q UnreadQuery) ([]Message, error)

	// Conversations returns the user's per-partner aggregates.
	Conversations(ctx context.Context, userID string, q ConversationQuery) (*ConversationPage, error)

	// CleanupOld deletes rows of the given type whose updated_at is older
	// than maxAge. An empty type matches all rows. Returns the number of rows
	// removed.
	CleanupOld(ctx context.Context, msgType Type, maxAge time.Duration) (int64, error)
}
