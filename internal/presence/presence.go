// Package presence provides ephemeral typing and online state backed by
// Redis. Typing indicators use a short TTL with SET NX to deduplicate rapid
// keystrokes; online mirrors expire on their own when a node dies without
// cleaning up.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// typingTTL is the lifetime of a typing indicator key. Clients may
	// re-trigger typing, but SET NX suppresses duplicate dispatches until the
	// key expires or stopTyping clears it.
	typingTTL = 10 * time.Second

	// onlineTTL is the lifetime of an online mirror key. The gateway
	// refreshes it on activity so keys expire only when a node stops
	// touching them.
	onlineTTL = 120 * time.Second
)

// Store reads and writes ephemeral typing and online state in Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a presence store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// SetTyping records that sender started typing to recipient. The key uses
// SET NX so repeated calls within the TTL window are no-ops. Returns true when
// the key was newly created (a typing indicator should be dispatched), false
// when the duplicate was suppressed.
func (s *Store) SetTyping(ctx context.Context, senderID, recipientID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, typingKey(senderID, recipientID), 1, typingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set typing %s -> %s: %w", senderID, recipientID, err)
	}
	return ok, nil
}

// ClearTyping removes the typing indicator from sender to recipient. Returns
// true when the key existed (a stop indicator should be dispatched).
func (s *Store) ClearTyping(ctx context.Context, senderID, recipientID string) (bool, error) {
	n, err := s.rdb.Del(ctx, typingKey(senderID, recipientID)).Result()
	if err != nil {
		return false, fmt.Errorf("clear typing %s -> %s: %w", senderID, recipientID, err)
	}
	return n > 0, nil
}

// MarkOnline mirrors the user's online state with the standard TTL.
func (s *Store) MarkOnline(ctx context.Context, userID string) error {
	if err := s.rdb.Set(ctx, onlineKey(userID), 1, onlineTTL).Err(); err != nil {
		return fmt.Errorf("mark online %s: %w", userID, err)
	}
	return nil
}

// Refresh extends the TTL of an existing online key without rewriting it.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	if err := s.rdb.Expire(ctx, onlineKey(userID), onlineTTL).Err(); err != nil {
		return fmt.Errorf("refresh online %s: %w", userID, err)
	}
	return nil
}

// MarkOffline removes the user's online mirror.
func (s *Store) MarkOffline(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, onlineKey(userID)).Err(); err != nil {
		return fmt.Errorf("mark offline %s: %w", userID, err)
	}
	return nil
}

// IsOnline reports whether the user has a live online mirror. A missing key
// means offline.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	err := s.rdb.Get(ctx, onlineKey(userID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get online %s: %w", userID, err)
	}
	return true, nil
}

func typingKey(senderID, recipientID string) string {
	return "typing:" + senderID + ":" + recipientID
}

func onlineKey(userID string) string {
	return "online:" + userID
}
