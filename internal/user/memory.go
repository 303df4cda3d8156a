package user

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a mutex-guarded, map-backed Repository used for
// development and tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryRepository creates an empty in-memory user repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*User)}
}

// Save upserts the record by user id, replacing the sockets array wholesale.
func (r *MemoryRepository) Save(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.UserID] = u.Clone()
	return nil
}

// GetByID returns a copy of the stored record or ErrNotFound.
func (r *MemoryRepository) GetByID(_ context.Context, userID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

// List returns users matching the state filter ordered by last activity
// descending, with the total match count.
func (r *MemoryRepository) List(_ context.Context, q Query) ([]User, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[State]struct{}, len(q.States))
	for _, s := range q.States {
		states[s] = struct{}{}
	}

	var matches []User
	for _, u := range r.users {
		if len(states) > 0 {
			if _, ok := states[u.State]; !ok {
				continue
			}
		}
		matches = append(matches, *u.Clone())
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].LastActivity.Equal(matches[j].LastActivity) {
			return matches[i].LastActivity.After(matches[j].LastActivity)
		}
		return matches[i].UserID < matches[j].UserID
	})

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

// CleanupInactiveSessions clears sessions and marks users offline where the
// last activity is older than maxAge.
func (r *MemoryRepository) CleanupInactiveSessions(_ context.Context, maxAge time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var affected int64
	for _, u := range r.users {
		if u.State == StateOffline || !u.LastActivity.Before(cutoff) {
			continue
		}
		u.Sockets = nil
		u.State = StateOffline
		affected++
	}
	return affected, nil
}
