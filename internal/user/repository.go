package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `user_id, user_name, sockets, created_at, connected_at, last_activity, state, metadata`

// PGRepository implements Repository using PostgreSQL. The sockets array is
// stored as JSONB and replaced wholesale on every save.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger.With().Str("component", "user-repo").Logger()}
}

// Save upserts the record by user id.
func (r *PGRepository) Save(ctx context.Context, u *User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_sessions (user_id, user_name, sockets, created_at, connected_at, last_activity, state, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id) DO UPDATE
		 SET user_name = EXCLUDED.user_name,
		     sockets = EXCLUDED.sockets,
		     connected_at = EXCLUDED.connected_at,
		     last_activity = EXCLUDED.last_activity,
		     state = EXCLUDED.state,
		     metadata = EXCLUDED.metadata`,
		u.UserID, u.UserName, u.Sockets, u.CreatedAt, u.ConnectedAt, u.LastActivity, u.State, u.Metadata,
	)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.UserID, err)
	}
	return nil
}

// GetByID returns the stored record or ErrNotFound.
func (r *PGRepository) GetByID(ctx context.Context, userID string) (*User, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM user_sessions WHERE user_id = $1", selectColumns), userID,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// List returns users matching the state filter ordered by last activity
// descending, with the total match count.
func (r *PGRepository) List(ctx context.Context, q Query) ([]User, int, error) {
	where := "TRUE"
	args := []any{}
	if len(q.States) > 0 {
		states := make([]string, len(q.States))
		for i, s := range q.States {
			states[i] = string(s)
		}
		args = append(args, states)
		where = "state = ANY($1)"
	}

	var total int
	if err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM user_sessions WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = total
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args = append(args, limit, offset)
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM user_sessions WHERE %s
		 ORDER BY last_activity DESC, user_id
		 LIMIT $%d OFFSET $%d`, selectColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate users: %w", err)
	}
	return users, total, nil
}

// CleanupInactiveSessions clears sessions and marks users offline where the
// last activity is older than maxAge.
func (r *PGRepository) CleanupInactiveSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := r.db.Exec(ctx,
		`UPDATE user_sessions
		 SET sockets = '[]'::jsonb, state = 'offline'
		 WHERE state <> 'offline' AND last_activity < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup inactive user sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.UserID, &u.UserName, &u.Sockets, &u.CreatedAt, &u.ConnectedAt, &u.LastActivity, &u.State, &u.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
