package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, username, COALESCE(display_name, ''), is_active, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// GetUser loads a user by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("identity: user %d: %w", id, shared.ErrNotFound)
	}
	return u, err
}

// ListUsers returns all users ordered by id.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// InsertUser stores a new active user. A username_key collision maps to ErrConflict.
func (r *Repository) InsertUser(ctx context.Context, in NewUser) (User, error) {
	const query = `INSERT INTO users (username, username_key, display_name, is_active, created_at, updated_at)
VALUES ($1, $2, $3, TRUE, NOW(), NOW())
RETURNING ` + userColumns
	u, err := scanUser(r.pool.QueryRow(ctx, query, in.Username, in.UsernameKey, in.DisplayName))
	if shared.IsUniqueViolation(err) {
		return User{}, fmt.Errorf("identity: username %q: %w", in.Username, shared.ErrConflict)
	}
	return u, err
}

// SetUserActive flips the active flag and returns the updated row.
func (r *Repository) SetUserActive(ctx context.Context, id int64, active bool) (User, error) {
	const query = `UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1 RETURNING ` + userColumns
	u, err := scanUser(r.pool.QueryRow(ctx, query, id, active))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("identity: user %d: %w", id, shared.ErrNotFound)
	}
	return u, err
}
