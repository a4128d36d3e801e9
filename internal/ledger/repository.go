package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/gatehouse/internal/platform/db"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// Repository provides PostgreSQL backed persistence for role assignments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const assignmentColumns = `id, user_id, role_id, assigned_at, assigned_by, valid_from, valid_until, revoked_by`

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.AssignedAt, &a.AssignedBy, &a.ValidFrom, &a.ValidUntil, &a.RevokedBy)
	return a, err
}

func collectAssignments(rows pgx.Rows) ([]Assignment, error) {
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WithPairLock runs fn in a read-committed transaction holding a
// transaction-scoped advisory lock on the (user, role) pair, so concurrent
// grants for the same pair serialise their overlap check and insert.
func (r *Repository) WithPairLock(ctx context.Context, userID, roleID int64, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shared.AssignmentLockKey(userID, roleID)); err != nil {
			return fmt.Errorf("ledger: acquire pair lock: %w", err)
		}
		return fn(ctx, &txRepository{tx: tx})
	})
}

// ListAssignments returns the full assignment history of a user.
func (r *Repository) ListAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM role_assignments WHERE user_id = $1 ORDER BY valid_from, id`, userID)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

// RolesInEffect returns active role ids with an assignment in effect at asOf.
func (r *Repository) RolesInEffect(ctx context.Context, userID int64, asOf time.Time) ([]int64, error) {
	const query = `SELECT DISTINCT ra.role_id
FROM role_assignments ra
JOIN roles ro ON ro.id = ra.role_id
WHERE ra.user_id = $1 AND ro.is_active
  AND ra.valid_from <= $2 AND (ra.valid_until IS NULL OR ra.valid_until > $2)
ORDER BY ra.role_id`
	rows, err := r.pool.Query(ctx, query, userID, asOf)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

// HoldersOfRole returns active users holding the role at asOf.
func (r *Repository) HoldersOfRole(ctx context.Context, roleID int64, asOf time.Time) ([]int64, error) {
	const query = `SELECT DISTINCT ra.user_id
FROM role_assignments ra
JOIN users u ON u.id = ra.user_id
WHERE ra.role_id = $1 AND u.is_active
  AND ra.valid_from <= $2 AND (ra.valid_until IS NULL OR ra.valid_until > $2)
ORDER BY ra.user_id`
	rows, err := r.pool.Query(ctx, query, roleID, asOf)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

// ExpiredBetween returns unrevoked, non-empty assignments whose window closed
// in [from, to).
func (r *Repository) ExpiredBetween(ctx context.Context, from, to time.Time) ([]Assignment, error) {
	const query = `SELECT ` + assignmentColumns + ` FROM role_assignments
WHERE revoked_by IS NULL AND valid_until IS NOT NULL
  AND valid_until >= $1 AND valid_until < $2 AND valid_until > valid_from
ORDER BY valid_until, id`
	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) AssignmentsForPair(ctx context.Context, userID, roleID int64) ([]Assignment, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+assignmentColumns+` FROM role_assignments WHERE user_id = $1 AND role_id = $2 ORDER BY valid_from, id`, userID, roleID)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

func (t *txRepository) InsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	const query = `INSERT INTO role_assignments (user_id, role_id, assigned_at, assigned_by, valid_from, valid_until)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + assignmentColumns
	return scanAssignment(t.tx.QueryRow(ctx, query, a.UserID, a.RoleID, a.AssignedAt, a.AssignedBy, a.ValidFrom, a.ValidUntil))
}

func (t *txRepository) CloseAssignment(ctx context.Context, id int64, until time.Time, revokedBy int64) (Assignment, error) {
	const query = `UPDATE role_assignments SET valid_until = $2, revoked_by = $3 WHERE id = $1 RETURNING ` + assignmentColumns
	a, err := scanAssignment(t.tx.QueryRow(ctx, query, id, until, revokedBy))
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, fmt.Errorf("ledger: assignment %d: %w", id, shared.ErrNotFound)
	}
	return a, err
}
