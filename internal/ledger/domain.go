package ledger

import "time"

// Assignment grants a role to a user over the half-open window
// [ValidFrom, ValidUntil). A nil ValidUntil is unbounded.
type Assignment struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	RoleID     int64      `json:"role_id"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy int64      `json:"assigned_by"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	RevokedBy  *int64     `json:"revoked_by,omitempty"`
}

// InEffect reports whether t lies inside the assignment window.
func (a Assignment) InEffect(t time.Time) bool {
	if t.Before(a.ValidFrom) {
		return false
	}
	return a.ValidUntil == nil || t.Before(*a.ValidUntil)
}

// Empty reports a zero-length window, which is never in effect.
func (a Assignment) Empty() bool {
	return a.ValidUntil != nil && !a.ValidUntil.After(a.ValidFrom)
}

// Overlaps reports whether the window intersects [from, until).
func (a Assignment) Overlaps(from time.Time, until *time.Time) bool {
	if a.Empty() || (until != nil && !until.After(from)) {
		return false
	}
	startsBeforeOtherEnds := until == nil || a.ValidFrom.Before(*until)
	otherStartsBeforeEnd := a.ValidUntil == nil || from.Before(*a.ValidUntil)
	return startsBeforeOtherEnds && otherStartsBeforeEnd
}

// OpenAt reports whether the assignment has not been revoked and its window
// has not closed by t.
func (a Assignment) OpenAt(t time.Time) bool {
	if a.RevokedBy != nil || a.Empty() {
		return false
	}
	return a.ValidUntil == nil || a.ValidUntil.After(t)
}

// GrantInput describes a new assignment. ValidFrom defaults to the grant time.
type GrantInput struct {
	UserID     int64      `json:"user_id" validate:"required,gt=0"`
	RoleID     int64      `json:"role_id" validate:"required,gt=0"`
	GrantedBy  int64      `json:"-"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}
