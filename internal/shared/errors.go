package shared

import "errors"

var (
	// ErrNotFound indicates the referenced user, role, permission or assignment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness or overlap violation.
	ErrConflict = errors.New("conflict")
	// ErrInactive indicates the target entity has been deactivated.
	ErrInactive = errors.New("inactive")
	// ErrInvalidWindow indicates valid_until precedes valid_from.
	ErrInvalidWindow = errors.New("invalid validity window")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrCacheInvalidation indicates a change was committed but the permission
	// cache could not be bumped yet. The invalidator keeps retrying.
	ErrCacheInvalidation = errors.New("permission cache invalidation pending")
)

// inactiveError reports a deactivated entity. It matches both ErrInactive and
// ErrNotFound.
type inactiveError struct {
	entity string
}

func (e inactiveError) Error() string {
	return e.entity + " inactive"
}

func (e inactiveError) Is(target error) bool {
	return target == ErrInactive || target == ErrNotFound
}

// Inactive builds the error returned when an operation targets a deactivated entity.
func Inactive(entity string) error {
	return inactiveError{entity: entity}
}
