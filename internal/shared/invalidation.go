package shared

import "context"

// PermissionInvalidator drops cached permission sets after a mutation.
type PermissionInvalidator interface {
	InvalidateUser(ctx context.Context, userID int64) error
	InvalidateCatalog(ctx context.Context) error
}

// NopInvalidator is used when no permission cache is configured.
type NopInvalidator struct{}

// InvalidateUser implements PermissionInvalidator.
func (NopInvalidator) InvalidateUser(context.Context, int64) error { return nil }

// InvalidateCatalog implements PermissionInvalidator.
func (NopInvalidator) InvalidateCatalog(context.Context) error { return nil }

// NopAuditRecorder discards audit entries.
type NopAuditRecorder struct{}

// Record implements AuditRecorder.
func (NopAuditRecorder) Record(context.Context, AuditLog) error { return nil }
