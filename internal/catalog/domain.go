package catalog

import "time"

// Role is a named bundle of permissions. Roles are deactivated, never removed.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is an atomic capability identified by an immutable key.
type Permission struct {
	ID           int64     `json:"id"`
	Key          string    `json:"key"`
	DisplayName  string    `json:"display_name"`
	ComponentRef string    `json:"component_ref,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// RolePermission links a permission to a role.
type RolePermission struct {
	RoleID        int64     `json:"role_id"`
	PermissionID  int64     `json:"permission_id"`
	PermissionKey string    `json:"permission_key"`
	AssignedAt    time.Time `json:"assigned_at"`
	AssignedBy    int64     `json:"assigned_by"`
}

// CreateRoleInput is accepted by Service.CreateRole.
type CreateRoleInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
	ActorID     int64  `json:"-"`
}

// CreatePermissionInput is accepted by Service.CreatePermission.
type CreatePermissionInput struct {
	Key          string `json:"key" validate:"required,max=100"`
	DisplayName  string `json:"display_name" validate:"required,max=200"`
	ComponentRef string `json:"component_ref" validate:"max=200"`
	ActorID      int64  `json:"-"`
}

// NewRole is the repository-level insert payload.
type NewRole struct {
	Name        string
	NameKey     string
	Description string
}

// NewPermission is the repository-level insert payload.
type NewPermission struct {
	Key          string
	DisplayName  string
	ComponentRef string
}
