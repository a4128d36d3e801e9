package identity

import "time"

// User is an authenticated principal known to the authorization core. Users
// are deactivated, never deleted.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProvisionInput carries the fields accepted when registering a user.
type ProvisionInput struct {
	Username    string `json:"username" validate:"required,min=2,max=64"`
	DisplayName string `json:"display_name" validate:"max=128"`
	ActorID     int64  `json:"-"`
}

// NewUser is the repository-level insert payload.
type NewUser struct {
	Username    string
	UsernameKey string
	DisplayName string
}
