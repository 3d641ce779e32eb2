package authkit

import "time"

// Role enumerates the application user roles.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleUser     Role = "user"
	RoleAgent    Role = "agent"
	RoleAppAdmin Role = "app_admin"
)

// User is an application user keyed by the external Dynamic subject id.
// Exactly one user exists per dynamic id and per phone number.
type User struct {
	ID                string
	DynamicID         string
	Phone             string
	Name              string
	Email             string
	Role              Role
	EmailVerified     bool
	PhoneVerified     bool
	OnboardingAgentID string
	WalletAddress     string
	TwitterUsername   string
	TelegramUsername  string
	DiscordUsername   string
	KYCCompleted      bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewUser carries the fields required to create a user on first login.
type NewUser struct {
	DynamicID string
	Phone     string
}
