package authkit

import (
	"context"
	"time"
)

// StoredToken is a persisted refresh token row. Its presence is the sole
// authority for whether a signature-valid refresh token is still honorable.
type StoredToken struct {
	ID        string
	UserID    string
	Token     string
	CreatedAt time.Time
}

// UserStore resolves and creates application users.
type UserStore interface {
	// FindByDynamicID returns the user owning the external subject id, or ErrUserNotFound.
	FindByDynamicID(ctx context.Context, dynamicID string) (User, error)
	// FindByID returns the user by internal id, or ErrUserNotFound.
	FindByID(ctx context.Context, userID string) (User, error)
	// Create inserts a new user. Returns ErrIdentityConflict when the dynamic id
	// or phone is already claimed; uniqueness is enforced by the storage layer.
	Create(ctx context.Context, newUser NewUser) (User, error)
}

// RefreshTokenStore persists issued refresh tokens keyed by their exact value.
type RefreshTokenStore interface {
	// Store inserts a new row. A user may hold any number of live tokens.
	Store(ctx context.Context, userID string, token string) (StoredToken, error)
	// FindByValue looks up a row by exact token value, or ErrRefreshTokenNotFound.
	FindByValue(ctx context.Context, token string) (StoredToken, error)
	// DeleteByValue removes the row for the token value. Deleting an absent token is not an error.
	DeleteByValue(ctx context.Context, token string) error
	// DeleteAllForUser removes every token owned by the user (full session revocation).
	DeleteAllForUser(ctx context.Context, userID string) error
}
