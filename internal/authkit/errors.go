package authkit

import "errors"

var (
	// ErrUserNotFound indicates no user matched the provided identifier.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrIdentityConflict indicates a create collided with an existing dynamic id or phone.
	ErrIdentityConflict = errors.New("user_store.identity_conflict")
	// ErrRefreshTokenNotFound indicates no stored row matched the presented token value.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenEmptyValue indicates the provided token value is empty.
	ErrRefreshTokenEmptyValue = errors.New("refresh_store.empty_token")
	// ErrTokenInvalid indicates a malformed, tampered, or expired signed token.
	ErrTokenInvalid = errors.New("token_codec.invalid")
	// ErrInvalidRefreshToken is the authentication failure surfaced by the refresh flow.
	ErrInvalidRefreshToken = errors.New("auth.invalid_refresh_token")
	// ErrDynamicTokenInvalid indicates the external identity token could not be verified.
	ErrDynamicTokenInvalid = errors.New("dynamic.invalid_token")
)
