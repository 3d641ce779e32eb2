package authkit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// AuthService orchestrates the login and refresh lifecycles over the three
// narrow collaborators: user store, refresh token store, and token codec.
//
// Both flows enforce mint-then-persist ordering: a token pair is never
// returned to the caller unless its refresh token has a stored row.
type AuthService struct {
	users         UserStore
	refreshTokens RefreshTokenStore
	codec         *TokenCodec
	logger        *zap.Logger
	metrics       MetricsRecorder
}

const (
	codeAuthLogin   = "auth.login"
	codeAuthRefresh = "auth.refresh"
	codeAuthRevoke  = "auth.revoke"
)

// NewAuthService wires the orchestrator. Users, refresh tokens, and codec are
// required; logger and metrics default to no-ops.
func NewAuthService(users UserStore, refreshTokens RefreshTokenStore, codec *TokenCodec, logger *zap.Logger, metrics MetricsRecorder) (*AuthService, error) {
	if users == nil {
		return nil, fmt.Errorf("auth.service.new: user store is required")
	}
	if refreshTokens == nil {
		return nil, fmt.Errorf("auth.service.new: refresh token store is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("auth.service.new: token codec is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &AuthService{
		users:         users,
		refreshTokens: refreshTokens,
		codec:         codec,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Codec exposes the token codec for middleware wiring.
func (service *AuthService) Codec() *TokenCodec {
	return service.codec
}

// Login resolves or creates the user for a verified Dynamic subject id and
// returns a freshly minted, persisted token pair.
func (service *AuthService) Login(ctx context.Context, dynamicID string, phone string) (TokenPair, User, error) {
	resolvedUser, resolveErr := service.resolveUser(ctx, dynamicID, phone)
	if resolveErr != nil {
		if errors.Is(resolveErr, ErrIdentityConflict) {
			service.metrics.Increment(MetricLoginConflict)
			service.logger.Warn("phone already claimed by another identity",
				zap.String("code", "auth.login.identity_conflict"),
				zap.String("dynamic_id", dynamicID))
		}
		return TokenPair{}, User{}, resolveErr
	}

	pair, mintErr := service.codec.MintPair(resolvedUser.ID)
	if mintErr != nil {
		return TokenPair{}, User{}, fmt.Errorf("%s: %w", codeAuthLogin, mintErr)
	}
	if _, storeErr := service.refreshTokens.Store(ctx, resolvedUser.ID, pair.RefreshToken); storeErr != nil {
		// The minted pair is discarded; the client retries login from scratch.
		return TokenPair{}, User{}, fmt.Errorf("%s.persist: %w", codeAuthLogin, storeErr)
	}

	service.metrics.Increment(MetricLoginSuccess)
	return pair, resolvedUser, nil
}

// resolveUser maps the dynamic id to a user, creating one on first sight.
// A create conflict is re-resolved by dynamic id: if the row now exists the
// conflict was a concurrent first login; otherwise the phone is claimed by a
// different identity and the conflict is surfaced.
func (service *AuthService) resolveUser(ctx context.Context, dynamicID string, phone string) (User, error) {
	existingUser, findErr := service.users.FindByDynamicID(ctx, dynamicID)
	if findErr == nil {
		return existingUser, nil
	}
	if !errors.Is(findErr, ErrUserNotFound) {
		return User{}, fmt.Errorf("%s.lookup: %w", codeAuthLogin, findErr)
	}

	createdUser, createErr := service.users.Create(ctx, NewUser{DynamicID: dynamicID, Phone: phone})
	if createErr == nil {
		service.metrics.Increment(MetricUserCreated)
		service.logger.Info("user created on first login",
			zap.String("code", "auth.login.user_created"),
			zap.String("user_id", createdUser.ID))
		return createdUser, nil
	}
	if !errors.Is(createErr, ErrIdentityConflict) {
		return User{}, fmt.Errorf("%s.create: %w", codeAuthLogin, createErr)
	}

	racedUser, retryErr := service.users.FindByDynamicID(ctx, dynamicID)
	if retryErr == nil {
		return racedUser, nil
	}
	if errors.Is(retryErr, ErrUserNotFound) {
		return User{}, fmt.Errorf("%s: %w", codeAuthLogin, ErrIdentityConflict)
	}
	return User{}, fmt.Errorf("%s.retry_lookup: %w", codeAuthLogin, retryErr)
}

// Refresh exchanges a presented refresh token for a new pair. The presented
// token is one-time-use: rotation deletes its row, and a signature-valid token
// without a stored row is rejected outright.
func (service *AuthService) Refresh(ctx context.Context, presentedToken string) (TokenPair, error) {
	claims, verifyErr := service.codec.VerifyRefresh(presentedToken)
	if verifyErr != nil {
		service.metrics.Increment(MetricRefreshDenied)
		return TokenPair{}, fmt.Errorf("%s: %w", codeAuthRefresh, ErrInvalidRefreshToken)
	}

	if _, findErr := service.refreshTokens.FindByValue(ctx, presentedToken); findErr != nil {
		if errors.Is(findErr, ErrRefreshTokenNotFound) {
			// Rotated-away or never stored: a replay signal. Clear defensively and reject.
			_ = service.refreshTokens.DeleteByValue(ctx, presentedToken)
			service.metrics.Increment(MetricRefreshReplay)
			service.logger.Warn("refresh token presented without stored row",
				zap.String("code", "auth.refresh.replay"),
				zap.String("user_id", claims.UserID))
			return TokenPair{}, fmt.Errorf("%s: %w", codeAuthRefresh, ErrInvalidRefreshToken)
		}
		return TokenPair{}, fmt.Errorf("%s.lookup: %w", codeAuthRefresh, findErr)
	}

	pair, mintErr := service.codec.MintPair(claims.UserID)
	if mintErr != nil {
		return TokenPair{}, fmt.Errorf("%s: %w", codeAuthRefresh, mintErr)
	}
	if _, storeErr := service.refreshTokens.Store(ctx, claims.UserID, pair.RefreshToken); storeErr != nil {
		return TokenPair{}, fmt.Errorf("%s.persist: %w", codeAuthRefresh, storeErr)
	}
	if deleteErr := service.refreshTokens.DeleteByValue(ctx, presentedToken); deleteErr != nil {
		return TokenPair{}, fmt.Errorf("%s.rotate: %w", codeAuthRefresh, deleteErr)
	}

	service.metrics.Increment(MetricRefreshSuccess)
	return pair, nil
}

// Logout deletes the presented refresh token's row. Idempotent: unknown or
// malformed tokens are a no-op.
func (service *AuthService) Logout(ctx context.Context, presentedToken string) error {
	if err := service.refreshTokens.DeleteByValue(ctx, presentedToken); err != nil {
		return fmt.Errorf("auth.logout: %w", err)
	}
	service.metrics.Increment(MetricLogout)
	return nil
}

// RevokeAll deletes every refresh token owned by the user, ending all
// sessions at once.
func (service *AuthService) RevokeAll(ctx context.Context, userID string) error {
	if err := service.refreshTokens.DeleteAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("%s: %w", codeAuthRevoke, err)
	}
	service.metrics.Increment(MetricSessionsRevoked)
	service.logger.Info("all sessions revoked",
		zap.String("code", "auth.revoke.all"),
		zap.String("user_id", userID))
	return nil
}

// GetUser loads the profile for an authenticated user id.
func (service *AuthService) GetUser(ctx context.Context, userID string) (User, error) {
	user, err := service.users.FindByID(ctx, userID)
	if err != nil {
		return User{}, fmt.Errorf("auth.profile: %w", err)
	}
	return user, nil
}
