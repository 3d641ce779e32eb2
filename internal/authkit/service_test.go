package authkit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestService(t *testing.T, users UserStore, refreshTokens RefreshTokenStore) (*AuthService, *CounterMetrics) {
	t.Helper()
	codec := newTestCodec(t, fixedClock{timestamp: time.Unix(1700000000, 0)})
	metrics := NewCounterMetrics()
	service, err := NewAuthService(users, refreshTokens, codec, nil, metrics)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, metrics
}

func TestLoginCreatesUserAndStoresRefreshToken(t *testing.T) {
	t.Parallel()

	users := NewMemoryUserStore()
	refreshTokens := NewMemoryRefreshTokenStore()
	service, metrics := newTestService(t, users, refreshTokens)

	pair, user, loginErr := service.Login(context.Background(), "ext-1", "9876543210")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}
	if user.ID == "" || user.DynamicID != "ext-1" || user.Phone != "9876543210" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.Role != RoleUser {
		t.Fatalf("expected default role user, got %s", user.Role)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected non-empty token pair")
	}

	stored, findErr := refreshTokens.FindByValue(context.Background(), pair.RefreshToken)
	if findErr != nil {
		t.Fatalf("expected stored refresh token row: %v", findErr)
	}
	if stored.UserID != user.ID {
		t.Fatalf("stored row owned by %s, expected %s", stored.UserID, user.ID)
	}
	if count := refreshTokens.TokenCountForUser(user.ID); count != 1 {
		t.Fatalf("expected exactly one stored row, got %d", count)
	}
	if metrics.Count(MetricUserCreated) != 1 {
		t.Fatalf("expected user_created metric to be 1")
	}
}

func TestLoginReusesExistingUser(t *testing.T) {
	t.Parallel()

	users := NewMemoryUserStore()
	refreshTokens := NewMemoryRefreshTokenStore()
	service, metrics := newTestService(t, users, refreshTokens)

	_, firstUser, firstErr := service.Login(context.Background(), "ext-2", "9876543211")
	if firstErr != nil {
		t.Fatalf("first login error: %v", firstErr)
	}
	_, secondUser, secondErr := service.Login(context.Background(), "ext-2", "9876543211")
	if secondErr != nil {
		t.Fatalf("second login error: %v", secondErr)
	}
	if firstUser.ID != secondUser.ID {
		t.Fatalf("expected same internal user id, got %s and %s", firstUser.ID, secondUser.ID)
	}
	if count := refreshTokens.TokenCountForUser(firstUser.ID); count != 2 {
		t.Fatalf("expected two concurrent sessions, got %d rows", count)
	}
	if metrics.Count(MetricUserCreated) != 1 {
		t.Fatalf("expected a single user creation across repeat logins")
	}
}

func TestLoginPhoneClaimedByDifferentIdentity(t *testing.T) {
	t.Parallel()

	users := NewMemoryUserStore()
	refreshTokens := NewMemoryRefreshTokenStore()
	service, metrics := newTestService(t, users, refreshTokens)

	if _, _, err := service.Login(context.Background(), "ext-3", "9876543212"); err != nil {
		t.Fatalf("seed login error: %v", err)
	}

	_, _, conflictErr := service.Login(context.Background(), "ext-4", "9876543212")
	if !errors.Is(conflictErr, ErrIdentityConflict) {
		t.Fatalf("expected ErrIdentityConflict, got %v", conflictErr)
	}
	if metrics.Count(MetricLoginConflict) != 1 {
		t.Fatalf("expected login conflict metric to be 1")
	}
}

// racedUserStore simulates two concurrent first logins: the lookup misses,
// the create collides, and the retry lookup finds the row the other request
// inserted.
type racedUserStore struct {
	lookups int
	winner  User
}

func (store *racedUserStore) FindByDynamicID(ctx context.Context, dynamicID string) (User, error) {
	store.lookups++
	if store.lookups == 1 {
		return User{}, fmt.Errorf("user_store.find_by_dynamic_id: %w", ErrUserNotFound)
	}
	return store.winner, nil
}

func (store *racedUserStore) FindByID(ctx context.Context, userID string) (User, error) {
	return store.winner, nil
}

func (store *racedUserStore) Create(ctx context.Context, newUser NewUser) (User, error) {
	return User{}, fmt.Errorf("user_store.create: %w", ErrIdentityConflict)
}

func TestLoginCreateRaceResolvesToWinner(t *testing.T) {
	t.Parallel()

	winner := User{ID: "winner-id", DynamicID: "ext-5", Phone: "9876543213", Role: RoleUser}
	users := &racedUserStore{winner: winner}
	refreshTokens := NewMemoryRefreshTokenStore()
	service, _ := newTestService(t, users, refreshTokens)

	pair, user, loginErr := service.Login(context.Background(), "ext-5", "9876543213")
	if loginErr != nil {
		t.Fatalf("expected race to resolve cleanly, got %v", loginErr)
	}
	if user.ID != "winner-id" {
		t.Fatalf("expected winner-id, got %s", user.ID)
	}
	if _, findErr := refreshTokens.FindByValue(context.Background(), pair.RefreshToken); findErr != nil {
		t.Fatalf("expected stored row for raced login: %v", findErr)
	}
}

type failingRefreshStore struct {
	*MemoryRefreshTokenStore
}

func (store *failingRefreshStore) Store(ctx context.Context, userID string, token string) (StoredToken, error) {
	return StoredToken{}, errors.New("refresh_store.store: database unavailable")
}

func TestLoginPersistenceFailureReturnsNoTokens(t *testing.T) {
	t.Parallel()

	users := NewMemoryUserStore()
	refreshTokens := &failingRefreshStore{MemoryRefreshTokenStore: NewMemoryRefreshTokenStore()}
	service, _ := newTestService(t, users, refreshTokens)

	pair, _, loginErr := service.Login(context.Background(), "ext-6", "9876543214")
	if loginErr == nil {
		t.Fatalf("expected login to fail when persistence fails")
	}
	if pair.AccessToken != "" || pair.RefreshToken != "" {
		t.Fatalf("no token may be returned without a stored row")
	}
}

func TestRefreshRotatesPresentedToken(t *testing.T) {
	t.Parallel()

	users := NewMemoryUserStore()
	refreshTokens := NewMemoryRefreshTokenStore()
	service, _ := newTestService(t, users, refreshTokens)

	loginPair, user, loginErr := service.Login(context.Background(), "ext-7", "9876543215")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}

	refreshedPair, refreshErr := service.Refresh(context.Background(), loginPair.RefreshToken)
	if refreshErr != nil {
		t.Fatalf("refresh error: %v", refreshErr)
	}
	if refreshedPair.RefreshToken == loginPair.RefreshToken {
		t.Fatalf("expected a new refresh token value")
	}

	if _, findErr := refreshTokens.FindByValue(context.Background(), loginPair.RefreshToken); !errors.Is(findErr, ErrRefreshTokenNotFound) {
		t.Fatalf("expected old row deleted after rotation, got %v", findErr)
	}
	if count := refreshTokens.TokenCountForUser(user.ID); count != 1 {
		t.Fatalf("expected exactly one live row after rotation, got %d", count)
	}

	// One-time-use: the superseded token must be rejected outright.
	if _, replayErr := service.Refresh(context.Background(), loginPair.RefreshToken); !errors.Is(replayErr, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken on replay, got %v", replayErr)
	}

	if _, nextErr := service.Refresh(context.Background(), refreshedPair.RefreshToken); nextErr != nil {
		t.Fatalf("fresh token must remain usable: %v", nextErr)
	}
}

func TestRefreshRejectsUnstoredToken(t *testing.T) {
	t.Parallel()

	users := NewMemoryUserStore()
	refreshTokens := NewMemoryRefreshTokenStore()
	service, metrics := newTestService(t, users, refreshTokens)

	// Signature-valid, never stored: must be rejected regardless of how the
	// row became absent.
	orphanPair, mintErr := service.Codec().MintPair("ghost-user")
	if mintErr != nil {
		t.Fatalf("mint error: %v", mintErr)
	}

	_, refreshErr := service.Refresh(context.Background(), orphanPair.RefreshToken)
	if !errors.Is(refreshErr, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", refreshErr)
	}
	if metrics.Count(MetricRefreshReplay) != 1 {
		t.Fatalf("expected replay metric to be 1")
	}
	if count := refreshTokens.TokenCountForUser("ghost-user"); count != 0 {
		t.Fatalf("no row may be created for a rejected refresh")
	}
}

type spyRefreshStore struct {
	*MemoryRefreshTokenStore
	findCalls int
}

func (store *spyRefreshStore) FindByValue(ctx context.Context, token string) (StoredToken, error) {
	store.findCalls++
	return store.MemoryRefreshTokenStore.FindByValue(ctx, token)
}

func TestRefreshRejectsTamperedTokenBeforeLookup(t *testing.T) {
	t.Parallel()

	users := NewMemoryUserStore()
	refreshTokens := &spyRefreshStore{MemoryRefreshTokenStore: NewMemoryRefreshTokenStore()}
	service, _ := newTestService(t, users, refreshTokens)

	_, refreshErr := service.Refresh(context.Background(), "tampered.token.value")
	if !errors.Is(refreshErr, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", refreshErr)
	}
	if refreshTokens.findCalls != 0 {
		t.Fatalf("store lookup must not run for a token that fails verification")
	}
}

func TestLogoutDeletesPresentedToken(t *testing.T) {
	t.Parallel()

	users := NewMemoryUserStore()
	refreshTokens := NewMemoryRefreshTokenStore()
	service, _ := newTestService(t, users, refreshTokens)

	pair, _, loginErr := service.Login(context.Background(), "ext-8", "9876543216")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}

	if err := service.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("logout error: %v", err)
	}
	if _, findErr := refreshTokens.FindByValue(context.Background(), pair.RefreshToken); !errors.Is(findErr, ErrRefreshTokenNotFound) {
		t.Fatalf("expected row deleted on logout, got %v", findErr)
	}
	// Idempotent: repeating the logout is not an error.
	if err := service.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("second logout error: %v", err)
	}
}

func TestRevokeAllEndsEverySession(t *testing.T) {
	t.Parallel()

	users := NewMemoryUserStore()
	refreshTokens := NewMemoryRefreshTokenStore()
	service, _ := newTestService(t, users, refreshTokens)

	firstPair, user, firstErr := service.Login(context.Background(), "ext-9", "9876543217")
	if firstErr != nil {
		t.Fatalf("first login error: %v", firstErr)
	}
	secondPair, _, secondErr := service.Login(context.Background(), "ext-9", "9876543217")
	if secondErr != nil {
		t.Fatalf("second login error: %v", secondErr)
	}

	if err := service.RevokeAll(context.Background(), user.ID); err != nil {
		t.Fatalf("revoke error: %v", err)
	}
	if count := refreshTokens.TokenCountForUser(user.ID); count != 0 {
		t.Fatalf("expected zero live rows after revocation, got %d", count)
	}
	if _, err := service.Refresh(context.Background(), firstPair.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected first session rejected after revocation, got %v", err)
	}
	if _, err := service.Refresh(context.Background(), secondPair.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected second session rejected after revocation, got %v", err)
	}
}
