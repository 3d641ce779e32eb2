package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inflectionhq/inflection-auth/internal/authkit"
)

const uniqueViolationCode = "23505"

// PostgresStore persists users and refresh tokens directly over pgx. It
// implements authkit.UserStore and authkit.RefreshTokenStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// FindByDynamicID returns the user owning the external subject id.
func (store *PostgresStore) FindByDynamicID(ctx context.Context, dynamicID string) (authkit.User, error) {
	return store.findUser(ctx, "dynamic_id", dynamicID)
}

// FindByID returns the user by internal id.
func (store *PostgresStore) FindByID(ctx context.Context, userID string) (authkit.User, error) {
	return store.findUser(ctx, "id", userID)
}

func (store *PostgresStore) findUser(ctx context.Context, column string, value string) (authkit.User, error) {
	var user authkit.User
	var role string
	row := store.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT id, dynamic_id, phone, name, email, role, email_verified, phone_verified,
       onboarding_agent_id, wallet_address, twitter_username, telegram_username,
       discord_username, kyc_completed, created_at, updated_at
FROM users
WHERE %s = $1
`, column), value)
	scanErr := row.Scan(&user.ID, &user.DynamicID, &user.Phone, &user.Name, &user.Email,
		&role, &user.EmailVerified, &user.PhoneVerified, &user.OnboardingAgentID,
		&user.WalletAddress, &user.TwitterUsername, &user.TelegramUsername,
		&user.DiscordUsername, &user.KYCCompleted, &user.CreatedAt, &user.UpdatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.User{}, fmt.Errorf("user_store.find.pg: %w", authkit.ErrUserNotFound)
		}
		return authkit.User{}, fmt.Errorf("user_store.find.pg: %w", scanErr)
	}
	user.Role = authkit.Role(role)
	return user, nil
}

// Create inserts a user row; unique violations surface as ErrIdentityConflict.
func (store *PostgresStore) Create(ctx context.Context, newUser authkit.NewUser) (authkit.User, error) {
	userID := uuid.NewString()
	now := time.Now().UTC()
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO users (id, dynamic_id, phone, role, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
`, userID, newUser.DynamicID, newUser.Phone, string(authkit.RoleUser), now)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return authkit.User{}, fmt.Errorf("user_store.create.pg: %w", authkit.ErrIdentityConflict)
		}
		return authkit.User{}, fmt.Errorf("user_store.create.pg: %w", execErr)
	}
	return authkit.User{
		ID:        userID,
		DynamicID: newUser.DynamicID,
		Phone:     newUser.Phone,
		Role:      authkit.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Store inserts a new refresh token row.
func (store *PostgresStore) Store(ctx context.Context, userID string, token string) (authkit.StoredToken, error) {
	if token == "" {
		return authkit.StoredToken{}, fmt.Errorf("refresh_store.store.pg: %w", authkit.ErrRefreshTokenEmptyValue)
	}
	record := authkit.StoredToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		CreatedAt: time.Now().UTC(),
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO refresh_tokens (id, user_id, token, created_at)
VALUES ($1, $2, $3, $4)
`, record.ID, record.UserID, record.Token, record.CreatedAt)
	if execErr != nil {
		return authkit.StoredToken{}, fmt.Errorf("refresh_store.store.pg: %w", execErr)
	}
	return record, nil
}

// FindByValue looks up a refresh token row by exact token value.
func (store *PostgresStore) FindByValue(ctx context.Context, token string) (authkit.StoredToken, error) {
	var record authkit.StoredToken
	row := store.pool.QueryRow(ctx, `
SELECT id, user_id, token, created_at
FROM refresh_tokens
WHERE token = $1
`, token)
	scanErr := row.Scan(&record.ID, &record.UserID, &record.Token, &record.CreatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.StoredToken{}, fmt.Errorf("refresh_store.find_by_value.pg: %w", authkit.ErrRefreshTokenNotFound)
		}
		return authkit.StoredToken{}, fmt.Errorf("refresh_store.find_by_value.pg: %w", scanErr)
	}
	return record, nil
}

// DeleteByValue removes the row for the token value; absent tokens are a no-op.
func (store *PostgresStore) DeleteByValue(ctx context.Context, token string) error {
	_, execErr := store.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE token = $1`, token)
	if execErr != nil {
		return fmt.Errorf("refresh_store.delete_by_value.pg: %w", execErr)
	}
	return nil
}

// DeleteAllForUser removes every refresh token owned by the user.
func (store *PostgresStore) DeleteAllForUser(ctx context.Context, userID string) error {
	_, execErr := store.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if execErr != nil {
		return fmt.Errorf("refresh_store.delete_all_for_user.pg: %w", execErr)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgError *pgconn.PgError
	return errors.As(err, &pgError) && pgError.Code == uniqueViolationCode
}
