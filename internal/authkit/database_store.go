package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("database_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("database_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("database_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("database_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("database_store.unsupported_no_scheme")
)

// DatabaseStore persists users and refresh tokens using GORM. It implements
// both UserStore and RefreshTokenStore over a shared connection.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	ID                string    `gorm:"column:id;primaryKey"`
	DynamicID         string    `gorm:"column:dynamic_id;uniqueIndex;not null"`
	Phone             string    `gorm:"column:phone;uniqueIndex;not null"`
	Name              string    `gorm:"column:name"`
	Email             string    `gorm:"column:email"`
	Role              string    `gorm:"column:role;not null;default:user"`
	EmailVerified     bool      `gorm:"column:email_verified;not null;default:false"`
	PhoneVerified     bool      `gorm:"column:phone_verified;not null;default:false"`
	OnboardingAgentID string    `gorm:"column:onboarding_agent_id"`
	WalletAddress     string    `gorm:"column:wallet_address"`
	TwitterUsername   string    `gorm:"column:twitter_username"`
	TelegramUsername  string    `gorm:"column:telegram_username"`
	DiscordUsername   string    `gorm:"column:discord_username"`
	KYCCompleted      bool      `gorm:"column:kyc_completed;not null;default:false"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

func (userRecord) TableName() string {
	return "users"
}

type refreshTokenRecord struct {
	ID        string     `gorm:"column:id;primaryKey"`
	UserID    string     `gorm:"column:user_id;index;not null"`
	User      userRecord `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Token     string     `gorm:"column:token;index;not null"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseStore constructs a GORM-backed store for a postgres:// or
// sqlite:// database URL and migrates the schema.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("database_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}, &refreshTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("database_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FindByDynamicID returns the user owning the external subject id.
func (store *DatabaseStore) FindByDynamicID(ctx context.Context, dynamicID string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("dynamic_id = ?", dynamicID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.find_by_dynamic_id.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.find_by_dynamic_id.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// FindByID returns the user by internal id.
func (store *DatabaseStore) FindByID(ctx context.Context, userID string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.find_by_id.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.find_by_id.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// Create inserts a user row. The unique indexes on dynamic_id and phone are
// the real guard against concurrent first logins; a violation surfaces as
// ErrIdentityConflict.
func (store *DatabaseStore) Create(ctx context.Context, newUser NewUser) (User, error) {
	record := userRecord{
		ID:        uuid.NewString(),
		DynamicID: newUser.DynamicID,
		Phone:     newUser.Phone,
		Role:      string(RoleUser),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrIdentityConflict)
		}
		return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// Store inserts a new refresh token row.
func (store *DatabaseStore) Store(ctx context.Context, userID string, token string) (StoredToken, error) {
	if token == "" {
		return StoredToken{}, fmt.Errorf("refresh_store.store.%s: %w", store.driverLabel, ErrRefreshTokenEmptyValue)
	}
	record := refreshTokenRecord{
		ID:     uuid.NewString(),
		UserID: userID,
		Token:  token,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return StoredToken{}, fmt.Errorf("refresh_store.store.%s: %w", store.driverLabel, err)
	}
	return record.toStoredToken(), nil
}

// FindByValue looks up a refresh token row by exact token value.
func (store *DatabaseStore) FindByValue(ctx context.Context, token string) (StoredToken, error) {
	var record refreshTokenRecord
	err := store.db.WithContext(ctx).Where("token = ?", token).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StoredToken{}, fmt.Errorf("refresh_store.find_by_value.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
		}
		return StoredToken{}, fmt.Errorf("refresh_store.find_by_value.%s: %w", store.driverLabel, err)
	}
	return record.toStoredToken(), nil
}

// DeleteByValue removes the row for the token value; absent tokens are a no-op.
func (store *DatabaseStore) DeleteByValue(ctx context.Context, token string) error {
	result := store.db.WithContext(ctx).Where("token = ?", token).Delete(&refreshTokenRecord{})
	if result.Error != nil {
		return fmt.Errorf("refresh_store.delete_by_value.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// DeleteAllForUser removes every refresh token owned by the user.
func (store *DatabaseStore) DeleteAllForUser(ctx context.Context, userID string) error {
	result := store.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&refreshTokenRecord{})
	if result.Error != nil {
		return fmt.Errorf("refresh_store.delete_all_for_user.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

func (record userRecord) toUser() User {
	return User{
		ID:                record.ID,
		DynamicID:         record.DynamicID,
		Phone:             record.Phone,
		Name:              record.Name,
		Email:             record.Email,
		Role:              Role(record.Role),
		EmailVerified:     record.EmailVerified,
		PhoneVerified:     record.PhoneVerified,
		OnboardingAgentID: record.OnboardingAgentID,
		WalletAddress:     record.WalletAddress,
		TwitterUsername:   record.TwitterUsername,
		TelegramUsername:  record.TelegramUsername,
		DiscordUsername:   record.DiscordUsername,
		KYCCompleted:      record.KYCCompleted,
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}
}

func (record refreshTokenRecord) toStoredToken() StoredToken {
	return StoredToken{
		ID:        record.ID,
		UserID:    record.UserID,
		Token:     record.Token,
		CreatedAt: record.CreatedAt,
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgError *pgconn.PgError
	if errors.As(err, &pgError) && pgError.Code == "23505" {
		return true
	}
	// The glebarez sqlite driver reports constraint failures only in the message.
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "constraint failed")
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("database_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("database_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("database_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("database_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
