package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryUserStore is an in-memory user store intended for tests and dev.
type MemoryUserStore struct {
	mutex       sync.Mutex
	byID        map[string]User
	byDynamicID map[string]string
	byPhone     map[string]string
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:        make(map[string]User),
		byDynamicID: make(map[string]string),
		byPhone:     make(map[string]string),
	}
}

// FindByDynamicID returns the user owning the external subject id.
func (store *MemoryUserStore) FindByDynamicID(ctx context.Context, dynamicID string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	userID, ok := store.byDynamicID[dynamicID]
	if !ok {
		return User{}, fmt.Errorf("user_store.find_by_dynamic_id: %w", ErrUserNotFound)
	}
	return store.byID[userID], nil
}

// FindByID returns the user by internal id.
func (store *MemoryUserStore) FindByID(ctx context.Context, userID string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.byID[userID]
	if !ok {
		return User{}, fmt.Errorf("user_store.find_by_id: %w", ErrUserNotFound)
	}
	return user, nil
}

// Create inserts a user, enforcing dynamic id and phone uniqueness.
func (store *MemoryUserStore) Create(ctx context.Context, newUser NewUser) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byDynamicID[newUser.DynamicID]; exists {
		return User{}, fmt.Errorf("user_store.create.dynamic_id: %w", ErrIdentityConflict)
	}
	if _, exists := store.byPhone[newUser.Phone]; exists {
		return User{}, fmt.Errorf("user_store.create.phone: %w", ErrIdentityConflict)
	}
	now := time.Now().UTC()
	user := User{
		ID:        uuid.NewString(),
		DynamicID: newUser.DynamicID,
		Phone:     newUser.Phone,
		Role:      RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	store.byID[user.ID] = user
	store.byDynamicID[user.DynamicID] = user.ID
	store.byPhone[user.Phone] = user.ID
	return user, nil
}

// MemoryRefreshTokenStore is an in-memory token store intended for tests and dev.
type MemoryRefreshTokenStore struct {
	mutex   sync.Mutex
	byValue map[string]StoredToken
	byUser  map[string]map[string]struct{}
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		byValue: make(map[string]StoredToken),
		byUser:  make(map[string]map[string]struct{}),
	}
}

// Store inserts a new row for the token value.
func (store *MemoryRefreshTokenStore) Store(ctx context.Context, userID string, token string) (StoredToken, error) {
	if token == "" {
		return StoredToken{}, fmt.Errorf("refresh_store.store: %w", ErrRefreshTokenEmptyValue)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := StoredToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		CreatedAt: time.Now().UTC(),
	}
	store.byValue[token] = record
	if store.byUser[userID] == nil {
		store.byUser[userID] = make(map[string]struct{})
	}
	store.byUser[userID][token] = struct{}{}
	return record, nil
}

// FindByValue looks up a row by exact token value.
func (store *MemoryRefreshTokenStore) FindByValue(ctx context.Context, token string) (StoredToken, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byValue[token]
	if !ok {
		return StoredToken{}, fmt.Errorf("refresh_store.find_by_value: %w", ErrRefreshTokenNotFound)
	}
	return record, nil
}

// DeleteByValue removes the row for the token value; absent tokens are a no-op.
func (store *MemoryRefreshTokenStore) DeleteByValue(ctx context.Context, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byValue[token]
	if !ok {
		return nil
	}
	delete(store.byValue, token)
	if owned := store.byUser[record.UserID]; owned != nil {
		delete(owned, token)
		if len(owned) == 0 {
			delete(store.byUser, record.UserID)
		}
	}
	return nil
}

// DeleteAllForUser removes every token owned by the user.
func (store *MemoryRefreshTokenStore) DeleteAllForUser(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for token := range store.byUser[userID] {
		delete(store.byValue, token)
	}
	delete(store.byUser, userID)
	return nil
}

// TokenCountForUser reports the number of live rows owned by the user.
func (store *MemoryRefreshTokenStore) TokenCountForUser(userID string) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.byUser[userID])
}
