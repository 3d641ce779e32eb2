package authkit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisTokenKeyPrefix = "auth:refresh:"
	redisUserKeyPrefix  = "auth:refresh:user:"
)

// RedisRefreshTokenStore keeps refresh token rows in Redis. Each row lives
// under a hashed-value key with a TTL matching the refresh token lifetime,
// plus a per-user index set used for full revocation.
type RedisRefreshTokenStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRefreshTokenStore constructs the store. TTL must cover the refresh
// token lifetime; expired keys simply disappear, which matches the contract
// since signature expiry rejects them first.
func NewRedisRefreshTokenStore(client redis.UniversalClient, ttl time.Duration) (*RedisRefreshTokenStore, error) {
	if client == nil {
		return nil, fmt.Errorf("refresh_store.redis.new: client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("refresh_store.redis.new: ttl must be greater than zero")
	}
	return &RedisRefreshTokenStore{client: client, ttl: ttl}, nil
}

// Store inserts a new row for the token value.
func (store *RedisRefreshTokenStore) Store(ctx context.Context, userID string, token string) (StoredToken, error) {
	if token == "" {
		return StoredToken{}, fmt.Errorf("refresh_store.store.redis: %w", ErrRefreshTokenEmptyValue)
	}
	record := StoredToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		CreatedAt: time.Now().UTC(),
	}
	encoded, encodeErr := json.Marshal(record)
	if encodeErr != nil {
		return StoredToken{}, fmt.Errorf("refresh_store.store.redis: %w", encodeErr)
	}
	tokenKey := redisTokenKey(token)
	userKey := redisUserKeyPrefix + userID

	pipeline := store.client.TxPipeline()
	pipeline.Set(ctx, tokenKey, encoded, store.ttl)
	pipeline.SAdd(ctx, userKey, tokenKey)
	pipeline.Expire(ctx, userKey, store.ttl)
	if _, execErr := pipeline.Exec(ctx); execErr != nil {
		return StoredToken{}, fmt.Errorf("refresh_store.store.redis: %w", execErr)
	}
	return record, nil
}

// FindByValue looks up a row by exact token value.
func (store *RedisRefreshTokenStore) FindByValue(ctx context.Context, token string) (StoredToken, error) {
	encoded, getErr := store.client.Get(ctx, redisTokenKey(token)).Bytes()
	if getErr != nil {
		if errors.Is(getErr, redis.Nil) {
			return StoredToken{}, fmt.Errorf("refresh_store.find_by_value.redis: %w", ErrRefreshTokenNotFound)
		}
		return StoredToken{}, fmt.Errorf("refresh_store.find_by_value.redis: %w", getErr)
	}
	var record StoredToken
	if decodeErr := json.Unmarshal(encoded, &record); decodeErr != nil {
		return StoredToken{}, fmt.Errorf("refresh_store.find_by_value.redis: %w", decodeErr)
	}
	return record, nil
}

// DeleteByValue removes the row for the token value; absent tokens are a no-op.
func (store *RedisRefreshTokenStore) DeleteByValue(ctx context.Context, token string) error {
	tokenKey := redisTokenKey(token)
	encoded, getErr := store.client.Get(ctx, tokenKey).Bytes()
	if getErr != nil {
		if errors.Is(getErr, redis.Nil) {
			return nil
		}
		return fmt.Errorf("refresh_store.delete_by_value.redis: %w", getErr)
	}
	var record StoredToken
	if decodeErr := json.Unmarshal(encoded, &record); decodeErr != nil {
		return fmt.Errorf("refresh_store.delete_by_value.redis: %w", decodeErr)
	}
	pipeline := store.client.TxPipeline()
	pipeline.Del(ctx, tokenKey)
	pipeline.SRem(ctx, redisUserKeyPrefix+record.UserID, tokenKey)
	if _, execErr := pipeline.Exec(ctx); execErr != nil {
		return fmt.Errorf("refresh_store.delete_by_value.redis: %w", execErr)
	}
	return nil
}

// DeleteAllForUser removes every token owned by the user.
func (store *RedisRefreshTokenStore) DeleteAllForUser(ctx context.Context, userID string) error {
	userKey := redisUserKeyPrefix + userID
	tokenKeys, membersErr := store.client.SMembers(ctx, userKey).Result()
	if membersErr != nil {
		return fmt.Errorf("refresh_store.delete_all_for_user.redis: %w", membersErr)
	}
	pipeline := store.client.TxPipeline()
	if len(tokenKeys) > 0 {
		pipeline.Del(ctx, tokenKeys...)
	}
	pipeline.Del(ctx, userKey)
	if _, execErr := pipeline.Exec(ctx); execErr != nil {
		return fmt.Errorf("refresh_store.delete_all_for_user.redis: %w", execErr)
	}
	return nil
}

func redisTokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return redisTokenKeyPrefix + base64.RawURLEncoding.EncodeToString(sum[:])
}
