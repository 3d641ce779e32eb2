package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenClaims is the payload carried by both access and refresh tokens.
type TokenClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// TokenPair is the transient result of minting; it is never persisted as a unit.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenCodec signs and verifies access and refresh tokens with distinct
// HS256 secrets. It has no side effects beyond the provided clock.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	clock         Clock
}

const (
	codeTokenCodecNew    = "token_codec.new"
	codeTokenCodecMint   = "token_codec.mint"
	codeTokenCodecVerify = "token_codec.verify"
)

// NewTokenCodec validates the secrets and TTLs and constructs a codec.
func NewTokenCodec(accessSecret []byte, refreshSecret []byte, accessTTL time.Duration, refreshTTL time.Duration, clock Clock) (*TokenCodec, error) {
	if len(accessSecret) == 0 {
		return nil, fmt.Errorf("%s: access secret must be non-empty", codeTokenCodecNew)
	}
	if len(refreshSecret) == 0 {
		return nil, fmt.Errorf("%s: refresh secret must be non-empty", codeTokenCodecNew)
	}
	if string(accessSecret) == string(refreshSecret) {
		return nil, fmt.Errorf("%s: access and refresh secrets must differ", codeTokenCodecNew)
	}
	if accessTTL <= 0 {
		return nil, fmt.Errorf("%s: access TTL must be greater than zero", codeTokenCodecNew)
	}
	if refreshTTL <= 0 {
		return nil, fmt.Errorf("%s: refresh TTL must be greater than zero", codeTokenCodecNew)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenCodec{
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		clock:         clock,
	}, nil
}

// MintPair signs an access and a refresh token for the user id.
func (codec *TokenCodec) MintPair(userID string) (TokenPair, error) {
	if strings.TrimSpace(userID) == "" {
		return TokenPair{}, fmt.Errorf("%s: subject must be non-empty", codeTokenCodecMint)
	}
	issuedAt := codec.clock.Now()
	accessExpiresAt := issuedAt.Add(codec.accessTTL)
	refreshExpiresAt := issuedAt.Add(codec.refreshTTL)

	accessToken, accessErr := codec.sign(userID, issuedAt, accessExpiresAt, codec.accessSecret)
	if accessErr != nil {
		return TokenPair{}, fmt.Errorf("%s: %w", codeTokenCodecMint, accessErr)
	}
	refreshToken, refreshErr := codec.sign(userID, issuedAt, refreshExpiresAt, codec.refreshSecret)
	if refreshErr != nil {
		return TokenPair{}, fmt.Errorf("%s: %w", codeTokenCodecMint, refreshErr)
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// VerifyAccess validates an access token and returns its claims.
func (codec *TokenCodec) VerifyAccess(token string) (*TokenClaims, error) {
	return codec.verify(token, codec.accessSecret)
}

// VerifyRefresh validates a refresh token and returns its claims.
func (codec *TokenCodec) VerifyRefresh(token string) (*TokenClaims, error) {
	return codec.verify(token, codec.refreshSecret)
}

func (codec *TokenCodec) sign(userID string, issuedAt time.Time, expiresAt time.Time, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			// The jti keeps token values distinct even when two pairs are
			// minted for the same user within the same second; rotation
			// deletes rows by exact value and depends on this.
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	return token.SignedString(secret)
}

func (codec *TokenCodec) verify(token string, secret []byte) (*TokenClaims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%s: %w", codeTokenCodecVerify, ErrTokenInvalid)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(token, &TokenClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return codec.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%s.expired: %w", codeTokenCodecVerify, ErrTokenInvalid)
		}
		return nil, fmt.Errorf("%s: %w", codeTokenCodecVerify, ErrTokenInvalid)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("%s: %w", codeTokenCodecVerify, ErrTokenInvalid)
	}
	claims, ok := parsedToken.Claims.(*TokenClaims)
	if !ok || claims.UserID == "" {
		return nil, fmt.Errorf("%s: %w", codeTokenCodecVerify, ErrTokenInvalid)
	}
	return claims, nil
}
