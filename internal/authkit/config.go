package authkit

import "time"

// ServerConfig configures token secrets, TTLs, and the Dynamic verifier.
type ServerConfig struct {
	AccessTokenSecret  []byte
	RefreshTokenSecret []byte
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	DynamicJWKSURL     string
	DynamicIssuer      string
	DynamicAudience    string
}
