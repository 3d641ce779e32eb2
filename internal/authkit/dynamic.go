package authkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
)

// DynamicIdentity is the verified result of a Dynamic access token exchange.
// The subject id is the only field the auth flow depends on; email and wallet
// address are carried when the provider includes them.
type DynamicIdentity struct {
	SubjectID     string
	Email         string
	WalletAddress string
}

// DynamicTokenVerifier verifies the x-dynamic-access-token header value and
// yields the external subject id. The provider is treated as a trusted
// collaborator; any verification failure is an authentication failure.
type DynamicTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (DynamicIdentity, error)
}

const (
	codeDynamicVerifierNew = "dynamic.verifier.new"
	codeDynamicVerify      = "dynamic.verify"
	codeDynamicJWKSFetch   = "dynamic.jwks.fetch"

	jwksCacheTTL = 15 * time.Minute
)

// JWKSVerifier verifies RS256 Dynamic tokens against the environment's
// published JSON Web Key Set. The key set is cached and re-fetched when a
// token references an unknown key id.
type JWKSVerifier struct {
	jwksURL    string
	issuer     string
	audience   string
	httpClient *http.Client
	clock      Clock

	mutex     sync.Mutex
	keySet    *jose.JSONWebKeySet
	fetchedAt time.Time
}

type dynamicCustomClaims struct {
	Email               string                      `json:"email"`
	VerifiedCredentials []dynamicVerifiedCredential `json:"verified_credentials"`
}

type dynamicVerifiedCredential struct {
	Address string `json:"address"`
}

func (claims dynamicCustomClaims) walletAddress() string {
	for _, credential := range claims.VerifiedCredentials {
		if credential.Address != "" {
			return credential.Address
		}
	}
	return ""
}

// NewJWKSVerifier constructs a verifier for the configured Dynamic environment.
func NewJWKSVerifier(jwksURL string, issuer string, audience string, httpClient *http.Client, clock Clock) (*JWKSVerifier, error) {
	if strings.TrimSpace(jwksURL) == "" {
		return nil, fmt.Errorf("%s: jwks url must be non-empty", codeDynamicVerifierNew)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &JWKSVerifier{
		jwksURL:    jwksURL,
		issuer:     issuer,
		audience:   audience,
		httpClient: httpClient,
		clock:      clock,
	}, nil
}

// Verify parses, verifies, and validates the raw Dynamic token.
func (verifier *JWKSVerifier) Verify(ctx context.Context, rawToken string) (DynamicIdentity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return DynamicIdentity{}, fmt.Errorf("%s: %w", codeDynamicVerify, ErrDynamicTokenInvalid)
	}
	parsedToken, parseErr := josejwt.ParseSigned(rawToken, []jose.SignatureAlgorithm{jose.RS256})
	if parseErr != nil || len(parsedToken.Headers) == 0 {
		return DynamicIdentity{}, fmt.Errorf("%s: %w", codeDynamicVerify, ErrDynamicTokenInvalid)
	}

	signingKey, keyErr := verifier.signingKey(ctx, parsedToken.Headers[0].KeyID)
	if keyErr != nil {
		return DynamicIdentity{}, keyErr
	}

	var standardClaims josejwt.Claims
	var customClaims dynamicCustomClaims
	if claimsErr := parsedToken.Claims(signingKey, &standardClaims, &customClaims); claimsErr != nil {
		return DynamicIdentity{}, fmt.Errorf("%s: %w", codeDynamicVerify, ErrDynamicTokenInvalid)
	}

	expected := josejwt.Expected{Time: verifier.clock.Now()}
	if verifier.issuer != "" {
		expected.Issuer = verifier.issuer
	}
	if verifier.audience != "" {
		expected.AnyAudience = josejwt.Audience{verifier.audience}
	}
	if validateErr := standardClaims.Validate(expected); validateErr != nil {
		return DynamicIdentity{}, fmt.Errorf("%s: %w", codeDynamicVerify, ErrDynamicTokenInvalid)
	}
	if standardClaims.Subject == "" {
		return DynamicIdentity{}, fmt.Errorf("%s.missing_subject: %w", codeDynamicVerify, ErrDynamicTokenInvalid)
	}

	return DynamicIdentity{
		SubjectID:     standardClaims.Subject,
		Email:         customClaims.Email,
		WalletAddress: customClaims.walletAddress(),
	}, nil
}

func (verifier *JWKSVerifier) signingKey(ctx context.Context, keyID string) (jose.JSONWebKey, error) {
	verifier.mutex.Lock()
	defer verifier.mutex.Unlock()

	if verifier.keySet != nil && verifier.clock.Now().Before(verifier.fetchedAt.Add(jwksCacheTTL)) {
		if key, found := keyFromSet(verifier.keySet, keyID); found {
			return key, nil
		}
	}

	fetched, fetchErr := verifier.fetchKeySetLocked(ctx)
	if fetchErr != nil {
		return jose.JSONWebKey{}, fetchErr
	}
	if key, found := keyFromSet(fetched, keyID); found {
		return key, nil
	}
	return jose.JSONWebKey{}, fmt.Errorf("%s.unknown_key: %w", codeDynamicVerify, ErrDynamicTokenInvalid)
}

func (verifier *JWKSVerifier) fetchKeySetLocked(ctx context.Context) (*jose.JSONWebKeySet, error) {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, verifier.jwksURL, nil)
	if requestErr != nil {
		return nil, fmt.Errorf("%s: %w", codeDynamicJWKSFetch, requestErr)
	}
	response, doErr := verifier.httpClient.Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("%s: %w", codeDynamicJWKSFetch, doErr)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", codeDynamicJWKSFetch, response.StatusCode)
	}
	var keySet jose.JSONWebKeySet
	if decodeErr := json.NewDecoder(response.Body).Decode(&keySet); decodeErr != nil {
		return nil, fmt.Errorf("%s: %w", codeDynamicJWKSFetch, decodeErr)
	}
	if len(keySet.Keys) == 0 {
		return nil, fmt.Errorf("%s: key set is empty", codeDynamicJWKSFetch)
	}
	verifier.keySet = &keySet
	verifier.fetchedAt = verifier.clock.Now()
	return &keySet, nil
}

func keyFromSet(keySet *jose.JSONWebKeySet, keyID string) (jose.JSONWebKey, bool) {
	if keyID == "" && len(keySet.Keys) == 1 {
		return keySet.Keys[0], true
	}
	matches := keySet.Key(keyID)
	if len(matches) == 0 {
		return jose.JSONWebKey{}, false
	}
	return matches[0], true
}
