package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inflectionhq/inflection-auth/internal/authkit"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigRequiresAccessSecret(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error when access_token_secret is missing")
	}
	expectedMessage := "config.missing_access_token_secret: access_token_secret must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigRequiresRefreshSecret(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("access_token_secret", "access-secret")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error when refresh_token_secret is missing")
	}
	expectedMessage := "config.missing_refresh_token_secret: refresh_token_secret must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigRejectsIdenticalSecrets(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("access_token_secret", "shared-secret")
	viper.Set("refresh_token_secret", "shared-secret")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error when secrets match")
	}
	expectedMessage := "config.identical_token_secrets: access and refresh token secrets must differ"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigRequiresPositiveTTLs(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("access_token_secret", "access-secret")
	viper.Set("refresh_token_secret", "refresh-secret")
	viper.Set("access_token_ttl", 0)
	viper.Set("refresh_token_ttl", time.Hour)

	_, accessErr := LoadServerConfig()
	if accessErr == nil || accessErr.Error() != "config.invalid_access_token_ttl: access_token_ttl must be greater than zero" {
		t.Fatalf("unexpected access ttl error: %v", accessErr)
	}

	viper.Set("access_token_ttl", time.Hour)
	viper.Set("refresh_token_ttl", 0)
	_, refreshErr := LoadServerConfig()
	if refreshErr == nil || refreshErr.Error() != "config.invalid_refresh_token_ttl: refresh_token_ttl must be greater than zero" {
		t.Fatalf("unexpected refresh ttl error: %v", refreshErr)
	}
}

func TestLoadServerConfigRequiresJWKSURL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("access_token_secret", "access-secret")
	viper.Set("refresh_token_secret", "refresh-secret")
	viper.Set("access_token_ttl", time.Hour)
	viper.Set("refresh_token_ttl", time.Hour)

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error when dynamic_jwks_url is missing")
	}
	expectedMessage := "config.missing_dynamic_jwks_url: dynamic_jwks_url must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func setBaseServerConfig() {
	viper.Set("listen_addr", ":0")
	viper.Set("access_token_secret", "access-secret")
	viper.Set("refresh_token_secret", "refresh-secret")
	viper.Set("access_token_ttl", time.Minute)
	viper.Set("refresh_token_ttl", time.Hour)
	viper.Set("dynamic_jwks_url", "https://app.dynamic.example/keys")
}

func TestRunServerVerifierInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreVerifier := withDynamicVerifierBuilderStub(func(configuration authkit.ServerConfig) (authkit.DynamicTokenVerifier, error) {
		return nil, errors.New("verifier_fail")
	})
	defer restoreVerifier()

	setBaseServerConfig()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err == nil || err.Error() != "config.dynamic_verifier_init: verifier_fail" {
		t.Fatalf("expected dynamic verifier init error, got %v", err)
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreVerifier := withDynamicVerifierBuilderStub(func(configuration authkit.ServerConfig) (authkit.DynamicTokenVerifier, error) {
		return stubDynamicVerifier{}, nil
	})
	defer restoreVerifier()

	setBaseServerConfig()
	viper.Set("database_url", "sqlite:file:main_test_success?mode=memory&cache=shared")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"https://app.inflection.example"})

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerInMemoryStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreVerifier := withDynamicVerifierBuilderStub(func(configuration authkit.ServerConfig) (authkit.DynamicTokenVerifier, error) {
		return stubDynamicVerifier{}, nil
	})
	defer restoreVerifier()

	setBaseServerConfig()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory stores, got %v", err)
	}
}

func TestBuildStoresRejectsUnknownDriver(t *testing.T) {
	logger := zap.NewNop()
	_, _, err := buildStores(context.Background(), logger, "etcd", "", "", time.Hour)
	if err == nil {
		t.Fatalf("expected error for unknown storage driver")
	}
	expectedMessage := `config.unknown_storage_driver: unknown storage_driver "etcd"`
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestBuildStoresAutoSelectsMemory(t *testing.T) {
	logger := zap.NewNop()
	users, refreshTokens, err := buildStores(context.Background(), logger, "auto", "", "", time.Hour)
	if err != nil {
		t.Fatalf("expected auto driver to fall back to memory, got %v", err)
	}
	if _, ok := users.(*authkit.MemoryUserStore); !ok {
		t.Fatalf("expected in-memory user store, got %T", users)
	}
	if _, ok := refreshTokens.(*authkit.MemoryRefreshTokenStore); !ok {
		t.Fatalf("expected in-memory refresh token store, got %T", refreshTokens)
	}
}

func TestBuildStoresRedisDriver(t *testing.T) {
	logger := zap.NewNop()
	server := miniredis.RunT(t)

	users, refreshTokens, err := buildStores(context.Background(), logger, "redis", "", server.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("expected redis driver to build, got %v", err)
	}
	if _, ok := users.(*authkit.MemoryUserStore); !ok {
		t.Fatalf("expected in-memory user store without database_url, got %T", users)
	}
	if _, ok := refreshTokens.(*authkit.RedisRefreshTokenStore); !ok {
		t.Fatalf("expected redis refresh token store, got %T", refreshTokens)
	}
}

func TestBuildStoresRedisDriverRequiresAddr(t *testing.T) {
	logger := zap.NewNop()
	_, _, err := buildStores(context.Background(), logger, "redis", "", "", time.Hour)
	if err == nil {
		t.Fatalf("expected error when redis_addr is missing")
	}
	expectedMessage := "config.missing_redis_addr: redis_addr must be provided when storage_driver is redis"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestBuildStoresRedisAddrOverridesRefreshStore(t *testing.T) {
	logger := zap.NewNop()
	server := miniredis.RunT(t)

	users, refreshTokens, err := buildStores(context.Background(), logger, "auto", "", server.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("expected auto driver with redis_addr to build, got %v", err)
	}
	if _, ok := users.(*authkit.MemoryUserStore); !ok {
		t.Fatalf("expected in-memory user store, got %T", users)
	}
	if _, ok := refreshTokens.(*authkit.RedisRefreshTokenStore); !ok {
		t.Fatalf("expected redis refresh token store via redis_addr override, got %T", refreshTokens)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

type stubDynamicVerifier struct{}

func (stubDynamicVerifier) Verify(ctx context.Context, rawToken string) (authkit.DynamicIdentity, error) {
	return authkit.DynamicIdentity{SubjectID: "stub-subject"}, nil
}

func withDynamicVerifierBuilderStub(stub func(configuration authkit.ServerConfig) (authkit.DynamicTokenVerifier, error)) func() {
	previous := buildDynamicVerifier
	buildDynamicVerifier = stub
	return func() {
		buildDynamicVerifier = previous
	}
}
