package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inflectionhq/inflection-auth/internal/authkit"
	"github.com/inflectionhq/inflection-auth/internal/authkitpg"
	"github.com/inflectionhq/inflection-auth/internal/web"
)

const serviceVersion = "1.0.0"

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildDynamicVerifier = func(configuration authkit.ServerConfig) (authkit.DynamicTokenVerifier, error) {
	return authkit.NewJWKSVerifier(
		configuration.DynamicJWKSURL,
		configuration.DynamicIssuer,
		configuration.DynamicAudience,
		nil,
		authkit.NewSystemClock(),
	)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "inflection-auth",
		Short:   "Auth service with Dynamic identity verification, JWT token pairs, and rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Database URL for users and refresh tokens (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().String("storage_driver", "auto", "Storage driver: auto, gorm, pgx, redis, or memory")
	rootCmd.Flags().String("redis_addr", "", "Redis address for the refresh token store (optional; overrides the database refresh store)")
	rootCmd.Flags().String("access_token_secret", "", "HS256 signing secret for access tokens")
	rootCmd.Flags().String("refresh_token_secret", "", "HS256 signing secret for refresh tokens")
	rootCmd.Flags().Duration("access_token_ttl", 24*time.Hour, "Access token TTL")
	rootCmd.Flags().Duration("refresh_token_ttl", 30*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().String("dynamic_jwks_url", "", "JWKS URL of the Dynamic environment")
	rootCmd.Flags().String("dynamic_issuer", "", "Expected issuer of Dynamic tokens (optional)")
	rootCmd.Flags().String("dynamic_audience", "", "Expected audience of Dynamic tokens (optional)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("storage_driver", rootCmd.Flags().Lookup("storage_driver"))
	_ = viper.BindPFlag("redis_addr", rootCmd.Flags().Lookup("redis_addr"))
	_ = viper.BindPFlag("access_token_secret", rootCmd.Flags().Lookup("access_token_secret"))
	_ = viper.BindPFlag("refresh_token_secret", rootCmd.Flags().Lookup("refresh_token_secret"))
	_ = viper.BindPFlag("access_token_ttl", rootCmd.Flags().Lookup("access_token_ttl"))
	_ = viper.BindPFlag("refresh_token_ttl", rootCmd.Flags().Lookup("refresh_token_ttl"))
	_ = viper.BindPFlag("dynamic_jwks_url", rootCmd.Flags().Lookup("dynamic_jwks_url"))
	_ = viper.BindPFlag("dynamic_issuer", rootCmd.Flags().Lookup("dynamic_issuer"))
	_ = viper.BindPFlag("dynamic_audience", rootCmd.Flags().Lookup("dynamic_audience"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingAccessSecret     = "config.missing_access_token_secret"
	configCodeMissingRefreshSecret    = "config.missing_refresh_token_secret"
	configCodeIdenticalTokenSecrets   = "config.identical_token_secrets"
	configCodeInvalidAccessTTL        = "config.invalid_access_token_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_token_ttl"
	configCodeMissingDynamicJWKSURL   = "config.missing_dynamic_jwks_url"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeUnknownStorageDriver    = "config.unknown_storage_driver"
	configCodeMissingRedisAddr        = "config.missing_redis_addr"
	configCodeDynamicVerifierInit     = "config.dynamic_verifier_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the auth configuration. Missing
// secrets or the JWKS URL fail fast at startup.
func LoadServerConfig() (authkit.ServerConfig, error) {
	accessTokenSecret := viper.GetString("access_token_secret")
	if accessTokenSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAccessSecret, "access_token_secret must be provided")
	}

	refreshTokenSecret := viper.GetString("refresh_token_secret")
	if refreshTokenSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRefreshSecret, "refresh_token_secret must be provided")
	}
	if refreshTokenSecret == accessTokenSecret {
		return authkit.ServerConfig{}, configError(configCodeIdenticalTokenSecrets, "access and refresh token secrets must differ")
	}

	accessTokenTTL := viper.GetDuration("access_token_ttl")
	if accessTokenTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_token_ttl must be greater than zero")
	}

	refreshTokenTTL := viper.GetDuration("refresh_token_ttl")
	if refreshTokenTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_token_ttl must be greater than zero")
	}

	dynamicJWKSURL := viper.GetString("dynamic_jwks_url")
	if dynamicJWKSURL == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingDynamicJWKSURL, "dynamic_jwks_url must be provided")
	}

	return authkit.ServerConfig{
		AccessTokenSecret:  []byte(accessTokenSecret),
		RefreshTokenSecret: []byte(refreshTokenSecret),
		AccessTokenTTL:     accessTokenTTL,
		RefreshTokenTTL:    refreshTokenTTL,
		DynamicJWKSURL:     dynamicJWKSURL,
		DynamicIssuer:      viper.GetString("dynamic_issuer"),
		DynamicAudience:    viper.GetString("dynamic_audience"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	storageDriver := viper.GetString("storage_driver")
	redisAddr := viper.GetString("redis_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	codec, codecErr := authkit.NewTokenCodec(
		serverConfig.AccessTokenSecret,
		serverConfig.RefreshTokenSecret,
		serverConfig.AccessTokenTTL,
		serverConfig.RefreshTokenTTL,
		authkit.NewSystemClock(),
	)
	if codecErr != nil {
		return codecErr
	}

	users, refreshTokens, storesErr := buildStores(command.Context(), logger, storageDriver, databaseURL, redisAddr, serverConfig.RefreshTokenTTL)
	if storesErr != nil {
		return storesErr
	}

	verifier, verifierErr := buildDynamicVerifier(serverConfig)
	if verifierErr != nil {
		return fmt.Errorf("%s: %w", configCodeDynamicVerifierInit, verifierErr)
	}

	metricsRecorder := authkit.NewCounterMetrics()
	service, serviceErr := authkit.NewAuthService(users, refreshTokens, codec, logger, metricsRecorder)
	if serviceErr != nil {
		return serviceErr
	}

	router.GET("/", web.HandleVersion(serviceVersion))

	api := router.Group("/api/v1")
	authkit.MountAuthRoutes(api, service, verifier, logger)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildStores(ctx context.Context, logger *zap.Logger, storageDriver string, databaseURL string, redisAddr string, refreshTokenTTL time.Duration) (authkit.UserStore, authkit.RefreshTokenStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resolved := storageDriver
	if resolved == "" || resolved == "auto" {
		if databaseURL != "" {
			resolved = "gorm"
		} else {
			resolved = "memory"
		}
	}

	var users authkit.UserStore
	var refreshTokens authkit.RefreshTokenStore

	switch resolved {
	case "gorm":
		store, storeErr := authkit.NewDatabaseStore(ctx, databaseURL)
		if storeErr != nil {
			return nil, nil, storeErr
		}
		users, refreshTokens = store, store
		logger.Info("using database store", zap.String("driver", store.Driver()))
	case "pgx":
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, nil, schemaErr
		}
		store := authkitpg.NewPostgresStore(pool)
		users, refreshTokens = store, store
		logger.Info("using pgx store")
	case "redis":
		if redisAddr == "" {
			return nil, nil, configError(configCodeMissingRedisAddr, "redis_addr must be provided when storage_driver is redis")
		}
		if databaseURL != "" {
			store, storeErr := authkit.NewDatabaseStore(ctx, databaseURL)
			if storeErr != nil {
				return nil, nil, storeErr
			}
			users = store
			logger.Info("using database user store", zap.String("driver", store.Driver()))
		} else {
			users = authkit.NewMemoryUserStore()
			logger.Info("using in-memory user store")
		}
		redisStore, redisErr := buildRedisRefreshStore(redisAddr, refreshTokenTTL)
		if redisErr != nil {
			return nil, nil, redisErr
		}
		refreshTokens = redisStore
		logger.Info("using redis refresh token store", zap.String("addr", redisAddr))
	case "memory":
		users = authkit.NewMemoryUserStore()
		refreshTokens = authkit.NewMemoryRefreshTokenStore()
		logger.Info("using in-memory stores")
	default:
		return nil, nil, configError(configCodeUnknownStorageDriver, fmt.Sprintf("unknown storage_driver %q", storageDriver))
	}

	// With any other driver, a redis_addr moves just the refresh tokens to Redis.
	if redisAddr != "" && resolved != "redis" {
		redisStore, redisErr := buildRedisRefreshStore(redisAddr, refreshTokenTTL)
		if redisErr != nil {
			return nil, nil, redisErr
		}
		refreshTokens = redisStore
		logger.Info("using redis refresh token store", zap.String("addr", redisAddr))
	}

	return users, refreshTokens, nil
}

func buildRedisRefreshStore(redisAddr string, refreshTokenTTL time.Duration) (*authkit.RedisRefreshTokenStore, error) {
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	return authkit.NewRedisRefreshTokenStore(redisClient, refreshTokenTTL)
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
