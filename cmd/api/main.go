package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/fulfillment/internal/di"
	"github.com/hanko-field/fulfillment/internal/handlers"
	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/platform/config"
	"github.com/hanko-field/fulfillment/internal/platform/events"
	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/platform/idempotency"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
	"github.com/hanko-field/fulfillment/internal/platform/secrets"
	"github.com/hanko-field/fulfillment/internal/repositories"
	firestoreRepo "github.com/hanko-field/fulfillment/internal/repositories/firestore"
	"github.com/hanko-field/fulfillment/internal/repositories/memory"
	"github.com/hanko-field/fulfillment/internal/repositories/postgres"
	"github.com/hanko-field/fulfillment/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_ENVIRONMENT"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err == nil {
		// Required secrets depend on the selected drivers, so check them after the first pass.
		cfg, err = config.Load(ctx,
			config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
			config.WithRequiredSecrets(cfg.RequiredSecrets()...),
		)
	}
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	store, err := openStore(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()

	verifier, err := newTokenVerifier(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise token verifier", zap.String("mode", cfg.Auth.Mode), zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier)

	var (
		orderEvents services.OrderEventPublisher
		stockEvents services.StockEventPublisher
	)
	if project := strings.TrimSpace(cfg.PubSub.ProjectID); project != "" {
		pubsubClient, err := pubsub.NewClient(ctx, project)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err := events.NewPubSubPublisher(pubsubClient.Topic(cfg.PubSub.OrderEventsTopic))
		if err != nil {
			logger.Fatal("failed to initialise event publisher", zap.Error(err))
		}
		defer publisher.Stop()
		orderEvents = publisher
		stockEvents = publisher
	} else {
		logger.Info("pubsub project not configured; domain events disabled")
	}

	checks := []repositories.DependencyCheck{{
		Name:     "store",
		Timeout:  1500 * time.Millisecond,
		Critical: true,
		Check:    store.Ping,
	}}

	var idempotencyStore idempotency.Store
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		redisStore, err := idempotency.NewRedisStore(client)
		if err != nil {
			logger.Fatal("failed to initialise redis idempotency store", zap.Error(err))
		}
		idempotencyStore = redisStore
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check:   redisStore.Ping,
		})
	default:
		idempotencyStore = idempotency.NewMemoryStore()
	}

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
		idempotency.WithOptionalKey(),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			runIdempotencyCleanup(cleanupCtx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
		}()
	}

	container, err := di.NewContainer(ctx, cfg, store,
		di.WithLogger(logger),
		di.WithEvents(di.Events{Orders: orderEvents, Stock: stockEvents}),
	)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	svc := container.Services

	healthRepo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}

	cartHandlers := handlers.NewCartHandlers(authenticator, svc.Cart)
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, handlers.WithOrderIdempotency(idempotencyMiddleware))
	adminOrderHandlers := handlers.NewAdminOrderHandlers(authenticator, svc.Orders)
	adminProductHandlers := handlers.NewAdminProductHandlers(authenticator, svc.Products)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthRepository(healthRepo),
	)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdditionalRoutes(orderHandlers.CheckoutRoutes),
		handlers.WithAdminRoutes(adminOrderHandlers.Routes),
		handlers.WithAdminRoutes(adminProductHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("fulfillment api listening",
			zap.String("store", cfg.Store.Driver),
			zap.String("auth", cfg.Auth.Mode),
			zap.String("idempotency", cfg.Idempotency.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, logger *zap.Logger, cfg config.Config) (repositories.Registry, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		store, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			MaxConns: int32(cfg.Postgres.MaxConns),
		})
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.Migrate {
			if err := store.Migrate(); err != nil {
				_ = store.Close(ctx)
				return nil, err
			}
			logger.Info("postgres migrations applied")
		}
		return store, nil
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.NewStore(), nil
	default:
		var opts []pfirestore.ProviderOption
		if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
			opts = append(opts, pfirestore.WithClientOptions(option.WithCredentialsFile(file)))
		}
		return firestoreRepo.NewStore(pfirestore.NewProvider(cfg.Firestore, opts...))
	}
}

func newTokenVerifier(ctx context.Context, cfg config.Config) (auth.TokenVerifier, error) {
	jwtOpts := []auth.JWTOption{
		auth.WithJWTIssuer(cfg.Auth.JWTIssuer),
		auth.WithJWTAudience(cfg.Auth.JWTAudience),
	}
	switch cfg.Auth.Mode {
	case config.AuthModeJWT:
		return auth.NewHS256Verifier([]byte(cfg.Auth.JWTSecret), jwtOpts...)
	case config.AuthModeJWKS:
		return auth.NewJWKSVerifier(auth.NewJWKSCache(cfg.Auth.JWKSURL), jwtOpts...)
	default:
		var opts []auth.FirebaseOption
		if cfg.Auth.CheckRevoked {
			opts = append(opts, auth.WithRevocationCheck())
		}
		return auth.NewFirebaseVerifier(ctx, cfg.Firebase, opts...)
	}
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.Sweep(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency sweep removed entries", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if file := lookup("API_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
