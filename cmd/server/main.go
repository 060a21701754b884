package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"farmlokal-api/internal/catalog"
	"farmlokal-api/internal/config"
	"farmlokal-api/internal/handler"
	"farmlokal-api/internal/metrics"
	"farmlokal-api/internal/publisher"
	"farmlokal-api/internal/repository"
	"farmlokal-api/internal/service"
	"farmlokal-api/internal/upstream"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx := context.Background()

	// storage
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	defer store.Close()

	// source of truth
	var source catalog.Source
	if cfg.MySQLDSN != "" {
		db, err := catalog.OpenMySQL(cfg.MySQLDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open mysql")
		}
		defer func(db *sql.DB) { _ = db.Close() }(db)
		source = catalog.NewMySQLSource(db)
	} else {
		log.Warn().Msg("MYSQL_DSN not set, serving products from an empty in-memory catalog")
		source = catalog.NewMemorySource()
	}

	// event sink
	var pub publisher.Publisher = publisher.Log{}
	if cfg.SNSTopicARN != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load aws config")
		}
		pub = publisher.NewSNS(publisher.NewSNSClient(awsCfg, cfg.SNSEndpoint), cfg.SNSTopicARN)
		log.Info().Str("topic", cfg.SNSTopicARN).Msg("publishing webhook events to SNS")
	}

	// metrics
	metricsRegistry := metrics.NewRegistry()

	// services
	var issuer service.Issuer = service.OpaqueIssuer
	if cfg.CredentialSigningKey != "" {
		issuer = service.NewSignedIssuer([]byte(cfg.CredentialSigningKey), "farmlokal-api")
	}
	creds := service.NewCredentialCache(store, issuer, cfg.CredentialLifetime, cfg.CredentialMargin, metricsRegistry)

	deps := handler.Deps{
		Store:        store,
		StoreBackend: cfg.StoreBackend,
		Metrics:      metricsRegistry,
		Limiter: service.NewLimiter(store, service.Policy{
			Window:      cfg.RateLimitWindow,
			MaxRequests: cfg.RateLimitMax,
		}, metricsRegistry),
		Coordinator: service.NewCoordinator(store, cfg.IdempotencyTTL, metricsRegistry),
		Fetcher: service.NewFetcher(store, source, service.PageConfig{
			TTL:          cfg.PageCacheTTL,
			DefaultLimit: cfg.PageDefaultLimit,
			MaxLimit:     cfg.PageMaxLimit,
		}, metricsRegistry),
		Credentials: creds,
		Upstream: upstream.NewClient(upstream.Config{
			URL:     cfg.UpstreamURL,
			Timeout: cfg.UpstreamTimeout,
			Retries: cfg.UpstreamRetries,
			Backoff: cfg.UpstreamBackoff,
			RPS:     cfg.UpstreamRPS,
		}, creds, service.NewCircuitBreaker(5, 2, 30*time.Second), metricsRegistry),
		Publisher: pub,
		JWTSecret: []byte(cfg.JWTSecret),
		JWTIssuer: cfg.JWTIssuer,
	}
	if cfg.JWTSecret != "" {
		log.Info().Msg("JWT authentication enabled for admin routes")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("backend", cfg.StoreBackend).Msgf("listening %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("server exited")
}

func openStore(ctx context.Context, cfg config.Config) (repository.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		return repository.NewRedisStore(repository.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			OpTimeout: cfg.StoreTimeout,
		})
	case config.BackendDynamoDB:
		cli, err := repository.NewDynamoClient(ctx, cfg.DynamoEndpoint, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		store := repository.NewDynamoStore(cli, repository.DynamoConfig{Table: cfg.DynamoTable, OpTimeout: cfg.StoreTimeout})
		setupCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := store.EnsureTable(setupCtx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		log.Warn().Msg("using in-process store, state is not shared between replicas")
		return repository.NewMemoryStore(), nil
	}
}
