package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/lumacart/identity/internal/adapter/cache"
	"github.com/lumacart/identity/internal/account"
	"github.com/lumacart/identity/internal/bootstrap"
	"github.com/lumacart/identity/internal/claims"
	"github.com/lumacart/identity/internal/clients"
	"github.com/lumacart/identity/internal/config"
	"github.com/lumacart/identity/internal/gatekeeper"
	httptransport "github.com/lumacart/identity/internal/http"
	"github.com/lumacart/identity/internal/http/handler"
	"github.com/lumacart/identity/internal/issuer"
	"github.com/lumacart/identity/internal/middleware"
	"github.com/lumacart/identity/internal/repository"
	"github.com/lumacart/identity/internal/server"
	"github.com/lumacart/identity/internal/telemetry"
	"github.com/lumacart/identity/internal/token"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newAccountRepository,
			newCodeRepository,
			newTokenRepository,
			newKeyRepository,
			newRedisClient,
			newSessionStore,
			newClientRegistry,
			newRateLimiter,
			newKeyManager,
			newTokenGenerator,
			newAccountService,
			claims.NewMapper,
			newIssuerService,
			newGatekeeper,
			handler.NewAuthHandler,
			handler.NewAccountHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, loadSigningKeys, bootstrap.EnsureAdmin, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newAccountRepository(pool *pgxpool.Pool) repository.AccountRepository {
	return repository.NewPostgresAccountRepo(pool)
}

func newCodeRepository(pool *pgxpool.Pool) repository.CodeRepository {
	return repository.NewPostgresCodeRepo(pool)
}

func newTokenRepository(pool *pgxpool.Pool) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool)
}

func newKeyRepository(pool *pgxpool.Pool) repository.KeyRepository {
	return repository.NewPostgresKeyRepo(pool)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client, nil
}

func newSessionStore(client redis.UniversalClient) repository.SessionStore {
	return cacheadapter.NewRedisSessionStore(client)
}

func newClientRegistry(cfg config.Config) (*clients.Registry, error) {
	return clients.LoadRegistry(cfg.ClientCatalogPath, clients.Options{
		DevClientID: cfg.DevClientID,
		Production:  cfg.Production(),
	})
}

func newRateLimiter(cfg config.Config) *middleware.RateLimiter {
	return middleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newKeyManager(repo repository.KeyRepository, node *snowflake.Node) *token.KeyManager {
	return token.NewKeyManager(repo, node)
}

func newTokenGenerator(cfg config.Config, keys *token.KeyManager) *token.Generator {
	return token.NewGenerator(keys, cfg.Issuer, cfg.TokenAudience, cfg.AccessTokenTTL)
}

func newAccountService(accounts repository.AccountRepository, tokens repository.TokenRepository, node *snowflake.Node, cfg config.Config, logger *zap.Logger) *account.Service {
	return account.NewService(accounts, tokens, node, cfg.LockoutThreshold, logger)
}

func newIssuerService(
	registry *clients.Registry,
	accounts *account.Service,
	mapper *claims.Mapper,
	codes repository.CodeRepository,
	tokens repository.TokenRepository,
	sessions repository.SessionStore,
	generator *token.Generator,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *issuer.Service {
	return issuer.NewService(registry, accounts, mapper, codes, tokens, sessions, generator, node, issuer.Options{
		AuthCodeTTL:          cfg.AuthCodeTTL,
		SessionTTL:           cfg.LoginSessionTTL,
		RefreshTokenTTL:      cfg.RefreshTokenTTL,
		RefreshBytes:         cfg.RefreshTokenBytes,
		StoreTimeout:         cfg.StoreTimeout,
		PasswordGrantClients: cfg.PasswordGrantClients,
	}, logger)
}

func newGatekeeper(generator *token.Generator, mapper *claims.Mapper, logger *zap.Logger) *gatekeeper.Gatekeeper {
	return gatekeeper.New(generator, mapper, logger)
}

func useTelemetry(_ *telemetry.Provider) {}

func loadSigningKeys(lc fx.Lifecycle, keys *token.KeyManager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return keys.Load(ctx)
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger, shutdowner fx.Shutdowner) {
	serverCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				addr := ":" + cfg.HTTPPort
				logger.Info("http server starting", zap.String("addr", addr))
				if err := srv.Run(serverCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
