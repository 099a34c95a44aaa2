package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/delyftdev/yakdum-insight-flow/internal/adapter/cache"
	"github.com/delyftdev/yakdum-insight-flow/internal/adapter/quickbooks"
	"github.com/delyftdev/yakdum-insight-flow/internal/bootstrap"
	"github.com/delyftdev/yakdum-insight-flow/internal/config"
	httptransport "github.com/delyftdev/yakdum-insight-flow/internal/http"
	"github.com/delyftdev/yakdum-insight-flow/internal/http/handler"
	apimiddleware "github.com/delyftdev/yakdum-insight-flow/internal/middleware"
	"github.com/delyftdev/yakdum-insight-flow/internal/repository"
	"github.com/delyftdev/yakdum-insight-flow/internal/server"
	"github.com/delyftdev/yakdum-insight-flow/internal/service/connect"
	"github.com/delyftdev/yakdum-insight-flow/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newIntentStore,
			newCredentialRepository,
			newQuickBooksClient,
			newRateLimiter,
			connect.NewService,
			handler.NewConnectHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, ensureSchema, startHTTPServer),
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
	node, err := snowflake.NewNode(1)
	return node, err
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

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newIntentStore(client redis.UniversalClient) repository.IntentStore {
	return cacheadapter.NewRedisIntentStore(client)
}

func newCredentialRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.CredentialRepository {
	return repository.NewPostgresCredentialRepo(pool, node)
}

func newQuickBooksClient(cfg config.Config) quickbooks.Client {
	return quickbooks.NewHTTPClient(quickbooks.Config{
		ClientID:     cfg.QBOClientID,
		ClientSecret: cfg.QBOClientSecret,
		TokenURL:     cfg.QBOTokenURL,
		APIBaseURL:   cfg.QBOAPIBaseURL,
	}, &http.Client{Timeout: cfg.ProviderTimeout})
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func ensureSchema(pool *pgxpool.Pool, logger *zap.Logger) error {
	return bootstrap.EnsureSchema(pool, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
