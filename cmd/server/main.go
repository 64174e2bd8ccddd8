// @title                       Session Auth API
// @version                     1.0
// @description                 Register and login users, issue JWT access tokens and rotating refresh tokens, and manage active sessions.
// @BasePath                    /
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
// @description                 Type "Bearer" followed by a space and the access token.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/session-auth/internal/api"
	"github.com/99minutos/session-auth/internal/api/handler"
	"github.com/99minutos/session-auth/internal/core/ports"
	"github.com/99minutos/session-auth/internal/core/service"
	"github.com/99minutos/session-auth/internal/infrastructure/config"
	"github.com/99minutos/session-auth/internal/infrastructure/db/memory"
	mongostore "github.com/99minutos/session-auth/internal/infrastructure/db/mongo"
	"github.com/99minutos/session-auth/internal/infrastructure/db/postgres"
	redisstore "github.com/99minutos/session-auth/internal/infrastructure/db/redis"
	"github.com/99minutos/session-auth/internal/infrastructure/queue"
	"github.com/99minutos/session-auth/internal/infrastructure/scheduler"
	"github.com/99minutos/session-auth/pkg/logger"
)

const (
	serviceName     = "session-auth"
	shutdownTimeout = 15 * time.Second
)

// stores bundles the repositories selected by STORE_DRIVER.
type stores struct {
	users    ports.UserRepository
	sessions ports.SessionRepository
	audit    ports.AuditRepository
	checks   map[string]handler.DependencyCheck
	close    func(ctx context.Context)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		bootLog := logger.Init(logger.Options{Service: serviceName})
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  !cfg.IsProduction(),
		Service: serviceName,
	})

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}
	defer st.close(context.Background())

	opts := []service.Option{}

	// The login limiter fails open: without Redis, logins are not throttled.
	rdb, err := redisstore.Connect(ctx, redisstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, login throttling disabled")
	} else {
		defer rdb.Close()
		opts = append(opts, service.WithLoginLimiter(redisstore.NewLoginLimiter(rdb, redisstore.LimiterConfig{
			MaxAttempts: cfg.Login.MaxAttempts,
			Lockout:     cfg.Login.Lockout,
		})))
		st.checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	dispatcher := queue.NewDispatcher(cfg.AuditWorkers, st.audit, logger.Component("audit"))
	dispatcher.Start(workerCtx)
	opts = append(opts, service.WithAuditSink(dispatcher))

	authService := service.NewAuthService(st.users, st.sessions, cfg.ServiceConfig(), log, opts...)
	adminService := service.NewAdminService(st.users, st.sessions, dispatcher, log)

	cleanup := scheduler.NewCleanupJob(authService, cfg.Session.CleanupInterval, logger.Component("cleanup"))
	go cleanup.Run(workerCtx)

	// Already checked by config.Load.
	proxies, _ := cfg.TrustedProxyNets()
	e := api.NewRouter(api.Deps{
		AuthService:    authService,
		AdminService:   adminService,
		Checks:         st.checks,
		Log:            logger.Component("http"),
		TrustedProxies: proxies,
	})

	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("server starting")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	cancelWorkers()
	dispatcher.Wait()
	log.Info().Msg("server stopped")
}

func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{URL: cfg.Store.PostgresURL})
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return &stores{
			users:    postgres.NewUserRepository(pool),
			sessions: postgres.NewSessionRepository(pool),
			audit:    postgres.NewAuditRepository(pool),
			checks: map[string]handler.DependencyCheck{
				"postgres": pool.Ping,
			},
			close: func(context.Context) { pool.Close() },
		}, nil

	case config.DriverMongo:
		client, db, err := mongostore.Connect(ctx, mongostore.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, err
		}
		if err := mongostore.EnsureIndexes(ctx, db); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		return &stores{
			users:    mongostore.NewUserRepository(db),
			sessions: mongostore.NewSessionRepository(client, db),
			audit:    mongostore.NewAuditRepository(db),
			checks: map[string]handler.DependencyCheck{
				"mongo": func(ctx context.Context) error { return client.Ping(ctx, nil) },
			},
			close: func(ctx context.Context) { _ = client.Disconnect(ctx) },
		}, nil

	default:
		log.Warn().Msg("using in-memory store, data is lost on restart")
		m := memory.New()
		return &stores{
			users:    m.Users(),
			sessions: m.Sessions(),
			audit:    m,
			checks:   map[string]handler.DependencyCheck{},
			close:    func(context.Context) {},
		}, nil
	}
}
