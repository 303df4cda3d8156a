package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/courier-chat/courier-server/internal/api"
	"github.com/courier-chat/courier-server/internal/config"
	"github.com/courier-chat/courier-server/internal/gateway"
	"github.com/courier-chat/courier-server/internal/httputil"
	"github.com/courier-chat/courier-server/internal/message"
	"github.com/courier-chat/courier-server/internal/metrics"
	"github.com/courier-chat/courier-server/internal/passport"
	"github.com/courier-chat/courier-server/internal/postgres"
	"github.com/courier-chat/courier-server/internal/presence"
	"github.com/courier-chat/courier-server/internal/redisconn"
	"github.com/courier-chat/courier-server/internal/registry"
	"github.com/courier-chat/courier-server/internal/user"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Courier Server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence backend
	var (
		messageRepo message.Repository
		userRepo    user.Repository
		db          *pgxpool.Pool
	)
	switch cfg.PersistBackend {
	case config.PersistPostgreSQL:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		log.Info().Msg("PostgreSQL connected")

		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		log.Info().Msg("Database migrations complete")

		messageRepo = message.NewPGRepository(pool, log.Logger)
		userRepo = user.NewPGRepository(pool, log.Logger)
		db = pool
	default:
		messageRepo = message.NewMemoryRepository()
		userRepo = user.NewMemoryRepository()
		log.Info().Msg("In-memory persistence active")
	}

	// Redis
	rdb, err := redisconn.Connect(ctx, cfg.RedisURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Redis connected")

	m := metrics.New(prometheus.DefaultRegisterer)

	reg := registry.New(userRepo, registry.Config{
		MaxTotalConnections:     cfg.MaxTotalConnections,
		InactivityThreshold:     cfg.InactivityThreshold,
		InactivityCheckInterval: cfg.InactivityCheckInterval,
		CacheReloadThreshold:    1,
	}, m, log.Logger)

	typingStore := presence.NewStore(rdb)

	svc := message.NewService(messageRepo, reg, typingStore, message.ServiceConfig{
		AckTimeout:            cfg.MessageAckTimeout,
		DefaultRequestTimeout: cfg.DefaultRequestTimeout,
		PublicMessageMaxAge:   cfg.PublicMessageMaxAge(),
		PendingLookback:       cfg.PendingLookback(),
	}, m, log.Logger)

	hub := gateway.NewHub(cfg, reg, rdb, m, log.Logger)
	reg.BindBroadcaster(hub)
	svc.BindEmitter(hub)

	gate, err := buildGate(cfg)
	if err != nil {
		return err
	}
	gateway.NewHandlers(reg, svc, gate, log.Logger).Register(hub.Dispatcher())

	// Broadcast subscriber with reconnection.
	go func() {
		for {
			if err := hub.Run(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).Msg("Broadcast subscriber stopped, restarting in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			return
		}
	}()

	// Inactivity sweep.
	go func() {
		if err := reg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Inactivity sweep stopped")
		}
	}()

	// Janitor: expired public messages and stale persisted sessions.
	go runJanitor(ctx, cfg, svc, userRepo)

	app := fiber.New(fiber.Config{
		AppName:               "Courier",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			msg := "An internal error occurred"
			code := httputil.CodeInternal
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
				msg = fe.Message
				code = statusToCode(fe.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, code, msg)
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSAllowOrigins(),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: true,
	}))

	health := api.NewHealthHandler(db, rdb, m)
	app.Get("/health", health.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/ws", api.NewGatewayHandler(hub).Upgrade)

	// Graceful shutdown. A shutdown that exhausts the grace period is a
	// failure and must surface as a non-zero exit.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var shutdownErr error
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-quit
		log.Info().Msg("Shutting down server")
		cancel()
		hub.Shutdown()
		shutdownErr = app.ShutdownWithTimeout(10 * time.Second)
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	// Listen only returns cleanly after the shutdown goroutine ran.
	<-shutdownDone
	if shutdownErr != nil {
		return fmt.Errorf("forced shutdown: %w", shutdownErr)
	}
	return nil
}

// buildGate selects the authentication gate from configuration. The passport
// gate is the default; the test gate is refused in production by config
// validation.
func buildGate(cfg *config.Config) (gateway.Gate, error) {
	if cfg.SocketMiddleware == config.MiddlewareTest {
		log.Warn().Msg("Test authentication gate active, identities are not verified")
		return gateway.TestGate{}, nil
	}

	pass, err := passport.Load(cfg.PassportPath)
	if err != nil {
		return nil, fmt.Errorf("load passport: %w", err)
	}
	verifier := passport.NewVerifier(log.Logger)
	return gateway.NewPassportGate(verifier, pass), nil
}

// runJanitor deletes expired public messages and clears stale persisted
// sessions on the configured interval.
func runJanitor(ctx context.Context, cfg *config.Config, svc *message.Service, userRepo user.Repository) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := svc.Cleanup(ctx); err != nil {
				log.Warn().Err(err).Msg("Public message cleanup failed")
			} else if removed > 0 {
				log.Info().Int64("removed", removed).Msg("Expired public messages removed")
			}

			if cleared, err := userRepo.CleanupInactiveSessions(ctx, cfg.InactivityThreshold); err != nil {
				log.Warn().Err(err).Msg("Stale session cleanup failed")
			} else if cleared > 0 {
				log.Info().Int64("cleared", cleared).Msg("Stale persisted sessions cleared")
			}
		}
	}
}

func statusToCode(status int) httputil.Code {
	switch {
	case status == fiber.StatusUnauthorized:
		return httputil.CodeUnauthorized
	case status == fiber.StatusNotFound:
		return httputil.CodeNotFound
	case status >= 400 && status < 500:
		return httputil.CodeBadRequest
	default:
		return httputil.CodeInternal
	}
}
