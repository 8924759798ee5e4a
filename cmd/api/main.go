package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"eventcredits/internal/attendance"
	"eventcredits/internal/auth"
	"eventcredits/internal/cloudinary"
	"eventcredits/internal/config"
	"eventcredits/internal/event"
	"eventcredits/internal/handler"
	"eventcredits/internal/httpmiddleware"
	"eventcredits/internal/leaderboard"
	"eventcredits/internal/logging"
	"eventcredits/internal/queue"
	"eventcredits/internal/registration"
	"eventcredits/internal/store"
	"eventcredits/internal/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api server failed")
	}
}

func run(cfg config.App, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AutoMigrate {
		results, err := store.Migrate(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		logger.Info().Int("applied", len(results)).Msg("migrations done")
	}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb := store.NewRedis(cfg.Redis())
	defer rdb.Close()

	board := leaderboard.New(rdb.Client, "")

	var q queue.Queue
	if strings.EqualFold(cfg.QueueBackend, "memory") {
		mem := queue.NewInMemory(256)
		q = mem
		// Without a shared broker the api feeds the leaderboard itself.
		messages, err := mem.Consume(ctx)
		if err != nil {
			return err
		}
		go leaderboard.NewConsumer(board, logger).Run(ctx, messages)
	} else {
		q = queue.NewRedisQueue(rdb.Client, queue.DefaultKey, logger)
	}

	tx := store.NewTxManager(pool)
	issuer := auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)

	eventRepo := event.NewRepository(pool)
	regRepo := registration.NewRepository(pool)
	events := event.NewService(eventRepo, regRepo, tx, logger)
	regs := registration.NewService(regRepo, events, tx, logger)
	att := attendance.NewService(attendance.NewRepository(pool), events, regs, tx, q, cfg.QRTokenTTL, logger)
	accounts := user.NewService(user.NewRepository(pool), issuer, att, tx,
		user.Options{ExposeOTP: !cfg.IsProduction()}, logger)

	if cfg.SeedUsers {
		n, err := accounts.SeedDefaults(ctx, user.DefaultSeeds)
		if err != nil {
			return err
		}
		logger.Info().Int("created", n).Msg("seed users checked")
	}

	deps := handler.Deps{
		Accounts:      accounts,
		Events:        events,
		Registrations: regs,
		Attendance:    att,
		Rankings:      board,
		Tokens:        issuer,
		Checks: map[string]func(context.Context) error{
			"postgres": pool.Ping,
			"redis":    rdb.Ping,
		},
		Log: logger,
	}
	if cfg.CloudinaryEnabled() {
		deps.Uploads = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logger.Info().Str("cloud", cfg.CloudinaryCloudName).Msg("cloudinary configured")
	} else {
		logger.Warn().Msg("cloudinary not configured, uploads disabled")
	}

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin)
	go limiter.RunCleanup(ctx, 5*time.Minute)

	r := gin.New()
	r.MaxMultipartMemory = 16 << 20
	r.Use(
		gin.Recovery(),
		httpmiddleware.RequestLog(logger),
		httpmiddleware.Metrics(),
		httpmiddleware.CORS(cfg.CORSOrigins),
		httpmiddleware.SecurityHeaders(),
		limiter.Middleware(),
	)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handler.New(deps).Routes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("server exited")
	return nil
}
