package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"eventcredits/internal/config"
	"eventcredits/internal/leaderboard"
	"eventcredits/internal/logging"
	"eventcredits/internal/queue"
	"eventcredits/internal/store"
	"eventcredits/internal/user"
)

// Worker consumes attendance notifications and keeps the leaderboard current.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With().Str("process", "worker").Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}
}

func run(cfg config.App, logger zerolog.Logger) error {
	if strings.EqualFold(cfg.QueueBackend, "memory") {
		return errors.New("QUEUE_BACKEND=memory: the api process consumes in-memory messages, run the worker with redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb := store.NewRedis(cfg.Redis())
	defer rdb.Close()
	if err := rdb.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("redis not reachable yet, consumer will retry")
	}

	board := leaderboard.New(rdb.Client, "")
	if err := rebuild(ctx, board, user.NewRepository(pool)); err != nil {
		// The queue still converges the board, so a failed rebuild is not fatal.
		logger.Error().Err(err).Msg("leaderboard rebuild failed")
	} else {
		logger.Info().Msg("leaderboard rebuilt from stored totals")
	}

	q := queue.NewRedisQueue(rdb.Client, queue.DefaultKey, logger)
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}

	// Metrics only; the worker has no other HTTP surface.
	metricsSrv := &http.Server{Addr: cfg.WorkerMetrics, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	logger.Info().Str("queue", queue.DefaultKey).Msg("worker started")
	leaderboard.NewConsumer(board, logger).Run(ctx, messages)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info().Msg("worker stopped")
	return nil
}

func rebuild(ctx context.Context, board *leaderboard.Board, users *user.Repository) error {
	totals, err := users.CreditTotals(ctx)
	if err != nil {
		return err
	}
	snaps := make([]leaderboard.Snapshot, len(totals))
	for i, t := range totals {
		snaps[i] = leaderboard.Snapshot{StudentID: t.ID, Name: t.Name, TotalCredits: t.TotalCredits}
	}
	return board.Rebuild(ctx, snaps)
}
