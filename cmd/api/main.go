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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"caseflow/auth"
	"caseflow/broker"
	"caseflow/broker/memorybroker"
	"caseflow/broker/redisbroker"
	"caseflow/config"
	"caseflow/db"
	"caseflow/dispute"
	"caseflow/httpapi"
	"caseflow/hub"
	"caseflow/notification"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "caseflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)

	disputeRepo := dispute.NewRepository(pool)
	roles := auth.NewRoleResolver(authRepo, disputeRepo)

	var mb broker.Broker
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer client.Close()
		mb = redisbroker.New(redisbroker.Config{Client: client})
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis room relay")
	} else {
		mb = memorybroker.New()
		logger.Info().Msg("using in-process room relay")
	}

	registry := hub.NewRegistry()
	roomHub := hub.New(ctx, registry, mb, logger)
	presence := hub.NewPresence()

	machine := dispute.NewMachine(pool, disputeRepo, placeholderAnalyzer(), logger).
		WithAnalysisTimeout(cfg.AnalysisTimeout)

	notifSvc := notification.NewService(notification.NewRepository(pool), registry, disputeRepo, logger)

	machine.AddSink(dispute.SinkFunc(roomHub.OnDisputeEvent))
	machine.AddSink(dispute.SinkFunc(notifSvc.OnDisputeEvent))

	handler := httpapi.NewHandler(authSvc, roles, disputeRepo, machine, notifSvc, roomHub, registry, presence, logger)
	go handler.RunResync(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// placeholderAnalyzer stands in until the real analysis collaborator is
// integrated. It proposes a fixed pair of settlement options so the full
// voting flow works end to end in development.
func placeholderAnalyzer() dispute.Analyzer {
	return dispute.AnalyzerFunc(func(ctx context.Context, disputeID string) ([]dispute.Solution, string, error) {
		return []dispute.Solution{
			{Title: "Partial refund", Description: "The respondent refunds half of the disputed amount."},
			{Title: "Full refund with return", Description: "The respondent refunds the full amount and the plaintiff returns the goods."},
		}, "Generated from the default settlement templates.", nil
	})
}
