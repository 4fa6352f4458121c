package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
	"github.com/elazharjebbari/alfenna-sub002/internal/config"
	"github.com/elazharjebbari/alfenna-sub002/internal/logger"
	"github.com/elazharjebbari/alfenna-sub002/internal/messaging"
	"github.com/elazharjebbari/alfenna-sub002/internal/version"
)

// Standalone delivery worker: drains the outbox, reaps stale leases and
// starts due campaigns. Safe to run alongside the API binary and alongside
// other workers; leases keep them from stepping on each other.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.AppEnv).With().Str("proc", "worker").Logger()
	log.Info().Str("version", version.String()).Msg("starting delivery worker")

	pgCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid DATABASE_URL")
	}
	pgPool, err := pgxpool.NewWithConfig(context.Background(), pgCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create pg pool")
	}
	defer pgPool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer redisClient.Close()

	core, err := messaging.NewCore(pgPool, redisClient, cfg, clock.System{}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to build messaging core")
	}

	ctx, stop := context.WithCancel(context.Background())
	go core.Scheduler.Run(ctx)
	go core.Reaper.Run(ctx)
	go runCampaignScheduler(ctx, core, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")
	stop()
}
