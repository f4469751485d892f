package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"labguard/internal/app"
	"labguard/internal/config"
	"labguard/internal/tasks"
)

func main() {
	// Setup Logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := config.Load()
	if cfg.LogWeb {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	zlog.Info().Msg("Starting Labguard Standalone Worker")

	// Bootstrap shared dependencies
	a, err := app.Bootstrap(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}
	defer a.Close()

	asynqServer := asynq.NewServer(
		a.RedisOpts,
		asynq.Config{
			Concurrency: 20, // Dedicated worker can have higher concurrency
			Queues: map[string]int{
				"default": 5,
				"low":     2,
			},
		},
	)

	asynqMux := asynq.NewServeMux()
	maintenance := tasks.NewMaintenanceHandler(a.Reputation, a.Alerts, a.RateLimits, cfg.ReputationRetainD)
	asynqMux.HandleFunc(tasks.TypeReputationDecay, maintenance.ProcessDecay)
	asynqMux.HandleFunc(tasks.TypeSecurityCleanup, maintenance.ProcessCleanup)
	asynqMux.Handle(tasks.TypeAlertNotify, tasks.NewAlertNotifyHandler(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey))

	asynqScheduler := asynq.NewScheduler(a.RedisOpts, &asynq.SchedulerOpts{})
	if _, err := asynqScheduler.Register("@every 1h", tasks.NewReputationDecayTask()); err != nil {
		zlog.Error().Err(err).Msg("Failed to schedule reputation decay")
	}
	if _, err := asynqScheduler.Register("@every 6h", tasks.NewSecurityCleanupTask()); err != nil {
		zlog.Error().Err(err).Msg("Failed to schedule security cleanup")
	}

	go func() {
		if err := asynqServer.Run(asynqMux); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to run asynq server")
		}
	}()
	go func() {
		if err := asynqScheduler.Run(); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to run asynq scheduler")
		}
	}()

	zlog.Info().Msg("Worker running. Press Ctrl+C to exit.")
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info().Msg("Shutting down worker...")
	asynqScheduler.Shutdown()
	asynqServer.Shutdown()
	zlog.Info().Msg("Worker exited")
}
