package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"

	"labguard/internal/audit"
	"labguard/internal/cache"
	"labguard/internal/config"
	"labguard/internal/repository"
	"labguard/internal/service"
	"labguard/internal/tasks"
)

// App wires the repositories and services together. Both binaries
// bootstrap through here so the dependency graph lives in one place.
type App struct {
	Config      *config.Config
	Cache       cache.Cache
	PgRepo      *repository.PostgresRepository
	AuditLog    *audit.Logger
	GeoIP       *service.GeoIPService
	Reputation  *service.ReputationService
	Alerts      *service.AlertService
	Tokens      *service.TokenService
	RateLimits  *service.RateLimitService
	BlockGuard  *service.BlockGuardService
	RedisOpts   asynq.RedisClientOpt
	AsynqClient *asynq.Client
}

func Bootstrap(cfg *config.Config) (*App, error) {
	rc := cache.NewRedisCache(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB)
	if err := rc.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	pgRepo, err := repository.NewPostgresRepository(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	auditLog := audit.New(pgRepo, cfg.SecurityLogPath)
	geoIP := service.NewGeoIPService(cfg.GeoIPDBPath)

	reputation := service.NewReputationService(pgRepo, rc, auditLog, geoIP)
	alerts := service.NewAlertService(pgRepo, rc, auditLog, reputation)
	tokens := service.NewTokenService(pgRepo, auditLog, alerts, time.Duration(cfg.TokenTTLHours)*time.Hour)
	rateLimits := service.NewRateLimitService(pgRepo, auditLog, alerts, reputation,
		cfg.APIRateLimit, cfg.APIRateLimitAuth, cfg.APIRateWindow,
		cfg.LoginMaxAttempts, cfg.LoginWindowMinutes, cfg.LoginBlockMinutes)

	blockGuard := service.NewBlockGuardService(pgRepo)
	if err := blockGuard.Refresh(context.Background()); err != nil {
		zlog.Warn().Err(err).Msg("initial block filter build failed")
	}
	alerts.SetBlockGuard(blockGuard)
	reputation.SetBlockGuard(blockGuard)

	redisOpts := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisOpts)
	alerts.SetNotifier(tasks.NewNotifyClient(asynqClient))

	return &App{
		Config:      cfg,
		Cache:       rc,
		PgRepo:      pgRepo,
		AuditLog:    auditLog,
		GeoIP:       geoIP,
		Reputation:  reputation,
		Alerts:      alerts,
		Tokens:      tokens,
		RateLimits:  rateLimits,
		BlockGuard:  blockGuard,
		RedisOpts:   redisOpts,
		AsynqClient: asynqClient,
	}, nil
}

func (a *App) Close() {
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			zlog.Warn().Err(err).Msg("asynq client close failed")
		}
	}
	if a.GeoIP != nil {
		a.GeoIP.Close()
	}
	if a.PgRepo != nil {
		if err := a.PgRepo.Close(); err != nil {
			zlog.Warn().Err(err).Msg("postgres close failed")
		}
	}
}
