package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"labguard/internal/api"
	"labguard/internal/app"
	"labguard/internal/config"
	"labguard/internal/tasks"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	rdb "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

//go:embed migrations/*
var migrationsFS embed.FS

type CensorWriter struct {
	io.Writer
	re *regexp.Regexp
}

func (w *CensorWriter) Write(p []byte) (n int, err error) {
	// Mask common sensitive keys in JSON/Text logs:
	// "password":"...", "secret":"...", etc.
	censored := w.re.ReplaceAll(p, []byte(`${1}${2}[CENSORED]`))
	return w.Writer.Write(censored)
}

func main() {
	// 0. Setup Structured Logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	censorRE := regexp.MustCompile(`(?i)(password|secret|token)(["':\s]+)([^"'\s,{}]+)`)
	cw := &CensorWriter{
		Writer: zerolog.ConsoleWriter{Out: os.Stderr},
		re:     censorRE,
	}
	zlog.Logger = zerolog.New(cw).With().Timestamp().Logger()

	cfg := config.Load()

	if !cfg.LogWeb {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	zlog.Info().Msg("Starting Labguard Server")

	// Run Migrations
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create iofs source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, cfg.PostgresURL)
	if err == nil {
		version, dirty, err := m.Version()
		if err != nil && err != migrate.ErrNilVersion {
			zlog.Error().Err(err).Msg("Failed to get migration version")
		} else {
			zlog.Info().Uint("version", version).Bool("dirty", dirty).Msg("Current database version")
		}

		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			zlog.Error().Err(err).Msg("Migration error")
		} else if err == migrate.ErrNoChange {
			zlog.Info().Msg("Database is up to date (no migrations needed)")
		} else {
			zlog.Info().Msg("Database migrations applied successfully")
		}
	} else {
		zlog.Error().Err(err).Msg("Failed to initialize migrations")
	}

	// 1. Bootstrap shared state
	a, err := app.Bootstrap(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}
	defer a.Close()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Keep the block filter in sync with rows expiring in the database.
	a.BlockGuard.StartRefresher(rootCtx, 5*time.Minute)

	// 2. Start Schedulers & Task Workers (Optional)
	var asynqServer *asynq.Server
	var asynqScheduler *asynq.Scheduler

	if cfg.RunWorkerInProcess {
		zlog.Info().Msg("Starting background worker in-process")

		asynqServer = asynq.NewServer(
			a.RedisOpts,
			asynq.Config{
				Concurrency: 10,
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

		go func() {
			if err := asynqServer.Run(asynqMux); err != nil {
				zlog.Fatal().Err(err).Msg("Failed to run asynq server")
			}
		}()

		asynqScheduler = asynq.NewScheduler(a.RedisOpts, &asynq.SchedulerOpts{})

		if _, err := asynqScheduler.Register("@every 1h", tasks.NewReputationDecayTask()); err != nil {
			zlog.Error().Err(err).Msg("Failed to schedule reputation decay")
		}
		if _, err := asynqScheduler.Register("@every 6h", tasks.NewSecurityCleanupTask()); err != nil {
			zlog.Error().Err(err).Msg("Failed to schedule security cleanup")
		}

		go func() {
			if err := asynqScheduler.Run(); err != nil {
				zlog.Fatal().Err(err).Msg("Failed to run asynq scheduler")
			}
		}()
	} else {
		zlog.Info().Msg("Background worker disabled (external worker expected)")
	}

	// 3. Initialize WebSocket Hub
	hub := api.NewHub()
	go hub.Run()
	a.Alerts.SetBroadcaster(hub)

	// 4. Setup Gin
	if !cfg.LogWeb {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())

	// Trusted proxies matter here: every limiter, block and reputation
	// decision keys on c.ClientIP().
	trustedProxies := []string{"127.0.0.1", "172.16.0.0/12", "10.0.0.0/8", "192.168.0.0/16"}
	if cfg.TrustedProxies != "" {
		p := strings.Split(cfg.TrustedProxies, ",")
		for i := range p {
			trustedProxies = append(trustedProxies, strings.TrimSpace(p[i]))
		}
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		zlog.Error().Err(err).Msg("Failed to set trusted proxies")
	}

	// Volumetric limiters. These sit in front of the transactional
	// limiter and only shed floods before they reach Postgres.
	createLimiter := func(limit int, period int, prefix string) gin.HandlerFunc {
		rate := limiter.Rate{
			Period: time.Duration(period) * time.Second,
			Limit:  int64(limit),
		}
		limiterClient := rdb.NewClient(&rdb.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisLimDB,
		})
		limitStore, err := sredis.NewStoreWithOptions(limiterClient, limiter.StoreOptions{
			Prefix: prefix,
		})
		if err != nil {
			zlog.Fatal().Err(err).Msgf("Failed to create limiter store: %s", prefix)
		}
		return mgin.NewMiddleware(limiter.New(limitStore, rate))
	}

	floodLimiter := createLimiter(cfg.RateLimit, cfg.RatePeriod, "limiter_flood")
	loginLimiter := createLimiter(cfg.RateLimitLogin, cfg.RatePeriod, "limiter_login")

	// 5. Initialize API Handler
	handler := api.NewAPIHandler(cfg, a.PgRepo, a.Cache, a.AuditLog, a.Tokens, a.RateLimits, a.Alerts, a.Reputation, a.BlockGuard, hub)
	handler.SetLimiters(floodLimiter, loginLimiter)
	handler.RegisterRoutes(r)

	// 6. Run Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	rootCancel()
	hub.Stop()

	if asynqScheduler != nil {
		asynqScheduler.Shutdown()
	}
	if asynqServer != nil {
		asynqServer.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}
