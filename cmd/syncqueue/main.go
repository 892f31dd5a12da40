package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"syncqueue/internal/api"
	"syncqueue/internal/config"
	"syncqueue/internal/engine"
	"syncqueue/internal/handlers/webhook"
	"syncqueue/internal/notify"
	"syncqueue/internal/queue"
	"syncqueue/internal/scheduler"
	"syncqueue/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file (environment only when empty)")
		addr    = flag.String("addr", "", "HTTP bind address")
		driver  = flag.String("driver", "", "database driver: sqlite|pgx|postgres")
		dsn     = flag.String("db", "", "SQLite DB path or Postgres DSN")
		workers = flag.Int("workers", 0, "number of concurrent line handlers")
		poll    = flag.Duration("poll", 0, "poll interval for runnable queues")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath, *cfgPath == "")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.HTTPAddr = *addr
		case "driver":
			cfg.DB.Driver = *driver
		case "db":
			cfg.DB.DSN = *dsn
		case "workers":
			cfg.Worker.Size = *workers
		case "poll":
			cfg.Worker.PollInterval = *poll
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, dialect, err := queue.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("open db")
	}
	defer db.Close()
	if err := queue.EnsureSchema(ctx, db, dialect); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	notifier, err := newNotifier(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("notifier")
	}
	defer notifier.Close()

	svc := engine.New(queue.NewSQLStore(db, dialect),
		engine.WithLogger(log.Logger),
		engine.WithNotifier(notifier),
		engine.WithMaxRetries(cfg.Engine.MaxRetries),
		engine.WithLeaseTTL(cfg.Engine.LeaseTTL),
		engine.WithMaxReclaims(cfg.Engine.MaxReclaims),
	)
	recoverStuck(ctx, svc)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Worker.Enabled {
		hook, err := webhook.New(cfg.Webhook.URL, cfg.Webhook.Timeout, cfg.Webhook.Headers)
		if err != nil {
			log.Fatal().Err(err).Msg("webhook handler")
		}
		pool := worker.NewPool(svc, hook, cfg.Worker.Size, cfg.Worker.PollInterval,
			worker.WithNotifier(notifier),
			worker.WithLineTimeout(cfg.Worker.LineTimeout),
		)
		g.Go(func() error { return pool.Run(gctx) })
	}

	if cfg.Cron.Enabled {
		sched, err := scheduler.NewService(svc, scheduler.Config{
			RetentionCron: cfg.Cron.Retention,
			ReaperCron:    cfg.Cron.Reaper,
			RetentionDays: cfg.Engine.RetentionDays,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("scheduler")
		}
		g.Go(func() error { return sched.Start(gctx) })
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.NewServerWithDebug(svc, cfg.Server.Debug),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Str("driver", dialect.String()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if strings.EqualFold(cfg.Encoding, "json") {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

func newNotifier(cfg config.RedisConfig) (notify.Notifier, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return notify.NewLocal(256), nil
	}
	n, err := notify.NewRedis(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}, cfg.Channel)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// recoverStuck reclaims lines left in processing by a previous run whose
// lease already expired.
func recoverStuck(ctx context.Context, svc *engine.Service) {
	tenants, err := svc.Tenants(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("list tenants for recovery")
		return
	}
	total := 0
	for _, tenant := range tenants {
		reclaimed, err := svc.ReapStuckLines(ctx, tenant)
		if err != nil {
			log.Warn().Err(err).Str("tenant_id", tenant.String()).Msg("recover stuck lines")
			continue
		}
		total += len(reclaimed)
	}
	log.Info().Int("recovered", total).Msg("recovered expired processing lines")
}
