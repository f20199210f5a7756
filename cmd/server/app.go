package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fiscalpos/backend/internal/alert"
	"fiscalpos/backend/internal/cache"
	"fiscalpos/backend/internal/clock"
	"fiscalpos/backend/internal/config"
	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/httpapi"
	"fiscalpos/backend/internal/jurisdiction"
	"fiscalpos/backend/internal/ledger"
	"fiscalpos/backend/internal/logger"
	"fiscalpos/backend/internal/metrics"
	"fiscalpos/backend/internal/qr"
	"fiscalpos/backend/internal/queue"
	"fiscalpos/backend/internal/reporting"
	"fiscalpos/backend/internal/scheduler"
	"fiscalpos/backend/internal/service"
	"fiscalpos/backend/internal/store"
	"fiscalpos/backend/internal/store/memory"
	pgstore "fiscalpos/backend/internal/store/postgres"
	sqlitestore "fiscalpos/backend/internal/store/sqlite"
)

type repository interface {
	store.LedgerRepository
	store.QueueRepository
	store.UserRepository
}

// reporter is what the scheduler and the clock need from an authority client.
type reporter interface {
	reporting.Reporter
	reporting.TimeSource
}

type application struct {
	cfg       config.Config
	log       zerolog.Logger
	registry  *prometheus.Registry
	repo      repository
	clock     *clock.Clock
	ledger    *ledger.Ledger
	queue     *queue.Queue
	service   *service.Service
	scheduler *scheduler.Scheduler
	reporter  reporter
	auth      *httpapi.AuthManager

	closers []func() error
}

func buildApplication(ctx context.Context, cfg config.Config, log zerolog.Logger) (*application, error) {
	app := &application{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(app.registry)

	repo, err := app.openStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.repo = repo

	recorder := alert.NewRecorder(cfg.Alerts.History)
	notifiers := []alert.Notifier{alert.NewLogNotifier(log), recorder}
	if len(cfg.Alerts.KafkaBrokers) > 0 {
		kafka, err := alert.NewKafkaNotifier(cfg.Alerts.KafkaBrokers, cfg.Alerts.KafkaTopic)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("kafka alerts: %w", err)
		}
		if err := kafka.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("kafka unreachable, alerts will retry on delivery")
		}
		app.closers = append(app.closers, kafka.Close)
		notifiers = append(notifiers, kafka)
		log.Info().Strs("brokers", cfg.Alerts.KafkaBrokers).Msg("alerts: kafka")
	}
	notifier := alert.NewFanout(log, m, notifiers...)

	offsets := cache.OffsetCache(cache.NoopOffsetCache{})
	if cfg.Redis.Addr != "" {
		redisCache := cache.NewRedisOffsetCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, clock offset will not persist")
			_ = redisCache.Close()
		} else {
			offsets = redisCache
			app.closers = append(app.closers, redisCache.Close)
			log.Info().Msg("clock offsets: redis")
		}
	}
	app.clock = clock.New(offsets, clock.Config{}, clock.WithLogger(log))
	if ok, err := app.clock.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("load clock offset")
	} else if ok {
		log.Info().Int64("offset_ms", app.clock.Status().OffsetMillis).Msg("restored clock offset")
	}

	hasher, err := ledger.NewHasher(cfg.Ledger.HashAlgorithm)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.ledger = ledger.New(repo, hasher,
		ledger.WithClock(app.clock),
		ledger.WithNotifier(notifier),
		ledger.WithMetrics(m),
		ledger.WithLogger(log),
	)

	var signer qr.Signer
	if cfg.Ledger.SigningSeed != "" {
		ed, err := qr.NewEd25519Signer(cfg.Ledger.SigningSeed)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("QR_SIGNING_SEED: %w", err)
		}
		signer = ed
	}
	profiles := jurisdiction.NewDefaultRegistry()
	encoder := qr.NewEncoder(profiles, signer)

	app.queue = queue.New(repo, profiles, notifier, queue.Config{
		Backoff:       queue.Backoff{Base: cfg.Sync.BackoffBase, Max: cfg.Sync.BackoffMax},
		WarnAfter:     cfg.Alerts.WarnAfter,
		CriticalAfter: cfg.Alerts.CriticalAfter,
	},
		queue.WithClock(app.clock),
		queue.WithMetrics(m),
		queue.WithLogger(log),
	)

	app.service = service.New(profiles, app.ledger, encoder, app.queue, service.Config{
		Seller:              domain.Seller{Name: cfg.Seller.Name, TaxID: cfg.Seller.TaxID},
		DefaultJurisdiction: cfg.Ledger.DefaultJurisdiction,
	},
		service.WithAlertHistory(recorder),
		service.WithLogger(log),
	)

	switch cfg.Authority.Mode {
	case "", "sandbox":
		app.reporter = reporting.NewSandbox()
		log.Info().Msg("authority: sandbox")
	case "http":
		if cfg.Authority.BaseURL == "" {
			app.Close()
			return nil, fmt.Errorf("AUTHORITY_BASE_URL is required when AUTHORITY_MODE=http")
		}
		app.reporter = reporting.NewHTTPClient(reporting.HTTPConfig{
			BaseURL:           cfg.Authority.BaseURL,
			APIKey:            cfg.Authority.APIKey,
			Timeout:           cfg.Authority.Timeout,
			RequestsPerSecond: cfg.Authority.RequestsPerSecond,
			Burst:             cfg.Authority.Burst,
		}, nil)
		log.Info().Str("base_url", cfg.Authority.BaseURL).Msg("authority: http")
	default:
		app.Close()
		return nil, fmt.Errorf("unknown AUTHORITY_MODE %q", cfg.Authority.Mode)
	}

	app.scheduler = scheduler.New(app.queue, app.reporter, scheduler.Config{
		Interval:          cfg.Sync.Interval,
		Workers:           cfg.Sync.Workers,
		BatchSize:         cfg.Sync.BatchSize,
		CallTimeout:       cfg.Sync.CallTimeout,
		ReconnectInterval: cfg.Sync.ReconnectInterval,
		ClockRefresh:      cfg.Sync.ClockRefresh,
	},
		scheduler.WithVerifier(app.ledger),
		scheduler.WithReconciler(app.service),
		scheduler.WithClockObserver(app.clock),
		scheduler.WithBreaker(reporting.NewCircuitBreaker(cfg.Sync.BreakerThreshold, cfg.Sync.BreakerCooldown)),
		scheduler.WithClock(app.clock),
		scheduler.WithMetrics(m),
		scheduler.WithLogger(log),
	)
	app.service.SetSyncer(app.scheduler)

	app.auth = httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	return app, nil
}

func (a *application) openStore(ctx context.Context) (repository, error) {
	switch a.cfg.Store.Driver {
	case "", "memory":
		a.log.Warn().Msg("store: in-memory, invoices are lost on restart")
		return memory.New(), nil
	case "sqlite":
		s, err := sqlitestore.New(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.log.Info().Str("path", a.cfg.Store.SQLitePath).Msg("store: sqlite")
		return s, nil
	case "postgres":
		if a.cfg.Store.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
		if err := pgstore.Migrate(ctx, a.cfg.Store.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		s, err := pgstore.New(ctx, a.cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.log.Info().Msg("store: postgres")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", a.cfg.Store.Driver)
	}
}

// seedAdmin creates the configured admin account on first start.
func (a *application) seedAdmin(ctx context.Context) error {
	if a.cfg.AdminPassword == "" {
		a.log.Warn().Msg("ADMIN_PASSWORD not set, no admin account seeded")
		return nil
	}
	created, err := a.auth.EnsureAccount(ctx, a.cfg.AdminUsername, a.cfg.AdminPassword, domain.RoleAdmin)
	if err != nil {
		return fmt.Errorf("seed admin account: %w", err)
	}
	if created {
		a.log.Info().Str("username", a.cfg.AdminUsername).Msg("admin account created")
	}
	return nil
}

func (a *application) handler() http.Handler {
	api := httpapi.New(a.service, a.auth, a.cfg.AllowedOrigin,
		httpapi.WithMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})),
		httpapi.WithClock(a.clock),
		httpapi.WithLogger(logger.WithComponent(a.log, "http")),
	)
	return api.Handler()
}

// syncClock corrects the local clock against the authority. Failure leaves
// the previous offset in place.
func (a *application) syncClock(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.clock.Sync(ctx, a.reporter); err != nil {
		a.log.Warn().Err(err).Msg("authority time unavailable")
	}
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error().Err(err).Msg("close")
		}
	}
	a.closers = nil
}
