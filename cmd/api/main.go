package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inkslot/internal/api"
	"inkslot/internal/config"
	"inkslot/internal/database"
	"inkslot/internal/database/postgres"
	"inkslot/internal/domain"
	"inkslot/internal/events"
	"inkslot/internal/google"
	"inkslot/internal/logging"
	"inkslot/internal/metrics"
	"inkslot/internal/models"
	"inkslot/internal/notify"
	"inkslot/internal/payment"
	"inkslot/internal/repository"
	"inkslot/internal/service"
	"inkslot/internal/telemetry"
	"inkslot/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

// closers are released in reverse order on exit.
type closers []io.Closer

func (c *closers) add(cl io.Closer) {
	if cl != nil {
		*c = append(*c, cl)
	}
}

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		_ = c[i].Close()
	}
}

func run() error {
	cfg, logger, logCloser, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	var cleanup closers
	cleanup.add(logCloser)
	defer cleanup.closeAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	items, err := loadCatalog(cfg.Catalog.Path, logger)
	if err != nil {
		return err
	}
	catalog := service.NewCatalogService(items, logger)

	repo, sqliteDB, err := initStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := repo.(io.Closer); ok {
		cleanup.add(c)
	}

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		cleanup.add(redisClient)
	}
	guard := initGuard(redisClient, logger)

	gateway, err := initGateway(cfg.Payment, logger)
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	initEventSinks(cfg, bus, &cleanup, logger)

	mirrorWorker := initMirror(ctx, cfg, repo, redisClient, logger)
	var syncWorker domain.SyncWorker
	if mirrorWorker != nil {
		syncWorker = mirrorWorker
	}

	bookings := service.NewBookingService(repo, catalog, gateway, guard, bus, syncWorker, service.BookingOptions{
		PaymentTTL:      cfg.Booking.PaymentTTL,
		CancelCutoff:    cfg.Booking.CancelCutoff,
		SweepBatch:      cfg.Booking.SweepBatch,
		RateLimit:       cfg.Booking.RateLimit,
		RateLimitWindow: cfg.Booking.RateLimitWindow,
	}, logger)
	moderation := service.NewModerationService(repo, bus, syncWorker, logger)
	slots := service.NewSlotService(repo, bus, syncWorker, logger)
	tasks := service.NewTaskService(repo, logger)

	scheduler, err := initScheduler(ctx, cfg, guard, bookings, moderation, sqliteDB, logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	if mirrorWorker != nil {
		go mirrorWorker.Start(ctx)
		go resyncMirror(ctx, repo, mirrorWorker, logger)
	}

	startMetrics(ctx, cfg, logger)

	httpServer := api.NewHTTPServer(cfg.API, api.Services{
		Bookings:   bookings,
		Moderation: moderation,
		Slots:      slots,
		Tasks:      tasks,
		Catalog:    catalog,
		Store:      repo,
	}, logger)

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(&cfg.API, slots, logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}

	err = serve(ctx, cfg, httpServer, grpcServer, logger)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	scheduler.Stop(stopCtx)
	return err
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logging.Component(baseLogger, "api-main"), closer, nil
}

func loadCatalog(path string, logger *zerolog.Logger) ([]models.ServiceItem, error) {
	if env := os.Getenv("CATALOG_PATH"); env != "" {
		path = env
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error().Err(err).Str("catalog_path", path).Msg("read catalog")
		return nil, err
	}

	var catalogFile struct {
		Items []models.ServiceItem `yaml:"items"`
	}
	if err := yaml.Unmarshal(data, &catalogFile); err != nil {
		logger.Error().Err(err).Str("catalog_path", path).Msg("parse catalog")
		return nil, err
	}
	if err := config.ValidateCatalog(catalogFile.Items); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return catalogFile.Items, nil
}

// initStore opens the configured store. The SQLite handle is also returned for backups.
func initStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (domain.Repository, *database.DB, error) {
	if cfg.Database.Driver == "postgres" {
		store, err := postgres.Open(ctx, cfg.Database.Postgres.ConnString(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return store, nil, nil
	}

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, nil, err
	}
	return db, db, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		// клиент остаётся: failover вернётся к Redis, когда он поднимется
		logger.Warn().Err(err).Msg("redis unavailable at startup, using in-memory guard until it recovers")
		return client
	}
	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initGuard(client *redis.Client, logger *zerolog.Logger) domain.GuardRepository {
	memory := repository.NewMemoryGuardRepository()
	if client == nil {
		logger.Warn().Msg("redis not configured, leases and rate limits are local to this instance")
		return memory
	}
	return repository.NewFailoverGuardRepository(repository.NewRedisGuardRepository(client), memory, logger)
}

func initGateway(cfg config.PaymentConfig, logger *zerolog.Logger) (domain.PaymentGateway, error) {
	switch cfg.Provider {
	case "stripe":
		return payment.NewStripeGateway(cfg.SecretKey, cfg.WebhookSecret, logger), nil
	case "signed":
		return payment.NewSignedGateway(cfg.WebhookSecret, logger), nil
	case "", "none":
		logger.Warn().Msg("payment gateway disabled, online bookings stay payment_pending")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}

func initEventSinks(cfg *config.Config, bus *events.EventBus, cleanup *closers, logger *zerolog.Logger) {
	if cfg.Events.AMQP.URL != "" {
		forwarder, err := events.DialForwarder(cfg.Events.AMQP.URL, cfg.Events.AMQP.Exchange, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("rabbitmq unavailable, events stay in-process")
		} else {
			forwarder.Attach(bus)
			cleanup.add(forwarder)
		}
	}

	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != 0 {
		bot, err := notify.NewBotAPI(cfg.Telegram.BotToken, cfg.Telegram.Debug)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram notifier disabled")
			return
		}
		notify.NewStaffNotifier(bot, cfg.Telegram.ChatID, logger).Subscribe(bus)
	}
}

func initMirror(
	ctx context.Context,
	cfg *config.Config,
	repo domain.Repository,
	redisClient *redis.Client,
	logger *zerolog.Logger,
) *worker.MirrorWorker {
	if cfg.Google.GoogleCredentialsFile == "" || cfg.Google.BookingSpreadSheetID == "" {
		return nil
	}

	mirror, err := google.NewSheetsMirror(ctx, cfg.Google.GoogleCredentialsFile, cfg.Google.BookingSpreadSheetID, cfg.Google.SheetName, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without mirror")
		return nil
	}
	if err := mirror.TestConnection(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets unreachable, continuing without mirror")
		return nil
	}
	if err := mirror.WarmUpCache(ctx); err != nil {
		logger.Warn().Err(err).Msg("sheets cache warm-up failed")
	}

	logger.Info().Str("sheet", cfg.Google.SheetName).Msg("google sheets connected")
	return worker.NewMirrorWorker(repo, mirror, redisClient, worker.DefaultRetryPolicy, logger)
}

func resyncMirror(ctx context.Context, repo domain.Repository, w *worker.MirrorWorker, logger *zerolog.Logger) {
	bookings, err := repo.ListBookings(ctx, models.BookingFilter{Limit: 10000})
	if err != nil {
		logger.Error().Err(err).Msg("list bookings for mirror resync")
		return
	}
	if err := w.Resync(ctx, bookings); err != nil {
		logger.Error().Err(err).Msg("mirror resync failed")
	}
}

func initScheduler(
	ctx context.Context,
	cfg *config.Config,
	guard domain.GuardRepository,
	bookings *service.BookingService,
	moderation *service.ModerationService,
	sqliteDB *database.DB,
	logger *zerolog.Logger,
) (*worker.Scheduler, error) {
	scheduler := worker.NewScheduler(guard, logger)

	jobs := []worker.Job{
		{
			Name:     "payment-sweep",
			Schedule: cfg.Booking.SweepSchedule,
			Run: func(ctx context.Context) error {
				_, err := bookings.ExpirePendingPayments(ctx, time.Now())
				return err
			},
		},
		{
			Name:     "consistency-check",
			Schedule: cfg.Booking.ConsistencySchedule,
			Lease:    5 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := moderation.CheckConsistency(ctx, cfg.Booking.ConsistencyRepair)
				return err
			},
		},
	}
	if cfg.Backup.Enabled && sqliteDB != nil {
		backups := database.NewBackupService(sqliteDB, cfg.Backup, logger)
		jobs = append(jobs, worker.Job{
			Name:     "sqlite-backup",
			Schedule: cfg.Backup.Schedule,
			Lease:    10 * time.Minute,
			Run:      backups.Run,
		})
	}

	for _, job := range jobs {
		if err := scheduler.Add(ctx, job); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	return scheduler, nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

func serve(
	ctx context.Context,
	cfg *config.Config,
	httpServer *api.HTTPServer,
	grpcServer *api.GRPCServer,
	logger *zerolog.Logger,
) error {
	errCh := make(chan error, 2)

	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}
	if cfg.API.HTTP.Enabled {
		go func() {
			if err := httpServer.Start(); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Bool("grpc", grpcServer != nil).Msg("inkslot started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}

	logger.Info().Msg("inkslot stopped")
	return runErr
}
