package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/wolfman30/barber-sync/cmd/mainconfig"
	"github.com/wolfman30/barber-sync/internal/api/router"
	appconfig "github.com/wolfman30/barber-sync/internal/config"
	"github.com/wolfman30/barber-sync/internal/dashboard"
	"github.com/wolfman30/barber-sync/internal/export"
	httpmiddleware "github.com/wolfman30/barber-sync/internal/http/middleware"
	"github.com/wolfman30/barber-sync/internal/netmonitor"
	"github.com/wolfman30/barber-sync/internal/notices"
	"github.com/wolfman30/barber-sync/internal/observability/metrics"
	"github.com/wolfman30/barber-sync/internal/remoteapi"
	"github.com/wolfman30/barber-sync/internal/schedule"
	"github.com/wolfman30/barber-sync/internal/syncengine"
	"github.com/wolfman30/barber-sync/internal/syncqueue"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting barber sync agent",
		"env", cfg.Env,
		"port", cfg.Port,
		"store", cfg.StoreBackend,
		"api", cfg.APIBaseURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sync agent stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("sync agent exited")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	opened, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = opened.store.Close() }()

	loc := cfg.Location()
	hub := notices.NewHub()
	syncMetrics := metrics.NewSyncMetrics(nil)
	mirror := schedule.NewMirror(loc)
	queue := syncqueue.New(opened.store, logger,
		syncqueue.WithMirror(mirror),
		syncqueue.WithPhoneRegion(cfg.DefaultPhoneRegion),
	)

	api := remoteapi.NewClient(cfg.APIBaseURL, logger,
		remoteapi.WithToken(cfg.APIToken),
		remoteapi.WithTimeout(cfg.APITimeout),
	)

	engineOpts := []syncengine.Option{
		syncengine.WithNotices(hub),
		syncengine.WithMetrics(syncMetrics),
		syncengine.WithTimeout(cfg.DrainTimeout),
		syncengine.WithPull(cfg.PullOnSync, cfg.StaffID),
		syncengine.WithLocation(loc),
		syncengine.WithDegraded(opened.degraded),
	}
	if opened.guard != nil {
		engineOpts = append(engineOpts, syncengine.WithGuard(opened.guard))
	}
	engine := syncengine.New(queue, api, mirror, logger, engineOpts...)
	if err := engine.Restore(ctx); err != nil {
		return err
	}

	monitor := netmonitor.New(netmonitor.APIProber(api, cfg.MonitorProbePath), logger,
		netmonitor.WithInterval(cfg.MonitorInterval),
		netmonitor.WithNotices(hub),
		netmonitor.WithMetrics(syncMetrics),
	)
	monitor.AddListener(engine)

	exporter, err := newExporter(ctx, cfg, queue, logger)
	if err != nil {
		return err
	}
	scheduler, err := scheduleExports(ctx, cfg, exporter, loc, logger)
	if err != nil {
		return err
	}
	if scheduler != nil {
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.RunSweeper(time.Minute, ctx.Done())

	handler := dashboard.NewHandler(queue, engine, mirror, hub, logger, dashboard.WithExporter(exporter))
	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: router.New(&router.Config{
			Logger:             logger,
			Dashboard:          handler,
			AdminAuthSecret:    cfg.AdminJWTSecret,
			MetricsHandler:     promhttp.Handler(),
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
			RateLimiter:        limiter,
			Online:             monitor.Online,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() { _ = monitor.Run(ctx) }()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
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

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	return nil
}

func newExporter(ctx context.Context, cfg *appconfig.Config, source export.Source, logger *logging.Logger) (*export.Exporter, error) {
	if cfg.ExportBucket == "" {
		return export.New(source, nil, "", cfg.StoreNamespace, logger), nil
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := mainconfig.NewS3Client(awsCfg, cfg)
	return export.New(source, client, cfg.ExportBucket, cfg.StoreNamespace, logger), nil
}

// scheduleExports returns nil when no schedule is configured or uploads are off.
func scheduleExports(ctx context.Context, cfg *appconfig.Config, exporter *export.Exporter, loc *time.Location, logger *logging.Logger) (*cron.Cron, error) {
	if cfg.ExportSchedule == "" {
		return nil, nil
	}
	if !exporter.Enabled() {
		logger.Warn("EXPORT_SCHEDULE set without EXPORT_BUCKET; scheduled exports disabled")
		return nil, nil
	}
	c := cron.New(cron.WithLocation(loc))
	_, err := c.AddFunc(cfg.ExportSchedule, func() {
		if _, err := exporter.Upload(ctx); err != nil {
			logger.Error("scheduled export failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	logger.Info("export schedule registered", "spec", cfg.ExportSchedule)
	return c, nil
}
