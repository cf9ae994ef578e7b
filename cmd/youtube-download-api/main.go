package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/zj1123581321/youtube-download-api/internal/cache"
	"github.com/zj1123581321/youtube-download-api/internal/config"
	"github.com/zj1123581321/youtube-download-api/internal/extractor"
	"github.com/zj1123581321/youtube-download-api/internal/notify"
	"github.com/zj1123581321/youtube-download-api/internal/orchestrator"
	"github.com/zj1123581321/youtube-download-api/internal/progress"
	"github.com/zj1123581321/youtube-download-api/internal/queue"
	"github.com/zj1123581321/youtube-download-api/internal/store"
	"github.com/zj1123581321/youtube-download-api/internal/transport"
	"github.com/zj1123581321/youtube-download-api/internal/webhook"
	"github.com/zj1123581321/youtube-download-api/internal/worker"
)

const version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.LoadCfg(ctx)
	if err != nil {
		slog.Error("failed to read config", "error", err)
		os.Exit(1)
	}

	pool, err := ants.NewPool(32, ants.WithOptions(ants.Options{
		ExpiryDuration: 10 * time.Second,
		PanicHandler: func(r any) {
			slog.Error("background task panicked", "panic", r)
		},
	}))
	if err != nil {
		slog.Error("failed to initialize worker pool", "error", err)
		os.Exit(1)
	}

	// The database lives inside the data dir, so the layout has to exist
	// before sqlite opens its file.
	if err := cfg.StorageCfg.EnsureDirs(); err != nil {
		slog.Error("failed to create storage directories", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.StorageCfg.DBPath())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	cacheMgr := cache.NewManager(st, cfg.StorageCfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.QueueCfg.RedisAddress,
		Password: cfg.QueueCfg.RedisPassword,
		DB:       cfg.QueueCfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to reach redis", "error", err, "addr", cfg.QueueCfg.RedisAddress)
		os.Exit(1)
	}
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.QueueCfg.RedisAddress,
		Password: cfg.QueueCfg.RedisPassword,
		DB:       cfg.QueueCfg.RedisDB,
	}

	tracker := progress.NewTracker(rdb)
	queueClient := queue.NewClient(redisOpt, cfg.QueueCfg,
		cfg.DownloadCfg.MaxRetries, cfg.DownloadCfg.DownloadTimeout)
	notifier := notify.New(cfg.NotifyCfg, pool)
	webhookSvc := webhook.NewService(st, cfg.WebhookCfg, cfg.ServerCfg.BaseURL)
	ytdlp := extractor.NewYTDLP(cfg.DownloadCfg)

	svc := orchestrator.NewService(st, cacheMgr, queueClient, tracker,
		cfg.ServerCfg.BaseURL, cfg.DownloadCfg)
	if err := svc.RecoverStartupState(ctx); err != nil {
		slog.Error("failed to recover queue state", "error", err)
		os.Exit(1)
	}

	wrk := worker.New(redisOpt, cfg.QueueCfg, cfg.DownloadCfg,
		st, cacheMgr, ytdlp, tracker, webhookSvc, notifier, pool)
	if err := wrk.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Reclaim runs in the quiet hours, off the request path.
	scheduler := cron.New()
	scheduler.AddFunc("0 3 * * *", func() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := cacheMgr.Reclaim(rctx); err != nil {
			slog.Error("scheduled cleanup failed", "error", err)
		}
	})
	scheduler.Start()

	httpServer := transport.NewHttpServer(cfg.ServerCfg)
	httpServer.SetupRoute(
		transport.NewTaskHandler(svc),
		transport.NewFileHandler(cacheMgr),
		transport.NewHealthHandler(st, queueClient, cacheMgr),
	)
	httpServer.Start()

	notifier.ServiceStarted(version)
	slog.Info("service started", "version", version, "dry_run", cfg.DownloadCfg.DryRun)

	// Gracefully shutdown
	<-ctx.Done()
	notifier.ServiceStopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown http server", "error", err)
	}

	wrk.Shutdown()
	<-scheduler.Stop().Done()
	pool.Release()

	if err := queueClient.Close(); err != nil {
		slog.Error("failed to close queue client", "error", err)
	}
	if err := rdb.Close(); err != nil {
		slog.Error("failed to close redis client", "error", err)
	}
	if err := st.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
	slog.Info("service stopped")
}
