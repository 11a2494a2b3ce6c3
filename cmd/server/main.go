package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"threatwatch/internal/alerts"
	"threatwatch/internal/collector"
	"threatwatch/internal/config"
	cronrunner "threatwatch/internal/cron"
	"threatwatch/internal/db"
	"threatwatch/internal/handler"
	"threatwatch/internal/hub"
	"threatwatch/internal/logger"
	"threatwatch/internal/metrics"
	"threatwatch/internal/models"
	"threatwatch/internal/queue"
	gormrepository "threatwatch/internal/repository/gorm"
	"threatwatch/internal/scanner"
)

func main() {
	cfgPath := os.Getenv("TW_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("TW_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := gormrepository.New(dbConn.Gorm)

	// Queue mode is decided once here; everything downstream sees one
	// interface.
	jobQueue := queue.New(cfg.Broker, map[string]queue.RetryPolicy{
		models.JobTypeProcessSignal: queue.DefaultRetryPolicy(),
		models.JobTypeMonitorThreat: {MaxAttempts: 2, Backoff: queue.BackoffFixed, BaseDelay: 5 * time.Second},
	}, logger)
	defer jobQueue.Close()
	logger.Info("queue ready", zap.String("mode", jobQueue.Mode()))

	scanClient := scanner.New(cfg.Scanner, logger)

	eventHub := hub.New(cfg.Hub, store, jobQueue, logger)

	watch := collector.NewWatchlist(cfg.Sources.WatchedTargets)
	alertSvc := &alerts.Service{
		Repo:   store,
		Hub:    eventHub,
		Watch:  watch,
		Logger: logger,
	}
	eventHub.SetAlertActions(alertSvc)
	if scanClient.Configured() {
		eventHub.SetScanner(scanClient)
	}
	if err := alertSvc.RegisterHandlers(jobQueue); err != nil {
		logger.Fatal("queue handler registration failed", zap.Error(err))
	}

	aggregator := &metrics.Aggregator{
		Repo:        store,
		Hub:         eventHub,
		Logger:      logger,
		Interval:    cfg.Metrics.RefreshInterval,
		StaleAfter:  cfg.Metrics.StaleAfter,
		RecentLimit: cfg.Metrics.RecentLimit,
	}

	manager := &collector.Manager{
		Queue:  jobQueue,
		Repo:   store,
		Logger: logger,
		Adapters: []collector.SourceAdapter{
			&collector.VirusTotalAdapter{
				HTTP:     &http.Client{Timeout: cfg.Sources.VirusTotal.Timeout},
				APIKey:   cfg.Sources.VirusTotal.APIKey,
				Endpoint: cfg.Sources.VirusTotal.Endpoint,
				Watch:    watch,
			},
			&collector.ShodanAdapter{
				HTTP:     &http.Client{Timeout: cfg.Sources.Shodan.Timeout},
				APIKey:   cfg.Sources.Shodan.APIKey,
				Endpoint: cfg.Sources.Shodan.Endpoint,
				Watch:    watch,
			},
			&collector.HIBPAdapter{
				HTTP:     &http.Client{Timeout: cfg.Sources.HIBP.Timeout},
				APIKey:   cfg.Sources.HIBP.APIKey,
				Endpoint: cfg.Sources.HIBP.Endpoint,
				Watch:    watch,
			},
		},
		Lookalike:    collector.NewLookalikeDetector(cfg.Sources.Brands),
		Watch:        watch,
		PollInterval: cfg.Sources.PollInterval,
		Intervals: map[string]time.Duration{
			"virustotal": cfg.Sources.VirusTotal.PollInterval,
			"shodan":     cfg.Sources.Shodan.PollInterval,
			"hibp":       cfg.Sources.HIBP.PollInterval,
		},
		SyntheticMin: cfg.Sources.SyntheticMin,
		SyntheticMax: cfg.Sources.SyntheticMax,
		DedupWindow:  cfg.Sources.DedupWindow,
	}
	if cfg.Sources.CertStream.Enabled {
		manager.CertStream = &collector.CertStreamFeed{
			URL:    cfg.Sources.CertStream.URL,
			Logger: logger,
		}
	}

	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("collector stopped", zap.Error(err))
		}
	}()
	go aggregator.Run(ctx)
	go eventHub.Run(ctx)

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm, Queue: jobQueue}
	healthHandler.Register(engine)
	alertHandler := &handler.AlertHandler{Svc: alertSvc}
	alertHandler.Register(engine)
	monitorHandler := &handler.MonitorHandler{Queue: jobQueue, Repo: store}
	monitorHandler.Register(engine)
	metricsHandler := &handler.MetricsHandler{Agg: aggregator}
	metricsHandler.Register(engine)

	engine.GET("/ws", eventHub.HandleWS)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		if _, err := cronRunner.Add(cfg.Cron.FeedRefresh, "feed-refresh", func(ctx context.Context) {
			manager.RefreshFeeds(ctx, cfg.Sources.Brands)
		}); err != nil {
			logger.Warn("cron register feed refresh failed", zap.Error(err))
		}
		if _, err := cronRunner.Add(cfg.Cron.Cleanup, "cleanup", func(ctx context.Context) {
			manager.SweepDedup()
		}); err != nil {
			logger.Warn("cron register cleanup failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
