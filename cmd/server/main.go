package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"abusedesk/backend/internal/classifier"
	"abusedesk/backend/internal/config"
	"abusedesk/backend/internal/health"
	"abusedesk/backend/internal/ingest"
	"abusedesk/backend/internal/logger"
	"abusedesk/backend/internal/monitoring"
	"abusedesk/backend/internal/pipeline"
	"abusedesk/backend/internal/pool"
	"abusedesk/backend/internal/search"
	"abusedesk/backend/internal/service"
	"abusedesk/backend/internal/smtp"
	"abusedesk/backend/internal/storage"
	"abusedesk/backend/internal/storage/memory"
	"abusedesk/backend/internal/storage/postgres"
	redisstore "abusedesk/backend/internal/storage/redis"
	httptransport "abusedesk/backend/internal/transport/http"
	"abusedesk/backend/internal/websocket"
)

const version = "1.0.0"

// main 启动包含 HTTP API、SMTP 举报接收、IMAP 轮询与后台批处理的综合服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.FromConfig(cfg.Log, "abusedesk"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting abusedesk server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储层
	store, closeStore, err := initializeStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer closeStore()

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	// Redis：去重快速路径与索引重放队列，不可用时降级运行
	var (
		redisClient *redisstore.Client
		dedup       ingest.DedupFilter
		replayQueue search.ReplayQueue
	)
	if cfg.Redis.Address != "" {
		redisClient, err = redisstore.New(ctx, &cfg.Redis, log)
		if err != nil {
			log.Warn("redis unavailable, continuing without dedup fast path and replay queue", zap.Error(err))
		} else {
			defer redisClient.Close()
			dedup = redisstore.NewDedupFilter(redisClient, cfg.Redis.DedupTTL)
			replayQueue = redisstore.NewReplayQueue(redisClient)
		}
	}

	// 搜索索引
	var (
		searchClient *search.Client
		indexer      search.Indexer
		searcher     service.Searcher
	)
	if len(cfg.Search.Addresses) > 0 {
		searchClient, err = search.NewClient(&cfg.Search, log)
		if err != nil {
			log.Warn("search disabled, failed to create client", zap.Error(err))
		} else {
			if err := searchClient.EnsureIndices(ctx); err != nil {
				log.Warn("failed to ensure search indices", zap.Error(err))
			}
			indexer = searchClient
			searcher = searchClient
		}
	} else {
		log.Info("search disabled, no addresses configured")
	}
	syncer := search.NewSynchronizer(indexer, replayQueue, metrics, search.SyncOptions{
		Timeout:     cfg.Search.Timeout,
		MaxAttempts: cfg.Search.ReplayMaxAttempts,
	}, log)

	// 实时事件推送
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, metrics, log)

	// 后台批处理
	workers := pool.NewWorkerPool(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, metrics, log)
	workers.Start(ctx)

	threatClassifier := classifier.New(&cfg.Classifier, log)
	defer threatClassifier.Close()
	var orchestrator service.Orchestrator
	if threatClassifier.Configured() {
		orchestrator = pipeline.NewOrchestrator(store, threatClassifier, syncer, wsHub, metrics, workers, pipeline.Options{
			Concurrency: cfg.Pipeline.BatchConcurrency,
			ItemTimeout: cfg.Pipeline.ItemTimeout,
		}, log)
		log.Info("threat classifier configured",
			zap.String("provider", cfg.Classifier.Provider),
			zap.String("model", cfg.Classifier.Model),
		)
	} else {
		log.Warn("classifier URL not configured, batch processing disabled")
	}

	// 邮件摄取
	ingestor := ingest.NewIngestor(store, dedup, syncer, wsHub, metrics, log)
	var mailSource ingest.Source
	if cfg.IMAP.Address != "" {
		imapSource, err := ingest.NewIMAPSource(cfg.IMAP, log)
		if err != nil {
			log.Warn("IMAP source disabled", zap.Error(err))
		} else {
			mailSource = imapSource
		}
	}

	// 初始化服务层
	ticketService := service.NewTicketService(store, syncer, wsHub, metrics, log)
	messageService := service.NewMessageService(store, ticketService, syncer, wsHub, service.MessageServiceOptions{
		Orchestrator:    orchestrator,
		Ingestor:        ingestor,
		Source:          mailSource,
		BackgroundLimit: cfg.Pipeline.BackgroundLimit,
		SyncLimit:       cfg.Pipeline.SyncLimit,
	}, log)
	searchService := service.NewSearchService(searcher)

	// 初始化健康检查
	deps := health.Dependencies{ClassifierURL: cfg.Classifier.URL}
	if redisClient != nil {
		deps.Redis = redisClient
	}
	if searchClient != nil {
		deps.Search = searchClient
	}
	healthChecker := health.NewHealthChecker(store, deps, log)

	// SMTP 举报接收
	var smtpBackend *smtp.Backend
	if cfg.SMTP.Enabled {
		smtpBackend = smtp.NewBackend(ingestor, cfg.SMTP, log)
	}

	// 初始化告警系统
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.DatabaseConnectionRule(store.Health))
	if replayQueue != nil {
		alertManager.AddRule(monitoring.ReplayBacklogRule(replayQueue.Len, 1000))
	}
	if smtpBackend != nil {
		alertManager.AddRule(monitoring.ConnectionSaturationRule(smtpBackend.ActiveConnections, cfg.SMTP.MaxConnections, 0.9))
	}

	log.Info("monitoring system initialized")

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		TicketService:  ticketService,
		MessageService: messageService,
		SearchService:  searchService,
		WebSocketHub:   wsHub,
		Health:         healthChecker,
		Metrics:        metrics,
		Logger:         log,
	})

	// 写超时覆盖同步批处理的最坏耗时，保证汇总能写回
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Pipeline.SyncBudget() + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	var smtpServer *gosmtp.Server
	if smtpBackend != nil {
		smtpServer = smtp.NewServer(smtpBackend, cfg.SMTP)
		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && groupCtx.Err() == nil {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// IMAP 定时拉取 goroutine
	if mailSource != nil && cfg.IMAP.PollInterval > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(cfg.IMAP.PollInterval)
			defer ticker.Stop()

			log.Info("starting IMAP poll task", zap.Duration("interval", cfg.IMAP.PollInterval))

			for {
				select {
				case <-groupCtx.Done():
					log.Info("IMAP poll task stopped")
					return nil
				case <-ticker.C:
					report, err := ingestor.Run(groupCtx, mailSource)
					if err != nil {
						log.Error("failed to fetch messages from IMAP", zap.Error(err))
						continue
					}
					if report.Stored > 0 && orchestrator != nil {
						orchestrator.Schedule(report.MessageIDs)
					}
				}
			}
		})
	}

	// 搜索索引重放 goroutine
	group.Go(func() error {
		return syncer.RunReplay(groupCtx, cfg.Search.ReplayInterval, cfg.Search.ReplayBatch)
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 监控服务 goroutine
	group.Go(func() error {
		log.Info("starting monitoring services")
		alertManager.StartMonitoring(groupCtx, 1*time.Minute)
		return nil
	})

	// 系统指标采集 goroutine
	group.Go(func() error {
		collectSystemMetrics(groupCtx, store, workers, metrics, log)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 关闭 HTTP 服务器
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 关闭 SMTP 服务器
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		// 等待后台批处理完成
		workers.Stop()

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// collectSystemMetrics 定期更新运行时长与数据库连接数
func collectSystemMetrics(ctx context.Context, store storage.Store, workers *pool.WorkerPool, metrics *monitoring.Metrics, log *zap.Logger) {
	started := time.Now()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	conns, hasConns := store.(interface{ OpenConnections() int })

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateSystemUptime(time.Since(started))
			if hasConns {
				metrics.UpdateDatabaseConnections(conns.OpenConnections())
			}
			stats := workers.Stats()
			log.Debug("worker pool stats",
				zap.Int("workers", stats.Workers),
				zap.Int("queued", stats.Queued),
				zap.Int64("running", stats.Running),
				zap.Int64("completed", stats.Completed),
			)
		}
	}
}

// initializeStorage 按配置选择存储实现，未配置数据库时使用内存存储
func initializeStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, func(), error) {
	if cfg.Database.Type == "" {
		log.Info("using memory storage (development mode)")
		store := memory.NewStore()
		return store, func() { _ = store.Close() }, nil
	}

	store, closeStore, err := postgres.Open(ctx, &cfg.Database, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database storage: %w", err)
	}
	log.Info("using database storage", zap.String("type", cfg.Database.Type))
	return store, closeStore, nil
}
