package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"abusedesk/backend/internal/classifier"
	"abusedesk/backend/internal/config"
	"abusedesk/backend/internal/ingest"
	"abusedesk/backend/internal/logger"
	"abusedesk/backend/internal/pipeline"
	"abusedesk/backend/internal/search"
	"abusedesk/backend/internal/storage/postgres"
	redisstore "abusedesk/backend/internal/storage/redis"
)

// main 执行一次性邮件导入：从 .eml 目录或配置的 IMAP 邮箱拉取邮件写入数据库，
// 可选地立即对新邮件做威胁分析。
func main() {
	dir := flag.String("dir", "", "从该目录导入 .eml 文件；留空时使用 IMAP 配置")
	process := flag.Bool("process", false, "导入后立即对新邮件执行威胁分析")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log, "abusedesk-ingest"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *dir, *process, log); err != nil {
		log.Error("ingest failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, dir string, process bool, log *zap.Logger) error {
	if cfg.Database.Type == "" {
		return fmt.Errorf("database type is required for one-off ingest")
	}

	store, closeStore, err := postgres.Open(ctx, &cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 选择邮件源
	var src ingest.Source
	if dir != "" {
		src = &ingest.DirSource{Dir: dir}
	} else {
		imapSource, err := ingest.NewIMAPSource(cfg.IMAP, log)
		if err != nil {
			return err
		}
		src = imapSource
	}

	var dedup ingest.DedupFilter
	var replayQueue search.ReplayQueue
	if cfg.Redis.Address != "" {
		client, err := redisstore.New(ctx, &cfg.Redis, log)
		if err != nil {
			log.Warn("redis unavailable, ingesting without dedup fast path", zap.Error(err))
		} else {
			defer client.Close()
			dedup = redisstore.NewDedupFilter(client, cfg.Redis.DedupTTL)
			replayQueue = redisstore.NewReplayQueue(client)
		}
	}

	var indexer search.Indexer
	if len(cfg.Search.Addresses) > 0 {
		client, err := search.NewClient(&cfg.Search, log)
		if err != nil {
			log.Warn("search disabled, failed to create client", zap.Error(err))
		} else {
			indexer = client
		}
	}
	syncer := search.NewSynchronizer(indexer, replayQueue, nil, search.SyncOptions{
		Timeout:     cfg.Search.Timeout,
		MaxAttempts: cfg.Search.ReplayMaxAttempts,
	}, log)

	ingestor := ingest.NewIngestor(store, dedup, syncer, nil, nil, log)
	report, err := ingestor.Run(ctx, src)
	if err != nil {
		return err
	}
	log.Info("ingest finished",
		zap.String("source", report.Source),
		zap.Int("fetched", report.Fetched),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("stored", report.Stored),
	)

	if !process || len(report.MessageIDs) == 0 {
		return nil
	}

	threatClassifier := classifier.New(&cfg.Classifier, log)
	defer threatClassifier.Close()
	if !threatClassifier.Configured() {
		return fmt.Errorf("classifier URL is not configured")
	}
	orchestrator := pipeline.NewOrchestrator(store, threatClassifier, syncer, nil, nil, nil, pipeline.Options{
		Concurrency: cfg.Pipeline.BatchConcurrency,
		ItemTimeout: cfg.Pipeline.ItemTimeout,
	}, log)

	summary, err := orchestrator.ProcessMessages(ctx, report.MessageIDs)
	if err != nil {
		return err
	}
	for _, f := range summary.Failures {
		log.Warn("message not analyzed",
			zap.String("message_id", f.MessageID),
			zap.String("stage", f.Stage),
			zap.String("reason", f.Reason))
	}
	return nil
}
