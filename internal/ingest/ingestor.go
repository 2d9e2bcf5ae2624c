package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/monitoring"
	"abusedesk/backend/internal/storage"
)

// DedupFilter 跨进程的去重快速路径（Redis SETNX）
type DedupFilter interface {
	// Claim 返回每个 key 是否由本次调用首次占用
	Claim(ctx context.Context, keys []string) ([]bool, error)
	Release(ctx context.Context, keys ...string) error
}

// MessageIndexer 新邮件的索引投影
type MessageIndexer interface {
	MessageCreated(ctx context.Context, msg *domain.Message)
}

// Report 一次摄取的结果
type Report struct {
	Source     string   `json:"source"`
	Fetched    int      `json:"fetched"`
	Duplicates int      `json:"duplicates"`
	Stored     int      `json:"stored"`
	MessageIDs []string `json:"messageIds"`
}

// Ingestor 把邮件源的邮件去重后写入存储。
//
// 唯一性由存储层主键保证；Redis 过滤器只用于减少重复写入，
// 不可用时退化为直接写库。
type Ingestor struct {
	store   storage.MessageRepository
	dedup   DedupFilter
	index   MessageIndexer
	events  domain.EventPublisher
	metrics *monitoring.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewIngestor 创建摄取器，dedup/index/events/metrics 均可为 nil
func NewIngestor(store storage.MessageRepository, dedup DedupFilter, index MessageIndexer, events domain.EventPublisher, metrics *monitoring.Metrics, log *zap.Logger) *Ingestor {
	if events == nil {
		events = domain.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		store:   store,
		dedup:   dedup,
		index:   index,
		events:  events,
		metrics: metrics,
		log:     log.Named("ingest"),
		now:     time.Now,
	}
}

// Run 从拉取式邮件源获取全部邮件后统一入库。拉取失败时不写入任何数据。
func (i *Ingestor) Run(ctx context.Context, src Source) (*Report, error) {
	raws, err := src.Fetch(ctx)
	if err != nil {
		i.log.Error("Failed to fetch messages",
			zap.String("source", src.Name()),
			zap.Error(err))
		return nil, fmt.Errorf("fetch from %s: %w", src.Name(), err)
	}
	return i.Accept(ctx, src.Name(), raws)
}

// Accept 摄取推送式邮件源（SMTP）交付的邮件
func (i *Ingestor) Accept(ctx context.Context, source string, raws []RawMessage) (*Report, error) {
	report := &Report{
		Source:     source,
		Fetched:    len(raws),
		MessageIDs: []string{},
	}

	candidates, claimed := i.claim(ctx, i.buildCandidates(raws))
	report.Duplicates = len(raws) - len(candidates)

	inserted, err := i.store.SaveMessages(ctx, candidates)
	if err != nil {
		i.release(claimed)
		i.log.Error("Failed to store messages",
			zap.String("source", source),
			zap.Int("count", len(candidates)),
			zap.Error(err))
		return nil, fmt.Errorf("store messages: %w", err)
	}
	report.Duplicates += len(candidates) - len(inserted)
	report.Stored = len(inserted)

	now := i.now().UTC()
	for _, msg := range inserted {
		report.MessageIDs = append(report.MessageIDs, msg.ID)
		if i.index != nil {
			i.index.MessageCreated(ctx, msg)
		}
		i.events.Publish(domain.Event{
			Type:      domain.EventMessageIngested,
			Topic:     domain.TopicMessages,
			Data:      msg,
			Timestamp: now,
		})
	}

	i.metrics.RecordIngest(source, report.Fetched, report.Duplicates, report.Stored)
	i.log.Info("Ingestion completed",
		zap.String("source", source),
		zap.Int("fetched", report.Fetched),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("stored", report.Stored))
	return report, nil
}

// buildCandidates 转换为领域邮件并在批次内按 ID 去重
func (i *Ingestor) buildCandidates(raws []RawMessage) []*domain.Message {
	now := i.now().UTC().Truncate(time.Microsecond)
	seen := make(map[string]struct{}, len(raws))
	out := make([]*domain.Message, 0, len(raws))

	for _, raw := range raws {
		id := MessageID(raw)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		recipients := make([]string, 0, len(raw.Recipients))
		for _, r := range raw.Recipients {
			if r = strings.TrimSpace(r); r != "" {
				recipients = append(recipients, r)
			}
		}
		receivedAt := now
		if !raw.ReceivedAt.IsZero() {
			receivedAt = raw.ReceivedAt.UTC().Truncate(time.Microsecond)
		}

		out = append(out, &domain.Message{
			ID:         id,
			Sender:     strings.TrimSpace(raw.Sender),
			Recipients: recipients,
			Subject:    raw.Subject,
			Body:       raw.Body,
			ReceivedAt: receivedAt,
			IsSent:     raw.IsSent,
			TicketIDs:  []string{},
		})
	}
	return out
}

// claim 通过 Redis 过滤已见过的邮件，返回剩余候选与本次占用的 key。
// Redis 出错时放行全部候选。
func (i *Ingestor) claim(ctx context.Context, candidates []*domain.Message) ([]*domain.Message, []string) {
	if i.dedup == nil || len(candidates) == 0 {
		return candidates, nil
	}

	keys := make([]string, len(candidates))
	for n, msg := range candidates {
		keys[n] = msg.ID
	}
	fresh, err := i.dedup.Claim(ctx, keys)
	if err != nil || len(fresh) != len(keys) {
		i.log.Warn("Dedup filter unavailable, falling back to store uniqueness", zap.Error(err))
		return candidates, nil
	}

	kept := candidates[:0]
	claimed := make([]string, 0, len(keys))
	for n, msg := range candidates {
		if !fresh[n] {
			continue
		}
		kept = append(kept, msg)
		claimed = append(claimed, keys[n])
	}
	return kept, claimed
}

// release 写库失败后释放本次占用的 key，下一次摄取会重新尝试
func (i *Ingestor) release(keys []string) {
	if i.dedup == nil || len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.dedup.Release(ctx, keys...); err != nil {
		i.log.Warn("Failed to release dedup keys",
			zap.Int("count", len(keys)),
			zap.Error(err))
	}
}
