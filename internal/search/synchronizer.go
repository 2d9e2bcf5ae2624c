package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/monitoring"
)

// Indexer 搜索索引写入接口
type Indexer interface {
	Index(ctx context.Context, kind, id string, doc interface{}) error
	Update(ctx context.Context, kind, id string, partial interface{}) error
	Delete(ctx context.Context, kind, id string) error
}

// ReplayQueue 失败写入的持久化队列
type ReplayQueue interface {
	Push(ctx context.Context, payload []byte) error
	Pop(ctx context.Context) ([]byte, bool, error)
	Len(ctx context.Context) (int64, error)
}

// NopIndexer 搜索未启用时使用
type NopIndexer struct{}

func (NopIndexer) Index(context.Context, string, string, interface{}) error  { return nil }
func (NopIndexer) Update(context.Context, string, string, interface{}) error { return nil }
func (NopIndexer) Delete(context.Context, string, string) error              { return nil }

// 索引操作类型
const (
	opIndex  = "index"
	opUpdate = "update"
	opDelete = "delete"
)

// operation 一次索引写入，失败后序列化进入重放队列
type operation struct {
	Op       string          `json:"op"`
	Index    string          `json:"index"`
	ID       string          `json:"id"`
	Doc      json.RawMessage `json:"doc,omitempty"`
	Attempts int             `json:"attempts"`
}

// SyncOptions 同步器选项
type SyncOptions struct {
	Timeout     time.Duration // 单次写入超时
	MaxAttempts int           // 最大重放次数
}

// Synchronizer 在关系库提交之后把变更投影到搜索索引。
//
// 写入是尽力而为的：失败只记录日志与指标，不影响调用方；
// 配置了重放队列时失败的写入会在后台重试。
type Synchronizer struct {
	indexer Indexer
	queue   ReplayQueue
	metrics *monitoring.Metrics
	opts    SyncOptions
	log     *zap.Logger
}

// NewSynchronizer 创建索引同步器，queue 与 metrics 可以为 nil
func NewSynchronizer(indexer Indexer, queue ReplayQueue, metrics *monitoring.Metrics, opts SyncOptions, log *zap.Logger) *Synchronizer {
	if indexer == nil {
		indexer = NopIndexer{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Synchronizer{
		indexer: indexer,
		queue:   queue,
		metrics: metrics,
		opts:    opts,
		log:     log.Named("search-sync"),
	}
}

// MessageCreated 写入新邮件文档
func (s *Synchronizer) MessageCreated(ctx context.Context, msg *domain.Message) {
	s.apply(ctx, opIndex, IndexMessages, msg.ID, domain.NewMessageDocument(msg))
}

// MessageUpdated 更新邮件文档（分析状态、关联工单）
func (s *Synchronizer) MessageUpdated(ctx context.Context, msg *domain.Message) {
	s.apply(ctx, opUpdate, IndexMessages, msg.ID, domain.NewMessageDocument(msg))
}

// MessageDeleted 删除邮件文档
func (s *Synchronizer) MessageDeleted(ctx context.Context, id string) {
	s.apply(ctx, opDelete, IndexMessages, id, nil)
}

// TicketCreated 写入新工单文档
func (s *Synchronizer) TicketCreated(ctx context.Context, ticket *domain.Ticket) {
	s.apply(ctx, opIndex, IndexTickets, ticket.ID, domain.NewTicketDocument(ticket))
}

// TicketUpdated 更新工单文档（状态、关联邮件）
func (s *Synchronizer) TicketUpdated(ctx context.Context, ticket *domain.Ticket) {
	s.apply(ctx, opUpdate, IndexTickets, ticket.ID, domain.NewTicketDocument(ticket))
}

func (s *Synchronizer) apply(ctx context.Context, op, index, id string, doc interface{}) {
	o := operation{Op: op, Index: index, ID: id}
	if doc != nil {
		raw, err := json.Marshal(doc)
		if err != nil {
			s.log.Error("failed to encode search document", zap.String("index", index), zap.String("id", id), zap.Error(err))
			return
		}
		o.Doc = raw
	}

	// 请求结束不应中断已提交数据的索引写入
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()

	if err := s.execute(ctx, o); err != nil {
		s.log.Warn("search index write failed",
			zap.String("op", op),
			zap.String("index", index),
			zap.String("id", id),
			zap.Error(err),
		)
		s.metrics.RecordIndexFailure(index, op)
		s.enqueue(ctx, o)
	}
}

func (s *Synchronizer) execute(ctx context.Context, o operation) error {
	switch o.Op {
	case opIndex:
		return s.indexer.Index(ctx, o.Index, o.ID, o.Doc)
	case opUpdate:
		return s.indexer.Update(ctx, o.Index, o.ID, o.Doc)
	case opDelete:
		return s.indexer.Delete(ctx, o.Index, o.ID)
	default:
		return fmt.Errorf("unknown index operation %q", o.Op)
	}
}

func (s *Synchronizer) enqueue(ctx context.Context, o operation) {
	if s.queue == nil {
		return
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return
	}
	if err := s.queue.Push(ctx, payload); err != nil {
		s.log.Error("failed to queue search write for replay", zap.String("id", o.ID), zap.Error(err))
	}
}

// Replay 重放最多 max 条失败写入，返回成功条数。
// 超过最大重放次数的写入被丢弃并记录错误日志。
func (s *Synchronizer) Replay(ctx context.Context, max int) (int, error) {
	if s.queue == nil {
		return 0, nil
	}

	succeeded := 0
	for i := 0; i < max; i++ {
		payload, ok, err := s.queue.Pop(ctx)
		if err != nil {
			return succeeded, fmt.Errorf("pop replay queue: %w", err)
		}
		if !ok {
			break
		}

		var o operation
		if err := json.Unmarshal(payload, &o); err != nil {
			s.log.Error("discarding malformed replay entry", zap.Error(err))
			s.metrics.RecordIndexReplay("dropped")
			continue
		}

		writeCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		err = s.execute(writeCtx, o)
		cancel()

		if err == nil {
			succeeded++
			s.metrics.RecordIndexReplay("succeeded")
			continue
		}

		o.Attempts++
		if o.Attempts >= s.opts.MaxAttempts {
			s.log.Error("dropping search write after max attempts",
				zap.String("op", o.Op),
				zap.String("index", o.Index),
				zap.String("id", o.ID),
				zap.Int("attempts", o.Attempts),
				zap.Error(err),
			)
			s.metrics.RecordIndexReplay("dropped")
			continue
		}
		s.metrics.RecordIndexReplay("requeued")
		s.enqueue(ctx, o)
	}

	if n, err := s.queue.Len(ctx); err == nil {
		s.metrics.UpdateReplayBacklog(n)
	}
	return succeeded, nil
}

// RunReplay 按固定间隔重放失败写入，直到 ctx 结束
func (s *Synchronizer) RunReplay(ctx context.Context, interval time.Duration, batch int) error {
	if s.queue == nil || interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Replay(ctx, batch)
			if err != nil {
				s.log.Warn("search replay failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("replayed search writes", zap.Int("count", n))
			}
		}
	}
}
