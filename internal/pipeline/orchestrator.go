package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/monitoring"
	"abusedesk/backend/internal/pool"
)

// ItemState 批处理条目状态
type ItemState string

const (
	StatePending      ItemState = "pending"
	StateClassified   ItemState = "classified"
	StateTicketLinked ItemState = "ticket_linked"
	StateAnalyzed     ItemState = "analyzed"
	StateFailed       ItemState = "failed"
	StateSkipped      ItemState = "skipped"
)

// 失败阶段
const (
	StageLoad     = "load"
	StageClassify = "classify"
	StageTicket   = "ticket"
)

// 跳过原因
const (
	reasonAlreadyAnalyzed = "already analyzed"
	reasonOutbound        = "outbound message"
)

// Repository 编排器需要的存储操作
type Repository interface {
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	ListUnanalyzedMessageIDs(ctx context.Context, limit int) ([]string, error)
	CreateAnalysisTicket(ctx context.Context, ticket *domain.Ticket, messageID string) error
}

// Classifier 威胁分类
type Classifier interface {
	Classify(ctx context.Context, content string) (domain.ThreatAssessment, error)
}

// Indexer 分析结果的索引投影
type Indexer interface {
	MessageUpdated(ctx context.Context, msg *domain.Message)
	TicketCreated(ctx context.Context, ticket *domain.Ticket)
}

// ItemResult 单条邮件的处理结果
type ItemResult struct {
	MessageID string      `json:"emailId"`
	State     ItemState   `json:"state"`
	History   []ItemState `json:"history"` // 经历过的状态，按先后顺序
	TicketID  string      `json:"ticketId,omitempty"`
	Stage     string      `json:"stage,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

func (r *ItemResult) advance(state ItemState) {
	r.State = state
	r.History = append(r.History, state)
}

// Failure 失败条目
type Failure struct {
	MessageID string `json:"emailId"`
	Stage     string `json:"stage"`
	Reason    string `json:"reason"`
}

// BatchSummary 一次批处理的汇总
type BatchSummary struct {
	Requested int          `json:"requested"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	TicketIDs []string     `json:"ticketIds"`
	Failures  []Failure    `json:"failures"`
	Items     []ItemResult `json:"items"`
}

// Options 编排器选项
type Options struct {
	Concurrency int           // 单批次内并发数
	ItemTimeout time.Duration // 单条邮件处理超时
}

// Orchestrator 驱动 分类 → 建单 → 标记已分析 的批处理。
//
// 条目之间相互独立：一个条目失败不会影响其他条目，也不会自动重试。
// 同一封邮件被并发处理时，由存储层的条件更新保证只产生一张分析工单。
type Orchestrator struct {
	repo       Repository
	classifier Classifier
	index      Indexer
	events     domain.EventPublisher
	metrics    *monitoring.Metrics
	pool       *pool.WorkerPool
	opts       Options
	log        *zap.Logger
	now        func() time.Time

	inFlight sync.Map // message id -> struct{}
}

// NewOrchestrator 创建编排器。index、events、metrics、workers 可为 nil；
// workers 为 nil 时后台模式不可用。
func NewOrchestrator(repo Repository, classifier Classifier, index Indexer, events domain.EventPublisher, metrics *monitoring.Metrics, workers *pool.WorkerPool, opts Options, log *zap.Logger) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = 2 * time.Minute
	}
	if events == nil {
		events = domain.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		repo:       repo,
		classifier: classifier,
		index:      index,
		events:     events,
		metrics:    metrics,
		pool:       workers,
		opts:       opts,
		log:        log.Named("pipeline"),
		now:        time.Now,
	}
}

// ProcessMessages 同步处理指定邮件，全部条目结束后返回汇总。重复 ID 只处理一次。
func (o *Orchestrator) ProcessMessages(ctx context.Context, ids []string) (*BatchSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids = dedupe(ids)
	results := make([]ItemResult, len(ids))

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = o.processItem(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	summary := summarize(results)
	o.log.Info("Batch processed",
		zap.Int("requested", summary.Requested),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// ProcessUnanalyzed 处理最早的 limit 封未分析入站邮件
func (o *Orchestrator) ProcessUnanalyzed(ctx context.Context, limit int) (*BatchSummary, error) {
	ids, err := o.repo.ListUnanalyzedMessageIDs(ctx, limit)
	if err != nil {
		return nil, err
	}
	return o.ProcessMessages(ctx, ids)
}

// Schedule 把批次交给后台协程池，立即返回是否成功入队。
// 已在处理中的邮件会被忽略；全部被忽略时返回 false。
func (o *Orchestrator) Schedule(ids []string) bool {
	if o.pool == nil {
		return false
	}

	pending := make([]string, 0, len(ids))
	for _, id := range dedupe(ids) {
		if _, busy := o.inFlight.LoadOrStore(id, struct{}{}); !busy {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return false
	}

	release := func() {
		for _, id := range pending {
			o.inFlight.Delete(id)
		}
	}

	ok := o.pool.TrySubmit(func(ctx context.Context) {
		defer release()
		if _, err := o.ProcessMessages(ctx, pending); err != nil {
			o.log.Warn("Background batch aborted", zap.Error(err))
		}
	})
	if !ok {
		release()
		o.log.Warn("Worker pool saturated, background batch dropped", zap.Int("count", len(pending)))
	}
	return ok
}

// InFlight 判断邮件是否正在后台处理
func (o *Orchestrator) InFlight(id string) bool {
	_, busy := o.inFlight.Load(id)
	return busy
}

func (o *Orchestrator) processItem(ctx context.Context, id string) (result ItemResult) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.ItemTimeout)
	defer cancel()

	result = ItemResult{MessageID: id}
	result.advance(StatePending)
	defer func() {
		o.metrics.RecordPipelineItem(string(result.State))
	}()

	msg, err := o.repo.GetMessage(ctx, id)
	if err != nil {
		return o.fail(result, StageLoad, err)
	}
	if msg.Analyzed {
		return skip(result, reasonAlreadyAnalyzed)
	}
	if msg.IsSent {
		return skip(result, reasonOutbound)
	}

	start := o.now()
	assessment, err := o.classifier.Classify(ctx, msg.Content())
	if err != nil {
		o.metrics.RecordClassification("error", time.Since(start))
		return o.fail(result, StageClassify, err)
	}
	o.metrics.RecordClassification("ok", time.Since(start))
	result.advance(StateClassified)

	ticket := BuildTicket(msg, assessment)
	if err := o.repo.CreateAnalysisTicket(ctx, ticket, msg.ID); err != nil {
		if errors.Is(err, domain.ErrAlreadyAnalyzed) {
			return skip(result, reasonAlreadyAnalyzed)
		}
		return o.fail(result, StageTicket, err)
	}
	// 工单与关联已提交；已分析标记在同一事务中一并写入
	result.TicketID = ticket.ID
	result.advance(StateTicketLinked)

	msg.Analyzed = true
	msg.TicketIDs = append(msg.TicketIDs, ticket.ID)
	if o.index != nil {
		o.index.TicketCreated(ctx, ticket)
		o.index.MessageUpdated(ctx, msg)
	}

	now := o.now().UTC()
	o.events.Publish(domain.Event{Type: domain.EventTicketCreated, Topic: domain.TopicTickets, Data: ticket, Timestamp: now})
	o.events.Publish(domain.Event{Type: domain.EventMessageAnalyzed, Topic: domain.TopicMessages, Data: msg, Timestamp: now})
	o.metrics.RecordTicketCreated(string(ticket.TicketType), "pipeline")

	o.log.Debug("Message analyzed",
		zap.String("message_id", msg.ID),
		zap.String("ticket_id", ticket.ID),
		zap.String("ticket_type", string(ticket.TicketType)))
	result.advance(StateAnalyzed)
	return result
}

func (o *Orchestrator) fail(result ItemResult, stage string, err error) ItemResult {
	o.log.Warn("Batch item failed",
		zap.String("message_id", result.MessageID),
		zap.String("stage", stage),
		zap.Error(err))
	result.advance(StateFailed)
	result.Stage = stage
	result.Reason = err.Error()
	return result
}

func skip(result ItemResult, reason string) ItemResult {
	result.advance(StateSkipped)
	result.Reason = reason
	return result
}

func summarize(results []ItemResult) *BatchSummary {
	summary := &BatchSummary{
		Requested: len(results),
		TicketIDs: []string{},
		Failures:  []Failure{},
		Items:     results,
	}
	for _, r := range results {
		switch r.State {
		case StateAnalyzed:
			summary.Succeeded++
			summary.TicketIDs = append(summary.TicketIDs, r.TicketID)
		case StateSkipped:
			summary.Skipped++
		default:
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{
				MessageID: r.MessageID,
				Stage:     r.Stage,
				Reason:    r.Reason,
			})
		}
	}
	return summary
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
