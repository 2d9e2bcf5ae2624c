package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/ingest"
	"abusedesk/backend/internal/pipeline"
	"abusedesk/backend/internal/storage"
)

var (
	// ErrNoMailSource 未配置拉取式邮件源
	ErrNoMailSource = errors.New("no mail source configured")
	// ErrProcessingDisabled 未配置批处理编排
	ErrProcessingDisabled = errors.New("batch processing not available")
)

// Orchestrator 批处理编排（pipeline.Orchestrator 实现）
type Orchestrator interface {
	Schedule(ids []string) bool
	ProcessMessages(ctx context.Context, ids []string) (*pipeline.BatchSummary, error)
	ProcessUnanalyzed(ctx context.Context, limit int) (*pipeline.BatchSummary, error)
}

// Ingestor 拉取式摄取
type Ingestor interface {
	Run(ctx context.Context, src ingest.Source) (*ingest.Report, error)
}

// MessageService 封装邮件处理逻辑。
type MessageService struct {
	projector
	tickets         *TicketService
	orchestrator    Orchestrator
	ingestor        Ingestor
	source          ingest.Source
	backgroundLimit int
	syncLimit       int
}

// MessageServiceOptions 邮件服务的可选协作方
type MessageServiceOptions struct {
	Orchestrator    Orchestrator  // 为空时列表请求不触发后台分析
	Ingestor        Ingestor      // 与 Source 一起用于手动拉取
	Source          ingest.Source // 为空时 Fetch 返回 ErrNoMailSource
	BackgroundLimit int           // 单次列表请求最多调度的邮件数
	SyncLimit       int           // 同步批处理的最大条数，0 表示不限制
}

// NewMessageService 创建邮件业务服务。
func NewMessageService(store storage.Store, tickets *TicketService, index Indexer, events domain.EventPublisher, opts MessageServiceOptions, log *zap.Logger) *MessageService {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BackgroundLimit <= 0 {
		opts.BackgroundLimit = 50
	}
	return &MessageService{
		projector:       newProjector(store, index, events, log.Named("messages")),
		tickets:         tickets,
		orchestrator:    opts.Orchestrator,
		ingestor:        opts.Ingestor,
		source:          opts.Source,
		backgroundLimit: opts.BackgroundLimit,
		syncLimit:       opts.SyncLimit,
	}
}

// List 分页列出邮件。
//
// 当前页中未分析的入站邮件会交给后台批处理，响应返回处理前的数据。
func (s *MessageService) List(ctx context.Context, filter domain.MessageFilter) (*domain.MessageListResult, error) {
	result, err := s.store.ListMessages(ctx, filter)
	if err != nil {
		return nil, err
	}

	if s.orchestrator != nil {
		var pending []string
		for _, msg := range result.Messages {
			if !msg.Analyzed && !msg.IsSent {
				pending = append(pending, msg.ID)
			}
			if len(pending) >= s.backgroundLimit {
				break
			}
		}
		if len(pending) > 0 && s.orchestrator.Schedule(pending) {
			s.log.Debug("Scheduled background analysis", zap.Int("count", len(pending)))
		}
	}
	return result, nil
}

// Get 获取邮件
func (s *MessageService) Get(ctx context.Context, id string) (*domain.Message, error) {
	return s.store.GetMessage(ctx, id)
}

// Delete 删除没有关联工单的邮件
func (s *MessageService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteMessage(ctx, id); err != nil {
		return err
	}
	s.index.MessageDeleted(ctx, id)
	s.publish(domain.EventMessageDeleted, domain.TopicMessages, map[string]string{"id": id})
	return nil
}

// ForceDelete 解除全部关联后删除邮件，并刷新受影响工单的索引
func (s *MessageService) ForceDelete(ctx context.Context, id string) ([]string, error) {
	ticketIDs, err := s.store.ForceDeleteMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticketIDs == nil {
		ticketIDs = []string{}
	}

	s.index.MessageDeleted(ctx, id)
	for _, ticketID := range ticketIDs {
		s.refreshTicket(ctx, ticketID)
	}
	s.publish(domain.EventMessageDeleted, domain.TopicMessages, map[string]interface{}{
		"id":        id,
		"ticketIds": ticketIDs,
	})
	return ticketIDs, nil
}

// MarkAnalyzed 标记邮件为已分析，返回状态是否发生变化
func (s *MessageService) MarkAnalyzed(ctx context.Context, id string) (bool, error) {
	changed, err := s.store.MarkMessageAnalyzed(ctx, id)
	if err != nil {
		return false, err
	}
	if changed {
		s.refreshMessage(ctx, id)
		s.publish(domain.EventMessageAnalyzed, domain.TopicMessages, map[string]string{"id": id})
	}
	return changed, nil
}

// Tickets 列出邮件关联的工单
func (s *MessageService) Tickets(ctx context.Context, id string) ([]domain.Ticket, error) {
	return s.store.ListMessageTickets(ctx, id)
}

// LinkTicket 从邮件一侧建立关联
func (s *MessageService) LinkTicket(ctx context.Context, messageID, ticketID string) (bool, error) {
	return s.tickets.AddEmail(ctx, ticketID, messageID)
}

// UnlinkTicket 从邮件一侧解除关联
func (s *MessageService) UnlinkTicket(ctx context.Context, messageID, ticketID string) error {
	return s.tickets.RemoveEmail(ctx, ticketID, messageID)
}

// Process 同步处理邮件：ids 为空时处理最早的 limit 封未分析邮件
func (s *MessageService) Process(ctx context.Context, ids []string, limit int) (*pipeline.BatchSummary, error) {
	if s.orchestrator == nil {
		return nil, ErrProcessingDisabled
	}
	if len(ids) == 0 {
		if limit <= 0 {
			limit = s.backgroundLimit
		}
		if s.syncLimit > 0 && limit > s.syncLimit {
			limit = s.syncLimit
		}
		return s.orchestrator.ProcessUnanalyzed(ctx, limit)
	}
	if s.syncLimit > 0 && len(ids) > s.syncLimit {
		return nil, domain.Validationf("at most %d ids can be processed in one request", s.syncLimit)
	}
	return s.orchestrator.ProcessMessages(ctx, ids)
}

// Fetch 立即执行一次拉取式摄取
func (s *MessageService) Fetch(ctx context.Context) (*ingest.Report, error) {
	if s.ingestor == nil || s.source == nil {
		return nil, ErrNoMailSource
	}
	return s.ingestor.Run(ctx, s.source)
}
