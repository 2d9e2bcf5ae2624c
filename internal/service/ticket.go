package service

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/monitoring"
	"abusedesk/backend/internal/storage"
)

// TicketService 封装工单与关联的业务逻辑。
type TicketService struct {
	projector
	metrics *monitoring.Metrics
}

// NewTicketService 创建工单业务服务。
func NewTicketService(store storage.Store, index Indexer, events domain.EventPublisher, metrics *monitoring.Metrics, log *zap.Logger) *TicketService {
	if log == nil {
		log = zap.NewNop()
	}
	return &TicketService{
		projector: newProjector(store, index, events, log.Named("tickets")),
		metrics:   metrics,
	}
}

// CreateTicketInput 定义创建工单的输入。
type CreateTicketInput struct {
	TicketType          string
	IPAddress           *string
	Subject             string
	Description         string
	ConfidenceScore     *float64
	IdentifiedThreats   []string
	ExtractedIndicators []string
	AnalysisSummary     *string
	EmailIDs            []string
}

// CreateTicketResult 创建工单的结果
type CreateTicketResult struct {
	TicketID string               `json:"ticketId"`
	Ticket   *domain.Ticket       `json:"ticket"`
	Linked   []string             `json:"linkedEmails"`
	Failed   []domain.LinkFailure `json:"failedEmails"`
}

// Partial 是否有邮件关联失败
func (r *CreateTicketResult) Partial() bool {
	return len(r.Failed) > 0
}

// StatusUpdate 状态更新结果
type StatusUpdate struct {
	Status    domain.TicketStatus `json:"status"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Create 新建工单，可同时关联邮件。
//
// 请求了关联但一封都没关联成功时整个操作回滚，返回校验错误。
func (s *TicketService) Create(ctx context.Context, input CreateTicketInput) (*CreateTicketResult, error) {
	ticket, err := buildTicket(input)
	if err != nil {
		return nil, err
	}

	report, err := s.store.CreateTicket(ctx, ticket, dedupeIDs(input.EmailIDs))
	if err != nil {
		return nil, err
	}

	s.index.TicketCreated(ctx, ticket)
	for _, id := range report.Linked {
		s.refreshMessage(ctx, id)
	}
	s.publish(domain.EventTicketCreated, domain.TopicTickets, ticket)
	s.metrics.RecordTicketCreated(string(ticket.TicketType), "api")

	s.log.Info("Ticket created",
		zap.String("ticket_id", ticket.ID),
		zap.String("ticket_type", string(ticket.TicketType)),
		zap.Int("linked", len(report.Linked)),
		zap.Int("failed", len(report.Failed)))

	return &CreateTicketResult{
		TicketID: ticket.ID,
		Ticket:   ticket,
		Linked:   report.Linked,
		Failed:   report.Failed,
	}, nil
}

// Get 获取工单
func (s *TicketService) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	return s.store.GetTicket(ctx, id)
}

// List 分页列出工单
func (s *TicketService) List(ctx context.Context, filter domain.TicketFilter) (*domain.TicketListResult, error) {
	return s.store.ListTickets(ctx, filter)
}

// UpdateStatus 更新工单状态，四种状态之间可任意转换。
func (s *TicketService) UpdateStatus(ctx context.Context, id, status string) (*StatusUpdate, error) {
	parsed, ok := domain.ParseTicketStatus(status)
	if !ok {
		return nil, domain.Validationf("unknown ticket status %q", status)
	}

	updatedAt, err := s.store.UpdateTicketStatus(ctx, id, parsed)
	if err != nil {
		return nil, err
	}

	ticket := s.refreshTicket(ctx, id)
	if ticket == nil {
		ticket = &domain.Ticket{ID: id, Status: parsed, UpdatedAt: updatedAt}
	}
	s.publish(domain.EventTicketStatusChanged, domain.TopicTickets, ticket)

	return &StatusUpdate{Status: parsed, UpdatedAt: updatedAt}, nil
}

// AddEmail 关联邮件到工单，返回是否新建了关联
func (s *TicketService) AddEmail(ctx context.Context, ticketID, messageID string) (bool, error) {
	created, err := s.store.LinkMessage(ctx, ticketID, messageID)
	if err != nil {
		return false, err
	}
	if created {
		s.refreshTicket(ctx, ticketID)
		s.refreshMessage(ctx, messageID)
		s.publish(domain.EventTicketLinked, domain.TopicTickets, linkPayload(ticketID, messageID))
	}
	return created, nil
}

// RemoveEmail 解除邮件与工单的关联
func (s *TicketService) RemoveEmail(ctx context.Context, ticketID, messageID string) error {
	if err := s.store.UnlinkMessage(ctx, ticketID, messageID); err != nil {
		return err
	}
	s.refreshTicket(ctx, ticketID)
	s.refreshMessage(ctx, messageID)
	s.publish(domain.EventTicketUnlinked, domain.TopicTickets, linkPayload(ticketID, messageID))
	return nil
}

// ListEmails 列出工单关联的邮件
func (s *TicketService) ListEmails(ctx context.Context, ticketID string) ([]domain.Message, error) {
	return s.store.ListTicketMessages(ctx, ticketID)
}

func linkPayload(ticketID, messageID string) map[string]string {
	return map[string]string{"ticketId": ticketID, "emailId": messageID}
}

// buildTicket 校验输入并构造工单
func buildTicket(input CreateTicketInput) (*domain.Ticket, error) {
	ticketType := domain.TicketTypeOther
	if raw := strings.TrimSpace(input.TicketType); raw != "" {
		parsed, ok := domain.ParseTicketType(raw)
		if !ok {
			return nil, domain.Validationf("unknown ticket type %q", input.TicketType)
		}
		ticketType = parsed
	}

	var ip *string
	if input.IPAddress != nil {
		if raw := strings.TrimSpace(*input.IPAddress); raw != "" {
			parsed := net.ParseIP(raw)
			if parsed == nil {
				return nil, domain.Validationf("invalid ip address %q", raw)
			}
			normalized := parsed.String()
			ip = &normalized
		}
	}

	ticket := &domain.Ticket{
		TicketType:          ticketType,
		Status:              domain.TicketStatusOpen,
		IPAddress:           ip,
		Subject:             strings.TrimSpace(input.Subject),
		Description:         strings.TrimSpace(input.Description),
		ConfidenceScore:     input.ConfidenceScore,
		IdentifiedThreats:   compact(input.IdentifiedThreats),
		ExtractedIndicators: compact(input.ExtractedIndicators),
		AnalysisSummary:     input.AnalysisSummary,
	}
	if err := ticket.Validate(); err != nil {
		return nil, err
	}
	return ticket, nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
