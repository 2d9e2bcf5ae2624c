package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store 使用内存保存邮件、工单与关联，主要用于开发验证与测试。
//
// 所有写操作在同一把互斥锁下完成，因此与关系型存储一样具备事务语义。
type Store struct {
	mu       sync.RWMutex
	messages map[string]*domain.Message
	tickets  map[string]*domain.Ticket

	// 关联的双向索引
	byMessage map[string]map[string]time.Time // messageID -> ticketID -> 关联时间
	byTicket  map[string]map[string]time.Time // ticketID -> messageID -> 关联时间

	now func() time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		messages:  make(map[string]*domain.Message),
		tickets:   make(map[string]*domain.Ticket),
		byMessage: make(map[string]map[string]time.Time),
		byTicket:  make(map[string]map[string]time.Time),
		now:       time.Now,
	}
}

// Health 内存存储始终可用
func (s *Store) Health(context.Context) error {
	return nil
}

// Close 内存存储无需释放资源
func (s *Store) Close() error {
	return nil
}

// ========== Message Repository ==========

// SaveMessages 批量保存邮件，已存在的 ID 被跳过
func (s *Store) SaveMessages(_ context.Context, messages []*domain.Message) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := make([]*domain.Message, 0, len(messages))
	for _, msg := range messages {
		if _, exists := s.messages[msg.ID]; exists {
			continue
		}
		clone := cloneMessage(msg)
		clone.TicketIDs = nil
		s.messages[msg.ID] = clone
		inserted = append(inserted, msg)
	}
	return inserted, nil
}

// GetMessage 获取邮件及其关联工单 ID
func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return s.messageViewLocked(msg), nil
}

// ListMessages 分页列出邮件，按接收时间倒序
func (s *Store) ListMessages(_ context.Context, filter domain.MessageFilter) (*domain.MessageListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, pageSize, offset := storage.NormalizePage(filter.Page, filter.PageSize)

	matched := make([]*domain.Message, 0, len(s.messages))
	for _, msg := range s.messages {
		if filter.Analyzed != nil && msg.Analyzed != *filter.Analyzed {
			continue
		}
		if filter.IsSent != nil && msg.IsSent != *filter.IsSent {
			continue
		}
		matched = append(matched, msg)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ReceivedAt.Equal(matched[j].ReceivedAt) {
			return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	result := &domain.MessageListResult{
		Messages:   []domain.Message{},
		Total:      len(matched),
		Page:       page,
		PageSize:   pageSize,
		TotalPages: storage.TotalPages(len(matched), pageSize),
	}
	for _, msg := range window(matched, offset, pageSize) {
		result.Messages = append(result.Messages, *s.messageViewLocked(msg))
	}
	return result, nil
}

// ListUnanalyzedMessageIDs 列出未分析的入站邮件 ID，按接收时间正序
func (s *Store) ListUnanalyzedMessageIDs(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]*domain.Message, 0)
	for _, msg := range s.messages {
		if !msg.Analyzed && !msg.IsSent {
			pending = append(pending, msg)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].ReceivedAt.Equal(pending[j].ReceivedAt) {
			return pending[i].ReceivedAt.Before(pending[j].ReceivedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	ids := make([]string, len(pending))
	for i, msg := range pending {
		ids[i] = msg.ID
	}
	return ids, nil
}

// MarkMessageAnalyzed 标记邮件为已分析
func (s *Store) MarkMessageAnalyzed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return false, domain.ErrMessageNotFound
	}
	if msg.Analyzed {
		return false, nil
	}
	msg.Analyzed = true
	return true, nil
}

// DeleteMessage 删除没有关联工单的邮件
func (s *Store) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return domain.ErrMessageNotFound
	}
	if len(s.byMessage[id]) > 0 {
		return domain.ErrMessageHasTickets
	}
	delete(s.messages, id)
	delete(s.byMessage, id)
	return nil
}

// ForceDeleteMessage 解除全部关联后删除邮件
func (s *Store) ForceDeleteMessage(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return nil, domain.ErrMessageNotFound
	}

	ticketIDs := sortedKeys(s.byMessage[id])
	for _, ticketID := range ticketIDs {
		delete(s.byTicket[ticketID], id)
	}
	delete(s.byMessage, id)
	delete(s.messages, id)
	return ticketIDs, nil
}

// ========== Ticket Repository ==========

// CreateTicket 创建工单并关联邮件，全部关联失败时不保留工单
func (s *Store) CreateTicket(_ context.Context, ticket *domain.Ticket, messageIDs []string) (*domain.LinkReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	report := &domain.LinkReport{
		TicketID: ticket.ID,
		Linked:   []string{},
		Failed:   []domain.LinkFailure{},
	}

	seen := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if _, ok := s.messages[id]; !ok {
			report.Failed = append(report.Failed, domain.LinkFailure{
				MessageID: id,
				Error:     domain.ErrMessageNotFound.Error(),
			})
			continue
		}
		report.Linked = append(report.Linked, id)
	}
	if len(messageIDs) > 0 && len(report.Linked) == 0 {
		return nil, domain.ErrNoMessagesLinked
	}

	s.insertTicketLocked(ticket)
	for _, id := range report.Linked {
		s.linkLocked(id, ticket.ID)
	}
	ticket.EmailIDs = append([]string{}, report.Linked...)
	return report, nil
}

// CreateAnalysisTicket 创建分析工单、关联邮件并标记邮件为已分析
func (s *Store) CreateAnalysisTicket(_ context.Context, ticket *domain.Ticket, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if msg.Analyzed {
		return domain.ErrAlreadyAnalyzed
	}

	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	s.insertTicketLocked(ticket)
	s.linkLocked(messageID, ticket.ID)
	msg.Analyzed = true
	ticket.EmailIDs = []string{messageID}
	return nil
}

// GetTicket 获取工单及其关联邮件 ID
func (s *Store) GetTicket(_ context.Context, id string) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticket, ok := s.tickets[id]
	if !ok {
		return nil, domain.ErrTicketNotFound
	}
	return s.ticketViewLocked(ticket), nil
}

// ListTickets 分页列出工单，按创建时间倒序
func (s *Store) ListTickets(_ context.Context, filter domain.TicketFilter) (*domain.TicketListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, pageSize, offset := storage.NormalizePage(filter.Page, filter.PageSize)

	matched := make([]*domain.Ticket, 0, len(s.tickets))
	for _, ticket := range s.tickets {
		if filter.Status != nil && ticket.Status != *filter.Status {
			continue
		}
		if filter.TicketType != nil && ticket.TicketType != *filter.TicketType {
			continue
		}
		matched = append(matched, ticket)
	}
	sortTickets(matched)

	result := &domain.TicketListResult{
		Tickets:    []domain.Ticket{},
		Total:      len(matched),
		Page:       page,
		PageSize:   pageSize,
		TotalPages: storage.TotalPages(len(matched), pageSize),
	}
	for _, ticket := range window(matched, offset, pageSize) {
		result.Tickets = append(result.Tickets, *s.ticketViewLocked(ticket))
	}
	return result, nil
}

// UpdateTicketStatus 更新工单状态，updated_at 严格递增
func (s *Store) UpdateTicketStatus(_ context.Context, id string, status domain.TicketStatus) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[id]
	if !ok {
		return time.Time{}, domain.ErrTicketNotFound
	}
	// 与关系型存储一致：只保存枚举内的值
	ticket.Status, _ = domain.ParseTicketStatus(string(status))
	ticket.UpdatedAt = storage.NextUpdatedAt(ticket.UpdatedAt, s.now())
	return ticket.UpdatedAt, nil
}

// ========== Association Repository ==========

// LinkMessage 关联邮件到工单
func (s *Store) LinkMessage(_ context.Context, ticketID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTargetsLocked(ticketID, messageID); err != nil {
		return false, err
	}
	if _, linked := s.byTicket[ticketID][messageID]; linked {
		return false, nil
	}
	s.linkLocked(messageID, ticketID)
	return true, nil
}

// UnlinkMessage 解除邮件与工单的关联
func (s *Store) UnlinkMessage(_ context.Context, ticketID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTargetsLocked(ticketID, messageID); err != nil {
		return err
	}
	if _, linked := s.byTicket[ticketID][messageID]; !linked {
		return domain.ErrAssociationNotFound
	}
	delete(s.byTicket[ticketID], messageID)
	delete(s.byMessage[messageID], ticketID)
	return nil
}

// ListTicketMessages 列出工单关联的邮件
func (s *Store) ListTicketMessages(_ context.Context, ticketID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tickets[ticketID]; !ok {
		return nil, domain.ErrTicketNotFound
	}

	linked := make([]*domain.Message, 0, len(s.byTicket[ticketID]))
	for id := range s.byTicket[ticketID] {
		if msg, ok := s.messages[id]; ok {
			linked = append(linked, msg)
		}
	}
	sort.Slice(linked, func(i, j int) bool {
		return linked[i].ReceivedAt.After(linked[j].ReceivedAt)
	})

	messages := make([]domain.Message, 0, len(linked))
	for _, msg := range linked {
		messages = append(messages, *s.messageViewLocked(msg))
	}
	return messages, nil
}

// ListMessageTickets 列出邮件关联的工单
func (s *Store) ListMessageTickets(_ context.Context, messageID string) ([]domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.messages[messageID]; !ok {
		return nil, domain.ErrMessageNotFound
	}

	linked := make([]*domain.Ticket, 0, len(s.byMessage[messageID]))
	for id := range s.byMessage[messageID] {
		if ticket, ok := s.tickets[id]; ok {
			linked = append(linked, ticket)
		}
	}
	sortTickets(linked)

	tickets := make([]domain.Ticket, 0, len(linked))
	for _, ticket := range linked {
		tickets = append(tickets, *s.ticketViewLocked(ticket))
	}
	return tickets, nil
}

// ========== 内部辅助 ==========

func (s *Store) insertTicketLocked(ticket *domain.Ticket) {
	now := s.now().UTC().Truncate(time.Microsecond)
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = now
	}
	if ticket.UpdatedAt.IsZero() {
		ticket.UpdatedAt = ticket.CreatedAt
	}
	ticket.NormalizeEnums()
	clone := cloneTicket(ticket)
	clone.EmailIDs = nil
	s.tickets[ticket.ID] = clone
}

func (s *Store) linkLocked(messageID, ticketID string) {
	now := s.now()
	if s.byMessage[messageID] == nil {
		s.byMessage[messageID] = make(map[string]time.Time)
	}
	if s.byTicket[ticketID] == nil {
		s.byTicket[ticketID] = make(map[string]time.Time)
	}
	s.byMessage[messageID][ticketID] = now
	s.byTicket[ticketID][messageID] = now
}

func (s *Store) checkTargetsLocked(ticketID, messageID string) error {
	if _, ok := s.tickets[ticketID]; !ok {
		return domain.ErrTicketNotFound
	}
	if _, ok := s.messages[messageID]; !ok {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (s *Store) messageViewLocked(msg *domain.Message) *domain.Message {
	view := cloneMessage(msg)
	view.TicketIDs = byLinkTime(s.byMessage[msg.ID])
	return view
}

func (s *Store) ticketViewLocked(ticket *domain.Ticket) *domain.Ticket {
	view := cloneTicket(ticket)
	view.EmailIDs = byLinkTime(s.byTicket[ticket.ID])
	return view
}

func cloneMessage(msg *domain.Message) *domain.Message {
	clone := *msg
	clone.Recipients = append([]string(nil), msg.Recipients...)
	return &clone
}

func cloneTicket(ticket *domain.Ticket) *domain.Ticket {
	clone := *ticket
	clone.IdentifiedThreats = append([]string(nil), ticket.IdentifiedThreats...)
	clone.ExtractedIndicators = append([]string(nil), ticket.ExtractedIndicators...)
	if ticket.IPAddress != nil {
		ip := *ticket.IPAddress
		clone.IPAddress = &ip
	}
	if ticket.ConfidenceScore != nil {
		score := *ticket.ConfidenceScore
		clone.ConfidenceScore = &score
	}
	if ticket.AnalysisSummary != nil {
		summary := *ticket.AnalysisSummary
		clone.AnalysisSummary = &summary
	}
	return &clone
}

func sortTickets(tickets []*domain.Ticket) {
	sort.Slice(tickets, func(i, j int) bool {
		if !tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].CreatedAt.After(tickets[j].CreatedAt)
		}
		return tickets[i].ID < tickets[j].ID
	})
}

// byLinkTime 按关联时间排序返回 ID
func byLinkTime(links map[string]time.Time) []string {
	ids := make([]string, 0, len(links))
	for id := range links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := links[ids[i]], links[ids[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ids[i] < ids[j]
	})
	return ids
}

func sortedKeys(m map[string]time.Time) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func window[T any](items []T, offset, size int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + size
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
