package storage

import (
	"context"
	"time"

	"abusedesk/backend/internal/domain"
)

// 分页默认值
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	// SaveMessages 在单个事务中批量写入邮件，主键冲突视为"已存在"并跳过，
	// 返回实际新写入的邮件。任一写入失败时整个批次回滚。
	SaveMessages(ctx context.Context, messages []*domain.Message) ([]*domain.Message, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error) // 包含关联工单 ID
	ListMessages(ctx context.Context, filter domain.MessageFilter) (*domain.MessageListResult, error)
	ListUnanalyzedMessageIDs(ctx context.Context, limit int) ([]string, error) // 仅入站邮件，按接收时间正序
	MarkMessageAnalyzed(ctx context.Context, id string) (bool, error)          // 返回是否由 false 变为 true
	DeleteMessage(ctx context.Context, id string) error                        // 存在关联时返回 ErrMessageHasTickets
	ForceDeleteMessage(ctx context.Context, id string) ([]string, error)       // 返回被解除关联的工单 ID
}

// TicketRepository 定义工单数据存取操作。
type TicketRepository interface {
	// CreateTicket 创建工单并关联邮件。messageIDs 为空时为单条插入；
	// 否则在事务中逐个校验并关联，全部失败时回滚并返回 ErrNoMessagesLinked。
	CreateTicket(ctx context.Context, ticket *domain.Ticket, messageIDs []string) (*domain.LinkReport, error)
	// CreateAnalysisTicket 在同一事务中创建工单、关联邮件并将邮件标记为已分析。
	CreateAnalysisTicket(ctx context.Context, ticket *domain.Ticket, messageID string) error
	GetTicket(ctx context.Context, id string) (*domain.Ticket, error) // 包含关联邮件 ID
	ListTickets(ctx context.Context, filter domain.TicketFilter) (*domain.TicketListResult, error)
	// UpdateTicketStatus 更新状态并返回严格递增的 updated_at
	UpdateTicketStatus(ctx context.Context, id string, status domain.TicketStatus) (time.Time, error)
}

// AssociationRepository 定义邮件-工单关联操作。
type AssociationRepository interface {
	LinkMessage(ctx context.Context, ticketID, messageID string) (bool, error) // 返回是否新建了关联
	UnlinkMessage(ctx context.Context, ticketID, messageID string) error       // 关联不存在时返回 ErrAssociationNotFound
	ListTicketMessages(ctx context.Context, ticketID string) ([]domain.Message, error)
	ListMessageTickets(ctx context.Context, messageID string) ([]domain.Ticket, error)
}

// Store 聚合所有存储接口
type Store interface {
	MessageRepository
	TicketRepository
	AssociationRepository

	Health(ctx context.Context) error
	Close() error
}

// NormalizePage 规范化分页参数，返回 (page, pageSize, offset)
func NormalizePage(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize, (page - 1) * pageSize
}

// TotalPages 计算总页数
func TotalPages(total, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// NextUpdatedAt 返回严格晚于 previous 的时间戳（数据库精度为微秒）。
func NextUpdatedAt(previous, now time.Time) time.Time {
	next := now.UTC().Truncate(time.Microsecond)
	if !next.After(previous) {
		next = previous.UTC().Add(time.Microsecond).Truncate(time.Microsecond)
	}
	return next
}
