package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/storage"
)

// ========== Ticket Repository ==========

// CreateTicket 创建工单并关联邮件
func (s *Store) CreateTicket(ctx context.Context, ticket *domain.Ticket, messageIDs []string) (*domain.LinkReport, error) {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	report := &domain.LinkReport{
		TicketID: ticket.ID,
		Linked:   []string{},
		Failed:   []domain.LinkFailure{},
	}

	db := s.db.WithContext(ctx)

	if len(messageIDs) == 0 {
		if err := db.Create(ticket).Error; err != nil {
			return nil, fmt.Errorf("insert ticket: %w", err)
		}
		ticket.EmailIDs = []string{}
		return report, nil
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ticket).Error; err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}

		seen := make(map[string]struct{}, len(messageIDs))
		for _, id := range messageIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			// 共享锁阻止并发删除，直到关联随事务提交
			if err := lockMessage(tx, id, lockShared); err != nil {
				if !errors.Is(err, domain.ErrMessageNotFound) {
					return err
				}
				report.Failed = append(report.Failed, domain.LinkFailure{
					MessageID: id,
					Error:     domain.ErrMessageNotFound.Error(),
				})
				continue
			}

			if err := insertLink(tx, id, ticket.ID); err != nil {
				return err
			}
			report.Linked = append(report.Linked, id)
		}

		if len(report.Linked) == 0 {
			return domain.ErrNoMessagesLinked
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ticket.EmailIDs = append([]string(nil), report.Linked...)
	return report, nil
}

// CreateAnalysisTicket 创建分析工单、关联邮件并标记邮件为已分析（同一事务）
func (s *Store) CreateAnalysisTicket(ctx context.Context, ticket *domain.Ticket, messageID string) error {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg domain.Message
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "analyzed").
			Where("id = ?", messageID).
			First(&msg).Error
		if err != nil {
			return notFound(err, domain.ErrMessageNotFound)
		}
		if msg.Analyzed {
			return domain.ErrAlreadyAnalyzed
		}

		if err := tx.Create(ticket).Error; err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
		if err := insertLink(tx, messageID, ticket.ID); err != nil {
			return err
		}

		res := tx.Model(&domain.Message{}).
			Where("id = ? AND analyzed = ?", messageID, false).
			Update("analyzed", true)
		if res.Error != nil {
			return res.Error
		}
		// 不支持行锁的方言下由条件更新兜底
		if res.RowsAffected == 0 {
			return domain.ErrAlreadyAnalyzed
		}
		return nil
	})
	if err != nil {
		return err
	}

	ticket.EmailIDs = []string{messageID}
	return nil
}

// GetTicket 获取工单及其关联邮件 ID
func (s *Store) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	db := s.db.WithContext(ctx)

	var ticket domain.Ticket
	if err := db.Where("id = ?", id).First(&ticket).Error; err != nil {
		return nil, notFound(err, domain.ErrTicketNotFound)
	}

	tickets := []domain.Ticket{ticket}
	if err := attachEmailIDs(db, tickets); err != nil {
		return nil, err
	}
	s.normalizeTickets(tickets)
	return &tickets[0], nil
}

// ListTickets 分页列出工单，按创建时间倒序
func (s *Store) ListTickets(ctx context.Context, filter domain.TicketFilter) (*domain.TicketListResult, error) {
	db := s.db.WithContext(ctx)
	page, pageSize, offset := storage.NormalizePage(filter.Page, filter.PageSize)

	query := db.Model(&domain.Ticket{})
	if filter.Status != nil {
		query = query.Where("status = ?", string(*filter.Status))
	}
	if filter.TicketType != nil {
		query = query.Where("ticket_type = ?", string(*filter.TicketType))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var tickets []domain.Ticket
	err := query.Order("created_at DESC").Order("id").Limit(pageSize).Offset(offset).Find(&tickets).Error
	if err != nil {
		return nil, err
	}
	if err := attachEmailIDs(db, tickets); err != nil {
		return nil, err
	}
	s.normalizeTickets(tickets)

	return &domain.TicketListResult{
		Tickets:    tickets,
		Total:      int(total),
		Page:       page,
		PageSize:   pageSize,
		TotalPages: storage.TotalPages(int(total), pageSize),
	}, nil
}

// UpdateTicketStatus 更新工单状态，updated_at 严格递增
func (s *Store) UpdateTicketStatus(ctx context.Context, id string, status domain.TicketStatus) (time.Time, error) {
	var updatedAt time.Time
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ticket domain.Ticket
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "updated_at").
			Where("id = ?", id).
			First(&ticket).Error
		if err != nil {
			return notFound(err, domain.ErrTicketNotFound)
		}

		updatedAt = storage.NextUpdatedAt(ticket.UpdatedAt, s.now())
		return tx.Model(&domain.Ticket{}).
			Where("id = ?", id).
			UpdateColumns(map[string]interface{}{
				"status":     string(status),
				"updated_at": updatedAt,
			}).Error
	})
	if err != nil {
		return time.Time{}, err
	}
	return updatedAt, nil
}

// ========== Association Repository ==========

// LinkMessage 关联邮件到工单，已存在的关联为幂等空操作
func (s *Store) LinkMessage(ctx context.Context, ticketID, messageID string) (bool, error) {
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkTargets(tx, ticketID, messageID); err != nil {
			return err
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&domain.MessageTicket{MessageID: messageID, TicketID: ticketID})
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected > 0
		return nil
	})
	return created, err
}

// UnlinkMessage 解除邮件与工单的关联
func (s *Store) UnlinkMessage(ctx context.Context, ticketID, messageID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkTargets(tx, ticketID, messageID); err != nil {
			return err
		}

		res := tx.Where("message_id = ? AND ticket_id = ?", messageID, ticketID).Delete(&domain.MessageTicket{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrAssociationNotFound
		}
		return nil
	})
}

// ListTicketMessages 列出工单关联的邮件
func (s *Store) ListTicketMessages(ctx context.Context, ticketID string) ([]domain.Message, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}

	var messages []domain.Message
	err := db.Model(&domain.Message{}).
		Select("messages.*").
		Joins("JOIN message_tickets ON message_tickets.message_id = messages.id").
		Where("message_tickets.ticket_id = ?", ticketID).
		Order("messages.received_at DESC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	if err := attachTicketIDs(db, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// ListMessageTickets 列出邮件关联的工单
func (s *Store) ListMessageTickets(ctx context.Context, messageID string) ([]domain.Ticket, error) {
	db := s.db.WithContext(ctx)
	exists, err := messageExists(db, messageID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrMessageNotFound
	}

	var tickets []domain.Ticket
	err = db.Model(&domain.Ticket{}).
		Select("tickets.*").
		Joins("JOIN message_tickets ON message_tickets.ticket_id = tickets.id").
		Where("message_tickets.message_id = ?", messageID).
		Order("tickets.created_at DESC").
		Find(&tickets).Error
	if err != nil {
		return nil, err
	}
	if err := attachEmailIDs(db, tickets); err != nil {
		return nil, err
	}
	s.normalizeTickets(tickets)
	return tickets, nil
}

// checkTargets 校验工单与邮件均存在，并在事务内锁定邮件行
func checkTargets(tx *gorm.DB, ticketID, messageID string) error {
	var count int64
	if err := tx.Model(&domain.Ticket{}).Where("id = ?", ticketID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrTicketNotFound
	}
	return lockMessage(tx, messageID, lockShared)
}

func messageExists(tx *gorm.DB, id string) (bool, error) {
	var count int64
	if err := tx.Model(&domain.Message{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func insertLink(tx *gorm.DB, messageID, ticketID string) error {
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.MessageTicket{MessageID: messageID, TicketID: ticketID}).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("link message %s: %w", messageID, err)
	}
	return nil
}

// normalizeTickets 将读出的类别与状态规范为枚举值，无法识别的值替换为兜底值并记录告警
func (s *Store) normalizeTickets(tickets []domain.Ticket) {
	for i := range tickets {
		rawType, rawStatus := tickets[i].TicketType, tickets[i].Status
		typeOK, statusOK := tickets[i].NormalizeEnums()
		if !typeOK {
			s.log.Warn("Unknown ticket type in stored row, using fallback",
				zap.String("ticket_id", tickets[i].ID),
				zap.String("stored", string(rawType)),
				zap.String("fallback", string(tickets[i].TicketType)))
		}
		if !statusOK {
			s.log.Warn("Unknown ticket status in stored row, using fallback",
				zap.String("ticket_id", tickets[i].ID),
				zap.String("stored", string(rawStatus)),
				zap.String("fallback", string(tickets[i].Status)))
		}
	}
}

// attachEmailIDs 批量加载工单的关联邮件 ID
func attachEmailIDs(db *gorm.DB, tickets []domain.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}

	ids := make([]string, len(tickets))
	for i := range tickets {
		ids[i] = tickets[i].ID
	}

	var links []domain.MessageTicket
	if err := db.Where("ticket_id IN ?", ids).Order("created_at").Find(&links).Error; err != nil {
		return err
	}

	byTicket := make(map[string][]string, len(tickets))
	for _, link := range links {
		byTicket[link.TicketID] = append(byTicket[link.TicketID], link.MessageID)
	}
	for i := range tickets {
		tickets[i].EmailIDs = byTicket[tickets[i].ID]
		if tickets[i].EmailIDs == nil {
			tickets[i].EmailIDs = []string{}
		}
	}
	return nil
}
