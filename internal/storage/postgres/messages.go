package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/storage"
)

// ========== Message Repository ==========

// SaveMessages 批量保存邮件，已存在的 ID 被跳过
func (s *Store) SaveMessages(ctx context.Context, messages []*domain.Message) ([]*domain.Message, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	inserted := make([]*domain.Message, 0, len(messages))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, msg := range messages {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
			if res.Error != nil {
				return fmt.Errorf("insert message %s: %w", msg.ID, res.Error)
			}
			if res.RowsAffected > 0 {
				inserted = append(inserted, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// GetMessage 获取邮件及其关联工单 ID
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	db := s.db.WithContext(ctx)

	var msg domain.Message
	if err := db.Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, notFound(err, domain.ErrMessageNotFound)
	}

	msgs := []domain.Message{msg}
	if err := attachTicketIDs(db, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// ListMessages 分页列出邮件，按接收时间倒序
func (s *Store) ListMessages(ctx context.Context, filter domain.MessageFilter) (*domain.MessageListResult, error) {
	db := s.db.WithContext(ctx)
	page, pageSize, offset := storage.NormalizePage(filter.Page, filter.PageSize)

	query := db.Model(&domain.Message{})
	if filter.Analyzed != nil {
		query = query.Where("analyzed = ?", *filter.Analyzed)
	}
	if filter.IsSent != nil {
		query = query.Where("is_sent = ?", *filter.IsSent)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var messages []domain.Message
	err := query.Order("received_at DESC").Order("id").Limit(pageSize).Offset(offset).Find(&messages).Error
	if err != nil {
		return nil, err
	}
	if err := attachTicketIDs(db, messages); err != nil {
		return nil, err
	}

	return &domain.MessageListResult{
		Messages:   messages,
		Total:      int(total),
		Page:       page,
		PageSize:   pageSize,
		TotalPages: storage.TotalPages(int(total), pageSize),
	}, nil
}

// ListUnanalyzedMessageIDs 列出未分析的入站邮件 ID
func (s *Store) ListUnanalyzedMessageIDs(ctx context.Context, limit int) ([]string, error) {
	query := s.db.WithContext(ctx).Model(&domain.Message{}).
		Where("analyzed = ? AND is_sent = ?", false, false).
		Order("received_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var ids []string
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// MarkMessageAnalyzed 标记邮件为已分析
func (s *Store) MarkMessageAnalyzed(ctx context.Context, id string) (bool, error) {
	db := s.db.WithContext(ctx)

	res := db.Model(&domain.Message{}).
		Where("id = ? AND analyzed = ?", id, false).
		Update("analyzed", true)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := db.Model(&domain.Message{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, domain.ErrMessageNotFound
	}
	return false, nil
}

// DeleteMessage 删除没有关联工单的邮件
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockMessage(tx, id, lockExclusive); err != nil {
			return err
		}

		var linked int64
		if err := tx.Model(&domain.MessageTicket{}).Where("message_id = ?", id).Count(&linked).Error; err != nil {
			return err
		}
		if linked > 0 {
			return domain.ErrMessageHasTickets
		}

		return tx.Where("id = ?", id).Delete(&domain.Message{}).Error
	})
}

// ForceDeleteMessage 解除全部关联后删除邮件
func (s *Store) ForceDeleteMessage(ctx context.Context, id string) ([]string, error) {
	var ticketIDs []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockMessage(tx, id, lockExclusive); err != nil {
			return err
		}

		if err := tx.Model(&domain.MessageTicket{}).Where("message_id = ?", id).Pluck("ticket_id", &ticketIDs).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id = ?", id).Delete(&domain.MessageTicket{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&domain.Message{}).Error
	})
	if err != nil {
		return nil, err
	}
	return ticketIDs, nil
}

// 行锁强度：删除邮件持排他锁，关联邮件持共享锁
const (
	lockExclusive = "UPDATE"
	lockShared    = "SHARE"
)

// lockMessage 在事务中锁定邮件行直到事务结束，不存在时返回 ErrMessageNotFound
func lockMessage(tx *gorm.DB, id, strength string) error {
	var msg domain.Message
	err := tx.Clauses(clause.Locking{Strength: strength}).
		Select("id").
		Where("id = ?", id).
		First(&msg).Error
	return notFound(err, domain.ErrMessageNotFound)
}

// attachTicketIDs 批量加载邮件的关联工单 ID
func attachTicketIDs(db *gorm.DB, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]string, len(messages))
	for i := range messages {
		ids[i] = messages[i].ID
	}

	var links []domain.MessageTicket
	if err := db.Where("message_id IN ?", ids).Order("created_at").Find(&links).Error; err != nil {
		return err
	}

	byMessage := make(map[string][]string, len(messages))
	for _, link := range links {
		byMessage[link.MessageID] = append(byMessage[link.MessageID], link.TicketID)
	}
	for i := range messages {
		messages[i].TicketIDs = byMessage[messages[i].ID]
		if messages[i].TicketIDs == nil {
			messages[i].TicketIDs = []string{}
		}
	}
	return nil
}
