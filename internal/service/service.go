package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/storage"
)

// Indexer 关系库提交之后的搜索索引投影（search.Synchronizer 实现）
type Indexer interface {
	MessageUpdated(ctx context.Context, msg *domain.Message)
	MessageDeleted(ctx context.Context, id string)
	TicketCreated(ctx context.Context, ticket *domain.Ticket)
	TicketUpdated(ctx context.Context, ticket *domain.Ticket)
}

type nopIndexer struct{}

func (nopIndexer) MessageUpdated(context.Context, *domain.Message) {}
func (nopIndexer) MessageDeleted(context.Context, string)          {}
func (nopIndexer) TicketCreated(context.Context, *domain.Ticket)   {}
func (nopIndexer) TicketUpdated(context.Context, *domain.Ticket)   {}

// projector 把写操作之后的最新状态推送到索引与事件流
type projector struct {
	store  storage.Store
	index  Indexer
	events domain.EventPublisher
	log    *zap.Logger
	now    func() time.Time
}

func newProjector(store storage.Store, index Indexer, events domain.EventPublisher, log *zap.Logger) projector {
	if index == nil {
		index = nopIndexer{}
	}
	if events == nil {
		events = domain.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return projector{store: store, index: index, events: events, log: log, now: time.Now}
}

// refreshMessage 重新加载邮件并更新索引
func (p projector) refreshMessage(ctx context.Context, id string) {
	msg, err := p.store.GetMessage(ctx, id)
	if err != nil {
		p.log.Warn("Failed to reload message for indexing", zap.String("message_id", id), zap.Error(err))
		return
	}
	p.index.MessageUpdated(ctx, msg)
}

// refreshTicket 重新加载工单并更新索引
func (p projector) refreshTicket(ctx context.Context, id string) *domain.Ticket {
	ticket, err := p.store.GetTicket(ctx, id)
	if err != nil {
		p.log.Warn("Failed to reload ticket for indexing", zap.String("ticket_id", id), zap.Error(err))
		return nil
	}
	p.index.TicketUpdated(ctx, ticket)
	return ticket
}

func (p projector) publish(eventType domain.EventType, topic string, data interface{}) {
	p.events.Publish(domain.Event{
		Type:      eventType,
		Topic:     topic,
		Data:      data,
		Timestamp: p.now().UTC(),
	})
}

func dedupeIDs(ids []string) []string {
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
