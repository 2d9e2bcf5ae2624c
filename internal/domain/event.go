package domain

import "time"

// EventType 实时事件类型
type EventType string

const (
	EventMessageIngested     EventType = "message.ingested"
	EventMessageAnalyzed     EventType = "message.analyzed"
	EventMessageDeleted      EventType = "message.deleted"
	EventTicketCreated       EventType = "ticket.created"
	EventTicketStatusChanged EventType = "ticket.status_changed"
	EventTicketLinked        EventType = "ticket.linked"
	EventTicketUnlinked      EventType = "ticket.unlinked"
)

// Event 推送给实时订阅者的事件
type Event struct {
	Type      EventType   `json:"type"`
	Topic     string      `json:"topic"` // "messages" 或 "tickets"
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// 事件主题
const (
	TopicMessages = "messages"
	TopicTickets  = "tickets"
)

// EventPublisher 事件发布接口
type EventPublisher interface {
	Publish(event Event)
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

// Publish 实现 EventPublisher
func (NopPublisher) Publish(Event) {}
