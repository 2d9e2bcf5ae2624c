package domain

import (
	"strings"
	"time"
)

// Message 表示一封入站（举报邮件）或出站邮件。
//
// ID 优先使用邮件源提供的稳定标识（Message-ID），缺失时使用内容指纹。
// Analyzed 只会从 false 变为 true 一次，永不回退。
type Message struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(128)"`
	Sender     string    `json:"sender" gorm:"type:varchar(320);not null"`
	Recipients []string  `json:"recipients" gorm:"serializer:json;type:text"`
	Subject    string    `json:"subject" gorm:"type:text"`
	Body       string    `json:"body" gorm:"type:text"`
	ReceivedAt time.Time `json:"receivedAt" gorm:"index;not null"`
	Analyzed   bool      `json:"analyzed" gorm:"index;not null"`
	IsSent     bool      `json:"isSent" gorm:"not null"`
	// 关联工单（不存数据库，从 message_tickets 加载）
	TicketIDs []string `json:"ticketIds" gorm:"-"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "messages"
}

// Content 返回用于威胁分类的可读文本（发件人、收件人、主题、正文）。
func (m *Message) Content() string {
	var b strings.Builder
	b.WriteString("From: ")
	b.WriteString(m.Sender)
	b.WriteString("\nTo: ")
	b.WriteString(strings.Join(m.Recipients, ", "))
	b.WriteString("\nSubject: ")
	b.WriteString(m.Subject)
	b.WriteString("\n\n")
	b.WriteString(m.Body)
	return b.String()
}

// MessageFilter 邮件列表过滤条件
type MessageFilter struct {
	Analyzed *bool // 按分析状态过滤
	IsSent   *bool // 按出站/入站过滤
	Page     int   // 页码（从 1 开始）
	PageSize int   // 每页数量
}

// MessageListResult 邮件列表结果
type MessageListResult struct {
	Messages   []Message `json:"messages"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	TotalPages int       `json:"totalPages"`
}
