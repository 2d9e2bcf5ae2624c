package domain

import "time"

// 搜索分页默认值
const (
	DefaultSearchSize = 20
	MaxSearchSize     = 100
)

// MessageDocument 邮件在搜索索引中的投影（非权威数据）
type MessageDocument struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
	Analyzed   bool      `json:"analyzed"`
	IsSent     bool      `json:"is_sent"`
	TicketIDs  []string  `json:"ticket_ids"`
}

// NewMessageDocument 由邮件构建索引文档
func NewMessageDocument(m *Message) MessageDocument {
	return MessageDocument{
		ID:         m.ID,
		Sender:     m.Sender,
		Recipients: nonNil(m.Recipients),
		Subject:    m.Subject,
		Body:       m.Body,
		ReceivedAt: m.ReceivedAt,
		Analyzed:   m.Analyzed,
		IsSent:     m.IsSent,
		TicketIDs:  nonNil(m.TicketIDs),
	}
}

// TicketDocument 工单在搜索索引中的投影
type TicketDocument struct {
	ID                  string       `json:"id"`
	TicketType          TicketType   `json:"ticket_type"`
	Status              TicketStatus `json:"status"`
	IPAddress           *string      `json:"ip_address,omitempty"`
	Subject             string       `json:"subject"`
	Description         string       `json:"description"`
	ConfidenceScore     *float64     `json:"confidence_score,omitempty"`
	IdentifiedThreats   []string     `json:"identified_threats"`
	ExtractedIndicators []string     `json:"extracted_indicators"`
	AnalysisSummary     *string      `json:"analysis_summary,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	EmailIDs            []string     `json:"email_ids"`
}

// NewTicketDocument 由工单构建索引文档
func NewTicketDocument(t *Ticket) TicketDocument {
	return TicketDocument{
		ID:                  t.ID,
		TicketType:          t.TicketType,
		Status:              t.Status,
		IPAddress:           t.IPAddress,
		Subject:             t.Subject,
		Description:         t.Description,
		ConfidenceScore:     t.ConfidenceScore,
		IdentifiedThreats:   nonNil(t.IdentifiedThreats),
		ExtractedIndicators: nonNil(t.ExtractedIndicators),
		AnalysisSummary:     t.AnalysisSummary,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
		EmailIDs:            nonNil(t.EmailIDs),
	}
}

// MessageSearchCriteria 邮件搜索条件
type MessageSearchCriteria struct {
	Query      string // 全文关键词（发件人、收件人、主题、正文）
	Analyzed   *bool  // 是否已分析
	IsSent     *bool  // 是否为出站邮件
	HasTickets *bool  // 是否已关联工单
	Offset     int    // 偏移量
	Size       int    // 每页数量（默认 20，最大 100）
	Ascending  bool   // 默认按接收时间倒序
}

// MessageSearchResult 邮件搜索结果
type MessageSearchResult struct {
	Hits   []MessageDocument `json:"hits"`
	Total  int64             `json:"total"`
	Offset int               `json:"offset"`
	Size   int               `json:"size"`
}

// TicketSearchCriteria 工单搜索条件
type TicketSearchCriteria struct {
	Query      string
	Status     *TicketStatus
	TicketType *TicketType
	HasEmails  *bool
	Offset     int
	Size       int
	Ascending  bool // 默认按创建时间倒序
}

// TicketSearchResult 工单搜索结果
type TicketSearchResult struct {
	Hits   []TicketDocument `json:"hits"`
	Total  int64            `json:"total"`
	Offset int              `json:"offset"`
	Size   int              `json:"size"`
}

// NormalizePaging 规范化分页参数
func NormalizePaging(offset, size int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if size <= 0 {
		size = DefaultSearchSize
	}
	if size > MaxSearchSize {
		size = MaxSearchSize
	}
	return offset, size
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
