package domain

import (
	"strings"
	"time"
)

// TicketType 威胁类别（封闭枚举，Other 为兜底值）
type TicketType string

const (
	TicketTypeMalware                   TicketType = "Malware"
	TicketTypePhishing                  TicketType = "Phishing"
	TicketTypeScam                      TicketType = "Scam"
	TicketTypeSpam                      TicketType = "Spam"
	TicketTypeDDoS                      TicketType = "DDoS"
	TicketTypeBotnet                    TicketType = "Botnet"
	TicketTypeDataBreach                TicketType = "DataBreach"
	TicketTypeIdentityTheft             TicketType = "IdentityTheft"
	TicketTypeRansomware                TicketType = "Ransomware"
	TicketTypeCyberStalking             TicketType = "CyberStalking"
	TicketTypeIntellectualPropertyTheft TicketType = "IntellectualPropertyTheft"
	TicketTypeHarassment                TicketType = "Harassment"
	TicketTypeUnauthorizedAccess        TicketType = "UnauthorizedAccess"
	TicketTypeCopyrightViolation        TicketType = "CopyrightViolation"
	TicketTypeBruteForce                TicketType = "BruteForce"
	TicketTypeC2                        TicketType = "C2"
	TicketTypeOther                     TicketType = "Other"
)

// TicketTypes 返回全部威胁类别，顺序固定。
func TicketTypes() []TicketType {
	return []TicketType{
		TicketTypeMalware, TicketTypePhishing, TicketTypeScam, TicketTypeSpam,
		TicketTypeDDoS, TicketTypeBotnet, TicketTypeDataBreach, TicketTypeIdentityTheft,
		TicketTypeRansomware, TicketTypeCyberStalking, TicketTypeIntellectualPropertyTheft,
		TicketTypeHarassment, TicketTypeUnauthorizedAccess, TicketTypeCopyrightViolation,
		TicketTypeBruteForce, TicketTypeC2, TicketTypeOther,
	}
}

// ParseTicketType 将字符串解析为威胁类别。
//
// 先精确匹配，再忽略大小写匹配；无法识别时返回 (TicketTypeOther, false)。
// 该函数是全函数：任何输入都有确定的结果，由调用方决定是否接受兜底值。
func ParseTicketType(s string) (TicketType, bool) {
	s = strings.TrimSpace(s)
	for _, t := range TicketTypes() {
		if string(t) == s {
			return t, true
		}
	}
	for _, t := range TicketTypes() {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return TicketTypeOther, false
}

// Valid 判断是否为枚举内的值（区分大小写）
func (t TicketType) Valid() bool {
	parsed, ok := ParseTicketType(string(t))
	return ok && parsed == t
}

// TicketStatus 工单生命周期状态
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "Open"
	TicketStatusInProgress TicketStatus = "InProgress"
	TicketStatusClosed     TicketStatus = "Closed"
	TicketStatusResolved   TicketStatus = "Resolved"
)

// TicketStatuses 返回全部工单状态
func TicketStatuses() []TicketStatus {
	return []TicketStatus{TicketStatusOpen, TicketStatusInProgress, TicketStatusClosed, TicketStatusResolved}
}

// ParseTicketStatus 将字符串解析为工单状态，无法识别时返回 (TicketStatusOpen, false)。
func ParseTicketStatus(s string) (TicketStatus, bool) {
	s = strings.TrimSpace(s)
	for _, st := range TicketStatuses() {
		if string(st) == s || strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	// 兼容 "in_progress" / "in-progress" 写法
	compact := strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
	if strings.EqualFold(compact, string(TicketStatusInProgress)) {
		return TicketStatusInProgress, true
	}
	return TicketStatusOpen, false
}

// Ticket 由一封或多封邮件的威胁分析产生的事件工单。
type Ticket struct {
	ID                  string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TicketType          TicketType   `json:"ticketType" gorm:"type:varchar(64);not null;index"`
	Status              TicketStatus `json:"status" gorm:"type:varchar(32);not null;index"`
	IPAddress           *string      `json:"ipAddress,omitempty" gorm:"type:varchar(64)"`
	Subject             string       `json:"subject" gorm:"type:text;not null"`
	Description         string       `json:"description" gorm:"type:text;not null"`
	ConfidenceScore     *float64     `json:"confidenceScore,omitempty"`
	IdentifiedThreats   []string     `json:"identifiedThreats" gorm:"serializer:json;type:text"`
	ExtractedIndicators []string     `json:"extractedIndicators" gorm:"serializer:json;type:text"`
	AnalysisSummary     *string      `json:"analysisSummary,omitempty" gorm:"type:text"`
	CreatedAt           time.Time    `json:"createdAt" gorm:"index"`
	UpdatedAt           time.Time    `json:"updatedAt"`
	// 关联邮件（不存数据库，从 message_tickets 加载）
	EmailIDs []string `json:"emailIds" gorm:"-"`
}

// TableName 指定表名
func (Ticket) TableName() string {
	return "tickets"
}

// NormalizeEnums 将类别与状态替换为解析结果，返回两者是否被识别。
// 无法识别的值被替换为兜底值（Other / Open）。
func (t *Ticket) NormalizeEnums() (typeOK, statusOK bool) {
	t.TicketType, typeOK = ParseTicketType(string(t.TicketType))
	t.Status, statusOK = ParseTicketStatus(string(t.Status))
	return typeOK, statusOK
}

// Validate 校验工单不变量：主题与描述非空，置信度位于 [0, 1]。
func (t *Ticket) Validate() error {
	if strings.TrimSpace(t.Subject) == "" {
		return Validationf("subject cannot be empty")
	}
	if strings.TrimSpace(t.Description) == "" {
		return Validationf("description cannot be empty")
	}
	if t.ConfidenceScore != nil && !ValidConfidence(*t.ConfidenceScore) {
		return Validationf("confidence score must be between 0 and 1")
	}
	if _, ok := ParseTicketStatus(string(t.Status)); !ok {
		return Validationf("unknown ticket status %q", t.Status)
	}
	return nil
}

// ValidConfidence 判断置信度是否位于 [0, 1]（NaN 视为非法）。
func ValidConfidence(score float64) bool {
	return score >= 0 && score <= 1
}

// TicketFilter 工单列表过滤条件
type TicketFilter struct {
	Status     *TicketStatus
	TicketType *TicketType
	Page       int
	PageSize   int
}

// TicketListResult 工单列表结果
type TicketListResult struct {
	Tickets    []Ticket `json:"tickets"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"pageSize"`
	TotalPages int      `json:"totalPages"`
}
